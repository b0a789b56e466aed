// Package protocol defines the line protocol that carries nested log scopes
// out of an isolated test process. Each event is encoded as one self-contained
// JSON line so it survives any text channel the host captures (stdout,
// testing.T.Log, adapter message buffers) and can be picked back out of
// unrelated output on the reporting side.
package protocol

import "time"

// CurrentVersion is written into the V field of every encoded line. Decoders
// accept lines without V (treated as version 1) and reject newer versions.
const CurrentVersion = 1

// Action discriminates the three event kinds on the wire.
type Action string

const (
	ActionAddLog     Action = "AddLog"
	ActionBeginScope Action = "BeginLogScope"
	ActionEndScope   Action = "EndLogScope"
)

func (a Action) known() bool {
	switch a {
	case ActionAddLog, ActionBeginScope, ActionEndScope:
		return true
	}
	return false
}

// Status is the state of a log scope. It is shared by the emitting side and
// the reporting side; the wire string is the only serialized form.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusPassed     Status = "Passed"
	StatusFailed     Status = "Failed"
	StatusSkipped    Status = "Skipped"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusPassed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether s may close a scope.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusInProgress
}

// Level is the severity of a logged message.
type Level string

const (
	LevelTrace   Level = "Trace"
	LevelDebug   Level = "Debug"
	LevelInfo    Level = "Info"
	LevelWarning Level = "Warning"
	LevelError   Level = "Error"
	LevelFatal   Level = "Fatal"
)

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarning, LevelError, LevelFatal:
		return true
	}
	return false
}

// Event is one of Begin, Log or End.
type Event interface {
	Action() Action
	isEvent()
}

// Begin opens a scope. ParentID is empty for a scope opened directly under
// the test.
type Begin struct {
	ID        string
	ParentID  string
	Name      string
	BeginTime time.Time
}

// Log is a message logged inside a scope (or directly under the test when
// ParentID is empty).
type Log struct {
	ParentID string
	Time     time.Time
	Level    Level
	Text     string
	Attach   *Attachment
}

// End closes the scope with the given ID.
type End struct {
	ID      string
	EndTime time.Time
	Status  Status
}

// Attachment is binary content sent alongside a log message. Data travels as
// base64 inside the JSON line, never as raw bytes.
type Attachment struct {
	MimeType string
	FileName string
	Data     []byte
}

func (Begin) Action() Action { return ActionBeginScope }
func (Log) Action() Action   { return ActionAddLog }
func (End) Action() Action   { return ActionEndScope }

func (Begin) isEvent() {}
func (Log) isEvent()   {}
func (End) isEvent()   {}
