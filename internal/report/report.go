// Package report defines the contract with the remote reporting service and
// the per-run state that correlates host notifications with remote items.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

// ItemType is the kind of a report item.
type ItemType string

const (
	ItemSuite ItemType = "SUITE"
	ItemTest  ItemType = "TEST"
	ItemStep  ItemType = "STEP"
)

// Status is the final status of a report item.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// LogLevel is the severity of a log item.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogFormat tells the service how to render a log message.
type LogFormat string

const (
	FormatPlainText LogFormat = "PLAIN_TEXT"
	FormatMarkdown  LogFormat = "MARKDOWN"
)

// Attribute is a key/value tag on a run or item. Key may be empty.
type Attribute struct {
	Key   string `json:"key,omitempty" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// StartRun describes a run to start.
type StartRun struct {
	Name        string
	Description string
	Attributes  []Attribute
	StartTime   time.Time
}

// StartItem describes a suite, test or step to start.
type StartItem struct {
	Type        ItemType
	Name        string
	Description string
	Attributes  []Attribute
	StartTime   time.Time
}

// FinishItem closes an item.
type FinishItem struct {
	Status  Status
	EndTime time.Time
}

// LogEntry is a text message on an item.
type LogEntry struct {
	Item    uuid.UUID
	Time    time.Time
	Level   LogLevel
	Format  LogFormat
	Message string
}

// Attachment is binary content on an item, sent with an accompanying message.
type Attachment struct {
	Item     uuid.UUID
	Time     time.Time
	Level    LogLevel
	Message  string
	FileName string
	MimeType string
	Data     []byte
}

// Reporter is the remote reporting service. Every call is synchronous; a
// uuid.Nil parent in StartItem means the item hangs directly off the run.
type Reporter interface {
	StartRun(ctx context.Context, run StartRun) (uuid.UUID, error)
	FinishRun(ctx context.Context, run uuid.UUID, endTime time.Time) error
	StartItem(ctx context.Context, run, parent uuid.UUID, item StartItem) (uuid.UUID, error)
	FinishItem(ctx context.Context, run, item uuid.UUID, finish FinishItem) error
	Log(ctx context.Context, run uuid.UUID, entry LogEntry) error
	SendAttachment(ctx context.Context, run uuid.UUID, att Attachment) error
}

// StatusFromScope maps a scope status onto an item status. ok is false for
// InProgress (and anything unknown), which is mapped to passed; callers warn
// about it.
func StatusFromScope(s protocol.Status) (status Status, ok bool) {
	switch s {
	case protocol.StatusPassed:
		return StatusPassed, true
	case protocol.StatusFailed:
		return StatusFailed, true
	case protocol.StatusSkipped:
		return StatusSkipped, true
	}
	return StatusPassed, false
}

// LevelFromScope maps a scope log level onto the service's levels.
func LevelFromScope(l protocol.Level) LogLevel {
	switch l {
	case protocol.LevelTrace, protocol.LevelDebug:
		return LevelDebug
	case protocol.LevelWarning:
		return LevelWarn
	case protocol.LevelError, protocol.LevelFatal:
		return LevelError
	}
	return LevelInfo
}

// FormatFor picks the message format for a structured log: errors are sent
// verbatim so stack traces keep their layout.
func FormatFor(level LogLevel) LogFormat {
	if level == LevelError {
		return FormatPlainText
	}
	return FormatMarkdown
}
