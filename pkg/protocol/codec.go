package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// marker is how every encoded line starts. A line carrying the marker that
// fails to decode is reported as corrupt instead of being silently ignored.
const marker = `{"Action":`

// DecodeError is returned for a line that is recognizably a protocol line but
// cannot be decoded (truncated, missing fields, unknown enum values).
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("corrupt scope protocol line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidValue       = errors.New("invalid field value")
)

type wireMessage struct {
	Action        Action      `json:"Action"`
	Version       int         `json:"V,omitempty"`
	ID            string      `json:"Id,omitempty"`
	ParentScopeID string      `json:"ParentScopeId,omitempty"`
	Name          string      `json:"Name,omitempty"`
	BeginTime     *time.Time  `json:"BeginTime,omitempty"`
	Time          *time.Time  `json:"Time,omitempty"`
	Text          string      `json:"Text,omitempty"`
	Level         Level       `json:"Level,omitempty"`
	Attach        *wireAttach `json:"Attach,omitempty"`
	EndTime       *time.Time  `json:"EndTime,omitempty"`
	Status        Status      `json:"Status,omitempty"`
}

type wireAttach struct {
	MimeType string `json:"MimeType"`
	FileName string `json:"FileName,omitempty"`
	Data     []byte `json:"Data"`
}

// Encode serializes an event into a single line without a trailing newline.
// Newlines inside text are escaped by the JSON encoding and restored by Decode.
// String fields must be valid UTF-8: JSON cannot carry other bytes, so such an
// event fails with ErrInvalidValue instead of decoding to different text.
// Attachment data is binary and has no such restriction.
func Encode(ev Event) (string, error) {
	msg := wireMessage{Action: ev.Action(), Version: CurrentVersion}

	switch e := ev.(type) {
	case Begin:
		if e.ID == "" || e.Name == "" {
			return "", fmt.Errorf("encode begin: %w: Id and Name are required", ErrMissingField)
		}
		msg.ID = e.ID
		msg.ParentScopeID = e.ParentID
		msg.Name = e.Name
		msg.BeginTime = utc(e.BeginTime)
	case Log:
		msg.ParentScopeID = e.ParentID
		msg.Time = utc(e.Time)
		msg.Text = e.Text
		msg.Level = e.Level
		if msg.Level == "" {
			msg.Level = LevelInfo
		}
		if !msg.Level.Valid() {
			return "", fmt.Errorf("encode log: %w: level %q", ErrInvalidValue, e.Level)
		}
		if e.Attach != nil {
			msg.Attach = &wireAttach{MimeType: e.Attach.MimeType, FileName: e.Attach.FileName, Data: e.Attach.Data}
		}
	case End:
		if e.ID == "" {
			return "", fmt.Errorf("encode end: %w: Id is required", ErrMissingField)
		}
		if !e.Status.Valid() {
			return "", fmt.Errorf("encode end: %w: status %q", ErrInvalidValue, e.Status)
		}
		msg.ID = e.ID
		msg.EndTime = utc(e.EndTime)
		msg.Status = e.Status
	default:
		return "", fmt.Errorf("encode: unsupported event type %T", ev)
	}

	if field, ok := invalidUTF8(msg); ok {
		return "", fmt.Errorf("encode %s: %w: %s is not valid UTF-8", msg.Action, ErrInvalidValue, field)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Action, err)
	}
	return string(data), nil
}

func invalidUTF8(msg wireMessage) (string, bool) {
	fields := []struct{ name, value string }{
		{"Id", msg.ID},
		{"ParentScopeId", msg.ParentScopeID},
		{"Name", msg.Name},
		{"Text", msg.Text},
	}
	if msg.Attach != nil {
		fields = append(fields,
			struct{ name, value string }{"MimeType", msg.Attach.MimeType},
			struct{ name, value string }{"FileName", msg.Attach.FileName})
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return f.name, true
		}
	}
	return "", false
}

// Decode parses one captured line.
//
// ok is false when the line is not a protocol line at all; the caller should
// treat it as ordinary output. When ok is true and err is non-nil the line was
// meant to be a protocol line but is corrupt (err is a *DecodeError).
func Decode(line string) (ev Event, ok bool, err error) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "{") {
		return nil, false, nil
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		if strings.HasPrefix(s, marker) || probeAction(s) {
			return nil, true, &DecodeError{Line: line, Err: err}
		}
		return nil, false, nil
	}
	if !msg.Action.known() {
		return nil, false, nil
	}
	if msg.Version > CurrentVersion {
		return nil, true, &DecodeError{Line: line, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Version)}
	}

	ev, err = fromWire(msg)
	if err != nil {
		return nil, true, &DecodeError{Line: line, Err: err}
	}
	return ev, true, nil
}

// probeAction reports whether s is a JSON object with a known Action field
// even though the full message did not decode (e.g. a field of the wrong type).
func probeAction(s string) bool {
	var probe struct {
		Action Action `json:"Action"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return false
	}
	return probe.Action.known()
}

func fromWire(msg wireMessage) (Event, error) {
	switch msg.Action {
	case ActionBeginScope:
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: Id", ErrMissingField)
		}
		if msg.Name == "" {
			return nil, fmt.Errorf("%w: Name", ErrMissingField)
		}
		return Begin{
			ID:        msg.ID,
			ParentID:  msg.ParentScopeID,
			Name:      msg.Name,
			BeginTime: deref(msg.BeginTime),
		}, nil

	case ActionAddLog:
		level := msg.Level
		if level == "" {
			level = LevelInfo
		}
		if !level.Valid() {
			return nil, fmt.Errorf("%w: Level %q", ErrInvalidValue, msg.Level)
		}
		ev := Log{
			ParentID: msg.ParentScopeID,
			Time:     deref(msg.Time),
			Level:    level,
			Text:     msg.Text,
		}
		if msg.Attach != nil {
			ev.Attach = &Attachment{MimeType: msg.Attach.MimeType, FileName: msg.Attach.FileName, Data: msg.Attach.Data}
		}
		return ev, nil

	case ActionEndScope:
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: Id", ErrMissingField)
		}
		status := msg.Status
		if status == "" {
			status = StatusInProgress
		}
		if !status.Valid() {
			return nil, fmt.Errorf("%w: Status %q", ErrInvalidValue, msg.Status)
		}
		return End{ID: msg.ID, EndTime: deref(msg.EndTime), Status: status}, nil
	}
	return nil, fmt.Errorf("%w: Action %q", ErrInvalidValue, msg.Action)
}

func utc(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
