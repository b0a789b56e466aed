package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Notification event names on the wire.
const (
	EventRunStart    = "runStart"
	EventTestResult  = "testResult"
	EventRunComplete = "runComplete"
)

// Notification is one host notification in serialized form. Exactly one of
// Run, Result or Summary is set, matching Event.
type Notification struct {
	Event   string      `json:"event"`
	Run     *RunInfo    `json:"run,omitempty"`
	Result  *TestResult `json:"result,omitempty"`
	Summary *RunSummary `json:"summary,omitempty"`
}

// ErrBadNotification is returned for a notification without its payload or
// with an unknown event name.
var ErrBadNotification = errors.New("bad notification")

// Dispatch delivers n to h.
func (n Notification) Dispatch(ctx context.Context, h Handler) error {
	switch n.Event {
	case EventRunStart:
		info := RunInfo{}
		if n.Run != nil {
			info = *n.Run
		}
		return h.OnRunStart(ctx, info)
	case EventTestResult:
		if n.Result == nil {
			return fmt.Errorf("%w: %s without result", ErrBadNotification, n.Event)
		}
		h.OnTestResult(ctx, *n.Result)
		return nil
	case EventRunComplete:
		summary := RunSummary{}
		if n.Summary != nil {
			summary = *n.Summary
		}
		h.OnRunComplete(ctx, summary)
		return nil
	}
	return fmt.Errorf("%w: unknown event %q", ErrBadNotification, n.Event)
}

// NotificationDecoder reads newline-delimited JSON notifications, the format
// a host-side shim writes when it cannot call the reporter in-process.
type NotificationDecoder struct {
	r io.Reader
}

// NewNotificationDecoder creates a decoder reading from r.
func NewNotificationDecoder(r io.Reader) *NotificationDecoder {
	return &NotificationDecoder{r: r}
}

// Run decodes notifications until EOF and dispatches them to h. It stops at
// the first malformed line or failed run start.
func (d *NotificationDecoder) Run(ctx context.Context, h Handler) error {
	scanner := bufio.NewScanner(d.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := n.Dispatch(ctx, h); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read notifications: %w", err)
	}
	return nil
}
