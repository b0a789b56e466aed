// Package progress reports what the bridge is doing while it mirrors a run:
// as text lines for the CLI and as Server-Sent Events for the ingest server.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Event types.
const (
	TypeRunStart    = "run_start"
	TypeTest        = "test"
	TypeRunComplete = "run_complete"
	TypeInfo        = "info"
	TypeError       = "error"
)

// Event is a single progress update.
type Event struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	Test       string `json:"test,omitempty"`
	Suite      string `json:"suite,omitempty"`
	Status     string `json:"status,omitempty"`
	Steps      int    `json:"steps,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Tests      int    `json:"tests,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Emitter receives progress events.
type Emitter interface {
	Emit(event Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// TextEmitter formats progress events as human-readable text for CLI output.
type TextEmitter struct {
	W io.Writer

	mu sync.Mutex
}

// Emit writes a formatted progress line to the underlying writer.
func (e *TextEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case TypeRunStart:
		fmt.Fprintf(e.W, "Run %s started\n", ev.RunID)
	case TypeTest:
		name := ev.Test
		if ev.Suite != "" {
			name = ev.Suite + " > " + ev.Test
		}
		fmt.Fprintf(e.W, "  %-7s %s (%s", ev.Status, name, formatDuration(ev.DurationMS))
		if ev.Steps > 0 {
			fmt.Fprintf(e.W, ", %d steps", ev.Steps)
		}
		fmt.Fprintln(e.W, ")")
	case TypeRunComplete:
		fmt.Fprintf(e.W, "Run %s complete: %d tests, %d failed\n", ev.RunID, ev.Tests, ev.Failed)
	case TypeInfo:
		fmt.Fprintf(e.W, "  %s\n", ev.Message)
	case TypeError:
		fmt.Fprintf(e.W, "Error: %s\n", ev.Message)
	}
}

// formatDuration formats milliseconds as "500ms" or "1.5s".
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit forwards ev to every emitter.
func (m Multi) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}
