// Package console is a report.Reporter that prints the reconstructed tree of
// each run to a terminal once the run finishes.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/mattn/go-isatty"
)

// ErrUnknown is returned for calls against a run or item the sink never
// started.
var ErrUnknown = errors.New("unknown run or item")

type node struct {
	typ      report.ItemType
	name     string
	status   report.Status
	start    time.Time
	end      time.Time
	logs     []string
	children []*node
}

type run struct {
	name  string
	start time.Time
	roots []*node
	items map[uuid.UUID]*node
}

// Sink prints runs as indented trees.
type Sink struct {
	w        io.Writer
	showLogs bool

	bold, dim, green, red, yellow *color.Color

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogs includes log entries and attachments under their items.
func WithLogs(show bool) Option {
	return func(s *Sink) { s.showLogs = show }
}

// WithColor forces colour on or off. By default colour is used when w is a
// terminal.
func WithColor(enabled bool) Option {
	return func(s *Sink) { s.setColor(enabled) }
}

// New creates a Sink writing to w.
func New(w io.Writer, opts ...Option) *Sink {
	s := &Sink{
		w:      w,
		bold:   color.New(color.Bold),
		dim:    color.New(color.FgHiBlack),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		runs:   make(map[uuid.UUID]*run),
	}
	s.setColor(isTerminal(w))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s *Sink) setColor(enabled bool) {
	for _, c := range []*color.Color{s.bold, s.dim, s.green, s.red, s.yellow} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// StartRun registers a run.
func (s *Sink) StartRun(_ context.Context, r report.StartRun) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.runs[id] = &run{name: r.Name, start: r.StartTime, items: make(map[uuid.UUID]*node)}
	return id, nil
}

// FinishRun prints the run and forgets it.
func (s *Sink) FinishRun(_ context.Context, id uuid.UUID, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrUnknown)
	}
	delete(s.runs, id)
	s.print(r, endTime)
	return nil
}

// StartItem adds an item under parent, or at the top of the run.
func (s *Sink) StartItem(_ context.Context, runID, parent uuid.UUID, item report.StartItem) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return uuid.Nil, fmt.Errorf("run %s: %w", runID, ErrUnknown)
	}

	n := &node{typ: item.Type, name: item.Name, start: item.StartTime}
	if parent == uuid.Nil {
		r.roots = append(r.roots, n)
	} else {
		p, ok := r.items[parent]
		if !ok {
			return uuid.Nil, fmt.Errorf("parent %s: %w", parent, ErrUnknown)
		}
		p.children = append(p.children, n)
	}

	id := uuid.New()
	r.items[id] = n
	return id, nil
}

// FinishItem records the status of an item.
func (s *Sink) FinishItem(_ context.Context, runID, item uuid.UUID, finish report.FinishItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.item(runID, item)
	if err != nil {
		return err
	}
	n.status = finish.Status
	n.end = finish.EndTime
	return nil
}

// Log keeps a log entry for printing.
func (s *Sink) Log(_ context.Context, runID uuid.UUID, entry report.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.item(runID, entry.Item)
	if err != nil {
		return err
	}
	n.logs = append(n.logs, fmt.Sprintf("[%s] %s", entry.Level, entry.Message))
	return nil
}

// SendAttachment keeps a line describing the attachment.
func (s *Sink) SendAttachment(_ context.Context, runID uuid.UUID, att report.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.item(runID, att.Item)
	if err != nil {
		return err
	}
	n.logs = append(n.logs, fmt.Sprintf("[%s] attachment %s (%s, %d bytes) %s",
		att.Level, att.FileName, att.MimeType, len(att.Data), att.Message))
	return nil
}

func (s *Sink) item(runID, item uuid.UUID) (*node, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrUnknown)
	}
	n, ok := r.items[item]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", item, ErrUnknown)
	}
	return n, nil
}

func (s *Sink) print(r *run, end time.Time) {
	tests, failed := 0, 0
	var count func(ns []*node)
	count = func(ns []*node) {
		for _, n := range ns {
			if n.typ == report.ItemTest {
				tests++
				if n.status == report.StatusFailed {
					failed++
				}
			}
			count(n.children)
		}
	}
	count(r.roots)

	_, _ = s.bold.Fprintf(s.w, "%s", r.name)
	_, _ = s.dim.Fprintf(s.w, " (%d tests, %d failed, %s)\n", tests, failed, end.Sub(r.start).Round(time.Millisecond))
	for _, n := range r.roots {
		s.printNode(n, 1)
	}
}

func (s *Sink) printNode(n *node, depth int) {
	indent := strings.Repeat("  ", depth)
	name := n.name
	if n.typ == report.ItemSuite {
		name = s.bold.Sprint(name)
	}
	fmt.Fprintf(s.w, "%s%s %s", indent, name, s.status(n.status))
	if n.typ != report.ItemSuite && !n.end.IsZero() && !n.start.IsZero() {
		_, _ = s.dim.Fprintf(s.w, " %s", n.end.Sub(n.start).Round(time.Millisecond))
	}
	fmt.Fprintln(s.w)

	if s.showLogs {
		for _, l := range n.logs {
			for i, line := range strings.Split(l, "\n") {
				prefix := "| "
				if i > 0 {
					prefix = "|   "
				}
				_, _ = s.dim.Fprintf(s.w, "%s  %s%s\n", indent, prefix, line)
			}
		}
	}
	for _, c := range n.children {
		s.printNode(c, depth+1)
	}
}

func (s *Sink) status(st report.Status) string {
	switch st {
	case report.StatusPassed:
		return s.green.Sprint(st)
	case report.StatusFailed:
		return s.red.Sprint(st)
	case report.StatusSkipped:
		return s.yellow.Sprint(st)
	}
	return s.dim.Sprint("UNFINISHED")
}

var _ report.Reporter = (*Sink)(nil)
