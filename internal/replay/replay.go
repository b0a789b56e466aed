// Package replay rebuilds nested step items from the protocol lines captured
// in a test's output. Lines are processed strictly in order; anything that is
// not a protocol line is forwarded as a plain log message.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

// CorrelationError is reported when an event references a scope this run
// never started (or already finished). The event is dropped.
type CorrelationError struct {
	Action  protocol.Action
	ScopeID string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("%s references unknown scope %q", e.Action, e.ScopeID)
}

// Result summarizes one replay.
type Result struct {
	Lines             int
	StepsStarted      int
	StepsFinished     int
	Logs              int
	Attachments       int
	PlainLines        int
	DecodeErrors      int
	CorrelationErrors int
	// Open lists scopes begun during the replay and never ended, outermost
	// first.
	Open []string
}

// Engine replays captured lines against a reporter.
type Engine struct {
	reporter report.Reporter
	logger   *slog.Logger
	prefixes []string
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPrefixes sets the foreign prefixes stripped before decoding.
func WithPrefixes(prefixes []string) Option {
	return func(e *Engine) { e.prefixes = prefixes }
}

// WithClock overrides the time source used for plain lines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(r report.Reporter, opts ...Option) *Engine {
	e := &Engine{
		reporter: r,
		logger:   slog.Default(),
		prefixes: protocol.DefaultPrefixes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// replayState is the per-call state: the scopes begun in this replay that are
// still open, used as the default target for plain lines.
type replayState struct {
	run  *report.Run
	test uuid.UUID
	open []string
	res  Result
}

func (s *replayState) defaultTarget() uuid.UUID {
	for i := len(s.open) - 1; i >= 0; i-- {
		if h, ok := s.run.Scope(s.open[i]); ok {
			return h
		}
	}
	return s.test
}

func (s *replayState) closed(id string) {
	for i := len(s.open) - 1; i >= 0; i-- {
		if s.open[i] == id {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}

// Replay processes lines captured for the test item test. A failing remote
// call stops the replay and is returned; decode and correlation problems are
// logged and skipped.
func (e *Engine) Replay(ctx context.Context, run *report.Run, test uuid.UUID, lines []string) (Result, error) {
	st := &replayState{run: run, test: test}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return e.result(st), err
		}
		st.res.Lines++
		if err := e.line(ctx, st, line); err != nil {
			return e.result(st), err
		}
	}
	return e.result(st), nil
}

func (e *Engine) result(st *replayState) Result {
	res := st.res
	res.Open = append([]string(nil), st.open...)
	return res
}

func (e *Engine) line(ctx context.Context, st *replayState, line string) error {
	ev, ok, err := protocol.Decode(protocol.StripPrefix(line, e.prefixes))
	if err != nil {
		st.res.DecodeErrors++
		e.logger.Warn("corrupt scope line, logging it as text", "error", err)
		return e.plain(ctx, st, line)
	}
	if !ok {
		return e.plain(ctx, st, line)
	}

	switch ev := ev.(type) {
	case protocol.Begin:
		return e.begin(ctx, st, ev)
	case protocol.Log:
		return e.log(ctx, st, ev)
	case protocol.End:
		return e.end(ctx, st, ev)
	}
	return nil
}

func (e *Engine) plain(ctx context.Context, st *replayState, line string) error {
	st.res.PlainLines++
	err := e.reporter.Log(ctx, st.run.ID, report.LogEntry{
		Item:    st.defaultTarget(),
		Time:    e.now().UTC(),
		Level:   report.LevelInfo,
		Format:  report.FormatPlainText,
		Message: line,
	})
	if err != nil {
		return fmt.Errorf("log output line: %w", err)
	}
	return nil
}

// target resolves the item an event with the given parent scope belongs to.
func (e *Engine) target(st *replayState, parentID string) (uuid.UUID, bool) {
	if parentID == "" {
		return st.test, true
	}
	return st.run.Scope(parentID)
}

func (e *Engine) correlation(st *replayState, action protocol.Action, id string) {
	st.res.CorrelationErrors++
	err := &CorrelationError{Action: action, ScopeID: id}
	e.logger.Warn("dropping scope event", "error", err)
}

func (e *Engine) begin(ctx context.Context, st *replayState, ev protocol.Begin) error {
	parent, ok := e.target(st, ev.ParentID)
	if !ok {
		e.correlation(st, ev.Action(), ev.ParentID)
		return nil
	}
	if _, dup := st.run.Scope(ev.ID); dup {
		e.logger.Warn("scope begun twice, ignoring the second begin", "scope", ev.ID)
		return nil
	}

	h, err := e.reporter.StartItem(ctx, st.run.ID, parent, report.StartItem{
		Type:      report.ItemStep,
		Name:      ev.Name,
		StartTime: e.timeOr(ev.BeginTime),
	})
	if err != nil {
		return fmt.Errorf("start step %q: %w", ev.Name, err)
	}
	st.run.PutScope(ev.ID, h)
	st.open = append(st.open, ev.ID)
	st.res.StepsStarted++
	return nil
}

func (e *Engine) log(ctx context.Context, st *replayState, ev protocol.Log) error {
	item, ok := e.target(st, ev.ParentID)
	if !ok {
		e.correlation(st, ev.Action(), ev.ParentID)
		return nil
	}

	level := report.LevelFromScope(ev.Level)
	if ev.Attach != nil {
		err := e.reporter.SendAttachment(ctx, st.run.ID, report.Attachment{
			Item:     item,
			Time:     e.timeOr(ev.Time),
			Level:    level,
			Message:  ev.Text,
			FileName: ev.Attach.FileName,
			MimeType: ev.Attach.MimeType,
			Data:     ev.Attach.Data,
		})
		if err != nil {
			return fmt.Errorf("send attachment: %w", err)
		}
		st.res.Attachments++
		return nil
	}

	err := e.reporter.Log(ctx, st.run.ID, report.LogEntry{
		Item:    item,
		Time:    e.timeOr(ev.Time),
		Level:   level,
		Format:  report.FormatFor(level),
		Message: ev.Text,
	})
	if err != nil {
		return fmt.Errorf("send log: %w", err)
	}
	st.res.Logs++
	return nil
}

func (e *Engine) end(ctx context.Context, st *replayState, ev protocol.End) error {
	h, ok := st.run.Scope(ev.ID)
	if !ok {
		e.correlation(st, ev.Action(), ev.ID)
		return nil
	}

	status, known := report.StatusFromScope(ev.Status)
	if !known {
		e.logger.Warn("scope ended without a final status, reporting it as passed",
			"scope", ev.ID, "status", ev.Status)
	}

	err := e.reporter.FinishItem(ctx, st.run.ID, h, report.FinishItem{
		Status:  status,
		EndTime: e.timeOr(ev.EndTime),
	})
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	st.run.DeleteScope(ev.ID)
	st.closed(ev.ID)
	st.res.StepsFinished++
	return nil
}

// FinishOpen finishes scopes left open by a replay, innermost first, with the
// given status. Every scope is attempted; failures are joined.
func (e *Engine) FinishOpen(ctx context.Context, run *report.Run, ids []string, status report.Status, endTime time.Time) error {
	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		h, ok := run.Scope(id)
		if !ok {
			continue
		}
		e.logger.Debug("finishing dangling scope", "scope", id, "status", status)
		if err := e.reporter.FinishItem(ctx, run.ID, h, report.FinishItem{Status: status, EndTime: endTime}); err != nil {
			errs = append(errs, fmt.Errorf("finish dangling step %s: %w", id, err))
			continue
		}
		run.DeleteScope(id)
	}
	return errors.Join(errs...)
}

func (e *Engine) timeOr(t time.Time) time.Time {
	if t.IsZero() {
		return e.now().UTC()
	}
	return t
}
