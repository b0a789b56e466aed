// Package listener mirrors host notifications into the reporting service:
// run start, one call per test result, run complete.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/attach"
	"github.com/kamilpajak/scopebridge/internal/config"
	"github.com/kamilpajak/scopebridge/internal/host"
	"github.com/kamilpajak/scopebridge/internal/naming"
	"github.com/kamilpajak/scopebridge/internal/progress"
	"github.com/kamilpajak/scopebridge/internal/replay"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/kamilpajak/scopebridge/internal/suites"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

// ErrNoRun is reported when a test result or run completion arrives without
// a started run.
var ErrNoRun = errors.New("no run in progress")

// Options configures a Listener.
type Options struct {
	// Disabled makes every notification a no-op.
	Disabled       bool
	RunName        string
	RunDescription string
	Attributes     []report.Attribute
	RootNamespaces []string
	// Prefixes are stripped from captured lines before decoding; nil means
	// protocol.DefaultPrefixes.
	Prefixes           []string
	MaxAttachmentBytes int64

	Logger   *slog.Logger
	Stdout   io.Writer
	Progress progress.Emitter
	Now      func() time.Time
}

// OptionsFromConfig returns the options described by cfg. Logger, Stdout,
// Progress and Now are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Disabled:           !cfg.Enabled,
		RunName:            cfg.Run.Name,
		RunDescription:     cfg.Run.Description,
		Attributes:         cfg.Attributes(),
		RootNamespaces:     cfg.RootNamespaces,
		Prefixes:           cfg.Prefixes,
		MaxAttachmentBytes: cfg.Attachments.MaxBytes,
	}
}

// Listener implements host.Handler on top of a report.Reporter. Notifications
// are processed one at a time, so a test's captured lines are replayed
// without interleaving with other tests.
type Listener struct {
	reporter report.Reporter
	opts     Options
	logger   *slog.Logger
	engine   *replay.Engine
	suites   *suites.Resolver
	loader   attach.Loader

	mu  sync.Mutex
	run *report.Run
}

var _ host.Handler = (*Listener)(nil)

// New creates a Listener.
func New(r report.Reporter, opts Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Progress == nil {
		opts.Progress = progress.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prefixes == nil {
		opts.Prefixes = protocol.DefaultPrefixes
	}

	return &Listener{
		reporter: r,
		opts:     opts,
		logger:   opts.Logger,
		engine: replay.New(r,
			replay.WithLogger(opts.Logger),
			replay.WithPrefixes(opts.Prefixes),
			replay.WithClock(opts.Now),
		),
		suites: suites.New(r, opts.RootNamespaces, opts.Logger),
		loader: attach.Loader{MaxBytes: opts.MaxAttachmentBytes},
	}
}

// MapOutcome maps a host outcome onto an item status.
func MapOutcome(o host.Outcome) report.Status {
	switch o {
	case host.OutcomePassed:
		return report.StatusPassed
	case host.OutcomeFailed:
		return report.StatusFailed
	}
	return report.StatusSkipped
}

// Run returns the run in progress, or nil.
func (l *Listener) Run() *report.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run
}

// OnRunStart starts the run. Its error is the only one returned to the host:
// without a run nothing else can be reported.
func (l *Listener) OnRunStart(ctx context.Context, info host.RunInfo) error {
	if l.opts.Disabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.run != nil {
		l.logger.Warn("run started while another run is in progress; the previous run is abandoned", "run", l.run.ID)
	}

	start := info.StartTime
	if start.IsZero() {
		start = l.opts.Now()
	}
	start = start.UTC()

	id, err := l.reporter.StartRun(ctx, report.StartRun{
		Name:        l.opts.RunName,
		Description: l.opts.RunDescription,
		Attributes:  l.opts.Attributes,
		StartTime:   start,
	})
	if err != nil {
		err = fmt.Errorf("start run: %w", err)
		l.fail("OnRunStart", err)
		return err
	}

	l.run = report.NewRun(id, l.opts.RunName, start)
	l.logger.Info("run started", "run", id, "name", l.opts.RunName, "source", info.Source)
	l.opts.Progress.Emit(progress.Event{Type: progress.TypeRunStart, RunID: id.String()})
	return nil
}

// OnTestResult reports one test result. Failures are logged; the host is
// never interrupted.
func (l *Listener) OnTestResult(ctx context.Context, res host.TestResult) {
	if l.opts.Disabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.run == nil {
		l.fail("OnTestResult", ErrNoRun)
		return
	}
	if n := res.InnerResultsCount(); n > 0 {
		l.logger.Debug("skipping parent result", "test", res.TestCase.FullyQualifiedName, "inner_results", n)
		return
	}
	if err := l.reportTest(ctx, l.run, res); err != nil {
		l.fail("OnTestResult", err)
	}
}

func (l *Listener) reportTest(ctx context.Context, run *report.Run, res host.TestResult) error {
	names := naming.Resolve(res)
	l.logger.Debug("resolved test names", "class", names.ClassName, "test", names.TestName)

	start := res.StartTime.UTC()
	end := res.EndTime().UTC()
	status := MapOutcome(res.Outcome)

	suite, err := l.suites.Resolve(ctx, run, names.ClassName, start)
	if err != nil {
		return err
	}

	attrs := make([]report.Attribute, 0, len(names.Categories))
	for _, c := range names.Categories {
		attrs = append(attrs, report.Attribute{Value: c})
	}

	test, err := l.reporter.StartItem(ctx, run.ID, suite, report.StartItem{
		Type:        report.ItemTest,
		Name:        names.TestName,
		Description: names.Description,
		Attributes:  attrs,
		StartTime:   start,
	})
	if err != nil {
		return fmt.Errorf("start test %q: %w", names.TestName, err)
	}

	var errs []error

	result, err := l.engine.Replay(ctx, run, test, messageLines(res.Messages))
	if err != nil {
		errs = append(errs, fmt.Errorf("replay output of %q: %w", names.TestName, err))
	}
	if result.DecodeErrors > 0 || result.CorrelationErrors > 0 {
		l.logger.Warn("test output had unusable scope lines", "test", names.TestName,
			"decode_errors", result.DecodeErrors, "correlation_errors", result.CorrelationErrors)
	}

	if res.ErrorMessage != "" {
		text := res.ErrorMessage
		if res.ErrorStackTrace != "" {
			text += "\n" + res.ErrorStackTrace
		}
		err := l.reporter.Log(ctx, run.ID, report.LogEntry{
			Item:    test,
			Time:    end,
			Level:   report.LevelError,
			Format:  report.FormatFor(report.LevelError),
			Message: text,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("log error message: %w", err))
		}
	}

	for _, a := range res.Attachments {
		if err := l.attach(ctx, run, test, end, a); err != nil {
			errs = append(errs, err)
		}
	}

	if err := l.engine.FinishOpen(ctx, run, result.Open, status, end); err != nil {
		errs = append(errs, err)
	}

	if err := l.reporter.FinishItem(ctx, run.ID, test, report.FinishItem{Status: status, EndTime: end}); err != nil {
		errs = append(errs, fmt.Errorf("finish test %q: %w", names.TestName, err))
	}

	if status == report.StatusFailed {
		l.suites.MarkFailed(run, names.ClassName)
	}
	run.CountTest(status)

	l.opts.Progress.Emit(progress.Event{
		Type:       progress.TypeTest,
		RunID:      run.ID.String(),
		Test:       names.TestName,
		Suite:      l.suites.Path(names.ClassName),
		Status:     string(status),
		Steps:      result.StepsStarted,
		DurationMS: res.DurationMS,
	})
	return errors.Join(errs...)
}

func (l *Listener) attach(ctx context.Context, run *report.Run, test uuid.UUID, at time.Time, a host.Attachment) error {
	f, err := l.loader.Load(a.URI)
	if err != nil {
		msg := fmt.Sprintf("Cannot read a content of '%s' file: %v", f.Path, err)
		l.logger.Error(msg)
		logErr := l.reporter.Log(ctx, run.ID, report.LogEntry{
			Item:    test,
			Time:    at,
			Level:   report.LevelWarn,
			Format:  report.FormatFor(report.LevelWarn),
			Message: msg,
		})
		if logErr != nil {
			return fmt.Errorf("log unreadable attachment: %w", logErr)
		}
		return nil
	}

	err = l.reporter.SendAttachment(ctx, run.ID, report.Attachment{
		Item:     test,
		Time:     at,
		Level:    report.LevelInfo,
		Message:  f.Name,
		FileName: f.Name,
		MimeType: f.MimeType,
		Data:     f.Data,
	})
	if err != nil {
		return fmt.Errorf("send attachment %s: %w", f.Name, err)
	}
	return nil
}

// OnRunComplete finishes the suites, deepest first, then the run, and drops
// the run state.
func (l *Listener) OnRunComplete(ctx context.Context, summary host.RunSummary) {
	if l.opts.Disabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	run := l.run
	if run == nil {
		l.fail("OnRunComplete", ErrNoRun)
		return
	}
	l.run = nil

	end := l.opts.Now().UTC()
	if err := l.suites.FinishAll(ctx, run, end); err != nil {
		l.fail("OnRunComplete", err)
	}
	if n := run.OpenScopes(); n > 0 {
		l.logger.Warn("run completed with unfinished scopes", "run", run.ID, "scopes", n)
	}
	if err := l.reporter.FinishRun(ctx, run.ID, end); err != nil {
		l.fail("OnRunComplete", fmt.Errorf("finish run: %w", err))
	}

	tests, failed := run.Counts()
	l.logger.Info("run complete", "run", run.ID, "tests", tests, "failed", failed,
		"host_total", summary.Total, "aborted", summary.Aborted)
	l.opts.Progress.Emit(progress.Event{
		Type:   progress.TypeRunComplete,
		RunID:  run.ID.String(),
		Tests:  tests,
		Failed: failed,
	})
}

// fail reports an error to the diagnostic log and to stdout, where test hosts
// show it to the user.
func (l *Listener) fail(op string, err error) {
	l.logger.Error("listener failure", "op", op, "error", err)
	fmt.Fprintf(l.opts.Stdout, "Exception in %s: %v\n", op, err)
	l.opts.Progress.Emit(progress.Event{Type: progress.TypeError, Message: fmt.Sprintf("%s: %v", op, err)})
}

// messageLines splits captured messages into lines, dropping empty ones.
func messageLines(msgs []host.Message) []string {
	var lines []string
	for _, m := range msgs {
		for _, line := range strings.Split(strings.ReplaceAll(m.Text, "\r\n", "\n"), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			lines = append(lines, line)
		}
	}
	return lines
}
