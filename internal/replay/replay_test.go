package replay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/kamilpajak/scopebridge/internal/report/reporttest"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
	"github.com/kamilpajak/scopebridge/pkg/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1    = t0.Add(time.Second)
	t2    = t0.Add(2 * time.Second)
	fixed = t0.Add(time.Hour)
)

type fixture struct {
	rec    *reporttest.Recorder
	run    *report.Run
	test   uuid.UUID
	engine *Engine
	logs   *bytes.Buffer
}

func newFixture() *fixture {
	rec := &reporttest.Recorder{}
	test := uuid.New()
	rec.AddItem(reporttest.Item{Handle: test, Type: report.ItemTest, Name: "T"})

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return &fixture{
		rec:  rec,
		run:  report.NewRun(uuid.New(), "run", t0),
		test: test,
		engine: New(rec,
			WithLogger(logger),
			WithClock(func() time.Time { return fixed }),
		),
		logs: logs,
	}
}

func encode(t *testing.T, evs ...protocol.Event) []string {
	t.Helper()
	lines := make([]string, 0, len(evs))
	for _, ev := range evs {
		line, err := protocol.Encode(ev)
		require.NoError(t, err)
		lines = append(lines, line)
	}
	return lines
}

func TestReplaySingleStep(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Begin{ID: "A", Name: "Step 1", BeginTime: t0},
		protocol.Log{ParentID: "A", Text: "hi", Level: protocol.LevelInfo, Time: t1},
		protocol.End{ID: "A", EndTime: t2, Status: protocol.StatusPassed},
	)

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"StartItem STEP Step 1",
		"Log Step 1",
		"FinishItem Step 1 PASSED",
	}, f.rec.Calls())

	step, ok := f.rec.Item("Step 1")
	require.True(t, ok)
	assert.Equal(t, f.test, step.Parent)
	assert.Equal(t, t0, step.StartTime)
	assert.Equal(t, t2, step.EndTime)
	require.Len(t, step.Logs, 1)
	assert.Equal(t, report.LogEntry{
		Item:    step.Handle,
		Time:    t1,
		Level:   report.LevelInfo,
		Format:  report.FormatMarkdown,
		Message: "hi",
	}, step.Logs[0])

	assert.Equal(t, Result{Lines: 3, StepsStarted: 1, StepsFinished: 1, Logs: 1}, res)
	assert.Zero(t, f.run.OpenScopes())
}

func TestReplayNestedStepsFinishWithTheirOwnStatus(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Begin{ID: "outer", Name: "Outer", BeginTime: t0},
		protocol.Begin{ID: "inner", ParentID: "outer", Name: "Inner", BeginTime: t0},
		protocol.Log{ParentID: "inner", Text: "boom", Level: protocol.LevelError, Time: t1},
		protocol.End{ID: "inner", EndTime: t1, Status: protocol.StatusFailed},
		protocol.Begin{ID: "second", ParentID: "outer", Name: "Second", BeginTime: t1},
		protocol.End{ID: "second", EndTime: t2, Status: protocol.StatusSkipped},
		protocol.End{ID: "outer", EndTime: t2, Status: protocol.StatusFailed},
	)

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, 3, res.StepsStarted)
	assert.Equal(t, 3, res.StepsFinished)
	assert.Equal(t, f.rec.Count("StartItem STEP"), res.StepsStarted)

	outer, _ := f.rec.Item("Outer")
	inner, _ := f.rec.Item("Inner")
	second, _ := f.rec.Item("Second")
	assert.Equal(t, f.test, outer.Parent)
	assert.Equal(t, outer.Handle, inner.Parent)
	assert.Equal(t, outer.Handle, second.Parent)
	assert.Equal(t, report.StatusFailed, outer.Status)
	assert.Equal(t, report.StatusFailed, inner.Status)
	assert.Equal(t, report.StatusSkipped, second.Status)

	require.Len(t, inner.Logs, 1)
	assert.Equal(t, report.LevelError, inner.Logs[0].Level)
	assert.Equal(t, report.FormatPlainText, inner.Logs[0].Format)
}

func TestReplayEachStepFinishedExactlyOnce(t *testing.T) {
	f := newFixture()

	var buf bytes.Buffer
	tr := scope.New(&buf)
	for i := 0; i < 3; i++ {
		_ = tr.Step("level 1", func(s *scope.Scope) error {
			return tr.Step("level 2", func(s *scope.Scope) error {
				s.Info("deep")
				return errors.New("failed")
			})
		})
	}
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var in []string
	for _, l := range lines {
		in = append(in, string(l))
	}

	res, err := f.engine.Replay(context.Background(), f.run, f.test, in)
	require.NoError(t, err)
	assert.Equal(t, 6, f.rec.Count("StartItem STEP"))
	assert.Equal(t, 6, f.rec.Count("FinishItem"))
	assert.Empty(t, res.Open)

	for _, it := range f.rec.Items() {
		if it.Type == report.ItemStep {
			assert.True(t, it.Finished)
			assert.Equal(t, report.StatusFailed, it.Status)
		}
	}
}

func TestReplayPlainLines(t *testing.T) {
	f := newFixture()
	lines := append([]string{"before any scope"}, encode(t,
		protocol.Begin{ID: "A", Name: "Step", BeginTime: t0},
	)...)
	lines = append(lines, "inside the step")
	lines = append(lines, encode(t, protocol.End{ID: "A", EndTime: t1, Status: protocol.StatusPassed})...)
	lines = append(lines, "after the step")

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PlainLines)

	test, _ := f.rec.Get(f.test)
	step, _ := f.rec.Item("Step")
	require.Len(t, test.Logs, 2)
	assert.Equal(t, "before any scope", test.Logs[0].Message)
	assert.Equal(t, "after the step", test.Logs[1].Message)
	assert.Equal(t, report.FormatPlainText, test.Logs[0].Format)
	assert.Equal(t, report.LevelInfo, test.Logs[0].Level)
	assert.Equal(t, fixed, test.Logs[0].Time)

	require.Len(t, step.Logs, 1)
	assert.Equal(t, "inside the step", step.Logs[0].Message)
}

func TestReplayUnknownEndIsDropped(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.End{ID: "ghost", EndTime: t0, Status: protocol.StatusPassed},
		protocol.Begin{ID: "A", Name: "Step", BeginTime: t0},
		protocol.End{ID: "A", EndTime: t1, Status: protocol.StatusPassed},
	)

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CorrelationErrors)
	assert.Equal(t, []string{"StartItem STEP Step", "FinishItem Step PASSED"}, f.rec.Calls())
	assert.Contains(t, f.logs.String(), `EndLogScope references unknown scope \"ghost\"`)
}

func TestReplayUnknownParentIsDropped(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Begin{ID: "A", ParentID: "nope", Name: "Orphan", BeginTime: t0},
		protocol.Log{ParentID: "nope", Text: "lost", Time: t0},
	)

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CorrelationErrors)
	assert.Empty(t, f.rec.Calls())
}

func TestReplayCorruptLineIsLoggedAsText(t *testing.T) {
	f := newFixture()
	corrupt := `{"Action":"BeginLogScope","Id":"x"`

	res, err := f.engine.Replay(context.Background(), f.run, f.test, []string{corrupt})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DecodeErrors)
	assert.Equal(t, 1, res.PlainLines)

	test, _ := f.rec.Get(f.test)
	require.Len(t, test.Logs, 1)
	assert.Equal(t, corrupt, test.Logs[0].Message)
	assert.Contains(t, f.logs.String(), "corrupt scope line")
}

func TestReplayStripsForeignPrefixes(t *testing.T) {
	f := newFixture()
	begin := encode(t, protocol.Begin{ID: "A", Name: "Prefixed", BeginTime: t0})[0]
	end := encode(t, protocol.End{ID: "A", EndTime: t1, Status: protocol.StatusPassed})[0]

	_, err := f.engine.Replay(context.Background(), f.run, f.test, []string{
		"-> " + begin,
		"    login_test.go:12: " + end,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"StartItem STEP Prefixed", "FinishItem Prefixed PASSED"}, f.rec.Calls())
}

func TestReplayInProgressEndMapsToPassed(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Begin{ID: "A", Name: "Step", BeginTime: t0},
		protocol.End{ID: "A", EndTime: t1, Status: protocol.StatusInProgress},
	)

	_, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	step, _ := f.rec.Item("Step")
	assert.Equal(t, report.StatusPassed, step.Status)
	assert.Contains(t, f.logs.String(), "without a final status")
}

func TestReplayAttachment(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Log{Text: "screenshot", Level: protocol.LevelInfo, Time: t1, Attach: &protocol.Attachment{
			MimeType: "image/png", FileName: "s.png", Data: []byte{0x89, 'P', 'N', 'G'},
		}},
	)

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attachments)

	test, _ := f.rec.Get(f.test)
	require.Len(t, test.Attachments, 1)
	assert.Equal(t, report.Attachment{
		Item:     f.test,
		Time:     t1,
		Level:    report.LevelInfo,
		Message:  "screenshot",
		FileName: "s.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 'P', 'N', 'G'},
	}, test.Attachments[0])
}

func TestReplayRemoteFailureAborts(t *testing.T) {
	f := newFixture()
	f.rec.StartItemFn = func(ctx context.Context, run, parent uuid.UUID, item report.StartItem) (uuid.UUID, error) {
		return uuid.Nil, errors.New("service unavailable")
	}
	lines := append(encode(t, protocol.Begin{ID: "A", Name: "Step", BeginTime: t0}), "never reached")

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `start step "Step": service unavailable`)
	assert.Equal(t, 1, res.Lines)
	assert.Zero(t, f.rec.Count("Log"))
}

func TestReplayCancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Replay(ctx, f.run, f.test, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.rec.Calls())
}

func TestFinishOpen(t *testing.T) {
	f := newFixture()
	lines := encode(t,
		protocol.Begin{ID: "outer", Name: "Outer", BeginTime: t0},
		protocol.Begin{ID: "inner", ParentID: "outer", Name: "Inner", BeginTime: t0},
	)
	lines = append(lines, "dangling output")

	res, err := f.engine.Replay(context.Background(), f.run, f.test, lines)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, res.Open)

	inner, _ := f.rec.Item("Inner")
	require.Len(t, inner.Logs, 1, "plain output goes to the innermost open scope")

	require.NoError(t, f.engine.FinishOpen(context.Background(), f.run, res.Open, report.StatusFailed, t2))
	calls := f.rec.Calls()
	assert.Equal(t, []string{"FinishItem Inner FAILED", "FinishItem Outer FAILED"}, calls[len(calls)-2:])
	assert.Zero(t, f.run.OpenScopes())
}

func TestFinishOpenJoinsErrors(t *testing.T) {
	f := newFixture()
	f.run.PutScope("a", uuid.New())
	f.run.PutScope("b", uuid.New())
	f.rec.FinishItemFn = func(ctx context.Context, run, item uuid.UUID, finish report.FinishItem) error {
		return errors.New("nope")
	}

	err := f.engine.FinishOpen(context.Background(), f.run, []string{"a", "b", "unknown"}, report.StatusPassed, t2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finish dangling step a: nope")
	assert.Contains(t, err.Error(), "finish dangling step b: nope")
	assert.Equal(t, 2, f.run.OpenScopes())
}
