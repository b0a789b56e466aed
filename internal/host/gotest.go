package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// GoTestExecutorURI identifies results produced by GoTestReader.
const GoTestExecutorURI = "executor://gotest"

// Actions emitted by test2json.
const (
	goActionRun    = "run"
	goActionPass   = "pass"
	goActionFail   = "fail"
	goActionSkip   = "skip"
	goActionOutput = "output"
)

// goTestEvent is one line of `go test -json` output.
type goTestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

type goTest struct {
	pkg     string
	name    string
	start   time.Time
	output  strings.Builder
	failure []string
}

// GoTestReader turns a `go test -json` stream into host notifications. Each
// top-level test and subtest becomes one result of its own: a test with
// subtests keeps its own outcome and output, so it is never a parent result
// in the InnerResultsCount sense. Package-level events are ignored.
type GoTestReader struct {
	logger *slog.Logger
}

// NewGoTestReader creates a reader.
func NewGoTestReader(logger *slog.Logger) *GoTestReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTestReader{logger: logger}
}

// Read consumes r until EOF. OnRunStart fires with the first event and
// OnRunComplete at EOF; an empty stream produces no notifications.
func (g *GoTestReader) Read(ctx context.Context, r io.Reader, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		started bool
		summary RunSummary
		first   time.Time
		last    time.Time
		tests   = make(map[string]*goTest)
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			g.logger.Debug("skipping non-event line", "error", err)
			continue
		}

		if !started {
			started = true
			first = ev.Time
			if err := h.OnRunStart(ctx, RunInfo{Source: "go test", StartTime: ev.Time}); err != nil {
				return err
			}
		}
		if !ev.Time.IsZero() {
			last = ev.Time
		}
		if ev.Test == "" {
			continue
		}

		key := ev.Package + "\x00" + ev.Test
		switch ev.Action {
		case goActionRun:
			tests[key] = &goTest{pkg: ev.Package, name: ev.Test, start: ev.Time}
		case goActionOutput:
			t := tests[key]
			if t == nil {
				continue
			}
			if isFraming(ev.Output) {
				if strings.HasPrefix(strings.TrimSpace(ev.Output), "--- FAIL") {
					t.failure = append(t.failure, strings.TrimSpace(ev.Output))
				}
				continue
			}
			t.output.WriteString(ev.Output)
		case goActionPass, goActionFail, goActionSkip:
			t := tests[key]
			if t == nil {
				t = &goTest{pkg: ev.Package, name: ev.Test, start: ev.Time}
			}
			delete(tests, key)
			res := t.result(ev)
			summary.Count(res.Outcome)
			h.OnTestResult(ctx, res)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read go test events: %w", err)
	}
	if !started {
		return nil
	}

	summary.EndTime = last
	summary.ElapsedMS = last.Sub(first).Milliseconds()
	summary.Aborted = len(tests) > 0
	h.OnRunComplete(ctx, summary)
	return nil
}

func (t *goTest) result(ev goTestEvent) TestResult {
	outcome := OutcomePassed
	switch ev.Action {
	case goActionFail:
		outcome = OutcomeFailed
	case goActionSkip:
		outcome = OutcomeSkipped
	}

	start := t.start
	if start.IsZero() {
		start = ev.Time.Add(-time.Duration(ev.Elapsed * float64(time.Second)))
	}

	res := TestResult{
		TestCase: TestCase{
			FullyQualifiedName: strings.ReplaceAll(t.pkg, "/", ".") + "." + t.name,
			ExecutorURI:        GoTestExecutorURI,
			DisplayName:        t.name,
			Properties:         Properties{PropGoPackage: t.pkg, PropGoTest: t.name},
		},
		DisplayName: t.name,
		StartTime:   start,
		DurationMS:  int64(ev.Elapsed * 1000),
		Outcome:     outcome,
	}
	if out := t.output.String(); out != "" {
		res.Messages = []Message{{Category: "StdOutMsgs", Text: out}}
	}
	if outcome == OutcomeFailed && len(t.failure) > 0 {
		res.ErrorMessage = strings.Join(t.failure, "\n")
	}
	return res
}

// isFraming reports whether an output line is test2json's own bookkeeping
// ("=== RUN", "--- PASS: ...") rather than output of the test.
func isFraming(out string) bool {
	s := strings.TrimSpace(out)
	for _, p := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- FAIL", "--- SKIP"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
