package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/kamilpajak/scopebridge/internal/config"
	"github.com/kamilpajak/scopebridge/internal/console"
	"github.com/kamilpajak/scopebridge/internal/database"
	"github.com/kamilpajak/scopebridge/internal/host"
	"github.com/kamilpajak/scopebridge/internal/listener"
	"github.com/kamilpajak/scopebridge/internal/logging"
	"github.com/kamilpajak/scopebridge/internal/orangebeard"
	"github.com/kamilpajak/scopebridge/internal/progress"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Input formats.
const (
	formatAuto   = "auto"
	formatGoTest = "gotest"
	formatNDJSON = "ndjson"
)

var (
	reportParams []string
	reportFormat string
	reportSink   string
	reportLogs   bool
	reportQuiet  bool
)

var reportCmd = &cobra.Command{
	Use:   "report [file]",
	Short: "Report a test run read from a file or stdin",
	Long: `Report a test run to the configured sink.

The input is either go test -json output or NDJSON host notifications
({"event":"runStart|testResult|runComplete", ...}); by default the format is
detected from the first line.

Examples:
  go test -json ./... | scopebridge report
  scopebridge report results.ndjson -p orangebeard.project=shop
  scopebridge report results.json --sink console --logs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringArrayVarP(&reportParams, "param", "p", nil, "Setting override as key=value (repeatable)")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", formatAuto, "Input format (auto, gotest, ndjson)")
	reportCmd.Flags().StringVar(&reportSink, "sink", "", "Override the configured sink (orangebeard, postgres, console)")
	reportCmd.Flags().BoolVar(&reportLogs, "logs", false, "Print log entries with the console sink")
	reportCmd.Flags().BoolVarP(&reportQuiet, "quiet", "q", false, "Only print the final summary")
}

func loadConfig(params []string) (*config.Config, error) {
	p, err := config.ParseParams(params)
	if err != nil {
		return nil, err
	}
	return config.Load(configPath, os.Environ(), p)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(reportParams)
	if err != nil {
		return err
	}
	if reportSink != "" {
		cfg.Sink = reportSink
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.FromConfig(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reporter, closeReporter, err := newReporter(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeReporter()

	emitter, stopProgress := newProgress(cmd.ErrOrStderr(), reportQuiet)
	tally := &runTally{}

	opts := listener.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Stdout = cmd.OutOrStdout()
	opts.Progress = progress.Multi{emitter, tally}
	l := listener.New(reporter, opts)

	err = readInput(ctx, in, reportFormat, l, logger)
	stopProgress()
	if err != nil {
		return err
	}

	if cfg.Enabled {
		printSummary(cmd.ErrOrStderr(), tally)
	}
	return nil
}

// newReporter builds the reporter selected by cfg.Sink. The returned
// function releases it.
func newReporter(ctx context.Context, cfg *config.Config, stdout io.Writer) (report.Reporter, func(), error) {
	switch cfg.Sink {
	case config.SinkOrangebeard:
		return orangebeard.FromConfig(cfg.Orangebeard), func() {}, nil
	case config.SinkPostgres:
		db, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.SinkConsole:
		return console.New(stdout, console.WithLogs(reportLogs)), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown sink %q", cfg.Sink)
}

// readInput feeds the notifications in r to h.
func readInput(ctx context.Context, r io.Reader, format string, h host.Handler, logger *slog.Logger) error {
	br := bufio.NewReaderSize(r, 64*1024)
	if format == formatAuto {
		format = detectFormat(br)
		logger.Debug("detected input format", "format", format)
	}

	switch format {
	case formatGoTest:
		return host.NewGoTestReader(logger).Read(ctx, br, h)
	case formatNDJSON:
		return host.NewNotificationDecoder(br).Run(ctx, h)
	}
	return fmt.Errorf("unknown input format %q", format)
}

// detectFormat looks at the first non-empty line without consuming it:
// NDJSON notifications carry an "event" field, test2json events an "Action"
// field. It only waits for as much input as the first line needs.
func detectFormat(br *bufio.Reader) string {
	var data []byte
	for n := 1; n <= br.Size(); n++ {
		b, err := br.Peek(n)
		data = b
		if err != nil || (b[n-1] == '\n' && len(bytes.TrimSpace(b)) > 0) {
			break
		}
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, []byte(`"event"`)) {
			return formatNDJSON
		}
		return formatGoTest
	}
	return formatGoTest
}

// newProgress returns the emitter for CLI progress: a spinner on a terminal,
// plain lines otherwise.
func newProgress(w io.Writer, quiet bool) (progress.Emitter, func()) {
	if quiet {
		return progress.Discard, func() {}
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f))
		s.Suffix = " Waiting for test results..."
		s.Start()
		return &spinnerEmitter{s: s}, s.Stop
	}
	return &progress.TextEmitter{W: w}, func() {}
}

// spinnerEmitter shows the latest test next to a spinner.
type spinnerEmitter struct {
	s     *spinner.Spinner
	tests int
}

func (e *spinnerEmitter) Emit(ev progress.Event) {
	e.s.Lock()
	defer e.s.Unlock()
	switch ev.Type {
	case progress.TypeTest:
		e.tests++
		e.s.Suffix = fmt.Sprintf(" %d reported, last: %s %s", e.tests, ev.Test, ev.Status)
	case progress.TypeRunComplete:
		e.s.Suffix = " Finishing run..."
	}
}

// runTally collects what the final summary needs.
type runTally struct {
	runID    string
	complete bool
	passed   int
	failed   int
	skipped  int
	errors   int
}

func (t *runTally) Emit(ev progress.Event) {
	switch ev.Type {
	case progress.TypeRunStart:
		t.runID = ev.RunID
	case progress.TypeTest:
		switch report.Status(ev.Status) {
		case report.StatusPassed:
			t.passed++
		case report.StatusFailed:
			t.failed++
		default:
			t.skipped++
		}
	case progress.TypeRunComplete:
		t.complete = true
	case progress.TypeError:
		t.errors++
	}
}

func printSummary(w io.Writer, t *runTally) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	fmt.Fprintln(w)
	if t.runID == "" {
		_, _ = color.New(color.FgRed).Fprintln(w, "  No run was reported.")
		return
	}

	_, _ = bold.Fprintf(w, "  Run %s", t.runID)
	_, _ = dim.Fprintf(w, " (%d tests)\n", t.passed+t.failed+t.skipped)
	fmt.Fprint(w, "  ")
	_, _ = color.New(color.FgGreen).Fprintf(w, "%d passed", t.passed)
	fmt.Fprint(w, ", ")
	_, _ = color.New(color.FgRed).Fprintf(w, "%d failed", t.failed)
	fmt.Fprint(w, ", ")
	_, _ = color.New(color.FgYellow).Fprintf(w, "%d skipped", t.skipped)
	fmt.Fprintln(w)

	if t.errors > 0 {
		_, _ = color.New(color.FgYellow).Fprintf(w, "  %d reporting errors, see the log for details.\n", t.errors)
	}
	if !t.complete {
		_, _ = color.New(color.FgYellow).Fprintln(w, "  The run did not complete.")
	}
}
