package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/database"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/spf13/cobra"
)

var (
	runsParams []string
	runsLimit  int
	runsLogs   bool
	runsDelete bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List runs archived by the postgres sink",
	Long: `Without arguments, list the most recent archived runs. With a run ID,
print the run's item tree, or delete the run with --delete.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringArrayVarP(&runsParams, "param", "p", nil, "Setting override as key=value (repeatable)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list")
	runsCmd.Flags().BoolVar(&runsLogs, "logs", false, "Include log entries in the item tree")
	runsCmd.Flags().BoolVar(&runsDelete, "delete", false, "Delete the run instead of printing it")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runsParams)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		runs, err := db.ListRuns(ctx, runsLimit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		printRuns(out, runs)
		return nil
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	if runsDelete {
		if err := db.DeleteRun(ctx, id); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		fmt.Fprintf(out, "Deleted run %s\n", id)
		return nil
	}

	run, err := db.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", id, database.ErrNotFound)
	}
	items, err := db.ListItems(ctx, id)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	var logs map[uuid.UUID][]database.Log
	if runsLogs {
		logs = make(map[uuid.UUID][]database.Log, len(items))
		for _, it := range items {
			entries, err := db.ListLogs(ctx, it.ID)
			if err != nil {
				return fmt.Errorf("list logs: %w", err)
			}
			logs[it.ID] = entries
		}
	}
	printRunTree(out, run, items, logs)
	return nil
}

func printRuns(w io.Writer, runs []database.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs archived yet.")
		return
	}
	dim := color.New(color.FgHiBlack)
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %s  %s", r.ID, formatTime(r.StartTime), r.Name)
		if r.EndTime == nil {
			_, _ = color.New(color.FgYellow).Fprint(w, "  (unfinished)")
		} else {
			_, _ = dim.Fprintf(w, "  %s", r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}
}

// printRunTree prints items indented under their parents, in start order,
// each followed by its log entries when logs has any.
func printRunTree(w io.Writer, run *database.Run, items []database.Item, logs map[uuid.UUID][]database.Log) {
	_, _ = color.New(color.Bold).Fprintf(w, "%s", run.Name)
	_, _ = color.New(color.FgHiBlack).Fprintf(w, "  %s  %s\n", run.ID, formatTime(run.StartTime))

	children := make(map[uuid.UUID][]database.Item)
	var roots []database.Item
	for _, it := range items {
		if it.ParentID == nil {
			roots = append(roots, it)
			continue
		}
		children[*it.ParentID] = append(children[*it.ParentID], it)
	}

	var walk func(items []database.Item, depth int)
	walk = func(items []database.Item, depth int) {
		for _, it := range items {
			fmt.Fprintf(w, "%*s%s %s\n", 2*(depth+1), "", it.Name, itemStatus(it))
			for _, l := range logs[it.ID] {
				printLog(w, 2*(depth+2), l)
			}
			walk(children[it.ID], depth+1)
		}
	}
	walk(roots, 0)
}

func printLog(w io.Writer, indent int, l database.Log) {
	dim := color.New(color.FgHiBlack)
	lines := strings.Split(strings.TrimRight(l.Message, "\n"), "\n")
	_, _ = dim.Fprintf(w, "%*s| [%s] ", indent, "", l.Level)
	fmt.Fprint(w, lines[0])
	if l.FileName != nil {
		_, _ = dim.Fprintf(w, " (attachment %s)", *l.FileName)
	}
	fmt.Fprintln(w)
	for _, line := range lines[1:] {
		_, _ = dim.Fprintf(w, "%*s|   ", indent, "")
		fmt.Fprintln(w, line)
	}
}

func itemStatus(it database.Item) string {
	if it.Status == nil {
		return color.New(color.FgYellow).Sprint("UNFINISHED")
	}
	s := string(*it.Status)
	switch *it.Status {
	case report.StatusPassed:
		return color.New(color.FgGreen).Sprint(s)
	case report.StatusFailed:
		return color.New(color.FgRed).Sprint(s)
	}
	return color.New(color.FgYellow).Sprint(s)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
