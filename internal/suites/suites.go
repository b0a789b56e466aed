// Package suites builds the suite tree of a run lazily from dotted class
// names such as "Company.Product.LoginTests".
package suites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/report"
)

// Resolver maps class names onto suite items, creating each suite at most
// once per run.
type Resolver struct {
	reporter report.Reporter
	roots    []string
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a Resolver. Class names starting with one of roots (at a
// segment boundary) have that namespace cut off; the first match wins.
func New(r report.Reporter, roots []string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reporter: r, roots: roots, logger: logger}
}

// Path returns the suite path for a class name. Empty segments ("A..B", a
// trailing dot) are dropped. A root written as an import path
// ("github.com/acme/shop") is matched element by element.
func (r *Resolver) Path(className string) string {
	segs := segments(className)
	for _, root := range r.roots {
		rs := rootSegments(root)
		if len(rs) == 0 || len(rs) > len(segs) || !slices.Equal(rs, segs[:len(rs)]) {
			continue
		}
		cut := Join(segs[len(rs):]...)
		r.logger.Debug("cut root namespace", "root", root, "class", cut)
		return cut
	}
	return Join(segs...)
}

// Resolve returns the suite item for className, starting it and any missing
// ancestors first. An empty path resolves to uuid.Nil: the test then hangs
// directly off the run.
func (r *Resolver) Resolve(ctx context.Context, run *report.Run, className string, startTime time.Time) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolve(ctx, run, r.Path(className), startTime)
}

func (r *Resolver) resolve(ctx context.Context, run *report.Run, path string, startTime time.Time) (uuid.UUID, error) {
	if path == "" {
		return uuid.Nil, nil
	}
	if h, ok := run.Suite(path); ok {
		return h, nil
	}

	parentPath, name := split(path)
	parent, err := r.resolve(ctx, run, parentPath, startTime)
	if err != nil {
		return uuid.Nil, err
	}

	h, err := r.reporter.StartItem(ctx, run.ID, parent, report.StartItem{
		Type:      report.ItemSuite,
		Name:      name,
		StartTime: startTime,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("start suite %q: %w", path, err)
	}
	run.AddSuite(path, h)
	return h, nil
}

// MarkFailed flags the suite of className and all its ancestors as holding a
// failed test.
func (r *Resolver) MarkFailed(run *report.Run, className string) {
	for p := r.Path(className); p != ""; p, _ = split(p) {
		run.MarkSuiteFailed(p)
	}
}

// FinishAll finishes every open suite of the run, deepest first. A suite is
// failed when a failed test was reported anywhere below it, passed otherwise.
func (r *Resolver) FinishAll(ctx context.Context, run *report.Run, endTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range run.OpenSuites() {
		status := report.StatusPassed
		if s.Failed {
			status = report.StatusFailed
		}
		r.logger.Debug("finishing suite", "suite", s.Path, "status", status)
		if err := r.reporter.FinishItem(ctx, run.ID, s.Handle, report.FinishItem{Status: status, EndTime: endTime}); err != nil {
			errs = append(errs, fmt.Errorf("finish suite %q: %w", s.Path, err))
			continue
		}
		run.MarkSuiteFinished(s.Path)
	}
	return errors.Join(errs...)
}

// split returns the parent path and the unescaped last segment of a path.
func split(path string) (parent, name string) {
	segs := segments(path)
	if len(segs) == 0 {
		return "", ""
	}
	return Join(segs[:len(segs)-1]...), segs[len(segs)-1]
}

// Join builds a dotted suite path. Dots and backslashes inside a segment are
// escaped, so "github.com" stays one suite.
func Join(segs ...string) string {
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte('.')
		}
		for j := 0; j < len(seg); j++ {
			if seg[j] == '.' || seg[j] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(seg[j])
		}
	}
	return b.String()
}

// segments splits a dotted path into unescaped, non-empty segments.
func segments(path string) []string {
	var (
		segs []string
		cur  strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		switch c := path[i]; {
		case c == '\\' && i+1 < len(path):
			i++
			cur.WriteByte(path[i])
		case c == '.':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

func rootSegments(root string) []string {
	if !strings.Contains(root, "/") {
		return segments(root)
	}
	var segs []string
	for _, elem := range strings.Split(root, "/") {
		if elem != "" {
			segs = append(segs, elem)
		}
	}
	return segs
}
