package report

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Suite is a suite item created during a run.
type Suite struct {
	Path     string
	Handle   uuid.UUID
	Failed   bool
	Finished bool
}

// Depth is the number of dotted segments in the suite path.
func (s Suite) Depth() int {
	return strings.Count(s.Path, ".") + 1
}

// Run is the state of one started run. It owns the suite-path cache and the
// scope-id to item map; both are discarded with the run.
type Run struct {
	ID        uuid.UUID
	Name      string
	StartTime time.Time

	mu     sync.Mutex
	suites map[string]*Suite
	scopes map[string]uuid.UUID
	tests  int
	failed int
}

// NewRun returns the state for a run the service knows as id.
func NewRun(id uuid.UUID, name string, start time.Time) *Run {
	return &Run{
		ID:        id,
		Name:      name,
		StartTime: start,
		suites:    make(map[string]*Suite),
		scopes:    make(map[string]uuid.UUID),
	}
}

// Suite returns the handle of the suite with the given path.
func (r *Run) Suite(path string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.suites[path]
	if !ok {
		return uuid.Nil, false
	}
	return s.Handle, true
}

// AddSuite records a started suite. It reports false, leaving the existing
// entry untouched, when the path is already known.
func (r *Run) AddSuite(path string, handle uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suites[path]; ok {
		return false
	}
	r.suites[path] = &Suite{Path: path, Handle: handle}
	return true
}

// MarkSuiteFailed flags the suite at path as containing a failed test.
func (r *Run) MarkSuiteFailed(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.suites[path]; ok {
		s.Failed = true
	}
}

// MarkSuiteFinished flags the suite at path as finished.
func (r *Run) MarkSuiteFinished(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.suites[path]; ok {
		s.Finished = true
	}
}

// OpenSuites returns the unfinished suites, deepest first, ties broken by
// path.
func (r *Run) OpenSuites() []Suite {
	r.mu.Lock()
	out := make([]Suite, 0, len(r.suites))
	for _, s := range r.suites {
		if !s.Finished {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Depth(), out[j].Depth()
		if di != dj {
			return di > dj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Scope returns the item started for a scope ID.
func (r *Run) Scope(id string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.scopes[id]
	return h, ok
}

// PutScope records the item started for a scope ID.
func (r *Run) PutScope(id string, handle uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[id] = handle
}

// DeleteScope forgets a finished scope.
func (r *Run) DeleteScope(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, id)
}

// OpenScopes returns the number of scopes started and not yet finished.
func (r *Run) OpenScopes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scopes)
}

// CountTest records a reported test outcome.
func (r *Run) CountTest(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests++
	if status == StatusFailed {
		r.failed++
	}
}

// Counts returns the number of reported tests and how many of them failed.
func (r *Run) Counts() (tests, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tests, r.failed
}
