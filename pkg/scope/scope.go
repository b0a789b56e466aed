// Package scope lets code running inside a test process open nested, named
// log scopes and log into them. Nothing is sent anywhere directly: every call
// prints one protocol line to the tracker's output, and the reporting process
// rebuilds the scope tree from the captured output afterwards.
//
//	tr := scope.ForTest(t)
//	err := tr.Step("Log in", func(s *scope.Scope) error {
//		s.Info("opening login page")
//		return nil
//	})
package scope

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

var (
	// ErrNotInnermost is returned by End when the scope is not the innermost
	// open scope. Scopes must be closed in reverse order of opening; the
	// tracker never reorders them on the caller's behalf.
	ErrNotInnermost = errors.New("scope is not the innermost open scope")
	// ErrAlreadyEnded is returned when a scope is ended or logged to after End.
	ErrAlreadyEnded = errors.New("scope already ended")
	// ErrEmptyName is returned by Begin for an empty scope name.
	ErrEmptyName = errors.New("scope name cannot be empty")
)

// TB is the part of testing.TB the tracker needs.
type TB interface {
	Log(args ...any)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator overrides how scope IDs are minted.
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

// WithoutFileMarkers disables {rp#file#path} marker handling in logged text.
func WithoutFileMarkers() Option {
	return func(t *Tracker) { t.fileMarkers = false }
}

// WithMaxFileBytes caps the size of a file attached through a marker. Larger
// files are not attached; the logged text says why.
func WithMaxFileBytes(n int64) Option {
	return func(t *Tracker) { t.maxFileBytes = n }
}

// Tracker holds the stack of open scopes for one logical execution context,
// typically one test. It is safe for concurrent use, but scopes opened from
// concurrent goroutines share one stack; use one tracker per goroutine when
// their scopes must not nest into each other.
type Tracker struct {
	mu           sync.Mutex
	emit         func(line string) error
	now          func() time.Time
	newID        func() string
	fileMarkers  bool
	maxFileBytes int64
	stack        []*Scope
	err          error
}

// New returns a tracker that writes protocol lines to w.
func New(w io.Writer, opts ...Option) *Tracker {
	return newTracker(func(line string) error {
		_, err := io.WriteString(w, line+"\n")
		return err
	}, opts)
}

// ForTest returns a tracker that writes protocol lines through tb.Log, so that
// they are captured as part of the test's own output.
func ForTest(tb TB, opts ...Option) *Tracker {
	return newTracker(func(line string) error {
		tb.Log(line)
		return nil
	}, opts)
}

func newTracker(emit func(string) error, opts []Option) *Tracker {
	t := &Tracker{
		emit:         emit,
		now:          time.Now,
		newID:        uuid.NewString,
		fileMarkers:  true,
		maxFileBytes: DefaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Err returns the first error encountered writing protocol lines.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Current returns the innermost open scope, or nil when none is open.
func (t *Tracker) Current() *Scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top()
}

// Depth returns the number of open scopes.
func (t *Tracker) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}

// Begin opens a new scope nested in the current one. The returned scope must
// be ended exactly once, after every scope opened inside it has been ended.
func (t *Tracker) Begin(name string) (*Scope, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Scope{
		tracker: t,
		id:      t.newID(),
		name:    strings.ToValidUTF8(name, "\uFFFD"),
		begin:   t.now(),
		status:  protocol.StatusInProgress,
	}
	if parent := t.top(); parent != nil {
		s.parentID = parent.id
	}

	if err := t.write(protocol.Begin{ID: s.id, ParentID: s.parentID, Name: s.name, BeginTime: s.begin}); err != nil {
		return nil, err
	}
	t.stack = append(t.stack, s)
	return s, nil
}

// Step runs fn inside a new scope. The scope is marked failed when fn returns
// an error or panics, and is always ended.
func (t *Tracker) Step(name string, fn func(*Scope) error) (err error) {
	s, err := t.Begin(name)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.SetStatus(protocol.StatusFailed)
			_ = s.End()
			panic(r)
		}
		if err != nil {
			s.SetStatus(protocol.StatusFailed)
		}
		if endErr := s.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	return fn(s)
}

// Log logs text into the innermost open scope, or directly under the test
// when no scope is open.
func (t *Tracker) Log(level protocol.Level, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logLocked(t.topID(), level, text, nil)
}

// Attach logs text with binary content into the innermost open scope.
func (t *Tracker) Attach(level protocol.Level, text string, att protocol.Attachment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logLocked(t.topID(), level, text, &att)
}

func (t *Tracker) Debug(text string) { _ = t.Log(protocol.LevelDebug, text) }
func (t *Tracker) Info(text string)  { _ = t.Log(protocol.LevelInfo, text) }
func (t *Tracker) Warn(text string)  { _ = t.Log(protocol.LevelWarning, text) }
func (t *Tracker) Error(text string) { _ = t.Log(protocol.LevelError, text) }

func (t *Tracker) Infof(format string, args ...any) {
	_ = t.Log(protocol.LevelInfo, fmt.Sprintf(format, args...))
}

func (t *Tracker) logLocked(parentID string, level protocol.Level, text string, att *protocol.Attachment) error {
	if att == nil && t.fileMarkers {
		text, att = extractFileMarker(text, t.maxFileBytes)
	}
	// Encode rejects invalid UTF-8.
	text = strings.ToValidUTF8(text, "\uFFFD")
	if att != nil {
		a := *att
		a.MimeType = strings.ToValidUTF8(a.MimeType, "\uFFFD")
		a.FileName = strings.ToValidUTF8(a.FileName, "\uFFFD")
		att = &a
	}
	return t.write(protocol.Log{ParentID: parentID, Time: t.now(), Level: level, Text: text, Attach: att})
}

func (t *Tracker) end(s *Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.ended {
		return ErrAlreadyEnded
	}
	if t.top() != s {
		return fmt.Errorf("end %q: %w", s.name, ErrNotInnermost)
	}

	status := s.status
	if status == protocol.StatusInProgress {
		status = protocol.StatusPassed
	}

	t.stack = t.stack[:len(t.stack)-1]
	s.ended = true
	s.status = status
	return t.write(protocol.End{ID: s.id, EndTime: t.now(), Status: status})
}

func (t *Tracker) write(ev protocol.Event) error {
	line, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := t.emit(line); err != nil {
		if t.err == nil {
			t.err = err
		}
		return fmt.Errorf("write scope event: %w", err)
	}
	return nil
}

func (t *Tracker) top() *Scope {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *Tracker) topID() string {
	if s := t.top(); s != nil {
		return s.id
	}
	return ""
}
