package scope

import (
	"fmt"
	"time"

	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

// Scope is an open log scope returned by Tracker.Begin.
type Scope struct {
	tracker  *Tracker
	id       string
	parentID string
	name     string
	begin    time.Time
	status   protocol.Status
	ended    bool
}

func (s *Scope) ID() string       { return s.id }
func (s *Scope) ParentID() string { return s.parentID }
func (s *Scope) Name() string     { return s.name }

// Status returns the status the scope will be (or was) ended with.
func (s *Scope) Status() protocol.Status {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	return s.status
}

// SetStatus sets the final status. A scope whose status is never set ends as
// passed.
func (s *Scope) SetStatus(status protocol.Status) {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	if !s.ended {
		s.status = status
	}
}

func (s *Scope) Fail() { s.SetStatus(protocol.StatusFailed) }
func (s *Scope) Skip() { s.SetStatus(protocol.StatusSkipped) }

// Log logs text into this scope regardless of which scope is innermost.
func (s *Scope) Log(level protocol.Level, text string) error {
	return s.log(level, text, nil)
}

// Attach logs text with binary content into this scope.
func (s *Scope) Attach(level protocol.Level, text string, att protocol.Attachment) error {
	return s.log(level, text, &att)
}

func (s *Scope) Debug(text string) { _ = s.Log(protocol.LevelDebug, text) }
func (s *Scope) Info(text string)  { _ = s.Log(protocol.LevelInfo, text) }
func (s *Scope) Warn(text string)  { _ = s.Log(protocol.LevelWarning, text) }
func (s *Scope) Error(text string) { _ = s.Log(protocol.LevelError, text) }

func (s *Scope) Infof(format string, args ...any) {
	_ = s.Log(protocol.LevelInfo, fmt.Sprintf(format, args...))
}

// End closes the scope. Precondition: s is the innermost open scope of its
// tracker; otherwise ErrNotInnermost is returned and nothing is emitted.
func (s *Scope) End() error {
	return s.tracker.end(s)
}

func (s *Scope) log(level protocol.Level, text string, att *protocol.Attachment) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	if s.ended {
		return ErrAlreadyEnded
	}
	return s.tracker.logLocked(s.id, level, text, att)
}
