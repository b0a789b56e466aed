// Package host models the notifications a test host emits while it runs tests,
// and provides adapters that turn concrete host outputs into those
// notifications.
package host

import (
	"context"
	"strconv"
	"time"
)

// Outcome is the result of a test as decided by the host.
type Outcome string

const (
	OutcomeNone     Outcome = "None"
	OutcomePassed   Outcome = "Passed"
	OutcomeFailed   Outcome = "Failed"
	OutcomeSkipped  Outcome = "Skipped"
	OutcomeNotFound Outcome = "NotFound"
)

// Well-known property and trait names.
const (
	PropInnerResultsCount = "InnerResultsCount"
	PropGoPackage         = "GoPackage"
	PropGoTest            = "GoTest"
	TraitDescription      = "Description"
	TraitCategory         = "Category"
)

// Trait is a name/value tag attached to a test case.
type Trait struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Properties holds host-specific values. Values decoded from JSON are
// strings, numbers, booleans or lists of them.
type Properties map[string]any

// String returns the property as a string.
func (p Properties) String(key string) (string, bool) {
	switch v := p[key].(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

// Strings returns the property as a list of strings. A single string is a
// list of one.
func (p Properties) Strings(key string) []string {
	switch v := p[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Int returns the property as an integer.
func (p Properties) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// TestCase identifies a test independently of any single execution.
type TestCase struct {
	FullyQualifiedName string     `json:"fullyQualifiedName"`
	ExecutorURI        string     `json:"executorUri"`
	DisplayName        string     `json:"displayName,omitempty"`
	Traits             []Trait    `json:"traits,omitempty"`
	Properties         Properties `json:"properties,omitempty"`
}

// Message is a chunk of captured output. Text may span several lines.
type Message struct {
	Category string `json:"category,omitempty"`
	Text     string `json:"text"`
}

// Attachment is a file the host collected for a test, by path or file:// URI.
type Attachment struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// TestResult is one execution of a test case.
type TestResult struct {
	TestCase        TestCase     `json:"testCase"`
	DisplayName     string       `json:"displayName,omitempty"`
	Messages        []Message    `json:"messages,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	ErrorStackTrace string       `json:"errorStackTrace,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	StartTime       time.Time    `json:"startTime"`
	DurationMS      int64        `json:"durationMs"`
	Outcome         Outcome      `json:"outcome"`
	Properties      Properties   `json:"properties,omitempty"`
}

// Duration returns the test duration.
func (r TestResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// EndTime is the start time plus the duration, which is more reliable than
// the end time some hosts report.
func (r TestResult) EndTime() time.Time {
	return r.StartTime.Add(r.Duration())
}

// InnerResultsCount is the number of child results of a data-driven parent
// result; zero for ordinary results.
func (r TestResult) InnerResultsCount() int {
	n, _ := r.Properties.Int(PropInnerResultsCount)
	return n
}

// RunInfo describes a starting run.
type RunInfo struct {
	Source    string    `json:"source,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// RunSummary describes a completed run.
type RunSummary struct {
	Total     int       `json:"total"`
	Passed    int       `json:"passed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Aborted   bool      `json:"aborted,omitempty"`
	EndTime   time.Time `json:"endTime"`
	ElapsedMS int64     `json:"elapsedMs,omitempty"`
}

// Count adds a result outcome to the summary.
func (s *RunSummary) Count(o Outcome) {
	s.Total++
	switch o {
	case OutcomePassed:
		s.Passed++
	case OutcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
}

// Handler receives host notifications in order: one OnRunStart, any number
// of OnTestResult, one OnRunComplete. An OnRunStart error aborts the run.
type Handler interface {
	OnRunStart(ctx context.Context, info RunInfo) error
	OnTestResult(ctx context.Context, result TestResult)
	OnRunComplete(ctx context.Context, summary RunSummary)
}
