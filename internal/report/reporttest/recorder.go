// Package reporttest provides an in-memory report.Reporter for tests.
package reporttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/report"
)

// Item is a started item as seen by the Recorder.
type Item struct {
	Handle      uuid.UUID
	Parent      uuid.UUID
	Type        report.ItemType
	Name        string
	Description string
	Attributes  []report.Attribute
	StartTime   time.Time
	Finished    bool
	Status      report.Status
	EndTime     time.Time
	Logs        []report.LogEntry
	Attachments []report.Attachment
}

// Recorder is a mock implementation of report.Reporter. Calls are recorded in
// order; a non-nil Fn field replaces the default behaviour of its method.
type Recorder struct {
	StartRunFn       func(ctx context.Context, run report.StartRun) (uuid.UUID, error)
	FinishRunFn      func(ctx context.Context, run uuid.UUID, endTime time.Time) error
	StartItemFn      func(ctx context.Context, run, parent uuid.UUID, item report.StartItem) (uuid.UUID, error)
	FinishItemFn     func(ctx context.Context, run, item uuid.UUID, finish report.FinishItem) error
	LogFn            func(ctx context.Context, run uuid.UUID, entry report.LogEntry) error
	SendAttachmentFn func(ctx context.Context, run uuid.UUID, att report.Attachment) error

	mu       sync.Mutex
	calls    []string
	items    map[uuid.UUID]*Item
	order    []uuid.UUID
	runs     []report.StartRun
	finished bool
}

// StartRun calls the mock function.
func (m *Recorder) StartRun(ctx context.Context, run report.StartRun) (uuid.UUID, error) {
	m.record("StartRun " + run.Name)
	if m.StartRunFn != nil {
		return m.StartRunFn(ctx, run)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return uuid.New(), nil
}

// FinishRun calls the mock function.
func (m *Recorder) FinishRun(ctx context.Context, run uuid.UUID, endTime time.Time) error {
	m.record("FinishRun")
	if m.FinishRunFn != nil {
		return m.FinishRunFn(ctx, run, endTime)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	return nil
}

// StartItem calls the mock function.
func (m *Recorder) StartItem(ctx context.Context, run, parent uuid.UUID, item report.StartItem) (uuid.UUID, error) {
	m.record(fmt.Sprintf("StartItem %s %s", item.Type, item.Name))
	if m.StartItemFn != nil {
		return m.StartItemFn(ctx, run, parent, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := uuid.New()
	m.ensure()
	m.items[h] = &Item{
		Handle:      h,
		Parent:      parent,
		Type:        item.Type,
		Name:        item.Name,
		Description: item.Description,
		Attributes:  item.Attributes,
		StartTime:   item.StartTime,
	}
	m.order = append(m.order, h)
	return h, nil
}

// FinishItem calls the mock function.
func (m *Recorder) FinishItem(ctx context.Context, run, item uuid.UUID, finish report.FinishItem) error {
	m.record(fmt.Sprintf("FinishItem %s %s", m.nameOf(item), finish.Status))
	if m.FinishItemFn != nil {
		return m.FinishItemFn(ctx, run, item, finish)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[item]
	if !ok {
		return fmt.Errorf("finish unknown item %s", item)
	}
	it.Finished = true
	it.Status = finish.Status
	it.EndTime = finish.EndTime
	return nil
}

// Log calls the mock function.
func (m *Recorder) Log(ctx context.Context, run uuid.UUID, entry report.LogEntry) error {
	m.record("Log " + m.nameOf(entry.Item))
	if m.LogFn != nil {
		return m.LogFn(ctx, run, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[entry.Item]
	if !ok {
		return fmt.Errorf("log to unknown item %s", entry.Item)
	}
	it.Logs = append(it.Logs, entry)
	return nil
}

// SendAttachment calls the mock function.
func (m *Recorder) SendAttachment(ctx context.Context, run uuid.UUID, att report.Attachment) error {
	m.record("SendAttachment " + m.nameOf(att.Item))
	if m.SendAttachmentFn != nil {
		return m.SendAttachmentFn(ctx, run, att)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[att.Item]
	if !ok {
		return fmt.Errorf("attach to unknown item %s", att.Item)
	}
	it.Attachments = append(it.Attachments, att)
	return nil
}

// Calls returns the method calls in order, e.g. "StartItem STEP Step 1".
func (m *Recorder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Items returns copies of the started items in start order.
func (m *Recorder) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, *m.items[h])
	}
	return out
}

// Item returns the first started item with the given name.
func (m *Recorder) Item(name string) (Item, bool) {
	for _, it := range m.Items() {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// Get returns the item with the given handle.
func (m *Recorder) Get(h uuid.UUID) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[h]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Runs returns the started runs.
func (m *Recorder) Runs() []report.StartRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report.StartRun(nil), m.runs...)
}

// RunFinished reports whether FinishRun was called.
func (m *Recorder) RunFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Count returns how many recorded calls start with prefix.
func (m *Recorder) Count(prefix string) int {
	n := 0
	for _, c := range m.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// AddItem registers an item the Recorder did not start itself, so that logs
// and finishes against it are accepted.
func (m *Recorder) AddItem(it Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	m.items[it.Handle] = &it
	m.order = append(m.order, it.Handle)
}

func (m *Recorder) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *Recorder) nameOf(h uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[h]; ok {
		return it.Name
	}
	return h.String()
}

func (m *Recorder) ensure() {
	if m.items == nil {
		m.items = make(map[uuid.UUID]*Item)
	}
}

var _ report.Reporter = (*Recorder)(nil)
