package scope

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kamilpajak/scopebridge/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestTracker(buf *bytes.Buffer, opts ...Option) *Tracker {
	n := 0
	tick := 0
	opts = append([]Option{
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
	}, opts...)
	return New(buf, opts...)
}

func decodeAll(t *testing.T, buf *bytes.Buffer) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		ev, ok, err := protocol.Decode(line)
		require.NoError(t, err)
		require.True(t, ok, line)
		events = append(events, ev)
	}
	return events
}

func TestBeginLogEnd(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, err := tr.Begin("Step 1")
	require.NoError(t, err)
	require.NoError(t, tr.Log(protocol.LevelInfo, "hi"))
	require.NoError(t, s.End())

	events := decodeAll(t, &buf)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.Begin{ID: "id-1", Name: "Step 1", BeginTime: base.Add(time.Second)}, events[0])
	assert.Equal(t, protocol.Log{ParentID: "id-1", Time: base.Add(2 * time.Second), Level: protocol.LevelInfo, Text: "hi"}, events[1])
	assert.Equal(t, protocol.End{ID: "id-1", EndTime: base.Add(3 * time.Second), Status: protocol.StatusPassed}, events[2])
}

func TestEveryOperationWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, _ := tr.Begin("a")
	tr.Info("one\ntwo")
	s.Warn("three")
	s.Infof("%d items", 4)
	tr.Infof("done in %s", "1s")
	_ = s.End()

	assert.Equal(t, 6, strings.Count(buf.String(), "\n"))

	events := decodeAll(t, &buf)
	assert.Equal(t, "4 items", events[3].(protocol.Log).Text)
	assert.Equal(t, "done in 1s", events[4].(protocol.Log).Text)
}

func TestNestedScopesParentToInnermost(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	outer, err := tr.Begin("outer")
	require.NoError(t, err)
	inner, err := tr.Begin("inner")
	require.NoError(t, err)
	assert.Equal(t, inner, tr.Current())
	assert.Equal(t, 2, tr.Depth())

	tr.Info("to inner")
	outer.Info("to outer explicitly")
	inner.Fail()
	require.NoError(t, inner.End())
	tr.Info("to outer")
	require.NoError(t, outer.End())
	tr.Info("to test")
	assert.Nil(t, tr.Current())

	events := decodeAll(t, &buf)
	require.Len(t, events, 8)
	assert.Equal(t, "", events[0].(protocol.Begin).ParentID)
	assert.Equal(t, outer.ID(), events[1].(protocol.Begin).ParentID)
	assert.Equal(t, inner.ID(), events[2].(protocol.Log).ParentID)
	assert.Equal(t, outer.ID(), events[3].(protocol.Log).ParentID)
	assert.Equal(t, protocol.End{ID: inner.ID(), EndTime: events[4].(protocol.End).EndTime, Status: protocol.StatusFailed}, events[4])
	assert.Equal(t, outer.ID(), events[5].(protocol.Log).ParentID)
	assert.Equal(t, protocol.StatusPassed, events[6].(protocol.End).Status)
	assert.Equal(t, "", events[7].(protocol.Log).ParentID)
}

func TestEndOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	outer, _ := tr.Begin("outer")
	inner, _ := tr.Begin("inner")
	before := buf.Len()

	err := outer.End()
	assert.ErrorIs(t, err, ErrNotInnermost)
	assert.Equal(t, before, buf.Len(), "nothing emitted on misuse")
	assert.Equal(t, 2, tr.Depth())

	require.NoError(t, inner.End())
	require.NoError(t, outer.End())
}

func TestEndTwice(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, _ := tr.Begin("once")
	require.NoError(t, s.End())
	assert.ErrorIs(t, s.End(), ErrAlreadyEnded)
	assert.ErrorIs(t, s.Log(protocol.LevelInfo, "late"), ErrAlreadyEnded)
}

func TestSetStatusAfterEndIgnored(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, _ := tr.Begin("s")
	s.Skip()
	require.NoError(t, s.End())
	s.Fail()
	assert.Equal(t, protocol.StatusSkipped, s.Status())
}

func TestBeginEmptyName(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	_, err := tr.Begin("")
	assert.ErrorIs(t, err, ErrEmptyName)
	assert.Zero(t, buf.Len())
}

func TestStep(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	err := tr.Step("ok", func(s *Scope) error {
		s.Info("working")
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tr.Step("broken", func(s *Scope) error { return boom })
	assert.ErrorIs(t, err, boom)

	events := decodeAll(t, &buf)
	require.Len(t, events, 5)
	assert.Equal(t, protocol.StatusPassed, events[2].(protocol.End).Status)
	assert.Equal(t, protocol.StatusFailed, events[4].(protocol.End).Status)
	assert.Equal(t, 0, tr.Depth())
}

func TestStepPanicEndsScopeAsFailed(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = tr.Step("panics", func(s *Scope) error { panic("kaboom") })
	})

	events := decodeAll(t, &buf)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.StatusFailed, events[1].(protocol.End).Status)
}

func TestAttach(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, _ := tr.Begin("with file")
	att := protocol.Attachment{MimeType: "text/plain", FileName: "a.txt", Data: []byte("content")}
	require.NoError(t, s.Attach(protocol.LevelInfo, "see attached", att))
	require.NoError(t, tr.Attach(protocol.LevelWarning, "again", att))
	_ = s.End()

	events := decodeAll(t, &buf)
	l := events[1].(protocol.Log)
	require.NotNil(t, l.Attach)
	assert.Equal(t, att, *l.Attach)
	assert.Equal(t, s.ID(), events[2].(protocol.Log).ParentID)
}

func TestFileMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "screen.png")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	var buf bytes.Buffer
	tr := newTestTracker(&buf)
	tr.Info("screenshot {rp#file#" + path + "} taken")

	events := decodeAll(t, &buf)
	l := events[0].(protocol.Log)
	assert.Equal(t, "screenshot  taken", l.Text)
	require.NotNil(t, l.Attach)
	assert.Equal(t, "image/png", l.Attach.MimeType)
	assert.Equal(t, "screen.png", l.Attach.FileName)
	assert.Equal(t, []byte{1, 2, 3}, l.Attach.Data)
}

func TestFileMarkerMissingFile(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)
	tr.Info("{rp#file#/does/not/exist.log}")

	l := decodeAll(t, &buf)[0].(protocol.Log)
	assert.Nil(t, l.Attach)
	assert.Contains(t, l.Text, "Cannot fetch data by `/does/not/exist.log` path.")
}

func TestFileMarkerTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'x'}, 11), 0o644))

	var buf bytes.Buffer
	tr := newTestTracker(&buf, WithMaxFileBytes(10))
	tr.Info("dump {rp#file#" + path + "}")

	l := decodeAll(t, &buf)[0].(protocol.Log)
	assert.Nil(t, l.Attach)
	assert.Contains(t, l.Text, "Cannot fetch data by `"+path+"` path.")
	assert.Contains(t, l.Text, "file is larger than 10 bytes")

	buf.Reset()
	tr = newTestTracker(&buf, WithMaxFileBytes(11))
	tr.Info("dump {rp#file#" + path + "}")
	l = decodeAll(t, &buf)[0].(protocol.Log)
	require.NotNil(t, l.Attach)
	assert.Len(t, l.Attach.Data, 11)
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf)

	s, err := tr.Begin("step \xff")
	require.NoError(t, err)
	require.NoError(t, tr.Log(protocol.LevelInfo, "bad\xffbyte"))
	require.NoError(t, tr.Attach(protocol.LevelInfo, "file", protocol.Attachment{MimeType: "text/plain", FileName: "\xfe.txt", Data: []byte{0xff}}))
	require.NoError(t, s.End())

	events := decodeAll(t, &buf)
	require.Len(t, events, 4)
	assert.Equal(t, "step \uFFFD", events[0].(protocol.Begin).Name)
	assert.Equal(t, "bad\uFFFDbyte", events[1].(protocol.Log).Text)
	att := events[2].(protocol.Log).Attach
	require.NotNil(t, att)
	assert.Equal(t, "\uFFFD.txt", att.FileName)
	assert.Equal(t, []byte{0xff}, att.Data)
	assert.NoError(t, tr.Err())
}

func TestFileMarkersDisabled(t *testing.T) {
	var buf bytes.Buffer
	tr := newTestTracker(&buf, WithoutFileMarkers())
	tr.Info("{rp#file#/x.png}")

	l := decodeAll(t, &buf)[0].(protocol.Log)
	assert.Equal(t, "{rp#file#/x.png}", l.Text)
	assert.Nil(t, l.Attach)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestWriteErrorIsSticky(t *testing.T) {
	tr := New(failingWriter{})

	_, err := tr.Begin("x")
	require.Error(t, err)
	assert.EqualError(t, tr.Err(), "closed pipe")
	assert.Zero(t, tr.Depth())
}

type recordingTB struct{ lines []string }

func (r *recordingTB) Log(args ...any) { r.lines = append(r.lines, fmt.Sprint(args...)) }

func TestForTest(t *testing.T) {
	tb := &recordingTB{}
	tr := ForTest(tb)

	err := tr.Step("via t.Log", func(s *Scope) error {
		s.Info("inside")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tb.lines, 3)
	for _, line := range tb.lines {
		_, ok, err := protocol.Decode(line)
		assert.True(t, ok)
		assert.NoError(t, err)
	}
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/png", MimeType("a/b/c.PNG"))
	assert.Equal(t, "application/octet-stream", MimeType("noext"))
	assert.Equal(t, "application/octet-stream", MimeType("file.unknownext"))
}
