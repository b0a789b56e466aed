package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)

func TestRoundTrip(t *testing.T) {
	events := []struct {
		name string
		ev   Event
	}{
		{"begin root", Begin{ID: "a", Name: "Step 1", BeginTime: t0}},
		{"begin nested", Begin{ID: "b", ParentID: "a", Name: "Inner", BeginTime: t0.Add(time.Second)}},
		{"log plain", Log{Time: t0, Level: LevelInfo, Text: "hello"}},
		{"log multiline", Log{ParentID: "a", Time: t0, Level: LevelError, Text: "line 1\nline 2\r\nline 3"}},
		{"log attachment", Log{ParentID: "a", Time: t0, Level: LevelDebug, Text: "shot", Attach: &Attachment{
			MimeType: "image/png", FileName: "shot.png", Data: []byte{0x89, 'P', 'N', 'G', 0, '\n'},
		}}},
		{"end passed", End{ID: "a", EndTime: t0, Status: StatusPassed}},
		{"end skipped", End{ID: "b", EndTime: t0, Status: StatusSkipped}},
	}

	for _, tt := range events {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.ev)
			require.NoError(t, err)
			assert.NotContains(t, line, "\n")
			assert.True(t, strings.HasPrefix(line, marker), line)

			got, ok, err := Decode(line)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.ev, got)
		})
	}
}

func TestEncodeConvertsToUTC(t *testing.T) {
	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	line, err := Encode(Begin{ID: "a", Name: "n", BeginTime: local})
	require.NoError(t, err)
	assert.Contains(t, line, `"BeginTime":"2024-03-01T11:00:00Z"`)
}

func TestEncodeRejectsIncompleteEvents(t *testing.T) {
	_, err := Encode(Begin{ID: "a"})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Encode(End{Status: StatusPassed})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Encode(End{ID: "a", Status: "Done"})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = Encode(Log{Level: "loud"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	events := []struct {
		name  string
		ev    Event
		field string
	}{
		{"log text", Log{Text: "bad\xffbyte"}, "Text"},
		{"begin name", Begin{ID: "a", Name: "step \xc3"}, "Name"},
		{"end id", End{ID: "\xfe", Status: StatusPassed}, "Id"},
		{"attachment file name", Log{Text: "shot", Attach: &Attachment{MimeType: "image/png", FileName: "\xff.png"}}, "FileName"},
	}
	for _, tt := range events {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.ev)
			assert.ErrorIs(t, err, ErrInvalidValue)
			assert.ErrorContains(t, err, tt.field+" is not valid UTF-8")
		})
	}

	// Binary attachment data is fine.
	line, err := Encode(Log{Text: "raw", Attach: &Attachment{MimeType: "application/octet-stream", Data: []byte{0xff, 0xfe}}})
	require.NoError(t, err)
	ev, ok, err := Decode(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0xfe}, ev.(Log).Attach.Data)
}

func TestEncodeDefaultsLogLevel(t *testing.T) {
	line, err := Encode(Log{Text: "x"})
	require.NoError(t, err)

	ev, ok, err := Decode(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LevelInfo, ev.(Log).Level)
}

func TestDecodeNotProtocol(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"hello world",
		"=== RUN   TestSomething",
		"{",
		"{not json at all",
		`{"level":"INFO","msg":"structured user log"}`,
		`{"Action":"Launch","Id":"x"}`,
		`{"Action":"output","Test":"TestX"}`,
		`[{"Action":"AddLog"}]`,
		"-> plain message from adapter",
	}
	for _, line := range lines {
		assert.NotPanics(t, func() {
			ev, ok, err := Decode(line)
			assert.False(t, ok, "line %q", line)
			assert.NoError(t, err, "line %q", line)
			assert.Nil(t, ev)
		})
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"truncated", `{"Action":"AddLog","V":1,"Text":"hel`, nil},
		{"wrong field type", `{"Id":42,"Action":"BeginLogScope","Name":"x"}`, nil},
		{"begin without id", `{"Action":"BeginLogScope","Name":"x"}`, ErrMissingField},
		{"begin without name", `{"Action":"BeginLogScope","Id":"x"}`, ErrMissingField},
		{"end without id", `{"Action":"EndLogScope","Status":"Passed"}`, ErrMissingField},
		{"unknown status", `{"Action":"EndLogScope","Id":"x","Status":"Broken"}`, ErrInvalidValue},
		{"unknown level", `{"Action":"AddLog","Level":"Loud","Text":"x"}`, ErrInvalidValue},
		{"future version", `{"Action":"AddLog","V":2,"Text":"x"}`, ErrUnsupportedVersion},
		{"bad base64", `{"Action":"AddLog","Text":"x","Attach":{"MimeType":"a/b","Data":"!!"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := Decode(tt.line)
			assert.True(t, ok)
			assert.Nil(t, ev)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.line, de.Line)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDecodeDefaults(t *testing.T) {
	ev, ok, err := Decode(`{"Action":"EndLogScope","Id":"x"}`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, End{ID: "x", Status: StatusInProgress}, ev)

	ev, ok, err = Decode(`  {"Action":"AddLog","Text":"no version, no level"}  `)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Log{Level: LevelInfo, Text: "no version, no level"}, ev)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusPassed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.False(t, Status("").Terminal())
}
