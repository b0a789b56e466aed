package scope

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kamilpajak/scopebridge/pkg/protocol"
)

// DefaultMaxFileBytes caps the size of a file attached through a marker.
const DefaultMaxFileBytes int64 = 64 << 20

// fileMarker matches {rp#file#<path>} in logged text. The marker is removed
// and the referenced file is sent as the message attachment.
var fileMarker = regexp.MustCompile(`\{rp#file#([^}]*)\}`)

func extractFileMarker(text string, maxBytes int64) (string, *protocol.Attachment) {
	m := fileMarker.FindStringSubmatchIndex(text)
	if m == nil {
		return text, nil
	}

	path := text[m[2]:m[3]]
	rest := text[:m[0]] + text[m[1]:]

	data, err := readFile(path, maxBytes)
	if err != nil {
		return fmt.Sprintf("%s\n\nCannot fetch data by `%s` path.\n%v", rest, path, err), nil
	}

	return rest, &protocol.Attachment{
		MimeType: MimeType(path),
		FileName: filepath.Base(path),
		Data:     data,
	}
}

// MimeType guesses the content type of a file from its extension.
func MimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// readFile reads at most maxBytes of path; a larger file is an error.
func readFile(path string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("file is larger than %d bytes", maxBytes)
	}
	return data, nil
}
