// Package attach loads files a host collected for a test result.
package attach

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/kamilpajak/scopebridge/pkg/scope"
)

// DefaultMaxBytes caps the size of one attachment. Scope file markers use
// the same cap.
const DefaultMaxBytes = scope.DefaultMaxFileBytes

// File is a loaded attachment.
type File struct {
	Path     string
	Name     string
	MimeType string
	Data     []byte
}

// Loader reads attachment files.
type Loader struct {
	MaxBytes int64
}

// LocalPath turns a file:// URI into a local path. Anything else is returned
// unchanged.
func LocalPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	if u.Host != "" && u.Host != "localhost" {
		return "//" + u.Host + u.Path
	}
	return filepath.FromSlash(u.Path)
}

// Load reads the file referenced by uri.
func (l Loader) Load(uri string) (File, error) {
	path := LocalPath(uri)
	max := l.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return File{Path: path}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return File{Path: path}, err
	}
	if int64(len(data)) > max {
		return File{Path: path}, fmt.Errorf("file is larger than %d bytes", max)
	}

	return File{
		Path:     path,
		Name:     filepath.Base(path),
		MimeType: scope.MimeType(path),
		Data:     data,
	}, nil
}
