package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Source opens a fresh reader over a file's payload.
type Source interface {
	Open() (io.ReadSeekCloser, error)
}

// FileItem is one payload submitted in a batch. Name is both the object key
// and the unit of conflict detection; it is compared exactly.
type FileItem struct {
	Name        string
	ContentType string
	Size        int64
	Metadata    map[string]string
	Source      Source
}

type pathSource string

func (p pathSource) Open() (io.ReadSeekCloser, error) {
	return os.Open(string(p))
}

type bytesSource []byte

func (b bytesSource) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(b)}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

// FileFromPath describes a local file. An empty name uses the file's base
// name. The content type is sniffed from the file's leading bytes.
func FileFromPath(path, name string) (FileItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileItem{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return FileItem{}, fmt.Errorf("%s is not a regular file", path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return FileItem{}, fmt.Errorf("failed to detect content type of %s: %w", path, err)
	}

	if name == "" {
		name = filepath.Base(path)
	}

	return FileItem{
		Name:        name,
		ContentType: mt.String(),
		Size:        info.Size(),
		Source:      pathSource(path),
	}, nil
}

// FileFromBytes describes an in-memory payload. An empty contentType is
// sniffed from data.
func FileFromBytes(name string, data []byte, contentType string) FileItem {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return FileItem{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Source:      bytesSource(data),
	}
}
