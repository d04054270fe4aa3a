package storage

import (
	"errors"
	"io"
)

// ProgressReader wraps an object body and reports the percentage read.
//
// SDKs may read a body more than once (payload hashing, then sending), so
// seeking back rewinds the byte count but never the reported percentage.
// Reports stop at 99; completion is signalled by the write returning.
type ProgressReader struct {
	r        io.ReadSeeker
	total    int64
	read     int64
	reported int
	fn       ProgressFunc
}

// NewProgressReader creates a reader reporting to fn. A nil fn or a
// non-positive total disables reporting.
func NewProgressReader(r io.ReadSeeker, total int64, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, reported: -1, fn: fn}
}

// Read implements io.Reader with progress reporting.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)
	pr.report()
	return n, err
}

// Seek implements io.Seeker so SDKs can rewind the body.
func (pr *ProgressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := pr.r.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	pr.read = pos
	return pos, nil
}

// Start emits the initial 0% report.
func (pr *ProgressReader) Start() {
	pr.report()
}

func (pr *ProgressReader) report() {
	if pr.fn == nil || pr.total <= 0 {
		return
	}
	pct := int(pr.read * 100 / pr.total)
	if pct > 99 {
		pct = 99
	}
	if pct <= pr.reported {
		return
	}
	pr.reported = pct
	pr.fn(pct)
}

var errNilBody = errors.New("object body is nil")

// Rewind seeks obj.Body to the start.
func Rewind(obj Object) error {
	if obj.Body == nil {
		return errNilBody
	}
	_, err := obj.Body.Seek(0, io.SeekStart)
	return err
}
