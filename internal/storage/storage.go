// Package storage defines the object store contract consumed by the upload
// engine, plus the error types and progress plumbing shared by its backends.
package storage

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Backend kinds reported by Client.Kind.
const (
	KindS3    = "s3"
	KindAzure = "azure"
	KindLocal = "local"
)

// ProgressFunc receives the percentage of an object's bytes sent so far.
// Calls for one write are sequential, values are non-decreasing and in [0,100].
type ProgressFunc func(percent int)

// Object is a single payload to store under Key.
type Object struct {
	Key         string
	Body        io.ReadSeeker
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// WriteResult describes a stored object.
type WriteResult struct {
	Key       string
	Size      int64
	ETag      string
	VersionID string
	StoredAt  time.Time
}

// Client is the remote object store as seen by the upload engine.
//
// Exists reports (true, nil) when an object is stored under key and
// (false, nil) only on a definitive not-found; every other failure is a
// *ProbeError. Write stores obj in a single attempt, replacing any object at
// the same key, and returns a *WriteError on failure.
type Client interface {
	Exists(ctx context.Context, key string) (bool, error)
	Write(ctx context.Context, obj Object, progress ProgressFunc) (*WriteResult, error)
	Kind() string
}

// HeaderSafe returns v unchanged when it can travel as an HTTP header value,
// and percent-encoded otherwise. Cloud backends send metadata as headers.
func HeaderSafe(v string) string {
	for i := 0; i < len(v); i++ {
		if c := v[i]; c < 0x20 || c > 0x7e {
			return url.PathEscape(v)
		}
	}
	return v
}
