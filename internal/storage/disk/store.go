// Package disk stores batch uploads as files under a local directory.
// It backs development setups and tests with the same semantics as the
// cloud backends: last write wins, writes are atomic, metadata travels along.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rescale/safedrop/internal/storage"
)

// metaDir holds one JSON sidecar per object, mirroring the object tree.
const metaDir = ".safedrop-meta"

var errInvalidKey = errors.New("key escapes the store root")

// Meta is the sidecar recorded next to each object.
type Meta struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store implements storage.Client on a directory.
type Store struct {
	root   string
	prefix string
}

// New creates the root directory if needed.
func New(root, prefix string) (*Store, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}
	return &Store{root: abs, prefix: prefix}, nil
}

// Kind implements storage.Client.
func (s *Store) Kind() string { return storage.KindLocal }

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// resolve maps a key to its data and sidecar paths.
func (s *Store) resolve(key string) (string, string, error) {
	full := key
	if s.prefix != "" {
		full = path.Join(s.prefix, key)
	}
	rel := filepath.FromSlash(full)
	if key == "" || !filepath.IsLocal(rel) {
		return "", "", errInvalidKey
	}
	if first := strings.SplitN(filepath.ToSlash(filepath.Clean(rel)), "/", 2)[0]; first == metaDir {
		return "", "", errInvalidKey
	}
	return filepath.Join(s.root, rel), filepath.Join(s.root, metaDir, rel+".json"), nil
}

// Exists stats the object file.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &storage.ProbeError{Key: key, Err: err}
	}
	dataPath, _, err := s.resolve(key)
	if err != nil {
		return false, &storage.ProbeError{Key: key, Err: err}
	}

	info, err := os.Stat(dataPath)
	switch {
	case err == nil:
		if info.IsDir() {
			return false, &storage.ProbeError{Key: key, Err: fmt.Errorf("%s is a directory", dataPath)}
		}
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &storage.ProbeError{Key: key, Err: err}
	}
}

// Write copies the body to a temp file in the target directory and renames it
// into place, then records the sidecar.
func (s *Store) Write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	res, err := s.write(ctx, obj, progress)
	if err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}
	return res, nil
}

func (s *Store) write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	dataPath, metaPath, err := s.resolve(obj.Key)
	if err != nil {
		return nil, err
	}
	if err := storage.Rewind(obj); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".safedrop-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	body := storage.NewProgressReader(obj.Body, obj.Size, progress)
	body.Start()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		return nil, fmt.Errorf("failed to copy: %w", err)
	}
	if obj.Size > 0 && n != obj.Size {
		return nil, fmt.Errorf("short write: copied %d of %d bytes", n, obj.Size)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return nil, fmt.Errorf("failed to rename into place: %w", err)
	}
	committed = true

	meta := Meta{
		Key:         obj.Key,
		Size:        n,
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
		StoredAt:    time.Now().UTC(),
	}
	if err := writeMeta(metaPath, meta); err != nil {
		return nil, err
	}

	return &storage.WriteResult{Key: obj.Key, Size: n, StoredAt: meta.StoredAt}, nil
}

func writeMeta(metaPath string, meta Meta) error {
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// Stat returns the sidecar of a stored object, or storage.ErrNotFound.
func (s *Store) Stat(key string) (*Meta, error) {
	_, metaPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", key, err)
	}
	return &meta, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
