package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/storage"
)

// fakeS3 is a minimal path-style S3 endpoint.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
	denied  map[string]bool

	bucketHeads int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{},
		headers: map[string]http.Header{},
		denied:  map[string]bool{},
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != "drop" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(parts) == 1 || parts[1] == "" {
		f.bucketHeads++
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]

	if f.denied[key] {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = body
		f.headers[key] = r.Header.Clone()
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, handler http.Handler, prefix string) *Client {
	t.Helper()
	return newTestClientFor(t, handler, "drop", prefix)
}

func newTestClientFor(t *testing.T, handler http.Handler, bucket, prefix string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Keep the developer's AWS profile out of the test
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	c, err := New(context.Background(), config.S3Config{
		Bucket:          bucket,
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "AKIDTEST",
		SecretAccessKey: "secret",
	}, prefix, srv.Client())
	require.NoError(t, err)
	return c
}

func TestExists(t *testing.T) {
	fake := newFakeS3()
	fake.objects["in/report.pdf"] = []byte("old")
	fake.denied["in/secret.txt"] = true
	c := newTestClient(t, fake, "in/")

	ctx := context.Background()

	exists, err := c.Exists(ctx, "report.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.Exists(ctx, "new.pdf")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Exists(ctx, "secret.txt")
	var pe *storage.ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "secret.txt", pe.Key)
	assert.Equal(t, storage.ErrorTypeCredential, storage.ClassifyError(err))
}

func TestExists_MissingBucket(t *testing.T) {
	fake := newFakeS3()
	c := newTestClientFor(t, fake, "gone", "")

	exists, err := c.Exists(context.Background(), "new.pdf")
	assert.False(t, exists)
	var pe *storage.ProbeError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestExists_ChecksBucketOnce(t *testing.T) {
	fake := newFakeS3()
	c := newTestClient(t, fake, "")

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Exists(context.Background(), key)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.bucketHeads)
}

func TestWrite(t *testing.T) {
	fake := newFakeS3()
	c := newTestClient(t, fake, "")

	payload := bytes.Repeat([]byte("z"), 64*1024)
	var reports []int
	res, err := c.Write(context.Background(), storage.Object{
		Key:         "data.bin",
		Body:        bytes.NewReader(payload),
		Size:        int64(len(payload)),
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"originalname": "data.bin"},
	}, func(p int) { reports = append(reports, p) })
	require.NoError(t, err)

	assert.Equal(t, "data.bin", res.Key)
	assert.Equal(t, "abc123", res.ETag)
	assert.Equal(t, payload, fake.objects["data.bin"])
	assert.Equal(t, "application/octet-stream", fake.headers["data.bin"].Get("Content-Type"))
	assert.Equal(t, "data.bin", fake.headers["data.bin"].Get("X-Amz-Meta-Originalname"))

	require.NotEmpty(t, reports)
	assert.Equal(t, 0, reports[0])
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1])
	}
}

func TestWriteFailure(t *testing.T) {
	fake := newFakeS3()
	fake.denied["locked.txt"] = true
	c := newTestClient(t, fake, "")

	_, err := c.Write(context.Background(), storage.Object{
		Key:  "locked.txt",
		Body: strings.NewReader("x"),
		Size: 1,
	}, nil)
	var we *storage.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "locked.txt", we.Key)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(fmt.Errorf("head: %w", &types.NoSuchKey{})))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.True(t, isNotFound(storage.ErrNotFound))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: connection refused")))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a.txt", NewWithAPI(nil, "b", "").objectKey("a.txt"))
	assert.Equal(t, "in/a.txt", NewWithAPI(nil, "b", "in").objectKey("a.txt"))
	assert.Equal(t, "in/a.txt", NewWithAPI(nil, "b", "in/").objectKey("a.txt"))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.S3Config{Region: "us-east-1"}, "", nil)
	assert.ErrorIs(t, err, config.ErrMissingBucket)
}
