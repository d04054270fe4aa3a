package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/storage"
)

// fakeBlob serves /<account>/<container>/<blob> like Azurite.
type fakeBlob struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	headers map[string]http.Header
	denied  map[string]bool
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{blobs: map[string][]byte{}, headers: map[string]http.Header{}, denied: map[string]bool{}}
}

func (f *fakeBlob) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/acct/drops/")

	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("x-ms-request-id", "test")
	w.Header().Set("x-ms-version", "2023-11-03")

	if f.denied[name] {
		w.Header().Set("x-ms-error-code", "AuthenticationFailed")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodHead:
		body, ok := f.blobs[name]
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.blobs[name] = body
		f.headers[name] = r.Header.Clone()
		w.Header().Set("ETag", `"0x8DC"`)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, fake *fakeBlob) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(config.AzureConfig{ContainerURL: srv.URL + "/acct/drops?sv=2023-11-03&sig=test"}, "", srv.Client())
	require.NoError(t, err)
	return c
}

func TestExists(t *testing.T) {
	fake := newFakeBlob()
	fake.blobs["taken.txt"] = []byte("v1")
	fake.denied["locked.txt"] = true
	c := newTestClient(t, fake)

	ctx := context.Background()

	exists, err := c.Exists(ctx, "taken.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.Exists(ctx, "fresh.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Exists(ctx, "locked.txt")
	var pe *storage.ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "locked.txt", pe.Key)
}

func TestWrite(t *testing.T) {
	fake := newFakeBlob()
	c := newTestClient(t, fake)

	payload := bytes.Repeat([]byte("q"), 4096)
	var last int
	res, err := c.Write(context.Background(), storage.Object{
		Key:         "notes.md",
		Body:        bytes.NewReader(payload),
		Size:        int64(len(payload)),
		ContentType: "text/markdown",
		Metadata:    map[string]string{"originalname": "notes.md"},
	}, func(p int) {
		assert.GreaterOrEqual(t, p, last)
		last = p
	})
	require.NoError(t, err)

	assert.Equal(t, "0x8DC", res.ETag)
	assert.Equal(t, payload, fake.blobs["notes.md"])
	assert.Equal(t, "text/markdown", fake.headers["notes.md"].Get("x-ms-blob-content-type"))
	assert.Equal(t, "notes.md", fake.headers["notes.md"].Get("x-ms-meta-originalname"))
	assert.Equal(t, 99, last)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: 404}))
	assert.True(t, isNotFound(&azcore.ResponseError{StatusCode: 404}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", storage.ErrNotFound)))
	assert.False(t, isNotFound(&azcore.ResponseError{ErrorCode: "ContainerNotFound", StatusCode: 404}))
	assert.False(t, isNotFound(&azcore.ResponseError{ErrorCode: "AuthenticationFailed", StatusCode: 403}))
	assert.False(t, isNotFound(errors.New("connection reset")))
}

func TestNewRequiresTarget(t *testing.T) {
	_, err := New(config.AzureConfig{Container: "drops"}, "", nil)
	assert.ErrorIs(t, err, config.ErrMissingAzureTarget)
}

func TestBlobName(t *testing.T) {
	c := &Client{prefix: "team/"}
	assert.Equal(t, "team/a.txt", c.blobName("a.txt"))
	c.prefix = ""
	assert.Equal(t, "a.txt", c.blobName("a.txt"))
}
