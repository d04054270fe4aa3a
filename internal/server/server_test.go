package server

import (
	"bufio"
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/logging"
	"github.com/rescale/safedrop/internal/storage"
	"github.com/rescale/safedrop/internal/storage/disk"
	"github.com/rescale/safedrop/internal/upload"
)

type testEnv struct {
	srv     *Server
	store   *disk.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, existing ...string) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, existing...)
}

// newTestEnvWith serves wrap(store) when wrap is set.
func newTestEnvWith(t *testing.T, wrap func(*disk.Store) storage.Client, existing ...string) *testEnv {
	t.Helper()

	store, err := disk.New(t.TempDir(), "")
	require.NoError(t, err)
	for _, name := range existing {
		_, err := store.Write(context.Background(), storage.Object{
			Key:  name,
			Body: strings.NewReader("old"),
			Size: 3,
		}, nil)
		require.NoError(t, err)
	}

	cfg := config.NewConfig()
	cfg.Local.Root = store.Root()
	cfg.Upload.ProbeRatePerSec = 0

	var client storage.Client = store
	if wrap != nil {
		client = wrap(store)
	}
	srv := New(cfg, client, logging.NewNopLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &testEnv{srv: srv, store: store, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// submit posts files (name -> content) and returns the created batch.
func (e *testEnv) submit(t *testing.T, files map[string]string, order ...string) BatchResponse {
	t.Helper()
	body, ct := multipartBody(t, files, order)
	w := e.do(t, http.MethodPost, "/v1/batches", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/v1/batches/"+resp.ID, w.Header().Get("Location"))
	return resp
}

func (e *testEnv) get(t *testing.T, id string) BatchResponse {
	t.Helper()
	w := e.do(t, http.MethodGet, "/v1/batches/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) waitState(t *testing.T, id string, state upload.BatchState) BatchResponse {
	t.Helper()
	var resp BatchResponse
	require.Eventually(t, func() bool {
		resp = e.get(t, id)
		return resp.State == state.String()
	}, 5*time.Second, 10*time.Millisecond, "batch never reached %s", state)
	return resp
}

func multipartBody(t *testing.T, files map[string]string, order []string) ([]byte, string) {
	t.Helper()
	if len(order) == 0 {
		for name := range files {
			order = append(order, name)
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range order {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func readStored(t *testing.T, store *disk.Store, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(store.Root(), name))
	require.NoError(t, err)
	return string(data)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, storage.KindLocal, body["backend"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestBatch_NoConflicts(t *testing.T) {
	env := newTestEnv(t)

	created := env.submit(t, map[string]string{"a.txt": "alpha", "b.txt": "beta"}, "a.txt", "b.txt")
	done := env.waitState(t, created.ID, upload.StateCompleted)

	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"a.txt", "b.txt"}, done.Result.Succeeded)
	assert.Empty(t, done.Result.Skipped)
	assert.Empty(t, done.Error)
	assert.Equal(t, "alpha", readStored(t, env.store, "a.txt"))
	assert.Equal(t, "beta", readStored(t, env.store, "b.txt"))

	meta, err := env.store.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", meta.Metadata["originalname"])
	assert.NotEmpty(t, meta.Metadata["uploadedat"])
}

func TestBatch_DecisionOverwrites(t *testing.T) {
	env := newTestEnv(t, "a.txt", "b.txt")

	created := env.submit(t, map[string]string{"a.txt": "new-a", "b.txt": "new-b", "c.txt": "new-c"}, "a.txt", "b.txt", "c.txt")
	pending := env.waitState(t, created.ID, upload.StateAwaitingDecision)
	assert.Equal(t, []string{"a.txt", "b.txt"}, pending.Conflicts)

	// Nothing may be written before the decision.
	assert.Equal(t, "old", readStored(t, env.store, "a.txt"))
	_, err := os.Stat(filepath.Join(env.store.Root(), "c.txt"))
	assert.True(t, os.IsNotExist(err))

	body, _ := json.Marshal(DecisionRequest{Overwrite: []string{"a.txt", "unknown.txt"}})
	w := env.do(t, http.MethodPost, "/v1/batches/"+created.ID+"/decision", body, "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	done := env.waitState(t, created.ID, upload.StateCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"a.txt", "c.txt"}, done.Result.Succeeded)
	assert.Equal(t, []string{"b.txt"}, done.Result.Skipped)
	assert.False(t, done.Result.Abandoned)
	assert.Empty(t, done.Conflicts)

	assert.Equal(t, "new-a", readStored(t, env.store, "a.txt"))
	assert.Equal(t, "old", readStored(t, env.store, "b.txt"))
	assert.Equal(t, "new-c", readStored(t, env.store, "c.txt"))

	// The gate is single-shot.
	w = env.do(t, http.MethodPost, "/v1/batches/"+created.ID+"/decision", body, "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBatch_Cancel(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	created := env.submit(t, map[string]string{"a.txt": "new-a", "b.txt": "new-b"}, "a.txt", "b.txt")
	env.waitState(t, created.ID, upload.StateAwaitingDecision)

	w := env.do(t, http.MethodPost, "/v1/batches/"+created.ID+"/cancel", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	done := env.waitState(t, created.ID, upload.StateCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"b.txt"}, done.Result.Succeeded)
	assert.Equal(t, []string{"a.txt"}, done.Result.Skipped)
	assert.Equal(t, "old", readStored(t, env.store, "a.txt"))

	for _, f := range done.Files {
		if f.Name == "a.txt" {
			assert.Equal(t, upload.StatusSkipped, f.Status)
		} else {
			assert.Equal(t, upload.StatusSuccess, f.Status)
			assert.Equal(t, 100, f.Progress)
		}
	}
}

func TestBatch_ShutdownAbandonsPendingDecision(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	created := env.submit(t, map[string]string{"a.txt": "new-a", "b.txt": "new-b"}, "a.txt", "b.txt")
	env.waitState(t, created.ID, upload.StateAwaitingDecision)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))

	b, ok := env.srv.batches.get(created.ID)
	require.True(t, ok)
	res, err := b.Result()
	require.NoError(t, err)
	assert.True(t, res.Abandoned)
	assert.Equal(t, []string{"b.txt"}, res.Succeeded)
	assert.Equal(t, "old", readStored(t, env.store, "a.txt"))
}

func TestBatch_Errors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown batch", func(t *testing.T) {
		for _, tc := range []struct{ method, path string }{
			{http.MethodGet, "/v1/batches/nope"},
			{http.MethodDelete, "/v1/batches/nope"},
			{http.MethodPost, "/v1/batches/nope/cancel"},
			{http.MethodGet, "/v1/batches/nope/events"},
		} {
			w := env.do(t, tc.method, tc.path, nil, "")
			assert.Equal(t, http.StatusNotFound, w.Code, tc.path)

			var apiErr APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
			assert.Equal(t, ErrCodeNotFound, apiErr.ErrorCode)
		}
	})

	t.Run("no files", func(t *testing.T) {
		body, ct := multipartBody(t, nil, nil)
		w := env.do(t, http.MethodPost, "/v1/batches", body, ct)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/batches", []byte("{}"), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("decision without conflicts", func(t *testing.T) {
		created := env.submit(t, map[string]string{"x.txt": "x"})
		env.waitState(t, created.ID, upload.StateCompleted)

		w := env.do(t, http.MethodPost, "/v1/batches/"+created.ID+"/decision", []byte(`{"overwrite":[]}`), "application/json")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("bad decision body", func(t *testing.T) {
		created := env.submit(t, map[string]string{"y.txt": "y"})
		w := env.do(t, http.MethodPost, "/v1/batches/"+created.ID+"/decision", []byte(`not json`), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v2/anything", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestBatch_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.Server.MaxUploadBytes = 64

	body, ct := multipartBody(t, map[string]string{"big.bin": strings.Repeat("x", 1024)}, nil)
	w := env.do(t, http.MethodPost, "/v1/batches", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t, "a.txt")

	pending := env.submit(t, map[string]string{"a.txt": "new"})
	env.waitState(t, pending.ID, upload.StateAwaitingDecision)

	finished := env.submit(t, map[string]string{"b.txt": "b"})
	env.waitState(t, finished.ID, upload.StateCompleted)

	w := env.do(t, http.MethodGet, "/v1/batches", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list BatchListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Batches, 2)
	assert.Equal(t, finished.ID, list.Batches[0].ID)

	w = env.do(t, http.MethodDelete, "/v1/batches/"+pending.ID, nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/batches/"+finished.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/batches/"+finished.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents_AfterCompletion(t *testing.T) {
	env := newTestEnv(t)

	created := env.submit(t, map[string]string{"a.txt": "a"})
	env.waitState(t, created.ID, upload.StateCompleted)

	w := env.do(t, http.MethodGet, "/v1/batches/"+created.ID+"/events", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"), w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event:batch_complete")
	assert.Contains(t, w.Body.String(), `"state":"completed"`)
}

func TestEvents_Live(t *testing.T) {
	env := newTestEnv(t, "a.txt")
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	created := env.submit(t, map[string]string{"a.txt": "new-a", "b.txt": "b"}, "a.txt", "b.txt")
	env.waitState(t, created.ID, upload.StateAwaitingDecision)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/batches/" + created.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:snapshot\n", line)

	decision, err := client.Post(ts.URL+"/v1/batches/"+created.ID+"/decision", "application/json",
		strings.NewReader(`{"overwrite":["a.txt"]}`))
	require.NoError(t, err)
	decision.Body.Close()
	require.Equal(t, http.StatusOK, decision.StatusCode)

	var seen []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event:"); ok {
			seen = append(seen, name)
		}
	}

	assert.Contains(t, seen, "conflict_resolved")
	assert.Contains(t, seen, "file_status")
	require.NotEmpty(t, seen)
	assert.Equal(t, "batch_complete", seen[len(seen)-1])
}

func TestRegistry(t *testing.T) {
	store, err := disk.New(t.TempDir(), "")
	require.NoError(t, err)
	u := upload.NewUploader(store, upload.Options{})

	r := newRegistry()
	first, err := u.NewBatch([]upload.FileItem{upload.FileFromBytes("a.txt", []byte("a"), "text/plain")})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := u.NewBatch([]upload.FileItem{upload.FileFromBytes("b.txt", []byte("b"), "text/plain")})
	require.NoError(t, err)

	r.add(first)
	r.add(second)

	got, ok := r.get(first.ID())
	require.True(t, ok)
	assert.Same(t, first, got)

	list := r.list()
	require.Len(t, list, 2)
	assert.Same(t, second, list[0])

	found, removed := r.remove(first.ID())
	assert.True(t, found)
	assert.False(t, removed, "a batch that never ran is not removable")

	_, err = first.Run(context.Background(), nil)
	require.NoError(t, err)
	found, removed = r.remove(first.ID())
	assert.True(t, found)
	assert.True(t, removed)

	found, _ = r.remove(first.ID())
	assert.False(t, found)
}

// slowStore delays every write, giving up early only if ctx ends.
type slowStore struct {
	*disk.Store
	delay time.Duration
}

func (s slowStore) Write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, &storage.WriteError{Key: obj.Key, Err: ctx.Err()}
	}
	return s.Store.Write(ctx, obj, progress)
}

func slow(d time.Duration) func(*disk.Store) storage.Client {
	return func(st *disk.Store) storage.Client { return slowStore{Store: st, delay: d} }
}

func TestStop_LetsWritesInFlightFinish(t *testing.T) {
	env := newTestEnvWith(t, slow(300*time.Millisecond))

	created := env.submit(t, map[string]string{"a.txt": "alpha"})
	env.waitState(t, created.ID, upload.StateUploading)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))

	b, ok := env.srv.batches.get(created.ID)
	require.True(t, ok)
	<-b.Done()
	res, err := b.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, "alpha", readStored(t, env.store, "a.txt"))
}

func TestStop_GracePeriodExpiryCancelsWrites(t *testing.T) {
	env := newTestEnvWith(t, slow(10*time.Second))

	created := env.submit(t, map[string]string{"a.txt": "alpha"})
	env.waitState(t, created.ID, upload.StateUploading)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = env.srv.Stop(ctx)

	b, ok := env.srv.batches.get(created.ID)
	require.True(t, ok)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch kept running after the grace period")
	}
	res, err := b.Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.Failed)
}

func TestStop_RejectsNewBatches(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))

	body, ct := multipartBody(t, map[string]string{"a.txt": "a"}, nil)
	w := env.do(t, http.MethodPost, "/v1/batches", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrCodeUnavailable, apiErr.ErrorCode)
}
