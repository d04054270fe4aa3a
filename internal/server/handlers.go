package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/events"
	"github.com/rescale/safedrop/internal/upload"
)

var (
	errBatchNotFound = errors.New("batch not found")
	errNoFiles       = errors.New("multipart field 'files' is empty")
	errNoPending     = errors.New("batch has no pending conflict decision")
	errStillRunning  = errors.New("batch is still running")
)

func (s *Server) lookup(c *gin.Context) (*upload.Batch, bool) {
	b, ok := s.batches.get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, errBatchNotFound)
	}
	return b, ok
}

// createBatch accepts multipart files and starts a batch.
// POST /v1/batches
func (s *Server) createBatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err)
			return
		}
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errNoFiles)
		return
	}

	files := make([]upload.FileItem, 0, len(headers))
	for _, fh := range headers {
		item, err := readPart(fh)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
			return
		}
		files = append(files, item)
	}

	b, err := s.submit(files)
	if errors.Is(err, errShuttingDown) {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err)
		return
	}
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	c.Header("Location", "/v1/batches/"+b.ID())
	c.PureJSON(http.StatusAccepted, describe(b))
}

// readPart buffers one uploaded part. The request size is already bounded.
func readPart(fh *multipart.FileHeader) (upload.FileItem, error) {
	f, err := fh.Open()
	if err != nil {
		return upload.FileItem{}, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return upload.FileItem{}, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "application/octet-stream" {
		ct = ""
	}
	return upload.FileFromBytes(fh.Filename, data, ct), nil
}

// GET /v1/batches
func (s *Server) listBatches(c *gin.Context) {
	resp := BatchListResponse{Batches: []BatchResponse{}}
	for _, b := range s.batches.list() {
		resp.Batches = append(resp.Batches, describe(b))
	}
	c.PureJSON(http.StatusOK, resp)
}

// GET /v1/batches/:id
func (s *Server) getBatch(c *gin.Context) {
	b, ok := s.lookup(c)
	if !ok {
		return
	}
	c.PureJSON(http.StatusOK, describe(b))
}

// DELETE /v1/batches/:id
func (s *Server) deleteBatch(c *gin.Context) {
	found, removed := s.batches.remove(c.Param("id"))
	switch {
	case !found:
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, errBatchNotFound)
	case !removed:
		abortWithError(c, http.StatusConflict, ErrCodeConflict, errStillRunning)
	default:
		c.Status(http.StatusNoContent)
	}
}

// decide resolves the pending gate with the names to overwrite.
// POST /v1/batches/:id/decision
func (s *Server) decide(c *gin.Context) {
	b, ok := s.lookup(c)
	if !ok {
		return
	}

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	g := b.Gate()
	if g == nil || !g.Accept(req.Overwrite) {
		abortWithError(c, http.StatusConflict, ErrCodeNoPendingGate, errNoPending)
		return
	}
	c.PureJSON(http.StatusOK, describe(b))
}

// cancelDecision declines every conflict; new files are still written.
// POST /v1/batches/:id/cancel
func (s *Server) cancelDecision(c *gin.Context) {
	b, ok := s.lookup(c)
	if !ok {
		return
	}

	g := b.Gate()
	if g == nil || !g.Cancel() {
		abortWithError(c, http.StatusConflict, ErrCodeNoPendingGate, errNoPending)
		return
	}
	c.PureJSON(http.StatusOK, describe(b))
}

// streamEvents relays the batch's events as Server-Sent Events until the
// batch completes or the client goes away.
// GET /v1/batches/:id/events
func (s *Server) streamEvents(c *gin.Context) {
	b, ok := s.lookup(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch := s.bus.SubscribeAll()
	defer s.bus.UnsubscribeAll(ch)

	// Subscribed before checking Done, so completion is never missed.
	select {
	case <-b.Done():
		c.SSEvent(string(events.EventBatchComplete), describe(b))
		return
	default:
	}

	c.SSEvent("snapshot", describe(b))
	c.Writer.Flush()

	keepAlive := time.NewTicker(constants.EventStreamKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Batch() != b.ID() {
				return true
			}
			if ev.Type() == events.EventBatchComplete {
				<-b.Done()
				c.SSEvent(string(ev.Type()), describe(b))
				return false
			}
			c.SSEvent(string(ev.Type()), ev)
			return true
		}
	})
}
