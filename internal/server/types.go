package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rescale/safedrop/internal/upload"
)

const (
	ErrCodeBadRequest    = "ERR_BAD_REQUEST"
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeConflict      = "ERR_CONFLICT"
	ErrCodeTooLarge      = "ERR_TOO_LARGE"
	ErrCodeUnavailable   = "ERR_UNAVAILABLE"
	ErrCodeNoPendingGate = "ERR_NO_PENDING_DECISION"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, APIError{ErrorCode: code, Error: err.Error()})
}

// BatchResponse describes one batch.
type BatchResponse struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	Conflicts []string       `json:"conflicts,omitempty"` // set while a decision is pending
	Files     []upload.Entry `json:"files"`
	Result    *upload.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BatchListResponse is returned by GET /v1/batches.
type BatchListResponse struct {
	Batches []BatchResponse `json:"batches"`
}

// DecisionRequest is the body of POST /v1/batches/:id/decision.
type DecisionRequest struct {
	Overwrite []string `json:"overwrite"`
}

func describe(b *upload.Batch) BatchResponse {
	resp := BatchResponse{
		ID:        b.ID(),
		State:     b.State().String(),
		CreatedAt: b.CreatedAt(),
		Files:     b.Tracker().Snapshot(),
	}
	if g := b.Gate(); g != nil && !g.Resolved() {
		resp.Conflicts = g.Conflicts()
	}
	select {
	case <-b.Done():
		res, err := b.Result()
		resp.Result = res
		if err != nil {
			resp.Error = err.Error()
		}
	default:
	}
	return resp
}
