package upload

import "errors"

// Validation and protocol errors
var (
	ErrEmptyBatch   = errors.New("batch contains no files")
	ErrEmptyName    = errors.New("file name is empty")
	ErrNoSource     = errors.New("file has no source")
	ErrBatchStarted = errors.New("batch already started")
	ErrGateConsumed = errors.New("conflict gate already awaited")

	// ErrBatchAborted is returned by Run when the conflict decision was
	// abandoned under AbandonAbort; no write was started.
	ErrBatchAborted = errors.New("batch aborted: conflict decision abandoned")

	// ErrDecisionAbandoned is the default cause passed by Batch.Abandon.
	ErrDecisionAbandoned = errors.New("conflict decision abandoned")

	// ErrResolverFailed marks a gate abandoned because the resolver errored.
	ErrResolverFailed = errors.New("conflict resolver failed")
)
