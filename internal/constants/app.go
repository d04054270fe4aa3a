package constants

import (
	"time"
)

// Upload concurrency
const (
	// DefaultProbeConcurrency - existence checks issued in parallel per batch (16)
	// HEAD requests are cheap, so this is higher than the write limit
	DefaultProbeConcurrency = 16

	// DefaultWriteConcurrency - object writes issued in parallel per batch (4)
	DefaultWriteConcurrency = 4

	// MinMaxConcurrent - lower bound accepted for --max-concurrent
	MinMaxConcurrent = 1

	// MaxMaxConcurrent - upper bound accepted for --max-concurrent
	MaxMaxConcurrent = 32

	// MaxProbeConcurrency - upper bound accepted for --probe-concurrency
	MaxProbeConcurrency = 128
)

// Probe rate limiting
const (
	// DefaultProbeRatePerSec - sustained HEAD requests per second (50)
	// S3 allows ~5,500 GET/HEAD per prefix per second; Azure ~20,000 per account.
	// 50/sec keeps a single CLI well clear of both.
	DefaultProbeRatePerSec = 50.0

	// DefaultProbeBurst - tokens available at start of a batch (100)
	DefaultProbeBurst = 100.0
)

// HTTP transport
const (
	// HTTPDialTimeout - TCP connect timeout (30s)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - TCP keep-alive period (30s)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPIdleConnTimeout - how long idle pooled connections are kept (90s)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - extended for slow networks and high concurrency (30s)
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for 100-continue before sending body (1s)
	HTTPExpectContinueTimeout = 1 * time.Second
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	// 1000 events is generous for typical event throughput
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressUpdateInterval - minimum interval between bar redraws for one file (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond

	// ProgressRefreshRate - mpb container refresh rate (~3 times per second)
	ProgressRefreshRate = 300 * time.Millisecond
)

// HTTP API
const (
	// DefaultServerAddr - listen address for 'safedrop serve'
	DefaultServerAddr = "127.0.0.1:8740"

	// DefaultMaxUploadBytes - cap on a single multipart batch held in memory (512 MiB)
	DefaultMaxUploadBytes = 512 * 1024 * 1024

	// ServerShutdownTimeout - grace period for in-flight requests on shutdown (15s)
	ServerShutdownTimeout = 15 * time.Second

	// EventStreamKeepAlive - SSE comment ping interval (15s)
	EventStreamKeepAlive = 15 * time.Second
)

// Write-time metadata keys recorded on every object
const (
	MetadataOriginalName = "originalname"
	MetadataUploadedAt   = "uploadedat"
)
