// Package providers creates the configured storage backend.
package providers

import (
	"context"
	"fmt"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/http"
	"github.com/rescale/safedrop/internal/storage"
	"github.com/rescale/safedrop/internal/storage/azure"
	"github.com/rescale/safedrop/internal/storage/disk"
	"github.com/rescale/safedrop/internal/storage/s3"
)

// New creates a storage.Client for cfg.Storage.Backend.
// Cloud backends share one proxy-aware HTTP client built from cfg.Proxy.
func New(ctx context.Context, cfg *config.Config) (storage.Client, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		httpClient, err := http.CreateOptimizedClient(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		return s3.New(ctx, cfg.S3, cfg.Storage.Prefix, httpClient)

	case config.BackendAzure:
		httpClient, err := http.CreateOptimizedClient(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		return azure.New(cfg.Azure, cfg.Storage.Prefix, httpClient)

	case config.BackendLocal:
		return disk.New(cfg.Local.Root, cfg.Storage.Prefix)

	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}
}

// Compile-time interface verification
var (
	_ storage.Client = (*s3.Client)(nil)
	_ storage.Client = (*azure.Client)(nil)
	_ storage.Client = (*disk.Store)(nil)
)
