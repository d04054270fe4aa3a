// Package server exposes the batch upload engine over HTTP. Conflicts are
// resolved by a separate request, so batches run without a resolver and
// wait on their gate until a client decides.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/events"
	"github.com/rescale/safedrop/internal/logging"
	"github.com/rescale/safedrop/internal/ratelimit"
	"github.com/rescale/safedrop/internal/storage"
	"github.com/rescale/safedrop/internal/upload"
)

var errShuttingDown = errors.New("server is shutting down")

// Server serves the batch API for one storage backend.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	bus      *events.EventBus
	uploader *upload.Uploader
	batches  *registry

	// batchCtx outlives individual requests. It is cancelled only when the
	// shutdown grace period runs out, which fails writes still in flight.
	batchCtx    context.Context
	cancelBatch context.CancelFunc
	closing     atomic.Bool

	server *http.Server
}

// New wires a server around client.
func New(cfg *config.Config, client storage.Client, log *logging.Logger) *Server {
	bus := events.NewEventBus(constants.EventBusMaxBuffer)

	opts := upload.Options{
		ProbeConcurrency: cfg.Upload.ProbeConcurrency,
		WriteConcurrency: cfg.Upload.MaxConcurrent,
		ProbeLimiter:     ratelimit.NewProbeRateLimiter(cfg.Upload.ProbeRatePerSec, cfg.Upload.ProbeBurst),
		Events:           bus,
		Logger:           log,
	}
	if cfg.Upload.OnAbandon == config.OnAbandonAbort {
		opts.OnAbandon = upload.AbandonAbort
	}

	batchCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		uploader:    upload.NewUploader(client, opts),
		batches:     newRegistry(),
		batchCtx:    batchCtx,
		cancelBatch: cancel,
	}
	s.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return setupRoutes(s)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", s.uploader.Client().Kind()).
		Msg("safedrop server start")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancelBatch()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop abandons pending decisions, lets accepted writes finish until ctx
// expires, then cancels what is left, ends event streams and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	defer s.log.Info().Msg("safedrop server stop")

	s.closing.Store(true)
	for _, b := range s.batches.list() {
		b.Abandon(errShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		s.batches.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("Shutdown grace period expired; cancelling uploads in flight")
	}
	s.cancelBatch()

	// Closing the bus ends open event streams so Shutdown can drain.
	s.bus.Close()
	return s.server.Shutdown(ctx)
}

// submit registers and starts a batch in the background.
func (s *Server) submit(files []upload.FileItem) (*upload.Batch, error) {
	if s.closing.Load() {
		return nil, errShuttingDown
	}
	b, err := s.uploader.NewBatch(files)
	if err != nil {
		return nil, err
	}
	s.batches.add(b)
	if s.closing.Load() {
		b.Abandon(errShuttingDown)
	}
	s.batches.running.Add(1)
	go func() {
		defer s.batches.running.Done()
		if _, err := b.Run(s.batchCtx, nil); err != nil {
			s.log.Warn().Err(err).Str("batch", b.ID()).Msg("Batch finished with error")
		}
	}()
	return b, nil
}
