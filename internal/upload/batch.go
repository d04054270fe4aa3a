// Package upload runs conflict-safe batch uploads: probe which names already
// exist, ask which of those to overwrite, then write the accepted files
// concurrently while tracking per-file progress.
package upload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/events"
	"github.com/rescale/safedrop/internal/logging"
	"github.com/rescale/safedrop/internal/ratelimit"
	"github.com/rescale/safedrop/internal/storage"
)

// AbandonPolicy decides what happens when a conflict decision never arrives.
type AbandonPolicy int

const (
	// AbandonDeclineAll skips every conflicting name and still writes new ones.
	AbandonDeclineAll AbandonPolicy = iota
	// AbandonAbort skips every file and fails the batch with ErrBatchAborted.
	AbandonAbort
)

// Resolver picks which conflicting names to overwrite. It runs in its own
// goroutine and should return promptly once ctx is done.
type Resolver interface {
	Resolve(ctx context.Context, conflicts []string) ([]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, conflicts []string) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, conflicts []string) ([]string, error) {
	return f(ctx, conflicts)
}

// Options configures an Uploader. Zero values take package defaults.
type Options struct {
	ProbeConcurrency int
	WriteConcurrency int
	ProbeLimiter     *ratelimit.RateLimiter
	OnAbandon        AbandonPolicy
	Events           *events.EventBus
	Logger           *logging.Logger
	Now              func() time.Time
}

// Result summarizes a finished batch. Name lists count every occurrence
// and keep batch order.
type Result struct {
	BatchID   string        `json:"batch_id" yaml:"batch_id"`
	Succeeded []string      `json:"succeeded" yaml:"succeeded"`
	Failed    []string      `json:"failed" yaml:"failed"`
	Skipped   []string      `json:"skipped" yaml:"skipped"`
	Files     []Entry       `json:"files" yaml:"files"`
	Abandoned bool          `json:"abandoned" yaml:"abandoned"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Uploader creates and runs batches against one storage client.
type Uploader struct {
	client storage.Client
	opts   Options
	log    *logging.Logger
}

// NewUploader returns an Uploader writing to client.
func NewUploader(client storage.Client, opts Options) *Uploader {
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = constants.DefaultProbeConcurrency
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = constants.DefaultWriteConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Uploader{client: client, opts: opts, log: log}
}

// Client returns the storage client batches write to.
func (u *Uploader) Client() storage.Client { return u.client }

// Submit creates a batch from files and runs it to completion.
func (u *Uploader) Submit(ctx context.Context, files []FileItem, resolver Resolver) (*Result, error) {
	b, err := u.NewBatch(files)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx, resolver)
}

// NewBatch validates files and returns a batch in the Created state.
func (u *Uploader) NewBatch(files []FileItem) (*Batch, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, f := range files {
		if f.Name == "" {
			return nil, fmt.Errorf("file %d: %w", i, ErrEmptyName)
		}
		if f.Source == nil {
			return nil, fmt.Errorf("file %q: %w", f.Name, ErrNoSource)
		}
	}

	id := uuid.NewString()
	b := &Batch{
		id:       id,
		files:    append([]FileItem(nil), files...),
		uploader: u,
		log:      u.log.Child(map[string]string{"batch": id}),
		done:     make(chan struct{}),
		created:  u.opts.Now(),
	}
	b.tracker = NewTracker(id, b.files, u.opts.Events)
	return b, nil
}

// Batch is one ordered set of files uploaded together. It runs once.
type Batch struct {
	id       string
	files    []FileItem
	uploader *Uploader
	tracker  *Tracker
	log      *logging.Logger
	created  time.Time

	started atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	state   BatchState
	gate    *Gate
	abandon error // set by Abandon; applied to a gate opened later
	result  *Result
	err     error
}

// ID returns the batch's UUID.
func (b *Batch) ID() string { return b.id }

// CreatedAt returns when the batch was created.
func (b *Batch) CreatedAt() time.Time { return b.created }

// Files returns the submitted files in order.
func (b *Batch) Files() []FileItem { return append([]FileItem(nil), b.files...) }

// Tracker returns the batch's progress tracker.
func (b *Batch) Tracker() *Tracker { return b.tracker }

// State returns the current lifecycle state.
func (b *Batch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Gate returns the conflict gate, or nil if the batch never had conflicts
// or has not finished probing yet.
func (b *Batch) Gate() *Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gate
}

// Abandon gives up on the conflict decision without cancelling the batch:
// a pending gate is abandoned now, and one opened later is abandoned at once.
// The batch then follows its AbandonPolicy; accepted writes keep running.
// A nil cause means ErrDecisionAbandoned.
func (b *Batch) Abandon(cause error) {
	if cause == nil {
		cause = ErrDecisionAbandoned
	}
	b.mu.Lock()
	if b.abandon == nil {
		b.abandon = cause
	}
	g := b.gate
	b.mu.Unlock()
	if g != nil {
		g.abandon(cause)
	}
}

// Done is closed when Run returns.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Result returns what Run returned. Both are nil until Done is closed.
func (b *Batch) Result() (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.err
}

func (b *Batch) setState(s BatchState) {
	b.mu.Lock()
	old := b.state
	b.state = s
	b.mu.Unlock()

	b.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Batch state changed")
	b.uploader.opts.Events.PublishBatchState(b.id, old.String(), s.String(), len(b.files))
}

// Run probes, waits for a conflict decision if needed, and writes the
// accepted files. resolver may be nil, in which case the gate must be
// resolved through Gate().
//
// Per-file failures are reported in the Result, not as an error. A probe
// failure returns a nil Result and the *storage.ProbeError.
func (b *Batch) Run(ctx context.Context, resolver Resolver) (*Result, error) {
	if !b.started.CompareAndSwap(false, true) {
		return nil, ErrBatchStarted
	}
	defer close(b.done)

	res, err := b.run(ctx, resolver)

	b.mu.Lock()
	b.result, b.err = res, err
	b.mu.Unlock()

	b.publishComplete(res, err)
	return res, err
}

func (b *Batch) run(ctx context.Context, resolver Resolver) (*Result, error) {
	start := time.Now()
	opts := b.uploader.opts

	b.setState(StateProbing)
	b.log.Info().Int("files", len(b.files)).Str("backend", b.uploader.client.Kind()).Msg("Checking for existing files")

	names := make([]string, len(b.files))
	for i, f := range b.files {
		names[i] = f.Name
	}

	part, err := Probe(ctx, b.uploader.client, names, ProbeOptions{
		Concurrency: opts.ProbeConcurrency,
		Limiter:     opts.ProbeLimiter,
	})
	if err != nil {
		b.log.Error().Err(err).Str("error_type", storage.ClassifyError(err).String()).Msg("Existence check failed")
		for i := range b.files {
			b.tracker.Fail(i, err)
		}
		b.setState(StateCompleted)
		return nil, err
	}

	var decision Decision
	abandoned := false
	writeCtx := ctx

	if len(part.Existing) == 0 {
		b.setState(StateNoConflicts)
	} else {
		decision, abandoned = b.awaitDecision(ctx, part.Existing, resolver)
		if abandoned && ctx.Err() != nil {
			writeCtx = context.WithoutCancel(ctx)
		}
	}

	conflicting := make(map[string]struct{}, len(part.Existing))
	for _, n := range part.Existing {
		conflicting[n] = struct{}{}
	}

	var accepted []int
	for i, f := range b.files {
		if _, ok := conflicting[f.Name]; ok && !decision.Overwrites(f.Name) {
			b.tracker.SetStatus(i, StatusSkipped)
			continue
		}
		accepted = append(accepted, i)
	}

	if abandoned && opts.OnAbandon == AbandonAbort {
		for _, i := range accepted {
			b.tracker.SetStatus(i, StatusSkipped)
		}
		b.setState(StateCompleted)
		b.log.Warn().Msg("Conflict decision abandoned; batch aborted")
		return b.buildResult(true, time.Since(start)), ErrBatchAborted
	}

	b.setState(StateUploading)
	b.log.Info().Int("accepted", len(accepted)).Int("skipped", len(b.files)-len(accepted)).Msg("Uploading files")

	var g errgroup.Group
	g.SetLimit(opts.WriteConcurrency)
	for _, i := range accepted {
		g.Go(func() error {
			b.write(writeCtx, i)
			return nil
		})
	}
	_ = g.Wait()

	b.setState(StateCompleted)
	return b.buildResult(abandoned, time.Since(start)), nil
}

// awaitDecision opens the gate and blocks until it resolves or ctx ends.
func (b *Batch) awaitDecision(ctx context.Context, conflicts []string, resolver Resolver) (Decision, bool) {
	gate := newGate(conflicts)

	b.mu.Lock()
	b.gate = gate
	pending := b.abandon
	b.mu.Unlock()
	if pending != nil {
		gate.abandon(pending)
	}
	b.setState(StateAwaitingDecision)

	b.log.Info().Strs("conflicts", conflicts).Msg("Files already exist; waiting for decision")
	b.uploader.opts.Events.Publish(&events.ConflictEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventConflictPending, Time: time.Now(), BatchID: b.id},
		Conflicts: gate.Conflicts(),
	})

	if resolver != nil && !gate.Resolved() {
		go func() {
			names, err := resolver.Resolve(ctx, gate.Conflicts())
			if err != nil {
				gate.abandon(fmt.Errorf("%w: %w", ErrResolverFailed, err))
				return
			}
			gate.Accept(names)
		}()
	}

	if _, err := gate.wait(ctx); err != nil {
		gate.abandon(err)
	}

	// Whichever resolution won, the gate now holds it.
	decision, abandoned, _ := gate.Decision()
	if abandoned {
		b.log.Warn().AnErr("cause", gate.cause).Msg("Conflict decision abandoned; declining all conflicts")
		b.uploader.opts.Events.PublishLog(b.id, events.WarnLevel, "conflict decision abandoned", gate.cause)
	} else {
		b.log.Info().Strs("overwrite", decision.Names()).Msg("Conflict decision received")
	}

	b.uploader.opts.Events.Publish(&events.ConflictEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventConflictResolved, Time: time.Now(), BatchID: b.id},
		Conflicts: gate.Conflicts(),
		Overwrite: decision.Names(),
		Abandoned: abandoned,
	})
	return decision, abandoned
}

// write uploads file i. Every path leaves the entry terminal.
func (b *Batch) write(ctx context.Context, i int) {
	f := b.files[i]
	log := b.log.With().Str("file", f.Name).Int("index", i).Logger()

	if err := ctx.Err(); err != nil {
		b.tracker.Fail(i, &storage.WriteError{Key: f.Name, Err: err})
		return
	}
	b.tracker.SetStatus(i, StatusUploading)

	body, err := f.Source.Open()
	if err != nil {
		b.fail(i, &storage.WriteError{Key: f.Name, Err: err})
		return
	}
	defer body.Close()

	obj := storage.Object{
		Key:         f.Name,
		Body:        body,
		Size:        f.Size,
		ContentType: f.ContentType,
		Metadata:    b.metadata(f),
	}

	res, err := b.uploader.client.Write(ctx, obj, func(percent int) {
		b.tracker.SetProgress(i, percent)
	})
	if err != nil {
		var we *storage.WriteError
		if !errors.As(err, &we) {
			err = &storage.WriteError{Key: f.Name, Err: err}
		}
		b.fail(i, err)
		return
	}

	b.tracker.SetStatus(i, StatusSuccess)
	ev := log.Debug().Int64("size", f.Size)
	if res != nil && res.ETag != "" {
		ev = ev.Str("etag", res.ETag)
	}
	ev.Msg("File uploaded")
}

func (b *Batch) fail(i int, err error) {
	b.tracker.Fail(i, err)
	b.log.Warn().
		Str("file", b.files[i].Name).
		Str("status", StatusError.String()).
		Str("error_type", storage.ClassifyError(err).String()).
		Err(err).
		Msg("File upload failed")
	b.uploader.opts.Events.PublishLog(b.id, events.WarnLevel, "upload failed: "+b.files[i].Name, err)
}

// metadata merges caller metadata with the engine-owned keys.
func (b *Batch) metadata(f FileItem) map[string]string {
	md := make(map[string]string, len(f.Metadata)+2)
	maps.Copy(md, f.Metadata)
	md[constants.MetadataOriginalName] = f.Name
	md[constants.MetadataUploadedAt] = b.uploader.opts.Now().UTC().Format(time.RFC3339)
	return md
}

func (b *Batch) buildResult(abandoned bool, d time.Duration) *Result {
	res := &Result{
		BatchID:   b.id,
		Succeeded: []string{},
		Failed:    []string{},
		Skipped:   []string{},
		Files:     b.tracker.Snapshot(),
		Abandoned: abandoned,
		Duration:  d,
	}
	for _, e := range res.Files {
		switch e.Status {
		case StatusSuccess:
			res.Succeeded = append(res.Succeeded, e.Name)
		case StatusError:
			res.Failed = append(res.Failed, e.Name)
		case StatusSkipped:
			res.Skipped = append(res.Skipped, e.Name)
		}
	}
	return res
}

func (b *Batch) publishComplete(res *Result, err error) {
	ev := &events.BatchCompleteEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventBatchComplete, Time: time.Now(), BatchID: b.id},
	}
	if res != nil {
		ev.Succeeded = len(res.Succeeded)
		ev.Failed = len(res.Failed)
		ev.Skipped = len(res.Skipped)
		ev.Duration = res.Duration
	} else {
		ev.Failed = len(b.files)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	b.uploader.opts.Events.Publish(ev)
}
