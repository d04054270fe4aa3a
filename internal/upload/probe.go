package upload

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/safedrop/internal/constants"
	"github.com/rescale/safedrop/internal/ratelimit"
	"github.com/rescale/safedrop/internal/storage"
)

// Partition splits probed names by whether they already exist.
// Both lists keep the order the names were given in.
type Partition struct {
	Existing []string `json:"existing" yaml:"existing"`
	New      []string `json:"new" yaml:"new"`
}

// ProbeOptions bounds the existence checks.
type ProbeOptions struct {
	// Concurrency caps in-flight checks; <= 0 uses DefaultProbeConcurrency.
	Concurrency int
	// Limiter paces checks; nil means unpaced.
	Limiter *ratelimit.RateLimiter
}

// Probe checks every distinct name against client and partitions them.
// The first failing check cancels the rest and is returned as a
// *storage.ProbeError; no partial partition is returned.
func Probe(ctx context.Context, client storage.Client, names []string, opts ProbeOptions) (Partition, error) {
	distinct := distinctNames(names)
	if len(distinct) == 0 {
		return Partition{}, nil
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = constants.DefaultProbeConcurrency
	}

	exists := make([]bool, len(distinct))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, name := range distinct {
		g.Go(func() error {
			if opts.Limiter != nil {
				if err := opts.Limiter.Wait(gctx); err != nil {
					return &storage.ProbeError{Key: name, Err: err}
				}
			}
			if err := gctx.Err(); err != nil {
				return &storage.ProbeError{Key: name, Err: err}
			}

			found, err := client.Exists(gctx, name)
			if err != nil {
				var pe *storage.ProbeError
				if errors.As(err, &pe) {
					return err
				}
				return &storage.ProbeError{Key: name, Err: err}
			}
			exists[i] = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Partition{}, err
	}

	var p Partition
	for i, name := range distinct {
		if exists[i] {
			p.Existing = append(p.Existing, name)
		} else {
			p.New = append(p.New, name)
		}
	}
	return p, nil
}

func distinctNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
