package upload

import (
	"context"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// Decision is the set of conflicting names the user chose to overwrite.
// The zero value declines everything.
type Decision struct {
	overwrite mapset.Set[string]
	names     []string
}

func newDecision(conflicts []string, accepted mapset.Set[string]) Decision {
	d := Decision{overwrite: mapset.NewThreadUnsafeSet[string]()}
	for _, name := range conflicts {
		if accepted.Contains(name) {
			d.overwrite.Add(name)
			d.names = append(d.names, name)
		}
	}
	return d
}

// Overwrites reports whether name was accepted for overwrite.
func (d Decision) Overwrites(name string) bool {
	return d.overwrite != nil && d.overwrite.Contains(name)
}

// Names returns the accepted names in conflict order.
func (d Decision) Names() []string {
	return append([]string(nil), d.names...)
}

// Len is the number of accepted names.
func (d Decision) Len() int { return len(d.names) }

// Gate is a single-shot rendezvous between the orchestrator and whoever
// decides which conflicting names to overwrite. The first of Accept,
// Cancel or abandonment wins; later calls are no-ops.
type Gate struct {
	conflicts []string
	known     mapset.Set[string]

	once      sync.Once
	done      chan struct{}
	decision  Decision
	abandoned bool
	cause     error

	awaited atomic.Bool
}

func newGate(conflicts []string) *Gate {
	return &Gate{
		conflicts: conflicts,
		known:     mapset.NewSet(conflicts...),
		done:      make(chan struct{}),
	}
}

// Conflicts returns the distinct names that already exist in storage,
// in first-occurrence order.
func (g *Gate) Conflicts() []string {
	return append([]string(nil), g.conflicts...)
}

// Accept resolves the gate with the names to overwrite. Names that are not
// conflicts are ignored. It returns false if the gate was already resolved.
func (g *Gate) Accept(names []string) bool {
	accepted := g.known.Intersect(mapset.NewSet(names...))
	return g.resolve(newDecision(g.conflicts, accepted), false, nil)
}

// Cancel resolves the gate declining every conflict.
func (g *Gate) Cancel() bool {
	return g.Accept(nil)
}

// abandon resolves the gate with no decision. cause is recorded for logging.
func (g *Gate) abandon(cause error) bool {
	return g.resolve(Decision{}, true, cause)
}

func (g *Gate) resolve(d Decision, abandoned bool, cause error) bool {
	won := false
	g.once.Do(func() {
		g.decision = d
		g.abandoned = abandoned
		g.cause = cause
		won = true
		close(g.done)
	})
	return won
}

// Done is closed once the gate is resolved.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Resolved reports whether a decision has been made.
func (g *Gate) Resolved() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Decision returns the outcome once resolved. abandoned is true when no one
// answered before the batch gave up waiting.
func (g *Gate) Decision() (d Decision, abandoned bool, ok bool) {
	if !g.Resolved() {
		return Decision{}, false, false
	}
	return g.decision, g.abandoned, true
}

// wait blocks until the gate resolves or ctx ends. Only the first call may
// wait; later calls get ErrGateConsumed.
func (g *Gate) wait(ctx context.Context) (Decision, error) {
	if !g.awaited.CompareAndSwap(false, true) {
		return Decision{}, ErrGateConsumed
	}
	select {
	case <-g.done:
		return g.decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
