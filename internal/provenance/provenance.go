// Package provenance accumulates the ordered list of actions taken
// during a job: one entry per container launched. It is append-only
// and serves consistent snapshots to the callback endpoint.
package provenance

import (
	"sync"

	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/metrics"
)

// Aggregator is the sole writer of the provenance list; the supervisor
// owns the only instance per process.
type Aggregator struct {
	mu      sync.Mutex
	actions []jobmodel.ProvenanceAction
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Append records one more provenance action.
func (a *Aggregator) Append(action jobmodel.ProvenanceAction) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
	metrics.ProvenanceActions.Inc()
}

// Snapshot returns a copy of the actions recorded so far. The copy
// guarantees the caller never observes a torn or concurrently-mutated
// slice, matching the spec's "snapshots are never torn" invariant.
func (a *Aggregator) Snapshot() []jobmodel.ProvenanceAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]jobmodel.ProvenanceAction, len(a.actions))
	copy(out, a.actions)
	return out
}

// Len reports the number of actions recorded so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.actions)
}
