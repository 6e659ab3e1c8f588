package retrycheckpoint

import (
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
)

// Dirty reports whether a target's inputs have changed since the
// checkpoint was taken, per the dependency analyzer's current dirty
// set. A target the analyzer has no opinion on (never seen before)
// should be reported dirty, since there's nothing to carry over.
type Dirty func(graph.TargetId) bool

// Summary reports what a resume decided, so the caller can log the
// estimated work saved.
type Summary struct {
	CarriedOver int
	Rebuilt     int
	Invalidated int // checkpoint existed but was stale, mismatched, or unusable
}

// Plan applies a checkpoint against a freshly-constructed Graph: any
// node marked Success/Cached at checkpoint time, whose output
// fingerprint is still present in the ContentStore and which dirty does
// not report as changed (a nil dirty reports nothing), is carried over by
// marking it Cached and propagating readiness to its dependents exactly
// as a live completion would. Everything else (inputs changed, failed
// at checkpoint time, graph shape changed, or digest mismatch) is left
// at the graph's freshly-constructed Pending/Ready state for a normal
// rebuild.
func Plan(cp Checkpoint, currentDigest fingerprint.Fingerprint, g *graph.Graph, store *cas.Store, dirty Dirty) Summary {
	if cp.GraphDigest != currentDigest {
		return Summary{Invalidated: len(cp.Nodes)}
	}

	var summary Summary
	for _, rec := range cp.Nodes {
		if rec.Status != graph.StatusSuccess && rec.Status != graph.StatusCached {
			continue
		}
		n, ok := g.ByID(rec.TargetID)
		if !ok {
			continue // target no longer exists in this graph
		}
		if !store.Has(rec.OutputFingerprint) {
			summary.Invalidated++
			continue
		}
		if dirty != nil && dirty(rec.TargetID) {
			summary.Rebuilt++
			continue
		}

		if !n.CompareAndSwapStatus(graph.StatusPending, graph.StatusCached) &&
			!n.CompareAndSwapStatus(graph.StatusReady, graph.StatusCached) {
			continue
		}
		summary.CarriedOver++

		for _, dep := range n.Dependents() {
			if dep.DecrementPendingDeps() == 0 {
				dep.CompareAndSwapStatus(graph.StatusPending, graph.StatusReady)
			}
		}
	}
	return summary
}
