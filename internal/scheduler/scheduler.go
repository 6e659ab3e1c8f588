// Package scheduler dispatches BuildGraph nodes to workers, driving each
// BuildNode's lifecycle (Pending → Ready → Building → Success/Cached/
// Failed) with atomic CAS transitions so duplicate enqueues are
// harmless. Modeled on distr1-distri's internal/batch.scheduler — a
// channel-fed worker pool coordinated with errgroup, status refreshed on
// a ticker, failures cascaded to dependents via markFailed — generalized
// from a fixed one-shot package batch into a graph that can also grow
// mid-run via discovery, and from "log failures" into cascading
// forgeerr-typed, retry-aware failures.
package scheduler

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/events"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
)

// ExecutionResult is what running one BuildNode's action produced.
type ExecutionResult struct {
	Cached            bool
	OutputFingerprint fingerprint.Fingerprint
	NewTargets        []graph.Target
	NewEdges          map[graph.TargetId][]graph.TargetId
}

// ExecuteFunc runs one BuildNode's action to completion (or failure).
// Implementations are expected to respect ctx cancellation.
type ExecuteFunc func(ctx context.Context, node *graph.BuildNode) (ExecutionResult, error)

// RetryPolicy decides whether a failed attempt should be retried, and
// how long to wait first. Implementations key this off forgeerr.Class:
// only Transient errors are ever retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int32) (retry bool, wait time.Duration)
}

// noRetry never retries; used when the caller supplies no policy.
type noRetry struct{}

func (noRetry) ShouldRetry(err error, attempt int32) (bool, time.Duration) { return false, 0 }

// CancelMode controls what happens to the rest of the build after a
// node fails fatally.
type CancelMode int

const (
	// CancelFirstFailure stops enqueuing new work as soon as any node
	// fails fatally, but waits for in-flight actions to finish.
	CancelFirstFailure CancelMode = iota
	// CancelKeepGoing continues dispatching independent work and only
	// cascades failure to the failed node's dependents.
	CancelKeepGoing
)

// largeBuildThreshold is the node count above which the scheduler
// disables the runtime GC for the build body and forces a collection at
// exit: large builds allocate far faster than they retain, and letting
// the collector run throughout wastes cycles on garbage that will be
// freed wholesale anyway.
const largeBuildThreshold = 2000

// Options configures a Scheduler run.
type Options struct {
	Workers     int
	CancelMode  CancelMode
	RetryPolicy RetryPolicy
	Bus         *events.Bus
	// CriticalPath, if non-nil, scores a node for tie-break ordering
	// among concurrently-ready nodes (higher runs first). Reordering
	// only; it never gates whether a node is eligible to run.
	CriticalPath func(n *graph.BuildNode) int
	// SampleInterval controls how often Statistics events carry a
	// ResourceSample. Zero disables periodic sampling.
	SampleInterval time.Duration
}

// Scheduler dispatches a Graph's nodes to Workers goroutines.
type Scheduler struct {
	g     *graph.Graph
	exec  ExecuteFunc
	opts  Options
	retry RetryPolicy
	bus   *events.Bus

	activeTasks int64
	failedTasks int64

	mu      sync.Mutex
	done    map[graph.TargetId]bool
	results map[graph.TargetId]error
}

// New constructs a Scheduler for g, dispatching each ready node to exec.
func New(g *graph.Graph, exec ExecuteFunc, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	retry := opts.RetryPolicy
	if retry == nil {
		retry = noRetry{}
	}
	return &Scheduler{
		g:       g,
		exec:    exec,
		opts:    opts,
		retry:   retry,
		bus:     opts.Bus,
		done:    make(map[graph.TargetId]bool),
		results: make(map[graph.TargetId]error),
	}
}

// Summary reports the terminal counts once Run has returned.
type Summary struct {
	Succeeded int
	Failed    int
	NotRun    int
}

// Run dispatches the graph to completion: ready-queue empty AND
// activeTasks == 0. It returns once every node has reached a terminal
// state or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	allNodes := s.g.All()
	if len(allNodes) > largeBuildThreshold {
		old := debug.SetGCPercent(-1)
		defer func() {
			debug.SetGCPercent(old)
			runtime.GC()
		}()
	}

	s.publish(events.Event{Kind: events.KindBuildStarted})

	// work is a blocking, closeable priority queue: workers park in pop()
	// until something is pushed (initial frontier, a retry, or a node
	// freshly unblocked by a completion or an Extend) or the queue is
	// closed once no more work can ever arrive. A one-shot "pop, then
	// close if empty" producer can't express this: a retry or a
	// discovery-driven push can legitimately arrive after the queue has
	// gone momentarily empty.
	work := newPriorityQueue(s.opts.CriticalPath)
	for _, n := range s.g.ReadyNodes() {
		work.push(n)
	}

	eg, ctx := errgroup.WithContext(ctx)
	results := make(chan nodeOutcome, s.opts.Workers*2)

	for i := 0; i < s.opts.Workers; i++ {
		eg.Go(func() error {
			return s.workerLoop(ctx, work, results)
		})
	}

	go func() {
		<-ctx.Done()
		work.close()
	}()

	if s.opts.SampleInterval > 0 {
		go s.sampleLoop(ctx, allNodes, s.opts.SampleInterval)
	}

	var fatal error
	remaining := len(allNodes)
	for remaining > 0 {
		select {
		case outcome := <-results:
			remaining--
			s.recordResult(outcome)
			if outcome.err != nil {
				if forgeerr.IsRetryable(outcome.err) {
					// attempt counts the retries already made for this
					// node: 0 on its first failure.
					attempt := outcome.node.IncrementRetryAttempts() - 1
					if retry, wait := s.retry.ShouldRetry(outcome.err, attempt); retry {
						if wait > 0 {
							time.Sleep(wait)
						}
						outcome.node.SetStatus(graph.StatusReady)
						remaining++
						work.push(outcome.node)
						continue
					}
				}
				outcome.node.SetStatus(graph.StatusFailed)
				outcome.node.SetLastError(outcome.err.Error())
				atomic.AddInt64(&s.failedTasks, 1)
				if fatal == nil {
					fatal = outcome.err
				}
				remaining -= s.cascadeFailure(outcome.node)
				if s.opts.CancelMode == CancelFirstFailure {
					remaining -= len(work.abandon())
				}
				continue
			}

			if outcome.result.Cached {
				outcome.node.SetStatus(graph.StatusCached)
			} else {
				outcome.node.SetStatus(graph.StatusSuccess)
			}

			if len(outcome.result.NewTargets) > 0 || len(outcome.result.NewEdges) > 0 {
				fresh, err := s.g.Extend(outcome.result.NewTargets, outcome.result.NewEdges)
				if err == nil {
					remaining += len(fresh)
					for _, n := range fresh {
						work.push(n)
					}
				}
			}

			for _, dependent := range outcome.node.Dependents() {
				if dependent.Status() != graph.StatusPending {
					continue
				}
				if dependent.DecrementPendingDeps() == 0 {
					if dependent.CompareAndSwapStatus(graph.StatusPending, graph.StatusReady) {
						work.push(dependent)
					}
				}
			}
			s.publish(events.Event{Kind: events.KindStatistics, Stats: s.snapshot(allNodes)})

		case <-ctx.Done():
			remaining = 0
		}
	}

	work.close()
	_ = eg.Wait()

	summary := s.finalSummary(allNodes)
	if summary.Failed > 0 {
		s.publish(events.Event{Kind: events.KindBuildFailed, Summary: &events.BuildSummary{
			Succeeded: summary.Succeeded, Failed: summary.Failed, NotRun: summary.NotRun,
		}})
	} else {
		s.publish(events.Event{Kind: events.KindBuildCompleted, Summary: &events.BuildSummary{
			Succeeded: summary.Succeeded,
		}})
	}

	return summary, fatal
}

type nodeOutcome struct {
	node   *graph.BuildNode
	result ExecutionResult
	err    error
}

func (s *Scheduler) workerLoop(ctx context.Context, work *priorityQueue, results chan<- nodeOutcome) error {
	for {
		n := work.pop()
		if n == nil {
			return nil // queue closed: no more work will ever arrive
		}
		if !n.CompareAndSwapStatus(graph.StatusReady, graph.StatusBuilding) {
			continue // another worker already claimed it (harmless duplicate)
		}
		atomic.AddInt64(&s.activeTasks, 1)
		s.publish(events.Event{Kind: events.KindTargetStarted, Target: &events.TargetPayload{TargetId: string(n.TargetID())}})

		result, err := s.exec(ctx, n)

		atomic.AddInt64(&s.activeTasks, -1)
		if err != nil {
			s.publish(events.Event{Kind: events.KindTargetFailed, Target: &events.TargetPayload{TargetId: string(n.TargetID()), Error: err.Error()}})
		} else if result.Cached {
			s.publish(events.Event{Kind: events.KindTargetCached, Target: &events.TargetPayload{TargetId: string(n.TargetID())}})
		} else {
			s.publish(events.Event{Kind: events.KindTargetCompleted, Target: &events.TargetPayload{TargetId: string(n.TargetID())}})
		}

		select {
		case results <- nodeOutcome{node: n, result: result, err: err}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Result returns the terminal error recorded for id, if any, and whether
// id has reached a terminal state at all.
func (s *Scheduler) Result(id graph.TargetId) (err error, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terminal = s.done[id]
	err = s.results[id]
	return err, terminal
}

func (s *Scheduler) recordResult(o nodeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[o.node.TargetID()] = true
	s.results[o.node.TargetID()] = o.err
}

// cascadeFailure marks every direct and transitive dependent of failed
// as Failed without executing their actions, mirroring batch.go's
// markFailed. Returns the number of nodes it marked, so the caller can
// adjust its remaining-work counter.
func (s *Scheduler) cascadeFailure(failed *graph.BuildNode) int {
	count := 0
	for _, dependent := range failed.Dependents() {
		if dependent.Status() == graph.StatusFailed {
			continue
		}
		dependent.SetStatus(graph.StatusFailed)
		dependent.SetLastError("dependency failed")
		s.mu.Lock()
		s.done[dependent.TargetID()] = true
		s.results[dependent.TargetID()] = forgeerr.New(forgeerr.KindBuild, forgeerr.ClassFatal, "Build/DependencyFailed", nil)
		s.mu.Unlock()
		atomic.AddInt64(&s.failedTasks, 1)
		s.publish(events.Event{Kind: events.KindTargetFailed, Target: &events.TargetPayload{
			TargetId: string(dependent.TargetID()),
			Error:    "dependency failed",
			Cause:    string(failed.TargetID()),
		}})
		count++
		count += s.cascadeFailure(dependent)
	}
	return count
}

func (s *Scheduler) finalSummary(all []*graph.BuildNode) Summary {
	var sum Summary
	for _, n := range all {
		switch n.Status() {
		case graph.StatusSuccess, graph.StatusCached:
			sum.Succeeded++
		case graph.StatusFailed:
			sum.Failed++
		default:
			sum.NotRun++
		}
	}
	return sum
}

func (s *Scheduler) snapshot(all []*graph.BuildNode) *events.StatisticsPayload {
	stats := &events.StatisticsPayload{}
	for _, n := range all {
		switch n.Status() {
		case graph.StatusPending, graph.StatusReady:
			stats.Pending++
		case graph.StatusBuilding:
			stats.Building++
		case graph.StatusSuccess:
			stats.Success++
		case graph.StatusCached:
			stats.Cached++
		case graph.StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// sampleLoop periodically publishes a Statistics event carrying a
// host-resource reading, independent of the per-completion Statistics
// events Run already emits.
func (s *Scheduler) sampleLoop(ctx context.Context, all []*graph.BuildNode, interval time.Duration) {
	sampler := &resourceSampler{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := s.snapshot(all)
			stats.Resource = sampler.sample()
			s.publish(events.Event{Kind: events.KindStatistics, Stats: stats})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

// priorityQueue orders ready nodes by an optional critical-path score
// (higher first), tie-broken by ascending TargetId for reproducibility;
// with no scorer it degrades to plain FIFO-by-TargetId, which is still
// deterministic. pop blocks until an item is available or the queue is
// closed, since work can arrive well after the queue last went empty —
// a retry requeue or an Extend-discovered target both push after the
// fact, so a queue that simply drained once could not feed workers.
type priorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*graph.BuildNode
	score  func(*graph.BuildNode) int
	closed bool
}

func newPriorityQueue(score func(*graph.BuildNode) int) *priorityQueue {
	q := &priorityQueue{score: score}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *priorityQueue) push(n *graph.BuildNode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, n)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.score != nil {
			si, sj := q.score(q.items[i]), q.score(q.items[j])
			if si != sj {
				return si > sj
			}
		}
		return q.items[i].TargetID() < q.items[j].TargetID()
	})
	q.cond.Signal()
}

// pop blocks until an item is available, returning nil once the queue
// is closed and drained.
func (q *priorityQueue) pop() *graph.BuildNode {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	n := q.items[0]
	q.items = q.items[1:]
	return n
}

// close marks the queue closed and wakes every blocked pop, which then
// drains whatever remains before returning nil. Idempotent.
func (q *priorityQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// abandon closes the queue and discards whatever is still waiting,
// returning the abandoned nodes so the caller can reconcile its
// own bookkeeping (they will never reach a worker, let alone results).
func (q *priorityQueue) abandon() []*graph.BuildNode {
	q.mu.Lock()
	left := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	return left
}

// CriticalPathScore estimates a node's remaining build cost as
// base + sources*weightSources + deps*weightDeps, scaled by a
// language-specific factor, for ready-queue tie-breaking.
func CriticalPathScore(base, sources, deps int, weightSources, weightDeps float64, languageFactor float64) int {
	return int((float64(base) + float64(sources)*weightSources + float64(deps)*weightDeps) * languageFactor)
}
