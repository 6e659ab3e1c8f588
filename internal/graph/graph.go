// Package graph builds and maintains the target dependency DAG: nodes
// wrap targets with atomic lifecycle state, edges run dependency before
// dependent, and the whole structure is immutable after construction
// except through the single guarded Extend operation. Modeled on
// distr1-distri's internal/batch.Build — a gonum simple.DirectedGraph
// plus topo.Sort for cycle detection — generalized from a one-shot batch
// build into a graph that also grows at runtime as dependencies are
// discovered mid-build.
package graph

import (
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/fortyweight/forge/forgeerr"
)

// TargetId uniquely identifies one target within a run.
type TargetId string

// Target is the minimal view the graph needs of a target: its identity
// and its declared dependencies. The graph package does not import the
// root forge package, avoiding a dependency cycle between the
// composition root and its own internal graph; the root package adapts
// its richer Target to this interface (forge.Target's own methods use a
// different TargetId type and do not satisfy it directly).
type Target interface {
	ID() TargetId
	Dependencies() []TargetId
}

// Status is a BuildNode's lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusReady
	StatusBuilding
	StatusSuccess
	StatusCached
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusReady:
		return "Ready"
	case StatusBuilding:
		return "Building"
	case StatusSuccess:
		return "Success"
	case StatusCached:
		return "Cached"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// BuildNode wraps a Target with the mutable runtime state the scheduler
// drives. Status and pendingDeps are atomics so the scheduler can
// transition/decrement them from multiple goroutines without a lock;
// dependencies/dependents are fixed at construction (or at Extend) and
// read-only thereafter, so iterating them needs no lock either.
type BuildNode struct {
	gid    int64
	target Target

	status        atomic.Int32
	pendingDeps   atomic.Int32
	retryAttempts atomic.Int32

	mu                sync.Mutex
	lastError         string
	discoveredOutputs []string

	dependencies []*BuildNode // predecessors: must complete before this node
	dependents   []*BuildNode // successors: wait on this node
}

func (n *BuildNode) ID() int64         { return n.gid }
func (n *BuildNode) Target() Target    { return n.target }
func (n *BuildNode) TargetID() TargetId { return n.target.ID() }

func (n *BuildNode) Status() Status     { return Status(n.status.Load()) }
func (n *BuildNode) SetStatus(s Status) { n.status.Store(int32(s)) }

// CompareAndSwapStatus performs an atomic lifecycle transition.
func (n *BuildNode) CompareAndSwapStatus(old, new Status) bool {
	return n.status.CompareAndSwap(int32(old), int32(new))
}

func (n *BuildNode) PendingDeps() int32 { return n.pendingDeps.Load() }

// DecrementPendingDeps records one more satisfied predecessor, returning
// the new count; callers use a return of 0 to detect "just became ready".
func (n *BuildNode) DecrementPendingDeps() int32 {
	return n.pendingDeps.Add(-1)
}

func (n *BuildNode) RetryAttempts() int32          { return n.retryAttempts.Load() }
func (n *BuildNode) IncrementRetryAttempts() int32 { return n.retryAttempts.Add(1) }

func (n *BuildNode) LastError() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastError
}

func (n *BuildNode) SetLastError(msg string) {
	n.mu.Lock()
	n.lastError = msg
	n.mu.Unlock()
}

func (n *BuildNode) DiscoveredOutputs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.discoveredOutputs...)
}

func (n *BuildNode) SetDiscoveredOutputs(outputs []string) {
	n.mu.Lock()
	n.discoveredOutputs = append([]string(nil), outputs...)
	n.mu.Unlock()
}

// Dependencies returns this node's predecessors (things it depends on).
func (n *BuildNode) Dependencies() []*BuildNode { return append([]*BuildNode(nil), n.dependencies...) }

// Dependents returns this node's successors (things waiting on it).
func (n *BuildNode) Dependents() []*BuildNode { return append([]*BuildNode(nil), n.dependents...) }

// Graph owns every BuildNode for a run, arena-style: nodes are addressed
// by gonum's int64 node IDs rather than by pointer cycles, and the
// topology is immutable after New except through Extend.
type Graph struct {
	mu    sync.RWMutex
	g     *simple.DirectedGraph
	byID  map[TargetId]*BuildNode
	nodes map[int64]*BuildNode
	nextID int64
}

// CycleError reports every target in one offending strongly connected
// component, not merely two nodes of it.
type CycleError struct {
	Component []TargetId
}

func (e *CycleError) Error() string {
	s := "cycle detected among targets:"
	for _, id := range e.Component {
		s += " " + string(id)
	}
	return s
}

// New constructs a Graph from a flat target list, deriving edges from
// each target's declared Dependencies(). Edges run dependency→dependent
// (g.From(dep) reaches dependent), so topo.Sort yields a valid build
// order directly. Acyclicity is a precondition; a cycle fails
// construction naming the whole strongly connected component.
func New(targets []Target) (*Graph, error) {
	gr := &Graph{
		g:     simple.NewDirectedGraph(),
		byID:  make(map[TargetId]*BuildNode, len(targets)),
		nodes: make(map[int64]*BuildNode, len(targets)),
	}

	for _, t := range targets {
		n := gr.newNode(t)
		gr.g.AddNode(n)
		gr.byID[t.ID()] = n
		gr.nodes[n.gid] = n
	}

	for _, t := range targets {
		dependent := gr.byID[t.ID()]
		for _, depID := range t.Dependencies() {
			dep, ok := gr.byID[depID]
			if !ok {
				return nil, forgeerr.Newf(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/UnknownDependency",
					"target %q depends on unknown target %q", t.ID(), depID)
			}
			gr.g.SetEdge(gr.g.NewEdge(dep, dependent))
			dependent.dependencies = append(dependent.dependencies, dep)
			dep.dependents = append(dep.dependents, dependent)
		}
	}

	if err := gr.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, n := range gr.nodes {
		n.pendingDeps.Store(int32(len(n.dependencies)))
		if n.pendingDeps.Load() == 0 {
			n.SetStatus(StatusReady)
		}
	}

	return gr, nil
}

func (gr *Graph) newNode(t Target) *BuildNode {
	id := gr.nextID
	gr.nextID++
	return &BuildNode{gid: id, target: t}
}

func (gr *Graph) checkAcyclic() error {
	if _, err := topo.Sort(gr.g); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return forgeerr.New(forgeerr.KindGraph, forgeerr.ClassFatal, "Graph/CycleDetected", err)
		}
		var ids []TargetId
		for _, component := range uo {
			if len(component) < 2 {
				continue // a lone self-loop-free node never appears here; topo only reports real cycles
			}
			for _, n := range component {
				ids = append(ids, gr.nodes[n.ID()].TargetID())
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return &CycleError{Component: ids}
	}
	return nil
}

// ByID looks up a node by TargetId.
func (gr *Graph) ByID(id TargetId) (*BuildNode, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	n, ok := gr.byID[id]
	return n, ok
}

// All returns every node, ordered by stable ascending TargetId.
func (gr *Graph) All() []*BuildNode {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	out := make([]*BuildNode, 0, len(gr.nodes))
	for _, n := range gr.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID() < out[j].TargetID() })
	return out
}

// TopoOrder returns a dependency-first build order, ties broken by
// ascending TargetId so repeated runs over the same graph agree.
func (gr *Graph) TopoOrder() ([]*BuildNode, error) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	sorted, err := topo.SortStabilized(gr.g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return gr.nodes[nodes[i].ID()].TargetID() < gr.nodes[nodes[j].ID()].TargetID()
		})
	})
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindGraph, forgeerr.ClassFatal, "Graph/CycleDetected", err)
	}
	out := make([]*BuildNode, len(sorted))
	for i, n := range sorted {
		out[i] = gr.nodes[n.ID()]
	}
	return out, nil
}

// ReadyNodes returns every node with zero pending dependencies, i.e. the
// initial build frontier.
func (gr *Graph) ReadyNodes() []*BuildNode {
	var ready []*BuildNode
	for _, n := range gr.All() {
		if n.PendingDeps() == 0 {
			ready = append(ready, n)
		}
	}
	return ready
}

// Closure returns the transitive dependency closure of ids: every
// target reachable by walking dependency edges backward from the
// selected set, plus the selected set itself.
func (gr *Graph) Closure(ids []TargetId) ([]*BuildNode, error) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	seen := make(map[int64]*BuildNode)
	var stack []*BuildNode
	for _, id := range ids {
		n, ok := gr.byID[id]
		if !ok {
			return nil, forgeerr.Newf(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/UnknownTarget",
				"unknown target %q", id)
		}
		stack = append(stack, n)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n.gid]; ok {
			continue
		}
		seen[n.gid] = n
		stack = append(stack, n.dependencies...)
	}

	out := make([]*BuildNode, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID() < out[j].TargetID() })
	return out, nil
}

// Extend adds newTargets and wires them to the existing graph, applying
// either all additions or none. Each new edge is validated with a DFS
// from the dependent back toward the dependency before being added: if
// the dependency is already reachable from the dependent, adding the
// edge would close a cycle and the whole extension is rejected.
// Post-extension, affected existing nodes' pendingDeps are updated and
// the set of freshly-ready nodes (pendingDeps just reached zero) is
// returned for the caller to enqueue.
func (gr *Graph) Extend(newTargets []Target, edges map[TargetId][]TargetId) ([]*BuildNode, error) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	for _, t := range newTargets {
		if _, exists := gr.byID[t.ID()]; exists {
			return nil, forgeerr.Newf(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/DuplicateTarget",
				"discovered target %q collides with an existing target", t.ID())
		}
	}

	added := make([]*BuildNode, 0, len(newTargets))
	for _, t := range newTargets {
		n := gr.newNode(t)
		gr.g.AddNode(n)
		gr.byID[t.ID()] = n
		gr.nodes[n.gid] = n
		added = append(added, n)
	}

	rollback := func() {
		for _, n := range added {
			gr.g.RemoveNode(n.gid)
			delete(gr.byID, n.TargetID())
			delete(gr.nodes, n.gid)
		}
	}

	type newEdge struct {
		dep, dependent *BuildNode
	}
	var pending []newEdge
	for dependentID, depIDs := range edges {
		dependent, ok := gr.byID[dependentID]
		if !ok {
			rollback()
			return nil, forgeerr.Newf(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/UnknownTarget",
				"discovery references unknown target %q", dependentID)
		}
		for _, depID := range depIDs {
			dep, ok := gr.byID[depID]
			if !ok {
				rollback()
				return nil, forgeerr.Newf(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/UnknownDependency",
					"discovery references unknown dependency %q", depID)
			}
			if gr.reaches(dependent, dep) {
				rollback()
				return nil, forgeerr.New(forgeerr.KindGraph, forgeerr.ClassUser, "Graph/CycleDetected",
					&CycleError{Component: []TargetId{dependentID, depID}})
			}
			pending = append(pending, newEdge{dep: dep, dependent: dependent})
		}
	}

	affected := make(map[int64]*BuildNode)
	for _, e := range pending {
		gr.g.SetEdge(gr.g.NewEdge(e.dep, e.dependent))
		e.dependent.dependencies = append(e.dependent.dependencies, e.dep)
		e.dep.dependents = append(e.dep.dependents, e.dependent)
		if e.dep.Status() != StatusSuccess && e.dep.Status() != StatusCached {
			e.dependent.pendingDeps.Add(1)
		}
		affected[e.dependent.gid] = e.dependent
	}

	for _, n := range added {
		n.pendingDeps.Store(int32(len(n.dependencies)))
		affected[n.gid] = n
	}

	var freshlyReady []*BuildNode
	for _, n := range affected {
		if n.PendingDeps() == 0 && n.CompareAndSwapStatus(StatusPending, StatusReady) {
			freshlyReady = append(freshlyReady, n)
		}
	}
	sort.Slice(freshlyReady, func(i, j int) bool { return freshlyReady[i].TargetID() < freshlyReady[j].TargetID() })

	return freshlyReady, nil
}

// reaches reports whether to is reachable from from by following
// dependency edges forward (from.dependents, recursively) — used to
// detect whether adding the edge dep(to)→dependent(from) would close a
// cycle.
func (gr *Graph) reaches(from, to *BuildNode) bool {
	if from == to {
		return true
	}
	visited := make(map[int64]bool)
	var stack []*BuildNode
	stack = append(stack, from.dependents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.gid == to.gid {
			return true
		}
		if visited[n.gid] {
			continue
		}
		visited[n.gid] = true
		stack = append(stack, n.dependents...)
	}
	return false
}

var _ graph.Node = (*BuildNode)(nil)
