package forge

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/actioncache"
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/depanalyzer"
	"github.com/fortyweight/forge/internal/events"
	"github.com/fortyweight/forge/internal/executor"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
	"github.com/fortyweight/forge/internal/retrycheckpoint"
	"github.com/fortyweight/forge/internal/scheduler"
)

// Services is the composition root: it wires the internal packages
// (ContentStore, ActionCache, BuildGraph, dependency analyzer, executor,
// scheduler, checkpoint store, event bus) into the one object cmd/forge
// drives. Modeled on distri's build.Ctx, which plays the same
// wiring-point role for that tool's packaging pipeline.
type Services struct {
	Config WorkspaceConfig
	Logger *log.Logger
	Bus    *events.Bus

	store    *cas.Store
	cache    *actioncache.Cache
	analyzer *depanalyzer.Analyzer
	exec     *executor.Executor
	ckpt     *retrycheckpoint.Store

	handlers map[string]LanguageHandler

	graph *graph.Graph
}

// targetNode adapts a forge.Target to internal/graph's decoupled Target
// interface: forge.TargetId and graph.TargetId are distinct defined
// types with the same underlying representation, so a Target's own
// ID()/Dependencies() methods don't satisfy graph.Target directly
// despite returning the "same" string underneath.
type targetNode struct{ t Target }

func (n targetNode) ID() graph.TargetId { return graph.TargetId(n.t.Id) }

func (n targetNode) Dependencies() []graph.TargetId {
	deps := make([]graph.TargetId, len(n.t.Deps))
	for i, d := range n.t.Deps {
		deps[i] = graph.TargetId(d)
	}
	return deps
}

func wrapTargets(targets []Target) []graph.Target {
	wrapped := make([]graph.Target, len(targets))
	for i, t := range targets {
		wrapped[i] = targetNode{t: t}
	}
	return wrapped
}

// NewServices opens the on-disk state rooted at config's cache
// directory and constructs the build graph for config.Targets. handlers
// maps a Target's Language field to the LanguageHandler responsible for
// it; parsers maps a file extension to the depanalyzer.Parser
// responsible for it. Neither map is defaulted — cmd/forge decides
// which internal/langs implementations, if any, a workspace needs.
func NewServices(config WorkspaceConfig, handlers map[string]LanguageHandler, parsers map[string]depanalyzer.Parser, logger *log.Logger) (*Services, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "forge: ", log.LstdFlags)
	}

	cacheDir := config.Options.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(config.Root, CacheDirName)
	}

	store, err := cas.Open(filepath.Join(cacheDir, "cas"))
	if err != nil {
		return nil, err
	}

	secret := fingerprint.Of([]byte(config.Root))
	cache, err := actioncache.Open(cacheDir, store, secret[:])
	if err != nil {
		return nil, err
	}

	ckptDir := config.Checkpointing.Path
	if ckptDir == "" {
		ckptDir = cacheDir
	}
	ckpt, err := retrycheckpoint.Open(ckptDir)
	if err != nil {
		return nil, err
	}

	g, err := graph.New(wrapTargets(config.Targets))
	if err != nil {
		return nil, err
	}

	return &Services{
		Config:   config,
		Logger:   logger,
		Bus:      events.New(),
		store:    store,
		cache:    cache,
		analyzer: depanalyzer.New(parsers, []string{config.Root}),
		exec:     executor.New(cache, store, filepath.Join(cacheDir, "scratch")),
		ckpt:     ckpt,
		handlers: handlers,
		graph:    g,
	}, nil
}

// Resume loads the last persisted checkpoint, if any, and carries
// forward every node it still applies to, per
// internal/retrycheckpoint.Plan's rules. dirty reports whether the
// dependency analyzer considers a target's inputs changed since the
// checkpoint; pass nil to never treat anything as dirty (a
// from-scratch-only caller can skip this).
func (s *Services) Resume(dirty retrycheckpoint.Dirty) (retrycheckpoint.Summary, error) {
	cp, found, err := s.ckpt.Load()
	if err != nil {
		return retrycheckpoint.Summary{}, err
	}
	if !found {
		return retrycheckpoint.Summary{}, nil
	}
	digest := retrycheckpoint.GraphDigest(wrapTargets(s.Config.Targets))
	return retrycheckpoint.Plan(cp, digest, s.graph, s.store, dirty), nil
}

// Build runs the scheduler to completion against the wired graph,
// persisting a checkpoint afterward if config.Checkpointing.Enabled. A
// failed target is counted in the returned Summary's Failed field; it
// is not returned as Build's error.
func (s *Services) Build(ctx context.Context) (scheduler.Summary, error) {
	var retryPolicy scheduler.RetryPolicy
	if s.Config.Retry.Enabled {
		retryPolicy = retrycheckpoint.Policy{
			MaxAttempts:    int32(s.Config.Retry.MaxAttempts),
			InitialBackoff: time.Duration(s.Config.Retry.BackoffMs) * time.Millisecond,
			Exponential:    s.Config.Retry.Exponential,
			Jitter:         true,
		}
	}

	workers := s.Config.Options.MaxJobs
	if workers <= 0 {
		workers = 1
	}

	outputs := make(map[graph.TargetId]fingerprint.Fingerprint)
	var outputsMu sync.Mutex

	summary, _ := scheduler.New(s.graph, func(ctx context.Context, n *graph.BuildNode) (scheduler.ExecutionResult, error) {
		res, execErr := s.executeNode(ctx, n)
		if execErr == nil {
			outputsMu.Lock()
			outputs[n.TargetID()] = res.OutputFingerprint
			outputsMu.Unlock()
		}
		return res, execErr
	}, scheduler.Options{
		Workers:     workers,
		RetryPolicy: retryPolicy,
		Bus:         s.Bus,
	}).Run(ctx)

	if s.Config.Checkpointing.Enabled {
		digest := retrycheckpoint.GraphDigest(wrapTargets(s.Config.Targets))
		cp := retrycheckpoint.BuildCheckpoint(digest, s.graph.All(), outputs)
		if saveErr := s.ckpt.Save(cp); saveErr != nil {
			s.Logger.Printf("forge: checkpoint save failed: %v", saveErr)
		}
	}

	return summary, nil
}

// resolvePath resolves a workspace-root-relative path (as
// LanguageHandler.Plan is expected to produce in ActionPlan.Inputs/
// Outputs) against Config.Root. An already-absolute path is returned
// unchanged, so a caller that builds a WorkspaceConfig with absolute
// paths (an ad hoc single-target invocation, a test) still works.
func (s *Services) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Config.Root, p)
}

// executeNode plans and runs one BuildNode's action, bridging the
// core's Target/ActionPlan/Discovery shapes into internal/executor's
// decoupled ones and back into scheduler.ExecutionResult.
func (s *Services) executeNode(ctx context.Context, n *graph.BuildNode) (scheduler.ExecutionResult, error) {
	tn, ok := n.Target().(targetNode)
	if !ok {
		return scheduler.ExecutionResult{}, forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/BadTargetType", nil).WithOp("forge.executeNode")
	}
	target := tn.t

	handler, ok := s.handlers[target.Language]
	if !ok {
		return scheduler.ExecutionResult{}, forgeerr.Newf(forgeerr.KindLanguage, forgeerr.ClassUser, "Language/NoHandler", "no LanguageHandler registered for language %q (target %s)", target.Language, target.Id).WithTarget(string(target.Id))
	}

	plan, err := handler.Plan(target, s.Config)
	if err != nil {
		return scheduler.ExecutionResult{}, err
	}

	// RelPath/ScratchRelPath carry plan.Inputs/plan.Outputs verbatim (not
	// just their base names): plan.Command references sources and
	// outputs by these same paths, since the command runs with the
	// action's scratch directory as its working directory. SourcePath/
	// FinalPath are the paths the core actually reads/writes from, which
	// are the workspace-root-relative plan paths resolved against
	// Config.Root (or taken as-is if a caller already passed an absolute
	// path).
	inputs := make([]executor.Input, len(plan.Inputs))
	for i, in := range plan.Inputs {
		abs := s.resolvePath(in)
		fp, ferr := fingerprint.OfFile(abs)
		if ferr != nil {
			return scheduler.ExecutionResult{}, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/ReadFailed", ferr).WithOp("forge.executeNode").WithTarget(string(target.Id))
		}
		inputs[i] = executor.Input{SourcePath: abs, RelPath: in, Fingerprint: fp}
	}

	outputs := make([]executor.Output, len(plan.Outputs))
	for i, out := range plan.Outputs {
		outputs[i] = executor.Output{ScratchRelPath: out, FinalPath: s.resolvePath(out)}
	}

	action := executor.Action{
		TargetID: graph.TargetId(target.Id),
		Command:  plan.Command,
		Env:      plan.Env,
		Inputs:   inputs,
		Outputs:  outputs,
		Discover: s.discoverFunc(target, handler),
	}

	result, err := s.exec.Execute(ctx, action)
	if err != nil {
		return scheduler.ExecutionResult{}, err
	}

	return scheduler.ExecutionResult{
		Cached:            result.Cached,
		OutputFingerprint: result.OutputFingerprint,
		NewTargets:        result.Discovery.NewTargets,
		NewEdges:          result.Discovery.NewEdges,
	}, nil
}

// discoverFunc returns an executor.DiscoverFunc that re-analyzes a
// target's sources for import edges after its action runs, feeding them
// into the dependency analyzer's reference graph so a later change to
// an imported symbol can dirty this target transitively. It never
// reports new targets/edges to the graph itself — the core's
// LanguageHandler contract has no notion of generated sources yet, so
// there is nothing for it to discover beyond refreshed import metadata.
func (s *Services) discoverFunc(target Target, handler LanguageHandler) executor.DiscoverFunc {
	return func(scratchDir string) (executor.Discovery, error) {
		if len(target.Sources) == 0 {
			return executor.Discovery{}, nil
		}
		sources := make([]string, len(target.Sources))
		for i, src := range target.Sources {
			sources[i] = s.resolvePath(src)
		}
		imports, err := handler.AnalyzeImports(sources)
		if err != nil {
			return executor.Discovery{}, err
		}
		for _, imp := range imports {
			resolved, ok := s.analyzer.ResolveInclude(imp.Symbol)
			if !ok {
				continue
			}
			s.analyzer.RecordReference(imp.File, "", resolved, "")
		}
		return executor.Discovery{}, nil
	}
}
