// Package executor implements the hermetic ActionExecutor: given a
// resolved Action, it computes the ActionKey, consults the ActionCache,
// and on a miss stages inputs into a private scratch directory, runs an
// argv-only command (no shell interpretation), captures its result, and
// commits outputs to the ContentStore and ActionCache. Grounded on
// distr1-distri/internal/batch.scheduler.build (exec.CommandContext with
// an explicit Dir and captured stdout/stderr) generalized from a single
// hardcoded "distri build" invocation into an arbitrary argv vector, and
// from a log-file sink into captured byte buffers the caller can surface
// through forge's Events.
package executor

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/renameio"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/actioncache"
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
	"github.com/fortyweight/forge/internal/oninterrupt"
)

// newCommand builds an argv-only *exec.Cmd: Command[0] is resolved
// against PATH (or used as-is if it contains a path separator), and
// every remaining element is passed verbatim as a single argv entry.
// There is no shell in this path, so no argument is ever subject to
// shell expansion or injection.
func newCommand(ctx context.Context, argv []string) *exec.Cmd {
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// Input is one staged source file: SourcePath is its real location on
// disk, RelPath is where it's placed inside the action's scratch
// directory (the path the command will actually see).
type Input struct {
	SourcePath  string
	RelPath     string
	Fingerprint fingerprint.Fingerprint
}

// Output declares one file the action is expected to produce, staged at
// ScratchRelPath and, on success, materialized at FinalPath.
type Output struct {
	ScratchRelPath string
	FinalPath      string
}

// Discovery mirrors the root forge package's Discovery record without
// importing it: internal/executor must not import the root package
// (whose Services type references Executor), so it defines its own
// minimal shape over internal/graph's decoupled Target/TargetId, exactly
// as internal/graph does for Target itself. The root package's
// Services.discoverFunc builds this shape directly and leaves NewTargets
// and NewEdges empty.
type Discovery struct {
	NewTargets []graph.Target
	NewEdges   map[graph.TargetId][]graph.TargetId
}

// DiscoverFunc inspects the scratch directory after a successful run
// and reports any dynamically-discovered dependencies.
type DiscoverFunc func(scratchDir string) (Discovery, error)

// Action is everything the executor needs to run one BuildNode's
// command to completion.
type Action struct {
	TargetID graph.TargetId
	Command  []string
	Env      map[string]string
	Inputs   []Input
	Outputs  []Output
	Timeout  time.Duration
	Discover DiscoverFunc
}

// Result is what Execute produced for one Action.
type Result struct {
	Cached            bool
	OutputFingerprint fingerprint.Fingerprint
	OutputPaths       []string
	Stdout            []byte
	Stderr            []byte
	Discovery         Discovery
}

// Executor runs Actions hermetically, memoizing through an ActionCache
// backed by a ContentStore.
type Executor struct {
	cache       *actioncache.Cache
	store       *cas.Store
	scratchRoot string
}

// New constructs an Executor. scratchRoot is the directory under which
// each action gets its own uniquely-named scratch subdirectory.
func New(cache *actioncache.Cache, store *cas.Store, scratchRoot string) *Executor {
	return &Executor{cache: cache, store: store, scratchRoot: scratchRoot}
}

// validateHermetic enforces inputs ∩ outputs = ∅ at the declared-path
// level; it is the one precondition the executor can check without
// observing the actual syscalls an action makes.
func validateHermetic(a Action) error {
	inputs := make(map[string]struct{}, len(a.Inputs))
	for _, in := range a.Inputs {
		inputs[in.RelPath] = struct{}{}
	}
	for _, out := range a.Outputs {
		if _, clash := inputs[out.ScratchRelPath]; clash {
			return forgeerr.Newf(forgeerr.KindBuild, forgeerr.ClassUser, "Build/NonHermetic",
				"action for %q declares %q as both input and output", a.TargetID, out.ScratchRelPath)
		}
	}
	return nil
}

// Key computes the ActionKey: a canonical digest of the command, the
// canonicalized env subset, and every input's content fingerprint.
// Identical Actions (same command/env/input fingerprints) always yield
// the same Key regardless of map/slice iteration order.
func (a Action) Key() fingerprint.Fingerprint {
	ar := fingerprint.NewArchive()
	ar.Strings(a.Command)
	ar.StringMap(a.Env)

	inputs := append([]Input(nil), a.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].RelPath < inputs[j].RelPath })
	ar.Uint64(uint64(len(inputs)))
	for _, in := range inputs {
		ar.String(in.RelPath)
		ar.Digest(in.Fingerprint)
	}

	outPaths := make([]string, len(a.Outputs))
	for i, o := range a.Outputs {
		outPaths[i] = o.ScratchRelPath
	}
	ar.SortedStrings(outPaths)
	return ar.Seal()
}

// Execute runs a to completion: a cache hit restores outputs without
// running the command; a miss stages inputs, runs the command, and
// commits outputs on success.
func (e *Executor) Execute(ctx context.Context, a Action) (Result, error) {
	if err := validateHermetic(a); err != nil {
		return Result{}, err
	}

	key := actioncache.Key(a.Key())

	if entry, err := e.cache.Lookup(key); err != nil {
		return Result{}, err
	} else if entry != nil {
		if err := e.restore(entry, a.Outputs); err != nil {
			return Result{}, err
		}
		return Result{Cached: true, OutputFingerprint: entry.OutputFingerprint, OutputPaths: entry.OutputPaths}, nil
	}

	var stdout, stderr []byte
	var discovery Discovery
	entry, err, _ := e.cache.Coalesce(key, func() (*actioncache.Entry, error) {
		out, errOut, disc, runErr := e.run(ctx, a)
		stdout, stderr = out, errOut
		discovery = disc
		if runErr != nil {
			return nil, runErr
		}
		return e.commit(a, key)
	})
	if err != nil {
		return Result{Stdout: stdout, Stderr: stderr}, err
	}
	return Result{
		OutputFingerprint: entry.OutputFingerprint,
		OutputPaths:       entry.OutputPaths,
		Stdout:            stdout,
		Stderr:            stderr,
		Discovery:         discovery,
	}, nil
}

// run stages inputs, executes the command in a scratch directory, and
// returns its captured output plus any discovery record. The scratch
// directory is always removed on return, including when run panics.
func (e *Executor) run(ctx context.Context, a Action) (stdout, stderr []byte, disc Discovery, err error) {
	scratch, mkErr := os.MkdirTemp(e.scratchRoot, "action-*")
	if mkErr != nil {
		return nil, nil, Discovery{}, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", mkErr).WithOp("executor.run")
	}
	defer func() {
		os.RemoveAll(scratch)
		if r := recover(); r != nil {
			panic(r) // scratch dir is already gone; re-raise for the caller
		}
	}()

	for _, in := range a.Inputs {
		if stageErr := stageInput(in, scratch); stageErr != nil {
			return nil, nil, Discovery{}, stageErr
		}
	}

	for _, out := range a.Outputs {
		if dir := filepath.Dir(out.ScratchRelPath); dir != "." {
			if mkErr := os.MkdirAll(filepath.Join(scratch, dir), 0o755); mkErr != nil {
				return nil, nil, Discovery{}, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", mkErr).WithOp("executor.run")
			}
		}
	}

	runCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	if len(a.Command) == 0 {
		return nil, nil, Discovery{}, forgeerr.New(forgeerr.KindBuild, forgeerr.ClassUser, "Build/EmptyCommand", nil).WithTarget(string(a.TargetID))
	}

	var outBuf, errBuf bytes.Buffer
	cmd := newCommand(runCtx, a.Command)
	cmd.Dir = scratch
	cmd.Env = canonicalEnv(a.Env)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.SysProcAttr = oninterrupt.NewProcessGroupAttr()
	// Cancel tears down the action's whole process group, not just the
	// directly-spawned command, so a cancelled or timed-out action can't
	// leave descendants (linkers, test subprocesses) writing into a
	// scratch directory that's about to be removed.
	cmd.Cancel = func() error {
		return oninterrupt.KillProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	runErr := cmd.Run()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()

	if runCtx.Err() == context.DeadlineExceeded {
		return stdout, stderr, Discovery{}, forgeerr.New(forgeerr.KindBuild, forgeerr.ClassTransient, "Build/Timeout", runCtx.Err()).
			WithTarget(string(a.TargetID))
	}
	if runErr != nil {
		return stdout, stderr, Discovery{}, forgeerr.New(forgeerr.KindBuild, forgeerr.ClassFatal, "Build/CommandFailed", runErr).
			WithTarget(string(a.TargetID))
	}

	for _, out := range a.Outputs {
		if _, statErr := os.Stat(filepath.Join(scratch, out.ScratchRelPath)); statErr != nil {
			return stdout, stderr, Discovery{}, forgeerr.Newf(forgeerr.KindBuild, forgeerr.ClassFatal, "Build/MissingOutput",
				"action for %q did not produce declared output %q", a.TargetID, out.ScratchRelPath)
		}
	}

	if a.Discover != nil {
		d, discErr := a.Discover(scratch)
		if discErr != nil {
			return stdout, stderr, Discovery{}, forgeerr.New(forgeerr.KindBuild, forgeerr.ClassFatal, "Build/DiscoveryFailed", discErr).
				WithTarget(string(a.TargetID))
		}
		disc = d
	}

	if matErr := materialize(scratch, a.Outputs); matErr != nil {
		return stdout, stderr, Discovery{}, matErr
	}

	return stdout, stderr, disc, nil
}

// commit reads each materialized output, stores their concatenation in
// the ContentStore, and writes the CacheEntry. Called only from inside
// Coalesce's build closure, so at most one goroutine ever commits a
// given key.
func (e *Executor) commit(a Action, key actioncache.Key) (*actioncache.Entry, error) {
	paths := make([]string, len(a.Outputs))
	bufs := make([][]byte, len(a.Outputs))
	for i, out := range a.Outputs {
		b, err := os.ReadFile(out.FinalPath)
		if err != nil {
			return nil, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/ReadFailed", err).WithOp("executor.commit")
		}
		paths[i] = out.FinalPath
		bufs[i] = b
	}
	return e.cache.Put(key, paths, bufs)
}

// restore writes a cache hit's combined output blob back out to each
// output's FinalPath, splitting by Entry.OutputSizes.
func (e *Executor) restore(entry *actioncache.Entry, outputs []Output) error {
	combined, err := e.store.Load(entry.OutputFingerprint)
	if err != nil {
		return err
	}
	if len(entry.OutputSizes) != len(outputs) {
		return forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).
			WithOp("executor.restore")
	}
	offset := 0
	for i, out := range outputs {
		size := int(entry.OutputSizes[i])
		if offset+size > len(combined) {
			return forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithOp("executor.restore")
		}
		if err := writeFileAtomic(out.FinalPath, combined[offset:offset+size]); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

// stageInput places one input file at its scratch-relative path,
// preferring a hard link (cheap, and guarantees identical content) and
// falling back to a copy across filesystem boundaries.
func stageInput(in Input, scratch string) error {
	dst := filepath.Join(scratch, in.RelPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", err).WithOp("executor.stageInput")
	}
	if err := os.Link(in.SourcePath, dst); err == nil {
		return nil
	}
	src, err := os.Open(in.SourcePath)
	if err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassUser, "IO/ReadFailed", err).WithOp("executor.stageInput")
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err).WithOp("executor.stageInput")
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err).WithOp("executor.stageInput")
	}
	return nil
}

// materialize copies each declared output from its scratch location to
// its FinalPath, atomically.
func materialize(scratch string, outputs []Output) error {
	for _, out := range outputs {
		b, err := os.ReadFile(filepath.Join(scratch, out.ScratchRelPath))
		if err != nil {
			return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/ReadFailed", err).WithOp("executor.materialize")
		}
		if err := writeFileAtomic(out.FinalPath, b); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", err).WithOp("executor.writeFileAtomic")
	}
	out, err := renameio.TempFile("", path)
	if err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/TempFileFailed", err).WithOp("executor.writeFileAtomic")
	}
	defer out.Cleanup()
	if _, err := out.Write(b); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err).WithOp("executor.writeFileAtomic")
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/RenameFailed", err).WithOp("executor.writeFileAtomic")
	}
	return nil
}

// canonicalEnv builds the process environment an action actually sees:
// the ambient PATH plus the action's explicit Env, sorted for
// determinism. Everything else from the calling process's environment
// is denied by default, per the hermeticity contract.
func canonicalEnv(env map[string]string) []string {
	merged := map[string]string{"PATH": os.Getenv("PATH")}
	for k, v := range env {
		merged[k] = v
	}
	keys := fingerprint.SortedMapKeys(merged)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + merged[k]
	}
	return out
}
