package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/actioncache"
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)
	cache, err := actioncache.Open(t.TempDir(), store, []byte("test-secret"))
	require.NoError(t, err)
	return New(cache, store, t.TempDir())
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExecuteRunsCommandAndCommitsOutput(t *testing.T) {
	e := newTestExecutor(t)
	srcDir := t.TempDir()
	outDir := t.TempDir()

	src := writeSource(t, srcDir, "in.txt", "hello")

	a := Action{
		TargetID: "copy",
		Command:  []string{"cp", "in.txt", "out.txt"},
		Inputs:   []Input{{SourcePath: src, RelPath: "in.txt", Fingerprint: fingerprint.Of([]byte("hello"))}},
		Outputs:  []Output{{ScratchRelPath: "out.txt", FinalPath: filepath.Join(outDir, "out.txt")}},
	}

	result, err := e.Execute(context.Background(), a)
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, []string{filepath.Join(outDir, "out.txt")}, result.OutputPaths)

	got, err := os.ReadFile(filepath.Join(outDir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestExecuteSecondRunIsCached(t *testing.T) {
	e := newTestExecutor(t)
	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := writeSource(t, srcDir, "in.txt", "content")

	a := Action{
		TargetID: "copy",
		Command:  []string{"cp", "in.txt", "out.txt"},
		Inputs:   []Input{{SourcePath: src, RelPath: "in.txt", Fingerprint: fingerprint.Of([]byte("content"))}},
		Outputs:  []Output{{ScratchRelPath: "out.txt", FinalPath: filepath.Join(outDir, "out.txt")}},
	}

	first, err := e.Execute(context.Background(), a)
	require.NoError(t, err)
	require.False(t, first.Cached)

	require.NoError(t, os.Remove(filepath.Join(outDir, "out.txt")))

	second, err := e.Execute(context.Background(), a)
	require.NoError(t, err)
	require.True(t, second.Cached)

	got, err := os.ReadFile(filepath.Join(outDir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
}

func TestExecuteRejectsInputOutputOverlap(t *testing.T) {
	e := newTestExecutor(t)
	a := Action{
		TargetID: "bad",
		Command:  []string{"true"},
		Inputs:   []Input{{SourcePath: "/dev/null", RelPath: "shared.txt"}},
		Outputs:  []Output{{ScratchRelPath: "shared.txt", FinalPath: "/tmp/shared.txt"}},
	}

	_, err := e.Execute(context.Background(), a)
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.Code("Build/NonHermetic"), fe.Code)
}

func TestExecuteReportsMissingDeclaredOutput(t *testing.T) {
	e := newTestExecutor(t)
	a := Action{
		TargetID: "no-output",
		Command:  []string{"true"},
		Outputs:  []Output{{ScratchRelPath: "never-created.txt", FinalPath: filepath.Join(t.TempDir(), "never-created.txt")}},
	}

	_, err := e.Execute(context.Background(), a)
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.Code("Build/MissingOutput"), fe.Code)
}

func TestExecuteSurfacesCommandFailure(t *testing.T) {
	e := newTestExecutor(t)
	a := Action{
		TargetID: "fails",
		Command:  []string{"false"},
	}

	_, err := e.Execute(context.Background(), a)
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.Code("Build/CommandFailed"), fe.Code)
	require.False(t, fe.Retryable())
}

func TestExecuteSurfacesTimeoutAsTransient(t *testing.T) {
	e := newTestExecutor(t)
	a := Action{
		TargetID: "slow",
		Command:  []string{"sleep", "2"},
		Timeout:  10 * time.Millisecond,
	}

	_, err := e.Execute(context.Background(), a)
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.Code("Build/Timeout"), fe.Code)
	require.True(t, fe.Retryable())
}

func TestExecuteCapturesStdoutAndStderr(t *testing.T) {
	e := newTestExecutor(t)
	a := Action{
		TargetID: "echo",
		Command:  []string{"sh", "-c", "echo out; echo err 1>&2"},
	}

	result, err := e.Execute(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, "out\n", string(result.Stdout))
	require.Equal(t, "err\n", string(result.Stderr))
}

func TestExecuteRunsDiscoverAfterSuccessfulOutputs(t *testing.T) {
	e := newTestExecutor(t)
	outDir := t.TempDir()

	var sawScratch string
	a := Action{
		TargetID: "discover",
		Command:  []string{"sh", "-c", "echo hi > out.txt"},
		Outputs:  []Output{{ScratchRelPath: "out.txt", FinalPath: filepath.Join(outDir, "out.txt")}},
		Discover: func(scratchDir string) (Discovery, error) {
			sawScratch = scratchDir
			return Discovery{
				NewTargets: []graph.Target{},
				NewEdges:   map[graph.TargetId][]graph.TargetId{"discover": {"generated"}},
			}, nil
		},
	}

	result, err := e.Execute(context.Background(), a)
	require.NoError(t, err)
	require.NotEmpty(t, sawScratch)
	require.Equal(t, []graph.TargetId{"generated"}, result.Discovery.NewEdges["discover"])
}

func TestExecuteConcurrentCallsCoalesceToOneRun(t *testing.T) {
	e := newTestExecutor(t)
	outDir := t.TempDir()
	marker := filepath.Join(t.TempDir(), "ran-once")

	a := Action{
		TargetID: "coalesced",
		Command:  []string{"sh", "-c", "echo -n 1 >> " + marker + "; echo done > out.txt"},
		Outputs:  []Output{{ScratchRelPath: "out.txt", FinalPath: filepath.Join(outDir, "out.txt")}},
	}

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := e.Execute(context.Background(), a)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}

	b, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "1", string(b))
}
