package retrycheckpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/fingerprint"
	"github.com/fortyweight/forge/internal/graph"
)

type fakeTarget struct {
	id   graph.TargetId
	deps []graph.TargetId
}

func (f fakeTarget) ID() graph.TargetId             { return f.id }
func (f fakeTarget) Dependencies() []graph.TargetId { return f.deps }

func tgt(id string, deps ...string) graph.Target {
	var d []graph.TargetId
	for _, s := range deps {
		d = append(d, graph.TargetId(s))
	}
	return fakeTarget{id: graph.TargetId(id), deps: d}
}

func TestPolicyRetriesOnlyTransientWithinAttemptBudget(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond}

	retry, _ := p.ShouldRetry(forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/Timeout", nil), 0)
	require.True(t, retry)

	retry, _ = p.ShouldRetry(forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/Timeout", nil), 2)
	require.False(t, retry)

	retry, _ = p.ShouldRetry(forgeerr.New(forgeerr.KindBuild, forgeerr.ClassFatal, "Build/Failed", nil), 0)
	require.False(t, retry)
}

func TestPolicyExponentialBackoffGrows(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, Exponential: true}
	_, wait0 := p.ShouldRetry(forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/Timeout", nil), 0)
	_, wait2 := p.ShouldRetry(forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/Timeout", nil), 2)
	require.Equal(t, 10*time.Millisecond, wait0)
	require.Equal(t, 40*time.Millisecond, wait2)
}

func TestGraphDigestIsOrderIndependent(t *testing.T) {
	a := GraphDigest([]graph.Target{tgt("lib"), tgt("bin", "lib")})
	b := GraphDigest([]graph.Target{tgt("bin", "lib"), tgt("lib")})
	require.Equal(t, a, b)

	c := GraphDigest([]graph.Target{tgt("lib"), tgt("bin")})
	require.NotEqual(t, a, c)
}

func TestCheckpointRoundTripsThroughStore(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	_, found, err := store.Load()
	require.NoError(t, err)
	require.False(t, found)

	cp := Checkpoint{
		GraphDigest: fingerprint.Of([]byte("graph")),
		Timestamp:   time.Now().Truncate(time.Second),
		Nodes: []NodeRecord{
			{TargetID: "lib", Status: graph.StatusCached, OutputFingerprint: fingerprint.Of([]byte("lib-out"))},
			{TargetID: "bin", Status: graph.StatusFailed},
		},
	}
	require.NoError(t, store.Save(cp))

	got, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cp.GraphDigest, got.GraphDigest)
	require.Equal(t, cp.Timestamp.Unix(), got.Timestamp.Unix())
	require.Equal(t, cp.Nodes, got.Nodes)
}

func TestCheckpointStaleness(t *testing.T) {
	cp := Checkpoint{Timestamp: time.Now().Add(-2 * time.Hour)}
	require.True(t, cp.Stale(time.Hour, time.Now()))
	require.False(t, cp.Stale(3*time.Hour, time.Now()))
	require.False(t, cp.Stale(0, time.Now()))
}

func TestPlanCarriesOverSuccessfulNodeAndReadiesDependent(t *testing.T) {
	g, err := graph.New([]graph.Target{tgt("lib"), tgt("bin", "lib")})
	require.NoError(t, err)

	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)
	libOut, err := store.Store([]byte("built-lib"))
	require.NoError(t, err)

	digest := GraphDigest([]graph.Target{tgt("lib"), tgt("bin", "lib")})
	cp := Checkpoint{
		GraphDigest: digest,
		Nodes: []NodeRecord{
			{TargetID: "lib", Status: graph.StatusCached, OutputFingerprint: libOut},
		},
	}

	summary := Plan(cp, digest, g, store, nil)
	require.Equal(t, 1, summary.CarriedOver)

	libNode, _ := g.ByID("lib")
	require.Equal(t, graph.StatusCached, libNode.Status())
	binNode, _ := g.ByID("bin")
	require.Equal(t, graph.StatusReady, binNode.Status())
}

func TestPlanRebuildsDirtyNode(t *testing.T) {
	g, err := graph.New([]graph.Target{tgt("lib")})
	require.NoError(t, err)

	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)
	libOut, err := store.Store([]byte("built-lib"))
	require.NoError(t, err)

	digest := GraphDigest([]graph.Target{tgt("lib")})
	cp := Checkpoint{
		GraphDigest: digest,
		Nodes:       []NodeRecord{{TargetID: "lib", Status: graph.StatusCached, OutputFingerprint: libOut}},
	}

	summary := Plan(cp, digest, g, store, func(id graph.TargetId) bool { return id == "lib" })
	require.Equal(t, 0, summary.CarriedOver)
	require.Equal(t, 1, summary.Rebuilt)

	libNode, _ := g.ByID("lib")
	require.Equal(t, graph.StatusReady, libNode.Status())
}

func TestPlanInvalidatesOnGraphDigestMismatch(t *testing.T) {
	g, err := graph.New([]graph.Target{tgt("lib")})
	require.NoError(t, err)
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	cp := Checkpoint{
		GraphDigest: fingerprint.Of([]byte("stale-digest")),
		Nodes:       []NodeRecord{{TargetID: "lib", Status: graph.StatusCached}},
	}

	summary := Plan(cp, GraphDigest([]graph.Target{tgt("lib")}), g, store, nil)
	require.Equal(t, 1, summary.Invalidated)
	require.Equal(t, 0, summary.CarriedOver)
}

func TestPlanInvalidatesWhenOutputMissingFromStore(t *testing.T) {
	g, err := graph.New([]graph.Target{tgt("lib")})
	require.NoError(t, err)
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	digest := GraphDigest([]graph.Target{tgt("lib")})
	cp := Checkpoint{
		GraphDigest: digest,
		Nodes:       []NodeRecord{{TargetID: "lib", Status: graph.StatusCached, OutputFingerprint: fingerprint.Of([]byte("never-stored"))}},
	}

	summary := Plan(cp, digest, g, store, nil)
	require.Equal(t, 1, summary.Invalidated)
}

func TestEchoProducesReadableDiagnostic(t *testing.T) {
	cp := Checkpoint{
		GraphDigest: fingerprint.Of([]byte("graph")),
		Timestamp:   time.Now(),
		Nodes:       []NodeRecord{{TargetID: "lib", Status: graph.StatusCached, OutputFingerprint: fingerprint.Of([]byte("lib-out"))}},
	}
	out, err := Echo(cp)
	require.NoError(t, err)
	require.Contains(t, out, "lib")
	require.Contains(t, out, "graph_digest")
}
