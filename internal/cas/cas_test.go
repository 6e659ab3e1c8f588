package cas

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/fingerprint"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	f, err := s.Store([]byte("hello world"))
	require.NoError(t, err)
	require.True(t, s.Has(f))

	got, err := s.Load(f)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestStoreIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	f1, err := s.Store([]byte("same content"))
	require.NoError(t, err)
	f2, err := s.Store([]byte("same content"))
	require.NoError(t, err)
	require.Equal(t, f1, f2)
}

func TestLargeBlobCompressed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	big := []byte(strings.Repeat("compressible-content-", 1000))
	f, err := s.Store(big)
	require.NoError(t, err)
	got, err := s.Load(f)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestLoadNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(fingerprint.Of([]byte("never stored")))
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.KindCache, fe.Kind)
}

func TestLoadIntegrityMismatchQuarantines(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	f, err := s.Store([]byte("original"))
	require.NoError(t, err)

	// Corrupt the stored blob in place to simulate bitrot.
	path := s.pathFor(f)
	require.NoError(t, writeCorrupt(path))

	_, err = s.Load(f)
	require.Error(t, err)
	fe, ok := forgeerr.As(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.Code("Cache/IntegrityMismatch"), fe.Code)

	// Subsequent load must still fail cleanly (quarantined, not silently
	// resurrected).
	_, err = s.Load(f)
	require.Error(t, err)
}

func TestGarbageCollectRetainsSelected(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	keep, err := s.Store([]byte("keep me"))
	require.NoError(t, err)
	drop, err := s.Store([]byte("drop me"))
	require.NoError(t, err)

	require.NoError(t, s.GarbageCollect(map[fingerprint.Fingerprint]struct{}{keep: {}}))

	require.True(t, s.Has(keep))
	require.False(t, s.Has(drop))
}

func writeCorrupt(path string) error {
	return os.WriteFile(path, []byte{magicPlain, 'X', 'X', 'X'}, 0o644)
}
