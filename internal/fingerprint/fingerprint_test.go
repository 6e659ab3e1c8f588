package fingerprint

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfDeterministic(t *testing.T) {
	a := Of([]byte("hello"))
	b := Of([]byte("hello"))
	require.Equal(t, a, b)
	require.True(t, a.Valid())
}

func TestOfEmptyIsZero(t *testing.T) {
	require.Equal(t, Zero, Of(nil))
	require.Equal(t, Zero, Of([]byte{}))
}

func TestOfReaderMatchesOf(t *testing.T) {
	data := []byte(strings.Repeat("distri-style content", 1000))
	viaBytes := Of(data)
	viaReader, err := OfReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, viaBytes, viaReader)
}

func TestOfFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/a.txt"
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	fp, err := OfFile(path)
	require.NoError(t, err)
	require.Equal(t, Of([]byte("content")), fp)
}

func TestKeyedDiffersByKey(t *testing.T) {
	a, err := Keyed([]byte("secret-a"), []byte("payload"))
	require.NoError(t, err)
	b, err := Keyed([]byte("secret-b"), []byte("payload"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestArchiveCanonicalOrdering(t *testing.T) {
	m1 := map[string]string{"b": "2", "a": "1"}
	m2 := map[string]string{"a": "1", "b": "2"}
	f1 := NewArchive().StringMap(m1).Seal()
	f2 := NewArchive().StringMap(m2).Seal()
	require.Equal(t, f1, f2, "map serialization must be key-order independent")
}

func TestArchiveSortedStringsOrderIndependent(t *testing.T) {
	f1 := NewArchive().SortedStrings([]string{"z", "a", "m"}).Seal()
	f2 := NewArchive().SortedStrings([]string{"a", "m", "z"}).Seal()
	require.Equal(t, f1, f2)
}

func TestArchiveDistinguishesContent(t *testing.T) {
	f1 := NewArchive().String("a").Uint64(1).Seal()
	f2 := NewArchive().String("a").Uint64(2).Seal()
	require.NotEqual(t, f1, f2)
}

func TestSealSeededScoping(t *testing.T) {
	seedA := Of([]byte("workspace-a"))
	seedB := Of([]byte("workspace-b"))
	f1 := NewArchive().String("same-inputs").SealSeeded(seedA)
	f2 := NewArchive().String("same-inputs").SealSeeded(seedB)
	require.NotEqual(t, f1, f2)
}
