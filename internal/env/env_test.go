package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	forge "github.com/fortyweight/forge"
)

func TestWorkspaceRootPrefersEnvVar(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(forge.EnvWorkspaceRoot, dir)

	root, err := WorkspaceRoot(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, dir, root)
}

func TestWorkspaceRootFindsMarkerInAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, marker), nil, 0o644))

	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	found, err := WorkspaceRoot(sub)
	require.NoError(t, err)
	require.Equal(t, root, found)
}

func TestWorkspaceRootFindsCacheDirInAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, forge.CacheDirName), 0o755))

	sub := filepath.Join(root, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	found, err := WorkspaceRoot(sub)
	require.NoError(t, err)
	require.Equal(t, root, found)
}

func TestWorkspaceRootFallsBackToStartDir(t *testing.T) {
	dir := t.TempDir()
	found, err := WorkspaceRoot(dir)
	require.NoError(t, err)
	require.Equal(t, dir, found)
}
