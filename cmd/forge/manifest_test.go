package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	forge "github.com/fortyweight/forge"
)

const testManifestYAML = `
max_jobs: 4
incremental: true
cache_dir: .cache

checkpointing:
  enabled: true
  interval: 10

retry:
  enabled: true
  max_attempts: 3
  backoff_ms: 50

targets:
  - id: lib
    type: library
    language: go
    sources: [lib.go]
  - id: main
    type: executable
    language: go
    sources: [main.go]
    deps: [lib]
    output: bin/main
`

func writeManifest(t *testing.T, root, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "forge.yaml"), []byte(contents), 0o644))
}

func TestLoadManifestDecodesTargetsAndOptions(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, testManifestYAML)

	config, err := loadManifest(root, "")
	require.NoError(t, err)

	require.Equal(t, root, config.Root)
	require.Len(t, config.Targets, 2)

	require.Equal(t, forge.TargetId("lib"), config.Targets[0].Id)
	require.Equal(t, forge.TargetLibrary, config.Targets[0].Type)

	require.Equal(t, forge.TargetId("main"), config.Targets[1].Id)
	require.Equal(t, forge.TargetExecutable, config.Targets[1].Type)
	require.Equal(t, []forge.TargetId{"lib"}, config.Targets[1].Deps)
	require.Equal(t, "bin/main", config.Targets[1].OutputPath)

	require.Equal(t, 4, config.Options.MaxJobs)
	require.True(t, config.Options.Incremental)
	require.Equal(t, filepath.Join(root, ".cache"), config.Options.CacheDir)

	require.True(t, config.Checkpointing.Enabled)
	require.Equal(t, 10, config.Checkpointing.Interval)

	require.True(t, config.Retry.Enabled)
	require.Equal(t, 3, config.Retry.MaxAttempts)
	require.Equal(t, 50, config.Retry.BackoffMs)
}

func TestLoadManifestRejectsUnknownTargetType(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "targets:\n  - id: bad\n    type: bogus\n")

	_, err := loadManifest(root, "")
	require.Error(t, err)
}

func TestLoadManifestHonorsExplicitManifestPath(t *testing.T) {
	root := t.TempDir()
	altDir := t.TempDir()
	alt := filepath.Join(altDir, "custom.yaml")
	require.NoError(t, os.WriteFile(alt, []byte(testManifestYAML), 0o644))

	config, err := loadManifest(root, alt)
	require.NoError(t, err)
	require.Len(t, config.Targets, 2)
}
