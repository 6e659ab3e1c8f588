package forge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// copyHandler is a minimal LanguageHandler stub: it plans a "cp" action
// copying a target's single source to its OutputPath, proving Services
// wires a Target through targetNode/executeNode/the executor end to end.
type copyHandler struct{}

func (copyHandler) Plan(target Target, _ WorkspaceConfig) (ActionPlan, error) {
	return ActionPlan{
		Command: []string{"cp", target.Sources[0], target.OutputPath},
		Inputs:  target.Sources,
		Outputs: []string{target.OutputPath},
	}, nil
}

func (copyHandler) AnalyzeImports(sources []string) ([]Import, error) { return nil, nil }

func (copyHandler) GetOutputs(target Target, _ WorkspaceConfig) ([]string, error) {
	return []string{target.OutputPath}, nil
}

func newTestServices(t *testing.T, targets []Target) (*Services, string) {
	t.Helper()
	root := t.TempDir()
	config := WorkspaceConfig{
		Root:    root,
		Targets: targets,
		Options: WorkspaceOptions{MaxJobs: 2},
	}
	svc, err := NewServices(config, map[string]LanguageHandler{"copy": copyHandler{}}, nil, nil)
	require.NoError(t, err)
	return svc, root
}

func TestServicesBuildRunsTargetToCompletion(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	out := filepath.Join(root, "out.txt")

	svc, _ := newTestServices(t, []Target{{
		Id:         "copy-one",
		Language:   "copy",
		Sources:    []string{src},
		OutputPath: out,
	}})

	summary, err := svc.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 0, summary.Failed)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestServicesBuildReportsMissingHandler(t *testing.T) {
	svc, _ := newTestServices(t, []Target{{Id: "mystery", Language: "cobol"}})

	summary, err := svc.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
}
