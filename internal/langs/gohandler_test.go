package langs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	forge "github.com/fortyweight/forge"
)

func TestGoHandlerPlanBuildsBinary(t *testing.T) {
	h := NewGoHandler()
	target := forge.Target{
		Id:         "bin:hello",
		Type:       forge.TargetExecutable,
		Sources:    []string{"main.go"},
		OutputPath: "out/hello",
		Flags:      []string{"-trimpath"},
	}
	plan, err := h.Plan(target, forge.WorkspaceConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"go", "build", "-o", "out/hello", "-trimpath", "main.go"}, plan.Command)
	require.Equal(t, []string{"out/hello"}, plan.Outputs)
}

func TestGoHandlerPlanTestHasNoOutputs(t *testing.T) {
	h := NewGoHandler()
	target := forge.Target{Id: "test:hello", Type: forge.TargetTest, Sources: []string{"main_test.go"}}
	plan, err := h.Plan(target, forge.WorkspaceConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"go", "test", "main_test.go"}, plan.Command)
	require.Empty(t, plan.Outputs)
}

func TestGoHandlerAnalyzeImports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, writeFile(path, []byte(sampleGo)))

	h := NewGoHandler()
	imports, err := h.AnalyzeImports([]string{path})
	require.NoError(t, err)

	var symbols []string
	for _, imp := range imports {
		symbols = append(symbols, imp.Symbol)
	}
	require.ElementsMatch(t, []string{"fmt", "strings"}, symbols)
}

func TestGoHandlerGetOutputs(t *testing.T) {
	h := NewGoHandler()
	outs, err := h.GetOutputs(forge.Target{OutputPath: "out/hello"}, forge.WorkspaceConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"out/hello"}, outs)

	outs, err = h.GetOutputs(forge.Target{}, forge.WorkspaceConfig{})
	require.NoError(t, err)
	require.Empty(t, outs)
}

func TestGoASTParserParsesFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.go")
	require.NoError(t, writeFile(path, []byte(sampleGo)))

	p := NewGoASTParser()
	fa, err := p.ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, path, fa.Path)
	require.NotEmpty(t, fa.Symbols)
	require.ElementsMatch(t, []string{"fmt", "strings"}, fa.Includes)
}
