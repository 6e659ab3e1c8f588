package langs

import (
	"os"

	forge "github.com/fortyweight/forge"
)

// GoHandler implements forge.LanguageHandler for Go targets, planning
// actions around the go command's own build/test subcommands rather
// than trying to replicate compilation logic.
type GoHandler struct {
	parser *GoParser
}

// NewGoHandler constructs a GoHandler.
func NewGoHandler() *GoHandler { return &GoHandler{parser: NewGoParser()} }

// Plan builds the argv for a Go target: `go test` for TargetTest,
// `go build -o <output>` for everything else.
func (h *GoHandler) Plan(target forge.Target, config forge.WorkspaceConfig) (forge.ActionPlan, error) {
	if target.Type == forge.TargetTest {
		argv := append([]string{"go", "test"}, target.Flags...)
		argv = append(argv, target.Sources...)
		return forge.ActionPlan{
			Command: argv,
			Inputs:  target.Sources,
			Env:     target.Env,
		}, nil
	}

	argv := append([]string{"go", "build", "-o", target.OutputPath}, target.Flags...)
	argv = append(argv, target.Sources...)
	var outputs []string
	if target.OutputPath != "" {
		outputs = []string{target.OutputPath}
	}
	return forge.ActionPlan{
		Command: argv,
		Inputs:  target.Sources,
		Outputs: outputs,
		Env:     target.Env,
	}, nil
}

// AnalyzeImports parses each source file and reports its import paths.
// A file that fails to parse is skipped rather than failing the whole
// batch, matching depanalyzer.Analyzer's own degrade-to-whole-file
// behavior on parse failure.
func (h *GoHandler) AnalyzeImports(sources []string) ([]forge.Import, error) {
	var imports []forge.Import
	for _, src := range sources {
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		fa, err := h.parser.ParseFile(src, content)
		if err != nil {
			continue
		}
		for _, inc := range fa.Includes {
			imports = append(imports, forge.Import{File: src, Symbol: inc})
		}
	}
	return imports, nil
}

// GetOutputs reports the target's declared output, if any.
func (h *GoHandler) GetOutputs(target forge.Target, config forge.WorkspaceConfig) ([]string, error) {
	if target.OutputPath == "" {
		return nil, nil
	}
	return []string{target.OutputPath}, nil
}
