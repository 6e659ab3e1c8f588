package langs

import (
	"os"

	forge "github.com/fortyweight/forge"
)

// GenericHandler implements forge.LanguageHandler for any language
// TreeSitterParser understands, planning a plain interpreter/compiler
// invocation rather than a language-specific build graph: sufficient for
// scripted languages and single-file compiles, and a template for a
// richer per-language handler when one is warranted.
type GenericHandler struct {
	parser *TreeSitterParser
}

// NewGenericHandler constructs a GenericHandler.
func NewGenericHandler() *GenericHandler {
	return &GenericHandler{parser: NewTreeSitterParser()}
}

// Plan runs target.LangConfig["interpreter"] (or a per-language default)
// against the target's sources.
func (h *GenericHandler) Plan(target forge.Target, config forge.WorkspaceConfig) (forge.ActionPlan, error) {
	interpreter := target.LangConfig["interpreter"]
	if interpreter == "" {
		interpreter = defaultInterpreter(target.Language)
	}

	argv := append([]string{interpreter}, target.Flags...)
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

// AnalyzeImports parses each source with TreeSitterParser and reports
// its raw import identifiers. A source the parser can't handle (unknown
// extension, parse failure) is skipped.
func (h *GenericHandler) AnalyzeImports(sources []string) ([]forge.Import, error) {
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
func (h *GenericHandler) GetOutputs(target forge.Target, config forge.WorkspaceConfig) ([]string, error) {
	if target.OutputPath == "" {
		return nil, nil
	}
	return []string{target.OutputPath}, nil
}

func defaultInterpreter(language string) string {
	switch language {
	case "python":
		return "python3"
	case "javascript":
		return "node"
	case "typescript":
		return "ts-node"
	case "rust":
		return "rustc"
	default:
		return language
	}
}
