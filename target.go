// Package forge is the composition root of the build core: the
// external-interfaces contract (Target, WorkspaceConfig, LanguageHandler,
// ASTParser) and the Services struct that wires the internal packages
// together. Modeled on distr1-distri's root package, which plays the
// same role for distri's build.Ctx/pb types — a thin, dependency-free
// layer of plain structs that every internal package and cmd/forge can
// import without cycles.
package forge

// TargetType classifies what kind of artifact a Target produces.
type TargetType int

const (
	TargetExecutable TargetType = iota
	TargetLibrary
	TargetTest
	TargetCustom
)

func (t TargetType) String() string {
	switch t {
	case TargetExecutable:
		return "Executable"
	case TargetLibrary:
		return "Library"
	case TargetTest:
		return "Test"
	case TargetCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// TargetId uniquely identifies one Target within a run.
type TargetId string

// Target is an immutable build unit. Fields are plain and exported
// rather than hidden behind accessors: Target is documented
// immutable-by-convention, matching how distri's pb.Build/Ctx are plain
// structs passed by value or pointer without defensive copying at every
// read.
type Target struct {
	Id         TargetId
	Type       TargetType
	Language   string
	Sources    []string          // ordered
	Deps       []TargetId        // set, but kept ordered for determinism
	Flags      []string          // ordered
	Env        map[string]string
	OutputPath string
	LangConfig map[string]string
}

// ID returns the target's identity. Note this does not by itself
// satisfy internal/graph.Target: TargetId here and graph.TargetId are
// distinct defined types, so services.go's targetNode adapts between them.
func (t Target) ID() TargetId { return t.Id }

// Dependencies returns the target's declared dependency ids.
func (t Target) Dependencies() []TargetId { return t.Deps }

// Import is one resolved import/include declared by a source file:
// the declaring filename and the imported symbol or module name.
type Import struct {
	File   string
	Symbol string
}

// ActionPlan is what a LanguageHandler produces for a Target: the
// command to run and the inputs/outputs the executor must stage and
// capture hermetically.
type ActionPlan struct {
	Command     []string // argv; never shell-interpreted
	Inputs      []string
	Outputs     []string
	Env         map[string]string // subset passed to the action
}

// Discovery describes dynamically discovered targets and/or dependency
// edges, e.g. generated sources that themselves need building. No
// LanguageHandler method returns one and Services does not read this
// type: after an action runs, Services only refreshes import metadata
// and reports no new targets or edges to the graph.
type Discovery struct {
	NewTargets []Target
	NewEdges   map[TargetId][]TargetId // dependent -> its new dependencies
}

// LanguageHandler is the interface the core calls into for
// language-specific behavior. The core never parses language syntax
// itself — it only calls these three methods.
type LanguageHandler interface {
	Plan(target Target, config WorkspaceConfig) (ActionPlan, error)
	AnalyzeImports(sources []string) ([]Import, error)
	GetOutputs(target Target, config WorkspaceConfig) ([]string, error)
}
