// Package langs provides reference LanguageHandler and ASTParser
// implementations that plug into the core's external interfaces without
// the core importing any of them: a Go-native handler built on the
// standard library's own go/parser and go/ast (the one parser every
// Go-tooling repo in the corpus reaches for to parse Go itself), and a
// polyglot handler built on tree-sitter grammars for everything else,
// grounded on codenerd's internal/world.TreeSitterParser. Neither is
// wired into the core's Services by default; cmd/forge registers the
// ones a workspace actually needs.
package langs

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/fortyweight/forge/internal/depanalyzer"
	"github.com/fortyweight/forge/internal/fingerprint"
)

// GoParser implements depanalyzer.Parser for Go source, using the
// standard library's own parser rather than a generic grammar: go/ast
// gives exact, always-in-sync-with-the-toolchain symbol boundaries for
// the one language the build tool is itself written in.
type GoParser struct{}

// NewGoParser constructs a GoParser. It holds no state, so a single
// instance may be shared and called concurrently.
func NewGoParser() *GoParser { return &GoParser{} }

// SupportedExtensions reports the file extensions GoParser handles.
func (p *GoParser) SupportedExtensions() []string { return []string{".go"} }

// ParseFile extracts top-level function, method, and type declarations
// from a Go source file, plus its import paths.
func (p *GoParser) ParseFile(path string, content []byte) (depanalyzer.FileAST, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return depanalyzer.FileAST{}, fmt.Errorf("langs: parse %s: %w", path, err)
	}

	var symbols []depanalyzer.Symbol
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			symbols = append(symbols, funcSymbol(fset, content, d))
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				symbols = append(symbols, depanalyzer.Symbol{
					Name:        ts.Name.Name,
					Kind:        "type",
					ContentHash: hashRange(fset, content, ts.Pos(), ts.End()),
					StartLine:   fset.Position(ts.Pos()).Line,
					EndLine:     fset.Position(ts.End()).Line,
				})
			}
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })

	var includes []string
	for _, imp := range file.Imports {
		includes = append(includes, strings.Trim(imp.Path.Value, `"`))
	}
	sort.Strings(includes)

	return depanalyzer.FileAST{Path: path, Symbols: symbols, Includes: includes}, nil
}

func funcSymbol(fset *token.FileSet, content []byte, d *ast.FuncDecl) depanalyzer.Symbol {
	name := d.Name.Name
	kind := "func"
	if d.Recv != nil && len(d.Recv.List) > 0 {
		name = receiverTypeName(d.Recv.List[0].Type) + "." + name
		kind = "method"
	}
	return depanalyzer.Symbol{
		Name:        name,
		Kind:        kind,
		ContentHash: hashRange(fset, content, d.Pos(), d.End()),
		StartLine:   fset.Position(d.Pos()).Line,
		EndLine:     fset.Position(d.End()).Line,
	}
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	default:
		return "?"
	}
}

func hashRange(fset *token.FileSet, content []byte, start, end token.Pos) fingerprint.Fingerprint {
	f := fset.File(start)
	so, eo := f.Offset(start), f.Offset(end)
	if so < 0 || eo > len(content) || so > eo {
		return fingerprint.Of(nil)
	}
	return fingerprint.Of(content[so:eo])
}
