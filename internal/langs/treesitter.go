package langs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/fortyweight/forge/internal/depanalyzer"
	"github.com/fortyweight/forge/internal/fingerprint"
)

// TreeSitterParser implements depanalyzer.Parser for the languages it has
// a tree-sitter grammar for (the extensions SupportedExtensions lists:
// Python, JavaScript/JSX, TypeScript/TSX and Rust), by dispatching to the
// matching grammar. Modeled on codenerd's
// internal/world.TreeSitterParser, narrowed from its generic Mangle-fact
// output down to depanalyzer's Symbol/FileAST shape.
type TreeSitterParser struct{}

// NewTreeSitterParser constructs a TreeSitterParser. It holds no state;
// a *sitter.Parser is created fresh per call since sitter.Parser is not
// safe for concurrent ParseCtx calls.
func NewTreeSitterParser() *TreeSitterParser { return &TreeSitterParser{} }

// SupportedExtensions reports the file extensions this parser handles.
func (p *TreeSitterParser) SupportedExtensions() []string {
	return []string{".py", ".js", ".jsx", ".ts", ".tsx", ".rs"}
}

type extractor func(root *sitter.Node, content []byte) ([]depanalyzer.Symbol, []string)

// ParseFile dispatches to the tree-sitter grammar matching path's
// extension, parses content, and extracts symbols and raw import
// identifiers.
func (p *TreeSitterParser) ParseFile(path string, content []byte) (depanalyzer.FileAST, error) {
	lang, extract, err := grammarFor(filepath.Ext(path))
	if err != nil {
		return depanalyzer.FileAST{}, err
	}

	sp := sitter.NewParser()
	defer sp.Close()
	sp.SetLanguage(lang)

	tree, err := sp.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return depanalyzer.FileAST{}, fmt.Errorf("langs: parse %s: %w", path, err)
	}
	defer tree.Close()

	symbols, includes := extract(tree.RootNode(), content)
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })
	sort.Strings(includes)

	return depanalyzer.FileAST{Path: path, Symbols: symbols, Includes: includes}, nil
}

func grammarFor(ext string) (*sitter.Language, extractor, error) {
	switch ext {
	case ".py":
		return python.GetLanguage(), extractPythonSymbols, nil
	case ".js", ".jsx":
		return javascript.GetLanguage(), extractJSSymbols, nil
	case ".ts", ".tsx":
		return typescript.GetLanguage(), extractJSSymbols, nil
	case ".rs":
		return rust.GetLanguage(), extractRustSymbols, nil
	default:
		return nil, nil, fmt.Errorf("langs: no tree-sitter grammar registered for %q", ext)
	}
}

func nodeSymbol(n *sitter.Node, content []byte, name, kind string) depanalyzer.Symbol {
	return depanalyzer.Symbol{
		Name:        name,
		Kind:        kind,
		ContentHash: fingerprint.Of(content[n.StartByte():n.EndByte()]),
		StartLine:   int(n.StartPoint().Row) + 1,
		EndLine:     int(n.EndPoint().Row) + 1,
	}
}

func extractPythonSymbols(root *sitter.Node, content []byte) (symbols []depanalyzer.Symbol, includes []string) {
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "class_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "class"))
			}
		case "function_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "func"))
			}
		case "import_statement", "import_from_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if child := n.NamedChild(i); child.Type() == "dotted_name" {
					includes = append(includes, child.Content(content))
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return symbols, includes
}

func extractJSSymbols(root *sitter.Node, content []byte) (symbols []depanalyzer.Symbol, includes []string) {
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "class_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "class"))
			}
		case "function_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "func"))
			}
		case "interface_declaration":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "interface"))
			}
		case "lexical_declaration":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() != "variable_declarator" {
					continue
				}
				name := child.ChildByFieldName("name")
				value := child.ChildByFieldName("value")
				if name == nil || value == nil {
					continue
				}
				if value.Type() == "arrow_function" || value.Type() == "function" {
					symbols = append(symbols, nodeSymbol(child, content, name.Content(content), "func"))
				}
			}
		case "import_statement":
			if source := n.ChildByFieldName("source"); source != nil {
				includes = append(includes, strings.Trim(source.Content(content), `"'`))
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return symbols, includes
}

func extractRustSymbols(root *sitter.Node, content []byte) (symbols []depanalyzer.Symbol, includes []string) {
	var walk func(*sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "function_item":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "func"))
			}
		case "struct_item":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "struct"))
			}
		case "enum_item":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "enum"))
			}
		case "trait_item":
			if name := n.ChildByFieldName("name"); name != nil {
				symbols = append(symbols, nodeSymbol(n, content, name.Content(content), "trait"))
			}
		case "use_declaration":
			if arg := n.ChildByFieldName("argument"); arg != nil {
				includes = append(includes, arg.Content(content))
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return symbols, includes
}
