package langs

import (
	"os"

	forge "github.com/fortyweight/forge"
)

// TreeSitterASTParser adapts TreeSitterParser to the core's
// forge.ASTParser contract.
type TreeSitterASTParser struct {
	inner *TreeSitterParser
}

// NewTreeSitterASTParser constructs a TreeSitterASTParser.
func NewTreeSitterASTParser() *TreeSitterASTParser {
	return &TreeSitterASTParser{inner: NewTreeSitterParser()}
}

// ParseFile reads path from disk and parses it.
func (p *TreeSitterASTParser) ParseFile(path string) (forge.FileAST, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return forge.FileAST{}, err
	}
	return p.ParseContent(content, path)
}

// ParseContent parses already-loaded source bytes.
func (p *TreeSitterASTParser) ParseContent(content []byte, path string) (forge.FileAST, error) {
	fa, err := p.inner.ParseFile(path, content)
	if err != nil {
		return forge.FileAST{}, err
	}
	symbols := make([]forge.ASTSymbol, len(fa.Symbols))
	for i, s := range fa.Symbols {
		symbols[i] = forge.ASTSymbol{
			Name:        s.Name,
			Kind:        s.Kind,
			ContentHash: [32]byte(s.ContentHash),
			StartLine:   s.StartLine,
			EndLine:     s.EndLine,
		}
	}
	return forge.FileAST{Path: path, Symbols: symbols, Includes: fa.Includes}, nil
}
