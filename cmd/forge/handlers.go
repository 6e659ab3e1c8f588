package main

import (
	forge "github.com/fortyweight/forge"
	"github.com/fortyweight/forge/internal/depanalyzer"
	"github.com/fortyweight/forge/internal/langs"
)

// defaultHandlers registers the reference LanguageHandlers internal/langs
// provides: a Go-native one grounded on go/ast for the language forge
// itself is written in, and a tree-sitter-backed generic one for
// everything else a workspace manifest names a Language for.
func defaultHandlers() map[string]forge.LanguageHandler {
	generic := langs.NewGenericHandler()
	return map[string]forge.LanguageHandler{
		"go":         langs.NewGoHandler(),
		"python":     generic,
		"javascript": generic,
		"typescript": generic,
		"rust":       generic,
	}
}

// defaultParsers registers a depanalyzer.Parser per source extension so
// incremental builds get symbol-level invalidation instead of
// whole-file invalidation for every supported language.
func defaultParsers() map[string]depanalyzer.Parser {
	goParser := langs.NewGoParser()
	tsParser := langs.NewTreeSitterParser()

	parsers := make(map[string]depanalyzer.Parser)
	for _, ext := range goParser.SupportedExtensions() {
		parsers[ext] = goParser
	}
	for _, ext := range tsParser.SupportedExtensions() {
		parsers[ext] = tsParser
	}
	return parsers
}
