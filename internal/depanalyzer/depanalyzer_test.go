package depanalyzer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortyweight/forge/internal/fingerprint"
)

// stubParser splits content into one symbol per ";"-separated segment of
// the form "name=body", for deterministic, easy-to-reason-about test
// fixtures.
type stubParser struct{}

func (stubParser) SupportedExtensions() []string { return []string{".stub"} }

func (stubParser) ParseFile(path string, content []byte) (FileAST, error) {
	var symbols []Symbol
	// fixed-format fixture: whole content is "name=body;name=body;..."
	segments := splitSegments(string(content))
	for _, seg := range segments {
		n, b := splitPair(seg)
		symbols = append(symbols, Symbol{
			Name:        n,
			Kind:        "stub",
			ContentHash: fingerprint.Of([]byte(b)),
		})
	}
	return FileAST{Path: path, Symbols: symbols}, nil
}

func splitSegments(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func splitPair(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func newAnalyzerWithStub() *Analyzer {
	return New(map[string]Parser{".stub": stubParser{}}, nil)
}

func TestChangedDetectsNewAndModifiedContent(t *testing.T) {
	a := newAnalyzerWithStub()
	require.True(t, a.Changed("f.stub", []byte("a=1")))
	a.Analyze("f.stub", []byte("a=1"))
	require.False(t, a.Changed("f.stub", []byte("a=1")))
	require.True(t, a.Changed("f.stub", []byte("a=2")))
}

func TestAnalyzeFirstSightReportsAllSymbols(t *testing.T) {
	a := newAnalyzerWithStub()
	inv := a.Analyze("f.stub", []byte("a=1;b=2"))
	require.False(t, inv.WholeFile)
	require.ElementsMatch(t, []string{"a", "b"}, inv.DirtySymbols)
}

func TestAnalyzeDetectsChangedSymbolOnly(t *testing.T) {
	a := newAnalyzerWithStub()
	a.Analyze("f.stub", []byte("a=1;b=2"))

	inv := a.Analyze("f.stub", []byte("a=1;b=3"))
	require.ElementsMatch(t, []string{"f.stub:b"}, inv.DirtySymbols)
}

func TestAnalyzeDetectsRemovedAndAddedSymbols(t *testing.T) {
	a := newAnalyzerWithStub()
	a.Analyze("f.stub", []byte("a=1;b=2"))

	inv := a.Analyze("f.stub", []byte("a=1;c=3"))
	require.ElementsMatch(t, []string{"f.stub:b", "f.stub:c"}, inv.DirtySymbols)
}

func TestAnalyzeUnknownExtensionDegradesToWholeFile(t *testing.T) {
	a := newAnalyzerWithStub()
	inv := a.Analyze("f.unknown", []byte("anything"))
	require.True(t, inv.WholeFile)
	require.False(t, inv.ParseDegraded)
}

func TestRecordReferencePropagatesDirtiness(t *testing.T) {
	a := newAnalyzerWithStub()
	a.Analyze("lib.stub", []byte("helper=1"))
	a.Analyze("app.stub", []byte("main=1"))
	a.RecordReference("app.stub", "main", "lib.stub", "helper")

	inv := a.Analyze("lib.stub", []byte("helper=2"))
	require.Contains(t, inv.DirtySymbols, "app.stub:main")
	require.Contains(t, inv.DirtySymbols, "lib.stub:helper")
}

func TestResolveIncludeCachesAndReportsOutOfGraph(t *testing.T) {
	dir := t.TempDir()
	a := New(nil, []string{dir})

	_, ok := a.ResolveInclude("does-not-exist.h")
	require.False(t, ok)

	// second lookup hits the cache and must still report not-found
	_, ok = a.ResolveInclude("does-not-exist.h")
	require.False(t, ok)
}
