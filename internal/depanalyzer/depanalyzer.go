// Package depanalyzer implements incremental dependency analysis at two
// cooperating layers: whole-file fingerprinting, and (for languages with
// a registered parser) symbol-granular AST diffing. It is modeled on
// codenerd's internal/world.CodeParser/GoCodeParser pair — a pluggable
// per-language parser interface feeding a unified element representation
// — narrowed here from codenerd's full CodeElement/Mangle-fact pipeline
// down to what incremental invalidation needs: a symbol's identity and
// the hash of its own source range.
package depanalyzer

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fortyweight/forge/internal/fingerprint"
)

// Symbol is one named element of a parsed source file (function, type,
// method, ...). ContentHash spans exactly the symbol's own source range,
// so touching a comment outside that range does not mark the symbol
// dirty. Comments are not stripped: a comment inside the range is hashed
// with the code, and editing it marks the symbol dirty.
type Symbol struct {
	Name        string
	Kind        string
	ContentHash fingerprint.Fingerprint
	StartLine   int
	EndLine     int
}

// FileAST is one file's parse result: its symbols and the raw include/
// import identifiers it declares, before search-path resolution.
type FileAST struct {
	Path     string
	Symbols  []Symbol
	Includes []string
}

// Parser is the pluggable per-language contract. Parsers MUST be
// deterministic: identical bytes produce an identical FileAST (up to
// stable ordering of Symbols/Includes).
type Parser interface {
	ParseFile(path string, content []byte) (FileAST, error)
	SupportedExtensions() []string
}

// symbolKey identifies a symbol globally by the file it lives in and its
// name within that file.
type symbolKey struct {
	path string
	name string
}

// ChangeKind classifies a raw filesystem event after debouncing.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
	ChangeRenamed
)

// ChangeEvent is a debounced, source-file-filtered filesystem event.
type ChangeEvent struct {
	Path string
	Kind ChangeKind
}

// Invalidation is the result of analyzing one changed file: which
// symbols (if any) are dirty, and whether the file degraded to
// whole-file invalidation (no AST layer available, or parse failure).
type Invalidation struct {
	Path          string
	WholeFile     bool
	DirtySymbols  []string // empty if WholeFile
	ParseDegraded bool     // true iff a parser exists but failed on this file
}

// Analyzer tracks per-file fingerprints and, where a Parser is
// registered for the file's extension, the last-known FileAST and the
// symbol dependency graph used to propagate dirtiness to dependents.
type Analyzer struct {
	mu sync.Mutex

	parsers map[string]Parser // by extension, e.g. ".go"

	fileFingerprints map[string]fingerprint.Fingerprint
	lastAST          map[string]FileAST

	// dependents[s] = symbols that reference s; a change to s dirties all
	// of these transitively.
	dependents map[symbolKey][]symbolKey

	// resolvedIncludes caches include-path → resolved file path, so search
	// paths are not re-resolved each run. It holds no fingerprint of the
	// resolved file.
	resolvedIncludes map[string]string
	searchPaths      []string
}

// New constructs an Analyzer. parsers maps file extension (including the
// leading dot) to the Parser responsible for it; files with no
// registered parser are analyzed at the file level only.
func New(parsers map[string]Parser, searchPaths []string) *Analyzer {
	return &Analyzer{
		parsers:          parsers,
		fileFingerprints: make(map[string]fingerprint.Fingerprint),
		lastAST:          make(map[string]FileAST),
		dependents:       make(map[symbolKey][]symbolKey),
		resolvedIncludes: make(map[string]string),
		searchPaths:      append([]string(nil), searchPaths...),
	}
}

// Changed reports whether content's fingerprint differs from the last
// one recorded for path (or path has never been seen).
func (a *Analyzer) Changed(path string, content []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	fp := fingerprint.Of(content)
	prev, ok := a.fileFingerprints[path]
	return !ok || prev != fp
}

// Analyze computes the Invalidation for one changed file, updating the
// analyzer's stored fingerprint and (if a parser is registered) FileAST.
// A parse failure degrades gracefully to whole-file invalidation rather
// than failing the build.
func (a *Analyzer) Analyze(path string, content []byte) Invalidation {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fileFingerprints[path] = fingerprint.Of(content)

	parser, ok := a.parsers[filepath.Ext(path)]
	if !ok {
		return Invalidation{Path: path, WholeFile: true}
	}

	newAST, err := parser.ParseFile(path, content)
	if err != nil {
		return Invalidation{Path: path, WholeFile: true, ParseDegraded: true}
	}

	oldAST, hadPrevious := a.lastAST[path]
	a.lastAST[path] = newAST
	a.reindexSymbols(path, newAST)

	if !hadPrevious {
		// first sight of this file: every symbol is new, so every
		// symbol is reported dirty.
		return Invalidation{Path: path, DirtySymbols: symbolNames(newAST.Symbols)}
	}

	dirty := diffSymbols(oldAST.Symbols, newAST.Symbols)
	return Invalidation{Path: path, DirtySymbols: a.transitiveDirty(path, dirty)}
}

// diffSymbols returns the names of symbols that are new, removed, or
// whose ContentHash changed between old and new.
func diffSymbols(old, new []Symbol) []string {
	oldByName := make(map[string]Symbol, len(old))
	for _, s := range old {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]Symbol, len(new))
	for _, s := range new {
		newByName[s.Name] = s
	}

	var dirty []string
	for name, ns := range newByName {
		os, existed := oldByName[name]
		if !existed || os.ContentHash != ns.ContentHash {
			dirty = append(dirty, name)
		}
	}
	for name := range oldByName {
		if _, stillExists := newByName[name]; !stillExists {
			dirty = append(dirty, name)
		}
	}
	sort.Strings(dirty)
	return dirty
}

func symbolNames(symbols []Symbol) []string {
	names := make([]string, len(symbols))
	for i, s := range symbols {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}

// reindexSymbols rebuilds the global dependents map's entries that
// originate from this file's symbols. The source corpus does not give
// us cross-file reference resolution for free, so dependency edges are
// supplied by the caller via RecordReference; reindexSymbols only
// clears stale entries for symbols this file no longer declares.
func (a *Analyzer) reindexSymbols(path string, ast FileAST) {
	known := make(map[string]bool, len(ast.Symbols))
	for _, s := range ast.Symbols {
		known[s.Name] = true
	}
	for key := range a.dependents {
		if key.path == path && !known[key.name] {
			delete(a.dependents, key)
		}
	}
}

// RecordReference declares that the symbol (fromPath, fromSymbol)
// depends on (toPath, toSymbol): a change to the latter dirties the
// former transitively.
func (a *Analyzer) RecordReference(fromPath, fromSymbol, toPath, toSymbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	to := symbolKey{path: toPath, name: toSymbol}
	from := symbolKey{path: fromPath, name: fromSymbol}
	a.dependents[to] = append(a.dependents[to], from)
}

// transitiveDirty expands directDirty (symbol names within path) into
// the full set of affected "path:symbol" identifiers, by BFS over the
// recorded dependents graph.
func (a *Analyzer) transitiveDirty(path string, directDirty []string) []string {
	seen := make(map[symbolKey]bool)
	var queue []symbolKey
	for _, name := range directDirty {
		k := symbolKey{path: path, name: name}
		seen[k] = true
		queue = append(queue, k)
	}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, dep := range a.dependents[k] {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k.path+":"+k.name)
	}
	sort.Strings(out)
	return out
}

// ResolveInclude resolves a raw include/import identifier against the
// configured search paths, caching the result. A system/external header
// (one that resolves to nothing under any search path) is reported as
// out-of-graph via ok=false, not an error.
func (a *Analyzer) ResolveInclude(raw string) (resolved string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, hit := a.resolvedIncludes[raw]; hit {
		return cached, cached != ""
	}
	for _, sp := range a.searchPaths {
		candidate := filepath.Join(sp, raw)
		if fileExists(candidate) {
			a.resolvedIncludes[raw] = candidate
			return candidate, true
		}
	}
	a.resolvedIncludes[raw] = ""
	return "", false
}

var fileExists = func(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Watch starts an fsnotify watcher over dirs and returns a channel of
// debounced ChangeEvents, filtered to files with a registered parser
// extension or already-seen path. Debounce defaults to 200ms. Watcher
// setup failure is returned to the caller, who is expected to fall back
// to full scans rather than treat it as fatal.
func (a *Analyzer) Watch(dirs []string, debounce time.Duration) (<-chan ChangeEvent, func() error, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, nil, err
		}
	}

	out := make(chan ChangeEvent)
	go a.debounceLoop(w, debounce, out)

	return out, w.Close, nil
}

func (a *Analyzer) debounceLoop(w *fsnotify.Watcher, debounce time.Duration, out chan<- ChangeEvent) {
	defer close(out)
	pending := make(map[string]ChangeKind)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		for path, kind := range pending {
			if !a.interesting(path) {
				continue
			}
			out <- ChangeEvent{Path: path, Kind: kind}
		}
		pending = make(map[string]ChangeKind)
		armed = false
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				if armed {
					flush()
				}
				return
			}
			pending[ev.Name] = classify(ev.Op)
			if !armed {
				timer.Reset(debounce)
				armed = true
			}
		case <-timer.C:
			flush()
		}
	}
}

func (a *Analyzer) interesting(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.parsers[filepath.Ext(path)]; ok {
		return true
	}
	_, known := a.fileFingerprints[path]
	return known
}

func classify(op fsnotify.Op) ChangeKind {
	switch {
	case op&fsnotify.Create != 0:
		return ChangeCreated
	case op&fsnotify.Remove != 0:
		return ChangeDeleted
	case op&fsnotify.Rename != 0:
		return ChangeRenamed
	default:
		return ChangeModified
	}
}
