// Package cas implements the content-addressed artifact store: bytes
// indexed by the fingerprint of their own content, persisted under
// <workspace>/.forge-cache/cas/<aa>/<rest>. Writes are atomic (temp
// file + fsync + rename) using
// github.com/google/renameio, exactly as distri's internal/build and
// cmd/distri/build.go stage squashfs artifacts and cache entries.
package cas

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/fingerprint"
)

// compressThreshold is the size at or above which blobs are zstd-compressed on
// disk, mirroring ppb's ActionCacheBulk compression strategy and
// distri's carried klauspost/compress dependency.
const compressThreshold = 4096

// Store is a persistent, concurrency-safe content-addressed store.
type Store struct {
	root string

	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens (creating if necessary) a ContentStore rooted at dir, e.g.
// <workspace>/.forge-cache/cas.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, forgeerr.New(forgeerr.KindIO, classifyOSErr(err), "IO/MkdirFailed", err).WithOp("cas.Open")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/CompressorInit", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/CompressorInit", err)
	}
	return &Store{root: dir, encoder: enc, decoder: dec}, nil
}

func (s *Store) pathFor(f fingerprint.Fingerprint) string {
	hex := f.String()
	return filepath.Join(s.root, hex[0:2], hex[2:])
}

// Store writes b to the store keyed by its own fingerprint. Subsequent
// stores of identical bytes are no-ops.
func (s *Store) Store(b []byte) (fingerprint.Fingerprint, error) {
	f := fingerprint.Of(b)
	if s.Has(f) {
		return f, nil
	}
	path := s.pathFor(f)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return f, forgeerr.New(forgeerr.KindIO, classifyOSErr(err), "IO/MkdirFailed", err).WithOp("cas.Store")
	}

	payload := b
	compressed := false
	if len(b) >= compressThreshold {
		s.mu.Lock()
		payload = s.encoder.EncodeAll(b, nil)
		s.mu.Unlock()
		compressed = true
	}

	out, err := renameio.TempFile("", path)
	if err != nil {
		return f, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/TempFileFailed", err).WithOp("cas.Store")
	}
	defer out.Cleanup()

	if compressed {
		if _, err := out.Write([]byte{magicCompressed}); err != nil {
			return f, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err)
		}
	} else {
		if _, err := out.Write([]byte{magicPlain}); err != nil {
			return f, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err)
		}
	}
	if _, err := out.Write(payload); err != nil {
		return f, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/WriteFailed", err).WithOp("cas.Store")
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return f, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/RenameFailed", err).WithOp("cas.Store")
	}
	return f, nil
}

const (
	magicPlain      byte = 0
	magicCompressed byte = 1
)

// Load reads the bytes stored under f, verifying that re-hashing the
// loaded content reproduces f. On mismatch the entry is quarantined and
// an integrity error returned.
func (s *Store) Load(f fingerprint.Fingerprint) ([]byte, error) {
	path := s.pathFor(f)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/NotFound", err).WithOp("cas.Load").WithTarget(f.String())
		}
		return nil, forgeerr.New(forgeerr.KindIO, classifyOSErr(err), "IO/ReadFailed", err).WithOp("cas.Load")
	}
	if len(raw) == 0 {
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithOp("cas.Load").WithTarget(f.String())
	}

	var payload []byte
	switch raw[0] {
	case magicPlain:
		payload = raw[1:]
	case magicCompressed:
		s.mu.Lock()
		decoded, derr := s.decoder.DecodeAll(raw[1:], nil)
		s.mu.Unlock()
		if derr != nil {
			s.quarantine(f)
			return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", derr).WithOp("cas.Load").WithTarget(f.String())
		}
		payload = decoded
	default:
		s.quarantine(f)
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithOp("cas.Load").WithTarget(f.String())
	}

	if got := fingerprint.Of(payload); got != f {
		s.quarantine(f)
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/IntegrityMismatch", nil).
			WithOp("cas.Load").WithTarget(f.String()).
			WithSuggestion(forgeerr.SuggestFileCheck, "the stored blob's content no longer matches its key; the entry has been quarantined")
	}
	return payload, nil
}

func (s *Store) quarantine(f fingerprint.Fingerprint) {
	path := s.pathFor(f)
	os.Rename(path, path+".quarantine")
}

// Has reports whether f is present, without reading or verifying its
// content.
func (s *Store) Has(f fingerprint.Fingerprint) bool {
	_, err := os.Stat(s.pathFor(f))
	return err == nil
}

// GarbageCollect removes every entry not present in retain, atomically
// from the caller's point of view: each removal is independent, and a
// crash mid-sweep leaves a subset of garbage still-present (safe) rather
// than a partially-deleted retained entry (unsafe) — entries are only
// ever removed, never rewritten, during GC.
func (s *Store) GarbageCollect(retain map[fingerprint.Fingerprint]struct{}) error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, ok := fingerprintFromPath(s.root, path)
		if !ok {
			return nil // not a CAS-shaped path, e.g. stray files; ignore
		}
		if _, keep := retain[f]; keep {
			return nil
		}
		return os.Remove(path)
	})
}

func fingerprintFromPath(root, path string) (fingerprint.Fingerprint, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fingerprint.Fingerprint{}, false
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return fingerprint.Fingerprint{}, false
	}
	digest := filepath.Base(dir) + filepath.Base(rel)
	var f fingerprint.Fingerprint
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != fingerprint.Size {
		return fingerprint.Fingerprint{}, false
	}
	copy(f[:], raw)
	return f, true
}

func classifyOSErr(err error) forgeerr.Class {
	if os.IsPermission(err) {
		return forgeerr.ClassUser
	}
	if os.IsNotExist(err) {
		return forgeerr.ClassUser
	}
	return forgeerr.ClassTransient
}

// StreamLoad opens a reader over the decompressed content of f. It reads
// the whole blob into memory through Load first and then reads from that
// buffer.
func (s *Store) StreamLoad(f fingerprint.Fingerprint) (io.ReadCloser, error) {
	b, err := s.Load(f)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
