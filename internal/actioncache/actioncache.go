// Package actioncache implements the ActionCache: memoization
// from an ActionKey to a CacheEntry recording output fingerprints, backed
// by a ContentStore for the output bytes themselves. It is modeled on
// ppb's compile.ActionCache (9761636e_poppolopoppo-ppb__compile-ActionCache.go)
// — per-key stats via atomics, a cache-entry/bulk split between metadata
// and payload — adapted to forge's ActionKey/CacheEntry shapes and to
// the at-most-once coalescing contract it must honor.
package actioncache

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/cas"
	"github.com/fortyweight/forge/internal/fingerprint"
)

// Key identifies an action's inputs.
type Key fingerprint.Fingerprint

func (k Key) String() string { return fingerprint.Fingerprint(k).ShortString() }

// Metadata captures the auxiliary bookkeeping fields of a CacheEntry.
type Metadata struct {
	Size        int64
	Timestamp   time.Time
	AccessCount int64
}

// Entry is the persisted record mapping an ActionKey to the outputs an
// action produced. OutputFingerprint addresses the concatenation of every
// output's bytes, in OutputPaths order, as a single ContentStore blob;
// OutputSizes (same order, same length as OutputPaths) records each
// output's byte length so the concatenation can be split back into
// individual files on a cache hit.
type Entry struct {
	Key               Key
	OutputFingerprint fingerprint.Fingerprint
	OutputPaths       []string
	OutputSizes       []int64
	Metadata          Metadata
	IntegrityTag      fingerprint.Fingerprint
}

// Stats exposes cumulative counters, using atomics
// throughout exactly as ppb's ActionCacheStats does.
type Stats struct {
	Hits    int64
	Misses  int64
	Stores  int64
	Evicted int64
}

func (s *Stats) hit()    { atomic.AddInt64(&s.Hits, 1) }
func (s *Stats) miss()   { atomic.AddInt64(&s.Misses, 1) }
func (s *Stats) store()  { atomic.AddInt64(&s.Stores, 1) }
func (s *Stats) evict(n int64) { atomic.AddInt64(&s.Evicted, n) }

// Snapshot returns a point-in-time copy of the counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Hits:    atomic.LoadInt64(&s.Hits),
		Misses:  atomic.LoadInt64(&s.Misses),
		Stores:  atomic.LoadInt64(&s.Stores),
		Evicted: atomic.LoadInt64(&s.Evicted),
	}
}

// inflight coalesces concurrent requests for the same missing ActionKey
// into a single in-flight build, giving an at-most-once build per
// ActionKey.
type inflight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is the ActionCache. One Cache instance owns one metadata
// directory and one ContentStore.
type Cache struct {
	metaDir string
	store   *cas.Store
	secret  []byte // workspace-scoped secret for the integrity tag MAC

	stats Stats

	keyLocksMu sync.Mutex
	keyLocks   map[Key]*sync.Mutex // fine-grained lock map, one per ActionKey

	coalesceMu sync.Mutex
	coalesce   map[Key]*inflight
}

// Open opens an ActionCache rooted at dir (holding "actions/" metadata),
// backed by the given ContentStore, scoped to a workspace-specific secret.
func Open(dir string, store *cas.Store, secret []byte) (*Cache, error) {
	metaDir := filepath.Join(dir, "actions")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", err).WithOp("actioncache.Open")
	}
	return &Cache{
		metaDir:  metaDir,
		store:    store,
		secret:   append([]byte(nil), secret...),
		keyLocks: make(map[Key]*sync.Mutex),
		coalesce: make(map[Key]*inflight),
	}, nil
}

func (c *Cache) lockFor(k Key) *sync.Mutex {
	c.keyLocksMu.Lock()
	defer c.keyLocksMu.Unlock()
	m, ok := c.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		c.keyLocks[k] = m
	}
	return m
}

func (c *Cache) metaPath(k Key) string {
	hex := fingerprint.Fingerprint(k).String()
	return filepath.Join(c.metaDir, hex[:2], hex[2:]+".entry")
}

// integrityTag computes the keyed MAC over (actionKey ∥ outputFingerprint)
// so that a cache entry cannot be forged without the secret.
func (c *Cache) integrityTag(k Key, out fingerprint.Fingerprint) (fingerprint.Fingerprint, error) {
	payload := append(append([]byte{}, k[:]...), out[:]...)
	return fingerprint.Keyed(c.secret, payload)
}

// Lookup returns the CacheEntry for k if present, its integrity tag
// validates, and every output fingerprint is still present in the
// ContentStore. A validation failure is
// reported as a cache error and the stale entry is removed, then treated
// as a miss by the caller.
func (c *Cache) Lookup(k Key) (*Entry, error) {
	lock := c.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	entry, err := c.readEntry(k)
	if err != nil {
		c.stats.miss()
		return nil, nil //nolint: nilerr -- a clean miss is (nil, nil); see Lookup doc.
	}

	wantTag, err := c.integrityTag(k, entry.OutputFingerprint)
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/MACFailed", err)
	}
	if wantTag != entry.IntegrityTag {
		c.removeEntry(k)
		c.stats.miss()
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/IntegrityMismatch", nil).
			WithOp("actioncache.Lookup").WithTarget(k.String())
	}
	if !c.store.Has(entry.OutputFingerprint) {
		c.removeEntry(k)
		c.stats.miss()
		return nil, nil
	}

	entry.Metadata.AccessCount++
	c.writeEntry(entry) // best-effort access-count bump; failure does not invalidate the hit
	c.stats.hit()
	return entry, nil
}

// Put writes outputs to the ContentStore and commits the CacheEntry
// atomically.
func (c *Cache) Put(k Key, outputPaths []string, outputBytes [][]byte) (*Entry, error) {
	lock := c.lockFor(k)
	lock.Lock()
	defer lock.Unlock()

	var total int64
	var combined []byte
	for _, b := range outputBytes {
		combined = append(combined, b...)
		total += int64(len(b))
	}
	outFP, err := c.store.Store(combined)
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassTransient, "Cache/StoreFailed", err).WithOp("actioncache.Put")
	}

	tag, err := c.integrityTag(k, outFP)
	if err != nil {
		return nil, forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/MACFailed", err)
	}

	sizes := make([]int64, len(outputBytes))
	for i, b := range outputBytes {
		sizes[i] = int64(len(b))
	}

	entry := &Entry{
		Key:               k,
		OutputFingerprint: outFP,
		OutputPaths:       append([]string(nil), outputPaths...),
		OutputSizes:       sizes,
		Metadata: Metadata{
			Size:      total,
			Timestamp: time.Now(),
		},
		IntegrityTag: tag,
	}
	if err := c.writeEntry(entry); err != nil {
		return nil, err
	}
	c.stats.store()
	return entry, nil
}

// Coalesce runs build for ActionKey k at most once across concurrent
// callers: the first caller executes build; subsequent concurrent
// callers block on its result, so a missing ActionKey is only ever
// built once even under concurrent requests.
func (c *Cache) Coalesce(k Key, build func() (*Entry, error)) (*Entry, error, bool) {
	c.coalesceMu.Lock()
	if existing, ok := c.coalesce[k]; ok {
		c.coalesceMu.Unlock()
		<-existing.done
		return existing.entry, existing.err, true
	}
	f := &inflight{done: make(chan struct{})}
	c.coalesce[k] = f
	c.coalesceMu.Unlock()

	entry, err := build()

	c.coalesceMu.Lock()
	delete(c.coalesce, k)
	c.coalesceMu.Unlock()

	f.entry = entry
	f.err = err
	close(f.done)

	return entry, err, false
}

// Evict releases entries by the given policy, an LRU-by-accessCount-then-
// timestamp sweep down to targetBytes. It does not
// remove the underlying ContentStore bytes, which may be shared with
// other live entries; a separate GarbageCollect pass (driven by the
// caller walking all live entries) reclaims CAS space.
func (c *Cache) Evict(targetBytes int64) error {
	entries, err := c.allEntries()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.Metadata.Size
	}
	if total <= targetBytes {
		return nil
	}

	sortByLRU(entries)

	var evicted int64
	for _, e := range entries {
		if total <= targetBytes {
			break
		}
		c.removeEntry(e.Key)
		total -= e.Metadata.Size
		evicted++
	}
	c.stats.evict(evicted)
	return nil
}

func sortByLRU(entries []*Entry) {
	// Fewest accesses first, ties broken by oldest timestamp: a direct
	// expression of LRU ordered by accessCount then timestamp.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && less(entries[j], entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

func less(a, b *Entry) bool {
	if a.Metadata.AccessCount != b.Metadata.AccessCount {
		return a.Metadata.AccessCount < b.Metadata.AccessCount
	}
	return a.Metadata.Timestamp.Before(b.Metadata.Timestamp)
}

// Flush is a no-op: forge's ActionCache writes entries synchronously in
// Put, so there is nothing buffered to write. It returns nil at once and
// does not wait for in-flight Coalesce builds.
func (c *Cache) Flush() error { return nil }

// Stats returns a snapshot of the cumulative counters.
func (c *Cache) Stats() Stats { return c.stats.Snapshot() }

func (c *Cache) allEntries() ([]*Entry, error) {
	var entries []*Entry
	err := filepath.WalkDir(c.metaDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".entry" {
			return nil
		}
		e, rerr := decodeEntry(path)
		if rerr != nil {
			return nil // skip unreadable entries rather than fail the whole sweep
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func (c *Cache) readEntry(k Key) (*Entry, error) {
	path := c.metaPath(k)
	e, err := decodeEntry(path)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Cache) writeEntry(e *Entry) error {
	path := c.metaPath(e.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", err)
	}
	out, err := renameio.TempFile("", path)
	if err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/TempFileFailed", err)
	}
	defer out.Cleanup()
	if err := encodeEntry(out, e); err != nil {
		return forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/EncodeFailed", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/RenameFailed", err)
	}
	return nil
}

func (c *Cache) removeEntry(k Key) {
	os.Remove(c.metaPath(k))
}

// --- binary record format: magic "BLDR", u16 version, u16 field count,
// then {u16 tag, u32 len, bytes} fields, little-endian, UTF-8 strings
// without BOM. ---

var magic = [4]byte{'B', 'L', 'D', 'R'}

const formatVersion = uint16(1)

const (
	tagKey byte = iota
	tagOutputFingerprint
	tagOutputPath // repeated, parallel to tagOutputSize
	tagSize
	tagTimestamp
	tagAccessCount
	tagIntegrityTag
	tagOutputSize // repeated, parallel to tagOutputPath
)

func encodeEntry(w io.Writer, e *Entry) error {
	type field struct {
		tag uint16
		buf []byte
	}
	var fs []field
	fs = append(fs, field{uint16(tagKey), e.Key[:]})
	fs = append(fs, field{uint16(tagOutputFingerprint), e.OutputFingerprint[:]})
	for _, p := range e.OutputPaths {
		fs = append(fs, field{uint16(tagOutputPath), []byte(p)})
	}
	for _, sz := range e.OutputSizes {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(sz))
		fs = append(fs, field{uint16(tagOutputSize), buf[:]})
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(e.Metadata.Size))
	fs = append(fs, field{uint16(tagSize), sizeBuf[:]})

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(e.Metadata.Timestamp.UnixNano()))
	fs = append(fs, field{uint16(tagTimestamp), tsBuf[:]})

	var acBuf [8]byte
	binary.LittleEndian.PutUint64(acBuf[:], uint64(e.Metadata.AccessCount))
	fs = append(fs, field{uint16(tagAccessCount), acBuf[:]})

	fs = append(fs, field{uint16(tagIntegrityTag), e.IntegrityTag[:]})

	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := writeU16(w, formatVersion); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(fs))); err != nil {
		return err
	}
	for _, f := range fs {
		if err := writeU16(w, f.tag); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(f.buf))); err != nil {
			return err
		}
		if _, err := w.Write(f.buf); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 || string(raw[:4]) != string(magic[:]) {
		return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithTarget(path)
	}
	off := 4
	_ = binary.LittleEndian.Uint16(raw[off:]) // version; only v1 exists so far
	off += 2
	count := binary.LittleEndian.Uint16(raw[off:])
	off += 2

	e := &Entry{}
	for i := uint16(0); i < count; i++ {
		if off+6 > len(raw) {
			return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithTarget(path)
		}
		tag := binary.LittleEndian.Uint16(raw[off:])
		off += 2
		ln := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if off+ln > len(raw) {
			return nil, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil).WithTarget(path)
		}
		payload := raw[off : off+ln]
		off += ln

		switch byte(tag) {
		case tagKey:
			copy(e.Key[:], payload)
		case tagOutputFingerprint:
			copy(e.OutputFingerprint[:], payload)
		case tagOutputPath:
			e.OutputPaths = append(e.OutputPaths, string(payload))
		case tagOutputSize:
			e.OutputSizes = append(e.OutputSizes, int64(binary.LittleEndian.Uint64(payload)))
		case tagSize:
			e.Metadata.Size = int64(binary.LittleEndian.Uint64(payload))
		case tagTimestamp:
			e.Metadata.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(payload)))
		case tagAccessCount:
			e.Metadata.AccessCount = int64(binary.LittleEndian.Uint64(payload))
		case tagIntegrityTag:
			copy(e.IntegrityTag[:], payload)
		}
	}
	return e, nil
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
