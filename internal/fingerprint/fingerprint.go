// Package fingerprint computes the cryptographic content digests that
// everything downstream — CAS keys, ActionKeys, CacheEntry integrity tags
// — treats as identity. It hashes with BLAKE2b-256, which is
// already present in the dependency graph as golang.org/x/crypto (an
// indirect dependency of the reference build tool this package is
// modeled on), and supports keyed mode, giving both plain content hashing
// and the keyed MAC used for cache-entry integrity from a single
// primitive.
package fingerprint

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes (256 bits).
const Size = 32

// Fingerprint is a 32-byte content digest. Equality is byte equality.
type Fingerprint [Size]byte

// Zero is the fixed digest of empty input, used as the defined value for
// empty-content fingerprints.
var Zero = Of(nil)

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a truncated, human-skimmable form, e.g. for log
// lines, mirroring ppb's ActionCacheKey.String() convention.
func (f Fingerprint) ShortString() string {
	s := f.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Valid reports whether f is non-zero. A zero-valued Fingerprint
// (the Go zero value) never arises from Of/OfReader, not even for empty
// input (whose digest, Zero, is non-zero), so a literal zero value
// found elsewhere signals "not yet computed".
func (f Fingerprint) Valid() bool { return f != Fingerprint{} }

// Equal reports byte equality.
func (f Fingerprint) Equal(g Fingerprint) bool { return f == g }

// Of hashes a byte slice directly.
func Of(b []byte) Fingerprint {
	return Fingerprint(blake2b.Sum256(b))
}

// OfReader streams hash computation over r, avoiding loading large files
// fully into memory.
func OfReader(r io.Reader) (Fingerprint, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Fingerprint{}, err
	}
	br := bufio.NewReaderSize(r, 256*1024)
	if _, err := io.Copy(h, br); err != nil {
		return Fingerprint{}, err
	}
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out, nil
}

// OfFile hashes the file at path, streaming its contents.
func OfFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()
	return OfReader(f)
}

// Keyed computes a keyed MAC over b using blake2b's native keyed mode.
// This backs the CacheEntry integrity tag: a keyed MAC over
// (actionKey ∥ outputFingerprint) with a workspace-scoped secret.
func Keyed(key, b []byte) (Fingerprint, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return Fingerprint{}, err
	}
	h.Write(b)
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Archive is the canonical-serialization sink used to derive a
// Fingerprint from a structured value: sorted map keys, length-prefixed
// strings, fixed-width integers. It mirrors the Archive interface the
// ppb/distri corpus threads through Serialize(ar Archive) methods, kept
// minimal here since the core only needs to feed bytes into a hasher, not
// round-trip a generic object graph.
type Archive struct {
	buf []byte
}

// NewArchive returns an empty canonical-serialization buffer.
func NewArchive() *Archive { return &Archive{} }

// Bytes returns the accumulated canonical byte sequence.
func (a *Archive) Bytes() []byte { return a.buf }

// String length-prefixes and appends s.
func (a *Archive) String(s string) *Archive {
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(s)))
	a.buf = append(a.buf, lenbuf[:]...)
	a.buf = append(a.buf, s...)
	return a
}

// Strings appends a length-prefixed sequence of strings, preserving
// caller-supplied order (callers must sort first if order-independence is
// required — see SortedStrings).
func (a *Archive) Strings(ss []string) *Archive {
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(ss)))
	a.buf = append(a.buf, lenbuf[:]...)
	for _, s := range ss {
		a.String(s)
	}
	return a
}

// SortedStrings sorts a defensive copy of ss and appends it, giving
// order-independent serialization for set-like fields (e.g. dep sets).
func (a *Archive) SortedStrings(ss []string) *Archive {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return a.Strings(cp)
}

// Uint64 appends a fixed-width little-endian integer.
func (a *Archive) Uint64(v uint64) *Archive {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.buf = append(a.buf, buf[:]...)
	return a
}

// Bool appends a single byte.
func (a *Archive) Bool(v bool) *Archive {
	if v {
		a.buf = append(a.buf, 1)
	} else {
		a.buf = append(a.buf, 0)
	}
	return a
}

// Digest appends a raw Fingerprint's bytes (used for composing
// fingerprints-of-fingerprints, e.g. ActionKey over dep output
// fingerprints).
func (a *Archive) Digest(f Fingerprint) *Archive {
	a.buf = append(a.buf, f[:]...)
	return a
}

// SortedMapKeys returns the keys of m sorted, giving the canonical,
// order-independent key sequence used by StringMap.
func SortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StringMap appends a canonical (sorted-by-key) string/string mapping.
func (a *Archive) StringMap(m map[string]string) *Archive {
	keys := SortedMapKeys(m)
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(keys)))
	a.buf = append(a.buf, lenbuf[:]...)
	for _, k := range keys {
		a.String(k)
		a.String(m[k])
	}
	return a
}

// Seal hashes the accumulated canonical bytes into a Fingerprint.
func (a *Archive) Seal() Fingerprint { return Of(a.buf) }

// SealSeeded hashes the accumulated bytes together with a seed, used by
// ActionCache to scope ActionKeys to a workspace instance (mirrors ppb's
// actionCache.seed mixed into SerializeAnyFingerprint).
func (a *Archive) SealSeeded(seed Fingerprint) Fingerprint {
	return Of(append(append([]byte{}, seed[:]...), a.buf...))
}
