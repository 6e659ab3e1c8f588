package retrycheckpoint

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"

	"github.com/fortyweight/forge/forgeerr"
	"github.com/fortyweight/forge/internal/graph"
	"github.com/fortyweight/forge/internal/fingerprint"
)

// NodeRecord is one target's status at checkpoint time.
type NodeRecord struct {
	TargetID          graph.TargetId
	Status            graph.Status
	OutputFingerprint fingerprint.Fingerprint
}

// Checkpoint is the full snapshot persisted between build invocations.
type Checkpoint struct {
	GraphDigest fingerprint.Fingerprint
	Timestamp   time.Time
	Nodes       []NodeRecord
}

// GraphDigest canonicalizes a target set's identity and dependency
// structure into a single Fingerprint, so a resume can detect whether
// the graph itself changed shape since the checkpoint was taken.
func GraphDigest(targets []graph.Target) fingerprint.Fingerprint {
	sorted := append([]graph.Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	ar := fingerprint.NewArchive()
	ar.Uint64(uint64(len(sorted)))
	for _, t := range sorted {
		ar.String(string(t.ID()))
		deps := make([]string, 0, len(t.Dependencies()))
		for _, d := range t.Dependencies() {
			deps = append(deps, string(d))
		}
		ar.SortedStrings(deps)
	}
	return ar.Seal()
}

// BuildCheckpoint gathers a Checkpoint from the current state of a set
// of BuildNodes. outputs supplies the output fingerprint recorded for
// any node that completed successfully in this run (the scheduler layer
// doesn't track this itself; the caller accumulates it from
// ExecutionResult/executor.Result as nodes finish).
func BuildCheckpoint(digest fingerprint.Fingerprint, nodes []*graph.BuildNode, outputs map[graph.TargetId]fingerprint.Fingerprint) Checkpoint {
	records := make([]NodeRecord, len(nodes))
	for i, n := range nodes {
		records[i] = NodeRecord{
			TargetID:          n.TargetID(),
			Status:            n.Status(),
			OutputFingerprint: outputs[n.TargetID()],
		}
	}
	return Checkpoint{GraphDigest: digest, Timestamp: time.Now(), Nodes: records}
}

// Stale reports whether cp is older than ttl as of now.
func (cp Checkpoint) Stale(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(cp.Timestamp) > ttl
}

// Store persists Checkpoints to a single file, atomically.
type Store struct {
	path string
}

// Open returns a Store writing to <dir>/checkpoint.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/MkdirFailed", err).WithOp("retrycheckpoint.Open")
	}
	return &Store{path: filepath.Join(dir, "checkpoint")}, nil
}

// Save writes cp to disk via temp file + atomic rename, following the
// same pattern as internal/cas and internal/actioncache.
func (s *Store) Save(cp Checkpoint) error {
	out, err := renameio.TempFile("", s.path)
	if err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/TempFileFailed", err).WithOp("retrycheckpoint.Save")
	}
	defer out.Cleanup()
	if err := encodeCheckpoint(out, cp); err != nil {
		return forgeerr.New(forgeerr.KindInternal, forgeerr.ClassFatal, "Internal/EncodeFailed", err).WithOp("retrycheckpoint.Save")
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/RenameFailed", err).WithOp("retrycheckpoint.Save")
	}
	return nil
}

// Load reads the persisted Checkpoint. A missing file is reported via
// the bool return, not an error, since "no checkpoint yet" is the
// expected steady state for a first build.
func (s *Store) Load() (Checkpoint, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, forgeerr.New(forgeerr.KindIO, forgeerr.ClassTransient, "IO/ReadFailed", err).WithOp("retrycheckpoint.Load")
	}
	cp, err := decodeCheckpoint(raw)
	if err != nil {
		return Checkpoint{}, false, nil // a corrupt checkpoint is discarded silently, not fatal
	}
	return cp, true, nil
}

// --- binary record format: magic "FCKP", u16 version, digest (32B),
// timestamp (i64 ns), u32 node count, then per node: u16-length-prefixed
// target id, i32 status, 32B output fingerprint. ---

var checkpointMagic = [4]byte{'F', 'C', 'K', 'P'}

const checkpointVersion = uint16(1)

func encodeCheckpoint(w io.Writer, cp Checkpoint) error {
	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := writeU16(w, checkpointVersion); err != nil {
		return err
	}
	if _, err := w.Write(cp.GraphDigest[:]); err != nil {
		return err
	}
	if err := writeI64(w, cp.Timestamp.UnixNano()); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(cp.Nodes))); err != nil {
		return err
	}
	for _, n := range cp.Nodes {
		id := []byte(n.TargetID)
		if err := writeU16(w, uint16(len(id))); err != nil {
			return err
		}
		if _, err := w.Write(id); err != nil {
			return err
		}
		if err := writeI32(w, int32(n.Status)); err != nil {
			return err
		}
		if _, err := w.Write(n.OutputFingerprint[:]); err != nil {
			return err
		}
	}
	return nil
}

func decodeCheckpoint(raw []byte) (Checkpoint, error) {
	if len(raw) < 4+2+fingerprint.Size+8+4 || string(raw[:4]) != string(checkpointMagic[:]) {
		return Checkpoint{}, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil)
	}
	off := 4
	off += 2 // version; only v1 exists so far

	var cp Checkpoint
	copy(cp.GraphDigest[:], raw[off:off+fingerprint.Size])
	off += fingerprint.Size

	cp.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(raw[off:])))
	off += 8

	count := binary.LittleEndian.Uint32(raw[off:])
	off += 4

	cp.Nodes = make([]NodeRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > len(raw) {
			return Checkpoint{}, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil)
		}
		idLen := int(binary.LittleEndian.Uint16(raw[off:]))
		off += 2
		if off+idLen+4+fingerprint.Size > len(raw) {
			return Checkpoint{}, forgeerr.New(forgeerr.KindCache, forgeerr.ClassFatal, "Cache/Corrupt", nil)
		}
		id := graph.TargetId(raw[off : off+idLen])
		off += idLen

		status := graph.Status(int32(binary.LittleEndian.Uint32(raw[off:])))
		off += 4

		var fp fingerprint.Fingerprint
		copy(fp[:], raw[off:off+fingerprint.Size])
		off += fingerprint.Size

		cp.Nodes = append(cp.Nodes, NodeRecord{TargetID: id, Status: status, OutputFingerprint: fp})
	}
	return cp, nil
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

func writeI32(w io.Writer, v int32) error { return writeU32(w, uint32(v)) }

func writeI64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}
