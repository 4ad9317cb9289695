// Package checkpoint persists a worker process's mutable simulation state in
// a binary-stable format: pool counts, mutable rate constants, run-state
// clock and random stream, and the in-flight boundary-message queue. The
// in-flight queue is what makes a restored run safe: without it a checkpoint
// taken between a boundary send and its receipt would silently lose
// molecules.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FormatVersion is written into every checkpoint and verified on restore.
const FormatVersion uint32 = 1

var magic = [4]byte{'M', 'S', 'C', 'K'}

var (
	// ErrCorrupt indicates a length inconsistency or truncated stream. The
	// restore attempt must be abandoned; partial state is never usable.
	ErrCorrupt = errors.New("corrupt checkpoint")
	// ErrVersion indicates a format version mismatch.
	ErrVersion = errors.New("checkpoint version mismatch")
)

// Length-prefix ceilings. A corrupt prefix must fail before it can drive a
// large allocation, so every section carries a cap sized to its contents,
// and the collection sections grow incrementally instead of trusting the
// outer count.
const (
	maxRNGLen  = 1 << 20
	maxSpecies = 1 << 20
	maxRules   = 1 << 20
	maxVecLen  = 1 << 28
	allocChunk = 1 << 12 // ceiling on speculative preallocation from a prefix
)

// BoundaryMessage is one cross-process diffusion credit. The same record is
// used on the wire and in the in-flight section of a checkpoint.
type BoundaryMessage struct {
	Sender     int32
	Receiver   int32
	TargetElem int32
	Species    int32
	Delta      int32
	Timestamp  float64
	Seq        uint64
}

// AppliedMark is the highest boundary-message sequence number applied from
// one sender rank. Restoring these watermarks lets a resumed worker suppress
// duplicates when peers redeliver unacknowledged credits.
type AppliedMark struct {
	Rank int32
	Seq  uint64
}

// Snapshot is everything a worker needs to resume exactly: identity, clock,
// random stream, pools, mutable rates, unacknowledged boundary sends, and
// per-sender applied watermarks.
type Snapshot struct {
	Rank     int32
	Clock    float64
	Events   uint64
	RNG      []byte
	Pools    [][]uint64 // per element, local species order
	Rates    []float64  // global rule order
	InFlight []BoundaryMessage
	Applied  []AppliedMark
}

// Write serializes snap to w in the stable little-endian format.
func Write(w io.Writer, snap *Snapshot) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := writeAll(bw,
		FormatVersion,
		snap.Rank,
		snap.Clock,
		snap.Events,
	); err != nil {
		return err
	}
	if err := writeBytes(bw, snap.RNG); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(snap.Pools))); err != nil {
		return err
	}
	for _, pools := range snap.Pools {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(pools))); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, pools); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(snap.Rates))); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, snap.Rates); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(snap.InFlight))); err != nil {
		return err
	}
	for i := range snap.InFlight {
		if err := WriteMessage(bw, &snap.InFlight[i]); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(snap.Applied))); err != nil {
		return err
	}
	for _, a := range snap.Applied {
		if err := writeAll(bw, a.Rank, a.Seq); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read deserializes a snapshot, failing with ErrVersion on a format mismatch
// and ErrCorrupt on any truncation or length inconsistency. It never
// silently truncates.
func Read(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)
	var m [4]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", ErrCorrupt)
	}
	if m != magic {
		return nil, fmt.Errorf("bad magic %q: %w", m, ErrCorrupt)
	}
	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", ErrCorrupt)
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("version %d, want %d: %w", version, FormatVersion, ErrVersion)
	}

	snap := &Snapshot{}
	if err := readAll(br, &snap.Rank, &snap.Clock, &snap.Events); err != nil {
		return nil, err
	}
	rng, err := readBytes(br)
	if err != nil {
		return nil, err
	}
	snap.RNG = rng

	nelems, err := readLen(br, maxVecLen)
	if err != nil {
		return nil, err
	}
	snap.Pools = make([][]uint64, 0, min(nelems, allocChunk))
	for i := 0; i < nelems; i++ {
		nspecs, err := readLen(br, maxSpecies)
		if err != nil {
			return nil, err
		}
		pools := make([]uint64, nspecs)
		if err := binary.Read(br, binary.LittleEndian, pools); err != nil {
			return nil, fmt.Errorf("read pools: %w", ErrCorrupt)
		}
		snap.Pools = append(snap.Pools, pools)
	}

	nrates, err := readLen(br, maxRules)
	if err != nil {
		return nil, err
	}
	snap.Rates = make([]float64, nrates)
	if err := binary.Read(br, binary.LittleEndian, snap.Rates); err != nil {
		return nil, fmt.Errorf("read rates: %w", ErrCorrupt)
	}

	nmsgs, err := readLen(br, maxVecLen)
	if err != nil {
		return nil, err
	}
	snap.InFlight = make([]BoundaryMessage, 0, min(nmsgs, allocChunk))
	for i := 0; i < nmsgs; i++ {
		var m BoundaryMessage
		if err := ReadMessage(br, &m); err != nil {
			return nil, err
		}
		snap.InFlight = append(snap.InFlight, m)
	}

	nmarks, err := readLen(br, maxVecLen)
	if err != nil {
		return nil, err
	}
	snap.Applied = make([]AppliedMark, 0, min(nmarks, allocChunk))
	for i := 0; i < nmarks; i++ {
		var a AppliedMark
		if err := readAll(br, &a.Rank, &a.Seq); err != nil {
			return nil, err
		}
		snap.Applied = append(snap.Applied, a)
	}

	// Anything left over means the writer and reader disagree on the format.
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("trailing bytes: %w", ErrCorrupt)
	}
	return snap, nil
}

// WriteMessage serializes one boundary message; the same record layout is
// used for websocket frames and for the in-flight checkpoint section.
func WriteMessage(w io.Writer, m *BoundaryMessage) error {
	return writeAll(w, m.Sender, m.Receiver, m.TargetElem, m.Species, m.Delta, m.Timestamp, m.Seq)
}

// ReadMessage deserializes one boundary message.
func ReadMessage(r io.Reader, m *BoundaryMessage) error {
	if err := readAll(r, &m.Sender, &m.Receiver, &m.TargetElem, &m.Species, &m.Delta, &m.Timestamp, &m.Seq); err != nil {
		return err
	}
	return nil
}

// Save writes the snapshot to path atomically: temp file in the same
// directory, fsync, rename.
func Save(path string, snap *Snapshot) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a snapshot from path.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func writeAll(w io.Writer, vals ...any) error {
	for _, v := range vals {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readAll(r io.Reader, vals ...any) error {
	for _, v := range vals {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("read field: %w", ErrCorrupt)
		}
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readLen(r, maxRNGLen)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read bytes: %w", ErrCorrupt)
	}
	return b, nil
}

func readLen(r io.Reader, limit uint32) (int, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("read length: %w", ErrCorrupt)
	}
	if n > limit {
		return 0, fmt.Errorf("length %d exceeds limit %d: %w", n, limit, ErrCorrupt)
	}
	return int(n), nil
}
