// Package appendlog implements the ordered, integrity-checked,
// segment-rotated record log that backs layer 4 of the storage stack.
//
// Records use a single length-prefix framing, and the checksum is a
// fixed BLAKE3-64 digest so segments written on one platform verify on
// any other.
package appendlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/metanode/core/pkg/coreerr"
	"github.com/metanode/core/pkg/hashing"
)

// DefaultSegmentCap is the default size, in bytes, above which the active
// segment is rotated.
const DefaultSegmentCap = 100 * 1024 * 1024

// Record is a single append-only entry.
type Record struct {
	Key         string
	Value       []byte
	Seq         uint64
	TimestampS  int64
	Checksum    uint64
}

func computeChecksum(key string, value []byte, timestampS int64, seq uint64) uint64 {
	var tsBuf, seqBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(timestampS))
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	return hashing.Hash64(hashing.DomainAppendLogCksum, []byte(key), value, tsBuf[:], seqBuf[:])
}

type indexEntry struct {
	segment string
	offset  int64
	seq     uint64
}

// Log is a single append-only log directory: a sequence of segment files
// plus an in-memory index rebuilt on Open.
type Log struct {
	mu sync.RWMutex

	dir         string
	segmentCap  int64
	highWater   int64
	logger      *log.Logger

	index         map[string]indexEntry
	sequence      uint64
	activeSegment string
	activeFile    *os.File
	activeSize    int64
}

// Options configures a Log.
type Options struct {
	Dir            string
	SegmentCapBytes int64 // 0 => DefaultSegmentCap
	HighWaterBytes int64 // 0 => no backpressure cap
	Logger         *log.Logger
}

// Open opens (creating if necessary) the log directory, scans all
// existing segments to rebuild the index, and prepares the active
// segment for appends.
func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: empty log directory", coreerr.InvalidInput)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	cap := opts.SegmentCapBytes
	if cap <= 0 {
		cap = DefaultSegmentCap
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[AppendLog] ", log.LstdFlags)
	}

	l := &Log{
		dir:        opts.Dir,
		segmentCap: cap,
		highWater:  opts.HighWaterBytes,
		logger:     logger,
		index:      make(map[string]indexEntry),
	}

	if err := l.rebuildIndex(); err != nil {
		return nil, err
	}
	if err := l.openActiveSegment(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Log) segmentPaths() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".log" {
			paths = append(paths, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// rebuildIndex scans every segment file in timestamp order, keeping the
// last occurrence of each key whose checksum verifies, and sets the
// sequence counter to the maximum observed sequence. Corrupted records
// are skipped with a warning; reading continues with the next record.
func (l *Log) rebuildIndex() error {
	paths, err := l.segmentPaths()
	if err != nil {
		return err
	}

	var maxSeq uint64
	skipped := 0

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %v", coreerr.IoError, err)
		}

		var offset int64
		r := bufio.NewReader(f)
		for {
			rec, n, rerr := readRecord(r)
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				// Truncated/corrupt tail: stop scanning this segment.
				l.logger.Printf("warn: stopping scan of %s at offset %d: %v", path, offset, rerr)
				break
			}

			if computeChecksum(rec.Key, rec.Value, rec.TimestampS, rec.Seq) != rec.Checksum {
				skipped++
				l.logger.Printf("warn: checksum mismatch for key %q at %s:%d, skipping", rec.Key, path, offset)
				offset += int64(n)
				continue
			}

			existing, ok := l.index[rec.Key]
			if !ok || rec.Seq > existing.seq {
				l.index[rec.Key] = indexEntry{segment: path, offset: offset, seq: rec.Seq}
			}
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
			offset += int64(n)
		}
		f.Close()
	}

	if skipped > 0 {
		l.logger.Printf("warn: skipped %d corrupted records during index rebuild", skipped)
	}

	l.sequence = maxSeq
	if len(paths) > 0 {
		l.activeSegment = paths[len(paths)-1]
	}
	return nil
}

func (l *Log) openActiveSegment() error {
	if l.activeSegment == "" {
		return l.rotateLocked()
	}

	f, err := os.OpenFile(l.activeSegment, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	l.activeFile = f
	l.activeSize = info.Size()

	if l.activeSize >= l.segmentCap {
		return l.rotateLocked()
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if l.activeFile != nil {
		l.activeFile.Close()
	}
	name := fmt.Sprintf("segment-%d.log", time.Now().UnixNano())
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	l.activeFile = f
	l.activeSegment = path
	l.activeSize = 0
	return nil
}

// Append assigns the next sequence number, writes the record to the
// active segment, and updates the index. Rotates to a new segment first
// if the active one has exceeded its cap.
func (l *Log) Append(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.highWater > 0 && l.activeSize >= l.highWater {
		return fmt.Errorf("%w: active segment at high-water mark", coreerr.Backpressure)
	}

	if l.activeSize >= l.segmentCap {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	l.sequence++
	rec := Record{
		Key:        key,
		Value:      value,
		Seq:        l.sequence,
		TimestampS: time.Now().Unix(),
	}
	rec.Checksum = computeChecksum(rec.Key, rec.Value, rec.TimestampS, rec.Seq)

	offset := l.activeSize
	encoded := encodeRecord(rec)
	n, err := l.activeFile.Write(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	l.activeSize += int64(n)

	l.index[key] = indexEntry{segment: l.activeSegment, offset: offset, seq: rec.Seq}
	return nil
}

// Get reads the most recently appended value for key. Returns
// coreerr.NotFound when the key is absent or its stored record fails
// checksum verification (a failing record is treated as absent, not
// surfaced as an integrity error to the caller, per the propagation
// policy).
func (l *Log) Get(key string) ([]byte, error) {
	l.mu.RLock()
	entry, ok := l.index[key]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %q", coreerr.NotFound, key)
	}

	f, err := os.Open(entry.segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}
	defer f.Close()

	if _, err := f.Seek(entry.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.IoError, err)
	}

	rec, _, err := readRecord(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.Integrity, err)
	}

	if computeChecksum(rec.Key, rec.Value, rec.TimestampS, rec.Seq) != rec.Checksum {
		l.logger.Printf("warn: checksum mismatch reading key %q, treating as absent", key)
		return nil, fmt.Errorf("%w: key %q", coreerr.NotFound, key)
	}

	return rec.Value, nil
}

// AllKeys returns every key currently visible in the index, for audit.
func (l *Log) AllKeys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.index))
	for k := range l.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete is intentionally unsupported; the log never mutates or removes
// a written record.
func (l *Log) Delete(key string) error {
	return fmt.Errorf("%w: delete", coreerr.Unsupported)
}

// Healthy reports whether the active segment is still usable: the
// handle is open and stats cleanly. The storage stack's composite
// health check treats this as the L4 liveness probe.
func (l *Log) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.activeFile == nil {
		return false
	}
	_, err := l.activeFile.Stat()
	return err == nil
}

// Close releases the active segment file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeFile != nil {
		return l.activeFile.Close()
	}
	return nil
}

// encodeRecord serializes a record with a single length-prefix framing:
// [u32 totalLen][u16 keyLen][key][u32 valueLen][value][u64 seq][u64 ts][u64 checksum]
func encodeRecord(r Record) []byte {
	body := make([]byte, 0, 2+len(r.Key)+4+len(r.Value)+8+8+8)
	var u16buf [2]byte
	binary.LittleEndian.PutUint16(u16buf[:], uint16(len(r.Key)))
	body = append(body, u16buf[:]...)
	body = append(body, r.Key...)

	var u32buf [4]byte
	binary.LittleEndian.PutUint32(u32buf[:], uint32(len(r.Value)))
	body = append(body, u32buf[:]...)
	body = append(body, r.Value...)

	var u64buf [8]byte
	binary.LittleEndian.PutUint64(u64buf[:], r.Seq)
	body = append(body, u64buf[:]...)
	binary.LittleEndian.PutUint64(u64buf[:], uint64(r.TimestampS))
	body = append(body, u64buf[:]...)
	binary.LittleEndian.PutUint64(u64buf[:], r.Checksum)
	body = append(body, u64buf[:]...)

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readRecord reads one length-prefixed record from r, returning the
// number of bytes consumed (including the length prefix).
func readRecord(r io.Reader) (Record, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, io.ErrUnexpectedEOF
	}

	if len(body) < 2 {
		return Record{}, 0, fmt.Errorf("record body too short")
	}
	keyLen := binary.LittleEndian.Uint16(body[0:2])
	pos := 2
	if len(body) < pos+int(keyLen)+4 {
		return Record{}, 0, fmt.Errorf("record body truncated at key")
	}
	key := string(body[pos : pos+int(keyLen)])
	pos += int(keyLen)

	valueLen := binary.LittleEndian.Uint32(body[pos : pos+4])
	pos += 4
	if len(body) < pos+int(valueLen)+24 {
		return Record{}, 0, fmt.Errorf("record body truncated at value/trailer")
	}
	value := body[pos : pos+int(valueLen)]
	pos += int(valueLen)

	seq := binary.LittleEndian.Uint64(body[pos : pos+8])
	pos += 8
	ts := binary.LittleEndian.Uint64(body[pos : pos+8])
	pos += 8
	checksum := binary.LittleEndian.Uint64(body[pos : pos+8])

	rec := Record{
		Key:        key,
		Value:      append([]byte(nil), value...),
		Seq:        seq,
		TimestampS: int64(ts),
		Checksum:   checksum,
	}
	return rec, 4 + int(bodyLen), nil
}
