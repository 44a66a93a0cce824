package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// Writer appends entries to the ledger. Appends are serialized by an
// internal mutex, so sequence numbers are assigned in a single total
// order, and every append is fsynced before it returns.
//
// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// Segments are named %016d.seg after the sequence number of their first
// entry.
type Writer struct {
	mu sync.Mutex

	dir    string
	signer Signer
	opts   Options

	currentFile *os.File
	currentPath string
	currentSize int64

	nextSeq  uint64
	lastHash Hash

	stats WriterStats
}

// Options configures the ledger writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before
	// rotation. Default: 64MB
	MaxSegmentSize int64
}

// DefaultOptions returns default ledger options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024, // 64MB
	}
}

// WriterStats holds ledger writer statistics.
type WriterStats struct {
	SegmentsCreated  int64
	EntriesAppended  int64
	BytesWritten     int64
	TruncatedRecords int64
	Errors           int64
	NextSeq          uint64
}

const (
	ledgerMagic      = 0x4348524C45440001 // "CHRLED" + version 1
	ledgerVersion    = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc

	// maxRecordSize bounds a single framed record; anything larger is
	// treated as corruption when reading.
	maxRecordSize = 64 * 1024 * 1024
)

// HeadSeq as a range end means "through the newest entry". Sequence
// numbers start at 0, so 0 is the genesis entry, not a sentinel.
const HeadSeq = ^uint64(0)

// NewWriter opens the ledger in dir for appending, creating the
// directory if needed. Existing segments are recovered: a torn tail
// record (from a crash mid-write) is truncated away, and the chain
// resumes from the last intact entry.
func NewWriter(dir string, signer Signer, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	w := &Writer{
		dir:    dir,
		signer: signer,
		opts:   opts,
	}

	if err := w.recover(); err != nil {
		return nil, fmt.Errorf("recover ledger: %w", err)
	}

	return w, nil
}

// Append assigns the next sequence number, hashes, signs, and durably
// writes one entry. If anything fails after bytes hit the segment, the
// segment is truncated back to its pre-append offset so no partial
// entry survives.
func (w *Writer) Append(ctx context.Context, category types.Category, payload []byte) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if len(payload) == 0 {
		return Entry{}, errors.ErrEmptyPayload
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.signer == nil {
		return Entry{}, fmt.Errorf("append: no signer configured")
	}

	seq := w.nextSeq
	ts := time.Now().UTC()

	hash, err := ComputeHash(seq, ts, string(category), payload, w.lastHash)
	if err != nil {
		w.stats.Errors++
		return Entry{}, err
	}

	msg, err := SigningMessage(hash, ts)
	if err != nil {
		w.stats.Errors++
		return Entry{}, err
	}

	keyID, sig, err := w.signer.Sign(msg)
	if err != nil {
		w.stats.Errors++
		return Entry{}, fmt.Errorf("sign entry: %w", err)
	}

	entry := Entry{
		Seq:       seq,
		Timestamp: ts,
		Category:  category,
		Payload:   payload,
		PrevHash:  w.lastHash,
		Hash:      hash,
		KeyID:     keyID,
		Signature: sig,
	}

	encoded, err := EncodeEntry(entry)
	if err != nil {
		w.stats.Errors++
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}

	recordSize := int64(recordHeaderSize + len(encoded))
	if w.currentFile == nil || w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotate(seq); err != nil {
			w.stats.Errors++
			return Entry{}, fmt.Errorf("rotate segment: %w", err)
		}
	}

	offset := w.currentSize
	if err := w.writeRecord(encoded); err != nil {
		w.rollback(offset)
		w.stats.Errors++
		return Entry{}, fmt.Errorf("write entry: %w", err)
	}

	if err := w.currentFile.Sync(); err != nil {
		w.rollback(offset)
		w.stats.Errors++
		return Entry{}, fmt.Errorf("sync entry: %w", err)
	}

	w.nextSeq = seq + 1
	w.lastHash = hash
	w.stats.EntriesAppended++
	w.stats.BytesWritten += recordSize
	w.stats.NextSeq = w.nextSeq

	return entry, nil
}

// writeRecord frames and writes a single record to the current segment.
// The header and payload go out in one Write call so a crash leaves at
// most one torn record at the tail.
func (w *Writer) writeRecord(payload []byte) error {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[recordHeaderSize:], payload)

	if _, err := w.currentFile.Write(buf); err != nil {
		return err
	}

	w.currentSize += int64(len(buf))
	return nil
}

// rollback truncates the current segment to offset, discarding a
// failed append. A rollback failure leaves a torn tail that startup
// recovery will truncate on next open.
func (w *Writer) rollback(offset int64) {
	if w.currentFile == nil {
		return
	}
	if err := w.currentFile.Truncate(offset); err != nil {
		logging.Component("ledger").Error("rollback truncate failed",
			"segment", w.currentPath, "offset", offset, "error", err)
		return
	}
	if _, err := w.currentFile.Seek(offset, 0); err != nil {
		logging.Component("ledger").Error("rollback seek failed",
			"segment", w.currentPath, "offset", offset, "error", err)
		return
	}
	w.currentSize = offset
}

// rotate closes the current segment and starts a new one whose name
// carries the sequence number of its first entry.
func (w *Writer) rotate(firstSeq uint64) error {
	if w.currentFile != nil {
		w.currentFile.Close()
		w.currentFile = nil
	}

	segmentPath := filepath.Join(w.dir, fmt.Sprintf("%016d.seg", firstSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], ledgerMagic)
	binary.LittleEndian.PutUint32(header[8:12], ledgerVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("sync header: %w", err)
	}

	w.currentFile = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.stats.SegmentsCreated++

	return nil
}

// recover scans existing segments, truncates a torn tail, and resumes
// the chain position from the last intact entry.
func (w *Writer) recover() error {
	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	// Only the last segment can hold a torn record: earlier segments
	// were sealed by a successful rotation.
	last := segments[len(segments)-1]

	goodSize, lastEntry, truncated, err := scanSegment(last.path)
	if err != nil {
		return fmt.Errorf("scan segment %s: %w", last.path, err)
	}

	if truncated > 0 {
		logging.Component("ledger").Warn("truncating torn segment tail",
			"segment", last.path, "good_size", goodSize, "torn_bytes", truncated)
		if err := os.Truncate(last.path, goodSize); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
		w.stats.TruncatedRecords++
	}

	// Resume from the last entry of the last non-empty segment. The
	// last segment may hold nothing but a header after truncation.
	if lastEntry == nil {
		for i := len(segments) - 2; i >= 0; i-- {
			_, e, _, err := scanSegment(segments[i].path)
			if err != nil {
				return fmt.Errorf("scan segment %s: %w", segments[i].path, err)
			}
			if e != nil {
				lastEntry = e
				break
			}
		}
	}

	if lastEntry != nil {
		w.nextSeq = lastEntry.Seq + 1
		w.lastHash = lastEntry.Hash
		w.stats.NextSeq = w.nextSeq
	}

	// Reopen the last segment for appending when it has room.
	if goodSize < w.opts.MaxSegmentSize {
		f, err := os.OpenFile(last.path, os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("reopen segment %s: %w", last.path, err)
		}
		if _, err := f.Seek(goodSize, 0); err != nil {
			f.Close()
			return fmt.Errorf("seek segment %s: %w", last.path, err)
		}
		w.currentFile = f
		w.currentPath = last.path
		w.currentSize = goodSize
	}

	return nil
}

// NextSeq returns the sequence number the next append will receive,
// which is also the number of entries appended so far. 0 means the
// ledger is empty and the next entry is the genesis entry.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// LastHash returns the hash of the newest entry, ZeroHash when the
// ledger is empty.
func (w *Writer) LastHash() Hash {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close closes the ledger writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}

// segmentInfo holds information about a segment file.
type segmentInfo struct {
	path     string
	firstSeq uint64
}

// listSegments returns all segment files ordered by first sequence.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".seg" {
			continue
		}

		var seq uint64
		if _, err := fmt.Sscanf(name, "%016d.seg", &seq); err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path:     filepath.Join(dir, name),
			firstSeq: seq,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].firstSeq < segments[j].firstSeq
	})

	return segments, nil
}
