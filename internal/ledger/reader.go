package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/veraxon/chronicle/internal/errors"
)

// Reader reads entries back from the ledger directory. It is
// independent of the Writer and safe to use from inspection tools that
// open the data directory read-only.
type Reader struct {
	dir string
}

// NewReader creates a reader over the ledger directory.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// ReadRange returns entries with start <= seq <= end, in sequence
// order. Pass HeadSeq as end to read through the newest entry. Entries
// are read as stored; verification is the verifier's job.
func (r *Reader) ReadRange(ctx context.Context, start, end uint64) ([]Entry, error) {
	var out []Entry
	err := r.Scan(ctx, start, end, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Scan calls fn for each entry with start <= seq <= end, in sequence
// order. Pass HeadSeq as end for no upper bound. fn returning an error
// stops the scan and returns that error.
func (r *Reader) Scan(ctx context.Context, start, end uint64, fn func(Entry) error) error {
	if end < start {
		return errors.ErrInvalidRange
	}

	segments, err := listSegments(r.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	for i, seg := range segments {
		// A segment holds entries [firstSeq, nextFirstSeq). Skip ones
		// entirely outside the requested range.
		if seg.firstSeq > end {
			break
		}
		if i+1 < len(segments) && segments[i+1].firstSeq <= start {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := scanSegmentEntries(seg.path, func(e Entry) error {
			if e.Seq < start {
				return nil
			}
			if e.Seq > end {
				return errStopScan
			}
			return fn(e)
		}); err != nil {
			if err == errStopScan {
				return nil
			}
			return err
		}
	}

	return nil
}

// Head returns the newest intact sequence number on disk. ok is false
// when the ledger holds no entries.
func (r *Reader) Head() (seq uint64, ok bool, err error) {
	segments, err := listSegments(r.dir)
	if err != nil {
		return 0, false, err
	}

	for i := len(segments) - 1; i >= 0; i-- {
		_, last, _, err := scanSegment(segments[i].path)
		if err != nil {
			return 0, false, err
		}
		if last != nil {
			return last.Seq, true, nil
		}
	}
	return 0, false, nil
}

var errStopScan = errors.New("stop scan")

// scanSegmentEntries decodes every intact record in a segment in order.
// A record that fails its CRC ends the scan without error; the
// verifier surfaces the resulting gap, since from the framing alone a
// torn tail and a tampered record look the same. A record that passes
// its CRC but fails to decode is reported as ErrCorruptSegment.
func scanSegmentEntries(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	if err := readSegmentHeader(f); err != nil {
		return fmt.Errorf("segment %s: %w", path, err)
	}

	for {
		payload, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if err == errTornRecord {
			// Only legitimate at the very tail; recovery removes it.
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment %s: %w: %v", path, errors.ErrCorruptSegment, err)
		}

		entry, err := DecodeEntry(payload)
		if err != nil {
			return fmt.Errorf("segment %s: %w: %v", path, errors.ErrCorruptSegment, err)
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
}

// scanSegment walks a segment and reports the byte offset after the
// last intact record, the last intact entry (nil if none), and how
// many torn or corrupt tail bytes follow.
func scanSegment(path string) (goodSize int64, last *Entry, tornBytes int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, 0, fmt.Errorf("stat segment: %w", err)
	}
	totalSize := info.Size()

	if err := readSegmentHeader(f); err != nil {
		return 0, nil, 0, err
	}

	goodSize = headerSize
	for {
		payload, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn or corrupt from here on; everything after goodSize
			// is discarded.
			return goodSize, last, totalSize - goodSize, nil
		}

		entry, err := DecodeEntry(payload)
		if err != nil {
			return goodSize, last, totalSize - goodSize, nil
		}

		goodSize += int64(recordHeaderSize + len(payload))
		last = &entry
	}

	return goodSize, last, 0, nil
}

var errTornRecord = errors.New("torn record")

// readSegmentHeader validates the magic and version at the start of a
// segment file.
func readSegmentHeader(f *os.File) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != ledgerMagic {
		return fmt.Errorf("invalid magic: expected %x, got %x", uint64(ledgerMagic), magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != ledgerVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}

	return nil
}

// readRecord reads the next framed record. Returns io.EOF at a clean
// end, errTornRecord when the frame is incomplete or fails its CRC.
func readRecord(f *os.File) ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errTornRecord
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length == 0 || length > maxRecordSize {
		return nil, errTornRecord
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, errTornRecord
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return nil, errTornRecord
	}

	return payload, nil
}
