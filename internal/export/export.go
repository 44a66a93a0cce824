// Package export streams ledger entries to portable formats: a
// deterministic CBOR sequence, line-delimited JSON, or Parquet rows.
package export

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/ledger"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/verify"
)

// Format selects the output encoding.
type Format string

const (
	// FormatCBOR is a concatenated sequence of deterministically
	// encoded entries, byte-identical to the ledger's own on-disk
	// record payloads.
	FormatCBOR Format = "cbor"
	// FormatNDJSON is one JSON object per line.
	FormatNDJSON Format = "ndjson"
	// FormatParquet is a tabular Parquet file.
	FormatParquet Format = "parquet"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCBOR, FormatNDJSON, FormatParquet:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format: %s", s)
	}
}

// Result describes what an export produced. When the requested range
// contains an integrity break, everything before the break is still
// emitted and FirstBreak records where the chain failed; entries at
// and past a break are never exported.
type Result struct {
	Exported   uint64
	FirstBreak *uint64
	Reason     string
}

// Exporter verifies and streams ledger ranges.
type Exporter struct {
	reader   *ledger.Reader
	verifier *verify.Verifier
}

// New creates an exporter over the ledger directory.
func New(reader *ledger.Reader, verifier *verify.Verifier) *Exporter {
	return &Exporter{reader: reader, verifier: verifier}
}

// Export verifies the range start..end (pass ledger.HeadSeq as end
// for the ledger head) and writes the verified prefix to w in the
// given format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, start, end uint64, format Format) (*Result, error) {
	report, err := e.verifier.VerifyRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("pre-export verification: %w", err)
	}

	res := &Result{FirstBreak: report.FirstBreak, Reason: report.Reason}

	// Clamp the range to the verified prefix.
	if report.FirstBreak != nil {
		if *report.FirstBreak <= start {
			return res, nil
		}
		end = *report.FirstBreak - 1
	}

	sink, finish, err := newSink(w, format)
	if err != nil {
		return nil, err
	}

	err = e.reader.Scan(ctx, start, end, func(entry ledger.Entry) error {
		if err := sink(entry); err != nil {
			return err
		}
		res.Exported++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export scan: %w", err)
	}
	if err := finish(); err != nil {
		return nil, fmt.Errorf("finalize export: %w", err)
	}

	logging.Component("export").Debug("range exported",
		"start", start, "end", end, "format", string(format), "entries", res.Exported)
	return res, nil
}

// entrySink consumes one entry; the finish func flushes buffered
// output and must be called exactly once after the last entry.
type entrySink func(ledger.Entry) error

func newSink(w io.Writer, format Format) (entrySink, func() error, error) {
	switch format {
	case FormatCBOR:
		return cborSink(w)
	case FormatNDJSON:
		return ndjsonSink(w)
	case FormatParquet:
		return parquetSink(w)
	default:
		return nil, nil, fmt.Errorf("%w: unknown export format %q", errors.ErrInvalidConfig, format)
	}
}

func cborSink(w io.Writer) (entrySink, func() error, error) {
	bw := bufio.NewWriter(w)
	sink := func(e ledger.Entry) error {
		data, err := ledger.EncodeEntry(e)
		if err != nil {
			return err
		}
		_, err = bw.Write(data)
		return err
	}
	return sink, bw.Flush, nil
}

// jsonEntry is the NDJSON row shape. Binary fields are base64, hashes
// are hex to match how they appear everywhere else in tooling output.
type jsonEntry struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	Category  string `json:"category"`
	Payload   string `json:"payload"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	KeyID     string `json:"key_id"`
	Signature string `json:"sig"`
}

func ndjsonSink(w io.Writer) (entrySink, func() error, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	sink := func(e ledger.Entry) error {
		return enc.Encode(jsonEntry{
			Seq:       e.Seq,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Category:  string(e.Category),
			Payload:   base64.StdEncoding.EncodeToString(e.Payload),
			PrevHash:  e.PrevHash.String(),
			Hash:      e.Hash.String(),
			KeyID:     e.KeyID,
			Signature: base64.StdEncoding.EncodeToString(e.Signature),
		})
	}
	return sink, bw.Flush, nil
}

// EntryRow is the Parquet row shape for a ledger entry.
type EntryRow struct {
	Seq         uint64 `parquet:"seq"`
	TimestampNs int64  `parquet:"timestamp_ns"`
	Category    string `parquet:"category,zstd"`
	Payload     []byte `parquet:"payload,zstd"`
	PrevHash    string `parquet:"prev_hash"`
	Hash        string `parquet:"hash"`
	KeyID       string `parquet:"key_id,zstd"`
	Signature   []byte `parquet:"sig"`
}

func parquetSink(w io.Writer) (entrySink, func() error, error) {
	pw := parquet.NewGenericWriter[EntryRow](w,
		parquet.Compression(&parquet.Zstd))

	sink := func(e ledger.Entry) error {
		_, err := pw.Write([]EntryRow{{
			Seq:         e.Seq,
			TimestampNs: e.Timestamp.UnixNano(),
			Category:    string(e.Category),
			Payload:     e.Payload,
			PrevHash:    e.PrevHash.String(),
			Hash:        e.Hash.String(),
			KeyID:       e.KeyID,
			Signature:   e.Signature,
		}})
		return err
	}
	return sink, pw.Close, nil
}
