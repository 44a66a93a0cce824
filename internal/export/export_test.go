package export

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/ledger"
	"github.com/veraxon/chronicle/internal/types"
	"github.com/veraxon/chronicle/internal/verify"
)

type testKeys struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testKeys{pub: pub, priv: priv}
}

func (k *testKeys) Sign(message []byte) (string, []byte, error) {
	return "k1", ed25519.Sign(k.priv, message), nil
}

func (k *testKeys) Lookup(_ context.Context, keyID string) (ed25519.PublicKey, error) {
	if keyID != "k1" {
		return nil, errors.ErrKeyNotFound
	}
	return k.pub, nil
}

func newTestExporter(t *testing.T, dir string, keys *testKeys) *Exporter {
	t.Helper()
	reader := ledger.NewReader(dir)
	return New(reader, verify.New(reader, keys))
}

func writeEntries(t *testing.T, dir string, keys *testKeys, n int) {
	t.Helper()
	w, err := ledger.NewWriter(dir, keys, ledger.DefaultOptions())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := w.Append(ctx, types.CategoryAuditMirror, []byte(fmt.Sprintf("op %d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestExportNDJSON(t *testing.T) {
	dir := t.TempDir()
	keys := newTestKeys(t)
	writeEntries(t, dir, keys, 4)

	var buf bytes.Buffer
	e := newTestExporter(t, dir, keys)
	res, err := e.Export(context.Background(), &buf, 0, ledger.HeadSeq, FormatNDJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Exported != 4 || res.FirstBreak != nil {
		t.Fatalf("unexpected result: %+v", res)
	}

	var seqs []uint64
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var row jsonEntry
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("bad NDJSON line: %v", err)
		}
		seqs = append(seqs, row.Seq)

		if _, err := time.Parse(time.RFC3339Nano, row.Timestamp); err != nil {
			t.Errorf("bad timestamp %q: %v", row.Timestamp, err)
		}
		if _, err := base64.StdEncoding.DecodeString(row.Payload); err != nil {
			t.Errorf("bad payload encoding: %v", err)
		}
		if _, err := ledger.ParseHash(row.Hash); err != nil {
			t.Errorf("bad hash encoding: %v", err)
		}
		if row.KeyID != "k1" {
			t.Errorf("unexpected key id %q", row.KeyID)
		}
	}
	if len(seqs) != 4 || seqs[0] != 0 || seqs[3] != 3 {
		t.Errorf("unexpected sequence order: %v", seqs)
	}
}

func TestExportCBORSequence(t *testing.T) {
	dir := t.TempDir()
	keys := newTestKeys(t)
	writeEntries(t, dir, keys, 3)

	var buf bytes.Buffer
	e := newTestExporter(t, dir, keys)
	res, err := e.Export(context.Background(), &buf, 0, ledger.HeadSeq, FormatCBOR)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Exported != 3 {
		t.Fatalf("expected 3 exported, got %d", res.Exported)
	}

	// The output is a concatenated CBOR sequence; a streaming decoder
	// must read exactly the exported entries back.
	dec := cbor.NewDecoder(&buf)
	count := 0
	for {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			break
		}
		count++
		if _, ok := raw["seq"]; !ok {
			t.Errorf("decoded entry missing seq: %v", raw)
		}
	}
	if count != 3 {
		t.Errorf("expected 3 CBOR items, got %d", count)
	}
}

func TestExportParquet(t *testing.T) {
	dir := t.TempDir()
	keys := newTestKeys(t)
	writeEntries(t, dir, keys, 5)

	var buf bytes.Buffer
	e := newTestExporter(t, dir, keys)
	res, err := e.Export(context.Background(), &buf, 2, 4, FormatParquet)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Exported != 3 {
		t.Fatalf("expected 3 exported, got %d", res.Exported)
	}

	rows, err := parquet.Read[EntryRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Seq != 2 || rows[2].Seq != 4 {
		t.Errorf("unexpected row range: %d..%d", rows[0].Seq, rows[2].Seq)
	}
	if rows[0].Category != string(types.CategoryAuditMirror) {
		t.Errorf("unexpected category %q", rows[0].Category)
	}
}

func TestExportStopsAtBreak(t *testing.T) {
	dir := t.TempDir()
	keys := newTestKeys(t)

	// Build a chain by hand and forge the payload at seq 2 while
	// keeping the CRC framing valid.
	entries := make([]ledger.Entry, 0, 5)
	prev := ledger.ZeroHash
	for seq := uint64(0); seq < 5; seq++ {
		ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
		payload := []byte(fmt.Sprintf("op %d", seq))
		hash, err := ledger.ComputeHash(seq, ts, string(types.CategoryAuditMirror), payload, prev)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		msg, err := ledger.SigningMessage(hash, ts)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		entries = append(entries, ledger.Entry{
			Seq: seq, Timestamp: ts, Category: types.CategoryAuditMirror,
			Payload: payload, PrevHash: prev, Hash: hash,
			KeyID: "k1", Signature: ed25519.Sign(keys.priv, msg),
		})
		prev = hash
	}
	entries[2].Payload = []byte("forged")

	var seg []byte
	header := make([]byte, 12)
	binary.LittleEndian.PutUint64(header[0:8], 0x4348524C45440001)
	binary.LittleEndian.PutUint32(header[8:12], 1)
	seg = append(seg, header...)
	for _, en := range entries {
		data, err := ledger.EncodeEntry(en)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		frame := make([]byte, 8)
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(data)))
		binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(data))
		seg = append(seg, frame...)
		seg = append(seg, data...)
	}
	if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%016d.seg", 0)), seg, 0o600); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	var buf bytes.Buffer
	e := newTestExporter(t, dir, keys)
	res, err := e.Export(context.Background(), &buf, 0, ledger.HeadSeq, FormatNDJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if res.FirstBreak == nil || *res.FirstBreak != 2 {
		t.Fatalf("expected break at 2, got %v", res.FirstBreak)
	}
	if res.Exported != 2 {
		t.Errorf("expected the 2 entries before the break, got %d", res.Exported)
	}

	lines := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 NDJSON lines, got %d", lines)
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"cbor", "ndjson", "parquet"} {
		if _, err := ParseFormat(s); err != nil {
			t.Errorf("ParseFormat(%q): %v", s, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
