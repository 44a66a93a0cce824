package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/veraxon/chronicle/internal/types"
)

// testSigner signs with a throwaway ed25519 key.
type testSigner struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSigner{keyID: "test-key-1", priv: priv, pub: pub}
}

func (s *testSigner) Sign(message []byte) (string, []byte, error) {
	return s.keyID, ed25519.Sign(s.priv, message), nil
}

func TestAppendAndReadRange(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	ctx := context.Background()

	w, err := NewWriter(dir, signer, Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"event":%d}`, i))
		entry, err := w.Append(ctx, types.CategoryAuditMirror, payload)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if entry.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, entry.Seq)
		}
	}

	if w.NextSeq() != 5 {
		t.Errorf("expected next seq 5, got %d", w.NextSeq())
	}

	r := NewReader(dir)
	entries, err := r.ReadRange(ctx, 0, HeadSeq)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	// Chain linkage. The genesis entry is sequence 0.
	if entries[0].Seq != 0 {
		t.Errorf("expected genesis seq 0, got %d", entries[0].Seq)
	}
	if !entries[0].PrevHash.IsZero() {
		t.Error("first entry should carry the genesis sentinel")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d prev_hash does not match entry %d hash", i, i-1)
		}
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Errorf("sequence gap between %d and %d", entries[i-1].Seq, entries[i].Seq)
		}
	}

	// Hashes recompute to the stored values.
	for _, e := range entries {
		h, err := ComputeHash(e.Seq, e.Timestamp, string(e.Category), e.Payload, e.PrevHash)
		if err != nil {
			t.Fatalf("compute hash: %v", err)
		}
		if h != e.Hash {
			t.Errorf("entry %d hash mismatch", e.Seq)
		}
	}

	// Signatures verify against the test key.
	for _, e := range entries {
		msg, err := SigningMessage(e.Hash, e.Timestamp)
		if err != nil {
			t.Fatalf("signing message: %v", err)
		}
		if !ed25519.Verify(signer.pub, msg, e.Signature) {
			t.Errorf("entry %d signature invalid", e.Seq)
		}
	}
}

func TestConcurrentAppendsAssignContiguousSeqs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w, err := NewWriter(dir, newTestSigner(t), Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	const goroutines = 8
	const perGoroutine = 25

	var mu sync.Mutex
	seqs := make(map[uint64]int)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				e, err := w.Append(ctx, types.CategoryLog, []byte(fmt.Sprintf("g%d-%d", g, i)))
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				seqs[e.Seq]++
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	total := goroutines * perGoroutine
	if len(seqs) != total {
		t.Fatalf("expected %d distinct seqs, got %d", total, len(seqs))
	}
	for seq := uint64(0); seq < uint64(total); seq++ {
		if seqs[seq] != 1 {
			t.Errorf("seq %d assigned %d times", seq, seqs[seq])
		}
	}
	if w.NextSeq() != uint64(total) {
		t.Errorf("expected next seq %d, got %d", total, w.NextSeq())
	}

	// The chain still reads back contiguous and linked.
	entries, err := NewReader(dir).ReadRange(ctx, 0, HeadSeq)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(entries) != total {
		t.Fatalf("expected %d entries, got %d", total, len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			t.Fatalf("chain broken at seq %d", e.Seq)
		}
	}
}

func TestReadRangeBounds(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w, err := NewWriter(dir, newTestSigner(t), Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for i := 0; i < 10; i++ {
		if _, err := w.Append(ctx, types.CategoryLog, []byte("x")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	r := NewReader(dir)

	entries, err := r.ReadRange(ctx, 3, 7)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Seq != 3 || entries[4].Seq != 7 {
		t.Errorf("expected seqs 3..7, got %d..%d", entries[0].Seq, entries[4].Seq)
	}

	// Inverted range is rejected.
	if _, err := r.ReadRange(ctx, 7, 3); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestAppendEmptyPayload(t *testing.T) {
	w, err := NewWriter(t.TempDir(), newTestSigner(t), Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(context.Background(), types.CategoryLog, nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Tiny segment cap forces a rotation per entry or two.
	w, err := NewWriter(dir, newTestSigner(t), Options{MaxSegmentSize: 256})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for i := 1; i <= 6; i++ {
		if _, err := w.Append(ctx, types.CategoryMetric, []byte("payload")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}

	// All entries still read back in order across segments.
	entries, err := NewReader(dir).ReadRange(ctx, 0, HeadSeq)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
}

func TestRecoveryResumesChain(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	ctx := context.Background()

	w, err := NewWriter(dir, signer, Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	var lastHash Hash
	for i := 0; i < 3; i++ {
		e, err := w.Append(ctx, types.CategoryLog, []byte("x"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		lastHash = e.Hash
	}
	w.Close()

	// Reopen and continue; the chain must pick up where it left off.
	w2, err := NewWriter(dir, signer, Options{})
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	defer w2.Close()

	if w2.NextSeq() != 3 {
		t.Fatalf("expected next seq 3 after reopen, got %d", w2.NextSeq())
	}

	e, err := w2.Append(ctx, types.CategoryLog, []byte("y"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if e.Seq != 3 {
		t.Errorf("expected seq 3, got %d", e.Seq)
	}
	if e.PrevHash != lastHash {
		t.Error("chain broken across reopen")
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	signer := newTestSigner(t)
	ctx := context.Background()

	w, err := NewWriter(dir, signer, Options{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Append(ctx, types.CategoryLog, []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w.Close()

	// Simulate a crash mid-write: garbage bytes at the segment tail.
	segments, err := listSegments(dir)
	if err != nil || len(segments) != 1 {
		t.Fatalf("expected one segment: %v", err)
	}
	f, err := os.OpenFile(segments[0].path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0x00, 0x12, 0x34, 0x56}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	w2, err := NewWriter(dir, signer, Options{})
	if err != nil {
		t.Fatalf("reopen writer: %v", err)
	}
	defer w2.Close()

	if w2.NextSeq() != 3 {
		t.Errorf("expected next seq 3 after recovery, got %d", w2.NextSeq())
	}
	if w2.Stats().TruncatedRecords != 1 {
		t.Errorf("expected one truncated record, got %d", w2.Stats().TruncatedRecords)
	}

	// Appends continue cleanly after the truncation.
	e, err := w2.Append(ctx, types.CategoryLog, []byte("y"))
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if e.Seq != 3 {
		t.Errorf("expected seq 3, got %d", e.Seq)
	}

	entries, err := NewReader(dir).ReadRange(ctx, 0, HeadSeq)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
}

func TestDeterministicEncoding(t *testing.T) {
	e := Entry{
		Seq:      1,
		Category: types.CategoryLog,
		Payload:  []byte("hello"),
	}

	a, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(a) != string(b) {
		t.Error("encoding is not deterministic")
	}

	decoded, err := DecodeEntry(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Seq != e.Seq || decoded.Category != e.Category || string(decoded.Payload) != "hello" {
		t.Error("round trip mismatch")
	}
}

func TestParseHash(t *testing.T) {
	var h Hash
	h[0] = 0xAB

	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}
	if parsed != h {
		t.Error("round trip mismatch")
	}

	if _, err := ParseHash("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestListSegmentsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"notes.txt", "0000000000000001.tmp", "123.seg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("expected no segments, got %d", len(segments))
	}
}
