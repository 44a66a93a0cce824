package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/veraxon/chronicle/internal/types"
)

var errInvalidHashLength = errors.New("hash must be 32 bytes")

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. The same entry always produces identical
// bytes, which is what makes recomputed hashes comparable to stored
// ones.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ledger: CBOR decoder initialization failed: " + err.Error())
	}
}

// entryDomainKey is the BLAKE3 keyed-hash domain for entry hashes.
// Domain separation keeps ledger hashes from colliding with any other
// keyed hash of the same bytes. The value is the ASCII domain name
// zero-padded to 32 bytes so it stays readable in hex dumps.
var entryDomainKey = [32]byte{
	'c', 'h', 'r', 'o', 'n', 'i', 'c', 'l', 'e', '.',
	'l', 'e', 'd', 'g', 'e', 'r', '.', 'e', 'n', 't', 'r', 'y',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// entryBody is the hashed portion of an entry. Timestamps are encoded
// as UnixNano so hashing does not depend on CBOR time-encoding modes.
type entryBody struct {
	Seq       uint64 `cbor:"seq"`
	Timestamp int64  `cbor:"ts"`
	Category  string `cbor:"category"`
	Payload   []byte `cbor:"payload"`
	PrevHash  Hash   `cbor:"prev_hash"`
}

// signedBody is the signed portion of an entry: the entry hash plus the
// timestamp, so a signature cannot be replayed onto an entry recorded
// at a different time.
type signedBody struct {
	Hash      Hash  `cbor:"hash"`
	Timestamp int64 `cbor:"ts"`
}

// entryWire is the on-disk form of an Entry.
type entryWire struct {
	Seq       uint64 `cbor:"seq"`
	Timestamp int64  `cbor:"ts"`
	Category  string `cbor:"category"`
	Payload   []byte `cbor:"payload"`
	PrevHash  Hash   `cbor:"prev_hash"`
	Hash      Hash   `cbor:"hash"`
	KeyID     string `cbor:"key_id"`
	Signature []byte `cbor:"sig"`
}

// ComputeHash returns the entry hash for the given chain position and
// content. Used both when appending and when verifying.
func ComputeHash(seq uint64, ts time.Time, category string, payload []byte, prev Hash) (Hash, error) {
	body, err := encMode.Marshal(entryBody{
		Seq:       seq,
		Timestamp: ts.UnixNano(),
		Category:  category,
		Payload:   payload,
		PrevHash:  prev,
	})
	if err != nil {
		return Hash{}, fmt.Errorf("encode entry body: %w", err)
	}

	h, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		return Hash{}, fmt.Errorf("init keyed hash: %w", err)
	}
	h.Write(body)

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// SigningMessage returns the byte message an entry's signature covers.
func SigningMessage(hash Hash, ts time.Time) ([]byte, error) {
	msg, err := encMode.Marshal(signedBody{
		Hash:      hash,
		Timestamp: ts.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode signing message: %w", err)
	}
	return msg, nil
}

// EncodeEntry encodes an entry to its on-disk CBOR form.
func EncodeEntry(e Entry) ([]byte, error) {
	return encMode.Marshal(entryWire{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UnixNano(),
		Category:  string(e.Category),
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
		KeyID:     e.KeyID,
		Signature: e.Signature,
	})
}

// DecodeEntry decodes an entry from its on-disk CBOR form.
func DecodeEntry(data []byte) (Entry, error) {
	var w entryWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}

	return Entry{
		Seq:       w.Seq,
		Timestamp: time.Unix(0, w.Timestamp).UTC(),
		Category:  types.Category(w.Category),
		Payload:   w.Payload,
		PrevHash:  w.PrevHash,
		Hash:      w.Hash,
		KeyID:     w.KeyID,
		Signature: w.Signature,
	}, nil
}
