// Package ledger implements the append-only audit ledger: a hash chain
// of signed entries persisted in numbered segment files.
//
// Each segment file contains a sequence of CRC-framed records; each
// record payload is one CBOR-encoded entry. Entries are chained by hash:
// every entry's hash covers the previous entry's hash, so any mutation
// of a stored entry breaks the chain from that point forward. There are
// no update or delete operations.
package ledger

import (
	"encoding/hex"
	"time"

	"github.com/veraxon/chronicle/internal/types"
)

// Hash is a 32-byte BLAKE3 digest used for entry hashes and chain links.
type Hash [32]byte

// ZeroHash is the genesis sentinel carried as PrevHash by the first
// entry of a ledger.
var ZeroHash Hash

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the genesis sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHash parses a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errInvalidHashLength
	}
	copy(h[:], b)
	return h, nil
}

// Entry is one immutable ledger entry. Seq is assigned by the writer
// and is contiguous: entry n+1 always follows entry n with no gaps.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Category  types.Category
	Payload   []byte

	// PrevHash links to the preceding entry (ZeroHash for the first).
	PrevHash Hash

	// Hash covers seq, timestamp, category, payload, and PrevHash.
	Hash Hash

	// KeyID identifies the signing key; Signature is the ed25519
	// signature over (Hash, Timestamp).
	KeyID     string
	Signature []byte
}

// Signer produces signatures for new entries. Implemented by the key
// manager; the writer never sees private key material directly.
type Signer interface {
	// Sign signs the message with the active key and returns the key id
	// it used.
	Sign(message []byte) (keyID string, signature []byte, err error)
}
