package keys

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"sync"

	"github.com/veraxon/chronicle/internal/errors"
)

// Resolver looks up public keys without owning the key table.
// Inspection tools attach it to a read-only database where a Manager
// cannot run: no table creation, no key generation, no rotation.
type Resolver struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]ed25519.PublicKey
}

// NewResolver creates a read-only key resolver over an existing
// signing_keys table.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{
		db:    db,
		cache: make(map[string]ed25519.PublicKey),
	}
}

// Lookup resolves a key id to its public key. Keys never change once
// written, so results are cached permanently.
func (r *Resolver) Lookup(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	if pub, ok := r.cache[keyID]; ok {
		r.mu.RUnlock()
		return pub, nil
	}
	r.mu.RUnlock()

	var pub []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT public_key FROM signing_keys WHERE key_id = ?`, keyID).Scan(&pub)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("key %s: %w", keyID, errors.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup key %s: %w", keyID, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s: invalid public key size %d", keyID, len(pub))
	}

	key := ed25519.PublicKey(pub)
	r.mu.Lock()
	r.cache[keyID] = key
	r.mu.Unlock()
	return key, nil
}

// List returns all keys, newest first.
func (r *Resolver) List(ctx context.Context) ([]KeyInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key_id, public_key, created_at, retired_at
		 FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var pub []byte
		var retired sql.NullTime
		if err := rows.Scan(&info.ID, &pub, &info.CreatedAt, &retired); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		info.Public = ed25519.PublicKey(pub)
		if retired.Valid {
			t := retired.Time
			info.RetiredAt = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
