// Package keys manages the ed25519 signing keys for the ledger: the
// single active key, rotation, and archival lookup of retired keys so
// old entries stay verifiable forever.
package keys

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/logging"
)

// KeyInfo describes a signing key without exposing private material.
type KeyInfo struct {
	ID        string
	Public    ed25519.PublicKey
	CreatedAt time.Time
	RetiredAt *time.Time
}

// RotationCallback is invoked after a successful rotation with the
// retired and new key ids. The engine uses it to append a key-rotation
// entry to the ledger.
type RotationCallback func(ctx context.Context, retiredID, newID string) error

// Manager owns the signing keys. Keys are persisted in the shared
// DuckDB database; private key material never leaves this package.
type Manager struct {
	mu sync.Mutex

	db               *sql.DB
	rotationInterval time.Duration
	onRotate         RotationCallback

	activeID      string
	activePriv    ed25519.PrivateKey
	activeCreated time.Time

	// lookupGroup collapses concurrent archival lookups for the same
	// key id; lookupCache holds resolved public keys (keys are never
	// deleted, so the cache never invalidates).
	lookupGroup singleflight.Group
	cacheMu     sync.RWMutex
	lookupCache map[string]ed25519.PublicKey

	stats Stats
}

// Stats holds key manager statistics.
type Stats struct {
	Rotations    int64
	Signatures   int64
	Lookups      int64
	LookupMisses int64
}

const schema = `
CREATE TABLE IF NOT EXISTS signing_keys (
	key_id      VARCHAR PRIMARY KEY,
	public_key  BLOB NOT NULL,
	private_key BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	retired_at  TIMESTAMP
)`

// New creates the key manager over the shared database, creating the
// signing_keys table and an initial key when none exists.
func New(ctx context.Context, db *sql.DB, rotationInterval time.Duration) (*Manager, error) {
	if rotationInterval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive")
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create signing_keys table: %w", err)
	}

	m := &Manager{
		db:               db,
		rotationInterval: rotationInterval,
		lookupCache:      make(map[string]ed25519.PublicKey),
	}

	if err := m.loadActive(ctx); err != nil {
		if !errors.Is(err, errors.ErrKeyNotFound) {
			return nil, err
		}
		if _, err := m.generate(ctx); err != nil {
			return nil, fmt.Errorf("generate initial key: %w", err)
		}
		logging.Component("keys").Info("generated initial signing key", "key_id", m.activeID)
	}

	return m, nil
}

// SetRotationCallback wires the post-rotation hook. Must be called
// before Start-time rotation checks; not safe to change concurrently
// with Rotate.
func (m *Manager) SetRotationCallback(cb RotationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = cb
}

// Sign signs the message with the active key. Implements the ledger's
// Signer.
func (m *Manager) Sign(message []byte) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activePriv == nil {
		return "", nil, errors.ErrKeyNotFound
	}

	m.stats.Signatures++
	return m.activeID, ed25519.Sign(m.activePriv, message), nil
}

// ActiveKey returns the current signing key's public info.
func (m *Manager) ActiveKey() KeyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return KeyInfo{
		ID:        m.activeID,
		Public:    m.activePriv.Public().(ed25519.PublicKey),
		CreatedAt: m.activeCreated,
	}
}

// Rotate retires the active key and activates a freshly generated one.
// Entries already signed with the retired key remain verifiable via
// Lookup. The rotation callback runs after the swap commits.
func (m *Manager) Rotate(ctx context.Context) error {
	m.mu.Lock()

	retiredID := m.activeID

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("begin rotation: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE signing_keys SET retired_at = ? WHERE key_id = ?`,
		now, retiredID); err != nil {
		tx.Rollback()
		m.mu.Unlock()
		return fmt.Errorf("retire key %s: %w", retiredID, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		tx.Rollback()
		m.mu.Unlock()
		return fmt.Errorf("generate key: %w", err)
	}

	newID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO signing_keys (key_id, public_key, private_key, created_at) VALUES (?, ?, ?, ?)`,
		newID, []byte(pub), []byte(priv), now); err != nil {
		tx.Rollback()
		m.mu.Unlock()
		return fmt.Errorf("insert key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("commit rotation: %w", err)
	}

	m.activeID = newID
	m.activePriv = priv
	m.activeCreated = now
	m.stats.Rotations++
	cb := m.onRotate
	m.mu.Unlock()

	logging.Component("keys").Info("rotated signing key",
		"retired", retiredID, "active", newID)

	if cb != nil {
		if err := cb(ctx, retiredID, newID); err != nil {
			return fmt.Errorf("rotation callback: %w", err)
		}
	}

	return nil
}

// RotateIfDue rotates when the active key is older than the rotation
// interval. Returns whether a rotation happened.
func (m *Manager) RotateIfDue(ctx context.Context) (bool, error) {
	m.mu.Lock()
	due := time.Since(m.activeCreated) >= m.rotationInterval
	m.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := m.Rotate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup resolves a key id to its public key, whether active or
// retired. Unknown ids return ErrKeyNotFound: an entry naming a key
// that was never recorded cannot be verified and the caller must treat
// the condition as fatal, not as a broken chain.
func (m *Manager) Lookup(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	m.cacheMu.RLock()
	if pub, ok := m.lookupCache[keyID]; ok {
		m.cacheMu.RUnlock()
		return pub, nil
	}
	m.cacheMu.RUnlock()

	v, err, _ := m.lookupGroup.Do(keyID, func() (interface{}, error) {
		var pub []byte
		err := m.db.QueryRowContext(ctx,
			`SELECT public_key FROM signing_keys WHERE key_id = ?`, keyID).Scan(&pub)
		if err == sql.ErrNoRows {
			m.mu.Lock()
			m.stats.LookupMisses++
			m.mu.Unlock()
			return nil, fmt.Errorf("key %s: %w", keyID, errors.ErrKeyNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup key %s: %w", keyID, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s: invalid public key size %d", keyID, len(pub))
		}

		key := ed25519.PublicKey(pub)
		m.cacheMu.Lock()
		m.lookupCache[keyID] = key
		m.cacheMu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.stats.Lookups++
	m.mu.Unlock()

	return v.(ed25519.PublicKey), nil
}

// List returns all keys, newest first, without private material.
func (m *Manager) List(ctx context.Context) ([]KeyInfo, error) {
	rows, err := m.db.QueryContext(ctx,
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

// Stats returns key manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// loadActive loads the non-retired key from the database.
func (m *Manager) loadActive(ctx context.Context) error {
	var id string
	var priv []byte
	var created time.Time

	err := m.db.QueryRowContext(ctx,
		`SELECT key_id, private_key, created_at
		 FROM signing_keys WHERE retired_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`).Scan(&id, &priv, &created)
	if err == sql.ErrNoRows {
		return errors.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("load active key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("active key %s: invalid private key size %d", id, len(priv))
	}

	m.activeID = id
	m.activePriv = ed25519.PrivateKey(priv)
	m.activeCreated = created
	return nil
}

// generate creates and activates a new key without retiring anything.
// Used only for the very first key of a fresh database.
func (m *Manager) generate(ctx context.Context) (string, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO signing_keys (key_id, public_key, private_key, created_at) VALUES (?, ?, ?, ?)`,
		id, []byte(pub), []byte(priv), now); err != nil {
		return "", fmt.Errorf("insert key: %w", err)
	}

	m.activeID = id
	m.activePriv = priv
	m.activeCreated = now
	return id, nil
}
