package keys

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/veraxon/chronicle/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewGeneratesInitialKey(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, openTestDB(t), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	info := m.ActiveKey()
	if info.ID == "" {
		t.Error("expected active key id")
	}
	if len(info.Public) != ed25519.PublicKeySize {
		t.Errorf("unexpected public key size %d", len(info.Public))
	}
}

func TestSignAndLookup(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, openTestDB(t), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	msg := []byte("verify me")
	keyID, sig, err := m.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pub, err := m.Lookup(ctx, keyID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		t.Error("signature does not verify against looked-up key")
	}
}

func TestLookupUnknownKey(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, openTestDB(t), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = m.Lookup(ctx, "no-such-key")
	if !errors.Is(err, errors.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, openTestDB(t), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	oldID := m.ActiveKey().ID

	var cbRetired, cbNew string
	m.SetRotationCallback(func(_ context.Context, retiredID, newID string) error {
		cbRetired, cbNew = retiredID, newID
		return nil
	})

	// Sign something with the old key so we can verify it still
	// resolves after rotation.
	msg := []byte("pre-rotation")
	_, oldSig, err := m.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := m.Rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	newID := m.ActiveKey().ID
	if newID == oldID {
		t.Error("rotation did not change the active key")
	}
	if cbRetired != oldID || cbNew != newID {
		t.Errorf("callback got (%s, %s), want (%s, %s)", cbRetired, cbNew, oldID, newID)
	}

	// Retired key remains available for verification.
	oldPub, err := m.Lookup(ctx, oldID)
	if err != nil {
		t.Fatalf("lookup retired key: %v", err)
	}
	if !ed25519.Verify(oldPub, msg, oldSig) {
		t.Error("old signature no longer verifies")
	}

	keys, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	retiredCount := 0
	for _, k := range keys {
		if k.RetiredAt != nil {
			retiredCount++
		}
	}
	if retiredCount != 1 {
		t.Errorf("expected 1 retired key, got %d", retiredCount)
	}
}

func TestRotateIfDue(t *testing.T) {
	ctx := context.Background()

	// Long interval: not due.
	m, err := New(ctx, openTestDB(t), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rotated, err := m.RotateIfDue(ctx)
	if err != nil {
		t.Fatalf("rotate if due: %v", err)
	}
	if rotated {
		t.Error("fresh key should not rotate")
	}

	// Expired key: due immediately.
	m.mu.Lock()
	m.activeCreated = time.Now().UTC().Add(-100 * 24 * time.Hour)
	m.mu.Unlock()

	rotated, err = m.RotateIfDue(ctx)
	if err != nil {
		t.Fatalf("rotate if due: %v", err)
	}
	if !rotated {
		t.Error("expired key should rotate")
	}
}

func TestReopenLoadsActiveKey(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	m1, err := New(ctx, db, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	firstID := m1.ActiveKey().ID

	// A second manager over the same database must resume the same
	// active key instead of generating a new one.
	m2, err := New(ctx, db, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	if m2.ActiveKey().ID != firstID {
		t.Errorf("expected active key %s, got %s", firstID, m2.ActiveKey().ID)
	}
}
