package session

import (
	"context"
	"testing"
	"time"

	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/models"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.ChunkStore) {
	t.Helper()
	store, err := storage.NewChunkStore(storage.StoreConfig{BasePath: t.TempDir()}, logger.NewLogger("storage-test"))
	if err != nil {
		t.Fatalf("Failed to create chunk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokens := NewTokenService("test-secret", time.Hour)
	return NewRegistry(store, tokens, logger.NewLogger("session-test")), store
}

func fp(seed byte) models.Fingerprint {
	iv := make([]byte, 12)
	data := make([]byte, 16)
	for i := range iv {
		iv[i] = seed
	}
	for i := range data {
		data[i] = seed + 1
	}
	return models.Fingerprint{IV: iv, Data: data}
}

func TestJoinCreatesThenSecondMatches(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	f1 := fp(0x01)

	resA, err := r.JoinOrCreate(ctx, "s1", "A", "A", f1)
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if !resA.IsNew {
		t.Error("first join should create the session")
	}
	if len(resA.Peers) != 0 {
		t.Errorf("first joiner peers = %v, want none", resA.Peers)
	}

	resB, err := r.JoinOrCreate(ctx, "s1", "B", "B", f1)
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if resB.IsNew {
		t.Error("second join must not recreate the session")
	}
	if len(resB.Peers) != 1 || resB.Peers[0].ClientID != "A" || resB.Peers[0].Name != "A" {
		t.Errorf("second joiner peers = %v, want [{A A}]", resB.Peers)
	}
}

func TestJoinRejectedOnFingerprintMismatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.JoinOrCreate(ctx, "s1", "A", "A", fp(0x01)); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if _, err := r.JoinOrCreate(ctx, "s1", "B", "B", fp(0x01)); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	if _, err := r.JoinOrCreate(ctx, "s1", "C", "C", fp(0x02)); err != ErrPassphraseMismatch {
		t.Fatalf("expected ErrPassphraseMismatch, got %v", err)
	}

	members := r.SnapshotMembers("s1")
	if len(members) != 2 {
		t.Errorf("member list changed after rejected join: %v", members)
	}
}

func TestTokenValidationAndRevocation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.JoinOrCreate(ctx, "s1", "A", "A", fp(0x01))
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	sessionID, clientID, err := r.ValidateToken(res.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if sessionID != "s1" || clientID != "A" {
		t.Errorf("token bound to (%s, %s), want (s1, A)", sessionID, clientID)
	}

	t.Run("reissue invalidates prior token", func(t *testing.T) {
		res2, err := r.JoinOrCreate(ctx, "s1", "A", "A", fp(0x01))
		if err != nil {
			t.Fatalf("rejoin failed: %v", err)
		}
		if _, _, err := r.ValidateToken(res.Token); err != ErrUnauthorized {
			t.Errorf("stale token should be rejected, got %v", err)
		}
		if _, _, err := r.ValidateToken(res2.Token); err != nil {
			t.Errorf("current token should validate, got %v", err)
		}
		res = res2
	})

	t.Run("leave revokes", func(t *testing.T) {
		if err := r.Leave(ctx, "s1", "A"); err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		if _, _, err := r.ValidateToken(res.Token); err != ErrUnauthorized {
			t.Errorf("token should be revoked after leave, got %v", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, _, err := r.ValidateToken("not-a-token"); err != ErrUnauthorized {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestExpireIdleAndRevive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	f1 := fp(0x01)

	resA, err := r.JoinOrCreate(ctx, "s1", "A", "A", f1)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := r.JoinOrCreate(ctx, "s1", "B", "B", f1); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// Zero threshold: everything is idle.
	expired := r.ExpireIdle(0)
	if len(expired) != 1 || expired[0].SessionID != "s1" {
		t.Fatalf("expired = %v, want [s1]", expired)
	}
	if len(expired[0].ClientIDs) != 2 {
		t.Errorf("expired members = %v, want both", expired[0].ClientIDs)
	}

	if _, _, err := r.ValidateToken(resA.Token); err != ErrUnauthorized {
		t.Errorf("expired session token should be rejected, got %v", err)
	}

	t.Run("join rejected until purged", func(t *testing.T) {
		if _, err := r.JoinOrCreate(ctx, "s1", "C", "C", f1); err != ErrSessionExpired {
			t.Errorf("expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("rejoin revives with matching fingerprint", func(t *testing.T) {
		res, err := r.Rejoin(ctx, "s1", "A", "A", f1)
		if err != nil {
			t.Fatalf("rejoin failed: %v", err)
		}
		if !res.IsNew {
			t.Error("revived session should be fresh")
		}
		if len(res.Peers) != 0 {
			t.Errorf("fresh session peers = %v, want none", res.Peers)
		}
	})

	t.Run("rejoin rejected with wrong fingerprint", func(t *testing.T) {
		r.ExpireIdle(0)
		if _, err := r.Rejoin(ctx, "s1", "B", "B", fp(0x09)); err != ErrPassphraseMismatch {
			t.Errorf("expected ErrPassphraseMismatch, got %v", err)
		}
	})
}

func TestJoinAfterPurgeCreatesFreshSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	f1 := fp(0x01)

	if _, err := r.JoinOrCreate(ctx, "s1", "A", "A", f1); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	r.ExpireIdle(0)
	purged := r.PurgeExpired(ctx)
	if len(purged) != 1 || purged[0] != "s1" {
		t.Fatalf("purged = %v, want [s1]", purged)
	}

	res, err := r.JoinOrCreate(ctx, "s1", "A", "A", f1)
	if err != nil {
		t.Fatalf("join after purge failed: %v", err)
	}
	if !res.IsNew {
		t.Error("join after purge should create a fresh session")
	}
}

func TestGhostSessionRequiresStoredFingerprint(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	f1 := fp(0x01)

	if _, err := r.JoinOrCreate(ctx, "s1", "A", "A", f1); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// Persist content so the session outlives its members.
	meta := &models.ContentMetadata{
		ContentID:   "keep",
		SessionID:   "s1",
		ContentType: models.ContentTypeText,
	}
	if err := store.SaveContent(ctx, meta); err != nil {
		t.Fatalf("SaveContent failed: %v", err)
	}

	if err := r.Leave(ctx, "s1", "A"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	r.PurgeExpired(ctx)

	t.Run("wrong fingerprint rejected", func(t *testing.T) {
		if _, err := r.JoinOrCreate(ctx, "s1", "B", "B", fp(0x05)); err != ErrPassphraseMismatch {
			t.Errorf("expected ErrPassphraseMismatch, got %v", err)
		}
	})

	t.Run("matching fingerprint readmitted", func(t *testing.T) {
		if _, err := r.JoinOrCreate(ctx, "s1", "B", "B", f1); err != nil {
			t.Errorf("ghost rejoin with matching fingerprint failed: %v", err)
		}
	})
}

func TestPurgeDropsFingerprintWhenNoContent(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.JoinOrCreate(ctx, "s1", "A", "A", fp(0x01)); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := r.Leave(ctx, "s1", "A"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	r.PurgeExpired(ctx)

	if _, err := store.GetSessionFingerprint(ctx, "s1"); err != storage.ErrNotFound {
		t.Errorf("fingerprint row should be gone, got %v", err)
	}

	// The session ID is free again under any passphrase.
	if _, err := r.JoinOrCreate(ctx, "s1", "B", "B", fp(0x07)); err != nil {
		t.Errorf("fresh join after full purge failed: %v", err)
	}
}
