package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jsbattig/share-things-sub004/internal/models"
)

// SaveSessionFingerprint records the passphrase fingerprint adopted from a
// session's first joiner. Fingerprints never leave the server; persisting
// them lets a ghost session (content outliving its members) and a restarted
// process keep gating rejoin on byte-exact equality.
func (cs *ChunkStore) SaveSessionFingerprint(ctx context.Context, sessionID string, fp models.Fingerprint) error {
	now := time.Now().UnixMilli()
	return withRetry("save session fingerprint", func() error {
		_, err := cs.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, fingerprint_iv, fingerprint_data, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				fingerprint_iv = excluded.fingerprint_iv,
				fingerprint_data = excluded.fingerprint_data,
				last_activity_at = excluded.last_activity_at`,
			sessionID, []byte(fp.IV), []byte(fp.Data), now, now)
		return err
	})
}

// GetSessionFingerprint returns the stored fingerprint, or ErrNotFound.
func (cs *ChunkStore) GetSessionFingerprint(ctx context.Context, sessionID string) (models.Fingerprint, error) {
	var iv, data []byte
	err := withRetry("get session fingerprint", func() error {
		row := cs.db.QueryRowContext(ctx,
			`SELECT fingerprint_iv, fingerprint_data FROM sessions WHERE session_id = ?`, sessionID)
		if scanErr := row.Scan(&iv, &data); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}
		return nil
	})
	if err != nil {
		return models.Fingerprint{}, err
	}
	return models.Fingerprint{IV: iv, Data: data}, nil
}

// TouchSession bumps the persisted activity timestamp.
func (cs *ChunkStore) TouchSession(ctx context.Context, sessionID string) error {
	return withRetry("touch session", func() error {
		_, err := cs.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
			time.Now().UnixMilli(), sessionID)
		return err
	})
}

// RemoveSession drops the persisted session row. Content is cleared
// separately via ClearSession.
func (cs *ChunkStore) RemoveSession(ctx context.Context, sessionID string) error {
	return withRetry("remove session", func() error {
		_, err := cs.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	})
}

// ListSessionIDs returns every persisted session ID, for retention passes.
func (cs *ChunkStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := withRetry("list sessions", func() error {
		rows, err := cs.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
