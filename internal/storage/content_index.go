package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jsbattig/share-things-sub004/internal/models"
)

// AllContent disables the listing limit.
const AllContent = -1

// SaveContent creates or updates a content metadata row from a client
// announcement. For chunked content this reserves the row its chunks attach
// to; for non-chunked content it records the single-payload metadata.
func (cs *ChunkStore) SaveContent(ctx context.Context, meta *models.ContentMetadata) error {
	dir := contentDir(meta.SessionID, meta.ContentID)

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	imageInfo, textInfo, fileInfo, err := marshalHints(meta)
	if err != nil {
		return storageErr("save content", err)
	}

	var encryptionIV []byte
	if meta.EncryptionMetadata != nil {
		encryptionIV = []byte(meta.EncryptionMetadata.IV)
	}

	totalChunks := meta.TotalChunks
	if totalChunks <= 0 {
		totalChunks = 1
	}
	complete := 0
	if !meta.IsChunked {
		complete = 1
	}

	return withRetry("save content", func() error {
		res, err := cs.db.ExecContext(ctx, `
			INSERT INTO content (
				content_id, session_id, dir, sender_id, sender_name, content_type,
				mime_type, file_name, size, image_info, text_info, file_info,
				total_chunks, total_size, is_chunked, is_large_file, is_complete,
				is_pinned, created_at, last_accessed_at, encryption_iv, additional_metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT(content_id) DO UPDATE SET
				session_id = excluded.session_id,
				sender_id = excluded.sender_id,
				sender_name = excluded.sender_name,
				content_type = excluded.content_type,
				mime_type = excluded.mime_type,
				file_name = excluded.file_name,
				size = excluded.size,
				image_info = excluded.image_info,
				text_info = excluded.text_info,
				file_info = excluded.file_info,
				total_chunks = excluded.total_chunks,
				is_chunked = excluded.is_chunked,
				is_large_file = excluded.is_large_file,
				encryption_iv = excluded.encryption_iv,
				additional_metadata = excluded.additional_metadata
			WHERE content.session_id = excluded.session_id`,
			meta.ContentID, meta.SessionID, dir, meta.SenderID, meta.SenderName,
			string(meta.ContentType), meta.MimeType, meta.FileName, meta.Size,
			imageInfo, textInfo, fileInfo, totalChunks, meta.TotalSize,
			boolInt(meta.IsChunked), boolInt(meta.IsLargeFile), complete,
			createdAt.UnixMilli(), createdAt.UnixMilli(), encryptionIV,
			nullableString(meta.AdditionalMetadata))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("content %s belongs to another session", meta.ContentID)
		}
		return nil
	})
}

// GetContentMetadata returns the metadata row for a content ID.
func (cs *ChunkStore) GetContentMetadata(ctx context.Context, contentID string) (*models.ContentMetadata, error) {
	var meta *models.ContentMetadata
	err := withRetry("get content metadata", func() error {
		row := cs.db.QueryRowContext(ctx, contentSelect+` WHERE content_id = ?`, contentID)
		m, scanErr := scanContent(row)
		if scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// ListContent returns a session's content, pinned items first, then newest
// first within each group. The limit applies after ordering; pass AllContent
// for no limit. A limit of zero returns nothing.
func (cs *ChunkStore) ListContent(ctx context.Context, sessionID string, limit int) ([]models.ContentMetadata, error) {
	if limit == 0 {
		return []models.ContentMetadata{}, nil
	}

	query := contentSelect + ` WHERE session_id = ? ORDER BY is_pinned DESC, created_at DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []models.ContentMetadata
	err := withRetry("list content", func() error {
		rows, err := cs.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanContent(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.ContentMetadata{}
	}
	return out, nil
}

// MarkContentComplete marks a content item complete and recomputes its total
// size from the stored chunk set.
func (cs *ChunkStore) MarkContentComplete(ctx context.Context, contentID string) error {
	return withRetry("mark content complete", func() error {
		res, err := cs.db.ExecContext(ctx, `
			UPDATE content SET is_complete = 1,
				total_size = (SELECT COALESCE(SUM(size), 0) FROM chunks WHERE content_id = ?)
			WHERE content_id = ?`, contentID, contentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PinContent marks content exempt from retention eviction. No-op if unknown.
func (cs *ChunkStore) PinContent(ctx context.Context, contentID string) error {
	return cs.setPinned(ctx, contentID, true)
}

// UnpinContent clears the retention exemption. No-op if unknown.
func (cs *ChunkStore) UnpinContent(ctx context.Context, contentID string) error {
	return cs.setPinned(ctx, contentID, false)
}

func (cs *ChunkStore) setPinned(ctx context.Context, contentID string, pinned bool) error {
	return withRetry("set pinned", func() error {
		_, err := cs.db.ExecContext(ctx,
			`UPDATE content SET is_pinned = ? WHERE content_id = ?`, boolInt(pinned), contentID)
		return err
	})
}

// RenameContent updates the display file name, including the copy clients
// keep inside additionalMetadata. Empty names are rejected.
func (cs *ChunkStore) RenameContent(ctx context.Context, contentID, newFileName string) error {
	if newFileName == "" {
		return storageErr("rename content", fmt.Errorf("file name must not be empty"))
	}

	return withRetry("rename content", func() error {
		tx, err := cs.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var extra sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT additional_metadata FROM content WHERE content_id = ?`, contentID)
		if scanErr := row.Scan(&extra); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}

		patched := patchFileName(extra, newFileName)

		if _, err := tx.ExecContext(ctx,
			`UPDATE content SET file_name = ?, additional_metadata = ? WHERE content_id = ?`,
			newFileName, patched, contentID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// patchFileName rewrites the fileName key inside the opaque metadata blob.
// Anything that is not a JSON object is left untouched.
func patchFileName(extra sql.NullString, newFileName string) interface{} {
	if !extra.Valid || extra.String == "" {
		blob, _ := json.Marshal(map[string]string{"fileName": newFileName})
		return string(blob)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(extra.String), &obj); err != nil || obj == nil {
		return extra.String
	}
	obj["fileName"] = newFileName
	blob, err := json.Marshal(obj)
	if err != nil {
		return extra.String
	}
	return string(blob)
}

// RemoveContent deletes a content item's chunks and metadata as one logical
// transaction. The chunk directory goes last; a crash in between leaves an
// orphan the startup scan reclaims.
func (cs *ChunkStore) RemoveContent(ctx context.Context, contentID string) error {
	mu := cs.lockFor(contentID)
	mu.Lock()
	defer mu.Unlock()

	var dir string
	err := withRetry("remove content", func() error {
		tx, err := cs.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT dir FROM content WHERE content_id = ?`, contentID)
		if scanErr := row.Scan(&dir); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE content_id = ?`, contentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM content WHERE content_id = ?`, contentID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if rmErr := os.RemoveAll(filepath.Join(cs.basePath, dir)); rmErr != nil {
		cs.logger.Printf("WARNING: failed to remove content dir %s: %v", dir, rmErr)
	}
	return nil
}

// ClearSession deletes every content item for a session, pinned included.
func (cs *ChunkStore) ClearSession(ctx context.Context, sessionID string) error {
	ids, err := cs.contentIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := cs.RemoveContent(ctx, id); err != nil && err != ErrNotFound {
			return err
		}
	}

	os.RemoveAll(filepath.Join(cs.basePath, hashName(sessionID)))
	return nil
}

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	Removed []string
}

// CleanupOldContent keeps all pinned items and the newest maxItems non-pinned
// items, deleting the remainder oldest first.
func (cs *ChunkStore) CleanupOldContent(ctx context.Context, sessionID string, maxItems int) (*CleanupResult, error) {
	if maxItems < 0 {
		maxItems = 0
	}

	var victims []string
	err := withRetry("select eviction victims", func() error {
		rows, err := cs.db.QueryContext(ctx, `
			SELECT content_id FROM content
			WHERE session_id = ? AND is_pinned = 0
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?`, sessionID, maxItems)
		if err != nil {
			return err
		}
		defer rows.Close()

		victims = victims[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			victims = append(victims, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{}
	// Oldest first so an interrupted pass has trimmed from the tail.
	for i := len(victims) - 1; i >= 0; i-- {
		if err := cs.RemoveContent(ctx, victims[i]); err != nil && err != ErrNotFound {
			return result, err
		}
		result.Removed = append(result.Removed, victims[i])
	}
	return result, nil
}

// GetPinnedContentCount returns how many pinned items a session holds.
func (cs *ChunkStore) GetPinnedContentCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := withRetry("count pinned", func() error {
		return cs.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM content WHERE session_id = ? AND is_pinned = 1`,
			sessionID).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// TouchContentAccess bumps lastAccessedAt, e.g. after a download.
func (cs *ChunkStore) TouchContentAccess(ctx context.Context, contentID string) error {
	return withRetry("touch content", func() error {
		_, err := cs.db.ExecContext(ctx,
			`UPDATE content SET last_accessed_at = ? WHERE content_id = ?`,
			time.Now().UnixMilli(), contentID)
		return err
	})
}

// HasContent reports whether a session still has any persisted content.
func (cs *ChunkStore) HasContent(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := withRetry("has content", func() error {
		return cs.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM content WHERE session_id = ?`, sessionID).Scan(&count)
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (cs *ChunkStore) contentIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := withRetry("list content ids", func() error {
		rows, err := cs.db.QueryContext(ctx,
			`SELECT content_id FROM content WHERE session_id = ?`, sessionID)
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

const contentSelect = `
	SELECT content_id, session_id, sender_id, sender_name, content_type,
		mime_type, file_name, size, image_info, text_info, file_info,
		total_chunks, total_size, is_chunked, is_large_file, is_complete,
		is_pinned, created_at, last_accessed_at, encryption_iv, additional_metadata
	FROM content`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContent(row rowScanner) (*models.ContentMetadata, error) {
	var m models.ContentMetadata
	var contentType string
	var imageInfo, textInfo, fileInfo, extra sql.NullString
	var isChunked, isLargeFile, isComplete, isPinned int
	var createdAt, lastAccessedAt int64
	var encryptionIV []byte

	err := row.Scan(&m.ContentID, &m.SessionID, &m.SenderID, &m.SenderName,
		&contentType, &m.MimeType, &m.FileName, &m.Size,
		&imageInfo, &textInfo, &fileInfo,
		&m.TotalChunks, &m.TotalSize, &isChunked, &isLargeFile, &isComplete,
		&isPinned, &createdAt, &lastAccessedAt, &encryptionIV, &extra)
	if err != nil {
		return nil, err
	}

	m.ContentType = models.ContentType(contentType)
	m.IsChunked = isChunked != 0
	m.IsLargeFile = isLargeFile != 0
	m.IsComplete = isComplete != 0
	m.IsPinned = isPinned != 0
	m.CreatedAt = time.UnixMilli(createdAt)
	m.LastAccessedAt = time.UnixMilli(lastAccessedAt)

	if len(encryptionIV) > 0 {
		m.EncryptionMetadata = &models.EncryptionMetadata{IV: encryptionIV}
	}
	if extra.Valid && extra.String != "" {
		m.AdditionalMetadata = json.RawMessage(extra.String)
	}
	if imageInfo.Valid && imageInfo.String != "" {
		var info models.ImageInfo
		if json.Unmarshal([]byte(imageInfo.String), &info) == nil {
			m.ImageInfo = &info
		}
	}
	if textInfo.Valid && textInfo.String != "" {
		var info models.TextInfo
		if json.Unmarshal([]byte(textInfo.String), &info) == nil {
			m.TextInfo = &info
		}
	}
	if fileInfo.Valid && fileInfo.String != "" {
		var info models.FileInfo
		if json.Unmarshal([]byte(fileInfo.String), &info) == nil {
			m.FileInfo = &info
		}
	}
	return &m, nil
}

func marshalHints(meta *models.ContentMetadata) (imageInfo, textInfo, fileInfo interface{}, err error) {
	marshal := func(v interface{}) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		blob, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(blob), nil
	}

	if meta.ImageInfo != nil {
		if imageInfo, err = marshal(meta.ImageInfo); err != nil {
			return
		}
	}
	if meta.TextInfo != nil {
		if textInfo, err = marshal(meta.TextInfo); err != nil {
			return
		}
	}
	if meta.FileInfo != nil {
		if fileInfo, err = marshal(meta.FileInfo); err != nil {
			return
		}
	}
	return
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
