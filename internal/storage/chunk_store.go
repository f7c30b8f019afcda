package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/models"
)

// ChunkStore persists encrypted chunks on the filesystem and indexes content
// metadata in SQLite. Chunk bytes are opaque ciphertext; the store never
// inspects them.
type ChunkStore struct {
	basePath string
	db       *sql.DB
	logger   *logger.Logger

	// Per-content write serialization. Readers go straight to disk and the
	// index; writers for the same content queue here.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// StoreConfig configures the chunk store.
type StoreConfig struct {
	BasePath string
}

// NewChunkStore opens the index database under basePath and reclaims any
// partial saves left behind by a previous run.
func NewChunkStore(cfg StoreConfig, l *logger.Logger) (*ChunkStore, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	dbPath := filepath.Join(cfg.BasePath, "index.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	cs := &ChunkStore{
		basePath: cfg.BasePath,
		db:       db,
		logger:   l,
		locks:    make(map[string]*sync.Mutex),
	}

	if err := cs.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := cs.reclaimOrphans(); err != nil {
		cs.logger.Printf("WARNING: orphan scan failed: %v", err)
	}

	return cs, nil
}

// Close closes the index database.
func (cs *ChunkStore) Close() error {
	return cs.db.Close()
}

// initSchema creates tables and indexes.
func (cs *ChunkStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		fingerprint_iv BLOB NOT NULL,
		fingerprint_data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content (
		content_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		dir TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		image_info TEXT,
		text_info TEXT,
		file_info TEXT,
		total_chunks INTEGER NOT NULL DEFAULT 1,
		total_size INTEGER NOT NULL DEFAULT 0,
		is_chunked INTEGER NOT NULL DEFAULT 0,
		is_large_file INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		encryption_iv BLOB,
		additional_metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_content_session_recency
		ON content(session_id, is_pinned, created_at DESC);

	CREATE TABLE IF NOT EXISTS chunks (
		content_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		iv BLOB NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (content_id, chunk_index)
	);
	`

	_, err := cs.db.Exec(schema)
	return err
}

// lockFor returns the write mutex for a content ID.
func (cs *ChunkStore) lockFor(contentID string) *sync.Mutex {
	cs.locksMu.Lock()
	defer cs.locksMu.Unlock()

	mu, ok := cs.locks[contentID]
	if !ok {
		mu = &sync.Mutex{}
		cs.locks[contentID] = mu
	}
	return mu
}

// hashName maps a client-chosen identifier to a fixed-width directory name.
// IDs are opaque strings and must never become path components directly.
func hashName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// contentDir returns the relative directory holding a content item's chunks.
func contentDir(sessionID, contentID string) string {
	return filepath.Join(hashName(sessionID), hashName(contentID))
}

func (cs *ChunkStore) chunkPath(dir string, index int) string {
	return filepath.Join(cs.basePath, dir, fmt.Sprintf("chunk-%d.bin", index))
}

// SaveChunk persists one chunk and creates or updates the parent content row.
// Idempotent for a given (contentID, chunkIndex): a re-send overwrites the
// bytes and the totals are recomputed from the stored set. The returned flag
// is true when this save was the one that completed the content.
func (cs *ChunkStore) SaveChunk(ctx context.Context, sessionID string, chunk *models.Chunk, data []byte) (completed bool, err error) {
	if err := chunk.Validate(); err != nil {
		return false, storageErr("save chunk", err)
	}

	mu := cs.lockFor(chunk.ContentID)
	mu.Lock()
	defer mu.Unlock()

	dir, created, err := cs.ensureContentRow(ctx, sessionID, chunk)
	if err != nil {
		return false, err
	}

	chunkFile := cs.chunkPath(dir, chunk.ChunkIndex)
	existed := fileExists(chunkFile)
	if err := writeFileAtomic(chunkFile, data); err != nil {
		return false, storageErr("save chunk", err)
	}

	err = withRetry("save chunk", func() error {
		completed = false
		tx, err := cs.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (content_id, chunk_index, iv, size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(content_id, chunk_index) DO UPDATE SET iv = excluded.iv, size = excluded.size`,
			chunk.ContentID, chunk.ChunkIndex, []byte(chunk.IV), len(data)); err != nil {
			return err
		}

		var stored int
		var totalSize int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM chunks WHERE content_id = ?`,
			chunk.ContentID).Scan(&stored, &totalSize); err != nil {
			return err
		}

		if stored >= chunk.TotalChunks {
			var wasComplete int
			if err := tx.QueryRowContext(ctx,
				`SELECT is_complete FROM content WHERE content_id = ?`,
				chunk.ContentID).Scan(&wasComplete); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE content SET is_complete = 1, total_size = ? WHERE content_id = ?`,
				totalSize, chunk.ContentID); err != nil {
				return err
			}
			completed = wasComplete == 0
		}

		return tx.Commit()
	})
	if err != nil {
		// A brand-new chunk whose index row never landed is reclaimable
		// garbage; an overwrite keeps the new bytes, the old row still
		// describes a fully readable chunk.
		if !existed {
			os.Remove(chunkFile)
		}
		if created {
			cs.db.ExecContext(ctx, `DELETE FROM content WHERE content_id = ? AND is_complete = 0`, chunk.ContentID)
		}
		return false, err
	}

	return completed, nil
}

// ensureContentRow creates a stub parent row when a chunk arrives for content
// the store has not seen, and returns the content's chunk directory.
func (cs *ChunkStore) ensureContentRow(ctx context.Context, sessionID string, chunk *models.Chunk) (dir string, created bool, err error) {
	var storedSession string
	err = withRetry("load content row", func() error {
		row := cs.db.QueryRowContext(ctx,
			`SELECT session_id, dir FROM content WHERE content_id = ?`, chunk.ContentID)
		if scanErr := row.Scan(&storedSession, &dir); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}
		return nil
	})

	switch {
	case err == nil:
		if storedSession != sessionID {
			return "", false, storageErr("save chunk",
				fmt.Errorf("content %s belongs to another session", chunk.ContentID))
		}
		return dir, false, nil
	case err == ErrNotFound:
		dir = contentDir(sessionID, chunk.ContentID)
		now := time.Now().UnixMilli()
		err = withRetry("create content stub", func() error {
			_, execErr := cs.db.ExecContext(ctx, `
				INSERT INTO content (content_id, session_id, dir, content_type, total_chunks, is_chunked, created_at, last_accessed_at)
				VALUES (?, ?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT(content_id) DO NOTHING`,
				chunk.ContentID, sessionID, dir, string(models.ContentTypeOther), chunk.TotalChunks, now, now)
			return execErr
		})
		if err != nil {
			return "", false, err
		}
		if mkErr := os.MkdirAll(filepath.Join(cs.basePath, dir), 0755); mkErr != nil {
			return "", false, storageErr("save chunk", mkErr)
		}
		return dir, true, nil
	default:
		return "", false, err
	}
}

// GetChunk returns the stored bytes and IV for one chunk, or ErrNotFound.
func (cs *ChunkStore) GetChunk(ctx context.Context, contentID string, index int) (data []byte, iv []byte, err error) {
	var dir string
	var size int64
	err = withRetry("get chunk", func() error {
		row := cs.db.QueryRowContext(ctx, `
			SELECT c.dir, k.iv, k.size
			FROM chunks k JOIN content c ON c.content_id = k.content_id
			WHERE k.content_id = ? AND k.chunk_index = ?`,
			contentID, index)
		if scanErr := row.Scan(&dir, &iv, &size); scanErr == sql.ErrNoRows {
			return ErrNotFound
		} else if scanErr != nil {
			return scanErr
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	data, readErr := os.ReadFile(cs.chunkPath(dir, index))
	if readErr != nil {
		cs.logger.Printf("WARNING: chunk %s/%d unreadable: %v", contentID, index, readErr)
		return nil, nil, storageErr("get chunk", readErr)
	}
	if int64(len(data)) != size {
		cs.logger.Printf("WARNING: chunk %s/%d size mismatch: indexed %d, on disk %d", contentID, index, size, len(data))
		return nil, nil, storageErr("get chunk", fmt.Errorf("chunk %s/%d corrupt", contentID, index))
	}
	return data, iv, nil
}

// ForEachChunk streams a content item's chunks in ascending index order
// without buffering the payload. It fails if any chunk is missing.
func (cs *ChunkStore) ForEachChunk(ctx context.Context, contentID string, fn func(index int, iv, data []byte) error) error {
	meta, err := cs.GetContentMetadata(ctx, contentID)
	if err != nil {
		return err
	}

	for i := 0; i < meta.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return storageErr("stream chunks", err)
		}
		data, iv, err := cs.GetChunk(ctx, contentID, i)
		if err != nil {
			return err
		}
		if err := fn(i, iv, data); err != nil {
			return err
		}
	}
	return nil
}

// GetAllChunks returns every chunk's bytes in ascending index order.
func (cs *ChunkStore) GetAllChunks(ctx context.Context, contentID string) ([][]byte, error) {
	var all [][]byte
	err := cs.ForEachChunk(ctx, contentID, func(_ int, _ []byte, data []byte) error {
		all = append(all, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// reclaimOrphans removes content directories no index row references. These
// are the remains of saves that wrote bytes but never committed.
func (cs *ChunkStore) reclaimOrphans() error {
	referenced := make(map[string]bool)
	rows, err := cs.db.Query(`SELECT dir FROM content`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return err
		}
		referenced[dir] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sessions, err := os.ReadDir(cs.basePath)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if !sess.IsDir() {
			continue
		}
		contents, err := os.ReadDir(filepath.Join(cs.basePath, sess.Name()))
		if err != nil {
			continue
		}
		for _, cont := range contents {
			if !cont.IsDir() {
				continue
			}
			rel := filepath.Join(sess.Name(), cont.Name())
			if !referenced[rel] {
				cs.logger.Printf("Reclaiming orphaned content dir %s", rel)
				os.RemoveAll(filepath.Join(cs.basePath, rel))
			}
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic writes via a temp file and rename so readers never observe
// a half-written chunk.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
