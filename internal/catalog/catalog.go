package catalog

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Catalog wraps the SQLite database holding all relational state, including
// the FTS5 keyword index and the task queue tables.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the catalog database at path. An empty path opens
// an in-memory database for tests.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kberrors.ConfigError("failed to create catalog directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberrors.ConfigError("failed to open catalog database", err)
	}

	// Single writer prevents SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		// FTS triggers must also fire for rows removed by cascade deletes.
		"PRAGMA recursive_triggers = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, kberrors.ConfigError("failed to set pragma", err)
		}
	}

	c := &Catalog{db: db, logger: logger}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'private',
		embedding_provider TEXT NOT NULL DEFAULT '',
		embedding_model TEXT NOT NULL DEFAULT '',
		embedding_dimension INTEGER NOT NULL DEFAULT 0,
		document_count INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_path TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		source_type TEXT NOT NULL DEFAULT 'upload',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		processed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		kb_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_char INTEGER NOT NULL DEFAULT 0,
		end_char INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		vector_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(document_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(kb_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content,
		chunk_id UNINDEXED,
		kb_id UNINDEXED,
		document_id UNINDEXED,
		tokenize='unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS chunks_fts_insert AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(content, chunk_id, kb_id, document_id)
		VALUES (new.content, new.id, new.kb_id, new.document_id);
	END;

	CREATE TRIGGER IF NOT EXISTS chunks_fts_delete AFTER DELETE ON chunks BEGIN
		DELETE FROM chunks_fts WHERE chunk_id = old.id;
	END;

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		visible_at TEXT NOT NULL,
		lease_expires_at TEXT,
		worker_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_visible ON tasks(status, visible_at);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return kberrors.ConfigError("failed to initialize catalog schema", err)
	}
	return nil
}

// DB exposes the underlying handle for co-located stores (task queue).
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// ts serializes a timestamp. RFC3339Nano in UTC compares lexically.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateKB inserts a knowledge base row.
func (c *Catalog) CreateKB(ctx context.Context, kb *KnowledgeBase) error {
	now := time.Now()
	kb.CreatedAt = now
	kb.UpdatedAt = now
	if kb.Version == 0 {
		kb.Version = 1
	}
	if kb.Visibility == "" {
		kb.Visibility = VisibilityPrivate
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases
			(id, name, description, owner_id, visibility,
			 embedding_provider, embedding_model, embedding_dimension,
			 document_count, chunk_count, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.Description, kb.OwnerID, kb.Visibility,
		kb.EmbeddingProvider, kb.EmbeddingModel, kb.EmbeddingDimension,
		kb.DocumentCount, kb.ChunkCount, kb.Version, ts(now), ts(now))
	if err != nil {
		return kberrors.InternalError("failed to create knowledge base", err)
	}
	return nil
}

// GetKB loads a knowledge base by ID.
func (c *Catalog) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, visibility,
		       embedding_provider, embedding_model, embedding_dimension,
		       document_count, chunk_count, version, created_at, updated_at
		FROM knowledge_bases WHERE id = ?`, id)

	var kb KnowledgeBase
	var created, updated string
	err := row.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.OwnerID, &kb.Visibility,
		&kb.EmbeddingProvider, &kb.EmbeddingModel, &kb.EmbeddingDimension,
		&kb.DocumentCount, &kb.ChunkCount, &kb.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeKBNotFound, "knowledge base", id)
	}
	if err != nil {
		return nil, kberrors.InternalError("failed to load knowledge base", err)
	}
	kb.CreatedAt = parseTS(created)
	kb.UpdatedAt = parseTS(updated)
	return &kb, nil
}

// ListKBs returns every knowledge base, newest first.
func (c *Catalog) ListKBs(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, description, owner_id, visibility,
		       embedding_provider, embedding_model, embedding_dimension,
		       document_count, chunk_count, version, created_at, updated_at
		FROM knowledge_bases ORDER BY created_at DESC`)
	if err != nil {
		return nil, kberrors.InternalError("failed to list knowledge bases", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		var created, updated string
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.OwnerID, &kb.Visibility,
			&kb.EmbeddingProvider, &kb.EmbeddingModel, &kb.EmbeddingDimension,
			&kb.DocumentCount, &kb.ChunkCount, &kb.Version, &created, &updated); err != nil {
			return nil, kberrors.InternalError("failed to scan knowledge base", err)
		}
		kb.CreatedAt = parseTS(created)
		kb.UpdatedAt = parseTS(updated)
		out = append(out, &kb)
	}
	return out, rows.Err()
}

// SetKBEmbeddingDimension records the dimension after the first successful
// document. It only writes when the stored dimension is still zero.
func (c *Catalog) SetKBEmbeddingDimension(ctx context.Context, kbID string, dimension int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET embedding_dimension = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND embedding_dimension = 0`,
		dimension, ts(time.Now()), kbID)
	if err != nil {
		return kberrors.InternalError("failed to set embedding dimension", err)
	}
	return nil
}

// DeleteKB removes a knowledge base and cascades to documents and chunks.
// It returns the blob paths and vector IDs the caller must purge.
func (c *Catalog) DeleteKB(ctx context.Context, id string) ([]string, []string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var paths []string
	rows, err := tx.QueryContext(ctx, `SELECT file_path FROM documents WHERE kb_id = ? AND file_path != ''`, id)
	if err != nil {
		return nil, nil, kberrors.InternalError("failed to list document paths", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, nil, kberrors.InternalError("failed to scan document path", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, kberrors.InternalError("failed to list document paths", err)
	}

	var vectorIDs []string
	vrows, err := tx.QueryContext(ctx, `SELECT vector_id FROM chunks WHERE kb_id = ? AND vector_id != ''`, id)
	if err != nil {
		return nil, nil, kberrors.InternalError("failed to list vector ids", err)
	}
	for vrows.Next() {
		var v string
		if err := vrows.Scan(&v); err != nil {
			vrows.Close()
			return nil, nil, kberrors.InternalError("failed to scan vector id", err)
		}
		vectorIDs = append(vectorIDs, v)
	}
	vrows.Close()
	if err := vrows.Err(); err != nil {
		return nil, nil, kberrors.InternalError("failed to list vector ids", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return nil, nil, kberrors.InternalError("failed to delete knowledge base", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, kberrors.NotFoundError(kberrors.ErrCodeKBNotFound, "knowledge base", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, kberrors.InternalError("failed to commit delete", err)
	}
	return paths, vectorIDs, nil
}
