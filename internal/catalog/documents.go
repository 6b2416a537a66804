package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

const documentColumns = `
	id, kb_id, file_name, file_type, file_size, file_path, content_hash,
	description, status, source_type, chunk_count, retry_count, error_message,
	worker_id, version, created_at, updated_at, processed_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var status string
	var created, updated string
	var processed sql.NullString
	err := row.Scan(&d.ID, &d.KBID, &d.FileName, &d.FileType, &d.FileSize,
		&d.FilePath, &d.ContentHash, &d.Description, &status, &d.SourceType,
		&d.ChunkCount, &d.RetryCount, &d.ErrorMessage, &d.WorkerID, &d.Version,
		&created, &updated, &processed)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.CreatedAt = parseTS(created)
	d.UpdatedAt = parseTS(updated)
	if processed.Valid {
		t := parseTS(processed.String)
		d.ProcessedAt = &t
	}
	return &d, nil
}

// CreateDocument inserts a document row and bumps the KB document counter in
// the same transaction.
func (c *Catalog) CreateDocument(ctx context.Context, d *Document) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.SourceType == "" {
		d.SourceType = SourceUpload
	}
	if d.Version == 0 {
		d.Version = 1
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents
			(id, kb_id, file_name, file_type, file_size, file_path, content_hash,
			 description, status, source_type, chunk_count, retry_count, error_message,
			 worker_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.KBID, d.FileName, d.FileType, d.FileSize, d.FilePath, d.ContentHash,
		d.Description, string(d.Status), d.SourceType, d.ChunkCount, d.RetryCount,
		d.ErrorMessage, d.WorkerID, d.Version, ts(now), ts(now))
	if err != nil {
		return kberrors.InternalError("failed to create document", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET document_count = document_count + 1, version = version + 1, updated_at = ?
		WHERE id = ?`, ts(now), d.KBID)
	if err != nil {
		return kberrors.InternalError("failed to update kb counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberrors.NotFoundError(kberrors.ErrCodeKBNotFound, "knowledge base", d.KBID)
	}

	if err := tx.Commit(); err != nil {
		return kberrors.InternalError("failed to commit document create", err)
	}
	return nil
}

// GetDocument loads a document by ID.
func (c *Catalog) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeDocumentNotFound, "document", id)
	}
	if err != nil {
		return nil, kberrors.InternalError("failed to load document", err)
	}
	return d, nil
}

// ListIDsByStatus returns up to limit document IDs with the given status,
// optionally scoped to one knowledge base. Oldest first. A non-positive
// limit means no limit.
func (c *Catalog) ListIDsByStatus(ctx context.Context, kbID string, status Status, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id FROM documents WHERE status = ?`
	args := []any{string(status)}
	if kbID != "" {
		query += ` AND kb_id = ?`
		args = append(args, kbID)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberrors.InternalError("failed to list documents by status", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kberrors.InternalError("failed to scan document id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDocumentIDsByKB returns every document ID in a knowledge base.
func (c *Catalog) ListDocumentIDsByKB(ctx context.Context, kbID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE kb_id = ? ORDER BY created_at`, kbID)
	if err != nil {
		return nil, kberrors.InternalError("failed to list documents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kberrors.InternalError("failed to scan document id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDocumentsByKB returns every document row in a knowledge base, oldest
// first.
func (c *Catalog) ListDocumentsByKB(ctx context.Context, kbID string) ([]*Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE kb_id = ? ORDER BY created_at`, kbID)
	if err != nil {
		return nil, kberrors.InternalError("failed to list documents", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, kberrors.InternalError("failed to scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimForProcessing atomically moves a document from PENDING to PROCESSING.
// Returns false when the row is not PENDING (another worker claimed it, or it
// already finished). With force, the status is first reset to PENDING so a
// COMPLETED or FAILED document can be reprocessed.
func (c *Catalog) ClaimForProcessing(ctx context.Context, documentID, workerID string, force bool) (bool, error) {
	now := ts(time.Now())

	if force {
		_, err := c.db.ExecContext(ctx, `
			UPDATE documents SET status = ?, worker_id = '', updated_at = ?
			WHERE id = ? AND status != ?`,
			string(StatusPending), now, documentID, string(StatusProcessing))
		if err != nil {
			return false, kberrors.InternalError("failed to reset document status", err)
		}
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, worker_id = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), workerID, now, documentID, string(StatusPending))
	if err != nil {
		return false, kberrors.InternalError("failed to claim document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, kberrors.InternalError("failed to read claim result", err)
	}
	return n == 1, nil
}

// FinalizeSuccess replaces the document's chunks and marks it COMPLETED in a
// single transaction. KB chunk counters are adjusted by the delta between old
// and new chunk counts.
func (c *Catalog) FinalizeSuccess(ctx context.Context, documentID string, chunks []*Chunk) error {
	now := time.Now()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kbID string
	var oldCount int
	err = tx.QueryRowContext(ctx,
		`SELECT kb_id, (SELECT COUNT(*) FROM chunks WHERE document_id = documents.id)
		 FROM documents WHERE id = ?`, documentID).Scan(&kbID, &oldCount)
	if err == sql.ErrNoRows {
		return kberrors.NotFoundError(kberrors.ErrCodeDocumentNotFound, "document", documentID)
	}
	if err != nil {
		return kberrors.InternalError("failed to load document", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return kberrors.InternalError("failed to delete prior chunks", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks
			(id, document_id, kb_id, chunk_index, content, start_char, end_char,
			 token_count, vector_id, metadata, embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return kberrors.InternalError("failed to prepare chunk insert", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return kberrors.InternalError("failed to encode chunk metadata", err)
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, documentID, kbID, ch.ChunkIndex, ch.Content,
			ch.StartChar, ch.EndChar, ch.TokenCount, ch.VectorID,
			string(meta), ch.EmbeddingModel, ts(now)); err != nil {
			return kberrors.InternalError("failed to insert chunk", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, chunk_count = ?, error_message = '', worker_id = '',
		    version = version + 1, processed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusCompleted), len(chunks), ts(now), ts(now), documentID); err != nil {
		return kberrors.InternalError("failed to finalize document", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET chunk_count = chunk_count + ?, version = version + 1, updated_at = ?
		WHERE id = ?`, len(chunks)-oldCount, ts(now), kbID); err != nil {
		return kberrors.InternalError("failed to update kb counters", err)
	}

	if err := tx.Commit(); err != nil {
		return kberrors.InternalError("failed to commit finalize", err)
	}
	return nil
}

// FinalizeFailure marks the document FAILED, records the error and bumps
// retry_count.
func (c *Catalog) FinalizeFailure(ctx context.Context, documentID, message string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, error_message = ?, retry_count = retry_count + 1,
		    worker_id = '', version = version + 1, updated_at = ?
		WHERE id = ?`,
		string(StatusFailed), message, ts(time.Now()), documentID)
	if err != nil {
		return kberrors.InternalError("failed to record failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberrors.NotFoundError(kberrors.ErrCodeDocumentNotFound, "document", documentID)
	}
	return nil
}

// PurgeChunks removes a document's chunk rows and zeroes its chunk counters.
// Reindexing calls this before embedding, so a failed run leaves no stale
// rows searchable. Returns how many rows were removed.
func (c *Catalog) PurgeChunks(ctx context.Context, documentID string) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kbID string
	err = tx.QueryRowContext(ctx,
		`SELECT kb_id FROM documents WHERE id = ?`, documentID).Scan(&kbID)
	if err == sql.ErrNoRows {
		return 0, kberrors.NotFoundError(kberrors.ErrCodeDocumentNotFound, "document", documentID)
	}
	if err != nil {
		return 0, kberrors.InternalError("failed to load document", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, kberrors.InternalError("failed to purge chunks", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, kberrors.InternalError("failed to read purge result", err)
	}
	if removed == 0 {
		return 0, tx.Commit()
	}

	now := ts(time.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET chunk_count = 0, version = version + 1, updated_at = ?
		WHERE id = ?`, now, documentID); err != nil {
		return 0, kberrors.InternalError("failed to reset document chunk count", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET chunk_count = chunk_count - ?, version = version + 1, updated_at = ?
		WHERE id = ?`, removed, now, kbID); err != nil {
		return 0, kberrors.InternalError("failed to update kb counters", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, kberrors.InternalError("failed to commit purge", err)
	}
	return int(removed), nil
}

// DeleteDocument removes the document and its chunks, adjusts KB counters and
// reports the blob path and vector IDs left for the caller to purge.
func (c *Catalog) DeleteDocument(ctx context.Context, documentID string) (*DeletedDocument, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kbID, filePath string
	err = tx.QueryRowContext(ctx,
		`SELECT kb_id, file_path FROM documents WHERE id = ?`, documentID).
		Scan(&kbID, &filePath)
	if err == sql.ErrNoRows {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeDocumentNotFound, "document", documentID)
	}
	if err != nil {
		return nil, kberrors.InternalError("failed to load document", err)
	}

	var vectorIDs []string
	rows, err := tx.QueryContext(ctx,
		`SELECT vector_id FROM chunks WHERE document_id = ? AND vector_id != ''`, documentID)
	if err != nil {
		return nil, kberrors.InternalError("failed to list vector ids", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, kberrors.InternalError("failed to scan vector id", err)
		}
		vectorIDs = append(vectorIDs, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, kberrors.InternalError("failed to list vector ids", err)
	}

	var chunkCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&chunkCount); err != nil {
		return nil, kberrors.InternalError("failed to count chunks", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return nil, kberrors.InternalError("failed to delete document", err)
	}

	now := ts(time.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET document_count = document_count - 1, chunk_count = chunk_count - ?,
		    version = version + 1, updated_at = ?
		WHERE id = ?`, chunkCount, now, kbID); err != nil {
		return nil, kberrors.InternalError("failed to update kb counters", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, kberrors.InternalError("failed to commit delete", err)
	}
	return &DeletedDocument{
		KBID:       kbID,
		FilePath:   filePath,
		VectorIDs:  vectorIDs,
		ChunkCount: chunkCount,
	}, nil
}

// ListChunksByDocument returns a document's chunks ordered by chunk_index.
func (c *Catalog) ListChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, kb_id, chunk_index, content, start_char, end_char,
		       token_count, vector_id, metadata, embedding_model, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, kberrors.InternalError("failed to list chunks", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var ch Chunk
		var meta, created string
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.KBID, &ch.ChunkIndex,
			&ch.Content, &ch.StartChar, &ch.EndChar, &ch.TokenCount,
			&ch.VectorID, &meta, &ch.EmbeddingModel, &created); err != nil {
			return nil, kberrors.InternalError("failed to scan chunk", err)
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &ch.Metadata)
		}
		ch.CreatedAt = parseTS(created)
		chunks = append(chunks, &ch)
	}
	return chunks, rows.Err()
}

// ListVectorIDs returns the vector IDs of a document's chunks.
func (c *Catalog) ListVectorIDs(ctx context.Context, documentID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT vector_id FROM chunks WHERE document_id = ? AND vector_id != ''`, documentID)
	if err != nil {
		return nil, kberrors.InternalError("failed to list vector ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kberrors.InternalError("failed to scan vector id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountChunks returns the number of chunks for a document.
func (c *Catalog) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, kberrors.InternalError("failed to count chunks", err)
	}
	return n, nil
}
