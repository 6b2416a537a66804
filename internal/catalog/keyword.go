package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// SearchKeyword runs a full-text query over a knowledge base's chunks using
// FTS5 bm25 ranking. bm25() returns negative values where lower is better,
// so scores are negated to non-negative rank-desc order. When FTS rejects the
// query, a LIKE substring fallback with constant score 1.0 is used.
func (c *Catalog) SearchKeyword(ctx context.Context, kbID, query string, topK int, documentIDs []string, scoreThreshold float64) ([]KeywordHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []KeywordHit{}, nil
	}
	if topK <= 0 {
		topK = 10
	}

	hits, err := c.searchFTS(ctx, kbID, query, topK, documentIDs)
	if err != nil {
		c.logger.Warn("fts query failed, falling back to substring match",
			slog.String("kb_id", kbID),
			slog.String("error", err.Error()))
		hits, err = c.searchLike(ctx, kbID, query, topK, documentIDs)
		if err != nil {
			return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "keyword search failed", err)
		}
	}

	if scoreThreshold > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.Score >= scoreThreshold {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}
	return hits, nil
}

// DeleteChunk is a no-op hook kept for interface symmetry: the FTS index is
// maintained by triggers on the chunks table.
func (c *Catalog) DeleteChunk(_ context.Context, _ string) error {
	return nil
}

// ftsQuery quotes each token so user input cannot hit FTS5 query syntax.
// Tokens are ANDed, matching FTS5's implicit conjunction.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func docIDClause(documentIDs []string, args *[]any) string {
	if len(documentIDs) == 0 {
		return ""
	}
	placeholders := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		placeholders[i] = "?"
		*args = append(*args, id)
	}
	return fmt.Sprintf(" AND c.document_id IN (%s)", strings.Join(placeholders, ","))
}

func (c *Catalog) searchFTS(ctx context.Context, kbID, query string, topK int, documentIDs []string) ([]KeywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return []KeywordHit{}, nil
	}

	args := []any{match, kbID}
	sqlQuery := `
		SELECT c.id, c.document_id, -bm25(chunks_fts) AS score,
		       c.content, c.chunk_index, c.metadata, c.created_at,
		       d.file_name, d.file_type
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND chunks_fts.kb_id = ?`
	sqlQuery += docIDClause(documentIDs, &args)
	sqlQuery += ` ORDER BY score DESC LIMIT ?`
	args = append(args, topK)

	return c.scanHits(ctx, sqlQuery, args)
}

func (c *Catalog) searchLike(ctx context.Context, kbID, query string, topK int, documentIDs []string) ([]KeywordHit, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	args := []any{kbID, pattern}
	sqlQuery := `
		SELECT c.id, c.document_id, 1.0 AS score,
		       c.content, c.chunk_index, c.metadata, c.created_at,
		       d.file_name, d.file_type
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.kb_id = ? AND LOWER(c.content) LIKE ?`
	sqlQuery += docIDClause(documentIDs, &args)
	sqlQuery += ` LIMIT ?`
	args = append(args, topK)

	return c.scanHits(ctx, sqlQuery, args)
}

func (c *Catalog) scanHits(ctx context.Context, query string, args []any) ([]KeywordHit, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []KeywordHit{}
	for rows.Next() {
		var h KeywordHit
		var meta, created string
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Score, &h.Content,
			&h.ChunkIndex, &meta, &created, &h.FileName, &h.FileType); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &h.Metadata)
		}
		h.CreatedAt = parseTS(created)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
