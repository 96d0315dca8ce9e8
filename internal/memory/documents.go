package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rsagent/internal/domain"
)

// ReplaceDocument writes a document and its chunks, replacing any previous
// copy with the same ID. A non-empty oldID names a superseded document that
// is deleted in the same transaction, so either both changes land or neither.
func (s *SQLiteStore) ReplaceDocument(ctx context.Context, oldID string, doc domain.Document, chunks []domain.Chunk) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	defer tx.Rollback()

	if oldID != "" && oldID != doc.ID {
		if err := deleteDocumentTx(ctx, tx, oldID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks of %s: %w", doc.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, origin_uri, raw_text, chunk_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.OriginURI, doc.RawText, len(chunks), doc.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (id, document_id, position, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.Position, c.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument removes a document and its chunks. Unknown IDs are ignored.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	defer tx.Rollback()

	if err := deleteDocumentTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteDocumentTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// ListDocuments returns every persisted document with its raw text,
// oldest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, origin_uri, raw_text, chunk_count, created_at
		 FROM documents ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		var (
			d       domain.Document
			created int64
		)
		if err := rows.Scan(&d.ID, &d.OriginURI, &d.RawText, &d.ChunkCount, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(0, created)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ChunkCount reports how many chunks are persisted across all documents.
func (s *SQLiteStore) ChunkCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}
