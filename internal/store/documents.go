package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sifterrors "github.com/siftlabs/siftd/internal/errors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// SaveDocument inserts the document, returning its row id. Re-saving
// the same (url, content_hash) is idempotent and returns the existing
// row's id.
func (s *Store) SaveDocument(ctx context.Context, doc *Document) (int64, error) {
	now := time.Now()
	if doc.ScrapedAt.IsZero() {
		doc.ScrapedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (url, content, content_hash, content_type, session_id, scraped_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.URL, doc.Content, doc.ContentHash, doc.ContentType, nullString(doc.SessionID),
		doc.ScrapedAt.Unix(), now.Unix())
	if err != nil {
		return 0, sifterrors.StoreError("save document", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE url = ? AND content_hash = ?`,
		doc.URL, doc.ContentHash).Scan(&id)
	if err != nil {
		return 0, sifterrors.StoreError("load saved document id", err)
	}
	doc.ID = id
	return id, nil
}

// GetDocument returns the newest document row for url.
func (s *Store) GetDocument(ctx context.Context, url string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, content, content_hash, content_type, COALESCE(session_id, ''), scraped_at, created_at
		FROM documents WHERE url = ? ORDER BY created_at DESC, id DESC LIMIT 1`, url)
	return scanDocument(row)
}

// GetDocumentByHash returns the newest document row with content_hash.
func (s *Store) GetDocumentByHash(ctx context.Context, contentHash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, content, content_hash, content_type, COALESCE(session_id, ''), scraped_at, created_at
		FROM documents WHERE content_hash = ? ORDER BY created_at DESC, id DESC LIMIT 1`, contentHash)
	return scanDocument(row)
}

// ListDocumentsBySession returns all documents ingested under sessionID.
func (s *Store) ListDocumentsBySession(ctx context.Context, sessionID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, content, content_hash, content_type, COALESCE(session_id, ''), scraped_at, created_at
		FROM documents WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, sifterrors.StoreError("list session documents", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// AllDocuments returns every stored document. This is the lexical
// engine's rebuild source, so it must not skip rows.
func (s *Store) AllDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, content, content_hash, content_type, COALESCE(session_id, ''), scraped_at, created_at
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, sifterrors.StoreError("list all documents", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		scrapedAt int64
		createdAt int64
	)
	err := row.Scan(&doc.ID, &doc.URL, &doc.Content, &doc.ContentHash, &doc.ContentType,
		&doc.SessionID, &scrapedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sifterrors.StoreError("scan document", err)
	}
	doc.ScrapedAt = time.Unix(scrapedAt, 0)
	doc.CreatedAt = time.Unix(createdAt, 0)
	return &doc, nil
}

func collectDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, sifterrors.StoreError("iterate documents", err)
	}
	return docs, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
