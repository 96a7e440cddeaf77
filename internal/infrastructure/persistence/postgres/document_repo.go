package postgres

import (
	"context"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

const (
	loadDocumentSQL = `SELECT body FROM state_documents WHERE key = $1`

	saveDocumentSQL = `
		INSERT INTO state_documents (key, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`
)

// DocumentRepository stores whole JSON documents, one row per key.
// A single upsert is atomic, so readers never see a partial document.
type DocumentRepository struct {
	db DBTX
}

// NewDocumentRepository creates a DocumentRepository.
func NewDocumentRepository(db DBTX) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Load returns the document stored under key.
func (r *DocumentRepository) Load(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	if err := r.db.QueryRow(ctx, loadDocumentSQL, key).Scan(&body); err != nil {
		if IsNoRows(err) {
			return nil, shared.Errorf("postgres", "Load", shared.ErrNotFound, "document %q", key)
		}
		return nil, shared.WrapError("postgres", "Load", shared.ErrStorage, "select "+key, err)
	}
	return body, nil
}

// Save replaces the document under key.
func (r *DocumentRepository) Save(ctx context.Context, key string, data []byte) error {
	if _, err := r.db.Exec(ctx, saveDocumentSQL, key, data); err != nil {
		return shared.WrapError("postgres", "Save", shared.ErrStorage, "upsert "+key, err)
	}
	return nil
}
