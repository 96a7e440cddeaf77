package redis

import (
	"context"
	"errors"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

const documentPrefix = "doc:"

// DocumentStore keeps whole JSON documents as plain string values.
type DocumentStore struct {
	cache *Cache
}

// NewDocumentStore creates a DocumentStore.
func NewDocumentStore(cache *Cache) *DocumentStore {
	return &DocumentStore{cache: cache}
}

// Load returns the document stored under key.
func (s *DocumentStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.cache.GetBytes(ctx, documentPrefix+key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, shared.Errorf("redis", "Load", shared.ErrNotFound, "document %q", key)
		}
		return nil, shared.WrapError("redis", "Load", shared.ErrStorage, "get "+key, err)
	}
	return data, nil
}

// Save replaces the document under key. A single SET is atomic.
func (s *DocumentStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.cache.SetBytes(ctx, documentPrefix+key, data); err != nil {
		return shared.WrapError("redis", "Save", shared.ErrStorage, "set "+key, err)
	}
	return nil
}
