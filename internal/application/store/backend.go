// Package store holds the two lock-guarded stores of persisted state: the
// weekly achievement ledger and the attendance session.
//
// Every store owns a lock.Mutex. Callers Acquire a token, pass it to each
// call, and Release it when done. Each mutating call rewrites the store's
// whole document through a DocumentBackend before returning, so the write is
// durable before the lock can move on.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/attendance"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

// DocumentBackend persists whole JSON documents by key.
// Load returns a shared.ErrNotFound error for a key never saved.
type DocumentBackend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Journal is the append-only event log kept alongside the session document.
type Journal interface {
	Open(start time.Time) (string, error)
	Append(stem string, e attendance.Event) error
}

func loadDocument(ctx context.Context, backend DocumentBackend, key string, dest any) (bool, error) {
	data, err := backend.Load(ctx, key)
	if err != nil {
		if shared.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, shared.WrapError("store", "Load", shared.ErrStorage, "corrupt document "+key, err)
	}
	return true, nil
}

func saveDocument(ctx context.Context, backend DocumentBackend, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return shared.WrapError("store", "Save", shared.ErrStorage, "encode document "+key, err)
	}
	return backend.Save(ctx, key, data)
}
