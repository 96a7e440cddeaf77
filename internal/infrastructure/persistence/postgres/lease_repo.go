package postgres

import (
	"context"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

const (
	// The upsert only overwrites an expired row, so RETURNING yields no row
	// while another holder's lease is live.
	acquireLeaseSQL = `
		INSERT INTO state_leases (key, holder, expires_at)
		VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE state_leases.expires_at < NOW() OR state_leases.holder = EXCLUDED.holder
		RETURNING holder`

	releaseLeaseSQL = `DELETE FROM state_leases WHERE key = $1 AND holder = $2`
)

// LeaseRepository keeps one row per held document in state_leases.
type LeaseRepository struct {
	db DBTX
}

// NewLeaseRepository creates a LeaseRepository.
func NewLeaseRepository(db DBTX) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// TryAcquire claims key for holder unless a live lease of another holder exists.
func (r *LeaseRepository) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := r.db.QueryRow(ctx, acquireLeaseSQL, key, holder, ttl.Milliseconds()).Scan(&got)
	if err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, shared.WrapError("postgres", "TryAcquire", shared.ErrStorage, "lease "+key, err)
	}
	return got == holder, nil
}

// Release deletes the lease row if holder still owns it.
func (r *LeaseRepository) Release(ctx context.Context, key, holder string) error {
	if _, err := r.db.Exec(ctx, releaseLeaseSQL, key, holder); err != nil {
		return shared.WrapError("postgres", "Release", shared.ErrStorage, "lease "+key, err)
	}
	return nil
}
