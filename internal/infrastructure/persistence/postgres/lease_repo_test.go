package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

type leaseRow struct {
	holder  string
	expires time.Time
}

// fakeLeaseDB evaluates the lease statements against an in-memory table.
type fakeLeaseDB struct {
	rows map[string]leaseRow
	now  time.Time
	err  error
}

type holderRow struct {
	holder string
	err    error
}

func (r holderRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.holder
	return nil
}

func (f *fakeLeaseDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if f.err != nil {
		return holderRow{err: f.err}
	}
	key, holder, ms := args[0].(string), args[1].(string), args[2].(int64)
	cur, ok := f.rows[key]
	if ok && cur.holder != holder && !cur.expires.Before(f.now) {
		return holderRow{err: pgx.ErrNoRows}
	}
	f.rows[key] = leaseRow{holder: holder, expires: f.now.Add(time.Duration(ms) * time.Millisecond)}
	return holderRow{holder: holder}
}

func (f *fakeLeaseDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	key, holder := args[0].(string), args[1].(string)
	if cur, ok := f.rows[key]; ok && cur.holder == holder {
		delete(f.rows, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.NewCommandTag("DELETE 0"), nil
}

func TestLeaseRepository_ExclusiveUntilReleased(t *testing.T) {
	db := &fakeLeaseDB{rows: map[string]leaseRow{}, now: time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)}
	repo := NewLeaseRepository(db)
	ctx := context.Background()

	ok, err := repo.TryAcquire(ctx, "ledger", "bot", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryAcquire(ctx, "ledger", "ironctl", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease blocks another holder")

	require.NoError(t, repo.Release(ctx, "ledger", "ironctl"))
	assert.Equal(t, "bot", db.rows["ledger"].holder, "only the holder releases")

	require.NoError(t, repo.Release(ctx, "ledger", "bot"))
	ok, err = repo.TryAcquire(ctx, "ledger", "ironctl", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseRepository_ExpiredLeaseIsTakenOver(t *testing.T) {
	db := &fakeLeaseDB{rows: map[string]leaseRow{}, now: time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)}
	repo := NewLeaseRepository(db)
	ctx := context.Background()

	ok, err := repo.TryAcquire(ctx, "session", "crashed", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	db.now = db.now.Add(2 * time.Minute)
	ok, err = repo.TryAcquire(ctx, "session", "bot", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, acquireLeaseSQL, "expires_at < NOW()")
}

func TestLeaseRepository_StorageErrors(t *testing.T) {
	repo := NewLeaseRepository(&fakeLeaseDB{rows: map[string]leaseRow{}, err: errors.New("connection reset")})

	_, err := repo.TryAcquire(context.Background(), "ledger", "bot", time.Minute)
	assert.True(t, shared.IsStorage(err))
	assert.True(t, shared.IsStorage(repo.Release(context.Background(), "ledger", "bot")))
}
