package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

// fakeDB keeps rows in memory and records the SQL it was given.
type fakeDB struct {
	rows    map[string][]byte
	execErr error
	lastSQL string
}

type fakeRow struct {
	body []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.body
	return nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.rows[args[0].(string)] = args[1].([]byte)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	body, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{body: body}
}

func TestDocumentRepository_RoundTrip(t *testing.T) {
	db := &fakeDB{rows: map[string][]byte{}}
	repo := NewDocumentRepository(db)
	ctx := context.Background()

	_, err := repo.Load(ctx, "session")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, repo.Save(ctx, "session", []byte(`{"active":false}`)))
	assert.Contains(t, db.lastSQL, "ON CONFLICT (key) DO UPDATE")

	got, err := repo.Load(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, `{"active":false}`, string(got))
}

func TestDocumentRepository_StorageErrors(t *testing.T) {
	db := &fakeDB{rows: map[string][]byte{}, execErr: errors.New("connection reset")}
	repo := NewDocumentRepository(db)

	err := repo.Save(context.Background(), "ledger", []byte("{}"))
	assert.True(t, shared.IsStorage(err))
	assert.ErrorContains(t, err, "connection reset")
}

func TestMigrations_Ordered(t *testing.T) {
	migs := Migrations()
	require.NotEmpty(t, migs)
	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL)
	}
	assert.Contains(t, migs[0].UpSQL, "state_documents")
	assert.Contains(t, migs[1].UpSQL, "state_leases")
}
