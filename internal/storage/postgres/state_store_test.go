package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

func newMockStore(t *testing.T) (*StateStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestLoadStateDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM sitemirror_kv").
		WithArgs("state").
		WillReturnError(pgx.ErrNoRows)

	st, err := store.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mirror.StatusIdle, st.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStateDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM sitemirror_kv").
		WithArgs("state").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).
			AddRow([]byte(`{"job_id":"j1","type":"export","status":"running","stage":"copy_assets"}`)))

	st, err := store.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j1", st.JobID)
	assert.Equal(t, mirror.StatusRunning, st.Status)
	assert.Equal(t, mirror.StageCopyAssets, st.Stage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStateUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sitemirror_kv").
		WithArgs("state", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveState(context.Background(), mirror.DefaultState()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastManifest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sitemirror_kv").
		WithArgs("last_manifest", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM sitemirror_kv").
		WithArgs("last_manifest").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).
			AddRow([]byte(`{"a.html":{"size":3,"sha256":"abc"}}`)))

	ctx := context.Background()
	require.NoError(t, store.SaveLastManifest(ctx, manifest.Manifest{"a.html": {Size: 3, SHA256: "abc"}}))
	m, err := store.LoadLastManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, manifest.Manifest{"a.html": {Size: 3, SHA256: "abc"}}, m)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		err      error
		want     bool
		wantErr  bool
	}{
		{name: "acquired", affected: 1, want: true},
		{name: "held elsewhere", affected: 0, want: false},
		{name: "database error", err: errors.New("boom"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, mock := newMockStore(t)
			exp := mock.ExpectExec("INSERT INTO sitemirror_lock").WithArgs("tick", "owner-1", 60.0)
			if tc.err != nil {
				exp.WillReturnError(tc.err)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("INSERT", tc.affected))
			}

			ok, err := store.TryLock(context.Background(), "owner-1", time.Minute)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, ok)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUnlockDeletesOwnRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sitemirror_lock").
		WithArgs("tick", "owner-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Unlock(context.Background(), "owner-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
