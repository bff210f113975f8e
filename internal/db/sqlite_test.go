package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/vidscan/internal/types"
)

func newTestSQLite(t *testing.T) Repository {
	t.Helper()
	repo, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "vidscan.db"))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryContract(t, newTestSQLite)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "vidscan.db")

	first, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	created, err := first.CreateVideo(ctx, sampleInput(uuid.New(), "kept"))
	require.NoError(t, err)
	_, err = first.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 60, Status: types.StatusProcessing})
	require.NoError(t, err)
	first.Close()

	second, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetVideo(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "kept", got.Title)
	assert.Equal(t, 60, got.Progress)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, 0)
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.False(t, isSQLiteBusy(assert.AnError))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("retries until the lock clears", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), func() error {
			calls++
			return busy
		})
		assert.ErrorIs(t, err, busy)
		assert.Equal(t, busyRetryAttempts, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), func() error {
			calls++
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retryOnBusy(ctx, func() error {
			calls++
			cancel()
			return busy
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
