package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/vidscan/internal/types"
)

// runRepositoryContract exercises the behaviour every Repository implementation must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := uuid.New()

		created, err := repo.CreateVideo(ctx, sampleInput(owner, "first"))
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, created.ID)
		assert.Equal(t, types.StatusPending, created.Status)
		assert.Equal(t, 0, created.Progress)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := repo.GetVideo(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, owner, got.OwnerID)
		assert.Equal(t, "first", got.Title)
		assert.Equal(t, "video/mp4", got.MimeType)
		assert.Equal(t, int64(1000), got.SizeBytes)
	})

	t.Run("get unknown returns nil", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.GetVideo(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("create rejects invalid input", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.CreateVideo(context.Background(), types.VideoInput{Title: "x"})
		require.Error(t, err)
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := uuid.New()
		other := uuid.New()

		for _, title := range []string{"a", "b", "c"} {
			_, err := repo.CreateVideo(ctx, sampleInput(owner, title))
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
		}
		_, err := repo.CreateVideo(ctx, sampleInput(other, "theirs"))
		require.NoError(t, err)

		videos, err := repo.ListVideosByOwner(ctx, owner)
		require.NoError(t, err)
		require.Len(t, videos, 3)
		assert.Equal(t, "c", videos[0].Title)
		assert.Equal(t, "b", videos[1].Title)
		assert.Equal(t, "a", videos[2].Title)

		none, err := repo.ListVideosByOwner(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("update progress forward", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateVideo(ctx, sampleInput(uuid.New(), "v"))
		require.NoError(t, err)

		updated, err := repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 30, Status: types.StatusProcessing})
		require.NoError(t, err)
		assert.Equal(t, 30, updated.Progress)
		assert.Equal(t, types.StatusProcessing, updated.Status)
		assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

		final, err := repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
		require.NoError(t, err)
		assert.Equal(t, types.StatusSafe, final.Status)

		got, err := repo.GetVideo(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, types.StatusSafe, got.Status)
	})

	t.Run("update rejects regression", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateVideo(ctx, sampleInput(uuid.New(), "v"))
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 60, Status: types.StatusProcessing})
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 30, Status: types.StatusProcessing})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 60, Status: types.StatusPending})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
	})

	t.Run("terminal is immutable", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateVideo(ctx, sampleInput(uuid.New(), "v"))
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{
			Progress: 100, Status: types.StatusFlagged, FailureReason: "detector tripped",
		})
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

		got, err := repo.GetVideo(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFlagged, got.Status)
		assert.Equal(t, "detector tripped", got.FailureReason)
	})

	t.Run("update rejects inconsistent progress", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateVideo(ctx, sampleInput(uuid.New(), "v"))
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusProcessing})
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		_, err = repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 90, Status: types.StatusSafe})
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("update unknown is not found", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.UpdateProgress(context.Background(), uuid.New(), types.ProgressUpdate{Progress: 10, Status: types.StatusProcessing})
		assert.True(t, types.IsNotFound(err), "got %v", err)
	})

	t.Run("list unfinished", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := uuid.New()

		pending, err := repo.CreateVideo(ctx, sampleInput(owner, "pending"))
		require.NoError(t, err)
		processing, err := repo.CreateVideo(ctx, sampleInput(owner, "processing"))
		require.NoError(t, err)
		done, err := repo.CreateVideo(ctx, sampleInput(owner, "done"))
		require.NoError(t, err)

		_, err = repo.UpdateProgress(ctx, processing.ID, types.ProgressUpdate{Progress: 30, Status: types.StatusProcessing})
		require.NoError(t, err)
		_, err = repo.UpdateProgress(ctx, done.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
		require.NoError(t, err)

		unfinished, err := repo.ListUnfinished(ctx)
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(unfinished))
		for _, v := range unfinished {
			ids = append(ids, v.ID)
		}
		assert.ElementsMatch(t, []uuid.UUID{pending.ID, processing.ID}, ids)
	})

	t.Run("concurrent readers see whole records", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		created, err := repo.CreateVideo(ctx, sampleInput(uuid.New(), "v"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range []int{10, 30, 60, 90} {
				_, err := repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: p, Status: types.StatusProcessing})
				assert.NoError(t, err)
			}
			_, err := repo.UpdateProgress(ctx, created.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
			assert.NoError(t, err)
		}()

		for i := 0; i < 50; i++ {
			got, err := repo.GetVideo(ctx, created.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, types.ProgressUpdate{Progress: got.Progress, Status: got.Status}.Consistent() ||
				got.Status == types.StatusPending, "observed torn record %+v", got)
		}
		wg.Wait()
	})
}

func sampleInput(owner uuid.UUID, title string) types.VideoInput {
	return types.VideoInput{
		OwnerID:   owner,
		Title:     title,
		BlobRef:   uuid.NewString() + ".mp4",
		MimeType:  "video/mp4",
		SizeBytes: 1000,
	}
}
