package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/progress"
	"github.com/jonathan/vidscan/internal/types"
)

var defaultCheckpoints = []int{10, 30, 60, 90, 100}

func noop(context.Context, *JobContext) (Outcome, error) { return Outcome{}, nil }

func stepsWith(overrides map[int]Stage) []Step {
	steps := make([]Step, 0, len(defaultCheckpoints))
	for _, cp := range defaultCheckpoints {
		stage, ok := overrides[cp]
		if !ok {
			stage = NewStage("noop", noop)
		}
		steps = append(steps, Step{Checkpoint: cp, Stage: stage})
	}
	return steps
}

type fixture struct {
	repo  *db.Memory
	bus   *progress.Bus
	sched *Scheduler
}

func newFixture(t *testing.T, steps []Step, opts Options) *fixture {
	t.Helper()
	repo := db.NewMemory()
	bus := progress.NewBus(64, nil)
	sched, err := NewScheduler(repo, nil, bus, steps, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sched.Shutdown(context.Background())
		bus.Close()
	})
	return &fixture{repo: repo, bus: bus, sched: sched}
}

func (f *fixture) createVideo(t *testing.T) *types.Video {
	t.Helper()
	v, err := f.repo.CreateVideo(context.Background(), types.VideoInput{
		OwnerID:   uuid.New(),
		Title:     "clip",
		BlobRef:   uuid.NewString() + ".mp4",
		MimeType:  "video/mp4",
		SizeBytes: 1000,
	})
	require.NoError(t, err)
	return v
}

func collect(t *testing.T, sub *progress.Subscription, n int) []types.ProgressEvent {
	t.Helper()
	var out []types.ProgressEvent
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed early")
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func progressValues(events []types.ProgressEvent) []int {
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = ev.Progress
	}
	return out
}

func TestScheduler_RunPublishesEveryCheckpoint(t *testing.T) {
	f := newFixture(t, stepsWith(nil), Options{})
	v := f.createVideo(t)
	sub := f.bus.Subscribe(uuid.Nil)

	require.NoError(t, f.sched.Enqueue(v.ID))
	events := collect(t, sub, 5)

	assert.Equal(t, []int{10, 30, 60, 90, 100}, progressValues(events))
	for _, ev := range events[:4] {
		assert.Equal(t, types.StatusProcessing, ev.Status)
		assert.Equal(t, v.ID, ev.VideoID)
	}
	assert.Equal(t, types.StatusSafe, events[4].Status)

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSafe, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestScheduler_FlaggedOutcomeEndsRun(t *testing.T) {
	var ranAfter atomic.Bool
	f := newFixture(t, stepsWith(map[int]Stage{
		30: NewStage("detector", func(context.Context, *JobContext) (Outcome, error) {
			return Outcome{Flagged: true, Reason: "unsafe content"}, nil
		}),
		60: NewStage("after", func(context.Context, *JobContext) (Outcome, error) {
			ranAfter.Store(true)
			return Outcome{}, nil
		}),
	}), Options{})
	v := f.createVideo(t)
	sub := f.bus.Subscribe(v.ID)

	require.NoError(t, f.sched.Run(context.Background(), v.ID))

	events := collect(t, sub, 2)
	assert.Equal(t, []int{10, 100}, progressValues(events))
	assert.Equal(t, types.StatusFlagged, events[1].Status)
	assert.Equal(t, "unsafe content", events[1].Error)
	assert.False(t, ranAfter.Load())

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, got.Status)
	assert.Equal(t, "unsafe content", got.FailureReason)
}

func TestScheduler_RetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, stepsWith(map[int]Stage{
		60: NewStage("flaky", func(_ context.Context, job *JobContext) (Outcome, error) {
			attempts.Add(1)
			if job.Attempt < 3 {
				return Outcome{}, errors.New("scanner unavailable")
			}
			return Outcome{}, nil
		}),
	}), Options{MaxRetries: 2, RetryBackoff: time.Millisecond})
	v := f.createVideo(t)

	require.NoError(t, f.sched.Run(context.Background(), v.ID))
	assert.Equal(t, int32(3), attempts.Load())

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSafe, got.Status)
}

func TestScheduler_ExhaustedRetriesFlagWithReason(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, stepsWith(map[int]Stage{
		90: NewStage("broken", func(context.Context, *JobContext) (Outcome, error) {
			attempts.Add(1)
			return Outcome{}, errors.New("disk on fire")
		}),
	}), Options{MaxRetries: 1, RetryBackoff: time.Millisecond})
	v := f.createVideo(t)
	sub := f.bus.Subscribe(v.ID)

	err := f.sched.Run(context.Background(), v.ID)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr), "got %v", err)
	assert.Equal(t, "broken", stageErr.Stage)
	assert.Equal(t, 90, stageErr.Checkpoint)
	assert.Equal(t, int32(2), attempts.Load())

	events := collect(t, sub, 4)
	assert.Equal(t, []int{10, 30, 60, 100}, progressValues(events))
	last := events[3]
	assert.Equal(t, types.StatusFlagged, last.Status)
	assert.Contains(t, last.Error, "disk on fire")

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.True(t, strings.HasPrefix(got.FailureReason, "stage broken failed"))
}

func TestScheduler_PermanentErrorSkipsRetry(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, stepsWith(map[int]Stage{
		10: NewStage("reject", func(context.Context, *JobContext) (Outcome, error) {
			attempts.Add(1)
			return Outcome{}, Permanent(errors.New("unsupported codec"))
		}),
	}), Options{MaxRetries: 5, RetryBackoff: time.Millisecond})
	v := f.createVideo(t)

	err := f.sched.Run(context.Background(), v.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestScheduler_StageTimeout(t *testing.T) {
	f := newFixture(t, stepsWith(map[int]Stage{
		30: NewStage("hang", func(ctx context.Context, _ *JobContext) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}),
	}), Options{StageTimeout: 20 * time.Millisecond})
	v := f.createVideo(t)

	err := f.sched.Run(context.Background(), v.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, got.Status)
}

func TestScheduler_PanickingStageIsFlagged(t *testing.T) {
	f := newFixture(t, stepsWith(map[int]Stage{
		10: NewStage("explode", func(context.Context, *JobContext) (Outcome, error) {
			panic("boom")
		}),
	}), Options{MaxRetries: 3})
	v := f.createVideo(t)

	err := f.sched.Run(context.Background(), v.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, got.Status)
}

func TestScheduler_OneRunPerVideo(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	f := newFixture(t, stepsWith(map[int]Stage{
		10: NewStage("gate", func(ctx context.Context, _ *JobContext) (Outcome, error) {
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return Outcome{}, ctx.Err()
		}),
	}), Options{})
	v := f.createVideo(t)

	require.NoError(t, f.sched.Enqueue(v.ID))
	assert.True(t, f.sched.Active(v.ID))
	err := f.sched.Enqueue(v.ID)
	assert.True(t, errors.Is(err, ErrJobActive), "got %v", err)
	err = f.sched.Run(context.Background(), v.ID)
	assert.True(t, errors.Is(err, ErrJobActive), "got %v", err)

	close(release)
	require.Eventually(t, func() bool { return !f.sched.Active(v.ID) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestScheduler_ShutdownKeepsCommittedProgress(t *testing.T) {
	entered := make(chan struct{})
	f := newFixture(t, stepsWith(map[int]Stage{
		60: NewStage("slow", func(ctx context.Context, _ *JobContext) (Outcome, error) {
			close(entered)
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}),
	}), Options{})
	v := f.createVideo(t)
	sub := f.bus.Subscribe(v.ID)

	require.NoError(t, f.sched.Enqueue(v.ID))
	<-entered
	require.NoError(t, f.sched.Shutdown(context.Background()))

	events := collect(t, sub, 2)
	assert.Equal(t, []int{10, 30}, progressValues(events))

	got, err := f.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.Equal(t, 30, got.Progress)
	assert.Empty(t, got.FailureReason)

	assert.True(t, errors.Is(f.sched.Enqueue(v.ID), ErrShutdown))
}

func TestScheduler_ShutdownWaitsForRacingEnqueue(t *testing.T) {
	// The stage ignores cancellation so an unawaited run is still active
	// when Shutdown returns.
	stubborn := NewStage("stubborn", func(context.Context, *JobContext) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return Outcome{}, nil
	})

	for i := 0; i < 25; i++ {
		f := newFixture(t, stepsWith(map[int]Stage{10: stubborn}), Options{})
		v := f.createVideo(t)

		enqueued := make(chan error, 1)
		go func() { enqueued <- f.sched.Enqueue(v.ID) }()
		require.NoError(t, f.sched.Shutdown(context.Background()))

		err := <-enqueued
		if err != nil {
			assert.ErrorIs(t, err, ErrShutdown)
			continue
		}
		assert.False(t, f.sched.Active(v.ID), "iteration %d: run outlived Shutdown", i)
	}
}

func TestScheduler_RecoverResumesAfterLastCheckpoint(t *testing.T) {
	var mu sync.Mutex
	var ran []int
	record := func(_ context.Context, job *JobContext) (Outcome, error) {
		mu.Lock()
		ran = append(ran, job.Checkpoint)
		mu.Unlock()
		return Outcome{}, nil
	}
	steps := make([]Step, 0, len(defaultCheckpoints))
	for _, cp := range defaultCheckpoints {
		steps = append(steps, Step{Checkpoint: cp, Stage: StageFunc(record)})
	}
	f := newFixture(t, steps, Options{})
	ctx := context.Background()

	midway := f.createVideo(t)
	_, err := f.repo.UpdateProgress(ctx, midway.ID, types.ProgressUpdate{Progress: 30, Status: types.StatusProcessing})
	require.NoError(t, err)
	done := f.createVideo(t)
	_, err = f.repo.UpdateProgress(ctx, done.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
	require.NoError(t, err)

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		v, err := f.repo.GetVideo(ctx, midway.ID)
		return err == nil && v.Status == types.StatusSafe
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{60, 90, 100}, ran)
}

func TestScheduler_ConcurrentVideosAreIndependent(t *testing.T) {
	f := newFixture(t, stepsWith(map[int]Stage{
		30: DelayStage{Delay: 10 * time.Millisecond},
	}), Options{})
	ctx := context.Background()

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = f.createVideo(t).ID
		require.NoError(t, f.sched.Enqueue(ids[i]))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			v, err := f.repo.GetVideo(ctx, id)
			if err != nil || v.Status != types.StatusSafe {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_RunUnknownVideo(t *testing.T) {
	f := newFixture(t, stepsWith(nil), Options{})
	err := f.sched.Run(context.Background(), uuid.New())
	assert.True(t, types.IsNotFound(err))
}

func TestScheduler_FinishedVideoIsNoop(t *testing.T) {
	f := newFixture(t, stepsWith(nil), Options{})
	v := f.createVideo(t)
	_, err := f.repo.UpdateProgress(context.Background(), v.ID, types.ProgressUpdate{Progress: 100, Status: types.StatusSafe})
	require.NoError(t, err)

	sub := f.bus.Subscribe(v.ID)
	require.NoError(t, f.sched.Run(context.Background(), v.ID))
	assert.Empty(t, sub.C)
}

func TestNewScheduler_RejectsBadSteps(t *testing.T) {
	repo := db.NewMemory()
	_, err := NewScheduler(repo, nil, nil, []Step{{Checkpoint: 50, Stage: StageFunc(noop)}}, Options{}, nil)
	assert.Error(t, err)

	_, err = NewScheduler(repo, nil, nil, []Step{{Checkpoint: 100}}, Options{}, nil)
	assert.Error(t, err)

	_, err = NewScheduler(repo, nil, nil, []Step{
		{Checkpoint: 60, Stage: StageFunc(noop)},
		{Checkpoint: 30, Stage: StageFunc(noop)},
		{Checkpoint: 100, Stage: StageFunc(noop)},
	}, Options{}, nil)
	assert.Error(t, err)
}

func TestIntegrityStage(t *testing.T) {
	store, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.Put(ctx, "clip.mp4", strings.NewReader("0123456789"), "video/mp4")
	require.NoError(t, err)

	job := &JobContext{Blobs: store, Video: types.Video{BlobRef: "clip.mp4", SizeBytes: 10}}
	outcome, err := IntegrityStage{}.Run(ctx, job)
	require.NoError(t, err)
	assert.False(t, outcome.Flagged)

	job.Video.SizeBytes = 11
	outcome, err = IntegrityStage{}.Run(ctx, job)
	require.NoError(t, err)
	assert.True(t, outcome.Flagged)
	assert.Contains(t, outcome.Reason, "size mismatch")

	job.Video.BlobRef = "missing.mp4"
	outcome, err = IntegrityStage{}.Run(ctx, job)
	require.NoError(t, err)
	assert.True(t, outcome.Flagged)
	assert.Equal(t, "media blob missing", outcome.Reason)
}

func TestDelayStage_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DelayStage{Delay: time.Hour}.Run(ctx, &JobContext{})
	assert.True(t, errors.Is(err, context.Canceled))
}
