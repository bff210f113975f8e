// Package pipeline drives accepted videos through an ordered list of stages,
// committing progress to the repository and publishing it after each one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/metrics"
	"github.com/jonathan/vidscan/internal/progress"
	"github.com/jonathan/vidscan/internal/types"
)

var (
	// ErrJobActive is returned when a run for the same video is already in flight.
	ErrJobActive = errors.New("pipeline already running for video")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("pipeline scheduler is shut down")
)

// StageError records the stage that failed a run. The video is already
// committed as flagged when Run returns it.
type StageError struct {
	Stage      string
	Checkpoint int
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (checkpoint %d) failed: %v", e.Stage, e.Checkpoint, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options tunes the failure policy.
type Options struct {
	StageTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// OptionsFromConfig maps the pipeline config.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		StageTimeout: cfg.StageTimeout,
		MaxRetries:   cfg.StageRetries,
		RetryBackoff: cfg.RetryBackoff,
	}
}

// Scheduler runs at most one pipeline per video at a time. Runs for distinct
// videos are independent and may overlap freely.
type Scheduler struct {
	repo  db.Repository
	blobs blob.Store
	pub   progress.Publisher
	steps []Step
	opts  Options
	log   *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler validates steps and returns an idle scheduler.
func NewScheduler(repo db.Repository, blobs blob.Store, pub progress.Publisher, steps []Step, opts Options, log *zap.Logger) (*Scheduler, error) {
	checkpoints := make([]int, len(steps))
	for i, s := range steps {
		if s.Stage == nil {
			return nil, fmt.Errorf("step %d has no stage", i)
		}
		checkpoints[i] = s.Checkpoint
	}
	if err := config.ValidateCheckpoints(checkpoints); err != nil {
		return nil, fmt.Errorf("invalid pipeline steps: %w", err)
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:    repo,
		blobs:   blobs,
		pub:     pub,
		steps:   steps,
		opts:    opts,
		log:     log.With(zap.String("component", "pipeline")),
		baseCtx: ctx,
		stop:    cancel,
		active:  make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Enqueue starts a run for id in the background and returns immediately.
func (s *Scheduler) Enqueue(id uuid.UUID) error {
	runCtx, release, err := s.claim(s.baseCtx, id)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		if err := s.run(runCtx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				s.log.Info("pipeline run cancelled", zap.String("video_id", id.String()))
				return
			}
			s.log.Warn("pipeline run ended with error", zap.String("video_id", id.String()), zap.Error(err))
		}
	}()
	return nil
}

// Run executes the pipeline for id synchronously. A stage failure is
// committed as flagged and returned as *StageError.
func (s *Scheduler) Run(ctx context.Context, id uuid.UUID) error {
	runCtx, release, err := s.claim(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return s.run(runCtx, id)
}

// Recover re-enqueues every unfinished video. Each run resumes after its
// last committed checkpoint.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	videos, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished videos: %w", err)
	}
	n := 0
	for _, v := range videos {
		if err := s.Enqueue(v.ID); err != nil {
			if errors.Is(err, ErrJobActive) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Info("recovered unfinished videos", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown cancels in-flight runs and waits for them to return.
// Cancelled runs keep their last committed progress.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// Active reports whether a run for id is in flight.
func (s *Scheduler) Active(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// claim registers the run with the wait group under the same lock Shutdown
// takes, so Shutdown either rejects the claim or waits for its release.
func (s *Scheduler) claim(parent context.Context, id uuid.UUID) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrShutdown
	}
	if _, ok := s.active[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	ctx, cancel := context.WithCancel(parent)
	s.active[id] = cancel
	s.wg.Add(1)
	metrics.PipelineActive.Inc()
	release := func() {
		cancel()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		metrics.PipelineActive.Dec()
		s.wg.Done()
	}
	return ctx, release, nil
}

func (s *Scheduler) run(ctx context.Context, id uuid.UUID) error {
	log := s.log.With(zap.String("video_id", id.String()))

	video, err := s.repo.GetVideo(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load video: %w", err)
	}
	if video == nil {
		return &types.ErrNotFound{Resource: "video", ID: id.String()}
	}
	if video.Status.IsTerminal() {
		log.Debug("video already finished", zap.String("status", string(video.Status)))
		return nil
	}
	if video.Status == types.StatusPending {
		video, err = s.repo.UpdateProgress(ctx, id, types.ProgressUpdate{Progress: 0, Status: types.StatusProcessing})
		if err != nil {
			return fmt.Errorf("failed to start video: %w", err)
		}
	}
	log.Info("pipeline run started", zap.Int("from_progress", video.Progress))

	for _, step := range s.steps {
		if step.Checkpoint <= video.Progress {
			continue
		}

		job := &JobContext{
			Video:      *video,
			Blobs:      s.blobs,
			Log:        log.With(zap.String("stage", step.Stage.Name())),
			Checkpoint: step.Checkpoint,
		}
		outcome, stageErr := s.runStage(ctx, step, job)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if stageErr != nil {
			reason := fmt.Sprintf("stage %s failed: %v", step.Stage.Name(), stageErr)
			if _, err := s.commit(context.WithoutCancel(ctx), id, types.StatusFlagged, types.MaxProgress, reason, step.Stage.Name()); err != nil {
				return fmt.Errorf("failed to record stage failure: %w", err)
			}
			metrics.PipelineJobs.WithLabelValues("failed").Inc()
			log.Error("pipeline stage failed", zap.String("stage", step.Stage.Name()), zap.Error(stageErr))
			return &StageError{Stage: step.Stage.Name(), Checkpoint: step.Checkpoint, Err: stageErr}
		}

		if outcome.Flagged {
			if _, err := s.commit(ctx, id, types.StatusFlagged, types.MaxProgress, outcome.Reason, step.Stage.Name()); err != nil {
				return err
			}
			metrics.PipelineJobs.WithLabelValues(string(types.StatusFlagged)).Inc()
			log.Info("video flagged", zap.String("stage", step.Stage.Name()), zap.String("reason", outcome.Reason))
			return nil
		}

		status := types.StatusProcessing
		if step.Checkpoint == types.MaxProgress {
			status = types.StatusSafe
		}
		video, err = s.commit(ctx, id, status, step.Checkpoint, "", step.Stage.Name())
		if err != nil {
			return err
		}
	}

	metrics.PipelineJobs.WithLabelValues(string(video.Status)).Inc()
	log.Info("pipeline run finished", zap.String("status", string(video.Status)))
	return nil
}

// commit persists a checkpoint and publishes it. Nothing is published when
// the write fails.
func (s *Scheduler) commit(ctx context.Context, id uuid.UUID, status types.Status, progressValue int, reason, stage string) (*types.Video, error) {
	updated, err := s.repo.UpdateProgress(ctx, id, types.ProgressUpdate{
		Progress:      progressValue,
		Status:        status,
		FailureReason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint %d: %w", progressValue, err)
	}
	if s.pub != nil {
		s.pub.Publish(types.EventFromVideo(updated, stage))
	}
	return updated, nil
}

// runStage executes one stage with a per-attempt timeout and bounded retries.
func (s *Scheduler) runStage(ctx context.Context, step Step, job *JobContext) (Outcome, error) {
	name := step.Stage.Name()
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.MaxRetries)), ctx)

	operation := func() (Outcome, error) {
		job.Attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.StageTimeout)
		defer cancel()

		outcome, err := safeRun(attemptCtx, step.Stage, job)
		if err != nil && ctx.Err() != nil {
			return Outcome{}, backoff.Permanent(ctx.Err())
		}
		return outcome, err
	}
	notify := func(err error, wait time.Duration) {
		metrics.StageRetries.WithLabelValues(name).Inc()
		job.Log.Warn("stage attempt failed, retrying",
			zap.Int("attempt", job.Attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotifyWithData(operation, policy, notify)
}

// safeRun turns a panicking stage into an error.
func safeRun(ctx context.Context, stage Stage, job *JobContext) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("stage panicked: %v", r))
		}
	}()
	return stage.Run(ctx, job)
}
