package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/types"
)

// JobContext is what a stage sees of the job it is working on.
type JobContext struct {
	// Video is a snapshot taken when the run started.
	Video types.Video
	// Blobs gives stages read access to the uploaded media.
	Blobs blob.Store
	Log   *zap.Logger
	// Checkpoint is the progress value committed when the stage succeeds.
	Checkpoint int
	// Attempt counts from 1 and increases on each retry.
	Attempt int
}

// Outcome is a stage's classification of the job.
type Outcome struct {
	// Flagged ends the run immediately with status flagged.
	Flagged bool
	Reason  string
}

// Stage is one unit of work in the pipeline. Returning an error marks the
// attempt as failed; wrap it with Permanent to skip retries.
type Stage interface {
	Name() string
	Run(ctx context.Context, job *JobContext) (Outcome, error)
}

// Step pairs a stage with the checkpoint committed after it succeeds.
type Step struct {
	Checkpoint int
	Stage      Stage
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, job *JobContext) (Outcome, error)

// Run calls f.
func (f StageFunc) Run(ctx context.Context, job *JobContext) (Outcome, error) {
	return f(ctx, job)
}

// Name implements Stage.
func (f StageFunc) Name() string { return "func" }

type namedStage struct {
	name string
	fn   StageFunc
}

func (s namedStage) Name() string { return s.name }

func (s namedStage) Run(ctx context.Context, job *JobContext) (Outcome, error) {
	return s.fn(ctx, job)
}

// NewStage gives fn a name for logs and metrics.
func NewStage(name string, fn StageFunc) Stage {
	return namedStage{name: name, fn: fn}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// DelayStage waits for a fixed duration. It stands in for scanning or
// transcoding work.
type DelayStage struct {
	Delay time.Duration
}

// Name implements Stage.
func (DelayStage) Name() string { return "delay" }

// Run implements Stage.
func (s DelayStage) Run(ctx context.Context, _ *JobContext) (Outcome, error) {
	if s.Delay <= 0 {
		return Outcome{}, ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Outcome{}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// IntegrityStage checks that the stored blob exists and matches the recorded size.
type IntegrityStage struct{}

// Name implements Stage.
func (IntegrityStage) Name() string { return "integrity" }

// Run implements Stage.
func (IntegrityStage) Run(ctx context.Context, job *JobContext) (Outcome, error) {
	if job.Blobs == nil {
		return Outcome{}, nil
	}
	size, err := job.Blobs.Size(ctx, job.Video.BlobRef)
	if err != nil {
		if types.IsNotFound(err) {
			return Outcome{Flagged: true, Reason: "media blob missing"}, nil
		}
		return Outcome{}, err
	}
	if size != job.Video.SizeBytes {
		return Outcome{
			Flagged: true,
			Reason:  fmt.Sprintf("media size mismatch: recorded %d bytes, stored %d", job.Video.SizeBytes, size),
		}, nil
	}
	return Outcome{}, nil
}

// Chain runs stages in order under one name, stopping at the first error or flag.
func Chain(name string, stages ...Stage) Stage {
	return NewStage(name, func(ctx context.Context, job *JobContext) (Outcome, error) {
		for _, s := range stages {
			outcome, err := s.Run(ctx, job)
			if err != nil || outcome.Flagged {
				return outcome, err
			}
		}
		return Outcome{}, nil
	})
}

// DefaultSteps builds the placeholder pipeline: an integrity check with the
// first delay, then one delay per remaining checkpoint.
func DefaultSteps(cfg config.PipelineConfig) []Step {
	steps := make([]Step, 0, len(cfg.Checkpoints))
	delay := DelayStage{Delay: cfg.StageDelay}
	for i, cp := range cfg.Checkpoints {
		var stage Stage = NewStage(fmt.Sprintf("scan-%d", cp), delay.Run)
		if i == 0 {
			stage = Chain("integrity", IntegrityStage{}, delay)
		}
		steps = append(steps, Step{Checkpoint: cp, Stage: stage})
	}
	return steps
}
