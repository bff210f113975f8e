// Package db provides persistence for video records behind a narrow repository contract,
// with PostgreSQL, SQLite and in-memory implementations.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/vidscan/internal/types"
)

// ErrInvalidTransition indicates an update that would regress status or progress,
// mutate a terminal record, or break the progress/terminal invariant.
var ErrInvalidTransition = errors.New("invalid video transition")

// Repository is the CRUD contract every video store implements.
// GetVideo returns (nil, nil) when the id is unknown.
type Repository interface {
	CreateVideo(ctx context.Context, input types.VideoInput) (*types.Video, error)
	GetVideo(ctx context.Context, id uuid.UUID) (*types.Video, error)
	ListVideosByOwner(ctx context.Context, ownerID uuid.UUID) ([]types.Video, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, update types.ProgressUpdate) (*types.Video, error)
	ListUnfinished(ctx context.Context) ([]types.Video, error)
	EnsureSchema(ctx context.Context) error
	Close()
}

var inputValidator = validator.New()

// newVideo validates input and builds the initial pending record.
func newVideo(input types.VideoInput) (*types.Video, error) {
	if err := inputValidator.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid video input: %w", err)
	}
	now := time.Now().UTC()
	return &types.Video{
		ID:        uuid.New(),
		OwnerID:   input.OwnerID,
		Title:     input.Title,
		BlobRef:   input.BlobRef,
		MimeType:  input.MimeType,
		SizeBytes: input.SizeBytes,
		Status:    types.StatusPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// checkUpdate rejects updates that can never be applied regardless of stored state.
func checkUpdate(update types.ProgressUpdate) error {
	if update.Status == types.StatusPending || !update.Consistent() {
		return fmt.Errorf("%w: status=%s progress=%d", ErrInvalidTransition, update.Status, update.Progress)
	}
	return nil
}

// checkTransition validates update against the currently stored record.
func checkTransition(current *types.Video, update types.ProgressUpdate) error {
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: video %s is already %s", ErrInvalidTransition, current.ID, current.Status)
	}
	if update.Progress < current.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, current.Progress, update.Progress)
	}
	return nil
}

// notFound builds the error returned for unknown video ids.
func notFound(id uuid.UUID) error {
	return &types.ErrNotFound{Resource: "video", ID: id.String()}
}

// Open connects to the repository selected by driver and ensures its schema exists.
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch driver {
	case "postgres":
		repo, err = Connect(ctx, dsn)
	case "sqlite":
		repo, err = OpenSQLite(ctx, dsn)
	case "memory":
		repo = NewMemory()
	default:
		return nil, fmt.Errorf("unknown repository driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}
