package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/vidscan/internal/types"
)

//go:embed schema_postgres.sql
var postgresSchema string

const videoColumns = `id, owner_id, title, blob_ref, mime_type, size_bytes, status, progress,
	failure_reason, created_at, updated_at`

// DB is the PostgreSQL-backed Repository.
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// EnsureSchema creates the videos table and indexes when missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateVideo inserts a new pending video record
func (db *DB) CreateVideo(ctx context.Context, input types.VideoInput) (*types.Video, error) {
	video, err := newVideo(input)
	if err != nil {
		return nil, err
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO videos (id, owner_id, title, blob_ref, mime_type, size_bytes, status, progress,
		                     failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $9)
		 RETURNING `+videoColumns,
		video.ID, video.OwnerID, video.Title, video.BlobRef, video.MimeType, video.SizeBytes,
		string(video.Status), video.Progress, video.CreatedAt,
	)
	created, err := scanVideo(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}
	return created, nil
}

// GetVideo retrieves a video by ID
func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*types.Video, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return video, nil
}

// ListVideosByOwner retrieves the owner's videos, newest first
func (db *DB) ListVideosByOwner(ctx context.Context, ownerID uuid.UUID) ([]types.Video, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	return collectVideos(rows)
}

// ListUnfinished retrieves pending and processing videos, oldest first
func (db *DB) ListUnfinished(ctx context.Context) ([]types.Video, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE status IN ('pending', 'processing') ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished videos: %w", err)
	}
	return collectVideos(rows)
}

// UpdateProgress applies one pipeline transition in a single conditional statement.
// The WHERE clause refuses to touch terminal records or move progress backwards.
func (db *DB) UpdateProgress(ctx context.Context, id uuid.UUID, update types.ProgressUpdate) (*types.Video, error) {
	if err := checkUpdate(update); err != nil {
		return nil, err
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE videos
		 SET progress = $2, status = $3, failure_reason = $4, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing') AND progress <= $2
		 RETURNING `+videoColumns,
		id, update.Progress, string(update.Status), update.FailureReason,
	)
	video, err := scanVideo(row)
	if err == nil {
		return video, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update video progress: %w", err)
	}

	current, getErr := db.GetVideo(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil {
		return nil, notFound(id)
	}
	if err := checkTransition(current, update); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: concurrent update of video %s", ErrInvalidTransition, id)
}

func scanVideo(row pgx.Row) (*types.Video, error) {
	var (
		v      types.Video
		status string
	)
	if err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.BlobRef, &v.MimeType, &v.SizeBytes,
		&status, &v.Progress, &v.FailureReason, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = types.Status(status)
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func collectVideos(rows pgx.Rows) ([]types.Video, error) {
	defer rows.Close()

	videos := []types.Video{}
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate videos: %w", err)
	}
	return videos, nil
}
