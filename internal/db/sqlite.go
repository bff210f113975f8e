package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jonathan/vidscan/internal/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLite is the single-node Repository backed by an embedded SQLite database.
// Timestamps are stored as UTC unix nanoseconds so ordering is numeric.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database file at path.
// The special path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	return &SQLite{db: db, path: path}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// EnsureSchema creates the videos table and indexes when missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	return retryOnBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	})
}

// CreateVideo inserts a new pending video record.
func (s *SQLite) CreateVideo(ctx context.Context, input types.VideoInput) (*types.Video, error) {
	video, err := newVideo(input)
	if err != nil {
		return nil, err
	}

	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO videos (id, owner_id, title, blob_ref, mime_type, size_bytes, status, progress,
			                     failure_reason, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
			video.ID.String(), video.OwnerID.String(), video.Title, video.BlobRef, video.MimeType,
			video.SizeBytes, string(video.Status), video.Progress,
			video.CreatedAt.UnixNano(), video.UpdatedAt.UnixNano(),
		)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

// GetVideo retrieves a video by ID.
func (s *SQLite) GetVideo(ctx context.Context, id uuid.UUID) (*types.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id.String())
	video, err := scanSQLiteVideo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get video: %w", err)
	}
	return video, nil
}

// ListVideosByOwner retrieves the owner's videos, newest first.
func (s *SQLite) ListVideosByOwner(ctx context.Context, ownerID uuid.UUID) ([]types.Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`,
		ownerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return collectSQLiteVideos(rows)
}

// ListUnfinished retrieves pending and processing videos, oldest first.
func (s *SQLite) ListUnfinished(ctx context.Context) ([]types.Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE status IN ('pending', 'processing') ORDER BY created_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished videos: %w", err)
	}
	return collectSQLiteVideos(rows)
}

// UpdateProgress applies one pipeline transition in a single conditional statement.
func (s *SQLite) UpdateProgress(ctx context.Context, id uuid.UUID, update types.ProgressUpdate) (*types.Video, error) {
	if err := checkUpdate(update); err != nil {
		return nil, err
	}

	var video *types.Video
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE videos
			 SET progress = ?, status = ?, failure_reason = ?, updated_at = ?
			 WHERE id = ? AND status IN ('pending', 'processing') AND progress <= ?
			 RETURNING `+videoColumns,
			update.Progress, string(update.Status), update.FailureReason, time.Now().UTC().UnixNano(),
			id.String(), update.Progress,
		)
		var scanErr error
		video, scanErr = scanSQLiteVideo(row)
		return scanErr
	})
	if err == nil {
		return video, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update video progress: %w", err)
	}

	current, getErr := s.GetVideo(ctx, id)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVideo(row rowScanner) (*types.Video, error) {
	var (
		v                    types.Video
		id, ownerID, status  string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &ownerID, &v.Title, &v.BlobRef, &v.MimeType, &v.SizeBytes,
		&status, &v.Progress, &v.FailureReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if v.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse video id %q: %w", id, err)
	}
	if v.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("parse owner id %q: %w", ownerID, err)
	}
	v.Status = types.Status(status)
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	v.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &v, nil
}

func collectSQLiteVideos(rows *sql.Rows) ([]types.Video, error) {
	defer rows.Close()

	videos := []types.Video{}
	for rows.Next() {
		video, err := scanSQLiteVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, *video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return videos, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy reruns op while SQLite reports the database as locked.
// Other errors are returned after the first attempt.
func retryOnBusy(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = busyRetryInitialBackoff
	eb.MaxInterval = busyRetryMaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, busyRetryAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
