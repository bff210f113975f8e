// Package intake validates uploads, stores their bytes, records them and
// schedules their pipeline run.
package intake

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/metrics"
	"github.com/jonathan/vidscan/internal/types"
)

const maxTitleLength = 200

// Enqueuer schedules a pipeline run without waiting for it.
type Enqueuer interface {
	Enqueue(id uuid.UUID) error
}

// Options bounds what Submit accepts.
type Options struct {
	MaxBytes int64
	// AcceptedMediaTypes holds exact types ("video/mp4") or families ending in "/" ("video/").
	AcceptedMediaTypes []string
	DefaultTitle       string
}

// OptionsFromConfig maps the upload config.
func OptionsFromConfig(cfg config.UploadConfig) Options {
	return Options{
		MaxBytes:           cfg.MaxBytes,
		AcceptedMediaTypes: cfg.AcceptedMediaTypes,
		DefaultTitle:       cfg.DefaultTitle,
	}
}

// Submission is one upload as received from the transport.
type Submission struct {
	OwnerID  uuid.UUID
	Title    string
	Filename string
	// MimeType is the type declared by the client.
	MimeType string
	// Size is the declared length, or -1 when unknown.
	Size int64
	File io.Reader
}

// Service accepts uploads.
type Service struct {
	repo  db.Repository
	blobs blob.Store
	queue Enqueuer
	opts  Options
	log   *zap.Logger
}

// NewService wires the intake dependencies.
func NewService(repo db.Repository, blobs blob.Store, queue Enqueuer, opts Options, log *zap.Logger) *Service {
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = "Untitled"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:  repo,
		blobs: blobs,
		queue: queue,
		opts:  opts,
		log:   log.With(zap.String("component", "intake")),
	}
}

// Submit validates sub, stores the file and creates a pending video. The
// pipeline run is scheduled before returning but never awaited.
// Validation failures leave no blob and no record behind.
func (s *Service) Submit(ctx context.Context, sub Submission) (*types.Video, error) {
	if sub.OwnerID == uuid.Nil {
		return nil, types.ErrUnauthorized
	}
	title, err := s.validate(sub)
	if err != nil {
		s.reject(err)
		return nil, err
	}

	ref := uuid.NewString() + safeExt(sub.Filename)
	written, err := s.blobs.Put(ctx, ref, io.LimitReader(sub.File, s.opts.MaxBytes+1), sub.MimeType)
	if err != nil {
		s.discard(ref)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if written > s.opts.MaxBytes {
		s.discard(ref)
		err := tooLarge(s.opts.MaxBytes)
		s.reject(err)
		return nil, err
	}

	video, err := s.repo.CreateVideo(ctx, types.VideoInput{
		OwnerID:   sub.OwnerID,
		Title:     title,
		BlobRef:   ref,
		MimeType:  sub.MimeType,
		SizeBytes: written,
	})
	if err != nil {
		s.discard(ref)
		return nil, fmt.Errorf("failed to create video record: %w", err)
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytes.Observe(float64(written))
	s.log.Info("upload accepted",
		zap.String("video_id", video.ID.String()),
		zap.String("owner_id", video.OwnerID.String()),
		zap.Int64("size_bytes", written))

	if err := s.queue.Enqueue(video.ID); err != nil {
		// The record stays pending and is picked up by startup recovery.
		s.log.Warn("failed to schedule pipeline run", zap.String("video_id", video.ID.String()), zap.Error(err))
	}
	return video, nil
}

// validate checks the submission in a fixed order and returns the title to store.
func (s *Service) validate(sub Submission) (string, error) {
	if sub.File == nil {
		return "", &types.ErrValidation{Code: types.CodeMissingFile, Field: "video", Message: "no file was provided"}
	}
	if !s.accepts(sub.MimeType) {
		return "", &types.ErrValidation{
			Code:    types.CodeInvalidMediaType,
			Field:   "video",
			Message: fmt.Sprintf("media type %q is not accepted", sub.MimeType),
		}
	}
	if sub.Size > s.opts.MaxBytes {
		return "", tooLarge(s.opts.MaxBytes)
	}

	title := strings.TrimSpace(sub.Title)
	if title == "" {
		title = s.opts.DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", &types.ErrValidation{
			Code:    types.CodeInvalidField,
			Field:   "title",
			Message: fmt.Sprintf("must be at most %d characters", maxTitleLength),
		}
	}
	return title, nil
}

func (s *Service) accepts(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" {
		return false
	}
	for _, accepted := range s.opts.AcceptedMediaTypes {
		accepted = strings.ToLower(accepted)
		if strings.HasSuffix(accepted, "/") {
			if strings.HasPrefix(mt, accepted) && len(mt) > len(accepted) {
				return true
			}
			continue
		}
		if mt == accepted {
			return true
		}
	}
	return false
}

func (s *Service) reject(err error) {
	code := "error"
	if v, ok := err.(*types.ErrValidation); ok {
		code = v.Code
	}
	metrics.UploadsTotal.WithLabelValues(code).Inc()
}

// discard removes a blob that will not be referenced by any record.
func (s *Service) discard(ref string) {
	if err := s.blobs.Delete(context.Background(), ref); err != nil {
		s.log.Warn("failed to remove orphaned blob", zap.String("blob_ref", ref), zap.Error(err))
	}
}

func tooLarge(limit int64) error {
	return &types.ErrValidation{
		Code:    types.CodePayloadTooLarge,
		Field:   "video",
		Message: fmt.Sprintf("file exceeds the %d byte limit", limit),
	}
}

// safeExt keeps a short alphanumeric extension from the client filename.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
