// Package types provides the shared domain types for the vidscan service.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an uploaded video.
type Status string

// Video statuses. pending and processing are transient; safe and flagged are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSafe       Status = "safe"
	StatusFlagged    Status = "flagged"
)

// MaxProgress is the progress value of every terminal video.
const MaxProgress = 100

// IsTerminal reports whether no further pipeline transition may occur from s.
func (s Status) IsTerminal() bool {
	return s == StatusSafe || s == StatusFlagged
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSafe, StatusFlagged:
		return true
	}
	return false
}

// Video is the persisted record tracking one upload through the pipeline.
type Video struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Title         string    `json:"title"`
	BlobRef       string    `json:"blob_ref"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	Status        Status    `json:"status"`
	Progress      int       `json:"progress"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VideoInput holds the immutable fields supplied when a video record is created.
type VideoInput struct {
	OwnerID   uuid.UUID `validate:"required"`
	Title     string    `validate:"required,max=200"`
	BlobRef   string    `validate:"required"`
	MimeType  string    `validate:"required"`
	SizeBytes int64     `validate:"gte=0"`
}

// ProgressUpdate is one atomic mutation applied by a pipeline run.
type ProgressUpdate struct {
	Progress      int
	Status        Status
	FailureReason string
}

// Consistent reports whether the update satisfies progress = 100 iff terminal.
func (u ProgressUpdate) Consistent() bool {
	if u.Progress < 0 || u.Progress > MaxProgress || !u.Status.Valid() {
		return false
	}
	return u.Status.IsTerminal() == (u.Progress == MaxProgress)
}
