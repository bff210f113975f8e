package types

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is broadcast after every committed pipeline transition.
// It is transient: subscribers that are not connected when it is published never see it.
// OwnerID is used for feed filtering and is never written to clients.
type ProgressEvent struct {
	VideoID   uuid.UUID `json:"video_id"`
	OwnerID   uuid.UUID `json:"-"`
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFromVideo builds the event describing the committed state of v.
func EventFromVideo(v *Video, stage string) ProgressEvent {
	return ProgressEvent{
		VideoID:   v.ID,
		OwnerID:   v.OwnerID,
		Progress:  v.Progress,
		Status:    v.Status,
		Stage:     stage,
		Error:     v.FailureReason,
		Timestamp: v.UpdatedAt,
	}
}
