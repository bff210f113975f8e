package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/vidscan/internal/types"
)

// Memory is an in-process Repository. Records are copied on the way in and out so
// readers never observe a partially applied update.
type Memory struct {
	mu     sync.RWMutex
	videos map[uuid.UUID]*memoryRecord
	seq    int64
}

type memoryRecord struct {
	video types.Video
	seq   int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{videos: make(map[uuid.UUID]*memoryRecord)}
}

// EnsureSchema is a no-op for the in-memory store.
func (m *Memory) EnsureSchema(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

// CreateVideo stores a new pending video.
func (m *Memory) CreateVideo(_ context.Context, input types.VideoInput) (*types.Video, error) {
	video, err := newVideo(input)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.videos[video.ID] = &memoryRecord{video: *video, seq: m.seq}
	out := *video
	return &out, nil
}

// GetVideo returns a copy of the stored video or nil when unknown.
func (m *Memory) GetVideo(_ context.Context, id uuid.UUID) (*types.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.videos[id]
	if !ok {
		return nil, nil
	}
	out := rec.video
	return &out, nil
}

// ListVideosByOwner returns the owner's videos newest first.
func (m *Memory) ListVideosByOwner(_ context.Context, ownerID uuid.UUID) ([]types.Video, error) {
	m.mu.RLock()
	var recs []memoryRecord
	for _, rec := range m.videos {
		if rec.video.OwnerID == ownerID {
			recs = append(recs, *rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].video.CreatedAt.Equal(recs[j].video.CreatedAt) {
			return recs[i].video.CreatedAt.After(recs[j].video.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})
	out := make([]types.Video, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.video)
	}
	return out, nil
}

// UpdateProgress applies update atomically under the write lock.
func (m *Memory) UpdateProgress(_ context.Context, id uuid.UUID, update types.ProgressUpdate) (*types.Video, error) {
	if err := checkUpdate(update); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.videos[id]
	if !ok {
		return nil, notFound(id)
	}
	if err := checkTransition(&rec.video, update); err != nil {
		return nil, err
	}

	next := rec.video
	next.Progress = update.Progress
	next.Status = update.Status
	next.FailureReason = update.FailureReason
	next.UpdatedAt = time.Now().UTC()
	rec.video = next
	return &next, nil
}

// ListUnfinished returns pending and processing videos, oldest first.
func (m *Memory) ListUnfinished(_ context.Context) ([]types.Video, error) {
	m.mu.RLock()
	var recs []memoryRecord
	for _, rec := range m.videos {
		if !rec.video.Status.IsTerminal() {
			recs = append(recs, *rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]types.Video, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.video)
	}
	return out, nil
}
