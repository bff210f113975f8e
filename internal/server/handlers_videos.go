package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/intake"
	"github.com/jonathan/vidscan/internal/server/middleware"
	"github.com/jonathan/vidscan/internal/streaming"
	"github.com/jonathan/vidscan/internal/types"
)

const (
	// multipartOverhead allows for boundaries and the title field on top of the file ceiling.
	multipartOverhead = 1 << 20
	// multipartMemory is how much of the form is kept in memory before spilling to disk.
	multipartMemory = 8 << 20
)

// UploadResponse is returned once an upload has been accepted.
type UploadResponse struct {
	VideoID string       `json:"video_id"`
	Message string       `json:"message"`
	Status  types.Status `json:"status"`
}

// handleUpload accepts a multipart form with a "video" file and an optional "title".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.GetOwnerID(r)
	if err != nil {
		s.writeError(w, types.ErrUnauthorized)
		return
	}

	limit := s.cfg.MaxUploadBytes + multipartOverhead
	if r.ContentLength > limit {
		s.writeError(w, &types.ErrValidation{
			Code:    types.CodePayloadTooLarge,
			Field:   "video",
			Message: "request body exceeds the upload limit",
		})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, &types.ErrValidation{
				Code:    types.CodePayloadTooLarge,
				Field:   "video",
				Message: "request body exceeds the upload limit",
			})
			return
		}
		s.writeError(w, &types.ErrValidation{
			Code:    types.CodeInvalidField,
			Field:   "body",
			Message: "expected a multipart/form-data body",
		})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sub := intake.Submission{
		OwnerID: ownerID,
		Title:   r.FormValue("title"),
		Size:    -1,
	}
	file, header, err := r.FormFile("video")
	switch {
	case err == nil:
		defer file.Close()
		sub.File = file
		sub.Filename = header.Filename
		sub.MimeType = header.Header.Get("Content-Type")
		sub.Size = header.Size
	case errors.Is(err, http.ErrMissingFile):
		// intake reports the missing file
	default:
		s.writeError(w, err)
		return
	}

	video, err := s.intake.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, UploadResponse{
		VideoID: video.ID.String(),
		Message: "Video uploaded successfully. Processing started.",
		Status:  video.Status,
	})
}

// handleListVideos returns the caller's videos, newest first.
func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.GetOwnerID(r)
	if err != nil {
		s.writeError(w, types.ErrUnauthorized)
		return
	}

	videos, err := s.repo.ListVideosByOwner(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, videos)
}

// handleGetVideo returns one of the caller's videos.
func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.lookupVideo(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, video)
}

// handleStream serves the stored media with byte-range support.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	video, err := s.lookupVideo(r, s.cfg.StreamRequireAuth)
	if err != nil {
		s.writeError(w, err)
		return
	}

	obj, err := s.blobs.Open(r.Context(), video.BlobRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer obj.Close()

	// Long media downloads outlive any fixed write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	err = streaming.Serve(w, r, streaming.Resource{
		Body:        obj,
		Size:        obj.Size(),
		ContentType: video.MimeType,
	})
	var badRange *types.ErrRangeNotSatisfiable
	if err != nil && !errors.As(err, &badRange) {
		s.log.Debug("stream ended early", zap.String("video_id", video.ID.String()), zap.Error(err))
	}
}

// lookupVideo resolves the {id} path value. With ownerOnly set, videos that
// belong to someone else are reported as not found.
func (s *Server) lookupVideo(r *http.Request, ownerOnly bool) (*types.Video, error) {
	idStr := r.PathValue("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, &types.ErrNotFound{Resource: "video", ID: idStr}
	}

	video, err := s.repo.GetVideo(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, &types.ErrNotFound{Resource: "video", ID: idStr}
	}

	if ownerOnly {
		ownerID, err := middleware.GetOwnerID(r)
		if err != nil {
			return nil, types.ErrUnauthorized
		}
		if video.OwnerID != ownerID {
			return nil, &types.ErrNotFound{Resource: "video", ID: idStr}
		}
	}
	return video, nil
}
