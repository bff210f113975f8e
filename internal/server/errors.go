package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jonathan/vidscan/internal/types"
)

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *types.ErrValidation
		notFound   *types.ErrNotFound
		badRange   *types.ErrRangeNotSatisfiable
		tooBig     *http.MaxBytesError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &validation):
		switch validation.Code {
		case types.CodeInvalidMediaType:
			return http.StatusUnsupportedMediaType
		case types.CodePayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		default:
			return http.StatusBadRequest
		}
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &badRange):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and a JSON body. Internal errors are
// logged and reported generically.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		s.errorResponse(w, status, "internal server error")
		return
	}

	body := map[string]string{"error": err.Error()}
	var validation *types.ErrValidation
	if errors.As(err, &validation) {
		body["error"] = validation.Message
		body["code"] = validation.Code
		if validation.Field != "" {
			body["field"] = validation.Field
		}
	}
	s.jsonResponse(w, status, body)
}
