// Package streaming serves stored media over HTTP with single byte-range support.
package streaming

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jonathan/vidscan/internal/metrics"
	"github.com/jonathan/vidscan/internal/types"
)

// Window is an inclusive byte range within a resource.
type Window struct {
	Start int64
	End   int64
}

// Length is the number of bytes in the window.
func (w Window) Length() int64 { return w.End - w.Start + 1 }

// Resource is what Serve writes.
type Resource struct {
	Body        io.ReadSeeker
	Size        int64
	ContentType string
}

// ParseRange parses a single "bytes=" range against size. It accepts
// "start-end", "start-" and the suffix form "-n". The end is clamped to
// size-1. Multiple ranges, malformed values and windows starting at or past
// size are rejected with *types.ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (Window, error) {
	fail := func() (Window, error) {
		return Window{}, &types.ErrRangeNotSatisfiable{Range: header, Size: size}
	}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return fail()
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return fail()
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := parseOffset(endStr)
		if err != nil || n == 0 || size == 0 {
			return fail()
		}
		if n > size {
			n = size
		}
		return Window{Start: size - n, End: size - 1}, nil
	}

	start, err := parseOffset(startStr)
	if err != nil || start >= size {
		return fail()
	}
	end := size - 1
	if endStr != "" {
		e, err := parseOffset(endStr)
		if err != nil || e < start {
			return fail()
		}
		if e < end {
			end = e
		}
	}
	return Window{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return strconv.ParseInt(s, 10, 64)
}

// Serve writes res as a full (200) or partial (206) response depending on
// the request's Range header. Unsatisfiable ranges get 416 with
// "Content-Range: bytes */size". HEAD requests receive headers only.
func Serve(w http.ResponseWriter, r *http.Request, res Resource) error {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}

	status := http.StatusOK
	window := Window{Start: 0, End: res.Size - 1}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		win, err := ParseRange(rangeHeader, res.Size)
		if err != nil {
			h.Del("Content-Type")
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", res.Size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			metrics.StreamResponses.WithLabelValues("416").Inc()
			return err
		}
		window = win
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", win.Start, win.End, res.Size))
	}

	length := window.Length()
	if length < 0 {
		length = 0
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	metrics.StreamResponses.WithLabelValues(strconv.Itoa(status)).Inc()

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return nil
	}
	if length > 0 && window.Start > 0 {
		if _, err := res.Body.Seek(window.Start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to %d: %w", window.Start, err)
		}
	}
	w.WriteHeader(status)
	if length == 0 {
		return nil
	}
	if _, err := io.CopyN(w, res.Body, length); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to stream body: %w", err)
	}
	return nil
}
