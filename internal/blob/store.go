// Package blob stores uploaded media bytes behind a small key/value interface.
//
// Keys are opaque relative names chosen by the caller (the intake service uses
// "<uuid><ext>"). Objects are opened as seekable readers so the range streamer
// can serve partial content without loading whole files.
package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/types"
)

// Store persists media bytes by key.
type Store interface {
	// Put copies r to key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error)
	// Open returns a seekable reader for key. Missing keys yield *types.ErrNotFound.
	Open(ctx context.Context, key string) (Object, error)
	// Size reports the stored length of key.
	Size(ctx context.Context, key string) (int64, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Object is an open stored blob.
type Object interface {
	io.ReadSeekCloser
	Size() int64
}

// New builds the store selected by cfg.BlobDriver.
func New(cfg *config.ServiceConfig) (Store, error) {
	switch cfg.BlobDriver {
	case config.BlobDriverFS:
		return NewFS(cfg.UploadDir)
	case config.BlobDriverS3:
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}

func notFound(key string) error {
	return &types.ErrNotFound{Resource: "blob", ID: key}
}

// countingReader tracks how many bytes have passed through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
