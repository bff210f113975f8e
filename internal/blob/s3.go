package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/jonathan/vidscan/internal/config"
)

// S3 stores blobs in an S3-compatible bucket (AWS, R2, MinIO).
type S3 struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
}

// NewS3 builds a store from the default AWS credential chain.
func NewS3(cfg config.S3Config) (*S3, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	client := s3.New(sess)
	return NewS3WithClient(client, s3manager.NewUploaderWithClient(client), cfg.Bucket, cfg.Prefix), nil
}

// NewS3WithClient wires a store around existing clients.
func NewS3WithClient(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket, prefix string) *S3 {
	return &S3{client: client, uploader: uploader, bucket: bucket, prefix: prefix}
}

func (s *S3) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put streams r to the bucket with a multipart-capable upload.
func (s *S3) Put(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	counter := &countingReader{r: r}
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   counter,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return counter.n, fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return counter.n, nil
}

// Open heads the object and returns a reader that fetches ranges lazily.
func (s *S3) Open(ctx context.Context, key string) (Object, error) {
	size, err := s.Size(ctx, key)
	if err != nil {
		return nil, err
	}
	return &s3Object{ctx: ctx, store: s, key: key, size: size}, nil
}

// Size returns the object's content length.
func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, notFound(key)
		}
		return 0, fmt.Errorf("failed to head blob %s: %w", key, err)
	}
	return aws.Int64Value(out.ContentLength), nil
}

// Delete removes the object.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

// s3Object issues a ranged GetObject from the current offset on first read
// after each seek.
type s3Object struct {
	ctx    context.Context
	store  *S3
	key    string
	size   int64
	offset int64
	body   io.ReadCloser
}

func (o *s3Object) Size() int64 { return o.size }

func (o *s3Object) Read(p []byte) (int, error) {
	if o.offset >= o.size {
		return 0, io.EOF
	}
	if o.body == nil {
		out, err := o.store.client.GetObjectWithContext(o.ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.store.bucket),
			Key:    aws.String(o.store.key(o.key)),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", o.offset)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return 0, notFound(o.key)
			}
			return 0, fmt.Errorf("failed to read blob %s: %w", o.key, err)
		}
		o.body = out.Body
	}
	n, err := o.body.Read(p)
	o.offset += int64(n)
	return n, err
}

func (o *s3Object) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = o.offset + offset
	case io.SeekEnd:
		next = o.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	if next != o.offset {
		o.closeBody()
		o.offset = next
	}
	return next, nil
}

func (o *s3Object) Close() error {
	o.closeBody()
	return nil
}

func (o *s3Object) closeBody() {
	if o.body != nil {
		_ = o.body.Close()
		o.body = nil
	}
}
