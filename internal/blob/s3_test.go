package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/vidscan/internal/types"
)

type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	ranges  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New("NotFound", "Not Found", nil)
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	rng := aws.StringValue(in.Range)
	f.ranges = append(f.ranges, rng)
	var start int
	if rng != "" {
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil {
			return nil, err
		}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start:]))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type fakeUploader struct {
	s3 *fakeS3
}

func (u *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return u.UploadWithContext(context.Background(), in, opts...)
}

func (u *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.s3.mu.Lock()
	u.s3.objects[aws.StringValue(in.Key)] = data
	u.s3.mu.Unlock()
	return &s3manager.UploadOutput{Location: "fake://" + aws.StringValue(in.Key)}, nil
}

func TestS3_PutAndRangedRead(t *testing.T) {
	fake := newFakeS3()
	store := NewS3WithClient(fake, &fakeUploader{s3: fake}, "media", "videos")
	ctx := context.Background()

	n, err := store.Put(ctx, "clip.mp4", strings.NewReader("abcdefghij"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Contains(t, fake.objects, "videos/clip.mp4")

	obj, err := store.Open(ctx, "clip.mp4")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, int64(10), obj.Size())
	assert.Empty(t, fake.ranges, "open must not fetch the body")

	_, err = obj.Seek(6, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "ghij", string(rest))
	assert.Equal(t, []string{"bytes=6-"}, fake.ranges)

	pos, err := obj.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), pos)
	tail, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "ij", string(tail))
}

func TestS3_NotFound(t *testing.T) {
	fake := newFakeS3()
	store := NewS3WithClient(fake, &fakeUploader{s3: fake}, "media", "")

	_, err := store.Open(context.Background(), "missing.mp4")
	assert.True(t, types.IsNotFound(err))
	assert.NoError(t, store.Delete(context.Background(), "missing.mp4"))
}
