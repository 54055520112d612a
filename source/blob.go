package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Blob is a Source over an object in a cloud bucket (S3, GCS, Azure, ...) using
// gocloud.dev/blob.
type Blob struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
}

// NewBlob creates a source for a blob in a bucket. ctx bounds every range read.
func NewBlob(ctx context.Context, bucket *blob.Bucket, key string) (*Blob, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("blob %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	return &Blob{
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

func (r *Blob) Size() int64  { return r.size }
func (r *Blob) Name() string { return r.key }
func (r *Blob) Close() error { return nil }

// ReadAt implements io.ReaderAt for concurrent, stateless reads.
func (r *Blob) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob.readAt: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if off+length > r.size {
		length = r.size - off
	}

	// gocloud.dev/blob takes offset and length, not an end byte.
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, blobError("failed to create range reader", err)
	}
	defer reader.Close()

	n, err := io.ReadFull(reader, p[:length])
	if err != nil {
		return n, blobError("failed to read range", err)
	}
	if int64(len(p)) > length {
		err = io.EOF
	}
	return n, err
}

// blobError marks throttling, timeouts and provider side failures as transient.
func blobError(msg string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Internal:
		return fmt.Errorf("%s: %w: %w", msg, ErrTransient, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %w", msg, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type blobFS struct {
	bucket *blob.Bucket
}

func (f blobFS) Open(ctx context.Context, key string) (Source, error) {
	return NewBlob(ctx, f.bucket, key)
}

func (f blobFS) Stat(ctx context.Context, key string) (int64, error) {
	attrs, err := f.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, fmt.Errorf("blob %s: %w", key, ErrNotExist)
		}
		return 0, err
	}
	return attrs.Size, nil
}
