// Package objectstore defines the object storage client capability used by
// the transfer, sync, and mount layers, together with an S3 implementation
// and an in-memory implementation for tests.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object as reported by List or Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	IsDir        bool
}

// Range is an inclusive byte range for partial reads.
type Range struct {
	Start int64
	End   int64
}

// Client is the raw object storage capability. All calls may fail
// transiently; retrying is the caller's responsibility.
type Client interface {
	// List returns all objects under the given key prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get returns a reader over the object's content, restricted to rng
	// when non-nil.
	Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error)

	// Put stores the content read from r as the object at key and returns
	// the resulting ETag. Put of the same key is idempotent.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Head returns metadata for the object at key.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}

// Part identifies one completed part of a multipart upload.
type Part struct {
	Number int
	ETag   string
}

// MultipartClient is implemented by clients that support parallel part
// uploads. Callers fall back to a single streamed Put when unavailable.
type MultipartClient interface {
	InitiateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}
