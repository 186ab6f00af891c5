package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// timeoutClient bounds every remote call with a per-operation deadline,
// converting expiry into ErrTimeout so callers can treat it as retryable.
type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

var _ Client = (*timeoutClient)(nil)
var _ MultipartClient = (*timeoutMultipartClient)(nil)

// WithTimeout wraps client so each call gets its own deadline. A zero or
// negative timeout returns the client unchanged. The multipart capability
// of the wrapped client is preserved.
func WithTimeout(client Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return client
	}
	tc := timeoutClient{inner: client, timeout: timeout}
	if mp, ok := client.(MultipartClient); ok {
		return &timeoutMultipartClient{timeoutClient: tc, mp: mp}
	}
	return &tc
}

func (t *timeoutClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	infos, err := t.inner.List(ctx, prefix)
	return infos, t.mapErr(ctx, err)
}

func (t *timeoutClient) Get(ctx context.Context, key string, rng *Range) (io.ReadCloser, error) {
	// The returned reader may outlive the call, so the deadline stays
	// armed until the body is closed.
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	rc, err := t.inner.Get(callCtx, key, rng)
	if err != nil {
		cancel()
		return nil, t.mapErr(callCtx, err)
	}
	return &cancelReadCloser{rc: rc, cancel: cancel}, nil
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

func (t *timeoutClient) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	etag, err := t.inner.Put(ctx, key, r, size)
	return etag, t.mapErr(ctx, err)
}

func (t *timeoutClient) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.mapErr(ctx, t.inner.Delete(ctx, key))
}

func (t *timeoutClient) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	info, err := t.inner.Head(ctx, key)
	return info, t.mapErr(ctx, err)
}

// timeoutMultipartClient additionally forwards the multipart calls of a
// multipart-capable inner client, each under its own deadline.
type timeoutMultipartClient struct {
	timeoutClient
	mp MultipartClient
}

func (t *timeoutMultipartClient) InitiateMultipartUpload(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	id, err := t.mp.InitiateMultipartUpload(ctx, key)
	return id, t.mapErr(ctx, err)
}

func (t *timeoutMultipartClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	etag, err := t.mp.UploadPart(ctx, key, uploadID, partNumber, r, size)
	return etag, t.mapErr(ctx, err)
}

func (t *timeoutMultipartClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.mapErr(ctx, t.mp.CompleteMultipartUpload(ctx, key, uploadID, parts))
}

func (t *timeoutMultipartClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.mapErr(ctx, t.mp.AbortMultipartUpload(ctx, key, uploadID))
}

func (t *timeoutClient) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
