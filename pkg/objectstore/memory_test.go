package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	etag, err := m.Put(ctx, "models/a.bin", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	info, err := m.Head(ctx, "models/a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, etag, info.ETag)

	rc, err := m.Get(ctx, "models/a.bin", nil)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, m.Delete(ctx, "models/a.bin"))
	_, err = m.Head(ctx, "models/a.bin")
	assert.True(t, IsNotFound(err))
}

func TestMemoryRangedGet(t *testing.T) {
	m := NewMemory()
	m.Seed("k", []byte("0123456789"), time.Now())

	rc, err := m.Get(context.Background(), "k", &Range{Start: 2, End: 5})
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "2345", string(data))

	// end clamped to object size
	rc, err = m.Get(context.Background(), "k", &Range{Start: 8, End: 100})
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	assert.Equal(t, "89", string(data))
}

func TestMemoryListOrderedByKey(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.Seed("b/2", []byte("x"), now)
	m.Seed("a/1", []byte("y"), now)
	m.Seed("b/1", []byte("z"), now)

	infos, err := m.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "a/1", infos[0].Key)
	assert.Equal(t, "b/1", infos[1].Key)
	assert.Equal(t, "b/2", infos[2].Key)

	infos, err = m.List(context.Background(), "b/")
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestWithTimeoutMapsDeadline(t *testing.T) {
	m := NewMemory()
	slow := &slowClient{Client: m, delay: 50 * time.Millisecond}
	c := WithTimeout(slow, 5*time.Millisecond)

	_, err := c.List(context.Background(), "")
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestWithTimeoutKeepsMultipartCapability(t *testing.T) {
	wrapped := WithTimeout(NewMemoryMultipart(), time.Second)
	mp, ok := wrapped.(MultipartClient)
	require.True(t, ok, "timeout wrapper must forward the multipart capability")

	ctx := context.Background()
	id, err := mp.InitiateMultipartUpload(ctx, "models/big.bin")
	require.NoError(t, err)

	etag, err := mp.UploadPart(ctx, "models/big.bin", id, 1, strings.NewReader("part-one"), 8)
	require.NoError(t, err)
	require.NoError(t, mp.CompleteMultipartUpload(ctx, "models/big.bin", id, []Part{{Number: 1, ETag: etag}}))

	info, err := wrapped.Head(ctx, "models/big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size)

	// a plain client stays plain
	_, ok = WithTimeout(NewMemory(), time.Second).(MultipartClient)
	assert.False(t, ok)
}

func TestMemoryMultipartAbortDiscardsParts(t *testing.T) {
	m := NewMemoryMultipart()
	ctx := context.Background()

	id, err := m.InitiateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = m.UploadPart(ctx, "k", id, 1, strings.NewReader("data"), 4)
	require.NoError(t, err)

	require.NoError(t, m.AbortMultipartUpload(ctx, "k", id))
	assert.Equal(t, 0, m.PendingUploads())
	_, ok := m.Bytes("k")
	assert.False(t, ok)
}

type slowClient struct {
	Client
	delay time.Duration
}

func (s *slowClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Client.List(ctx, prefix)
}
