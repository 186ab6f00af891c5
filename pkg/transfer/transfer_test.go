package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
)

func newTestManager(t *testing.T, store *objectstore.Memory, opts Options) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	factory := func(ctx context.Context, bucket string) (objectstore.Client, error) {
		return store, nil
	}
	policy := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}
	return NewManager(factory, fs, policy, logging.Discard(), opts), fs
}

func patternedBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestDownloadSingleChunk(t *testing.T) {
	store := objectstore.NewMemory()
	store.Seed("models/a.bin", []byte("artifact-data"), time.Now())
	m, fs := newTestManager(t, store, Options{})

	n, err := m.CopyOne(context.Background(),
		location.NewRemote("bucket", "models/a.bin"),
		location.NewLocal("/out/a.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	data, err := afero.ReadFile(fs, "/out/a.bin")
	require.NoError(t, err)
	assert.Equal(t, "artifact-data", string(data))

	// no partial file left behind
	exists, _ := afero.Exists(fs, "/out/a.bin.partial")
	assert.False(t, exists)
}

func TestDownloadChunkedReassembly(t *testing.T) {
	content := patternedBytes(10_000)
	store := objectstore.NewMemory()
	store.Seed("big.bin", content, time.Now())
	m, fs := newTestManager(t, store, Options{ChunkSize: 1024, Concurrency: 3})

	n, err := m.CopyOne(context.Background(),
		location.NewRemote("bucket", "big.bin"),
		location.NewLocal("/out/big.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), n)

	data, err := afero.ReadFile(fs, "/out/big.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, data), "reassembled file must be byte-identical")
	assert.Greater(t, store.GetCalls(), int64(1), "chunked download should issue multiple ranged reads")
}

func TestDownloadMissingObjectNotRetried(t *testing.T) {
	store := objectstore.NewMemory()
	m, _ := newTestManager(t, store, Options{})

	_, err := m.CopyOne(context.Background(),
		location.NewRemote("bucket", "missing"),
		location.NewLocal("/out/x"))
	require.Error(t, err)
	assert.True(t, objectstore.IsNotFound(err))
	assert.Equal(t, int64(1), store.HeadCalls())
}

func TestDownloadFailureCleansPartial(t *testing.T) {
	store := objectstore.NewMemory()
	store.Seed("bad.bin", patternedBytes(100), time.Now())
	store.FailGet["bad.bin"] = errors.New("connection reset")
	m, fs := newTestManager(t, store, Options{})

	_, err := m.CopyOne(context.Background(),
		location.NewRemote("bucket", "bad.bin"),
		location.NewLocal("/out/bad.bin"))
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/out/bad.bin.partial")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "/out/bad.bin")
	assert.False(t, exists)
}

func TestUploadSmallFile(t *testing.T) {
	store := objectstore.NewMemory()
	m, fs := newTestManager(t, store, Options{})
	require.NoError(t, afero.WriteFile(fs, "/in/w.bin", []byte("weights"), 0o644))

	n, err := m.CopyOne(context.Background(),
		location.NewLocal("/in/w.bin"),
		location.NewRemote("bucket", "models/w.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, ok := store.Bytes("models/w.bin")
	require.True(t, ok)
	assert.Equal(t, "weights", string(data))
}

func newMultipartTestManager(t *testing.T, store *objectstore.MemoryMultipart, opts Options) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	factory := func(ctx context.Context, bucket string) (objectstore.Client, error) {
		return store, nil
	}
	policy := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}
	return NewManager(factory, fs, policy, logging.Discard(), opts), fs
}

func TestUploadMultipart(t *testing.T) {
	store := objectstore.NewMemoryMultipart()
	m, fs := newMultipartTestManager(t, store, Options{ChunkSize: 1024, Concurrency: 3})

	content := patternedBytes(10_000)
	require.NoError(t, afero.WriteFile(fs, "/in/big.bin", content, 0o644))

	n, err := m.CopyOne(context.Background(),
		location.NewLocal("/in/big.bin"),
		location.NewRemote("bucket", "models/big.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), n)

	got, ok := store.Bytes("models/big.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(content, got), "reassembled upload differs from source")

	assert.Equal(t, int64(1), store.InitiateCalls())
	assert.Equal(t, int64(10), store.UploadPartCalls())
	assert.Equal(t, int64(1), store.CompleteCalls())
	assert.Equal(t, int64(0), store.AbortCalls())
	assert.Equal(t, int64(0), store.PutCalls(), "large file must not use a single-stream put")

	parts := store.CompletedParts()
	require.Len(t, parts, 10)
	for i, p := range parts {
		assert.Equal(t, i+1, p, "parts must complete in ascending number order")
	}
}

func TestUploadMultipartSmallFileUsesPut(t *testing.T) {
	store := objectstore.NewMemoryMultipart()
	m, fs := newMultipartTestManager(t, store, Options{ChunkSize: 1024})
	require.NoError(t, afero.WriteFile(fs, "/in/s.bin", []byte("small"), 0o644))

	_, err := m.CopyOne(context.Background(),
		location.NewLocal("/in/s.bin"),
		location.NewRemote("bucket", "models/s.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.PutCalls())
	assert.Equal(t, int64(0), store.InitiateCalls())
}

func TestUploadMultipartAbortsOnFailure(t *testing.T) {
	store := objectstore.NewMemoryMultipart()
	store.FailPart[3] = errors.New("connection reset")
	m, fs := newMultipartTestManager(t, store, Options{ChunkSize: 1024, Concurrency: 2})
	require.NoError(t, afero.WriteFile(fs, "/in/big.bin", patternedBytes(5_000), 0o644))

	_, err := m.CopyOne(context.Background(),
		location.NewLocal("/in/big.bin"),
		location.NewRemote("bucket", "models/big.bin"))
	require.Error(t, err)

	assert.Equal(t, int64(1), store.AbortCalls())
	assert.Equal(t, 0, store.PendingUploads(), "aborted upload must leave no pending state")
	assert.Equal(t, int64(0), store.CompleteCalls())
	_, ok := store.Bytes("models/big.bin")
	assert.False(t, ok)
}

func TestLocalToLocalRejected(t *testing.T) {
	store := objectstore.NewMemory()
	m, _ := newTestManager(t, store, Options{})

	_, err := m.CopyOne(context.Background(),
		location.NewLocal("/a"), location.NewLocal("/b"))
	assert.ErrorIs(t, err, ErrUnsupportedPair)
	assert.Equal(t, int64(0), store.MutatingCalls())
}

func TestRemoteToRemoteStagesLocally(t *testing.T) {
	content := patternedBytes(500)
	store := objectstore.NewMemory()
	store.Seed("src/model.bin", content, time.Now())
	m, fs := newTestManager(t, store, Options{})

	n, err := m.CopyOne(context.Background(),
		location.NewRemote("bucket", "src/model.bin"),
		location.NewRemote("bucket", "dst/model.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)

	data, ok := store.Bytes("dst/model.bin")
	require.True(t, ok)
	assert.Equal(t, content, data)

	// staging dir removed afterwards
	dirs, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)
	for _, d := range dirs {
		assert.NotContains(t, d.Name(), "tensorhaul-relay")
	}
}

func TestCopyTreeRecursive(t *testing.T) {
	store := objectstore.NewMemory()
	now := time.Now()
	store.Seed("models/llama/config.json", []byte(`{"dim":4096}`), now)
	store.Seed("models/llama/weights-00.bin", patternedBytes(300), now)
	store.Seed("models/llama/weights-01.bin", patternedBytes(301), now)
	m, fs := newTestManager(t, store, Options{Concurrency: 2})

	report, err := m.CopyTree(context.Background(),
		location.NewRemote("bucket", "models/llama"),
		location.NewLocal("/dst"), true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, int64(12+300+301), report.Bytes)

	for _, rel := range []string{"config.json", "weights-00.bin", "weights-01.bin"} {
		exists, _ := afero.Exists(fs, "/dst/"+rel)
		assert.True(t, exists, "missing %s", rel)
	}
}

func TestCopyTreePartialFailure(t *testing.T) {
	store := objectstore.NewMemory()
	now := time.Now()
	for i := 0; i < 5; i++ {
		store.Seed(fmt.Sprintf("data/f%d", i), patternedBytes(50), now)
	}
	store.FailGet["data/f2"] = errors.New("throttled")
	m, _ := newTestManager(t, store, Options{Concurrency: 2})

	report, err := m.CopyTree(context.Background(),
		location.NewRemote("bucket", "data"),
		location.NewLocal("/dst"), true)
	require.NoError(t, err, "partial failure is reported, not returned")
	assert.Equal(t, 4, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "f2", report.Failed[0].Path)
}

func TestCopyTreeAllFailed(t *testing.T) {
	store := objectstore.NewMemory()
	now := time.Now()
	store.Seed("data/x", []byte("x"), now)
	store.Seed("data/y", []byte("y"), now)
	store.FailGet["data/x"] = errors.New("down")
	store.FailGet["data/y"] = errors.New("down")
	m, _ := newTestManager(t, store, Options{})

	report, err := m.CopyTree(context.Background(),
		location.NewRemote("bucket", "data"),
		location.NewLocal("/dst"), true)
	require.Error(t, err)
	assert.True(t, report.AllFailed())
}

func TestCopyTreeLocalToRemote(t *testing.T) {
	store := objectstore.NewMemory()
	m, fs := newTestManager(t, store, Options{})
	require.NoError(t, afero.WriteFile(fs, "/src/a/one.bin", []byte("one"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/b/two.bin", []byte("two"), 0o644))

	report, err := m.CopyTree(context.Background(),
		location.NewLocal("/src"),
		location.NewRemote("bucket", "up"), true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	data, ok := store.Bytes("up/a/one.bin")
	require.True(t, ok)
	assert.Equal(t, "one", string(data))
	_, ok = store.Bytes("up/b/two.bin")
	assert.True(t, ok)
}

func TestCopyTreeCancelledContext(t *testing.T) {
	store := objectstore.NewMemory()
	now := time.Now()
	for i := 0; i < 10; i++ {
		store.Seed(fmt.Sprintf("data/f%d", i), patternedBytes(50), now)
	}
	m, _ := newTestManager(t, store, Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := m.CopyTree(ctx, location.NewRemote("bucket", "data"),
		location.NewLocal("/dst"), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Succeeded)
}

func TestSplitToParts(t *testing.T) {
	parts := splitToParts(10, 4)
	require.Len(t, parts, 3)
	assert.Equal(t, part{num: 0, offset: 0, length: 4}, parts[0])
	assert.Equal(t, part{num: 1, offset: 4, length: 4}, parts[1])
	assert.Equal(t, part{num: 2, offset: 8, length: 2}, parts[2])

	assert.Nil(t, splitToParts(0, 4))
	assert.Len(t, splitToParts(4, 4), 1)
}
