package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
)

func newTestEngine(t *testing.T, store *objectstore.Memory) (*Engine, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	factory := func(ctx context.Context, bucket string) (objectstore.Client, error) {
		return store, nil
	}
	policy := retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond}
	manager := transfer.NewManager(factory, fs, policy, logging.Discard(), transfer.Options{Concurrency: 2})
	return NewEngine(manager, factory, fs, time.Second, 2, logging.Discard()), fs
}

func entry(rel string, size int64, mod time.Time, etag string) FileEntry {
	return FileEntry{RelPath: rel, Size: size, ModTime: mod, ETag: etag}
}

func TestPlan(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		src, dst    map[string]FileEntry
		delete      bool
		wantXfer    []string
		wantDeletes []string
		wantSkips   []string
	}{
		{
			name:     "source only transfers",
			src:      map[string]FileEntry{"a": entry("a", 1, now, "")},
			dst:      map[string]FileEntry{},
			wantXfer: []string{"a"},
		},
		{
			name:      "identical skips",
			src:       map[string]FileEntry{"a": entry("a", 1, now, "")},
			dst:       map[string]FileEntry{"a": entry("a", 1, now, "")},
			wantSkips: []string{"a"},
		},
		{
			name:      "mtime within tolerance skips",
			src:       map[string]FileEntry{"a": entry("a", 1, now, "")},
			dst:       map[string]FileEntry{"a": entry("a", 1, now.Add(500*time.Millisecond), "")},
			wantSkips: []string{"a"},
		},
		{
			name:     "mtime beyond tolerance transfers",
			src:      map[string]FileEntry{"a": entry("a", 1, now, "")},
			dst:      map[string]FileEntry{"a": entry("a", 1, now.Add(5*time.Second), "")},
			wantXfer: []string{"a"},
		},
		{
			name:      "etag equality overrides mtime drift",
			src:       map[string]FileEntry{"a": entry("a", 1, now, "abc")},
			dst:       map[string]FileEntry{"a": entry("a", 1, now.Add(time.Hour), "abc")},
			wantSkips: []string{"a"},
		},
		{
			name:     "size change always transfers",
			src:      map[string]FileEntry{"a": entry("a", 2, now, "abc")},
			dst:      map[string]FileEntry{"a": entry("a", 1, now, "abc")},
			wantXfer: []string{"a"},
		},
		{
			name:        "destination only deleted when asked",
			src:         map[string]FileEntry{},
			dst:         map[string]FileEntry{"stale": entry("stale", 1, now, "")},
			delete:      true,
			wantDeletes: []string{"stale"},
		},
		{
			name:      "destination only kept otherwise",
			src:       map[string]FileEntry{},
			dst:       map[string]FileEntry{"stale": entry("stale", 1, now, "")},
			wantSkips: []string{"stale"},
		},
		{
			name: "ordering is deterministic",
			src: map[string]FileEntry{
				"c": entry("c", 1, now, ""),
				"a": entry("a", 1, now, ""),
				"b": entry("b", 1, now, ""),
			},
			dst:      map[string]FileEntry{},
			wantXfer: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan(tt.src, tt.dst, tt.delete, time.Second)
			assert.Equal(t, tt.wantXfer, plan.Transfers)
			assert.Equal(t, tt.wantDeletes, plan.Deletes)
			assert.Equal(t, tt.wantSkips, plan.Skips)
		})
	}
}

func TestSyncLocalToLocalRejected(t *testing.T) {
	store := objectstore.NewMemory()
	e, _ := newTestEngine(t, store)

	_, err := e.Sync(context.Background(),
		location.NewLocal("/a"), location.NewLocal("/b"), false)
	assert.ErrorIs(t, err, transfer.ErrUnsupportedPair)
	assert.Equal(t, int64(0), store.ListCalls(), "rejected before any listing")
	assert.Equal(t, int64(0), store.MutatingCalls())
}

func TestSyncUploadsMissingFiles(t *testing.T) {
	store := objectstore.NewMemory()
	e, fs := newTestEngine(t, store)
	require.NoError(t, afero.WriteFile(fs, "/src/a.bin", []byte("aa"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/sub/b.bin", []byte("bbb"), 0o644))

	report, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transferred)
	assert.Empty(t, report.Failed)

	data, ok := store.Bytes("mirror/a.bin")
	require.True(t, ok)
	assert.Equal(t, "aa", string(data))
	_, ok = store.Bytes("mirror/sub/b.bin")
	assert.True(t, ok)
}

func TestSyncIdempotent(t *testing.T) {
	store := objectstore.NewMemory()
	e, fs := newTestEngine(t, store)
	require.NoError(t, afero.WriteFile(fs, "/src/a.bin", []byte("aa"), 0o644))

	first, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Transferred)

	second, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Transferred, "unchanged tree must transfer nothing")
	assert.Equal(t, 1, second.Skipped)
}

func TestSyncDeleteExtra(t *testing.T) {
	now := time.Now()
	store := objectstore.NewMemory()
	store.Seed("mirror/keep.bin", []byte("kk"), now)
	store.Seed("mirror/stale.bin", []byte("ss"), now)
	e, fs := newTestEngine(t, store)
	require.NoError(t, afero.WriteFile(fs, "/src/keep.bin", []byte("kk"), 0o644))
	require.NoError(t, fs.Chtimes("/src/keep.bin", now, now))

	report, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	assert.Equal(t, []string{"mirror/keep.bin"}, store.Keys(), "destination must equal the source set")
}

func TestSyncWithoutDeleteKeepsExtra(t *testing.T) {
	now := time.Now()
	store := objectstore.NewMemory()
	store.Seed("mirror/stale.bin", []byte("ss"), now)
	e, fs := newTestEngine(t, store)
	require.NoError(t, afero.WriteFile(fs, "/src/a.bin", []byte("aa"), 0o644))

	report, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deleted)

	_, ok := store.Bytes("mirror/stale.bin")
	assert.True(t, ok)
}

func TestSyncListingFailureAborts(t *testing.T) {
	store := objectstore.NewMemory()
	e, _ := newTestEngine(t, store)

	_, err := e.Sync(context.Background(),
		location.NewLocal("/missing-src"), location.NewRemote("bucket", "x"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListingFailure)
	assert.Equal(t, int64(0), store.MutatingCalls())
}

func TestSyncFailedTransferSkipsOverlappingDelete(t *testing.T) {
	now := time.Now()
	store := objectstore.NewMemory()
	// destination holds files under "a/" while the source replaced the
	// directory with a plain file named "a"
	store.Seed("mirror/a/part0.bin", []byte("p0"), now)
	store.Seed("mirror/stale.bin", []byte("ss"), now)
	store.FailPut["mirror/a"] = errors.New("denied")
	e, fs := newTestEngine(t, store)
	require.NoError(t, afero.WriteFile(fs, "/src/a", []byte("consolidated"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/b.bin", []byte("bb"), 0o644))

	report, err := e.Sync(context.Background(),
		location.NewLocal("/src"), location.NewRemote("bucket", "mirror"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transferred)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "a", report.Failed[0].Path)
	assert.Equal(t, 1, report.Deleted, "unrelated stale file still deleted")

	// files under the failed path survive, the unrelated one is gone
	_, ok := store.Bytes("mirror/a/part0.bin")
	assert.True(t, ok)
	_, ok = store.Bytes("mirror/stale.bin")
	assert.False(t, ok)
}

func TestSyncDownloadDirection(t *testing.T) {
	now := time.Now()
	store := objectstore.NewMemory()
	store.Seed("models/a.bin", []byte("remote-a"), now)
	store.Seed("models/b/c.bin", []byte("remote-c"), now)
	e, fs := newTestEngine(t, store)

	report, err := e.Sync(context.Background(),
		location.NewRemote("bucket", "models"), location.NewLocal("/local"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transferred)

	data, err := afero.ReadFile(fs, "/local/a.bin")
	require.NoError(t, err)
	assert.Equal(t, "remote-a", string(data))
	data, err = afero.ReadFile(fs, "/local/b/c.bin")
	require.NoError(t, err)
	assert.Equal(t, "remote-c", string(data))
}
