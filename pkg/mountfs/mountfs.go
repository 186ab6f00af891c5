// Package mountfs exposes a bucket prefix as a FUSE filesystem. Remote
// listings back a record table with per-directory expiry; reads go
// through the disk cache, writes are buffered locally and pushed back
// on flush.
package mountfs

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tensorhaul/tensorhaul/pkg/cache"
	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
)

// Options parameterize a mount.
type Options struct {
	// ReadOnly rejects every mutating operation with EACCES.
	ReadOnly bool

	// EntryTimeout bounds how long a directory listing or attribute is
	// trusted before it is fetched again.
	EntryTimeout time.Duration

	// WriteDir holds temp files for in-flight writes.
	WriteDir string
}

// Stats holds filesystem counters.
type Stats struct {
	Listings        atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	RangeReads      atomic.Int64
	BytesDownloaded atomic.Int64
	BytesUploaded   atomic.Int64
}

// record is one known path in the mounted tree. Directory records own
// their children; file records carry the remote attributes.
type record struct {
	name    string
	key     string
	isDir   bool
	size    int64
	modTime time.Time
	etag    string

	children map[string]*record
	listedAt time.Time
	listMu   sync.Mutex // serializes remote listings of this directory
}

// MountFS is the filesystem state shared by every node.
type MountFS struct {
	client objectstore.Client
	cache  *cache.Cache
	source location.Location
	opts   Options
	logger logging.Interface

	mu   sync.RWMutex // guards the record tree
	root *record

	stats Stats
}

// New builds a mount over source using the given client and cache.
func New(client objectstore.Client, c *cache.Cache, source location.Location, opts Options, logger logging.Interface) *MountFS {
	if opts.EntryTimeout <= 0 {
		opts.EntryTimeout = 300 * time.Second
	}
	if opts.WriteDir == "" {
		opts.WriteDir = os.TempDir()
	}
	return &MountFS{
		client: client,
		cache:  c,
		source: source,
		opts:   opts,
		logger: logger,
		root: &record{
			key:      source.Key(),
			isDir:    true,
			children: make(map[string]*record),
		},
	}
}

// Mount attaches the filesystem at mountPoint and returns the serving
// FUSE server. The caller unmounts it.
func (m *MountFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, err
	}

	root := &node{mfs: m, rec: m.root}

	timeout := m.opts.EntryTimeout
	opts := &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: gofuse.MountOptions{
			FsName: "tensorhaul",
			Name:   "tensorhaul",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}
	m.logger.WithField("source", m.source.String()).WithField("mountpoint", mountPoint).Info("filesystem mounted")
	return server, nil
}

// GetStats returns a snapshot of the filesystem counters.
func (m *MountFS) GetStats() (listings, cacheHits, cacheMisses, rangeReads, bytesDown, bytesUp int64) {
	return m.stats.Listings.Load(),
		m.stats.CacheHits.Load(),
		m.stats.CacheMisses.Load(),
		m.stats.RangeReads.Load(),
		m.stats.BytesDownloaded.Load(),
		m.stats.BytesUploaded.Load()
}

// CacheUploader returns the cache write-back function for a client: it
// streams the cached file to the remote under its object key.
func CacheUploader(client objectstore.Client) cache.UploadFunc {
	return func(ctx context.Context, key, path string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		_, err = client.Put(ctx, key, f, fi.Size())
		return err
	}
}

// ensureListed refreshes rec's children from the remote when the last
// listing has expired. Concurrent callers for the same directory issue
// a single remote List.
func (m *MountFS) ensureListed(ctx context.Context, rec *record) error {
	m.mu.RLock()
	fresh := time.Since(rec.listedAt) < m.opts.EntryTimeout
	m.mu.RUnlock()
	if fresh {
		return nil
	}

	rec.listMu.Lock()
	defer rec.listMu.Unlock()

	// another caller may have listed while we waited
	m.mu.RLock()
	fresh = time.Since(rec.listedAt) < m.opts.EntryTimeout
	m.mu.RUnlock()
	if fresh {
		return nil
	}

	infos, err := m.client.List(ctx, rec.key)
	if err != nil {
		return err
	}
	m.stats.Listings.Add(1)

	m.mu.Lock()
	m.rebuildSubtreeLocked(rec, infos)
	m.mu.Unlock()
	return nil
}

// rebuildSubtreeLocked replaces rec's subtree with the listed objects.
// Records that still hold unflushed writes are preserved. Caller holds
// m.mu.
func (m *MountFS) rebuildSubtreeLocked(rec *record, infos []objectstore.ObjectInfo) {
	now := time.Now()
	seen := make(map[string]bool)

	for _, info := range infos {
		if info.IsDir {
			continue
		}
		rel := relUnder(rec.key, info.Key)
		if rel == "" {
			continue
		}
		seen[strings.SplitN(rel, "/", 2)[0]] = true
		m.insertLocked(rec, rel, info, now)
	}

	// drop children the remote no longer has, keeping dirty ones
	for name, child := range rec.children {
		if seen[name] {
			continue
		}
		if m.subtreeDirtyLocked(child) {
			continue
		}
		delete(rec.children, name)
	}
	rec.listedAt = now
}

// insertLocked places one listed object at rel below rec, creating
// intermediate directories.
func (m *MountFS) insertLocked(rec *record, rel string, info objectstore.ObjectInfo, now time.Time) {
	parts := strings.Split(rel, "/")
	cur := rec
	for i, name := range parts {
		last := i == len(parts)-1
		child, ok := cur.children[name]
		if !ok {
			child = &record{
				name:     name,
				key:      joinKey(cur.key, name),
				isDir:    !last,
				children: make(map[string]*record),
			}
			cur.children[name] = child
		}
		if last {
			child.isDir = false
			child.size = info.Size
			child.modTime = info.LastModified
			child.etag = info.ETag
		} else {
			child.isDir = true
			child.listedAt = now
		}
		cur = child
	}
}

// subtreeDirtyLocked reports whether any file below rec has unflushed
// cache state.
func (m *MountFS) subtreeDirtyLocked(rec *record) bool {
	if !rec.isDir {
		if e, ok := m.cache.Get(rec.key); ok && e.Dirty {
			return true
		}
		return false
	}
	for _, child := range rec.children {
		if m.subtreeDirtyLocked(child) {
			return true
		}
	}
	return false
}

// recIsDir reads rec's directory flag under the table lock; relists
// rewrite the flag, so unlocked reads race with them.
func (m *MountFS) recIsDir(rec *record) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rec.isDir
}

func (m *MountFS) child(rec *record, name string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := rec.children[name]
	return c, ok
}

func joinKey(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// relUnder returns key relative to prefix, or "" when key is not below
// it.
func relUnder(prefix, key string) string {
	if prefix == "" {
		return strings.Trim(key, "/")
	}
	if strings.HasPrefix(key, prefix+"/") {
		return strings.TrimPrefix(key, prefix+"/")
	}
	return ""
}
