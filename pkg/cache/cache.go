// Package cache implements the disk-backed object cache that sits between
// the mounted filesystem and object storage. Entries are whole-object
// files on local disk, evicted least-recently-used within a byte budget.
// Dirty entries hold writes not yet pushed to the remote and are exempt
// from eviction until flushed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
)

// ErrCacheFull indicates the byte budget is exhausted and every resident
// entry is dirty, so nothing can be evicted to make room.
var ErrCacheFull = errors.New("cache: full, all entries dirty")

// ErrNotCached indicates the requested key has no resident entry.
var ErrNotCached = errors.New("cache: entry not present")

// UploadFunc pushes the cached file for key at path to the remote.
type UploadFunc func(ctx context.Context, key, path string) error

// Entry describes one cached object. Callers treat it as read-only.
type Entry struct {
	Key        string
	Path       string
	Size       int64
	Dirty      bool
	LastAccess time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	fs     afero.Fs
	dir    string
	budget int64
	upload UploadFunc
	policy retry.Policy
	logger logging.Interface

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New constructs a cache rooted at dir with the given byte budget.
// upload is invoked by Flush to write dirty entries back to the remote.
func New(fs afero.Fs, dir string, budget int64, upload UploadFunc, policy retry.Policy, logger logging.Interface) (*Cache, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("cache: budget must be positive, got %d", budget)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating cache dir: %w", err)
	}
	return &Cache{
		fs:      fs,
		dir:     dir,
		budget:  budget,
		upload:  upload,
		policy:  policy,
		logger:  logger,
		entries: make(map[string]*Entry),
	}, nil
}

// Get returns the entry for key, bumping its recency.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.LastAccess = time.Now()
	cp := *e
	return &cp, true
}

// Put stores the contents of r as the entry for key, replacing any
// previous entry. When the budget cannot be met by evicting clean
// entries, Put fails with ErrCacheFull and stores nothing.
func (c *Cache) Put(key string, r io.Reader, size int64, dirty bool) (*Entry, error) {
	if size > c.budget {
		return nil, fmt.Errorf("%w: object of %d bytes exceeds budget %d", ErrCacheFull, size, c.budget)
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	if err := c.makeRoomLocked(size); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	// Reserve the bytes before releasing the lock for the copy. The
	// entry itself stays unpublished until the file is complete, so Get
	// never hands out a half-written path.
	c.size += size
	c.mu.Unlock()

	tmp, err := c.writeTemp(r, size)
	if err != nil {
		c.mu.Lock()
		c.size -= size
		c.mu.Unlock()
		return nil, err
	}

	path := filepath.Join(c.dir, entryFileName(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		c.size -= size
		return nil, fmt.Errorf("cache: publishing %s: %w", path, err)
	}
	if old, ok := c.entries[key]; ok {
		// a concurrent Put for the same key landed first; the rename
		// just replaced its file, so drop only its accounting
		delete(c.entries, key)
		c.size -= old.Size
	}
	e := &Entry{
		Key:        key,
		Path:       path,
		Size:       size,
		Dirty:      dirty,
		LastAccess: time.Now(),
	}
	c.entries[key] = e
	cp := *e
	return &cp, nil
}

// Flush writes the dirty entry for key back to the remote, retrying per
// the policy, then clears the dirty flag. Flushing a clean entry is a
// no-op.
func (c *Cache) Flush(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	if !e.Dirty {
		c.mu.Unlock()
		return nil
	}
	path := e.Path
	c.mu.Unlock()

	if c.upload == nil {
		return fmt.Errorf("cache: no upload function configured")
	}

	err := c.policy.Do(ctx, func() error {
		return c.upload(ctx, key, path)
	})
	if err != nil {
		return fmt.Errorf("cache: flushing %s: %w", key, err)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.Dirty = false
	}
	c.mu.Unlock()

	c.logger.WithField("key", key).Debug("flushed dirty cache entry")
	return nil
}

// FlushAll flushes every dirty entry, collecting per-entry failures.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	var dirty []string
	for key, e := range c.entries {
		if e.Dirty {
			dirty = append(dirty, key)
		}
	}
	c.mu.Unlock()

	var result *multierror.Error
	for _, key := range dirty {
		if err := c.Flush(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Evict removes the entry for key and its backing file. Dirty entries
// cannot be evicted.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	if e.Dirty {
		return fmt.Errorf("cache: refusing to evict dirty entry %s", key)
	}
	c.removeLocked(e)
	return nil
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the resident bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats reports resident entries, resident bytes, and dirty entries.
func (c *Cache) Stats() (entries int, bytes int64, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Dirty {
			dirty++
		}
	}
	return len(c.entries), c.size, dirty
}

// makeRoomLocked evicts clean LRU entries until need bytes fit within
// the budget. Caller holds c.mu.
func (c *Cache) makeRoomLocked(need int64) error {
	for c.size+need > c.budget {
		victim := c.oldestCleanLocked()
		if victim == nil {
			return fmt.Errorf("%w: need %d bytes", ErrCacheFull, need)
		}
		c.logger.WithField("key", victim.Key).Debug("evicting cache entry")
		c.removeLocked(victim)
	}
	return nil
}

func (c *Cache) oldestCleanLocked() *Entry {
	var oldest *Entry
	for _, e := range c.entries {
		if e.Dirty {
			continue
		}
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
		}
	}
	return oldest
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.Key)
	c.size -= e.Size
	if err := c.fs.Remove(e.Path); err != nil {
		c.logger.WithField("path", e.Path).WithError(err).Warn("failed to remove cached file")
	}
}

// writeTemp copies r into a fresh temp file in the cache dir and returns
// its name. Short or failed copies remove the file.
func (c *Cache) writeTemp(r io.Reader, size int64) (string, error) {
	f, err := afero.TempFile(c.fs, c.dir, "incoming-*.tmp")
	if err != nil {
		return "", fmt.Errorf("cache: creating temp file: %w", err)
	}
	path := f.Name()
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Remove(path)
		return "", fmt.Errorf("cache: writing %s: %w", path, err)
	}
	if n != size {
		_ = c.fs.Remove(path)
		return "", fmt.Errorf("cache: wrote %d bytes for %s, expected %d", n, path, size)
	}
	return path, nil
}

// entryFileName derives a stable flat filename for an object key.
func entryFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
