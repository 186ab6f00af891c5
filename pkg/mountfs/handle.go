package mountfs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
)

// fileHandle is one open file. Reads come from the cache path or remote
// ranges; writes land in tmpFile and are pushed back on flush.
type fileHandle struct {
	node      *node
	cachePath string

	mu      sync.Mutex
	dirty   bool
	tmpFile *os.File
	size    int64
}

var _ fs.FileHandle = (*fileHandle)(nil)
var _ fs.FileWriter = (*fileHandle)(nil)
var _ fs.FileFlusher = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tmpFile == nil {
		return 0, syscall.EBADF
	}

	n, err := h.tmpFile.WriteAt(data, off)
	if err != nil {
		return 0, syscall.EIO
	}
	if end := off + int64(n); end > h.size {
		h.size = end
	}
	h.dirty = true
	return uint32(n), 0
}

// Flush stores the buffered content as a dirty cache entry and writes
// it back to the remote through the cache's retrying flush path.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty || h.tmpFile == nil {
		return 0
	}

	if _, err := h.tmpFile.Seek(0, io.SeekStart); err != nil {
		return syscall.EIO
	}

	mfs := h.node.mfs
	key := h.node.rec.key

	entry, err := mfs.cache.Put(key, h.tmpFile, h.size, true)
	if err != nil {
		mfs.logger.WithField("key", key).WithError(err).Error("cache rejected written file")
		return syscall.ENOSPC
	}

	if err := mfs.cache.Flush(ctx, key); err != nil {
		// content is safe in the cache; write-back retries on the next
		// flush or at unmount
		mfs.logger.WithField("key", key).WithError(err).Error("write-back failed")
		return syscall.EIO
	}

	mfs.mu.Lock()
	h.node.rec.size = h.size
	h.node.rec.modTime = time.Now()
	mfs.mu.Unlock()

	mfs.stats.BytesUploaded.Add(h.size)
	h.cachePath = entry.Path
	h.dirty = false
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tmpFile != nil {
		name := h.tmpFile.Name()
		h.tmpFile.Close()
		os.Remove(name)
		h.tmpFile = nil
	}
	return 0
}
