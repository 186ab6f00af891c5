package mountfs

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
)

// node is one inode in the mounted tree.
type node struct {
	fs.Inode

	mfs *MountFS
	rec *record
}

var _ fs.InodeEmbedder = (*node)(nil)
var _ fs.NodeGetattrer = (*node)(nil)
var _ fs.NodeLookuper = (*node)(nil)
var _ fs.NodeReaddirer = (*node)(nil)
var _ fs.NodeOpener = (*node)(nil)
var _ fs.NodeReader = (*node)(nil)
var _ fs.NodeCreater = (*node)(nil)
var _ fs.NodeMkdirer = (*node)(nil)
var _ fs.NodeUnlinker = (*node)(nil)
var _ fs.NodeRmdirer = (*node)(nil)
var _ fs.NodeSetattrer = (*node)(nil)

// errnoFor maps a storage error to the closest POSIX errno.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case objectstore.IsNotFound(err):
		return syscall.ENOENT
	case objectstore.IsTimeout(err):
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

func (n *node) fillAttr(out *gofuse.Attr) {
	n.mfs.mu.RLock()
	defer n.mfs.mu.RUnlock()

	if n.rec.isDir {
		out.Mode = 0o755 | syscall.S_IFDIR
	} else {
		out.Mode = 0o644 | syscall.S_IFREG
		out.Size = uint64(n.rec.size)
	}
	mtime := n.rec.modTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	out.Mtime = uint64(mtime.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok && h.tmpFile != nil {
		h.mu.Lock()
		size := h.size
		h.mu.Unlock()
		n.fillAttr(&out.Attr)
		out.Size = uint64(size)
		return 0
	}
	n.fillAttr(&out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.mfs.recIsDir(n.rec) {
		return nil, syscall.ENOTDIR
	}
	if err := n.mfs.ensureListed(ctx, n.rec); err != nil {
		return nil, errnoFor(err)
	}

	child, ok := n.mfs.child(n.rec, name)
	if !ok {
		return nil, syscall.ENOENT
	}

	childNode := &node{mfs: n.mfs, rec: child}
	childNode.fillAttr(&out.Attr)

	mode := out.Attr.Mode
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: mode}), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.mfs.recIsDir(n.rec) {
		return nil, syscall.ENOTDIR
	}
	if err := n.mfs.ensureListed(ctx, n.rec); err != nil {
		return nil, errnoFor(err)
	}

	n.mfs.mu.RLock()
	entries := make([]gofuse.DirEntry, 0, len(n.rec.children))
	for name, child := range n.rec.children {
		mode := uint32(syscall.S_IFREG)
		if child.isDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: name, Mode: mode})
	}
	n.mfs.mu.RUnlock()

	return fs.NewListDirStream(entries), 0
}

const smallFileThreshold = 1 << 20

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.mfs.recIsDir(n.rec) {
		return nil, 0, syscall.EISDIR
	}

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		if n.mfs.opts.ReadOnly {
			return nil, 0, syscall.EACCES
		}
		return n.openForWrite(ctx, flags&syscall.O_TRUNC != 0)
	}

	if e, ok := n.mfs.cache.Get(n.rec.key); ok {
		n.mfs.stats.CacheHits.Add(1)
		return &fileHandle{node: n, cachePath: e.Path}, gofuse.FOPEN_KEEP_CACHE, 0
	}
	n.mfs.stats.CacheMisses.Add(1)

	n.mfs.mu.RLock()
	size := n.rec.size
	n.mfs.mu.RUnlock()

	if size < smallFileThreshold {
		path, err := n.fetchWhole(ctx)
		if err != nil {
			return nil, 0, errnoFor(err)
		}
		return &fileHandle{node: n, cachePath: path}, gofuse.FOPEN_KEEP_CACHE, 0
	}

	// large files read remote ranges per request
	return &fileHandle{node: n}, 0, 0
}

// fetchWhole pulls the full object into the cache and returns the
// cached path.
func (n *node) fetchWhole(ctx context.Context) (string, error) {
	body, err := n.mfs.client.Get(ctx, n.rec.key, nil)
	if err != nil {
		return "", err
	}
	defer body.Close()

	n.mfs.mu.RLock()
	size := n.rec.size
	n.mfs.mu.RUnlock()

	e, err := n.mfs.cache.Put(n.rec.key, body, size, false)
	if err != nil {
		return "", err
	}
	n.mfs.stats.BytesDownloaded.Add(size)
	return e.Path, nil
}

func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}

	if h.tmpFile != nil {
		h.mu.Lock()
		nread, err := h.tmpFile.ReadAt(dest, off)
		h.mu.Unlock()
		if err != nil && err != io.EOF {
			return nil, syscall.EIO
		}
		return gofuse.ReadResultData(dest[:nread]), 0
	}

	if h.cachePath != "" {
		return n.readCached(h.cachePath, dest, off)
	}
	return n.readRange(ctx, dest, off)
}

func (n *node) readCached(path string, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	f, err := os.Open(path)
	if err != nil {
		return nil, syscall.EIO
	}
	defer f.Close()

	nread, err := f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:nread]), 0
}

// readRange serves one read of a large uncached file straight from the
// remote.
func (n *node) readRange(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n.mfs.mu.RLock()
	size := n.rec.size
	n.mfs.mu.RUnlock()

	if off >= size {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest)) - 1
	if end >= size {
		end = size - 1
	}

	body, err := n.mfs.client.Get(ctx, n.rec.key, &objectstore.Range{Start: off, End: end})
	if err != nil {
		return nil, errnoFor(err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, syscall.EIO
	}
	n.mfs.stats.RangeReads.Add(1)
	n.mfs.stats.BytesDownloaded.Add(int64(len(data)))
	return gofuse.ReadResultData(data), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if !n.mfs.recIsDir(n.rec) {
		return nil, nil, 0, syscall.ENOTDIR
	}
	if n.mfs.opts.ReadOnly {
		return nil, nil, 0, syscall.EACCES
	}
	if _, ok := n.mfs.child(n.rec, name); ok {
		return nil, nil, 0, syscall.EEXIST
	}

	tmpFile, err := os.CreateTemp(n.mfs.opts.WriteDir, "tensorhaul-write-*")
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}

	now := time.Now()
	child := &record{
		name:     name,
		key:      joinKey(n.rec.key, name),
		modTime:  now,
		children: make(map[string]*record),
	}
	n.mfs.mu.Lock()
	n.rec.children[name] = child
	n.mfs.mu.Unlock()

	childNode := &node{mfs: n.mfs, rec: child}
	childNode.fillAttr(&out.Attr)

	inode := n.NewInode(ctx, childNode, fs.StableAttr{Mode: out.Attr.Mode})
	fh := &fileHandle{node: childNode, tmpFile: tmpFile, dirty: true}
	return inode, fh, 0, 0
}

func (n *node) openForWrite(ctx context.Context, truncate bool) (fs.FileHandle, uint32, syscall.Errno) {
	tmpFile, err := os.CreateTemp(n.mfs.opts.WriteDir, "tensorhaul-write-*")
	if err != nil {
		return nil, 0, syscall.EIO
	}

	var size int64
	if !truncate {
		n.mfs.mu.RLock()
		remoteSize := n.rec.size
		n.mfs.mu.RUnlock()

		if e, ok := n.mfs.cache.Get(n.rec.key); ok {
			if src, err := os.Open(e.Path); err == nil {
				size, _ = io.Copy(tmpFile, src)
				src.Close()
			}
		} else if remoteSize > 0 {
			body, err := n.mfs.client.Get(ctx, n.rec.key, nil)
			if err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, 0, errnoFor(err)
			}
			size, err = io.Copy(tmpFile, body)
			body.Close()
			if err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, 0, syscall.EIO
			}
		}
	}

	return &fileHandle{node: n, tmpFile: tmpFile, size: size}, 0, 0
}

// Mkdir records the directory locally. Object storage has no empty
// directories; the prefix comes into being when a file lands under it.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.mfs.recIsDir(n.rec) {
		return nil, syscall.ENOTDIR
	}
	if n.mfs.opts.ReadOnly {
		return nil, syscall.EACCES
	}
	if _, ok := n.mfs.child(n.rec, name); ok {
		return nil, syscall.EEXIST
	}

	child := &record{
		name:     name,
		key:      joinKey(n.rec.key, name),
		isDir:    true,
		modTime:  time.Now(),
		listedAt: time.Now(),
		children: make(map[string]*record),
	}
	n.mfs.mu.Lock()
	n.rec.children[name] = child
	n.mfs.mu.Unlock()

	childNode := &node{mfs: n.mfs, rec: child}
	childNode.fillAttr(&out.Attr)
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if !n.mfs.recIsDir(n.rec) {
		return syscall.ENOTDIR
	}
	if n.mfs.opts.ReadOnly {
		return syscall.EACCES
	}

	child, ok := n.mfs.child(n.rec, name)
	if !ok {
		return syscall.ENOENT
	}
	if n.mfs.recIsDir(child) {
		return syscall.EISDIR
	}

	if err := n.mfs.client.Delete(ctx, child.key); err != nil {
		return errnoFor(err)
	}

	if e, ok := n.mfs.cache.Get(child.key); ok && !e.Dirty {
		_ = n.mfs.cache.Evict(child.key)
	}

	n.mfs.mu.Lock()
	delete(n.rec.children, name)
	n.mfs.mu.Unlock()
	return 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if !n.mfs.recIsDir(n.rec) {
		return syscall.ENOTDIR
	}
	if n.mfs.opts.ReadOnly {
		return syscall.EACCES
	}

	child, ok := n.mfs.child(n.rec, name)
	if !ok {
		return syscall.ENOENT
	}
	if !n.mfs.recIsDir(child) {
		return syscall.ENOTDIR
	}

	n.mfs.mu.RLock()
	empty := len(child.children) == 0
	n.mfs.mu.RUnlock()
	if !empty {
		return syscall.ENOTEMPTY
	}

	n.mfs.mu.Lock()
	delete(n.rec.children, name)
	n.mfs.mu.Unlock()
	return 0
}

func (n *node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if n.mfs.opts.ReadOnly {
			return syscall.EACCES
		}
		if h, ok := fh.(*fileHandle); ok && h.tmpFile != nil {
			h.mu.Lock()
			if err := h.tmpFile.Truncate(int64(sz)); err != nil {
				h.mu.Unlock()
				return syscall.EIO
			}
			h.size = int64(sz)
			h.dirty = true
			h.mu.Unlock()
		}
		n.mfs.mu.Lock()
		n.rec.size = int64(sz)
		n.mfs.mu.Unlock()
	}

	if mtime, ok := in.GetMTime(); ok {
		n.mfs.mu.Lock()
		n.rec.modTime = mtime
		n.mfs.mu.Unlock()
	}

	return n.Getattr(ctx, fh, out)
}
