// Package transfer moves artifacts between local disk and object
// storage. Large remote objects are fetched with parallel ranged reads
// into a temp file that is renamed into place once verified; large
// local files are pushed with parallel multipart uploads when the
// client supports them.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/retry"
)

var (
	// ErrUnsupportedPair indicates a source/destination combination the
	// manager does not handle, such as local to local.
	ErrUnsupportedPair = errors.New("transfer: unsupported source/destination pair, use system tools for local copies")

	// ErrSizeMismatch indicates a completed download whose byte count
	// does not match the remote object size.
	ErrSizeMismatch = errors.New("transfer: size mismatch after download")
)

const partialSuffix = ".partial"

// Options tune chunking and parallelism.
type Options struct {
	ChunkSize   int64
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8 * 1024 * 1024
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Manager executes copies between locations.
type Manager struct {
	factory objectstore.Factory
	fs      afero.Fs
	policy  retry.Policy
	logger  logging.Interface
	opts    Options
}

// NewManager builds a transfer manager.
func NewManager(factory objectstore.Factory, fs afero.Fs, policy retry.Policy, logger logging.Interface, opts Options) *Manager {
	if policy.Retryable == nil {
		policy.Retryable = DefaultRetryable
	}
	return &Manager{
		factory: factory,
		fs:      fs,
		policy:  policy,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// DefaultRetryable retries everything except missing objects and
// context cancellation.
func DefaultRetryable(err error) bool {
	if objectstore.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CopyOne copies a single object or file from src to dst and returns
// the bytes transferred.
func (m *Manager) CopyOne(ctx context.Context, src, dst location.Location) (int64, error) {
	switch {
	case src.IsRemote() && dst.IsLocal():
		return m.download(ctx, src, dst.Path())
	case src.IsLocal() && dst.IsRemote():
		return m.upload(ctx, src.Path(), dst)
	case src.IsRemote() && dst.IsRemote():
		return m.relay(ctx, src, dst)
	default:
		return 0, ErrUnsupportedPair
	}
}

// download fetches src into the local file at path. The object is
// written to a temp file chunk by chunk and renamed into place after a
// size check.
func (m *Manager) download(ctx context.Context, src location.Location, path string) (int64, error) {
	client, err := m.factory(ctx, src.Bucket())
	if err != nil {
		return 0, err
	}

	info, err := client.Head(ctx, src.Key())
	if err != nil {
		return 0, fmt.Errorf("transfer: stat %s: %w", src, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("transfer: creating %s: %w", dir, err)
		}
	}

	tmp := path + partialSuffix
	_ = m.fs.Remove(tmp)

	f, err := m.fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("transfer: creating %s: %w", tmp, err)
	}

	err = m.fetchParts(ctx, client, src.Key(), info.Size, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = m.fs.Remove(tmp)
		return 0, err
	}

	fi, err := m.fs.Stat(tmp)
	if err != nil {
		_ = m.fs.Remove(tmp)
		return 0, fmt.Errorf("transfer: stat %s: %w", tmp, err)
	}
	if fi.Size() != info.Size {
		_ = m.fs.Remove(tmp)
		return 0, fmt.Errorf("%w: %s expected %d bytes, wrote %d", ErrSizeMismatch, src, info.Size, fi.Size())
	}

	if err := m.fs.Rename(tmp, path); err != nil {
		_ = m.fs.Remove(tmp)
		return 0, fmt.Errorf("transfer: renaming %s: %w", tmp, err)
	}

	m.logger.WithField("source", src.String()).WithField("bytes", info.Size).Debug("download complete")
	return info.Size, nil
}

type part struct {
	num    int
	offset int64
	length int64
}

// splitToParts produces the byte ranges covering an object of the given
// size.
func splitToParts(size, chunkSize int64) []part {
	if size == 0 {
		return nil
	}
	var parts []part
	for offset := int64(0); offset < size; offset += chunkSize {
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		parts = append(parts, part{num: len(parts), offset: offset, length: length})
	}
	return parts
}

// fetchParts downloads every chunk of key into f at its offset using a
// bounded worker pool. Each chunk is retried per the manager policy.
func (m *Manager) fetchParts(ctx context.Context, client objectstore.Client, key string, size int64, f afero.File) error {
	parts := splitToParts(size, m.opts.ChunkSize)
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 {
		return m.fetchOnePart(ctx, client, key, parts[0], f)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan part, len(parts))
	for _, p := range parts {
		jobs <- p
	}
	close(jobs)

	workers := m.opts.Concurrency
	if workers > len(parts) {
		workers = len(parts)
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex // serializes WriteAt for afero backends without true concurrency

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := m.fetchOnePartLocked(ctx, client, key, p, f, &mu); err != nil {
					errs <- fmt.Errorf("part %d: %w", p.num, err)
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) fetchOnePartLocked(ctx context.Context, client objectstore.Client, key string, p part, f afero.File, mu *sync.Mutex) error {
	return m.policy.Do(ctx, func() error {
		rng := &objectstore.Range{Start: p.offset, End: p.offset + p.length - 1}
		body, err := client.Get(ctx, key, rng)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			return err
		}
		if int64(len(data)) != p.length {
			return fmt.Errorf("short range read: got %d bytes, want %d", len(data), p.length)
		}
		mu.Lock()
		_, err = f.WriteAt(data, p.offset)
		mu.Unlock()
		return err
	})
}

func (m *Manager) fetchOnePart(ctx context.Context, client objectstore.Client, key string, p part, f afero.File) error {
	var mu sync.Mutex
	return m.fetchOnePartLocked(ctx, client, key, p, f, &mu)
}

// upload pushes the local file at path to dst. Files larger than one
// chunk go through the multipart path when the client supports it.
func (m *Manager) upload(ctx context.Context, path string, dst location.Location) (int64, error) {
	client, err := m.factory(ctx, dst.Bucket())
	if err != nil {
		return 0, err
	}

	fi, err := m.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("transfer: %s is a directory, use a recursive copy", path)
	}
	size := fi.Size()

	if mp, ok := client.(objectstore.MultipartClient); ok && size > m.opts.ChunkSize {
		if err := m.uploadMultipart(ctx, mp, path, dst.Key(), size); err != nil {
			return 0, err
		}
		m.logger.WithField("target", dst.String()).WithField("bytes", size).Debug("multipart upload complete")
		return size, nil
	}

	f, err := m.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("transfer: opening %s: %w", path, err)
	}
	defer f.Close()

	err = m.policy.Do(ctx, func() error {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		_, perr := client.Put(ctx, dst.Key(), f, size)
		return perr
	})
	if err != nil {
		return 0, fmt.Errorf("transfer: uploading %s: %w", path, err)
	}

	m.logger.WithField("target", dst.String()).WithField("bytes", size).Debug("upload complete")
	return size, nil
}

// uploadMultipart pushes the file in parallel parts and completes the
// upload, aborting it on failure.
func (m *Manager) uploadMultipart(ctx context.Context, client objectstore.MultipartClient, path, key string, size int64) error {
	uploadID, err := client.InitiateMultipartUpload(ctx, key)
	if err != nil {
		return fmt.Errorf("transfer: initiating multipart upload for %s: %w", key, err)
	}

	parts := splitToParts(size, m.opts.ChunkSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan part, len(parts))
	for _, p := range parts {
		jobs <- p
	}
	close(jobs)

	workers := m.opts.Concurrency
	if workers > len(parts) {
		workers = len(parts)
	}

	type uploaded struct {
		part objectstore.Part
		err  error
	}
	results := make(chan uploaded, len(parts))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := m.fs.Open(path)
			if err != nil {
				results <- uploaded{err: err}
				cancel()
				return
			}
			defer f.Close()

			for p := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				var done objectstore.Part
				err := m.policy.Do(ctx, func() error {
					buf := make([]byte, p.length)
					if _, rerr := f.ReadAt(buf, p.offset); rerr != nil && rerr != io.EOF {
						return rerr
					}
					// multipart part numbers start at 1
					etag, uerr := client.UploadPart(ctx, key, uploadID, p.num+1, bytes.NewReader(buf), p.length)
					if uerr != nil {
						return uerr
					}
					done = objectstore.Part{Number: p.num + 1, ETag: etag}
					return nil
				})
				if err != nil {
					results <- uploaded{err: fmt.Errorf("part %d: %w", p.num+1, err)}
					cancel()
					return
				}
				results <- uploaded{part: done}
			}
		}()
	}
	wg.Wait()
	close(results)

	var completed []objectstore.Part
	for r := range results {
		if r.err != nil {
			if aerr := client.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); aerr != nil {
				m.logger.WithField("key", key).WithError(aerr).Warn("failed to abort multipart upload")
			}
			return fmt.Errorf("transfer: uploading %s: %w", key, r.err)
		}
		completed = append(completed, r.part)
	}
	if len(completed) != len(parts) {
		if aerr := client.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); aerr != nil {
			m.logger.WithField("key", key).WithError(aerr).Warn("failed to abort multipart upload")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("transfer: uploading %s: %d of %d parts completed", key, len(completed), len(parts))
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].Number < completed[j].Number })
	if err := client.CompleteMultipartUpload(ctx, key, uploadID, completed); err != nil {
		if aerr := client.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); aerr != nil {
			m.logger.WithField("key", key).WithError(aerr).Warn("failed to abort multipart upload")
		}
		return fmt.Errorf("transfer: completing multipart upload for %s: %w", key, err)
	}
	return nil
}

// relay copies a remote object to another remote location by staging
// the bytes through the local process. Server-side copy is not
// attempted.
func (m *Manager) relay(ctx context.Context, src, dst location.Location) (int64, error) {
	staging, err := afero.TempDir(m.fs, "", "tensorhaul-relay")
	if err != nil {
		return 0, fmt.Errorf("transfer: creating staging dir: %w", err)
	}
	defer func() {
		if rerr := m.fs.RemoveAll(staging); rerr != nil && !os.IsNotExist(rerr) {
			m.logger.WithField("path", staging).WithError(rerr).Warn("failed to remove staging dir")
		}
	}()

	staged := filepath.Join(staging, filepath.Base(src.Key()))
	if _, err := m.download(ctx, src, staged); err != nil {
		return 0, err
	}
	return m.upload(ctx, staged, dst)
}
