package transfer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/tensorhaul/tensorhaul/pkg/location"
)

// FileError records one failed file within a bulk copy.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Report summarizes a bulk copy. A report with Failed entries is not an
// error as long as at least one file succeeded.
type Report struct {
	Succeeded int
	Failed    []FileError
	Bytes     int64
	Duration  time.Duration
}

// AllFailed reports whether every attempted file failed.
func (r *Report) AllFailed() bool {
	return r.Succeeded == 0 && len(r.Failed) > 0
}

// CopyTree copies src to dst. Without recursive it copies the single
// file or object src names. With recursive it enumerates the source
// tree and copies every file on a bounded worker pool, mapping each
// relative path under dst.
//
// CopyTree returns an error only when the source could not be
// enumerated or every file failed; partial failures are reported in
// Report.Failed.
func (m *Manager) CopyTree(ctx context.Context, src, dst location.Location, recursive bool) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if src.IsLocal() && dst.IsLocal() {
		return nil, ErrUnsupportedPair
	}

	if !recursive {
		n, err := m.CopyOne(ctx, src, m.singleTarget(src, dst))
		report.Duration = time.Since(start)
		if err != nil {
			report.Failed = append(report.Failed, FileError{Path: src.String(), Err: err})
			return report, err
		}
		report.Succeeded = 1
		report.Bytes = n
		return report, nil
	}

	rels, err := m.enumerate(ctx, src)
	if err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("transfer: listing %s: %w", src, err)
	}
	if len(rels) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	type outcome struct {
		rel   string
		bytes int64
		err   error
	}

	jobs := make(chan string, len(rels))
	for _, rel := range rels {
		jobs <- rel
	}
	close(jobs)

	results := make(chan outcome, len(rels))
	var wg sync.WaitGroup

	workers := m.opts.Concurrency
	if workers > len(rels) {
		workers = len(rels)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range jobs {
				if ctx.Err() != nil {
					results <- outcome{rel: rel, err: ctx.Err()}
					continue
				}
				n, err := m.CopyOne(ctx, src.Join(rel), dst.Join(rel))
				results <- outcome{rel: rel, bytes: n, err: err}
			}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			report.Failed = append(report.Failed, FileError{Path: r.rel, Err: r.err})
			continue
		}
		report.Succeeded++
		report.Bytes += r.bytes
	}
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })
	report.Duration = time.Since(start)

	if report.AllFailed() {
		return report, fmt.Errorf("transfer: all %d files failed, first error: %w", len(report.Failed), report.Failed[0].Err)
	}
	return report, nil
}

// singleTarget maps a non-recursive copy destination: copying a file
// onto a directory-like destination lands it under its base name.
func (m *Manager) singleTarget(src, dst location.Location) location.Location {
	base := ""
	if src.IsRemote() {
		base = pathBase(src.Key())
	} else {
		base = pathBase(src.Path())
	}

	if dst.IsLocal() {
		if fi, err := m.fs.Stat(dst.Path()); err == nil && fi.IsDir() {
			return dst.Join(base)
		}
		return dst
	}
	if dst.Key() == "" {
		return dst.Join(base)
	}
	return dst
}

// enumerate lists the relative file paths under src.
func (m *Manager) enumerate(ctx context.Context, src location.Location) ([]string, error) {
	if src.IsRemote() {
		client, err := m.factory(ctx, src.Bucket())
		if err != nil {
			return nil, err
		}
		infos, err := client.List(ctx, src.Key())
		if err != nil {
			return nil, err
		}
		var rels []string
		for _, info := range infos {
			if info.IsDir {
				continue
			}
			rels = append(rels, src.Rel(info.Key))
		}
		return rels, nil
	}

	var rels []string
	root := src.Path()
	err := afero.Walk(m.fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rels = append(rels, src.Rel(path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
