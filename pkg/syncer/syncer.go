// Package syncer makes a destination tree mirror a source tree with a
// minimal set of transfers, comparing file listings by size, mtime, and
// ETag rather than content.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/tensorhaul/tensorhaul/pkg/location"
	"github.com/tensorhaul/tensorhaul/pkg/logging"
	"github.com/tensorhaul/tensorhaul/pkg/objectstore"
	"github.com/tensorhaul/tensorhaul/pkg/transfer"
)

// ErrListingFailure indicates one side of the sync could not be
// enumerated; nothing was transferred or deleted.
var ErrListingFailure = errors.New("syncer: listing failed")

// FileEntry describes one file in a listing, keyed by its path relative
// to the listing root.
type FileEntry struct {
	RelPath string
	Size    int64
	ModTime time.Time
	ETag    string
}

// DiffPlan is the ordered outcome of comparing two listings.
type DiffPlan struct {
	Transfers []string
	Deletes   []string
	Skips     []string
}

// Report summarizes an executed sync.
type Report struct {
	Transferred int
	Deleted     int
	Skipped     int
	Failed      []transfer.FileError
}

// Engine plans and executes syncs.
type Engine struct {
	manager     *transfer.Manager
	factory     objectstore.Factory
	fs          afero.Fs
	tolerance   time.Duration
	concurrency int
	logger      logging.Interface
}

// NewEngine builds a sync engine. tolerance is the modification time
// slack within which equal-sized files count as unchanged.
func NewEngine(manager *transfer.Manager, factory objectstore.Factory, fs afero.Fs, tolerance time.Duration, concurrency int, logger logging.Interface) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		manager:     manager,
		factory:     factory,
		fs:          fs,
		tolerance:   tolerance,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Plan compares two listings and decides, per relative path, whether to
// transfer, delete, or skip. It is a pure function of its inputs and
// returns deterministically ordered slices.
func Plan(src, dst map[string]FileEntry, deleteExtra bool, tolerance time.Duration) DiffPlan {
	var plan DiffPlan

	for rel, s := range src {
		d, ok := dst[rel]
		if !ok {
			plan.Transfers = append(plan.Transfers, rel)
			continue
		}
		if entriesEqual(s, d, tolerance) {
			plan.Skips = append(plan.Skips, rel)
		} else {
			plan.Transfers = append(plan.Transfers, rel)
		}
	}
	for rel := range dst {
		if _, ok := src[rel]; ok {
			continue
		}
		if deleteExtra {
			plan.Deletes = append(plan.Deletes, rel)
		} else {
			plan.Skips = append(plan.Skips, rel)
		}
	}

	sort.Strings(plan.Transfers)
	sort.Strings(plan.Deletes)
	sort.Strings(plan.Skips)
	return plan
}

// entriesEqual reports whether two sides of a file count as unchanged.
// Size must match; beyond that either the mtimes agree within the
// tolerance or both sides carry the same ETag.
func entriesEqual(s, d FileEntry, tolerance time.Duration) bool {
	if s.Size != d.Size {
		return false
	}
	delta := s.ModTime.Sub(d.ModTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= tolerance {
		return true
	}
	return s.ETag != "" && s.ETag == d.ETag
}

// Sync makes dst mirror src. Transfers run first on a bounded pool;
// deletions run strictly after and are skipped for paths touched by a
// failed transfer. The returned report is valid even on error.
func (e *Engine) Sync(ctx context.Context, src, dst location.Location, deleteExtra bool) (*Report, error) {
	report := &Report{}

	if src.IsLocal() && dst.IsLocal() {
		return report, transfer.ErrUnsupportedPair
	}

	srcList, err := e.list(ctx, src, false)
	if err != nil {
		return report, fmt.Errorf("%w: source %s: %v", ErrListingFailure, src, err)
	}
	dstList, err := e.list(ctx, dst, true)
	if err != nil {
		return report, fmt.Errorf("%w: destination %s: %v", ErrListingFailure, dst, err)
	}

	plan := Plan(srcList, dstList, deleteExtra, e.tolerance)
	report.Skipped = len(plan.Skips)

	failed := e.runTransfers(ctx, src, dst, plan.Transfers, report)
	e.runDeletes(ctx, dst, plan.Deletes, failed, report)

	return report, nil
}

func (e *Engine) runTransfers(ctx context.Context, src, dst location.Location, rels []string, report *Report) map[string]bool {
	failed := make(map[string]bool)
	if len(rels) == 0 {
		return failed
	}

	type outcome struct {
		rel string
		err error
	}

	jobs := make(chan string, len(rels))
	for _, rel := range rels {
		jobs <- rel
	}
	close(jobs)

	results := make(chan outcome, len(rels))
	var wg sync.WaitGroup

	workers := e.concurrency
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
				_, err := e.manager.CopyOne(ctx, src.Join(rel), dst.Join(rel))
				results <- outcome{rel: rel, err: err}
			}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			failed[r.rel] = true
			report.Failed = append(report.Failed, transfer.FileError{Path: r.rel, Err: r.err})
			continue
		}
		report.Transferred++
	}
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })
	return failed
}

func (e *Engine) runDeletes(ctx context.Context, dst location.Location, rels []string, failedTransfers map[string]bool, report *Report) {
	for _, rel := range rels {
		if overlapsFailed(rel, failedTransfers) {
			report.Skipped++
			continue
		}
		if err := e.deleteOne(ctx, dst, rel); err != nil {
			report.Failed = append(report.Failed, transfer.FileError{Path: rel, Err: err})
			continue
		}
		report.Deleted++
	}
}

// overlapsFailed reports whether rel matches, contains, or sits under a
// path whose transfer failed.
func overlapsFailed(rel string, failed map[string]bool) bool {
	for f := range failed {
		if rel == f || strings.HasPrefix(rel, f+"/") || strings.HasPrefix(f, rel+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) deleteOne(ctx context.Context, dst location.Location, rel string) error {
	target := dst.Join(rel)
	if target.IsLocal() {
		return e.fs.Remove(target.Path())
	}
	client, err := e.factory(ctx, target.Bucket())
	if err != nil {
		return err
	}
	return client.Delete(ctx, target.Key())
}

// list enumerates one side of the sync as relative-path entries.
// A missing local destination root counts as empty, not an error.
func (e *Engine) list(ctx context.Context, loc location.Location, missingOK bool) (map[string]FileEntry, error) {
	if loc.IsRemote() {
		client, err := e.factory(ctx, loc.Bucket())
		if err != nil {
			return nil, err
		}
		infos, err := client.List(ctx, loc.Key())
		if err != nil {
			return nil, err
		}
		entries := make(map[string]FileEntry, len(infos))
		for _, info := range infos {
			if info.IsDir {
				continue
			}
			rel := loc.Rel(info.Key)
			entries[rel] = FileEntry{
				RelPath: rel,
				Size:    info.Size,
				ModTime: info.LastModified,
				ETag:    info.ETag,
			}
		}
		return entries, nil
	}

	entries := make(map[string]FileEntry)
	root := loc.Path()
	if ok, _ := afero.DirExists(e.fs, root); !ok {
		if missingOK {
			return entries, nil
		}
		return nil, fmt.Errorf("no such directory: %s", root)
	}
	err := afero.Walk(e.fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel := loc.Rel(path)
		entries[rel] = FileEntry{
			RelPath: rel,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
