package scanner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/media/images"
	"github.com/tagify-app/tagify-server/internal/retry"
	"github.com/tagify-app/tagify-server/internal/store"
)

// maxDefaultWorkers caps the auto-sized worker pool. Scans are I/O heavy
// enough that more processors stop paying off well before core counts do.
const maxDefaultWorkers = 8

// Options tune a scan service.
type Options struct {
	// Workers is the number of concurrent file processors. Zero or negative
	// sizes the pool from available parallelism, capped at
	// maxDefaultWorkers.
	Workers int
	// BatchSize is how many processed files are flushed to the catalog at
	// once.
	BatchSize int
	// CancelWait is how long CancelScan waits for the scan goroutine to
	// drain before giving up.
	CancelWait time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = min(runtime.GOMAXPROCS(0), maxDefaultWorkers)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.CancelWait <= 0 {
		o.CancelWait = 5 * time.Second
	}
}

// progressInterval throttles scan state writes during a scan.
const progressInterval = 500 * time.Millisecond

// Service runs library scans. At most one scan runs per library; scans on
// different libraries may overlap.
type Service struct {
	store  *store.Store
	blobs  blob.Store
	walker *Walker
	logger *slog.Logger
	opts   Options
	retry  retry.Policy

	mu     sync.Mutex
	active map[string]*scanRun
}

type scanRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a scan service.
func NewService(st *store.Store, blobs blob.Store, logger *slog.Logger, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:  st,
		blobs:  blobs,
		walker: NewWalker(logger),
		logger: logger,
		opts:   opts,
		retry:  retry.Default,
		active: make(map[string]*scanRun),
	}
}

// Scanning reports whether a scan is running for the library.
func (s *Service) Scanning(libraryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[libraryID]
	return ok
}

// Progress returns the library's persisted scan state.
func (s *Service) Progress(ctx context.Context, libraryID string) (*domain.ScanState, error) {
	lib, err := s.store.Libraries.Get(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	return &lib.Scan, nil
}

// StartScan begins a scan for the library in the background. A second
// StartScan for the same library while one runs is rejected.
func (s *Service) StartScan(ctx context.Context, libraryID string) error {
	lib, err := s.store.Libraries.Get(ctx, libraryID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(lib.Path); err != nil {
		return apperrors.Validation(fmt.Sprintf("library path %s is not accessible", lib.Path))
	}

	s.mu.Lock()
	if _, running := s.active[libraryID]; running {
		s.mu.Unlock()
		return apperrors.Conflict("scan already running for library")
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	s.active[libraryID] = run
	s.mu.Unlock()

	// Mark the library as scanning before the goroutine starts so progress
	// polls never observe a stale idle state. The last successful scan's
	// outcome survives the reset; a cancelled rescan must not erase it.
	err = s.store.UpdateScanState(ctx, libraryID, func(st *domain.ScanState) {
		last, indexed := st.LastScanned, st.IndexedCount
		*st = domain.ScanState{Scanning: true, LastScanned: last, IndexedCount: indexed}
	})
	if err != nil {
		s.finishRun(libraryID, run)
		cancel()
		return err
	}

	s.logger.Info("scan started", "library_id", libraryID, "path", lib.Path)

	go func() {
		defer s.finishRun(libraryID, run)
		defer cancel()
		s.run(scanCtx, lib)
	}()
	return nil
}

// CancelScan requests cancellation of a running scan and waits briefly for
// it to drain. Reports whether a scan was running.
func (s *Service) CancelScan(libraryID string) bool {
	s.mu.Lock()
	run, ok := s.active[libraryID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	run.cancel()
	select {
	case <-run.done:
	case <-time.After(s.opts.CancelWait):
		s.logger.Warn("scan still draining after cancel", "library_id", libraryID)
	}
	return true
}

// Stop cancels all running scans and waits for them to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	runs := make([]*scanRun, 0, len(s.active))
	for _, run := range s.active {
		run.cancel()
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		<-run.done
	}
	s.logger.Info("scanner stopped")
}

func (s *Service) finishRun(libraryID string, run *scanRun) {
	s.mu.Lock()
	delete(s.active, libraryID)
	s.mu.Unlock()
	close(run.done)
}

// scanProgress aggregates results across workers. All fields are guarded by
// mu.
type scanProgress struct {
	mu      sync.Mutex
	state   domain.ScanState
	batch   []*store.ScannedImage
	seen    map[string]bool
	limiter *rate.Limiter
}

// run executes one scan: enumerate, process with a bounded worker pool,
// reconcile stale records, finalize state.
func (s *Service) run(ctx context.Context, lib *domain.Library) {
	started := time.Now()

	// Enumerate first so progress can report a total.
	var files []WalkResult
	for wr := range s.walker.Walk(ctx, lib.Path) {
		files = append(files, wr)
	}
	if err := ctx.Err(); err != nil {
		s.finalize(lib.ID, nil, true, nil)
		return
	}

	prog := &scanProgress{
		state:   domain.ScanState{Scanning: true, Total: len(files)},
		seen:    make(map[string]bool, len(files)),
		limiter: rate.NewLimiter(rate.Every(progressInterval), 1),
	}
	s.persistProgress(lib.ID, prog, false)

	// Bounded pool: a task channel with capacity equal to the worker count
	// keeps at most a small window of files in memory at once.
	tasks := make(chan WalkResult, s.opts.Workers)
	group, groupCtx := errgroup.WithContext(ctx)
	for range s.opts.Workers {
		group.Go(func() error {
			for wr := range tasks {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				s.processFile(groupCtx, lib, wr, prog)
			}
			return nil
		})
	}

feed:
	for _, wr := range files {
		select {
		case tasks <- wr:
		case <-groupCtx.Done():
			break feed
		}
	}
	close(tasks)
	err := group.Wait()

	// Flush whatever the last batch holds. Records in the batch finished
	// their uploads, so a cancelled ctx must not turn them into persist
	// failures; the flush runs on a fresh context.
	s.flushBatch(context.Background(), lib.ID, prog, true)

	cancelled := ctx.Err() != nil
	if !cancelled && err != nil {
		s.finalize(lib.ID, prog, false, err)
		return
	}
	if cancelled {
		s.finalize(lib.ID, prog, true, nil)
		return
	}

	// Stale reconciliation: drop records and blobs for files that no
	// longer exist on disk.
	removed, reconErr := s.reconcile(ctx, lib.ID, prog)
	if reconErr != nil {
		s.finalize(lib.ID, prog, ctx.Err() != nil, reconErr)
		return
	}

	s.finalize(lib.ID, prog, false, nil)

	prog.mu.Lock()
	done, failed := prog.state.Done, prog.state.FailedCount
	prog.mu.Unlock()
	s.logger.Info("scan finished",
		"library_id", lib.ID,
		"indexed", done,
		"failed", failed,
		"removed", removed,
		"duration", time.Since(started).Round(time.Millisecond),
	)
}

// processFile ingests one file: read, decode, upload original and
// thumbnail, queue the catalog record. Decode failures degrade to a record
// without dimensions or thumbnail; upload failures fail the file.
func (s *Service) processFile(ctx context.Context, lib *domain.Library, wr WalkResult, prog *scanProgress) {
	data, err := os.ReadFile(wr.Path)
	if err != nil {
		s.recordFailure(lib.ID, prog, wr, "read", err)
		return
	}

	rec := &store.ScannedImage{
		LibraryID:   lib.ID,
		RelPath:     wr.RelPath,
		Path:        wr.Path,
		Size:        wr.Size,
		CTime:       wr.ModTime,
		MTime:       wr.ModTime,
		OriginalKey: blob.OriginalKey(lib.ID, wr.RelPath),
	}
	rec.Width, rec.Height = images.Dimensions(data)

	uploadErr := s.retry.Do(ctx, func() error {
		return s.blobs.PutOriginal(ctx, rec.OriginalKey, bytes.NewReader(data), int64(len(data)), images.ContentType(wr.Path))
	})
	if uploadErr != nil {
		s.recordFailure(lib.ID, prog, wr, "upload", uploadErr)
		return
	}

	// Thumbnail and BlurHash are best-effort: a corrupt-but-readable file
	// still gets cataloged.
	if img, err := images.Decode(data); err == nil {
		if thumb, err := images.Thumbnail(img); err == nil {
			key := blob.ThumbKey(lib.ID, wr.RelPath)
			err := s.retry.Do(ctx, func() error {
				return s.blobs.PutThumb(ctx, key, bytes.NewReader(thumb), int64(len(thumb)))
			})
			if err == nil {
				rec.ThumbKey = key
			} else {
				s.logger.Warn("thumbnail upload failed", "path", wr.Path, "error", err)
			}
		}
		if hash, err := images.ComputeBlurHash(img); err == nil {
			rec.BlurHash = hash
		}
	} else {
		s.logger.Debug("undecodable image cataloged without thumbnail", "path", wr.Path, "error", err)
	}

	prog.mu.Lock()
	prog.seen[rec.ID()] = true
	prog.batch = append(prog.batch, rec)
	full := len(prog.batch) >= s.opts.BatchSize
	prog.mu.Unlock()

	if full {
		s.flushBatch(ctx, lib.ID, prog, false)
	}
}

func (s *Service) recordFailure(libraryID string, prog *scanProgress, wr WalkResult, stage string, err error) {
	prog.mu.Lock()
	prog.state.AddFailure(domain.ScanFailure{
		ImageID: domain.ImageID(libraryID, wr.RelPath),
		Stage:   stage,
		Error:   err.Error(),
	})
	prog.mu.Unlock()
	s.logger.Warn("scan file failed", "path", wr.Path, "stage", stage, "error", err)
}

// flushBatch writes the pending batch to the catalog and bumps progress.
func (s *Service) flushBatch(ctx context.Context, libraryID string, prog *scanProgress, force bool) {
	prog.mu.Lock()
	batch := prog.batch
	prog.batch = nil
	prog.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	err := s.retry.Do(ctx, func() error {
		return s.store.BulkUpsertScanned(ctx, batch)
	})

	prog.mu.Lock()
	if err != nil {
		for _, rec := range batch {
			prog.state.AddFailure(domain.ScanFailure{
				ImageID: rec.ID(),
				Stage:   "persist",
				Error:   err.Error(),
			})
		}
	} else {
		prog.state.Done += len(batch)
	}
	prog.mu.Unlock()

	if err != nil {
		s.logger.Error("catalog flush failed", "library_id", libraryID, "count", len(batch), "error", err)
	}
	s.persistProgress(libraryID, prog, force)
}

// persistProgress writes the in-memory scan state to the library record,
// rate limited so large scans don't hammer the catalog.
func (s *Service) persistProgress(libraryID string, prog *scanProgress, force bool) {
	if !force && !prog.limiter.Allow() {
		return
	}

	prog.mu.Lock()
	snapshot := prog.state
	prog.mu.Unlock()

	err := s.store.UpdateScanState(context.Background(), libraryID, func(st *domain.ScanState) {
		lastScanned := st.LastScanned
		indexed := st.IndexedCount
		*st = snapshot
		st.LastScanned = lastScanned
		st.IndexedCount = indexed
	})
	if err != nil {
		s.logger.Error("persist scan progress failed", "library_id", libraryID, "error", err)
	}
}

// reconcile removes catalog records and blobs for files the walk no longer
// saw.
func (s *Service) reconcile(ctx context.Context, libraryID string, prog *scanProgress) (int, error) {
	ids, err := s.store.ImageIDsByLibrary(ctx, libraryID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, imageID := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		prog.mu.Lock()
		seen := prog.seen[imageID]
		prog.mu.Unlock()
		if seen {
			continue
		}

		relPath := strings.TrimPrefix(imageID, libraryID+":")
		if err := s.blobs.DeleteOriginal(ctx, blob.OriginalKey(libraryID, relPath)); err != nil {
			s.logger.Warn("delete stale original failed", "image_id", imageID, "error", err)
		}
		if err := s.blobs.DeleteThumb(ctx, blob.ThumbKey(libraryID, relPath)); err != nil {
			s.logger.Warn("delete stale thumb failed", "image_id", imageID, "error", err)
		}
		if err := s.store.DeleteImage(ctx, imageID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// finalize settles the persisted scan state once the scan goroutine ends.
func (s *Service) finalize(libraryID string, prog *scanProgress, cancelled bool, runErr error) {
	var snapshot domain.ScanState
	if prog != nil {
		prog.mu.Lock()
		snapshot = prog.state
		prog.mu.Unlock()
	}

	now := time.Now()
	err := s.store.UpdateScanState(context.Background(), libraryID, func(st *domain.ScanState) {
		prev := *st
		*st = snapshot
		st.Scanning = false
		switch {
		case cancelled:
			st.Error = "cancelled"
			st.LastScanned = prev.LastScanned
			st.IndexedCount = prev.IndexedCount
		case runErr != nil:
			st.Error = runErr.Error()
			st.LastScanned = prev.LastScanned
			st.IndexedCount = prev.IndexedCount
		default:
			st.Error = ""
			st.LastScanned = &now
			st.IndexedCount = snapshot.Done
		}
	})
	if err != nil {
		s.logger.Error("finalize scan state failed", "library_id", libraryID, "error", err)
	}

	if cancelled {
		s.logger.Info("scan cancelled", "library_id", libraryID)
	} else if runErr != nil {
		s.logger.Error("scan failed", "library_id", libraryID, "error", runErr)
	}
}
