package tagging

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/domain"
	"github.com/tagify-app/tagify-server/internal/id"
	"github.com/tagify-app/tagify-server/internal/media/images"
	"github.com/tagify-app/tagify-server/internal/store"
	"github.com/tagify-app/tagify-server/internal/tagger"
)

// Tagger is the slice of the model manager the job worker needs.
type Tagger interface {
	Predict(ctx context.Context, img image.Image, modelRepo, cacheDir string, opts tagger.PredictOptions) (*tagger.Result, error)
	SetIdleUnload(d time.Duration)
}

// SettingsSource provides the current AI settings, defaults merged in.
type SettingsSource interface {
	Get(ctx context.Context) (*domain.AISettings, error)
}

// idlePoll is the worker's fallback wakeup, in case a notify was missed.
const idlePoll = 5 * time.Second

// Manager owns the tagging job queue and its single worker. One job runs at
// a time; the model session is serialized anyway, so more workers would
// only fight over it.
type Manager struct {
	store    *store.Store
	blobs    blob.Store
	tagger   Tagger
	settings SettingsSource
	logger   *slog.Logger

	queue *queue

	mu       sync.Mutex
	jobs     map[string]*job
	inFlight map[string]bool // image ids queued or running across jobs

	ctx    context.Context //nolint:containedctx // Context needed for worker lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a tagging job manager. Call Start to begin processing.
func NewManager(st *store.Store, blobs blob.Store, tg Tagger, settings SettingsSource, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		blobs:    blobs,
		tagger:   tg,
		settings: settings,
		logger:   logger,
		queue:    newQueue(),
		jobs:     make(map[string]*job),
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the job worker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.workerLoop()
	m.logger.Info("tagging worker started")
}

// Stop requests a halt and waits for the worker to drain its current image.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("tagging worker stopped")
}

// QueueDepth reports how many jobs are waiting.
func (m *Manager) QueueDepth() int {
	return m.queue.len()
}

// GetJob returns a snapshot of a job by id.
func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.snapshot(), true
}

// ListJobs returns snapshots of the most recent jobs, newest first.
func (m *Manager) ListJobs(limit int) []*Job {
	if limit < 1 {
		limit = 1
	}

	m.mu.Lock()
	all := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Job, len(all))
	for i, j := range all {
		out[i] = j.snapshot()
	}
	m.mu.Unlock()
	return out
}

// Enqueue creates a job for the given image ids. Duplicate ids within the
// call are collapsed; ids already queued or running in another job are
// skipped unless force is set. A job with nothing to do completes
// immediately.
func (m *Manager) Enqueue(ctx context.Context, ids []string, force bool) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// De-dupe within the call while preserving order.
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, imageID := range ids {
		if imageID == "" || seen[imageID] {
			continue
		}
		seen[imageID] = true
		unique = append(unique, imageID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := 0
	accepted := unique
	if !force {
		accepted = make([]string, 0, len(unique))
		for _, imageID := range unique {
			if m.inFlight[imageID] {
				skipped++
				continue
			}
			accepted = append(accepted, imageID)
		}
	}

	j := &job{
		Job: Job{
			ID:        id.MustGenerate("job"),
			CreatedAt: time.Now(),
			Status:    StatusQueued,
			Total:     len(accepted),
			Skipped:   skipped,
		},
		ids: accepted,
	}
	m.jobs[j.ID] = j

	for _, imageID := range accepted {
		m.inFlight[imageID] = true
	}

	if len(accepted) > 0 {
		m.queue.put(j)
	} else {
		// Nothing to do; settle immediately so it never shows as queued.
		j.Status = StatusDone
	}

	m.logger.Info("tagging job enqueued",
		"job_id", j.ID,
		"total", j.Total,
		"skipped", j.Skipped,
	)
	return j.snapshot(), nil
}

// EnqueueUntagged queues up to limit images that have no AI tags yet,
// optionally scoped to a library. Returns nil when there is nothing to tag.
func (m *Manager) EnqueueUntagged(ctx context.Context, limit int, libraryID string) (*Job, error) {
	if limit <= 0 {
		limit = 200
	}
	ids, err := m.store.FindUntagged(ctx, limit, libraryID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return m.Enqueue(ctx, ids, false)
}

// Cancel cancels a job. Queued jobs are removed immediately and their image
// ids released; a running job is asked to stop at the next image boundary.
// Terminal jobs report false.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false
	}

	switch j.Status {
	case StatusQueued:
		removed := m.queue.remove(jobID)
		j.Status = StatusCancelled
		m.releaseLocked(j)
		return removed
	case StatusRunning, StatusCancelling:
		j.cancelRequested = true
		j.Status = StatusCancelling
		return true
	default:
		return false
	}
}

// ClearAITags strips AI tags and metadata from the whole catalog, keeping
// manually applied tags. Returns how many records were touched.
func (m *Manager) ClearAITags(ctx context.Context) (int, error) {
	cleared, err := m.store.ClearAITags(ctx)
	if err != nil {
		return cleared, err
	}
	m.logger.Info("ai tags cleared", "images", cleared)
	return cleared, nil
}

// releaseLocked frees the job's image ids for future enqueues. Caller holds
// m.mu.
func (m *Manager) releaseLocked(j *job) {
	for _, imageID := range j.ids {
		delete(m.inFlight, imageID)
	}
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.queue.notify:
			m.drainQueue()
		case <-time.After(idlePoll):
			// Periodic check in case a notification was missed.
			m.drainQueue()
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		if m.ctx.Err() != nil {
			return
		}
		j := m.queue.pop()
		if j == nil {
			return
		}
		m.runJob(j)
	}
}

func (m *Manager) runJob(j *job) {
	m.mu.Lock()
	// The job may have been cancelled before the worker picked it up.
	if j.Status == StatusCancelled {
		m.mu.Unlock()
		return
	}
	j.Status = StatusRunning
	ids := j.ids
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		j.Current = ""
		m.releaseLocked(j)
		m.mu.Unlock()
	}()

	settings, err := m.settings.Get(m.ctx)
	if err != nil {
		m.failJob(j, fmt.Errorf("load ai settings: %w", err))
		return
	}
	// Keep the runtime idle timeout in sync with persisted settings.
	m.tagger.SetIdleUnload(time.Duration(settings.IdleUnloadS) * time.Second)

	for _, imageID := range ids {
		m.mu.Lock()
		cancelled := j.cancelRequested
		if cancelled {
			j.Status = StatusCancelled
		} else {
			j.Current = imageID
		}
		m.mu.Unlock()
		if cancelled {
			m.logger.Info("tagging job cancelled", "job_id", j.ID, "done", j.Done)
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		if err := m.tagOne(m.ctx, imageID, settings); err != nil {
			m.mu.Lock()
			j.Failed++
			j.Errors = append(j.Errors, JobError{ImageID: imageID, Error: err.Error()})
			m.mu.Unlock()
			m.logger.Warn("tagging image failed", "job_id", j.ID, "image_id", imageID, "error", err)
			continue
		}
		m.mu.Lock()
		j.Done++
		m.mu.Unlock()
	}

	m.mu.Lock()
	if j.Status != StatusCancelled {
		if j.Failed == 0 {
			j.Status = StatusDone
		} else {
			j.Status = StatusError
		}
	}
	status, done, failed := j.Status, j.Done, j.Failed
	m.mu.Unlock()

	m.logger.Info("tagging job finished",
		"job_id", j.ID,
		"status", string(status),
		"done", done,
		"failed", failed,
	)
}

// failJob terminates a job whose remaining images never ran. The untouched
// ids count as failed so done+failed always accounts for the whole job.
func (m *Manager) failJob(j *job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Status = StatusError
	j.Failed = j.Total - j.Done
	j.Errors = append(j.Errors, JobError{Error: err.Error()})
	m.logger.Error("tagging job failed", "job_id", j.ID, "error", err)
}

// tagOne fetches an image's original, runs the model, and merges the result
// into the catalog.
func (m *Manager) tagOne(ctx context.Context, imageID string, settings *domain.AISettings) error {
	record, err := m.store.GetImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load image record: %w", err)
	}
	if record.OriginalKey == "" {
		return fmt.Errorf("image has no stored original")
	}

	reader, err := m.blobs.GetOriginal(ctx, record.OriginalKey)
	if err != nil {
		return fmt.Errorf("fetch original: %w", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("read original: %w", err)
	}

	img, err := images.Decode(data)
	if err != nil {
		return err
	}

	result, err := m.tagger.Predict(ctx, img, settings.ModelRepo, settings.CacheDir, tagger.PredictOptions{
		GeneralThresh:   settings.GeneralThresh,
		CharacterThresh: settings.CharacterThresh,
		GeneralMCut:     settings.GeneralMCut,
		CharacterMCut:   settings.CharacterMCut,
		MaxGeneral:      settings.MaxGeneral,
		MaxCharacter:    settings.MaxCharacter,
	})
	if err != nil {
		return err
	}

	// AI tags are primary and unprefixed: general first, then characters,
	// de-duplicated while keeping order.
	aiTags := make([]string, 0, len(result.General)+len(result.Character))
	seen := make(map[string]bool)
	for _, tag := range result.General {
		if !seen[tag.Name] {
			seen[tag.Name] = true
			aiTags = append(aiTags, tag.Name)
		}
	}
	for _, tag := range result.Character {
		if !seen[tag.Name] {
			seen[tag.Name] = true
			aiTags = append(aiTags, tag.Name)
		}
	}

	rating := domain.RatingNone
	best := -1.0
	for label, p := range result.Rating {
		if p > best {
			best = p
			rating = label
		}
	}

	meta := &domain.AIMeta{
		ModelRepo:       settings.ModelRepo,
		Caption:         result.Caption,
		Rating:          result.Rating,
		GeneralTags:     result.General,
		CharacterTags:   result.Character,
		GeneralThresh:   settings.GeneralThresh,
		CharacterThresh: settings.CharacterThresh,
		UpdatedAt:       time.Now(),
	}
	return m.store.MergeAITags(ctx, imageID, meta, aiTags, rating)
}
