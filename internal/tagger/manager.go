package tagger

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
)

// LoadStatus tracks a model load through its lifecycle.
type LoadStatus string

const (
	LoadIdle      LoadStatus = "idle"
	LoadLoading   LoadStatus = "loading"
	LoadLoaded    LoadStatus = "loaded"
	LoadError     LoadStatus = "error"
	LoadCancelled LoadStatus = "cancelled"
)

// Status is a snapshot of the manager's session state.
type Status struct {
	Loaded     bool          `json:"loaded"`
	Repo       string        `json:"repo,omitempty"`
	LastUsed   time.Time     `json:"last_used,omitzero"`
	IdleUnload time.Duration `json:"idle_unload"`
}

// LoadInfo is a snapshot of an in-flight or settled model load, including
// download progress when one is running.
type LoadInfo struct {
	Status   LoadStatus     `json:"status"`
	Error    string         `json:"error,omitempty"`
	Repo     string         `json:"repo,omitempty"`
	CacheDir string         `json:"cache_dir,omitempty"`
	Download *DownloadState `json:"download,omitempty"`
}

// PredictOptions tune the tag post-processing for one prediction.
type PredictOptions struct {
	GeneralThresh   float64
	CharacterThresh float64
	GeneralMCut     bool
	CharacterMCut   bool
	MaxGeneral      int
	MaxCharacter    int
}

// Result is one model prediction after post-processing.
type Result struct {
	Caption   string
	Rating    map[string]float64
	General   []domain.TagScore
	Character []domain.TagScore
}

// characterMCutFloor keeps MCut from dropping the character threshold so
// low that noise tags pass.
const characterMCutFloor = 0.15

// idleUnloadPoll is how often the idle loop checks the last-used time.
const idleUnloadPoll = 5 * time.Second

// Manager owns the model session: lazy load, serialized prediction, idle
// eviction, and cancellable background loads. One Manager serves the whole
// process.
type Manager struct {
	downloads *DownloadManager
	logger    *slog.Logger

	// newEngine is swapped in tests to avoid a real ONNX runtime.
	newEngine func(onnxPath string) (engine, error)

	// mu serializes load, predict, and unload against each other. The
	// session is not safe for concurrent Run calls.
	mu       sync.Mutex
	eng      engine
	labels   *LabelIndex
	repo     string
	lastUsed time.Time

	// stateMu guards load bookkeeping and the idle threshold, kept apart
	// from mu so status polling never blocks behind inference.
	stateMu      sync.Mutex
	idleUnload   time.Duration
	loadStatus   LoadStatus
	loadErr      string
	loadingRepo  string
	loadingCache string
	loadCancel   context.CancelFunc
	loadDone     chan struct{}
}

// NewManager creates a model manager using the given download manager.
func NewManager(downloads *DownloadManager, logger *slog.Logger) *Manager {
	return &Manager{
		downloads:  downloads,
		logger:     logger,
		newEngine:  newOrtEngine,
		idleUnload: time.Duration(domain.DefaultAISettings().IdleUnloadS) * time.Second,
		loadStatus: LoadIdle,
	}
}

// Downloads exposes the download manager for progress endpoints.
func (m *Manager) Downloads() *DownloadManager {
	return m.downloads
}

// Status reports whether a model is resident and when it was last used.
func (m *Manager) Status() Status {
	m.mu.Lock()
	loaded := m.eng != nil
	repo := m.repo
	lastUsed := m.lastUsed
	m.mu.Unlock()

	m.stateMu.Lock()
	idle := m.idleUnload
	m.stateMu.Unlock()

	return Status{Loaded: loaded, Repo: repo, LastUsed: lastUsed, IdleUnload: idle}
}

// LoadStatusInfo reports the state of the current or last model load.
func (m *Manager) LoadStatusInfo() LoadInfo {
	m.stateMu.Lock()
	info := LoadInfo{
		Status:   m.loadStatus,
		Error:    m.loadErr,
		Repo:     m.loadingRepo,
		CacheDir: m.loadingCache,
	}
	m.stateMu.Unlock()

	if info.Repo == "" {
		m.mu.Lock()
		info.Repo = m.repo
		m.mu.Unlock()
	}
	if info.Repo != "" && info.CacheDir != "" {
		state := m.downloads.State(info.Repo, info.CacheDir)
		info.Download = &state
	}
	return info
}

// SetIdleUnload sets the idle eviction threshold. Zero or negative disables
// idle eviction.
func (m *Manager) SetIdleUnload(d time.Duration) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if d < 0 {
		d = 0
	}
	m.idleUnload = d
}

// StartLoad begins loading a model in the background so callers can poll
// progress. Reports whether a new load was started.
func (m *Manager) StartLoad(modelRepo, cacheDir string) bool {
	m.mu.Lock()
	alreadyLoaded := m.eng != nil && m.repo == modelRepo
	m.mu.Unlock()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if alreadyLoaded {
		m.loadStatus = LoadLoaded
		m.loadErr = ""
		return false
	}
	if m.loadDone != nil {
		select {
		case <-m.loadDone:
		default:
			// A load is already running.
			return false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loadingRepo = modelRepo
	m.loadingCache = cacheDir
	m.loadStatus = LoadLoading
	m.loadErr = ""
	m.loadCancel = cancel
	m.loadDone = done

	go func() {
		defer close(done)
		err := m.load(ctx, modelRepo, cacheDir)

		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		switch {
		case err == nil:
			m.loadStatus = LoadLoaded
			m.loadingRepo = ""
			m.loadingCache = ""
		case ctx.Err() != nil:
			m.loadStatus = LoadCancelled
		default:
			m.loadStatus = LoadError
			m.loadErr = err.Error()
		}
	}()
	return true
}

// CancelLoad cancels an in-flight background load, including its download.
// Reports whether a load was running.
func (m *Manager) CancelLoad() bool {
	m.stateMu.Lock()
	repo, cacheDir := m.loadingRepo, m.loadingCache
	cancel := m.loadCancel
	done := m.loadDone
	m.stateMu.Unlock()

	if repo == "" || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}

	m.downloads.Cancel(repo, cacheDir)
	if cancel != nil {
		cancel()
	}
	return true
}

// EnsureLoaded makes the requested model resident, joining an in-flight
// background load for the same model rather than starting a second one.
func (m *Manager) EnsureLoaded(ctx context.Context, modelRepo, cacheDir string) error {
	m.stateMu.Lock()
	joinable := m.loadDone != nil && m.loadingRepo == modelRepo && m.loadingCache == cacheDir
	done := m.loadDone
	m.stateMu.Unlock()

	if joinable {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		m.mu.Lock()
		ok := m.eng != nil && m.repo == modelRepo
		m.mu.Unlock()
		if ok {
			return nil
		}
		m.stateMu.Lock()
		loadErr := m.loadErr
		m.stateMu.Unlock()
		if loadErr == "" {
			loadErr = "model load failed"
		}
		return apperrors.Internal(loadErr, nil)
	}

	return m.load(ctx, modelRepo, cacheDir)
}

// load downloads artifacts if needed and swaps in a fresh session. mu is
// held for the whole load so predictions never observe a half-built state.
func (m *Manager) load(ctx context.Context, modelRepo, cacheDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eng != nil && m.repo == modelRepo {
		m.lastUsed = time.Now()
		return nil
	}

	if _, err := m.downloads.Start(modelRepo, cacheDir); err != nil {
		return err
	}
	state, err := m.downloads.Wait(ctx, modelRepo, cacheDir)
	if err != nil {
		return err
	}
	switch state.Status {
	case DownloadDone:
	case DownloadCancelled:
		return apperrors.Cancelled("model download cancelled")
	default:
		return apperrors.Internal(fmt.Sprintf("model download failed: %s", state.Error), nil)
	}

	csvPath, onnxPath := ExpectedPaths(modelRepo, cacheDir)
	labels, err := LoadLabels(csvPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	eng, err := m.newEngine(onnxPath)
	if err != nil {
		return fmt.Errorf("load model %s: %w", modelRepo, err)
	}

	if m.eng != nil {
		_ = m.eng.Close()
	}
	m.eng = eng
	m.labels = labels
	m.repo = modelRepo
	m.lastUsed = time.Now()

	if m.logger != nil {
		m.logger.Info("model loaded",
			"repo", modelRepo,
			"labels", len(labels.Names),
			"target_size", eng.TargetSize(),
		)
	}
	return nil
}

// Unload drops the resident session, if any.
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eng == nil {
		return
	}
	_ = m.eng.Close()
	m.eng = nil
	m.labels = nil
	repo := m.repo
	m.repo = ""

	if m.logger != nil {
		m.logger.Info("model unloaded", "repo", repo)
	}
}

// Predict runs the model on a decoded image. The model is loaded on demand.
func (m *Manager) Predict(ctx context.Context, img image.Image, modelRepo, cacheDir string, opts PredictOptions) (*Result, error) {
	if err := m.EnsureLoaded(ctx, modelRepo, cacheDir); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eng == nil {
		// Evicted between EnsureLoaded and here, rare but possible.
		return nil, apperrors.Internal("model not loaded", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.lastUsed = time.Now()
	input := PrepareInput(img, m.eng.TargetSize())
	probs, err := m.eng.Run(input)
	if err != nil {
		return nil, err
	}
	if len(probs) < len(m.labels.Names) {
		return nil, apperrors.Internal(fmt.Sprintf(
			"model returned %d scores for %d labels", len(probs), len(m.labels.Names)), nil)
	}
	return postProcess(m.labels, probs, opts), nil
}

// RunIdleUnloadLoop evicts the session after the configured idle period.
// Blocks until ctx is cancelled.
func (m *Manager) RunIdleUnloadLoop(ctx context.Context) {
	ticker := time.NewTicker(idleUnloadPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle evicts the session once it has sat unused past the idle
// threshold. A threshold of zero disables eviction.
func (m *Manager) sweepIdle() {
	m.stateMu.Lock()
	idle := m.idleUnload
	m.stateMu.Unlock()
	if idle <= 0 {
		return
	}

	m.mu.Lock()
	expired := m.eng != nil && !m.lastUsed.IsZero() && time.Since(m.lastUsed) > idle
	m.mu.Unlock()
	if expired {
		m.Unload()
	}
}

// postProcess turns raw label probabilities into the tag sets the caller
// asked for.
func postProcess(labels *LabelIndex, probs []float32, opts PredictOptions) *Result {
	rating := make(map[string]float64, len(labels.RatingIdx))
	for _, i := range labels.RatingIdx {
		rating[labels.Names[i]] = float64(probs[i])
	}

	general := selectTags(labels, probs, labels.GeneralIdx,
		opts.GeneralThresh, opts.GeneralMCut, 0, opts.MaxGeneral)
	character := selectTags(labels, probs, labels.CharacterIdx,
		opts.CharacterThresh, opts.CharacterMCut, characterMCutFloor, opts.MaxCharacter)

	names := make([]string, len(general))
	for i, tag := range general {
		names[i] = tag.Name
	}

	return &Result{
		Caption:   strings.Join(names, ", "),
		Rating:    rating,
		General:   general,
		Character: character,
	}
}

func selectTags(labels *LabelIndex, probs []float32, idx []int, thresh float64, useMCut bool, mcutFloor float64, limit int) []domain.TagScore {
	if len(idx) == 0 {
		return nil
	}

	if useMCut {
		subset := make([]float32, len(idx))
		for i, j := range idx {
			subset[i] = probs[j]
		}
		thresh = max(mcutFloor, float64(MCutThreshold(subset)))
	}

	var tags []domain.TagScore
	for _, i := range idx {
		if p := float64(probs[i]); p > thresh {
			tags = append(tags, domain.TagScore{Name: labels.Names[i], Probability: p})
		}
	}
	sort.SliceStable(tags, func(i, j int) bool {
		return tags[i].Probability > tags[j].Probability
	})
	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}
	return tags
}
