package tagger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DownloadStatus tracks a model download through its lifecycle.
type DownloadStatus string

const (
	DownloadIdle      DownloadStatus = "idle"
	DownloadPending   DownloadStatus = "pending"
	DownloadRunning   DownloadStatus = "downloading"
	DownloadDone      DownloadStatus = "done"
	DownloadError     DownloadStatus = "error"
	DownloadCancelled DownloadStatus = "cancelled"
)

// FileProgress is the per-file view of a model download. Total is -1 until
// the server reports a Content-Length.
type FileProgress struct {
	Name       string         `json:"name"`
	Status     DownloadStatus `json:"status"`
	Downloaded int64          `json:"downloaded"`
	Total      int64          `json:"total"`
	Error      string         `json:"error,omitempty"`
}

// DownloadState is a snapshot of one model download.
type DownloadState struct {
	ModelRepo string         `json:"model_repo"`
	CacheDir  string         `json:"cache_dir"`
	Status    DownloadStatus `json:"status"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Error     string         `json:"error,omitempty"`
	Files     []FileProgress `json:"files"`
}

type downloadKey struct {
	repo     string
	cacheDir string
}

type downloadTask struct {
	state  DownloadState
	cancel context.CancelFunc
	done   chan struct{}
}

// DownloadManager fetches model artifacts (ONNX weights plus the label CSV)
// from a Hugging Face style endpoint into a local cache directory. At most
// one download runs per (repo, cache dir) pair; concurrent starts join the
// running one.
type DownloadManager struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[downloadKey]*downloadTask
}

// downloadChunkSize is the write granularity; cancellation is observed
// between chunks.
const downloadChunkSize = 256 * 1024

// NewDownloadManager creates a download manager. An empty endpoint falls
// back to the HF_ENDPOINT environment variable, then to huggingface.co.
func NewDownloadManager(endpoint string, logger *slog.Logger) *DownloadManager {
	if endpoint == "" {
		endpoint = os.Getenv("HF_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "https://huggingface.co"
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		endpoint = "https://" + endpoint
	}
	return &DownloadManager{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
		logger:   logger,
		tasks:    make(map[downloadKey]*downloadTask),
	}
}

// ExpectedPaths returns where the label CSV and ONNX weights for a model
// repo live in the cache directory.
func ExpectedPaths(modelRepo, cacheDir string) (csvPath, onnxPath string) {
	safe := strings.ReplaceAll(modelRepo, "/", "_")
	return filepath.Join(cacheDir, safe+".csv"), filepath.Join(cacheDir, safe+".onnx")
}

// State returns a snapshot of the download for (modelRepo, cacheDir).
// Unknown pairs report an idle state.
func (dm *DownloadManager) State(modelRepo, cacheDir string) DownloadState {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	task, ok := dm.tasks[downloadKey{modelRepo, cacheDir}]
	if !ok {
		return DownloadState{ModelRepo: modelRepo, CacheDir: cacheDir, Status: DownloadIdle}
	}
	return cloneState(&task.state)
}

// Start begins downloading the model artifacts unless they are already
// cached or a download is in flight. Returns the current snapshot.
func (dm *DownloadManager) Start(modelRepo, cacheDir string) (DownloadState, error) {
	modelRepo = strings.TrimSpace(modelRepo)
	if modelRepo == "" || !strings.Contains(modelRepo, "/") {
		return DownloadState{}, fmt.Errorf("model repo must look like 'org/repo', got %q", modelRepo)
	}

	key := downloadKey{modelRepo, cacheDir}
	csvPath, onnxPath := ExpectedPaths(modelRepo, cacheDir)

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if task, ok := dm.tasks[key]; ok && task.state.Status == DownloadRunning {
		return cloneState(&task.state), nil
	}

	now := time.Now()
	if fileExists(csvPath) && fileExists(onnxPath) {
		task := &downloadTask{
			state: DownloadState{
				ModelRepo: modelRepo,
				CacheDir:  cacheDir,
				Status:    DownloadDone,
				UpdatedAt: now,
			},
			done: make(chan struct{}),
		}
		close(task.done)
		dm.tasks[key] = task
		return cloneState(&task.state), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &downloadTask{
		state: DownloadState{
			ModelRepo: modelRepo,
			CacheDir:  cacheDir,
			Status:    DownloadRunning,
			StartedAt: now,
			UpdatedAt: now,
			Files: []FileProgress{
				{Name: "model.onnx", Status: DownloadPending, Total: -1},
				{Name: "selected_tags.csv", Status: DownloadPending, Total: -1},
			},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	dm.tasks[key] = task

	baseURL := fmt.Sprintf("%s/%s/resolve/main", dm.endpoint, modelRepo)
	targets := []string{onnxPath, csvPath}

	go dm.run(ctx, task, baseURL, targets)

	return cloneState(&task.state), nil
}

// Cancel requests cancellation of a running download. Reports whether a
// running download was found.
func (dm *DownloadManager) Cancel(modelRepo, cacheDir string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	task, ok := dm.tasks[downloadKey{modelRepo, cacheDir}]
	if !ok || task.state.Status != DownloadRunning {
		return false
	}
	task.cancel()
	return true
}

// Wait blocks until the download for (modelRepo, cacheDir) settles or ctx
// is cancelled, then returns the final snapshot.
func (dm *DownloadManager) Wait(ctx context.Context, modelRepo, cacheDir string) (DownloadState, error) {
	dm.mu.Lock()
	task, ok := dm.tasks[downloadKey{modelRepo, cacheDir}]
	dm.mu.Unlock()
	if !ok {
		return DownloadState{ModelRepo: modelRepo, CacheDir: cacheDir, Status: DownloadIdle}, nil
	}

	select {
	case <-ctx.Done():
		return DownloadState{}, ctx.Err()
	case <-task.done:
	}
	return dm.State(modelRepo, cacheDir), nil
}

func (dm *DownloadManager) run(ctx context.Context, task *downloadTask, baseURL string, targets []string) {
	defer close(task.done)

	var runErr error
	for i, dst := range targets {
		if ctx.Err() != nil {
			dm.setFileStatus(task, i, DownloadCancelled, "")
			continue
		}
		if fileExists(dst) {
			size := fileSize(dst)
			dm.update(task, func(s *DownloadState) {
				s.Files[i].Status = DownloadDone
				s.Files[i].Downloaded = size
				s.Files[i].Total = size
			})
			continue
		}
		url := baseURL + "/" + task.state.Files[i].Name
		if err := dm.downloadOne(ctx, task, i, url, dst); err != nil {
			runErr = err
			break
		}
	}

	dm.update(task, func(s *DownloadState) {
		switch {
		case ctx.Err() != nil:
			s.Status = DownloadCancelled
		case runErr != nil:
			s.Status = DownloadError
			s.Error = runErr.Error()
		default:
			s.Status = DownloadDone
		}
	})

	if dm.logger != nil {
		state := dm.stateOf(task)
		dm.logger.Info("model download finished",
			"repo", state.ModelRepo,
			"status", string(state.Status),
			"error", state.Error,
		)
	}
}

// downloadOne streams one artifact to dst via a .part file that is renamed
// into place only on success, so a cached file is never half-written.
func (dm *DownloadManager) downloadOne(ctx context.Context, task *downloadTask, idx int, url, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	// Partials are always restarted, resume bookkeeping is not worth it
	// for two files.
	part := dst + ".part"
	_ = os.Remove(part)

	dm.update(task, func(s *DownloadState) {
		s.Files[idx].Status = DownloadRunning
		s.Files[idx].Downloaded = 0
		s.Files[idx].Total = -1
		s.Files[idx].Error = ""
	})

	defer func() {
		if err != nil {
			_ = os.Remove(part)
			if ctx.Err() != nil {
				dm.setFileStatus(task, idx, DownloadCancelled, "")
			} else {
				dm.setFileStatus(task, idx, DownloadError, err.Error())
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := dm.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	if resp.ContentLength > 0 {
		dm.update(task, func(s *DownloadState) {
			s.Files[idx].Total = resp.ContentLength
		})
	}

	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}

	buf := make([]byte, downloadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return fmt.Errorf("write partial file: %w", writeErr)
			}
			dm.update(task, func(s *DownloadState) {
				s.Files[idx].Downloaded += int64(n)
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("read body: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}

	if err := os.Rename(part, dst); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}

	dm.update(task, func(s *DownloadState) {
		s.Files[idx].Status = DownloadDone
		if s.Files[idx].Total < 0 {
			s.Files[idx].Total = s.Files[idx].Downloaded
		}
	})
	return nil
}

func (dm *DownloadManager) update(task *downloadTask, fn func(*DownloadState)) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	fn(&task.state)
	task.state.UpdatedAt = time.Now()
}

func (dm *DownloadManager) setFileStatus(task *downloadTask, idx int, status DownloadStatus, errMsg string) {
	dm.update(task, func(s *DownloadState) {
		s.Files[idx].Status = status
		s.Files[idx].Error = errMsg
	})
}

func (dm *DownloadManager) stateOf(task *downloadTask) DownloadState {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return cloneState(&task.state)
}

func cloneState(s *DownloadState) DownloadState {
	out := *s
	out.Files = make([]FileProgress, len(s.Files))
	copy(out.Files, s.Files)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
