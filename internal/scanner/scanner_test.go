package scanner_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/scanner"
	"github.com/tagify-app/tagify-server/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "scanner-test-*")
	require.NoError(t, err)

	s, err := store.New(filepath.Join(tmpDir, "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return s
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// newTestService wires a scanner against a temp catalog, an in-memory blob
// store, and a library rooted at a fresh temp directory.
func newTestService(t *testing.T) (*scanner.Service, *store.Store, *blob.MemoryStore, *domain.Library) {
	t.Helper()

	s := testStore(t)
	blobs := blob.NewMemoryStore()

	root := t.TempDir()
	lib := &domain.Library{
		ID:        "lib-test",
		Name:      "Test",
		Path:      root,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Libraries.Create(context.Background(), lib.ID, lib))

	svc := scanner.NewService(s, blobs, slog.New(slog.DiscardHandler), scanner.Options{
		Workers:   2,
		BatchSize: 2,
	})
	return svc, s, blobs, lib
}

// scanAndWait starts a scan and polls until it settles.
func scanAndWait(t *testing.T, svc *scanner.Service, s *store.Store, libraryID string) *domain.ScanState {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.StartScan(ctx, libraryID))

	deadline := time.Now().Add(15 * time.Second)
	for {
		state, err := svc.Progress(ctx, libraryID)
		require.NoError(t, err)
		if !state.Scanning && !svc.Scanning(libraryID) {
			return state
		}
		require.True(t, time.Now().Before(deadline), "scan never finished")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScan_CatalogsImages(t *testing.T) {
	svc, s, blobs, lib := newTestService(t)
	ctx := context.Background()

	writePNG(t, filepath.Join(lib.Path, "a.png"), 32, 24)
	writePNG(t, filepath.Join(lib.Path, "sub", "b.png"), 16, 16)
	require.NoError(t, os.WriteFile(filepath.Join(lib.Path, "notes.txt"), []byte("skip me"), 0o644))

	state := scanAndWait(t, svc, s, lib.ID)
	assert.Equal(t, 2, state.Total)
	assert.Equal(t, 2, state.Done)
	assert.Zero(t, state.FailedCount)
	assert.Empty(t, state.Error)
	assert.Equal(t, 2, state.IndexedCount)
	require.NotNil(t, state.LastScanned)

	img, err := s.GetImage(ctx, domain.ImageID(lib.ID, "sub/b.png"))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 16, img.Height)
	assert.Equal(t, lib.ID+"/sub/b.png", img.OriginalKey)
	assert.Equal(t, lib.ID+"/sub/b.png.jpg", img.ThumbKey)
	assert.NotEmpty(t, img.BlurHash)
	assert.NotNil(t, img.Tags)
	assert.Empty(t, img.Tags)

	assert.Equal(t, 2, blobs.OriginalCount())
	assert.Equal(t, 2, blobs.ThumbCount())
	assert.True(t, blobs.HasOriginal(lib.ID+"/a.png"))
}

func TestScan_UndecodableFileStillCataloged(t *testing.T) {
	svc, s, blobs, lib := newTestService(t)
	ctx := context.Background()

	// Image extension, garbage bytes. The record lands without dimensions
	// or a thumbnail.
	require.NoError(t, os.WriteFile(filepath.Join(lib.Path, "broken.jpg"), []byte("not a jpeg"), 0o644))

	state := scanAndWait(t, svc, s, lib.ID)
	assert.Equal(t, 1, state.Done)
	assert.Zero(t, state.FailedCount)

	img, err := s.GetImage(ctx, domain.ImageID(lib.ID, "broken.jpg"))
	require.NoError(t, err)
	assert.Zero(t, img.Width)
	assert.Empty(t, img.ThumbKey)
	assert.True(t, blobs.HasOriginal(lib.ID+"/broken.jpg"))
	assert.Zero(t, blobs.ThumbCount())
}

func TestScan_RescanPreservesTags(t *testing.T) {
	svc, s, _, lib := newTestService(t)
	ctx := context.Background()

	writePNG(t, filepath.Join(lib.Path, "a.png"), 32, 24)
	scanAndWait(t, svc, s, lib.ID)

	imageID := domain.ImageID(lib.ID, "a.png")
	meta := &domain.AIMeta{ModelRepo: "org/model", Caption: "sky"}
	require.NoError(t, s.MergeAITags(ctx, imageID, meta, []string{"sky"}, "general"))

	state := scanAndWait(t, svc, s, lib.ID)
	assert.Equal(t, 1, state.Done)

	img, err := s.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Contains(t, img.Tags, "sky")
	assert.True(t, img.HasAITags)
	assert.Equal(t, "general", img.Rating)
	require.NotNil(t, img.AI)
}

func TestScan_ReconcilesDeletedFiles(t *testing.T) {
	svc, s, blobs, lib := newTestService(t)
	ctx := context.Background()

	writePNG(t, filepath.Join(lib.Path, "keep.png"), 16, 16)
	writePNG(t, filepath.Join(lib.Path, "gone.png"), 16, 16)
	scanAndWait(t, svc, s, lib.ID)
	require.Equal(t, 2, blobs.OriginalCount())

	require.NoError(t, os.Remove(filepath.Join(lib.Path, "gone.png")))
	scanAndWait(t, svc, s, lib.ID)

	_, err := s.GetImage(ctx, domain.ImageID(lib.ID, "gone.png"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetImage(ctx, domain.ImageID(lib.ID, "keep.png"))
	assert.NoError(t, err)

	assert.Equal(t, 1, blobs.OriginalCount())
	assert.False(t, blobs.HasOriginal(lib.ID+"/gone.png"))
}

func TestStartScan_RejectsConcurrentScan(t *testing.T) {
	svc, _, _, lib := newTestService(t)
	ctx := context.Background()

	// Enough files that the first scan is still running when the second
	// request lands.
	for i := range 40 {
		writePNG(t, filepath.Join(lib.Path, "img", string(rune('a'+i%26))+string(rune('0'+i/26))+".png"), 64, 64)
	}

	require.NoError(t, svc.StartScan(ctx, lib.ID))
	err := svc.StartScan(ctx, lib.ID)
	if err != nil {
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	}

	require.True(t, svc.CancelScan(lib.ID) || !svc.Scanning(lib.ID))
	svc.Stop()
}

func TestStartScan_UnknownLibrary(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	err := svc.StartScan(context.Background(), "lib-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartScan_MissingPath(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	ctx := context.Background()

	lib := &domain.Library{ID: "lib-bad", Name: "Bad", Path: "/nonexistent/tagify-test"}
	require.NoError(t, s.Libraries.Create(ctx, lib.ID, lib))

	err := svc.StartScan(ctx, lib.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCancelScan_Idle(t *testing.T) {
	svc, _, _, lib := newTestService(t)
	assert.False(t, svc.CancelScan(lib.ID))
	assert.False(t, svc.Scanning(lib.ID))
}

// gatedBlobStore wraps the memory store so a test can let a set number of
// original uploads through and block the rest until cancellation.
type gatedBlobStore struct {
	*blob.MemoryStore
	mu      sync.Mutex
	gated   bool
	allowed int
	blocked chan struct{}
	release chan struct{}
}

func newGatedBlobStore() *gatedBlobStore {
	return &gatedBlobStore{
		MemoryStore: blob.NewMemoryStore(),
		blocked:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedBlobStore) gate(allowed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gated = true
	g.allowed = allowed
}

func (g *gatedBlobStore) PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	g.mu.Lock()
	wait := g.gated && g.allowed <= 0
	if g.gated && !wait {
		g.allowed--
	}
	g.mu.Unlock()

	if wait {
		select {
		case g.blocked <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.release:
		}
	}
	return g.MemoryStore.PutOriginal(ctx, key, r, size, contentType)
}

func gatedTestService(t *testing.T, opts scanner.Options) (*scanner.Service, *store.Store, *gatedBlobStore, *domain.Library) {
	t.Helper()

	s := testStore(t)
	blobs := newGatedBlobStore()

	lib := &domain.Library{
		ID:        "lib-test",
		Name:      "Test",
		Path:      t.TempDir(),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Libraries.Create(context.Background(), lib.ID, lib))

	svc := scanner.NewService(s, blobs, slog.New(slog.DiscardHandler), opts)
	return svc, s, blobs, lib
}

func TestCancelledRescanKeepsLastScanOutcome(t *testing.T) {
	svc, s, blobs, lib := gatedTestService(t, scanner.Options{Workers: 1, BatchSize: 10})
	ctx := context.Background()

	writePNG(t, filepath.Join(lib.Path, "a.png"), 16, 16)
	first := scanAndWait(t, svc, s, lib.ID)
	require.NotNil(t, first.LastScanned)
	require.Equal(t, 1, first.IndexedCount)

	// Rescan with uploads blocked, then cancel mid-flight.
	blobs.gate(0)
	require.NoError(t, svc.StartScan(ctx, lib.ID))

	during, err := svc.Progress(ctx, lib.ID)
	require.NoError(t, err)
	assert.True(t, during.Scanning)
	require.NotNil(t, during.LastScanned)
	assert.Equal(t, 1, during.IndexedCount)

	<-blobs.blocked
	require.True(t, svc.CancelScan(lib.ID))
	svc.Stop()

	state, err := svc.Progress(ctx, lib.ID)
	require.NoError(t, err)
	assert.False(t, state.Scanning)
	assert.Equal(t, "cancelled", state.Error)
	require.NotNil(t, state.LastScanned)
	assert.Equal(t, first.LastScanned.Unix(), state.LastScanned.Unix())
	assert.Equal(t, 1, state.IndexedCount)
}

func TestCancelPersistsCompletedBatch(t *testing.T) {
	// One worker so a.png fully lands in the pending batch before b.png
	// blocks; a batch bigger than the library so nothing flushes early.
	svc, s, blobs, lib := gatedTestService(t, scanner.Options{Workers: 1, BatchSize: 50})
	ctx := context.Background()

	writePNG(t, filepath.Join(lib.Path, "a.png"), 16, 16)
	writePNG(t, filepath.Join(lib.Path, "b.png"), 16, 16)
	blobs.gate(1)

	require.NoError(t, svc.StartScan(ctx, lib.ID))
	<-blobs.blocked
	require.True(t, svc.CancelScan(lib.ID))
	svc.Stop()

	// The already-uploaded record still reached the catalog.
	img, err := s.GetImage(ctx, domain.ImageID(lib.ID, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, lib.ID+"/a.png", img.OriginalKey)

	state, err := svc.Progress(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", state.Error)
	assert.Equal(t, 1, state.Done)
	assert.Equal(t, 1, state.FailedCount)
	for _, sample := range state.FailedSamples {
		assert.NotEqual(t, "persist", sample.Stage)
	}
}

func TestCancelScan_MarksStateCancelled(t *testing.T) {
	svc, _, _, lib := newTestService(t)
	ctx := context.Background()

	for i := range 60 {
		writePNG(t, filepath.Join(lib.Path, "img", string(rune('a'+i%26))+string(rune('0'+i/26))+".png"), 64, 64)
	}

	require.NoError(t, svc.StartScan(ctx, lib.ID))
	cancelled := svc.CancelScan(lib.ID)
	svc.Stop()

	state, err := svc.Progress(ctx, lib.ID)
	require.NoError(t, err)
	assert.False(t, state.Scanning)
	if cancelled && state.Error != "" {
		assert.Equal(t, "cancelled", state.Error)
		assert.Nil(t, state.LastScanned)
	}
}
