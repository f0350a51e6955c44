package service_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagify-app/tagify-server/internal/blob"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/service"
	"github.com/tagify-app/tagify-server/internal/store"
)

// fakeCanceller records scan cancellation requests during library deletion.
type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelScan(libraryID string) bool {
	f.cancelled = append(f.cancelled, libraryID)
	return false
}

func newLibraryService(t *testing.T) (*service.LibraryService, *store.Store, *blob.MemoryStore, *fakeCanceller) {
	t.Helper()
	s := testStore(t)
	blobs := blob.NewMemoryStore()
	canceller := &fakeCanceller{}
	svc := service.NewLibraryService(s, blobs, canceller, discardLogger())
	return svc, s, blobs, canceller
}

func TestLibraryCreate(t *testing.T) {
	svc, s, _, _ := newLibraryService(t)
	ctx := context.Background()

	root := t.TempDir()
	lib, err := svc.Create(ctx, &service.CreateLibraryRequest{Name: "Photos", Path: root})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lib.ID, "lib-"))
	assert.Equal(t, "Photos", lib.Name)
	assert.Equal(t, root, lib.Path)
	assert.False(t, lib.CreatedAt.IsZero())

	stored, err := s.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, lib.ID, stored.ID)
}

func TestLibraryCreate_NameDefaultsToBase(t *testing.T) {
	svc, _, _, _ := newLibraryService(t)

	root := t.TempDir()
	lib, err := svc.Create(context.Background(), &service.CreateLibraryRequest{Path: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), lib.Name)
}

func TestLibraryCreate_Validation(t *testing.T) {
	svc, _, _, _ := newLibraryService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &service.CreateLibraryRequest{Path: ""})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.Create(ctx, &service.CreateLibraryRequest{Path: "/nonexistent/tagify-test"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// A file is not a library root.
	file := filepath.Join(t.TempDir(), "single.png")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))
	_, err = svc.Create(ctx, &service.CreateLibraryRequest{Path: file})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLibraryList(t *testing.T) {
	svc, _, _, _ := newLibraryService(t)
	ctx := context.Background()

	libs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, libs)

	_, err = svc.Create(ctx, &service.CreateLibraryRequest{Path: t.TempDir()})
	require.NoError(t, err)
	_, err = svc.Create(ctx, &service.CreateLibraryRequest{Path: t.TempDir()})
	require.NoError(t, err)

	libs, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, libs, 2)
}

func TestLibraryDelete_Cascades(t *testing.T) {
	svc, s, blobs, canceller := newLibraryService(t)
	ctx := context.Background()

	lib, err := svc.Create(ctx, &service.CreateLibraryRequest{Path: t.TempDir()})
	require.NoError(t, err)

	// Catalog an image with blobs under the library's prefix.
	key := blob.OriginalKey(lib.ID, "a.png")
	require.NoError(t, blobs.PutOriginal(ctx, key, bytes.NewReader([]byte("img")), 3, "image/png"))
	require.NoError(t, blobs.PutThumb(ctx, blob.ThumbKey(lib.ID, "a.png"), bytes.NewReader([]byte("thumb")), 5))
	require.NoError(t, s.UpsertScanned(ctx, &store.ScannedImage{
		LibraryID:   lib.ID,
		RelPath:     "a.png",
		Path:        "/photos/a.png",
		OriginalKey: key,
	}))

	require.NoError(t, svc.Delete(ctx, lib.ID))

	assert.Equal(t, []string{lib.ID}, canceller.cancelled)
	_, err = s.Libraries.Get(ctx, lib.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	imgs, err := s.ImagesByLibrary(ctx, lib.ID)
	require.NoError(t, err)
	assert.Empty(t, imgs)
	assert.Zero(t, blobs.OriginalCount())
	assert.Zero(t, blobs.ThumbCount())
}

func TestLibraryDelete_Unknown(t *testing.T) {
	svc, _, _, _ := newLibraryService(t)
	err := svc.Delete(context.Background(), "lib-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
