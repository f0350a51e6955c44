package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagify-app/tagify-server/internal/domain"
	"github.com/tagify-app/tagify-server/internal/store"
)

func scannedFixture(libraryID, relPath string) *store.ScannedImage {
	now := time.Now()
	return &store.ScannedImage{
		LibraryID:   libraryID,
		RelPath:     relPath,
		Path:        "/photos/" + relPath,
		Size:        1024,
		Width:       800,
		Height:      600,
		CTime:       now,
		MTime:       now,
		OriginalKey: libraryID + "/" + relPath,
		ThumbKey:    libraryID + "/" + relPath + ".jpg",
		BlurHash:    "LEHV6nWB2yk8",
	}
}

func TestUpsertScanned_InsertsWithDefaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := scannedFixture("lib-1", "a.jpg")
	require.NoError(t, s.UpsertScanned(ctx, rec))

	img, err := s.GetImage(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, "lib-1", img.LibraryID)
	assert.Equal(t, "a.jpg", img.RelPath)
	assert.NotNil(t, img.Tags)
	assert.Empty(t, img.Tags)
	assert.False(t, img.HasTags)
	assert.False(t, img.HasAITags)
}

func TestUpsertScanned_PreservesTagsOnRescan(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := scannedFixture("lib-1", "a.jpg")
	require.NoError(t, s.UpsertScanned(ctx, rec))

	// Simulate a tagging pass.
	meta := &domain.AIMeta{ModelRepo: "org/model", Caption: "a cat", UpdatedAt: time.Now()}
	require.NoError(t, s.MergeAITags(ctx, rec.ID(), meta, []string{"cat", "outdoors"}, "general"))

	// Rescan the same file with refreshed metadata.
	rec2 := scannedFixture("lib-1", "a.jpg")
	rec2.Size = 2048
	require.NoError(t, s.UpsertScanned(ctx, rec2))

	img, err := s.GetImage(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2048), img.Size)
	assert.ElementsMatch(t, []string{"cat", "outdoors"}, img.Tags)
	assert.True(t, img.HasTags)
	assert.True(t, img.HasAITags)
	assert.Equal(t, "general", img.Rating)
	require.NotNil(t, img.AI)
	assert.Equal(t, "org/model", img.AI.ModelRepo)
}

func TestBulkUpsertScanned(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	recs := []*store.ScannedImage{
		scannedFixture("lib-1", "a.jpg"),
		scannedFixture("lib-1", "b.jpg"),
		scannedFixture("lib-2", "c.jpg"),
	}
	require.NoError(t, s.BulkUpsertScanned(ctx, recs))

	images, err := s.ImagesByLibrary(ctx, "lib-1")
	require.NoError(t, err)
	assert.Len(t, images, 2)

	ids, err := s.ImageIDsByLibrary(ctx, "lib-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"lib-2:c.jpg"}, ids)
}

func TestMergeAITags_UnionsTags(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := scannedFixture("lib-1", "a.jpg")
	require.NoError(t, s.UpsertScanned(ctx, rec))

	require.NoError(t, s.MergeAITags(ctx, rec.ID(), &domain.AIMeta{}, []string{"cat"}, "general"))
	require.NoError(t, s.MergeAITags(ctx, rec.ID(), &domain.AIMeta{}, []string{"cat", "sky"}, "general"))

	img, err := s.GetImage(ctx, rec.ID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cat", "sky"}, img.Tags)
}

func TestMergeAITags_NotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.MergeAITags(context.Background(), "lib-1:missing.jpg", &domain.AIMeta{}, nil, "-")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindUntagged(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, rel := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		require.NoError(t, s.UpsertScanned(ctx, scannedFixture("lib-1", rel)))
	}
	// Tag one of them.
	require.NoError(t, s.MergeAITags(ctx, "lib-1:b.jpg", &domain.AIMeta{}, []string{"cat"}, "general"))

	ids, err := s.FindUntagged(ctx, 10, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lib-1:a.jpg", "lib-1:c.jpg"}, ids)

	// Limit applies.
	ids, err = s.FindUntagged(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// Library scoping.
	ids, err = s.FindUntagged(ctx, 10, "lib-other")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClearAITags_KeepsManualTags(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := scannedFixture("lib-1", "a.jpg")
	require.NoError(t, s.UpsertScanned(ctx, rec))
	require.NoError(t, s.MergeAITags(ctx, rec.ID(),
		&domain.AIMeta{ModelRepo: "org/model"},
		[]string{"cat", "manual:favorite"}, "general"))

	cleared, err := s.ClearAITags(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	img, err := s.GetImage(ctx, rec.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"manual:favorite"}, img.Tags)
	assert.True(t, img.HasTags)
	assert.False(t, img.HasAITags)
	assert.Nil(t, img.AI)
	assert.Equal(t, domain.RatingNone, img.Rating)
}

func TestUpdateScanState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lib := &domain.Library{ID: "lib-1", Name: "Photos", Path: "/photos"}
	require.NoError(t, s.Libraries.Create(ctx, lib.ID, lib))

	require.NoError(t, s.UpdateScanState(ctx, lib.ID, func(st *domain.ScanState) {
		st.Scanning = true
		st.Total = 10
		st.Done = 4
	}))

	got, err := s.Libraries.Get(ctx, lib.ID)
	require.NoError(t, err)
	assert.True(t, got.Scan.Scanning)
	assert.Equal(t, 10, got.Scan.Total)
	assert.Equal(t, 4, got.Scan.Done)

	err = s.UpdateScanState(ctx, "missing", func(st *domain.ScanState) {})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteLibrary_Cascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	lib := &domain.Library{ID: "lib-1", Name: "Photos", Path: "/photos"}
	require.NoError(t, s.Libraries.Create(ctx, lib.ID, lib))
	require.NoError(t, s.UpsertScanned(ctx, scannedFixture("lib-1", "a.jpg")))
	require.NoError(t, s.UpsertScanned(ctx, scannedFixture("lib-1", "b.jpg")))

	require.NoError(t, s.DeleteLibrary(ctx, "lib-1"))

	_, err := s.Libraries.Get(ctx, "lib-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	ids, err := s.ImageIDsByLibrary(ctx, "lib-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
