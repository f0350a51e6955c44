package service_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/service"
	"github.com/tagify-app/tagify-server/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "service-test-*")
	require.NoError(t, err)

	s, err := store.New(filepath.Join(tmpDir, "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeIdleConfigurable records idle-unload pushes from the settings service.
type fakeIdleConfigurable struct {
	mu    sync.Mutex
	last  time.Duration
	calls int
}

func (f *fakeIdleConfigurable) SetIdleUnload(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = d
	f.calls++
}

func ptr[T any](v T) *T { return &v }

func TestSettingsGet_PersistsDefaults(t *testing.T) {
	s := testStore(t)
	svc := service.NewSettingsService(s, nil, discardLogger())
	ctx := context.Background()

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultAISettings(), *got)

	// First read wrote the document.
	stored, err := s.Settings.Get(ctx, "ai")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultAISettings(), *stored)
}

func TestSettingsGet_FillsEmptyFieldsFromDefaults(t *testing.T) {
	s := testStore(t)
	svc := service.NewSettingsService(s, nil, discardLogger())
	ctx := context.Background()

	// Simulate a document written before these fields existed.
	partial := domain.DefaultAISettings()
	partial.ModelRepo = ""
	partial.CacheDir = "  "
	require.NoError(t, s.Settings.Upsert(ctx, "ai", &partial))

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultAISettings().ModelRepo, got.ModelRepo)
	assert.Equal(t, domain.DefaultAISettings().CacheDir, got.CacheDir)
}

func TestSettingsPatch_AppliesFields(t *testing.T) {
	s := testStore(t)
	svc := service.NewSettingsService(s, nil, discardLogger())
	ctx := context.Background()

	got, err := svc.Patch(ctx, &service.AISettingsPatch{
		ModelRepo:     ptr("  SmilingWolf/wd-eva02-large-tagger-v3  "),
		GeneralThresh: ptr(0.5),
		GeneralMCut:   ptr(true),
		MaxGeneral:    ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "SmilingWolf/wd-eva02-large-tagger-v3", got.ModelRepo)
	assert.Equal(t, 0.5, got.GeneralThresh)
	assert.True(t, got.GeneralMCut)
	assert.Equal(t, 10, got.MaxGeneral)
	// Untouched fields keep their defaults.
	assert.Equal(t, domain.DefaultAISettings().CharacterThresh, got.CharacterThresh)
	assert.Equal(t, domain.DefaultAISettings().IdleUnloadS, got.IdleUnloadS)

	// The merge persisted.
	again, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestSettingsPatch_ZeroValuesAreExpressible(t *testing.T) {
	s := testStore(t)
	svc := service.NewSettingsService(s, nil, discardLogger())
	ctx := context.Background()

	// Seed a non-default state first.
	_, err := svc.Patch(ctx, &service.AISettingsPatch{
		GeneralMCut: ptr(true),
		MaxGeneral:  ptr(10),
	})
	require.NoError(t, err)

	got, err := svc.Patch(ctx, &service.AISettingsPatch{
		GeneralMCut:   ptr(false),
		MaxGeneral:    ptr(0),
		GeneralThresh: ptr(0.0),
	})
	require.NoError(t, err)
	assert.False(t, got.GeneralMCut)
	assert.Zero(t, got.MaxGeneral)
	assert.Zero(t, got.GeneralThresh)
}

func TestSettingsPatch_Validation(t *testing.T) {
	s := testStore(t)
	svc := service.NewSettingsService(s, nil, discardLogger())
	ctx := context.Background()

	cases := []struct {
		name  string
		patch *service.AISettingsPatch
	}{
		{"threshold above one", &service.AISettingsPatch{GeneralThresh: ptr(1.5)}},
		{"negative threshold", &service.AISettingsPatch{CharacterThresh: ptr(-0.1)}},
		{"repo without owner", &service.AISettingsPatch{ModelRepo: ptr("wd-vit-tagger-v3")}},
		{"negative idle", &service.AISettingsPatch{IdleUnloadS: ptr(-5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Patch(ctx, tc.patch)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	// Nothing was persisted by the failed patches.
	_, err := s.Settings.Get(ctx, "ai")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettingsPatch_PushesIdleUnload(t *testing.T) {
	s := testStore(t)
	idle := &fakeIdleConfigurable{}
	svc := service.NewSettingsService(s, idle, discardLogger())
	ctx := context.Background()

	_, err := svc.Patch(ctx, &service.AISettingsPatch{GeneralThresh: ptr(0.4)})
	require.NoError(t, err)

	idle.mu.Lock()
	assert.Zero(t, idle.calls, "idle unload pushed without an idle change")
	idle.mu.Unlock()

	_, err = svc.Patch(ctx, &service.AISettingsPatch{IdleUnloadS: ptr(0)})
	require.NoError(t, err)

	idle.mu.Lock()
	assert.Equal(t, 1, idle.calls)
	assert.Equal(t, time.Duration(0), idle.last)
	idle.mu.Unlock()
}
