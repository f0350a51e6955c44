// Package service holds the application services that sit between the
// orchestration engines and the catalog.
package service

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/store"
)

// validate is a shared validator instance for request validation.
var validate = func() *validator.Validate {
	v := validator.New()
	// Use JSON tag names for field names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "" {
			return fld.Name
		}
		// Remove any options (like omitempty, -)
		for i := range len(name) {
			if name[i] == ',' {
				return name[:i]
			}
		}
		return name
	})
	return v
}()

// aiSettingsID is the fixed document id for the AI settings record.
const aiSettingsID = "ai"

// IdleConfigurable is the slice of the model manager the settings service
// pushes runtime knobs into.
type IdleConfigurable interface {
	SetIdleUnload(d time.Duration)
}

// AISettingsPatch is a partial update of the AI settings. Nil fields are
// left untouched, so false and zero are expressible.
type AISettingsPatch struct {
	ModelRepo       *string  `json:"model_repo" validate:"omitempty,contains=/"`
	GeneralThresh   *float64 `json:"general_thresh" validate:"omitempty,gte=0,lte=1"`
	CharacterThresh *float64 `json:"character_thresh" validate:"omitempty,gte=0,lte=1"`
	GeneralMCut     *bool    `json:"general_mcut"`
	CharacterMCut   *bool    `json:"character_mcut"`
	MaxGeneral      *int     `json:"max_general" validate:"omitempty,gte=0"`
	MaxCharacter    *int     `json:"max_character" validate:"omitempty,gte=0"`
	IdleUnloadS     *int     `json:"idle_unload_s" validate:"omitempty,gte=0"`
	CacheDir        *string  `json:"cache_dir" validate:"omitempty,min=1"`
}

// SettingsService reads and patches the persisted AI settings and pushes
// runtime knobs into the model manager.
type SettingsService struct {
	store  *store.Store
	tagger IdleConfigurable
	logger *slog.Logger
}

// NewSettingsService creates a settings service.
func NewSettingsService(st *store.Store, tagger IdleConfigurable, logger *slog.Logger) *SettingsService {
	return &SettingsService{
		store:  st,
		tagger: tagger,
		logger: logger,
	}
}

// Get returns the AI settings with defaults filled in. First read persists
// the defaults so later patches have a base document.
func (s *SettingsService) Get(ctx context.Context) (*domain.AISettings, error) {
	settings, err := s.store.Settings.Get(ctx, aiSettingsID)
	if errors.Is(err, store.ErrNotFound) {
		defaults := domain.DefaultAISettings()
		if err := s.store.Settings.Upsert(ctx, aiSettingsID, &defaults); err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}

	// Fields added after the document was first written come back zeroed;
	// fill those from defaults.
	defaults := domain.DefaultAISettings()
	if strings.TrimSpace(settings.ModelRepo) == "" {
		settings.ModelRepo = defaults.ModelRepo
	}
	if strings.TrimSpace(settings.CacheDir) == "" {
		settings.CacheDir = defaults.CacheDir
	}
	return settings, nil
}

// Patch applies a partial settings update and returns the merged result.
// An IdleUnloadS change takes effect on the model manager immediately.
func (s *SettingsService) Patch(ctx context.Context, patch *AISettingsPatch) (*domain.AISettings, error) {
	if err := validate.Struct(patch); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	settings, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	if patch.ModelRepo != nil {
		settings.ModelRepo = strings.TrimSpace(*patch.ModelRepo)
	}
	if patch.GeneralThresh != nil {
		settings.GeneralThresh = *patch.GeneralThresh
	}
	if patch.CharacterThresh != nil {
		settings.CharacterThresh = *patch.CharacterThresh
	}
	if patch.GeneralMCut != nil {
		settings.GeneralMCut = *patch.GeneralMCut
	}
	if patch.CharacterMCut != nil {
		settings.CharacterMCut = *patch.CharacterMCut
	}
	if patch.MaxGeneral != nil {
		settings.MaxGeneral = *patch.MaxGeneral
	}
	if patch.MaxCharacter != nil {
		settings.MaxCharacter = *patch.MaxCharacter
	}
	if patch.IdleUnloadS != nil {
		settings.IdleUnloadS = *patch.IdleUnloadS
	}
	if patch.CacheDir != nil {
		settings.CacheDir = *patch.CacheDir
	}

	if err := s.store.Settings.Upsert(ctx, aiSettingsID, settings); err != nil {
		return nil, err
	}

	if patch.IdleUnloadS != nil && s.tagger != nil {
		s.tagger.SetIdleUnload(time.Duration(settings.IdleUnloadS) * time.Second)
	}

	s.logger.Info("ai settings updated", "model_repo", settings.ModelRepo)
	return settings, nil
}
