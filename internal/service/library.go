package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/domain"
	apperrors "github.com/tagify-app/tagify-server/internal/errors"
	"github.com/tagify-app/tagify-server/internal/id"
	"github.com/tagify-app/tagify-server/internal/store"
)

// ScanCanceller lets library deletion stop an in-flight scan first.
type ScanCanceller interface {
	CancelScan(libraryID string) bool
}

// CreateLibraryRequest is the input for registering a library.
type CreateLibraryRequest struct {
	Name string `json:"name" validate:"omitempty,max=200"`
	Path string `json:"path" validate:"required"`
}

// LibraryService manages library records and their cascading deletion.
type LibraryService struct {
	store   *store.Store
	blobs   blob.Store
	scanner ScanCanceller
	logger  *slog.Logger
}

// NewLibraryService creates a library service.
func NewLibraryService(st *store.Store, blobs blob.Store, scanner ScanCanceller, logger *slog.Logger) *LibraryService {
	return &LibraryService{
		store:   st,
		blobs:   blobs,
		scanner: scanner,
		logger:  logger,
	}
}

// Create registers a directory as a library. The path must exist and be a
// directory.
func (s *LibraryService) Create(ctx context.Context, req *CreateLibraryRequest) (*domain.Library, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("invalid path: %v", err))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("path %s is not accessible", absPath))
	}
	if !info.IsDir() {
		return nil, apperrors.Validation(fmt.Sprintf("path %s is not a directory", absPath))
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(absPath)
	}

	lib := &domain.Library{
		ID:        id.MustGenerate("lib"),
		Name:      name,
		Path:      absPath,
		CreatedAt: time.Now(),
	}
	if err := s.store.Libraries.Create(ctx, lib.ID, lib); err != nil {
		return nil, err
	}

	s.logger.Info("library created", "library_id", lib.ID, "path", absPath)
	return lib, nil
}

// Get returns a library by id.
func (s *LibraryService) Get(ctx context.Context, libraryID string) (*domain.Library, error) {
	return s.store.Libraries.Get(ctx, libraryID)
}

// List returns all libraries.
func (s *LibraryService) List(ctx context.Context) ([]*domain.Library, error) {
	var libs []*domain.Library
	for lib, err := range s.store.Libraries.List(ctx) {
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

// Delete removes a library, its image records, and every stored blob under
// its prefix. A running scan is cancelled first.
func (s *LibraryService) Delete(ctx context.Context, libraryID string) error {
	if _, err := s.store.Libraries.Get(ctx, libraryID); err != nil {
		return err
	}

	if s.scanner != nil {
		s.scanner.CancelScan(libraryID)
	}

	if err := s.blobs.DeleteLibraryPrefix(ctx, libraryID); err != nil {
		return fmt.Errorf("delete library blobs: %w", err)
	}
	if err := s.store.DeleteLibrary(ctx, libraryID); err != nil {
		return err
	}

	s.logger.Info("library deleted", "library_id", libraryID)
	return nil
}
