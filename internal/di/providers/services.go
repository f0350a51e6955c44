package providers

import (
	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/logger"
	"github.com/tagify-app/tagify-server/internal/scanner"
	"github.com/tagify-app/tagify-server/internal/service"
)

// ProvideSettingsService provides the AI settings service.
func ProvideSettingsService(i do.Injector) (*service.SettingsService, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	taggerHandle := do.MustInvoke[*TaggerHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewSettingsService(storeHandle.Store, taggerHandle.Manager, log.Logger), nil
}

// ProvideLibraryService provides the library service.
func ProvideLibraryService(i do.Injector) (*service.LibraryService, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	blobs := do.MustInvoke[blob.Store](i)
	scan := do.MustInvoke[*scanner.Service](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewLibraryService(storeHandle.Store, blobs, scan, log.Logger), nil
}
