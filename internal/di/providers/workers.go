package providers

import (
	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/config"
	"github.com/tagify-app/tagify-server/internal/logger"
	"github.com/tagify-app/tagify-server/internal/scanner"
	"github.com/tagify-app/tagify-server/internal/service"
	"github.com/tagify-app/tagify-server/internal/tagging"
)

// ProvideScanner provides the library scan service.
func ProvideScanner(i do.Injector) (*scanner.Service, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	blobs := do.MustInvoke[blob.Store](i)
	log := do.MustInvoke[*logger.Logger](i)

	return scanner.NewService(storeHandle.Store, blobs, log.Logger, scanner.Options{
		Workers:    cfg.Scanner.Workers,
		BatchSize:  cfg.Scanner.BatchSize,
		CancelWait: cfg.Scanner.CancelWait,
	}), nil
}

// TaggingHandle wraps the tagging job manager for lifecycle management.
type TaggingHandle struct {
	*tagging.Manager
}

// Shutdown implements do.Shutdownable.
func (h *TaggingHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideTaggingManager provides the tagging job manager and starts its
// worker.
func ProvideTaggingManager(i do.Injector) (*TaggingHandle, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	blobs := do.MustInvoke[blob.Store](i)
	taggerHandle := do.MustInvoke[*TaggerHandle](i)
	settings := do.MustInvoke[*service.SettingsService](i)
	log := do.MustInvoke[*logger.Logger](i)

	manager := tagging.NewManager(storeHandle.Store, blobs, taggerHandle.Manager, settings, log.Logger)
	manager.Start()

	return &TaggingHandle{Manager: manager}, nil
}
