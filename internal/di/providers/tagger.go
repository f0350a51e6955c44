package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/config"
	"github.com/tagify-app/tagify-server/internal/logger"
	"github.com/tagify-app/tagify-server/internal/tagger"
)

// TaggerHandle wraps the model manager with its idle eviction loop for
// lifecycle management.
type TaggerHandle struct {
	*tagger.Manager
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *TaggerHandle) Shutdown() error {
	h.cancel()
	h.CancelLoad()
	h.Unload()
	return nil
}

// ProvideTagger provides the model manager and starts its idle unload loop.
func ProvideTagger(i do.Injector) (*TaggerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	downloads := tagger.NewDownloadManager(cfg.AI.ModelEndpoint, log.Logger)
	manager := tagger.NewManager(downloads, log.Logger)

	// Idle eviction runs for the life of the process.
	ctx, cancel := context.WithCancel(context.Background())
	go manager.RunIdleUnloadLoop(ctx)

	log.Info("Model manager ready", "cache_path", cfg.AI.CachePath)

	return &TaggerHandle{
		Manager: manager,
		cancel:  cancel,
	}, nil
}
