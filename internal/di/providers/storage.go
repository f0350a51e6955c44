package providers

import (
	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/blob"
	"github.com/tagify-app/tagify-server/internal/config"
	"github.com/tagify-app/tagify-server/internal/logger"
)

// ProvideBlobStore provides object storage for originals and thumbnails.
func ProvideBlobStore(i do.Injector) (blob.Store, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Storage.InMemory {
		log.Warn("using in-memory object storage, blobs will not survive restarts")
		return blob.NewMemoryStore(), nil
	}

	store, err := blob.NewMinioStore(blob.Config{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKey:       cfg.Storage.AccessKey,
		SecretKey:       cfg.Storage.SecretKey,
		UseSSL:          cfg.Storage.UseSSL,
		OriginalsBucket: cfg.Storage.OriginalsBucket,
		ThumbsBucket:    cfg.Storage.ThumbsBucket,
	})
	if err != nil {
		return nil, err
	}

	log.Info("Object storage ready",
		"endpoint", cfg.Storage.Endpoint,
		"originals_bucket", cfg.Storage.OriginalsBucket,
		"thumbs_bucket", cfg.Storage.ThumbsBucket,
	)

	return store, nil
}
