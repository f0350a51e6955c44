// Package di provides dependency injection configuration for the Tagify server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/config"
	"github.com/tagify-app/tagify-server/internal/di/providers"
	"github.com/tagify-app/tagify-server/internal/logger"
	"github.com/tagify-app/tagify-server/internal/scanner"
	"github.com/tagify-app/tagify-server/internal/service"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)

	// Storage layer
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideBlobStore)

	// Model layer
	do.Provide(injector, providers.ProvideTagger)

	// Business services
	do.Provide(injector, providers.ProvideSettingsService)
	do.Provide(injector, providers.ProvideLibraryService)

	// Workers
	do.Provide(injector, providers.ProvideScanner)
	do.Provide(injector, providers.ProvideTaggingManager)

	return injector
}

// Bootstrap initializes all services and returns handles for lifecycle management.
// This triggers lazy initialization of all core services.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*config.Config](injector)
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*providers.StoreHandle](injector)
	_ = do.MustInvoke[*providers.TaggerHandle](injector)
	_ = do.MustInvoke[*service.SettingsService](injector)
	_ = do.MustInvoke[*scanner.Service](injector)
	_ = do.MustInvoke[*service.LibraryService](injector)
	_ = do.MustInvoke[*providers.TaggingHandle](injector)

	return nil
}
