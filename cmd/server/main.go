// Package main provides the entry point for the Tagify server application.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/tagify-app/tagify-server/internal/di"
	"github.com/tagify-app/tagify-server/internal/di/providers"
	"github.com/tagify-app/tagify-server/internal/logger"
	"github.com/tagify-app/tagify-server/internal/scanner"
)

func main() {
	// Create DI container
	injector := di.NewContainer()

	// Bootstrap all services
	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap server: %v\n", err)
		os.Exit(1)
	}

	// Get logger for shutdown messages
	log := do.MustInvoke[*logger.Logger](injector)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server gracefully...")

	// Running scans must drain before the catalog closes.
	if scan, err := do.Invoke[*scanner.Service](injector); err == nil {
		scan.Stop()
	}

	// Shutdown all services in reverse order
	// The DI container handles shutdown order automatically
	if err := injector.Shutdown(); err != nil {
		log.Error("Shutdown error", "error", err)
	}

	// Database uses a wrapper type, close it explicitly last
	if storeHandle, err := do.Invoke[*providers.StoreHandle](injector); err == nil {
		log.Info("Closing catalog...")
		if err := storeHandle.Shutdown(); err != nil {
			log.Error("Failed to close catalog", "error", err)
		} else {
			log.Info("Catalog closed successfully")
		}
	}

	log.Info("Goodbye")
}
