// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	App     AppConfig
	Logger  LoggerConfig
	Data    DataConfig
	Storage StorageConfig
	Scanner ScannerConfig
	AI      AIConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// DataConfig holds local data storage configuration.
type DataConfig struct {
	// BasePath is the directory for the catalog database and caches.
	BasePath string
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	OriginalsBucket string
	ThumbsBucket    string
	// InMemory swaps MinIO for an in-process store; useful for development
	// without an object storage server.
	InMemory bool
}

// ScannerConfig holds library scan configuration.
type ScannerConfig struct {
	// Workers is the number of concurrent file processors per scan.
	// Zero sizes the pool from available parallelism (default: 0)
	Workers int
	// BatchSize is how many files are flushed to the catalog per write (default: 50)
	BatchSize int
	// CancelWait is how long a cancel request waits for the scan to drain (default: 5s)
	CancelWait time.Duration
}

// AIConfig holds ML tagging configuration.
type AIConfig struct {
	// ModelEndpoint overrides the Hugging Face endpoint for model downloads
	ModelEndpoint string
	// CachePath is the directory for downloaded model artifacts (default: {data}/cache/models)
	CachePath string
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	// Define command-line flags.
	env := flag.String("env", "", "Environment (development, staging, production)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dataPath := flag.String("data-path", "", "Base path for local data storage")

	// Storage flags
	storageEndpoint := flag.String("storage-endpoint", "", "Object storage endpoint (host:port)")
	storageAccessKey := flag.String("storage-access-key", "", "Object storage access key")
	storageSecretKey := flag.String("storage-secret-key", "", "Object storage secret key")
	storageUseSSL := flag.String("storage-use-ssl", "", "Use TLS for object storage (default: false)")
	originalsBucket := flag.String("originals-bucket", "", "Bucket for image originals (default: tagify-originals)")
	thumbsBucket := flag.String("thumbs-bucket", "", "Bucket for thumbnails (default: tagify-thumbs)")
	storageInMemory := flag.String("storage-in-memory", "", "Use in-process object storage (default: false)")

	// Scanner flags
	scanWorkers := flag.String("scan-workers", "", "Concurrent file processors per scan (default: 0, sized from CPUs)")
	scanBatchSize := flag.String("scan-batch-size", "", "Catalog flush batch size (default: 50)")
	scanCancelWait := flag.String("scan-cancel-wait", "", "Wait for a cancelled scan to drain (default: 5s)")

	// AI flags
	modelEndpoint := flag.String("model-endpoint", "", "Model download endpoint (default: huggingface.co)")
	modelCachePath := flag.String("model-cache-path", "", "Path for downloaded model artifacts")

	envFile := flag.String("env-file", ".env", "Path to .env file")

	// Parse flags but don't exit on error - we want to handle it gracefully.
	flag.Parse()

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	// Build config with proper precedence.
	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Data: DataConfig{
			BasePath: getConfigValue(*dataPath, "DATA_PATH", ""),
		},
		Storage: StorageConfig{
			Endpoint:        getConfigValue(*storageEndpoint, "STORAGE_ENDPOINT", "localhost:9000"),
			AccessKey:       getConfigValue(*storageAccessKey, "STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey:       getConfigValue(*storageSecretKey, "STORAGE_SECRET_KEY", "minioadmin"),
			UseSSL:          getBoolConfigValue(*storageUseSSL, "STORAGE_USE_SSL", false),
			OriginalsBucket: getConfigValue(*originalsBucket, "STORAGE_ORIGINALS_BUCKET", "tagify-originals"),
			ThumbsBucket:    getConfigValue(*thumbsBucket, "STORAGE_THUMBS_BUCKET", "tagify-thumbs"),
			InMemory:        getBoolConfigValue(*storageInMemory, "STORAGE_IN_MEMORY", false),
		},
		Scanner: ScannerConfig{
			Workers:   getIntConfigValue(*scanWorkers, "SCAN_WORKERS", 0),
			BatchSize: getIntConfigValue(*scanBatchSize, "SCAN_BATCH_SIZE", 50),
		},
		AI: AIConfig{
			ModelEndpoint: getConfigValue(*modelEndpoint, "HF_ENDPOINT", ""),
			CachePath:     getConfigValue(*modelCachePath, "MODEL_CACHE_PATH", ""),
		},
	}

	// Parse scan cancel wait.
	cancelWaitStr := getConfigValue(*scanCancelWait, "SCAN_CANCEL_WAIT", "5s")
	cancelWait, err := time.ParseDuration(cancelWaitStr)
	if err != nil {
		return nil, fmt.Errorf("invalid scan cancel wait %q: %w", cancelWaitStr, err)
	}
	cfg.Scanner.CancelWait = cancelWait

	// Expand and validate data path.
	if err := cfg.expandDataPath(); err != nil {
		return nil, fmt.Errorf("invalid data path: %w", err)
	}

	// Expand model cache path (defaults to {data}/cache/models).
	if err := cfg.expandModelCachePath(); err != nil {
		return nil, fmt.Errorf("invalid model cache path: %w", err)
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	if c.App.Environment == "" {
		return errors.New("ENV is required")
	}

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Data.BasePath == "" {
		return errors.New("data base path cannot be empty after expansion")
	}

	if !c.Storage.InMemory {
		if c.Storage.Endpoint == "" {
			return errors.New("storage endpoint is required")
		}
		if c.Storage.OriginalsBucket == "" || c.Storage.ThumbsBucket == "" {
			return errors.New("storage bucket names are required")
		}
	}

	if c.Scanner.Workers < 0 {
		return fmt.Errorf("scan workers cannot be negative, got %d", c.Scanner.Workers)
	}
	if c.Scanner.BatchSize < 1 {
		return fmt.Errorf("scan batch size must be at least 1, got %d", c.Scanner.BatchSize)
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Make absolute if needed.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDataPath expands ~ and makes the path absolute.
func (c *Config) expandDataPath() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	defaultPath := filepath.Join(homeDir, "Tagify", "data")

	expanded, err := expandPath(c.Data.BasePath, defaultPath)
	if err != nil {
		return err
	}
	c.Data.BasePath = expanded
	return nil
}

// expandModelCachePath expands ~ and makes the path absolute.
// Defaults to {data}/cache/models if not specified.
func (c *Config) expandModelCachePath() error {
	defaultPath := filepath.Join(c.Data.BasePath, "cache", "models")

	expanded, err := expandPath(c.AI.CachePath, defaultPath)
	if err != nil {
		return err
	}
	c.AI.CachePath = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	// Priority 1: Command-line flag.
	if flagValue != "" {
		return flagValue
	}

	// Priority 2: Environment variable.
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	// Priority 3: Default value.
	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=value.
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present.
		value = strings.Trim(value, `"'`)

		// Only set if not already set (env vars take precedence over .env file).
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
