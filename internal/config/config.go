package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Catalog service configuration
	Catalog struct {
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		Region       string        `yaml:"region"`
		PageSize     int           `yaml:"page_size"`
		RequestDelay time.Duration `yaml:"request_delay"`
	} `yaml:"catalog"`

	// Database configuration
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Sync settings
	Sync struct {
		StalenessWindow time.Duration `yaml:"staleness_window"`
		BatchSize       int           `yaml:"batch_size"`
		Workers         int           `yaml:"workers"`
		Interval        time.Duration `yaml:"interval"`
		OfflineLimit    int           `yaml:"offline_limit"`
	} `yaml:"sync"`
}

// Load loads configuration from a file (if specified) and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Catalog.URL = "https://api.audible.com"
	cfg.Catalog.Region = "us"
	cfg.Catalog.PageSize = 50
	cfg.Catalog.RequestDelay = 200 * time.Millisecond
	cfg.Database.Path = "./data/booksync.db"
	cfg.Sync.StalenessWindow = 6 * time.Hour
	cfg.Sync.BatchSize = 20
	cfg.Sync.Workers = 8
	cfg.Sync.OfflineLimit = 10

	// Load configuration from file first (if specified)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override the file
	if port := getEnv("PORT", ""); port != "" {
		cfg.Server.Port = port
	}
	if timeout := getDurationFromEnv("SHUTDOWN_TIMEOUT", 0); timeout > 0 {
		cfg.Server.ShutdownTimeout = timeout
	}
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Logging.Level = level
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Logging.Format = format
	}
	if url := getEnv("CATALOG_URL", ""); url != "" {
		cfg.Catalog.URL = url
	}
	if token := getEnv("CATALOG_TOKEN", ""); token != "" {
		cfg.Catalog.Token = token
	}
	if region := getEnv("CATALOG_REGION", ""); region != "" {
		cfg.Catalog.Region = region
	}
	if pageSize := getIntFromEnv("CATALOG_PAGE_SIZE", 0); pageSize > 0 {
		cfg.Catalog.PageSize = pageSize
	}
	if delay := getDurationFromEnv("CATALOG_REQUEST_DELAY", 0); delay > 0 {
		cfg.Catalog.RequestDelay = delay
	}
	if path := getEnv("DATABASE_PATH", ""); path != "" {
		cfg.Database.Path = path
	}
	if window := getDurationFromEnv("SYNC_STALENESS_WINDOW", 0); window > 0 {
		cfg.Sync.StalenessWindow = window
	}
	if batchSize := getIntFromEnv("SYNC_BATCH_SIZE", 0); batchSize > 0 {
		cfg.Sync.BatchSize = batchSize
	}
	if workers := getIntFromEnv("SYNC_WORKERS", 0); workers > 0 {
		cfg.Sync.Workers = workers
	}
	if interval := getDurationFromEnv("SYNC_INTERVAL", 0); interval > 0 {
		cfg.Sync.Interval = interval
	}
	if limit := getIntFromEnv("SYNC_OFFLINE_LIMIT", 0); limit > 0 {
		cfg.Sync.OfflineLimit = limit
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Catalog.URL == "" {
		return fmt.Errorf("catalog URL is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync worker count must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.StalenessWindow <= 0 {
		return fmt.Errorf("sync staleness window must be positive, got %v", c.Sync.StalenessWindow)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
