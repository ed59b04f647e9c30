package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Config represents cache configuration
type Config struct {
	Enabled   bool   `koanf:"enabled"`
	Dir       string `koanf:"dir"`
	MaxSizeMB int    `koanf:"max_size_mb" validate:"gte=0"`
	TTLDays   int    `koanf:"ttl_days" validate:"gte=0"`
}

// DefaultConfig returns default cache configuration; the cache is off
// unless enabled in the run configuration
func DefaultConfig() Config {
	return Config{
		Dir:       GetCacheDir(),
		MaxSizeMB: 2048,
		TTLDays:   30,
	}
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "imagery-pipeline", "tiles")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "imagery-pipeline", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "imagery-pipeline", "tiles")
	}
}
