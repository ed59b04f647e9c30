package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imagery.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func required() map[string]interface{} {
	return map[string]interface{}{
		"input":       "parcels.geojson",
		"api.api_key": "k",
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("", required())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Zoom != 19 || cfg.Format != "tif" || cfg.ProcessingMethod != "none" || cfg.EPSG != 4326 || cfg.GroupZoom != 13 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.API.RateLimitMode != "slow" || cfg.API.Timeout != 60*time.Second {
		t.Errorf("api defaults = %+v", cfg.API)
	}
	if !cfg.Manifest || cfg.Cache.Enabled || cfg.Telemetry.Enabled {
		t.Errorf("flags = manifest %v cache %v telemetry %v", cfg.Manifest, cfg.Cache.Enabled, cfg.Telemetry.Enabled)
	}
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, `
input: file.geojson
zoom: 18
format: png
api:
  api_key: from-file
  rate_limit_mode: fast
  timeout: 5s
cache:
  enabled: true
  max_size_mb: 10
`)
	t.Setenv("IMAGERY_ZOOM", "17")
	t.Setenv("IMAGERY_API__API_KEY", "from-env")
	t.Setenv("IMAGERY_KEEP_TILES", "true")

	cfg, err := Load(path, map[string]interface{}{"output_dir": "flag-out"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Input != "file.geojson" || cfg.Format != "png" {
		t.Errorf("file layer not applied: %+v", cfg)
	}
	if cfg.Zoom != 17 || cfg.API.APIKey != "from-env" || !cfg.KeepTiles {
		t.Errorf("env layer not applied: zoom %d key %s keep %v", cfg.Zoom, cfg.API.APIKey, cfg.KeepTiles)
	}
	if cfg.OutputDir != "flag-out" {
		t.Errorf("override not applied: %s", cfg.OutputDir)
	}
	if cfg.API.RateLimitMode != "fast" || cfg.API.Timeout != 5*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if !cfg.Cache.Enabled || cfg.Cache.MaxSizeMB != 10 || cfg.Cache.TTLDays != 30 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), required()); err == nil {
		t.Error("Load() accepted a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing key", func(c *Config) { c.API.APIKey = "" }, "API.APIKey is required"},
		{"zoom", func(c *Config) { c.Zoom = 24 }, "Zoom must be at most 23"},
		{"format", func(c *Config) { c.Format = "gif" }, "Format must be one of"},
		{"mode", func(c *Config) { c.API.RateLimitMode = "turbo" }, "RateLimitMode"},
		{"jpg compression", func(c *Config) { c.Format, c.Compression = "jpg", "LZW" }, "unsupported compression"},
		{"native zstd", func(c *Config) { c.Compression = "ZSTD" }, "native backend"},
		{"backend", func(c *Config) { c.Backend = "magick" }, "unknown mosaic backend"},
		{"group zoom", func(c *Config) { c.Grouping, c.GroupZoom = "quadkey", 20 }, "deeper than zoom"},
		{"since", func(c *Config) { c.API.Since = "last week" }, "since"},
		{"resource", func(c *Config) { c.API.ResourceType = "Up" }, "resource type"},
		{"telemetry key", func(c *Config) { c.Telemetry.Enabled = true }, "Telemetry.APIKey is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			c.Input, c.API.APIKey = "in.geojson", "k"
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	c := DefaultConfig()
	c.Input, c.API.APIKey = "in.geojson", "k"
	c.Format, c.Compression = "jpg", "JPEG"
	if err := c.Validate(); err != nil {
		t.Errorf("jpg with JPEG compression rejected: %v", err)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := map[string]string{
		"IMAGERY_ZOOM":                 "zoom",
		"IMAGERY_API__RATE_LIMIT_MODE": "api.rate_limit_mode",
		"IMAGERY_CACHE__MAX_SIZE_MB":   "cache.max_size_mb",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%s) = %s, want %s", in, got, want)
		}
	}
}
