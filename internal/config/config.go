// Package config loads the run configuration from defaults, an optional YAML
// file, IMAGERY_* environment variables and command-line overrides.
package config

import (
	"time"

	"imagery-pipeline/internal/cache"
)

// Config is the complete run configuration
type Config struct {
	Input     string `koanf:"input" validate:"required"`
	OutputDir string `koanf:"output_dir" validate:"required"`

	// Feature grouping and duplicate handling
	IDField    string `koanf:"id_field" validate:"required"`
	Grouping   string `koanf:"grouping" validate:"oneof=feature quadkey"`
	GroupZoom  int    `koanf:"group_zoom" validate:"min=1,max=23"`
	Duplicates string `koanf:"duplicates" validate:"oneof=error skip"`

	// Tile cover
	Zoom           int     `koanf:"zoom" validate:"min=0,max=23"`
	BufferDistance float64 `koanf:"buffer_distance"`
	RemoveHoles    bool    `koanf:"remove_holes"`
	DownloadMethod string  `koanf:"download_method" validate:"oneof=geometry bounds bounds_per_feature"`

	// Output
	Format           string `koanf:"format" validate:"oneof=tif tiff jpg jpeg png zip none"`
	Compression      string `koanf:"compression"`
	JPEGQuality      int    `koanf:"jpeg_quality" validate:"min=1,max=100"`
	ProcessingMethod string `koanf:"processing_method" validate:"omitempty,oneof=mask bounds none"`
	EPSG             int    `koanf:"epsg" validate:"oneof=4326 3857"`
	Backend          string `koanf:"backend"`
	KeepTiles        bool   `koanf:"keep_tiles"`
	Manifest         bool   `koanf:"manifest"`

	// Pool sizing; zero means derived from the CPU count
	MaxCores       int `koanf:"max_cores" validate:"min=0"`
	MaxThreads     int `koanf:"max_threads" validate:"min=0"`
	ThreadsPerCore int `koanf:"threads_per_core" validate:"min=0"`

	API       APIConfig       `koanf:"api"`
	Cache     cache.Config    `koanf:"cache"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// APIConfig holds the tile API client settings
type APIConfig struct {
	BaseURL      string `koanf:"base_url" validate:"required,url"`
	APIKey       string `koanf:"api_key" validate:"required"`
	ResourceType string `koanf:"resource_type"`
	SurveyID     string `koanf:"survey_id"`
	ImageFormat  string `koanf:"image_format" validate:"oneof=img jpg png"`

	Tertiary string `koanf:"tertiary"`
	Since    string `koanf:"since"`
	Until    string `koanf:"until"`
	Mosaic   string `koanf:"mosaic"`
	Include  string `koanf:"include"`
	Exclude  string `koanf:"exclude"`

	RateLimitMode     string        `koanf:"rate_limit_mode" validate:"oneof=slow fast"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"min=0"`
	MaxRetries        int           `koanf:"max_retries" validate:"min=0"`
	Timeout           time.Duration `koanf:"timeout"`
	UserAgent         string        `koanf:"user_agent"`
}

// LoggingConfig selects level and format of the zerolog output
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen" validate:"required_if=Enabled true"`
}

// TelemetryConfig controls anonymous usage events. Off unless a key is set
// and enabled is true.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	APIKey   string `koanf:"api_key" validate:"required_if=Enabled true"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// DefaultConfig returns the built-in defaults, the bottom configuration layer
func DefaultConfig() *Config {
	return &Config{
		OutputDir:        "output",
		IDField:          "id",
		Grouping:         "feature",
		GroupZoom:        13,
		Duplicates:       "skip",
		Zoom:             19,
		DownloadMethod:   "geometry",
		Format:           "tif",
		Compression:      "NONE",
		JPEGQuality:      75,
		ProcessingMethod: "none",
		EPSG:             4326,
		Backend:          "native",
		Manifest:         true,
		API: APIConfig{
			BaseURL:       "https://api.nearmap.com/",
			ResourceType:  "Vert",
			ImageFormat:   "img",
			RateLimitMode: "slow",
			Timeout:       60 * time.Second,
		},
		Cache: cache.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Listen: ":9108",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "https://us.i.posthog.com",
		},
	}
}
