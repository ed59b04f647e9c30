package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"

	"imagery-pipeline/internal/cache"
	"imagery-pipeline/internal/config"
	"imagery-pipeline/internal/downloads"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/metrics"
	"imagery-pipeline/internal/pipeline"
	"imagery-pipeline/internal/ratelimit"
	"imagery-pipeline/internal/taskqueue"
	"imagery-pipeline/internal/telemetry"
	"imagery-pipeline/internal/tileapi"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

// App owns the long-lived collaborators of one run
type App struct {
	cfg              *config.Config
	runID            string
	rateLimitHandler *ratelimit.Handler
	tileCache        *cache.PersistentTileCache
	client           *tileapi.Client
	merger           imagery.Merger
	tracker          *telemetry.Tracker
}

// NewApp wires the tile client, cache, mosaic backend and telemetry
func NewApp(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, runID: uuid.NewString()}

	a.tracker = &telemetry.Tracker{}
	if cfg.Telemetry.Enabled {
		a.tracker = telemetry.New(cfg.Telemetry.APIKey, cfg.Telemetry.Endpoint, stateDir())
	}

	mode, err := rateLimitMode(cfg)
	if err != nil {
		return nil, err
	}
	a.rateLimitHandler = a.newRateLimitHandler(mode)

	l := logging.Component("app")
	if cfg.Cache.Enabled {
		tc, err := cache.NewPersistentTileCache(cfg.Cache.Dir, cfg.Cache.MaxSizeMB, cfg.Cache.TTLDays)
		if err != nil {
			l.Warn().Err(err).Msg("failed to initialize tile cache, continuing without it")
		} else {
			a.tileCache = tc
			l.Info().Str("dir", cfg.Cache.Dir).Int("max_mb", cfg.Cache.MaxSizeMB).Msg("tile cache initialized")
		}
	}

	a.client, err = tileapi.NewClient(clientConfig(cfg),
		tileapi.WithRateLimitHandler(a.rateLimitHandler),
		tileapi.WithCache(a.tileCache),
		tileapi.WithObserver(metrics.RecordTileRequest),
	)
	if err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("tile client: %w", err)
	}

	if cfg.Format != "zip" && cfg.Format != "none" {
		if a.merger, err = imagery.NewMerger(cfg.Backend); err != nil {
			a.Shutdown()
			return nil, err
		}
	}
	return a, nil
}

// stateDir holds per-install state such as the telemetry id
func stateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "imagery-pipeline")
	}
	return filepath.Join(dir, "imagery-pipeline")
}

// Run executes the configured pipeline
func (a *App) Run(ctx context.Context) error {
	opts, err := pipelineOptions(a.cfg)
	if err != nil {
		return err
	}

	if a.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Listen); err != nil {
				l := logging.Component("metrics")
				l.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	p, err := pipeline.New(opts, a.client, a.merger, pipeline.Hooks{
		OnQueue: func(s taskqueue.QueueStatus) { metrics.SetUnitsRunning(s.RunningTasks) },
		OnUnitDone: func(task *taskqueue.Task, s downloads.Summary) {
			metrics.RecordUnit(string(task.Status))
			metrics.RecordTiles(s.OK, s.NotFound, s.Failed, s.FromCache)
		},
		OnProjectEnd: a.projectFinished,
	})
	if err != nil {
		return err
	}

	backend := "none"
	if a.merger != nil {
		backend = a.merger.Name()
	}
	l := logging.Component("app")
	l.Info().
		Str("run", a.runID).
		Str("input", opts.Input).
		Str("output", opts.OutputDir).
		Int("zoom", opts.Zoom).
		Str("format", opts.Format.Ext).
		Str("backend", backend).
		Str("rate_limit_mode", string(a.rateLimitHandler.Mode())).
		Msg("run started")
	a.tracker.Track("run_started", map[string]interface{}{
		"version":  Version,
		"os":       goruntime.GOOS,
		"arch":     goruntime.GOARCH,
		"grouping": a.cfg.Grouping,
		"format":   a.cfg.Format,
		"backend":  backend,
	})

	start := time.Now()
	report, runErr := p.Run(ctx)

	var tiles downloads.Summary
	if report != nil {
		tiles = report.Tiles()
	}
	event := l.Info()
	if runErr != nil {
		event = l.Error().Err(runErr)
	}
	resource := a.client.Config().ResourceType
	if a.IsRateLimited(resource) {
		if st := a.GetRateLimitStatus(resource); st != nil {
			event = event.Str("throttled", st.Message)
		}
	}
	event.
		Str("run", a.runID).
		Dur("elapsed", time.Since(start)).
		Int("tiles_ok", tiles.OK).
		Int("tiles_missing", tiles.NotFound).
		Int("tiles_failed", tiles.Failed).
		Int("tiles_cached", tiles.FromCache).
		Int("rate_limit_waits", a.rateLimitHandler.TotalEvents()).
		Msg("run finished")

	a.tracker.Track("run_finished", map[string]interface{}{
		"elapsed_s":  time.Since(start).Seconds(),
		"tiles_ok":   tiles.OK,
		"tiles_fail": tiles.Failed,
		"failed":     runErr != nil,
	})
	return runErr
}

func (a *App) projectFinished(pr pipeline.ProjectReport) {
	l := logging.Component("app")
	event := l.Info()
	if pr.Err != nil {
		event = l.Warn().Err(pr.Err)
	}
	event.
		Str("project", pr.ProjectDir).
		Int("units", pr.Units).
		Int("existing", pr.Existing).
		Int("outputs", len(pr.Outputs)).
		Bool("manifest", pr.Manifest).
		Dur("elapsed", pr.Duration).
		Msg("project finished")
}

// Shutdown flushes the cache index and queued telemetry
func (a *App) Shutdown() {
	l := logging.Component("app")
	if a.tileCache != nil {
		if err := a.tileCache.Close(); err != nil {
			l.Warn().Err(err).Msg("failed to flush tile cache")
		}
	}
	if err := a.tracker.Close(); err != nil {
		l.Debug().Err(err).Msg("failed to flush telemetry")
	}
}
