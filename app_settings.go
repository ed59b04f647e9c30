package main

import (
	"fmt"
	"io"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/config"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/pipeline"
	"imagery-pipeline/internal/ratelimit"
	"imagery-pipeline/internal/tile"
	"imagery-pipeline/internal/tileapi"
)

// ===================
// Settings Conversion
// ===================

// loggingConfig maps the logging section onto the zerolog setup
func loggingConfig(cfg *config.Config, out io.Writer) logging.Config {
	return logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    out,
	}
}

// clientConfig maps the api section onto the tile client configuration
func clientConfig(cfg *config.Config) tileapi.Config {
	api := cfg.API
	return tileapi.Config{
		BaseURL:           api.BaseURL,
		APIKey:            api.APIKey,
		ResourceType:      api.ResourceType,
		SurveyID:          api.SurveyID,
		ImageFormat:       api.ImageFormat,
		Tertiary:          api.Tertiary,
		Since:             api.Since,
		Until:             api.Until,
		Mosaic:            api.Mosaic,
		Include:           api.Include,
		Exclude:           api.Exclude,
		Timeout:           api.Timeout,
		UserAgent:         api.UserAgent,
		RequestsPerSecond: api.RequestsPerSecond,
		MaxRetries:        api.MaxRetries,
	}
}

// rateLimitMode parses the configured backoff policy
func rateLimitMode(cfg *config.Config) (ratelimit.Mode, error) {
	return ratelimit.ParseMode(cfg.API.RateLimitMode)
}

// pipelineOptions maps the run settings onto pipeline options
func pipelineOptions(cfg *config.Config) (pipeline.Options, error) {
	format, err := common.ParseOutputFormat(cfg.Format)
	if err != nil {
		return pipeline.Options{}, err
	}
	method, err := tile.ParseMethod(cfg.DownloadMethod)
	if err != nil {
		return pipeline.Options{}, err
	}
	mode, err := imagery.ParseMode(cfg.ProcessingMethod)
	if err != nil {
		return pipeline.Options{}, err
	}
	compression, err := common.NormalizeCompression(cfg.Compression)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("%w: %v", imagery.ErrUnsupportedCompression, err)
	}

	return pipeline.Options{
		Input:          cfg.Input,
		OutputDir:      cfg.OutputDir,
		IDField:        cfg.IDField,
		Grouping:       pipeline.Grouping(cfg.Grouping),
		GroupZoom:      cfg.GroupZoom,
		Duplicates:     pipeline.DuplicatePolicy(cfg.Duplicates),
		Zoom:           cfg.Zoom,
		BufferMeters:   cfg.BufferDistance,
		RemoveHoles:    cfg.RemoveHoles,
		Method:         method,
		Format:         format,
		Compression:    compression,
		Quality:        cfg.JPEGQuality,
		Mode:           mode,
		EPSG:           cfg.EPSG,
		KeepTiles:      cfg.KeepTiles,
		Manifest:       cfg.Manifest,
		MaxCores:       cfg.MaxCores,
		MaxThreads:     cfg.MaxThreads,
		ThreadsPerCore: cfg.ThreadsPerCore,
	}, nil
}
