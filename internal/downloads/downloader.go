package downloads

import (
	"context"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sync/semaphore"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/tile"
)

// Fetcher downloads a single tile; tileapi.Client implements it
type Fetcher interface {
	Download(ctx context.Context, t tile.Tile, dir string) common.TileDownloadResult
}

// Unit is one work unit: a feature's tiles or a quadkey bucket
type Unit struct {
	Key   string
	FID   string
	Tiles []tile.Tile
	// Dir receives the tile files; empty keeps tiles in memory
	Dir string
}

// Downloader fetches the tiles of a unit with a bounded number of workers
type Downloader struct {
	fetcher          Fetcher
	maxWorkers       int
	progressCallback func(DownloadProgress)
}

// NewDownloader creates a downloader running up to maxWorkers fetches at once
func NewDownloader(fetcher Fetcher, maxWorkers int, progressCallback func(DownloadProgress)) *Downloader {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}
	return &Downloader{
		fetcher:          fetcher,
		maxWorkers:       maxWorkers,
		progressCallback: progressCallback,
	}
}

// emitProgress emits download progress if callback is set
func (d *Downloader) emitProgress(progress DownloadProgress) {
	if d.progressCallback != nil {
		d.progressCallback(progress)
	}
}

// Download fetches every tile of unit and returns one result per tile in
// ascending (y, x) order. Failed tiles are logged and returned as
// OutcomeFailed; the error is only set when the unit could not start.
func (d *Downloader) Download(ctx context.Context, unit Unit) ([]common.TileDownloadResult, Summary, error) {
	var summary Summary
	if unit.Dir != "" {
		if err := os.MkdirAll(unit.Dir, 0755); err != nil {
			return nil, summary, fmt.Errorf("failed to create tiles directory: %w", err)
		}
	}

	total := len(unit.Tiles)
	resultChan := make(chan common.TileDownloadResult, total)
	sem := semaphore.NewWeighted(int64(d.maxWorkers))

	go func() {
		for _, t := range unit.Tiles {
			if err := ValidateTileCoordinates(t.Z, t.X, t.Y); err != nil {
				resultChan <- common.Failed(t, 0, "invalid tile: %w", err)
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				resultChan <- common.Failed(t, 0, "not started: %w", err)
				continue
			}
			go func(t tile.Tile) {
				defer sem.Release(1)
				resultChan <- d.fetcher.Download(ctx, t, unit.Dir)
			}(t)
		}
	}()

	l := logging.Component("download")
	results := make([]common.TileDownloadResult, 0, total)
	for len(results) < total {
		r := <-resultChan
		r.Group, r.FID = unit.Key, unit.FID
		summary.Add(r)
		results = append(results, r)

		if r.Outcome == common.OutcomeFailed {
			l.Warn().
				Str("unit", unit.Key).
				Str("fid", unit.FID).
				Str("tile", r.Tile.String()).
				Int("attempts", r.Attempts).
				Err(r.Err).
				Msg("tile failed")
		}

		d.emitProgress(DownloadProgress{
			Unit:       unit.Key,
			Downloaded: len(results),
			Total:      total,
			Percent:    len(results) * 100 / total,
			Status:     fmt.Sprintf("Downloading %d/%d tiles", len(results), total),
		})
	}

	slices.SortFunc(results, func(a, b common.TileDownloadResult) int {
		return tile.Compare(a.Tile, b.Tile)
	})
	return results, summary, nil
}
