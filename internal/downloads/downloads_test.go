package downloads

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/tile"
)

type fakeFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeFetcher) Download(ctx context.Context, t tile.Tile, dir string) common.TileDownloadResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	switch t.X % 3 {
	case 1:
		return common.NotFound(t, 1)
	case 2:
		return common.Failed(t, 2, "status 403")
	}
	return common.TileDownloadResult{Tile: t, Outcome: common.OutcomeSuccess, Path: filepath.Join(dir, t.String()+".jpg"), Attempts: 1}
}

func unitTiles(n int) []tile.Tile {
	var tiles []tile.Tile
	for i := n - 1; i >= 0; i-- {
		tiles = append(tiles, tile.Tile{X: i, Y: i % 2, Z: 10})
	}
	return tiles
}

func TestDownloadBoundedAndOrdered(t *testing.T) {
	f := &fakeFetcher{delay: 5 * time.Millisecond}
	var mu sync.Mutex
	var progress []DownloadProgress
	d := NewDownloader(f, 3, func(p DownloadProgress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	unit := Unit{Key: "42", FID: "42", Tiles: unitTiles(12), Dir: filepath.Join(t.TempDir(), "tiles", "42")}
	results, summary, err := d.Download(context.Background(), unit)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 12 {
		t.Fatalf("results = %d", len(results))
	}
	if p := f.peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if summary.OK != 4 || summary.NotFound != 4 || summary.Failed != 4 || summary.Total() != 12 {
		t.Errorf("summary = %+v", summary)
	}

	for i := 1; i < len(results); i++ {
		if tile.Less(results[i].Tile, results[i-1].Tile) {
			t.Fatalf("results not in (y, x) order at %d: %v after %v", i, results[i].Tile, results[i-1].Tile)
		}
	}
	for _, r := range results {
		if r.Group != "42" || r.FID != "42" {
			t.Errorf("result %v missing unit labels", r.Tile)
		}
	}

	if len(progress) != 12 || progress[11].Percent != 100 || progress[11].Downloaded != 12 {
		t.Errorf("last progress = %+v of %d", progress[len(progress)-1], len(progress))
	}
}

func TestDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDownloader(&fakeFetcher{}, 1, nil)
	results, summary, err := d.Download(ctx, Unit{Key: "q", Tiles: unitTiles(4)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	cancelled := 0
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			cancelled++
		}
	}
	if cancelled == 0 || summary.Failed < cancelled {
		t.Errorf("cancelled = %d, summary = %+v", cancelled, summary)
	}
}

func TestValidateTileCoordinates(t *testing.T) {
	tests := []struct {
		z, x, y int
		ok      bool
	}{
		{0, 0, 0, true},
		{19, 119799, 215845, true},
		{24, 0, 0, false},
		{2, 4, 0, false},
		{2, 0, -1, false},
	}
	for _, tt := range tests {
		err := ValidateTileCoordinates(tt.z, tt.x, tt.y)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTileCoordinates(%d, %d, %d) = %v", tt.z, tt.x, tt.y, err)
		}
	}
}

func TestDownloadRejectsOutOfRangeTiles(t *testing.T) {
	f := &fakeFetcher{}
	d := NewDownloader(f, 2, nil)
	unit := Unit{Key: "7", Tiles: []tile.Tile{{X: 3, Y: 0, Z: 2}, {X: 4, Y: 0, Z: 2}, {X: 0, Y: -1, Z: 2}}}

	results, summary, err := d.Download(context.Background(), unit)
	if err != nil {
		t.Fatal(err)
	}
	if summary.OK != 1 || summary.Failed != 2 {
		t.Errorf("summary = %+v, want 1 ok and 2 failed", summary)
	}
	if f.peak.Load() != 1 {
		t.Errorf("fetcher peak = %d, out-of-range tiles should never be fetched", f.peak.Load())
	}
	for _, r := range results {
		if r.Outcome == common.OutcomeFailed && r.Attempts != 0 {
			t.Errorf("tile %s attempts = %d, want 0", r.Tile, r.Attempts)
		}
	}
}

func TestValidateOutputPath(t *testing.T) {
	base := t.TempDir()
	if err := ValidateOutputPath(base, filepath.Join(base, "a", "b.tif")); err != nil {
		t.Errorf("nested path rejected: %v", err)
	}
	if err := ValidateOutputPath(base, filepath.Join(base, "..", "evil.tif")); err == nil {
		t.Error("escape not detected")
	}
	if err := ValidateOutputPath(base, filepath.Join(base, "..name.tif")); err != nil {
		t.Errorf("dotted file name rejected: %v", err)
	}
}

func TestSummaryMerge(t *testing.T) {
	var s Summary
	s.Add(common.TileDownloadResult{Outcome: common.OutcomeSuccess, FromCache: true})
	s.Add(common.TileDownloadResult{Outcome: common.OutcomeFailed})
	var total Summary
	total.Merge(s)
	total.Merge(s)
	if total.OK != 2 || total.Failed != 2 || total.FromCache != 2 || total.Total() != 4 {
		t.Errorf("total = %+v", total)
	}
}
