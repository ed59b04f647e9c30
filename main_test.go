package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTileEdgesCommand(t *testing.T) {
	out, err := execute(t, "tile-edges", "1", "1", "1")
	if err != nil {
		t.Fatalf("tile-edges error = %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", out, err)
	}
	if got["west"] != 0.0 || got["east"] != 180.0 || got["north"] != 0.0 || got["quadkey"] != "3" {
		t.Errorf("tile-edges 1 1 1 = %v", got)
	}

	if _, err := execute(t, "tile-edges", "4", "0", "1"); err == nil {
		t.Error("tile-edges accepted x outside the grid")
	}
}

func TestCoverCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.geojson")
	doc := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"id":"a"},
		"geometry":{"type":"Polygon","coordinates":[[[-87.7312,41.7908],[-87.7308,41.7908],[-87.7308,41.7912],[-87.7312,41.7912],[-87.7312,41.7908]]]}}]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "cover", "--input", path, "--zoom", "17")
	if err != nil {
		t.Fatalf("cover error = %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection([]byte(strings.TrimSpace(out)))
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) == 0 || len(fc.Features) > 4 {
		t.Fatalf("cover produced %d tiles", len(fc.Features))
	}
	if fc.Features[0].Properties.MustString("id") != "a" || fc.Features[0].Properties.MustFloat64("zoom") != 17 {
		t.Errorf("properties = %v", fc.Features[0].Properties)
	}
}

func TestRunCommandRequiresKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("IMAGERY_API__API_KEY", "")
	if _, err := execute(t, "run", "--input", "missing.geojson"); err == nil ||
		!strings.Contains(err.Error(), "APIKey") {
		t.Errorf("run without key = %v, want an APIKey validation error", err)
	}
}

func TestCacheStatsCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "cache", "stats", "--dir", dir)
	if err != nil {
		t.Fatalf("cache stats error = %v", err)
	}
	var stats CacheStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if stats.Entries != 0 || stats.CachePath == "" {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := execute(t, "cache", "clear", "--dir", dir); err != nil {
		t.Errorf("cache clear error = %v", err)
	}
}
