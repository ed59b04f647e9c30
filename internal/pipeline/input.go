package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/tile"
	"imagery-pipeline/internal/utils/naming"
)

// Feature is one input polygon with its tile cover
type Feature struct {
	ID       int    // sequence number among kept features
	FID      string // value of the id field
	Geometry orb.Geometry
	Mercator orb.Geometry
	Tiles    []tile.Tile
	// Shape is the covered shape in WGS84, used as the cutline
	Shape orb.MultiPolygon
}

// Source is one input file and the folder its outputs go to
type Source struct {
	Path       string
	ProjectDir string
}

// Sources expands the input into files. A single file writes straight into
// outputDir; each file of a directory gets its own project folder.
func Sources(input, outputDir string) ([]Source, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if !info.IsDir() {
		if !isGeoJSON(input) {
			return nil, fmt.Errorf("input %s is not a .geojson file", input)
		}
		return []Source{{Path: input, ProjectDir: outputDir}}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var sources []Source
	for _, e := range entries {
		if e.IsDir() || !isGeoJSON(e.Name()) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		sources = append(sources, Source{
			Path:       filepath.Join(input, e.Name()),
			ProjectDir: filepath.Join(outputDir, naming.ProjectFolder(stem)),
		})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no .geojson files in %s", input)
	}
	return sources, nil
}

func isGeoJSON(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".geojson")
}

// RawFeature is a decoded input feature before covering
type RawFeature struct {
	FID      string
	Geometry orb.Geometry
	Mercator bool
}

// ReadFeatures decodes a GeoJSON file. A legacy crs member naming
// EPSG:3857 marks the coordinates as Web Mercator.
func ReadFeatures(path, idField string) ([]RawFeature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	mercator := isMercatorCRS(fc.ExtraMembers["crs"])
	features := make([]RawFeature, 0, len(fc.Features))
	for i, f := range fc.Features {
		features = append(features, RawFeature{
			FID:      featureID(f, idField, i),
			Geometry: f.Geometry,
			Mercator: mercator,
		})
	}
	return features, nil
}

func isMercatorCRS(crs interface{}) bool {
	if crs == nil {
		return false
	}
	s := fmt.Sprint(crs)
	return strings.Contains(s, "3857") || strings.Contains(s, "900913")
}

// featureID reads the id field; the feature's own id member backs up an
// "id" field, and the position backs up everything else
func featureID(f *geojson.Feature, idField string, index int) string {
	v, ok := f.Properties[idField]
	if (!ok || v == nil) && idField == "id" {
		v = f.ID
	}
	switch id := v.(type) {
	case nil:
		return strconv.Itoa(index)
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

// Dedupe applies the duplicate policy. With DuplicatesError any repeated id
// fails the whole input before anything is downloaded.
func Dedupe(raw []RawFeature, policy DuplicatePolicy) ([]RawFeature, error) {
	seen := make(map[string]bool, len(raw))
	kept := make([]RawFeature, 0, len(raw))
	var dupes []string
	for _, f := range raw {
		if seen[f.FID] {
			dupes = append(dupes, f.FID)
			continue
		}
		seen[f.FID] = true
		kept = append(kept, f)
	}
	if len(dupes) == 0 {
		return kept, nil
	}
	if policy == DuplicatesError {
		slices.Sort(dupes)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFID, strings.Join(slices.Compact(dupes), ", "))
	}
	l := logging.Component("pipeline")
	l.Info().
		Int("kept", len(kept)).
		Int("records", len(raw)).
		Int("skipped", len(dupes)).
		Msg("skipping duplicate feature ids")
	return kept, nil
}

// CoverFeatures computes each feature's tiles. A feature whose geometry
// cannot be covered is logged and dropped; it does not consume an id.
func CoverFeatures(raw []RawFeature, opts tile.CoverOptions) []Feature {
	l := logging.Component("pipeline")
	features := make([]Feature, 0, len(raw))
	for _, r := range raw {
		if r.Geometry == nil {
			l.Warn().Str("fid", r.FID).Msg("feature has no geometry, skipped")
			continue
		}

		wgs, merc := r.Geometry, r.Geometry
		if r.Mercator {
			wgs = project.Geometry(orb.Clone(r.Geometry), project.Mercator.ToWGS84)
		} else {
			merc = project.Geometry(orb.Clone(r.Geometry), project.WGS84.ToMercator)
		}

		cover, err := tile.CoverGeometry(wgs, opts)
		if err != nil {
			l.Warn().Str("fid", r.FID).Err(err).Msg("feature skipped")
			continue
		}
		if len(cover.Tiles) == 0 {
			l.Warn().Str("fid", r.FID).Msg("feature covers no tiles, skipped")
			continue
		}

		features = append(features, Feature{
			ID:       len(features),
			FID:      r.FID,
			Geometry: wgs,
			Mercator: merc,
			Tiles:    cover.Tiles,
			Shape:    cover.Shape,
		})
	}
	return features
}
