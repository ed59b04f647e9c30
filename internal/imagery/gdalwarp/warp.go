//go:build gdal

// Package gdalwarp is the GDAL mosaic backend. Each tile is stamped with its
// lon/lat edges, the tiles are assembled into a VRT in merge order, and the
// VRT is warped against the feature cutline before the final translate.
package gdalwarp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb/geojson"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/logging"
)

const Name = "gdal"

var registerOnce sync.Once

func init() {
	imagery.RegisterBackend(Name, func() (imagery.Merger, error) {
		registerOnce.Do(godal.RegisterAll)
		return &Merger{}, nil
	})
}

// Merger implements imagery.Merger with godal
type Merger struct{}

func (m *Merger) Name() string { return Name }

// Merge georeferences, mosaics and clips the tiles of req. The output is
// always in EPSG:4326.
func (m *Merger) Merge(ctx context.Context, req imagery.MergeRequest) (string, error) {
	if !req.Format.Raster() {
		return "", fmt.Errorf("%w: %s", imagery.ErrUnsupportedFormat, req.Format.Ext)
	}
	creation, err := req.Format.CreationOptions(req.Compression, req.Quality)
	if err != nil {
		return "", fmt.Errorf("%w: %v", imagery.ErrUnsupportedCompression, err)
	}

	scratch := req.ScratchDir
	if scratch == "" {
		if scratch, err = os.MkdirTemp("", "gdalwarp-"); err != nil {
			return "", err
		}
		defer os.RemoveAll(scratch)
	} else if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", err
	}

	stamped, err := georeference(ctx, req.Tiles, scratch)
	if err != nil {
		return "", err
	}

	vrtPath := filepath.Join(scratch, "mosaic.vrt")
	vrt, err := godal.BuildVRT(vrtPath, stamped, []string{"-resolution", "highest", "-overwrite"})
	if err != nil {
		return "", fmt.Errorf("build vrt: %w", err)
	}
	defer vrt.Close()

	switches, err := warpSwitches(req, scratch)
	if err != nil {
		return "", err
	}
	warped, err := godal.Warp(filepath.Join(scratch, "warped.tif"), []*godal.Dataset{vrt}, switches)
	if err != nil {
		return "", fmt.Errorf("warp %s: %w", req.Key, err)
	}
	defer warped.Close()

	out := req.OutputPath()
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", err
	}
	part := out + ".part"
	final, err := warped.Translate(part, []string{"-of", req.Format.Driver}, godal.CreationOption(creation...))
	if err != nil {
		os.Remove(part)
		return "", fmt.Errorf("translate %s: %w", req.Key, err)
	}
	if err := final.Close(); err != nil {
		os.Remove(part)
		return "", err
	}
	// GDAL writes .aux.xml next to non-GTiff outputs; it describes the part file
	os.Remove(part + ".aux.xml")
	if err := os.Rename(part, out); err != nil {
		return "", err
	}

	l := logging.Component("gdalwarp")
	l.Debug().Str("key", req.Key).Int("tiles", len(stamped)).Str("file", out).Msg("mosaic written")
	return out, nil
}

// georeference stamps each successful tile into a scratch GeoTIFF and
// returns the files in ascending (y, x) order
func georeference(ctx context.Context, results []common.TileDownloadResult, scratch string) ([]string, error) {
	var tiles []imagery.GeoTile
	for _, r := range results {
		if r.Succeeded() {
			tiles = append(tiles, imagery.GeoTile{Tile: r.Tile, Path: r.Path, Bounds: imagery.TileBounds(r.Tile)})
		}
	}
	if len(tiles) == 0 {
		return nil, imagery.ErrNoTiles
	}
	imagery.SortTiles(tiles)

	l := logging.Component("gdalwarp")
	files := make([]string, 0, len(tiles))
	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst, err := stamp(t, scratch)
		if err != nil {
			l.Warn().Err(err).Str("tile", t.Tile.String()).Msg("tile not georeferenced, skipped")
			continue
		}
		files = append(files, dst)
	}
	if len(files) == 0 {
		return nil, imagery.ErrNoTiles
	}
	return files, nil
}

func stamp(t imagery.GeoTile, scratch string) (string, error) {
	if t.Path == "" {
		return "", fmt.Errorf("tile %s has no file", t.Tile)
	}
	src, err := godal.Open(t.Path, godal.RasterOnly())
	if err != nil {
		return "", err
	}
	defer src.Close()

	// JPEG tiles keep black as nodata, PNG tiles white
	nodata := "0"
	if filepath.Ext(t.Path) == ".png" {
		nodata = "255"
	}
	e := t.Bounds
	dst := filepath.Join(scratch, t.Tile.String()+".tif")
	ds, err := src.Translate(dst, []string{
		"-of", "GTiff",
		"-a_srs", "EPSG:4326",
		"-a_ullr", ftoa(e[0]), ftoa(e[1]), ftoa(e[2]), ftoa(e[3]),
		"-b", "1", "-b", "2", "-b", "3",
		"-a_nodata", nodata,
	})
	if err != nil {
		return "", err
	}
	return dst, ds.Close()
}

func warpSwitches(req imagery.MergeRequest, scratch string) ([]string, error) {
	switches := []string{"-of", "GTiff", "-overwrite", "-t_srs", "EPSG:4326"}
	if req.Format.Opacity {
		switches = append(switches, "-dstalpha")
	} else {
		switches = append(switches, "-dstnodata", "0")
	}
	if len(req.Cutline) == 0 || req.Mode == imagery.ModeNone {
		return switches, nil
	}

	shape, err := req.ClippedCutline()
	if err != nil {
		return nil, err
	}
	b := shape.Bound()
	switch req.Mode {
	case imagery.ModeMask:
		cut := filepath.Join(scratch, "cutline.geojson")
		fc := geojson.NewFeatureCollection().Append(geojson.NewFeature(shape))
		data, err := fc.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(cut, data, 0644); err != nil {
			return nil, err
		}
		switches = append(switches, "-cutline", cut, "-crop_to_cutline")
	case imagery.ModeBounds:
		switches = append(switches, "-te", ftoa(b.Min.X()), ftoa(b.Min.Y()), ftoa(b.Max.X()), ftoa(b.Max.Y()))
	}
	return switches, nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
