package pipeline

import (
	"errors"
	"fmt"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/downloads"
	"imagery-pipeline/internal/imagery"
	"imagery-pipeline/internal/taskqueue"
	"imagery-pipeline/internal/tile"
)

// Grouping selects what a work unit is
type Grouping string

const (
	// GroupByFeature makes one unit, and one output, per input feature
	GroupByFeature Grouping = "feature"
	// GroupByQuadkey unions every cover and buckets it by quadkey prefix
	GroupByQuadkey Grouping = "quadkey"
)

// DuplicatePolicy decides what happens to repeated id values
type DuplicatePolicy string

const (
	DuplicatesError DuplicatePolicy = "error"
	DuplicatesSkip  DuplicatePolicy = "skip"
)

var ErrDuplicateFID = errors.New("duplicate feature id")

// Options configures a run
type Options struct {
	// Input is a GeoJSON file or a directory of .geojson files
	Input     string
	OutputDir string

	IDField    string
	Grouping   Grouping
	GroupZoom  int
	Duplicates DuplicatePolicy

	Zoom         int
	BufferMeters float64
	RemoveHoles  bool
	Method       tile.Method

	Format      common.OutputFormat
	Compression string
	Quality     int
	Mode        imagery.Mode
	EPSG        int

	KeepTiles bool
	Manifest  bool

	MaxCores       int
	MaxThreads     int
	ThreadsPerCore int
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	format, _ := common.ParseOutputFormat("tif")
	return Options{
		IDField:     "id",
		Grouping:    GroupByFeature,
		GroupZoom:   13,
		Duplicates:  DuplicatesSkip,
		Zoom:        19,
		Method:      tile.MethodGeometry,
		Format:      format,
		Compression: "NONE",
		Quality:     75,
		Mode:        imagery.ModeNone,
		EPSG:        4326,
		Manifest:    true,
	}
}

// Validate checks option combinations that the config layer cannot express
// as tags
func (o *Options) Validate() error {
	if o.Input == "" {
		return fmt.Errorf("input path is required")
	}
	if o.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := downloads.ValidateZoom(o.Zoom); err != nil {
		return err
	}
	switch o.Grouping {
	case GroupByFeature:
	case GroupByQuadkey:
		if o.GroupZoom < 1 || o.GroupZoom > tile.MaxZoom {
			return fmt.Errorf("group zoom %d out of range [1, %d]", o.GroupZoom, tile.MaxZoom)
		}
	default:
		return fmt.Errorf("unknown grouping %q (must be feature or quadkey)", o.Grouping)
	}
	switch o.Duplicates {
	case DuplicatesError, DuplicatesSkip:
	default:
		return fmt.Errorf("unknown duplicates policy %q (must be error or skip)", o.Duplicates)
	}
	if o.Format.Ext == "" {
		return fmt.Errorf("output format is required")
	}
	if o.Format.Raster() {
		if _, err := o.Format.CreationOptions(o.Compression, o.Quality); err != nil {
			return fmt.Errorf("%w: %v", imagery.ErrUnsupportedCompression, err)
		}
	}
	if o.EPSG != 4326 && o.EPSG != 3857 {
		return fmt.Errorf("output epsg %d not supported (must be 4326 or 3857)", o.EPSG)
	}
	return nil
}

func (o *Options) threadsPerCore() int {
	if o.ThreadsPerCore > 0 {
		return o.ThreadsPerCore
	}
	if o.Grouping == GroupByQuadkey {
		return taskqueue.DefaultQuadkeyThreadsPerCore
	}
	return taskqueue.DefaultFeatureThreadsPerCore
}

func (o *Options) groupField() string {
	if o.Grouping == GroupByQuadkey {
		return "quadkey"
	}
	return o.IDField
}
