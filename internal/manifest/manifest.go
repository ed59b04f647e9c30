// Package manifest records what a run fetched as GeoJSON: one polygon per
// tile (or per skipped output) in manifest.geojson and one dissolved extent
// per group key in manifest_extents.geojson.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/samber/lo"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/geometry"
	"imagery-pipeline/internal/tile"
)

const (
	FileName        = "manifest.geojson"
	ExtentsFileName = "manifest_extents.geojson"

	// QuadkeyField names the group property when grouping by quadkey
	QuadkeyField = "quadkey"
)

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error)      { return gojson.Marshal(v) }
func (codec) Unmarshal(data []byte, v interface{}) error { return gojson.Unmarshal(data, v) }

func init() {
	geojson.CustomJSONMarshaler = codec{}
	geojson.CustomJSONUnmarshaler = codec{}
}

// Record is one manifest row
type Record struct {
	ID      int // feature sequence number, or bucket index for quadkey grouping
	Key     string
	Tile    tile.Tile
	Success bool
	File    string
	Bound   orb.Bound
}

// FromResult builds the record of a downloaded tile
func FromResult(id int, r common.TileDownloadResult) Record {
	return Record{
		ID:      id,
		Key:     r.Group,
		Tile:    r.Tile,
		Success: r.Succeeded(),
		File:    r.Path,
		Bound:   r.Bound(),
	}
}

// Existing builds the single record reported for a unit whose output was
// already on disk: zero tile coordinates, the unit's bounding box, success.
func Existing(id int, key string, bound orb.Bound, file string) Record {
	return Record{ID: id, Key: key, Success: true, File: file, Bound: bound}
}

// Collector accumulates records. It is owned by a single goroutine.
type Collector struct {
	groupField string
	records    []Record
}

// NewCollector creates a collector; groupField is the id field name or
// QuadkeyField
func NewCollector(groupField string) *Collector {
	if groupField == "" {
		groupField = QuadkeyField
	}
	return &Collector{groupField: groupField}
}

// Add appends records
func (c *Collector) Add(records ...Record) {
	c.records = append(c.records, records...)
}

// AddResults appends one record per tile result
func (c *Collector) AddResults(id int, results []common.TileDownloadResult) {
	for _, r := range results {
		c.records = append(c.records, FromResult(id, r))
	}
}

// Len returns the number of records
func (c *Collector) Len() int {
	return len(c.records)
}

// Successes returns the number of successful records
func (c *Collector) Successes() int {
	return lo.CountBy(c.records, func(r Record) bool { return r.Success })
}

// Records returns the records sorted by group key, then (y, x)
func (c *Collector) Records() []Record {
	out := slices.Clone(c.records)
	slices.SortStableFunc(out, func(a, b Record) int {
		if k := strings.Compare(a.Key, b.Key); k != 0 {
			return k
		}
		return tile.Compare(a.Tile, b.Tile)
	})
	return out
}

// Write stores both manifest files in dir. Nothing is written when no
// record succeeded; written reports which case happened.
func (c *Collector) Write(dir string) (written bool, err error) {
	if c.Successes() == 0 {
		return false, nil
	}
	records := c.Records()

	if err := writeCollection(filepath.Join(dir, FileName), c.features(records)); err != nil {
		return false, err
	}
	extents, err := c.extents(records)
	if err != nil {
		return false, fmt.Errorf("dissolve manifest extents: %w", err)
	}
	if err := writeCollection(filepath.Join(dir, ExtentsFileName), extents); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Collector) properties(r Record) geojson.Properties {
	return geojson.Properties{
		"id":         r.ID,
		c.groupField: r.Key,
		"x":          r.Tile.X,
		"y":          r.Tile.Y,
		"zoom":       r.Tile.Z,
		"success":    r.Success,
		"file":       r.File,
	}
}

func (c *Collector) features(records []Record) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		f := geojson.NewFeature(r.Bound.ToPolygon())
		f.Properties = c.properties(r)
		fc.Append(f)
	}
	return fc
}

// extents dissolves the records of each group key. The first record of a
// group supplies the attributes; success is true when any record succeeded.
func (c *Collector) extents(records []Record) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	groups := lo.GroupBy(records, func(r Record) string { return r.Key })
	keys := lo.Keys(groups)
	slices.Sort(keys)

	for _, key := range keys {
		members := groups[key]
		shapes := lo.Map(members, func(r Record, _ int) orb.Geometry { return r.Bound.ToPolygon() })
		dissolved, err := geometry.UnaryUnion(shapes)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", key, err)
		}

		first := members[0]
		first.Success = lo.SomeBy(members, func(r Record) bool { return r.Success })
		props := c.properties(first)
		delete(props, "file")

		f := geojson.NewFeature(dissolved)
		f.Properties = props
		fc.Append(f)
	}
	return fc, nil
}

func writeCollection(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
