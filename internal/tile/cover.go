package tile

import (
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/paulmach/orb/project"

	"imagery-pipeline/internal/geometry"
)

// Method selects which shape is covered with tiles
type Method string

const (
	MethodGeometry         Method = "geometry"
	MethodBounds           Method = "bounds"
	MethodBoundsPerFeature Method = "bounds_per_feature"
)

// edgeEpsilon is measured in tile units
const edgeEpsilon = 1e-7

var ErrUnsupportedGeometry = geometry.ErrUnsupported

// CoverOptions controls how a feature geometry becomes a tile set
type CoverOptions struct {
	Zoom         int
	BufferMeters float64
	RemoveHoles  bool
	Method       Method
	// Mercator marks input coordinates as EPSG:3857 instead of WGS84
	Mercator bool
}

// Cover is the result of covering one geometry
type Cover struct {
	Tiles []Tile
	// Shape is the covered shape in WGS84 after buffering, hole removal and
	// the bounds method were applied. It is the cutline for masking.
	Shape orb.MultiPolygon
}

// ParseMethod validates a method name; empty means geometry
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodGeometry:
		return MethodGeometry, nil
	case MethodBounds, MethodBoundsPerFeature:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown download method %q (must be geometry, bounds or bounds_per_feature)", s)
}

// CoverGeometry computes the de-duplicated tiles intersecting g
func CoverGeometry(g orb.Geometry, opts CoverOptions) (*Cover, error) {
	if opts.Zoom < 0 || opts.Zoom > MaxZoom {
		return nil, fmt.Errorf("zoom %d out of range [0, %d]", opts.Zoom, MaxZoom)
	}

	polys, err := geometry.Polygons(g)
	if err != nil {
		return nil, err
	}

	merc := polys
	if !opts.Mercator {
		merc = project.MultiPolygon(polys.Clone(), project.WGS84.ToMercator)
	}

	if opts.BufferMeters != 0 {
		merc, err = geometry.Buffer(merc, opts.BufferMeters)
		if err != nil {
			return nil, fmt.Errorf("failed to buffer geometry: %w", err)
		}
	}
	if opts.RemoveHoles {
		merc = geometry.Exteriors(merc)
	}

	var pieces orb.MultiPolygon
	switch opts.Method {
	case "", MethodGeometry:
		pieces = merc
	case MethodBounds:
		pieces = orb.MultiPolygon{merc.Bound().ToPolygon()}
	case MethodBoundsPerFeature:
		pieces = geometry.Bounds(merc)
	default:
		return nil, fmt.Errorf("unknown download method %q", opts.Method)
	}

	shape := project.MultiPolygon(pieces.Clone(), project.Mercator.ToWGS84)
	z := maptile.Zoom(opts.Zoom)

	set := make(maptile.Set)
	for _, p := range shape {
		covered, err := tilecover.Polygon(p, z)
		if err != nil {
			return nil, fmt.Errorf("failed to cover polygon: %w", err)
		}
		set.Merge(trimEdgeTiles(covered, p.Bound(), z))
	}

	tiles := make([]Tile, 0, len(set))
	for mt := range set {
		tiles = append(tiles, FromMaptile(mt))
	}
	slices.SortFunc(tiles, Compare)

	return &Cover{Tiles: tiles, Shape: shape}, nil
}

// trimEdgeTiles drops tiles that only share an edge with the shape's
// bounding box. Vertices lying exactly on a tile boundary otherwise pull in
// the neighbouring row or column.
func trimEdgeTiles(set maptile.Set, b orb.Bound, z maptile.Zoom) maptile.Set {
	nw := maptile.Fraction(orb.Point{b.Min[0], b.Max[1]}, z)
	se := maptile.Fraction(orb.Point{b.Max[0], b.Min[1]}, z)

	trimmed := make(maptile.Set, len(set))
	for t := range set {
		x, y := float64(t.X), float64(t.Y)
		if x < se[0]-edgeEpsilon && x+1 > nw[0]+edgeEpsilon &&
			y < se[1]-edgeEpsilon && y+1 > nw[1]+edgeEpsilon {
			trimmed[t] = true
		}
	}
	// Degenerate shapes (zero width or height) would lose every tile.
	if len(trimmed) == 0 {
		return set
	}
	return trimmed
}

// IsUnsupported reports whether err came from a non-polygonal geometry
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedGeometry)
}
