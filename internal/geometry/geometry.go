// Package geometry holds the polygon plumbing shared by tile covering and
// manifest dissolving: normalisation of orb geometries and the GEOS
// operations (mitre buffer, unary union) that orb does not provide.
package geometry

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-geos"
)

const (
	// bufferQuadSegments only matters for round caps; kept at the GEOS default.
	bufferQuadSegments = 8
	bufferMitreLimit   = 5.0
)

var (
	ErrEmpty       = errors.New("geometry is empty")
	ErrUnsupported = errors.New("unsupported geometry type")
)

// Polygons normalises a polygonal geometry into a multipolygon. Collections
// are flattened as long as every member is polygonal.
func Polygons(g orb.Geometry) (orb.MultiPolygon, error) {
	switch g := g.(type) {
	case nil:
		return nil, ErrEmpty
	case orb.Polygon:
		if len(g) == 0 {
			return nil, ErrEmpty
		}
		return orb.MultiPolygon{g}, nil
	case orb.MultiPolygon:
		if len(g) == 0 {
			return nil, ErrEmpty
		}
		return g, nil
	case orb.Bound:
		return orb.MultiPolygon{g.ToPolygon()}, nil
	case orb.Collection:
		var mp orb.MultiPolygon
		for _, member := range g {
			sub, err := Polygons(member)
			if err != nil {
				return nil, err
			}
			mp = append(mp, sub...)
		}
		if len(mp) == 0 {
			return nil, ErrEmpty
		}
		return mp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, g.GeoJSONType())
}

// Exteriors drops every interior ring.
func Exteriors(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, p := range mp {
		if len(p) == 0 {
			continue
		}
		out = append(out, orb.Polygon{p[0]})
	}
	return out
}

// Bounds returns one bounding rectangle per polygon.
func Bounds(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, p := range mp {
		out = append(out, p.Bound().ToPolygon())
	}
	return out
}

// Buffer grows (or shrinks, for a negative distance) the polygons using a
// square cap and mitre join. Units are those of the input coordinates, so
// callers pass Web Mercator geometries to buffer in meters.
func Buffer(mp orb.MultiPolygon, distance float64) (orb.MultiPolygon, error) {
	if distance == 0 {
		return mp, nil
	}

	g, err := toGEOS(mp)
	if err != nil {
		return nil, err
	}
	defer g.Destroy()

	buffered := g.BufferWithStyle(distance, bufferQuadSegments, geos.BufCapStyleSquare, geos.BufJoinStyleMitre, bufferMitreLimit)
	if buffered == nil {
		return nil, fmt.Errorf("buffer by %.2f failed", distance)
	}
	defer buffered.Destroy()

	if buffered.IsEmpty() {
		return nil, ErrEmpty
	}

	out, err := fromGEOS(buffered)
	if err != nil {
		return nil, err
	}
	return Polygons(out)
}

// UnaryUnion dissolves the geometries into one. Inputs are wrapped in a
// geometry collection so edge-sharing polygons are accepted.
func UnaryUnion(geoms []orb.Geometry) (orb.Geometry, error) {
	if len(geoms) == 0 {
		return nil, ErrEmpty
	}

	g, err := toGEOS(orb.Collection(geoms))
	if err != nil {
		return nil, err
	}
	defer g.Destroy()

	union := g.UnaryUnion()
	if union == nil {
		return nil, errors.New("unary union failed")
	}
	defer union.Destroy()

	return fromGEOS(union)
}

func toGEOS(g orb.Geometry) (*geos.Geom, error) {
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	gg, err := geos.NewGeomFromGeoJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load geometry into GEOS: %w", err)
	}
	return gg, nil
}

func fromGEOS(g *geos.Geom) (orb.Geometry, error) {
	gj, err := geojson.UnmarshalGeometry([]byte(g.ToGeoJSON(-1)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode GEOS geometry: %w", err)
	}
	return gj.Geometry(), nil
}
