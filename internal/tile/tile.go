package tile

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Tile represents a slippy-map tile in Web Mercator projection (EPSG:3857)
type Tile struct {
	X int // Column from the antimeridian (west)
	Y int // Row from top (north)
	Z int
}

const (
	MaxZoom = 23
	// Web Mercator constants
	Equator     = 40075016.685578 // Earth's equator in meters
	MaxLatitude = 85.0511287798066
)

// New creates a validated tile
func New(x, y, z int) (Tile, error) {
	t := Tile{X: x, Y: y, Z: z}
	if !t.Valid() {
		return Tile{}, fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	return t, nil
}

// Valid reports whether x and y are inside [0, 2^z) and z is supported
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	size := 1 << t.Z
	return t.X >= 0 && t.X < size && t.Y >= 0 && t.Y < size
}

// GetRow returns the slippy-map row (y)
func (t Tile) GetRow() int {
	return t.Y
}

// GetColumn returns the slippy-map column (x)
func (t Tile) GetColumn() int {
	return t.X
}

// String returns the x_y_z form used for tile file names
func (t Tile) String() string {
	return fmt.Sprintf("%d_%d_%d", t.X, t.Y, t.Z)
}

// Edges returns [lon1, lat1, lon2, lat2] (west, north, east, south)
func (t Tile) Edges() [4]float64 {
	return Edges(t.X, t.Y, t.Z)
}

// Bound returns the WGS84 bounding box
func (t Tile) Bound() orb.Bound {
	e := t.Edges()
	return orb.Bound{Min: orb.Point{e[0], e[3]}, Max: orb.Point{e[2], e[1]}}
}

// Polygon returns the WGS84 bounding box as a closed polygon
func (t Tile) Polygon() orb.Polygon {
	return t.Bound().ToPolygon()
}

// Quadkey interleaves the x/y bits, most significant level first
func (t Tile) Quadkey() string {
	var quadkey strings.Builder
	quadkey.Grow(t.Z)
	for i := t.Z; i > 0; i-- {
		digit := 0
		mask := 1 << (i - 1)
		if (t.X & mask) != 0 {
			digit++
		}
		if (t.Y & mask) != 0 {
			digit += 2
		}
		quadkey.WriteByte(byte('0' + digit))
	}
	return quadkey.String()
}

// FromQuadkey decodes a quadkey string; its length is the zoom
func FromQuadkey(quadkey string) (Tile, error) {
	t := Tile{Z: len(quadkey)}
	if t.Z > MaxZoom {
		return Tile{}, fmt.Errorf("quadkey %q deeper than zoom %d", quadkey, MaxZoom)
	}
	for i := t.Z; i > 0; i-- {
		mask := 1 << (i - 1)
		switch quadkey[t.Z-i] {
		case '0':
		case '1':
			t.X |= mask
		case '2':
			t.Y |= mask
		case '3':
			t.X |= mask
			t.Y |= mask
		default:
			return Tile{}, fmt.Errorf("invalid quadkey digit %q in %q", quadkey[t.Z-i], quadkey)
		}
	}
	return t, nil
}

// Ancestor returns the tile containing t at the coarser zoom z
func (t Tile) Ancestor(z int) Tile {
	if z >= t.Z {
		return t
	}
	if z < 0 {
		z = 0
	}
	shift := t.Z - z
	return Tile{X: t.X >> shift, Y: t.Y >> shift, Z: z}
}

// Parent returns the tile one zoom level up; the root tile is its own parent
func (t Tile) Parent() Tile {
	return t.Ancestor(t.Z - 1)
}

// Maptile converts to the orb representation
func (t Tile) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// FromMaptile converts from the orb representation
func FromMaptile(mt maptile.Tile) Tile {
	return Tile{X: int(mt.X), Y: int(mt.Y), Z: int(mt.Z)}
}

// Less orders tiles by zoom, then row, then column
func Less(a, b Tile) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// Compare is Less in the three-way form expected by slices.SortFunc
func Compare(a, b Tile) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

// XToLonEdges returns the west and east longitude of column x
func XToLonEdges(x, z int) (lon1, lon2 float64) {
	unit := 360 / math.Exp2(float64(z))
	lon1 = -180 + float64(x)*unit
	return lon1, lon1 + unit
}

// YToLatEdges returns the north and south latitude of row y
func YToLatEdges(y, z int) (lat1, lat2 float64) {
	unit := 1 / math.Exp2(float64(z))
	relative1 := float64(y) * unit
	relative2 := relative1 + unit
	return mercatorToLat(math.Pi * (1 - 2*relative1)), mercatorToLat(math.Pi * (1 - 2*relative2))
}

// Edges returns [lon1, lat1, lon2, lat2] for tile x, y at zoom z
func Edges(x, y, z int) [4]float64 {
	lat1, lat2 := YToLatEdges(y, z)
	lon1, lon2 := XToLonEdges(x, z)
	return [4]float64{lon1, lat1, lon2, lat2}
}

// LatLonToXY returns the tile containing a WGS84 coordinate
func LatLonToXY(lat, lon float64, z int) (x, y int) {
	n := math.Exp2(float64(z))
	latRad := lat * math.Pi / 180
	xf := (lon + 180) / 360
	yf := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2
	return int(n * xf), int(n * yf)
}

// XYToLatLon returns the north-west corner of tile x, y
func XYToLatLon(x, y, z int) (lat, lon float64) {
	n := math.Exp2(float64(z))
	lon = float64(x)/n*360 - 180
	lat = mercatorToLat(math.Pi * (1 - 2*float64(y)/n))
	return lat, lon
}

func mercatorToLat(mercatorY float64) float64 {
	return math.Atan(math.Sinh(mercatorY)) * 180 / math.Pi
}

// TileToWebMercator converts tile column/row at a zoom level to Web Mercator coordinates
// Returns the top-left corner of the tile
func TileToWebMercator(col, row, zoom int) (x, y float64) {
	n := float64(int(1) << zoom)
	x = (float64(col)/n - 0.5) * Equator
	y = (0.5 - float64(row)/n) * Equator
	return x, y
}
