package imagery

import (
	"fmt"
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	xdraw "golang.org/x/image/draw"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/tile"
)

// Raster is an RGBA image with a north-up affine georeference
type Raster struct {
	Image *image.NRGBA
	Bound orb.Bound // in EPSG units: degrees for 4326, metres for 3857
	EPSG  int
}

// PixelSize returns the ground size of one pixel
func (r *Raster) PixelSize() (pw, ph float64) {
	b := r.Image.Bounds()
	return (r.Bound.Max.X() - r.Bound.Min.X()) / float64(b.Dx()),
		(r.Bound.Max.Y() - r.Bound.Min.Y()) / float64(b.Dy())
}

// Stitch draws the tiles onto one canvas and georeferences it in epsg.
// Tiles are drawn in slice order, so the caller's ordering decides overlaps.
//
// In 3857 every tile occupies an exact square of the Mercator grid. In 4326
// each tile is stamped with its linear lon/lat edges, so rows are resampled
// onto an evenly spaced latitude grid the way a merge of stamped tiles would.
func Stitch(tiles []GeoTile, epsg int) (*Raster, error) {
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}
	if epsg != 4326 && epsg != 3857 {
		return nil, fmt.Errorf("unsupported EPSG:%d (must be 4326 or 3857)", epsg)
	}

	z := tiles[0].Tile.Z
	for _, t := range tiles {
		if t.Tile.Z != z {
			return nil, fmt.Errorf("tiles span zoom %d and %d", z, t.Tile.Z)
		}
	}

	bounds, err := common.CalculateTileBounds(tiles)
	if err != nil {
		return nil, err
	}
	tileSize := tiles[0].Image.Bounds().Dx()
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile %s has an empty image", tiles[0].Tile)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, bounds.Cols()*tileSize, bounds.Rows()*tileSize))
	for _, t := range tiles {
		ox, oy := bounds.Offset(t.Tile.X, t.Tile.Y, tileSize)
		dst := image.Rect(ox, oy, ox+tileSize, oy+tileSize)
		src := t.Image.Bounds()
		if src.Dx() == tileSize && src.Dy() == tileSize {
			xdraw.Draw(canvas, dst, t.Image, src.Min, xdraw.Over)
		} else {
			xdraw.BiLinear.Scale(canvas, dst, t.Image, src, xdraw.Over, nil)
		}
	}

	if epsg == 3857 {
		minX, maxY := tile.TileToWebMercator(bounds.MinCol, bounds.MinRow, z)
		maxX, minY := tile.TileToWebMercator(bounds.MaxCol+1, bounds.MaxRow+1, z)
		return &Raster{
			Image: canvas,
			Bound: orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}},
			EPSG:  3857,
		}, nil
	}

	west, _ := tile.XToLonEdges(bounds.MinCol, z)
	_, east := tile.XToLonEdges(bounds.MaxCol, z)
	north, _ := tile.YToLatEdges(bounds.MinRow, z)
	_, south := tile.YToLatEdges(bounds.MaxRow, z)

	return &Raster{
		Image: remapRows(canvas, bounds, z, tileSize, north, south),
		Bound: orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}},
		EPSG:  4326,
	}, nil
}

// remapRows resamples a Mercator mosaic onto a grid linear in latitude
func remapRows(src *image.NRGBA, bounds common.TileBounds, z, tileSize int, north, south float64) *image.NRGBA {
	h := src.Bounds().Dy()
	dst := image.NewNRGBA(src.Bounds())
	step := (north - south) / float64(h)

	edges := make([][2]float64, bounds.Rows())
	for i := range edges {
		edges[i][0], edges[i][1] = tile.YToLatEdges(bounds.MinRow+i, z)
	}

	row := 0
	for y := 0; y < h; y++ {
		lat := north - (float64(y)+0.5)*step
		for row < len(edges)-1 && lat < edges[row][1] {
			row++
		}
		top, bottom := edges[row][0], edges[row][1]
		frac := (top - lat) / (top - bottom)
		sy := row*tileSize + min(max(int(frac*float64(tileSize)), 0), tileSize-1)
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+dst.Stride], src.Pix[sy*src.Stride:sy*src.Stride+src.Stride])
	}
	return dst
}

// Window returns the pixel rectangle covering b, clamped to the image
func (r *Raster) Window(b orb.Bound) image.Rectangle {
	pw, ph := r.PixelSize()
	rect := image.Rect(
		int(math.Floor((b.Min.X()-r.Bound.Min.X())/pw)),
		int(math.Floor((r.Bound.Max.Y()-b.Max.Y())/ph)),
		int(math.Ceil((b.Max.X()-r.Bound.Min.X())/pw)),
		int(math.Ceil((r.Bound.Max.Y()-b.Min.Y())/ph)),
	)
	return rect.Intersect(r.Image.Bounds())
}

// Crop returns a copy of the pixels in rect with the bound adjusted to match
func (r *Raster) Crop(rect image.Rectangle) (*Raster, error) {
	rect = rect.Intersect(r.Image.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop window does not overlap the mosaic")
	}
	pw, ph := r.PixelSize()

	out := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Draw(out, out.Bounds(), r.Image, rect.Min, xdraw.Src)

	return &Raster{
		Image: out,
		Bound: orb.Bound{
			Min: orb.Point{r.Bound.Min.X() + float64(rect.Min.X)*pw, r.Bound.Max.Y() - float64(rect.Max.Y)*ph},
			Max: orb.Point{r.Bound.Min.X() + float64(rect.Max.X)*pw, r.Bound.Max.Y() - float64(rect.Min.Y)*ph},
		},
		EPSG: r.EPSG,
	}, nil
}

// Mask clears every pixel whose centre falls outside shape. The shape is
// given in WGS84 and projected when the raster is in 3857.
func (r *Raster) Mask(shape orb.MultiPolygon) {
	if r.EPSG == 3857 {
		shape = project.MultiPolygon(shape.Clone(), project.WGS84.ToMercator)
	}
	sb := shape.Bound()
	pw, ph := r.PixelSize()
	b := r.Image.Bounds()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		cy := r.Bound.Max.Y() - (float64(y)+0.5)*ph
		for x := b.Min.X; x < b.Max.X; x++ {
			cx := r.Bound.Min.X() + (float64(x)+0.5)*pw
			p := orb.Point{cx, cy}
			if sb.Contains(p) && planar.MultiPolygonContains(shape, p) {
				continue
			}
			i := r.Image.PixOffset(x, y)
			clear(r.Image.Pix[i : i+4])
		}
	}
}

// Flatten composites the raster onto an opaque black background
func (r *Raster) Flatten() *image.RGBA {
	out := image.NewRGBA(r.Image.Bounds())
	xdraw.Draw(out, out.Bounds(), image.Black, image.Point{}, xdraw.Src)
	xdraw.Draw(out, out.Bounds(), r.Image, r.Image.Bounds().Min, xdraw.Over)
	return out
}

func projectBound(b orb.Bound) orb.Bound {
	return project.Bound(b, project.WGS84.ToMercator)
}
