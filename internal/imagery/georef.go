package imagery

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/paulmach/orb"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/tile"
)

// GeoTile is a decoded tile stamped with its WGS84 edges
type GeoTile struct {
	Tile   tile.Tile
	Path   string
	Bounds [4]float64 // lon1, lat1 (north), lon2, lat2 (south)
	Image  image.Image
}

func (g GeoTile) GetRow() int    { return g.Tile.Y }
func (g GeoTile) GetColumn() int { return g.Tile.X }

// TileBounds returns the bounds a tile is stamped with: [lon1, lat1, lon2, lat2]
func TileBounds(t tile.Tile) [4]float64 {
	return t.Edges()
}

// EdgesToBound converts [lon1, lat1, lon2, lat2] to an orb bound
func EdgesToBound(e [4]float64) orb.Bound {
	return orb.Bound{Min: orb.Point{e[0], e[3]}, Max: orb.Point{e[2], e[1]}}
}

// SortTiles orders tiles by ascending (y, x); later tiles win on overlap
func SortTiles(tiles []GeoTile) {
	slices.SortStableFunc(tiles, func(a, b GeoTile) int {
		if a.Tile.Y != b.Tile.Y {
			return a.Tile.Y - b.Tile.Y
		}
		return a.Tile.X - b.Tile.X
	})
}

// Georeference decodes every successful result and, when sidecars is set,
// writes a world file and .prj next to each tile on disk. Tiles that fail to
// decode are logged and skipped.
func Georeference(results []common.TileDownloadResult, sidecars bool) ([]GeoTile, error) {
	l := logging.Component("georef")
	var tiles []GeoTile

	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		data := r.Data
		if data == nil {
			var err error
			if data, err = os.ReadFile(r.Path); err != nil {
				l.Warn().Err(err).Str("tile", r.Tile.String()).Msg("tile unreadable, skipped")
				continue
			}
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			l.Warn().Err(err).Str("tile", r.Tile.String()).Msg("tile undecodable, skipped")
			continue
		}

		gt := GeoTile{Tile: r.Tile, Path: r.Path, Bounds: TileBounds(r.Tile), Image: img}
		if sidecars && r.Path != "" {
			b := img.Bounds()
			if err := WriteSidecars(r.Path, EdgesToBound(gt.Bounds), b.Dx(), b.Dy(), 4326); err != nil {
				return nil, err
			}
		}
		tiles = append(tiles, gt)
	}

	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}
	SortTiles(tiles)
	return tiles, nil
}

// WorldFileExt returns the world file extension for an image path:
// .jpg -> .jgw, .png -> .pgw, .tif -> .tfw
func WorldFileExt(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if len(ext) < 2 {
		return ".wld"
	}
	return "." + ext[:1] + ext[len(ext)-1:] + "w"
}

// WriteSidecars writes {stem}.{xxw} and {stem}.prj for an image covering
// bound with the given pixel dimensions
func WriteSidecars(path string, bound orb.Bound, width, height, epsg int) error {
	wkt, ok := prjWKT[epsg]
	if !ok {
		return fmt.Errorf("no projection text for EPSG:%d", epsg)
	}
	pw := (bound.Max.X() - bound.Min.X()) / float64(width)
	ph := (bound.Max.Y() - bound.Min.Y()) / float64(height)

	// world files reference pixel centres
	world := fmt.Sprintf("%.12f\n0.0\n0.0\n%.12f\n%.12f\n%.12f\n",
		pw, -ph, bound.Min.X()+pw/2, bound.Max.Y()-ph/2)

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.WriteFile(stem+WorldFileExt(path), []byte(world), 0644); err != nil {
		return fmt.Errorf("write world file: %w", err)
	}
	if err := os.WriteFile(stem+".prj", []byte(wkt), 0644); err != nil {
		return fmt.Errorf("write prj: %w", err)
	}
	return nil
}

var prjWKT = map[int]string{
	4326: `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`,
	3857: `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1,AUTHORITY["EPSG","9001"]],AXIS["Easting",EAST],AXIS["Northing",NORTH],EXTENSION["PROJ4","+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null +wktext +no_defs"],AUTHORITY["EPSG","3857"]]`,
}
