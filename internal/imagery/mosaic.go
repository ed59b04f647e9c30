package imagery

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	orbclip "github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/utils/naming"
	"imagery-pipeline/pkg/geotiff"
)

var (
	ErrNoTiles                = errors.New("no tiles to merge")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrUnsupportedFormat      = errors.New("unsupported output format")
	ErrUnknownBackend         = errors.New("unknown mosaic backend")
	ErrOutsideCutline         = errors.New("cutline does not overlap the mosaic")
)

// Mode selects how the mosaic is clipped to the feature geometry
type Mode string

const (
	ModeMask   Mode = "mask"
	ModeBounds Mode = "bounds"
	ModeNone   Mode = "none"
)

// ParseMode validates a processing mode; empty leaves the mosaic untouched
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeMask, ModeBounds:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown processing mode %q (must be mask, bounds or none)", s)
}

// MergeRequest describes one work unit's mosaic
type MergeRequest struct {
	Key   string // file stem of the output
	Tiles []common.TileDownloadResult

	// Cutline is the covered shape in WGS84; required for mask and bounds
	Cutline orb.MultiPolygon
	Mode    Mode

	Format      common.OutputFormat
	Compression string
	Quality     int
	EPSG        int // 4326 or 3857; backends may only support 4326

	OutputDir  string
	ScratchDir string
}

// Extent is the WGS84 bound of the successful tiles
func (r MergeRequest) Extent() (orb.Bound, bool) {
	var extent orb.Bound
	found := false
	for _, t := range r.Tiles {
		if !t.Succeeded() {
			continue
		}
		b := EdgesToBound(TileBounds(t.Tile))
		if found {
			extent = extent.Union(b)
		} else {
			extent, found = b, true
		}
	}
	return extent, found
}

// ClippedCutline is the cutline intersected with the mosaic extent. The
// cutline may be shared between units, so it is cloned before clipping.
func (r MergeRequest) ClippedCutline() (orb.MultiPolygon, error) {
	extent, ok := r.Extent()
	if !ok {
		return nil, ErrNoTiles
	}
	shape := orbclip.MultiPolygon(extent, r.Cutline.Clone())
	if len(shape) == 0 || planar.Area(shape) == 0 {
		return nil, ErrOutsideCutline
	}
	return shape, nil
}

// OutputPath is where the merged raster is written
func (r MergeRequest) OutputPath() string {
	return filepath.Join(r.OutputDir, naming.OutputFilename(r.Key, r.Format.Ext))
}

// Merger turns a unit's downloaded tiles into one raster
type Merger interface {
	Name() string
	// Merge writes the raster and returns its path
	Merge(ctx context.Context, req MergeRequest) (string, error)
}

// Factory builds a Merger
type Factory func() (Merger, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Factory{
		"native": func() (Merger, error) { return NewNativeMerger(), nil },
	}
)

// RegisterBackend makes a backend available to NewMerger
func RegisterBackend(name string, factory Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Backends lists the registered backend names, sorted
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewMerger builds the named backend; empty means native
func NewMerger(name string) (Merger, error) {
	if name == "" {
		name = "native"
	}
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, name, Backends())
	}
	return factory()
}

// NativeMerger stitches, clips and encodes in pure Go
type NativeMerger struct {
	// Sidecars writes world files next to every raw tile
	Sidecars bool
}

func NewNativeMerger() *NativeMerger {
	return &NativeMerger{Sidecars: true}
}

func (m *NativeMerger) Name() string { return "native" }

// Merge stitches the successful tiles of req and writes the output raster
func (m *NativeMerger) Merge(ctx context.Context, req MergeRequest) (string, error) {
	if !req.Format.Raster() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format.Ext)
	}
	if err := ValidateCompression(req.Format, req.Compression, req.Quality); err != nil {
		return "", err
	}
	epsg := req.EPSG
	if epsg == 0 {
		epsg = 4326
	}

	tiles, err := Georeference(req.Tiles, m.Sidecars)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raster, err := Stitch(tiles, epsg)
	if err != nil {
		return "", fmt.Errorf("stitch %s: %w", req.Key, err)
	}
	if raster, err = clip(raster, req); err != nil {
		return "", fmt.Errorf("clip %s: %w", req.Key, err)
	}

	out := req.OutputPath()
	if err := WriteRaster(out, raster, req.Format, req.Compression, req.Quality); err != nil {
		return "", err
	}

	b := raster.Image.Bounds()
	l := logging.Component("mosaic")
	l.Debug().
		Str("key", req.Key).
		Int("tiles", len(tiles)).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Str("mode", string(req.Mode)).
		Str("file", out).
		Msg("mosaic written")
	return out, nil
}

func clip(r *Raster, req MergeRequest) (*Raster, error) {
	if req.Mode == ModeNone || len(req.Cutline) == 0 {
		return r, nil
	}

	wgs := req.Cutline.Bound()
	target := wgs
	if r.EPSG == 3857 {
		target = projectBound(wgs)
	}
	cropped, err := r.Crop(r.Window(target))
	if err != nil {
		return nil, err
	}
	if req.Mode == ModeMask {
		cropped.Mask(req.Cutline)
	}
	return cropped, nil
}

// ValidateCompression checks compression and quality against the format's
// capabilities and against what the native encoder can write
func ValidateCompression(f common.OutputFormat, compression string, quality int) error {
	if _, err := f.CreationOptions(compression, quality); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedCompression, err)
	}
	if f.Compression {
		c, _ := common.NormalizeCompression(compression)
		if !geotiff.SupportsCompression(c) {
			return fmt.Errorf("%w: %s (native backend supports %v)", ErrUnsupportedCompression, c, geotiff.SupportedCompressions)
		}
	}
	return nil
}

// WriteRaster encodes r to path. The file is written under a temporary name
// and renamed so a partial output never looks finished.
func WriteRaster(path string, r *Raster, f common.OutputFormat, compression string, quality int) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	part := path + ".part"
	file, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(part)
		}
	}()

	pw, ph := r.PixelSize()
	switch f.Driver {
	case "GTiff":
		c, _ := common.NormalizeCompression(compression)
		err = geotiff.Encode(file, r.Image, &geotiff.Options{
			Compression: c,
			Alpha:       true,
			Georef: &geotiff.Georef{
				EPSG:        r.EPSG,
				OriginX:     r.Bound.Min.X(),
				OriginY:     r.Bound.Max.Y(),
				PixelWidth:  pw,
				PixelHeight: ph,
			},
		})
	case "JPEG":
		err = jpeg.Encode(file, r.Flatten(), &jpeg.Options{Quality: quality})
	case "PNG":
		err = png.Encode(file, r.Image)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Ext)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Ext, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err = os.Rename(part, path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}

	if f.Driver != "GTiff" {
		b := r.Image.Bounds()
		return WriteSidecars(path, r.Bound, b.Dx(), b.Dy(), r.EPSG)
	}
	return nil
}
