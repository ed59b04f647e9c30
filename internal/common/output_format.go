package common

import (
	"fmt"
	"slices"
	"strings"
)

// OutputFormat describes what an output raster format can carry
type OutputFormat struct {
	Ext    string // file extension, without dot
	Driver string // GDAL driver short name, empty for non-raster outputs

	Opacity     bool // alpha band supported
	Compression bool // COMPRESS creation option supported
	Quality     bool // QUALITY creation option supported
}

// Raster reports whether the format produces a merged raster
func (f OutputFormat) Raster() bool {
	return f.Driver != ""
}

// Archive reports whether the raw tiles are zipped instead of merged
func (f OutputFormat) Archive() bool {
	return f.Ext == "zip"
}

var outputFormats = map[string]OutputFormat{
	"tif":  {Ext: "tif", Driver: "GTiff", Opacity: true, Compression: true},
	"tiff": {Ext: "tiff", Driver: "GTiff", Opacity: true, Compression: true},
	"jpg":  {Ext: "jpg", Driver: "JPEG", Quality: true},
	"jpeg": {Ext: "jpeg", Driver: "JPEG", Quality: true},
	"png":  {Ext: "png", Driver: "PNG", Opacity: true},
	"zip":  {Ext: "zip"},
	"none": {Ext: "none"},
}

// Compressions lists every GeoTIFF compression name accepted in configuration
var Compressions = []string{
	"JPEG", "LZW", "PACKBITS", "DEFLATE", "CCITTRLE", "CCITTFAX3", "CCITTFAX4",
	"LZMA", "ZSTD", "LERC", "LERC_DEFLATE", "LERC_ZSTD", "WEBP", "JXL", "NONE",
}

// ParseOutputFormat converts a format string to its capability entry
// Accepted values: tif, tiff, jpg, jpeg, png, zip, none
func ParseOutputFormat(format string) (OutputFormat, error) {
	f, ok := outputFormats[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))]
	if !ok {
		return OutputFormat{}, fmt.Errorf("invalid format: %s (must be tif, jpg, png, zip or none)", format)
	}
	return f, nil
}

// NormalizeCompression upper-cases and checks a compression name; empty means NONE
func NormalizeCompression(compression string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(compression))
	if c == "" {
		return "NONE", nil
	}
	if !slices.Contains(Compressions, c) {
		return "", fmt.Errorf("unknown compression %q (must be one of %s)", compression, strings.Join(Compressions, ", "))
	}
	return c, nil
}

// CreationOptions validates compression and quality against the format and
// returns the GDAL creation options for it. JPEG on a jpg output becomes a
// QUALITY setting instead of a compression.
func (f OutputFormat) CreationOptions(compression string, quality int) ([]string, error) {
	c, err := NormalizeCompression(compression)
	if err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range [1, 100]", quality)
	}

	var opts []string
	switch {
	case f.Compression:
		opts = append(opts, "COMPRESS="+c)
		if c == "JPEG" {
			opts = append(opts, fmt.Sprintf("JPEG_QUALITY=%d", quality))
		}
	case f.Quality:
		if c != "NONE" && c != "JPEG" {
			return nil, fmt.Errorf("%s output does not support compression %s", f.Ext, c)
		}
		opts = append(opts, fmt.Sprintf("QUALITY=%d", quality))
	default:
		if c != "NONE" {
			return nil, fmt.Errorf("%s output does not support compression %s", f.Ext, c)
		}
	}
	return opts, nil
}
