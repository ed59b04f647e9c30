// Package geotiff writes strip-organised GeoTIFF files with optional
// compression, an alpha band and EPSG:4326 or EPSG:3857 georeferencing.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/hhrutter/lzw"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_PlanarConfiguration       = 284
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_ExtraSamples              = 338

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737

	// GDAL private tags
	TagType_GDALNoData = 42113
)

// Compression names understood by Encode
const (
	CompressionNone     = "NONE"
	CompressionDeflate  = "DEFLATE"
	CompressionLZW      = "LZW"
	CompressionPackBits = "PACKBITS"
)

var compressionCodes = map[string]uint16{
	CompressionNone:     1,
	CompressionLZW:      5,
	CompressionDeflate:  8,
	CompressionPackBits: 32773,
}

// SupportedCompressions lists the compressions Encode can write
var SupportedCompressions = []string{CompressionNone, CompressionDeflate, CompressionLZW, CompressionPackBits}

// SupportsCompression reports whether Encode can write the named compression
func SupportsCompression(name string) bool {
	_, ok := compressionCodes[strings.ToUpper(name)]
	return ok
}

// EPSG codes with GeoKey support
const (
	EPSG4326 = 4326
	EPSG3857 = 3857
)

// Georef places the raster: the top-left corner of the top-left pixel and
// the pixel size in CRS units (degrees for 4326, meters for 3857)
type Georef struct {
	EPSG        int
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// Options controls encoding. A nil *Options writes an uncompressed RGBA TIFF
// with no georeferencing.
type Options struct {
	Compression string // NONE, DEFLATE, LZW or PACKBITS
	Alpha       bool   // write RGBA (unassociated alpha) instead of RGB
	Georef      *Georef
	NoData      string // GDAL_NODATA value, empty for none
	Description string

	// ExtraTags maps TagID -> value.
	// Supported value types: []uint16 (SHORT), []float64 (DOUBLE), string (ASCII).
	ExtraTags map[uint16]any
}

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// stripTarget is the approximate uncompressed size of one strip
const stripTarget = 64 * 1024

// Encode writes the image m to w as a little-endian, strip-organised TIFF
func Encode(w io.Writer, m image.Image, opts *Options) error {
	if opts == nil {
		opts = &Options{Alpha: true}
	}
	compression := strings.ToUpper(opts.Compression)
	if compression == "" {
		compression = CompressionNone
	}
	code, ok := compressionCodes[compression]
	if !ok {
		return fmt.Errorf("geotiff: unsupported compression %q", opts.Compression)
	}

	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("geotiff: empty image")
	}

	spp := 3
	if opts.Alpha {
		spp = 4
	}

	// Non-premultiplied pixels so alpha is unassociated
	nrgba, ok := m.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(nrgba, nrgba.Bounds(), m, bounds.Min, draw.Src)
	}

	rowBytes := width * spp
	rowsPerStrip := max(1, stripTarget/rowBytes)
	strips, err := encodeStrips(nrgba, spp, rowsPerStrip, compression)
	if err != nil {
		return err
	}

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	bits := make([]uint16, spp)
	for i := range bits {
		bits[i] = 8
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(height)))
	addEntry(TagType_BitsPerSample, DataType_Short, uint32(spp), enc16s(bits))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(code))
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)) // RGB
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(uint16(spp)))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(rowsPerStrip)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(72, 1))
	addEntry(TagType_PlanarConfiguration, DataType_Short, 1, enc16(1))
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(2))
	if opts.Alpha {
		addEntry(TagType_ExtraSamples, DataType_Short, 1, enc16(2)) // unassociated alpha
	}

	// Filled in once the pixel offset is known
	addEntry(TagType_StripOffsets, DataType_Long, uint32(len(strips)), make([]byte, 4*len(strips)))
	counts := make([]uint32, len(strips))
	for i, s := range strips {
		counts[i] = uint32(len(s))
	}
	addEntry(TagType_StripByteCounts, DataType_Long, uint32(len(strips)), enc32s(counts))

	tags := make(map[uint16]any, len(opts.ExtraTags)+6)
	for tag, val := range opts.ExtraTags {
		tags[tag] = val
	}
	tags[TagType_Software] = "imagery-pipeline"
	if opts.Description != "" {
		tags[TagType_ImageDescription] = opts.Description
	}
	if opts.NoData != "" {
		tags[TagType_GDALNoData] = opts.NoData
	}
	if g := opts.Georef; g != nil {
		keys, err := geoKeys(g.EPSG)
		if err != nil {
			return err
		}
		tags[TagType_ModelTiepointTag] = []float64{0, 0, 0, g.OriginX, g.OriginY, 0}
		tags[TagType_ModelPixelScaleTag] = []float64{g.PixelWidth, g.PixelHeight, 0}
		tags[TagType_GeoKeyDirectoryTag] = keys
	}

	for tag, val := range tags {
		var e ifdEntry
		switch v := val.(type) {
		case []uint16:
			e = ifdEntry{tag, DataType_Short, uint32(len(v)), enc16s(v)}
		case []float64:
			e = ifdEntry{tag, DataType_Double, uint32(len(v)), encDoubles(v)}
		case string:
			b := append([]byte(v), 0)
			e = ifdEntry{tag, DataType_ASCII, uint32(len(b)), b}
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
		replaced := false
		for i := range entries {
			if entries[i].tag == tag {
				entries[i] = e
				replaced = true
			}
		}
		if !replaced {
			entries = append(entries, e)
		}
	}

	sort.Sort(byTag(entries))

	// Header (8) | IFD (2 + 12n + 4) | values larger than 4 bytes | strips
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	var stripOffsetsEntry *ifdEntry
	var largeSize int
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			stripOffsetsEntry = &entries[i]
		}
		if n := len(entries[i].data); n > 4 {
			largeSize += n + n%2 // word aligned
		}
	}

	offset := uint32(valueDataOffset + largeSize)
	stripOffsets := make([]uint32, len(strips))
	for i, s := range strips {
		stripOffsets[i] = offset
		offset += uint32(len(s))
	}
	stripOffsetsEntry.data = enc32s(stripOffsets)

	var largeDataBuf bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) <= 4 {
			continue
		}
		currentOffset := uint32(valueDataOffset + largeDataBuf.Len())
		largeDataBuf.Write(e.data)
		if len(e.data)%2 == 1 {
			largeDataBuf.WriteByte(0)
		}
		e.data = enc32(currentOffset)
	}

	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}
	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		var rec [12]byte
		enc.PutUint16(rec[0:], e.tag)
		enc.PutUint16(rec[2:], e.datatype)
		enc.PutUint32(rec[4:], e.count)
		copy(rec[8:], e.data)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}
	if _, err := largeDataBuf.WriteTo(w); err != nil {
		return err
	}
	for _, s := range strips {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// geoKeys builds the GeoKeyDirectory for a supported EPSG code; keys are
// sorted by id as the format requires
func geoKeys(epsg int) ([]uint16, error) {
	switch epsg {
	case EPSG4326:
		return []uint16{
			1, 1, 0, 4,
			1024, 0, 1, 2, // GTModelTypeGeoKey = ModelTypeGeographic
			1025, 0, 1, 1, // GTRasterTypeGeoKey = RasterPixelIsArea
			2048, 0, 1, EPSG4326, // GeographicTypeGeoKey
			2054, 0, 1, 9102, // GeogAngularUnitsGeoKey = degree
		}, nil
	case EPSG3857:
		return []uint16{
			1, 1, 0, 4,
			1024, 0, 1, 1, // GTModelTypeGeoKey = ModelTypeProjected
			1025, 0, 1, 1,
			3072, 0, 1, EPSG3857, // ProjectedCSTypeGeoKey
			3076, 0, 1, 9001, // ProjLinearUnitsGeoKey = meter
		}, nil
	}
	return nil, fmt.Errorf("geotiff: unsupported EPSG code %d", epsg)
}

func encodeStrips(img *image.NRGBA, spp, rowsPerStrip int, compression string) ([][]byte, error) {
	width, height := img.Rect.Dx(), img.Rect.Dy()
	row := make([]byte, width*spp)
	var strips [][]byte

	for y0 := 0; y0 < height; y0 += rowsPerStrip {
		y1 := min(height, y0+rowsPerStrip)

		var buf bytes.Buffer
		var dst io.Writer = &buf
		var closer io.Closer
		switch compression {
		case CompressionDeflate:
			zw := zlib.NewWriter(&buf)
			dst, closer = zw, zw
		case CompressionLZW:
			lw := lzw.NewWriter(&buf, true)
			dst, closer = lw, lw
		}

		for y := y0; y < y1; y++ {
			pix := img.Pix[y*img.Stride : y*img.Stride+width*4]
			if spp == 4 {
				copy(row, pix)
			} else {
				for x := 0; x < width; x++ {
					copy(row[x*3:x*3+3], pix[x*4:x*4+3])
				}
			}
			var err error
			if compression == CompressionPackBits {
				_, err = buf.Write(packBits(row))
			} else {
				_, err = dst.Write(row)
			}
			if err != nil {
				return nil, err
			}
		}
		if closer != nil {
			if err := closer.Close(); err != nil {
				return nil, err
			}
		}
		strips = append(strips, bytes.Clone(buf.Bytes()))
	}
	return strips, nil
}

// packBits compresses one row with the Macintosh PackBits scheme
func packBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		// run of identical bytes
		j := i + 1
		for j < len(src) && j-i < 128 && src[j] == src[i] {
			j++
		}
		if j-i >= 2 {
			out = append(out, byte(int8(1-(j-i))), src[i])
			i = j
			continue
		}
		// literal run until the next repeat of at least two
		j = i + 1
		for j < len(src) && j-i < 128 && !(j+1 < len(src) && src[j] == src[j+1]) {
			j++
		}
		out = append(out, byte(j-i-1))
		out = append(out, src[i:j]...)
		i = j
	}
	return out
}

// Helpers

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func enc32s(vs []uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		enc.PutUint32(b[i*4:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
