package common

import (
	"errors"
	"slices"
	"testing"

	"imagery-pipeline/internal/tile"
)

func TestCreationOptions(t *testing.T) {
	tests := []struct {
		format      string
		compression string
		quality     int
		want        []string
		wantErr     bool
	}{
		{"tif", "lzw", 75, []string{"COMPRESS=LZW"}, false},
		{"tif", "JPEG", 90, []string{"COMPRESS=JPEG", "JPEG_QUALITY=90"}, false},
		{"tiff", "", 75, []string{"COMPRESS=NONE"}, false},
		{"jpg", "JPEG", 100, []string{"QUALITY=100"}, false},
		{"jpg", "", 60, []string{"QUALITY=60"}, false},
		{"jpg", "LZW", 75, nil, true},
		{"png", "NONE", 75, nil, false},
		{"png", "DEFLATE", 75, nil, true},
		{"tif", "GZIP", 75, nil, true},
		{"tif", "LZW", 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.format+"_"+tt.compression, func(t *testing.T) {
			f, err := ParseOutputFormat(tt.format)
			if err != nil {
				t.Fatalf("ParseOutputFormat(%q) error: %v", tt.format, err)
			}
			got, err := f.CreationOptions(tt.compression, tt.quality)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreationOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("CreationOptions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		raster  bool
		archive bool
		opacity bool
	}{
		{"tif", true, false, true},
		{".PNG", true, false, true},
		{"jpg", true, false, false},
		{"zip", false, true, false},
		{"none", false, false, false},
	}
	for _, tt := range tests {
		f, err := ParseOutputFormat(tt.in)
		if err != nil {
			t.Fatalf("ParseOutputFormat(%q) error: %v", tt.in, err)
		}
		if f.Raster() != tt.raster || f.Archive() != tt.archive || f.Opacity != tt.opacity {
			t.Errorf("ParseOutputFormat(%q) = %+v", tt.in, f)
		}
	}
	if _, err := ParseOutputFormat("gif"); err == nil {
		t.Error("gif should be rejected")
	}
}

func TestNormalizeResourceType(t *testing.T) {
	tests := map[string]string{"": "Vert", "vert": "Vert", "SOUTH": "South", "West": "West"}
	for in, want := range tests {
		got, err := NormalizeResourceType(in)
		if err != nil || got != want {
			t.Errorf("NormalizeResourceType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeResourceType("Up"); err == nil {
		t.Error("Up should be rejected")
	}
	if Rotation(ResourceEast) != 270 || Rotation(ResourceSouth) != 180 || Rotation(ResourceWest) != 90 || Rotation(ResourceVert) != 0 {
		t.Error("unexpected rotation table")
	}
}

func TestNormalizeMosaic(t *testing.T) {
	if m, err := NormalizeMosaic("Latest"); err != nil || m != "latest" {
		t.Errorf("NormalizeMosaic(Latest) = %q, %v", m, err)
	}
	if _, err := NormalizeMosaic("newest"); err == nil {
		t.Error("newest should be rejected")
	}
}

func TestValidateDateFilter(t *testing.T) {
	for _, ok := range []string{"", "2023-01-31", "3M", "1y", "10D"} {
		if err := ValidateDateFilter("since", ok); err != nil {
			t.Errorf("ValidateDateFilter(%q) error: %v", ok, err)
		}
	}
	for _, bad := range []string{"2023-13-01", "yesterday", "M3"} {
		if err := ValidateDateFilter("until", bad); err == nil {
			t.Errorf("ValidateDateFilter(%q) should fail", bad)
		}
	}
}

func TestCalculateTileBounds(t *testing.T) {
	tiles := []tile.Tile{{X: 5, Y: 9, Z: 4}, {X: 3, Y: 10, Z: 4}, {X: 4, Y: 8, Z: 4}}
	b, err := CalculateTileBounds(tiles)
	if err != nil {
		t.Fatal(err)
	}
	if b.MinCol != 3 || b.MaxCol != 5 || b.MinRow != 8 || b.MaxRow != 10 {
		t.Errorf("bounds = %+v", b)
	}
	if b.Cols() != 3 || b.Rows() != 3 {
		t.Errorf("cols/rows = %d/%d", b.Cols(), b.Rows())
	}
	if x, y := b.Offset(4, 10, 256); x != 256 || y != 512 {
		t.Errorf("Offset = %d,%d", x, y)
	}
	if _, err := CalculateTileBounds([]tile.Tile{}); err == nil {
		t.Error("empty tile list should fail")
	}
}

func TestResultOutcomes(t *testing.T) {
	tl := tile.Tile{X: 1, Y: 2, Z: 3}
	nf := NotFound(tl, 1)
	if nf.Succeeded() || nf.Outcome.String() != "not_found" || nf.Reason() != "no imagery" {
		t.Errorf("NotFound result = %+v", nf)
	}
	failed := Failed(tl, 3, "status %d", 403)
	if failed.Succeeded() || failed.Reason() != "status 403" || failed.Attempts != 3 {
		t.Errorf("Failed result = %+v", failed)
	}
	ok := TileDownloadResult{Tile: tl, Outcome: OutcomeSuccess, Path: "a.jpg"}
	if !ok.Succeeded() || ok.Outcome.String() != "success" {
		t.Errorf("success result = %+v", ok)
	}
	if errors.Unwrap(failed.Err) != nil {
		t.Error("plain failure should not wrap")
	}
}

func TestExtensionForContentType(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":               "jpg",
		"image/png":                "png",
		"image/png; charset=utf-8": "png",
		"IMAGE/JPEG":               "jpg",
		"image/webp":               "webp",
		"image/tiff":               "tif",
		"image/../../x":            "img",
		"image/x-evil":             "img",
		"image/png/../../etc":      "img",
		"application/json":         "img",
		"":                         "img",
	}
	for in, want := range tests {
		if got := ExtensionForContentType(in); got != want {
			t.Errorf("ExtensionForContentType(%q) = %q, want %q", in, got, want)
		}
	}
	if ContentTypeForExtension(".PNG") != "image/png" || ContentTypeForExtension("jpg") != "image/jpeg" {
		t.Error("unexpected content type for extension")
	}
}
