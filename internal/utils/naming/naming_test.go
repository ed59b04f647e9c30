package naming

import (
	"path/filepath"
	"testing"

	"imagery-pipeline/internal/tile"
)

func TestTileFilenameRoundTrip(t *testing.T) {
	tl := tile.Tile{X: 134376, Y: 195033, Z: 19}
	name := TileFilename(tl, ".jpg")
	if name != "134376_195033_19.jpg" {
		t.Fatalf("TileFilename = %q", name)
	}
	got, ext, err := ParseTileFilename(filepath.Join("tiles", "7", name))
	if err != nil || got != tl || ext != "jpg" {
		t.Errorf("ParseTileFilename = %v, %q, %v", got, ext, err)
	}
	for _, bad := range []string{"1_2.jpg", "a_b_c.png", "1_2_3", "9_0_2.jpg"} {
		if _, _, err := ParseTileFilename(bad); err == nil {
			t.Errorf("ParseTileFilename(%q) should fail", bad)
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := map[string]string{
		"123":         "123",
		"lot 4/B":     "lot_4_B",
		"../../etc":   "etc",
		"  ":          "unnamed",
		"0231301203":  "0231301203",
		"parcel.v2-a": "parcel.v2-a",
	}
	for in, want := range tests {
		if got := SanitizeKey(in); got != want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProjectFolder(t *testing.T) {
	tests := map[string]string{
		"a_b_c":      filepath.Join("a", "b", "c"),
		"texas":      "texas",
		"us__austin": filepath.Join("us", "austin"),
		"_":          "unnamed",
	}
	for in, want := range tests {
		if got := ProjectFolder(in); got != want {
			t.Errorf("ProjectFolder(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDirNames(t *testing.T) {
	if got := GenerateTilesDirName("42"); got != filepath.Join("tiles", "42") {
		t.Errorf("GenerateTilesDirName = %q", got)
	}
	if got := GenerateScratchDirName("42"); got != filepath.Join("tiles", "scratch_42") {
		t.Errorf("GenerateScratchDirName = %q", got)
	}
	if got := OutputFilename("lot 4", "tif"); got != "lot_4.tif" {
		t.Errorf("OutputFilename = %q", got)
	}
}

func TestKeyStemsAreDistinct(t *testing.T) {
	keys := []string{"a b", "a_b", "!!", "??", "0231301203"}
	stems := KeyStems(keys)

	seen := make(map[string]string)
	for i, s := range stems {
		if prev, ok := seen[s]; ok {
			t.Errorf("keys %q and %q share stem %q", prev, keys[i], s)
		}
		seen[s] = keys[i]
		if SanitizeKey(s) != s {
			t.Errorf("stem %q of %q is not file safe", s, keys[i])
		}
	}
	if stems[1] != "a_b" || stems[4] != "0231301203" {
		t.Errorf("safe keys should keep their names, got %q and %q", stems[1], stems[4])
	}
	if again := KeyStems(keys); again[0] != stems[0] || again[2] != stems[2] {
		t.Errorf("stems not stable across runs: %v vs %v", stems, again)
	}
}

func TestKeyStemsCounterOnClash(t *testing.T) {
	stems := KeyStems([]string{"x", "x"})
	if stems[0] != "x" || stems[1] != "x-2" {
		t.Errorf("KeyStems = %v, want [x x-2]", stems)
	}
}
