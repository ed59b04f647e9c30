package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"imagery-pipeline/internal/tile"
)

// TileFilename names a downloaded tile: {x}_{y}_{z}.{ext}
func TileFilename(t tile.Tile, ext string) string {
	return fmt.Sprintf("%d_%d_%d.%s", t.X, t.Y, t.Z, strings.TrimPrefix(ext, "."))
}

// ParseTileFilename is the inverse of TileFilename; it accepts a path
func ParseTileFilename(name string) (tile.Tile, string, error) {
	base := filepath.Base(name)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	parts := strings.Split(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	if len(parts) != 3 || ext == "" {
		return tile.Tile{}, "", fmt.Errorf("tile filename %q not in x_y_z.ext form", base)
	}
	var xyz [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return tile.Tile{}, "", fmt.Errorf("tile filename %q: %w", base, err)
		}
		xyz[i] = v
	}
	t, err := tile.New(xyz[0], xyz[1], xyz[2])
	return t, ext, err
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeKey makes a feature id or quadkey safe to use as a file stem
func SanitizeKey(key string) string {
	s := strings.Trim(unsafeKey.ReplaceAllString(strings.TrimSpace(key), "_"), "._")
	if s == "" {
		return "unnamed"
	}
	return s
}

// KeyStems maps unit keys to distinct file stems. A key that is already safe
// keeps its name; a rewritten one gets a hash of the raw key appended so that
// "a b" and "a_b" never share a directory. Leftover clashes get a counter.
func KeyStems(keys []string) []string {
	stems := make([]string, len(keys))
	used := make(map[string]bool, len(keys))
	for i, k := range keys {
		s := SanitizeKey(k)
		if s != k {
			s = fmt.Sprintf("%s_%08x", s, uint32(xxhash.Sum64String(k)))
		}
		base := s
		for n := 2; used[s]; n++ {
			s = fmt.Sprintf("%s-%d", base, n)
		}
		used[s] = true
		stems[i] = s
	}
	return stems
}

// OutputFilename creates the merged raster name: {key}.{ext}
func OutputFilename(key, ext string) string {
	return SanitizeKey(key) + "." + strings.TrimPrefix(ext, ".")
}

// GenerateTilesDirName creates the per-unit raw tile directory name
// Format: tiles/{key}
func GenerateTilesDirName(key string) string {
	return filepath.Join("tiles", SanitizeKey(key))
}

// GenerateScratchDirName creates the per-unit georeferenced tile directory name
// Format: tiles/scratch_{key}
func GenerateScratchDirName(key string) string {
	return filepath.Join("tiles", "scratch_"+SanitizeKey(key))
}

// ProjectFolder maps an input file stem such as "a_b_c" to the nested
// output folder a/b/c
func ProjectFolder(stem string) string {
	var parts []string
	for _, p := range strings.Split(stem, "_") {
		if p = SanitizeKey(p); p != "unnamed" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "unnamed"
	}
	return filepath.Join(parts...)
}
