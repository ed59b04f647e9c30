package tile

import (
	"slices"

	"github.com/samber/lo"
)

// Group is a quadkey bucket: every tile whose quadkey starts with Key
type Group struct {
	Key   string
	Tiles []Tile
}

// GroupByQuadkey buckets tiles by the quadkey of their ancestor at
// groupZoom. Groups come back sorted by key and tiles by (y, x), so the
// merge order of each bucket is fixed.
func GroupByQuadkey(tiles []Tile, groupZoom int) []Group {
	buckets := lo.GroupBy(lo.Uniq(tiles), func(t Tile) string {
		return t.Ancestor(groupZoom).Quadkey()
	})

	keys := lo.Keys(buckets)
	slices.Sort(keys)

	groups := make([]Group, 0, len(keys))
	for _, key := range keys {
		members := buckets[key]
		slices.SortFunc(members, Compare)
		groups = append(groups, Group{Key: key, Tiles: members})
	}
	return groups
}

// Union merges tile lists, dropping duplicates, sorted by (z, y, x)
func Union(lists ...[]Tile) []Tile {
	out := lo.Uniq(lo.Flatten(lists))
	slices.SortFunc(out, Compare)
	return out
}
