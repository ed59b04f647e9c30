package common

import (
	"fmt"
	"strings"
)

// Tile resource types served by the tile API
const (
	ResourceVert  = "Vert"
	ResourceNorth = "North"
	ResourceSouth = "South"
	ResourceEast  = "East"
	ResourceWest  = "West"
)

// Mosaic selection modes
const (
	MosaicLatest   = "latest"
	MosaicEarliest = "earliest"
)

// counter-clockwise degrees applied so oblique tiles read north-up
var resourceRotations = map[string]int{
	ResourceVert:  0,
	ResourceNorth: 0,
	ResourceSouth: 180,
	ResourceEast:  270,
	ResourceWest:  90,
}

// NormalizeResourceType capitalises and validates a resource type ("vert" -> "Vert")
func NormalizeResourceType(resource string) (string, error) {
	r := strings.TrimSpace(resource)
	if r == "" {
		return ResourceVert, nil
	}
	r = strings.ToUpper(r[:1]) + strings.ToLower(r[1:])
	if _, ok := resourceRotations[r]; !ok {
		return "", fmt.Errorf("unknown tile resource type %q (must be Vert, North, South, East or West)", resource)
	}
	return r, nil
}

// Rotation returns the counter-clockwise rotation in degrees for a resource type
func Rotation(resource string) int {
	return resourceRotations[resource]
}

// NormalizeMosaic validates the mosaic query option; empty is allowed
func NormalizeMosaic(mosaic string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(mosaic))
	switch m {
	case "", MosaicLatest, MosaicEarliest:
		return m, nil
	}
	return "", fmt.Errorf("mosaic %q not one of %s, %s", mosaic, MosaicLatest, MosaicEarliest)
}
