//go:build gdal

package main

// Registers the "gdal" mosaic backend
import _ "imagery-pipeline/internal/imagery/gdalwarp"
