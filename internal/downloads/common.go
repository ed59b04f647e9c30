package downloads

import (
	"fmt"
	"path/filepath"
	"strings"

	"imagery-pipeline/internal/common"
	"imagery-pipeline/internal/tile"
)

// DownloadProgress tracks the progress of one work unit
type DownloadProgress struct {
	Unit       string `json:"unit"`
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	Status     string `json:"status"`
}

// Constants for validation
const (
	MinZoom = 0
	MaxZoom = tile.MaxZoom

	DefaultWorkers = 5 // tiles fetched concurrently per unit
)

// ValidateZoom checks a zoom level against the tile API range
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return fmt.Errorf("zoom level %d out of range [%d, %d]", zoom, MinZoom, MaxZoom)
	}
	return nil
}

// ValidateTileCoordinates validates individual tile coordinates
func ValidateTileCoordinates(z, x, y int) error {
	if err := ValidateZoom(z); err != nil {
		return err
	}

	maxTile := (1 << z) - 1
	if x < 0 || x > maxTile {
		return fmt.Errorf("x %d out of range [0, %d] for zoom %d", x, maxTile, z)
	}
	if y < 0 || y > maxTile {
		return fmt.Errorf("y %d out of range [0, %d] for zoom %d", y, maxTile, z)
	}

	return nil
}

// ValidateOutputPath checks that a path derived from input data stays inside
// baseDir. Feature ids end up in file names, so this blocks path traversal.
func ValidateOutputPath(baseDir, filePath string) error {
	if baseDir == "" || filePath == "" {
		return fmt.Errorf("output directory or file path is empty")
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for output directory: %w", err)
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for file: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absFile)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal attempt detected: %s is outside output directory %s", filePath, baseDir)
	}
	return nil
}

// Summary counts tile outcomes
type Summary struct {
	OK        int `json:"ok"`
	NotFound  int `json:"notFound"`
	Failed    int `json:"failed"`
	FromCache int `json:"fromCache"`
}

// Add counts one result
func (s *Summary) Add(r common.TileDownloadResult) {
	switch r.Outcome {
	case common.OutcomeSuccess:
		s.OK++
		if r.FromCache {
			s.FromCache++
		}
	case common.OutcomeNotFound:
		s.NotFound++
	default:
		s.Failed++
	}
}

// Merge adds another summary's counts
func (s *Summary) Merge(o Summary) {
	s.OK += o.OK
	s.NotFound += o.NotFound
	s.Failed += o.Failed
	s.FromCache += o.FromCache
}

// Total returns the number of tiles counted
func (s Summary) Total() int {
	return s.OK + s.NotFound + s.Failed
}
