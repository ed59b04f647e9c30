package common

import (
	"fmt"

	"github.com/paulmach/orb"

	"imagery-pipeline/internal/tile"
)

// Outcome classifies a single tile fetch
type Outcome int

const (
	// OutcomeFailed means the tile could not be fetched; Err carries the reason
	OutcomeFailed Outcome = iota
	// OutcomeSuccess means Path (or Data when streaming) holds the image
	OutcomeSuccess
	// OutcomeNotFound means the server has no imagery for the tile (HTTP 404)
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// TileDownloadResult represents the result of downloading a single tile
type TileDownloadResult struct {
	Tile    tile.Tile
	Outcome Outcome

	// Group is the work unit key: the feature id or the quadkey bucket
	Group string
	// FID is the feature id value when grouping by feature
	FID string

	// Path is the file written to disk, empty when streaming
	Path string

	// Data contains the raw tile image bytes when streaming
	Data []byte

	// ContentType is the response media type, e.g. image/jpeg
	ContentType string

	// Err explains an OutcomeFailed result
	Err error

	// Attempts counts HTTP requests issued, including retries
	Attempts int

	// FromCache is set when the bytes came from the persistent tile cache
	FromCache bool
}

// Succeeded reports whether the tile image is available
func (r TileDownloadResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Bound returns the WGS84 bounding box of the tile
func (r TileDownloadResult) Bound() orb.Bound {
	return r.Tile.Bound()
}

// Reason returns a short human readable explanation of the outcome
func (r TileDownloadResult) Reason() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return "ok"
	case OutcomeNotFound:
		return "no imagery"
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return "unknown failure"
}

// NotFound builds the result for a tile the server has no imagery for
func NotFound(t tile.Tile, attempts int) TileDownloadResult {
	return TileDownloadResult{Tile: t, Outcome: OutcomeNotFound, Attempts: attempts}
}

// Failed builds the result for a tile that could not be fetched
func Failed(t tile.Tile, attempts int, format string, args ...interface{}) TileDownloadResult {
	return TileDownloadResult{Tile: t, Outcome: OutcomeFailed, Attempts: attempts, Err: fmt.Errorf(format, args...)}
}
