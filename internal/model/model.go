// Package model defines the request-scoped value types shared across the
// tile pipeline, plus the error taxonomy surfaced at the HTTP boundary.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MosaicAsset is one source raster contributing to a mosaic tile. Created
// fresh per spatial query result row and never mutated afterwards; identity
// is by Path.
type MosaicAsset struct {
	Path         string      `json:"path"`
	Mosaic       string      `json:"mosaic,omitempty"`
	RescaleRange *[2]float64 `json:"rescale_range,omitempty"`
	MinZoom      int         `json:"minzoom"`
	MaxZoom      int         `json:"maxzoom"`
	Overscaled   bool        `json:"overscaled"`
}

// TileRequest carries the per-request compositing parameters parsed from
// query params. Passed by value into the compositor.
type TileRequest struct {
	Mosaics    []string
	TileSize   int
	Reverse    bool
	UseCache   bool
	Rescale    *[2]float64
	Format     string // "", "png", "jpg", "webp"
	Resampling string
}

// RenderedTile is the terminal output of the pipeline: encoded image bytes
// plus the assets that actually contributed.
type RenderedTile struct {
	Body        []byte
	ContentType string
	Assets      []MosaicAsset
	GeneratedAt time.Time
}

// Error taxonomy. These are matched with errors.Is at the HTTP boundary;
// everything else maps to an internal error.
var (
	// ErrNoAssetFound: zero assets intersect the tile. Terminal, not retried.
	ErrNoAssetFound = errors.New("no asset found for tile")

	// ErrAllAssetsOverscaled: assets exist but every one exceeds its native
	// maxzoom and overscaling was not permitted.
	ErrAllAssetsOverscaled = errors.New("all available assets are overscaled")

	// ErrIndexUnavailable: the spatial index backend could not be reached or
	// its pool is exhausted. Retryable by the caller.
	ErrIndexUnavailable = errors.New("spatial index unavailable")
)

// AssetReadError is a per-asset read failure. It is recovered locally by the
// compositor: the asset is excluded from the merge and the request proceeds
// unless no asset remains.
type AssetReadError struct {
	Path string
	Err  error
}

func (e *AssetReadError) Error() string {
	return fmt.Sprintf("read asset %s: %v", e.Path, e.Err)
}

func (e *AssetReadError) Unwrap() error { return e.Err }

// AssetPaths joins contributing asset paths for the X-Assets header.
func AssetPaths(assets []MosaicAsset) string {
	paths := make([]string, 0, len(assets))
	for _, a := range assets {
		paths = append(paths, a.Path)
	}
	return strings.Join(paths, ",")
}
