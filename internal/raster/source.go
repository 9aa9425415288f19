// Package raster defines the narrow raster-read contract the tile pipeline
// consumes, plus a pure-Go tiled GeoTIFF implementation of it. The pipeline
// only ever opens a source by path, samples geo-referenced values, and
// closes it; decoding details stay behind this interface.
package raster

import (
	"context"
	"fmt"
	"os"
)

// GeoBounds is the geographic extent of a source in degrees.
type GeoBounds struct {
	West  float64
	South float64
	East  float64
	North float64
}

func (b GeoBounds) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// Source is one open raster dataset. Implementations must be safe for
// concurrent sampling; Close releases the underlying handle and must be
// called exactly once on every exit path.
type Source interface {
	// Bounds returns the geographic footprint of the dataset.
	Bounds() GeoBounds

	// Bands returns the number of samples per pixel.
	Bands() int

	// At samples the value nearest to (lon, lat) for one band. The second
	// return is false when the location is outside the dataset or carries
	// the nodata value; a non-nil error means the read itself failed.
	At(lon, lat float64, band int) (float64, bool, error)

	Close() error
}

// Opener opens a source by path or identifier. The returned Source is
// scoped to a single tile read.
type Opener func(ctx context.Context, path string) (Source, error)

// FileOpener opens local GeoTIFF files, the production Opener.
func FileOpener(blockCacheSize int64) Opener {
	return func(_ context.Context, path string) (Source, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open raster %s: %w", path, err)
		}
		src, err := OpenGeoTIFF(f, blockCacheSize)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("parse raster %s: %w", path, err)
		}
		return src, nil
	}
}
