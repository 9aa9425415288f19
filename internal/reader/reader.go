// Package reader reads one tile-sized window out of one mosaic asset,
// reprojecting the tile's grid coordinates into the asset's native
// georeferencing and applying the asset's post-process transform.
package reader

import (
	"context"
	"strings"

	"github.com/planetgeo/mars-tiler/internal/encode"
	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/raster"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

// Reader turns (asset, tile) pairs into pixel windows. One Reader is
// shared by all requests; each read opens and closes its own source.
type Reader struct {
	grid *tms.Grid
	open raster.Opener
}

func New(grid *tms.Grid, open raster.Opener) *Reader {
	return &Reader{grid: grid, open: open}
}

// ReadTile samples a size x size window for tile from the asset, nearest
// neighbor, and applies post before returning. Read failures come back as
// *model.AssetReadError so the compositor can recover per asset. The
// source handle is released on every exit path.
func (r *Reader) ReadTile(ctx context.Context, asset model.MosaicAsset, tile tms.TileID, size int, post encode.PostProcess) (*encode.Image, error) {
	src, err := r.open(ctx, asset.Path)
	if err != nil {
		return nil, &model.AssetReadError{Path: asset.Path, Err: err}
	}
	defer src.Close()

	im := encode.NewImage(src.Bands(), size, size)
	xy := r.grid.XYBoundsOf(tile)
	stepX := (xy.Right - xy.Left) / float64(size)
	stepY := (xy.Top - xy.Bottom) / float64(size)

	for row := 0; row < size; row++ {
		// Pixel centers, top row first.
		py := xy.Top - (float64(row)+0.5)*stepY
		for col := 0; col < size; col++ {
			px := xy.Left + (float64(col)+0.5)*stepX
			lon, lat := r.grid.Inverse(px, py)
			idx := row*size + col
			valid := true
			for band := 0; band < len(im.Bands); band++ {
				v, ok, err := src.At(lon, lat, band)
				if err != nil {
					return nil, &model.AssetReadError{Path: asset.Path, Err: err}
				}
				if !ok {
					valid = false
					break
				}
				im.Bands[band][idx] = v
			}
			if valid {
				im.Mask[idx] = 255
			}
		}
	}

	if post != nil {
		post(im)
	}
	return im, nil
}

// PostProcessFor composes the per-asset transform: sensor-specific nodata
// masking first, then the asset's linear rescale when one is declared.
func PostProcessFor(asset model.MosaicAsset) encode.PostProcess {
	var steps []encode.PostProcess
	if strings.HasPrefix(asset.Mosaic, "hirise") {
		steps = append(steps, encode.MaskZero())
	}
	if rng := asset.RescaleRange; rng != nil {
		steps = append(steps, encode.Rescale(rng[0], rng[1]))
	}
	if len(steps) == 0 {
		return nil
	}
	return encode.Chain(steps...)
}
