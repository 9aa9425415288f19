// Package mosaic composites per-asset pixel windows into one tile. Assets
// are read in bounded parallel batches but merged strictly in priority
// order, first valid pixel wins, and reading stops as soon as the canvas
// has no holes left.
package mosaic

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/planetgeo/mars-tiler/internal/encode"
	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/observability"
	"github.com/planetgeo/mars-tiler/internal/timing"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

// TileReader reads one asset's window for one tile. Satisfied by
// *reader.Reader in production and by fakes in tests.
type TileReader interface {
	ReadTile(ctx context.Context, asset model.MosaicAsset, tile tms.TileID, size int, post encode.PostProcess) (*encode.Image, error)
}

// PostProcessor selects the per-asset transform for a window. Defaults to
// reader.PostProcessFor.
type PostProcessor func(asset model.MosaicAsset) encode.PostProcess

// Compositor merges asset windows for tiles. Safe for concurrent use.
type Compositor struct {
	reader      TileReader
	postFor     PostProcessor
	concurrency int
	logger      *slog.Logger
}

type Option func(*Compositor)

func WithConcurrency(n int) Option {
	return func(c *Compositor) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Compositor) { c.logger = logger }
}

func WithPostProcessor(f PostProcessor) Option {
	return func(c *Compositor) { c.postFor = f }
}

func New(reader TileReader, opts ...Option) *Compositor {
	c := &Compositor{
		reader:      reader,
		concurrency: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose reads the assets for tile and merges them into a single window.
// Assets are consumed in slice order (highest priority first), or in
// reverse when req.Reverse is set. Individual read failures drop the asset
// and the merge continues; if nothing contributes a single pixel the call
// fails with ErrNoAssetFound. The returned asset list holds only assets
// that actually filled pixels, in merge order.
func (c *Compositor) Compose(ctx context.Context, tile tms.TileID, assets []model.MosaicAsset, req model.TileRequest) (*encode.Image, []model.MosaicAsset, error) {
	if len(assets) == 0 {
		return nil, nil, model.ErrNoAssetFound
	}

	// Work on a copy: the input slice may be shared with the resolver's
	// memoization cache.
	ordered := make([]model.MosaicAsset, len(assets))
	for i, a := range assets {
		if req.Reverse {
			ordered[len(assets)-1-i] = a
		} else {
			ordered[i] = a
		}
	}
	if req.Rescale != nil {
		for i := range ordered {
			ordered[i].RescaleRange = req.Rescale
		}
	}

	size := req.TileSize
	if size <= 0 {
		size = 256
	}

	var (
		canvas      *encode.Image
		contributed []model.MosaicAsset
	)

	// Reads run in chunks of the concurrency limit so a tile that the
	// first asset covers completely never touches the ones behind it.
	for start := 0; start < len(ordered); start += c.concurrency {
		end := start + c.concurrency
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[start:end]

		windows := make([]*encode.Image, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		for i, asset := range chunk {
			g.Go(func() error {
				im, err := c.readOne(gctx, asset, tile, size)
				if err != nil {
					return err
				}
				windows[i] = im
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}

		for i, im := range windows {
			if im == nil {
				continue
			}
			var filled int
			canvas, filled = merge(canvas, im)
			if filled > 0 {
				contributed = append(contributed, chunk[i])
			}
			if canvas.FullyValid() {
				break
			}
		}
		if canvas != nil && canvas.FullyValid() {
			break
		}
	}
	timing.AddStep(ctx, "read")

	if canvas == nil || canvas.ValidCount() == 0 {
		return nil, nil, model.ErrNoAssetFound
	}
	return canvas, contributed, nil
}

// readOne reads a single asset window, converting per-asset read failures
// into a nil window so the merge can route around the asset. Anything that
// is not an AssetReadError (context cancellation above all) aborts the
// whole composition.
func (c *Compositor) readOne(ctx context.Context, asset model.MosaicAsset, tile tms.TileID, size int) (*encode.Image, error) {
	var post encode.PostProcess
	if c.postFor != nil {
		post = c.postFor(asset)
	}
	im, err := c.reader.ReadTile(ctx, asset, tile, size, post)
	if err != nil {
		var re *model.AssetReadError
		if errors.As(err, &re) {
			observability.IncAssetReadFailure(asset.Mosaic)
			c.logger.Warn("skipping unreadable asset",
				"path", asset.Path,
				"mosaic", asset.Mosaic,
				"tile", tile,
				"error", re.Err)
			return nil, nil
		}
		return nil, err
	}
	return im, nil
}

// merge copies im's valid pixels into every canvas hole and returns the
// number of pixels it filled. The first window becomes the canvas as-is.
func merge(canvas, im *encode.Image) (*encode.Image, int) {
	if canvas == nil {
		return im, im.ValidCount()
	}

	bands := len(canvas.Bands)
	if len(im.Bands) < bands {
		bands = len(im.Bands)
	}
	filled := 0
	for i, m := range canvas.Mask {
		if m != 0 || im.Mask[i] == 0 {
			continue
		}
		for b := 0; b < bands; b++ {
			canvas.Bands[b][i] = im.Bands[b][i]
		}
		canvas.Mask[i] = 255
		filled++
	}
	return canvas, filled
}
