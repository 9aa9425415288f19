// Package index resolves which mosaic assets intersect a tile. The actual
// spatial lookup is delegated to a Querier (PostGIS in production); this
// package owns the zoom filtering, overscale rules, multi-mosaic ordering
// and the short-lived resolve memoization.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/observability"
	"github.com/planetgeo/mars-tiler/internal/timing"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

const (
	defaultZoomMargin = 4
	defaultCacheSize  = 4096
	defaultCacheTTL   = 30 * time.Second

	// pointLookupZoom is the zoom whose tile footprint approximates "the
	// datasets around this point" for point queries.
	pointLookupZoom = 10
)

// Querier answers raw intersection queries against the spatial index.
type Querier interface {
	// Datasets returns every asset of mosaic whose footprint intersects
	// tile, in the index's native priority order.
	Datasets(ctx context.Context, mosaic string, tile tms.TileID) ([]model.MosaicAsset, error)
}

// Resolver turns (tile, mosaics) into an ordered asset list.
type Resolver struct {
	q      Querier
	grid   *tms.Grid
	margin int
	cache  *expirable.LRU[string, []model.MosaicAsset]
	logger *slog.Logger
}

type Option func(*Resolver)

// WithZoomMargin sets how far below an asset's minzoom a request may sit
// and still see the asset. Margin 4 keeps low-zoom overview tiles rendering
// from assets indexed for deeper zooms.
func WithZoomMargin(m int) Option {
	return func(r *Resolver) {
		if m >= 0 {
			r.margin = m
		}
	}
}

func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		if size > 0 && ttl > 0 {
			r.cache = expirable.NewLRU[string, []model.MosaicAsset](size, nil, ttl)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func New(q Querier, grid *tms.Grid, opts ...Option) *Resolver {
	r := &Resolver{
		q:      q,
		grid:   grid,
		margin: defaultZoomMargin,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = expirable.NewLRU[string, []model.MosaicAsset](defaultCacheSize, nil, defaultCacheTTL)
	}
	return r
}

// Resolve returns the assets to composite for tile, one query per mosaic,
// ordered by mosaic position in the request and maxzoom descending within
// a mosaic. Assets whose minzoom sits more than the zoom margin above the
// requested zoom are dropped; assets past their maxzoom are kept but
// flagged Overscaled, and the resolve fails with ErrAllAssetsOverscaled
// when no native-resolution asset remains.
func (r *Resolver) Resolve(ctx context.Context, tile tms.TileID, mosaics []string) ([]model.MosaicAsset, error) {
	if len(mosaics) == 0 {
		return nil, model.ErrNoAssetFound
	}

	key := resolveKey(tile, mosaics)
	if cached, ok := r.cache.Get(key); ok {
		timing.AddStep(ctx, "resolve")
		return cached, nil
	}

	var all []model.MosaicAsset
	order := make(map[string]int, len(mosaics))
	for i, m := range mosaics {
		order[m] = i
		assets, err := r.query(ctx, m, tile)
		if err != nil {
			return nil, err
		}
		all = append(all, assets...)
	}
	timing.AddStep(ctx, "resolve")

	z := int(tile.Z)
	kept := all[:0]
	for _, a := range all {
		if a.MinZoom-r.margin >= z {
			continue
		}
		a.Overscaled = z > a.MaxZoom
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		return nil, model.ErrNoAssetFound
	}

	sort.SliceStable(kept, func(i, j int) bool {
		oi, oj := order[kept[i].Mosaic], order[kept[j].Mosaic]
		if oi != oj {
			return oi < oj
		}
		return kept[i].MaxZoom > kept[j].MaxZoom
	})

	native := 0
	for _, a := range kept {
		if !a.Overscaled {
			native++
		}
	}
	if native == 0 {
		return nil, fmt.Errorf("tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, model.ErrAllAssetsOverscaled)
	}

	r.cache.Add(key, kept)
	return kept, nil
}

// AssetsForPoint lists every asset of mosaic intersecting the lookup tile
// around (lon, lat). Zoom filtering does not apply; this is the discovery
// path, not the rendering path.
func (r *Resolver) AssetsForPoint(ctx context.Context, mosaic string, lon, lat float64) ([]model.MosaicAsset, error) {
	tile := r.grid.TileFor(lon, lat, pointLookupZoom)
	assets, err := r.query(ctx, mosaic, tile)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, model.ErrNoAssetFound
	}
	sort.SliceStable(assets, func(i, j int) bool {
		return assets[i].MaxZoom > assets[j].MaxZoom
	})
	return assets, nil
}

func (r *Resolver) query(ctx context.Context, mosaic string, tile tms.TileID) ([]model.MosaicAsset, error) {
	start := time.Now()
	assets, err := r.q.Datasets(ctx, mosaic, tile)
	observability.ObserveUpstream("index", "datasets", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("query mosaic %s: %w", mosaic, err)
	}
	for i := range assets {
		if assets[i].Mosaic == "" {
			assets[i].Mosaic = mosaic
		}
	}
	return assets, nil
}

func resolveKey(tile tms.TileID, mosaics []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(mosaics, ","))
	b.WriteByte('@')
	b.WriteString(strconv.FormatUint(uint64(tile.Z), 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(tile.X), 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(tile.Y), 10))
	return b.String()
}
