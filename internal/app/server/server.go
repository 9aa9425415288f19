// Package server assembles the HTTP surface and the tile pipeline behind
// it, and owns process lifecycle: backend connections, graceful shutdown,
// cache drain.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planetgeo/mars-tiler/internal/config"
	"github.com/planetgeo/mars-tiler/internal/health"
	"github.com/planetgeo/mars-tiler/internal/index"
	"github.com/planetgeo/mars-tiler/internal/index/pgindex"
	"github.com/planetgeo/mars-tiler/internal/middleware"
	"github.com/planetgeo/mars-tiler/internal/mosaic"
	"github.com/planetgeo/mars-tiler/internal/raster"
	"github.com/planetgeo/mars-tiler/internal/reader"
	"github.com/planetgeo/mars-tiler/internal/tilecache"
	"github.com/planetgeo/mars-tiler/internal/tilecache/redisstore"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

// Run wires the pipeline from config and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	grid := tms.NewMars(logger)

	pg, err := pgindex.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	resolver := index.New(pg, grid,
		index.WithZoomMargin(cfg.ZoomMargin),
		index.WithCache(cfg.ResolveCacheSize, cfg.ResolveCacheTTL),
		index.WithLogger(logger),
	)

	open := raster.FileOpener(int64(cfg.TileBlockCacheMB) << 20)
	if cfg.DataDir != "" {
		base := open
		dir := cfg.DataDir
		open = func(ctx context.Context, path string) (raster.Source, error) {
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			return base(ctx, path)
		}
	}

	comp := mosaic.New(reader.New(grid, open),
		mosaic.WithConcurrency(cfg.MosaicConcurrency),
		mosaic.WithLogger(logger),
		mosaic.WithPostProcessor(reader.PostProcessFor),
	)

	backends := map[string]health.Pinger{"index": pg}

	var cache *tilecache.Cache
	if cfg.CacheEnabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			// The cache is an optimization; a dead Redis must not keep the
			// server from rendering tiles.
			logger.Warn("tile cache disabled, redis unreachable", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rc.Close()
			cache = tilecache.New(rc, cfg.CacheFillWorkers,
				tilecache.WithTTL(cfg.CacheTTL),
				tilecache.WithOpTimeout(cfg.CacheOpTimeout),
				tilecache.WithFillQueue(cfg.CacheFillQueue),
				tilecache.WithLogger(logger),
			)
			defer cache.Close()
		}
	}

	h := NewHandlers(resolver, comp, cache, grid, logger)
	r := NewRouter(h, logger, backends)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// NewRouter mounts the tile endpoints plus operational routes. Split from
// Run so handler tests can drive the real routing table.
func NewRouter(h *Handlers, logger *slog.Logger, backends map[string]health.Pinger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(backends))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The static /mosaic prefix takes priority over the {mosaic} wildcard,
	// giving the multi-mosaic form its own namespace.
	r.Get("/mosaic/tiles/{z}/{x}/{y}", h.MultiTile)
	r.Get("/datasets/{mosaic}", h.Datasets)
	r.Get("/{mosaic}/tiles/{z}/{x}/{y}/info", h.TileInfo)
	r.Get("/{mosaic}/tiles/{z}/{x}/{y}", h.Tile)

	return r
}
