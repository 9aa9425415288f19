// Package pgindex implements the spatial index Querier on PostGIS. The
// footprint intersection itself lives in the imagery.get_datasets SQL
// function; this package only manages the pool and row mapping.
package pgindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

const datasetsQuery = `SELECT (imagery.get_datasets($1, $2, $3, $4)).*`

const connectTimeout = 5 * time.Second

// Index is a pooled PostGIS client. Safe for concurrent use.
type Index struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect parses the connection URL, opens the pool and verifies it with a
// ping so a bad DSN fails at startup rather than on the first tile.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("spatial index connected",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database)
	return &Index{pool: pool, logger: logger}, nil
}

// Datasets runs the footprint query for one mosaic and tile. Connection
// level failures surface as ErrIndexUnavailable so callers can distinguish
// a down index from an empty result.
func (x *Index) Datasets(ctx context.Context, mosaic string, tile tms.TileID) ([]model.MosaicAsset, error) {
	rows, err := x.pool.Query(ctx, datasetsQuery,
		int64(tile.X), int64(tile.Y), int64(tile.Z), mosaic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var assets []model.MosaicAsset
	for rows.Next() {
		var (
			a                      model.MosaicAsset
			rescaleMin, rescaleMax *float64
		)
		if err := rows.Scan(&a.Path, &a.MinZoom, &a.MaxZoom, &rescaleMin, &rescaleMax); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		a.Mosaic = mosaic
		if rescaleMin != nil && rescaleMax != nil {
			a.RescaleRange = &[2]float64{*rescaleMin, *rescaleMax}
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIndexUnavailable, err)
	}
	return assets, nil
}

// Ping reports backend liveness for health checks.
func (x *Index) Ping(ctx context.Context) error {
	return x.pool.Ping(ctx)
}

func (x *Index) Close() {
	x.pool.Close()
}
