package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/planetgeo/mars-tiler/internal/encode"
	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/observability"
	"github.com/planetgeo/mars-tiler/internal/render"
	"github.com/planetgeo/mars-tiler/internal/tilecache"
	"github.com/planetgeo/mars-tiler/internal/timing"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

// AssetResolver resolves which assets intersect a tile. Satisfied by
// *index.Resolver.
type AssetResolver interface {
	Resolve(ctx context.Context, tile tms.TileID, mosaics []string) ([]model.MosaicAsset, error)
	AssetsForPoint(ctx context.Context, mosaic string, lon, lat float64) ([]model.MosaicAsset, error)
}

// Compositor merges asset windows into one tile image. Satisfied by
// *mosaic.Compositor.
type Compositor interface {
	Compose(ctx context.Context, tile tms.TileID, assets []model.MosaicAsset, req model.TileRequest) (*encode.Image, []model.MosaicAsset, error)
}

// Handlers holds the tile pipeline behind the HTTP surface. The cache may
// be nil; every cache interaction degrades to a bypass.
type Handlers struct {
	resolver AssetResolver
	comp     Compositor
	cache    *tilecache.Cache
	grid     *tms.Grid
	logger   *slog.Logger
}

func NewHandlers(resolver AssetResolver, comp Compositor, cache *tilecache.Cache, grid *tms.Grid, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{resolver: resolver, comp: comp, cache: cache, grid: grid, logger: logger}
}

// Tile serves GET /{mosaic}/tiles/{z}/{x}/{y}[@{scale}x][.{format}].
func (h *Handlers) Tile(w http.ResponseWriter, r *http.Request) {
	mosaic := chi.URLParam(r, "mosaic")
	h.serveTile(w, r, []string{mosaic})
}

// MultiTile serves GET /mosaic/tiles/{z}/{x}/{y}?mosaic=a,b,c. The first
// listed mosaic renders on top. Multi-mosaic responses are never cached.
func (h *Handlers) MultiTile(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("mosaic"))
	if raw == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("missing required parameter: mosaic"))
		return
	}
	var mosaics []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			mosaics = append(mosaics, m)
		}
	}
	if len(mosaics) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("empty mosaic list"))
		return
	}
	h.serveTile(w, r, mosaics)
}

func (h *Handlers) serveTile(w http.ResponseWriter, r *http.Request, mosaics []string) {
	ctx, tm := timing.NewContext(r.Context())

	tile, scale, format, err := parseTilePath(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req, err := parseTileRequest(r, mosaics, scale, format)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}

	// Multi-mosaic requests skip the cache: their key space explodes and
	// hit rates do not pay for it.
	cacheable := h.cache != nil && req.UseCache && len(mosaics) == 1
	outcome := tilecache.OutcomeBypass
	var key string
	if cacheable {
		key = tilecache.Key(tile, req)
		entry, oc := h.cache.Lookup(ctx, key)
		timing.AddStep(ctx, "cache")
		if entry != nil {
			if !entry.ShouldGenerate {
				w.Header().Set("X-Tile-Cache", tilecache.OutcomeHit)
				h.writeError(w, r, http.StatusNotFound, "no_asset_found", model.ErrNoAssetFound)
				return
			}
			if entry.Tile != nil {
				h.writeTile(w, tm, entry.Tile, tilecache.OutcomeHit)
				return
			}
			// Asset-list-only entry: advisory. A fresh resolve wins over
			// the cached list, so fall through to the render path. The
			// body is freshly rendered, so the header reports a miss.
			oc = tilecache.OutcomeMiss
		}
		outcome = oc
	} else {
		observability.IncTileCache(tilecache.OutcomeBypass)
	}

	rendered, err := h.render(ctx, tile, req)
	if err != nil {
		if cacheable && errors.Is(err, model.ErrNoAssetFound) {
			h.cache.StoreNegative(key)
		}
		h.writeRenderError(w, r, err)
		return
	}

	h.writeTile(w, tm, rendered, outcome)
	if cacheable {
		h.cache.Store(key, rendered)
	}
}

func (h *Handlers) render(ctx context.Context, tile tms.TileID, req model.TileRequest) (*model.RenderedTile, error) {
	assets, err := h.resolver.Resolve(ctx, tile, req.Mosaics)
	if err != nil {
		return nil, err
	}

	im, used, err := h.comp.Compose(ctx, tile, assets, req)
	if err != nil {
		return nil, err
	}
	if post := postMergeFor(req.Mosaics); post != nil {
		post(im)
	}

	body, contentType, err := render.Encode(im, req.Format)
	timing.AddStep(ctx, "encode")
	if err != nil {
		return nil, err
	}

	return &model.RenderedTile{
		Body:        body,
		ContentType: contentType,
		Assets:      used,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// postMergeFor returns the whole-canvas transform applied after the merge.
// Elevation mosaics ship terrain RGB so clients can decode float heights
// from the image.
func postMergeFor(mosaics []string) encode.PostProcess {
	if len(mosaics) == 1 && mosaics[0] == "elevation_model" {
		return encode.TerrainRGB(encode.TerrainBase, encode.TerrainInterval)
	}
	return nil
}

// TileInfo serves GET /{mosaic}/tiles/{z}/{x}/{y}/info: the resolved asset
// list and tile geometry without rendering anything.
func (h *Handlers) TileInfo(w http.ResponseWriter, r *http.Request) {
	tile, _, _, err := parseTilePath(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	mosaics := []string{chi.URLParam(r, "mosaic")}

	assets, err := h.resolver.Resolve(r.Context(), tile, mosaics)
	if err != nil {
		h.writeRenderError(w, r, err)
		return
	}

	feature := geojson.NewFeature(h.grid.Feature(tile))
	feature.Properties = geojson.Properties{
		"z": tile.Z, "x": tile.X, "y": tile.Y,
	}

	bounds := h.grid.BoundsOf(tile)
	xy := h.grid.XYBoundsOf(tile)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"tile":    map[string]uint32{"z": tile.Z, "x": tile.X, "y": tile.Y},
		"mosaics": mosaics,
		"assets":  assets,
		"bounds": map[string]float64{
			"west": bounds.West, "south": bounds.South,
			"east": bounds.East, "north": bounds.North,
		},
		"xy_bounds": map[string]float64{
			"left": xy.Left, "bottom": xy.Bottom,
			"right": xy.Right, "top": xy.Top,
		},
		"feature": feature,
	})
}

// Datasets serves GET /datasets/{mosaic}?lon=&lat=: the datasets under the
// lookup tile containing the point.
func (h *Handlers) Datasets(w http.ResponseWriter, r *http.Request) {
	mosaic := chi.URLParam(r, "mosaic")
	lon, err1 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	lat, err2 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err1 != nil || err2 != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("lon and lat are required"))
		return
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("lon/lat out of range"))
		return
	}

	assets, err := h.resolver.AssetsForPoint(r.Context(), mosaic, lon, lat)
	if err != nil {
		h.writeRenderError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"mosaic":   mosaic,
		"datasets": assets,
	})
}

func (h *Handlers) writeTile(w http.ResponseWriter, tm *timing.Timer, tile *model.RenderedTile, outcome string) {
	w.Header().Set("Content-Type", tile.ContentType)
	w.Header().Set("Server-Timing", tm.ServerTimings())
	w.Header().Set("X-Tile-Cache", outcome)
	if len(tile.Assets) > 0 {
		w.Header().Set("X-Assets", model.AssetPaths(tile.Assets))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tile.Body)
}

// writeRenderError maps the pipeline error taxonomy onto status codes.
func (h *Handlers) writeRenderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNoAssetFound):
		h.writeError(w, r, http.StatusNotFound, "no_asset_found", err)
	case errors.Is(err, model.ErrAllAssetsOverscaled):
		h.writeError(w, r, http.StatusUnprocessableEntity, "all_assets_overscaled", err)
	case errors.Is(err, model.ErrIndexUnavailable):
		h.writeError(w, r, http.StatusServiceUnavailable, "index_unavailable", err)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("tile request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, _ *http.Request, status int, kind string, err error) {
	h.writeJSON(w, status, map[string]string{
		"error":  kind,
		"detail": err.Error(),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", "error", err)
	}
}

// parseTilePath extracts the tile address plus the optional @{scale}x and
// .{format} suffixes carried on the y segment.
func parseTilePath(r *http.Request) (tms.TileID, int, string, error) {
	zRaw := chi.URLParam(r, "z")
	xRaw := chi.URLParam(r, "x")
	yRaw := chi.URLParam(r, "y")

	format := ""
	if i := strings.LastIndexByte(yRaw, '.'); i >= 0 {
		var err error
		if format, err = normalizeFormat(yRaw[i+1:]); err != nil {
			return tms.TileID{}, 0, "", err
		}
		yRaw = yRaw[:i]
	}

	scale := 1
	if i := strings.IndexByte(yRaw, '@'); i >= 0 {
		spec := yRaw[i+1:]
		yRaw = yRaw[:i]
		if !strings.HasSuffix(spec, "x") {
			return tms.TileID{}, 0, "", fmt.Errorf("malformed scale suffix %q", spec)
		}
		n, err := strconv.Atoi(strings.TrimSuffix(spec, "x"))
		if err != nil || n < 1 || n > 4 {
			return tms.TileID{}, 0, "", fmt.Errorf("scale must be 1..4, got %q", spec)
		}
		scale = n
	}

	z, err := parseUint32(zRaw)
	if err != nil {
		return tms.TileID{}, 0, "", fmt.Errorf("z: %w", err)
	}
	x, err := parseUint32(xRaw)
	if err != nil {
		return tms.TileID{}, 0, "", fmt.Errorf("x: %w", err)
	}
	y, err := parseUint32(yRaw)
	if err != nil {
		return tms.TileID{}, 0, "", fmt.Errorf("y: %w", err)
	}

	tile := tms.TileID{X: x, Y: y, Z: z}
	if !tile.Valid() {
		return tms.TileID{}, 0, "", fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	return tile, scale, format, nil
}

func parseTileRequest(r *http.Request, mosaics []string, scale int, format string) (model.TileRequest, error) {
	q := r.URL.Query()
	req := model.TileRequest{
		Mosaics:  mosaics,
		TileSize: scale * 256,
		Format:   format,
		UseCache: true,
	}

	if v := q.Get("use_cache"); v != "" {
		req.UseCache = !(v == "0" || strings.EqualFold(v, "false") || strings.EqualFold(v, "no"))
	}
	if v := q.Get("reverse"); v != "" {
		req.Reverse = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := q.Get("rescale"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			return model.TileRequest{}, fmt.Errorf("rescale wants lo,hi, got %q", v)
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil || hi <= lo {
			return model.TileRequest{}, fmt.Errorf("invalid rescale range %q", v)
		}
		req.Rescale = &[2]float64{lo, hi}
	}
	if v := q.Get("resampling"); v != "" {
		// Nearest neighbor is the only sampling the reader implements.
		if !strings.EqualFold(v, "nearest") {
			return model.TileRequest{}, fmt.Errorf("unsupported resampling %q", v)
		}
		req.Resampling = strings.ToLower(v)
	}
	return req, nil
}

func normalizeFormat(ext string) (string, error) {
	switch strings.ToLower(ext) {
	case "png":
		return render.FormatPNG, nil
	case "jpg", "jpeg":
		return render.FormatJPEG, nil
	case "webp":
		return render.FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported tile format %q", ext)
	}
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a tile coordinate: %q", s)
	}
	return uint32(n), nil
}
