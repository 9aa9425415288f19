package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/planetgeo/mars-tiler/internal/encode"
	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/tilecache"
	"github.com/planetgeo/mars-tiler/internal/tilecache/redisstore"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

type fakeResolver struct {
	assets []model.MosaicAsset
	err    error

	gotTile    tms.TileID
	gotMosaics []string
}

func (f *fakeResolver) Resolve(_ context.Context, tile tms.TileID, mosaics []string) ([]model.MosaicAsset, error) {
	f.gotTile = tile
	f.gotMosaics = mosaics
	if f.err != nil {
		return nil, f.err
	}
	return f.assets, nil
}

func (f *fakeResolver) AssetsForPoint(_ context.Context, mosaic string, lon, lat float64) ([]model.MosaicAsset, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.assets, nil
}

type fakeCompositor struct {
	image *encode.Image
	err   error

	gotReq model.TileRequest
	calls  int
}

func (f *fakeCompositor) Compose(_ context.Context, _ tms.TileID, assets []model.MosaicAsset, req model.TileRequest) (*encode.Image, []model.MosaicAsset, error) {
	f.gotReq = req
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.image, assets, nil
}

func elevationImage(size int, masked bool) *encode.Image {
	im := encode.NewImage(1, size, size)
	for i := range im.Mask {
		im.Mask[i] = 255
		im.Bands[0][i] = -2500 // typical northern-plains elevation
	}
	if masked {
		im.Mask[0] = 0
	}
	return im
}

func elevationAssets() []model.MosaicAsset {
	return []model.MosaicAsset{
		{Path: "dem/a.tif", Mosaic: "elevation_model", MaxZoom: 12},
		{Path: "dem/b.tif", Mosaic: "elevation_model", MaxZoom: 10},
		{Path: "dem/c.tif", Mosaic: "elevation_model", MaxZoom: 9},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, res *fakeResolver, comp *fakeCompositor, cache *tilecache.Cache) *httptest.Server {
	t.Helper()
	h := NewHandlers(res, comp, cache, tms.NewMars(nil), discardLogger())
	srv := httptest.NewServer(NewRouter(h, discardLogger(), nil))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestTileElevationPipeline(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, nil)

	resp := get(t, srv.URL+"/elevation_model/tiles/8/234/130")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Assets"); got != "dem/a.tif,dem/b.tif,dem/c.tif" {
		t.Fatalf("X-Assets = %q", got)
	}
	if got := resp.Header.Get("X-Tile-Cache"); got != "bypass" {
		t.Fatalf("X-Tile-Cache = %q, want bypass without a cache", got)
	}
	if st := resp.Header.Get("Server-Timing"); !strings.Contains(st, "encode;dur=") {
		t.Fatalf("Server-Timing = %q", st)
	}
	// Fully valid elevation encodes as terrain RGB in a JPEG.
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if res.gotTile != (tms.TileID{X: 234, Y: 130, Z: 8}) {
		t.Fatalf("resolved tile = %+v", res.gotTile)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatalf("empty tile body")
	}
}

func TestTileMaskedPixelsForcePNG(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, true)}
	srv := newTestServer(t, res, comp, nil)

	resp := get(t, srv.URL+"/elevation_model/tiles/8/234/130")
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png for masked tile", ct)
	}
}

func TestTileScaleAndFormatSuffixes(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, nil)

	resp := get(t, srv.URL+"/ctx_global/tiles/8/234/130@2x.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if comp.gotReq.TileSize != 512 {
		t.Fatalf("TileSize = %d, want 512 for @2x", comp.gotReq.TileSize)
	}
	if comp.gotReq.Format != "png" {
		t.Fatalf("Format = %q", comp.gotReq.Format)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestTileNoAssetsIs404NotEmptyImage(t *testing.T) {
	res := &fakeResolver{err: model.ErrNoAssetFound}
	srv := newTestServer(t, res, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/ctx_global/tiles/8/234/130")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "no_asset_found" {
		t.Fatalf("error body = %v", body)
	}
}

func TestTileAllOverscaledIs422(t *testing.T) {
	res := &fakeResolver{err: model.ErrAllAssetsOverscaled}
	srv := newTestServer(t, res, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/ctx_global/tiles/20/1000/1000")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestTileIndexDownIs503(t *testing.T) {
	res := &fakeResolver{err: model.ErrIndexUnavailable}
	srv := newTestServer(t, res, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/ctx_global/tiles/8/234/130")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTileBadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{}, &fakeCompositor{}, nil)

	for _, path := range []string{
		"/ctx_global/tiles/8/234/130.gif",
		"/ctx_global/tiles/8/234/130@9x",
		"/ctx_global/tiles/8/234/abc",
		"/ctx_global/tiles/2/100/1", // x out of range at z2
		"/ctx_global/tiles/8/234/130?rescale=10",
		"/ctx_global/tiles/8/234/130?rescale=5,1",
	} {
		resp := get(t, srv.URL+path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestMultiTileOrderedMosaics(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, nil)

	resp := get(t, srv.URL+"/mosaic/tiles/8/234/130?mosaic=hirise_red,ctx_global")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := []string{"hirise_red", "ctx_global"}
	if len(res.gotMosaics) != 2 || res.gotMosaics[0] != want[0] || res.gotMosaics[1] != want[1] {
		t.Fatalf("mosaics = %v, want %v", res.gotMosaics, want)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMultiTileMissingMosaicParam(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{}, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/mosaic/tiles/8/234/130")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func newHandlerCache(t *testing.T) (*tilecache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	c := tilecache.New(rc, 1, tilecache.WithTTL(time.Minute))
	t.Cleanup(c.Close)
	return c, mr
}

func waitForKeys(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mr.Keys()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("background cache store never landed")
}

func TestTileCacheMissThenHit(t *testing.T) {
	cache, mr := newHandlerCache(t)
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, cache)

	resp := get(t, srv.URL+"/elevation_model/tiles/8/234/130")
	if got := resp.Header.Get("X-Tile-Cache"); got != "miss" {
		t.Fatalf("first request X-Tile-Cache = %q, want miss", got)
	}
	first, _ := io.ReadAll(resp.Body)
	waitForKeys(t, mr)

	resp = get(t, srv.URL+"/elevation_model/tiles/8/234/130")
	if got := resp.Header.Get("X-Tile-Cache"); got != "hit" {
		t.Fatalf("second request X-Tile-Cache = %q, want hit", got)
	}
	second, _ := io.ReadAll(resp.Body)
	if string(first) != string(second) {
		t.Fatalf("cached bytes differ from rendered bytes")
	}
	if comp.calls != 1 {
		t.Fatalf("compositor calls = %d, want 1", comp.calls)
	}
}

func TestTileUseCacheFalseBypasses(t *testing.T) {
	cache, mr := newHandlerCache(t)
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, cache)

	resp := get(t, srv.URL+"/elevation_model/tiles/8/234/130?use_cache=false")
	if got := resp.Header.Get("X-Tile-Cache"); got != "bypass" {
		t.Fatalf("X-Tile-Cache = %q, want bypass", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(mr.Keys()); n != 0 {
		t.Fatalf("bypassed request stored %d keys", n)
	}
}

func TestMultiTileNeverCached(t *testing.T) {
	cache, mr := newHandlerCache(t)
	res := &fakeResolver{assets: elevationAssets()}
	comp := &fakeCompositor{image: elevationImage(16, false)}
	srv := newTestServer(t, res, comp, cache)

	resp := get(t, srv.URL+"/mosaic/tiles/8/234/130?mosaic=a,b")
	if got := resp.Header.Get("X-Tile-Cache"); got != "bypass" {
		t.Fatalf("X-Tile-Cache = %q, want bypass", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(mr.Keys()); n != 0 {
		t.Fatalf("multi-mosaic request stored %d keys", n)
	}
}

func TestTileNegativeMarkerServes404FromCache(t *testing.T) {
	cache, mr := newHandlerCache(t)
	res := &fakeResolver{err: model.ErrNoAssetFound}
	srv := newTestServer(t, res, &fakeCompositor{}, cache)

	resp := get(t, srv.URL+"/ctx_global/tiles/8/234/130")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	waitForKeys(t, mr)

	// Flip the resolver; the cached negative marker must win.
	res.err = errors.New("index must not be consulted")
	resp = get(t, srv.URL+"/ctx_global/tiles/8/234/130")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want cached 404", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Tile-Cache"); got != "hit" {
		t.Fatalf("X-Tile-Cache = %q, want hit", got)
	}
}

func TestTileInfo(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	srv := newTestServer(t, res, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/elevation_model/tiles/8/234/130/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Tile    map[string]uint32   `json:"tile"`
		Mosaics []string            `json:"mosaics"`
		Assets  []model.MosaicAsset `json:"assets"`
		Bounds  map[string]float64  `json:"bounds"`
		Feature json.RawMessage     `json:"feature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tile["z"] != 8 || body.Tile["x"] != 234 || body.Tile["y"] != 130 {
		t.Fatalf("tile = %v", body.Tile)
	}
	if len(body.Assets) != 3 {
		t.Fatalf("assets = %v", body.Assets)
	}
	if body.Bounds["west"] >= body.Bounds["east"] {
		t.Fatalf("bounds = %v", body.Bounds)
	}
	if !strings.Contains(string(body.Feature), `"Polygon"`) {
		t.Fatalf("feature = %s", body.Feature)
	}
}

func TestDatasetsPointLookup(t *testing.T) {
	res := &fakeResolver{assets: elevationAssets()}
	srv := newTestServer(t, res, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/datasets/elevation_model?lon=149.936&lat=-3.752")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Mosaic   string              `json:"mosaic"`
		Datasets []model.MosaicAsset `json:"datasets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Mosaic != "elevation_model" || len(body.Datasets) != 3 {
		t.Fatalf("body = %+v", body)
	}
}

func TestDatasetsRequiresCoordinates(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{}, &fakeCompositor{}, nil)

	for _, path := range []string{
		"/datasets/ctx_global",
		"/datasets/ctx_global?lon=500&lat=0",
	} {
		resp := get(t, srv.URL+path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("GET %s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeResolver{}, &fakeCompositor{}, nil)

	resp := get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
