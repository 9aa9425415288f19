package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

type fakeQuerier struct {
	byMosaic map[string][]model.MosaicAsset
	err      error
	calls    int
}

func (f *fakeQuerier) Datasets(_ context.Context, mosaic string, _ tms.TileID) ([]model.MosaicAsset, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byMosaic[mosaic], nil
}

func asset(path string, minz, maxz int) model.MosaicAsset {
	return model.MosaicAsset{Path: path, MinZoom: minz, MaxZoom: maxz}
}

var testTile = tms.TileID{X: 234, Y: 130, Z: 8}

func newResolver(q Querier, opts ...Option) *Resolver {
	return New(q, tms.NewMars(nil), opts...)
}

func TestResolveFiltersByZoomMargin(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"ctx_global": {
			asset("deep.tif", 13, 18), // 13-4 = 9, above z8: dropped
			asset("near.tif", 12, 18), // 12-4 = 8, not below z8: dropped
			asset("fits.tif", 11, 18), // 11-4 = 7, below z8: kept
		},
	}}
	r := newResolver(q)

	assets, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(assets) != 1 || assets[0].Path != "fits.tif" {
		t.Fatalf("assets = %v, want only fits.tif", assets)
	}
}

func TestResolveFlagsOverscaled(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"ctx_global": {
			asset("shallow.tif", 0, 6),
			asset("native.tif", 0, 12),
		},
	}}
	r := newResolver(q)

	assets, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("assets = %v", assets)
	}
	// maxzoom desc within a mosaic.
	if assets[0].Path != "native.tif" || assets[0].Overscaled {
		t.Fatalf("first asset = %+v, want native.tif not overscaled", assets[0])
	}
	if assets[1].Path != "shallow.tif" || !assets[1].Overscaled {
		t.Fatalf("second asset = %+v, want shallow.tif overscaled", assets[1])
	}
}

func TestResolveAllOverscaled(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"ctx_global": {asset("a.tif", 0, 5), asset("b.tif", 0, 6)},
	}}
	r := newResolver(q)

	_, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"})
	if !errors.Is(err, model.ErrAllAssetsOverscaled) {
		t.Fatalf("err = %v, want ErrAllAssetsOverscaled", err)
	}
}

func TestResolveNoAssets(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{}}
	r := newResolver(q)

	_, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"})
	if !errors.Is(err, model.ErrNoAssetFound) {
		t.Fatalf("err = %v, want ErrNoAssetFound", err)
	}
}

func TestResolveMultiMosaicOrdering(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"hirise_red": {asset("h1.tif", 0, 18), asset("h2.tif", 0, 20)},
		"ctx_global": {asset("c1.tif", 0, 12)},
	}}
	r := newResolver(q)

	// hirise_red listed first renders on top, so its assets come first in
	// the first-wins merge order, maxzoom descending inside the mosaic.
	assets, err := r.Resolve(context.Background(), testTile, []string{"hirise_red", "ctx_global"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"h2.tif", "h1.tif", "c1.tif"}
	if len(assets) != len(want) {
		t.Fatalf("assets = %v", assets)
	}
	for i, p := range want {
		if assets[i].Path != p {
			t.Fatalf("assets[%d] = %s, want %s", i, assets[i].Path, p)
		}
	}
	if assets[0].Mosaic != "hirise_red" || assets[2].Mosaic != "ctx_global" {
		t.Fatalf("mosaic attribution missing: %v", assets)
	}
}

func TestResolveMemoizesWithinTTL(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"ctx_global": {asset("a.tif", 0, 12)},
	}}
	r := newResolver(q, WithCache(16, time.Minute))

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"}); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}
	if q.calls != 1 {
		t.Fatalf("querier calls = %d, want 1", q.calls)
	}
}

func TestResolveQuerierFailurePassesThrough(t *testing.T) {
	q := &fakeQuerier{err: model.ErrIndexUnavailable}
	r := newResolver(q)

	_, err := r.Resolve(context.Background(), testTile, []string{"ctx_global"})
	if !errors.Is(err, model.ErrIndexUnavailable) {
		t.Fatalf("err = %v, want ErrIndexUnavailable", err)
	}
}

func TestAssetsForPoint(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{
		"ctx_global": {asset("a.tif", 0, 12), asset("b.tif", 0, 15)},
	}}
	r := newResolver(q)

	assets, err := r.AssetsForPoint(context.Background(), "ctx_global", 149.936, -3.752)
	if err != nil {
		t.Fatalf("AssetsForPoint: %v", err)
	}
	if len(assets) != 2 || assets[0].Path != "b.tif" {
		t.Fatalf("assets = %v, want maxzoom-desc order", assets)
	}
}

func TestAssetsForPointEmpty(t *testing.T) {
	q := &fakeQuerier{byMosaic: map[string][]model.MosaicAsset{}}
	r := newResolver(q)

	_, err := r.AssetsForPoint(context.Background(), "ctx_global", 0, 0)
	if !errors.Is(err, model.ErrNoAssetFound) {
		t.Fatalf("err = %v, want ErrNoAssetFound", err)
	}
}
