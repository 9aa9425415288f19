package reader

import (
	"context"
	"errors"
	"testing"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/raster"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

type fakeSource struct {
	bounds raster.GeoBounds
	bands  int
	at     func(lon, lat float64, band int) (float64, bool, error)
	closed bool
}

func (s *fakeSource) Bounds() raster.GeoBounds { return s.bounds }
func (s *fakeSource) Bands() int               { return s.bands }
func (s *fakeSource) Close() error             { s.closed = true; return nil }

func (s *fakeSource) At(lon, lat float64, band int) (float64, bool, error) {
	if !s.bounds.Contains(lon, lat) {
		return 0, false, nil
	}
	return s.at(lon, lat, band)
}

func opener(src *fakeSource, err error) raster.Opener {
	return func(context.Context, string) (raster.Source, error) {
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

var world = raster.GeoBounds{West: -180, South: -90, East: 180, North: 90}

func constSource(v float64) *fakeSource {
	return &fakeSource{
		bounds: world,
		bands:  1,
		at: func(_, _ float64, _ int) (float64, bool, error) {
			return v, true, nil
		},
	}
}

func TestReadTileFillsWindow(t *testing.T) {
	grid := tms.NewMars(nil)
	src := constSource(7)
	r := New(grid, opener(src, nil))

	im, err := r.ReadTile(context.Background(), model.MosaicAsset{Path: "a.tif"},
		tms.TileID{X: 2, Y: 1, Z: 2}, 16, nil)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if im.Width != 16 || im.Height != 16 || len(im.Bands) != 1 {
		t.Fatalf("unexpected shape: %dx%d, %d bands", im.Width, im.Height, len(im.Bands))
	}
	if !im.FullyValid() {
		t.Fatalf("expected fully valid window")
	}
	for i, v := range im.Bands[0] {
		if v != 7 {
			t.Fatalf("pixel %d = %v, want 7", i, v)
		}
	}
	if !src.closed {
		t.Fatalf("source must be closed after read")
	}
}

func TestReadTileMasksOutsideFootprint(t *testing.T) {
	grid := tms.NewMars(nil)
	// Source footprint covers only the eastern hemisphere.
	src := constSource(1)
	src.bounds = raster.GeoBounds{West: 0, South: -90, East: 180, North: 90}
	r := New(grid, opener(src, nil))

	// z1 tile (0,0) is the western hemisphere's northern half.
	im, err := r.ReadTile(context.Background(), model.MosaicAsset{Path: "a.tif"},
		tms.TileID{X: 0, Y: 0, Z: 1}, 8, nil)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if got := im.ValidCount(); got != 0 {
		t.Fatalf("expected fully masked window, got %d valid pixels", got)
	}
}

func TestReadTileOpenFailure(t *testing.T) {
	grid := tms.NewMars(nil)
	r := New(grid, opener(nil, errors.New("corrupt header")))

	_, err := r.ReadTile(context.Background(), model.MosaicAsset{Path: "bad.tif"},
		tms.TileID{X: 0, Y: 0, Z: 1}, 8, nil)
	var re *model.AssetReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected AssetReadError, got %v", err)
	}
	if re.Path != "bad.tif" {
		t.Fatalf("error path = %q, want bad.tif", re.Path)
	}
}

func TestReadTileSampleFailureClosesSource(t *testing.T) {
	grid := tms.NewMars(nil)
	src := constSource(0)
	src.at = func(_, _ float64, _ int) (float64, bool, error) {
		return 0, false, errors.New("I/O error")
	}
	r := New(grid, opener(src, nil))

	_, err := r.ReadTile(context.Background(), model.MosaicAsset{Path: "a.tif"},
		tms.TileID{X: 2, Y: 1, Z: 2}, 8, nil)
	var re *model.AssetReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected AssetReadError, got %v", err)
	}
	if !src.closed {
		t.Fatalf("source must be closed on read failure")
	}
}

func TestPostProcessForRescale(t *testing.T) {
	rng := [2]float64{0, 1000}
	asset := model.MosaicAsset{Path: "a.tif", RescaleRange: &rng}
	grid := tms.NewMars(nil)
	r := New(grid, opener(constSource(500), nil))

	im, err := r.ReadTile(context.Background(), asset,
		tms.TileID{X: 2, Y: 1, Z: 2}, 4, PostProcessFor(asset))
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if im.Bands[0][0] != 128 {
		t.Fatalf("rescaled value = %v, want 128", im.Bands[0][0])
	}
}

func TestPostProcessForHiRISEMasksRawZero(t *testing.T) {
	asset := model.MosaicAsset{Path: "a.tif", Mosaic: "hirise_red"}
	grid := tms.NewMars(nil)
	r := New(grid, opener(constSource(0), nil))

	im, err := r.ReadTile(context.Background(), asset,
		tms.TileID{X: 2, Y: 1, Z: 2}, 4, PostProcessFor(asset))
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if got := im.ValidCount(); got != 0 {
		t.Fatalf("raw-zero pixels must be masked, got %d valid", got)
	}
}

func TestPostProcessForPlainAssetIsNil(t *testing.T) {
	if got := PostProcessFor(model.MosaicAsset{Path: "a.tif"}); got != nil {
		t.Fatalf("expected nil post-process for plain asset")
	}
}
