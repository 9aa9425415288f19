// Package encode provides the per-pixel value transforms applied to raw
// raster data: linear rescaling to 8-bit, reversible terrain RGB encoding
// for float elevation data, and sensor-specific nodata masking.
package encode

import "math"

// Image is a decoded multi-band raster window plus validity mask, band
// major. Mask follows rasterio semantics: 255 = valid, 0 = nodata.
type Image struct {
	Bands  [][]float64
	Mask   []uint8
	Width  int
	Height int
}

func NewImage(bands, width, height int) *Image {
	im := &Image{
		Bands:  make([][]float64, bands),
		Mask:   make([]uint8, width*height),
		Width:  width,
		Height: height,
	}
	for i := range im.Bands {
		im.Bands[i] = make([]float64, width*height)
	}
	return im
}

// FullyValid reports whether every pixel carries data.
func (im *Image) FullyValid() bool {
	for _, m := range im.Mask {
		if m == 0 {
			return false
		}
	}
	return true
}

// ValidCount returns the number of unmasked pixels.
func (im *Image) ValidCount() int {
	n := 0
	for _, m := range im.Mask {
		if m != 0 {
			n++
		}
	}
	return n
}

// PostProcess is a pixel-level transform applied to a freshly read window
// before compositing. Transforms mutate the image in place.
type PostProcess func(im *Image)

// Chain composes post-processors left to right.
func Chain(ps ...PostProcess) PostProcess {
	return func(im *Image) {
		for _, p := range ps {
			if p != nil {
				p(im)
			}
		}
	}
}

// Rescale linearly maps [lo, hi] onto [0, 255], clamping outside values.
// Used to normalize heterogeneous sensor ranges for visualization.
func Rescale(lo, hi float64) PostProcess {
	scale := 255 / (hi - lo)
	return func(im *Image) {
		for _, band := range im.Bands {
			for i, v := range band {
				band[i] = clamp255(math.Round((v - lo) * scale))
			}
		}
	}
}

// MaskZero flags pixels whose first-band raw value equals zero as nodata,
// independent of the generic per-asset mask. HiRISE products use raw zero
// as their nodata sentinel.
func MaskZero() PostProcess {
	return func(im *Image) {
		if len(im.Bands) == 0 {
			return
		}
		for i, v := range im.Bands[0] {
			if v == 0 {
				im.Mask[i] = 0
			}
		}
	}
}

// Terrain RGB encoding constants: elevation = base + pixel * interval,
// pixel = R*256^2 + G*256 + B.
const (
	TerrainBase     = -10000.0
	TerrainInterval = 0.1
)

// TerrainRGB replaces the image's first band with a 3-band RGB encoding of
// the elevation values, reversible to the original float within one
// interval step.
func TerrainRGB(base, interval float64) PostProcess {
	return func(im *Image) {
		if len(im.Bands) == 0 {
			return
		}
		elev := im.Bands[0]
		r := make([]float64, len(elev))
		g := make([]float64, len(elev))
		b := make([]float64, len(elev))
		for i, v := range elev {
			ev := math.Round((v - base) / interval)
			if ev < 0 {
				ev = 0
			}
			if ev > 256*256*256-1 {
				ev = 256*256*256 - 1
			}
			n := uint32(ev)
			r[i] = float64(n >> 16 & 0xff)
			g[i] = float64(n >> 8 & 0xff)
			b[i] = float64(n & 0xff)
		}
		im.Bands = [][]float64{r, g, b}
	}
}

// DecodeTerrainRGB recovers the elevation encoded at pixel i of a 3-band
// terrain RGB image.
func DecodeTerrainRGB(im *Image, i int, base, interval float64) float64 {
	n := uint32(im.Bands[0][i])<<16 | uint32(im.Bands[1][i])<<8 | uint32(im.Bands[2][i])
	return base + float64(n)*interval
}

func clamp255(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
