// Package tms defines the tile matrix set used to serve tiles for a
// non-Earth body. It reuses the standard power-of-two Mercator indexing
// scheme but substitutes the body's own sphere radius throughout, so the
// serving path and the spatial-index backend agree bit-for-bit on
// tile/bounds math.
package tms

import (
	"log/slog"
	"math"

	"github.com/paulmach/orb"
)

// MarsRadius is the IAU Mars 2000 sphere radius in meters.
const MarsRadius = 3396190.0

// MaxZoom bounds the quad-tree depth accepted by the grid.
const MaxZoom = 30

// TileID addresses one tile in the XYZ scheme.
type TileID struct {
	X uint32
	Y uint32
	Z uint32
}

func (t TileID) Valid() bool {
	return t.Z <= MaxZoom && uint64(t.X) < (uint64(1)<<t.Z) && uint64(t.Y) < (uint64(1)<<t.Z)
}

// Bounds is a geographic envelope in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// XYBounds is a projected envelope in meters.
type XYBounds struct {
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
}

// Grid is a Mercator tile matrix set over a sphere of the configured
// radius. Constructed once at startup and shared read-only by all requests.
type Grid struct {
	radius float64
	maxLat float64
	logger *slog.Logger
}

// NewMars builds the grid for the Mars 2000 sphere. logger may be nil;
// it is only used for out-of-extent advisories.
func NewMars(logger *slog.Logger) *Grid {
	return New(MarsRadius, logger)
}

func New(radius float64, logger *slog.Logger) *Grid {
	return &Grid{
		radius: radius,
		// Latitude at which the Mercator plane becomes square.
		maxLat: 2*math.Atan(math.Exp(math.Pi))*180/math.Pi - 90,
		logger: logger,
	}
}

func (g *Grid) Radius() float64 { return g.radius }

// Extent returns the geographic bounding box of the tile matrix.
func (g *Grid) Extent() Bounds {
	return Bounds{West: -180, South: -g.maxLat, East: 180, North: g.maxLat}
}

// Forward maps geographic coordinates (degrees) to projected meters.
// Inputs outside the declared extent are advisory only: a warning is
// logged and a best-effort value is still returned.
func (g *Grid) Forward(lon, lat float64) (x, y float64) {
	g.warnOutside(lon, lat)
	lat = clamp(lat, -g.maxLat, g.maxLat)
	x = g.radius * lon * math.Pi / 180
	y = g.radius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// Inverse maps projected meters back to geographic degrees.
func (g *Grid) Inverse(x, y float64) (lon, lat float64) {
	lon = x / g.radius * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/g.radius)) - math.Pi/2) * 180 / math.Pi
	if lon < -180 || lon > 180 {
		g.warnOutside(lon, lat)
	}
	return lon, lat
}

// TileFor snaps a geographic point to the containing tile at zoom z.
// The quad-tree formula is radius-independent, so tile numbers match the
// standard WebMercatorQuad grid for the same lon/lat.
func (g *Grid) TileFor(lon, lat, zoom float64) TileID {
	g.warnOutside(lon, lat)
	lat = clamp(lat, -g.maxLat, g.maxLat)
	z := uint32(zoom)
	n := float64(uint64(1) << z)

	xf := (lon + 180) / 360 * n
	latRad := lat * math.Pi / 180
	yf := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n

	x := clamp(math.Floor(xf), 0, n-1)
	y := clamp(math.Floor(yf), 0, n-1)
	return TileID{X: uint32(x), Y: uint32(y), Z: z}
}

// XYBoundsOf returns the tile envelope in projected meters.
func (g *Grid) XYBoundsOf(t TileID) XYBounds {
	origin := math.Pi * g.radius
	span := 2 * origin / float64(uint64(1)<<t.Z)
	left := -origin + float64(t.X)*span
	top := origin - float64(t.Y)*span
	return XYBounds{Left: left, Bottom: top - span, Right: left + span, Top: top}
}

// densifyPts is the number of samples taken along each tile edge when
// producing a geographic envelope, so curvature of other projections
// cannot clip the footprint.
const densifyPts = 21

// BoundsOf returns the tile envelope in geographic degrees, densified
// along the edges through the inverse transform.
func (g *Grid) BoundsOf(t TileID) Bounds {
	xy := g.XYBoundsOf(t)
	b := Bounds{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
	stepX := (xy.Right - xy.Left) / (densifyPts - 1)
	stepY := (xy.Top - xy.Bottom) / (densifyPts - 1)
	for i := 0; i < densifyPts; i++ {
		px := xy.Left + float64(i)*stepX
		py := xy.Bottom + float64(i)*stepY
		for _, pt := range [][2]float64{
			{px, xy.Bottom}, {px, xy.Top}, {xy.Left, py}, {xy.Right, py},
		} {
			lon, lat := g.Inverse(pt[0], pt[1])
			b.West = math.Min(b.West, lon)
			b.South = math.Min(b.South, lat)
			b.East = math.Max(b.East, lon)
			b.North = math.Max(b.North, lat)
		}
	}
	return b
}

// Feature returns the tile footprint as a closed GeoJSON-style polygon in
// geographic coordinates, for spatial containment tests.
func (g *Grid) Feature(t TileID) orb.Polygon {
	b := g.BoundsOf(t)
	ring := orb.Ring{
		{b.West, b.North},
		{b.West, b.South},
		{b.East, b.South},
		{b.East, b.North},
		{b.West, b.North},
	}
	return orb.Polygon{ring}
}

func (g *Grid) warnOutside(lon, lat float64) {
	if lon >= -180 && lon <= 180 && lat >= -g.maxLat && lat <= g.maxLat {
		return
	}
	if g.logger != nil {
		g.logger.Warn("point outside tile matrix extent",
			"lon", lon, "lat", lat, "max_lat", g.maxLat)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
