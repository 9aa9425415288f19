package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// TIFF structural constants.
const (
	leMagic     = 0x4949
	beMagic     = 0x4d4d
	classicTIFF = 42
	bigTIFF     = 43
)

// Tags we interpret. Anything else is parsed and ignored.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagSamplesPerPixel = 277
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagGDALNoData      = 42113
)

const (
	compressionNone    = 1
	compressionDeflate = 8

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

const blockTTL = 10 * time.Minute

// GeoTIFF reads windows out of a tiled (cloud-optimized) GeoTIFF in
// equirectangular lon/lat georeferencing. Only the first IFD (the
// full-resolution image) is used; overview IFDs are skipped.
type GeoTIFF struct {
	r         io.ReadSeeker
	byteOrder binary.ByteOrder

	imageWidth  uint32
	imageLength uint32
	tileWidth   uint32
	tileLength  uint32
	tilesAcross int

	bitsPerSample  uint16
	sampleFormat   uint16
	samplesPerPix  uint16
	compression    uint16
	tileOffsets    []uint64
	tileByteCounts []uint64

	pixelScaleX float64
	pixelScaleY float64
	originLon   float64
	originLat   float64

	noData    float64
	hasNoData bool

	// Decoded tile blocks are cached as interleaved float64 samples so
	// repeated reads in the same region skip I/O and decompression.
	blocks   *ccache.Cache[[]float64]
	inflight singleflight.Group
}

// OpenGeoTIFF parses the header and first IFD of r. The reader must also
// implement io.ReaderAt for tile fetches. blockCacheSize is the maximum
// cached block weight in bytes.
func OpenGeoTIFF(r io.ReadSeeker, blockCacheSize int64) (*GeoTIFF, error) {
	tags, order, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("read tiff tags: %w", err)
	}
	if blockCacheSize <= 0 {
		blockCacheSize = 64 << 20
	}

	g := &GeoTIFF{
		r:         r,
		byteOrder: order,
		blocks:    ccache.New(ccache.Configure[[]float64]().MaxSize(blockCacheSize)),
	}

	var ok bool
	if g.imageWidth, ok = tags.uint32(tagImageWidth); !ok {
		return nil, errors.New("missing tag: ImageWidth")
	}
	if g.imageLength, ok = tags.uint32(tagImageLength); !ok {
		return nil, errors.New("missing tag: ImageLength")
	}
	if g.tileWidth, ok = tags.uint32(tagTileWidth); !ok {
		return nil, errors.New("missing tag: TileWidth (only tiled layouts are supported)")
	}
	if g.tileLength, ok = tags.uint32(tagTileLength); !ok {
		return nil, errors.New("missing tag: TileLength")
	}
	g.tilesAcross = int(g.imageWidth+g.tileWidth-1) / int(g.tileWidth)

	g.bitsPerSample = tags.uint16Or(tagBitsPerSample, 8)
	g.sampleFormat = tags.uint16Or(tagSampleFormat, sampleFormatUint)
	g.samplesPerPix = tags.uint16Or(tagSamplesPerPixel, 1)
	g.compression = tags.uint16Or(tagCompression, compressionNone)
	if pred := tags.uint16Or(tagPredictor, 1); pred != 1 {
		return nil, fmt.Errorf("unsupported predictor: %d", pred)
	}
	switch {
	case g.sampleFormat == sampleFormatUint && g.bitsPerSample == 8:
	case g.sampleFormat == sampleFormatFloat && g.bitsPerSample == 32:
	default:
		return nil, fmt.Errorf("unsupported sample layout: format=%d bits=%d",
			g.sampleFormat, g.bitsPerSample)
	}

	if g.tileOffsets, ok = tags.uints(tagTileOffsets); !ok {
		return nil, errors.New("missing tag: TileOffsets")
	}
	if g.tileByteCounts, ok = tags.uints(tagTileByteCounts); !ok {
		return nil, errors.New("missing tag: TileByteCounts")
	}

	scale, ok := tags.doubles(tagPixelScale)
	if !ok || len(scale) < 2 {
		return nil, errors.New("missing tag: ModelPixelScale")
	}
	g.pixelScaleX = scale[0]
	g.pixelScaleY = -math.Abs(scale[1]) // north-up convention

	tie, ok := tags.doubles(tagTiepoint)
	if !ok || len(tie) < 6 {
		return nil, errors.New("missing tag: ModelTiepoint")
	}
	// Raster point (i,j) maps to geographic (tie[3], tie[4]).
	g.originLon = tie[3] - tie[0]*g.pixelScaleX
	g.originLat = tie[4] - tie[1]*g.pixelScaleY

	if nd, ok := tags.ascii(tagGDALNoData); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd), 64); err == nil {
			g.noData = v
			g.hasNoData = true
		}
	}
	return g, nil
}

func (g *GeoTIFF) Bands() int { return int(g.samplesPerPix) }

func (g *GeoTIFF) Bounds() GeoBounds {
	south := g.originLat + float64(g.imageLength)*g.pixelScaleY
	return GeoBounds{
		West:  g.originLon,
		South: south,
		East:  g.originLon + float64(g.imageWidth)*g.pixelScaleX,
		North: g.originLat,
	}
}

func (g *GeoTIFF) Close() error {
	g.blocks.Stop()
	if c, ok := g.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// At samples the nearest pixel to (lon, lat). Outside-footprint and
// nodata locations return valid=false without error.
func (g *GeoTIFF) At(lon, lat float64, band int) (float64, bool, error) {
	if band < 0 || band >= int(g.samplesPerPix) {
		return 0, false, fmt.Errorf("band %d out of range (%d bands)", band, g.samplesPerPix)
	}
	if !g.Bounds().Contains(lon, lat) {
		return 0, false, nil
	}
	col := int((lon - g.originLon) / g.pixelScaleX)
	row := int((lat - g.originLat) / g.pixelScaleY)
	if col < 0 || col >= int(g.imageWidth) || row < 0 || row >= int(g.imageLength) {
		return 0, false, nil
	}

	tileX := col / int(g.tileWidth)
	tileY := row / int(g.tileLength)
	block, err := g.block(tileY*g.tilesAcross + tileX)
	if err != nil {
		return 0, false, err
	}

	inX := col % int(g.tileWidth)
	inY := row % int(g.tileLength)
	idx := (inY*int(g.tileWidth)+inX)*int(g.samplesPerPix) + band
	if idx >= len(block) {
		return 0, false, fmt.Errorf("sample index %d out of block bounds (%d)", idx, len(block))
	}
	v := block[idx]
	if g.hasNoData && v == g.noData {
		return v, false, nil
	}
	return v, true, nil
}

// block returns the decoded samples of one tile block, through the cache
// and a singleflight group so concurrent readers decode each block once.
func (g *GeoTIFF) block(num int) ([]float64, error) {
	key := strconv.Itoa(num)
	if item := g.blocks.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := g.inflight.Do(key, func() (any, error) {
		raw, err := g.fetchBlock(num)
		if err != nil {
			return nil, err
		}
		samples, err := g.decodeSamples(raw)
		if err != nil {
			return nil, err
		}
		g.blocks.Set(key, samples, blockTTL)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func (g *GeoTIFF) fetchBlock(num int) ([]byte, error) {
	if num < 0 || num >= len(g.tileOffsets) || num >= len(g.tileByteCounts) {
		return nil, fmt.Errorf("tile block %d out of bounds", num)
	}
	ra, ok := g.r.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not implement io.ReaderAt")
	}
	raw := make([]byte, g.tileByteCounts[num])
	if _, err := ra.ReadAt(raw, int64(g.tileOffsets[num])); err != nil {
		return nil, fmt.Errorf("read tile block %d: %w", num, err)
	}

	switch g.compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate:
		z, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open deflate block %d: %w", num, err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("inflate block %d: %w", num, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", g.compression)
	}
}

func (g *GeoTIFF) decodeSamples(raw []byte) ([]float64, error) {
	switch g.sampleFormat {
	case sampleFormatUint:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = float64(b)
		}
		return out, nil
	case sampleFormatFloat:
		n := len(raw) / 4
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(g.byteOrder.Uint32(raw[i*4:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported sample format: %d", g.sampleFormat)
	}
}

// --- IFD parsing ---

type tagValue struct {
	ftype   uint16
	uints   []uint64
	doubles []float64
	text    string
}

type tiffTags map[uint16]tagValue

func (t tiffTags) uints(tag uint16) ([]uint64, bool) {
	v, ok := t[tag]
	if !ok || len(v.uints) == 0 {
		return nil, false
	}
	return v.uints, true
}

func (t tiffTags) uint32(tag uint16) (uint32, bool) {
	u, ok := t.uints(tag)
	if !ok {
		return 0, false
	}
	return uint32(u[0]), true
}

func (t tiffTags) uint16Or(tag uint16, def uint16) uint16 {
	u, ok := t.uints(tag)
	if !ok {
		return def
	}
	return uint16(u[0])
}

func (t tiffTags) doubles(tag uint16) ([]float64, bool) {
	v, ok := t[tag]
	if !ok || len(v.doubles) == 0 {
		return nil, false
	}
	return v.doubles, true
}

func (t tiffTags) ascii(tag uint16) (string, bool) {
	v, ok := t[tag]
	if !ok || v.text == "" {
		return "", false
	}
	return v.text, true
}

// Field type sizes indexed by TIFF field type id.
var fieldSize = [...]int{0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8, 0, 0, 0, 8, 8, 8}

func readTags(r io.ReadSeeker) (tiffTags, binary.ByteOrder, error) {
	var magic [2]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, err
	}
	var order binary.ByteOrder
	switch binary.BigEndian.Uint16(magic[:]) {
	case leMagic:
		order = binary.LittleEndian
	case beMagic:
		order = binary.BigEndian
	default:
		return nil, nil, errors.New("invalid tiff byte order mark")
	}

	var ident uint16
	if err := binary.Read(r, order, &ident); err != nil {
		return nil, nil, err
	}
	big := false
	var ifdOffset uint64
	switch ident {
	case classicTIFF:
		var off32 uint32
		if err := binary.Read(r, order, &off32); err != nil {
			return nil, nil, err
		}
		ifdOffset = uint64(off32)
	case bigTIFF:
		big = true
		var bytesize, reserved uint16
		if err := binary.Read(r, order, &bytesize); err != nil {
			return nil, nil, err
		}
		if bytesize != 8 {
			return nil, nil, errors.New("invalid bigtiff bytesize")
		}
		if err := binary.Read(r, order, &reserved); err != nil {
			return nil, nil, err
		}
		if err := binary.Read(r, order, &ifdOffset); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("invalid tiff identifier: %d", ident)
	}
	if ifdOffset == 0 {
		return nil, nil, errors.New("file contains no IFDs")
	}
	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, nil, err
	}

	var numEntries uint64
	if big {
		if err := binary.Read(r, order, &numEntries); err != nil {
			return nil, nil, err
		}
	} else {
		var n16 uint16
		if err := binary.Read(r, order, &n16); err != nil {
			return nil, nil, err
		}
		numEntries = uint64(n16)
	}

	entryLen := 12
	inline := uint64(4)
	if big {
		entryLen = 20
		inline = 8
	}
	block := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, nil, fmt.Errorf("read IFD block: %w", err)
	}

	tags := make(tiffTags, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		e := block[int(i)*entryLen : int(i+1)*entryLen]
		tag := order.Uint16(e[0:2])
		ftype := order.Uint16(e[2:4])
		if int(ftype) >= len(fieldSize) || fieldSize[ftype] == 0 {
			continue
		}
		var count, offset uint64
		var valBytes []byte
		if big {
			count = order.Uint64(e[4:12])
			offset = order.Uint64(e[12:20])
			valBytes = e[12:20]
		} else {
			count = uint64(order.Uint32(e[4:8]))
			offset = uint64(order.Uint32(e[8:12]))
			valBytes = e[8:12]
		}

		total := uint64(fieldSize[ftype]) * count
		var data []byte
		if total <= inline {
			data = valBytes[:total]
		} else {
			ra, ok := r.(io.ReaderAt)
			if !ok {
				return nil, nil, errors.New("reader does not implement io.ReaderAt")
			}
			data = make([]byte, total)
			if _, err := ra.ReadAt(data, int64(offset)); err != nil {
				return nil, nil, fmt.Errorf("read tag %d values: %w", tag, err)
			}
		}
		tags[tag] = decodeTagValue(ftype, count, data, order)
	}
	return tags, order, nil
}

func decodeTagValue(ftype uint16, count uint64, data []byte, order binary.ByteOrder) tagValue {
	v := tagValue{ftype: ftype}
	switch ftype {
	case 1, 6, 7: // BYTE family
		v.uints = make([]uint64, count)
		for i := range v.uints {
			v.uints[i] = uint64(data[i])
		}
	case 2: // ASCII
		v.text = string(bytes.Trim(data, "\x00"))
	case 3: // SHORT
		v.uints = make([]uint64, count)
		for i := range v.uints {
			v.uints[i] = uint64(order.Uint16(data[i*2:]))
		}
	case 4: // LONG
		v.uints = make([]uint64, count)
		for i := range v.uints {
			v.uints[i] = uint64(order.Uint32(data[i*4:]))
		}
	case 11: // FLOAT
		v.doubles = make([]float64, count)
		for i := range v.doubles {
			v.doubles[i] = float64(math.Float32frombits(order.Uint32(data[i*4:])))
		}
	case 12: // DOUBLE
		v.doubles = make([]float64, count)
		for i := range v.doubles {
			v.doubles[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
	case 16, 17, 18: // LONG8 family
		v.uints = make([]uint64, count)
		for i := range v.uints {
			v.uints[i] = order.Uint64(data[i*8:])
		}
	}
	return v
}
