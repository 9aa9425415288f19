// Package render encodes a composited pixel window into image bytes. The
// actual codecs are delegated: PNG/JPEG to the standard image encoders,
// WebP to github.com/chai2010/webp. This package only owns the format
// selection rule and the band-to-color mapping.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"

	"github.com/planetgeo/mars-tiler/internal/encode"
)

const (
	FormatAuto = ""
	FormatPNG  = "png"
	FormatJPEG = "jpg"
	FormatWebP = "webp"
)

const jpegQuality = 85

// AutoFormat picks the output format when the request leaves it open:
// fully opaque mosaics take the lossy format, anything with a masked
// pixel needs lossless with an alpha channel.
func AutoFormat(im *encode.Image) string {
	if im.FullyValid() {
		return FormatJPEG
	}
	return FormatPNG
}

// ContentType returns the media type for a format name.
func ContentType(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Encode renders the window in the given format (FormatAuto selects per
// AutoFormat) and returns the bytes plus their content type.
func Encode(im *encode.Image, format string) ([]byte, string, error) {
	if format == FormatAuto {
		format = AutoFormat(im)
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, toRGBA(im), &jpeg.Options{Quality: jpegQuality})
	case FormatPNG:
		err = png.Encode(&buf, toNRGBA(im))
	case FormatWebP:
		err = webp.Encode(&buf, toNRGBA(im), &webp.Options{Quality: 90})
	default:
		return nil, "", fmt.Errorf("unsupported image format: %q", format)
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), ContentType(format), nil
}

// toNRGBA maps bands to color channels with the mask as alpha. One band
// replicates into gray; three map to RGB.
func toNRGBA(im *encode.Image) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for i := 0; i < im.Width*im.Height; i++ {
		r, g, b := pixelRGB(im, i)
		out.SetNRGBA(i%im.Width, i/im.Width, color.NRGBA{R: r, G: g, B: b, A: im.Mask[i]})
	}
	return out
}

func toRGBA(im *encode.Image) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Width, im.Height))
	for i := 0; i < im.Width*im.Height; i++ {
		r, g, b := pixelRGB(im, i)
		out.SetRGBA(i%im.Width, i/im.Width, color.RGBA{R: r, G: g, B: b, A: 255})
	}
	return out
}

func pixelRGB(im *encode.Image, i int) (r, g, b uint8) {
	if len(im.Bands) >= 3 {
		return clampByte(im.Bands[0][i]), clampByte(im.Bands[1][i]), clampByte(im.Bands[2][i])
	}
	v := clampByte(im.Bands[0][i])
	return v, v, v
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
