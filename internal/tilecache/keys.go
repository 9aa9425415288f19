package tilecache

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/tms"
)

// Key builds the cache key for a rendered tile. Every parameter that
// changes the rendered bytes is part of the key: mosaic, tile address,
// size, format, rescale and merge direction. The readable prefix is
// sanitized for operator tooling; the hash over the exact parameter text
// is what guarantees uniqueness.
func Key(tile tms.TileID, req model.TileRequest) string {
	params := paramText(req)
	safe := sanitizeForKey(params)

	const maxParamTextLen = 160
	if len(safe) > maxParamTextLen {
		safe = safe[:maxParamTextLen]
	}

	sum := xxhash.Sum64String(params)

	return fmt.Sprintf("tile:%s:%d/%d/%d:%s:p=%016x",
		sanitizeForKey(strings.Join(req.Mosaics, ",")),
		tile.Z, tile.X, tile.Y, safe, sum)
}

func paramText(req model.TileRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "size=%d", req.TileSize)
	if req.Format != "" {
		fmt.Fprintf(&b, ";format=%s", req.Format)
	}
	if req.Rescale != nil {
		fmt.Fprintf(&b, ";rescale=%g,%g", req.Rescale[0], req.Rescale[1])
	}
	if req.Reverse {
		b.WriteString(";reverse")
	}
	if req.Resampling != "" {
		fmt.Fprintf(&b, ";resampling=%s", req.Resampling)
	}
	return b.String()
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=' || r == ',' || r == ';' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
