package tilecache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/planetgeo/mars-tiler/internal/model"
)

// Entry is a decoded cache record. Three shapes exist:
//   - full: ShouldGenerate with a non-nil Tile, served directly;
//   - asset-list-only: ShouldGenerate with assets but no bytes, an advisory
//     hint for the render path;
//   - negative: !ShouldGenerate, the tile is known to have no assets.
type Entry struct {
	Tile           *model.RenderedTile
	Assets         []model.MosaicAsset
	ShouldGenerate bool
}

// entryHeader is the JSON metadata stored ahead of the raw image bytes.
// Keeping the bytes outside the JSON avoids a base64 round trip on every
// hit.
type entryHeader struct {
	ShouldGenerate bool                `json:"should_generate"`
	ContentType    string              `json:"content_type,omitempty"`
	Assets         []model.MosaicAsset `json:"assets,omitempty"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

const maxHeaderLen = 1 << 20

var errCorruptEntry = errors.New("corrupt cache entry")

// encodeEntry lays out a record as a 4-byte big-endian header length, the
// JSON header, then the image bytes verbatim (absent for markers).
func encodeEntry(e Entry) ([]byte, error) {
	hdr := entryHeader{ShouldGenerate: e.ShouldGenerate, Assets: e.Assets}
	var body []byte
	if e.Tile != nil {
		hdr.ContentType = e.Tile.ContentType
		hdr.GeneratedAt = e.Tile.GeneratedAt
		if hdr.Assets == nil {
			hdr.Assets = e.Tile.Assets
		}
		body = e.Tile.Body
	}

	raw, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal entry header: %w", err)
	}

	out := make([]byte, 4+len(raw)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(raw)))
	copy(out[4:], raw)
	copy(out[4+len(raw):], body)
	return out, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	if len(raw) < 4 {
		return Entry{}, errCorruptEntry
	}
	hlen := int(binary.BigEndian.Uint32(raw))
	if hlen > maxHeaderLen || 4+hlen > len(raw) {
		return Entry{}, errCorruptEntry
	}

	var hdr entryHeader
	if err := json.Unmarshal(raw[4:4+hlen], &hdr); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}

	e := Entry{Assets: hdr.Assets, ShouldGenerate: hdr.ShouldGenerate}
	if body := raw[4+hlen:]; len(body) > 0 {
		e.Tile = &model.RenderedTile{
			Body:        body,
			ContentType: hdr.ContentType,
			Assets:      hdr.Assets,
			GeneratedAt: hdr.GeneratedAt,
		}
	}
	return e, nil
}
