package hls

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// Parse decodes content and reports whether it is a master or media playlist
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

// Segment is one media segment to fetch, with its decryption key if any.
type Segment struct {
	URL    string
	KeyURL string
	IV     []byte
}

// Segments flattens a media playlist into absolute segment URLs. Keys carry
// over to following segments until the next EXT-X-KEY, as in the playlist.
func Segments(p *m3u8.MediaPlaylist, base *url.URL) ([]Segment, error) {
	var (
		out []Segment
		key = p.Key
	)
	for i, seg := range p.Segments {
		if seg == nil {
			continue
		}
		if seg.Key != nil {
			key = seg.Key
		}
		if seg.URI == "" {
			continue
		}
		s := Segment{URL: ResolveURL(base, seg.URI)}
		if key != nil && key.Method != "" && key.Method != "NONE" {
			if key.Method != "AES-128" {
				return nil, fmt.Errorf("unsupported encryption method %s", key.Method)
			}
			s.KeyURL = ResolveURL(base, key.URI)
			iv, err := segmentIV(key.IV, p.SeqNo+uint64(i))
			if err != nil {
				return nil, err
			}
			s.IV = iv
		}
		out = append(out, s)
	}
	return out, nil
}

// Duration sums the segment durations in seconds.
func Duration(p *m3u8.MediaPlaylist) float64 {
	var total float64
	for _, seg := range p.Segments {
		if seg != nil {
			total += seg.Duration
		}
	}
	return total
}

// segmentIV returns the explicit IV, or the media sequence number as a
// 16-byte big-endian value when the key has none.
func segmentIV(explicit string, seq uint64) ([]byte, error) {
	if explicit == "" {
		iv := make([]byte, 16)
		binary.BigEndian.PutUint64(iv[8:], seq)
		return iv, nil
	}
	h := strings.TrimPrefix(strings.TrimPrefix(explicit, "0x"), "0X")
	iv, err := hex.DecodeString(h)
	if err != nil || len(iv) != 16 {
		return nil, fmt.Errorf("invalid IV %q", explicit)
	}
	return iv, nil
}

// variantHeight extracts the height from a RESOLUTION attribute like 1280x720.
func variantHeight(resolution string) int {
	_, h, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}
