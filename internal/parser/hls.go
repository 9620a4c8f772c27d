package parser

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/mohaanymo/sealdash/internal/decryptor"
	"github.com/mohaanymo/sealdash/internal/models"
)

// HLSParser parses HLS media playlists protected with METHOD=AES-128.
type HLSParser struct{}

// NewHLSParser creates a new HLS parser.
func NewHLSParser() *HLSParser {
	return &HLSParser{}
}

// CanParse checks if the body is an m3u8 playlist.
func (p *HLSParser) CanParse(body []byte, contentType string) bool {
	return bytes.HasPrefix(sniff(body), []byte("#EXTM3U"))
}

// Parse parses a media playlist. Master playlists are rejected.
func (p *HLSParser) Parse(body []byte, manifestURL string, opts Options) (*models.Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, &models.ParseError{Reason: "malformed playlist", Err: err}
	}
	if listType == m3u8.MASTER {
		return nil, &models.ParseError{Reason: "HLS master playlist", Err: ErrMasterPlaylist}
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &models.ParseError{Reason: "unexpected playlist type"}
	}
	if !media.Closed {
		return nil, &models.ParseError{Reason: "live playlist without EXT-X-ENDLIST is not supported"}
	}

	baseURL, err := url.Parse(manifestURL)
	if err != nil {
		return nil, &models.ParseError{Reason: "invalid manifest URL", Err: err}
	}
	return p.convertMedia(media, baseURL)
}

// convertMedia builds the manifest model from a decoded media playlist.
func (p *HLSParser) convertMedia(media *m3u8.MediaPlaylist, baseURL *url.URL) (*models.Manifest, error) {
	var (
		urls    []string
		total   float64
		key     *m3u8.Key
		initMap *m3u8.Map
	)

	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			if key != nil && !sameKey(key, seg.Key) {
				return nil, &models.ParseError{Reason: "key rotation is not supported"}
			}
			key = seg.Key
		}
		if seg.Map != nil && initMap == nil {
			initMap = seg.Map
		}
		if seg.Limit > 0 {
			return nil, &models.ParseError{Reason: "byte-range segments are not supported"}
		}
		// A key applies to every later segment, so only one seen on this
		// segment or an earlier one counts.
		if key == nil {
			return nil, &models.ParseError{Reason: "segment " + strconv.Itoa(i) + " is not encrypted"}
		}
		urls = append(urls, seg.URI)
		total += seg.Duration
	}
	if initMap == nil {
		initMap = media.Map
	}

	if len(urls) == 0 {
		return nil, &models.ParseError{Reason: "playlist has no segments"}
	}
	if key == nil || !strings.EqualFold(key.Method, "AES-128") {
		method := "NONE"
		if key != nil {
			method = key.Method
		}
		return nil, &models.ParseError{Reason: "unsupported encryption method " + method}
	}
	if strings.TrimSpace(key.URI) == "" {
		return nil, &models.ParseError{Reason: "EXT-X-KEY without URI"}
	}

	m := &models.Manifest{
		URL:             baseURL.String(),
		Type:            models.ManifestHLS,
		Representation:  models.Representation{ID: "media", MimeType: "application/vnd.apple.mpegurl"},
		Template:        models.SegmentTemplate{Base: baseURL, URLs: urls},
		SegmentCount:    len(urls),
		SegmentDuration: time.Duration(total / float64(len(urls)) * float64(time.Second)),
		Duration:        time.Duration(total * float64(time.Second)),
		IV:              models.IVScheme{Mode: models.IVSequence, BaseSequence: media.SeqNo},
	}

	if inline, ok := dataURIPayload(key.URI); ok {
		m.KeyRef = models.KeyReference{Inline: inline}
	} else {
		ref, err := resolveBase(baseURL, key.URI)
		if err != nil {
			return nil, &models.ParseError{Reason: "invalid key URI", Err: err}
		}
		m.KeyRef = models.KeyReference{URI: ref.String()}
	}

	if key.IV != "" {
		iv, err := decryptor.ParseIV(key.IV)
		if err != nil {
			return nil, &models.ParseError{Reason: "invalid EXT-X-KEY IV", Err: err}
		}
		m.IV.Mode = models.IVFixed
		m.IV.Fixed = iv
	}

	if initMap != nil && initMap.URI != "" {
		if initMap.Limit > 0 {
			return nil, &models.ParseError{Reason: "byte-range EXT-X-MAP is not supported"}
		}
		ref, err := resolveBase(baseURL, initMap.URI)
		if err != nil {
			return nil, &models.ParseError{Reason: "invalid EXT-X-MAP URI", Err: err}
		}
		m.InitURL = ref.String()
		// An encrypted media initialization section must carry an explicit IV.
		m.InitEncrypted = key.IV != ""
	}
	return m, nil
}

func sameKey(a, b *m3u8.Key) bool {
	return strings.EqualFold(a.Method, b.Method) && a.URI == b.URI && strings.EqualFold(a.IV, b.IV)
}
