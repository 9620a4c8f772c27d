// Package models defines core data structures for protected audio streams.
package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ManifestType represents the type of streaming manifest.
type ManifestType int

const (
	ManifestDASH ManifestType = iota
	ManifestHLS
)

func (t ManifestType) String() string {
	switch t {
	case ManifestHLS:
		return "HLS"
	case ManifestDASH:
		return "DASH"
	default:
		return "Unknown"
	}
}

// Manifest is a fully validated description of one audio representation:
// how its segments are addressed and how they are decrypted.
type Manifest struct {
	URL  string
	Type ManifestType

	Representation Representation
	Template       SegmentTemplate

	SegmentCount    int
	SegmentDuration time.Duration
	Duration        time.Duration

	// InitURL is the initialization segment (fMP4), empty when the
	// stream has none.
	InitURL       string
	InitEncrypted bool

	KeyRef KeyReference
	IV     IVScheme
}

// Representation carries the metadata of the selected representation.
type Representation struct {
	ID        string
	Codecs    string
	MimeType  string
	Bandwidth int64
	Language  string
	Label     string
}

// KeyReference points at the content key: either inline base64 material
// or a URI served by a key-delivery endpoint.
type KeyReference struct {
	Inline string
	URI    string
}

// IsInline reports whether the key material is embedded in the manifest.
func (r KeyReference) IsInline() bool {
	return r.Inline != ""
}

func (r KeyReference) String() string {
	if r.IsInline() {
		return "inline"
	}
	return r.URI
}

// SegmentURL resolves the URL of the segment at a zero-based index.
func (m *Manifest) SegmentURL(index int) (string, error) {
	if index < 0 || index >= m.SegmentCount {
		return "", fmt.Errorf("segment index %d out of range [0, %d)", index, m.SegmentCount)
	}
	return m.Template.URL(index)
}

// MaxSegments bounds the segment count of one manifest.
const MaxSegments = 1 << 20

// Validate checks every invariant downstream stages rely on.
func (m *Manifest) Validate() error {
	if m.SegmentCount < 1 {
		return errors.Errorf("segment count must be at least 1, got %d", m.SegmentCount)
	}
	if m.SegmentCount > MaxSegments {
		return errors.Errorf("segment count %d exceeds %d", m.SegmentCount, MaxSegments)
	}
	if m.KeyRef.Inline == "" && m.KeyRef.URI == "" {
		return errors.New("missing key reference")
	}
	if m.KeyRef.Inline != "" && m.KeyRef.URI != "" {
		return errors.New("key reference is both inline and a URI")
	}
	if err := m.IV.Validate(); err != nil {
		return err
	}
	if n := len(m.Template.URLs); n > 0 && n != m.SegmentCount {
		return errors.Errorf("segment list has %d entries, expected %d", n, m.SegmentCount)
	}
	if m.Template.UsesTime() && len(m.Template.Times) != m.SegmentCount {
		return errors.Errorf("time-addressed template has %d start times, expected %d",
			len(m.Template.Times), m.SegmentCount)
	}

	seen := make(map[string]int, m.SegmentCount)
	for i := 0; i < m.SegmentCount; i++ {
		u, err := m.SegmentURL(i)
		if err != nil {
			return errors.Wrapf(err, "segment %d", i)
		}
		if prev, ok := seen[u]; ok {
			return errors.Errorf("segments %d and %d resolve to the same URL %s", prev, i, u)
		}
		seen[u] = i
	}
	return nil
}

// SegmentTemplate addresses segments either through a DASH media template
// or through an explicit per-segment URL list.
type SegmentTemplate struct {
	Media            string
	Base             *url.URL
	RepresentationID string
	Bandwidth        int64
	StartNumber      int
	Times            []int64
	URLs             []string
}

// UsesTime reports whether the media template is addressed by $Time$.
func (t SegmentTemplate) UsesTime() bool {
	return len(t.URLs) == 0 && strings.Contains(t.Media, "$Time")
}

// URL builds the absolute URL of the segment at a zero-based index.
func (t SegmentTemplate) URL(index int) (string, error) {
	if len(t.URLs) > 0 {
		if index >= len(t.URLs) {
			return "", fmt.Errorf("no URL listed for segment %d", index)
		}
		return t.resolve(t.URLs[index])
	}
	if t.Media == "" {
		return "", errors.New("empty media template")
	}

	var ts int64
	if t.UsesTime() {
		if index >= len(t.Times) {
			return "", fmt.Errorf("no start time for segment %d", index)
		}
		ts = t.Times[index]
	}

	expanded, err := ExpandTemplate(t.Media, TemplateVars{
		RepresentationID: t.RepresentationID,
		Bandwidth:        t.Bandwidth,
		Number:           int64(t.StartNumber + index),
		Time:             ts,
	})
	if err != nil {
		return "", err
	}
	return t.resolve(expanded)
}

func (t SegmentTemplate) resolve(ref string) (string, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "invalid segment URL %q", ref)
	}
	if t.Base == nil {
		return rel.String(), nil
	}
	return t.Base.ResolveReference(rel).String(), nil
}

// Codec detection helpers
var (
	audioCodecs = []string{"mp4a", "aac", "ac-3", "ec-3", "opus", "vorbis", "flac", "mp3"}
	videoCodecs = []string{"avc", "h264", "hevc", "h265", "hvc1", "hev1", "vp9", "vp8", "vp09", "av01", "av1"}
)

func hasCodec(codecs string, list []string) bool {
	codecs = strings.ToLower(codecs)
	for _, c := range list {
		if strings.Contains(codecs, c) {
			return true
		}
	}
	return false
}

// HasAudioCodec reports whether a codecs string names an audio codec.
func HasAudioCodec(codecs string) bool { return hasCodec(codecs, audioCodecs) }

// HasVideoCodec reports whether a codecs string names a video codec.
func HasVideoCodec(codecs string) bool { return hasCodec(codecs, videoCodecs) }
