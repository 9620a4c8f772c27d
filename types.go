package sealdash

import (
	"time"

	"github.com/mohaanymo/sealdash/internal/engine"
	"github.com/mohaanymo/sealdash/internal/locator"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/mohaanymo/sealdash/internal/probe"
)

type (
	// Exchange is one captured request/response pair of the session.
	Exchange = locator.Exchange
	// Pattern decides which exchanges carry the manifest.
	Pattern = locator.Pattern

	ProgressUpdate = engine.ProgressUpdate
	SegmentTask    = models.SegmentTask
	TaskState      = models.TaskState

	// Stream is the assembled plaintext: init segment followed by every
	// media segment in index order.
	Stream     = models.AssembledStream
	StreamInfo = probe.StreamInfo
)

// Error kinds. Use errors.As to inspect them; FetchError and DecryptError
// carry the failing segment index (-1 for the init segment).
type (
	ParseError   = models.ParseError
	KeyError     = models.KeyError
	FetchError   = models.FetchError
	DecryptError = models.DecryptError
	GapError     = models.GapError
)

// ErrManifestNotFound is returned when the session closed without any
// exchange matching the manifest pattern.
var ErrManifestNotFound = models.ErrManifestNotFound

// DefaultPattern returns the built-in manifest pattern.
func DefaultPattern() Pattern {
	return locator.DefaultPattern()
}

// Result is the output of a successful extraction.
type Result struct {
	Stream   *Stream
	Manifest *models.Manifest
	// Info is nil when the stream has no init segment to probe.
	Info *StreamInfo
}

// Representation returns the selected representation.
func (r *Result) Representation() *Representation {
	return &Representation{internal: &r.Manifest.Representation}
}

// ManifestType returns the type of manifest ("HLS" or "DASH").
func (r *Result) ManifestType() string {
	return r.Manifest.Type.String()
}

// Duration returns the presentation duration the manifest declares, zero
// when it declares none.
func (r *Result) Duration() time.Duration {
	return r.Manifest.Duration
}

// Representation describes the audio representation that was extracted.
type Representation struct {
	internal *models.Representation
}

// ID returns the representation's identifier.
func (r *Representation) ID() string {
	return r.internal.ID
}

// Codec returns the codecs string (e.g., "mp4a.40.2").
func (r *Representation) Codec() string {
	return r.internal.Codecs
}

// Bandwidth returns the bandwidth in bits per second.
func (r *Representation) Bandwidth() int64 {
	return r.internal.Bandwidth
}

// Language returns the language code (e.g., "en").
func (r *Representation) Language() string {
	return r.internal.Language
}

// Label returns the provider label, e.g. "OriginalAudio".
func (r *Representation) Label() string {
	return r.internal.Label
}
