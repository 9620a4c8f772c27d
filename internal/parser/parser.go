// Package parser turns a captured manifest body into a validated
// description of one protected audio representation.
package parser

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
)

// ErrMasterPlaylist is returned for HLS master playlists: the variant
// playlist has to be observed on its own.
var ErrMasterPlaylist = errors.New("master playlist carries no segments")

// IVOverride forces an IV derivation regardless of what the manifest says.
type IVOverride string

const (
	IVFromManifest IVOverride = "manifest"
	IVForceFixed   IVOverride = "fixed"
	IVForceSeq     IVOverride = "sequence"
)

// Options tune representation selection and IV derivation.
type Options struct {
	PreferredLabel    string
	PreferredLanguage string
	IVMode            IVOverride
	FixedIV           []byte
}

// DefaultOptions prefers the provider's original-language audio track.
func DefaultOptions() Options {
	return Options{
		PreferredLabel: "OriginalAudio",
		IVMode:         IVFromManifest,
	}
}

// Parser defines the interface for manifest parsers.
type Parser interface {
	CanParse(body []byte, contentType string) bool
	Parse(body []byte, manifestURL string, opts Options) (*models.Manifest, error)
}

// Registry manages available parsers.
type Registry struct {
	parsers []Parser
	opts    Options
}

// NewRegistry creates a registry with the DASH and HLS parsers.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		parsers: []Parser{
			NewDASHParser(),
			NewHLSParser(),
		},
		opts: opts,
	}
}

// Parse finds an appropriate parser, parses the body and validates the
// result. Every failure is a *models.ParseError.
func (r *Registry) Parse(body []byte, manifestURL, contentType string) (*models.Manifest, error) {
	for _, p := range r.parsers {
		if !p.CanParse(body, contentType) {
			continue
		}
		m, err := p.Parse(body, manifestURL, r.opts)
		if err != nil {
			return nil, asParseError("invalid manifest", err)
		}
		if err := applyIVOverride(m, r.opts); err != nil {
			return nil, asParseError("IV configuration", err)
		}
		if err := m.Validate(); err != nil {
			return nil, asParseError("invariant violated", err)
		}
		return m, nil
	}
	return nil, &models.ParseError{Reason: "unrecognized manifest format (content type " + contentType + ")"}
}

func asParseError(reason string, err error) error {
	var pe *models.ParseError
	if errors.As(err, &pe) {
		return err
	}
	return &models.ParseError{Reason: reason, Err: err}
}

func applyIVOverride(m *models.Manifest, opts Options) error {
	switch opts.IVMode {
	case "", IVFromManifest:
		return nil
	case IVForceSeq:
		m.IV = models.IVScheme{Mode: models.IVSequence, BaseSequence: m.IV.BaseSequence}
		return nil
	case IVForceFixed:
		if len(opts.FixedIV) != 16 {
			return errors.Errorf("fixed IV mode needs a 16-byte IV, got %d bytes", len(opts.FixedIV))
		}
		m.IV = models.IVScheme{Mode: models.IVFixed, Fixed: append([]byte(nil), opts.FixedIV...), BaseSequence: m.IV.BaseSequence}
		return nil
	default:
		return errors.Errorf("unknown IV mode %q", opts.IVMode)
	}
}

// sniff returns the first non-space bytes of a body, skipping a UTF-8 BOM.
func sniff(body []byte) []byte {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	body = bytes.TrimLeft(body, " \t\r\n")
	if len(body) > 512 {
		body = body[:512]
	}
	return body
}

// resolveBase resolves a chain of BaseURL values against a parent URL.
func resolveBase(parent *url.URL, paths ...string) (*url.URL, error) {
	result := parent
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rel, err := url.Parse(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid BaseURL %q", p)
		}
		if result == nil {
			result = rel
			continue
		}
		result = result.ResolveReference(rel)
	}
	return result, nil
}
