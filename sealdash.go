// Package sealdash extracts the decrypted audio of a protected adaptive
// stream from an authenticated browsing session.
//
// The browsing collaborator pushes every network exchange it sees into an
// Extractor and closes it when the session ends:
//
//	x, err := sealdash.New(
//		sealdash.WithCookies(sessionCookies),
//		sealdash.WithConcurrency(8),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for ex := range exchanges {
//		x.Observe(ex)
//	}
//	x.Close()
//
//	res, err := x.Extract(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res.Stream.WriteTo(out)
//
// Or replay a HAR export:
//
//	res, err := sealdash.ExtractHAR(ctx, "session.har")
package sealdash

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/mohaanymo/sealdash/internal/capture"
	"github.com/mohaanymo/sealdash/internal/config"
	"github.com/mohaanymo/sealdash/internal/engine"
	"github.com/mohaanymo/sealdash/internal/httpclient"
	"github.com/mohaanymo/sealdash/internal/keys"
	"github.com/mohaanymo/sealdash/internal/locator"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/mohaanymo/sealdash/internal/parser"
	"github.com/mohaanymo/sealdash/internal/probe"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Extractor locates the manifest in a session, resolves its key and
// produces the assembled plaintext stream.
type Extractor struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	locator  *locator.Locator
	registry *parser.Registry
	resolver *keys.Resolver
	eng      *engine.Engine

	onManifest func(*models.Manifest)
}

type options struct {
	cfg     *config.Config
	cookies []*http.Cookie
	jar     http.CookieJar
	pattern *locator.Pattern
	client  *http.Client
	log     *zap.SugaredLogger

	onManifest func(*models.Manifest)
}

// Option configures the extractor.
type Option func(*options)

// New creates an Extractor with the given options.
func New(opts ...Option) (*Extractor, error) {
	o := &options{cfg: config.New()}
	for _, opt := range opts {
		opt(o)
	}
	return newExtractor(o)
}

// NewFromConfig creates an Extractor from a loaded configuration. Options
// are applied on top of it.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Extractor, error) {
	o := &options{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return newExtractor(o)
}

func newExtractor(o *options) (*Extractor, error) {
	cfg := o.cfg
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	log := o.log
	if log == nil {
		log = zap.S()
	}

	pattern, err := manifestPattern(o.pattern, cfg.Provider)
	if err != nil {
		return nil, err
	}
	fixedIV, err := cfg.FixedIVBytes()
	if err != nil {
		return nil, err
	}

	client := o.client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Headers = cfg.Headers
		hc.Cookies = o.cookies
		hc.Jar = o.jar
		hc.MaxBandwidth = cfg.MaxBandwidth
		client, err = httpclient.New(hc)
		if err != nil {
			return nil, err
		}
	}

	eng := engine.New(client, engine.Options{
		Concurrency: cfg.Concurrency,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Timeout: cfg.Timeout,
	}, log)

	return &Extractor{
		cfg:     cfg,
		log:     log,
		locator: locator.New(pattern, log),
		registry: parser.NewRegistry(parser.Options{
			PreferredLabel:    cfg.Provider.PreferredLabel,
			PreferredLanguage: cfg.Provider.PreferredLanguage,
			IVMode:            parser.IVOverride(cfg.Provider.IVMode),
			FixedIV:           fixedIV,
		}),
		resolver:   keys.NewResolver(client, log),
		eng:        eng,
		onManifest: o.onManifest,
	}, nil
}

func manifestPattern(explicit *locator.Pattern, p config.Provider) (locator.Pattern, error) {
	if explicit != nil {
		return *explicit, nil
	}
	pattern := locator.DefaultPattern()
	if p.ManifestPattern != "" {
		re, err := regexp.Compile(p.ManifestPattern)
		if err != nil {
			return pattern, errors.Wrap(err, "manifest pattern")
		}
		pattern.URL = re
	}
	if p.ExcludePattern != "" {
		re, err := regexp.Compile(p.ExcludePattern)
		if err != nil {
			return pattern, errors.Wrap(err, "exclude pattern")
		}
		pattern.Exclude = re
	}
	pattern.AllowUntyped = p.AllowUntyped
	return pattern, nil
}

// WithConfig starts from a copy of a loaded configuration. It replaces
// everything set by earlier options, so pass it first.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		c := *cfg
		c.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			c.Headers[k] = v
		}
		o.cfg = &c
	}
}

// WithConcurrency sets the number of parallel segment fetches (1-32).
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.cfg.Concurrency = n
	}
}

// WithMaxAttempts sets how often a segment is tried before the run fails.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.cfg.MaxAttempts = n
	}
}

// WithRetryDelays sets the base and ceiling of the retry backoff.
func WithRetryDelays(base, max time.Duration) Option {
	return func(o *options) {
		o.cfg.RetryBaseDelay = base
		o.cfg.RetryMaxDelay = max
	}
}

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cfg.Timeout = d
	}
}

// WithMaxBandwidth sets maximum download speed in bytes per second.
// Set to 0 for unlimited (default).
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(o *options) {
		o.cfg.MaxBandwidth = bytesPerSec
	}
}

// WithHeaders sets headers sent with every key and segment request.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		if o.cfg.Headers == nil {
			o.cfg.Headers = make(map[string]string)
		}
		for k, v := range headers {
			o.cfg.Headers[k] = v
		}
	}
}

// WithCookies seeds the session cookie jar. Every cookie needs a domain.
func WithCookies(cookies []*http.Cookie) Option {
	return func(o *options) {
		o.cookies = append(o.cookies, cookies...)
	}
}

// WithCookieJar shares the browsing session's jar instead of a fresh one.
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *options) {
		o.jar = jar
	}
}

// WithHTTPClient replaces the session client entirely. Headers, cookies
// and the bandwidth limit are then the caller's business.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithManifestPattern overrides which exchanges count as the manifest.
func WithManifestPattern(p locator.Pattern) Option {
	return func(o *options) {
		o.pattern = &p
	}
}

// WithPreferredLabel prefers representations carrying this label.
func WithPreferredLabel(label string) Option {
	return func(o *options) {
		o.cfg.Provider.PreferredLabel = label
	}
}

// WithPreferredLanguage prefers representations in this language.
func WithPreferredLanguage(lang string) Option {
	return func(o *options) {
		o.cfg.Provider.PreferredLanguage = lang
	}
}

// WithIVMode forces the IV derivation: "manifest", "sequence" or "fixed".
func WithIVMode(mode string) Option {
	return func(o *options) {
		o.cfg.Provider.IVMode = mode
	}
}

// WithFixedIV forces a fixed hex IV for every segment.
func WithFixedIV(hexIV string) Option {
	return func(o *options) {
		o.cfg.Provider.IVMode = "fixed"
		o.cfg.Provider.FixedIV = hexIV
	}
}

// WithLogger replaces the global zap logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithManifestCallback is called once the manifest is parsed, before the
// key is resolved.
func WithManifestCallback(fn func(*models.Manifest)) Option {
	return func(o *options) {
		o.onManifest = fn
	}
}

// Observe pushes one captured exchange. Safe for concurrent use.
func (x *Extractor) Observe(e locator.Exchange) {
	x.locator.Observe(e)
}

// Close marks the end of the browsing session.
func (x *Extractor) Close() {
	x.locator.Close()
}

// ManifestFound is closed once the first manifest candidate was observed.
func (x *Extractor) ManifestFound() <-chan struct{} {
	return x.locator.Found()
}

// Progress returns the channel of segment progress updates. Updates are
// dropped when it is not drained.
func (x *Extractor) Progress() <-chan ProgressUpdate {
	return x.eng.Progress()
}

// Tasks returns the per-segment records of the current or last run.
func (x *Extractor) Tasks() []SegmentTask {
	return x.eng.Tasks()
}

// Extract waits for the session to close (or ctx to end with a manifest
// already seen), then parses the manifest, resolves the key and downloads
// and decrypts every segment. Nothing partial is ever returned.
func (x *Extractor) Extract(ctx context.Context) (*Result, error) {
	ex, err := x.locator.Wait(ctx)
	if err != nil {
		return nil, err
	}
	x.log.Infow("manifest located", "url", ex.URL, "candidates", x.locator.Matches())

	m, err := x.registry.Parse(ex.Body, ex.URL, ex.ContentType())
	if err != nil {
		return nil, err
	}
	x.log.Debugw("manifest parsed",
		"type", m.Type.String(),
		"representation", m.Representation.ID,
		"codecs", m.Representation.Codecs,
		"key", m.KeyRef.String(),
	)
	if x.onManifest != nil {
		x.onManifest(m)
	}

	key, err := x.resolver.Resolve(ctx, m.KeyRef)
	if err != nil {
		return nil, err
	}

	stream, err := x.eng.Run(ctx, m, key)
	if err != nil {
		return nil, err
	}

	res := &Result{Stream: stream, Manifest: m}
	if len(stream.Init) == 0 {
		return res, nil
	}

	info, err := probe.Init(stream.Init)
	if err != nil {
		if m.InitEncrypted {
			return nil, &models.DecryptError{Index: -1, Err: err}
		}
		x.log.Warnw("init segment does not parse", "error", err)
		return res, nil
	}
	if n, err := probe.Fragments(stream.Data); err != nil {
		x.log.Warnw("media fragments do not parse", "error", err)
	} else {
		info.Fragments = n
	}
	if info.Protected {
		x.log.Warnw("audio track still carries a protection scheme", "codec", info.Codec)
	}
	res.Info = info
	return res, nil
}

// ExtractHAR replays a HAR export into a new extractor, seeding the
// session with the cookies recorded in it, and extracts the stream.
func ExtractHAR(ctx context.Context, path string, opts ...Option) (*Result, error) {
	har, err := capture.OpenHAR(path)
	if err != nil {
		return nil, err
	}

	x, err := New(append([]Option{WithCookies(har.Cookies())}, opts...)...)
	if err != nil {
		return nil, err
	}
	har.Replay(x)
	x.Close()

	return x.Extract(ctx)
}
