// Package locator finds the streaming manifest in captured network traffic.
package locator

import (
	"context"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/mohaanymo/sealdash/internal/models"
	"go.uber.org/zap"
)

// Exchange is one captured request/response pair.
type Exchange struct {
	URL    string
	Method string
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the media type of the response without parameters.
func (e Exchange) ContentType() string {
	ct := e.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// Pattern decides which exchanges carry the manifest. An exchange
// qualifies when its URL matches URL, its content type is one of
// ContentTypes and its URL does not match Exclude.
type Pattern struct {
	URL          *regexp.Regexp
	ContentTypes []string
	Exclude      *regexp.Regexp

	// AllowUntyped lets an exchange without a Content-Type qualify on its
	// URL alone, for captures that drop response headers.
	AllowUntyped bool
}

// DefaultPattern matches the manifest endpoint of the observed provider.
func DefaultPattern() Pattern {
	return Pattern{
		URL: regexp.MustCompile(`(?i)(videomanifest|\.mpd(\?|$)|\.m3u8(\?|$)|format=(mpd|m3u8))`),
		ContentTypes: []string{
			"application/dash+xml",
			"application/vnd.apple.mpegurl",
			"application/x-mpegurl",
			"audio/mpegurl",
		},
		Exclude: regexp.MustCompile(`(?i)stream\.aspx`),
	}
}

// Match reports whether an exchange qualifies as the manifest.
func (p Pattern) Match(e Exchange) bool {
	if e.Status != 0 && (e.Status < 200 || e.Status > 299) {
		return false
	}
	if p.URL != nil && !p.URL.MatchString(e.URL) {
		return false
	}
	if p.Exclude != nil && p.Exclude.MatchString(e.URL) {
		return false
	}
	ct := e.ContentType()
	if len(p.ContentTypes) == 0 || (ct == "" && p.AllowUntyped && p.URL != nil) {
		return true
	}
	for _, want := range p.ContentTypes {
		if strings.EqualFold(ct, want) {
			return true
		}
	}
	return false
}

// Locator passively observes exchanges pushed by the browsing session.
// The most recent qualifying exchange wins.
type Locator struct {
	pattern Pattern
	log     *zap.SugaredLogger

	mu      sync.Mutex
	match   *Exchange
	matches int
	closed  bool
	found   chan struct{}
	done    chan struct{}
}

// New creates a Locator for the given pattern.
func New(pattern Pattern, log *zap.SugaredLogger) *Locator {
	if log == nil {
		log = zap.S()
	}
	return &Locator{
		pattern: pattern,
		log:     log,
		found:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Observe records an exchange. It is safe to call from multiple goroutines
// and is a no-op after Close.
func (l *Locator) Observe(e Exchange) {
	if !l.pattern.Match(e) {
		return
	}

	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	e.Body = body

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.match != nil {
		l.log.Debugf("replacing manifest match %s with %s", l.match.URL, e.URL)
	} else {
		close(l.found)
	}
	l.match = &e
	l.matches++
}

// Close marks the end of the session. Later exchanges are ignored.
func (l *Locator) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}

// Matches returns how many exchanges qualified so far.
func (l *Locator) Matches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.matches
}

// Result returns the most recent qualifying exchange.
func (l *Locator) Result() (Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.match == nil {
		return Exchange{}, models.ErrManifestNotFound
	}
	return *l.match, nil
}

// Wait blocks until the session is closed, then returns the final match.
// It returns early with the current match when ctx is done and a match
// exists.
func (l *Locator) Wait(ctx context.Context) (Exchange, error) {
	select {
	case <-l.done:
		return l.Result()
	case <-ctx.Done():
		if ex, err := l.Result(); err == nil {
			return ex, nil
		}
		return Exchange{}, ctx.Err()
	}
}

// Found is closed when the first qualifying exchange is observed.
func (l *Locator) Found() <-chan struct{} {
	return l.found
}
