// Package capture replays a browser HAR export as observed exchanges.
package capture

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/mohaanymo/sealdash/internal/locator"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ErrInvalidHAR is returned for input that is not a HAR document.
var ErrInvalidHAR = errors.New("not a HAR document")

// Observer receives replayed exchanges. *locator.Locator satisfies it.
type Observer interface {
	Observe(locator.Exchange)
}

// HAR is a parsed browser network export.
type HAR struct {
	raw []byte
}

// ReadHAR reads and validates a HAR document.
func ReadHAR(r io.Reader) (*HAR, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read HAR")
	}
	if !gjson.ValidBytes(data) || !gjson.GetBytes(data, "log.entries").IsArray() {
		return nil, ErrInvalidHAR
	}
	return &HAR{raw: data}, nil
}

// OpenHAR reads a HAR file from disk.
func OpenHAR(path string) (*HAR, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open HAR")
	}
	defer f.Close()
	return ReadHAR(f)
}

// Len returns the number of recorded entries.
func (h *HAR) Len() int {
	return int(gjson.GetBytes(h.raw, "log.entries.#").Int())
}

// Replay pushes every entry to obs in recording order and returns how many
// were pushed. Entries whose body cannot be decoded are skipped.
func (h *HAR) Replay(obs Observer) int {
	n := 0
	gjson.GetBytes(h.raw, "log.entries").ForEach(func(_, entry gjson.Result) bool {
		ex, ok := exchangeFrom(entry)
		if ok {
			obs.Observe(ex)
			n++
		}
		return true
	})
	return n
}

func exchangeFrom(entry gjson.Result) (locator.Exchange, bool) {
	req, resp := entry.Get("request"), entry.Get("response")
	ex := locator.Exchange{
		URL:    req.Get("url").String(),
		Method: strings.ToUpper(req.Get("method").String()),
		Status: int(resp.Get("status").Int()),
		Header: http.Header{},
	}
	if ex.URL == "" {
		return ex, false
	}

	resp.Get("headers").ForEach(func(_, hdr gjson.Result) bool {
		ex.Header.Add(hdr.Get("name").String(), hdr.Get("value").String())
		return true
	})
	if mt := resp.Get("content.mimeType").String(); mt != "" && ex.Header.Get("Content-Type") == "" {
		ex.Header.Set("Content-Type", mt)
	}

	content := resp.Get("content")
	text := content.Get("text").String()
	if strings.EqualFold(content.Get("encoding").String(), "base64") {
		body, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return ex, false
		}
		ex.Body = body
	} else {
		ex.Body = []byte(text)
	}
	return ex, true
}

// Cookies collects the session cookies seen in requests and Set-Cookie
// responses. HAR request cookies carry no domain, so they are scoped to the
// host they were sent to. Later entries win.
func (h *HAR) Cookies() []*http.Cookie {
	type key struct{ name, domain, path string }
	index := make(map[key]int)
	var out []*http.Cookie

	add := func(c *http.Cookie) {
		k := key{c.Name, strings.TrimPrefix(c.Domain, "."), c.Path}
		if i, ok := index[k]; ok {
			out[i] = c
			return
		}
		index[k] = len(out)
		out = append(out, c)
	}

	gjson.GetBytes(h.raw, "log.entries").ForEach(func(_, entry gjson.Result) bool {
		u, err := url.Parse(entry.Get("request.url").String())
		if err != nil || u.Hostname() == "" {
			return true
		}
		host := u.Hostname()

		entry.Get("request.cookies").ForEach(func(_, c gjson.Result) bool {
			add(cookieFrom(c, host))
			return true
		})
		entry.Get("response.cookies").ForEach(func(_, c gjson.Result) bool {
			add(cookieFrom(c, host))
			return true
		})
		return true
	})
	return out
}

func cookieFrom(c gjson.Result, host string) *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.Get("name").String(),
		Value:    c.Get("value").String(),
		Domain:   c.Get("domain").String(),
		Path:     c.Get("path").String(),
		Secure:   c.Get("secure").Bool(),
		HttpOnly: c.Get("httpOnly").Bool(),
	}
	if cookie.Domain == "" {
		cookie.Domain = host
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return cookie
}
