// Package keys resolves the content key of a protected stream.
package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxKeyBody bounds how much of a key response is read. Key endpoints
// answer with 16 raw bytes or 32 hex characters plus a trailing newline.
const maxKeyBody = 1024

var (
	ErrKeyLength = errors.New("key material is not 16 bytes")
	ErrKeyStatus = errors.New("unexpected key endpoint status")
)

// Resolver obtains the AES-128 key a manifest references. It never retries
// and never falls back to another key: a wrong key would only surface later
// as padding errors on every segment.
type Resolver struct {
	client *http.Client
	log    *zap.SugaredLogger
}

// NewResolver creates a resolver using the session's HTTP client, so the
// key request carries the same cookies and headers as the browser did.
func NewResolver(client *http.Client, log *zap.SugaredLogger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.S()
	}
	return &Resolver{client: client, log: log}
}

// Resolve returns the key for ref. Every failure is a *models.KeyError.
func (r *Resolver) Resolve(ctx context.Context, ref models.KeyReference) (models.Key, error) {
	var (
		material []byte
		err      error
	)
	if ref.IsInline() {
		material, err = decodeInline(ref.Inline)
	} else {
		material, err = r.fetch(ctx, ref.URI)
	}
	if err != nil {
		return models.Key{}, &models.KeyError{Ref: ref, Err: err}
	}

	key, err := models.KeyFromBytes(material)
	if err != nil {
		return models.Key{}, &models.KeyError{Ref: ref, Err: errors.Wrap(ErrKeyLength, err.Error())}
	}
	r.log.Debugw("content key resolved", "ref", ref.String())
	return key, nil
}

// decodeInline accepts every base64 variant seen in manifests.
func decodeInline(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) != 16 {
				return nil, errors.Wrapf(ErrKeyLength, "inline key decodes to %d bytes", len(b))
			}
			return b, nil
		}
	}
	return nil, errors.New("inline key is not valid base64")
}

func (r *Resolver) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create key request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "key request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrKeyStatus, "HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBody+1))
	if err != nil {
		return nil, errors.Wrap(err, "read key body")
	}
	if len(body) > maxKeyBody {
		return nil, errors.Wrapf(ErrKeyLength, "key body exceeds %d bytes", maxKeyBody)
	}
	return keyFromBody(body)
}

// keyFromBody accepts 16 raw bytes or 32 hex characters.
func keyFromBody(body []byte) ([]byte, error) {
	if len(body) == 16 {
		return body, nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 32 {
		if b, err := hex.DecodeString(string(trimmed)); err == nil {
			return b, nil
		}
	}
	return nil, errors.Wrapf(ErrKeyLength, "key body is %d bytes", len(body))
}
