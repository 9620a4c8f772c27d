package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohaanymo/sealdash/internal/decryptor"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

var testKey = models.Key{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}

// origin serves encrypted segments under /seg/<n> and lets tests inject
// per-request failures.
type origin struct {
	mu       sync.Mutex
	segments map[int][]byte
	init     []byte
	hits     map[int]int
	// fail returns a status to answer with, or 0 to serve the segment.
	fail func(index, hit int, w http.ResponseWriter, r *http.Request) int
}

func newOrigin(t *testing.T, plain [][]byte, ivs models.IVScheme) *origin {
	t.Helper()
	o := &origin{segments: make(map[int][]byte), hits: make(map[int]int)}
	for i, p := range plain {
		ct, err := decryptor.Encrypt(p, testKey.Bytes(), ivs.For(i))
		if err != nil {
			t.Fatal(err)
		}
		o.segments[i] = ct
	}
	return o
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/init.mp4" {
		w.Write(o.init)
		return
	}
	index, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/seg/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	o.mu.Lock()
	o.hits[index]++
	hit := o.hits[index]
	data, ok := o.segments[index]
	o.mu.Unlock()

	if o.fail != nil {
		if status := o.fail(index, hit, w, r); status != 0 {
			if status > 0 {
				w.WriteHeader(status)
			}
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (o *origin) hitCount(index int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[index]
}

func testManifest(t *testing.T, srvURL string, count int, ivs models.IVScheme) *models.Manifest {
	t.Helper()
	base, err := url.Parse(srvURL + "/")
	if err != nil {
		t.Fatal(err)
	}
	return &models.Manifest{
		Type:         models.ManifestDASH,
		SegmentCount: count,
		Template:     models.SegmentTemplate{Media: "seg/$Number$", Base: base, StartNumber: 0},
		KeyRef:       models.KeyReference{URI: srvURL + "/key"},
		IV:           ivs,
	}
}

func fastOptions(concurrency, attempts int) Options {
	return Options{
		Concurrency: concurrency,
		Retry:       RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Timeout:     5 * time.Second,
	}
}

func plainSegments(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, 100+i*37)
	}
	return out
}

func TestRunRecoversFromTransientFailures(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	plain := plainSegments(3)
	o := newOrigin(t, plain, ivs)
	o.fail = func(index, hit int, w http.ResponseWriter, r *http.Request) int {
		if index == 1 && hit <= 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	srv := httptest.NewServer(o)
	defer srv.Close()

	e := New(srv.Client(), fastOptions(3, 5), zaptest.NewLogger(t).Sugar())
	stream, err := e.Run(context.Background(), testManifest(t, srv.URL, 3, ivs), testKey)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := bytes.Join(plain, nil)
	if !bytes.Equal(stream.Data, want) {
		t.Errorf("assembled %d bytes, want %d bytes in index order", len(stream.Data), len(want))
	}
	for i, p := range plain {
		if stream.SegmentLengths[i] != len(p) {
			t.Errorf("SegmentLengths[%d] = %d, want %d", i, stream.SegmentLengths[i], len(p))
		}
	}

	attempts := map[int]int{}
	for _, task := range e.Tasks() {
		attempts[task.Index] = task.Attempts
		if task.State != models.TaskDecrypted {
			t.Errorf("segment %d state = %s, want decrypted", task.Index, task.State)
		}
	}
	if attempts[0] != 1 || attempts[1] != 3 || attempts[2] != 1 {
		t.Errorf("attempts = %v, want segment 1 on its third attempt", attempts)
	}
}

func TestRunRetryCeilingBoundary(t *testing.T) {
	const maxAttempts = 4
	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{"succeeds on the last allowed attempt", maxAttempts - 1, false},
		{"fails once the ceiling is reached", maxAttempts, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ivs := models.IVScheme{Mode: models.IVSequence}
			plain := plainSegments(3)
			o := newOrigin(t, plain, ivs)
			o.fail = func(index, hit int, w http.ResponseWriter, r *http.Request) int {
				if index == 1 && hit <= tt.failures {
					return http.StatusServiceUnavailable
				}
				return 0
			}
			srv := httptest.NewServer(o)
			defer srv.Close()

			e := New(srv.Client(), fastOptions(3, maxAttempts), zaptest.NewLogger(t).Sugar())
			stream, err := e.Run(context.Background(), testManifest(t, srv.URL, 3, ivs), testKey)

			if tt.wantErr {
				var fe *models.FetchError
				if !errors.As(err, &fe) {
					t.Fatalf("Run() error = %v, want *models.FetchError", err)
				}
				if fe.Index != 1 || fe.Attempts != maxAttempts {
					t.Errorf("FetchError index %d attempts %d, want 1 and %d", fe.Index, fe.Attempts, maxAttempts)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !bytes.Equal(stream.Data, bytes.Join(plain, nil)) {
				t.Error("segment fetched on the last attempt is missing from the stream")
			}
			if n := o.hitCount(1); n != maxAttempts {
				t.Errorf("segment 1 requested %d times, want %d", n, maxAttempts)
			}
		})
	}
}

func TestRunRetryCeilingCancelsOthers(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	o := newOrigin(t, plainSegments(3), ivs)

	cancelled := make(chan struct{})
	var once sync.Once
	o.fail = func(index, hit int, w http.ResponseWriter, r *http.Request) int {
		switch index {
		case 0:
			// Hold segment 0 until the run gives up on it.
			select {
			case <-r.Context().Done():
				once.Do(func() { close(cancelled) })
			case <-time.After(10 * time.Second):
			}
			return -1
		case 2:
			return http.StatusBadGateway
		}
		return 0
	}
	srv := httptest.NewServer(o)
	defer srv.Close()

	e := New(srv.Client(), fastOptions(3, 3), zaptest.NewLogger(t).Sugar())
	_, err := e.Run(context.Background(), testManifest(t, srv.URL, 3, ivs), testKey)

	var fe *models.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want *models.FetchError", err)
	}
	if fe.Index != 2 || fe.Attempts != 3 {
		t.Errorf("FetchError index %d attempts %d, want 2 and 3", fe.Index, fe.Attempts)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Errorf("cause = %v, want HTTP 502", err)
	}
	if n := o.hitCount(2); n != 3 {
		t.Errorf("segment 2 requested %d times, want 3", n)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Error("in-flight fetch of segment 0 was not cancelled")
	}
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	o := newOrigin(t, plainSegments(2), ivs)
	o.fail = func(index, hit int, w http.ResponseWriter, r *http.Request) int {
		if index == 1 {
			return http.StatusForbidden
		}
		return 0
	}
	srv := httptest.NewServer(o)
	defer srv.Close()

	e := New(srv.Client(), fastOptions(1, 5), zaptest.NewLogger(t).Sugar())
	_, err := e.Run(context.Background(), testManifest(t, srv.URL, 2, ivs), testKey)

	var fe *models.FetchError
	if !errors.As(err, &fe) || fe.Attempts != 1 {
		t.Fatalf("Run() error = %v, want FetchError after 1 attempt", err)
	}
	if n := o.hitCount(1); n != 1 {
		t.Errorf("segment 1 requested %d times, want 1", n)
	}
}

func TestRunRetriesShortReads(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVFixed, Fixed: bytes.Repeat([]byte{9}, 16)}
	plain := plainSegments(2)
	o := newOrigin(t, plain, ivs)
	o.fail = func(index, hit int, w http.ResponseWriter, r *http.Request) int {
		if index == 0 && hit == 1 {
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("truncated"))
			return -1
		}
		return 0
	}
	srv := httptest.NewServer(o)
	defer srv.Close()

	e := New(srv.Client(), fastOptions(2, 3), zaptest.NewLogger(t).Sugar())
	stream, err := e.Run(context.Background(), testManifest(t, srv.URL, 2, ivs), testKey)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(stream.Data, bytes.Join(plain, nil)) {
		t.Error("assembled stream does not match the plaintext")
	}
}

func TestRunWrongKeyIsDecryptError(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	// Large enough that a wrong key yields invalid padding with near certainty.
	o := newOrigin(t, [][]byte{bytes.Repeat([]byte{1}, 4000)}, ivs)
	srv := httptest.NewServer(o)
	defer srv.Close()

	wrong := testKey
	wrong[0] ^= 0xff

	e := New(srv.Client(), fastOptions(1, 3), zaptest.NewLogger(t).Sugar())
	_, err := e.Run(context.Background(), testManifest(t, srv.URL, 1, ivs), wrong)
	if err == nil {
		t.Skip("wrong key produced valid padding by chance")
	}

	var de *models.DecryptError
	if !errors.As(err, &de) || de.Index != 0 {
		t.Fatalf("Run() error = %v, want DecryptError for segment 0", err)
	}
	if n := o.hitCount(0); n != 1 {
		t.Errorf("segment requested %d times, decrypt errors must not be retried", n)
	}
}

func TestRunPrependsDecryptedInit(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence, BaseSequence: 1}
	plain := plainSegments(2)
	o := newOrigin(t, plain, ivs)

	initPlain := []byte("ftyp....moov....")
	ct, err := decryptor.Encrypt(initPlain, testKey.Bytes(), ivs.ForInit())
	if err != nil {
		t.Fatal(err)
	}
	o.init = ct
	srv := httptest.NewServer(o)
	defer srv.Close()

	m := testManifest(t, srv.URL, 2, ivs)
	m.InitURL = srv.URL + "/init.mp4"
	m.InitEncrypted = true

	e := New(srv.Client(), fastOptions(2, 3), zaptest.NewLogger(t).Sugar())
	stream, err := e.Run(context.Background(), m, testKey)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(stream.Init, initPlain) {
		t.Errorf("Init = %q, want %q", stream.Init, initPlain)
	}

	var out bytes.Buffer
	stream.WriteTo(&out)
	want := append(append([]byte(nil), initPlain...), bytes.Join(plain, nil)...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Error("written stream is not init followed by the segments")
	}
}

func TestRunInitFailureStopsBeforeSegments(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	o := newOrigin(t, plainSegments(2), ivs)
	srv := httptest.NewServer(o)
	defer srv.Close()

	m := testManifest(t, srv.URL, 2, ivs)
	m.InitURL = srv.URL + "/missing-init.mp4"

	e := New(srv.Client(), fastOptions(2, 3), zaptest.NewLogger(t).Sugar())
	_, err := e.Run(context.Background(), m, testKey)

	var fe *models.FetchError
	if !errors.As(err, &fe) || fe.Index != -1 {
		t.Fatalf("Run() error = %v, want FetchError for the init segment", err)
	}
	if o.hitCount(0)+o.hitCount(1) != 0 {
		t.Error("media segments were fetched after the init segment failed")
	}
}

func TestRunCanceled(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	o := newOrigin(t, plainSegments(4), ivs)
	srv := httptest.NewServer(o)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(srv.Client(), fastOptions(2, 3), zaptest.NewLogger(t).Sugar())
	_, err := e.Run(ctx, testManifest(t, srv.URL, 4, ivs), testKey)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunReportsProgress(t *testing.T) {
	ivs := models.IVScheme{Mode: models.IVSequence}
	o := newOrigin(t, plainSegments(5), ivs)
	srv := httptest.NewServer(o)
	defer srv.Close()

	e := New(srv.Client(), fastOptions(2, 3), zaptest.NewLogger(t).Sugar())
	if _, err := e.Run(context.Background(), testManifest(t, srv.URL, 5, ivs), testKey); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	done := map[int]bool{}
	for len(e.Progress()) > 0 {
		u := <-e.Progress()
		if u.Done() && u.Err == nil {
			done[u.Index] = true
		}
	}
	if len(done) != 5 {
		t.Errorf("completion updates for %d segments, want 5", len(done))
	}
}

func ExampleAssemble() {
	stream, err := Assemble([]models.DecryptedSegment{
		{Index: 1, Data: []byte("world")},
		{Index: 0, Data: []byte("hello ")},
	}, 2)
	fmt.Println(string(stream.Data), err)
	// Output: hello world <nil>
}
