package parser

import (
	"errors"
	"testing"

	"github.com/mohaanymo/sealdash/internal/models"
)

const playlistURL = "https://cdn.example.com/audio/en/index.m3u8?token=abc"

func TestParseMediaPlaylist(t *testing.T) {
	body := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=AES-128,URI="../keys/k1"
#EXTINF:6.0,
seg7.aac
#EXTINF:6.0,
seg8.aac
#EXTINF:3.0,
https://other.example.com/seg9.aac
#EXT-X-ENDLIST
`

	m, err := NewRegistry(DefaultOptions()).Parse([]byte(body), playlistURL, "application/vnd.apple.mpegurl")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.Type != models.ManifestHLS || m.SegmentCount != 3 {
		t.Fatalf("got %s with %d segments", m.Type, m.SegmentCount)
	}
	if m.KeyRef.URI != "https://cdn.example.com/audio/keys/k1" {
		t.Errorf("KeyRef.URI = %q", m.KeyRef.URI)
	}
	if m.IV.Mode != models.IVSequence || m.IV.BaseSequence != 7 {
		t.Errorf("IV = %s base %d, want sequence from 7", m.IV, m.IV.BaseSequence)
	}
	if iv := m.IV.For(2); iv[15] != 9 {
		t.Errorf("IV.For(2) = %x, want sequence 9", iv)
	}

	wantURLs := []string{
		"https://cdn.example.com/audio/en/seg7.aac",
		"https://cdn.example.com/audio/en/seg8.aac",
		"https://other.example.com/seg9.aac",
	}
	for i, w := range wantURLs {
		if got, _ := m.SegmentURL(i); got != w {
			t.Errorf("SegmentURL(%d) = %q, want %q", i, got, w)
		}
	}
	if m.InitURL != "" {
		t.Errorf("InitURL = %q, want none", m.InitURL)
	}
}

func TestParseFMP4Playlist(t *testing.T) {
	body := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="data:text/plain;base64,MDEyMzQ1Njc4OWFiY2RlZg==",IV=0x000102030405060708090A0B0C0D0E0F
#EXTINF:4.0,
s0.m4s
#EXTINF:4.0,
s1.m4s
#EXT-X-ENDLIST
`

	m, err := NewRegistry(DefaultOptions()).Parse([]byte(body), playlistURL, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !m.KeyRef.IsInline() {
		t.Errorf("KeyRef = %+v, want inline", m.KeyRef)
	}
	if m.IV.Mode != models.IVFixed || m.IV.Fixed[15] != 0x0f {
		t.Errorf("IV = %s, want fixed", m.IV)
	}
	if m.InitURL != "https://cdn.example.com/audio/en/init.mp4" || !m.InitEncrypted {
		t.Errorf("InitURL = %q (encrypted %v)", m.InitURL, m.InitEncrypted)
	}
}

func TestParsePlaylistErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantMaster bool
	}{
		{
			name: "master",
			body: `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
audio/index.m3u8
`,
			wantMaster: true,
		},
		{
			name: "live",
			body: `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="k"
#EXTINF:6.0,
a.aac
`,
		},
		{
			name: "clear",
			body: `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
a.aac
#EXT-X-ENDLIST
`,
		},
		{
			name: "clear segment before key",
			body: `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
a.aac
#EXT-X-KEY:METHOD=AES-128,URI="k"
#EXTINF:6.0,
b.aac
#EXT-X-ENDLIST
`,
		},
		{
			name: "sample aes",
			body: `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="k"
#EXTINF:6.0,
a.aac
#EXT-X-ENDLIST
`,
		},
		{
			name: "key rotation",
			body: `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="k1"
#EXTINF:6.0,
a.aac
#EXT-X-KEY:METHOD=AES-128,URI="k2"
#EXTINF:6.0,
b.aac
#EXT-X-ENDLIST
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(DefaultOptions()).Parse([]byte(tt.body), playlistURL, "")
			var pe *models.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse() error = %v, want *models.ParseError", err)
			}
			if got := errors.Is(err, ErrMasterPlaylist); got != tt.wantMaster {
				t.Errorf("errors.Is(err, ErrMasterPlaylist) = %v, want %v", got, tt.wantMaster)
			}
		})
	}
}
