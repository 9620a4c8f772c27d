package probe

import (
	"bytes"
	"testing"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/pkg/errors"
)

func audioInit(t *testing.T) []byte {
	t.Helper()
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(48000, "audio", "en")
	if err := init.Moov.Trak.SetAACDescriptor(aac.AAClc, 48000); err != nil {
		t.Fatalf("SetAACDescriptor() error = %v", err)
	}
	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return buf.Bytes()
}

func audioFragments(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		frag, err := mp4.CreateFragment(uint32(i+1), 1)
		if err != nil {
			t.Fatalf("CreateFragment() error = %v", err)
		}
		frag.AddFullSample(mp4.FullSample{
			Sample:     mp4.Sample{Flags: mp4.SyncSampleFlags, Dur: 1024, Size: 4},
			DecodeTime: uint64(i * 1024),
			Data:       []byte{0xde, 0xad, 0xbe, 0xef},
		})
		if err := frag.Encode(&buf); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	return buf.Bytes()
}

func TestStream(t *testing.T) {
	info, err := Stream(audioInit(t), audioFragments(t, 3))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if info.Codec != "mp4a" || info.SampleRate != 48000 || info.Timescale != 48000 {
		t.Errorf("info = %+v", info)
	}
	if info.Fragments != 3 {
		t.Errorf("Fragments = %d, want 3", info.Fragments)
	}
	if info.Protected {
		t.Error("plain init reported as protected")
	}
}

func TestInitErrors(t *testing.T) {
	if _, err := Init(nil); !errors.Is(err, ErrNoInit) {
		t.Errorf("Init(nil) error = %v, want ErrNoInit", err)
	}

	garbage := bytes.Repeat([]byte{0x13, 0x37}, 64)
	if _, err := Init(garbage); err == nil {
		t.Error("Init(garbage) should fail")
	}

	video := mp4.CreateEmptyInit()
	video.AddEmptyTrack(90000, "video", "und")
	var buf bytes.Buffer
	if err := video.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := Init(buf.Bytes()); !errors.Is(err, ErrNoAudioTrack) {
		t.Errorf("Init(video) error = %v, want ErrNoAudioTrack", err)
	}
}

func TestStreamWithoutFragments(t *testing.T) {
	if _, err := Stream(audioInit(t), nil); err == nil {
		t.Error("Stream() should fail when the media data has no fragments")
	}
}
