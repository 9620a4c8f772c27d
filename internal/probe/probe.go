// Package probe inspects a decrypted fragmented MP4 audio stream.
package probe

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/pkg/errors"
)

var (
	ErrNoInit       = errors.New("stream has no initialization segment")
	ErrNoAudioTrack = errors.New("initialization segment has no audio track")
)

// StreamInfo describes the audio track of an assembled stream.
type StreamInfo struct {
	Codec      string
	SampleRate int
	Channels   int
	Timescale  uint32
	Fragments  int
	// Protected is set when the sample entry still carries a protection
	// scheme (sinf), i.e. the payload is CENC-encrypted on top of the
	// segment encryption and will not play.
	Protected bool
}

func (s *StreamInfo) String() string {
	return fmt.Sprintf("%s %d Hz %dch, %d fragments", s.Codec, s.SampleRate, s.Channels, s.Fragments)
}

// Init decodes a plaintext init segment. A decode failure on a segment
// that was decrypted almost always means the key or IV was wrong.
func Init(init []byte) (*StreamInfo, error) {
	if len(init) == 0 {
		return nil, ErrNoInit
	}
	f, err := mp4.DecodeFile(bytes.NewReader(init))
	if err != nil {
		return nil, errors.Wrap(err, "decode init segment")
	}
	if f.Init == nil || f.Init.Moov == nil {
		return nil, errors.New("init segment has no moov box")
	}

	for _, trak := range f.Init.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd == nil {
			continue
		}

		for _, child := range stsd.Children {
			entry, ok := child.(*mp4.AudioSampleEntryBox)
			if !ok {
				continue
			}
			info := &StreamInfo{
				Codec:      entry.Type(),
				SampleRate: int(entry.SampleRate),
				Channels:   int(entry.ChannelCount),
			}
			if trak.Mdia.Mdhd != nil {
				info.Timescale = trak.Mdia.Mdhd.Timescale
			}
			if sinf := entry.Sinf; sinf != nil {
				info.Protected = true
				if sinf.Frma != nil {
					info.Codec = sinf.Frma.DataFormat
				}
			}
			return info, nil
		}
	}
	return nil, ErrNoAudioTrack
}

// Stream probes the init segment and counts the media fragments of data.
func Stream(init, data []byte) (*StreamInfo, error) {
	info, err := Init(init)
	if err != nil {
		return nil, err
	}
	n, err := Fragments(data)
	if err != nil {
		return nil, err
	}
	info.Fragments = n
	return info, nil
}

// Fragments counts the moof/mdat pairs in media data without loading the
// sample payloads.
func Fragments(data []byte) (int, error) {
	f, err := mp4.DecodeFile(bytes.NewReader(data), mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return 0, errors.Wrap(err, "decode media segments")
	}
	n := 0
	for _, seg := range f.Segments {
		n += len(seg.Fragments)
	}
	if n == 0 {
		return 0, errors.New("no moof/mdat fragments in media data")
	}
	return n, nil
}
