// Package convert hands an extracted stream to an external transcoder.
package convert

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// ErrFFmpegNotFound is returned when no ffmpeg binary is on PATH.
var ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

// Converter transcodes the file at input into output.
type Converter interface {
	Convert(ctx context.Context, input, output string) error
}

// Speech holds the output format suited to speech-to-text tooling.
var Speech = Format{Channels: 1, SampleRate: 16000, SampleFormat: "s16"}

// Format is the target audio layout.
type Format struct {
	Channels     int
	SampleRate   int
	SampleFormat string
}

// FFmpeg converts with the ffmpeg binary.
type FFmpeg struct {
	path   string
	format Format
	log    *zap.SugaredLogger
}

// NewFFmpeg locates ffmpeg on PATH.
func NewFFmpeg(format Format, log *zap.SugaredLogger) (*FFmpeg, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrFFmpegNotFound
	}
	if log == nil {
		log = zap.S()
	}
	return &FFmpeg{path: path, format: format, log: log}, nil
}

// Args returns the ffmpeg arguments for one conversion.
func (f *FFmpeg) Args(input, output string) []string {
	kw := ffmpeg.KwArgs{"vn": nil}
	if f.format.Channels > 0 {
		kw["ac"] = f.format.Channels
	}
	if f.format.SampleRate > 0 {
		kw["ar"] = f.format.SampleRate
	}
	if f.format.SampleFormat != "" {
		kw["sample_fmt"] = f.format.SampleFormat
	}
	return ffmpeg.Input(input).
		Output(output, kw).
		GlobalArgs("-hide_banner", "-loglevel", "error").
		OverWriteOutput().
		GetArgs()
}

// Convert runs ffmpeg and reports its stderr on failure.
func (f *FFmpeg) Convert(ctx context.Context, input, output string) error {
	args := f.Args(input, output)
	f.log.Debugf("ffmpeg command: %s %s", f.path, strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return errors.Wrap(err, "ffmpeg")
		}
		return errors.Wrapf(err, "ffmpeg: %s", msg)
	}
	return nil
}
