package convert

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestArgs(t *testing.T) {
	f := &FFmpeg{path: "ffmpeg", format: Speech}
	args := f.Args("in.m4a", "out.flac")
	got := " " + strings.Join(args, " ") + " "

	for _, want := range []string{" -i in.m4a ", " -ac 1 ", " -ar 16000 ", " -sample_fmt s16 ", " -vn ", " -y ", " -loglevel error "} {
		if !strings.Contains(got, want) {
			t.Errorf("Args() = %q, missing %q", got, want)
		}
	}
	if indexOf(args, "-i") > indexOf(args, "out.flac") {
		t.Errorf("Args() = %q: input after output", got)
	}

	f.format = Format{}
	if got := strings.Join(f.Args("a", "b"), " "); strings.Contains(got, "-ar") || strings.Contains(got, "-ac") {
		t.Errorf("Args() without format = %q", got)
	}
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func TestConvertReportsFailure(t *testing.T) {
	f, err := NewFFmpeg(Speech, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	dir := t.TempDir()
	input := filepath.Join(dir, "broken.m4a")
	if err := os.WriteFile(input, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Convert(context.Background(), input, filepath.Join(dir, "out.flac")); err == nil {
		t.Error("Convert() should fail on a non-audio input")
	}
}
