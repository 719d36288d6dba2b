package ingest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Parts are the inputs of a karaoke file.
type Parts struct {
	Video         string
	Audio         string
	Accompaniment string
	// Subtitles is burned into the picture when set.
	Subtitles string
}

// Composer muxes Parts into one file.
type Composer interface {
	Compose(ctx context.Context, p Parts, out string) error
}

// FFmpeg composes with the ffmpeg executable.
type FFmpeg struct {
	Bin string
}

// Args returns the ffmpeg arguments for p. The original audio becomes the
// first audio stream and the accompaniment the second.
func (f FFmpeg) Args(p Parts, out string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", p.Video, "-i", p.Audio, "-i", p.Accompaniment,
		"-map", "1:a", "-map", "2:a", "-map", "0:v",
		"-c:a", "aac",
	}
	if p.Subtitles != "" {
		args = append(args, "-vf", "subtitles="+escapeFilterPath(p.Subtitles))
	} else {
		args = append(args, "-c:v", "copy")
	}
	return append(args, out)
}

func (f FFmpeg) Compose(ctx context.Context, p Parts, out string) error {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, f.Args(p, out)...)
	if res, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg compose: %w: %s", err, tail(res))
	}
	return nil
}

// escapeFilterPath quotes a path for use inside a filter graph.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `/`, `'`, `\'`, `:`, `\:`)
	return r.Replace(p)
}
