package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// Separator splits a song into voice and accompaniment.
type Separator interface {
	// Separate writes the accompaniment of audio under dir and returns it.
	Separate(ctx context.Context, audio, dir string) (string, error)
}

// Spleeter runs the spleeter 2stems model.
type Spleeter struct {
	Bin string
}

func (s Spleeter) Separate(ctx context.Context, audio, dir string) (string, error) {
	bin := s.Bin
	if bin == "" {
		bin = "spleeter"
	}
	cmd := exec.CommandContext(ctx, bin, "separate", "-p", "spleeter:2stems", "-o", dir, audio)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("spleeter: %w: %s", err, tail(out))
	}
	base := strings.TrimSuffix(filepath.Base(audio), filepath.Ext(audio))
	acc := filepath.Join(dir, base, "accompaniment.wav")
	if err := checkWAV(acc); err != nil {
		return "", err
	}
	return acc, nil
}

// checkWAV fails unless path is a readable, non-empty WAV file.
func checkWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("accompaniment: %w", err)
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return fmt.Errorf("accompaniment %s is not a valid wav file", path)
	}
	dur, err := d.Duration()
	if err != nil {
		return fmt.Errorf("accompaniment %s: %w", path, err)
	}
	if dur <= 0 {
		return fmt.Errorf("accompaniment %s is empty", path)
	}
	return nil
}

// tail keeps the end of a tool's output for error messages.
func tail(out []byte) string {
	const keep = 512
	s := strings.TrimSpace(string(out))
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	return s
}
