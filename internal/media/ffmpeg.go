package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// FFmpegConfig configures decoding through ffmpeg subprocesses.
type FFmpegConfig struct {
	FFmpeg  string
	FFprobe string
	Width   int
	Height  int
	FPS     int
	Buffer  int // frames held between each decoder and its reader
}

// FFmpegOpener opens files by running one ffmpeg decoder per stream.
type FFmpegOpener struct {
	cfg    FFmpegConfig
	logger zerolog.Logger
}

// NewFFmpegOpener creates an opener with the given decode settings.
func NewFFmpegOpener(cfg FFmpegConfig, logger zerolog.Logger) *FFmpegOpener {
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	return &FFmpegOpener{
		cfg:    cfg,
		logger: logger.With().Str("component", "ffmpeg").Logger(),
	}
}

// inventory lists the stream types found in a file.
type inventory struct {
	audio int
	video bool
}

// parseProbe reads ffprobe's csv codec_type listing.
func parseProbe(out string) inventory {
	var inv inventory
	for _, line := range strings.Split(out, "\n") {
		switch strings.TrimSpace(strings.TrimRight(line, ",")) {
		case "audio":
			inv.audio++
		case "video":
			inv.video = true
		}
	}
	return inv
}

func (o *FFmpegOpener) probe(ctx context.Context, path string) (inventory, error) {
	cmd := exec.CommandContext(ctx, o.cfg.FFprobe,
		"-v", "error",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return inventory{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(string(out)), nil
}

// Open starts decoding path. Primary opens the first audio track and the
// video track; Alternate opens only the second audio track and fails with
// ErrNoChannel when the file has none.
func (o *FFmpegOpener) Open(ctx context.Context, path string, ch Channel) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	inv, err := o.probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	audioIdx := 0
	if ch == Alternate {
		audioIdx = 1
		if inv.audio < 2 {
			return nil, fmt.Errorf("%w: %s has %d audio tracks", ErrNoChannel, path, inv.audio)
		}
	}
	withAudio := inv.audio > audioIdx
	withVideo := ch == Primary && inv.video
	if !withAudio && !withVideo {
		return nil, fmt.Errorf("%w: %s has no playable streams", ErrOpen, path)
	}

	srcCtx, cancel := context.WithCancel(context.Background())
	src := &ffmpegSource{cancel: cancel}

	if withAudio {
		st := newStream(KindAudio, o.cfg.Buffer)
		args := []string{
			"-nostdin", "-loglevel", "error",
			"-i", path,
			"-map", "0:a:" + strconv.Itoa(audioIdx),
			"-f", "s16le",
			"-acodec", "pcm_s16le",
			"-ar", strconv.Itoa(SampleRate),
			"-ac", strconv.Itoa(Channels),
			"pipe:1",
		}
		build := func(b []byte) Frame {
			return AudioFrame{Samples: BytesToSamples(b), SampleRate: SampleRate, Channels: Channels}
		}
		if err := src.start(srcCtx, o.cfg.FFmpeg, args, st, FrameBytes, build); err != nil {
			src.Close()
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		src.audio = st
	}

	if withVideo {
		w, h := o.cfg.Width, o.cfg.Height
		st := newStream(KindVideo, o.cfg.Buffer)
		filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
		args := []string{
			"-nostdin", "-loglevel", "error",
			"-i", path,
			"-map", "0:v:0",
			"-vf", filter,
			"-r", strconv.Itoa(o.cfg.FPS),
			"-pix_fmt", "yuv420p",
			"-f", "rawvideo",
			"pipe:1",
		}
		build := func(b []byte) Frame {
			return VideoFrame{Pixels: b, Width: w, Height: h}
		}
		if err := src.start(srcCtx, o.cfg.FFmpeg, args, st, VideoFrameBytes(w, h), build); err != nil {
			src.Close()
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		src.video = st
	}

	o.logger.Debug().Str("path", path).Int("channel", int(ch)).
		Bool("audio", withAudio).Bool("video", withVideo).Msg("source opened")
	return src, nil
}

// ffmpegSource owns the decoder processes of one opened file.
type ffmpegSource struct {
	audio  *stream
	video  *stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

func (s *ffmpegSource) start(ctx context.Context, bin string, args []string, st *stream, size int, build func([]byte) Frame) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st.run(ctx, stdout, size, build, wait)
	}()
	return nil
}

func (s *ffmpegSource) Next(ctx context.Context, kind Kind) (Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	st := s.audio
	if kind == KindVideo {
		st = s.video
	}
	if st == nil {
		return nil, ErrNoStream
	}
	f, err := st.next(ctx)
	if err == nil && s.closed.Load() {
		return nil, ErrClosed
	}
	return f, err
}

// Close kills the decoders and waits for their goroutines to exit.
func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
