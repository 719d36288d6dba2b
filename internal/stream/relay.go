package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/singalong/internal/media"
)

// AudioSource yields paced audio frames.
type AudioSource interface {
	Recv(ctx context.Context) (media.AudioFrame, error)
}

// VideoSource yields paced video frames.
type VideoSource interface {
	Recv(ctx context.Context) (media.VideoFrame, error)
}

// RelayConfig holds encoder settings.
type RelayConfig struct {
	FFmpegBin    string
	Width        int
	Height       int
	FPS          int
	OpusBitrate  int
	VideoBitrate string
}

// Relay encodes the produced tracks once and writes them to tracks shared
// by every peer. Raw audio is also fanned out for HTTP listeners.
type Relay struct {
	cfg    RelayConfig
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	pcm    *Broadcaster[[]int16]
	logger zerolog.Logger
}

// NewRelay creates the shared tracks.
func NewRelay(cfg RelayConfig, logger zerolog.Logger) (*Relay, error) {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: media.SampleRate, Channels: media.Channels},
		"audio", "singalong",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: media.VideoClockRate},
		"video", "singalong",
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &Relay{
		cfg:    cfg,
		audio:  audio,
		video:  video,
		pcm:    NewBroadcaster[[]int16]("pcm", 150), // ~3 seconds at 20ms/frame
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// PCM is the raw audio fan-out.
func (r *Relay) PCM() *Broadcaster[[]int16] { return r.pcm }

// RunAudio encodes frames from src to Opus until ctx ends.
func (r *Relay) RunAudio(ctx context.Context, src AudioSource) error {
	enc, err := opus.NewEncoder(media.SampleRate, media.Channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}
	if r.cfg.OpusBitrate > 0 {
		if err := enc.SetBitrate(r.cfg.OpusBitrate); err != nil {
			return fmt.Errorf("opus bitrate: %w", err)
		}
	}
	buf := make([]byte, 4000)
	for {
		f, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pcm := fitFrame(f.Samples)
		r.pcm.Publish(pcm)

		n, err := enc.Encode(pcm, buf)
		if err != nil {
			r.logger.Warn().Err(err).Msg("opus encode")
			continue
		}
		if err := r.audio.WriteSample(pmedia.Sample{Data: buf[:n], Duration: media.FrameDuration}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			r.logger.Debug().Err(err).Msg("write audio sample")
		}
	}
}

// fitFrame returns samples sized to one 20 ms stereo frame at 48 kHz.
func fitFrame(samples []int16) []int16 {
	if len(samples) == media.FrameSamples {
		return samples
	}
	out := make([]int16, media.FrameSamples)
	copy(out, samples)
	return out
}

// VP8Args returns the ffmpeg arguments that turn raw yuv420p pictures on
// stdin into VP8 in an IVF container on stdout.
func VP8Args(cfg RelayConfig) []string {
	fps := strconv.Itoa(cfg.FPS)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", fps,
		"-i", "pipe:0",
		"-c:v", "libvpx",
		"-deadline", "realtime", "-cpu-used", "8",
		"-auto-alt-ref", "0",
		"-g", fps,
	}
	if cfg.VideoBitrate != "" {
		args = append(args, "-b:v", cfg.VideoBitrate)
	}
	return append(args, "-f", "ivf", "pipe:1")
}

// RunVideo encodes frames from src to VP8 until ctx ends. The encoder is
// restarted if it exits early.
func (r *Relay) RunVideo(ctx context.Context, src VideoSource) error {
	for {
		err := r.encodeVideo(ctx, src)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn().Err(err).Msg("video encoder stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) encodeVideo(ctx context.Context, src VideoSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.FFmpegBin, VP8Args(r.cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vp8 encoder: %w", err)
	}

	size := media.VideoFrameBytes(r.cfg.Width, r.cfg.Height)
	go func() {
		defer stdin.Close()
		for {
			f, err := src.Recv(ctx)
			if err != nil {
				return
			}
			pix := f.Pixels
			if len(pix) != size {
				pix = media.Blank(r.cfg.Width, r.cfg.Height).Pixels
			}
			if _, err := stdin.Write(pix); err != nil {
				return
			}
		}
	}()

	err = r.writeIVF(stdout)
	cancel()
	cmd.Wait()
	return err
}

// writeIVF forwards every frame of an IVF stream to the video track.
func (r *Relay) writeIVF(in io.Reader) error {
	ivf, _, err := ivfreader.NewWith(in)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	frameDur := time.Second / time.Duration(max(r.cfg.FPS, 1))
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read ivf frame: %w", err)
		}
		if err := r.video.WriteSample(pmedia.Sample{Data: frame, Duration: frameDur}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			r.logger.Debug().Err(err).Msg("write video sample")
		}
	}
}
