package stream

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/media"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// HTTPHandler serves the audio as a chunked MP3 stream. Each connection
// runs its own ffmpeg encoder fed from the relay's PCM fan-out.
type HTTPHandler struct {
	pcm    *Broadcaster[[]int16]
	bin    string
	logger zerolog.Logger
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(pcm *Broadcaster[[]int16], ffmpegBin string, logger zerolog.Logger) *HTTPHandler {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &HTTPHandler{
		pcm:    pcm,
		bin:    ffmpegBin,
		logger: logger.With().Str("component", "http-stream").Logger(),
	}
}

// MP3Args returns the ffmpeg arguments encoding s16le PCM on stdin to MP3.
func MP3Args() []string {
	return []string{
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(media.SampleRate),
		"-ac", strconv.Itoa(media.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"pipe:1",
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, h.bin, MP3Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.logger.Error().Err(err).Msg("stdin pipe")
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.logger.Error().Err(err).Msg("stdout pipe")
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		h.logger.Error().Err(err).Msg("start mp3 encoder")
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	defer cmd.Wait()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("ICY-Name", "singalong")

	l := h.pcm.Subscribe()
	defer h.pcm.Unsubscribe(l)
	telemetry.Listeners.WithLabelValues("http").Inc()
	defer telemetry.Listeners.WithLabelValues("http").Dec()
	h.logger.Info().Int("total", h.pcm.ListenerCount()).Msg("http listener connected")
	defer h.logger.Info().Msg("http listener disconnected")

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				return
			case frame := <-l.C:
				if _, err := stdin.Write(media.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn().Err(err).Msg("mp3 encoder read")
			}
			break
		}
	}
	cancel()
}
