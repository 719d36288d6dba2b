package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satindergrewal/singalong/internal/media"
	"github.com/satindergrewal/singalong/internal/pacer"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// AudioProducer yields one paced 20 ms audio frame per call from the live
// deck, or silence when the deck cannot supply one.
type AudioProducer struct {
	e     *Engine
	pacer *pacer.Pacer
}

// AudioProducer creates the audio track producer. Use one per transport.
func (e *Engine) AudioProducer(opts ...pacer.Option) *AudioProducer {
	return &AudioProducer{e: e, pacer: pacer.Audio(media.SampleRate, opts...)}
}

// Recv waits for the next frame deadline and returns the frame. It fails
// only when ctx ends.
func (p *AudioProducer) Recv(ctx context.Context) (media.AudioFrame, error) {
	pts, tb, err := p.pacer.Next(ctx)
	if err != nil {
		return media.AudioFrame{}, err
	}

	d := p.e.deck.Load()
	period := p.pacer.Period()

	// Both tracks are read every tick, side by side and each within one
	// period, so the unselected one stays in step.
	var main, alt media.Frame
	var wg sync.WaitGroup
	if d.alt != nil && !d.noAlt {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alt = p.e.readWithin(ctx, period, d, d.alt, media.KindAudio, true)
		}()
	}
	if d.primary != nil && !d.noAudio {
		main = p.e.readWithin(ctx, period, d, d.primary, media.KindAudio, false)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return media.AudioFrame{}, err
	}

	f := main
	if !p.e.vocal.Load() && d.alt != nil {
		f = alt
	}

	out, ok := f.(media.AudioFrame)
	if !ok {
		telemetry.PlaceholderFrames.WithLabelValues("audio").Inc()
		out = media.Silence(int(tb.Den), media.Channels, media.FrameDuration)
	} else if out.SampleRate > 0 && out.SampleRate != p.pacer.ClockRate() {
		p.pacer.SetClockRate(out.SampleRate)
	}
	out.PTS = pts
	out.TimeBase = tb
	return out, nil
}

// VideoProducer yields one paced video frame per call from the live deck,
// or a blank picture when the deck cannot supply one.
type VideoProducer struct {
	e      *Engine
	pacer  *pacer.Pacer
	width  int
	height int
}

// VideoProducer creates the video track producer for pictures of the given
// size at fps.
func (e *Engine) VideoProducer(width, height, fps int, opts ...pacer.Option) *VideoProducer {
	return &VideoProducer{
		e:      e,
		pacer:  pacer.Video(fps, opts...),
		width:  width,
		height: height,
	}
}

// Recv waits for the next frame deadline and returns the frame. It fails
// only when ctx ends.
func (p *VideoProducer) Recv(ctx context.Context) (media.VideoFrame, error) {
	pts, tb, err := p.pacer.Next(ctx)
	if err != nil {
		return media.VideoFrame{}, err
	}

	d := p.e.deck.Load()
	var f media.Frame
	if d.primary != nil && !d.noVideo {
		f = p.e.readWithin(ctx, p.pacer.Period(), d, d.primary, media.KindVideo, false)
	}
	if err := ctx.Err(); err != nil {
		return media.VideoFrame{}, err
	}

	out, ok := f.(media.VideoFrame)
	if !ok {
		telemetry.PlaceholderFrames.WithLabelValues("video").Inc()
		out = media.Blank(p.width, p.height)
	}
	out.PTS = pts
	out.TimeBase = tb
	return out, nil
}

// readWithin pulls one frame of kind from src, a source of deck d, waiting at
// most timeout. On failure it applies the end-of-stream and decode-error
// policies and returns nil.
func (e *Engine) readWithin(ctx context.Context, timeout time.Duration, d *deck, src media.Source, kind media.Kind, alt bool) media.Frame {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	f, err := src.Next(ctx, kind)
	if err == nil {
		return f
	}
	switch {
	case errors.Is(err, media.ErrEndOfStream):
		if !alt {
			e.ended(d)
		}
	case errors.Is(err, media.ErrDecode):
		e.degrade(d, kind, alt)
	}
	return nil
}
