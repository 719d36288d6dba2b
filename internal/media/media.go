// Package media defines decoded frames and the sources that produce them.
package media

import (
	"context"
	"errors"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)

	VideoClockRate = 90000
)

var (
	// ErrOpen means a file cannot be opened as a source at all.
	ErrOpen = errors.New("media: open failed")
	// ErrNoChannel means the requested audio channel is not in the file.
	ErrNoChannel = errors.New("media: audio channel not present")
	// ErrEndOfStream is the expected terminal condition of a stream.
	ErrEndOfStream = errors.New("media: end of stream")
	// ErrDecode means the decoder failed mid-stream.
	ErrDecode = errors.New("media: decode failed")
	// ErrClosed is returned by a source that has been closed.
	ErrClosed = errors.New("media: source closed")
	// ErrNoStream means the source does not carry the requested kind.
	ErrNoStream = errors.New("media: no such stream")
)

// Kind selects the audio or video stream of a source.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Channel selects which audio track of a file a source decodes.
type Channel int

const (
	// Primary decodes the first audio track and the video track.
	Primary Channel = iota
	// Alternate decodes only the second audio track (the instrumental mix).
	Alternate
)

// TimeBase is the rational unit of a presentation timestamp.
type TimeBase struct {
	Num int64
	Den int64
}

// Duration converts pts ticks of this time base to wall time.
func (tb TimeBase) Duration(pts int64) time.Duration {
	if tb.Den == 0 {
		return 0
	}
	return time.Duration(pts * tb.Num * int64(time.Second) / tb.Den)
}

// Frame is either an AudioFrame or a VideoFrame.
type Frame interface {
	Kind() Kind
}

// AudioFrame carries interleaved signed 16-bit PCM.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	PTS        int64
	TimeBase   TimeBase
}

func (AudioFrame) Kind() Kind { return KindAudio }

// VideoFrame carries one planar yuv420p picture.
type VideoFrame struct {
	Pixels   []byte
	Width    int
	Height   int
	PTS      int64
	TimeBase TimeBase
}

func (VideoFrame) Kind() Kind { return KindVideo }

// Source is an open, continuously decoding media file.
type Source interface {
	// Next blocks until the next frame of kind is decoded. It returns
	// ErrEndOfStream, ErrDecode, ErrClosed or ErrNoStream instead of a frame
	// when none can be produced, or ctx.Err() when ctx ends first.
	Next(ctx context.Context, kind Kind) (Frame, error)
	// Close stops decoding and releases resources. It is idempotent.
	Close() error
}

// Opener opens sources from file paths.
type Opener interface {
	Open(ctx context.Context, path string, ch Channel) (Source, error)
}
