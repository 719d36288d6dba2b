// Package mediatest provides scripted media sources for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/satindergrewal/singalong/internal/media"
)

// Video frames from fakes are this small.
const (
	Width  = 4
	Height = 2
)

// Source serves frames whose samples/pixels all equal its Tag. Each kind is
// unlimited unless Limit is called.
type Source struct {
	Tag int16

	mu        sync.Mutex
	remaining map[media.Kind]int
	end       map[media.Kind]error
	served    map[media.Kind]int
	closes    int
	latency   time.Duration
}

// NewSource returns an unlimited source for both kinds.
func NewSource(tag int16) *Source {
	return &Source{
		Tag:       tag,
		remaining: map[media.Kind]int{media.KindAudio: -1, media.KindVideo: -1},
		end:       map[media.Kind]error{},
		served:    map[media.Kind]int{},
	}
}

// Limit makes kind return end after n more frames.
func (s *Source) Limit(kind media.Kind, n int, end error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining[kind] = n
	s.end[kind] = end
	return s
}

// Delay makes every Next take d before serving. A frame whose context ends
// first is not served.
func (s *Source) Delay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
	return s
}

func (s *Source) Next(ctx context.Context, kind media.Kind) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return nil, media.ErrClosed
	}
	if s.remaining[kind] == 0 {
		return nil, s.end[kind]
	}
	if s.remaining[kind] > 0 {
		s.remaining[kind]--
	}
	s.served[kind]++
	if kind == media.KindVideo {
		pix := make([]byte, media.VideoFrameBytes(Width, Height))
		for i := range pix {
			pix[i] = byte(s.Tag)
		}
		return media.VideoFrame{Pixels: pix, Width: Width, Height: Height}, nil
	}
	samples := make([]int16, media.FrameSamples)
	for i := range samples {
		samples[i] = s.Tag
	}
	return media.AudioFrame{Samples: samples, SampleRate: media.SampleRate, Channels: media.Channels}, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// Served returns how many frames of kind were handed out.
func (s *Source) Served(kind media.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[kind]
}

type key struct {
	path string
	ch   media.Channel
}

type entry struct {
	tag  int16
	opts []func(*Source)
}

// Opener opens fake sources registered by path and channel.
type Opener struct {
	mu     sync.Mutex
	files  map[key]entry
	opened map[key][]*Source
	calls  int
	gate   chan struct{}
}

// NewOpener returns an opener with no files.
func NewOpener() *Opener {
	return &Opener{files: map[key]entry{}, opened: map[key][]*Source{}}
}

// Add registers a file channel. Every Open creates a fresh source with tag,
// configured by opts.
func (o *Opener) Add(path string, ch media.Channel, tag int16, opts ...func(*Source)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[key{path, ch}] = entry{tag: tag, opts: opts}
}

// Hold makes subsequent opens wait until the returned release is called.
func (o *Opener) Hold() (release func()) {
	gate := make(chan struct{})
	o.mu.Lock()
	o.gate = gate
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			if o.gate == gate {
				o.gate = nil
			}
			o.mu.Unlock()
			close(gate)
		})
	}
}

func (o *Opener) Open(ctx context.Context, path string, ch media.Channel) (media.Source, error) {
	o.mu.Lock()
	o.calls++
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.files[key{path, ch}]
	if !ok {
		if ch == media.Alternate {
			return nil, fmt.Errorf("%w: %s", media.ErrNoChannel, path)
		}
		return nil, fmt.Errorf("%w: %s", media.ErrOpen, path)
	}
	src := NewSource(e.tag)
	for _, opt := range e.opts {
		opt(src)
	}
	o.opened[key{path, ch}] = append(o.opened[key{path, ch}], src)
	return src, nil
}

// Opened returns every source opened for path and channel, oldest first.
func (o *Opener) Opened(path string, ch media.Channel) []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Source(nil), o.opened[key{path, ch}]...)
}

// Calls returns the number of Open calls, including failed ones.
func (o *Opener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
