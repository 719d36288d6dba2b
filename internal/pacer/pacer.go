// Package pacer releases frames at a fixed cadence and stamps them with
// monotonically increasing presentation timestamps.
package pacer

import (
	"context"
	"sync"
	"time"

	"github.com/satindergrewal/singalong/internal/media"
)

// Pacer schedules frame n at origin + n*period, where origin is the time of
// the first call to Next. Deadlines never move: a late caller gets the
// overdue frames without sleeping until it is back on schedule.
type Pacer struct {
	mu      sync.Mutex
	period  time.Duration
	rate    int64
	unit    int64
	started bool
	origin  time.Time
	ticks   int64
	ptsBase int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Pacer.
type Option func(*Pacer)

// WithClock replaces the wall clock and the sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// New creates a pacer emitting one frame per period with timestamps counted
// at clockRate ticks per second.
func New(period time.Duration, clockRate int, opts ...Option) *Pacer {
	p := &Pacer{
		period: period,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	p.setRate(int64(clockRate))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Audio returns the pacer for 20 ms audio frames at sampleRate.
func Audio(sampleRate int, opts ...Option) *Pacer {
	return New(media.FrameDuration, sampleRate, opts...)
}

// Video returns the pacer for fps video on the 90 kHz clock.
func Video(fps int, opts ...Option) *Pacer {
	return New(time.Second/time.Duration(fps), media.VideoClockRate, opts...)
}

func (p *Pacer) setRate(rate int64) {
	p.rate = rate
	p.unit = int64(p.period) * rate / int64(time.Second)
}

// Next waits until the next frame is due and returns its timestamp. The
// first frame is due immediately and has pts 0.
func (p *Pacer) Next(ctx context.Context) (int64, media.TimeBase, error) {
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.origin = p.now()
	}
	target := p.origin.Add(time.Duration(p.ticks) * p.period)
	wait := target.Sub(p.now())
	p.mu.Unlock()

	if wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return 0, media.TimeBase{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return 0, media.TimeBase{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pts := p.ptsBase + p.ticks*p.unit
	p.ticks++
	return pts, media.TimeBase{Num: 1, Den: p.rate}, nil
}

// SetClockRate switches the timestamp clock to rate. Timestamps already
// handed out are converted so the sequence stays monotonic.
func (p *Pacer) SetClockRate(rate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := int64(rate)
	if r == p.rate || r <= 0 {
		return
	}
	current := p.ptsBase + p.ticks*p.unit
	p.ptsBase = current * r / p.rate
	p.origin = p.origin.Add(time.Duration(p.ticks) * p.period)
	p.ticks = 0
	p.setRate(r)
}

// Period returns the frame period.
func (p *Pacer) Period() time.Duration { return p.period }

// ClockRate returns the current timestamp clock rate.
func (p *Pacer) ClockRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.rate)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
