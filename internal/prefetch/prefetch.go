// Package prefetch reads upcoming songs ahead of time so they open from the
// page cache.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/telemetry"
)

// Resolver maps a song to its file.
type Resolver interface {
	Resolve(ctx context.Context, songID int64) (string, error)
}

// Warmer reads files in a background goroutine. Songs warmed recently are
// skipped, and requests are dropped while the backlog is full.
type Warmer struct {
	resolver Resolver
	logger   zerolog.Logger
	recent   *lru.Cache[int64, struct{}]

	jobs   chan int64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const backlog = 8

// New creates a warmer remembering up to entries songs and starts its worker.
func New(resolver Resolver, entries int, logger zerolog.Logger) (*Warmer, error) {
	recent, err := lru.New[int64, struct{}](entries)
	if err != nil {
		return nil, fmt.Errorf("prefetch cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Warmer{
		resolver: resolver,
		logger:   logger.With().Str("component", "prefetch").Logger(),
		recent:   recent,
		jobs:     make(chan int64, backlog),
		ctx:      ctx,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Warm asks for songID to be read ahead. It never blocks.
func (w *Warmer) Warm(songID int64) {
	if w.recent.Contains(songID) {
		telemetry.PrefetchWarms.WithLabelValues("skipped").Inc()
		return
	}
	select {
	case w.jobs <- songID:
	default:
		telemetry.PrefetchWarms.WithLabelValues("skipped").Inc()
	}
}

// Close stops the worker, abandoning queued requests.
func (w *Warmer) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Warmer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.jobs:
			if w.recent.Contains(id) {
				continue
			}
			if err := w.warm(id); err != nil {
				telemetry.PrefetchWarms.WithLabelValues("failed").Inc()
				w.logger.Debug().Err(err).Int64("song_id", id).Msg("prefetch failed")
				continue
			}
			w.recent.Add(id, struct{}{})
			telemetry.PrefetchWarms.WithLabelValues("warmed").Inc()
		}
	}
}

func (w *Warmer) warm(songID int64) error {
	path, err := w.resolver.Resolve(w.ctx, songID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(io.Discard, &ctxReader{ctx: w.ctx, r: f})
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	w.logger.Debug().Int64("song_id", songID).Str("path", path).Int64("bytes", n).Msg("prefetched")
	return nil
}

// ctxReader stops a long read when the warmer closes.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
