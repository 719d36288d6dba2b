package queuestore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/playback"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// Backend is a durable snapshot location.
type Backend interface {
	Load(ctx context.Context) ([]playback.Entry, error)
	Write(ctx context.Context, entries []playback.Entry) error
}

const writeTimeout = 5 * time.Second

// Writer persists snapshots in the background. Save never blocks; when
// several snapshots arrive while a write is running only the newest is
// written next. Close writes whatever is still pending.
type Writer struct {
	backend Backend
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []playback.Entry
	dirty   bool
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWriter starts the background writer for backend.
func NewWriter(backend Backend, logger zerolog.Logger) *Writer {
	w := &Writer{
		backend: backend,
		logger:  logger.With().Str("component", "queuestore").Logger(),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Load reads the snapshot from the backend.
func (w *Writer) Load(ctx context.Context) ([]playback.Entry, error) {
	return w.backend.Load(ctx)
}

// Save schedules entries to be written.
func (w *Writer) Save(entries []playback.Entry) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn().Int("entries", len(entries)).Msg("snapshot after close dropped")
		return
	}
	w.pending = entries
	w.dirty = true
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.kick:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	snap := w.pending
	w.dirty = false
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.backend.Write(ctx, snap); err != nil {
		telemetry.PersistErrors.Inc()
		w.logger.Error().Err(err).Int("entries", len(snap)).Msg("queue snapshot write failed")
		return
	}
	w.logger.Debug().Int("entries", len(snap)).Msg("queue snapshot written")
}

// Close flushes the pending snapshot and stops the writer.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)
		<-w.done
	})
	return nil
}
