// Package playback owns the song queue and the live media sources the track
// producers read from.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/media"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// Entry is one queued song. Index 0 of the queue is now playing.
type Entry struct {
	SongID int64  `json:"song_id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// Catalog resolves songs to files.
type Catalog interface {
	Resolve(ctx context.Context, songID int64) (string, error)
	IncrementPlayCount(ctx context.Context, songID int64) error
}

// Store persists queue snapshots. Save must not block.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(entries []Entry)
}

// Notifier delivers messages to listeners. Publish must not block.
type Notifier interface {
	Publish(typ string, data any)
}

// Prefetcher warms the file cache for a song. Warm must not block.
type Prefetcher interface {
	Warm(songID int64)
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: engine closed")

// openTimeout bounds resolving and opening one song.
const openTimeout = 30 * time.Second

// Message types published through the Notifier.
const (
	MsgInfo = "info"
	MsgOp   = "op"
)

// deck is the set of sources bound to the head entry. A published deck is
// never mutated; degradation publishes a copy.
type deck struct {
	entry   *Entry
	gen     uint64
	primary media.Source
	alt     media.Source

	// dropped streams after a decode error
	noAudio bool
	noVideo bool
	noAlt   bool

	ended *atomic.Bool
}

func (d *deck) without(kind media.Kind, alt bool) *deck {
	c := *d
	switch {
	case alt:
		c.noAlt = true
	case kind == media.KindVideo:
		c.noVideo = true
	default:
		c.noAudio = true
	}
	return &c
}

// Engine is the playback queue and its source switch-over state machine.
type Engine struct {
	catalog  Catalog
	opener   media.Opener
	store    Store
	notifier Notifier
	prefetch Prefetcher
	logger   zerolog.Logger

	mu    sync.Mutex
	queue []Entry

	// held for the whole of an advance, replay or head open
	switching sync.Mutex
	deck      atomic.Pointer[deck]
	gen       atomic.Uint64
	vocal     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Store      Store
	Notifier   Notifier
	Prefetcher Prefetcher
	Logger     zerolog.Logger
}

// New creates an engine and restores the queue from the store. Sources are
// not opened until Start.
func New(ctx context.Context, catalog Catalog, opener media.Opener, opts Options) *Engine {
	e := &Engine{
		catalog:  catalog,
		opener:   opener,
		store:    opts.Store,
		notifier: opts.Notifier,
		prefetch: opts.Prefetcher,
		logger:   opts.Logger.With().Str("component", "playback").Logger(),
	}
	if e.store == nil {
		e.store = nopStore{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.prefetch == nil {
		e.prefetch = nopPrefetcher{}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.vocal.Store(true)
	e.deck.Store(&deck{ended: new(atomic.Bool)})

	entries, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("queue restore failed, starting empty")
	}
	seen := make(map[int64]bool, len(entries))
	for _, en := range entries {
		if seen[en.SongID] {
			continue
		}
		seen[en.SongID] = true
		e.queue = append(e.queue, en)
	}
	telemetry.QueueLength.Set(float64(len(e.queue)))
	if len(e.queue) > 0 {
		e.logger.Info().Int("entries", len(e.queue)).Msg("queue restored")
	}
	return e
}

// Start opens the restored head, if any.
func (e *Engine) Start(ctx context.Context) {
	e.switching.Lock()
	defer e.switching.Unlock()
	e.mu.Lock()
	e.warmNextLocked()
	e.mu.Unlock()
	e.syncHead()
}

// Close releases the live sources and waits for background work.
func (e *Engine) Close() error {
	e.cancel()
	e.switching.Lock()
	old := e.deck.Swap(&deck{gen: e.gen.Add(1), ended: new(atomic.Bool)})
	e.switching.Unlock()
	e.closeSources(old)
	e.wg.Wait()
	return nil
}

// Snapshot returns a copy of the queue.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, len(e.queue))
	copy(out, e.queue)
	return out
}

// Vocal reports whether the primary (vocal) audio track is selected.
func (e *Engine) Vocal() bool { return e.vocal.Load() }

// ToggleVocal flips the audio track selection and returns the new value.
// The producer picks it up on its next frame.
func (e *Engine) ToggleVocal() bool {
	for {
		v := e.vocal.Load()
		if e.vocal.CompareAndSwap(v, !v) {
			e.logger.Debug().Bool("vocal", !v).Msg("vocal toggled")
			return !v
		}
	}
}

// Enqueue appends en unless its song is already queued. Enqueueing into an
// empty queue opens the new head before returning. Nothing is queued when ctx
// is already done or the engine is closed. Once queued, opening the head does
// not depend on ctx.
func (e *Engine) Enqueue(ctx context.Context, en Entry) (bool, error) {
	if e.ctx.Err() != nil {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue song %d: %w", en.SongID, err)
	}
	e.mu.Lock()
	for _, q := range e.queue {
		if q.SongID == en.SongID {
			e.mu.Unlock()
			return false, nil
		}
	}
	wasEmpty := len(e.queue) == 0
	e.queue = append(e.queue, en)
	e.commitLocked()
	e.prefetch.Warm(en.SongID)
	e.warmNextLocked()
	e.mu.Unlock()

	e.logger.Info().Int64("song_id", en.SongID).Str("title", en.Title).Msg("song queued")

	if wasEmpty {
		e.switching.Lock()
		e.syncHead()
		e.switching.Unlock()
	}
	return true, nil
}

// Advance pops the head and opens the next entry. A non-forced advance is
// dropped while another transition is in flight; a forced one waits for it.
// It reports whether an entry was popped. The new head is opened on the
// engine's context, so a caller giving up mid-transition does not affect it.
func (e *Engine) Advance(ctx context.Context, forced bool) bool {
	if forced {
		e.switching.Lock()
	} else if !e.switching.TryLock() {
		e.logger.Debug().Msg("advance dropped, transition in flight")
		return false
	}
	defer e.switching.Unlock()
	popped := e.advanceLocked()
	if popped {
		trigger := "advance"
		if forced {
			trigger = "skip"
		}
		telemetry.Advances.WithLabelValues(trigger).Inc()
	}
	return popped
}

// endOfStream is called by a producer whose deck ran out. It is ignored when
// the deck is no longer live or another transition is running.
func (e *Engine) endOfStream(gen uint64) {
	if !e.switching.TryLock() {
		return
	}
	defer e.switching.Unlock()
	if e.deck.Load().gen != gen {
		e.logger.Debug().Uint64("gen", gen).Msg("stale end of stream ignored")
		return
	}
	if e.advanceLocked() {
		telemetry.Advances.WithLabelValues("eos").Inc()
	}
}

// advanceLocked requires switching to be held.
func (e *Engine) advanceLocked() bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	done := e.queue[0]
	e.queue = append([]Entry(nil), e.queue[1:]...)
	e.commitLocked()
	e.warmNextLocked()
	e.mu.Unlock()

	e.logger.Info().Int64("song_id", done.SongID).Str("title", done.Title).Msg("advanced past song")
	e.syncHead()
	return true
}

// Replay reopens the head from the start, detached from ctx like Advance.
func (e *Engine) Replay(ctx context.Context) {
	e.switching.Lock()
	defer e.switching.Unlock()
	e.reopen()
}

// Promote moves a pending song to position 1. The head and unknown songs are
// left in place; listeners are notified either way.
func (e *Engine) Promote(ctx context.Context, songID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(songID); i > 1 {
		en := e.queue[i]
		q := make([]Entry, 0, len(e.queue))
		q = append(q, e.queue[0], en)
		q = append(q, e.queue[1:i]...)
		q = append(q, e.queue[i+1:]...)
		e.queue = q
		e.logger.Debug().Int64("song_id", songID).Msg("song promoted")
	}
	e.commitLocked()
	e.warmNextLocked()
}

// Remove drops a pending song. The head can only leave through Advance.
func (e *Engine) Remove(ctx context.Context, songID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(songID); i > 0 {
		q := make([]Entry, 0, len(e.queue)-1)
		q = append(q, e.queue[:i]...)
		e.queue = append(q, e.queue[i+1:]...)
		e.logger.Debug().Int64("song_id", songID).Msg("song removed")
	}
	e.commitLocked()
	e.warmNextLocked()
}

// Notify publishes an operation notice such as "skip" to listeners.
func (e *Engine) Notify(op string) {
	e.notifier.Publish(MsgOp, op)
}

func (e *Engine) indexLocked(songID int64) int {
	for i, q := range e.queue {
		if q.SongID == songID {
			return i
		}
	}
	return -1
}

// commitLocked persists and publishes the queue. Both calls are
// non-blocking, and publishing under mu keeps notifications in mutation
// order.
func (e *Engine) commitLocked() {
	snap := make([]Entry, len(e.queue))
	copy(snap, e.queue)
	e.store.Save(snap)
	e.notifier.Publish(MsgInfo, snap)
	telemetry.QueueLength.Set(float64(len(snap)))
}

func (e *Engine) warmNextLocked() {
	if len(e.queue) >= 2 {
		e.prefetch.Warm(e.queue[1].SongID)
	}
}

// syncHead makes the live deck match the queue head, opening it if needed.
// Requires switching.
func (e *Engine) syncHead() {
	e.mu.Lock()
	var head *Entry
	if len(e.queue) > 0 {
		h := e.queue[0]
		head = &h
	}
	e.mu.Unlock()

	cur := e.deck.Load()
	if head == nil {
		if cur.entry != nil {
			e.swapEmpty()
		}
		return
	}
	if cur.entry != nil && cur.entry.SongID == head.SongID {
		return
	}
	e.open(*head)
}

// reopen opens the head again even if it is already live. Requires switching.
func (e *Engine) reopen() {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	head := e.queue[0]
	e.mu.Unlock()
	e.open(head)
}

// swapEmpty retires the live deck. Its sources close in the background.
func (e *Engine) swapEmpty() uint64 {
	gen := e.gen.Add(1)
	old := e.deck.Swap(&deck{gen: gen, ended: new(atomic.Bool)})
	if old.primary != nil || old.alt != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.closeSources(old)
		}()
	}
	return gen
}

// open retires the live deck, then resolves and opens en within
// openTimeout of the engine's context. Producers serve placeholders until the
// new deck is published. Failures leave a deck with no sources bound to en.
func (e *Engine) open(en Entry) {
	gen := e.swapEmpty()
	if e.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, openTimeout)
	defer cancel()
	d := &deck{entry: &en, gen: gen, ended: new(atomic.Bool)}
	log := e.logger.With().Int64("song_id", en.SongID).Str("title", en.Title).Logger()

	path, err := e.catalog.Resolve(ctx, en.SongID)
	if err != nil {
		log.Warn().Err(err).Msg("song not resolvable, playing placeholders")
		e.deck.Store(d)
		return
	}

	primary, err := e.opener.Open(ctx, path, media.Primary)
	if err != nil {
		telemetry.SourceOpens.WithLabelValues("primary", "failed").Inc()
		log.Warn().Err(err).Str("path", path).Msg("source open failed, playing placeholders")
		e.deck.Store(d)
		return
	}
	telemetry.SourceOpens.WithLabelValues("primary", "ok").Inc()
	d.primary = primary

	alt, err := e.opener.Open(ctx, path, media.Alternate)
	switch {
	case err == nil:
		telemetry.SourceOpens.WithLabelValues("alternate", "ok").Inc()
		d.alt = alt
	case errors.Is(err, media.ErrNoChannel):
		telemetry.SourceOpens.WithLabelValues("alternate", "absent").Inc()
		log.Debug().Msg("no alternate audio track")
	default:
		telemetry.SourceOpens.WithLabelValues("alternate", "failed").Inc()
		log.Warn().Err(err).Msg("alternate audio open failed")
	}

	e.deck.Store(d)
	log.Info().Str("path", path).Bool("alternate", d.alt != nil).Msg("now playing")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.catalog.IncrementPlayCount(e.ctx, en.SongID); err != nil {
			e.logger.Debug().Err(err).Int64("song_id", en.SongID).Msg("play count not recorded")
		}
	}()
}

// degrade drops one stream of the live deck after a decode error. Nothing
// happens if the deck changed in the meantime.
func (e *Engine) degrade(d *deck, kind media.Kind, alt bool) {
	if e.deck.CompareAndSwap(d, d.without(kind, alt)) {
		e.logger.Warn().Uint64("gen", d.gen).Str("kind", kind.String()).Bool("alternate", alt).
			Msg("decode failed, stream dropped until next song")
	}
}

// ended is reported by a producer when the deck's primary source ran out.
// It fires the advance at most once per deck and never blocks the caller.
func (e *Engine) ended(d *deck) {
	if e.ctx.Err() != nil || !d.ended.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	empty := len(e.queue) == 0
	e.mu.Unlock()
	if empty {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.endOfStream(d.gen)
	}()
}

func (e *Engine) closeSources(d *deck) {
	if d == nil {
		return
	}
	for _, src := range []media.Source{d.primary, d.alt} {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("source close failed")
		}
	}
}

type nopStore struct{}

func (nopStore) Load(context.Context) ([]Entry, error) { return nil, nil }
func (nopStore) Save([]Entry)                          {}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

type nopPrefetcher struct{}

func (nopPrefetcher) Warm(int64) {}
