package playback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/media"
	"github.com/satindergrewal/singalong/internal/media/mediatest"
	"github.com/satindergrewal/singalong/internal/pacer"
)

type fakeCatalog struct {
	mu     sync.Mutex
	paths  map[int64]string
	played map[int64]int
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{paths: map[int64]string{}, played: map[int64]int{}}
}

func (c *fakeCatalog) add(id int64, path string) {
	c.mu.Lock()
	c.paths[id] = path
	c.mu.Unlock()
}

// Resolve fails on a done context the way a gorm query does.
func (c *fakeCatalog) Resolve(ctx context.Context, id int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.paths[id]
	if !ok {
		return "", fmt.Errorf("song %d: not found", id)
	}
	return p, nil
}

func (c *fakeCatalog) IncrementPlayCount(_ context.Context, id int64) error {
	c.mu.Lock()
	c.played[id]++
	c.mu.Unlock()
	return nil
}

func (c *fakeCatalog) plays(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.played[id]
}

type fakeStore struct {
	mu      sync.Mutex
	initial []Entry
	saves   [][]Entry
}

func (s *fakeStore) Load(context.Context) ([]Entry, error) { return s.initial, nil }

func (s *fakeStore) Save(entries []Entry) {
	s.mu.Lock()
	s.saves = append(s.saves, entries)
	s.mu.Unlock()
}

func (s *fakeStore) last() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

type published struct {
	typ  string
	data any
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []published
}

func (n *fakeNotifier) Publish(typ string, data any) {
	n.mu.Lock()
	n.msgs = append(n.msgs, published{typ, data})
	n.mu.Unlock()
}

func (n *fakeNotifier) all() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.msgs...)
}

type fakePrefetcher struct {
	mu    sync.Mutex
	songs []int64
}

func (p *fakePrefetcher) Warm(id int64) {
	p.mu.Lock()
	p.songs = append(p.songs, id)
	p.mu.Unlock()
}

func (p *fakePrefetcher) warmed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.songs...)
}

type harness struct {
	engine   *Engine
	catalog  *fakeCatalog
	opener   *mediatest.Opener
	store    *fakeStore
	notifier *fakeNotifier
	prefetch *fakePrefetcher
}

func newHarness(t *testing.T, restored ...Entry) *harness {
	t.Helper()
	h := &harness{
		catalog:  newCatalog(),
		opener:   mediatest.NewOpener(),
		store:    &fakeStore{initial: restored},
		notifier: &fakeNotifier{},
		prefetch: &fakePrefetcher{},
	}
	h.engine = New(context.Background(), h.catalog, h.opener, Options{
		Store:      h.store,
		Notifier:   h.notifier,
		Prefetcher: h.prefetch,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// song registers a file for id whose primary frames carry tag id and whose
// alternate audio (when alt is true) carries tag id+100.
func (h *harness) song(id int64, alt bool, opts ...func(*mediatest.Source)) Entry {
	p := songPath(id)
	h.catalog.add(id, p)
	h.opener.Add(p, media.Primary, int16(id), opts...)
	if alt {
		h.opener.Add(p, media.Alternate, int16(id+100))
	}
	return Entry{SongID: id, Title: fmt.Sprintf("song %d", id), Artist: "artist"}
}

func songPath(id int64) string { return fmt.Sprintf("/media/%d.mp4", id) }

func noWait() pacer.Option {
	return pacer.WithClock(time.Now, func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func ids(q []Entry) []int64 {
	out := make([]int64, len(q))
	for i, e := range q {
		out[i] = e.SongID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUniquenessUnderRandomOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := int64(1); id <= 6; id++ {
		h.song(id, false)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		id := int64(rng.Intn(6) + 1)
		switch rng.Intn(3) {
		case 0:
			h.engine.Enqueue(ctx, Entry{SongID: id})
		case 1:
			h.engine.Remove(ctx, id)
		case 2:
			h.engine.Promote(ctx, id)
		}
		seen := map[int64]bool{}
		for _, e := range h.engine.Snapshot() {
			if seen[e.SongID] {
				t.Fatalf("op %d: song %d queued twice: %v", i, e.SongID, ids(h.engine.Snapshot()))
			}
			seen[e.SongID] = true
		}
	}
}

func TestEnqueueDuplicateIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.song(1, false)

	if ok, err := h.engine.Enqueue(ctx, a); !ok || err != nil {
		t.Fatalf("first enqueue = %v, %v", ok, err)
	}
	msgs := len(h.notifier.all())
	ok, err := h.engine.Enqueue(ctx, a)
	if ok || err != nil {
		t.Errorf("duplicate enqueue = %v, %v; want false, nil", ok, err)
	}
	if len(h.notifier.all()) != msgs {
		t.Error("duplicate enqueue notified listeners")
	}
	if got := len(h.engine.Snapshot()); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
}

func TestEnqueueOpensHeadAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.song(1, true)
	b := h.song(2, false)

	h.engine.Enqueue(ctx, a)
	if n := len(h.opener.Opened(songPath(1), media.Primary)); n != 1 {
		t.Fatalf("primary opened %d times, want 1", n)
	}
	if n := len(h.opener.Opened(songPath(1), media.Alternate)); n != 1 {
		t.Fatalf("alternate opened %d times, want 1", n)
	}
	h.engine.Enqueue(ctx, b)
	if n := len(h.opener.Opened(songPath(2), media.Primary)); n != 0 {
		t.Errorf("pending song opened %d times", n)
	}

	if got := ids(h.store.last()); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("persisted %v, want [1 2]", got)
	}
	msgs := h.notifier.all()
	last := msgs[len(msgs)-1]
	if last.typ != MsgInfo || !equalIDs(ids(last.data.([]Entry)), []int64{1, 2}) {
		t.Errorf("last notification = %+v", last)
	}
	eventually(t, "play count", func() bool { return h.catalog.plays(1) == 1 })

	warmed := h.prefetch.warmed()
	if !containsID(warmed, 2) {
		t.Errorf("song at position 1 not prefetched: %v", warmed)
	}
}

func containsID(list []int64, id int64) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func TestNotificationsFollowMutationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		h.engine.Enqueue(ctx, h.song(id, false))
	}
	h.engine.Promote(ctx, 4)
	h.engine.Remove(ctx, 2)

	want := [][]int64{{1}, {1, 2}, {1, 2, 3}, {1, 2, 3, 4}, {1, 4, 2, 3}, {1, 4, 3}}
	msgs := h.notifier.all()
	if len(msgs) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if got := ids(m.data.([]Entry)); !equalIDs(got, want[i]) {
			t.Errorf("notification %d = %v, want %v", i, got, want[i])
		}
	}
}

func TestPromoteAndRemove(t *testing.T) {
	tests := []struct {
		name string
		op   func(e *Engine)
		want []int64
	}{
		{"promote to next", func(e *Engine) { e.Promote(context.Background(), 4) }, []int64{1, 4, 2, 3}},
		{"promote already next", func(e *Engine) { e.Promote(context.Background(), 2) }, []int64{1, 2, 3, 4}},
		{"promote head", func(e *Engine) { e.Promote(context.Background(), 1) }, []int64{1, 2, 3, 4}},
		{"promote unknown", func(e *Engine) { e.Promote(context.Background(), 99) }, []int64{1, 2, 3, 4}},
		{"remove pending", func(e *Engine) { e.Remove(context.Background(), 3) }, []int64{1, 2, 4}},
		{"remove head ignored", func(e *Engine) { e.Remove(context.Background(), 1) }, []int64{1, 2, 3, 4}},
		{"remove unknown", func(e *Engine) { e.Remove(context.Background(), 99) }, []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for id := int64(1); id <= 4; id++ {
				h.engine.Enqueue(context.Background(), h.song(id, false))
			}
			tt.op(h.engine)
			if got := ids(h.engine.Snapshot()); !equalIDs(got, tt.want) {
				t.Errorf("queue = %v, want %v", got, tt.want)
			}
			if got := ids(h.store.last()); !equalIDs(got, tt.want) {
				t.Errorf("persisted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentNonForcedAdvancePopsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		h.engine.Enqueue(ctx, h.song(id, false))
	}

	calls := h.opener.Calls()
	release := h.opener.Hold()
	defer release()

	first := make(chan bool, 1)
	go func() { first <- h.engine.Advance(ctx, false) }()
	eventually(t, "first advance to reach open", func() bool { return h.opener.Calls() > calls })

	if h.engine.Advance(ctx, false) {
		t.Error("second non-forced advance popped while a transition was in flight")
	}
	release()

	select {
	case ok := <-first:
		if !ok {
			t.Error("first advance did not pop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first advance did not finish")
	}
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{2, 3}) {
		t.Errorf("queue = %v, want [2 3]", got)
	}
}

func TestForcedAdvanceWaitsForTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		h.engine.Enqueue(ctx, h.song(id, false))
	}

	calls := h.opener.Calls()
	release := h.opener.Hold()
	done := make(chan bool, 2)
	go func() { done <- h.engine.Advance(ctx, false) }()
	eventually(t, "first advance to reach open", func() bool { return h.opener.Calls() > calls })
	go func() { done <- h.engine.Advance(ctx, true) }()
	release()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			if !ok {
				t.Error("advance did not pop")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("advance did not finish")
		}
	}
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{3}) {
		t.Errorf("queue = %v, want [3]", got)
	}
}

func TestAdvanceToEmptyClosesSources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Enqueue(ctx, h.song(1, true))

	if !h.engine.Advance(ctx, true) {
		t.Fatal("advance did not pop")
	}
	if h.engine.Advance(ctx, true) {
		t.Error("advance on empty queue popped")
	}
	src := h.opener.Opened(songPath(1), media.Primary)[0]
	alt := h.opener.Opened(songPath(1), media.Alternate)[0]
	eventually(t, "sources closed", func() bool { return src.Closed() && alt.Closed() })

	d := h.engine.deck.Load()
	if d.primary != nil || d.alt != nil || d.entry != nil {
		t.Error("live deck not empty after queue exhausted")
	}
}

func TestOpenFailureKeepsQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// song 9 is not in the catalog
	h.engine.Enqueue(ctx, Entry{SongID: 9, Title: "missing"})
	h.engine.Enqueue(ctx, h.song(2, false))

	ap := h.engine.AudioProducer(noWait())
	for i := 0; i < 5; i++ {
		f, err := ap.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Samples[0] != 0 {
			t.Fatalf("frame %d not silence", i)
		}
	}
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{9, 2}) {
		t.Errorf("queue = %v, want [9 2]; open failure must not advance", got)
	}
}

func TestReplayReopensHead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Enqueue(ctx, h.song(1, false))
	h.engine.Replay(ctx)

	opened := h.opener.Opened(songPath(1), media.Primary)
	if len(opened) != 2 {
		t.Fatalf("primary opened %d times, want 2", len(opened))
	}
	eventually(t, "old source closed", opened[0].Closed)
	if opened[1].Closed() {
		t.Error("replayed source closed")
	}
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{1}) {
		t.Errorf("queue = %v, want [1]", got)
	}
}

func TestRestoreAndStart(t *testing.T) {
	restored := []Entry{{SongID: 5}, {SongID: 6}, {SongID: 5}}
	h := newHarness(t, restored...)
	h.song(5, false)
	h.song(6, false)

	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{5, 6}) {
		t.Fatalf("restored %v, want [5 6]", got)
	}
	if n := h.opener.Calls(); n != 0 {
		t.Fatalf("opened %d sources before Start", n)
	}
	h.engine.Start(context.Background())
	if n := len(h.opener.Opened(songPath(5), media.Primary)); n != 1 {
		t.Errorf("head opened %d times, want 1", n)
	}
	if !containsID(h.prefetch.warmed(), 6) {
		t.Error("next song not prefetched on start")
	}
}

func TestToggleVocal(t *testing.T) {
	h := newHarness(t)
	if !h.engine.Vocal() {
		t.Fatal("vocal should default to on")
	}
	if h.engine.ToggleVocal() {
		t.Error("first toggle should turn vocal off")
	}
	if !h.engine.ToggleVocal() {
		t.Error("second toggle should turn vocal on")
	}
}

func TestStaleEndOfStreamIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		h.engine.Enqueue(ctx, h.song(id, false))
	}
	stale := h.engine.deck.Load().gen
	h.engine.Advance(ctx, true)

	h.engine.endOfStream(stale)
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{2, 3}) {
		t.Errorf("queue = %v, want [2 3]; stale end of stream popped", got)
	}

	h.engine.endOfStream(h.engine.deck.Load().gen)
	if got := ids(h.engine.Snapshot()); !equalIDs(got, []int64{3}) {
		t.Errorf("queue = %v, want [3]", got)
	}
}

func TestCloseReleasesSources(t *testing.T) {
	h := newHarness(t)
	h.engine.Enqueue(context.Background(), h.song(1, true))
	h.engine.Close()
	if !h.opener.Opened(songPath(1), media.Primary)[0].Closed() {
		t.Error("primary not closed")
	}
	if !h.opener.Opened(songPath(1), media.Alternate)[0].Closed() {
		t.Error("alternate not closed")
	}
	if err := h.engine.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDegradeIgnoresStaleDeck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.Enqueue(ctx, h.song(1, false))
	old := h.engine.deck.Load()
	h.engine.Replay(ctx)
	h.engine.degrade(old, media.KindAudio, false)
	if h.engine.deck.Load().noAudio {
		t.Error("stale degrade changed the live deck")
	}
}

func TestTransitionsOutliveCallerContext(t *testing.T) {
	h := newHarness(t)
	h.engine.Enqueue(context.Background(), h.song(1, false))
	h.engine.Enqueue(context.Background(), h.song(2, false))
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	if !h.engine.Advance(gone, true) {
		t.Fatal("advance did not pop")
	}
	d := h.engine.deck.Load()
	if d.entry == nil || d.entry.SongID != 2 || d.primary == nil {
		t.Fatal("head not opened after the caller went away")
	}
	ap := h.engine.AudioProducer(noWait())
	if tag, _ := audioTag(t, ap); tag != 2 {
		t.Errorf("audio tag = %d, want song 2", tag)
	}

	h.engine.Replay(gone)
	if n := len(h.opener.Opened(songPath(2), media.Primary)); n != 2 {
		t.Errorf("song 2 opened %d times, want 2", n)
	}
	if h.engine.deck.Load().primary == nil {
		t.Error("replayed head has no source")
	}
}

func TestEnqueueErrors(t *testing.T) {
	h := newHarness(t)
	a := h.song(1, false)
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := h.engine.Enqueue(gone, a)
	if ok || !errors.Is(err, context.Canceled) {
		t.Errorf("enqueue on done context = %v, %v; want false, context.Canceled", ok, err)
	}
	if got := len(h.engine.Snapshot()); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}

	h.engine.Close()
	if _, err := h.engine.Enqueue(context.Background(), a); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after Close = %v, want ErrClosed", err)
	}
}
