package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/telemetry"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster[[]int16]("test", 4)
	if b.ListenerCount() != 0 {
		t.Errorf("Initial ListenerCount = %d, want 0", b.ListenerCount())
	}

	l1 := b.Subscribe()
	l2 := b.Subscribe()
	if b.ListenerCount() != 2 {
		t.Errorf("After 2 subscribes: ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	b.Unsubscribe(l1)
	if b.ListenerCount() != 1 {
		t.Errorf("After unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}
	select {
	case <-l1.Done():
	default:
		t.Error("Listener done channel not closed after unsubscribe")
	}

	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("After all unsubscribed: ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster[[]int16]("test", 4)
	listeners := make([]*Listener[[]int16], 5)
	for i := range listeners {
		listeners[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 10)
	go b.Run(ctx, source)

	source <- []int16{42, -42}
	for i, l := range listeners {
		select {
		case got := <-l.C:
			if got[0] != 42 {
				t.Errorf("Listener %d got frame[0]=%d, want 42", i, got[0])
			}
		case <-time.After(time.Second):
			t.Errorf("Listener %d timed out", i)
		}
	}
}

func TestBroadcastDropsForSlowListener(t *testing.T) {
	b := NewBroadcaster[int]("slow-test", 10)
	slow := b.Subscribe()
	fast := b.Subscribe()

	got := 0
	for i := 0; i < 30; i++ {
		b.Publish(i)
		select {
		case <-fast.C:
			got++
		default:
		}
	}
	if got != 30 {
		t.Errorf("fast listener got %d values, want 30", got)
	}
	if n := len(slow.C); n != 10 {
		t.Errorf("slow listener holds %d values, want its buffer of 10", n)
	}
	if first := <-slow.C; first != 0 {
		t.Errorf("slow listener kept %d first, want the oldest value 0", first)
	}
	if n := testutil.ToFloat64(telemetry.DroppedMessages.WithLabelValues("slow-test")); n != 20 {
		t.Errorf("dropped = %v, want 20", n)
	}
}

func TestBroadcastStops(t *testing.T) {
	tests := []struct {
		name string
		stop func(cancel context.CancelFunc, source chan []int16)
	}{
		{"context cancelled", func(cancel context.CancelFunc, _ chan []int16) { cancel() }},
		{"source closed", func(_ context.CancelFunc, source chan []int16) { close(source) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroadcaster[[]int16]("test", 4)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			source := make(chan []int16)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Run(ctx, source)
			}()
			tt.stop(cancel, source)

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Broadcaster did not stop")
			}
		})
	}
}

func TestHubPublishesEnvelope(t *testing.T) {
	h := NewHub(zerolog.Nop())
	l := h.Subscribe()
	defer h.Unsubscribe(l)

	h.Publish("info", []map[string]any{{"song_id": 7}})
	select {
	case raw := <-l.C:
		var msg struct {
			Type string           `json:"type"`
			Data []map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if msg.Type != "info" || len(msg.Data) != 1 || msg.Data[0]["song_id"] != float64(7) {
			t.Errorf("message = %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
}

func TestHubSkipsUnencodable(t *testing.T) {
	h := NewHub(zerolog.Nop())
	l := h.Subscribe()
	defer h.Unsubscribe(l)
	h.Publish("bad", make(chan int))
	if len(l.C) != 0 {
		t.Error("unencodable event was broadcast")
	}
}

func TestEncodeOp(t *testing.T) {
	b, err := Encode("op", "skip")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"op","data":"skip"}` {
		t.Errorf("Encode = %s", b)
	}
}
