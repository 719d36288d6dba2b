package stream

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Message is the envelope of every event sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode renders one event.
func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: typ, Data: data})
}

// Hub fans out JSON events to websocket clients and data channels.
type Hub struct {
	*Broadcaster[[]byte]
	logger zerolog.Logger
}

// NewHub creates an event hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		Broadcaster: NewBroadcaster[[]byte]("events", 64),
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// Publish encodes and broadcasts one event.
func (h *Hub) Publish(typ string, data any) {
	msg, err := Encode(typ, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", typ).Msg("encode event")
		return
	}
	h.Broadcaster.Publish(msg)
}
