package api

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/satindergrewal/singalong/internal/playback"
	"github.com/satindergrewal/singalong/internal/stream"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// handleWebsocket pushes every hub event to the client and answers any
// message it sends with the current queue.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l := a.opts.Hub.Subscribe()
	defer a.opts.Hub.Unsubscribe(l)
	telemetry.Listeners.WithLabelValues("websocket").Inc()
	defer telemetry.Listeners.WithLabelValues("websocket").Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot := func() error {
		return wsjson.Write(ctx, conn, stream.Message{Type: playback.MsgInfo, Data: a.queue.Snapshot()})
	}
	if err := snapshot(); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					a.logger.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
			if err := snapshot(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			return
		case msg := <-l.C:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
