package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/telemetry"
)

// ICEConfig lists the STUN and TURN servers offered to peers.
type ICEConfig struct {
	STUNURL      string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

func (c ICEConfig) servers() []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if c.STUNURL != "" {
		out = append(out, webrtc.ICEServer{URLs: []string{c.STUNURL}})
	}
	if c.TURNURL != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return out
}

// NewAPI builds a pion API with the default codecs and RTCP interceptors.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// WebRTCHandler answers SDP offers with the shared audio and video tracks
// and bridges data channels to the event hub.
type WebRTCHandler struct {
	api    *webrtc.API
	ice    ICEConfig
	relay  *Relay
	hub    *Hub
	reply  func() ([]byte, error)
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewWebRTCHandler creates the offer handler. reply builds the message sent
// back for any text received on a data channel.
func NewWebRTCHandler(api *webrtc.API, ice ICEConfig, relay *Relay, hub *Hub, reply func() ([]byte, error), logger zerolog.Logger) *WebRTCHandler {
	return &WebRTCHandler{
		api:    api,
		ice:    ice,
		relay:  relay,
		hub:    hub,
		reply:  reply,
		logger: logger.With().Str("component", "webrtc").Logger(),
		peers:  make(map[string]*webrtc.PeerConnection),
	}
}

// PeerCount returns the number of active peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	pc, err := h.api.NewPeerConnection(webrtc.Configuration{ICEServers: h.ice.servers()})
	if err != nil {
		h.logger.Error().Err(err).Msg("create peer connection")
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	// Registered before negotiation; every failure below goes through drop.
	h.mu.Lock()
	h.peers[id] = pc
	h.mu.Unlock()
	telemetry.Listeners.WithLabelValues("webrtc").Inc()
	var once sync.Once
	drop := func() {
		once.Do(func() {
			h.removePeer(id)
			pc.Close()
		})
	}

	for _, track := range []*webrtc.TrackLocalStaticSample{h.relay.audio, h.relay.video} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			drop()
			http.Error(w, "add track failed", http.StatusInternalServerError)
			return
		}
		go drainRTCP(sender)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) { h.bridge(id, dc) })

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		h.logger.Debug().Str("peer", id).Str("state", s.String()).Msg("connection state changed")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			drop()
			h.logger.Info().Str("peer", id).Int("remaining", h.PeerCount()).Msg("peer disconnected")
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		drop()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		drop()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		drop()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}
	select {
	case <-gatherComplete:
	case <-r.Context().Done():
	}
	if r.Context().Err() != nil {
		drop()
		return
	}

	h.logger.Info().Str("peer", id).Int("total", h.PeerCount()).Msg("peer connected")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// bridge forwards hub events to dc and answers its messages.
func (h *WebRTCHandler) bridge(peer string, dc *webrtc.DataChannel) {
	l := h.hub.Subscribe()
	dc.OnOpen(func() {
		if msg, err := h.reply(); err == nil {
			dc.SendText(string(msg))
		}
		go func() {
			for {
				select {
				case <-l.Done():
					return
				case msg := <-l.C:
					if err := dc.SendText(string(msg)); err != nil {
						h.hub.Unsubscribe(l)
						return
					}
				}
			}
		}()
	})
	dc.OnMessage(func(webrtc.DataChannelMessage) {
		msg, err := h.reply()
		if err != nil {
			h.logger.Error().Err(err).Str("peer", peer).Msg("build reply")
			return
		}
		dc.SendText(string(msg))
	})
	dc.OnClose(func() { h.hub.Unsubscribe(l) })
}

func (h *WebRTCHandler) removePeer(id string) {
	h.mu.Lock()
	_, ok := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()
	if ok {
		telemetry.Listeners.WithLabelValues("webrtc").Dec()
	}
}

// Close disconnects every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*webrtc.PeerConnection)
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
		telemetry.Listeners.WithLabelValues("webrtc").Dec()
	}
}

// drainRTCP reads incoming RTCP so the interceptors can process it.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
