// Package api exposes the queue, catalog and ingest worker over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/catalog"
	"github.com/satindergrewal/singalong/internal/ingest"
	"github.com/satindergrewal/singalong/internal/playback"
	"github.com/satindergrewal/singalong/internal/stream"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// Queue is the playback control surface.
type Queue interface {
	Snapshot() []playback.Entry
	Enqueue(ctx context.Context, en playback.Entry) (bool, error)
	Advance(ctx context.Context, forced bool) bool
	Replay(ctx context.Context)
	Promote(ctx context.Context, songID int64)
	Remove(ctx context.Context, songID int64)
	ToggleVocal() bool
	Vocal() bool
	Notify(op string)
}

// Library is the searchable song catalog.
type Library interface {
	Search(ctx context.Context, q catalog.Query) (catalog.Result, error)
	Singers(ctx context.Context) ([]string, error)
}

// Ingester queues downloads.
type Ingester interface {
	Add(req ingest.Request) (ingest.Task, error)
	List() []ingest.Task
	Info(ctx context.Context, url string) (ingest.Info, error)
}

// Options holds the optional parts of the API.
type Options struct {
	Hub     *stream.Hub
	Offer   http.Handler // WebRTC SDP exchange
	Stream  http.Handler // audio-only HTTP stream
	Ingest  Ingester     // nil disables the download routes
	WebRoot string       // static files served at / when set
	Logger  zerolog.Logger
}

// API serves the HTTP routes.
type API struct {
	queue  Queue
	lib    Library
	opts   Options
	logger zerolog.Logger
}

// New creates the API.
func New(queue Queue, lib Library, opts Options) *API {
	return &API{
		queue:  queue,
		lib:    lib,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router returns the HTTP handler with every route mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.MetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", telemetry.Handler())

	if a.opts.Offer != nil {
		r.Method(http.MethodPost, "/offer", a.opts.Offer)
	}
	if a.opts.Stream != nil {
		r.Method(http.MethodGet, "/stream", a.opts.Stream)
	}
	if a.opts.Hub != nil {
		r.Get("/ws", a.handleWebsocket)
	}
	r.Post("/op", a.handleOp)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", a.handleQueue)
		r.Post("/queue", a.handleEnqueue)
		r.Delete("/queue/{id}", a.handleRemove)
		r.Post("/queue/{id}/promote", a.handlePromote)
		r.Post("/skip", a.handleSkip)
		r.Post("/replay", a.handleReplay)
		r.Get("/vocal", a.handleVocal)
		r.Post("/vocal", a.handleToggleVocal)

		r.Get("/songs", a.handleSongs)
		r.Get("/singers", a.handleSingers)

		r.Route("/downloads", func(r chi.Router) {
			r.Use(a.requireIngest)
			r.Get("/", a.handleDownloads)
			r.Post("/", a.handleAddDownload)
			r.Post("/info", a.handleDownloadInfo)
		})
	})

	if a.opts.WebRoot != "" {
		r.Handle("/*", http.FileServer(http.Dir(a.opts.WebRoot)))
	}
	return r
}

// SnapshotMessage renders the queue as the event sent to listeners.
func SnapshotMessage(q Queue) ([]byte, error) {
	return stream.Encode(playback.MsgInfo, q.Snapshot())
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Snapshot())
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var en playback.Entry
	if err := json.NewDecoder(r.Body).Decode(&en); err != nil || en.SongID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_song")
		return
	}
	a.enqueue(w, r, en)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, en playback.Entry) {
	added, err := a.queue.Enqueue(r.Context(), en)
	if err != nil {
		a.enqueueFailed(w, en, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"added": added, "queue": a.queue.Snapshot()})
}

func (a *API) enqueueFailed(w http.ResponseWriter, en playback.Entry, err error) {
	if errors.Is(err, playback.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	a.logger.Error().Err(err).Int64("song_id", en.SongID).Msg("enqueue failed")
	writeError(w, http.StatusInternalServerError, "enqueue_failed")
}

func songID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := songID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	a.queue.Remove(r.Context(), id)
	writeJSON(w, http.StatusOK, a.queue.Snapshot())
}

func (a *API) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, ok := songID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	a.queue.Promote(r.Context(), id)
	writeJSON(w, http.StatusOK, a.queue.Snapshot())
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	a.queue.Notify("skip")
	skipped := a.queue.Advance(r.Context(), true)
	writeJSON(w, http.StatusOK, map[string]bool{"skipped": skipped})
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	a.queue.Notify("replay")
	a.queue.Replay(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleVocal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"vocal": a.queue.Vocal()})
}

func (a *API) handleToggleVocal(w http.ResponseWriter, r *http.Request) {
	vocal := a.queue.ToggleVocal()
	a.queue.Notify("vocal")
	writeJSON(w, http.StatusOK, map[string]bool{"vocal": vocal})
}

func (a *API) search(ctx context.Context, keyword, singer, page string) (catalog.Result, error) {
	q := catalog.Query{Keyword: keyword, Singer: singer}
	if page != "" {
		p, err := strconv.Atoi(page)
		if err != nil || p < 0 {
			return catalog.Result{}, errBadPage
		}
		q.Page = p
	}
	return a.lib.Search(ctx, q)
}

var errBadPage = errors.New("invalid page")

func (a *API) writeSearch(w http.ResponseWriter, res catalog.Result, err error) {
	switch {
	case errors.Is(err, errBadPage):
		writeError(w, http.StatusBadRequest, "invalid_page")
	case err != nil:
		a.logger.Error().Err(err).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "search_failed")
	default:
		if res.Songs == nil {
			res.Songs = []catalog.Song{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *API) handleSongs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := a.search(r.Context(), q.Get("keyword"), q.Get("singer"), q.Get("page"))
	a.writeSearch(w, res, err)
}

func (a *API) handleSingers(w http.ResponseWriter, r *http.Request) {
	singers, err := a.lib.Singers(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("list singers failed")
		writeError(w, http.StatusInternalServerError, "singers_failed")
		return
	}
	if singers == nil {
		singers = []string{}
	}
	writeJSON(w, http.StatusOK, singers)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
