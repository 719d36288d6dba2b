package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/satindergrewal/singalong/internal/ingest"
)

func (a *API) requireIngest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.Ingest == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest_disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.opts.Ingest.List())
}

func (a *API) handleAddDownload(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	task, err := a.opts.Ingest.Add(req)
	if errors.Is(err, ingest.ErrInvalid) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingest_failed")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *API) handleDownloadInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	info, err := a.opts.Ingest.Info(r.Context(), req.URL)
	if errors.Is(err, ingest.ErrInvalid) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("url", req.URL).Msg("video info failed")
		writeError(w, http.StatusBadGateway, "info_failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
