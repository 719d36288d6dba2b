package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/satindergrewal/singalong/internal/playback"
)

// opRequest is the single-endpoint control message used by older clients:
// {"op": "query|skip|top|add|remove|replay", ...}.
type opRequest struct {
	Op      string          `json:"op"`
	Keyword string          `json:"keyword"`
	Singer  string          `json:"singer"`
	Page    json.RawMessage `json:"page"`
	ID      json.RawMessage `json:"id"`
	Song    json.RawMessage `json:"song"`
}

// looseInt accepts 3 and "3".
func looseInt(raw json.RawMessage) (int64, error) {
	s := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	return strconv.ParseInt(s, 10, 64)
}

// opSong accepts an entry object or an [id, title, artist] array.
func opSong(raw json.RawMessage) (playback.Entry, error) {
	var en playback.Entry
	if err := json.Unmarshal(raw, &en); err == nil && en.SongID > 0 {
		return en, nil
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) == 0 {
		return en, fmt.Errorf("song must be an object or [id, title, artist]")
	}
	id, err := looseInt(tuple[0])
	if err != nil {
		return en, fmt.Errorf("song id: %w", err)
	}
	if id <= 0 {
		return en, fmt.Errorf("song id %d out of range", id)
	}
	en = playback.Entry{SongID: id}
	if len(tuple) > 1 {
		json.Unmarshal(tuple[1], &en.Title)
	}
	if len(tuple) > 2 {
		json.Unmarshal(tuple[2], &en.Artist)
	}
	return en, nil
}

func (a *API) handleOp(w http.ResponseWriter, r *http.Request) {
	var req opRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	ctx := r.Context()
	switch req.Op {
	case "":
	case "query":
		page := ""
		if len(req.Page) > 0 {
			page = string(bytes.Trim(req.Page, `"`))
		}
		res, err := a.search(ctx, req.Keyword, req.Singer, page)
		a.writeSearch(w, res, err)
		return
	case "skip":
		a.queue.Notify("skip")
		a.queue.Advance(ctx, true)
	case "replay":
		a.queue.Notify("replay")
		a.queue.Replay(ctx)
	case "top", "remove":
		id, err := looseInt(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id")
			return
		}
		if req.Op == "top" {
			a.queue.Promote(ctx, id)
		} else {
			a.queue.Remove(ctx, id)
		}
	case "add":
		en, err := opSong(req.Song)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_song")
			return
		}
		if _, err := a.queue.Enqueue(ctx, en); err != nil {
			a.enqueueFailed(w, en, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown_op")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
