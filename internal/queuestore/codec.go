// Package queuestore persists playback queue snapshots.
package queuestore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/satindergrewal/singalong/internal/playback"
)

// record accepts both the object form written by this package and the
// older [id, title, artist] array form.
type record playback.Entry

func (r *record) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(b, &tuple); err != nil {
			return err
		}
		if len(tuple) == 0 {
			return fmt.Errorf("empty queue entry")
		}
		if err := json.Unmarshal(tuple[0], &r.SongID); err != nil {
			return fmt.Errorf("queue entry id: %w", err)
		}
		if len(tuple) > 1 {
			json.Unmarshal(tuple[1], &r.Title)
		}
		if len(tuple) > 2 {
			json.Unmarshal(tuple[2], &r.Artist)
		}
		return nil
	}
	return json.Unmarshal(b, (*playback.Entry)(r))
}

func encode(entries []playback.Entry) ([]byte, error) {
	if entries == nil {
		entries = []playback.Entry{}
	}
	return json.Marshal(entries)
}

func decode(data []byte) ([]playback.Entry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}
	out := make([]playback.Entry, len(recs))
	for i, r := range recs {
		out[i] = playback.Entry(r)
	}
	return out, nil
}
