// Package ingest turns online videos into two-track karaoke files and
// registers them in the catalog.
package ingest

import (
	"time"
)

// Stage is the progress of a task. Values follow the order of the pipeline;
// a finished task is StageDone and a failed one StageFailed.
type Stage int

const (
	StageFailed      Stage = -1
	StageQueued      Stage = 0
	StageDownloading Stage = 1
	StageSubtitles   Stage = 2
	StageSeparating  Stage = 3
	StageComposing   Stage = 4
	StageDone        Stage = 10000 + StageComposing
)

func (s Stage) String() string {
	switch s {
	case StageFailed:
		return "failed"
	case StageQueued:
		return "queued"
	case StageDownloading:
		return "downloading"
	case StageSubtitles:
		return "subtitles"
	case StageSeparating:
		return "separating"
	case StageComposing:
		return "composing"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// Request asks for one video to be ingested.
type Request struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Singer string `json:"singer"`
	// Caps is the caption language to burn in, empty for none.
	Caps string `json:"caps,omitempty"`
}

// Task is a snapshot of one ingest job.
type Task struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Singer   string    `json:"singer"`
	Caps     string    `json:"caps,omitempty"`
	Stage    Stage     `json:"stage"`
	State    string    `json:"state"`
	Path     string    `json:"path"`
	SongID   int64     `json:"song_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
	Finished time.Time `json:"finished,omitempty"`
}
