package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/singalong/internal/catalog"
	"github.com/satindergrewal/singalong/internal/telemetry"
)

// ErrInvalid is returned for a request that cannot be queued.
var ErrInvalid = errors.New("invalid ingest request")

// Registrar records a finished file in the song catalog.
type Registrar interface {
	AddSong(ctx context.Context, name, singer, fileName string) (catalog.Song, error)
}

// Config holds worker parameters.
type Config struct {
	DownloadDir string        // finished files land here
	WorkDir     string        // per-task scratch directories are created here
	Suffix      string        // appended to titles, e.g. "(YTB)"
	Retry       int           // download attempts
	Poll        time.Duration // idle wait between looks at the task list
}

// Worker runs ingest tasks one at a time in the order they were added.
type Worker struct {
	dl     Downloader
	sep    Separator
	comp   Composer
	reg    Registrar
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	tasks []*Task
	kick  chan struct{}
}

// NewWorker creates a worker. Call Run to start processing.
func NewWorker(dl Downloader, sep Separator, comp Composer, reg Registrar, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.Retry < 1 {
		cfg.Retry = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	return &Worker{
		dl:     dl,
		sep:    sep,
		comp:   comp,
		reg:    reg,
		cfg:    cfg,
		logger: logger.With().Str("component", "ingest").Logger(),
		kick:   make(chan struct{}, 1),
	}
}

// Add queues a task and returns its snapshot.
func (w *Worker) Add(req Request) (Task, error) {
	req.URL = strings.TrimSpace(req.URL)
	req.Title = strings.TrimSpace(req.Title)
	req.Singer = strings.TrimSpace(req.Singer)
	if req.URL == "" || req.Title == "" {
		return Task{}, fmt.Errorf("%w: url and title are required", ErrInvalid)
	}
	t := &Task{
		ID:      uuid.NewString(),
		URL:     req.URL,
		Title:   req.Title,
		Singer:  req.Singer,
		Caps:    req.Caps,
		Stage:   StageQueued,
		State:   StageQueued.String(),
		Created: time.Now(),
	}
	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	snap := *t
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
	w.logger.Info().Str("task", t.ID).Str("title", t.Title).Str("url", t.URL).Msg("ingest queued")
	return snap, nil
}

// List returns snapshots of all tasks in the order they were added.
func (w *Worker) List() []Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Task, len(w.tasks))
	for i, t := range w.tasks {
		out[i] = *t
	}
	return out
}

// Info looks up an online video.
func (w *Worker) Info(ctx context.Context, url string) (Info, error) {
	if strings.TrimSpace(url) == "" {
		return Info{}, fmt.Errorf("%w: url is required", ErrInvalid)
	}
	return w.dl.Info(ctx, url)
}

// Run processes queued tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Str("download_dir", w.cfg.DownloadDir).Msg("ingest worker started")
	for {
		if ctx.Err() != nil {
			return
		}
		t := w.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.kick:
			case <-time.After(w.cfg.Poll):
			}
			continue
		}
		w.process(ctx, t)
	}
}

func (w *Worker) next() *Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, t := range w.tasks {
		if t.Stage == StageQueued {
			return t
		}
	}
	return nil
}

func (w *Worker) update(t *Task, fn func(t *Task)) {
	w.mu.Lock()
	fn(t)
	t.State = t.Stage.String()
	w.mu.Unlock()
}

// step moves t to stage and runs fn, timing it.
func (w *Worker) step(t *Task, stage Stage, fn func() error) error {
	w.update(t, func(t *Task) { t.Stage = stage })
	start := time.Now()
	err := fn()
	telemetry.IngestStageDuration.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
	return err
}

func (w *Worker) fail(t *Task, err error) {
	w.update(t, func(t *Task) {
		t.Stage = StageFailed
		t.Error = err.Error()
		t.Finished = time.Now()
	})
	telemetry.IngestTasks.WithLabelValues("failed").Inc()
	w.logger.Error().Err(err).Str("task", t.ID).Str("title", t.Title).Msg("ingest failed")
}

func (w *Worker) process(ctx context.Context, t *Task) {
	dir, err := os.MkdirTemp(w.cfg.WorkDir, "ingest-")
	if err != nil {
		w.fail(t, fmt.Errorf("work dir: %w", err))
		return
	}
	defer os.RemoveAll(dir)

	var dl Downloads
	err = w.step(t, StageDownloading, func() error {
		var err error
		for attempt := 1; attempt <= w.cfg.Retry; attempt++ {
			if dl, err = w.dl.Download(ctx, t.URL, dir); err == nil || ctx.Err() != nil {
				return err
			}
			w.logger.Warn().Err(err).Str("task", t.ID).Int("attempt", attempt).Msg("download failed")
		}
		return err
	})
	if err != nil {
		w.fail(t, err)
		return
	}

	var subs string
	w.step(t, StageSubtitles, func() error {
		if t.Caps == "" {
			return nil
		}
		raw, err := w.dl.Subtitles(ctx, t.URL, t.Caps, dir)
		if err == nil {
			subs = filepath.Join(dir, "karaoke.srt")
			err = countdownFile(raw, subs)
		}
		if err != nil {
			// the song is still usable without lyrics
			w.logger.Warn().Err(err).Str("task", t.ID).Str("caps", t.Caps).Msg("subtitles dropped")
			subs = ""
			w.update(t, func(t *Task) { t.Caps = "" })
		}
		return nil
	})

	var acc string
	err = w.step(t, StageSeparating, func() error {
		var err error
		acc, err = w.sep.Separate(ctx, dl.Audio, filepath.Join(dir, "stems"))
		return err
	})
	if err != nil {
		w.fail(t, err)
		return
	}

	composed := filepath.Join(dir, "output.mp4")
	err = w.step(t, StageComposing, func() error {
		return w.comp.Compose(ctx, Parts{Video: dl.Video, Audio: dl.Audio, Accompaniment: acc, Subtitles: subs}, composed)
	})
	if err != nil {
		w.fail(t, err)
		return
	}

	final := filepath.Join(w.cfg.DownloadDir, OutputName(t.Title, t.Singer, w.cfg.Suffix))
	if err := moveFile(composed, final); err != nil {
		w.fail(t, err)
		return
	}
	song, err := w.reg.AddSong(ctx, t.Title+w.cfg.Suffix, t.Singer, final)
	if err != nil {
		w.fail(t, err)
		return
	}

	w.update(t, func(t *Task) {
		t.Stage = StageDone
		t.Path = final
		t.SongID = song.SongID
		t.Finished = time.Now()
	})
	telemetry.IngestTasks.WithLabelValues("done").Inc()
	w.logger.Info().Str("task", t.ID).Int64("song_id", song.SongID).Str("path", final).Msg("ingest done")
}

// OutputName is the file name of a finished song.
func OutputName(title, singer, suffix string) string {
	clean := strings.NewReplacer("/", "_", `\`, "_", "\x00", "")
	return clean.Replace(title) + "-" + clean.Replace(singer) + suffix + ".mp4"
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("move: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("move: %w", err)
	}
	return os.Remove(src)
}
