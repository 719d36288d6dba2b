package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/lrstanley/go-ytdlp"
)

// Downloads are what a Downloader fetched for one task.
type Downloads struct {
	Video string
	Audio string
}

// Caption is one subtitle language offered by a video.
type Caption struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Info describes an online video before it is ingested.
type Info struct {
	Title     string  `json:"title"`
	Singer    string  `json:"singer"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Captions  struct {
		Original  []Caption `json:"original"`
		Generated []Caption `json:"generated"`
	} `json:"captions"`
	Suggestions []string `json:"suggestions"`
}

// Downloader fetches videos and their metadata.
type Downloader interface {
	Download(ctx context.Context, url, dir string) (Downloads, error)
	// Subtitles fetches the lang captions into dir and returns the file.
	Subtitles(ctx context.Context, url, lang, dir string) (string, error)
	Info(ctx context.Context, url string) (Info, error)
}

// YTDLP is a Downloader backed by the yt-dlp executable.
type YTDLP struct {
	// Proxy is passed to yt-dlp when set.
	Proxy string
}

func (y YTDLP) command() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		NoPlaylist()
	if y.Proxy != "" {
		cmd.Proxy(y.Proxy)
	}
	return cmd
}

func (y YTDLP) fetch(ctx context.Context, url, format, out string) (string, error) {
	res, err := y.command().
		Format(format).
		Output(out).
		Print("after_move:filepath").
		NoSimulate().
		NoPart().
		Run(ctx, url)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return "", fmt.Errorf("yt-dlp: %w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return "", fmt.Errorf("yt-dlp: %w", err)
	}
	path := lastLine(res.Stdout)
	if path == "" {
		return "", fmt.Errorf("yt-dlp printed no file for %s", url)
	}
	return path, nil
}

// Download fetches the best mp4 picture and the best audio of url as
// separate files in dir.
func (y YTDLP) Download(ctx context.Context, url, dir string) (Downloads, error) {
	video, err := y.fetch(ctx, url, "bestvideo[ext=mp4]/best[ext=mp4]/best", filepath.Join(dir, "video.%(ext)s"))
	if err != nil {
		return Downloads{}, fmt.Errorf("download video: %w", err)
	}
	audio, err := y.fetch(ctx, url, "bestaudio[ext=m4a]/bestaudio/best", filepath.Join(dir, "audio.%(ext)s"))
	if err != nil {
		return Downloads{}, fmt.Errorf("download audio: %w", err)
	}
	return Downloads{Video: video, Audio: audio}, nil
}

// Subtitles fetches uploaded or generated lang captions as srt.
func (y YTDLP) Subtitles(ctx context.Context, url, lang, dir string) (string, error) {
	_, err := y.command().
		Output(filepath.Join(dir, "captions.%(ext)s")).
		Run(ctx, "--skip-download", "--write-subs", "--write-auto-subs",
			"--sub-langs", lang, "--convert-subs", "srt", url)
	if err != nil {
		return "", fmt.Errorf("yt-dlp subtitles: %w", err)
	}
	found, _ := filepath.Glob(filepath.Join(dir, "captions*.srt"))
	if len(found) == 0 {
		return "", fmt.Errorf("no %s captions for %s", lang, url)
	}
	return found[0], nil
}

type ytTrack struct {
	Name string `json:"name"`
}

type ytInfo struct {
	Title             string               `json:"title"`
	Uploader          string               `json:"uploader"`
	Channel           string               `json:"channel"`
	Duration          float64              `json:"duration"`
	Thumbnail         string               `json:"thumbnail"`
	Subtitles         map[string][]ytTrack `json:"subtitles"`
	AutomaticCaptions map[string][]ytTrack `json:"automatic_captions"`
}

// Info reads the metadata of url without downloading it.
func (y YTDLP) Info(ctx context.Context, url string) (Info, error) {
	res, err := y.command().Run(ctx, "--dump-single-json", "--skip-download", url)
	if err != nil {
		return Info{}, fmt.Errorf("yt-dlp info: %w", err)
	}
	var raw ytInfo
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return Info{}, fmt.Errorf("decode video info: %w", err)
	}
	return raw.info(), nil
}

func (raw ytInfo) info() Info {
	singer := raw.Uploader
	if singer == "" {
		singer = raw.Channel
	}
	in := Info{
		Title:       raw.Title,
		Singer:      singer,
		Duration:    raw.Duration,
		Thumbnail:   raw.Thumbnail,
		Suggestions: Suggestions(raw.Title + " " + singer),
	}
	in.Captions.Original = captions(raw.Subtitles)
	in.Captions.Generated = captions(raw.AutomaticCaptions)
	return in
}

func captions(m map[string][]ytTrack) []Caption {
	out := make([]Caption, 0, len(m))
	for code, tracks := range m {
		name := code
		if len(tracks) > 0 && tracks[0].Name != "" {
			name = tracks[0].Name
		}
		out = append(out, Caption{Name: name, Code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Suggestions splits s into words usable as a title or singer, dropping
// punctuation, separators, digits and symbols.
func Suggestions(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsNumber(r) ||
			unicode.IsSymbol(r) || unicode.Is(unicode.Z, r)
	})
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
