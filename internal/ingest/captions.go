package ingest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/asticode/go-astisub"
)

const (
	leadIn     = 3 * time.Second
	countdowns = 3
)

func textItem(start, end time.Duration, text string) *astisub.Item {
	return &astisub.Item{
		StartAt: start,
		EndAt:   end,
		Lines:   []astisub.Line{{Items: []astisub.LineItem{{Text: text}}}},
	}
}

// WithCountdown returns subs with sing-along cues added. A line that follows
// a silence of more than three seconds is preceded by three one-second cues
// "OOO", "OO-", "O--". Every line is shown up to three seconds before it is
// sung, but never before the previous line started.
func WithCountdown(subs *astisub.Subtitles) *astisub.Subtitles {
	items := append([]*astisub.Item(nil), subs.Items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].StartAt < items[j].StartAt })

	out := astisub.NewSubtitles()
	if len(items) == 0 {
		return out
	}
	lastStart := max(items[0].StartAt-leadIn, 0)
	var lastEnd time.Duration
	for _, it := range items {
		start, end := it.StartAt, it.EndAt
		if start-lastEnd > leadIn {
			for n := countdowns; n > 0; n-- {
				at := start - time.Duration(n)*time.Second
				cue := strings.Repeat("O", n) + strings.Repeat("-", countdowns-n)
				out.Items = append(out.Items, textItem(at, at+time.Second, cue))
			}
		}
		out.Items = append(out.Items, &astisub.Item{
			StartAt: max(lastStart, start-leadIn),
			EndAt:   end,
			Lines:   it.Lines,
		})
		lastStart = start
		lastEnd = end
	}
	return out
}

// countdownFile rewrites the subtitle file at src into an srt at dst.
func countdownFile(src, dst string) error {
	subs, err := astisub.OpenFile(src)
	if err != nil {
		return fmt.Errorf("open subtitles %s: %w", src, err)
	}
	if len(subs.Items) == 0 {
		return fmt.Errorf("subtitles %s are empty", src)
	}
	if err := WithCountdown(subs).Write(dst); err != nil {
		return fmt.Errorf("write subtitles %s: %w", dst, err)
	}
	return nil
}
