// Package catalog looks up songs in the karaoke song database.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mozillazg/go-pinyin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound means no song has the requested id or it has no file.
var ErrNotFound = errors.New("catalog: song not found")

// PageSize is the number of songs per search page.
const PageSize = 10

// Config configures the catalog.
type Config struct {
	// PathPrefix in stored file names is replaced with MediaPrefix.
	PathPrefix  string
	MediaPrefix string
	// PathCache is the number of resolved paths remembered.
	PathCache int
}

// Catalog is the song database.
type Catalog struct {
	db     *gorm.DB
	cfg    Config
	logger zerolog.Logger
	paths  *lru.Cache[int64, string]

	singersMu sync.Mutex
	singers   []string
}

// Open opens the sqlite database at path.
func Open(path string, cfg Config, log zerolog.Logger) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// Existing song databases are used as they are; only a fresh file gets
	// the tables created.
	for _, model := range []any{&Song{}, &Singer{}} {
		if db.Migrator().HasTable(model) {
			continue
		}
		if err := db.Migrator().CreateTable(model); err != nil {
			return nil, fmt.Errorf("create catalog table: %w", err)
		}
	}
	return New(db, cfg, log)
}

// New wraps an open database.
func New(db *gorm.DB, cfg Config, log zerolog.Logger) (*Catalog, error) {
	if cfg.PathCache < 1 {
		cfg.PathCache = 256
	}
	paths, err := lru.New[int64, string](cfg.PathCache)
	if err != nil {
		return nil, err
	}
	if err := registerCallbacks(db); err != nil {
		return nil, fmt.Errorf("register catalog callbacks: %w", err)
	}
	return &Catalog{
		db:     db,
		cfg:    cfg,
		logger: log.With().Str("component", "catalog").Logger(),
		paths:  paths,
	}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Rewrite turns a stored file name into a local path.
func (c *Catalog) Rewrite(name string) string {
	p := strings.ReplaceAll(name, `\`, "/")
	if c.cfg.PathPrefix != "" {
		p = strings.ReplaceAll(p, c.cfg.PathPrefix, c.cfg.MediaPrefix)
	}
	return p
}

// Resolve returns the local file path of a song.
func (c *Catalog) Resolve(ctx context.Context, songID int64) (string, error) {
	if p, ok := c.paths.Get(songID); ok {
		return p, nil
	}
	var song Song
	err := c.db.WithContext(ctx).Select("SongID", "FileName").Where("SongID = ?", songID).Take(&song).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && song.FileName == "") {
		return "", fmt.Errorf("%w: %d", ErrNotFound, songID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve song %d: %w", songID, err)
	}
	p := c.Rewrite(song.FileName)
	c.paths.Add(songID, p)
	return p, nil
}

// IncrementPlayCount bumps the song's click count.
func (c *Catalog) IncrementPlayCount(ctx context.Context, songID int64) error {
	res := c.db.WithContext(ctx).Model(&Song{}).Where("SongID = ?", songID).
		UpdateColumn("ClickCount", gorm.Expr("COALESCE(ClickCount, 0) + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment play count %d: %w", songID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, songID)
	}
	return nil
}

// Query selects a page of search results.
type Query struct {
	Keyword string
	Singer  string
	Page    int
}

// Result is one page of songs and the total number of matches.
type Result struct {
	Count int64  `json:"count"`
	Songs []Song `json:"songs"`
}

// Search matches Keyword against the song name and its spell, and Singer
// against the singer. Keyword searches list shorter names first; browsing
// without a keyword lists the most played first.
func (c *Catalog) Search(ctx context.Context, q Query) (Result, error) {
	if q.Page < 0 {
		q.Page = 0
	}
	base := func() *gorm.DB {
		return c.db.WithContext(ctx).Model(&Song{}).
			Where("(COALESCE(SONGNAME, '') || COALESCE(spell, '')) LIKE ?", "%"+q.Keyword+"%").
			Where("COALESCE(SINGER, '') LIKE ?", "%"+q.Singer+"%")
	}

	var res Result
	if err := base().Count(&res.Count).Error; err != nil {
		return Result{}, fmt.Errorf("count songs: %w", err)
	}

	order := "ClickCount DESC"
	if q.Keyword != "" {
		order = "WordCount"
	}
	err := base().Select("SongID", "SONGNAME", "SINGER", "FileName").
		Order(order).Order("SongID").
		Offset(q.Page * PageSize).Limit(PageSize).
		Find(&res.Songs).Error
	if err != nil {
		return Result{}, fmt.Errorf("search songs: %w", err)
	}
	if res.Songs == nil {
		res.Songs = []Song{}
	}
	return res, nil
}

// Singers lists singer names in order. The list is loaded once.
func (c *Catalog) Singers(ctx context.Context) ([]string, error) {
	c.singersMu.Lock()
	defer c.singersMu.Unlock()
	if c.singers != nil {
		return c.singers, nil
	}
	var names []string
	if err := c.db.WithContext(ctx).Model(&Singer{}).Order("SingerName").Pluck("SingerName", &names).Error; err != nil {
		return nil, fmt.Errorf("list singers: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	c.singers = names
	return names, nil
}

// AddSong registers a new song file and returns it.
func (c *Catalog) AddSong(ctx context.Context, name, singer, fileName string) (Song, error) {
	song := Song{
		Name:      name,
		Singer:    singer,
		FileName:  fileName,
		Spell:     Spell(name),
		WordCount: utf8.RuneCountInString(name),
	}
	if err := c.db.WithContext(ctx).Create(&song).Error; err != nil {
		return Song{}, fmt.Errorf("add song %q: %w", name, err)
	}
	c.logger.Info().Int64("song_id", song.SongID).Str("name", name).Str("singer", singer).Msg("song added")
	return song, nil
}

var spellSkip = map[rune]bool{
	' ': true, '　': true, ',': true, '(': true, '（': true,
	')': true, '）': true, '!': true, '！': true,
}

// Spell is the search key of a song name: the first pinyin letter of each
// Chinese character, other letters and digits kept as they are.
func Spell(name string) string {
	args := pinyin.NewArgs()
	args.Style = pinyin.FirstLetter

	var b strings.Builder
	for _, r := range name {
		if spellSkip[r] {
			continue
		}
		if unicode.Is(unicode.Han, r) {
			if py := pinyin.LazyPinyin(string(r), args); len(py) > 0 && py[0] != "" {
				b.WriteString(py[0][:1])
				continue
			}
		}
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
