package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	Environment string

	// Server
	Bind    string
	Port    int
	WebRoot string // optional static asset directory served at /

	// Catalog
	DatabasePath string
	PathPrefix   string // catalog file prefix to rewrite (Windows share paths)
	MediaPrefix  string // local mount replacing PathPrefix

	// Queue persistence
	QueueStore    string // file or redis
	SnapshotPath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	// Media decoding
	FFmpegBin    string
	FFprobeBin   string
	VideoWidth   int
	VideoHeight  int
	VideoFPS     int
	DecodeBuffer int // frames buffered between a decoder and its producer

	// Transport
	STUNURL      string
	TURNURL      string
	TURNUsername string
	TURNPassword string
	OpusBitrate  int
	VideoBitrate string // passed to the VP8 encoder, e.g. "1M"

	// Prefetch
	PrefetchEntries int

	// Ingest
	IngestEnabled bool
	DownloadDir   string
	WorkDir       string
	SpleeterBin   string
	IngestRetry   int
	IngestPoll    time.Duration
	IngestSuffix  string
	YTDLPProxy    string
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Environment: envStr("SINGALONG_ENV", "production"),

		Bind:    envStr("SINGALONG_BIND", "0.0.0.0"),
		Port:    envInt("SINGALONG_PORT", 8080),
		WebRoot: envStr("SINGALONG_WEB_ROOT", ""),

		DatabasePath: envStr("SINGALONG_DB", "db.sqlite"),
		PathPrefix:   envStr("SINGALONG_PATH_PREFIX", "//Mac/ktv/"),
		MediaPrefix:  envStr("SINGALONG_MEDIA_PREFIX", "/media/"),

		QueueStore:    envStr("SINGALONG_QUEUE_STORE", "file"),
		SnapshotPath:  envStr("SINGALONG_SNAPSHOT", ".saved.json"),
		RedisAddr:     envStr("SINGALONG_REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("SINGALONG_REDIS_PASSWORD", ""),
		RedisDB:       envInt("SINGALONG_REDIS_DB", 0),
		RedisKey:      envStr("SINGALONG_REDIS_KEY", "singalong:queue"),

		FFmpegBin:    envStr("SINGALONG_FFMPEG", "ffmpeg"),
		FFprobeBin:   envStr("SINGALONG_FFPROBE", "ffprobe"),
		VideoWidth:   envInt("SINGALONG_VIDEO_WIDTH", 640),
		VideoHeight:  envInt("SINGALONG_VIDEO_HEIGHT", 360),
		VideoFPS:     envInt("SINGALONG_VIDEO_FPS", 30),
		DecodeBuffer: envInt("SINGALONG_DECODE_BUFFER", 50),

		STUNURL:      envStr("SINGALONG_STUN_URL", "stun:stun.l.google.com:19302"),
		TURNURL:      envStr("SINGALONG_TURN_URL", ""),
		TURNUsername: envStr("SINGALONG_TURN_USERNAME", ""),
		TURNPassword: envStr("SINGALONG_TURN_PASSWORD", ""),
		OpusBitrate:  envInt("SINGALONG_OPUS_BITRATE", 128000),
		VideoBitrate: envStr("SINGALONG_VIDEO_BITRATE", "1M"),

		PrefetchEntries: envInt("SINGALONG_PREFETCH_ENTRIES", 64),

		IngestEnabled: envBool("SINGALONG_INGEST_ENABLED", true),
		DownloadDir:   envStr("SINGALONG_DOWNLOAD_DIR", "/media/downloads"),
		WorkDir:       envStr("SINGALONG_WORK_DIR", os.TempDir()),
		SpleeterBin:   envStr("SINGALONG_SPLEETER", "spleeter"),
		IngestRetry:   envInt("SINGALONG_INGEST_RETRY", 3),
		IngestPoll:    envDuration("SINGALONG_INGEST_POLL", 100*time.Millisecond),
		IngestSuffix:  envStr("SINGALONG_INGEST_SUFFIX", "(YTB)"),
		YTDLPProxy:    envStr("SINGALONG_YTDLP_PROXY", ""),
	}
}

// Validate reports the first configuration value that cannot work.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.QueueStore {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown queue store %q (want file or redis)", c.QueueStore)
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 || c.VideoWidth%2 != 0 || c.VideoHeight%2 != 0 {
		return fmt.Errorf("video size %dx%d must be positive and even", c.VideoWidth, c.VideoHeight)
	}
	if c.VideoFPS <= 0 || c.VideoFPS > 60 {
		return fmt.Errorf("video fps %d out of range 1-60", c.VideoFPS)
	}
	if c.DecodeBuffer < 1 {
		return fmt.Errorf("decode buffer must be at least 1, got %d", c.DecodeBuffer)
	}
	if c.IngestRetry < 1 {
		return fmt.Errorf("ingest retry must be at least 1, got %d", c.IngestRetry)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.ToLower(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
