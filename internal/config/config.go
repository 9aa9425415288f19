package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	DatabaseURL string
	RedisAddr   string
	DataDir     string

	ZoomMargin        int
	MosaicConcurrency int

	CacheEnabled     bool
	CacheTTL         time.Duration
	CacheOpTimeout   time.Duration
	CacheFillWorkers int
	CacheFillQueue   int

	ResolveCacheSize int
	ResolveCacheTTL  time.Duration

	TileBlockCacheMB int
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		DatabaseURL: getenv("DATABASE_URL", "postgres://localhost:5432/imagery"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		DataDir:     getenv("MARS_DATA_DIR", ""),

		ZoomMargin:        getint("ZOOM_MARGIN", 4),
		MosaicConcurrency: getint("MOSAIC_CONCURRENCY", 4),

		CacheEnabled:     getbool("CACHE_ENABLED", true),
		CacheTTL:         getduration("CACHE_TTL", time.Hour),
		CacheOpTimeout:   getduration("CACHE_OP_TIMEOUT", 500*time.Millisecond),
		CacheFillWorkers: getint("CACHE_FILL_WORKERS", 4),
		CacheFillQueue:   getint("CACHE_FILL_QUEUE", 256),

		ResolveCacheSize: getint("RESOLVE_CACHE_SIZE", 4096),
		ResolveCacheTTL:  getduration("RESOLVE_CACHE_TTL", 30*time.Second),

		TileBlockCacheMB: getint("TILE_BLOCK_CACHE_MB", 64),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
