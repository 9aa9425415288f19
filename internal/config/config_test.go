package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.ZoomMargin != 4 {
		t.Fatalf("ZoomMargin = %d", cfg.ZoomMargin)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
	if !cfg.CacheEnabled {
		t.Fatalf("cache must default to enabled")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("ZOOM_MARGIN", "2")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("CACHE_ENABLED", "no")
	t.Setenv("MOSAIC_CONCURRENCY", "8")

	cfg := FromEnv()
	if cfg.Addr != ":9999" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.ZoomMargin != 2 {
		t.Fatalf("ZoomMargin = %d", cfg.ZoomMargin)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.CacheEnabled {
		t.Fatalf("CACHE_ENABLED=no must disable the cache")
	}
	if cfg.MosaicConcurrency != 8 {
		t.Fatalf("MosaicConcurrency = %d", cfg.MosaicConcurrency)
	}
}

func TestFromEnvMalformedValuesFallBack(t *testing.T) {
	t.Setenv("ZOOM_MARGIN", "plenty")
	t.Setenv("CACHE_TTL", "soon")

	cfg := FromEnv()
	if cfg.ZoomMargin != 4 {
		t.Fatalf("ZoomMargin = %d, want default", cfg.ZoomMargin)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("CacheTTL = %v, want default", cfg.CacheTTL)
	}
}
