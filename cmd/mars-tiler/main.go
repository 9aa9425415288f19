package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/planetgeo/mars-tiler/internal/app/server"
	"github.com/planetgeo/mars-tiler/internal/config"
	"github.com/planetgeo/mars-tiler/internal/logger"
	"github.com/planetgeo/mars-tiler/internal/observability"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "mars-tiler",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting mars-tiler",
		"addr", cfg.Addr,
		"version", Version,
		"database", hostOnly(cfg.DatabaseURL),
		"redis", cfg.RedisAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, appLog); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// hostOnly strips credentials from a connection URL for logging.
func hostOnly(dsn string) string {
	if i := strings.LastIndexByte(dsn, '@'); i >= 0 {
		return dsn[i+1:]
	}
	return dsn
}
