// Command gateway is the Gemini key-rotating proxy server.
//
// It reads configuration from environment variables (or config.yaml and a
// .env file) and starts an HTTP proxy on the configured address. Clients
// authenticate with GATEWAY_API_KEY; requests are forwarded to the Gemini
// backend with one of the keys from GEMINI_API_KEYS, rotating to the next key
// whenever the backend answers 429 or 503.
//
// Quick-start:
//
//	GATEWAY_API_KEY=secret GEMINI_API_KEYS=key1,key2 ./gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/gemini-gateway/internal/app"
	"github.com/nulpointcorp/gemini-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// Exit codes.
const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return exitConfig
		}
		return exitRuntime
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		return exitRuntime
	}
	logger.Info("gateway stopped")
	return 0
}

// buildLogger constructs a JSON slog.Logger for a validated level string.
// Source locations are only included at debug level.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
