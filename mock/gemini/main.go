// Command gemini runs a lightweight mock of the Gemini backend. It serves the
// native API and the OpenAI-compatible surface on one port and is used for
// local E2E runs of the gateway without real credentials.
//
// Routes:
//
//	GET  /v1beta/models                                 (list models, readiness probe)
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent   (SSE when alt=sse)
//	GET  /v1beta/openai/models
//	POST /v1beta/openai/chat/completions
//
// The backend key is read from the "key" query parameter, the
// x-goog-api-key header or an Authorization bearer token.
//
// Behaviour flags (via env):
//
//	PORT               : listen port (default 19003)
//	MOCK_LATENCY_MS    : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS  : words in a generated response (default 10)
//	MOCK_QUOTA_PER_KEY : requests each key may make before it gets 429 (default 0 = unlimited)
//	MOCK_EXHAUSTED_KEYS: comma-separated keys that always get 429
//	MOCK_VALID_KEYS    : comma-separated allow-list; other keys get 400 (default: any key)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration of the mock.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	StreamWords   int
	QuotaPerKey   int
	ExhaustedKeys []string
	ValidKeys     []string
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_QUOTA_PER_KEY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.QuotaPerKey = n
		}
	}
	c.ExhaustedKeys = splitList(os.Getenv("MOCK_EXHAUSTED_KEYS"))
	c.ValidKeys = splitList(os.Getenv("MOCK_VALID_KEYS"))
	return c
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19003"
	}

	log.Info("starting mock gemini backend",
		slog.String("port", port),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("quota_per_key", cfg.QuotaPerKey),
		slog.Int("exhausted_keys", len(cfg.ExhaustedKeys)),
	)

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     newHandler(cfg, log),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down mock gemini backend")
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
}
