package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/gemini-gateway/internal/backend"
	"github.com/nulpointcorp/gemini-gateway/internal/keypool"
	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
	"github.com/nulpointcorp/gemini-gateway/internal/proxy"
	"github.com/nulpointcorp/gemini-gateway/internal/translate"
)

// initInfra establishes optional external connections.
// Redis is only used when REDIS_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initPool loads the backend key pool. With Redis available the rotation
// cursor is shared by every replica using the same key list.
func (a *App) initPool(_ context.Context) error {
	opts := []keypool.Option{keypool.WithContext(a.baseCtx)}

	if a.rdb != nil {
		name := a.cfg.Redis.CursorName
		if name == "" {
			name = keypool.Fingerprint(keypool.Split(a.cfg.Gemini.Keys))
		}
		cursor := keypool.NewRedisCursor(a.rdb, name)
		opts = append(opts, keypool.WithSharedCursor(cursor))
		a.log.Info("shared rotation cursor enabled", slog.String("redis_key", cursor.Key()))
	}

	pool, err := keypool.Load(a.cfg.Gemini.Keys, opts...)
	if err != nil {
		return err
	}
	a.pool = pool

	a.log.Info("key pool loaded",
		slog.Int("keys", pool.Len()),
		slog.String("active", keypool.Mask(pool.Current())),
	)
	return nil
}

// initServices creates the Prometheus registry and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, string(a.cfg.Dialect))

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.Options{
		Logger:          a.log,
		BaseURL:         a.cfg.Gemini.BaseURL,
		APIVersion:      a.cfg.Gemini.APIVersion,
		DefaultModel:    a.cfg.Gemini.DefaultModel,
		GatewayKey:      a.cfg.GatewayKey,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		Metrics:         a.prom,
		RequestLogger:   a.reqLogger,
		MaxBodySize:     a.cfg.MaxBodySize,
		CORSOrigins:     a.cfg.CORSOrigins,
	}

	gw := proxy.NewGateway(a.baseCtx, a.pool, translate.New(a.cfg.Dialect), opts)

	// ── Readiness probe ──────────────────────────────────────────────────────
	if a.cfg.ProbeInterval > 0 {
		prober := backend.New(a.cfg.Dialect, a.cfg.Gemini.BaseURL, a.cfg.Gemini.APIVersion, nil)
		gw.SetHealthChecker(proxy.NewHealthChecker(a.baseCtx, prober, a.pool, a.cfg.ProbeInterval, a.prom, a.log))
		a.log.Info("upstream probe enabled",
			slog.String("prober", prober.Name()),
			slog.Duration("interval", a.cfg.ProbeInterval),
		)
	}

	// ── Management routes ────────────────────────────────────────────────────
	if a.cfg.MetricsEnabled {
		a.mgmt = &proxy.ManagementRoutes{
			Metrics: a.prom.Handler(),
		}
	}

	a.gw = gw

	return nil
}
