package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/gemini-gateway/internal/backend"
	"github.com/nulpointcorp/gemini-gateway/internal/keypool"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
)

const (
	defaultProbeInterval = 30 * time.Second
	healthProbeTimeout   = 10 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unknown"
	detail string
	at     time.Time
}

func (s *componentStatus) set(v, detail string) {
	s.mu.Lock()
	s.status = v
	s.detail = detail
	s.at = time.Now()
	s.mu.Unlock()
}

func (s *componentStatus) get() (string, string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown", "", time.Time{}
	}
	return s.status, s.detail, s.at
}

// HealthChecker probes the backend in the background with the active pool
// key and exposes the latest result. Probing never rotates keys.
type HealthChecker struct {
	prober   backend.Prober
	pool     *keypool.Pool
	interval time.Duration
	baseCtx  context.Context
	metrics  *metrics.Registry
	log      *slog.Logger

	upstream componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. interval <= 0 uses the 30s default.
func NewHealthChecker(
	ctx context.Context,
	prober backend.Prober,
	pool *keypool.Pool,
	interval time.Duration,
	met *metrics.Registry,
	log *slog.Logger,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if log == nil {
		log = slog.Default()
	}
	hc := &HealthChecker{
		prober:    prober,
		pool:      pool,
		interval:  interval,
		baseCtx:   ctx,
		metrics:   met,
		log:       log,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the readiness state reported by /readiness.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Prober        string `json:"prober"`
	Upstream      string `json:"upstream"`
	Detail        string `json:"detail,omitempty"`
	Key           string `json:"key"`
	CheckedAt     string `json:"checked_at,omitempty"`
}

// Snapshot builds a snapshot from the latest probe result.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	st, detail, at := hc.upstream.get()

	overall := "ok"
	if st != "ok" {
		overall = "unavailable"
	}

	snap := HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Prober:        hc.prober.Name(),
		Upstream:      st,
		Detail:        detail,
		Key:           keypool.Mask(hc.pool.Current()),
	}
	if !at.IsZero() {
		snap.CheckedAt = at.UTC().Format(time.RFC3339)
	}
	return snap
}

// ReadinessOK reports whether the last probe succeeded.
func (hc *HealthChecker) ReadinessOK() bool {
	st, _, _ := hc.upstream.get()
	return st == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	key := hc.pool.Current()
	if err := hc.prober.Probe(ctx, key); err != nil {
		hc.upstream.set("degraded", err.Error())
		hc.log.Warn("upstream_probe_failed",
			slog.String("prober", hc.prober.Name()),
			slog.String("key", keypool.Mask(key)),
			slog.String("error", err.Error()),
		)
		if hc.metrics != nil {
			hc.metrics.SetUpstreamHealth(hc.prober.Name(), false)
		}
		return
	}

	hc.upstream.set("ok", "")
	if hc.metrics != nil {
		hc.metrics.SetUpstreamHealth(hc.prober.Name(), true)
	}
}
