package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/gemini-gateway/internal/keypool"
	"github.com/nulpointcorp/gemini-gateway/internal/translate"
)

// newBenchGateway serves a structured gateway on an in-memory listener in
// front of an instant upstream and returns a client bound to it.
func newBenchGateway(tb testing.TB) *http.Client {
	tb.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]}}]}`))
	}))
	tb.Cleanup(upstream.Close)

	pool, err := keypool.New([]string{"key-a", "key-b"})
	if err != nil {
		tb.Fatal(err)
	}
	gw := NewGateway(context.Background(), pool, translate.New(translate.DialectStructured), Options{
		Logger:       slog.New(slog.DiscardHandler),
		BaseURL:      upstream.URL,
		APIVersion:   "v1beta",
		DefaultModel: "gemini-2.0-flash",
		GatewayKey:   testGatewayKey,
	})

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = gw.Serve(ln, nil) }()
	tb.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 256,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

var benchBody = []byte(`{"messages":[{"role":"user","content":"hello"}]}`)

func forwardOnce(client *http.Client) (time.Duration, error) {
	req, err := http.NewRequest(http.MethodPost, "http://gateway/v1/generate", bytes.NewReader(benchBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+testGatewayKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return elapsed, &UpstreamError{StatusCode: resp.StatusCode}
	}
	return elapsed, nil
}

// BenchmarkForward measures the round trip through auth, translation,
// dispatch and relay when the upstream answers instantly.
//
// Run: go test -bench=BenchmarkForward -benchtime=10s -benchmem ./internal/proxy/
func BenchmarkForward(b *testing.B) {
	b.Run("sequential", func(b *testing.B) {
		benchForward(b, 1)
	})
	b.Run("parallel_100", func(b *testing.B) {
		benchForward(b, 100)
	})
}

func benchForward(b *testing.B, concurrency int) {
	b.Helper()
	client := newBenchGateway(b)

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ResetTimer()
	b.SetParallelism(concurrency)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			elapsed, err := forwardOnce(client)
			if err != nil {
				b.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
		}
	})
	b.StopTimer()

	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[int(math.Min(float64(len(latencies)-1), float64(len(latencies)*99/100)))]

	b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
	b.ReportMetric(float64(p99.Microseconds()), "p99_µs")
}

// TestForwardOverhead is a short version of the benchmark for CI: 500
// sequential requests, loose latency gates.
func TestForwardOverhead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency check in short mode")
	}

	client := newBenchGateway(t)

	const n = 500
	latencies := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		elapsed, err := forwardOnce(client)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		latencies = append(latencies, elapsed)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[n*50/100]
	p99 := latencies[n*99/100]
	t.Logf("P50=%v P99=%v (n=%d)", p50, p99, n)

	if p50 > 20*time.Millisecond {
		t.Errorf("P50=%v exceeds 20ms", p50)
	}
	if p99 > 200*time.Millisecond {
		t.Errorf("P99=%v exceeds 200ms", p99)
	}
}
