package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// relayChunkSize is the read size of the streaming copy loop.
const relayChunkSize = 8 << 10

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayChunkSize)
		return &b
	},
}

// droppedResponseHeaders describe the upstream framing, which fasthttp
// recomputes for the client connection.
var droppedResponseHeaders = map[string]struct{}{
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Connection":        {},
	"Content-Length":    {},
	"Content-Type":      {},
}

// copyResponseHeaders copies upstream headers minus framing headers and
// re-asserts the upstream Content-Type.
func copyResponseHeaders(ctx *fasthttp.RequestCtx, h http.Header) {
	for k, vs := range h {
		if _, drop := droppedResponseHeaders[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		for _, v := range vs {
			ctx.Response.Header.Add(k, v)
		}
	}
	if ct := h.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}
}

// relay streams a 2xx upstream response to the client. Status and headers
// are set immediately; the body is copied by fasthttp's stream writer after
// the handler returns. cancel releases the upstream request context.
//
// The upstream may stay silent for at most idleTimeout between two chunks.
// A stalled upstream, or a client that left while the upstream is stalled,
// is only noticed through that timer, which cancels the outbound call.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, resp *http.Response, cancel context.CancelFunc, st *requestState, reqBytes int) {
	ctx.SetStatusCode(resp.StatusCode)
	copyResponseHeaders(ctx, resp.Header)

	status := resp.StatusCode
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer resp.Body.Close()

		var idled atomic.Bool
		timer := time.AfterFunc(g.idleTimeout, func() {
			idled.Store(true)
			cancel()
		})

		src := &idleReader{r: resp.Body, timer: timer, idle: g.idleTimeout}
		n, err := copyFlush(w, src)
		timer.Stop()
		switch {
		case idled.Load():
			g.log.WarnContext(g.baseCtx, "relay_idle_timeout",
				slog.String("request_id", st.id),
				slog.Int64("bytes", n),
				slog.Duration("idle", g.idleTimeout),
			)
		case err != nil && !errors.Is(err, context.Canceled):
			g.log.WarnContext(g.baseCtx, "relay_aborted",
				slog.String("request_id", st.id),
				slog.Int64("bytes", n),
				slog.String("error", err.Error()),
			)
		}

		g.logRequest(st, status)
		if g.metrics != nil {
			// End-to-end duration is measured until the stream drains.
			g.metrics.AddRelayedBytes(string(g.dialect), n)
			g.metrics.ObserveHTTP(routeForward, status, time.Since(st.start), reqBytes)
			g.metrics.DecInFlight()
		}
	})
}

// idleReader pushes the idle deadline back after every read that returned
// data.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	return n, err
}

// copyFlush copies src to w in relayChunkSize reads, flushing after every
// chunk so SSE events reach the client as they arrive. A failed write or
// flush means the client went away and ends the copy.
func copyFlush(w *bufio.Writer, src io.Reader) (int64, error) {
	bp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bp)
	buf := *bp

	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, err := w.Write(buf[:nr]); err != nil {
				return total, err
			}
			if err := w.Flush(); err != nil {
				return total, err
			}
			total += int64(nr)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
