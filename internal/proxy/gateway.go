// Package proxy is the forwarding gateway in front of the Gemini backend.
//
// The Gateway authenticates the caller with a shared gateway key, translates
// the body for the configured dialect, attaches the active backend key from
// the pool and makes exactly one upstream call. Successful responses are
// streamed back chunk by chunk; upstream errors are forwarded verbatim. A 429
// or 503 from the backend retires the active key so the next request uses
// the following one.
//
// Key design constraints:
//   - No retries. The request that observed the 429/503 still fails.
//   - The pool lock is never held across network I/O.
//   - Backend keys only reach logs through keypool.Mask.
//   - Upstream calls are bound to the server base context, so shutdown
//     aborts in-flight relays.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-gateway/internal/keypool"
	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
	"github.com/nulpointcorp/gemini-gateway/internal/translate"
	"github.com/nulpointcorp/gemini-gateway/pkg/apierr"
)

const (
	// DefaultUpstreamTimeout bounds the wait for upstream response headers.
	DefaultUpstreamTimeout = 180 * time.Second

	// DefaultMaxBodySize is the largest request body the server accepts.
	DefaultMaxBodySize = 16 << 20

	// maxErrorBody caps how much of a non-2xx upstream body is buffered.
	maxErrorBody = 8 << 20

	routeForward = "forward"
)

// Options holds the parameters of a Gateway. Zero values fall back to the
// package defaults where one exists.
type Options struct {
	// Logger is used for request events. Defaults to slog.Default().
	Logger *slog.Logger

	BaseURL      string
	APIVersion   string
	DefaultModel string

	// GatewayKey is the token clients must present as "Bearer <key>".
	GatewayKey string

	// UpstreamTimeout bounds the wait for upstream response headers and,
	// while relaying, the silence between two body chunks.
	UpstreamTimeout time.Duration

	// HTTPClient overrides the upstream client. Its timeouts are used as is.
	HTTPClient *http.Client

	// Metrics enables Prometheus metrics collection. nil disables it.
	Metrics *metrics.Registry

	// RequestLogger receives one entry per forwarded request. Optional.
	RequestLogger *logger.Logger

	MaxBodySize int
	CORSOrigins []string
}

// Gateway is the forwarding proxy. All dependencies are injected via the
// constructor so tests can point it at fake upstreams.
type Gateway struct {
	pool       *keypool.Pool
	translator translate.Translator
	dialect    translate.Dialect

	client       *http.Client
	idleTimeout  time.Duration
	baseURL      string
	apiVersion   string
	defaultModel string
	gatewayKey   []byte
	maxBodySize  int

	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	health    *HealthChecker

	// CORS allowed origins. ["*"] or empty means allow all.
	corsOrigins []string

	srv *fasthttp.Server
}

// NewGateway creates a Gateway. ctx is the server base context: cancelling
// it aborts every in-flight upstream call.
func NewGateway(ctx context.Context, pool *keypool.Pool, tr translate.Translator, opts Options) *Gateway {
	if ctx == nil {
		panic("gateway: context must not be nil")
	}
	if pool == nil || tr == nil {
		panic("gateway: key pool and translator are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = newUpstreamClient(timeout)
	}

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	gw := &Gateway{
		pool:         pool,
		translator:   tr,
		dialect:      tr.Dialect(),
		client:       client,
		idleTimeout:  timeout,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiVersion:   strings.Trim(opts.APIVersion, "/"),
		defaultModel: opts.DefaultModel,
		gatewayKey:   []byte("Bearer " + opts.GatewayKey),
		maxBodySize:  maxBody,
		baseCtx:      ctx,
		log:          log,
		metrics:      opts.Metrics,
		reqLogger:    opts.RequestLogger,
		corsOrigins:  opts.CORSOrigins,
	}

	if gw.metrics != nil {
		gw.metrics.SetKeyPool(pool.Len(), pool.Index())
	}

	return gw
}

// newUpstreamClient builds the outbound client. There is no overall client
// timeout so long streams are never cut; only the wait for headers is bounded.
func newUpstreamClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	tr.MaxIdleConnsPerHost = 64
	return &http.Client{
		Transport: tr,
		// Redirects are relayed to the client, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SetHealthChecker attaches the background upstream probe used by /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Dialect reports the dialect the gateway translates for.
func (g *Gateway) Dialect() translate.Dialect { return g.dialect }

// ── Errors ────────────────────────────────────────────────────────────────────

// UpstreamError is a non-2xx backend response. It is forwarded to the client
// unchanged.
type UpstreamError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// HTTPStatus exposes the upstream status code.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// Rotates reports whether the status retires the active backend key.
func (e *UpstreamError) Rotates() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// ConnectionError means the backend produced no response at all.
// Target never carries the query string, which may hold the backend key.
type ConnectionError struct {
	Target string
	Err    error
}

func newConnectionError(target string, err error) *ConnectionError {
	// url.Error embeds the full URL; keep only the cause.
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &ConnectionError{Target: target, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPStatus is always 500 for connection failures.
func (e *ConnectionError) HTTPStatus() int { return http.StatusInternalServerError }

// ── Request handling ──────────────────────────────────────────────────────────

// requestState carries per-request bookkeeping for logs and metrics.
type requestState struct {
	id      string
	method  string
	path    string
	start   time.Time
	model   string
	keyHint string
	stream  bool
	rotated bool
}

// handleForward is the catch-all handler: authenticate, translate, forward.
func (g *Gateway) handleForward(ctx *fasthttp.RequestCtx) {
	st := &requestState{
		start:  time.Now(),
		method: string(ctx.Method()),
		path:   string(ctx.Path()),
	}
	st.id, _ = ctx.UserValue("request_id").(string)
	reqBytes := len(ctx.PostBody())
	relaying := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if relaying || g.metrics == nil {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeForward, ctx.Response.StatusCode(), time.Since(st.start), reqBytes)
	}()

	// 1. Authenticate.
	if !g.authenticate(ctx) {
		if g.metrics != nil {
			g.metrics.RecordAuthFailure()
		}
		g.log.WarnContext(ctx, "unauthorized",
			slog.String("request_id", st.id),
			slog.String("authorization", keypool.Mask(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))),
			slog.String("path", st.path),
		)
		apierr.WriteInvalidAPIKey(ctx)
		return
	}

	// 2. Translate.
	in := inboundFrom(ctx)
	out, err := g.translator.Translate(in, g.defaultModel)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordTranslationError()
		}
		reason := err.Error()
		var te *translate.Error
		if errors.As(err, &te) {
			reason = te.Reason
		}
		g.log.WarnContext(ctx, "translation_error",
			slog.String("request_id", st.id),
			slog.String("error", err.Error()),
		)
		apierr.WriteInvalidRequest(ctx, reason)
		return
	}
	st.model = out.Model
	st.stream = out.Stream

	// 3. Acquire the active key.
	key := g.pool.Current()
	st.keyHint = keypool.Mask(key)

	g.log.DebugContext(ctx, "forwarding",
		slog.String("request_id", st.id),
		slog.String("dialect", string(g.dialect)),
		slog.String("model", st.model),
		slog.String("key", st.keyHint),
		slog.Bool("stream", st.stream),
	)

	// 4. Dispatch. Exactly one upstream call.
	upCtx, cancel := context.WithCancel(g.baseCtx)
	upStart := time.Now()
	resp, err := g.dispatch(upCtx, in, out, key)
	if err != nil {
		cancel()
		g.observeUpstream("connection_error", upStart)
		g.log.ErrorContext(ctx, "upstream_connection_error",
			slog.String("request_id", st.id),
			slog.String("key", st.keyHint),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(st.start)),
		)
		writeUpstreamError(ctx, err)
		g.logRequest(st, fasthttp.StatusInternalServerError)
		return
	}

	// 5. Classify.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		g.observeUpstream(fmt.Sprintf("http_%d", resp.StatusCode), upStart)
		uerr := g.readUpstreamError(resp)
		if uerr.Rotates() {
			g.rotate(ctx, st, resp.StatusCode)
		}
		g.log.WarnContext(ctx, "upstream_error",
			slog.String("request_id", st.id),
			slog.Int("status", resp.StatusCode),
			slog.String("key", st.keyHint),
			slog.Bool("rotated", st.rotated),
			slog.Duration("elapsed", time.Since(st.start)),
		)
		writeUpstreamError(ctx, uerr)
		g.logRequest(st, resp.StatusCode)
		return
	}

	g.observeUpstream("success", upStart)
	relaying = true
	g.relay(ctx, resp, cancel, st, reqBytes)
}

// authenticate compares the Authorization header with "Bearer <gateway key>"
// in constant time.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) bool {
	got := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)
	return subtle.ConstantTimeCompare(got, g.gatewayKey) == 1
}

// inboundFrom copies the parts of the request the translators and the
// dispatcher need. fasthttp reuses its buffers after the handler returns, so
// nothing here aliases them.
func inboundFrom(ctx *fasthttp.RequestCtx) *translate.Inbound {
	hdr := make(http.Header)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		hdr.Add(string(k), string(v))
	})

	q := make(url.Values)
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		q.Add(string(k), string(v))
	})

	return &translate.Inbound{
		Method:   string(ctx.Method()),
		Path:     string(ctx.Request.URI().PathOriginal()),
		Query:    q,
		RawQuery: string(ctx.QueryArgs().QueryString()),
		Header:   hdr,
		Body:     append([]byte(nil), ctx.PostBody()...),
	}
}

// targetURL returns the upstream URL without its query string.
func (g *Gateway) targetURL(in *translate.Inbound, out *translate.Outbound) string {
	if g.dialect == translate.DialectPassthrough {
		return g.baseURL + in.Path
	}
	return g.baseURL + "/" + g.apiVersion + "/models/" + url.PathEscape(out.Model) + ":" + out.Action
}

// targetQuery merges the client query with the parameters the dialect adds.
func (g *Gateway) targetQuery(in *translate.Inbound, out *translate.Outbound, key string) string {
	if g.dialect == translate.DialectPassthrough {
		return in.RawQuery
	}
	q := make(url.Values, len(in.Query)+2)
	for k, vs := range in.Query {
		q[k] = append([]string(nil), vs...)
	}
	for k, vs := range out.Query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("key", key)
	return q.Encode()
}

// droppedRequestHeaders are never copied to the upstream request.
// Accept-Encoding is dropped so the upstream body arrives decoded, since the
// relay strips Content-Encoding.
var droppedRequestHeaders = map[string]struct{}{
	"Host":            {},
	"Content-Length":  {},
	"Authorization":   {},
	"Accept-Encoding": {},
	"Connection":      {},
}

// sanitizeHeaders builds the outbound header set from the client headers.
func (g *Gateway) sanitizeHeaders(in http.Header, key string) http.Header {
	out := make(http.Header, len(in)+1)
	for k, vs := range in {
		if _, drop := droppedRequestHeaders[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	if g.dialect == translate.DialectPassthrough {
		out.Set("Authorization", "Bearer "+key)
	} else {
		out.Set("Content-Type", "application/json")
	}
	return out
}

// dispatch sends the upstream request and returns once headers arrive. The
// caller owns resp.Body.
func (g *Gateway) dispatch(ctx context.Context, in *translate.Inbound, out *translate.Outbound, key string) (*http.Response, error) {
	target := g.targetURL(in, out)

	u, err := url.Parse(target)
	if err != nil {
		return nil, newConnectionError(target, err)
	}
	u.RawQuery = g.targetQuery(in, out, key)

	method := in.Method
	if g.dialect == translate.DialectStructured {
		method = http.MethodPost
	}

	var body io.Reader
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, newConnectionError(target, err)
	}
	req.Header = g.sanitizeHeaders(in.Header, key)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, newConnectionError(target, err)
	}
	return resp, nil
}

// readUpstreamError buffers a non-2xx response so it can be forwarded.
func (g *Gateway) readUpstreamError(resp *http.Response) *UpstreamError {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		g.log.Warn("upstream_error_body_truncated", slog.String("error", err.Error()))
	}
	return &UpstreamError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

// rotate retires the active backend key after a 429/503.
func (g *Gateway) rotate(ctx *fasthttp.RequestCtx, st *requestState, status int) {
	r := g.pool.Advance()
	st.rotated = true

	if g.metrics != nil {
		g.metrics.RecordRotation(status, g.pool.Index(), r.SyncErr != nil)
	}

	attrs := []any{
		slog.String("request_id", st.id),
		slog.Int("status", status),
		slog.String("from", keypool.Mask(r.From)),
		slog.String("to", keypool.Mask(r.To)),
	}
	if r.SyncErr != nil {
		attrs = append(attrs, slog.String("sync_error", r.SyncErr.Error()))
	}
	g.log.WarnContext(ctx, "key_rotated", attrs...)
}

// writeUpstreamError maps dispatch failures to the client response.
//
//	*UpstreamError → status, headers and body forwarded verbatim
//	anything else  → 500 upstream_connection_error
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		ctx.SetStatusCode(ue.StatusCode)
		copyResponseHeaders(ctx, ue.Header)
		ctx.SetBody(ue.Body)
		return
	}
	apierr.WriteUpstreamConnection(ctx)
}

func (g *Gateway) observeUpstream(outcome string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveUpstream(string(g.dialect), outcome, time.Since(start))
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(st *requestState, status int) {
	if g.reqLogger == nil {
		return
	}

	id, err := uuid.Parse(st.id)
	if err != nil {
		id = uuid.New()
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:        id,
		Dialect:   string(g.dialect),
		Method:    st.method,
		Path:      st.path,
		Model:     st.model,
		KeyHint:   st.keyHint,
		Status:    status,
		LatencyMs: time.Since(st.start).Milliseconds(),
		Stream:    st.stream,
		Rotated:   st.rotated,
		CreatedAt: time.Now(),
	})
}
