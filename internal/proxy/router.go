package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request pipeline: management routes, the
// catch-all forwarder and the middleware chain. Pass nil for mgmt to serve
// the proxy routes only.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	r.HandleMethodNotAllowed = false
	r.HandleOPTIONS = false
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// Every other method and path is forwarded upstream.
	r.NotFound = g.handleForward

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) newServer(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		Name:               "gemini-gateway",
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: g.maxBodySize,
		// Streaming relays can run for minutes; no write deadline.
		WriteTimeout: 0,
	}
}

// Start starts the HTTP server on addr (e.g. ":5000").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	g.srv = g.newServer(mgmt)
	return g.srv.ListenAndServe(addr)
}

// Serve serves on an existing listener. Used by tests with an in-memory
// listener.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	g.srv = g.newServer(mgmt)
	return g.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish
// until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.health != nil {
		g.health.Close()
	}
	if g.srv == nil {
		return nil
	}
	return g.srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":               "ok",
		"dialect":              string(g.dialect),
		g.dialect.HealthFlag(): true,
	})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]any{"status": "ok", "keys": g.pool.Len()})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, g.health.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
