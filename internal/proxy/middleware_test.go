package proxy

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

var discardLog = slog.New(slog.DiscardHandler)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(discardLog)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(discardLog)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial")
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	want := `{"error":{"message":"internal server error","type":"server_error","param":null,"code":"internal_error"}}`
	if string(ctx.Response.Body()) != want {
		t.Errorf("unexpected body %s", ctx.Response.Body())
	}
}

func TestRecovery_NilLogger(t *testing.T) {
	handler := recovery(nil)(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if len(seen) != 36 {
		t.Errorf("expected a generated UUID, got %q", seen)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Errorf("response header %q does not match %q", got, seen)
	}
}

func TestRequestID_PreservesValid(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id != "custom-id-123" {
			t.Errorf("expected preserved ID, got %s", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' in response, got %s", got)
	}
}

func TestRequestID_ReplacesInvalid(t *testing.T) {
	cases := map[string]string{
		"too long":  strings.Repeat("a", maxRequestIDLen+1),
		"space":     "two words",
		"non-ascii": "idé",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var seen string
			handler := requestID(func(ctx *fasthttp.RequestCtx) {
				seen, _ = ctx.UserValue("request_id").(string)
			})

			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.Set("X-Request-ID", in)
			handler(ctx)

			if seen == in || len(seen) != 36 {
				t.Errorf("expected a fresh UUID, got %q", seen)
			}
		})
	}
}

func TestRequestID_ForwardedOnRequest(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen = string(ctx.Request.Header.Peek("X-Request-ID"))
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" || seen != string(ctx.Response.Header.Peek("X-Request-ID")) {
		t.Errorf("request and response IDs should match, got %q", seen)
	}
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if rt := string(ctx.Response.Header.Peek("X-Response-Time")); rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}
	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

// --- corsHandler middleware -------------------------------------------------

func runCORS(origins []string, method, origin string) *fasthttp.RequestCtx {
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("forwarded")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	if origin != "" {
		ctx.Request.Header.Set("Origin", origin)
	}
	handler(ctx)
	return ctx
}

func TestCORS_Wildcard(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"https://a.example", "*"}} {
		ctx := runCORS(origins, fasthttp.MethodGet, "https://anything.example")
		if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
			t.Errorf("origins %v: expected wildcard, got %q", origins, got)
		}
	}
}

func TestCORS_Allowlist(t *testing.T) {
	origins := []string{"https://app.example.com", "https://dashboard.example.com"}

	ctx := runCORS(origins, fasthttp.MethodGet, "https://dashboard.example.com")
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://dashboard.example.com" {
		t.Errorf("expected listed origin echoed, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Vary")); !strings.Contains(got, "Origin") {
		t.Errorf("expected Vary: Origin, got %q", got)
	}

	ctx = runCORS(origins, fasthttp.MethodGet, "https://evil.example.com")
	if got := ctx.Response.Header.Peek("Access-Control-Allow-Origin"); len(got) != 0 {
		t.Errorf("unlisted origin must not be allowed, got %q", got)
	}
	if string(ctx.Response.Body()) != "forwarded" {
		t.Error("non-preflight request should still reach the handler")
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	ctx := runCORS(nil, fasthttp.MethodOptions, "https://app.example.com")

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Max-Age")); got != "600" {
		t.Errorf("expected max age 600, got %q", got)
	}
}

func TestCORS_AllowedHeadersAndMethods(t *testing.T) {
	ctx := runCORS(nil, fasthttp.MethodGet, "")

	allowHeaders := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Request-ID", "X-Goog-Api-Client"} {
		if !strings.Contains(allowHeaders, h) {
			t.Errorf("expected %q in Allow-Headers, got %q", h, allowHeaders)
		}
	}
	methods := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))
	for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
		if !strings.Contains(methods, m) {
			t.Errorf("expected %q in Allow-Methods, got %q", m, methods)
		}
	}
}

// --- applyMiddleware --------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("mw1"), mw("mw2"))

	handler(&fasthttp.RequestCtx{})

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("expected %v, got %v", expected, order)
	}
}
