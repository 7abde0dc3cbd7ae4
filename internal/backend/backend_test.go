package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/gemini-gateway/internal/translate"
)

func TestNew_SelectsProber(t *testing.T) {
	if p := New(translate.DialectStructured, "http://x", "v1beta", nil); p.Name() != "gemini" {
		t.Errorf("expected gemini prober, got %s", p.Name())
	}
	if p := New(translate.DialectPassthrough, "http://x", "", nil); p.Name() != "openai_compat" {
		t.Errorf("expected openai_compat prober, got %s", p.Name())
	}
}

func TestGeminiProber_OK(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"models":[{"name":"models/gemini-2.0-flash"}]}`)
	}))
	defer srv.Close()

	p := New(translate.DialectStructured, srv.URL, "v1beta", nil)
	if err := p.Probe(context.Background(), "key-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/v1beta/models") {
		t.Errorf("unexpected probe path %q", gotPath)
	}
}

func TestGeminiProber_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := New(translate.DialectStructured, srv.URL, "v1beta", nil)
	err := p.Probe(context.Background(), "key-a")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", se.HTTPStatus())
	}
}

func TestOpenAIProber_OK(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"object":"list","data":[{"id":"gemini-2.0-flash","object":"model","created":0,"owned_by":"google"}]}`)
	}))
	defer srv.Close()

	p := New(translate.DialectPassthrough, srv.URL+"/v1beta/openai", "", nil)
	if err := p.Probe(context.Background(), "key-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer key-b" {
		t.Errorf("expected bearer key-b, got %q", gotAuth)
	}
	if gotPath != "/v1beta/openai/models" {
		t.Errorf("unexpected probe path %q", gotPath)
	}
}

func TestOpenAIProber_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":{"message":"API key not valid","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	p := New(translate.DialectPassthrough, srv.URL, "", nil)
	err := p.Probe(context.Background(), "bad")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", se.StatusCode)
	}
}
