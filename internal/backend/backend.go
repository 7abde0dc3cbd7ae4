// Package backend probes the Gemini backend with a pool credential so the
// gateway can report readiness.
//
// The structured dialect talks to the native Gemini API and is probed with
// the official GenAI SDK. The passthrough dialect talks to Gemini's
// OpenAI-compatible surface and is probed with the OpenAI SDK. Both probes
// list models, which is free and exercises the credential.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/nulpointcorp/gemini-gateway/internal/translate"
)

// probeTimeout is the HTTP timeout of a single probe.
const probeTimeout = 10 * time.Second

// Prober checks that the backend accepts key.
type Prober interface {
	Name() string
	Probe(ctx context.Context, key string) error
}

// StatusError is a backend error that carries an HTTP status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus exposes the backend status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// New returns the prober matching the dialect.
func New(d translate.Dialect, baseURL, apiVersion string, httpClient *http.Client) Prober {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}
	if d == translate.DialectPassthrough {
		return &OpenAIProber{baseURL: baseURL, httpClient: httpClient}
	}
	return &GeminiProber{baseURL: baseURL, apiVersion: apiVersion, httpClient: httpClient}
}

// GeminiProber lists models through google.golang.org/genai.
type GeminiProber struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

func (p *GeminiProber) Name() string { return "gemini" }

func (p *GeminiProber) Probe(ctx context.Context, key string) error {
	base := strings.TrimRight(p.baseURL, "/") + "/"
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return fmt.Errorf("backend: gemini client: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("backend: gemini probe: %w", fromGenAI(err))
	}
	return nil
}

// OpenAIProber lists models through the OpenAI SDK against the
// OpenAI-compatible base URL.
type OpenAIProber struct {
	baseURL    string
	httpClient *http.Client
}

func (p *OpenAIProber) Name() string { return "openai_compat" }

func (p *OpenAIProber) Probe(ctx context.Context, key string) error {
	client := openaiSDK.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(strings.TrimRight(p.baseURL, "/")+"/"),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("backend: openai-compatible probe: %w", fromOpenAI(err))
	}
	return nil
}

func fromGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func fromOpenAI(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}
