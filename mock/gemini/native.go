package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newHandler returns the mock backend: native Gemini routes plus the
// OpenAI-compatible surface under /v1beta/openai/.
func newHandler(cfg Config, log *slog.Logger) http.Handler {
	quota := newQuotaTracker(cfg)
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/gemini-2.0-flash:generateContent
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		if !quota.guard(w, r) {
			log.Info("request rejected", slog.String("path", path), slog.String("key", hint(requestKey(r))))
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "The model is overloaded. Please try again later.")
			return
		}

		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
			writeGeminiError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "contents is not specified")
			return
		}

		handleGenerate(w, r, cfg, model, stream)
	})

	// GET /v1beta/models: readiness probe
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if !quota.guard(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro"},
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.Handle("/v1beta/openai/", newOpenAIHandler(cfg, quota))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)

	chunk := func(text string, final bool) map[string]any {
		c := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		if final {
			c["finishReason"] = "STOP"
		}
		return map[string]any{
			"candidates":   []any{c},
			"responseId":   id,
			"modelVersion": model,
		}
	}

	if !stream {
		resp := chunk(content, true)
		resp["usageMetadata"] = map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      10 + cfg.StreamWords,
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	words := strings.Fields(content)

	// Without alt=sse the backend returns a JSON array of responses.
	if r.URL.Query().Get("alt") != "sse" {
		out := make([]any, len(words))
		for i, word := range words {
			out[i] = chunk(word+" ", i == len(words)-1)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for i, word := range words {
		data, _ := json.Marshal(chunk(word+" ", i == len(words)-1))
		fmt.Fprintf(w, "data: %s\r\n\r\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}

// hint shortens a key for logs.
func hint(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
