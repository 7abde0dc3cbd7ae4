package main

import (
	"net/http"
	"sync"
)

// quotaResult is the outcome of admitting one request.
type quotaResult int

const (
	quotaOK quotaResult = iota
	quotaMissingKey
	quotaInvalidKey
	quotaExhausted
)

// quotaTracker simulates per-key request quotas so rotation can be observed.
type quotaTracker struct {
	perKey    int
	exhausted map[string]struct{}
	valid     map[string]struct{}

	mu   sync.Mutex
	used map[string]int
}

func newQuotaTracker(cfg Config) *quotaTracker {
	q := &quotaTracker{
		perKey:    cfg.QuotaPerKey,
		exhausted: toSet(cfg.ExhaustedKeys),
		used:      make(map[string]int),
	}
	if len(cfg.ValidKeys) > 0 {
		q.valid = toSet(cfg.ValidKeys)
	}
	return q
}

func toSet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// admit counts one request against key.
func (q *quotaTracker) admit(key string) quotaResult {
	if key == "" {
		return quotaMissingKey
	}
	if q.valid != nil {
		if _, ok := q.valid[key]; !ok {
			return quotaInvalidKey
		}
	}
	if _, ok := q.exhausted[key]; ok {
		return quotaExhausted
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.perKey > 0 && q.used[key] >= q.perKey {
		return quotaExhausted
	}
	q.used[key]++
	return quotaOK
}

// guard writes the error response for a rejected key and reports whether
// the request may proceed.
func (q *quotaTracker) guard(w http.ResponseWriter, r *http.Request) bool {
	switch q.admit(requestKey(r)) {
	case quotaMissingKey:
		writeGeminiError(w, http.StatusForbidden, "PERMISSION_DENIED",
			"Method doesn't allow unregistered callers. Please use API Key or other form of API consumer identity to call this API.")
		return false
	case quotaInvalidKey:
		writeGeminiError(w, http.StatusBadRequest, "INVALID_ARGUMENT",
			"API key not valid. Please pass a valid API key.")
		return false
	case quotaExhausted:
		w.Header().Set("Retry-After", "60")
		writeGeminiError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED",
			"Resource has been exhausted (e.g. check quota).")
		return false
	}
	return true
}
