package api

import (
	"net/http"

	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/serp"
)

// FanOutRequest is the body of POST /fanout and POST /queries/expand.
type FanOutRequest struct {
	Topic        string        `json:"topic"`
	Hints        []string      `json:"hints"`
	LocationCode int           `json:"location_code"`
	LanguageCode string        `json:"language_code"`
	Limits       fanout.Limits `json:"limits"`
}

func handleFanOut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.FanOut == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "fan-out is disabled")
			return
		}
		var body FanOutRequest
		if !decodeBody(w, r, &body) {
			return
		}

		locale := serp.Locale{LocationCode: body.LocationCode, LanguageCode: body.LanguageCode}
		if locale.IsZero() {
			locale = serp.DefaultLocale
		}
		run, err := deps.FanOut.Run(r.Context(), fanout.Request{
			Topic:  body.Topic,
			Hints:  body.Hints,
			Locale: locale,
			Limits: body.Limits,
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleExpand(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body FanOutRequest
		if !decodeBody(w, r, &body) {
			return
		}

		queries := deps.Expander.Expand(r.Context(), body.Topic, body.Hints, body.Limits)
		if len(queries) == 0 {
			serviceError(w, fanout.ErrEmptyTopic)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queries": queries})
	}
}

func handleBreakers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Guard.Breakers.Snapshot())
	}
}

// statser is implemented by caches that keep counters (cache.Memory).
type statser interface {
	Stats() cache.Stats
}

func handleCacheStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Cache.(statser)
		if !ok {
			httpError(w, http.StatusNotImplemented, "unsupported", "cache backend does not report statistics")
			return
		}
		writeJSON(w, http.StatusOK, s.Stats())
	}
}

// handleInvalidateCache deletes entries matching ?pattern=, or everything
// with ?all=true.
func handleInvalidateCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("all") == "true" {
			deps.Cache.Clear(r.Context())
			writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
			return
		}
		pattern := q.Get("pattern")
		if pattern == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pattern is required (or all=true)")
			return
		}
		n := deps.Cache.Invalidate(r.Context(), pattern)
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}
