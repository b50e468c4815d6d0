package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/briefai/internal/brief"
)

// PublicDeps are the collaborators of the unauthenticated routes.
type PublicDeps struct {
	Briefs *brief.Service
}

// NewPublicHandler returns the routes that need no bearer token: the health
// check and shared briefs.
func NewPublicHandler(deps PublicDeps) http.Handler {
	r := chi.NewRouter()
	registerPublic(r, deps)
	return r
}

// NewHandler serves the public routes and, behind bearer auth, the
// management API from a single router.
func NewHandler(pub PublicDeps, app AppDeps) http.Handler {
	r := chi.NewRouter()
	registerPublic(r, pub)
	r.Group(func(r chi.Router) {
		registerApp(r, app)
	})
	return r
}

func registerPublic(r chi.Router, deps PublicDeps) {
	r.Get("/health", handleHealth)
	r.Get("/share/{shareID}", handleShared(deps))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleShared renders a brief by its share id, as JSON or, with
// ?format=yaml, as YAML.
func handleShared(deps PublicDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Briefs.GetShared(chi.URLParam(r, "shareID"))
		if err != nil {
			serviceError(w, err)
			return
		}
		// Shared views never expose the owner or their request ids.
		b.UserID = ""
		b.RequestID = ""

		switch r.URL.Query().Get("format") {
		case "", "json":
			writeJSON(w, http.StatusOK, b)
		case "yaml":
			data, err := yaml.Marshal(b)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "encoding brief: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(data)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported format %q", r.URL.Query().Get("format"))
		}
	}
}
