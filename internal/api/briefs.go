package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/serp"
	"github.com/kalambet/briefai/internal/storage"
	"github.com/kalambet/briefai/internal/worker"
)

// BriefRequest is the body of POST /briefs.
type BriefRequest struct {
	UserID       string   `json:"user_id"`
	Topic        string   `json:"topic"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	FanOut       *bool    `json:"fanout"`
	Hints        []string `json:"hints"`
	RequestID    string   `json:"request_id"`
	// Async queues the brief and answers 202 with a job id.
	Async bool `json:"async"`
}

// AppDeps are the collaborators of the authenticated routes.
type AppDeps struct {
	Briefs   *brief.Service
	Ledger   *credits.Ledger
	Store    *storage.Store
	FanOut   *fanout.Processor // optional; if nil, /fanout answers 503
	Expander *fanout.Expander
	Guard    *resilience.Guard
	Cache    cache.Cache
	Token    string
	// Progress serves the websocket progress stream. Optional.
	Progress http.Handler
	// FanOutDefault applies when a brief request does not set fanout.
	FanOutDefault bool
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	registerApp(r, deps)
	return r
}

func registerApp(r chi.Router, deps AppDeps) {
	r.Use(BearerAuth(deps.Token))

	r.Post("/briefs", handleCreateBrief(deps))
	r.Get("/briefs", handleListBriefs(deps))
	r.Get("/briefs/{id}", handleGetBrief(deps))
	r.Delete("/briefs/{id}", handleDeleteBrief(deps))
	r.Get("/jobs/{id}", handleGetJob(deps))

	r.Post("/fanout", handleFanOut(deps))
	r.Post("/queries/expand", handleExpand(deps))
	r.Get("/breakers", handleBreakers(deps))
	r.Get("/cache", handleCacheStats(deps))
	r.Delete("/cache", handleInvalidateCache(deps))
	if deps.Progress != nil {
		r.Handle("/ws", deps.Progress)
	}

	r.Route("/accounts/{userID}", func(r chi.Router) {
		r.Get("/credits", handleGetCredits(deps))
		r.Post("/credits", handleGrantCredits(deps))
		r.Get("/referral", handleGetReferral(deps))
		r.Post("/referral/redeem", handleRedeemReferral(deps))
	})
}

func handleCreateBrief(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BriefRequest
		if !decodeBody(w, r, &body) {
			return
		}

		topic, err := brief.ValidateTopic(body.Topic)
		if err != nil {
			serviceError(w, err)
			return
		}
		req := brief.Request{
			UserID:    body.UserID,
			Topic:     topic,
			Locale:    serp.Locale{LocationCode: body.LocationCode, LanguageCode: body.LanguageCode},
			FanOut:    deps.FanOutDefault,
			Hints:     body.Hints,
			RequestID: body.RequestID,
		}
		if body.FanOut != nil {
			req.FanOut = *body.FanOut
		}

		if body.Async {
			// Reject early rather than queue a job that can only fail.
			if err := deps.Ledger.CanAfford(req.UserID, deps.Ledger.BriefCost()); err != nil {
				serviceError(w, err)
				return
			}
			jobID, err := worker.Enqueue(deps.Store, req)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to queue brief: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"job_id":     jobID,
				"request_id": jobID,
				"status":     "queued",
			})
			return
		}

		b, err := deps.Briefs.Generate(r.Context(), req)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func handleListBriefs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		briefs, err := deps.Briefs.List(r.URL.Query().Get("user_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list briefs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, briefs)
	}
}

func handleGetBrief(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Briefs.Get(r.URL.Query().Get("user_id"), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func handleDeleteBrief(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Briefs.Delete(r.URL.Query().Get("user_id"), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type jobResponse struct {
	storage.Job
	Result json.RawMessage `json:"result,omitempty"`
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		resp := jobResponse{Job: job}
		if job.ResultJSON != "" {
			resp.Result = json.RawMessage(job.ResultJSON)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
