// Package api exposes persona generation and business summaries over HTTP
// and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/personas/internal/business"
	"github.com/kalambet/personas/internal/cluster"
	"github.com/kalambet/personas/internal/extract"
	"github.com/kalambet/personas/internal/llm"
	"github.com/kalambet/personas/internal/persona"
	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
	"github.com/kalambet/personas/internal/worker"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxBatchBodySize   = 10 << 20 // 10MB
)

// PersonaRunner runs a profile batch synchronously.
type PersonaRunner interface {
	Run(ctx context.Context, profiles []pipeline.Profile) (*pipeline.Result, error)
	NewBatchID() string
}

// BatchStore reads persisted batches and records queued ones.
type BatchStore interface {
	RecordState(ctx context.Context, st pipeline.Status) error
	GetBatch(ctx context.Context, id string) (storage.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]storage.Batch, error)
	ListPersonas(ctx context.Context, batchID string) ([]storage.StoredPersona, error)
}

// Analyst produces business profiles, summaries and follow-up questions.
type Analyst interface {
	SummarizeBusiness(ctx context.Context, raw map[string]any) (map[string]any, error)
	SummarizeProfile(ctx context.Context, profile map[string]any) (string, error)
	FollowupQuestions(ctx context.Context, summary, topic string, competitors []string) ([]string, error)
}

type Deps struct {
	Runner  PersonaRunner
	Batches BatchStore
	Jobs    worker.JobStore // optional; if nil, async requests are rejected
	Analyst Analyst
	Token   string // optional bearer token for /v1
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/personas", handlePersonas(deps))
		r.Post("/comment_personas", handleCommentPersonas(deps))
		r.Get("/batches", handleListBatches(deps))
		r.Get("/batches/{id}", handleGetBatch(deps))
		r.Post("/business/summarize", handleSummarizeBusiness(deps))
		r.Post("/business/profile_summary", handleProfileSummary(deps))
		r.Post("/followups", handleFollowups(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type PersonasRequest struct {
	Profiles []map[string]any `json:"profiles"`
	Async    bool             `json:"async"`
}

func handlePersonas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PersonasRequest
		if !decodeBody(w, r, maxBatchBodySize, &req) {
			return
		}
		if req.Profiles == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "profiles is required")
			return
		}

		profiles, err := pipeline.ProfilesFromRecords(req.Profiles)
		if err != nil {
			writeErr(w, err)
			return
		}

		if req.Async {
			enqueueBatch(w, r, deps, profiles)
			return
		}
		runBatch(w, r, deps, profiles)
	}
}

func handleCommentPersonas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var comments map[string][]string
		if !decodeBody(w, r, maxBatchBodySize, &comments) {
			return
		}
		profiles := pipeline.ProfilesFromComments(comments)
		if len(profiles) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no comments provided")
			return
		}
		runBatch(w, r, deps, profiles)
	}
}

func runBatch(w http.ResponseWriter, r *http.Request, deps Deps, profiles []pipeline.Profile) {
	slog.Info("received profiles", "count", len(profiles))
	res, err := deps.Runner.Run(r.Context(), profiles)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func enqueueBatch(w http.ResponseWriter, r *http.Request, deps Deps, profiles []pipeline.Profile) {
	if deps.Jobs == nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "async batches are not enabled")
		return
	}

	batchID := deps.Runner.NewBatchID()
	st := pipeline.Status{BatchID: batchID, State: pipeline.StatePending, ProfileCount: len(profiles)}
	if err := deps.Batches.RecordState(r.Context(), st); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to record batch: %v", err)
		return
	}
	if err := worker.Enqueue(r.Context(), deps.Jobs, batchID, profiles); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue batch: %v", err)
		return
	}

	slog.Info("queued batch", "batch_id", batchID, "profiles", len(profiles))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": batchID,
		"state":    string(pipeline.StatePending),
	})
}

func handleListBatches(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		batches, err := deps.Batches.ListBatches(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list batches: %v", err)
			return
		}
		if batches == nil {
			batches = []storage.Batch{}
		}
		writeJSON(w, http.StatusOK, batches)
	}
}

// BatchDetail is a batch with its personas.
type BatchDetail struct {
	storage.Batch
	Personas []storage.StoredPersona `json:"personas"`
}

func handleGetBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		b, err := deps.Batches.GetBatch(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		personas, err := deps.Batches.ListPersonas(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list personas: %v", err)
			return
		}
		if personas == nil {
			personas = []storage.StoredPersona{}
		}
		writeJSON(w, http.StatusOK, BatchDetail{Batch: b, Personas: personas})
	}
}

type BusinessRequest struct {
	Business map[string]any `json:"business"`
}

func handleSummarizeBusiness(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BusinessRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Business == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "business is required")
			return
		}

		profile, err := deps.Analyst.SummarizeBusiness(r.Context(), req.Business)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func handleProfileSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var profile map[string]any
		if !decodeBody(w, r, maxRequestBodySize, &profile) {
			return
		}

		summary, err := deps.Analyst.SummarizeProfile(r.Context(), profile)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
	}
}

type FollowupRequest struct {
	Summary     string   `json:"summary"`
	Topic       string   `json:"topic"`
	Competitors []string `json:"competitors"`
}

func handleFollowups(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FollowupRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		questions, err := deps.Analyst.FollowupQuestions(r.Context(), req.Summary, req.Topic, req.Competitors)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"questions": questions})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeErr maps pipeline and backend errors to HTTP responses. Failures
// that carry model output include it as "raw" for diagnostics.
func writeErr(w http.ResponseWriter, err error) {
	var (
		inputErr *cluster.InputError
		rateErr  *llm.RateLimitExceededError
		synthErr *persona.SynthesisError
		upErr    *llm.UpstreamError
		extErr   *extract.Error
		shapeErr *business.ShapeError
	)

	switch {
	case errors.As(err, &inputErr), errors.Is(err, business.ErrEmptySummary):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "batch not found")
	case errors.As(err, &rateErr):
		extra := map[string]any{"retries": rateErr.Retries}
		if errors.As(err, &synthErr) {
			extra["cluster_label"] = synthErr.Label
		}
		writeError(w, http.StatusServiceUnavailable, "rate_limit_error", err.Error(), extra)
	case errors.As(err, &synthErr):
		extra := map[string]any{"cluster_label": synthErr.Label}
		if synthErr.Raw != "" {
			extra["raw"] = synthErr.Raw
		}
		writeError(w, http.StatusBadGateway, "synthesis_error", err.Error(), extra)
	case errors.As(err, &upErr):
		writeError(w, http.StatusBadGateway, "api_error", err.Error(), nil)
	case errors.As(err, &extErr):
		writeError(w, http.StatusBadGateway, "extraction_error", err.Error(), map[string]any{"raw": extErr.Raw})
	case errors.As(err, &shapeErr):
		writeError(w, http.StatusBadGateway, "extraction_error", err.Error(), map[string]any{"raw": shapeErr.Raw})
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeError(w, code, errType, fmt.Sprintf(format, args...), nil)
}

func writeError(w http.ResponseWriter, code int, errType, msg string, extra map[string]any) {
	body := map[string]any{
		"message": msg,
		"type":    errType,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, map[string]any{"error": body})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
