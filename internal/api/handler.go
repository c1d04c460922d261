// Package api exposes the engine over HTTP and MCP. Handlers only translate
// between the wire and the engine; run semantics live in internal/engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/events"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/metrics"
	"github.com/kalambet/remedy/internal/skill"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Engine abstracts the run registry for the API layer.
type Engine interface {
	Start(ctx context.Context, def skill.Definition, initialArgs map[string]string) (string, error)
	Get(runID string) (engine.Snapshot, error)
	Cancel(runID string) error
	List() []engine.Snapshot
}

// RemedyLister reads the cached remedy records.
type RemedyLister interface {
	Remedies(ctx context.Context, limit int) ([]memory.Record, error)
}

// HistoryReader reads the learning log.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]memory.Entry, error)
}

type Deps struct {
	Engine   Engine
	Bus      *events.Bus
	Remedies RemedyLister
	History  HistoryReader
	// Token guards everything except /health and /metrics. Empty disables
	// authentication.
	Token string
}

// RunRequest starts a skill run. Exactly one of Skill or SkillYAML must be
// set.
type RunRequest struct {
	Skill     *skill.Definition `json:"skill,omitempty"`
	SkillYAML string            `json:"skillYaml,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/skills/run", handleRunSkill(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/runs/{id}/cancel", handleCancelRun(deps))
		r.Get("/runs/{id}/events", handleRunEvents(deps))
		r.Get("/remedies", handleListRemedies(deps))
		r.Get("/history", handleHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRunSkill(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var def skill.Definition
		switch {
		case req.Skill != nil && req.SkillYAML != "":
			httpError(w, http.StatusBadRequest, "invalid_request_error", "skill and skillYaml are mutually exclusive")
			return
		case req.Skill != nil:
			def = *req.Skill
		case req.SkillYAML != "":
			parsed, err := skill.Parse([]byte(req.SkillYAML))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid skill yaml: %v", err)
				return
			}
			def = parsed
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "skill or skillYaml is required")
			return
		}

		runID, err := deps.Engine.Start(r.Context(), def, req.Args)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"runId":  runID,
			"status": string(engine.StatusPending),
		})
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs := deps.Engine.List()
		if runs == nil {
			runs = []engine.Snapshot{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snap, err := deps.Engine.Get(id)
		if errors.Is(err, engine.ErrRunNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}
}

func handleCancelRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Engine.Cancel(id)
		if errors.Is(err, engine.ErrRunNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel run: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
	}
}

// handleRunEvents streams a run's lifecycle events as server-sent events
// until the run finishes or the client goes away.
func handleRunEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Engine.Get(id); errors.Is(err, engine.ErrRunNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sub := deps.Bus.SubscribeRun(id, 64)
		defer sub.Cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Snapshot again now that the subscription exists. A run that
		// finished before this point published its runFinished to nobody;
		// without the re-check the stream would wait for a frame that never
		// comes.
		snap, err := deps.Engine.Get(id)
		if err != nil {
			return
		}
		if snap.Status.Terminal() {
			writeSSE(w, flusher, events.Event{
				Type:    events.RunFinished,
				RunID:   snap.RunID,
				SkillID: snap.SkillID,
				Status:  string(snap.Status),
			})
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				writeSSE(w, flusher, e)
				if e.Type == events.RunFinished {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, e events.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

func handleListRemedies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		records, err := deps.Remedies.Remedies(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list remedies: %v", err)
			return
		}
		if records == nil {
			records = []memory.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		entries, err := deps.History.Recent(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read history: %v", err)
			return
		}
		if entries == nil {
			entries = []memory.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
