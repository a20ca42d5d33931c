package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

// TraceDetailHandler serves GET /api/public/traces/{id}. Entities outside
// the caller's project read as absent, never as forbidden.
func TraceDetailHandler(store telemetry.Store, verifier *auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id, ok := pathSuffix(r.URL.Path, "/api/public/traces/")
		if !ok {
			writeError(w, http.StatusBadRequest, "trace id is required")
			return
		}
		scope, ok := authenticate(w, r, verifier)
		if !ok {
			return
		}
		if scope.AccessLevel != auth.AccessAll {
			writeError(w, http.StatusForbidden, "credentials do not permit trace reads")
			return
		}

		trace, err := store.GetTrace(r.Context(), id)
		if err != nil {
			if errors.Is(err, telemetry.ErrNotFound) {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}
		if trace.ProjectID != scope.ProjectID {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}

		writeJSON(w, http.StatusOK, renderTrace(trace))
	})
}

// ObservationDetailHandler serves GET /api/public/observations/{id}.
func ObservationDetailHandler(store telemetry.Store, verifier *auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id, ok := pathSuffix(r.URL.Path, "/api/public/observations/")
		if !ok {
			writeError(w, http.StatusBadRequest, "observation id is required")
			return
		}
		scope, ok := authenticate(w, r, verifier)
		if !ok {
			return
		}
		if scope.AccessLevel != auth.AccessAll {
			writeError(w, http.StatusForbidden, "credentials do not permit observation reads")
			return
		}

		observation, err := store.GetObservation(r.Context(), id)
		if err != nil {
			if errors.Is(err, telemetry.ErrNotFound) {
				writeError(w, http.StatusNotFound, "observation not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load observation")
			return
		}
		if observation.ProjectID != scope.ProjectID {
			writeError(w, http.StatusNotFound, "observation not found")
			return
		}

		writeJSON(w, http.StatusOK, renderObservation(observation))
	})
}

type scoresResponse struct {
	TraceID string       `json:"traceId"`
	Scores  []*ScoreView `json:"scores"`
}

// ScoresHandler serves GET /api/public/scores?traceId={id}. Score-only
// credentials may read the scores they are allowed to write.
func ScoresHandler(store telemetry.Store, verifier *auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		traceID := strings.TrimSpace(r.URL.Query().Get("traceId"))
		if traceID == "" {
			writeError(w, http.StatusBadRequest, "traceId query parameter is required")
			return
		}
		scope, ok := authenticate(w, r, verifier)
		if !ok {
			return
		}

		scores, err := store.GetScoresByTrace(r.Context(), traceID, scope.ProjectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load scores")
			return
		}

		views := make([]*ScoreView, 0, len(scores))
		for _, score := range scores {
			views = append(views, renderScore(score))
		}
		writeJSON(w, http.StatusOK, scoresResponse{TraceID: traceID, Scores: views})
	})
}
