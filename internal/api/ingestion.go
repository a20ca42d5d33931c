package api

import (
	"io"
	"net/http"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/config"
	"github.com/tracepoint-dev/tracepoint/internal/event"
	"github.com/tracepoint-dev/tracepoint/internal/ingest"
	"github.com/tracepoint-dev/tracepoint/internal/observability"
)

type IngestionOptions struct {
	Verifier   *auth.Verifier
	Dispatcher *ingest.Dispatcher
	Ingestion  config.IngestionConfig
	Runtime    *observability.Runtime
}

// IngestionHandler is the batch intake endpoint. Structural validation and
// authentication gate the whole request; everything after that is per-event
// and reported in the multi-status aggregate.
func IngestionHandler(options IngestionOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Dispatcher == nil {
			writeError(w, http.StatusServiceUnavailable, "ingestion pipeline unavailable")
			return
		}

		maxBodyBytes := options.Ingestion.MaxBodyBytes
		if maxBodyBytes <= 0 {
			maxBodyBytes = 10 << 20
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		envelopes, err := event.ParseBatch(body, options.Ingestion.MaxBatchSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		scope, ok := authenticate(w, r, options.Verifier)
		if !ok {
			return
		}

		ctx := auth.WithScope(r.Context(), scope)
		outcome := options.Dispatcher.Dispatch(ctx, envelopes, scope)
		recordOutcomeMetrics(options.Runtime, envelopes, outcome)

		writeJSON(w, http.StatusMultiStatus, renderOutcome(outcome))
	})
}

func recordOutcomeMetrics(runtime *observability.Runtime, envelopes []*event.Envelope, outcome *ingest.BatchOutcome) {
	if runtime == nil || !runtime.Enabled() || outcome == nil {
		return
	}
	typesByID := make(map[string]string, len(envelopes))
	for _, envelope := range envelopes {
		typesByID[envelope.ID] = envelope.Type
	}
	for _, success := range outcome.Successes {
		runtime.RecordEventIngested(typesByID[success.ID])
	}
	for _, failure := range outcome.Errors {
		kind := string(ingest.FailureStorage)
		switch failure.Status {
		case http.StatusForbidden:
			kind = string(ingest.FailureAuthorizationDenied)
		case http.StatusNotFound:
			kind = string(ingest.FailureResourceNotFound)
		}
		runtime.RecordEventFailed(typesByID[failure.ID], kind)
	}
}
