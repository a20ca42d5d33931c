package api

import (
	"net/http"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

const ingestionPipelineDiagnosticsSchemaVersion = "ingestion-pipeline-diagnostics.v1"

type IngestionPipelineDiagnosticsOptions struct {
	Reader telemetry.JournalDiagnosticsReader
}

type ingestionPipelineDiagnosticsResponse struct {
	SchemaVersion string                       `json:"schema_version"`
	GeneratedAt   time.Time                    `json:"generated_at"`
	Journal       telemetry.JournalDiagnostics `json:"journal"`
}

func IngestionPipelineDiagnosticsHandler(options IngestionPipelineDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "ingestion pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, ingestionPipelineDiagnosticsResponse{
			SchemaVersion: ingestionPipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Journal:       options.Reader.JournalDiagnostics(),
		})
	})
}
