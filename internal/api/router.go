package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/config"
	"github.com/tracepoint-dev/tracepoint/internal/correlation"
	"github.com/tracepoint-dev/tracepoint/internal/ingest"
	"github.com/tracepoint-dev/tracepoint/internal/observability"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

type RouterOptions struct {
	AppVersion    string
	Store         telemetry.Store
	StorageDriver string
	StoragePath   string
	Verifier      *auth.Verifier
	Dispatcher    *ingest.Dispatcher
	Journal       telemetry.JournalDiagnosticsReader
	Ingestion     config.IngestionConfig
	Runtime       *observability.Runtime
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/public/ingestion", IngestionHandler(IngestionOptions{
		Verifier:   options.Verifier,
		Dispatcher: options.Dispatcher,
		Ingestion:  options.Ingestion,
		Runtime:    options.Runtime,
	}))
	mux.Handle("/api/public/traces/", TraceDetailHandler(options.Store, options.Verifier))
	mux.Handle("/api/public/observations/", ObservationDetailHandler(options.Store, options.Verifier))
	mux.Handle("/api/public/scores", ScoresHandler(options.Store, options.Verifier))
	mux.Handle("/api/diagnostics/ingestion-pipeline", IngestionPipelineDiagnosticsHandler(IngestionPipelineDiagnosticsOptions{
		Reader: options.Journal,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "tracepoint",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withRequestID(withCORS(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// authenticate resolves credentials or writes the 401 response. The whole
// request fails on bad credentials; there is no per-event authentication.
func authenticate(w http.ResponseWriter, r *http.Request, verifier *auth.Verifier) (*auth.AccessScope, bool) {
	if verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "credential verification unavailable")
		return nil, false
	}
	scope, err := verifier.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
		return nil, false
	}
	return scope, true
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization", correlation.HeaderName}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := correlation.EnsureRequest(r)
		if id != "" {
			w.Header().Set(correlation.HeaderName, id)
		}
		next.ServeHTTP(w, r)
	})
}

// pathSuffix extracts the single path element after prefix, rejecting
// nested paths.
func pathSuffix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" || strings.Contains(suffix, "/") {
		return "", false
	}
	return suffix, true
}
