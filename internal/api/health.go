package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         telemetry.Store
}

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UptimeSec        int64  `json:"uptime_sec"`
	StorageDriver    string `json:"storage_driver"`
	TraceCount       int64  `json:"trace_count"`
	ObservationCount int64  `json:"observation_count"`
	ScoreCount       int64  `json:"score_count"`
	DBSizeBytes      int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		var counts telemetry.EntityCounts
		if options.Store != nil {
			if loaded, err := options.Store.CountEntities(r.Context()); err == nil {
				counts = loaded
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:           "ok",
			Version:          options.Version,
			UptimeSec:        int64(uptime.Seconds()),
			StorageDriver:    options.StorageDriver,
			TraceCount:       counts.Traces,
			ObservationCount: counts.Observations,
			ScoreCount:       counts.Scores,
			DBSizeBytes:      dbSizeBytes,
		})
	})
}
