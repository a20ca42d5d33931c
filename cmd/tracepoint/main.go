package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tracepoint-dev/tracepoint/internal/api"
	"github.com/tracepoint-dev/tracepoint/internal/apikey"
	"github.com/tracepoint-dev/tracepoint/internal/auth"
	"github.com/tracepoint-dev/tracepoint/internal/config"
	"github.com/tracepoint-dev/tracepoint/internal/ingest"
	"github.com/tracepoint-dev/tracepoint/internal/observability"
	"github.com/tracepoint-dev/tracepoint/internal/telemetry"
	"github.com/tracepoint-dev/tracepoint/internal/tokens"
	"github.com/tracepoint-dev/tracepoint/internal/version"
)

const defaultConfigPath = "tracepoint.yaml"

const journalShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "validate" {
		fmt.Fprintln(errOut, "Usage:")
		fmt.Fprintln(errOut, "  tracepoint config validate [--config path/to/tracepoint.yaml]")
		return 2
	}

	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args[1:]); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewLogHandler(baseHandler))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime)
	}

	store, storeDriver, err := newTelemetryStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	keyStore, err := newKeyStore(cfg, store, storeDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize api key store: %v\n", err)
		return 1
	}
	verifier, err := auth.NewVerifier(keyStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize credential verifier: %v\n", err)
		return 1
	}

	journal := telemetry.NewJournal(store, cfg.Ingestion.JournalBufferSize)
	journal.SetFailureHandler(func(failure telemetry.JournalWriteFailure) {
		logger.Error(
			"ingestion journal write failed; event records dropped",
			"failed_count", failure.FailedCount,
			"batch_size", failure.BatchSize,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
		if otelRuntime != nil {
			otelRuntime.RecordJournalWriteFailure(failure.ErrorClass, failure.FailedCount)
		}
	})
	if otelRuntime != nil {
		journal.SetMetrics(&telemetry.JournalMetrics{
			OnDrop: otelRuntime.RecordJournalDrop,
		})
	}
	journal.Start(context.Background())
	defer shutdownJournal(logger, journal)

	dispatcher := ingest.NewDispatcher(ingest.DispatcherOptions{
		Store:       store,
		Estimator:   tokens.NewEstimator(),
		Journal:     journal,
		Concurrency: cfg.Ingestion.Concurrency,
		Logger:      logger,
	})

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         store,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Verifier:      verifier,
		Dispatcher:    dispatcher,
		Journal:       journal,
		Ingestion:     cfg.Ingestion,
		Runtime:       otelRuntime,
	})
	if otelRuntime != nil {
		handler = otelRuntime.SpanEnrichmentMiddleware(handler)
		handler = otelRuntime.WrapHTTPHandler(handler)
	}

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"project_count", len(cfg.Projects),
		"max_batch_size", cfg.Ingestion.MaxBatchSize,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("ingestion server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("ingestion server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newTelemetryStore(cfg config.Config) (telemetry.Store, apikey.Driver, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := telemetry.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, "", err
		}
		return store, apikey.DriverSQLite, nil
	case "postgres":
		store, err := telemetry.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, "", err
		}
		return store, apikey.DriverPostgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// newKeyStore shares the telemetry store's database handle and seeds the
// config-declared projects so their credentials resolve immediately.
func newKeyStore(cfg config.Config, store telemetry.Store, driver apikey.Driver) (apikey.Store, error) {
	var keyStore *apikey.SQLStore
	var err error
	switch s := store.(type) {
	case *telemetry.SQLiteStore:
		keyStore, err = apikey.NewSQLStore(s.DB(), driver)
	case *telemetry.PostgresStore:
		keyStore, err = apikey.NewSQLStore(s.DB(), driver)
	default:
		return nil, fmt.Errorf("telemetry store does not expose a database handle")
	}
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	for _, project := range cfg.Projects {
		secretHash := strings.TrimSpace(project.SecretHash)
		if secretHash == "" {
			secretHash = apikey.HashSecret(project.SecretKey)
		}
		err := keyStore.SeedProject(ctx,
			apikey.Project{ID: project.ID, Name: project.Name},
			apikey.APIKey{ProjectID: project.ID, PublicKey: project.PublicKey, SecretHash: secretHash},
		)
		if err != nil {
			return nil, err
		}
		if _, err := keyStore.GetProject(ctx, project.ID); err != nil {
			return nil, fmt.Errorf("seeded project %q did not resolve: %w", project.ID, err)
		}
	}
	return keyStore, nil
}

func shutdownJournal(logger *slog.Logger, journal *telemetry.Journal) {
	ctx, cancel := context.WithTimeout(context.Background(), journalShutdownTimeout)
	defer cancel()
	if err := journal.Shutdown(ctx); err != nil {
		logger.Error("failed to drain ingestion journal", "error", err)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry", "error", err)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracepoint serve [--config path/to/tracepoint.yaml]")
	fmt.Fprintln(out, "  tracepoint version")
	fmt.Fprintln(out, "  tracepoint config validate [--config path/to/tracepoint.yaml]")
}
