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
	"syscall"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/api"
	"github.com/ongoingai/tooltelemetry/internal/archive"
	"github.com/ongoingai/tooltelemetry/internal/auth"
	"github.com/ongoingai/tooltelemetry/internal/config"
	"github.com/ongoingai/tooltelemetry/internal/ingest"
	"github.com/ongoingai/tooltelemetry/internal/limits"
	"github.com/ongoingai/tooltelemetry/internal/observability"
	"github.com/ongoingai/tooltelemetry/internal/usage"
	"github.com/ongoingai/tooltelemetry/internal/version"
)

const defaultConfigPath = "tooltelemetry.yaml"

const meteringShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const archiveConnectTimeout = 30 * time.Second
const serverShutdownTimeout = 10 * time.Second
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
	case "migrate":
		return runMigrate(args[1:], os.Stdout, os.Stderr)
	case "usage":
		return runUsage(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
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

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(os.Stderr, stage, err)
		return 1
	}

	logger := newLogger(os.Stdout)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meter, err := newMeteringPipeline(ctx, cfg.Metering, logger, otelRuntime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metering: %v\n", err)
		return 1
	}
	defer meter.shutdown(logger, meteringShutdownTimeout)

	var mirror ingest.Mirror
	if cfg.Archive.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, archiveConnectTimeout)
		clickhouseArchive, err := archive.OpenClickHouse(connectCtx, archive.Config{
			Addr:     cfg.Archive.ClickHouse.Addr,
			Database: cfg.Archive.ClickHouse.Database,
			Username: cfg.Archive.ClickHouse.Username,
			Password: cfg.Archive.ClickHouse.Password,
		}, logger)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize clickhouse archive: %v\n", err)
			return 1
		}
		defer func() {
			if err := clickhouseArchive.Close(); err != nil {
				logger.Error("failed to close clickhouse archive", "error", err)
			}
		}()
		mirror = clickhouseArchive
	}

	authorizer, err := auth.NewAuthorizer(auth.Options{
		Enabled: cfg.Auth.Enabled,
		Header:  cfg.Auth.Header,
		Keys:    authKeysFromConfig(cfg.Auth.Keys),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize auth config: %v\n", err)
		return 1
	}
	limiter := limits.NewIngestLimiter(limits.Config{PerKey: limits.Policy{
		RequestsPerSecond: cfg.Limits.PerKey.RequestsPerSecond,
		Burst:             cfg.Limits.PerKey.Burst,
	}})
	var ingestLimiter auth.IngestLimiter
	if limiter.Enabled() {
		ingestLimiter = limiter.CheckRequest
	}

	service := ingest.NewService(store, ingest.Options{
		Sink:     meter.sink,
		Mirror:   mirror,
		Observer: otelRuntime,
		Logger:   logger,
	})
	router := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		StorageDriver:  cfg.Storage.Driver,
		Store:          store,
		Ingester:       service,
		Usage:          usage.NewEngine(store, usageOptions(cfg.Usage)),
		Metering:       meter.diagnostics(),
		MeteringDriver: cfg.Metering.Driver,
		MaxBodyBytes:   cfg.Ingest.MaxBodyBytes,
		AuthHeader:     cfg.Auth.Header,
		Logger:         logger,
	})
	server := newServer(cfg, api.NewServerHandler(router, api.ServerHandlerOptions{
		Logger:          logger,
		Authorizer:      authorizer,
		IngestLimiter:   ingestLimiter,
		Instrumentation: otelRuntime,
	}))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"metering_driver", cfg.Metering.Driver,
		"archive_enabled", cfg.Archive.Enabled,
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"ingest_rate_limited", limiter.Enabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func newLogger(out io.Writer) *slog.Logger {
	return slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func usageOptions(cfg config.UsageConfig) usage.Options {
	return usage.Options{
		LookbackDays: cfg.LookbackDays,
		HourlyWindow: time.Duration(cfg.HourlyWindowHours) * time.Hour,
	}
}

func authKeysFromConfig(keys []config.KeyConfig) []auth.KeyConfig {
	out := make([]auth.KeyConfig, 0, len(keys))
	for _, key := range keys {
		out = append(out, auth.KeyConfig{
			ID:          key.ID,
			Token:       key.Token,
			TokenHash:   key.TokenHash,
			CustomerID:  key.CustomerID,
			UserID:      key.UserID,
			TeamID:      key.TeamID,
			Role:        key.Role,
			Permissions: append([]string(nil), key.Permissions...),
		})
	}
	return out
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tooltelemetry serve [--config path/to/tooltelemetry.yaml]")
	fmt.Fprintln(out, "  tooltelemetry version")
	fmt.Fprintln(out, "  tooltelemetry config validate [--config path/to/tooltelemetry.yaml]")
	fmt.Fprintln(out, "  tooltelemetry migrate [--config path/to/tooltelemetry.yaml]")
	fmt.Fprintln(out, "  tooltelemetry usage --profile ID [--customer ID] [--config path/to/tooltelemetry.yaml] [--format text|json]")
	fmt.Fprintln(out, "  tooltelemetry usage --sample traces|metrics [--service NAME]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tooltelemetry config validate [--config path/to/tooltelemetry.yaml]")
}
