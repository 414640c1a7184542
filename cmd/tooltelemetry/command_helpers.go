package main

import (
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/config"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// sqlStore is a telemetry.Store backed by database/sql, which both drivers are.
type sqlStore interface {
	telemetry.Store
	DB() *sql.DB
}

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// openStore opens the configured store. Opening applies pending migrations.
func openStore(cfg config.Config) (sqlStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		store, err := telemetry.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := telemetry.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeStoreWithWarning(store sqlStore, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close store: %v\n", err)
	}
}

func reportConfigError(errOut io.Writer, stage string, err error) {
	if stage == configStageLoad {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return
	}
	fmt.Fprintf(errOut, "config is invalid: %v\n", err)
}
