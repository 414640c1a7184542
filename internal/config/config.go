package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Usage         UsageConfig         `yaml:"usage"`
	Metering      MeteringConfig      `yaml:"metering"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Limits        LimitsConfig        `yaml:"limits"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type IngestConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type UsageConfig struct {
	LookbackDays      int `yaml:"lookback_days"`
	HourlyWindowHours int `yaml:"hourly_window_hours"`
}

const (
	MeteringDriverLog  = "log"
	MeteringDriverNATS = "nats"
	MeteringDriverNone = "none"
)

type MeteringConfig struct {
	Driver    string     `yaml:"driver"`
	QueueSize int        `yaml:"queue_size"`
	NATS      NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ArchiveConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "tooltelemetry"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

type AuthConfig struct {
	Enabled bool        `yaml:"enabled"`
	Header  string      `yaml:"header"`
	Keys    []KeyConfig `yaml:"keys"`
}

type KeyConfig struct {
	ID          string   `yaml:"id"`
	Token       string   `yaml:"token"`
	TokenHash   string   `yaml:"token_hash"`
	CustomerID  string   `yaml:"customer_id"`
	UserID      string   `yaml:"user_id"`
	TeamID      string   `yaml:"team_id"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type LimitsConfig struct {
	PerKey RateLimitConfig `yaml:"per_key"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 4318,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/tooltelemetry.db",
		},
		Ingest: IngestConfig{
			MaxBodyBytes: 10 << 20,
		},
		Usage: UsageConfig{
			LookbackDays:      30,
			HourlyWindowHours: 24,
		},
		Metering: MeteringConfig{
			Driver:    MeteringDriverLog,
			QueueSize: 1024,
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				Stream:        "TOOL_METERING",
				SubjectPrefix: "metering",
			},
		},
		Archive: ArchiveConfig{
			ClickHouse: ClickHouseConfig{
				Addr:     "localhost:9000",
				Database: "default",
				Username: "default",
			},
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			Header:  "X-ToolTelemetry-Key",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be > 0 (got %d)", cfg.Ingest.MaxBodyBytes)
	}
	if cfg.Usage.LookbackDays <= 0 {
		return fmt.Errorf("usage.lookback_days must be > 0 (got %d)", cfg.Usage.LookbackDays)
	}
	if cfg.Usage.HourlyWindowHours <= 0 {
		return fmt.Errorf("usage.hourly_window_hours must be > 0 (got %d)", cfg.Usage.HourlyWindowHours)
	}

	if err := validateMetering(cfg.Metering); err != nil {
		return err
	}
	if cfg.Archive.Enabled && strings.TrimSpace(cfg.Archive.ClickHouse.Addr) == "" {
		return errors.New("archive.clickhouse.addr is required when archive.enabled=true")
	}

	if strings.TrimSpace(cfg.Auth.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return errors.New("auth.keys must not be empty when auth.enabled=true")
	}
	for idx, key := range cfg.Auth.Keys {
		if strings.TrimSpace(key.ID) == "" {
			return fmt.Errorf("auth.keys[%d].id is required", idx)
		}
		if strings.TrimSpace(key.Token) == "" && strings.TrimSpace(key.TokenHash) == "" {
			return fmt.Errorf("auth.keys[%d] requires token or token_hash", idx)
		}
	}

	if cfg.Limits.PerKey.RequestsPerSecond < 0 {
		return fmt.Errorf("limits.per_key.requests_per_second must be >= 0 (got %f)", cfg.Limits.PerKey.RequestsPerSecond)
	}
	if cfg.Limits.PerKey.Burst < 0 {
		return fmt.Errorf("limits.per_key.burst must be >= 0 (got %d)", cfg.Limits.PerKey.Burst)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateMetering(cfg MeteringConfig) error {
	switch strings.TrimSpace(cfg.Driver) {
	case MeteringDriverLog, MeteringDriverNone:
		return nil
	case MeteringDriverNATS:
	default:
		return fmt.Errorf("metering.driver must be one of log, nats, none (got %q)", cfg.Driver)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("metering.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	raw := strings.TrimSpace(cfg.NATS.URL)
	if raw == "" {
		return errors.New("metering.nats.url is required when metering.driver=nats")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse metering.nats.url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("metering.nats.url must include scheme and host (got %q)", cfg.NATS.URL)
	}
	if strings.TrimSpace(cfg.NATS.Stream) == "" {
		return errors.New("metering.nats.stream is required when metering.driver=nats")
	}
	prefix := strings.TrimSpace(cfg.NATS.SubjectPrefix)
	if prefix == "" || strings.ContainsAny(prefix, " *>") {
		return fmt.Errorf("metering.nats.subject_prefix must be a literal subject token (got %q)", cfg.NATS.SubjectPrefix)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("TOOLTELEMETRY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("TOOLTELEMETRY_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TOOLTELEMETRY_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("TOOLTELEMETRY_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("TOOLTELEMETRY_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("TOOLTELEMETRY_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if maxBody := os.Getenv("TOOLTELEMETRY_MAX_BODY_BYTES"); maxBody != "" {
		v, err := strconv.ParseInt(maxBody, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TOOLTELEMETRY_MAX_BODY_BYTES: %w", err)
		}
		cfg.Ingest.MaxBodyBytes = v
	}

	if driver := os.Getenv("TOOLTELEMETRY_METERING_DRIVER"); driver != "" {
		cfg.Metering.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
	if natsURL := os.Getenv("TOOLTELEMETRY_NATS_URL"); natsURL != "" {
		cfg.Metering.NATS.URL = natsURL
	}

	if archiveEnabled := os.Getenv("TOOLTELEMETRY_ARCHIVE_ENABLED"); archiveEnabled != "" {
		v, err := strconv.ParseBool(archiveEnabled)
		if err != nil {
			return fmt.Errorf("invalid TOOLTELEMETRY_ARCHIVE_ENABLED: %w", err)
		}
		cfg.Archive.Enabled = v
	}
	if addr := os.Getenv("TOOLTELEMETRY_CLICKHOUSE_ADDR"); addr != "" {
		cfg.Archive.ClickHouse.Addr = addr
	}
	if password := os.Getenv("TOOLTELEMETRY_CLICKHOUSE_PASSWORD"); password != "" {
		cfg.Archive.ClickHouse.Password = password
	}

	if err := applyOTelEnv(&cfg.Observability.OTel); err != nil {
		return err
	}

	if authEnabled := os.Getenv("TOOLTELEMETRY_AUTH_ENABLED"); authEnabled != "" {
		v, err := strconv.ParseBool(authEnabled)
		if err != nil {
			return fmt.Errorf("invalid TOOLTELEMETRY_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if authHeader := os.Getenv("TOOLTELEMETRY_AUTH_HEADER"); authHeader != "" {
		cfg.Auth.Header = authHeader
	}

	return nil
}

// applyOTelEnv honours the standard OTEL_* variables. Setting any of them
// turns export on unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		configured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
