package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/corrtrace/internal/query"
)

// EnvPrefix marks environment variables that override file settings.
// CORRTRACE_ELASTIC__CLOUD_ID maps to elastic.cloud_id.
const EnvPrefix = "CORRTRACE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Elastic   ElasticConfig   `koanf:"elastic"`
	Query     QueryConfig     `koanf:"query"`
	Cache     CacheConfig     `koanf:"cache"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	StreamInterval time.Duration `koanf:"stream_interval"`
}

type ElasticConfig struct {
	Addresses    []string      `koanf:"addresses"`
	CloudID      string        `koanf:"cloud_id"` // When set, addresses are ignored
	APIKey       string        `koanf:"api_key"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	Index        string        `koanf:"index"`
	Timeout      time.Duration `koanf:"timeout"`       // Search timeout sent to the cluster
	Grace        time.Duration `koanf:"grace"`         // Extra client-side wait for partial results
	MaxAttempts  int           `koanf:"max_attempts"`  // Total attempts for transient failures
	RetryBackoff time.Duration `koanf:"retry_backoff"` // Initial backoff, doubled per retry
	Pushdown     bool          `koanf:"pushdown"`      // Evaluate status filters in the cluster
	Fields       query.Fields  `koanf:"fields"`
}

type QueryConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
	MaxSubstring    int `koanf:"max_substring"`
	Window          int `koanf:"window"` // Correlation buckets scanned per query
	FacetSize       int `koanf:"facet_size"`
}

// Limits returns the request validation limits.
func (q QueryConfig) Limits() query.Limits {
	return query.Limits{
		DefaultPageSize: q.DefaultPageSize,
		MaxPageSize:     q.MaxPageSize,
		MaxSubstring:    q.MaxSubstring,
	}
}

type CacheConfig struct {
	CountTTL      time.Duration `koanf:"count_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type MetricsConfig struct {
	Capacity   int           `koanf:"capacity"`
	SQLitePath string        `koanf:"sqlite_path"` // Empty disables the history sink
	Retention  time.Duration `koanf:"retention"`
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func defaults() map[string]any {
	fields := query.DefaultFields()
	return map[string]any{
		"server.port":            8080,
		"server.request_timeout": "60s",
		"server.stream_interval": "15s",

		"elastic.addresses":     []string{"http://localhost:9200"},
		"elastic.cloud_id":      "${ELASTIC_CLOUD_ID}",
		"elastic.api_key":       "${ELASTIC_CLOUD_API_KEY}",
		"elastic.index":         "logs-mulesoft-default",
		"elastic.timeout":       "30s",
		"elastic.grace":         "5s",
		"elastic.max_attempts":  5,
		"elastic.retry_backoff": "100ms",
		"elastic.pushdown":      true,

		"elastic.fields.timestamp":      fields.Timestamp,
		"elastic.fields.correlation_id": fields.CorrelationID,
		"elastic.fields.trace_point":    fields.TracePoint,
		"elastic.fields.application":    fields.Application,
		"elastic.fields.interface_id":   fields.InterfaceID,
		"elastic.fields.domain":         fields.Domain,
		"elastic.fields.organization":   fields.Organization,
		"elastic.fields.environment":    fields.Environment,

		"query.default_page_size": 100,
		"query.max_page_size":     2000,
		"query.max_substring":     256,
		"query.window":            query.DefaultWindow,
		"query.facet_size":        100,

		"cache.count_ttl":      "5s",
		"cache.sweep_interval": "30s",

		"metrics.capacity":  1000,
		"metrics.retention": "168h",

		"telemetry.enabled":      false,
		"telemetry.service_name": "corrtrace",
		"telemetry.sample_ratio": 1.0,
	}
}

// Load reads path (missing is fine), then CORRTRACE_ environment overrides,
// then fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults() {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Elastic.CloudID = substituteEnvVars(cfg.Elastic.CloudID)
	cfg.Elastic.APIKey = substituteEnvVars(cfg.Elastic.APIKey)
	cfg.Elastic.Username = substituteEnvVars(cfg.Elastic.Username)
	cfg.Elastic.Password = substituteEnvVars(cfg.Elastic.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Elastic.CloudID == "" && len(c.Elastic.Addresses) == 0 {
		errs = append(errs, errors.New("elastic.addresses or elastic.cloud_id is required"))
	}
	if c.Elastic.Timeout <= 0 {
		errs = append(errs, errors.New("elastic.timeout must be positive"))
	}
	if c.Elastic.MaxAttempts < 1 {
		errs = append(errs, errors.New("elastic.max_attempts must be at least 1"))
	}
	if c.Query.DefaultPageSize < 1 || c.Query.DefaultPageSize > c.Query.MaxPageSize {
		errs = append(errs, fmt.Errorf("query.default_page_size must be between 1 and query.max_page_size (%d)", c.Query.MaxPageSize))
	}
	if c.Query.MaxSubstring < 1 {
		errs = append(errs, errors.New("query.max_substring must be positive"))
	}
	if c.Cache.CountTTL <= 0 {
		errs = append(errs, errors.New("cache.count_ttl must be positive"))
	}
	if c.Metrics.Capacity < 1 {
		errs = append(errs, errors.New("metrics.capacity must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
