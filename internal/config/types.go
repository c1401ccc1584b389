// Package config loads relquery configuration from flags, RELQ_ environment
// variables, a relquery.yaml file and defaults, and validates it.
package config

import (
	"time"

	"relquery/internal/naming"
	"relquery/internal/schemafilter"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Compiler      CompilerConfig      `mapstructure:"compiler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver is one of mysql, sqlite, postgres or duckdb. Empty means the
	// CLI only explains queries.
	Driver string `mapstructure:"driver"`

	// ConnectionString is passed to the driver. For mysql it is a
	// go-sql-driver DSN (user:password@tcp(host:port)/database?params) and
	// overrides the discrete fields below.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile holds the DSN; "@-" reads it from stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`

	// Discrete MySQL fields, used when no DSN is set.
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	// Role is activated with SET ROLE on every connection before a query runs.
	Role string `mapstructure:"role"`

	Pool PoolConfig `mapstructure:"pool"`

	// ConnectionTimeout bounds the startup ping.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// CatalogConfig says where entity types come from.
type CatalogConfig struct {
	// File is a YAML catalog. It wins over introspection when both are set.
	File string `mapstructure:"file"`
	// Introspect derives the catalog from INFORMATION_SCHEMA of the
	// configured database.
	Introspect bool                `mapstructure:"introspect"`
	Filters    schemafilter.Config `mapstructure:"filters"`
	Naming     naming.Config       `mapstructure:"naming"`
}

// CompilerConfig tunes query compilation.
type CompilerConfig struct {
	// Dialect overrides the dialect implied by database.driver.
	Dialect string `mapstructure:"dialect"`
	// Lateral overrides lateral join support: "", "on" or "off".
	Lateral             string `mapstructure:"lateral"`
	Tracking            bool   `mapstructure:"tracking"`
	IncludeBatchSize    int    `mapstructure:"include_batch_size"`
	WarnUnorderedPaging bool   `mapstructure:"warn_unordered_paging"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	// MetricsAddr serves /metrics while the CLI runs; empty disables the endpoint.
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// OTLP holds the defaults for every signal.
	OTLP OTLPConfig `mapstructure:"otlp"`

	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
}

// TracesOTLP returns the effective exporter settings for traces.
func (c *ObservabilityConfig) TracesOTLP() OTLPConfig {
	return c.OTLP.overlay(c.Traces)
}

// LogsOTLP returns the effective exporter settings for logs.
func (c *ObservabilityConfig) LogsOTLP() OTLPConfig {
	return c.OTLP.overlay(c.Logs)
}

// overlay returns c with the set fields of o applied. An override section
// always carries its own insecure flag.
func (c OTLPConfig) overlay(o *OTLPConfig) OTLPConfig {
	if o == nil {
		return c
	}
	out := c
	if o.Endpoint != "" {
		out.Endpoint = o.Endpoint
	}
	if o.Protocol != "" {
		out.Protocol = o.Protocol
	}
	out.Insecure = o.Insecure
	if o.TLSCertFile != "" {
		out.TLSCertFile = o.TLSCertFile
	}
	if o.TLSClientCertFile != "" {
		out.TLSClientCertFile = o.TLSClientCertFile
	}
	if o.TLSClientKeyFile != "" {
		out.TLSClientKeyFile = o.TLSClientKeyFile
	}
	if o.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers)+len(o.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	if o.Timeout != 0 {
		out.Timeout = o.Timeout
	}
	if o.Compression != "" {
		out.Compression = o.Compression
	}
	return out
}
