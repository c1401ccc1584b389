package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"relquery/internal/dialect"
)

// ValidationError is a fatal configuration problem.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning is a non-fatal configuration problem.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult collects the outcome of Validate.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors reports whether any fatal problem was found.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins the error messages.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.validateCatalog(result)
	c.validateCompiler(result)
	c.Observability.validate(result)
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	driver := strings.ToLower(d.Driver)
	switch driver {
	case "":
		return
	case DriverMySQL:
		if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
			result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
		}
		if d.ConnectionString != "" {
			if _, err := d.DSN(); err != nil {
				result.fail("database.dsn", err.Error(), "use user:password@tcp(host:port)/database")
			}
		}
	case DriverSQLite, DriverPostgres, DriverDuckDB:
		if d.ConnectionString == "" && driver != DriverDuckDB {
			result.fail("database.dsn", "a DSN is required for the "+driver+" driver", "")
		}
		if d.Role != "" {
			result.warn("database.role", "roles are only applied on mysql connections", "")
		}
	default:
		result.fail("database.driver", fmt.Sprintf("unsupported driver %q", d.Driver),
			"valid values are: mysql, sqlite, postgres, duckdb")
	}

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.warn("database.pool.max_idle", "max_idle exceeds max_open", "the pool keeps at most max_open connections")
	}
}

func (c *Config) validateCatalog(result *ValidationResult) {
	cat := c.Catalog
	if cat.File == "" && !cat.Introspect {
		result.fail("catalog", "no catalog source", "set catalog.file or catalog.introspect")
	}
	if cat.File != "" && cat.Introspect {
		result.warn("catalog.introspect", "ignored because catalog.file is set", "")
	}
	if cat.Introspect && cat.File == "" {
		switch strings.ToLower(c.Database.Driver) {
		case DriverMySQL:
			if c.Database.DatabaseName() == "" {
				result.fail("database.database", "introspection needs a database name", "set database.database or name it in the DSN")
			}
		default:
			result.fail("catalog.introspect", "introspection requires the mysql driver", "use catalog.file")
		}
	}
	if err := cat.Filters.Validate(); err != nil {
		result.fail("catalog.filters", err.Error(), "patterns use path.Match syntax")
	}
}

func (c *Config) validateCompiler(result *ValidationResult) {
	if c.Compiler.Dialect != "" {
		if _, err := dialect.Lookup(c.Compiler.Dialect); err != nil {
			result.fail("compiler.dialect", err.Error(), "")
		}
	} else if c.Database.Driver == "" {
		result.fail("compiler.dialect", "no dialect", "set compiler.dialect or database.driver")
	}
	switch strings.ToLower(c.Compiler.Lateral) {
	case "", "on", "off":
	default:
		result.fail("compiler.lateral", fmt.Sprintf("invalid value %q", c.Compiler.Lateral), "valid values are: on, off")
	}
	if c.Compiler.IncludeBatchSize < 0 {
		result.fail("compiler.include_batch_size", "include_batch_size cannot be negative", "")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	if o.Logging.Format != "json" && o.Logging.Format != "text" {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "must be between 0 and 1", "")
	}
	if o.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(o.MetricsAddr); err != nil {
			result.fail("observability.metrics_addr", fmt.Sprintf("invalid address %q", o.MetricsAddr), "use host:port or :port")
		}
		if !o.MetricsEnabled {
			result.warn("observability.metrics_addr", "ignored because metrics are disabled", "")
		}
	}
	if o.SQLCommenterEnabled && !o.TracingEnabled {
		result.warn("observability.sqlcommenter_enabled", "has no effect without tracing", "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	switch o.Protocol {
	case "", "grpc", "http/protobuf", "http":
	default:
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Endpoint != "" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q", o.Endpoint), "use host:port or a full URL")
	}
	switch o.Compression {
	case "", "none", "gzip":
	default:
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if (o.TLSClientCertFile == "") != (o.TLSClientKeyFile == "") {
		result.fail(prefix+".tls_client_cert_file", "client cert and key must both be set", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
