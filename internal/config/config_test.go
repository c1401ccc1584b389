package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/dialect"
)

func loadWith(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	DefineFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relquery.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadWith(t)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 4000, cfg.Database.Port)
	assert.True(t, cfg.Compiler.Tracking)
	assert.Equal(t, 500, cfg.Compiler.IncludeBatchSize)
	assert.True(t, cfg.Compiler.WarnUnorderedPaging)
	assert.Equal(t, []string{"*"}, cfg.Catalog.Filters.AllowTables)
	assert.Equal(t, "relquery", cfg.Observability.ServiceName)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: file.db
compiler:
  dialect: mysql
  include_batch_size: 50
observability:
  logging:
    level: warn
`)
	t.Setenv("RELQ_COMPILER_INCLUDE_BATCH_SIZE", "75")
	t.Setenv("RELQ_OBSERVABILITY_LOGGING_LEVEL", "error")

	cfg, err := loadWith(t, "--config", path, "--observability.logging.level", "debug")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver, "file beats defaults")
	assert.Equal(t, "mysql", cfg.Compiler.Dialect)
	assert.Equal(t, 75, cfg.Compiler.IncludeBatchSize, "env beats file")
	assert.Equal(t, "debug", cfg.Observability.Logging.Level, "flags beat env")
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	path := writeConfig(t, "compiler:\n  optimise_harder: true\n")
	_, err := loadWith(t, "--config", path)
	assert.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := loadWith(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_SecretFiles(t *testing.T) {
	dir := t.TempDir()
	pwd := filepath.Join(dir, "pwd")
	require.NoError(t, os.WriteFile(pwd, []byte("s3cret\n"), 0600))
	dsn := filepath.Join(dir, "dsn")
	require.NoError(t, os.WriteFile(dsn, []byte(" root:x@tcp(db:3306)/app \n"), 0600))

	t.Chdir(dir)
	cfg, err := loadWith(t, "--database.password_file", pwd, "--database.dsn_file", dsn)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "root:x@tcp(db:3306)/app", cfg.Database.ConnectionString)
}

func TestLoad_StdinUsedOnce(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := loadWith(t, "--database.password_file", "@-", "--database.dsn_file", "@-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot both read stdin")
}

func TestLoad_SliceFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELQ_CATALOG_FILTERS_DENY_TABLES", "audit_*, tmp")
	cfg, err := loadWith(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit_*", "tmp"}, cfg.Catalog.Filters.DenyTables)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "discrete fields",
			config: DatabaseConfig{
				Driver: DriverMySQL, Host: "localhost", Port: 4000,
				User: "root", Password: "password", Database: "test",
			},
			expected: "root:password@tcp(localhost:4000)/test?parseTime=true",
		},
		{
			name:     "dsn gains parseTime",
			config:   DatabaseConfig{Driver: DriverMySQL, ConnectionString: "app:pw@tcp(db:3306)/gears"},
			expected: "app:pw@tcp(db:3306)/gears?parseTime=true",
		},
		{
			name:     "other drivers pass through",
			config:   DatabaseConfig{Driver: DriverSQLite, ConnectionString: "file:gears.db?cache=shared"},
			expected: "file:gears.db?cache=shared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := tt.config.DSN()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dsn)
		})
	}
}

func TestDatabaseConfig_DatabaseName(t *testing.T) {
	d := DatabaseConfig{Driver: DriverMySQL, ConnectionString: "app:pw@tcp(db:3306)/gears"}
	assert.Equal(t, "gears", d.DatabaseName())
	d.Database = "other"
	assert.Equal(t, "other", d.DatabaseName())
	assert.Equal(t, "", (&DatabaseConfig{Driver: DriverSQLite, ConnectionString: "x.db"}).DatabaseName())
}

func TestDatabaseConfig_SQLDriverName(t *testing.T) {
	assert.Equal(t, "pgx", (&DatabaseConfig{Driver: "postgres"}).SQLDriverName())
	assert.Equal(t, "sqlite", (&DatabaseConfig{Driver: "SQLite"}).SQLDriverName())
}

func TestResolveDialect(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: DriverSQLite}}
	d, err := cfg.ResolveDialect()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name)
	assert.False(t, d.SupportsLateral())

	cfg.Compiler.Lateral = "on"
	d, err = cfg.ResolveDialect()
	require.NoError(t, err)
	assert.True(t, d.SupportsLateral())
	assert.False(t, dialect.SQLite.SupportsLateral(), "registered dialects stay untouched")

	cfg.Compiler = CompilerConfig{Dialect: "postgres", Lateral: "off"}
	d, err = cfg.ResolveDialect()
	require.NoError(t, err)
	assert.False(t, d.SupportsLateral())

	_, err = (&Config{}).ResolveDialect()
	assert.Error(t, err)
}

func TestObservabilityConfig_Overlay(t *testing.T) {
	o := ObservabilityConfig{
		OTLP: OTLPConfig{Endpoint: "collector:4317", Protocol: "grpc", Headers: map[string]string{"a": "1"}},
		Traces: &OTLPConfig{
			Protocol: "http/protobuf", Insecure: true, Headers: map[string]string{"b": "2"},
		},
	}
	traces := o.TracesOTLP()
	assert.Equal(t, "collector:4317", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.True(t, traces.Insecure)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, traces.Headers)
	assert.Equal(t, o.OTLP, o.LogsOTLP())
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: DriverSQLite, ConnectionString: ":memory:"},
		Catalog:  CatalogConfig{File: "catalog.yaml"},
		Observability: ObservabilityConfig{
			Logging:          LoggingConfig{Level: "info", Format: "text"},
			TraceSampleRatio: 1,
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Empty(t, result.Warnings)
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Driver = "oracle"
		result := cfg.Validate()
		require.True(t, result.HasErrors())
		assert.Contains(t, result.Error(), "database.driver")
	})

	t.Run("missing catalog", func(t *testing.T) {
		cfg := validConfig()
		cfg.Catalog.File = ""
		assert.Contains(t, cfg.Validate().Error(), "no catalog source")
	})

	t.Run("introspection needs mysql", func(t *testing.T) {
		cfg := validConfig()
		cfg.Catalog = CatalogConfig{Introspect: true}
		assert.Contains(t, cfg.Validate().Error(), "catalog.introspect")
	})

	t.Run("introspection needs a database", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database = DatabaseConfig{Driver: DriverMySQL, Host: "db", Port: 3306}
		cfg.Catalog = CatalogConfig{Introspect: true}
		assert.Contains(t, cfg.Validate().Error(), "database.database")
	})

	t.Run("bad dialect and lateral", func(t *testing.T) {
		cfg := validConfig()
		cfg.Compiler = CompilerConfig{Dialect: "cobol", Lateral: "maybe"}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "compiler.dialect")
		assert.Contains(t, result.Error(), "compiler.lateral")
	})

	t.Run("bad logging", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Logging = LoggingConfig{Level: "loud", Format: "xml"}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.logging.level")
		assert.Contains(t, result.Error(), "observability.logging.format")
	})

	t.Run("bad otlp", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.OTLP = OTLPConfig{Protocol: "udp", Endpoint: "no-port", Compression: "zstd", TLSClientCertFile: "c.pem"}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.otlp.protocol")
		assert.Contains(t, result.Error(), "observability.otlp.endpoint")
		assert.Contains(t, result.Error(), "observability.otlp.compression")
		assert.Contains(t, result.Error(), "observability.otlp.tls_client_cert_file")
	})

	t.Run("warnings", func(t *testing.T) {
		cfg := validConfig()
		cfg.Catalog.Introspect = true
		cfg.Observability.MetricsAddr = ":9464"
		cfg.Observability.SQLCommenterEnabled = true
		result := cfg.Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Len(t, result.Warnings, 3)
	})
}
