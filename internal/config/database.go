package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"relquery/internal/dialect"
)

// Supported database drivers.
const (
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// SQLDriverName returns the database/sql driver name registered by the
// driver package for d.Driver.
func (d *DatabaseConfig) SQLDriverName() string {
	switch strings.ToLower(d.Driver) {
	case DriverPostgres:
		return "pgx"
	default:
		return strings.ToLower(d.Driver)
	}
}

// DSN returns the data source name for the configured driver. MySQL DSNs
// always parse times into UTC.
func (d *DatabaseConfig) DSN() (string, error) {
	if strings.ToLower(d.Driver) != DriverMySQL {
		return d.ConnectionString, nil
	}

	var cfg *mysql.Config
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			return "", fmt.Errorf("database.dsn is invalid: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// DatabaseName returns the schema introspection reads. For MySQL it falls
// back to the database named in the DSN.
func (d *DatabaseConfig) DatabaseName() string {
	if name := strings.TrimSpace(d.Database); name != "" {
		return name
	}
	if strings.ToLower(d.Driver) == DriverMySQL && d.ConnectionString != "" {
		if parsed, err := mysql.ParseDSN(d.ConnectionString); err == nil {
			return parsed.DBName
		}
	}
	return ""
}

// ResolveDialect picks the SQL dialect: the explicit compiler setting, else
// the one implied by the driver, with the lateral override applied.
func (c *Config) ResolveDialect() (*dialect.Dialect, error) {
	name := c.Compiler.Dialect
	if name == "" {
		name = c.Database.Driver
	}
	if name == "" {
		return nil, fmt.Errorf("no dialect: set compiler.dialect or database.driver")
	}
	d, err := dialect.Lookup(name)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(c.Compiler.Lateral) {
	case "on":
		if d.Lateral == dialect.LateralNone {
			d = d.WithLateral(dialect.LateralJoin)
		}
	case "off":
		d = d.WithLateral(dialect.LateralNone)
	}
	return d, nil
}
