// Command relquery compiles a YAML query document against a catalog and
// either prints the SQL it compiles to or runs it and prints the results as
// JSON.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"relquery/internal/app"
	"relquery/internal/config"
	"relquery/internal/querydoc"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("relquery failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	query   string
	explain bool
	pretty  bool
	version bool
	params  []string
}

func defineFlags(fs *pflag.FlagSet) *options {
	opts := &options{}
	config.DefineFlags(fs)
	fs.StringVarP(&opts.query, "query", "q", "", "YAML query document to compile")
	fs.BoolVar(&opts.explain, "explain", false, "Print the SQL instead of running the query")
	fs.BoolVar(&opts.pretty, "pretty", false, "Indent JSON output")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	fs.StringArrayVarP(&opts.params, "param", "p", nil, "Query parameter as name=value; repeatable")
	return opts
}

// parseParams turns name=value pairs into parameter values. Values are read
// as YAML scalars or sequences, so 3 is an integer and "[1, 2]" a list.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected name=value", pair)
		}
		out[name] = querydoc.ParseValue(value)
	}
	return out, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("relquery", pflag.ContinueOnError)
	opts := defineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.version {
		_, err := fmt.Fprintf(stdout, "relquery %s (%s)\n", Version, Commit)
		return err
	}
	if opts.query == "" {
		return errors.New("--query is required")
	}
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	logger, loggerProvider, err := app.InitLogger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	a.AttachLoggerProvider(loggerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := a.Init(ctx); err != nil {
		return err
	}

	doc, err := querydoc.LoadFile(opts.query, a.Catalog())
	if err != nil {
		return err
	}
	req := app.Request{Document: doc, Parameters: params, Pretty: opts.pretty}
	if opts.explain {
		return a.Explain(ctx, stdout, req)
	}
	return a.Execute(ctx, stdout, req)
}
