package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics holds the compiler and execution instruments. A nil
// *QueryMetrics records nothing.
type QueryMetrics struct {
	compileDuration   metric.Float64Histogram
	compileCounter    metric.Int64Counter
	executeDuration   metric.Float64Histogram
	executeCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeQueries     metric.Int64UpDownCounter
	resultsCount      metric.Int64Histogram
	fallbackCounter   metric.Int64Counter
	roundTripCounter  metric.Int64Counter
	batchParentCount  metric.Int64Histogram
	batchResultRows   metric.Int64Histogram
	batchQueriesSaved metric.Int64Counter
}

// InitQueryMetrics creates the instruments on the global meter provider.
func InitQueryMetrics() (*QueryMetrics, error) {
	meter := otel.Meter("relquery")

	compileDuration, err := meter.Float64Histogram(
		"relquery.compile.duration",
		metric.WithDescription("Duration of query model compilation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile duration histogram: %w", err)
	}

	compileCounter, err := meter.Int64Counter(
		"relquery.compile.total",
		metric.WithDescription("Total number of query model compilations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile counter: %w", err)
	}

	executeDuration, err := meter.Float64Histogram(
		"relquery.execute.duration",
		metric.WithDescription("Duration of plan executions in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execute duration histogram: %w", err)
	}

	executeCounter, err := meter.Int64Counter(
		"relquery.execute.total",
		metric.WithDescription("Total number of plan executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execute counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"relquery.errors.total",
		metric.WithDescription("Total number of failed compilations and executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeQueries, err := meter.Int64UpDownCounter(
		"relquery.queries.active",
		metric.WithDescription("Number of plans currently executing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries counter: %w", err)
	}

	resultsCount, err := meter.Int64Histogram(
		"relquery.results.count",
		metric.WithDescription("Number of elements produced by a plan execution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create results count histogram: %w", err)
	}

	fallbackCounter, err := meter.Int64Counter(
		"relquery.client_eval.fallbacks",
		metric.WithDescription("Number of clauses compiled for client-side evaluation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}

	roundTripCounter, err := meter.Int64Counter(
		"relquery.round_trips.total",
		metric.WithDescription("Number of SQL commands sent to the database"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create round trip counter: %w", err)
	}

	batchParentCount, err := meter.Int64Histogram(
		"relquery.include.parent_count",
		metric.WithDescription("Number of parent keys included in an include batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch parent count histogram: %w", err)
	}

	batchResultRows, err := meter.Int64Histogram(
		"relquery.include.result_rows",
		metric.WithDescription("Number of rows returned by an include batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}

	batchQueriesSaved, err := meter.Int64Counter(
		"relquery.include.queries_saved",
		metric.WithDescription("Number of per-parent queries saved by include batching"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch queries saved counter: %w", err)
	}

	return &QueryMetrics{
		compileDuration:   compileDuration,
		compileCounter:    compileCounter,
		executeDuration:   executeDuration,
		executeCounter:    executeCounter,
		errorCounter:      errorCounter,
		activeQueries:     activeQueries,
		resultsCount:      resultsCount,
		fallbackCounter:   fallbackCounter,
		roundTripCounter:  roundTripCounter,
		batchParentCount:  batchParentCount,
		batchResultRows:   batchResultRows,
		batchQueriesSaved: batchQueriesSaved,
	}, nil
}

// RecordCompile records one compilation with its duration and outcome.
func (m *QueryMetrics) RecordCompile(ctx context.Context, duration time.Duration, hasErrors bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("has_errors", hasErrors))
	m.compileDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.compileCounter.Add(ctx, 1, attrs)
	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "compile")))
	}
}

// RecordExecution records one plan execution.
func (m *QueryMetrics) RecordExecution(ctx context.Context, duration time.Duration, results int64, hasErrors bool, scalar bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Bool("has_errors", hasErrors),
		attribute.Bool("scalar", scalar),
	}
	m.executeDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.executeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.resultsCount.Record(ctx, results, metric.WithAttributes(attribute.Bool("scalar", scalar)))
	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "execute")))
	}
}

// RecordFallback counts a clause that runs on the client.
func (m *QueryMetrics) RecordFallback(ctx context.Context, clause string) {
	if m == nil {
		return
	}
	m.fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("clause", clause)))
}

// RecordRoundTrip counts one SQL command; kind is "query", "subquery" or "include".
func (m *QueryMetrics) RecordRoundTrip(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.roundTripCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *QueryMetrics) RecordBatchParentCount(ctx context.Context, count int64, navigation string) {
	if m == nil {
		return
	}
	m.batchParentCount.Record(ctx, count, metric.WithAttributes(
		attribute.String("navigation", navigation),
	))
}

func (m *QueryMetrics) RecordBatchResultRows(ctx context.Context, count int64, navigation string) {
	if m == nil {
		return
	}
	m.batchResultRows.Record(ctx, count, metric.WithAttributes(
		attribute.String("navigation", navigation),
	))
}

func (m *QueryMetrics) RecordBatchQueriesSaved(ctx context.Context, count int64, navigation string) {
	if m == nil || count <= 0 {
		return
	}
	m.batchQueriesSaved.Add(ctx, count, metric.WithAttributes(
		attribute.String("navigation", navigation),
	))
}

// IncrementActiveQueries increments the active queries counter
func (m *QueryMetrics) IncrementActiveQueries(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeQueries.Add(ctx, 1)
}

// DecrementActiveQueries decrements the active queries counter
func (m *QueryMetrics) DecrementActiveQueries(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeQueries.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the QueryMetrics instance
func InitMetrics(logger *slog.Logger) (*QueryMetrics, error) {
	metrics, err := InitQueryMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize query metrics: %w", err)
	}

	logger.Info("query metrics initialized")
	return metrics, nil
}

type queryMetricsContextKey struct{}

// ContextWithQueryMetrics stores query metrics in the provided context.
func ContextWithQueryMetrics(ctx context.Context, metrics *QueryMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queryMetricsContextKey{}, metrics)
}

// QueryMetricsFromContext retrieves query metrics from the context.
func QueryMetricsFromContext(ctx context.Context) *QueryMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(queryMetricsContextKey{}).(*QueryMetrics)
	return metrics
}
