package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{ServiceName: "relquery-test", ServiceVersion: "1.0.0", Environment: "test"}
}

func TestInitMeterProvider_ServesQueryMetrics(t *testing.T) {
	mp, err := InitMeterProvider(testConfig())
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background(), discardLogger()) }()
	require.NotNil(t, mp.Registry())

	metrics, err := InitMetrics(discardLogger())
	require.NoError(t, err)
	ctx := context.Background()
	metrics.RecordFallback(ctx, "where")
	metrics.RecordRoundTrip(ctx, "query")

	rec := httptest.NewRecorder()
	mp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "relquery_client_eval_fallbacks")
	assert.Contains(t, body, `clause="where"`)
	assert.Contains(t, body, "relquery_round_trips")
}

func TestQueryMetrics_NilIsNoop(t *testing.T) {
	var m *QueryMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordFallback(ctx, "where")
		m.RecordCompile(ctx, 0, false)
		m.IncrementActiveQueries(ctx)
		m.DecrementActiveQueries(ctx)
	})
	assert.Nil(t, QueryMetricsFromContext(context.Background()))
}

func TestQueryMetricsContext(t *testing.T) {
	m := &QueryMetrics{}
	ctx := ContextWithQueryMetrics(context.Background(), m)
	assert.Same(t, m, QueryMetricsFromContext(ctx))
}

func TestParseOTLPProtocol(t *testing.T) {
	for in, want := range map[string]otlpProtocol{
		"":              otlpProtocolGRPC,
		"GRPC":          otlpProtocolGRPC,
		"http":          otlpProtocolHTTP,
		"http/protobuf": otlpProtocolHTTP,
	} {
		got, err := parseOTLPProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOTLPProtocol("udp")
	assert.Error(t, err)
}

func TestResolveExporter(t *testing.T) {
	s, err := resolveExporter(ExporterConfig{Endpoint: "https://collector:4318/v1/traces", Protocol: "http", Compression: "gzip"})
	require.NoError(t, err)
	assert.True(t, s.url)
	assert.True(t, s.gzip)
	require.NotNil(t, s.tls)
	assert.NotEmpty(t, s.traceHTTP())
	assert.NotEmpty(t, s.logHTTP())

	s, err = resolveExporter(ExporterConfig{Endpoint: "collector:4317", Insecure: true})
	require.NoError(t, err)
	assert.Nil(t, s.tls)
	assert.False(t, s.url)
	assert.Equal(t, otlpProtocolGRPC, s.protocol)
	assert.Len(t, s.traceGRPC(), 2)
	assert.Len(t, s.logGRPC(), 2)
}

func TestBuildTLSConfig_FileNotFound(t *testing.T) {
	_, err := buildTLSConfig(ExporterConfig{TLSCertFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(ExporterConfig{TLSCertFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestBuildTLSConfig_MissingClientKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.crt")
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := resolveExporter(ExporterConfig{TLSClientCertFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP TLS client cert and key must both be set")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	decide := func(s sdktrace.Sampler, id byte) sdktrace.SamplingDecision {
		return s.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{id},
			Name:          "compiler.compile",
		}).Decision
	}
	assert.Equal(t, sdktrace.Drop, decide(traceSamplerForRatio(0), 1))
	assert.Equal(t, sdktrace.RecordAndSample, decide(traceSamplerForRatio(1), 2))
}

func TestTraceSamplerForRatio_FollowsParent(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)
	parent := func(flags trace.TraceFlags) context.Context {
		return trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{3},
			SpanID:     trace.SpanID{1},
			TraceFlags: flags,
			Remote:     true,
		}))
	}

	sampled := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent(trace.FlagsSampled), TraceID: trace.TraceID{4}, Name: "query.execute",
	})
	assert.Equal(t, sdktrace.RecordAndSample, sampled.Decision)

	dropped := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent(0), TraceID: trace.TraceID{6}, Name: "query.execute",
	})
	assert.Equal(t, sdktrace.Drop, dropped.Decision)
}
