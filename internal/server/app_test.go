package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/config"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Direct.RateLimit.DefaultRPS = 0
	return cfg
}

func TestBuild_EndToEndDirectTier(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "sid=abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Hello</title></head><body>` +
			`<div class="ad">buy</div><article><p>story text</p></article></body></html>`))
	}))
	defer upstream.Close()

	cfg := defaultConfig(t)
	cfg.Credentials.Environment = "sid=abc"
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/acquire?url=" + url.QueryEscape(upstream.URL+"/story"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Title    string `json:"title"`
		HTML     string `json:"html"`
		Strategy string `json:"strategy"`
		Tier     string `json:"tier"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Hello", body.Title)
	require.Equal(t, "<p>story text</p>", body.HTML)
	require.Equal(t, "structural", body.Strategy)
	require.Equal(t, "direct", body.Tier)
}

func TestBuild_BlockedBatchFailsLoudly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	app, err := Build(context.Background(), defaultConfig(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	batch := app.Pipeline().Acquire(context.Background(), pipeline.Request{URLs: []string{upstream.URL + "/a"}})
	require.ErrorIs(t, batch.Err(), pipeline.ErrEmptyFeed)
}

func TestBuild_RedisBackend(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Cache.Backend = config.BackendRedis
	cfg.Cache.RedisURL = "redis://localhost:6379/0"
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, app.redis)
	require.NoError(t, app.Close(context.Background()))

	cfg.Cache.RedisURL = "not-a-redis-url"
	_, err = Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "redis client init failed")
}

func TestBuild_InvalidSelectors(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Extract.Primary = []string{"div[["}
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "extractor init failed")

	cfg = defaultConfig(t)
	cfg.Detector.Patterns = []string{"("}
	_, err = Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "detector init failed")
}

func TestBuild_Tracing(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Tracing.Enabled = true
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, app.tracerShutdown)
	require.NoError(t, app.Close(context.Background()))
}

// shutdownRecorder is a span processor that remembers being shut down.
type shutdownRecorder struct {
	shutdown atomic.Bool
}

func (r *shutdownRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}
func (r *shutdownRecorder) OnEnd(sdktrace.ReadOnlySpan)                     {}
func (r *shutdownRecorder) ForceFlush(context.Context) error                { return nil }

func (r *shutdownRecorder) Shutdown(context.Context) error {
	r.shutdown.Store(true)
	return nil
}

func TestBuild_FailureShutsDownTracer(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Tracing.Enabled = true
	cfg.Extract.Primary = []string{"div[["}

	rec := &shutdownRecorder{}
	_, err := build(context.Background(), cfg, nil, sdktrace.WithSpanProcessor(rec))
	require.ErrorContains(t, err, "extractor init failed")
	require.True(t, rec.shutdown.Load())
}
