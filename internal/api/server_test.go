package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/config"
	"github.com/flowmesh-dev/conductor/internal/conversation"
	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/llm"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/registry"
	"github.com/flowmesh-dev/conductor/internal/router"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/store"
	"github.com/flowmesh-dev/conductor/internal/workflow"
)

// fakeLLM scripts llm.Client with a canned completion and, for Stream,
// a single synchronous callback invocation, in the spirit of
// internal/conversation's own fakeLLM test double.
type fakeLLM struct {
	content string
	err     error
}

var _ llm.Client = (*fakeLLM)(nil)

func (f *fakeLLM) Complete(ctx context.Context, prompt string, options *llm.Options) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.content}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, prompt string, options *llm.Options) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	if options != nil && options.StreamCallback != nil {
		_ = options.StreamCallback(llm.Chunk{Content: f.content, Delta: true})
	}
	return &llm.Completion{Content: f.content}, nil
}

// fakeMetrics stubs MetricsHandler so GET /metrics tests don't need a
// real telemetry.Provider.
type fakeMetrics struct {
	body string
}

func (f *fakeMetrics) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.body))
	})
}

// testHarness bundles a Server with the collaborators a test may want to
// reach into directly (e.g. to register a template before exercising
// /workflow/execute).
type testHarness struct {
	server    *Server
	engine    *workflow.Engine
	templates *workflow.Templates
	bus       eventbus.Bus
	metrics   *fakeMetrics
}

// newTestLockManager mirrors internal/workflow/engine_test.go's fixture
// of the same name: a miniredis-backed lock.Manager good for one test.
func newTestLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return lock.New(client, "test", gmcore.NoOpLogger{})
}

func newTestHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	bus := eventbus.NewInProcessBus(gmcore.NoOpLogger{})

	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	require.NoError(t, reg.Register(context.Background(), &gmcore.AgentProfile{ID: "billing-agent"}))
	runner := specialist.New(reg, newTestLockManager(t), bus, nil, gmcore.NoOpLogger{}, nil)

	st := store.NewMemoryStore()
	templates := workflow.NewTemplates()
	engine := workflow.New(st, templates, runner, newTestLockManager(t), nil, llm.ProviderModel{Provider: "primary", Model: "m1"}, bus, nil, gmcore.NoOpLogger{}, nil)

	conv := conversation.New(&fakeLLM{content: "hello there"}, llm.ProviderModel{Provider: "primary", Model: "m1"}, nil, bus, gmcore.NoOpLogger{}, nil)

	metrics := &fakeMetrics{body: "# HELP conductor_up\nconductor_up 1\n"}

	srv := New(cfg, conv, engine, runner, bus, metrics, router.DefaultConfig(), gmcore.NoOpLogger{}, nil)

	return &testHarness{server: srv, engine: engine, templates: templates, bus: bus, metrics: metrics}
}

func TestHealth_ReturnsHealthy(t *testing.T) {
	h := newTestHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetrics_DelegatesToProvider(t *testing.T) {
	h := newTestHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductor_up 1")
}

func TestMetrics_NilProvider_Returns501(t *testing.T) {
	cfg := &config.Config{}
	bus := eventbus.NewInProcessBus(gmcore.NoOpLogger{})
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	runner := specialist.New(reg, newTestLockManager(t), bus, nil, gmcore.NoOpLogger{}, nil)
	st := store.NewMemoryStore()
	templates := workflow.NewTemplates()
	engine := workflow.New(st, templates, runner, newTestLockManager(t), nil, llm.ProviderModel{}, bus, nil, gmcore.NoOpLogger{}, nil)
	srv := New(cfg, nil, engine, runner, bus, nil, router.DefaultConfig(), gmcore.NoOpLogger{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCORS_DisabledByDefault_OmitsHeaders(t *testing.T) {
	h := newTestHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()

	h.server.Handler().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_EnabledWildcard_EchoesOriginAndHandlesPreflight(t *testing.T) {
	cfg := &config.Config{CORS: config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}}
	h := newTestHarness(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_EnabledOriginNotAllowed_OmitsHeader(t *testing.T) {
	cfg := &config.Config{CORS: config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://trusted.example.com"},
	}}
	h := newTestHarness(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	h := newTestHarness(t, nil)
	h.server.mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}
