package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/flowmesh-dev/conductor/internal/config"
	"github.com/flowmesh-dev/conductor/internal/conversation"
	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/router"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/workflow"
)

// MetricsHandler is the subset of internal/telemetry.Provider the server
// needs for GET /metrics, kept as an interface so tests can stub it.
type MetricsHandler interface {
	MetricsHandler() http.Handler
}

// Server is the C11 API Surface: one process-wide http.Handler wiring
// C7's Classify, C8's Handler, C9's Runner (via /agent-request), C10's
// Engine, and a Prometheus metrics endpoint behind the teacher's
// middleware stack. Grounded on core/agent.go's BaseAgent, narrowed from
// its per-capability mux registration to the fixed endpoint list §4.11
// names.
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	router router.Config

	conversation *conversation.Handler
	engine       *workflow.Engine
	specialists  *specialist.Runner
	bus          eventbus.Bus
	metrics      MetricsHandler

	logger    gmcore.Logger
	telemetry gmcore.Telemetry

	mu              sync.RWMutex
	requestHandlers map[string]eventbus.RequestHandler
}

// New builds a Server and registers every §4.11 route. metrics may be
// nil, in which case GET /metrics returns 501.
func New(cfg *config.Config, conv *conversation.Handler, engine *workflow.Engine, specialists *specialist.Runner, bus eventbus.Bus, metrics MetricsHandler, routerCfg router.Config, logger gmcore.Logger, telemetry gmcore.Telemetry) *Server {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = gmcore.NoOpTelemetry{}
	}
	s := &Server{
		cfg:             cfg,
		mux:             http.NewServeMux(),
		router:          routerCfg,
		conversation:    conv,
		engine:          engine,
		specialists:     specialists,
		bus:             bus,
		metrics:         metrics,
		logger:          logger,
		telemetry:       telemetry,
		requestHandlers: make(map[string]eventbus.RequestHandler),
	}
	s.routes()
	return s
}

// RegisterRequestHandler makes requestType routable through
// POST /agent-request, the receive side of a C4 request/response call
// addressed to this process. cmd/conductor wires at least
// "execute_workflow" here so an external agent can trigger a template
// run without going through /workflow/execute directly.
func (s *Server) RegisterRequestHandler(requestType string, handler eventbus.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandlers[requestType] = handler
}

func (s *Server) requestHandler(requestType string) (eventbus.RequestHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.requestHandlers[requestType]
	return h, ok
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	s.mux.HandleFunc("POST /execute/stream", s.handleExecuteStream)
	s.mux.HandleFunc("POST /workflow/execute", s.handleWorkflowExecute)
	s.mux.HandleFunc("GET /workflow/status/{id}", s.handleWorkflowStatus)
	s.mux.HandleFunc("POST /workflow/resume/{id}", s.handleWorkflowResume)
	s.mux.HandleFunc("GET /workflow/templates", s.handleWorkflowTemplates)
	s.mux.HandleFunc("POST /approvals/{id}", s.handleApproval)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("POST /agent-request", s.handleAgentRequest)
}

// Handler returns the fully wrapped http.Handler, ordered outermost to
// innermost CORS -> logging -> recovery -> mux, per core/agent.go's
// Start(). There is no separate "user middleware" layer to splice in
// between CORS and logging here (the teacher's config-supplied slot),
// since nothing in this core registers handler-level middleware beyond
// the fixed stack.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		corsMiddleware(s.cfg.CORS),
		loggingMiddleware(s.logger, s.cfg.DevMode),
		recoveryMiddleware(s.logger),
	)
}

// HTTPServer builds an *http.Server from cfg.HTTP, timeouts included;
// config.Default sets WriteTimeout to zero so streaming responses are
// never cut off mid-stream.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
		IdleTimeout:       s.cfg.HTTP.IdleTimeout,
	}
}

// Shutdown gracefully stops srv, bounded by cfg.HTTP.ShutdownTimeout.
func (s *Server) Shutdown(parent context.Context, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
