// Command conductor is the process entrypoint: it wires every component
// from C1 through C11 together and serves the C11 API Surface until an
// interrupt or SIGTERM asks it to stop. Grounded on
// examples/agent-with-telemetry/main.go's startup sequence (validate
// config first, initialize telemetry before anything that might emit a
// span, install a signal handler that drives a bounded graceful
// shutdown) and core/discovery.go's redis.ParseURL-then-redis.NewClient
// pattern for every Redis-backed collaborator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-redis/redis/v8"

	"github.com/flowmesh-dev/conductor/internal/api"
	"github.com/flowmesh-dev/conductor/internal/config"
	"github.com/flowmesh-dev/conductor/internal/conversation"
	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/gmlog"
	"github.com/flowmesh-dev/conductor/internal/llm"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/registry"
	"github.com/flowmesh-dev/conductor/internal/router"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/store"
	"github.com/flowmesh-dev/conductor/internal/telemetry"
	"github.com/flowmesh-dev/conductor/internal/workflow"
)

const serviceName = "conductor"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := gmlog.New(serviceName)

	telProvider, err := telemetry.New(serviceName, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		logger.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
		telProvider = nil
	}
	if telProvider != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telProvider.Shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
	var tel gmcore.Telemetry = gmcore.NoOpTelemetry{}
	var metricsHandler api.MetricsHandler
	if telProvider != nil {
		tel = telProvider
		metricsHandler = telProvider
	}

	ctx := context.Background()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}

	reg, locks := buildRegistryAndLocks(cfg, logger)
	bus := buildEventBus(cfg, logger)
	llmClient := buildLLMClient(cfg, logger, tel)

	// No MCP tool-registry client exists in this process (§4.6's
	// catalog.Registry talks to an external tool registry this core
	// doesn't implement a client for): every collaborator below that
	// accepts a *catalog.Catalog gets nil, which both conversation.New
	// and specialist.New document as "skip tool-schema injection/
	// resolution" rather than an error.
	runner := specialist.New(reg, locks, bus, nil, logger, tel)
	templates := workflow.NewTemplates()
	primary := llm.ProviderModel{Provider: cfg.LLMProvider, Model: llmModel(cfg)}
	engine := workflow.New(st, templates, runner, locks, llmClient, primary, bus, nil, logger, tel)
	conv := conversation.New(llmClient, primary, nil, bus, logger, tel)

	routerCfg := router.DefaultConfig()
	if !cfg.EnableIntentRouting {
		// An empty Config's ExplicitCommandPrefix is "", a prefix of
		// every message, so Classify returns explicit_command for every
		// message and /chat/stream always takes the orchestration path:
		// full orchestration when ENABLE_INTENT_ROUTING=false, without a
		// dedicated bypass switch in C7 itself.
		routerCfg = router.Config{}
	}

	srv := api.New(cfg, conv, engine, runner, bus, metricsHandler, routerCfg, logger, tel)
	srv.RegisterRequestHandler("execute_workflow", func(ctx context.Context, requestType string, payload []byte) ([]byte, error) {
		return handleExecuteWorkflowRequest(ctx, engine, payload)
	})

	httpServer := srv.HTTPServer(fmt.Sprintf(":%d", cfg.Port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("conductor listening", map[string]interface{}{"port": cfg.Port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	case err := <-serveErr:
		logger.Error("server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// buildRegistryAndLocks shares one Redis client between C3 and C2 under
// distinct namespaces, falling back to a local address when
// AGENT_REGISTRY_URL is unset so the process still comes up against a
// default docker-compose Redis during development.
func buildRegistryAndLocks(cfg *config.Config, logger gmcore.Logger) (registry.Registry, *lock.Manager) {
	redisURL := cfg.AgentRegistryURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
		logger.Warn("AGENT_REGISTRY_URL unset, defaulting to localhost", nil)
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("agent registry: invalid redis url: %v", err)
	}
	client := redis.NewClient(opt)

	reg := registry.NewRedisRegistry(client, "conductor", registry.DefaultHealthThresholds())
	locks := lock.New(client, "conductor-locks", logger)
	return reg, locks
}

// buildEventBus uses eventbus.RedisBus when EVENT_BUS_URL is configured
// (multi-replica deployments need every replica to see the same
// workflow.step_started/workflow.awaiting_approval traffic); otherwise
// falls back to the in-process bus, correct for a single-replica or
// local-development deployment.
func buildEventBus(cfg *config.Config, logger gmcore.Logger) eventbus.Bus {
	if cfg.EventBusURL == "" {
		return eventbus.NewInProcessBus(logger)
	}
	opt, err := redis.ParseURL(cfg.EventBusURL)
	if err != nil {
		log.Fatalf("event bus: invalid redis url: %v", err)
	}
	client := redis.NewClient(opt)
	return eventbus.NewRedisBus(client, "conductor", logger)
}

// buildLLMClient wraps exactly one configured provider in a ChainClient
// so every caller (C8, C10) goes through the same rate_limited/
// provider_error/context_overflow retry semantics regardless of which
// provider is live; a FallbackChain supplied on a given llm.Options call
// still lets a caller add further providers at the call site.
func buildLLMClient(cfg *config.Config, logger gmcore.Logger, tel gmcore.Telemetry) llm.Client {
	var provider llm.Client
	switch cfg.LLMProvider {
	case "bedrock", "":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("llm: load aws config: %v", err)
		}
		provider = llm.NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg), llmModel(cfg), logger, tel)
	default:
		provider = llm.NewHTTPProvider(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMBaseURL, llmModel(cfg), logger, tel)
	}

	providers := map[string]llm.Client{cfg.LLMProvider: provider}
	return llm.NewChainClient(providers, llm.ProviderModel{Provider: cfg.LLMProvider, Model: llmModel(cfg)}, logger)
}

// llmModel resolves the default model string: LLM_MODEL when set,
// otherwise a provider-appropriate default, since config.Config carries
// no dedicated model field of its own (the model belongs to a specific
// provider, not to the provider-agnostic settings that struct holds).
func llmModel(cfg *config.Config) string {
	if v := os.Getenv("LLM_MODEL"); v != "" {
		return v
	}
	if cfg.LLMProvider == "bedrock" || cfg.LLMProvider == "" {
		return "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return "gpt-4o-mini"
}

// handleExecuteWorkflowRequest is the /agent-request receive-side
// handler registered for request_type "execute_workflow": it lets
// another agent trigger a registered template run over C4 instead of
// calling POST /workflow/execute directly, the same capability exposed
// two ways the teacher's handleCapabilityRequest and HTTP capability
// routes both reach.
func handleExecuteWorkflowRequest(ctx context.Context, engine *workflow.Engine, payload []byte) ([]byte, error) {
	var req struct {
		TemplateName string                 `json:"template_name"`
		Context      map[string]interface{} `json:"context"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, gmcore.NewError("cmd.execute_workflow", gmcore.KindValidation, "", "malformed payload")
	}
	wf, err := engine.Execute(ctx, req.TemplateName, req.Context)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wf)
}
