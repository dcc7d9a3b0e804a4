// Package config loads process configuration from environment variables
// with the same three-layer precedence as the teacher framework: defaults,
// then environment variables, then functional options — but parsed by
// hand per field rather than through reflection, matching core/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-tunable setting recognized by the core,
// per the spec's external-interfaces environment variable list.
type Config struct {
	Port int

	DatabaseURL       string
	AgentRegistryURL  string
	EventBusURL       string
	OrchestratorURL   string

	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string

	EnableIntentRouting bool

	LockLeaseSeconds           int
	LockWaitSeconds            int
	AgentRequestTimeoutSeconds int
	LLMTimeoutSeconds          int

	HTTP HTTPConfig
	CORS CORSConfig

	LogLevel  string
	LogFormat string
	DevMode   bool
}

// HTTPConfig mirrors the teacher's server timeout knobs.
type HTTPConfig struct {
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// CORSConfig mirrors the teacher's CORS surface, used by internal/api.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// Option mutates a Config at construction time; applied after env-var
// defaults so explicit options always win.
type Option func(*Config)

// Default returns the baseline configuration before environment
// variables or options are applied.
func Default() *Config {
	return &Config{
		Port:                       8080,
		LLMProvider:                "bedrock",
		EnableIntentRouting:        true,
		LockLeaseSeconds:           300,
		LockWaitSeconds:            300,
		AgentRequestTimeoutSeconds: 60,
		LLMTimeoutSeconds:          60,
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0, // streaming responses must not be cut off
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         86400,
		},
		LogLevel:  "INFO",
		LogFormat: "text",
	}
}

// Load builds a Config from defaults, then environment variables, then
// the supplied options, and validates the result.
func Load(opts ...Option) (*Config, error) {
	c := Default()
	c.loadFromEnv()
	c.detectEnvironment()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("AGENT_REGISTRY_URL"); v != "" {
		c.AgentRegistryURL = v
	}
	if v := os.Getenv("EVENT_BUS_URL"); v != "" {
		c.EventBusURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		c.OrchestratorURL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("ENABLE_INTENT_ROUTING"); v != "" {
		c.EnableIntentRouting = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOCK_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LockLeaseSeconds = n
		}
	}
	if v := os.Getenv("LOCK_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LockWaitSeconds = n
		}
	}
	if v := os.Getenv("AGENT_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AgentRequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLMTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("CONDUCTOR_CORS_ORIGINS"); v != "" {
		c.CORS.Enabled = true
		c.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("CONDUCTOR_DEV_MODE"); v != "" {
		c.DevMode = strings.EqualFold(v, "true")
	}
}

// detectEnvironment auto-switches JSON logging in Kubernetes, matching
// the teacher's DetectEnvironment behavior.
func (c *Config) detectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.LogFormat = "json"
	}
}

// Validate enforces boundary invariants before the process starts
// serving traffic.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LockLeaseSeconds <= 0 {
		return fmt.Errorf("LOCK_LEASE_SECONDS must be positive")
	}
	return nil
}

// WithPort overrides the bind port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithDatabaseURL overrides the state store DSN.
func WithDatabaseURL(url string) Option {
	return func(c *Config) { c.DatabaseURL = url }
}
