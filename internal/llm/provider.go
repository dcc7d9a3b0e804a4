package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// baseProvider holds the configuration and helpers shared by every HTTP
// based provider, generalizing providers.BaseClient.
type baseProvider struct {
	httpClient *http.Client
	logger     gmcore.Logger
	telemetry  gmcore.Telemetry

	defaultModel       string
	defaultTemperature float32
	defaultMaxTokens   int
}

func newBaseProvider(timeout time.Duration, logger gmcore.Logger, telemetry gmcore.Telemetry) baseProvider {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = gmcore.NoOpTelemetry{}
	}
	return baseProvider{
		httpClient:         &http.Client{Timeout: timeout},
		logger:             logger,
		telemetry:          telemetry,
		defaultTemperature: 0.7,
		defaultMaxTokens:   1000,
	}
}

func (b *baseProvider) applyDefaults(options *Options) *Options {
	if options == nil {
		options = &Options{}
	}
	cp := *options
	if cp.Model == "" {
		cp.Model = b.defaultModel
	}
	if cp.Temperature == 0 {
		cp.Temperature = b.defaultTemperature
	}
	if cp.MaxTokens == 0 {
		cp.MaxTokens = b.defaultMaxTokens
	}
	return &cp
}

// handleStatus maps an HTTP status from a provider API onto the C5
// failure taxonomy so callers can branch on gmcore.ErrorKind without
// knowing which provider answered.
func handleStatus(op, provider string, statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return gmcore.NewError(op, gmcore.KindRateLimited, provider, fmt.Sprintf("rate limited: %s", body))
	case statusCode == http.StatusRequestEntityTooLarge:
		return gmcore.NewError(op, gmcore.KindContextOverflow, provider, fmt.Sprintf("request too large: %s", body))
	case statusCode >= 500:
		return gmcore.NewError(op, gmcore.KindProviderError, provider, fmt.Sprintf("server error (%d): %s", statusCode, body))
	case statusCode >= 400:
		return gmcore.NewError(op, gmcore.KindProviderError, provider, fmt.Sprintf("client error (%d): %s", statusCode, body))
	default:
		return gmcore.NewError(op, gmcore.KindProviderError, provider, fmt.Sprintf("unexpected status %d: %s", statusCode, body))
	}
}

func isTimeoutErr(ctx context.Context, err error) bool {
	return ctx.Err() == context.DeadlineExceeded || err == context.DeadlineExceeded
}
