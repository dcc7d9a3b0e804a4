package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// ChainClient wraps a named set of providers and implements the §4.5
// failure semantics on top of them: rate_limited retries with jitter
// inside a bounded budget, provider_error advances options.FallbackChain,
// context_overflow truncates history from the oldest non-system turn and
// retries once. Grounded on ai/chain_client.go's named-provider map plus
// fallback-on-error loop, generalized from that file's hardcoded
// provider priority list to the spec's explicit per-call FallbackChain.
//
// Retrying is handled here rather than via resilience.Retry: that helper
// retries every error alike and rewraps the final failure under a single
// timeout sentinel, which would discard the rate_limited/provider_error/
// context_overflow distinction this client needs to branch on.
type ChainClient struct {
	providers map[string]Client
	primary   ProviderModel
	logger    gmcore.Logger

	maxRateLimitRetries int
	baseBackoff         time.Duration
	maxBackoff          time.Duration
}

var _ Client = (*ChainClient)(nil)

// NewChainClient builds a chain whose default (primary) provider is
// primary.Provider, resolved from providers.
func NewChainClient(providers map[string]Client, primary ProviderModel, logger gmcore.Logger) *ChainClient {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	return &ChainClient{
		providers:           providers,
		primary:             primary,
		logger:              logger,
		maxRateLimitRetries: 3,
		baseBackoff:         200 * time.Millisecond,
		maxBackoff:          5 * time.Second,
	}
}

// candidates returns the (provider, model) attempts in order: primary
// first, then options.FallbackChain, deduplicated by provider name.
func (c *ChainClient) candidates(options *Options) []ProviderModel {
	seen := map[string]bool{c.primary.Provider: true}
	model := options.Model
	if model == "" {
		model = c.primary.Model
	}
	chain := []ProviderModel{{Provider: c.primary.Provider, Model: model}}
	for _, pm := range options.FallbackChain {
		if seen[pm.Provider] {
			continue
		}
		seen[pm.Provider] = true
		chain = append(chain, pm)
	}
	return chain
}

// truncateHistory drops the oldest non-system turn, deterministically,
// per §4.5's context_overflow recovery. When that turn is the last entry
// of history, history is returned unchanged.
func truncateHistory(history []Message) []Message {
	for i, msg := range history {
		if msg.Role != "system" {
			if i+1 >= len(history) {
				return history
			}
			return append(append([]Message{}, history[:i]...), history[i+1:]...)
		}
	}
	return history
}

func (c *ChainClient) jitteredBackoff(attempt int) time.Duration {
	backoff := c.baseBackoff * time.Duration(1<<uint(attempt))
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
	return backoff/2 + jitter/2
}

// callWithRateLimitRetry calls fn, retrying with jitter while the error
// classifies as rate_limited, up to maxRateLimitRetries attempts.
func (c *ChainClient) callWithRateLimitRetry(ctx context.Context, providerName string, fn func() (*Completion, error)) (*Completion, error) {
	var result *Completion
	var err error
	for attempt := 0; attempt <= c.maxRateLimitRetries; attempt++ {
		result, err = fn()
		if err == nil || gmcore.ErrorKind(err) != gmcore.KindRateLimited {
			return result, err
		}
		if attempt == c.maxRateLimitRetries {
			break
		}
		delay := c.jitteredBackoff(attempt)
		c.logger.Debug("llm rate limited, retrying with jitter", map[string]interface{}{
			"provider": providerName,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return result, err
}

// Complete tries each candidate provider in order. rate_limited retries
// in place with jitter; any other failure advances to the next
// candidate; context_overflow truncates history (if supplied via
// options.Metadata["history"]) and retries the whole chain once.
func (c *ChainClient) Complete(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	if options == nil {
		options = &Options{}
	}
	var lastErr error
	for _, candidate := range c.candidates(options) {
		provider, ok := c.providers[candidate.Provider]
		if !ok {
			continue
		}
		callOptions := *options
		callOptions.Model = candidate.Model

		result, err := c.callWithRateLimitRetry(ctx, candidate.Provider, func() (*Completion, error) {
			return provider.Complete(ctx, prompt, &callOptions)
		})
		if err == nil {
			return result, nil
		}

		if gmcore.ErrorKind(err) == gmcore.KindContextOverflow {
			if history, ok := options.Metadata["history"].([]Message); ok && len(history) > 0 {
				shortened := truncateHistory(history)
				if len(shortened) < len(history) {
					retryOptions := *options
					retryOptions.Metadata = cloneMetadata(options.Metadata)
					retryOptions.Metadata["history"] = shortened
					retryOptions.Metadata["context_overflow_retried"] = true
					if _, already := options.Metadata["context_overflow_retried"]; !already {
						return c.Complete(ctx, prompt, &retryOptions)
					}
				}
			}
		}

		lastErr = err
		c.logger.Warn("llm provider failed, advancing fallback chain", map[string]interface{}{
			"provider": candidate.Provider,
			"error":    err.Error(),
		})
	}
	if lastErr == nil {
		lastErr = gmcore.NewError("llm.complete", gmcore.KindProviderError, c.primary.Provider, "no provider configured")
	}
	return nil, lastErr
}

// Stream mirrors Complete's fallback behavior for the streaming path.
// Rate limiting mid-stream is not retried (partial tokens may already
// have reached the caller's StreamCallback); it simply advances the
// chain like any other provider failure.
func (c *ChainClient) Stream(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	if options == nil {
		options = &Options{}
	}
	var lastErr error
	for _, candidate := range c.candidates(options) {
		provider, ok := c.providers[candidate.Provider]
		if !ok {
			continue
		}
		callOptions := *options
		callOptions.Model = candidate.Model

		result, err := provider.Stream(ctx, prompt, &callOptions)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logger.Warn("llm provider stream failed, advancing fallback chain", map[string]interface{}{
			"provider": candidate.Provider,
			"error":    err.Error(),
		})
	}
	if lastErr == nil {
		lastErr = gmcore.NewError("llm.stream", gmcore.KindProviderError, c.primary.Provider, "no provider configured")
	}
	return nil, lastErr
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
