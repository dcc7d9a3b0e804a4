package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// fakeProvider is a scripted Client for exercising ChainClient's
// fallback/retry semantics without a network call, in the spirit of
// ai/providers/mock's scripted test double.
type fakeProvider struct {
	responses []error
	calls     int
	content   string
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	var err error
	if f.calls < len(f.responses) {
		err = f.responses[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return &Completion{Content: f.content, Model: options.Model}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	return f.Complete(ctx, prompt, options)
}

func TestChainClient_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{content: "hello"}
	c := NewChainClient(map[string]Client{"primary": primary}, ProviderModel{Provider: "primary", Model: "m1"}, gmcore.NoOpLogger{})

	result, err := c.Complete(context.Background(), "hi", &Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, 1, primary.calls)
}

func TestChainClient_AdvancesFallbackOnProviderError(t *testing.T) {
	primary := &fakeProvider{responses: []error{gmcore.NewError("llm", gmcore.KindProviderError, "primary", "down")}}
	fallback := &fakeProvider{content: "from fallback"}

	c := NewChainClient(map[string]Client{"primary": primary, "secondary": fallback}, ProviderModel{Provider: "primary", Model: "m1"}, gmcore.NoOpLogger{})

	result, err := c.Complete(context.Background(), "hi", &Options{
		FallbackChain: []ProviderModel{{Provider: "secondary", Model: "m2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", result.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestChainClient_RetriesRateLimitedInPlace(t *testing.T) {
	primary := &fakeProvider{
		responses: []error{
			gmcore.NewError("llm", gmcore.KindRateLimited, "primary", "slow down"),
			gmcore.NewError("llm", gmcore.KindRateLimited, "primary", "slow down"),
		},
		content: "finally",
	}
	c := NewChainClient(map[string]Client{"primary": primary}, ProviderModel{Provider: "primary", Model: "m1"}, gmcore.NoOpLogger{})
	c.baseBackoff = 0

	result, err := c.Complete(context.Background(), "hi", &Options{})
	require.NoError(t, err)
	assert.Equal(t, "finally", result.Content)
	assert.Equal(t, 3, primary.calls)
}

func TestChainClient_ContextOverflowTruncatesAndRetriesOnce(t *testing.T) {
	primary := &fakeProvider{
		responses: []error{
			gmcore.NewError("llm", gmcore.KindContextOverflow, "primary", "too long"),
		},
		content: "shortened ok",
	}
	c := NewChainClient(map[string]Client{"primary": primary}, ProviderModel{Provider: "primary", Model: "m1"}, gmcore.NoOpLogger{})

	history := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "first turn"},
		{Role: "assistant", Content: "reply"},
	}
	result, err := c.Complete(context.Background(), "hi", &Options{
		Metadata: map[string]interface{}{"history": history},
	})
	require.NoError(t, err)
	assert.Equal(t, "shortened ok", result.Content)
	assert.Equal(t, 2, primary.calls)
}

func TestTruncateHistory_DropsOldestNonSystemTurn(t *testing.T) {
	history := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "oldest"},
		{Role: "assistant", Content: "reply"},
	}
	shortened := truncateHistory(history)
	require.Len(t, shortened, 2)
	assert.Equal(t, "system", shortened[0].Role)
	assert.Equal(t, "reply", shortened[1].Content)
}

func TestChainClient_AllProvidersFail(t *testing.T) {
	primary := &fakeProvider{responses: []error{gmcore.NewError("llm", gmcore.KindProviderError, "primary", "down")}}
	c := NewChainClient(map[string]Client{"primary": primary}, ProviderModel{Provider: "primary", Model: "m1"}, gmcore.NoOpLogger{})

	_, err := c.Complete(context.Background(), "hi", &Options{})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindProviderError, gmcore.ErrorKind(err))
}
