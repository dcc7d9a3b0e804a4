package llm

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// BedrockProvider talks to AWS Bedrock's Converse/ConverseStream APIs,
// carried over unchanged from the teacher's only production AI
// dependency — ai/providers/bedrock/client.go — since the spec names no
// provider of its own and Bedrock's Converse API already speaks the
// prompt-in/completion-out shape Complete/Stream need.
type BedrockProvider struct {
	baseProvider
	client *bedrockruntime.Client
}

var _ Client = (*BedrockProvider)(nil)

// NewBedrockProvider wraps an already-configured bedrockruntime.Client.
func NewBedrockProvider(client *bedrockruntime.Client, defaultModel string, logger gmcore.Logger, telemetry gmcore.Telemetry) *BedrockProvider {
	p := &BedrockProvider{
		baseProvider: newBaseProvider(30*time.Second, logger, telemetry),
		client:       client,
	}
	p.defaultModel = defaultModel
	return p
}

func (p *BedrockProvider) buildInput(prompt string, options *Options) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(options.Model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
	}
	if system, ok := options.Metadata["system_prompt"].(string); ok && system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	inference := &types.InferenceConfiguration{}
	set := false
	if options.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(options.MaxTokens))
		set = true
	}
	if options.Temperature > 0 {
		inference.Temperature = aws.Float32(options.Temperature)
		set = true
	}
	if len(options.Stop) > 0 {
		inference.StopSequences = options.Stop
		set = true
	}
	if set {
		input.InferenceConfig = inference
	}
	return input
}

// Complete issues a single Converse call.
func (p *BedrockProvider) Complete(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "llm.complete")
	defer span.End()
	span.SetAttribute("llm.provider", "bedrock")

	options = p.applyDefaults(options)
	span.SetAttribute("llm.model", options.Model)

	output, err := p.client.Converse(ctx, p.buildInput(prompt, options))
	if err != nil {
		wrapped := classifyBedrockError(ctx, err)
		span.RecordError(wrapped)
		return nil, wrapped
	}

	content, err := extractConverseText(output.Output)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &Completion{Content: content, Model: options.Model, Provider: "bedrock"}
	if output.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	span.SetAttribute("llm.total_tokens", result.Usage.TotalTokens)
	return result, nil
}

// Stream issues a ConverseStream call, forwarding each text delta to
// options.StreamCallback.
func (p *BedrockProvider) Stream(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "llm.stream")
	defer span.End()
	span.SetAttribute("llm.provider", "bedrock")

	options = p.applyDefaults(options)
	span.SetAttribute("llm.model", options.Model)

	converseInput := p.buildInput(prompt, options)
	output, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         converseInput.ModelId,
		Messages:        converseInput.Messages,
		System:          converseInput.System,
		InferenceConfig: converseInput.InferenceConfig,
	})
	if err != nil {
		wrapped := classifyBedrockError(ctx, err)
		span.RecordError(wrapped)
		return nil, wrapped
	}

	stream := output.GetStream()
	defer stream.Close()

	var content string
	var usage Usage
	index := 0

	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				content += delta.Value
				if options.StreamCallback != nil {
					if err := options.StreamCallback(Chunk{Content: delta.Value, Delta: true, Index: index, Model: options.Model}); err != nil {
						return &Completion{Content: content, Model: options.Model, Provider: "bedrock", Usage: usage}, nil
					}
				}
				index++
			}
		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				usage = Usage{
					PromptTokens:     int(aws.ToInt32(v.Value.Usage.InputTokens)),
					CompletionTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
					TotalTokens:      int(aws.ToInt32(v.Value.Usage.TotalTokens)),
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			if options.StreamCallback != nil {
				_ = options.StreamCallback(Chunk{Delta: false, Index: index, FinishReason: string(v.Value.StopReason), Model: options.Model, Usage: &usage})
			}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := classifyBedrockError(ctx, err)
		span.RecordError(wrapped)
		return &Completion{Content: content, Model: options.Model, Provider: "bedrock", Usage: usage}, wrapped
	}

	return &Completion{Content: content, Model: options.Model, Provider: "bedrock", Usage: usage}, nil
}

func extractConverseText(output types.ConverseOutput) (string, error) {
	msg, ok := output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", gmcore.NewError("llm.complete", gmcore.KindProviderError, "bedrock", "unexpected output type from Bedrock")
	}
	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	if text == "" {
		return "", gmcore.NewError("llm.complete", gmcore.KindProviderError, "bedrock", "no text content in Bedrock response")
	}
	return text, nil
}

func classifyBedrockError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return gmcore.NewError("llm", gmcore.KindTimeout, "bedrock", err.Error())
	}

	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return gmcore.NewError("llm", gmcore.KindRateLimited, "bedrock", err.Error())
	}
	var serviceUnavailable *types.ServiceUnavailableException
	if errors.As(err, &serviceUnavailable) {
		return gmcore.NewError("llm", gmcore.KindProviderError, "bedrock", err.Error())
	}
	return gmcore.Wrap("llm", gmcore.KindProviderError, "bedrock", err)
}
