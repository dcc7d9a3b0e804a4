package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// HTTPProvider talks to any OpenAI-compatible chat-completions endpoint,
// generalizing ai/providers/openai/client.go's request shape and its
// Server-Sent-Events streaming parser so the same code serves OpenAI,
// Azure OpenAI, or a self-hosted OpenAI-compatible gateway selected via
// LLM_PROVIDER/LLM_BASE_URL.
type HTTPProvider struct {
	baseProvider
	name    string
	apiKey  string
	baseURL string
}

var _ Client = (*HTTPProvider)(nil)

// NewHTTPProvider builds a provider against baseURL (e.g.
// "https://api.openai.com/v1") using apiKey as a bearer token.
func NewHTTPProvider(name, apiKey, baseURL, defaultModel string, logger gmcore.Logger, telemetry gmcore.Telemetry) *HTTPProvider {
	p := &HTTPProvider{
		baseProvider: newBaseProvider(180*time.Second, logger, telemetry),
		name:         name,
		apiKey:       apiKey,
		baseURL:      baseURL,
	}
	p.defaultModel = defaultModel
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatStreamDelta struct {
	Content string `json:"content"`
}

type chatStreamChoice struct {
	Delta        chatStreamDelta `json:"delta"`
	FinishReason string          `json:"finish_reason"`
}

type chatStreamResponse struct {
	Model   string             `json:"model"`
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage"`
}

func buildMessages(prompt string, options *Options) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if system, ok := options.Metadata["system_prompt"].(string); ok && system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return messages
}

// Complete issues a single non-streaming chat-completion call.
func (p *HTTPProvider) Complete(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "llm.complete")
	defer span.End()
	span.SetAttribute("llm.provider", p.name)

	if p.apiKey == "" {
		err := gmcore.NewError("llm.complete", gmcore.KindProviderError, p.name, "API key not configured")
		span.RecordError(err)
		return nil, err
	}

	options = p.applyDefaults(options)
	span.SetAttribute("llm.model", options.Model)

	reqBody := chatRequest{
		Model:       options.Model,
		Messages:    buildMessages(prompt, options),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Stop:        options.Stop,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, gmcore.Wrap("llm.complete", gmcore.KindValidation, p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, gmcore.Wrap("llm.complete", gmcore.KindValidation, p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(ctx, err) {
			return nil, gmcore.NewError("llm.complete", gmcore.KindTimeout, p.name, err.Error())
		}
		return nil, gmcore.Wrap("llm.complete", gmcore.KindProviderError, p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gmcore.Wrap("llm.complete", gmcore.KindProviderError, p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := handleStatus("llm.complete", p.name, resp.StatusCode, body)
		span.RecordError(err)
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gmcore.Wrap("llm.complete", gmcore.KindProviderError, p.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, gmcore.NewError("llm.complete", gmcore.KindProviderError, p.name, "no choices returned")
	}

	result := &Completion{
		Content:  parsed.Choices[0].Message.Content,
		Model:    parsed.Model,
		Provider: p.name,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	span.SetAttribute("llm.total_tokens", result.Usage.TotalTokens)
	return result, nil
}

// Stream issues a streaming chat-completion call, parsing the
// "data: {json}"-per-line / "data: [DONE]" SSE wire format.
func (p *HTTPProvider) Stream(ctx context.Context, prompt string, options *Options) (*Completion, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "llm.stream")
	defer span.End()
	span.SetAttribute("llm.provider", p.name)

	if p.apiKey == "" {
		err := gmcore.NewError("llm.stream", gmcore.KindProviderError, p.name, "API key not configured")
		span.RecordError(err)
		return nil, err
	}

	options = p.applyDefaults(options)
	span.SetAttribute("llm.model", options.Model)

	reqBody := chatRequest{
		Model:       options.Model,
		Messages:    buildMessages(prompt, options),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Stop:        options.Stop,
		Stream:      true,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, gmcore.Wrap("llm.stream", gmcore.KindValidation, p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, gmcore.Wrap("llm.stream", gmcore.KindValidation, p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(ctx, err) {
			return nil, gmcore.NewError("llm.stream", gmcore.KindTimeout, p.name, err.Error())
		}
		return nil, gmcore.Wrap("llm.stream", gmcore.KindProviderError, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := handleStatus("llm.stream", p.name, resp.StatusCode, body)
		span.RecordError(err)
		return nil, err
	}

	reader := bufio.NewReader(resp.Body)
	var fullContent strings.Builder
	var model string
	var usage Usage
	chunkIndex := 0
	var finishReason string

	for {
		select {
		case <-ctx.Done():
			return &Completion{Content: fullContent.String(), Model: model, Provider: p.name, Usage: usage}, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return &Completion{Content: fullContent.String(), Model: model, Provider: p.name, Usage: usage},
				gmcore.Wrap("llm.stream", gmcore.KindProviderError, p.name, err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "data: [DONE]" {
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if model == "" && chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				fullContent.WriteString(choice.Delta.Content)
				if options.StreamCallback != nil {
					cbErr := options.StreamCallback(Chunk{Content: choice.Delta.Content, Delta: true, Index: chunkIndex, Model: model})
					chunkIndex++
					if cbErr != nil {
						return &Completion{Content: fullContent.String(), Model: model, Provider: p.name, Usage: usage}, nil
					}
				} else {
					chunkIndex++
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}

	if finishReason != "" && options.StreamCallback != nil {
		_ = options.StreamCallback(Chunk{Delta: false, Index: chunkIndex, FinishReason: finishReason, Model: model, Usage: &usage})
	}

	result := &Completion{Content: fullContent.String(), Model: model, Provider: p.name, Usage: usage}
	span.SetAttribute("llm.total_tokens", result.Usage.TotalTokens)
	return result, nil
}
