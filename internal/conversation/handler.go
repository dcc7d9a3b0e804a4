package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowmesh-dev/conductor/internal/catalog"
	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/llm"
)

// executeMarker is the sentinel prefix the system prompt instructs the
// model to emit when a request actually needs full orchestration rather
// than a direct answer — the one permitted channel to an execute intent
// per §4.8.
const executeMarker = "EXECUTE:"

// chunkEventType is the event-bus topic template a streaming turn's
// deltas are emitted on, one per session, so an SSE handler in
// internal/api can subscribe to exactly its own connection's traffic
// per §4.8's "streams tokens via the event bus's per-connection stream
// channel".
const chunkEventType = "conversation.chunk."

// SessionTopic returns the event-bus topic HandleStreaming publishes
// sessionID's deltas and final payload on, so internal/api can subscribe
// before calling HandleStreaming and relay every event as an SSE frame.
func SessionTopic(sessionID string) string {
	return chunkEventType + sessionID
}

// Handler is the C8 Conversational Handler.
type Handler struct {
	llmClient llm.Client
	primary   llm.ProviderModel
	catalog   *catalog.Catalog
	bus       eventbus.Bus
	sessions  *SessionStore
	logger    gmcore.Logger
	telemetry gmcore.Telemetry
}

// New builds a Handler. catalog and bus may be nil: a nil catalog skips
// tool-schema injection, a nil bus disables per-connection chunk
// publication (HandleStreaming then only returns the final Response).
func New(llmClient llm.Client, primary llm.ProviderModel, cat *catalog.Catalog, bus eventbus.Bus, logger gmcore.Logger, telemetry gmcore.Telemetry) *Handler {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = gmcore.NoOpTelemetry{}
	}
	return &Handler{
		llmClient: llmClient,
		primary:   primary,
		catalog:   cat,
		bus:       bus,
		sessions:  NewSessionStore(),
		logger:    logger,
		telemetry: telemetry,
	}
}

// Handle answers msg in a single turn, with no token-by-token delivery.
func (h *Handler) Handle(ctx context.Context, msg Message) (*Response, error) {
	ctx, requestID, span := h.start(ctx, msg, "conversation.handle")
	defer span.End()

	completion, err := h.llmClient.Complete(ctx, h.buildPrompt(msg), h.completionOptions(msg))
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "conversation turn failed", map[string]interface{}{
			"request_id": requestID,
			"session_id": msg.SessionID,
			"error":      err.Error(),
		})
		return nil, err
	}

	h.sessions.Append(msg.SessionID, msg.Text, completion.Content)
	return toResponse(completion), nil
}

// HandleStreaming answers msg token-by-token, publishing each delta on
// the session's event-bus topic and returning the accumulated final
// Response once the model finishes.
func (h *Handler) HandleStreaming(ctx context.Context, msg Message) (*Response, error) {
	ctx, requestID, span := h.start(ctx, msg, "conversation.handle_streaming")
	defer span.End()

	topic := SessionTopic(msg.SessionID)
	index := 0
	opts := h.completionOptions(msg)
	opts.StreamCallback = func(chunk llm.Chunk) error {
		if h.bus == nil {
			return nil
		}
		event := gmcore.Event{
			Type:          topic,
			SourceAgent:   "conversation-handler",
			CorrelationID: requestID,
			Payload:       encodeChunk(chunk, index),
			EmittedAt:     time.Now(),
		}
		index++
		return h.bus.Emit(ctx, event)
	}

	completion, err := h.llmClient.Stream(ctx, h.buildPrompt(msg), opts)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "streaming conversation turn failed", map[string]interface{}{
			"request_id": requestID,
			"session_id": msg.SessionID,
			"error":      err.Error(),
		})
		return nil, err
	}

	h.sessions.Append(msg.SessionID, msg.Text, completion.Content)
	response := toResponse(completion)
	if h.bus != nil {
		_ = h.bus.Emit(ctx, gmcore.Event{
			Type:          topic,
			SourceAgent:   "conversation-handler",
			CorrelationID: requestID,
			Payload:       encodeFinal(response),
			EmittedAt:     time.Now(),
		})
	}
	return response, nil
}

func (h *Handler) start(ctx context.Context, msg Message, spanName string) (context.Context, string, gmcore.Span) {
	requestID := fmt.Sprintf("conv-%d", time.Now().UnixNano())
	ctx = WithRequestID(ctx, requestID)
	ctx = WithMetadata(ctx, msg.Metadata)

	ctx, span := h.telemetry.StartSpan(ctx, spanName)
	span.SetAttribute("request_id", requestID)
	span.SetAttribute("session_id", msg.SessionID)
	return ctx, requestID, span
}

func (h *Handler) completionOptions(msg Message) *llm.Options {
	opts := &llm.Options{
		Model:    h.primary.Model,
		Metadata: map[string]interface{}{},
	}
	if history := h.sessions.History(msg.SessionID); len(history) > 0 {
		opts.Metadata["history"] = history
	}
	if h.catalog != nil {
		for _, tool := range h.catalog.Select(msg.Text, msg.UserID, catalog.StrategyMinimal) {
			opts.Tools = append(opts.Tools, llm.ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
	}
	return opts
}

func (h *Handler) buildPrompt(msg Message) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if h.catalog != nil {
		if tools := h.catalog.Select(msg.Text, msg.UserID, catalog.StrategyMinimal); len(tools) > 0 {
			b.WriteString("\nAvailable tools:\n")
			b.WriteString(catalog.FormatForLLM(tools))
		}
	}
	for _, turn := range h.sessions.History(msg.SessionID) {
		fmt.Fprintf(&b, "\n%s: %s", turn.Role, turn.Content)
	}
	fmt.Fprintf(&b, "\nuser: %s", msg.Text)
	return b.String()
}

const systemPreamble = "You are a direct-answer assistant. Answer the user's request yourself " +
	"using any tools listed below. Only if the request genuinely requires a " +
	"multi-step plan across several specialist agents, respond with a single " +
	"line starting with \"" + executeMarker + "\" followed by the request to " +
	"hand off, instead of answering it yourself."

// toResponse converts a terminal completion into a Response, detecting
// the one sentinel that signals an ExecuteIntent hand-off.
func toResponse(completion *llm.Completion) *Response {
	content := completion.Content
	if strings.HasPrefix(strings.TrimSpace(content), executeMarker) {
		request := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), executeMarker))
		return &Response{
			Type: ResponseTypeComplete,
			ExecuteIntent: &ExecuteIntent{
				Request: request,
				Reason:  "conversation handler judged this request too complex for a direct answer",
			},
		}
	}
	return &Response{Text: content, Type: ResponseTypeComplete}
}
