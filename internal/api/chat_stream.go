package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/flowmesh-dev/conductor/internal/conversation"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/router"
)

type chatStreamRequest struct {
	Message   string                 `json:"message"`
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`

	// TemplateName selects the registered template an orchestration-path
	// turn runs against. Required when the classified intent isn't
	// qa/simple_task, or when calling /execute/stream directly, since C10
	// only knows how to advance a declarative template, never free text.
	TemplateName string `json:"template_name,omitempty"`
}

// handleChatStream is POST /chat/stream: classify via C7, then either
// drive C8 (qa/simple_task) or C10 (everything else), relaying progress
// as SSE frames per §6's bare data-only framing.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, sessionID, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	intent := router.Classify(req.Message, router.Context{}, s.router)
	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by this connection")
		return
	}

	switch intent {
	case router.IntentQA, router.IntentSimpleTask:
		s.streamConversation(r.Context(), stream, req, sessionID)
	default:
		s.streamOrchestration(r.Context(), stream, req, sessionID)
	}
}

// handleExecuteStream is POST /execute/stream: the unconditional
// orchestration path, skipping C7 classification entirely.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, sessionID, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by this connection")
		return
	}
	s.streamOrchestration(r.Context(), stream, req, sessionID)
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatStreamRequest, string, bool) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "malformed request body")
		return req, "", false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "message required")
		return req, "", false
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return req, sessionID, true
}

// wireChunk and wireFinal mirror internal/conversation/wire.go's
// unexported chunkPayload/finalPayload shapes; duck-typed here via JSON
// rather than shared types, since the conversation package intentionally
// keeps its wire structs private to its own event payloads.
type wireChunk struct {
	Content string `json:"content"`
	Delta   bool   `json:"delta"`
}

type wireFinal struct {
	Text          string                    `json:"text"`
	ExecuteIntent *conversation.ExecuteIntent `json:"execute_intent,omitempty"`
	Final         bool                      `json:"final"`
}

// streamConversation drives C8's streaming turn, relaying every chunk
// event published on the session's bus topic as a content SSE frame.
func (s *Server) streamConversation(ctx context.Context, stream *sseStream, req chatStreamRequest, sessionID string) {
	if s.conversation == nil || s.bus == nil {
		writeStreamError(stream, "internal_error", "conversational handler not configured")
		return
	}

	var execIntent *conversation.ExecuteIntent
	unsubscribe := s.bus.Subscribe(conversation.SessionTopic(sessionID), func(ctx context.Context, event gmcore.Event) error {
		var final wireFinal
		if err := json.Unmarshal(event.Payload, &final); err == nil && final.Final {
			execIntent = final.ExecuteIntent
			return nil
		}
		var chunk wireChunk
		if err := json.Unmarshal(event.Payload, &chunk); err == nil {
			stream.send(contentEvent{Type: "content", Content: chunk.Content})
		}
		return nil
	})
	defer unsubscribe()

	_, err := s.conversation.HandleStreaming(ctx, conversation.Message{
		Text:      req.Message,
		SessionID: sessionID,
		UserID:    req.UserID,
		Metadata:  req.Context,
	})
	if err != nil {
		writeStreamError(stream, string(gmcore.ErrorKind(err)), err.Error())
		return
	}

	if execIntent != nil && req.TemplateName != "" {
		s.streamOrchestration(ctx, stream, req, sessionID)
		return
	}

	stream.send(doneEvent{Type: "done", SessionID: sessionID})
	stream.done()
}

// streamOrchestration runs req.TemplateName to completion or pause via
// C10, relaying step_started/step_completed/approval_required as SSE
// frames. It does not stream raw LLM tokens (the engine has none to
// stream outside a decision_gate's one-shot completion); "supervisor-
// filtered tokens" is satisfied here by step-lifecycle progress frames
// instead, since agent_call steps resolve fully before returning.
func (s *Server) streamOrchestration(ctx context.Context, stream *sseStream, req chatStreamRequest, sessionID string) {
	if req.TemplateName == "" {
		writeStreamError(stream, string(gmcore.KindValidation), "template_name required for the orchestration path")
		return
	}

	var unsubs []func()
	if s.bus != nil {
		relayStep := func(eventType string) func(context.Context, gmcore.Event) error {
			return func(_ context.Context, event gmcore.Event) error {
				var fields map[string]interface{}
				if err := json.Unmarshal(event.Payload, &fields); err != nil {
					return nil
				}
				stepID, _ := fields["step_id"].(string)
				if eventType == "workflow.step_started" {
					stream.send(stepStartedEvent{Type: "step_started", StepID: stepID})
				} else {
					status, _ := fields["status"].(string)
					stream.send(stepCompletedEvent{Type: "step_completed", StepID: stepID, Status: status})
				}
				return nil
			}
		}
		unsubs = append(unsubs, s.bus.Subscribe("workflow.step_started", relayStep("workflow.step_started")))
		unsubs = append(unsubs, s.bus.Subscribe("workflow.step_completed", relayStep("workflow.step_completed")))
		unsubs = append(unsubs, s.bus.Subscribe("workflow.awaiting_approval", func(_ context.Context, event gmcore.Event) error {
			var fields map[string]interface{}
			if err := json.Unmarshal(event.Payload, &fields); err != nil {
				return nil
			}
			approvalID, _ := fields["approval_id"].(string)
			risk, _ := fields["risk"].(string)
			stream.send(approvalRequiredEvent{Type: "approval_required", ApprovalID: approvalID, Risk: risk})
			return nil
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	wf, err := s.engine.Execute(ctx, req.TemplateName, req.Context)
	if err != nil {
		writeStreamError(stream, string(gmcore.ErrorKind(err)), err.Error())
		return
	}

	stream.send(doneEvent{Type: "done", SessionID: sessionID, WorkflowID: wf.WorkflowID})
	stream.done()
}

func writeStreamError(stream *sseStream, kind, message string) {
	stream.send(errorEvent{Type: "error", Error: kind, Message: message})
	stream.done()
}
