package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// agentRequestBody is the wire shape every specialist's receive side
// accepts, per §6's "Agent-request receive" example.
type agentRequestBody struct {
	RequestType   string          `json:"request_type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	SourceAgent   string          `json:"source_agent"`
}

// handleAgentRequest is this process's own receive side of a C4
// request/response call, dispatching by request_type to whatever was
// registered via RegisterRequestHandler. Grounded on
// core/agent.go's handleCapabilityRequest, which decodes the body,
// invokes a named capability, and returns {status, result} — narrowed
// here to one shared JSON envelope since this core's specialists
// communicate over the event bus rather than one HTTP route per
// capability.
func (s *Server) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	var body agentRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "malformed request body")
		return
	}
	if body.RequestType == "" {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "request_type required")
		return
	}

	handler, ok := s.requestHandler(body.RequestType)
	if !ok {
		writeError(w, http.StatusNotFound, string(gmcore.KindNotFound), "no handler registered for request_type "+body.RequestType)
		return
	}

	result, err := handler(r.Context(), body.RequestType, body.Payload)
	if err != nil {
		writeFrameworkError(w, err)
		return
	}

	var decoded interface{}
	if len(result) > 0 {
		if jsonErr := json.Unmarshal(result, &decoded); jsonErr != nil {
			decoded = string(result)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "result": decoded})
}
