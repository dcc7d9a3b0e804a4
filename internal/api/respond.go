package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// errorResponse is the canonical error body per §7: {error, message, details?}.
type errorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// writeJSON writes data as a JSON response, grounded on
// orchestration/hitl_api.go's writeJSON helper.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes {error, message} with status, where error is the
// taxonomy slug (e.g. "validation_error") and message is human-readable.
func writeError(w http.ResponseWriter, status int, errKind, message string) {
	writeJSON(w, status, errorResponse{Error: errKind, Message: message})
}

// writeFrameworkError maps a gmcore.FrameworkError's Kind to an HTTP
// status per §7's error taxonomy table and writes it. Non-framework
// errors are treated as opaque internal failures.
func writeFrameworkError(w http.ResponseWriter, err error) {
	kind := gmcore.ErrorKind(err)
	status := httpStatusForKind(kind)
	writeError(w, status, string(kind), err.Error())
}

func httpStatusForKind(kind gmcore.Kind) int {
	switch kind {
	case gmcore.KindValidation:
		return http.StatusBadRequest
	case gmcore.KindNotFound:
		return http.StatusNotFound
	case gmcore.KindVersionConflict, gmcore.KindConcurrentUpdate:
		return http.StatusConflict
	case gmcore.KindWaitTimeout, gmcore.KindTimeout:
		return http.StatusGatewayTimeout
	case gmcore.KindRateLimited:
		return http.StatusTooManyRequests
	case gmcore.KindAgentUnreachable, gmcore.KindTargetUnreachable:
		return http.StatusBadGateway
	case gmcore.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case gmcore.KindTemplateError, gmcore.KindAgentFailure, gmcore.KindProviderError, gmcore.KindContextOverflow, gmcore.KindNotHolder, gmcore.KindRemoteError:
		return http.StatusUnprocessableEntity
	case gmcore.KindContended:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
