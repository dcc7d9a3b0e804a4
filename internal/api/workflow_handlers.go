package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

type workflowExecuteRequest struct {
	TemplateName string                 `json:"template_name"`
	Context      map[string]interface{} `json:"context"`
}

// handleWorkflowExecute creates and runs a workflow to its first pause
// or terminal state, returning the resulting snapshot per §6.
func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	var req workflowExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "malformed request body")
		return
	}
	if req.TemplateName == "" {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "template_name required")
		return
	}

	wf, err := s.engine.Execute(r.Context(), req.TemplateName, req.Context)
	if err != nil {
		writeFrameworkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeFrameworkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type workflowResumeRequest struct {
	ApprovalDecision gmcore.ApprovalDecision `json:"approval_decision"`
}

func (s *Server) handleWorkflowResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req workflowResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "malformed request body")
		return
	}
	if req.ApprovalDecision != gmcore.DecisionApproved && req.ApprovalDecision != gmcore.DecisionRejected {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "approval_decision must be \"approved\" or \"rejected\"")
		return
	}

	wf, err := s.engine.Resume(r.Context(), id, req.ApprovalDecision)
	if err != nil {
		writeFrameworkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": s.engine.Templates().List()})
}

// handleApproval is the external HITL confirmation channel addressed by
// approval_id rather than workflow_id, per §4.11's POST /approvals/{id}.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("id")
	var req workflowResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "malformed request body")
		return
	}
	if req.ApprovalDecision != gmcore.DecisionApproved && req.ApprovalDecision != gmcore.DecisionRejected {
		writeError(w, http.StatusBadRequest, string(gmcore.KindValidation), "approval_decision must be \"approved\" or \"rejected\"")
		return
	}

	wf, err := s.engine.ResumeApproval(r.Context(), approvalID, req.ApprovalDecision)
	if err != nil {
		writeFrameworkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotImplemented, "not_found", "metrics exporter not configured")
		return
	}
	s.metrics.MetricsHandler().ServeHTTP(w, r)
}
