package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerNoopTemplate(h *testHarness, name string) {
	h.templates.Register(&gmcore.Template{
		Name: name,
		Steps: []gmcore.StepDefinition{
			{ID: "only", Type: gmcore.StepNoop},
		},
	})
}

func TestWorkflowExecute_Success(t *testing.T) {
	h := newTestHarness(t, nil)
	registerNoopTemplate(h, "noop-flow")

	rec := postJSON(t, h.server.Handler(), "/workflow/execute", workflowExecuteRequest{TemplateName: "noop-flow"})

	require.Equal(t, http.StatusOK, rec.Code)
	var wf gmcore.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, gmcore.WorkflowCompleted, wf.Status)
}

func TestWorkflowExecute_MissingTemplateName_Returns400(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/workflow/execute", workflowExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowExecute_UnknownTemplate_Returns400(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/workflow/execute", workflowExecuteRequest{TemplateName: "ghost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(gmcore.KindValidation), body.Error)
}

func TestWorkflowStatus_NotFound_Returns404(t *testing.T) {
	h := newTestHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/workflow/status/ghost", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowStatus_Found(t *testing.T) {
	h := newTestHarness(t, nil)
	registerNoopTemplate(h, "noop-flow")
	wf, err := h.engine.Execute(context.Background(), "noop-flow", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/workflow/status/"+wf.WorkflowID, nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowTemplates_ListsRegistered(t *testing.T) {
	h := newTestHarness(t, nil)
	registerNoopTemplate(h, "noop-flow")

	req := httptest.NewRequest(http.MethodGet, "/workflow/templates", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "noop-flow")
}

func hitlTemplate(name string) *gmcore.Template {
	return &gmcore.Template{
		Name: name,
		Steps: []gmcore.StepDefinition{
			{ID: "gate", Type: gmcore.StepHITLApproval, OnApproved: "done", OnRejected: "done"},
			{ID: "done", Type: gmcore.StepNoop},
		},
	}
}

func TestWorkflowResume_ApprovesAndCompletes(t *testing.T) {
	h := newTestHarness(t, nil)
	h.templates.Register(hitlTemplate("needs-approval"))

	wf, err := h.engine.Execute(context.Background(), "needs-approval", nil)
	require.NoError(t, err)
	require.Equal(t, gmcore.WorkflowPaused, wf.Status)
	require.NotNil(t, wf.PendingApproval)

	rec := postJSON(t, h.server.Handler(), "/workflow/resume/"+wf.WorkflowID, workflowResumeRequest{ApprovalDecision: gmcore.DecisionApproved})

	require.Equal(t, http.StatusOK, rec.Code)
	var resumed gmcore.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, gmcore.WorkflowCompleted, resumed.Status)
}

func TestWorkflowResume_InvalidDecision_Returns400(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/workflow/resume/some-id", map[string]string{"approval_decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproval_ByApprovalID_ResolvesAndCompletes(t *testing.T) {
	h := newTestHarness(t, nil)
	h.templates.Register(hitlTemplate("needs-approval-2"))

	wf, err := h.engine.Execute(context.Background(), "needs-approval-2", nil)
	require.NoError(t, err)
	require.NotNil(t, wf.PendingApproval)

	rec := postJSON(t, h.server.Handler(), "/approvals/"+wf.PendingApproval.ApprovalID, workflowResumeRequest{ApprovalDecision: gmcore.DecisionRejected})

	require.Equal(t, http.StatusOK, rec.Code)
	var resumed gmcore.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, gmcore.WorkflowCompleted, resumed.Status)
}

func TestApproval_UnknownApprovalID_Returns404(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/approvals/ghost", workflowResumeRequest{ApprovalDecision: gmcore.DecisionApproved})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentRequest_RegisteredHandler_ReturnsResult(t *testing.T) {
	h := newTestHarness(t, nil)
	h.server.RegisterRequestHandler("ping", func(ctx context.Context, requestType string, payload []byte) ([]byte, error) {
		return []byte(`{"pong":true}`), nil
	})

	rec := postJSON(t, h.server.Handler(), "/agent-request", agentRequestBody{RequestType: "ping", Payload: json.RawMessage(`{}`)})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
}

func TestAgentRequest_UnregisteredType_Returns404(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/agent-request", agentRequestBody{RequestType: "unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentRequest_MissingRequestType_Returns400(t *testing.T) {
	h := newTestHarness(t, nil)
	rec := postJSON(t, h.server.Handler(), "/agent-request", agentRequestBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentRequest_HandlerError_MapsToFrameworkStatus(t *testing.T) {
	h := newTestHarness(t, nil)
	h.server.RegisterRequestHandler("explode", func(ctx context.Context, requestType string, payload []byte) ([]byte, error) {
		return nil, gmcore.NewError("test.explode", gmcore.KindAgentFailure, "explode", "boom")
	})

	rec := postJSON(t, h.server.Handler(), "/agent-request", agentRequestBody{RequestType: "explode"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
