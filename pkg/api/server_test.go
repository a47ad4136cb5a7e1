package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/quantforge/pkg/config"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/orchestrator"
)

// fakeWorkflows scripts the orchestrator surface.
type fakeWorkflows struct {
	submitErr error
	states    map[string]*models.WorkflowState
	submitted []*models.TodoList
}

func (f *fakeWorkflows) Submit(_ context.Context, list *models.TodoList) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, list)
	return "wf_accepted", nil
}

func (f *fakeWorkflows) Status(workflowID string) (*models.WorkflowState, error) {
	state, ok := f.states[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, workflowID)
	}
	return state, nil
}

type fakeKeys struct {
	health map[string]models.KeyHealth
}

func (f *fakeKeys) GetHealthStatus() map[string]models.KeyHealth { return f.health }

type fakeChecker struct {
	name string
	err  error
}

func (f *fakeChecker) Name() string                  { return f.name }
func (f *fakeChecker) Healthy(context.Context) error { return f.err }

func serverConfig() config.ServerConfig {
	return config.ServerConfig{Host: "127.0.0.1", Port: 0, UserRPMDefault: 600, GlobalRPMMax: 6000}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateWorkflow_Accepted(t *testing.T) {
	wf := &fakeWorkflows{}
	s := NewServer(serverConfig(), wf, nil)

	list := &models.TodoList{Items: []*models.TodoItem{
		{ID: "t1", Title: "design", AgentRole: models.RoleArchitect},
	}}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/workflows", list)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wf_accepted", resp["workflow_id"])
	require.Len(t, wf.submitted, 1)
}

func TestCreateWorkflow_InvalidListIsBadRequest(t *testing.T) {
	wf := &fakeWorkflows{submitErr: fmt.Errorf("%w: no items", orchestrator.ErrInvalidTodoList)}
	s := NewServer(serverConfig(), wf, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/workflows", &models.TodoList{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no items")
}

func TestCreateWorkflow_MalformedJSON(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWorkflow_InternalError(t *testing.T) {
	wf := &fakeWorkflows{submitErr: errors.New("disk full")}
	s := NewServer(serverConfig(), wf, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/workflows", &models.TodoList{})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal detail is not leaked to the caller.
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestGetWorkflow_StatusSnapshot(t *testing.T) {
	wf := &fakeWorkflows{states: map[string]*models.WorkflowState{
		"wf_1": {
			WorkflowID: "wf_1",
			Iteration:  2,
			Tasks: map[string]*models.TaskState{
				"t1": {TaskID: "t1", Status: models.TaskStatusCompleted},
			},
		},
	}}
	s := NewServer(serverConfig(), wf, nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/workflows/wf_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state models.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "wf_1", state.WorkflowID)
	assert.Equal(t, 2, state.Iteration)
	assert.Equal(t, models.TaskStatusCompleted, state.Tasks["t1"].Status)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{states: map[string]*models.WorkflowState{}}, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/workflows/wf_ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_AggregatesCheckers(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{}, nil,
		&fakeChecker{name: "bus"},
		&fakeChecker{name: "store"},
	)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["bus"])
	assert.Equal(t, "healthy", resp.Checks["store"])
}

func TestHealth_UnhealthyComponentIs503(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{}, nil,
		&fakeChecker{name: "bus", err: errors.New("redis unreachable")},
	)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unreachable")
}

func TestKeysHealth_MultiKeySnapshot(t *testing.T) {
	keys := &fakeKeys{health: map[string]models.KeyHealth{
		"key_fast": {Active: true, SuccessCount: 12, InCooldown: false},
		"key_big":  {Active: true, ErrorCount: 3, InCooldown: true, CooldownUntil: time.Now().Add(time.Minute)},
	}}
	s := NewServer(serverConfig(), &fakeWorkflows{}, keys)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/keys/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"multi-key"`)
	assert.Contains(t, rec.Body.String(), "key_fast")
	// Health snapshots never contain secret material shapes.
	assert.NotContains(t, rec.Body.String(), "sk-")
}

func TestKeysHealth_SingleKeyMode(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/keys/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"single-key"`)
}

func TestCorrelationIDHeaderIsEchoedOrGenerated(t *testing.T) {
	s := NewServer(serverConfig(), &fakeWorkflows{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/health", nil)
	req.Header.Set(headerCorrelationID, "corr_given")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "corr_given", rec.Header().Get(headerCorrelationID))

	rec = doJSON(t, s.Handler(), http.MethodGet, "/api/v1/keys/health", nil)
	assert.NotEmpty(t, rec.Header().Get(headerCorrelationID))
}

func TestRateLimiter_UserBucketRejectsBursts(t *testing.T) {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, UserRPMDefault: 2, GlobalRPMMax: 1000}
	s := NewServer(cfg, &fakeWorkflows{}, nil)

	status := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/health", nil)
		req.Header.Set(headerUserID, user)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, status("alice"))
	assert.Equal(t, http.StatusOK, status("alice"))
	assert.Equal(t, http.StatusTooManyRequests, status("alice"))
	// Another user has an independent bucket.
	assert.Equal(t, http.StatusOK, status("bob"))
}

func TestRateLimiter_GlobalBucket(t *testing.T) {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, UserRPMDefault: 1000, GlobalRPMMax: 3}
	s := NewServer(cfg, &fakeWorkflows{}, nil)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/health", nil)
		req.Header.Set(headerUserID, fmt.Sprintf("user%d", i))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}
