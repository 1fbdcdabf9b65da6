package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/engine"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/repository"
	"github.com/kandev/orchestratord/internal/store"
)

func newTestRouter(t *testing.T, allowMockRuns bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := store.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.Open(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.New(st)
	hub := eventbus.New(repo, log)
	ad := adapter.NewMockAdapter()
	eng := engine.New(repo, hub, nil, ad, log, 0, "")
	h := New(repo, hub, eng, nil, ad, allowMockRuns, log)
	return NewRouter(h, log)
}

func validPackageBody() []byte {
	body := map[string]any{
		"packageVersion": "0.1.0",
		"objective": map[string]any{
			"title": "ship the feature",
			"doneCriteria": []map[string]any{
				{"id": "done", "description": "done", "requiredEvidenceTypes": []string{"log_excerpt"}},
			},
		},
		"agents": map[string]any{
			"orchestrator": map[string]any{"name": "orchestrator", "model": "mock/orchestrator", "systemPromptRef": "orchestrator.md"},
			"worker":       map[string]any{"name": "worker", "model": "mock/worker", "systemPromptRef": "worker.md"},
		},
		"runPolicy": map[string]any{
			"limits":      map[string]any{"maxOrchestratorIterations": 1, "maxWorkerIterations": 1, "maxRunWallClockMs": 30000},
			"retries":     map[string]any{"maxWorkerTaskRetries": 1, "maxMalformedOutputRetries": 1},
			"concurrency": map[string]any{"maxWorkers": 2},
			"timeouts":    map[string]any{"workerTaskMs": 5000, "orchestratorStepMs": 5000},
			"budget":      map[string]any{"maxTokens": 0, "maxCostUsd": 0},
			"determinism": map[string]any{"requireStrictJson": true, "singleSessionPerRun": true},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func TestCreateRun_MockAdapterDisabledByDefault(t *testing.T) {
	router := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(validPackageBody()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody := body["error"].(map[string]any)
	require.Equal(t, "mock_adapter_disabled", errBody["code"])
}

func TestCreateRun_AllowedMockRun_SchedulesAndReturnsQueuedRun(t *testing.T) {
	router := newTestRouter(t, true)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(validPackageBody()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run["id"])
	require.Equal(t, "queued", run["status"])
}

func TestCreateRun_InvalidPackage_ReturnsFieldErrors(t *testing.T) {
	router := newTestRouter(t, true)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody := body["error"].(map[string]any)
	require.Equal(t, "invalid_package", errBody["code"])
	require.NotEmpty(t, errBody["details"])
}

func TestCreateRun_WithLabels_StrippedBeforeValidationAndPersisted(t *testing.T) {
	router := newTestRouter(t, true)

	var body map[string]any
	require.NoError(t, json.Unmarshal(validPackageBody(), &body))
	body["labels"] = map[string]string{"env": "staging", "team": "platform"}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	labels, ok := run["labels"].(map[string]any)
	require.True(t, ok, "expected labels on the created run, got %v", run["labels"])
	require.Equal(t, "staging", labels["env"])
	require.Equal(t, "platform", labels["team"])
}

func TestGetRun_UnknownReturns404(t *testing.T) {
	router := newTestRouter(t, true)

	req := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreviewProxy_RejectsNonGetMethods(t *testing.T) {
	router := newTestRouter(t, true)

	req := httptest.NewRequest(http.MethodPost, "/runs/some-run/preview/assets/app.js", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}
