package cases

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/metrics"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, _ := newTestService(t,
		pendingTx("tx-1", t0, "40"),
		pendingTx("tx-2", t0.Add(time.Minute), "55"),
	)
	ctx := context.Background()
	_, err := svc.ApplyVerdict(ctx, "tx-1", holdVerdict())
	require.NoError(t, err)
	_, err = svc.ApplyVerdict(ctx, "tx-2", holdVerdict())
	require.NoError(t, err)

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListQueue(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/cases?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Cases []Transaction `json:"cases"`
		Count int           `json:"count"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "tx-1", resp.Cases[0].ID)
	assert.Equal(t, StatusOnHold, resp.Cases[0].Status)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ReviewQueueDepth))
}

func TestHandler_GetCase(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/cases/tx-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"[RULE:VELOCITY]`)

	w = doJSON(router, "GET", "/v1/cases/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Approve(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/cases/tx-1/approve", ReviewRequest{Reviewer: "analyst-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Applied bool        `json:"applied"`
		Case    Transaction `json:"case"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, StatusApproved, resp.Case.Status)
	assert.Equal(t, ReasonManualApproval, resp.Case.Reason)

	// Second approve is stale, not an error.
	w = doJSON(router, "POST", "/v1/cases/tx-1/approve", ReviewRequest{Reviewer: "analyst-7"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"applied":false,"message":"Transaction is no longer on hold"}`, w.Body.String())
}

func TestHandler_ApproveRequiresReviewer(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/cases/tx-1/approve", ReviewRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_KeepOnHold(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/cases/tx-2/hold", ReviewRequest{Reviewer: "analyst-7"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reviewed":true`)
	assert.Contains(t, w.Body.String(), `"status":"on_hold"`)
}

func TestHandler_ConfirmFraudAndArchive(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/cases/tx-1/confirm-fraud", ReviewRequest{
		Reviewer:       "analyst-7",
		ForensicReport: "Velocity burst from a cloned card.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Applied   bool      `json:"applied"`
		FraudCase FraudCase `json:"fraudCase"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, "tx-1", resp.FraudCase.TransactionID)
	assert.Equal(t, "VELOCITY", resp.FraudCase.RuleID)

	w = doJSON(router, "GET", "/v1/fraud-cases/tx-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "FORENSIC ANALYSIS: Velocity burst from a cloned card.")

	w = doJSON(router, "GET", "/v1/fraud-cases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(router, "GET", "/v1/fraud-cases/tx-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ConfirmFraudUnknown(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/cases/ghost/confirm-fraud", ReviewRequest{Reviewer: "a"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_InvalidBody(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest("POST", "/v1/cases/tx-1/hold", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
