package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-scribe/registry-core/internal/apperrors"
)

func setupRouter(t *testing.T, requireVerifier gin.HandlerFunc) (*gin.Engine, *Registry, *MockIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry, _, issuer := setupRegistry(t)

	router := gin.New()
	NewHandler(registry, nil).RegisterRoutes(router.Group("/api/v1"), requireVerifier)
	return router, registry, issuer
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func passThrough(c *gin.Context) { c.Next() }

func TestHandlerCreateAndGet(t *testing.T) {
	router, _, _ := setupRouter(t, passThrough)

	w := doJSON(router, http.MethodPost, "/api/v1/projects", CreateProjectRequest{
		Name: "Peatland", OwnerID: "o1", OwnerAddress: "0xowner",
		Proposals: []ProposalInput{proposalInput(12)},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(12), created.TotalCertificates)

	w = doJSON(router, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerDecisionPendingReconciliation(t *testing.T) {
	router, registry, issuer := setupRouter(t, passThrough)
	project := createProject(t, registry, 4)

	issuer.On("Issue", mock.Anything, mock.Anything, mock.Anything).Return(nil,
		apperrors.New(apperrors.KindPendingReconciliation, "issuance outcome unknown").WithReconciliation("rec-9")).Once()

	w := doJSON(router, http.MethodPost, "/api/v1/proposals/"+project.Proposals[0].ID+"/decision",
		gin.H{"outcome": "approved"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["issuanceSucceeded"])
	assert.Equal(t, "processing failed, retry later", body["error"])
	assert.Equal(t, "rec-9", body["reconciliation_id"])
}

func TestHandlerDecisionIsGated(t *testing.T) {
	deny := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
	router, registry, issuer := setupRouter(t, deny)
	project := createProject(t, registry, 4)

	w := doJSON(router, http.MethodPost, "/api/v1/proposals/"+project.Proposals[0].ID+"/decision",
		gin.H{"outcome": "approved"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything)

	current, err := registry.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, current.ApprovalStatus)
}
