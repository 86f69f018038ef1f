package marketplace

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/registry-core/internal/auth"
)

func setupRouter(t *testing.T, f *fixture, requireBuyer gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	passThrough := func(c *gin.Context) { c.Next() }
	NewHandler(f.service, nil).RegisterRoutes(router.Group("/api/v1"), requireBuyer, passThrough)
	return router
}

func doJSON(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlerPurchaseAsAuthenticatedBuyer(t *testing.T) {
	f := setupMarketplace(t)
	project := f.issuedProject(t, 5)
	f.account(t, "buyer-1", "50")

	authenticator, err := auth.NewAuthenticator("0123456789abcdef0123456789abcdef", "")
	require.NoError(t, err)
	token, err := authenticator.IssueToken("buyer-1", auth.RoleBuyer, time.Hour)
	require.NoError(t, err)
	router := setupRouter(t, f, authenticator.RequireRole(auth.RoleBuyer))

	body := gin.H{"transactionId": "tx-1", "projectId": project.ID, "quantity": 2, "totalPrice": "20"}
	w := doJSON(router, http.MethodPost, "/api/v1/purchases", token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var receipt Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, "tx-1", receipt.TransactionID)
	assert.Len(t, receipt.Certificates, 2)
	assert.Equal(t, "30", receipt.RemainingBalance.String())

	w = doJSON(router, http.MethodPost, "/api/v1/purchases", token, body)
	assert.Equal(t, http.StatusOK, w.Code)

	body["buyerId"] = "buyer-2"
	body["transactionId"] = "tx-2"
	w = doJSON(router, http.MethodPost, "/api/v1/purchases", token, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/purchases", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlerInventoryAndRefusal(t *testing.T) {
	f := setupMarketplace(t)
	project := f.issuedProject(t, 12)
	f.account(t, "buyer-1", "1000")
	router := setupRouter(t, f, func(c *gin.Context) { c.Next() })

	w := doJSON(router, http.MethodPost, "/api/v1/purchases", "", gin.H{
		"buyerId": "buyer-1", "projectId": project.ID, "quantity": 50, "totalPrice": 500,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient inventory: requested 50, available 12")

	w = doJSON(router, http.MethodGet, "/api/v1/projects/"+project.ID+"/inventory", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var inventory Inventory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inventory))
	assert.Equal(t, int64(12), inventory.Available)
	assert.Equal(t, int64(12), inventory.Issued)
	assert.Zero(t, inventory.Sold)

	w = doJSON(router, http.MethodGet, "/api/v1/projects/missing/inventory", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
