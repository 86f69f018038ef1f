package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(KindInsufficientInventory, "insufficient inventory: requested %d, available %d", 50, 12)
	wrapped := fmt.Errorf("purchase failed: %w", base)

	assert.Equal(t, KindInsufficientInventory, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, New(KindInsufficientInventory, "")))
	assert.False(t, errors.Is(wrapped, New(KindInsufficientBalance, "")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestToResponseHidesLedgerDetails(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:8545: connection refused")
	err := Wrap(cause, KindPendingReconciliation, "issuance outcome unknown").WithReconciliation("rec-1")

	resp := ToResponse(err)
	assert.Equal(t, "processing failed, retry later", resp.Error)
	assert.Equal(t, "rec-1", resp.ReconciliationID)
	assert.NotContains(t, resp.Error, "connection refused")
	assert.Equal(t, http.StatusAccepted, HTTPStatus(err))
}

func TestToResponseKeepsBusinessMessage(t *testing.T) {
	err := New(KindInsufficientInventory, "insufficient inventory: requested 50, available 12")

	resp := ToResponse(err)
	assert.Equal(t, "insufficient inventory: requested 50, available 12", resp.Error)
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:           http.StatusBadRequest,
		KindNotFound:             http.StatusNotFound,
		KindStaleInventory:       http.StatusConflict,
		KindLedgerTimeout:        http.StatusServiceUnavailable,
		KindNoCertificatesMinted: http.StatusBadGateway,
		KindInternal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), string(kind))
	}
}

func TestRender(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Render(c, New(KindStaleInventory, "certificate 7 is no longer valid on the ledger"))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"stale_inventory"`)
}
