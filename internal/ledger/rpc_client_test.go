package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
)

// gateway is a scripted JSON-RPC endpoint. Handlers return either a result or
// an rpc error for the called method.
type gateway struct {
	mu       sync.Mutex
	calls    map[string]int
	auth     []string
	handlers map[string]func(params map[string]any) (any, *rpcError)
}

func newGateway() *gateway {
	return &gateway{
		calls:    make(map[string]int),
		handlers: make(map[string]func(map[string]any) (any, *rpcError)),
	}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64          `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.calls[req.Method]++
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	handler := g.handlers[req.Method]
	g.mu.Unlock()

	if handler == nil {
		http.Error(w, "unknown method", http.StatusInternalServerError)
		return
	}
	result, rpcErr := handler(req.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *gateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func newTestClient(t *testing.T, url string) *RPCClient {
	t.Helper()
	client, err := NewRPCClient(Config{
		RPCURL:              url,
		ContractAddress:     testContract,
		APIKey:              "secret",
		RequestTimeout:      time.Second,
		ConfirmationTimeout: 300 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewRPCClientValidation(t *testing.T) {
	_, err := NewRPCClient(Config{ContractAddress: testContract}, nil)
	assert.Error(t, err)
	_, err = NewRPCClient(Config{RPCURL: "http://localhost"}, nil)
	assert.Error(t, err)
}

func TestIssueCertificateWaitsForReceipt(t *testing.T) {
	gw := newGateway()
	polls := 0
	gw.handlers["issueCertificate"] = func(params map[string]any) (any, *rpcError) {
		assert.Equal(t, "p1", params["projectId"])
		assert.Equal(t, float64(3), params["amount"])
		return map[string]string{"txHash": "0xabc"}, nil
	}
	gw.handlers["getTransactionReceipt"] = func(params map[string]any) (any, *rpcError) {
		polls++
		if polls < 3 {
			return map[string]string{"status": "pending"}, nil
		}
		data, _ := json.Marshal(CertificateIssued{TokenID: "7", Recipient: "0xowner", CarbonAmount: 1, ProjectID: "p1", UniqueHash: "0xh7"})
		return Receipt{
			TxHash:      "0xabc",
			BlockNumber: 12,
			Status:      ReceiptSuccess,
			Logs:        []Log{{Address: testContract, Event: EventCertificateIssued, Data: data}},
		}, nil
	}
	server := httptest.NewServer(gw)
	defer server.Close()

	client := newTestClient(t, server.URL)
	receipt, err := client.IssueCertificate(context.Background(), IssueRequest{Recipient: "0xowner", Amount: 3, ProjectID: "p1"})

	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TxHash)
	assert.Equal(t, int64(12), receipt.BlockNumber)
	assert.False(t, receipt.ConfirmedAt.IsZero())
	assert.Len(t, DecodeCertificateIssued(receipt, client.ContractAddress()).Certificates, 1)
	assert.Equal(t, 3, gw.count("getTransactionReceipt"))
	assert.Contains(t, gw.auth, "Bearer secret")
}

func TestIssueCertificateFailedReceiptIsRejected(t *testing.T) {
	gw := newGateway()
	gw.handlers["issueCertificate"] = func(map[string]any) (any, *rpcError) {
		return map[string]string{"txHash": "0xabc"}, nil
	}
	gw.handlers["getTransactionReceipt"] = func(map[string]any) (any, *rpcError) {
		return map[string]string{"status": "failed"}, nil
	}
	server := httptest.NewServer(gw)
	defer server.Close()

	_, err := newTestClient(t, server.URL).IssueCertificate(context.Background(), IssueRequest{Recipient: "0xowner", Amount: 1, ProjectID: "p1"})

	assert.Equal(t, apperrors.KindLedgerRejected, apperrors.KindOf(err))
	assert.Equal(t, 1, gw.count("getTransactionReceipt"))
}

func TestIssueCertificatePendingBecomesTimeout(t *testing.T) {
	gw := newGateway()
	gw.handlers["issueCertificate"] = func(map[string]any) (any, *rpcError) {
		return map[string]string{"txHash": "0xabc"}, nil
	}
	gw.handlers["getTransactionReceipt"] = func(map[string]any) (any, *rpcError) {
		return map[string]string{"status": "pending"}, nil
	}
	server := httptest.NewServer(gw)
	defer server.Close()

	_, err := newTestClient(t, server.URL).IssueCertificate(context.Background(), IssueRequest{Recipient: "0xowner", Amount: 1, ProjectID: "p1"})

	assert.Equal(t, apperrors.KindLedgerTimeout, apperrors.KindOf(err))
}

func TestReceiptPollingErrorsAreNeverRejections(t *testing.T) {
	var submits, polls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		defer mu.Unlock()
		if req.Method == "issueCertificate" {
			submits++
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]string{"txHash": "0xmint"}})
			return
		}
		polls++
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	txHash, err := client.SubmitIssuance(context.Background(), IssueRequest{Recipient: "0xowner", Amount: 1, ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "0xmint", txHash)

	_, err = client.WaitForReceipt(context.Background(), txHash)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindLedgerUnavailable, apperrors.KindOf(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, submits)
	assert.Greater(t, polls, 1)
}

func TestReceiptRPCErrorIsRetried(t *testing.T) {
	gw := newGateway()
	gw.handlers["getTransactionReceipt"] = func(map[string]any) (any, *rpcError) {
		return nil, &rpcError{Code: -32001, Message: "unknown transaction"}
	}
	server := httptest.NewServer(gw)
	defer server.Close()

	_, err := newTestClient(t, server.URL).WaitForReceipt(context.Background(), "0xabc")

	assert.Equal(t, apperrors.KindLedgerUnavailable, apperrors.KindOf(err))
	assert.Greater(t, gw.count("getTransactionReceipt"), 1)
}

func TestCallErrorMapping(t *testing.T) {
	gw := newGateway()
	gw.handlers["issueCertificate"] = func(map[string]any) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "caller is not the issuing authority"}
	}
	server := httptest.NewServer(gw)

	client := newTestClient(t, server.URL)
	_, err := client.IssueCertificate(context.Background(), IssueRequest{Recipient: "0xowner", Amount: 1, ProjectID: "p1"})
	assert.Equal(t, apperrors.KindLedgerRejected, apperrors.KindOf(err))

	// unknown method answers 500
	_, err = client.VerifyCertificate(context.Background(), "0xabc")
	assert.Equal(t, apperrors.KindLedgerUnavailable, apperrors.KindOf(err))

	server.Close()
	_, err = client.VerifyCertificate(context.Background(), "0xabc")
	assert.Equal(t, apperrors.KindLedgerUnavailable, apperrors.KindOf(err))
}

func TestSlowGatewayIsTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.VerifyCertificate(ctx, "0xabc")
	assert.Equal(t, apperrors.KindLedgerTimeout, apperrors.KindOf(err))
}

func TestLookups(t *testing.T) {
	gw := newGateway()
	issued := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	gw.handlers["getCertificateByHash"] = func(params map[string]any) (any, *rpcError) {
		if params["uniqueHash"] != "0xh1" {
			return nil, nil
		}
		return CertificateDetails{TokenID: "1", CarbonAmount: 1, ProjectID: "p1", IssueDate: issued, UniqueHash: "0xh1"}, nil
	}
	gw.handlers["getCertificate"] = func(params map[string]any) (any, *rpcError) {
		return CertificateDetails{TokenID: params["tokenId"].(string), ProjectID: "p1"}, nil
	}
	gw.handlers["verifyCertificate"] = func(params map[string]any) (any, *rpcError) {
		return params["uniqueHash"] == "0xh1", nil
	}
	gw.handlers["getCertificatesByProject"] = func(params map[string]any) (any, *rpcError) {
		good, _ := json.Marshal(CertificateIssued{TokenID: "1", Recipient: "0xowner", CarbonAmount: 1, ProjectID: "p1", UniqueHash: "0xh1"})
		other, _ := json.Marshal(CertificateIssued{TokenID: "2", Recipient: "0xowner", CarbonAmount: 1, ProjectID: "p2", UniqueHash: "0xh2"})
		return []map[string]any{
			{"txHash": "0xtx", "blockNumber": 5, "log": Log{Address: testContract, Event: EventCertificateIssued, Data: good}},
			{"txHash": "0xtx", "blockNumber": 5, "log": Log{Address: "0xforeign", Event: EventCertificateIssued, Data: good}},
			{"txHash": "0xtx", "blockNumber": 5, "log": Log{Address: testContract, Event: EventCertificateIssued, Data: other}},
		}, nil
	}
	server := httptest.NewServer(gw)
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	details, err := client.GetCertificateByHash(ctx, "0xh1")
	require.NoError(t, err)
	assert.Equal(t, "1", details.TokenID)
	assert.True(t, details.IssueDate.Equal(issued))

	_, err = client.GetCertificateByHash(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrCertificateNotFound)

	details, err = client.GetCertificate(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "9", details.TokenID)

	valid, err := client.VerifyCertificate(ctx, "0xh1")
	require.NoError(t, err)
	assert.True(t, valid)
	valid, err = client.VerifyCertificate(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, valid)

	certs, err := client.CertificatesByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "0xtx", certs[0].TxHash)
	assert.Equal(t, int64(5), certs[0].BlockNumber)
}
