package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
)

// Config contains the ledger gateway configuration
type Config struct {
	RPCURL              string        `json:"rpc_url"`
	ContractAddress     string        `json:"contract_address"`
	APIKey              string        `json:"api_key"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	PollInterval        time.Duration `json:"poll_interval"`
}

// RPCClient talks JSON-RPC 2.0 to the gateway fronting the certificate contract
type RPCClient struct {
	endpoint            string
	contract            string
	apiKey              string
	httpClient          *http.Client
	confirmationTimeout time.Duration
	pollInterval        time.Duration
	logger              *zap.Logger
	nextID              atomic.Int64
}

var _ Client = (*RPCClient)(nil)

var (
	// errReceiptPending marks a receipt that is not yet final.
	errReceiptPending = errors.New("receipt pending")
	// errReceiptFailed marks a receipt the ledger reported as failed, the
	// only proof that a submitted transaction did not mint.
	errReceiptFailed = errors.New("receipt failed")
)

// NewRPCClient creates a new ledger client
func NewRPCClient(cfg Config, logger *zap.Logger) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("ledger contract address is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RPCClient{
		endpoint:            cfg.RPCURL,
		contract:            cfg.ContractAddress,
		apiKey:              cfg.APIKey,
		httpClient:          &http.Client{Timeout: cfg.RequestTimeout},
		confirmationTimeout: cfg.ConfirmationTimeout,
		pollInterval:        cfg.PollInterval,
		logger:              logger,
	}, nil
}

// ContractAddress returns the trusted contract address
func (c *RPCClient) ContractAddress() string {
	return c.contract
}

// IssueCertificate submits issueCertificate and waits for its receipt
func (c *RPCClient) IssueCertificate(ctx context.Context, req IssueRequest) (*Receipt, error) {
	txHash, err := c.SubmitIssuance(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.WaitForReceipt(ctx, txHash)
}

// SubmitIssuance calls issueCertificate and returns the transaction hash
func (c *RPCClient) SubmitIssuance(ctx context.Context, req IssueRequest) (string, error) {
	var submitted struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]any{
		"contract":  c.contract,
		"recipient": req.Recipient,
		"amount":    req.Amount,
		"projectId": req.ProjectID,
	}
	if err := c.call(ctx, "issueCertificate", params, &submitted); err != nil {
		return "", err
	}
	if submitted.TxHash == "" {
		return "", apperrors.New(apperrors.KindLedgerUnavailable, "ledger accepted issuance without a transaction hash")
	}

	c.logger.Info("Issuance submitted to ledger",
		zap.String("tx_hash", submitted.TxHash),
		zap.String("project_id", req.ProjectID),
		zap.Int64("amount", req.Amount))
	return submitted.TxHash, nil
}

// WaitForReceipt polls getTransactionReceipt until the transaction is final.
// Errors from the polling call itself are retried and never reported as a
// rejection: the transaction may already be included.
func (c *RPCClient) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	poll := func() (*Receipt, error) {
		var receipt *Receipt
		if err := c.call(ctx, "getTransactionReceipt", map[string]any{"txHash": txHash}, &receipt); err != nil {
			return nil, err
		}
		if receipt == nil || receipt.Status == ReceiptPending || receipt.Status == "" {
			return nil, errReceiptPending
		}
		if receipt.Status == ReceiptFailed {
			return nil, backoff.Permanent(apperrors.Wrap(errReceiptFailed, apperrors.KindLedgerRejected,
				"transaction %s failed on ledger", txHash))
		}
		if receipt.TxHash == "" {
			receipt.TxHash = txHash
		}
		if receipt.ConfirmedAt.IsZero() {
			receipt.ConfirmedAt = time.Now().UTC()
		}
		return receipt, nil
	}

	receipt, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.pollInterval)),
		backoff.WithMaxElapsedTime(c.confirmationTimeout))
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, errReceiptFailed):
		return nil, err
	case errors.Is(err, errReceiptPending), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		apperrors.IsKind(err, apperrors.KindLedgerTimeout):
		return nil, apperrors.Wrap(err, apperrors.KindLedgerTimeout, "transaction %s not confirmed in time", txHash)
	default:
		c.logger.Warn("Receipt polling failed",
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "failed to confirm transaction %s", txHash)
	}
}

// GetCertificateByHash calls getCertificateByHash
func (c *RPCClient) GetCertificateByHash(ctx context.Context, uniqueHash string) (*CertificateDetails, error) {
	var details *CertificateDetails
	if err := c.call(ctx, "getCertificateByHash", map[string]any{"uniqueHash": uniqueHash}, &details); err != nil {
		return nil, err
	}
	if details == nil {
		return nil, ErrCertificateNotFound
	}
	return details, nil
}

// GetCertificate calls getCertificate
func (c *RPCClient) GetCertificate(ctx context.Context, tokenID string) (*CertificateDetails, error) {
	var details *CertificateDetails
	if err := c.call(ctx, "getCertificate", map[string]any{"tokenId": tokenID}, &details); err != nil {
		return nil, err
	}
	if details == nil {
		return nil, ErrCertificateNotFound
	}
	return details, nil
}

// VerifyCertificate calls verifyCertificate
func (c *RPCClient) VerifyCertificate(ctx context.Context, uniqueHash string) (bool, error) {
	var valid bool
	if err := c.call(ctx, "verifyCertificate", map[string]any{"uniqueHash": uniqueHash}, &valid); err != nil {
		return false, err
	}
	return valid, nil
}

// CertificatesByProject calls getCertificatesByProject and decodes the
// returned logs with the same filtering as issuance receipts
func (c *RPCClient) CertificatesByProject(ctx context.Context, projectID string) ([]IssuedCertificate, error) {
	var entries []struct {
		TxHash      string `json:"txHash"`
		BlockNumber int64  `json:"blockNumber"`
		Log         Log    `json:"log"`
	}
	if err := c.call(ctx, "getCertificatesByProject", map[string]any{"projectId": projectID}, &entries); err != nil {
		return nil, err
	}

	var certificates []IssuedCertificate
	for _, entry := range entries {
		decoded := DecodeCertificateIssued(&Receipt{
			TxHash:      entry.TxHash,
			BlockNumber: entry.BlockNumber,
			Logs:        []Log{entry.Log},
		}, c.contract)
		for _, cert := range decoded.Certificates {
			if cert.ProjectID == projectID {
				certificates = append(certificates, cert)
			}
		}
	}
	return certificates, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC round trip and classifies failures into ledger
// error kinds. Raw transport errors stay wrapped for logging only.
func (c *RPCClient) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return apperrors.Wrap(err, apperrors.KindLedgerTimeout, "ledger call %s timed out", method)
		}
		return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "ledger call %s failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return apperrors.Wrap(err, apperrors.KindLedgerTimeout, "ledger call %s timed out", method)
		}
		return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "failed to read %s response", method)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return apperrors.New(apperrors.KindLedgerUnavailable, "ledger call %s returned status %d", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.KindLedgerRejected, "ledger call %s returned status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "failed to decode %s response", method)
	}
	if rpcResp.Error != nil {
		return apperrors.New(apperrors.KindLedgerRejected, "ledger call %s rejected: code %d: %s",
			method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "failed to decode %s result", method)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close releases idle connections held by the client
func (c *RPCClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
