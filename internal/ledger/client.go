// Package ledger talks to the certificate contract on the external ledger:
// it submits issuance calls, waits for their receipts and decodes the
// CertificateIssued events they emit.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EventCertificateIssued is the only event name the registry decodes.
const EventCertificateIssued = "CertificateIssued"

// ErrCertificateNotFound is returned by certificate lookups when the ledger
// has no record of the hash or token.
var ErrCertificateNotFound = errors.New("certificate not found on ledger")

// Client is the ledger surface used by the issuance coordinator, the purchase
// service and the verifier. Implementations must be safe for concurrent use.
type Client interface {
	// IssueCertificate is SubmitIssuance followed by WaitForReceipt.
	IssueCertificate(ctx context.Context, req IssueRequest) (*Receipt, error)
	// SubmitIssuance sends the mint call and returns its transaction hash
	// without waiting for inclusion.
	SubmitIssuance(ctx context.Context, req IssueRequest) (string, error)
	// WaitForReceipt blocks until txHash is final. Only a receipt with status
	// failed is reported as LedgerRejected; any other error leaves the
	// outcome unknown. A timeout does not mean the mint did not happen.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetCertificateByHash(ctx context.Context, uniqueHash string) (*CertificateDetails, error)
	GetCertificate(ctx context.Context, tokenID string) (*CertificateDetails, error)
	VerifyCertificate(ctx context.Context, uniqueHash string) (bool, error)
	// CertificatesByProject lists every certificate the contract ever minted
	// for projectID. Used by reconciliation.
	CertificatesByProject(ctx context.Context, projectID string) ([]IssuedCertificate, error)
	// ContractAddress is the address whose events are trusted.
	ContractAddress() string
}

// IssueRequest mirrors issueCertificate(recipient, amount, projectId).
type IssueRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	ProjectID string `json:"projectId"`
}

// ReceiptStatus is the inclusion state reported for a transaction.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Receipt is the confirmation of a submitted transaction.
type Receipt struct {
	TxHash      string        `json:"txHash"`
	BlockNumber int64         `json:"blockNumber"`
	Status      ReceiptStatus `json:"status"`
	Logs        []Log         `json:"logs"`
	ConfirmedAt time.Time     `json:"confirmedAt"`
}

// Log is a raw event emitted during a transaction.
type Log struct {
	Address  string          `json:"address"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	LogIndex int             `json:"logIndex"`
}

// CertificateIssued is the strict decoded shape of the contract event.
type CertificateIssued struct {
	TokenID      string `json:"tokenId"`
	Recipient    string `json:"recipient"`
	CarbonAmount int64  `json:"carbonAmount"`
	ProjectID    string `json:"projectId"`
	UniqueHash   string `json:"uniqueHash"`
}

// IssuedCertificate is a decoded event together with where it was emitted.
type IssuedCertificate struct {
	CertificateIssued
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber"`
	LogIndex    int    `json:"logIndex"`
}

// CertificateDetails mirrors getCertificateByHash.
type CertificateDetails struct {
	TokenID      string    `json:"tokenId"`
	CarbonAmount int64     `json:"carbonAmount"`
	ProjectID    string    `json:"projectId"`
	IssueDate    time.Time `json:"issueDate"`
	UniqueHash   string    `json:"uniqueHash"`
}
