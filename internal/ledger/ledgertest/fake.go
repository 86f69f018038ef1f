// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/ledger"
)

// DefaultContract is the contract address the fake emits events from.
const DefaultContract = "0x5C4B0000000000000000000000000000000000C0"

// Fake is a thread-safe in-memory certificate contract. Each submitted
// issuance mints amount certificates with sequential token ids.
type Fake struct {
	mu sync.Mutex

	contract  string
	nextToken int64
	block     int64
	txCount   int

	byHash    map[string]*ledger.IssuedCertificate
	byToken   map[string]*ledger.IssuedCertificate
	order     []string
	invalid   map[string]bool
	receipts  map[string]*ledger.Receipt
	issueDate time.Time

	// IssueErr is returned from SubmitIssuance before anything is minted.
	IssueErr error
	// VerifyErr is returned from VerifyCertificate.
	VerifyErr error
	// MintThenErr mints normally and then fails WaitForReceipt with this
	// error, simulating a confirmation that was lost after the ledger
	// committed.
	MintThenErr error
	// ZeroEvents makes issuance confirm a transaction without events.
	ZeroEvents bool
	// ForeignLogs adds this many CertificateIssued logs from another address
	// to each receipt.
	ForeignLogs int
	// Delay blocks SubmitIssuance before minting, honouring ctx.
	Delay time.Duration

	issueCalls  int
	verifyCalls int
}

var _ ledger.Client = (*Fake)(nil)

// NewFake creates a new Fake emitting from DefaultContract
func NewFake() *Fake {
	return &Fake{
		contract:  DefaultContract,
		nextToken: 1,
		block:     100,
		byHash:    make(map[string]*ledger.IssuedCertificate),
		byToken:   make(map[string]*ledger.IssuedCertificate),
		invalid:   make(map[string]bool),
		receipts:  make(map[string]*ledger.Receipt),
		issueDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *Fake) ContractAddress() string { return f.contract }

func (f *Fake) IssueCertificate(ctx context.Context, req ledger.IssueRequest) (*ledger.Receipt, error) {
	txHash, err := f.SubmitIssuance(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.WaitForReceipt(ctx, txHash)
}

func (f *Fake) SubmitIssuance(ctx context.Context, req ledger.IssueRequest) (string, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", apperrors.Wrap(ctx.Err(), apperrors.KindLedgerTimeout, "fake ledger timed out")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.issueCalls++
	if f.IssueErr != nil {
		return "", f.IssueErr
	}

	f.txCount++
	f.block++
	receipt := &ledger.Receipt{
		TxHash:      fmt.Sprintf("0x%064x", f.txCount),
		BlockNumber: f.block,
		Status:      ledger.ReceiptSuccess,
		ConfirmedAt: f.issueDate.Add(time.Duration(f.block) * time.Second),
	}

	if !f.ZeroEvents {
		for i := int64(0); i < req.Amount; i++ {
			tokenID := strconv.FormatInt(f.nextToken, 10)
			f.nextToken++
			cert := &ledger.IssuedCertificate{
				CertificateIssued: ledger.CertificateIssued{
					TokenID:      tokenID,
					Recipient:    req.Recipient,
					CarbonAmount: 1,
					ProjectID:    req.ProjectID,
					UniqueHash:   UniqueHash(req.ProjectID, tokenID),
				},
				TxHash:      receipt.TxHash,
				BlockNumber: receipt.BlockNumber,
				LogIndex:    len(receipt.Logs),
			}
			f.byHash[cert.UniqueHash] = cert
			f.byToken[tokenID] = cert
			f.order = append(f.order, tokenID)
			receipt.Logs = append(receipt.Logs, logFor(f.contract, cert))
		}
	}
	for i := 0; i < f.ForeignLogs; i++ {
		foreign := &ledger.IssuedCertificate{
			CertificateIssued: ledger.CertificateIssued{
				TokenID:      fmt.Sprintf("foreign-%d-%d", f.txCount, i),
				Recipient:    req.Recipient,
				CarbonAmount: 1,
				ProjectID:    req.ProjectID,
				UniqueHash:   UniqueHash("foreign", strconv.Itoa(i)),
			},
			LogIndex: len(receipt.Logs),
		}
		receipt.Logs = append(receipt.Logs, logFor("0x000000000000000000000000000000000000dEaD", foreign))
	}

	f.receipts[receipt.TxHash] = receipt
	return receipt.TxHash, nil
}

func (f *Fake) WaitForReceipt(_ context.Context, txHash string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MintThenErr != nil {
		return nil, f.MintThenErr
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, apperrors.New(apperrors.KindLedgerTimeout, "transaction %s not found", txHash)
	}
	copied := *receipt
	return &copied, nil
}

func (f *Fake) GetCertificateByHash(_ context.Context, uniqueHash string) (*ledger.CertificateDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.byHash[uniqueHash]
	if !ok {
		return nil, ledger.ErrCertificateNotFound
	}
	return f.details(cert), nil
}

func (f *Fake) GetCertificate(_ context.Context, tokenID string) (*ledger.CertificateDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.byToken[tokenID]
	if !ok {
		return nil, ledger.ErrCertificateNotFound
	}
	return f.details(cert), nil
}

func (f *Fake) VerifyCertificate(_ context.Context, uniqueHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.VerifyErr != nil {
		return false, f.VerifyErr
	}
	_, ok := f.byHash[uniqueHash]
	return ok && !f.invalid[uniqueHash], nil
}

func (f *Fake) CertificatesByProject(_ context.Context, projectID string) ([]ledger.IssuedCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.IssuedCertificate
	for _, tokenID := range f.order {
		cert := f.byToken[tokenID]
		if cert.ProjectID == projectID {
			out = append(out, *cert)
		}
	}
	return out, nil
}

// Invalidate makes VerifyCertificate report uniqueHash as invalid.
func (f *Fake) Invalidate(uniqueHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[uniqueHash] = true
}

// Reset clears injected failures.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IssueErr = nil
	f.VerifyErr = nil
	f.MintThenErr = nil
	f.ZeroEvents = false
	f.ForeignLogs = 0
	f.Delay = 0
}

// IssueCalls returns how many issuances were submitted.
func (f *Fake) IssueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCalls
}

// VerifyCalls returns how many times VerifyCertificate was called.
func (f *Fake) VerifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

// Minted returns the number of certificates minted so far.
func (f *Fake) Minted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *Fake) details(cert *ledger.IssuedCertificate) *ledger.CertificateDetails {
	return &ledger.CertificateDetails{
		TokenID:      cert.TokenID,
		CarbonAmount: cert.CarbonAmount,
		ProjectID:    cert.ProjectID,
		IssueDate:    f.issueDate.Add(time.Duration(cert.BlockNumber) * time.Second),
		UniqueHash:   cert.UniqueHash,
	}
}

// UniqueHash derives the keccak256 certificate hash the fake contract assigns.
func UniqueHash(projectID, tokenID string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(tokenID))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func logFor(address string, cert *ledger.IssuedCertificate) ledger.Log {
	data, _ := json.Marshal(cert.CertificateIssued)
	return ledger.Log{
		Address:  address,
		Event:    ledger.EventCertificateIssued,
		Data:     data,
		LogIndex: cert.LogIndex,
	}
}
