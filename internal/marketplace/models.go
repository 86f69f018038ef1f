package marketplace

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"carbon-scribe/registry-core/internal/projects"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrPoolConflict is returned when the project's pool changed between
	// the read and the commit of a purchase.
	ErrPoolConflict = errors.New("certificate pool changed concurrently")
	// ErrAccountConflict is returned when an account balance changed between
	// the read and the commit.
	ErrAccountConflict      = errors.New("account changed concurrently")
	ErrDuplicateTransaction = errors.New("transaction id already used")
	ErrAlreadyConfirmed     = errors.New("purchase already confirmed")
)

// Account transaction kinds
const (
	TransactionDeposit  = "deposit"
	TransactionPurchase = "purchase"
	TransactionSale     = "sale"
)

// Account is a participant balance
type Account struct {
	ID        string          `db:"id" json:"id"`
	OwnerName string          `db:"owner_name" json:"owner_name"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Version   int64           `db:"version" json:"version"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`

	Holdings []Holding `db:"-" json:"holdings,omitempty"`
}

// Holding is the certificates an account received from one purchase
type Holding struct {
	ID         string    `db:"id" json:"id"`
	AccountID  string    `db:"account_id" json:"account_id"`
	ProjectID  string    `db:"project_id" json:"project_id"`
	PurchaseID string    `db:"purchase_id" json:"purchase_id"`
	Quantity   int64     `db:"quantity" json:"quantity"`
	TokenIDs   string    `db:"token_ids" json:"-"`
	AcquiredAt time.Time `db:"acquired_at" json:"acquired_at"`
}

// Tokens decodes the stored token id list
func (h Holding) Tokens() []string {
	var ids []string
	if err := json.Unmarshal([]byte(h.TokenIDs), &ids); err != nil {
		return nil
	}
	return ids
}

func (h Holding) MarshalJSON() ([]byte, error) {
	type alias Holding
	return json.Marshal(struct {
		alias
		Tokens []string `json:"token_ids"`
	}{alias(h), h.Tokens()})
}

// AccountTransaction is one entry of an account's balance history
type AccountTransaction struct {
	ID            string          `db:"id" json:"id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	PurchaseID    *string         `db:"purchase_id" json:"purchase_id,omitempty"`
	Kind          string          `db:"kind" json:"kind"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	Reference     string          `db:"reference" json:"reference"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Purchase is the record of one certificate transfer
type Purchase struct {
	ID            string          `db:"id" json:"id"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	BuyerID       string          `db:"buyer_id" json:"buyer_id"`
	SellerID      string          `db:"seller_id" json:"seller_id"`
	ProjectID     string          `db:"project_id" json:"project_id"`
	Quantity      int64           `db:"quantity" json:"quantity"`
	TotalPrice    decimal.Decimal `db:"total_price" json:"total_price"`
	LedgerTxHash  string          `db:"ledger_tx_hash" json:"ledger_tx_hash"`
	BlockNumber   int64           `db:"block_number" json:"block_number"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	ConfirmedAt   *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`

	Certificates []projects.Certificate `db:"-" json:"certificates"`
}

// PoolSnapshot is what a purchase attempt reads before committing
type PoolSnapshot struct {
	ProjectID      string `db:"id"`
	SellerID       string `db:"owner_id"`
	ApprovalStatus string `db:"approval_status"`
	PoolVersion    int64  `db:"pool_version"`
	Issued         int64  `db:"issued_certificates"`
	Total          int64  `db:"total_certificates"`
	Available      int64  `db:"-"`
	// Head holds the first certificates of the pool in FIFO order.
	Head []projects.Certificate `db:"-"`
}

// PurchaseCommit is everything written by one successful purchase
type PurchaseCommit struct {
	Purchase            *Purchase
	ExpectedPoolVersion int64
	Buyer               *Account
	Holding             *Holding
	Now                 time.Time
}

// Requests

type PurchaseRequest struct {
	TransactionID string          `json:"transactionId"`
	BuyerID       string          `json:"buyerId"`
	ProjectID     string          `json:"projectId"`
	Quantity      int64           `json:"quantity"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
}

type CreateAccountRequest struct {
	ID             string          `json:"id"`
	OwnerName      string          `json:"owner_name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// Responses

// Receipt is returned to the buyer of a completed purchase
type Receipt struct {
	TransactionID    string                 `json:"transactionId"`
	PurchaseID       string                 `json:"purchaseId"`
	Certificates     []projects.Certificate `json:"certificates"`
	LedgerTxHash     string                 `json:"ledgerTxHash"`
	BlockNumber      int64                  `json:"blockNumber"`
	RemainingBalance decimal.Decimal        `json:"remainingBalance"`
	// Replayed is set when the transaction id had already been processed.
	Replayed bool `json:"replayed,omitempty"`
}

// Inventory reports a project's certificate counts
type Inventory struct {
	ProjectID   string `json:"project_id"`
	Available   int64  `json:"available"`
	Sold        int64  `json:"sold"`
	Issued      int64  `json:"issued"`
	Total       int64  `json:"total"`
	PoolVersion int64  `json:"pool_version"`
}
