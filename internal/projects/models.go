package projects

import (
	"context"
	"errors"
	"time"

	"carbon-scribe/registry-core/pkg/workflows"
)

// Approval statuses
const (
	StatusSubmitted = workflows.StatusSubmitted
	StatusApproved  = workflows.StatusApproved
	StatusRejected  = workflows.StatusRejected
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusChanged is returned when a guarded update finds the row in a
	// different status than the caller loaded.
	ErrStatusChanged = errors.New("status changed concurrently")
)

// Project represents a carbon project and its certificate inventory
type Project struct {
	ID                 string    `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Description        string    `db:"description" json:"description"`
	Location           string    `db:"location" json:"location"`
	Methodology        string    `db:"methodology" json:"methodology"`
	OwnerID            string    `db:"owner_id" json:"owner_id"`
	OwnerAddress       string    `db:"owner_address" json:"owner_address"`
	TotalCertificates  int64     `db:"total_certificates" json:"total_certificates"`
	IssuedCertificates int64     `db:"issued_certificates" json:"issued_certificates"`
	ApprovalStatus     string    `db:"approval_status" json:"approval_status"`
	RejectionReason    *string   `db:"rejection_reason" json:"rejection_reason,omitempty"`
	PoolVersion        int64     `db:"pool_version" json:"pool_version"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`

	Proposals []Proposal `db:"-" json:"proposals"`
}

// IsApproved reports whether the project has had at least one issuance
func (p *Project) IsApproved() bool {
	return p.ApprovalStatus == StatusApproved
}

// Proposal is a time-bounded carbon claim within a project
type Proposal struct {
	ID                  string    `db:"id" json:"id"`
	ProjectID           string    `db:"project_id" json:"project_id"`
	PeriodStart         time.Time `db:"period_start" json:"period_start"`
	PeriodEnd           time.Time `db:"period_end" json:"period_end"`
	CarbonAmount        int64     `db:"carbon_amount" json:"carbon_amount"`
	ApprovalStatus      string    `db:"approval_status" json:"approval_status"`
	RejectionReason     *string   `db:"rejection_reason" json:"rejection_reason,omitempty"`
	PendingResubmission bool      `db:"pending_resubmission" json:"pending_resubmission"`
	Position            int       `db:"position" json:"position"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Certificate is a ledger-minted token held in a project's pool until sold
type Certificate struct {
	TokenID      string    `db:"token_id" json:"token_id"`
	UniqueHash   string    `db:"unique_hash" json:"unique_hash"`
	ProjectID    string    `db:"project_id" json:"project_id"`
	ProposalID   string    `db:"proposal_id" json:"proposal_id"`
	CarbonAmount int64     `db:"carbon_amount" json:"carbon_amount"`
	PoolPosition int64     `db:"pool_position" json:"pool_position"`
	IssueTxHash  string    `db:"issue_tx_hash" json:"issue_tx_hash"`
	IssueBlock   int64     `db:"issue_block" json:"issue_block"`
	PurchaseID   *string   `db:"purchase_id" json:"purchase_id,omitempty"`
	IssuedAt     time.Time `db:"issued_at" json:"issued_at"`
}

// Requests

type ProposalInput struct {
	ID           string    `json:"id,omitempty"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	CarbonAmount int64     `json:"carbon_amount"`
}

type CreateProjectRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Location     string          `json:"location"`
	Methodology  string          `json:"methodology"`
	OwnerID      string          `json:"owner_id"`
	OwnerAddress string          `json:"owner_address"`
	Proposals    []ProposalInput `json:"proposals"`
}

type DetailsUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	Methodology *string `json:"methodology"`
}

// Outcome of a proposal decision
type Outcome string

const (
	OutcomeApproved Outcome = StatusApproved
	OutcomeRejected Outcome = StatusRejected
)

// Decision is the result of deciding a proposal
type Decision struct {
	Project           *Project `json:"project"`
	IssuanceSucceeded bool     `json:"issuanceSucceeded"`
}

// Issuance is what an Issuer folded into the project's pool
type Issuance struct {
	Certificates []Certificate `json:"certificates"`
	TxHash       string        `json:"tx_hash"`
	BlockNumber  int64         `json:"block_number"`
}

// Issuer mints certificates for an approved proposal and persists them
// through Repository.ApplyIssuance. Implemented by the issuance coordinator.
type Issuer interface {
	Issue(ctx context.Context, project *Project, proposal *Proposal) (*Issuance, error)
	// InFlight returns the id of the project's unresolved issuance record,
	// or "" when there is none.
	InFlight(ctx context.Context, projectID string) (string, error)
}
