package issuance

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordStatus is the lifecycle state of an issuance attempt
type RecordStatus string

const (
	// StatusPending is written before the ledger call.
	StatusPending RecordStatus = "pending"
	// StatusConfirmed means events were decoded but not yet applied locally.
	StatusConfirmed RecordStatus = "confirmed"
	StatusCompleted RecordStatus = "completed"
	// StatusUnknown means the ledger call timed out or was unreachable; the
	// mint may or may not have happened.
	StatusUnknown      RecordStatus = "unknown"
	StatusInconsistent RecordStatus = "inconsistent"
	StatusFailed       RecordStatus = "failed"
	StatusAbandoned    RecordStatus = "abandoned"
)

// InFlight reports whether the record still holds its project's issuance lock
func (s RecordStatus) InFlight() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusUnknown, StatusInconsistent:
		return true
	}
	return false
}

// IssuanceRecord is the outbox row for one issuance attempt. LockKey holds the
// project id while the attempt is in flight; its unique index allows one
// in-flight attempt per project.
type IssuanceRecord struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID       string    `json:"project_id" gorm:"not null;index"`
	ProposalID      string    `json:"proposal_id" gorm:"not null;index"`
	Amount          int64     `json:"amount" gorm:"not null"`
	Recipient       string    `json:"recipient" gorm:"not null"`
	ContractAddress string    `json:"contract_address" gorm:"not null"`

	Status  RecordStatus `json:"status" gorm:"not null;default:'pending';index"`
	LockKey *string      `json:"-" gorm:"uniqueIndex"`

	TxHash      *string        `json:"tx_hash,omitempty" gorm:"index"`
	BlockNumber *int64         `json:"block_number,omitempty"`
	TokenIDs    datatypes.JSON `json:"token_ids,omitempty"`
	MintedCount int            `json:"minted_count" gorm:"default:0"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Attempts     int     `json:"attempts" gorm:"default:0"`

	SubmittedAt  time.Time  `json:"submitted_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (IssuanceRecord) TableName() string {
	return "issuance_records"
}

func (r *IssuanceRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Tokens decodes the recorded token ids
func (r *IssuanceRecord) Tokens() []string {
	if len(r.TokenIDs) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(r.TokenIDs, &ids); err != nil {
		return nil
	}
	return ids
}

// SetTokens stores the minted token ids
func (r *IssuanceRecord) SetTokens(ids []string) {
	data, _ := json.Marshal(ids)
	r.TokenIDs = datatypes.JSON(data)
	r.MintedCount = len(ids)
}

// ReconcileResult reports what a reconciliation pass did to a record
type ReconcileResult struct {
	RecordID string       `json:"record_id"`
	Status   RecordStatus `json:"status"`
	Applied  int          `json:"applied"`
	TxHash   string       `json:"tx_hash,omitempty"`
	Message  string       `json:"message"`
}
