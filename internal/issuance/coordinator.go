// Package issuance turns approved proposals into ledger-minted certificates.
// Every attempt is written to an outbox record before the ledger is called,
// so an attempt whose outcome is unknown can be reconciled by querying the
// ledger instead of being retried blindly.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/notifications"
	"carbon-scribe/registry-core/internal/projects"
)

// Config contains coordinator configuration
type Config struct {
	// CallTimeout bounds one ledger issuance call including confirmation.
	CallTimeout time.Duration `json:"call_timeout"`
	// ReconcileGrace is how long a record may sit in flight before the
	// sweeper reconciles it. Must exceed CallTimeout.
	ReconcileGrace time.Duration `json:"reconcile_grace"`
	SweepBatchSize int           `json:"sweep_batch_size"`
	// AlertTimeout bounds one operator alert.
	AlertTimeout time.Duration `json:"alert_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		CallTimeout:    150 * time.Second,
		ReconcileGrace: 5 * time.Minute,
		SweepBatchSize: 50,
		AlertTimeout:   5 * time.Second,
	}
}

// Coordinator implements projects.Issuer
type Coordinator struct {
	records  Repository
	projects projects.Repository
	ledger   ledger.Client
	notifier notifications.Notifier
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

var _ projects.Issuer = (*Coordinator)(nil)

// NewCoordinator creates a new issuance coordinator
func NewCoordinator(
	records Repository,
	projectRepo projects.Repository,
	ledgerClient ledger.Client,
	notifier notifications.Notifier,
	config Config,
	logger *zap.Logger,
) *Coordinator {
	defaults := DefaultConfig()
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.ReconcileGrace <= 0 {
		config.ReconcileGrace = defaults.ReconcileGrace
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = defaults.SweepBatchSize
	}
	if config.AlertTimeout <= 0 {
		config.AlertTimeout = defaults.AlertTimeout
	}
	if notifier == nil {
		notifier = notifications.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		records:  records,
		projects: projectRepo,
		ledger:   ledgerClient,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints proposal.CarbonAmount certificates to the project owner and
// folds them into the project's pool. Only a completed issuance returns a nil
// error; every other outcome leaves a record describing what happened.
func (c *Coordinator) Issue(ctx context.Context, project *projects.Project, proposal *projects.Proposal) (*projects.Issuance, error) {
	if project == nil || proposal == nil {
		return nil, apperrors.New(apperrors.KindInvalidIssuanceRequest, "project and proposal are required")
	}
	if proposal.CarbonAmount <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidIssuanceRequest, "amount must be a positive integer")
	}
	recipient := strings.TrimSpace(project.OwnerAddress)
	if recipient == "" {
		return nil, apperrors.New(apperrors.KindInvalidIssuanceRequest, "recipient address is required")
	}

	if existing, err := c.records.FindInFlight(ctx, project.ID); err == nil {
		return nil, apperrors.New(apperrors.KindPendingReconciliation,
			"project has an issuance awaiting reconciliation").WithReconciliation(existing.ID.String())
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check in-flight issuance: %w", err)
	}

	lockKey := project.ID
	record := &IssuanceRecord{
		ProjectID:       project.ID,
		ProposalID:      proposal.ID,
		Amount:          proposal.CarbonAmount,
		Recipient:       recipient,
		ContractAddress: c.ledger.ContractAddress(),
		Status:          StatusPending,
		LockKey:         &lockKey,
		Attempts:        1,
		SubmittedAt:     c.now(),
	}
	if err := c.records.Create(ctx, record); err != nil {
		if errors.Is(err, ErrInFlight) {
			return nil, apperrors.New(apperrors.KindPendingReconciliation, "project has an issuance in flight")
		}
		return nil, fmt.Errorf("failed to record issuance: %w", err)
	}

	// the proposal may have been decided between the caller's read and the lock
	if current, err := c.projects.GetProposal(ctx, proposal.ID); err != nil || current.ApprovalStatus != projects.StatusSubmitted {
		message := "proposal is no longer submitted"
		if err != nil {
			message = err.Error()
		}
		c.finish(context.WithoutCancel(ctx), record, StatusPending, StatusAbandoned, apperrors.KindConflict, message)
		if err != nil {
			return nil, fmt.Errorf("failed to reload proposal: %w", err)
		}
		return nil, apperrors.New(apperrors.KindConflict,
			"proposal is %s; only submitted proposals can be issued", current.ApprovalStatus)
	}

	c.logger.Info("Issuance started",
		zap.String("record_id", record.ID.String()),
		zap.String("project_id", project.ID),
		zap.String("proposal_id", proposal.ID),
		zap.Int64("amount", proposal.CarbonAmount))

	// From here the caller no longer owns cancellation: the ledger call and
	// everything that records its outcome run to completion.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, c.config.CallTimeout)
	defer cancel()
	txHash, err := c.ledger.SubmitIssuance(callCtx, ledger.IssueRequest{
		Recipient: recipient,
		Amount:    proposal.CarbonAmount,
		ProjectID: project.ID,
	})
	if err != nil {
		return nil, c.handleCallFailure(detached, record, err)
	}

	// reconciliation filters ledger events by this hash
	record.TxHash = &txHash
	if err := c.records.Transition(detached, record, StatusPending); err != nil {
		c.logger.Error("Failed to store issuance transaction hash",
			zap.String("record_id", record.ID.String()),
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}

	receipt, err := c.ledger.WaitForReceipt(callCtx, txHash)
	cancel()
	if err != nil {
		return nil, c.handleCallFailure(detached, record, err)
	}

	decoded := ledger.DecodeCertificateIssued(receipt, c.ledger.ContractAddress())
	minted := filterProject(decoded.Certificates, project.ID)
	if skipped := decoded.Skipped + len(decoded.Certificates) - len(minted); skipped > 0 {
		c.logger.Warn("Skipped receipt logs",
			zap.String("tx_hash", receipt.TxHash),
			zap.Int("skipped", skipped))
	}

	record.TxHash = &receipt.TxHash
	record.BlockNumber = &receipt.BlockNumber
	if len(minted) == 0 {
		c.finish(detached, record, StatusPending, StatusFailed, apperrors.KindNoCertificatesMinted,
			"ledger confirmed the call but emitted no CertificateIssued events")
		return nil, apperrors.New(apperrors.KindNoCertificatesMinted,
			"issuance confirmed without minted certificates").WithReconciliation(record.ID.String())
	}
	if int64(len(minted)) != proposal.CarbonAmount {
		c.logger.Warn("Minted count differs from approved amount",
			zap.String("record_id", record.ID.String()),
			zap.Int64("amount", proposal.CarbonAmount),
			zap.Int("minted", len(minted)))
	}

	confirmedAt := receipt.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = c.now()
	}
	record.Status = StatusConfirmed
	record.ConfirmedAt = &confirmedAt
	record.SetTokens(tokenIDs(minted))
	if err := c.records.Transition(detached, record, StatusPending); err != nil {
		// the apply below is idempotent; a stale record is picked up by the sweeper
		c.logger.Error("Failed to mark issuance confirmed",
			zap.String("record_id", record.ID.String()),
			zap.Error(err))
	}

	certificates := toCertificates(minted, proposal.ID, confirmedAt)
	applied, err := c.projects.ApplyIssuance(detached, project.ID, proposal.ID, certificates)
	if err != nil {
		c.finish(detached, record, StatusConfirmed, StatusInconsistent, apperrors.KindInconsistentWrite, err.Error())
		c.alert(detached, notifications.Alert{
			RecordID:  record.ID.String(),
			ProjectID: project.ID,
			Kind:      string(apperrors.KindInconsistentWrite),
			Message:   "ledger minted certificates that could not be stored locally",
		})
		return nil, apperrors.Wrap(err, apperrors.KindInconsistentWrite,
			"minted certificates could not be recorded").WithReconciliation(record.ID.String())
	}

	c.finish(detached, record, StatusConfirmed, StatusCompleted, "", "")
	c.notifier.Publish(detached, notifications.Event{
		Type:      notifications.EventIssuanceCompleted,
		ProjectID: project.ID,
		Data: map[string]any{
			"proposal_id":  proposal.ID,
			"tx_hash":      receipt.TxHash,
			"block_number": receipt.BlockNumber,
			"certificates": applied,
		},
	})

	c.logger.Info("Issuance completed",
		zap.String("record_id", record.ID.String()),
		zap.String("tx_hash", receipt.TxHash),
		zap.Int("certificates", applied))

	return &projects.Issuance{
		Certificates: certificates,
		TxHash:       receipt.TxHash,
		BlockNumber:  receipt.BlockNumber,
	}, nil
}

// InFlight returns the id of the project's unresolved issuance record
func (c *Coordinator) InFlight(ctx context.Context, projectID string) (string, error) {
	record, err := c.records.FindInFlight(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check in-flight issuance: %w", err)
	}
	return record.ID.String(), nil
}

// alert hands a to the notifier under AlertTimeout so a slow operator
// channel cannot hold up the caller.
func (c *Coordinator) alert(ctx context.Context, a notifications.Alert) {
	alertCtx, cancel := context.WithTimeout(ctx, c.config.AlertTimeout)
	defer cancel()
	c.notifier.Alert(alertCtx, a)
}

// handleCallFailure records a failed ledger call. Only a definitive
// rejection releases the project; anything else leaves the outcome unknown
// and keeps the lock until the record is reconciled.
func (c *Coordinator) handleCallFailure(ctx context.Context, record *IssuanceRecord, callErr error) error {
	kind := apperrors.KindOf(callErr)

	if kind == apperrors.KindLedgerRejected {
		c.finish(ctx, record, StatusPending, StatusFailed, kind, callErr.Error())
		return apperrors.Wrap(callErr, apperrors.KindLedgerRejected,
			"ledger rejected the issuance").WithReconciliation(record.ID.String())
	}

	if kind != apperrors.KindLedgerTimeout {
		kind = apperrors.KindLedgerUnavailable
	}
	c.finish(ctx, record, StatusPending, StatusUnknown, kind, callErr.Error())
	c.alert(ctx, notifications.Alert{
		RecordID:  record.ID.String(),
		ProjectID: record.ProjectID,
		Kind:      string(kind),
		Message:   "issuance outcome unknown; reconcile before retrying",
	})
	return apperrors.Wrap(callErr, apperrors.KindPendingReconciliation,
		"issuance outcome unknown").WithReconciliation(record.ID.String())
}

// finish moves record from one status to another, logging rather than
// failing when the outbox write itself fails.
func (c *Coordinator) finish(ctx context.Context, record *IssuanceRecord, from, to RecordStatus, kind apperrors.Kind, message string) {
	now := c.now()
	record.Status = to
	if kind != "" {
		code := string(kind)
		record.ErrorCode = &code
		record.ErrorMessage = &message
	} else {
		record.ErrorCode = nil
		record.ErrorMessage = nil
	}
	if to == StatusCompleted {
		record.CompletedAt = &now
	}

	if err := c.records.Transition(ctx, record, from); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			// a failed confirmed-write leaves the stored row at pending
			if err = c.records.Transition(ctx, record, StatusPending); err == nil {
				return
			}
		}
		c.logger.Error("Failed to update issuance record",
			zap.String("record_id", record.ID.String()),
			zap.String("status", string(to)),
			zap.Error(err))
	}
}

func filterProject(certs []ledger.IssuedCertificate, projectID string) []ledger.IssuedCertificate {
	out := make([]ledger.IssuedCertificate, 0, len(certs))
	for _, cert := range certs {
		if cert.ProjectID == projectID {
			out = append(out, cert)
		}
	}
	return out
}

func tokenIDs(certs []ledger.IssuedCertificate) []string {
	ids := make([]string, len(certs))
	for i, cert := range certs {
		ids[i] = cert.TokenID
	}
	return ids
}

func toCertificates(certs []ledger.IssuedCertificate, proposalID string, issuedAt time.Time) []projects.Certificate {
	out := make([]projects.Certificate, len(certs))
	for i, cert := range certs {
		out[i] = projects.Certificate{
			TokenID:      cert.TokenID,
			UniqueHash:   cert.UniqueHash,
			ProjectID:    cert.ProjectID,
			ProposalID:   proposalID,
			CarbonAmount: cert.CarbonAmount,
			IssueTxHash:  cert.TxHash,
			IssueBlock:   cert.BlockNumber,
			IssuedAt:     issuedAt,
		}
	}
	return out
}
