package issuance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/notifications"
)

// Reconcile resolves the in-flight issuance of a project by asking the
// ledger what was actually minted and re-applying it idempotently.
func (c *Coordinator) Reconcile(ctx context.Context, projectID string) (*ReconcileResult, error) {
	record, err := c.records.FindInFlight(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "no issuance awaiting reconciliation for project %s", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight issuance: %w", err)
	}

	// a young pending record may still be waiting on its ledger call
	if record.Status == StatusPending && c.now().Sub(record.SubmittedAt) < c.config.ReconcileGrace {
		return nil, apperrors.New(apperrors.KindPendingReconciliation,
			"issuance is still in progress").WithReconciliation(record.ID.String())
	}

	onLedger, err := c.ledger.CertificatesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	localCerts, err := c.projects.ListCertificates(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local certificates: %w", err)
	}
	local := make(map[string]bool, len(localCerts))
	for _, cert := range localCerts {
		local[cert.TokenID] = true
	}

	var missing []ledger.IssuedCertificate
	for _, cert := range onLedger {
		if local[cert.TokenID] {
			continue
		}
		if record.TxHash != nil && *record.TxHash != "" && cert.TxHash != *record.TxHash {
			continue
		}
		missing = append(missing, cert)
	}

	from := record.Status
	now := c.now()
	record.ReconciledAt = &now
	record.Attempts++
	result := &ReconcileResult{RecordID: record.ID.String()}
	if record.TxHash != nil {
		result.TxHash = *record.TxHash
	}

	if len(missing) == 0 {
		if recorded := record.Tokens(); len(recorded) > 0 && allLocal(recorded, local) {
			// the apply committed but the outbox row never caught up
			if _, err := c.projects.ApplyIssuance(ctx, projectID, record.ProposalID, nil); err != nil {
				return nil, fmt.Errorf("failed to re-apply issuance status: %w", err)
			}
			c.finish(ctx, record, from, StatusCompleted, "", "")
			result.Status = StatusCompleted
			result.Message = "certificates were already recorded"
			return result, nil
		}

		c.finish(ctx, record, from, StatusAbandoned, apperrors.KindNoCertificatesMinted,
			"ledger shows no certificates for this issuance")
		c.logger.Info("Issuance abandoned after reconciliation",
			zap.String("record_id", record.ID.String()),
			zap.String("project_id", projectID))
		result.Status = StatusAbandoned
		result.Message = "ledger shows no mint; the proposal can be decided again"
		return result, nil
	}

	expected := int(record.Amount)
	if recorded := record.Tokens(); len(recorded) > 0 {
		expected = len(recorded)
	}
	if len(missing) != expected {
		message := fmt.Sprintf("ledger shows %d unrecorded certificates, expected %d", len(missing), expected)
		c.finish(ctx, record, from, StatusInconsistent, apperrors.KindInconsistentWrite, message)
		c.alert(ctx, notifications.Alert{
			RecordID:  record.ID.String(),
			ProjectID: projectID,
			Kind:      string(apperrors.KindInconsistentWrite),
			Message:   message,
		})
		result.Status = StatusInconsistent
		result.Message = message
		return result, apperrors.New(apperrors.KindInconsistentWrite,
			"certificate count mismatch").WithReconciliation(record.ID.String())
	}

	issuedAt := now
	if record.ConfirmedAt != nil {
		issuedAt = *record.ConfirmedAt
	}
	last := missing[len(missing)-1]
	if record.TxHash == nil {
		txHash := last.TxHash
		record.TxHash = &txHash
		result.TxHash = txHash
	}
	if record.BlockNumber == nil {
		block := last.BlockNumber
		record.BlockNumber = &block
	}
	record.SetTokens(tokenIDs(missing))

	applied, err := c.projects.ApplyIssuance(ctx, projectID, record.ProposalID, toCertificates(missing, record.ProposalID, issuedAt))
	if err != nil {
		c.finish(ctx, record, from, StatusInconsistent, apperrors.KindInconsistentWrite, err.Error())
		c.alert(ctx, notifications.Alert{
			RecordID:  record.ID.String(),
			ProjectID: projectID,
			Kind:      string(apperrors.KindInconsistentWrite),
			Message:   "reconciled certificates could not be stored locally",
		})
		return nil, apperrors.Wrap(err, apperrors.KindInconsistentWrite,
			"reconciled certificates could not be recorded").WithReconciliation(record.ID.String())
	}

	c.finish(ctx, record, from, StatusCompleted, "", "")
	c.notifier.Publish(ctx, notifications.Event{
		Type:      notifications.EventIssuanceCompleted,
		ProjectID: projectID,
		Data: map[string]any{
			"proposal_id":  record.ProposalID,
			"tx_hash":      result.TxHash,
			"certificates": applied,
			"reconciled":   true,
		},
	})
	c.logger.Info("Issuance reconciled",
		zap.String("record_id", record.ID.String()),
		zap.String("project_id", projectID),
		zap.Int("applied", applied))

	result.Status = StatusCompleted
	result.Applied = applied
	result.Message = "missing certificates applied from the ledger"
	return result, nil
}

// ReconcilePending reconciles every in-flight record older than the grace
// period. Failures are logged per record and do not stop the sweep.
func (c *Coordinator) ReconcilePending(ctx context.Context) (int, error) {
	stale, err := c.records.ListStale(ctx, c.now().Add(-c.config.ReconcileGrace), c.config.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, record := range stale {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		result, err := c.Reconcile(ctx, record.ProjectID)
		if err != nil {
			c.logger.Warn("Reconciliation failed",
				zap.String("record_id", record.ID.String()),
				zap.String("project_id", record.ProjectID),
				zap.String("kind", string(apperrors.KindOf(err))),
				zap.Error(err))
			continue
		}
		if !result.Status.InFlight() {
			resolved++
		}
	}
	return resolved, nil
}

// Records lists the issuance attempts of a project
func (c *Coordinator) Records(ctx context.Context, projectID string) ([]IssuanceRecord, error) {
	return c.records.ListByProject(ctx, projectID)
}

func allLocal(ids []string, local map[string]bool) bool {
	for _, id := range ids {
		if !local[id] {
			return false
		}
	}
	return true
}
