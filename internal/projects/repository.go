package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ProposalChange is one proposal to persist during an edit. An empty
// ExpectedStatus inserts; otherwise the stored row must still carry it.
type ProposalChange struct {
	Proposal       Proposal
	ExpectedStatus string
}

type Repository interface {
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateDetails(ctx context.Context, project *Project) error

	GetProposal(ctx context.Context, id string) (*Proposal, error)
	AddProposal(ctx context.Context, proposal *Proposal) error
	SaveProposals(ctx context.Context, projectID string, changes []ProposalChange) error
	RejectProposal(ctx context.Context, proposalID, reason string) error
	ResubmitProposal(ctx context.Context, proposalID string) error

	// ApplyIssuance folds minted certificates into the project's pool and
	// flips the proposal and project to approved, all in one transaction.
	// Certificates already stored (by token id) are skipped; the number of
	// newly inserted ones is returned. Only a submitted proposal is approved:
	// replaying an applied issuance is a no-op, anything else rolls back with
	// ErrStatusChanged.
	ApplyIssuance(ctx context.Context, projectID, proposalID string, certificates []Certificate) (int, error)
	ListCertificates(ctx context.Context, projectID string) ([]Certificate, error)
	FindCertificateByHash(ctx context.Context, uniqueHash string) (*Certificate, error)
	FindCertificateByTokenID(ctx context.Context, tokenID string) (*Certificate, error)
}

const (
	projectColumns = `id, name, description, location, methodology, owner_id, owner_address,
		total_certificates, issued_certificates, approval_status, rejection_reason, pool_version,
		created_at, updated_at`
	proposalColumns = `id, project_id, period_start, period_end, carbon_amount, approval_status,
		rejection_reason, pending_resubmission, position, created_at, updated_at`
	certificateColumns = `token_id, unique_hash, project_id, proposal_id, carbon_amount, pool_position,
		issue_tx_hash, issue_block, purchase_id, issued_at`
)

type sqlRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &sqlRepository{db: db}
}

func (r *sqlRepository) CreateProject(ctx context.Context, project *Project) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO projects (
			id, name, description, location, methodology, owner_id, owner_address,
			total_certificates, issued_certificates, approval_status, rejection_reason, pool_version,
			created_at, updated_at
		) VALUES (
			:id, :name, :description, :location, :methodology, :owner_id, :owner_address,
			0, 0, :approval_status, :rejection_reason, 0,
			:created_at, :updated_at
		)`, project)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	for i := range project.Proposals {
		if err := insertProposal(ctx, tx, &project.Proposals[i]); err != nil {
			return err
		}
	}
	if err := recomputeTotal(ctx, tx, project.ID, project.UpdatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

func (r *sqlRepository) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := r.db.GetContext(ctx, &project, r.db.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	err = r.db.SelectContext(ctx, &project.Proposals, r.db.Rebind(`
		SELECT `+proposalColumns+` FROM proposals
		WHERE project_id = ? ORDER BY position, created_at`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return &project, nil
}

func (r *sqlRepository) UpdateDetails(ctx context.Context, project *Project) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE projects SET
			name = :name,
			description = :description,
			location = :location,
			methodology = :methodology,
			updated_at = :updated_at
		WHERE id = :id AND approval_status <> 'approved'`, project)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return expectOneRow(res, ErrStatusChanged)
}

func (r *sqlRepository) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var proposal Proposal
	err := r.db.GetContext(ctx, &proposal, r.db.Rebind(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return &proposal, nil
}

func (r *sqlRepository) AddProposal(ctx context.Context, proposal *Proposal) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.GetContext(ctx, &next, tx.Rebind(`SELECT COALESCE(MAX(position) + 1, 0) FROM proposals WHERE project_id = ?`), proposal.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to read proposal position: %w", err)
	}
	proposal.Position = next

	if err := insertProposal(ctx, tx, proposal); err != nil {
		return err
	}
	// a fresh proposal reopens a fully rejected project
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET approval_status = 'submitted', rejection_reason = NULL
		WHERE id = ? AND approval_status = 'rejected'`), proposal.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to reopen project: %w", err)
	}
	if err := recomputeTotal(ctx, tx, proposal.ProjectID, proposal.UpdatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit proposal: %w", err)
	}
	return nil
}

func (r *sqlRepository) SaveProposals(ctx context.Context, projectID string, changes []ProposalChange) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range changes {
		change := &changes[i]
		if change.ExpectedStatus == "" {
			if err := insertProposal(ctx, tx, &change.Proposal); err != nil {
				return err
			}
			continue
		}

		p := change.Proposal
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE proposals SET
				period_start = ?, period_end = ?, carbon_amount = ?,
				approval_status = ?, rejection_reason = ?, pending_resubmission = ?, updated_at = ?
			WHERE id = ? AND project_id = ? AND approval_status = ? AND approval_status <> 'approved'`),
			p.PeriodStart, p.PeriodEnd, p.CarbonAmount,
			p.ApprovalStatus, p.RejectionReason, p.PendingResubmission, p.UpdatedAt,
			p.ID, projectID, change.ExpectedStatus)
		if err != nil {
			return fmt.Errorf("failed to update proposal %s: %w", p.ID, err)
		}
		if err := expectOneRow(res, ErrStatusChanged); err != nil {
			return fmt.Errorf("proposal %s: %w", p.ID, err)
		}
	}

	if err := recomputeTotal(ctx, tx, projectID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit proposals: %w", err)
	}
	return nil
}

func (r *sqlRepository) RejectProposal(ctx context.Context, proposalID, reason string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var projectID string
	if err := tx.GetContext(ctx, &projectID, tx.Rebind(`SELECT project_id FROM proposals WHERE id = ?`), proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get proposal: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE proposals SET approval_status = 'rejected', rejection_reason = ?, pending_resubmission = ?, updated_at = ?
		WHERE id = ? AND approval_status = 'submitted'`), reason, false, now, proposalID)
	if err != nil {
		return fmt.Errorf("failed to reject proposal: %w", err)
	}
	if err := expectOneRow(res, ErrStatusChanged); err != nil {
		return err
	}

	// the project itself is rejected once nothing else is pending or approved
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET approval_status = 'rejected', rejection_reason = ?, updated_at = ?
		WHERE id = ? AND approval_status <> 'approved'
		AND NOT EXISTS (SELECT 1 FROM proposals WHERE project_id = ? AND approval_status <> 'rejected')`),
		reason, now, projectID, projectID)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if err := recomputeTotal(ctx, tx, projectID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rejection: %w", err)
	}
	return nil
}

func (r *sqlRepository) ResubmitProposal(ctx context.Context, proposalID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var projectID string
	if err := tx.GetContext(ctx, &projectID, tx.Rebind(`SELECT project_id FROM proposals WHERE id = ?`), proposalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get proposal: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE proposals SET approval_status = 'submitted', rejection_reason = NULL, pending_resubmission = ?, updated_at = ?
		WHERE id = ? AND approval_status = 'rejected'`), false, now, proposalID)
	if err != nil {
		return fmt.Errorf("failed to resubmit proposal: %w", err)
	}
	if err := expectOneRow(res, ErrStatusChanged); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET approval_status = 'submitted', rejection_reason = NULL, updated_at = ?
		WHERE id = ? AND approval_status = 'rejected'`), now, projectID)
	if err != nil {
		return fmt.Errorf("failed to reopen project: %w", err)
	}
	if err := recomputeTotal(ctx, tx, projectID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resubmission: %w", err)
	}
	return nil
}

func (r *sqlRepository) ApplyIssuance(ctx context.Context, projectID, proposalID string, certificates []Certificate) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.GetContext(ctx, &next, tx.Rebind(`SELECT COALESCE(MAX(pool_position) + 1, 0) FROM certificates WHERE project_id = ?`), projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to read pool position: %w", err)
	}

	inserted := 0
	for i := range certificates {
		cert := certificates[i]
		cert.ProjectID = projectID
		cert.ProposalID = proposalID
		cert.PoolPosition = next
		cert.PurchaseID = nil

		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO certificates (`+certificateColumns+`)
			VALUES (:token_id, :unique_hash, :project_id, :proposal_id, :carbon_amount, :pool_position,
				:issue_tx_hash, :issue_block, :purchase_id, :issued_at)
			ON CONFLICT (token_id) DO NOTHING`, cert)
		if err != nil {
			return 0, fmt.Errorf("failed to insert certificate %s: %w", cert.TokenID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to check certificate %s insert: %w", cert.TokenID, err)
		}
		if n == 1 {
			inserted++
			next++
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE proposals SET approval_status = 'approved', pending_resubmission = ?, updated_at = ?
		WHERE id = ? AND project_id = ? AND approval_status = 'submitted'`), false, now, proposalID, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to approve proposal: %w", err)
	}
	approved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check proposal approval: %w", err)
	}
	if approved == 0 {
		var status string
		err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT approval_status FROM proposals WHERE id = ? AND project_id = ?`),
			proposalID, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read proposal status: %w", err)
		}
		// a replay of an issuance that was already applied
		if status == StatusApproved && inserted == 0 {
			return 0, nil
		}
		return 0, ErrStatusChanged
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET
			approval_status = 'approved',
			rejection_reason = NULL,
			issued_certificates = issued_certificates + ?,
			pool_version = pool_version + 1,
			updated_at = ?
		WHERE id = ?`), inserted, now, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to approve project: %w", err)
	}
	if err := expectOneRow(res, ErrNotFound); err != nil {
		return 0, err
	}
	if err := recomputeTotal(ctx, tx, projectID, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit issuance: %w", err)
	}
	return inserted, nil
}

func (r *sqlRepository) ListCertificates(ctx context.Context, projectID string) ([]Certificate, error) {
	var certificates []Certificate
	err := r.db.SelectContext(ctx, &certificates, r.db.Rebind(`
		SELECT `+certificateColumns+` FROM certificates
		WHERE project_id = ? ORDER BY pool_position`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return certificates, nil
}

func (r *sqlRepository) FindCertificateByHash(ctx context.Context, uniqueHash string) (*Certificate, error) {
	return r.findCertificate(ctx, "unique_hash", uniqueHash)
}

func (r *sqlRepository) FindCertificateByTokenID(ctx context.Context, tokenID string) (*Certificate, error) {
	return r.findCertificate(ctx, "token_id", tokenID)
}

func (r *sqlRepository) findCertificate(ctx context.Context, column, value string) (*Certificate, error) {
	var cert Certificate
	err := r.db.GetContext(ctx, &cert, r.db.Rebind(`SELECT `+certificateColumns+` FROM certificates WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return &cert, nil
}

func insertProposal(ctx context.Context, tx *sqlx.Tx, proposal *Proposal) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (:id, :project_id, :period_start, :period_end, :carbon_amount, :approval_status,
			:rejection_reason, :pending_resubmission, :position, :created_at, :updated_at)`, proposal)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

// recomputeTotal derives total_certificates from the non-rejected proposals.
func recomputeTotal(ctx context.Context, tx *sqlx.Tx, projectID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET
			total_certificates = (
				SELECT COALESCE(SUM(carbon_amount), 0) FROM proposals
				WHERE project_id = ? AND approval_status <> 'rejected'
			),
			updated_at = ?
		WHERE id = ?`), projectID, at, projectID)
	if err != nil {
		return fmt.Errorf("failed to recompute total certificates: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}
