package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/pkg/workflows"
)

// Registry stores project submissions and drives the proposal approval
// state machine. Approval hands off to the Issuer; the registry never flips a
// proposal to approved itself.
type Registry struct {
	repo         Repository
	issuer       Issuer
	stateMachine *workflows.StateMachine
	logger       *zap.Logger
}

// NewRegistry creates a new proposal registry
func NewRegistry(repo Repository, issuer Issuer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:         repo,
		issuer:       issuer,
		stateMachine: workflows.NewStateMachine(),
		logger:       logger,
	}
}

// CreateProject submits a new project together with its initial proposals
func (r *Registry) CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "name is required")
	}
	if req.OwnerID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "owner_id is required")
	}
	if strings.TrimSpace(req.OwnerAddress) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "owner_address is required")
	}
	for i, input := range req.Proposals {
		if err := validateProposal(input); err != nil {
			return nil, apperrors.New(apperrors.KindValidation, "proposal %d: %s", i, err.Error())
		}
	}

	now := time.Now().UTC()
	project := &Project{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		Location:       req.Location,
		Methodology:    req.Methodology,
		OwnerID:        req.OwnerID,
		OwnerAddress:   strings.TrimSpace(req.OwnerAddress),
		ApprovalStatus: StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, input := range req.Proposals {
		project.Proposals = append(project.Proposals, newProposal(project.ID, input, i, now))
	}

	if err := r.repo.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	r.logger.Info("Project submitted",
		zap.String("project_id", project.ID),
		zap.Int("proposals", len(project.Proposals)))

	return r.GetProject(ctx, project.ID)
}

// GetProject returns a project with its proposals
func (r *Registry) GetProject(ctx context.Context, id string) (*Project, error) {
	project, err := r.repo.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// Submit appends a proposal to a project
func (r *Registry) Submit(ctx context.Context, projectID string, input ProposalInput) (*Proposal, error) {
	if err := validateProposal(input); err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "%s", err.Error())
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	proposal := newProposal(projectID, input, 0, time.Now().UTC())
	if err := r.repo.AddProposal(ctx, &proposal); err != nil {
		return nil, fmt.Errorf("failed to submit proposal: %w", err)
	}

	r.logger.Info("Proposal submitted",
		zap.String("project_id", projectID),
		zap.String("proposal_id", proposal.ID),
		zap.Int64("carbon_amount", proposal.CarbonAmount))

	return &proposal, nil
}

// Decide approves or rejects a submitted proposal. Rejection never reaches
// the ledger. Approval runs issuance; the returned Decision reports whether
// it succeeded, and on failure the error carries the reason.
func (r *Registry) Decide(ctx context.Context, proposalID string, outcome Outcome, reason string) (*Decision, error) {
	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return nil, apperrors.New(apperrors.KindValidation, "outcome must be %q or %q", OutcomeApproved, OutcomeRejected)
	}
	reason = strings.TrimSpace(reason)
	if outcome == OutcomeRejected && reason == "" {
		return nil, apperrors.New(apperrors.KindValidation, "a rejection reason is required")
	}

	proposal, err := r.repo.GetProposal(ctx, proposalID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "proposal %s not found", proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if proposal.ApprovalStatus != StatusSubmitted || !r.stateMachine.CanTransition(proposal.ApprovalStatus, string(outcome)) {
		return nil, apperrors.New(apperrors.KindConflict, "proposal is %s; only submitted proposals can be decided", proposal.ApprovalStatus)
	}

	if r.issuer == nil {
		return nil, apperrors.New(apperrors.KindInternal, "no issuer configured")
	}
	// an issuance whose outcome is unknown may still land on the ledger, so
	// nothing in the project is decided until it is reconciled
	recordID, err := r.issuer.InFlight(ctx, proposal.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to check in-flight issuance: %w", err)
	}
	if recordID != "" {
		return nil, apperrors.New(apperrors.KindPendingReconciliation,
			"project has an issuance awaiting reconciliation").WithReconciliation(recordID)
	}

	if outcome == OutcomeRejected {
		if err := r.repo.RejectProposal(ctx, proposalID, reason); err != nil {
			if errors.Is(err, ErrStatusChanged) {
				return nil, apperrors.New(apperrors.KindConflict, "proposal was decided concurrently")
			}
			return nil, fmt.Errorf("failed to reject proposal: %w", err)
		}
		r.logger.Info("Proposal rejected",
			zap.String("proposal_id", proposalID),
			zap.String("reason", reason))

		project, err := r.GetProject(ctx, proposal.ProjectID)
		if err != nil {
			return nil, err
		}
		return &Decision{Project: project, IssuanceSucceeded: false}, nil
	}

	project, err := r.GetProject(ctx, proposal.ProjectID)
	if err != nil {
		return nil, err
	}

	issuance, issueErr := r.issuer.Issue(ctx, project, proposal)

	// reload on a context that survives cancellation so the caller always
	// sees the state the coordinator left behind
	current, err := r.GetProject(context.WithoutCancel(ctx), proposal.ProjectID)
	if err != nil {
		return nil, err
	}
	if issueErr != nil {
		r.logger.Warn("Proposal approval did not complete",
			zap.String("proposal_id", proposalID),
			zap.String("kind", string(apperrors.KindOf(issueErr))),
			zap.Error(issueErr))
		return &Decision{Project: current, IssuanceSucceeded: false}, issueErr
	}

	r.logger.Info("Proposal approved",
		zap.String("proposal_id", proposalID),
		zap.String("tx_hash", issuance.TxHash),
		zap.Int("certificates", len(issuance.Certificates)))

	return &Decision{Project: current, IssuanceSucceeded: true}, nil
}

// Edit merges incoming proposals into the project. Approved proposals are
// kept verbatim; a rejected proposal takes the incoming values but stays
// rejected and is flagged for resubmission. Unknown or missing ids append.
func (r *Registry) Edit(ctx context.Context, projectID string, inputs []ProposalInput) (*Project, error) {
	for i, input := range inputs {
		if err := validateProposal(input); err != nil {
			return nil, apperrors.New(apperrors.KindValidation, "proposal %d: %s", i, err.Error())
		}
	}

	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]Proposal, len(project.Proposals))
	next := 0
	for _, p := range project.Proposals {
		stored[p.ID] = p
		if p.Position >= next {
			next = p.Position + 1
		}
	}

	now := time.Now().UTC()
	var changes []ProposalChange
	for _, input := range inputs {
		current, ok := stored[input.ID]
		if !ok {
			changes = append(changes, ProposalChange{Proposal: newProposal(projectID, input, next, now)})
			next++
			continue
		}

		switch current.ApprovalStatus {
		case StatusApproved:
			r.logger.Info("Ignoring edit of approved proposal",
				zap.String("project_id", projectID),
				zap.String("proposal_id", current.ID))
			continue
		case StatusRejected:
			updated := current
			updated.PeriodStart = input.PeriodStart.UTC()
			updated.PeriodEnd = input.PeriodEnd.UTC()
			updated.CarbonAmount = input.CarbonAmount
			updated.PendingResubmission = true
			updated.UpdatedAt = now
			changes = append(changes, ProposalChange{Proposal: updated, ExpectedStatus: StatusRejected})
		default:
			updated := current
			updated.PeriodStart = input.PeriodStart.UTC()
			updated.PeriodEnd = input.PeriodEnd.UTC()
			updated.CarbonAmount = input.CarbonAmount
			updated.UpdatedAt = now
			changes = append(changes, ProposalChange{Proposal: updated, ExpectedStatus: current.ApprovalStatus})
		}
	}

	if err := r.repo.SaveProposals(ctx, projectID, changes); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, apperrors.Wrap(err, apperrors.KindConflict, "a proposal changed status during the edit")
		}
		return nil, fmt.Errorf("failed to save proposals: %w", err)
	}
	return r.GetProject(ctx, projectID)
}

// Resubmit moves an edited rejected proposal back to submitted
func (r *Registry) Resubmit(ctx context.Context, proposalID string) (*Proposal, error) {
	proposal, err := r.repo.GetProposal(ctx, proposalID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "proposal %s not found", proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if !r.stateMachine.CanTransition(proposal.ApprovalStatus, StatusSubmitted) {
		return nil, apperrors.New(apperrors.KindConflict, "proposal is %s; only rejected proposals can be resubmitted", proposal.ApprovalStatus)
	}
	if !proposal.PendingResubmission {
		return nil, apperrors.New(apperrors.KindValidation, "proposal has no pending changes to resubmit")
	}

	if err := r.repo.ResubmitProposal(ctx, proposalID); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, apperrors.New(apperrors.KindConflict, "proposal changed status concurrently")
		}
		return nil, fmt.Errorf("failed to resubmit proposal: %w", err)
	}
	r.logger.Info("Proposal resubmitted", zap.String("proposal_id", proposalID))

	return r.repo.GetProposal(ctx, proposalID)
}

// UpdateDetails changes descriptive fields of a project that is not yet approved
func (r *Registry) UpdateDetails(ctx context.Context, projectID string, update DetailsUpdate) (*Project, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.IsApproved() {
		return nil, apperrors.New(apperrors.KindValidation, "project is approved; descriptive fields are read-only")
	}

	if update.Name != nil {
		if strings.TrimSpace(*update.Name) == "" {
			return nil, apperrors.New(apperrors.KindValidation, "name cannot be empty")
		}
		project.Name = strings.TrimSpace(*update.Name)
	}
	if update.Description != nil {
		project.Description = *update.Description
	}
	if update.Location != nil {
		project.Location = *update.Location
	}
	if update.Methodology != nil {
		project.Methodology = *update.Methodology
	}
	project.UpdatedAt = time.Now().UTC()

	if err := r.repo.UpdateDetails(ctx, project); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, apperrors.New(apperrors.KindValidation, "project is approved; descriptive fields are read-only")
		}
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return r.GetProject(ctx, projectID)
}

func validateProposal(input ProposalInput) error {
	if input.PeriodStart.IsZero() || input.PeriodEnd.IsZero() {
		return errors.New("period_start and period_end are required")
	}
	if !input.PeriodEnd.After(input.PeriodStart) {
		return errors.New("period_end must be after period_start")
	}
	if input.CarbonAmount <= 0 {
		return errors.New("carbon_amount must be positive")
	}
	return nil
}

func newProposal(projectID string, input ProposalInput, position int, now time.Time) Proposal {
	return Proposal{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		PeriodStart:    input.PeriodStart.UTC(),
		PeriodEnd:      input.PeriodEnd.UTC(),
		CarbonAmount:   input.CarbonAmount,
		ApprovalStatus: StatusSubmitted,
		Position:       position,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
