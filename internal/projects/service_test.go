package projects

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/database"
)

// MockIssuer is a mock implementation of Issuer. InFlight answers from
// pending rather than from recorded expectations.
type MockIssuer struct {
	mock.Mock
	pending map[string]string
}

func (m *MockIssuer) InFlight(_ context.Context, projectID string) (string, error) {
	return m.pending[projectID], nil
}

func (m *MockIssuer) Issue(ctx context.Context, project *Project, proposal *Proposal) (*Issuance, error) {
	args := m.Called(ctx, project, proposal)
	if fn, ok := args.Get(0).(func(context.Context, *Project, *Proposal) (*Issuance, error)); ok {
		return fn(ctx, project, proposal)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Issuance), args.Error(1)
}

var periodStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func proposalInput(amount int64) ProposalInput {
	return ProposalInput{
		PeriodStart:  periodStart,
		PeriodEnd:    periodStart.AddDate(1, 0, 0),
		CarbonAmount: amount,
	}
}

func testCertificates(projectID string, from, n int) []Certificate {
	out := make([]Certificate, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, Certificate{
			TokenID:      fmt.Sprintf("%d", i),
			UniqueHash:   fmt.Sprintf("0x%s-%d", projectID, i),
			CarbonAmount: 1,
			IssueTxHash:  "0xtx",
			IssueBlock:   10,
			IssuedAt:     periodStart,
		})
	}
	return out
}

func setupRegistry(t *testing.T) (*Registry, Repository, *MockIssuer) {
	t.Helper()
	db, err := database.OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db)
	issuer := new(MockIssuer)
	return NewRegistry(repo, issuer, nil), repo, issuer
}

func createProject(t *testing.T, registry *Registry, amounts ...int64) *Project {
	t.Helper()
	req := CreateProjectRequest{
		Name:         "Mangrove restoration",
		Location:     "Sundarbans",
		Methodology:  "VM0033",
		OwnerID:      "owner-1",
		OwnerAddress: "0xowner",
	}
	for _, amount := range amounts {
		req.Proposals = append(req.Proposals, proposalInput(amount))
	}
	project, err := registry.CreateProject(context.Background(), req)
	require.NoError(t, err)
	return project
}

// expectIssuance makes the mock behave like the coordinator: it persists
// the minted certificates through the repository.
func expectIssuance(issuer *MockIssuer, repo Repository, n int) {
	issuer.On("Issue", mock.Anything, mock.AnythingOfType("*projects.Project"), mock.AnythingOfType("*projects.Proposal")).
		Return(func(ctx context.Context, project *Project, proposal *Proposal) (*Issuance, error) {
			certs := testCertificates(project.ID, 1, n)
			if _, err := repo.ApplyIssuance(ctx, project.ID, proposal.ID, certs); err != nil {
				return nil, err
			}
			return &Issuance{Certificates: certs, TxHash: "0xtx", BlockNumber: 10}, nil
		}, nil).Once()
}

func TestCreateProject(t *testing.T) {
	registry, _, _ := setupRegistry(t)

	project := createProject(t, registry, 40, 60)

	assert.Equal(t, StatusSubmitted, project.ApprovalStatus)
	assert.Equal(t, int64(100), project.TotalCertificates)
	assert.Len(t, project.Proposals, 2)
	assert.Equal(t, 0, project.Proposals[0].Position)
	assert.Equal(t, 1, project.Proposals[1].Position)
}

func TestCreateProjectValidation(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := registry.CreateProject(ctx, CreateProjectRequest{OwnerID: "o", OwnerAddress: "0x"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.CreateProject(ctx, CreateProjectRequest{Name: "n", OwnerID: "o"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.CreateProject(ctx, CreateProjectRequest{
		Name: "n", OwnerID: "o", OwnerAddress: "0x",
		Proposals: []ProposalInput{proposalInput(0)},
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSubmitValidatesAndRecomputesTotal(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 10)

	bad := proposalInput(5)
	bad.PeriodEnd = bad.PeriodStart
	_, err := registry.Submit(ctx, project.ID, bad)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.Submit(ctx, project.ID, proposalInput(-1))
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.Submit(ctx, "missing", proposalInput(5))
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	proposal, err := registry.Submit(ctx, project.ID, proposalInput(5))
	require.NoError(t, err)
	assert.Equal(t, 1, proposal.Position)

	project, err = registry.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), project.TotalCertificates)
}

func TestRejectNeverCallsIssuer(t *testing.T) {
	registry, _, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 10, 20)

	_, err := registry.Decide(ctx, project.Proposals[0].ID, OutcomeRejected, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	decision, err := registry.Decide(ctx, project.Proposals[0].ID, OutcomeRejected, "baseline not additional")
	require.NoError(t, err)
	assert.False(t, decision.IssuanceSucceeded)
	assert.Equal(t, StatusSubmitted, decision.Project.ApprovalStatus)
	assert.Equal(t, int64(20), decision.Project.TotalCertificates)
	assert.Equal(t, StatusRejected, decision.Project.Proposals[0].ApprovalStatus)

	decision, err = registry.Decide(ctx, project.Proposals[1].ID, OutcomeRejected, "monitoring gaps")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, decision.Project.ApprovalStatus)
	require.NotNil(t, decision.Project.RejectionReason)
	assert.Equal(t, "monitoring gaps", *decision.Project.RejectionReason)
	assert.Equal(t, int64(0), decision.Project.TotalCertificates)

	issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything)
}

func TestDecideWaitsForUnresolvedIssuance(t *testing.T) {
	registry, _, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 3)
	issuer.pending = map[string]string{project.ID: "rec-1"}

	for _, outcome := range []Outcome{OutcomeRejected, OutcomeApproved} {
		_, err := registry.Decide(ctx, project.Proposals[0].ID, outcome, "bad data")
		require.Error(t, err)
		assert.Equal(t, apperrors.KindPendingReconciliation, apperrors.KindOf(err))
		var appErr *apperrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "rec-1", appErr.ReconciliationID)
	}

	stored, err := registry.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, stored.Proposals[0].ApprovalStatus)
	assert.Nil(t, stored.Proposals[0].RejectionReason)
	issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything)
}

func TestApproveRunsIssuance(t *testing.T) {
	registry, repo, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 3)
	expectIssuance(issuer, repo, 3)

	decision, err := registry.Decide(ctx, project.Proposals[0].ID, OutcomeApproved, "")
	require.NoError(t, err)

	assert.True(t, decision.IssuanceSucceeded)
	assert.Equal(t, StatusApproved, decision.Project.ApprovalStatus)
	assert.Equal(t, StatusApproved, decision.Project.Proposals[0].ApprovalStatus)
	assert.Equal(t, int64(3), decision.Project.IssuedCertificates)
	assert.Equal(t, int64(3), decision.Project.TotalCertificates)
	issuer.AssertExpectations(t)

	_, err = registry.Decide(ctx, project.Proposals[0].ID, OutcomeRejected, "too late")
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestApproveFailureLeavesProjectSubmitted(t *testing.T) {
	registry, _, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 3)
	issuer.On("Issue", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.New(apperrors.KindNoCertificatesMinted, "ledger confirmed without minting")).Once()

	decision, err := registry.Decide(ctx, project.Proposals[0].ID, OutcomeApproved, "")

	assert.True(t, apperrors.IsKind(err, apperrors.KindNoCertificatesMinted))
	require.NotNil(t, decision)
	assert.False(t, decision.IssuanceSucceeded)
	assert.Equal(t, StatusSubmitted, decision.Project.ApprovalStatus)
	assert.Equal(t, StatusSubmitted, decision.Project.Proposals[0].ApprovalStatus)
}

func TestDecideUnknownOutcome(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	project := createProject(t, registry, 3)

	_, err := registry.Decide(context.Background(), project.Proposals[0].ID, Outcome("maybe"), "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.Decide(context.Background(), "missing", OutcomeApproved, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestEditKeepsApprovedProposalVerbatim(t *testing.T) {
	registry, repo, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 10, 20, 30)
	approvedID := project.Proposals[0].ID
	rejectedID := project.Proposals[1].ID
	submittedID := project.Proposals[2].ID

	expectIssuance(issuer, repo, 10)
	_, err := registry.Decide(ctx, approvedID, OutcomeApproved, "")
	require.NoError(t, err)
	_, err = registry.Decide(ctx, rejectedID, OutcomeRejected, "overstated")
	require.NoError(t, err)

	before, err := repo.GetProposal(ctx, approvedID)
	require.NoError(t, err)

	edited := []ProposalInput{
		{ID: approvedID, PeriodStart: periodStart, PeriodEnd: periodStart.AddDate(2, 0, 0), CarbonAmount: 999},
		{ID: rejectedID, PeriodStart: periodStart, PeriodEnd: periodStart.AddDate(1, 0, 0), CarbonAmount: 15},
		{ID: submittedID, PeriodStart: periodStart, PeriodEnd: periodStart.AddDate(1, 0, 0), CarbonAmount: 35},
		proposalInput(5),
	}
	project, err = registry.Edit(ctx, project.ID, edited)
	require.NoError(t, err)

	after, err := repo.GetProposal(ctx, approvedID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	byID := map[string]Proposal{}
	for _, p := range project.Proposals {
		byID[p.ID] = p
	}
	rejected := byID[rejectedID]
	assert.Equal(t, StatusRejected, rejected.ApprovalStatus)
	assert.True(t, rejected.PendingResubmission)
	assert.Equal(t, int64(15), rejected.CarbonAmount)
	assert.Equal(t, int64(35), byID[submittedID].CarbonAmount)
	require.Len(t, project.Proposals, 4)
	assert.Equal(t, 3, project.Proposals[3].Position)

	// 10 approved + 35 submitted + 5 new; the rejected one does not count
	assert.Equal(t, int64(50), project.TotalCertificates)
	assert.Equal(t, StatusApproved, project.ApprovalStatus)
}

func TestEditRejectsBadShapeBeforeWriting(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 10)

	_, err := registry.Edit(ctx, project.ID, []ProposalInput{
		{ID: project.Proposals[0].ID, PeriodStart: periodStart, PeriodEnd: periodStart.AddDate(1, 0, 0), CarbonAmount: 50},
		proposalInput(0),
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	project, err = registry.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), project.Proposals[0].CarbonAmount)
}

func TestResubmit(t *testing.T) {
	registry, _, _ := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 10)
	proposalID := project.Proposals[0].ID

	_, err := registry.Resubmit(ctx, proposalID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	_, err = registry.Decide(ctx, proposalID, OutcomeRejected, "missing evidence")
	require.NoError(t, err)

	_, err = registry.Resubmit(ctx, proposalID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = registry.Edit(ctx, project.ID, []ProposalInput{
		{ID: proposalID, PeriodStart: periodStart, PeriodEnd: periodStart.AddDate(1, 0, 0), CarbonAmount: 8},
	})
	require.NoError(t, err)

	proposal, err := registry.Resubmit(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, proposal.ApprovalStatus)
	assert.False(t, proposal.PendingResubmission)
	assert.Nil(t, proposal.RejectionReason)

	project, err = registry.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, project.ApprovalStatus)
	assert.Equal(t, int64(8), project.TotalCertificates)
}

func TestUpdateDetailsReadOnlyOnceApproved(t *testing.T) {
	registry, repo, issuer := setupRegistry(t)
	ctx := context.Background()
	project := createProject(t, registry, 2)

	name := "Mangrove restoration phase 1"
	updated, err := registry.UpdateDetails(ctx, project.ID, DetailsUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	expectIssuance(issuer, repo, 2)
	_, err = registry.Decide(ctx, project.Proposals[0].ID, OutcomeApproved, "")
	require.NoError(t, err)

	other := "Renamed"
	_, err = registry.UpdateDetails(ctx, project.ID, DetailsUpdate{Name: &other})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	current, err := registry.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, name, current.Name)
}
