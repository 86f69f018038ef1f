package verification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/database"
	"carbon-scribe/registry-core/internal/issuance"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/ledger/ledgertest"
	"carbon-scribe/registry-core/internal/marketplace"
	"carbon-scribe/registry-core/internal/projects"
)

type fixture struct {
	service     *Service
	registry    *projects.Registry
	projects    projects.Repository
	marketplace *marketplace.Service
	ledger      *ledgertest.Fake
}

func setupVerification(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenTest(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := database.OpenGorm("sqlite3", db.DB)
	require.NoError(t, err)
	records, err := issuance.NewRepository(gormDB)
	require.NoError(t, err)

	fake := ledgertest.NewFake()
	projectRepo := projects.NewRepository(db)
	coordinator := issuance.NewCoordinator(records, projectRepo, fake, nil, issuance.DefaultConfig(), nil)

	return &fixture{
		service:     NewService(fake, projectRepo, nil),
		registry:    projects.NewRegistry(projectRepo, coordinator, nil),
		projects:    projectRepo,
		marketplace: marketplace.NewService(marketplace.NewRepository(db), fake, nil, marketplace.DefaultConfig(), nil),
		ledger:      fake,
	}
}

func (f *fixture) issuedCertificates(t *testing.T, amount int64) (*projects.Project, []projects.Certificate) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	project, err := f.registry.CreateProject(ctx, projects.CreateProjectRequest{
		Name:         "Katingan peatland",
		OwnerID:      "owner-1",
		OwnerAddress: "0x00000000000000000000000000000000000000C3",
		Proposals: []projects.ProposalInput{{
			PeriodStart: start, PeriodEnd: start.AddDate(1, 0, 0), CarbonAmount: amount,
		}},
	})
	require.NoError(t, err)
	_, err = f.registry.Decide(ctx, project.Proposals[0].ID, projects.OutcomeApproved, "")
	require.NoError(t, err)

	certs, err := f.projects.ListCertificates(ctx, project.ID)
	require.NoError(t, err)
	return project, certs
}

func TestVerifyUnknownHash(t *testing.T) {
	f := setupVerification(t)

	result, err := f.service.Verify(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Nil(t, result.Certificate)
}

func TestVerifyCrossReferencesRegistry(t *testing.T) {
	f := setupVerification(t)
	ctx := context.Background()
	project, certs := f.issuedCertificates(t, 3)

	result, err := f.service.Verify(ctx, certs[0].UniqueHash)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	require.NotNil(t, result.Certificate)
	assert.Equal(t, certs[0].TokenID, result.Certificate.TokenID)
	require.NotNil(t, result.Registry)
	assert.Equal(t, project.ID, result.Registry.ProjectID)
	assert.Equal(t, "Katingan peatland", result.Registry.ProjectName)
	assert.Equal(t, PoolAvailable, result.Registry.PoolState)

	_, err = f.marketplace.CreateAccount(ctx, marketplace.CreateAccountRequest{
		ID: "buyer-1", OwnerName: "Buyer", InitialBalance: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	receipt, err := f.marketplace.Purchase(ctx, marketplace.PurchaseRequest{
		BuyerID: "buyer-1", ProjectID: project.ID, Quantity: 1, TotalPrice: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	result, err = f.service.GetByTokenID(ctx, certs[0].TokenID)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, PoolSold, result.Registry.PoolState)
	require.NotNil(t, result.Registry.PurchaseID)
	assert.Equal(t, receipt.PurchaseID, *result.Registry.PurchaseID)
}

func TestVerifyInvalidatedCertificate(t *testing.T) {
	f := setupVerification(t)
	_, certs := f.issuedCertificates(t, 1)
	f.ledger.Invalidate(certs[0].UniqueHash)

	result, err := f.service.Verify(context.Background(), certs[0].UniqueHash)
	require.NoError(t, err)
	assert.False(t, result.IsValid)

	result, err = f.service.GetByTokenID(context.Background(), certs[0].TokenID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.NotNil(t, result.Certificate)
}

func TestVerifyUnrecordedCertificate(t *testing.T) {
	f := setupVerification(t)
	receipt, err := f.ledger.IssueCertificate(context.Background(), ledger.IssueRequest{
		Recipient: "0xowner", Amount: 1, ProjectID: "project-elsewhere",
	})
	require.NoError(t, err)
	decoded := ledger.DecodeCertificateIssued(receipt, f.ledger.ContractAddress())
	require.Len(t, decoded.Certificates, 1)

	result, err := f.service.Verify(context.Background(), decoded.Certificates[0].UniqueHash)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, PoolUnrecorded, result.Registry.PoolState)
	assert.Equal(t, "project-elsewhere", result.Registry.ProjectID)
	assert.Empty(t, result.Registry.ProjectName)
}

func TestVerifyLedgerFailure(t *testing.T) {
	f := setupVerification(t)
	f.ledger.VerifyErr = errors.New("dial tcp: connection refused")

	_, err := f.service.Verify(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindLedgerUnavailable, apperrors.KindOf(err))

	_, err = f.service.Verify(context.Background(), "  ")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestGetByUnknownTokenID(t *testing.T) {
	f := setupVerification(t)

	result, err := f.service.GetByTokenID(context.Background(), "999")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

func TestHandler(t *testing.T) {
	f := setupVerification(t)
	_, certs := f.issuedCertificates(t, 1)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(f.service, nil).RegisterRoutes(router.Group("/api/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/certificates/verify/0xabc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isValid":false}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+certs[0].TokenID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var result Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.Equal(t, certs[0].UniqueHash, result.Certificate.UniqueHash)
}
