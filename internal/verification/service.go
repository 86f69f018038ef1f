// Package verification answers certificate authenticity queries against the
// ledger and attaches what the registry knows about the certificate.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/projects"
)

// Result is the answer to a verification query
type Result struct {
	IsValid     bool                       `json:"isValid"`
	Certificate *ledger.CertificateDetails `json:"certificate,omitempty"`
	Registry    *RegistryRecord            `json:"registry,omitempty"`
}

// RegistryRecord is the local view of a verified certificate
type RegistryRecord struct {
	ProjectID   string  `json:"project_id"`
	ProjectName string  `json:"project_name"`
	ProposalID  string  `json:"proposal_id"`
	PoolState   string  `json:"pool_state"`
	PurchaseID  *string `json:"purchase_id,omitempty"`
}

// Pool states of a certificate
const (
	PoolAvailable = "available"
	PoolSold      = "sold"
	// PoolUnrecorded means the ledger knows the certificate but the registry
	// has not applied it yet, usually pending reconciliation.
	PoolUnrecorded = "unrecorded"
)

type Service struct {
	ledger   ledger.Client
	projects projects.Repository
	logger   *zap.Logger
}

func NewService(ledgerClient ledger.Client, projectRepo projects.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: ledgerClient, projects: projectRepo, logger: logger}
}

// Verify checks uniqueHash on the ledger. A hash the ledger does not know is
// reported as invalid, not as an error.
func (s *Service) Verify(ctx context.Context, uniqueHash string) (*Result, error) {
	uniqueHash = strings.TrimSpace(uniqueHash)
	if uniqueHash == "" {
		return nil, apperrors.New(apperrors.KindValidation, "certificate hash is required")
	}

	valid, err := s.ledger.VerifyCertificate(ctx, uniqueHash)
	if err != nil {
		return nil, s.ledgerError(err, "verifyCertificate", uniqueHash)
	}
	if !valid {
		return &Result{IsValid: false}, nil
	}

	details, err := s.ledger.GetCertificateByHash(ctx, uniqueHash)
	if errors.Is(err, ledger.ErrCertificateNotFound) {
		return &Result{IsValid: false}, nil
	}
	if err != nil {
		return nil, s.ledgerError(err, "getCertificateByHash", uniqueHash)
	}

	record, err := s.crossReference(ctx, details, func() (*projects.Certificate, error) {
		return s.projects.FindCertificateByHash(ctx, uniqueHash)
	})
	if err != nil {
		return nil, err
	}
	return &Result{IsValid: true, Certificate: details, Registry: record}, nil
}

// GetByTokenID is the token-indexed counterpart of Verify
func (s *Service) GetByTokenID(ctx context.Context, tokenID string) (*Result, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "token id is required")
	}

	details, err := s.ledger.GetCertificate(ctx, tokenID)
	if errors.Is(err, ledger.ErrCertificateNotFound) {
		return &Result{IsValid: false}, nil
	}
	if err != nil {
		return nil, s.ledgerError(err, "getCertificate", tokenID)
	}

	valid, err := s.ledger.VerifyCertificate(ctx, details.UniqueHash)
	if err != nil {
		return nil, s.ledgerError(err, "verifyCertificate", details.UniqueHash)
	}
	if !valid {
		return &Result{IsValid: false, Certificate: details}, nil
	}

	record, err := s.crossReference(ctx, details, func() (*projects.Certificate, error) {
		return s.projects.FindCertificateByTokenID(ctx, tokenID)
	})
	if err != nil {
		return nil, err
	}
	return &Result{IsValid: true, Certificate: details, Registry: record}, nil
}

func (s *Service) crossReference(ctx context.Context, details *ledger.CertificateDetails, find func() (*projects.Certificate, error)) (*RegistryRecord, error) {
	record := &RegistryRecord{ProjectID: details.ProjectID, PoolState: PoolUnrecorded}

	cert, err := find()
	switch {
	case errors.Is(err, projects.ErrNotFound):
		// fall through with what the ledger reported
	case err != nil:
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	default:
		record.ProjectID = cert.ProjectID
		record.ProposalID = cert.ProposalID
		record.PurchaseID = cert.PurchaseID
		record.PoolState = PoolAvailable
		if cert.PurchaseID != nil {
			record.PoolState = PoolSold
		}
	}

	project, err := s.projects.GetProject(ctx, record.ProjectID)
	switch {
	case errors.Is(err, projects.ErrNotFound):
		s.logger.Warn("Verified certificate references an unknown project",
			zap.String("token_id", details.TokenID),
			zap.String("project_id", record.ProjectID))
	case err != nil:
		return nil, fmt.Errorf("failed to get project: %w", err)
	default:
		record.ProjectName = project.Name
	}
	return record, nil
}

func (s *Service) ledgerError(err error, call, key string) error {
	s.logger.Error("Ledger lookup failed",
		zap.String("call", call),
		zap.String("key", key),
		zap.Error(err))
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "ledger lookup failed")
}
