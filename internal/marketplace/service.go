// Package marketplace sells certificates from a project's pool to buyer
// accounts. Allocation is FIFO and guarded by compare-and-swap on the pool
// version and the buyer's account version, retried on conflict.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carbon-scribe/registry-core/internal/apperrors"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/notifications"
	"carbon-scribe/registry-core/internal/projects"
)

// Config contains purchase configuration
type Config struct {
	// VerifyConcurrency bounds parallel ledger verification calls.
	VerifyConcurrency int
	ConflictRetryWait time.Duration
	ConflictRetryMax  time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		VerifyConcurrency: 8,
		ConflictRetryWait: 20 * time.Millisecond,
		ConflictRetryMax:  5 * time.Second,
	}
}

type Service struct {
	repo     Repository
	ledger   ledger.Client
	notifier notifications.Notifier
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, ledgerClient ledger.Client, notifier notifications.Notifier, config Config, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.VerifyConcurrency <= 0 {
		config.VerifyConcurrency = defaults.VerifyConcurrency
	}
	if config.ConflictRetryWait <= 0 {
		config.ConflictRetryWait = defaults.ConflictRetryWait
	}
	if config.ConflictRetryMax <= 0 {
		config.ConflictRetryMax = defaults.ConflictRetryMax
	}
	if notifier == nil {
		notifier = notifications.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		ledger:   ledgerClient,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Purchase transfers the first req.Quantity certificates of the project's
// pool to the buyer. Every refusal leaves pool, balances and purchases
// untouched. A repeated TransactionID returns the original receipt.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*Receipt, error) {
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if err := validatePurchase(req); err != nil {
		return nil, err
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.ConflictRetryWait
	policy.MaxInterval = 10 * s.config.ConflictRetryWait

	attempts := 0
	receipt, err := backoff.Retry(ctx, func() (*Receipt, error) {
		attempts++
		receipt, err := s.attempt(ctx, req)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrPoolConflict) || errors.Is(err, ErrAccountConflict) || errors.Is(err, ErrDuplicateTransaction) {
			s.logger.Debug("Purchase conflict, retrying",
				zap.String("transaction_id", req.TransactionID),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(s.config.ConflictRetryMax))
	if err != nil {
		if errors.Is(err, ErrPoolConflict) || errors.Is(err, ErrAccountConflict) || errors.Is(err, ErrDuplicateTransaction) {
			return nil, apperrors.Wrap(err, apperrors.KindConflict, "inventory is under heavy contention, retry the purchase")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("purchase cancelled: %w", err)
		}
		return nil, err
	}
	return receipt, nil
}

func validatePurchase(req PurchaseRequest) error {
	if strings.TrimSpace(req.BuyerID) == "" {
		return apperrors.New(apperrors.KindValidation, "buyer is required")
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return apperrors.New(apperrors.KindValidation, "project is required")
	}
	if req.Quantity <= 0 {
		return apperrors.New(apperrors.KindValidation, "quantity must be a positive integer")
	}
	if !req.TotalPrice.IsPositive() {
		return apperrors.New(apperrors.KindValidation, "total price must be positive")
	}
	return nil
}

// attempt runs one read-verify-commit pass
func (s *Service) attempt(ctx context.Context, req PurchaseRequest) (*Receipt, error) {
	if existing, err := s.repo.GetPurchaseByTransactionID(ctx, req.TransactionID); err == nil {
		return s.replay(ctx, req, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	snapshot, err := s.repo.GetPool(ctx, req.ProjectID, req.Quantity)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "project %s not found", req.ProjectID)
	}
	if err != nil {
		return nil, err
	}
	if snapshot.ApprovalStatus != projects.StatusApproved {
		return nil, apperrors.New(apperrors.KindProjectNotApproved, "project %s is not approved", req.ProjectID)
	}
	if snapshot.Available < req.Quantity {
		return nil, apperrors.New(apperrors.KindInsufficientInventory,
			"insufficient inventory: requested %d, available %d", req.Quantity, snapshot.Available)
	}

	buyer, err := s.repo.GetAccount(ctx, req.BuyerID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "account %s not found", req.BuyerID)
	}
	if err != nil {
		return nil, err
	}
	if buyer.Balance.LessThan(req.TotalPrice) {
		return nil, apperrors.New(apperrors.KindInsufficientBalance,
			"insufficient balance: required %s, available %s", req.TotalPrice.String(), buyer.Balance.String())
	}

	certificates := poolHead(snapshot, req.Quantity)
	if int64(len(certificates)) < req.Quantity {
		// the pool shrank between the count and the head read
		return nil, ErrPoolConflict
	}
	if err := s.verify(ctx, certificates); err != nil {
		return nil, err
	}

	// last point at which the caller may abandon the purchase
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	purchase := &Purchase{
		ID:            uuid.New().String(),
		TransactionID: req.TransactionID,
		BuyerID:       buyer.ID,
		SellerID:      snapshot.SellerID,
		ProjectID:     req.ProjectID,
		Quantity:      req.Quantity,
		TotalPrice:    req.TotalPrice,
		CreatedAt:     now,
		Certificates:  make([]projects.Certificate, len(certificates)),
	}
	tokenIDs := make([]string, len(certificates))
	for i, cert := range certificates {
		cert.PurchaseID = &purchase.ID
		purchase.Certificates[i] = cert
		tokenIDs[i] = cert.TokenID
	}
	encoded, err := json.Marshal(tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token ids: %w", err)
	}

	commit := &PurchaseCommit{
		Purchase:            purchase,
		ExpectedPoolVersion: snapshot.PoolVersion,
		Buyer:               buyer,
		Holding: &Holding{
			ID:         uuid.New().String(),
			AccountID:  buyer.ID,
			ProjectID:  req.ProjectID,
			PurchaseID: purchase.ID,
			Quantity:   req.Quantity,
			TokenIDs:   string(encoded),
			AcquiredAt: now,
		},
		Now: now,
	}
	// the commit runs to completion or rolls back as a unit
	if err := s.repo.CommitPurchase(context.WithoutCancel(ctx), commit); err != nil {
		return nil, err
	}

	remaining := buyer.Balance.Sub(req.TotalPrice)
	s.notifier.Publish(context.WithoutCancel(ctx), notifications.Event{
		Type:      notifications.EventPurchaseCompleted,
		ProjectID: req.ProjectID,
		Data: map[string]any{
			"purchase_id":    purchase.ID,
			"transaction_id": purchase.TransactionID,
			"quantity":       purchase.Quantity,
			"remaining":      snapshot.Available - req.Quantity,
		},
	})
	s.logger.Info("Purchase completed",
		zap.String("purchase_id", purchase.ID),
		zap.String("transaction_id", purchase.TransactionID),
		zap.String("project_id", req.ProjectID),
		zap.String("buyer_id", buyer.ID),
		zap.Int64("quantity", req.Quantity))

	return &Receipt{
		TransactionID:    purchase.TransactionID,
		PurchaseID:       purchase.ID,
		Certificates:     purchase.Certificates,
		LedgerTxHash:     purchase.LedgerTxHash,
		BlockNumber:      purchase.BlockNumber,
		RemainingBalance: remaining,
	}, nil
}

// replay answers a repeated transaction id with the stored purchase
func (s *Service) replay(ctx context.Context, req PurchaseRequest, existing *Purchase) (*Receipt, error) {
	if existing.BuyerID != req.BuyerID || existing.ProjectID != req.ProjectID ||
		existing.Quantity != req.Quantity || !existing.TotalPrice.Equal(req.TotalPrice) {
		return nil, apperrors.New(apperrors.KindConflict,
			"transaction id %s was already used for a different purchase", req.TransactionID)
	}
	buyer, err := s.repo.GetAccount(ctx, existing.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get buyer account: %w", err)
	}
	return &Receipt{
		TransactionID:    existing.TransactionID,
		PurchaseID:       existing.ID,
		Certificates:     existing.Certificates,
		LedgerTxHash:     existing.LedgerTxHash,
		BlockNumber:      existing.BlockNumber,
		RemainingBalance: buyer.Balance,
		Replayed:         true,
	}, nil
}

// verify re-checks each certificate against the ledger with bounded
// parallelism. Any invalid certificate fails the whole purchase.
func (s *Service) verify(ctx context.Context, certificates []projects.Certificate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.VerifyConcurrency)

	for _, cert := range certificates {
		g.Go(func() error {
			valid, err := s.ledger.VerifyCertificate(gctx, cert.UniqueHash)
			if err != nil {
				if apperrors.KindOf(err) != apperrors.KindInternal {
					return err
				}
				return apperrors.Wrap(err, apperrors.KindLedgerUnavailable, "failed to verify certificate %s", cert.TokenID)
			}
			if !valid {
				s.logger.Warn("Pool certificate failed ledger verification",
					zap.String("token_id", cert.TokenID),
					zap.String("project_id", cert.ProjectID))
				return apperrors.New(apperrors.KindStaleInventory,
					"certificate %s is no longer valid on the ledger", cert.TokenID)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// AttachConfirmation records the ledger transfer confirmation of a purchase
func (s *Service) AttachConfirmation(ctx context.Context, purchaseID, txHash string, blockNumber int64) (*Purchase, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "transaction hash is required")
	}
	if blockNumber < 0 {
		return nil, apperrors.New(apperrors.KindValidation, "block number must not be negative")
	}

	err := s.repo.AttachConfirmation(ctx, purchaseID, txHash, blockNumber, s.now())
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, apperrors.New(apperrors.KindNotFound, "purchase %s not found", purchaseID)
	case errors.Is(err, ErrAlreadyConfirmed):
		return nil, apperrors.New(apperrors.KindConflict, "purchase %s is already confirmed", purchaseID)
	case err != nil:
		return nil, err
	}
	return s.GetPurchase(ctx, purchaseID)
}

func (s *Service) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	purchase, err := s.repo.GetPurchase(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "purchase %s not found", id)
	}
	return purchase, err
}

// Inventory reports the pool of a project. Available + Sold equals Issued.
func (s *Service) Inventory(ctx context.Context, projectID string) (*Inventory, error) {
	snapshot, err := s.repo.GetPool(ctx, projectID, 0)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "project %s not found", projectID)
	}
	if err != nil {
		return nil, err
	}
	sold, err := s.repo.SoldQuantity(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Inventory{
		ProjectID:   projectID,
		Available:   snapshot.Available,
		Sold:        sold,
		Issued:      snapshot.Issued,
		Total:       snapshot.Total,
		PoolVersion: snapshot.PoolVersion,
	}, nil
}

func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if strings.TrimSpace(req.OwnerName) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "owner name is required")
	}
	if req.InitialBalance.IsNegative() {
		return nil, apperrors.New(apperrors.KindValidation, "initial balance must not be negative")
	}
	now := s.now()
	account := &Account{
		ID:        strings.TrimSpace(req.ID),
		OwnerName: req.OwnerName,
		Balance:   req.InitialBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("Account created", zap.String("account_id", account.ID))
	return account, nil
}

// GetAccount returns an account with its holdings
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	account, err := s.repo.GetAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	account.Holdings, err = s.repo.ListHoldings(ctx, id)
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) Transactions(ctx context.Context, accountID string) ([]AccountTransaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, accountID)
}

// Deposit credits an account, retrying on concurrent balance changes
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Account, error) {
	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindValidation, "deposit amount must be positive")
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.ConflictRetryWait

	account, err := backoff.Retry(ctx, func() (*Account, error) {
		current, err := s.repo.GetAccount(ctx, accountID)
		if errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(apperrors.New(apperrors.KindNotFound, "account %s not found", accountID))
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		updated, err := s.repo.Deposit(ctx, current, amount, reference)
		if err != nil && !errors.Is(err, ErrAccountConflict) {
			return nil, backoff.Permanent(err)
		}
		return updated, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(s.config.ConflictRetryMax))
	if errors.Is(err, ErrAccountConflict) {
		return nil, apperrors.Wrap(err, apperrors.KindConflict, "account is under heavy contention, retry the deposit")
	}
	return account, err
}
