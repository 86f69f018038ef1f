package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"carbon-scribe/registry-core/internal/projects"
)

type Repository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// Deposit credits an account if its version is still expected.
	Deposit(ctx context.Context, account *Account, amount decimal.Decimal, reference string) (*Account, error)
	ListHoldings(ctx context.Context, accountID string) ([]Holding, error)
	ListTransactions(ctx context.Context, accountID string) ([]AccountTransaction, error)

	// GetPool reads the project's pool version before the head of the pool,
	// so a commit against the returned version can only succeed if the head
	// is still current.
	GetPool(ctx context.Context, projectID string, limit int64) (*PoolSnapshot, error)
	SoldQuantity(ctx context.Context, projectID string) (int64, error)

	// CommitPurchase applies every mutation of a purchase in one transaction.
	// It returns ErrPoolConflict or ErrAccountConflict when a version check
	// fails and ErrDuplicateTransaction when the transaction id is taken.
	CommitPurchase(ctx context.Context, commit *PurchaseCommit) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	GetPurchaseByTransactionID(ctx context.Context, transactionID string) (*Purchase, error)
	AttachConfirmation(ctx context.Context, purchaseID, txHash string, blockNumber int64, at time.Time) error
}

const (
	accountColumns     = `id, owner_name, balance, version, created_at, updated_at`
	purchaseColumns    = `id, transaction_id, buyer_id, seller_id, project_id, quantity, total_price, ledger_tx_hash, block_number, created_at, confirmed_at`
	certificateColumns = `token_id, unique_hash, project_id, proposal_id, carbon_amount, pool_position, issue_tx_hash, issue_block, purchase_id, issued_at`
)

type sqlRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &sqlRepository{db: db}
}

func (r *sqlRepository) CreateAccount(ctx context.Context, account *Account) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (:id, :owner_name, :balance, :version, :created_at, :updated_at)`, account)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if account.Balance.IsPositive() {
		err = insertTransaction(ctx, tx, &AccountTransaction{
			AccountID:     account.ID,
			Kind:          TransactionDeposit,
			Amount:        account.Balance,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  account.Balance,
			Reference:     "opening balance",
			CreatedAt:     account.CreatedAt,
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account: %w", err)
	}
	return nil
}

func (r *sqlRepository) GetAccount(ctx context.Context, id string) (*Account, error) {
	var account Account
	err := r.db.GetContext(ctx, &account, r.db.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (r *sqlRepository) Deposit(ctx context.Context, account *Account, amount decimal.Decimal, reference string) (*Account, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	updated := *account
	updated.Balance = account.Balance.Add(amount)
	updated.Version = account.Version + 1
	updated.UpdatedAt = now

	if err := casAccount(ctx, tx, account.ID, account.Version, updated.Balance, now); err != nil {
		return nil, err
	}
	err = insertTransaction(ctx, tx, &AccountTransaction{
		AccountID:     account.ID,
		Kind:          TransactionDeposit,
		Amount:        amount,
		BalanceBefore: account.Balance,
		BalanceAfter:  updated.Balance,
		Reference:     reference,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deposit: %w", err)
	}
	return &updated, nil
}

func (r *sqlRepository) ListHoldings(ctx context.Context, accountID string) ([]Holding, error) {
	var holdings []Holding
	err := r.db.SelectContext(ctx, &holdings, r.db.Rebind(`
		SELECT id, account_id, project_id, purchase_id, quantity, token_ids, acquired_at
		FROM holdings WHERE account_id = ? ORDER BY acquired_at, id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return holdings, nil
}

func (r *sqlRepository) ListTransactions(ctx context.Context, accountID string) ([]AccountTransaction, error) {
	var entries []AccountTransaction
	err := r.db.SelectContext(ctx, &entries, r.db.Rebind(`
		SELECT id, account_id, purchase_id, kind, amount, balance_before, balance_after, reference, created_at
		FROM account_transactions WHERE account_id = ? ORDER BY created_at, id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account transactions: %w", err)
	}
	return entries, nil
}

func (r *sqlRepository) GetPool(ctx context.Context, projectID string, limit int64) (*PoolSnapshot, error) {
	var snapshot PoolSnapshot
	err := r.db.GetContext(ctx, &snapshot, r.db.Rebind(`
		SELECT id, owner_id, approval_status, pool_version, issued_certificates, total_certificates
		FROM projects WHERE id = ?`), projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project pool: %w", err)
	}

	err = r.db.GetContext(ctx, &snapshot.Available, r.db.Rebind(`
		SELECT COUNT(*) FROM certificates WHERE project_id = ? AND purchase_id IS NULL`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pool: %w", err)
	}

	if limit > 0 {
		err = r.db.SelectContext(ctx, &snapshot.Head, r.db.Rebind(`
			SELECT `+certificateColumns+` FROM certificates
			WHERE project_id = ? AND purchase_id IS NULL
			ORDER BY pool_position LIMIT ?`), projectID, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read pool: %w", err)
		}
	}
	return &snapshot, nil
}

func (r *sqlRepository) SoldQuantity(ctx context.Context, projectID string) (int64, error) {
	var sold int64
	err := r.db.GetContext(ctx, &sold, r.db.Rebind(`
		SELECT COALESCE(SUM(quantity), 0) FROM purchases WHERE project_id = ?`), projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum purchases: %w", err)
	}
	return sold, nil
}

func (r *sqlRepository) CommitPurchase(ctx context.Context, commit *PurchaseCommit) error {
	purchase := commit.Purchase
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET pool_version = pool_version + 1, updated_at = ?
		WHERE id = ? AND pool_version = ? AND approval_status = 'approved'`),
		commit.Now, purchase.ProjectID, commit.ExpectedPoolVersion)
	if err != nil {
		return fmt.Errorf("failed to advance pool version: %w", err)
	}
	if err := expectOneRow(res, ErrPoolConflict); err != nil {
		return err
	}

	var taken int
	err = tx.GetContext(ctx, &taken, tx.Rebind(`SELECT COUNT(*) FROM purchases WHERE transaction_id = ?`), purchase.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to check transaction id: %w", err)
	}
	if taken > 0 {
		return ErrDuplicateTransaction
	}

	buyer := commit.Buyer
	buyerAfter := buyer.Balance.Sub(purchase.TotalPrice)
	if buyerAfter.IsNegative() {
		return ErrAccountConflict
	}
	if err := casAccount(ctx, tx, buyer.ID, buyer.Version, buyerAfter, commit.Now); err != nil {
		return err
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (:id, :transaction_id, :buyer_id, :seller_id, :project_id, :quantity, :total_price,
			:ledger_tx_hash, :block_number, :created_at, :confirmed_at)`, purchase)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	tokenIDs := make([]string, len(purchase.Certificates))
	for i, cert := range purchase.Certificates {
		tokenIDs[i] = cert.TokenID
	}
	query, args, err := sqlx.In(`
		UPDATE certificates SET purchase_id = ?
		WHERE project_id = ? AND purchase_id IS NULL AND token_id IN (?)`,
		purchase.ID, purchase.ProjectID, tokenIDs)
	if err != nil {
		return fmt.Errorf("failed to build allocation query: %w", err)
	}
	res, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to allocate certificates: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	} else if n != int64(len(tokenIDs)) {
		return ErrPoolConflict
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO holdings (id, account_id, project_id, purchase_id, quantity, token_ids, acquired_at)
		VALUES (:id, :account_id, :project_id, :purchase_id, :quantity, :token_ids, :acquired_at)`, commit.Holding)
	if err != nil {
		return fmt.Errorf("failed to insert holding: %w", err)
	}

	purchaseID := purchase.ID
	err = insertTransaction(ctx, tx, &AccountTransaction{
		AccountID:     buyer.ID,
		PurchaseID:    &purchaseID,
		Kind:          TransactionPurchase,
		Amount:        purchase.TotalPrice.Neg(),
		BalanceBefore: buyer.Balance,
		BalanceAfter:  buyerAfter,
		Reference:     purchase.TransactionID,
		CreatedAt:     commit.Now,
	})
	if err != nil {
		return err
	}

	if err := creditSeller(ctx, tx, purchase, commit.Now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purchase: %w", err)
	}
	return nil
}

// creditSeller pays the project owner when it holds an account. Owners
// without an account are paid outside the registry.
func creditSeller(ctx context.Context, tx *sqlx.Tx, purchase *Purchase, now time.Time) error {
	var seller Account
	err := tx.GetContext(ctx, &seller, tx.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), purchase.SellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get seller account: %w", err)
	}

	after := seller.Balance.Add(purchase.TotalPrice)
	if err := casAccount(ctx, tx, seller.ID, seller.Version, after, now); err != nil {
		return err
	}
	purchaseID := purchase.ID
	return insertTransaction(ctx, tx, &AccountTransaction{
		AccountID:     seller.ID,
		PurchaseID:    &purchaseID,
		Kind:          TransactionSale,
		Amount:        purchase.TotalPrice,
		BalanceBefore: seller.Balance,
		BalanceAfter:  after,
		Reference:     purchase.TransactionID,
		CreatedAt:     now,
	})
}

func (r *sqlRepository) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	return r.getPurchase(ctx, "id", id)
}

func (r *sqlRepository) GetPurchaseByTransactionID(ctx context.Context, transactionID string) (*Purchase, error) {
	return r.getPurchase(ctx, "transaction_id", transactionID)
}

func (r *sqlRepository) getPurchase(ctx context.Context, column, value string) (*Purchase, error) {
	var purchase Purchase
	err := r.db.GetContext(ctx, &purchase, r.db.Rebind(`SELECT `+purchaseColumns+` FROM purchases WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}

	err = r.db.SelectContext(ctx, &purchase.Certificates, r.db.Rebind(`
		SELECT `+certificateColumns+` FROM certificates
		WHERE purchase_id = ? ORDER BY pool_position`), purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchased certificates: %w", err)
	}
	return &purchase, nil
}

func (r *sqlRepository) AttachConfirmation(ctx context.Context, purchaseID, txHash string, blockNumber int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE purchases SET ledger_tx_hash = ?, block_number = ?, confirmed_at = ?
		WHERE id = ? AND confirmed_at IS NULL`), txHash, blockNumber, at, purchaseID)
	if err != nil {
		return fmt.Errorf("failed to attach confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetPurchase(ctx, purchaseID); err != nil {
		return err
	}
	return ErrAlreadyConfirmed
}

func casAccount(ctx context.Context, tx *sqlx.Tx, id string, version int64, balance decimal.Decimal, now time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`), balance, now, id, version)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	return expectOneRow(res, ErrAccountConflict)
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, entry *AccountTransaction) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO account_transactions (id, account_id, purchase_id, kind, amount, balance_before, balance_after, reference, created_at)
		VALUES (:id, :account_id, :purchase_id, :kind, :amount, :balance_before, :balance_after, :reference, :created_at)`, entry)
	if err != nil {
		return fmt.Errorf("failed to insert account transaction: %w", err)
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

// poolHead trims a snapshot's head to the first quantity certificates
func poolHead(snapshot *PoolSnapshot, quantity int64) []projects.Certificate {
	if int64(len(snapshot.Head)) < quantity {
		return snapshot.Head
	}
	return snapshot.Head[:quantity]
}
