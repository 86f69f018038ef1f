package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("issuance record not found")
	// ErrInFlight is returned when the project already holds an in-flight record.
	ErrInFlight = errors.New("issuance already in flight for project")
	// ErrStatusChanged is returned when a transition finds the record in a
	// different status than expected.
	ErrStatusChanged = errors.New("issuance record status changed")
)

type Repository interface {
	Create(ctx context.Context, record *IssuanceRecord) error
	Get(ctx context.Context, id string) (*IssuanceRecord, error)
	FindInFlight(ctx context.Context, projectID string) (*IssuanceRecord, error)
	ListByProject(ctx context.Context, projectID string) ([]IssuanceRecord, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]IssuanceRecord, error)
	// Transition persists record only if the stored status is still from.
	Transition(ctx context.Context, record *IssuanceRecord, from RecordStatus) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates the outbox repository and migrates its table
func NewRepository(db *gorm.DB) (Repository, error) {
	if err := db.AutoMigrate(&IssuanceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate issuance records: %w", err)
	}
	return &gormRepository{db: db}, nil
}

func (r *gormRepository) Create(ctx context.Context, record *IssuanceRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrInFlight
	}
	if err != nil {
		return fmt.Errorf("failed to create issuance record: %w", err)
	}
	return nil
}

func (r *gormRepository) Get(ctx context.Context, id string) (*IssuanceRecord, error) {
	var record IssuanceRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issuance record: %w", err)
	}
	return &record, nil
}

func (r *gormRepository) FindInFlight(ctx context.Context, projectID string) (*IssuanceRecord, error) {
	var record IssuanceRecord
	err := r.db.WithContext(ctx).Where("lock_key = ?", projectID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight issuance: %w", err)
	}
	return &record, nil
}

func (r *gormRepository) ListByProject(ctx context.Context, projectID string) ([]IssuanceRecord, error) {
	var records []IssuanceRecord
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("submitted_at").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issuance records: %w", err)
	}
	return records, nil
}

func (r *gormRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]IssuanceRecord, error) {
	var records []IssuanceRecord
	err := r.db.WithContext(ctx).
		Where("lock_key IS NOT NULL AND updated_at < ?", before).
		Order("updated_at").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale issuance records: %w", err)
	}
	return records, nil
}

func (r *gormRepository) Transition(ctx context.Context, record *IssuanceRecord, from RecordStatus) error {
	if record.Status.InFlight() {
		key := record.ProjectID
		record.LockKey = &key
	} else {
		record.LockKey = nil
	}

	res := r.db.WithContext(ctx).
		Model(&IssuanceRecord{}).
		Where("id = ? AND status = ?", record.ID, from).
		Select("*").
		Omit("id", "created_at").
		Updates(record)
	if res.Error != nil {
		return fmt.Errorf("failed to update issuance record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}
