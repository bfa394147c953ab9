package repository

import (
	"context"
	"errors"
	"time"

	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrDonationNotFound is returned when no donation matches the lookup key.
	ErrDonationNotFound = errors.New("donation not found")
)

type DonationRepository struct {
	*pg.DB
}

func NewDonationRepository(db *pg.DB) *DonationRepository {
	return &DonationRepository{
		db,
	}
}

func (r *DonationRepository) Create(ctx context.Context, d *model.Donation) (*model.Donation, error) {
	entity := toDonationEntity(d)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toDonationModel(entity), nil
}

func (r *DonationRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.Donation, error) {
	var entity DonationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return toDonationModel(&entity), nil
}

func (r *DonationRepository) GetByID(ctx context.Context, id int64) (*model.Donation, error) {
	var entity DonationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return toDonationModel(&entity), nil
}

// MarkSettledIfPending performs the conditional terminal transition. The
// WHERE clause on the current status makes the database adjudicate races
// between duplicate or conflicting callbacks: exactly one caller observes
// applied == true, every later caller a no-op.
func (r *DonationRepository) MarkSettledIfPending(ctx context.Context, transactionID string, status model.PaymentStatus, bankTransactionID, failureReason string, settledAt time.Time) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&DonationEntity{}).
		Where("transaction_id = ? AND status IN ?", transactionID,
			[]string{string(model.PaymentStatusPending), string(model.PaymentStatusProcessing)}).
		Updates(map[string]interface{}{
			"status":              string(status),
			"bank_transaction_id": bankTransactionID,
			"failure_reason":      failureReason,
			"settled_at":          settledAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkRefundedIfSuccess flips SUCCESS -> REFUNDED at most once.
func (r *DonationRepository) MarkRefundedIfSuccess(ctx context.Context, transactionID, reason string, refundedAt time.Time) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&DonationEntity{}).
		Where("transaction_id = ? AND status = ?", transactionID, string(model.PaymentStatusSuccess)).
		Updates(map[string]interface{}{
			"status":         string(model.PaymentStatusRefunded),
			"failure_reason": reason,
			"refunded_at":    refundedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *DonationRepository) SetSessionKey(ctx context.Context, id int64, sessionKey string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Update("session_key", sessionKey).
		Error
}

func (r *DonationRepository) SetArtifactURL(ctx context.Context, id int64, url string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&DonationEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"artifact_url":  url,
			"reward_status": string(model.RewardStatusRedeemed),
		}).
		Error
}

// SumNetAmount aggregates net_amount over the given statuses for a project.
// Used by the withdrawal ledger; always read fresh, never from a counter.
func (r *DonationRepository) SumNetAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error) {
	return r.sum(ctx, "net_amount", projectID, statuses)
}

// SumGrossAmount aggregates amount over the given statuses for a project.
func (r *DonationRepository) SumGrossAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error) {
	return r.sum(ctx, "amount", projectID, statuses)
}

func (r *DonationRepository) sum(ctx context.Context, column string, projectID int64, statuses []model.PaymentStatus) (int64, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}

	var total *int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&DonationEntity{}).
		Select("SUM(" + column + ")").
		Where("project_id = ? AND status IN ?", projectID, ss).
		Scan(&total).
		Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

func (r *DonationRepository) List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&DonationEntity{})

	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.DonorID != nil {
		q = q.Where("donor_id = ?", *f.DonorID)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		q = q.Where("status IN ?", ss)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	// Count before pagination
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*DonationEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toDonationModels(entities), total, nil
}

// ListStalePending returns donations still awaiting a callback after
// olderThan. The reconciler resolves them with a status query against the
// processor rather than assuming failure.
func (r *DonationRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Donation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var entities []*DonationEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{string(model.PaymentStatusPending), string(model.PaymentStatusProcessing)}, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDonationModels(entities), nil
}
