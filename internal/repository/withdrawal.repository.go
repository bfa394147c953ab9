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
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
)

type WithdrawalRepository struct {
	*pg.DB
}

func NewWithdrawalRepository(db *pg.DB) *WithdrawalRepository {
	return &WithdrawalRepository{
		db,
	}
}

func (r *WithdrawalRepository) Create(ctx context.Context, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	entity := toWithdrawalEntity(w)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toWithdrawalModel(entity), nil
}

func (r *WithdrawalRepository) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	var entity WithdrawalEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return toWithdrawalModel(&entity), nil
}

// HasPending reports whether the project already has a PENDING request.
// Only meaningful under the per-project lock held by the caller.
func (r *WithdrawalRepository) HasPending(ctx context.Context, projectID int64) (bool, error) {
	var count int64
	err := r.Write(ctx).WithContext(ctx).
		Model(&WithdrawalEntity{}).
		Where("project_id = ? AND status = ?", projectID, string(model.WithdrawalStatusPending)).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SumRequested aggregates requested_amount over the given statuses.
func (r *WithdrawalRepository) SumRequested(ctx context.Context, projectID int64, statuses ...model.WithdrawalStatus) (int64, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}

	var total *int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&WithdrawalEntity{}).
		Select("SUM(requested_amount)").
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

// UpdateStatusIf performs the conditional admin transition. RowsAffected
// tells the caller whether this invocation won; a concurrent admin action
// on the same request sees a no-op.
func (r *WithdrawalRepository) UpdateStatusIf(ctx context.Context, id int64, from, to model.WithdrawalStatus, adminID int64, notes string, processedAt time.Time) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&WithdrawalEntity{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]interface{}{
			"status":       string(to),
			"admin_notes":  notes,
			"processed_by": adminID,
			"processed_at": processedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *WithdrawalRepository) List(ctx context.Context, f model.WithdrawalFilter) ([]*model.WithdrawalRequest, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&WithdrawalEntity{})

	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.CreatorID != nil {
		q = q.Where("creator_id = ?", *f.CreatorID)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		q = q.Where("status IN ?", ss)
	}

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

	var entities []*WithdrawalEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toWithdrawalModels(entities), total, nil
}
