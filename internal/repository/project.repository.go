package repository

import (
	"context"
	"errors"

	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotFound    = errors.New("project not found")
	ErrRewardTierNotFound = errors.New("reward tier not found")
)

type ProjectRepository struct {
	*pg.DB
}

func NewProjectRepository(db *pg.DB) *ProjectRepository {
	return &ProjectRepository{
		db,
	}
}

func (r *ProjectRepository) Create(ctx context.Context, p *ProjectEntity) (*model.Project, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return toProjectModel(p), nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	var entity ProjectEntity
	err := r.Read(ctx).WithContext(ctx).
		Preload("RewardTiers").
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return toProjectModel(&entity), nil
}

// LockForUpdate reads the project row under SELECT FOR UPDATE. Inside a
// WithinTransaction block this serializes every flow that mutates or checks
// a project's money state, which is what makes the withdrawal ledger's
// duplicate-pending and sufficiency checks race-free.
func (r *ProjectRepository) LockForUpdate(ctx context.Context, id int64) (*model.Project, error) {
	var entity ProjectEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return toProjectModel(&entity), nil
}

func (r *ProjectRepository) GetRewardTier(ctx context.Context, tierID int64) (*model.RewardTier, error) {
	var entity RewardTierEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", tierID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRewardTierNotFound
		}
		return nil, err
	}
	return toRewardTierModel(&entity), nil
}

// Credit applies the net effect of a settled donation onto the project's
// accumulators. Callers own the exactly-once guarantee: this must run in
// the same transaction as the conditional status transition that earned it.
func (r *ProjectRepository) Credit(ctx context.Context, projectID int64, netAmount int64, rewardTierID *int64) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&ProjectEntity{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{
			"current_amount": gorm.Expr("current_amount + ?", netAmount),
			"backer_count":   gorm.Expr("backer_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}

	if rewardTierID != nil {
		err := r.Write(ctx).WithContext(ctx).
			Model(&RewardTierEntity{}).
			Where("id = ?", *rewardTierID).
			Update("current_backers", gorm.Expr("current_backers + 1")).
			Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Debit is the inverse of Credit, used on refund. Amounts are clamped at
// zero instead of erroring: the money already moved externally, so a
// divergent counter is an anomaly to flag, not a reason to fail the refund.
// The returned flag tells the caller the clamp fired.
func (r *ProjectRepository) Debit(ctx context.Context, projectID int64, netAmount int64, rewardTierID *int64) (bool, error) {
	var entity ProjectEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", projectID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrProjectNotFound
		}
		return false, err
	}

	clamped := false
	amountDelta := netAmount
	if entity.CurrentAmount < netAmount {
		amountDelta = entity.CurrentAmount
		clamped = true
	}
	backerDelta := int64(1)
	if entity.BackerCount < 1 {
		backerDelta = entity.BackerCount
		clamped = true
	}

	err = r.Write(ctx).WithContext(ctx).
		Model(&ProjectEntity{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{
			"current_amount": gorm.Expr("current_amount - ?", amountDelta),
			"backer_count":   gorm.Expr("backer_count - ?", backerDelta),
		}).
		Error
	if err != nil {
		return clamped, err
	}

	if rewardTierID != nil {
		var tier RewardTierEntity
		err := r.Write(ctx).WithContext(ctx).
			Where("id = ?", *rewardTierID).
			First(&tier).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return clamped, ErrRewardTierNotFound
			}
			return clamped, err
		}
		tierDelta := int64(1)
		if tier.CurrentBackers < 1 {
			tierDelta = tier.CurrentBackers
			clamped = true
		}
		err = r.Write(ctx).WithContext(ctx).
			Model(&RewardTierEntity{}).
			Where("id = ?", *rewardTierID).
			Update("current_backers", gorm.Expr("current_backers - ?", tierDelta)).
			Error
		if err != nil {
			return clamped, err
		}
	}
	return clamped, nil
}
