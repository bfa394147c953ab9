package repository

import (
	"time"

	"github.com/openfund/payment-gateway/internal/model"
)

type ProjectEntity struct {
	ID               int64     `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	CreatorID        int64     `db:"creator_id"        gorm:"column:creator_id;not null;index"`
	Title            string    `db:"title"             gorm:"column:title;not null"`
	AcceptsDonations bool      `db:"accepts_donations" gorm:"column:accepts_donations;not null;default:true"`
	CurrentAmount    int64     `db:"current_amount"    gorm:"column:current_amount;not null;default:0"`
	BackerCount      int64     `db:"backer_count"      gorm:"column:backer_count;not null;default:0"`
	CreatedAt        time.Time `db:"created_at"        gorm:"column:created_at;autoCreateTime"`

	RewardTiers []*RewardTierEntity `gorm:"foreignKey:ProjectID;references:ID;constraint:OnDelete:CASCADE"`
}

func (ProjectEntity) TableName() string {
	return "projects"
}

type RewardTierEntity struct {
	ID             int64 `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	ProjectID      int64 `db:"project_id"      gorm:"column:project_id;not null;index"`
	MinimumAmount  int64 `db:"minimum_amount"  gorm:"column:minimum_amount;not null"`
	RewardValue    int64 `db:"reward_value"    gorm:"column:reward_value;not null;default:0"`
	MaxBackers     int64 `db:"max_backers"     gorm:"column:max_backers;not null;default:0"`
	CurrentBackers int64 `db:"current_backers" gorm:"column:current_backers;not null;default:0"`
}

func (RewardTierEntity) TableName() string {
	return "reward_tiers"
}

func toProjectModel(e *ProjectEntity) *model.Project {
	if e == nil {
		return nil
	}
	p := &model.Project{
		ID:               e.ID,
		CreatorID:        e.CreatorID,
		Title:            e.Title,
		AcceptsDonations: e.AcceptsDonations,
		CurrentAmount:    e.CurrentAmount,
		BackerCount:      e.BackerCount,
		CreatedAt:        e.CreatedAt,
	}
	for _, t := range e.RewardTiers {
		p.RewardTiers = append(p.RewardTiers, toRewardTierModel(t))
	}
	return p
}

func toRewardTierModel(e *RewardTierEntity) *model.RewardTier {
	if e == nil {
		return nil
	}
	return &model.RewardTier{
		ID:             e.ID,
		ProjectID:      e.ProjectID,
		MinimumAmount:  e.MinimumAmount,
		RewardValue:    e.RewardValue,
		MaxBackers:     e.MaxBackers,
		CurrentBackers: e.CurrentBackers,
	}
}
