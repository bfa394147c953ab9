package repository

import (
	"time"

	"github.com/openfund/payment-gateway/internal/model"
)

type DonationEntity struct {
	ID               int64  `db:"id"                 gorm:"primaryKey;autoIncrement;column:id"`
	TransactionID    string `db:"transaction_id"     gorm:"column:transaction_id;not null;uniqueIndex"`
	ProjectID        int64  `db:"project_id"         gorm:"column:project_id;not null;index"`
	ProjectCreatorID int64  `db:"project_creator_id" gorm:"column:project_creator_id;not null;index"`

	Amount    int64 `db:"amount"     gorm:"column:amount;not null"`
	AdminFee  int64 `db:"admin_fee"  gorm:"column:admin_fee;not null"`
	NetAmount int64 `db:"net_amount" gorm:"column:net_amount;not null"`

	Status string `db:"status" gorm:"column:status;not null;index"`

	RewardTierID *int64 `db:"reward_tier_id" gorm:"column:reward_tier_id;index"`
	RewardValue  int64  `db:"reward_value"   gorm:"column:reward_value;not null;default:0"`
	RewardStatus string `db:"reward_status"  gorm:"column:reward_status;not null;default:pending"`
	ArtifactURL  string `db:"artifact_url"   gorm:"column:artifact_url"`

	DonorID    *int64 `db:"donor_id"    gorm:"column:donor_id;index"`
	DonorName  string `db:"donor_name"  gorm:"column:donor_name;not null"`
	DonorEmail string `db:"donor_email" gorm:"column:donor_email;not null"`
	DonorPhone string `db:"donor_phone" gorm:"column:donor_phone"`

	SessionKey        string `db:"session_key"         gorm:"column:session_key"`
	BankTransactionID string `db:"bank_transaction_id" gorm:"column:bank_transaction_id"`
	FailureReason     string `db:"failure_reason"      gorm:"column:failure_reason"`

	CreatedAt  time.Time  `db:"created_at"  gorm:"column:created_at;autoCreateTime"`
	SettledAt  *time.Time `db:"settled_at"  gorm:"column:settled_at"`
	RefundedAt *time.Time `db:"refunded_at" gorm:"column:refunded_at"`
}

func (DonationEntity) TableName() string {
	return "donations"
}

func toDonationEntity(m *model.Donation) *DonationEntity {
	if m == nil {
		return nil
	}
	return &DonationEntity{
		ID:                m.ID,
		TransactionID:     m.TransactionID,
		ProjectID:         m.ProjectID,
		ProjectCreatorID:  m.ProjectCreatorID,
		Amount:            m.Amount,
		AdminFee:          m.AdminFee,
		NetAmount:         m.NetAmount,
		Status:            string(m.Status),
		RewardTierID:      m.RewardTierID,
		RewardValue:       m.RewardValue,
		RewardStatus:      string(m.RewardStatus),
		ArtifactURL:       m.ArtifactURL,
		DonorID:           m.DonorID,
		DonorName:         m.DonorName,
		DonorEmail:        m.DonorEmail,
		DonorPhone:        m.DonorPhone,
		SessionKey:        m.SessionKey,
		BankTransactionID: m.BankTransactionID,
		FailureReason:     m.FailureReason,
		CreatedAt:         m.CreatedAt,
		SettledAt:         m.SettledAt,
		RefundedAt:        m.RefundedAt,
	}
}

func toDonationModel(e *DonationEntity) *model.Donation {
	if e == nil {
		return nil
	}
	return &model.Donation{
		ID:                e.ID,
		TransactionID:     e.TransactionID,
		ProjectID:         e.ProjectID,
		ProjectCreatorID:  e.ProjectCreatorID,
		Amount:            e.Amount,
		AdminFee:          e.AdminFee,
		NetAmount:         e.NetAmount,
		Status:            model.PaymentStatus(e.Status),
		RewardTierID:      e.RewardTierID,
		RewardValue:       e.RewardValue,
		RewardStatus:      model.RewardStatus(e.RewardStatus),
		ArtifactURL:       e.ArtifactURL,
		DonorID:           e.DonorID,
		DonorName:         e.DonorName,
		DonorEmail:        e.DonorEmail,
		DonorPhone:        e.DonorPhone,
		SessionKey:        e.SessionKey,
		BankTransactionID: e.BankTransactionID,
		FailureReason:     e.FailureReason,
		CreatedAt:         e.CreatedAt,
		SettledAt:         e.SettledAt,
		RefundedAt:        e.RefundedAt,
	}
}

func toDonationModels(entities []*DonationEntity) []*model.Donation {
	if entities == nil {
		return nil
	}
	models := make([]*model.Donation, len(entities))
	for i, e := range entities {
		models[i] = toDonationModel(e)
	}
	return models
}
