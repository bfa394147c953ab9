package repository

import (
	"time"

	"github.com/openfund/payment-gateway/internal/model"
)

type WithdrawalEntity struct {
	ID        int64 `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	CreatorID int64 `db:"creator_id" gorm:"column:creator_id;not null;index"`
	ProjectID int64 `db:"project_id" gorm:"column:project_id;not null;index"`

	RequestedAmount int64 `db:"requested_amount" gorm:"column:requested_amount;not null"`
	AdminFee        int64 `db:"admin_fee"        gorm:"column:admin_fee;not null"`
	NetAmount       int64 `db:"net_amount"       gorm:"column:net_amount;not null"`

	Status string `db:"status" gorm:"column:status;not null;index"`

	BankAccountHolder string `db:"bank_account_holder" gorm:"column:bank_account_holder;not null"`
	BankName          string `db:"bank_name"           gorm:"column:bank_name;not null"`
	BankAccountNumber string `db:"bank_account_number" gorm:"column:bank_account_number;not null"`
	BankRoutingNumber string `db:"bank_routing_number" gorm:"column:bank_routing_number"`
	BankBranchName    string `db:"bank_branch_name"    gorm:"column:bank_branch_name"`

	AdminNotes  string     `db:"admin_notes"  gorm:"column:admin_notes"`
	ProcessedBy *int64     `db:"processed_by" gorm:"column:processed_by"`
	ProcessedAt *time.Time `db:"processed_at" gorm:"column:processed_at"`

	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (WithdrawalEntity) TableName() string {
	return "withdrawal_requests"
}

func toWithdrawalEntity(m *model.WithdrawalRequest) *WithdrawalEntity {
	if m == nil {
		return nil
	}
	return &WithdrawalEntity{
		ID:                m.ID,
		CreatorID:         m.CreatorID,
		ProjectID:         m.ProjectID,
		RequestedAmount:   m.RequestedAmount,
		AdminFee:          m.AdminFee,
		NetAmount:         m.NetAmount,
		Status:            string(m.Status),
		BankAccountHolder: m.BankDetails.AccountHolder,
		BankName:          m.BankDetails.BankName,
		BankAccountNumber: m.BankDetails.AccountNumber,
		BankRoutingNumber: m.BankDetails.RoutingNumber,
		BankBranchName:    m.BankDetails.BranchName,
		AdminNotes:        m.AdminNotes,
		ProcessedBy:       m.ProcessedBy,
		ProcessedAt:       m.ProcessedAt,
		CreatedAt:         m.CreatedAt,
	}
}

func toWithdrawalModel(e *WithdrawalEntity) *model.WithdrawalRequest {
	if e == nil {
		return nil
	}
	return &model.WithdrawalRequest{
		ID:              e.ID,
		CreatorID:       e.CreatorID,
		ProjectID:       e.ProjectID,
		RequestedAmount: e.RequestedAmount,
		AdminFee:        e.AdminFee,
		NetAmount:       e.NetAmount,
		Status:          model.WithdrawalStatus(e.Status),
		BankDetails: model.BankDetails{
			AccountHolder: e.BankAccountHolder,
			BankName:      e.BankName,
			AccountNumber: e.BankAccountNumber,
			RoutingNumber: e.BankRoutingNumber,
			BranchName:    e.BankBranchName,
		},
		AdminNotes:  e.AdminNotes,
		ProcessedBy: e.ProcessedBy,
		ProcessedAt: e.ProcessedAt,
		CreatedAt:   e.CreatedAt,
	}
}

func toWithdrawalModels(entities []*WithdrawalEntity) []*model.WithdrawalRequest {
	if entities == nil {
		return nil
	}
	models := make([]*model.WithdrawalRequest, len(entities))
	for i, e := range entities {
		models[i] = toWithdrawalModel(e)
	}
	return models
}
