package model

import (
	"errors"
	"fmt"
	"time"
)

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "pending"
	WithdrawalStatusApproved WithdrawalStatus = "approved"
	WithdrawalStatusRejected WithdrawalStatus = "rejected"
	WithdrawalStatusPaid     WithdrawalStatus = "paid"
)

// CanTransitionTo enforces PENDING -> APPROVED -> PAID and PENDING -> REJECTED.
func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	switch s {
	case WithdrawalStatusPending:
		return next == WithdrawalStatusApproved || next == WithdrawalStatusRejected
	case WithdrawalStatusApproved:
		return next == WithdrawalStatusPaid
	}
	return false
}

// BankDetails is the payout destination snapshot, frozen at request time.
type BankDetails struct {
	AccountHolder string `json:"account_holder"`
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number"`
	BranchName    string `json:"branch_name"`
}

func (b BankDetails) Validate() error {
	if b.AccountHolder == "" {
		return errors.New("account holder is required")
	}
	if b.BankName == "" {
		return errors.New("bank name is required")
	}
	if b.AccountNumber == "" {
		return errors.New("account number is required")
	}
	return nil
}

type WithdrawalRequest struct {
	ID        int64 `json:"id"`
	CreatorID int64 `json:"creator_id"`
	ProjectID int64 `json:"project_id"`

	RequestedAmount int64 `json:"requested_amount"`
	AdminFee        int64 `json:"admin_fee"`
	NetAmount       int64 `json:"net_amount"`

	Status      WithdrawalStatus `json:"status"`
	BankDetails BankDetails      `json:"bank_details"`

	AdminNotes  string     `json:"admin_notes,omitempty"`
	ProcessedBy *int64     `json:"processed_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Transition returns the updated copy of w or rejects the move. The
// repository persists it with a conditional update so concurrent admin
// actions cannot both win.
func (w WithdrawalRequest) Transition(next WithdrawalStatus, adminID int64, notes string, now time.Time) (WithdrawalRequest, error) {
	if !w.Status.CanTransitionTo(next) {
		return w, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, w.Status, next)
	}
	w.Status = next
	w.AdminNotes = notes
	w.ProcessedBy = &adminID
	w.ProcessedAt = &now
	return w, nil
}

// WithdrawalFilter controls List queries.
type WithdrawalFilter struct {
	ProjectID *int64
	CreatorID *int64
	Statuses  []WithdrawalStatus
	Limit     int
	Offset    int
	Desc      bool
}
