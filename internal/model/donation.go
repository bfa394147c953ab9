package model

import (
	"errors"
	"fmt"
	"time"
)

// PaymentStatus is the lifecycle state of a donation.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSuccess    PaymentStatus = "success"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further gateway callback may change the status.
// REFUNDED is reachable from SUCCESS, but only through an explicit admin action,
// never through a callback.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo enforces the donation state machine:
// PENDING/PROCESSING -> SUCCESS | FAILED | CANCELLED, SUCCESS -> REFUNDED.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing:
		return next == PaymentStatusSuccess || next == PaymentStatusFailed ||
			next == PaymentStatusCancelled || next == PaymentStatusProcessing
	case PaymentStatusSuccess:
		return next == PaymentStatusRefunded
	}
	return false
}

type RewardStatus string

const (
	RewardStatusPending  RewardStatus = "pending"
	RewardStatusRedeemed RewardStatus = "redeemed"
	RewardStatusExpired  RewardStatus = "expired"
)

type Donation struct {
	ID            int64         `json:"id"`
	TransactionID string        `json:"transaction_id"`
	ProjectID     int64         `json:"project_id"`
	// Creator of the project, captured at creation so withdrawal eligibility
	// never needs a join against the project store.
	ProjectCreatorID int64 `json:"project_creator_id"`

	Amount    int64 `json:"amount"`
	AdminFee  int64 `json:"admin_fee"`
	NetAmount int64 `json:"net_amount"`

	Status PaymentStatus `json:"status"`

	RewardTierID *int64       `json:"reward_tier_id,omitempty"`
	RewardValue  int64        `json:"reward_value"`
	RewardStatus RewardStatus `json:"reward_status"`
	ArtifactURL  string       `json:"artifact_url,omitempty"`

	// Donor is either an identified platform user (DonorID set) or anonymous
	// (DonorID nil). The name/email/phone snapshot is frozen at creation and
	// never re-fetched.
	DonorID    *int64 `json:"donor_id,omitempty"`
	DonorName  string `json:"donor_name"`
	DonorEmail string `json:"donor_email"`
	DonorPhone string `json:"donor_phone"`

	SessionKey        string `json:"session_key,omitempty"`
	BankTransactionID string `json:"bank_transaction_id,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
}

func (Donation) TableName() string { return "donations" }

// DonorInfo is the contact snapshot captured when the donation is created.
type DonorInfo struct {
	UserID *int64
	Name   string
	Email  string
	Phone  string
}

// DonationCreateRequest is the input for initiating a payment.
type DonationCreateRequest struct {
	ProjectID    int64
	Amount       int64
	RewardTierID *int64
	Donor        DonorInfo
	IsAnonymous  bool
}

func (p DonationCreateRequest) Validate() error {
	if p.ProjectID == 0 {
		return errors.New("project_id is required")
	}
	if p.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if p.Donor.Name == "" {
		return errors.New("donor name is required")
	}
	if p.Donor.Email == "" {
		return errors.New("donor email is required")
	}
	return nil
}

// DonationFilter controls List queries.
type DonationFilter struct {
	ProjectID *int64
	DonorID   *int64
	Statuses  []PaymentStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	Desc      bool
}

var ErrInvalidStateTransition = errors.New("invalid state transition")

// Settle returns the terminal-status copy of d, rejecting transitions the
// state machine does not permit. Persistence of the result is the caller's
// job; the repository performs it as a conditional update so the database,
// not this check, adjudicates concurrent callbacks.
func (d Donation) Settle(next PaymentStatus, bankTxnID string, now time.Time) (Donation, error) {
	if !d.Status.CanTransitionTo(next) {
		return d, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, d.Status, next)
	}
	d.Status = next
	d.BankTransactionID = bankTxnID
	d.SettledAt = &now
	return d, nil
}
