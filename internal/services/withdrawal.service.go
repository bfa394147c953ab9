package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfund/payment-gateway/internal/fees"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/pkg/logger"
)

var (
	ErrNotProjectOwner         = errors.New("caller does not own the project")
	ErrDuplicatePendingRequest = errors.New("project already has a pending withdrawal request")
	ErrInsufficientBalance     = errors.New("requested amount exceeds available balance")
	ErrWithdrawalNotFound      = errors.New("withdrawal request not found")
	ErrReasonRequired          = errors.New("rejection reason is required")
	ErrInvalidAmount           = errors.New("requested amount must be positive")
)

type WithdrawalRepository interface {
	Create(ctx context.Context, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error)
	GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error)
	HasPending(ctx context.Context, projectID int64) (bool, error)
	SumRequested(ctx context.Context, projectID int64, statuses ...model.WithdrawalStatus) (int64, error)
	UpdateStatusIf(ctx context.Context, id int64, from, to model.WithdrawalStatus, adminID int64, notes string, processedAt time.Time) (bool, error)
	List(ctx context.Context, f model.WithdrawalFilter) ([]*model.WithdrawalRequest, int64, error)
}

// DonationAggregator is the slice of the donation ledger the withdrawal
// ledger reads. Sums are always computed fresh from donation rows, never
// from the project accumulators, so the enforcement check cannot drift.
type DonationAggregator interface {
	SumNetAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error)
	SumGrossAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error)
}

// ProjectLocker serializes money-state checks per project.
type ProjectLocker interface {
	LockForUpdate(ctx context.Context, id int64) (*model.Project, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type WithdrawalService struct {
	withdrawalRepo WithdrawalRepository
	donations      DonationAggregator
	projects       ProjectLocker
}

func NewWithdrawalService(withdrawalRepo WithdrawalRepository, donations DonationAggregator, projects ProjectLocker) *WithdrawalService {
	return &WithdrawalService{
		withdrawalRepo: withdrawalRepo,
		donations:      donations,
		projects:       projects,
	}
}

// requestedStatuses are the withdrawal states that consume availability.
// PENDING is included so a freshly created request immediately reduces the
// pool and two pending requests can never be funded by the same money.
var requestedStatuses = []model.WithdrawalStatus{
	model.WithdrawalStatusPending,
	model.WithdrawalStatusApproved,
	model.WithdrawalStatusPaid,
}

// AvailableBalance computes the project's withdrawable pool at read time.
func (s *WithdrawalService) AvailableBalance(ctx context.Context, projectID int64) (*model.ProjectBalance, error) {
	gross, err := s.donations.SumGrossAmount(ctx, projectID, model.PaymentStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("sum gross: %w", err)
	}
	net, err := s.donations.SumNetAmount(ctx, projectID, model.PaymentStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("sum net: %w", err)
	}
	requested, err := s.withdrawalRepo.SumRequested(ctx, projectID, requestedStatuses...)
	if err != nil {
		return nil, fmt.Errorf("sum requested: %w", err)
	}

	available := net - requested
	if available < 0 {
		logger.Error("Available balance computed negative",
			"project_id", projectID, "net", net, "requested", requested)
		available = 0
	}

	return &model.ProjectBalance{
		ProjectID:        projectID,
		TotalRaised:      gross,
		TotalNetAmount:   net,
		AlreadyRequested: requested,
		AvailableAmount:  available,
	}, nil
}

// CreateRequest opens a withdrawal request. Ownership, the one-pending-
// request rule and the balance sufficiency check all run inside a single
// transaction holding the project row lock, so concurrent requests against
// the same project serialize and cannot double-spend the pool.
func (s *WithdrawalService) CreateRequest(ctx context.Context, creatorID, projectID, requestedAmount int64, bank model.BankDetails) (*model.WithdrawalRequest, int64, error) {
	if requestedAmount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	if err := bank.Validate(); err != nil {
		return nil, 0, err
	}

	var (
		created        *model.WithdrawalRequest
		availableAfter int64
	)
	err := s.projects.WithinTransaction(ctx, func(ctx context.Context) error {
		project, err := s.projects.LockForUpdate(ctx, projectID)
		if err != nil {
			if errors.Is(err, repository.ErrProjectNotFound) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}
		if project.CreatorID != creatorID {
			return ErrNotProjectOwner
		}

		pending, err := s.withdrawalRepo.HasPending(ctx, projectID)
		if err != nil {
			return fmt.Errorf("check pending: %w", err)
		}
		if pending {
			return ErrDuplicatePendingRequest
		}

		net, err := s.donations.SumNetAmount(ctx, projectID, model.PaymentStatusSuccess)
		if err != nil {
			return fmt.Errorf("sum net: %w", err)
		}
		requested, err := s.withdrawalRepo.SumRequested(ctx, projectID, requestedStatuses...)
		if err != nil {
			return fmt.Errorf("sum requested: %w", err)
		}
		available := net - requested
		if requestedAmount > available {
			return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, requestedAmount, available)
		}

		split := fees.ForWithdrawal(requestedAmount)
		created, err = s.withdrawalRepo.Create(ctx, &model.WithdrawalRequest{
			CreatorID:       creatorID,
			ProjectID:       projectID,
			RequestedAmount: requestedAmount,
			AdminFee:        split.Fee,
			NetAmount:       split.Net,
			Status:          model.WithdrawalStatusPending,
			BankDetails:     bank,
		})
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		availableAfter = available - requestedAmount
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	logger.Info("Withdrawal request created",
		"request_id", created.ID,
		"project_id", projectID,
		"requested_amount", requestedAmount,
		"available_after", availableAfter)

	return created, availableAfter, nil
}

// Approve moves PENDING -> APPROVED.
func (s *WithdrawalService) Approve(ctx context.Context, requestID, adminID int64, notes string) (*model.WithdrawalRequest, error) {
	return s.transition(ctx, requestID, model.WithdrawalStatusPending, model.WithdrawalStatusApproved, adminID, notes)
}

// Reject moves PENDING -> REJECTED. A non-empty reason is mandatory.
func (s *WithdrawalService) Reject(ctx context.Context, requestID, adminID int64, reason string) (*model.WithdrawalRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.transition(ctx, requestID, model.WithdrawalStatusPending, model.WithdrawalStatusRejected, adminID, reason)
}

// MarkPaid moves APPROVED -> PAID.
func (s *WithdrawalService) MarkPaid(ctx context.Context, requestID, adminID int64, notes string) (*model.WithdrawalRequest, error) {
	return s.transition(ctx, requestID, model.WithdrawalStatusApproved, model.WithdrawalStatusPaid, adminID, notes)
}

func (s *WithdrawalService) transition(ctx context.Context, requestID int64, from, to model.WithdrawalStatus, adminID int64, notes string) (*model.WithdrawalRequest, error) {
	w, err := s.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrWithdrawalNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}

	// Cheap pre-check for a clear error message; the conditional update
	// below is the authoritative guard.
	if _, err := w.Transition(to, adminID, notes, time.Now().UTC()); err != nil {
		return nil, err
	}

	applied, err := s.withdrawalRepo.UpdateStatusIf(ctx, requestID, from, to, adminID, notes, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: request %d not in %s", model.ErrInvalidStateTransition, requestID, from)
	}

	updated, err := s.withdrawalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	logger.Info("Withdrawal request transitioned",
		"request_id", requestID, "from", from, "to", to, "admin_id", adminID)

	return updated, nil
}

func (s *WithdrawalService) List(ctx context.Context, f model.WithdrawalFilter) ([]*model.WithdrawalRequest, int64, error) {
	return s.withdrawalRepo.List(ctx, f)
}
