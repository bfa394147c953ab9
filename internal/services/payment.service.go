package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfund/payment-gateway/internal/fees"
	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/openfund/payment-gateway/pkg/prom"
)

var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrProjectNotAccepting = errors.New("project is not accepting donations")
	ErrInvalidRewardTier   = errors.New("reward tier does not belong to project")
	ErrRewardTierFull      = errors.New("reward tier has no remaining capacity")
	ErrBelowTierMinimum    = errors.New("amount is below the reward tier minimum")
	ErrAmountMismatch      = errors.New("callback amount does not match donation amount")
	ErrConflictingOutcome  = errors.New("conflicting outcome for already settled donation")
	ErrDonationNotFound    = errors.New("donation not found")
	ErrNotRefundable       = errors.New("donation is not refundable")
)

type DonationRepository interface {
	Create(ctx context.Context, d *model.Donation) (*model.Donation, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*model.Donation, error)
	MarkSettledIfPending(ctx context.Context, transactionID string, status model.PaymentStatus, bankTransactionID, failureReason string, settledAt time.Time) (bool, error)
	MarkRefundedIfSuccess(ctx context.Context, transactionID, reason string, refundedAt time.Time) (bool, error)
	SetSessionKey(ctx context.Context, id int64, sessionKey string) error
	List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error)
}

type ProjectRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Project, error)
	GetRewardTier(ctx context.Context, tierID int64) (*model.RewardTier, error)
	Credit(ctx context.Context, projectID int64, netAmount int64, rewardTierID *int64) error
	Debit(ctx context.Context, projectID int64, netAmount int64, rewardTierID *int64) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type PaymentGateway interface {
	CreateSession(ctx context.Context, req *gateway.SessionRequest) (*gateway.SessionResponse, error)
	QueryStatus(ctx context.Context, transactionID string) (*gateway.StatusResponse, error)
	Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResponse, error)
}

// RewardPublisher hands successful reward-bearing donations to the artifact
// pipeline. Publishing is best-effort relative to payment state.
type RewardPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// CallbackURLs are handed to the processor at session creation.
type CallbackURLs struct {
	Success string
	Fail    string
	Cancel  string
	IPN     string
}

type PaymentService struct {
	donationRepo DonationRepository
	projectRepo  ProjectRepository
	gateway      PaymentGateway
	rewardQueue  RewardPublisher
	callbacks    CallbackURLs
	currency     string
}

func NewPaymentService(donationRepo DonationRepository, projectRepo ProjectRepository, gw PaymentGateway, rewardQueue RewardPublisher, callbacks CallbackURLs, currency string) *PaymentService {
	return &PaymentService{
		donationRepo: donationRepo,
		projectRepo:  projectRepo,
		gateway:      gw,
		rewardQueue:  rewardQueue,
		callbacks:    callbacks,
		currency:     currency,
	}
}

// RewardJob is the queue payload consumed by the reconciler's artifact worker.
type RewardJob struct {
	DonationID    int64  `json:"donation_id"`
	TransactionID string `json:"transaction_id"`
	ProjectID     int64  `json:"project_id"`
	RewardTierID  int64  `json:"reward_tier_id"`
	RewardValue   int64  `json:"reward_value"`
	DonorName     string `json:"donor_name"`
}

// CreateDonation validates the pledge, freezes the fee split and donor
// snapshot, persists the PENDING record and opens the processor session.
// A gateway failure leaves the donation PENDING: the outcome of session
// creation is unknown, and only a callback or status query may settle it.
func (s *PaymentService) CreateDonation(ctx context.Context, p model.DonationCreateRequest) (*model.Donation, string, error) {
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	if p.Amount < gateway.MinAmount || p.Amount > gateway.MaxAmount {
		return nil, "", fmt.Errorf("%w: %d not in [%d, %d]", gateway.ErrAmountOutOfRange, p.Amount, gateway.MinAmount, gateway.MaxAmount)
	}

	project, err := s.projectRepo.GetByID(ctx, p.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, "", ErrProjectNotFound
		}
		return nil, "", fmt.Errorf("load project: %w", err)
	}
	if !project.AcceptsDonations {
		return nil, "", ErrProjectNotAccepting
	}

	var rewardValue int64
	if p.RewardTierID != nil {
		tier, err := s.projectRepo.GetRewardTier(ctx, *p.RewardTierID)
		if err != nil {
			if errors.Is(err, repository.ErrRewardTierNotFound) {
				return nil, "", ErrInvalidRewardTier
			}
			return nil, "", fmt.Errorf("load reward tier: %w", err)
		}
		if tier.ProjectID != p.ProjectID {
			return nil, "", ErrInvalidRewardTier
		}
		if p.Amount < tier.MinimumAmount {
			return nil, "", ErrBelowTierMinimum
		}
		if tier.IsFull() {
			return nil, "", ErrRewardTierFull
		}
		rewardValue = tier.RewardValue
	}

	split := fees.ForDonation(p.Amount)

	donorID := p.Donor.UserID
	if p.IsAnonymous {
		// Anonymous pledges keep the contact snapshot for receipts but
		// drop the platform identity.
		donorID = nil
	}

	d := &model.Donation{
		TransactionID:    uuid.NewString(),
		ProjectID:        project.ID,
		ProjectCreatorID: project.CreatorID,
		Amount:           p.Amount,
		AdminFee:         split.Fee,
		NetAmount:        split.Net,
		Status:           model.PaymentStatusPending,
		RewardTierID:     p.RewardTierID,
		RewardValue:      rewardValue,
		RewardStatus:     model.RewardStatusPending,
		DonorID:          donorID,
		DonorName:        p.Donor.Name,
		DonorEmail:       p.Donor.Email,
		DonorPhone:       p.Donor.Phone,
	}

	created, err := s.donationRepo.Create(ctx, d)
	if err != nil {
		return nil, "", fmt.Errorf("create donation: %w", err)
	}

	session, err := s.gateway.CreateSession(ctx, &gateway.SessionRequest{
		TransactionID: created.TransactionID,
		Amount:        created.Amount,
		Currency:      s.currency,
		Customer: gateway.Customer{
			Name:  created.DonorName,
			Email: created.DonorEmail,
			Phone: created.DonorPhone,
		},
		SuccessURL: s.callbacks.Success,
		FailURL:    s.callbacks.Fail,
		CancelURL:  s.callbacks.Cancel,
		IPNURL:     s.callbacks.IPN,
	})
	if err != nil {
		logger.Warn("Session creation failed, donation left pending",
			"transaction_id", created.TransactionID, "error", err)
		return created, "", err
	}

	if err := s.donationRepo.SetSessionKey(ctx, created.ID, session.SessionKey); err != nil {
		logger.Error("Failed to store session key", "transaction_id", created.TransactionID, "error", err)
	}
	created.SessionKey = session.SessionKey

	return created, session.RedirectURL, nil
}

// ApplySuccess records a successful settlement exactly once, regardless of
// how many channels deliver it. The conditional update in the repository is
// what adjudicates races; the project credit shares its transaction so the
// credit happens if and only if this invocation won the transition.
func (s *PaymentService) ApplySuccess(ctx context.Context, transactionID string, observedAmount int64, bankTransactionID string) (*model.Donation, error) {
	d, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}

	if d.Status == model.PaymentStatusSuccess || d.Status == model.PaymentStatusRefunded {
		// Duplicate delivery of the same outcome. Safe no-op.
		return d, nil
	}
	if d.Status.IsTerminal() {
		s.recordAnomaly("success_after_"+string(d.Status), d)
		return d, ErrConflictingOutcome
	}

	if observedAmount != d.Amount {
		logger.Error("Callback amount mismatch, possible tamper",
			"transaction_id", transactionID,
			"stored_amount", d.Amount,
			"observed_amount", observedAmount)
		prom.IncCounterVec(prom.SystemPayments, prom.MetricCallbackAnomalies, "amount_mismatch")
		return nil, ErrAmountMismatch
	}

	var applied bool
	err = s.projectRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		applied, err = s.donationRepo.MarkSettledIfPending(ctx, transactionID,
			model.PaymentStatusSuccess, bankTransactionID, "", time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
		if !applied {
			return nil
		}
		if err := s.projectRepo.Credit(ctx, d.ProjectID, d.NetAmount, d.RewardTierID); err != nil {
			return fmt.Errorf("credit project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !applied {
		if updated.Status == model.PaymentStatusSuccess {
			// The other channel won with the same outcome.
			return updated, nil
		}
		s.recordAnomaly("success_after_"+string(updated.Status), updated)
		return updated, ErrConflictingOutcome
	}

	prom.IncCounterVec(prom.SystemPayments, prom.MetricDonationsSettled, string(model.PaymentStatusSuccess))
	prom.AddHistogram(prom.SystemPayments, prom.MetricSettlementDuration, time.Since(updated.CreatedAt).Seconds())
	logger.Info("Donation settled",
		"transaction_id", transactionID,
		"project_id", updated.ProjectID,
		"net_amount", updated.NetAmount,
		"bank_transaction_id", bankTransactionID)

	s.publishRewardJob(ctx, updated)

	return updated, nil
}

// ApplyFailure records a failed settlement. Idempotent on repeats; a
// failure arriving after a recorded success is an anomaly and is not
// applied (first terminal status wins).
func (s *PaymentService) ApplyFailure(ctx context.Context, transactionID, reason string) (*model.Donation, error) {
	return s.applyNonSuccess(ctx, transactionID, model.PaymentStatusFailed, reason)
}

// ApplyCancellation records a donor-cancelled session.
func (s *PaymentService) ApplyCancellation(ctx context.Context, transactionID string) (*model.Donation, error) {
	return s.applyNonSuccess(ctx, transactionID, model.PaymentStatusCancelled, "cancelled by donor")
}

func (s *PaymentService) applyNonSuccess(ctx context.Context, transactionID string, status model.PaymentStatus, reason string) (*model.Donation, error) {
	d, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}

	if d.Status == status {
		return d, nil
	}
	if d.Status.IsTerminal() {
		s.recordAnomaly(string(status)+"_after_"+string(d.Status), d)
		return d, ErrConflictingOutcome
	}

	applied, err := s.donationRepo.MarkSettledIfPending(ctx, transactionID, status, "", reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	updated, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if !applied {
		if updated.Status == status {
			return updated, nil
		}
		s.recordAnomaly(string(status)+"_after_"+string(updated.Status), updated)
		return updated, ErrConflictingOutcome
	}

	prom.IncCounterVec(prom.SystemPayments, prom.MetricDonationsSettled, string(status))
	logger.Info("Donation closed without settlement",
		"transaction_id", transactionID, "status", status, "reason", reason)

	return updated, nil
}

// Refund reverses a successful donation: the processor is asked first, and
// only a confirmed refund flips the status and debits the project totals.
// A gateway error leaves the donation SUCCESS untouched.
func (s *PaymentService) Refund(ctx context.Context, transactionID, reason string) (string, error) {
	d, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return "", ErrDonationNotFound
		}
		return "", err
	}
	if d.Status != model.PaymentStatusSuccess {
		return "", fmt.Errorf("%w: status is %s", ErrNotRefundable, d.Status)
	}

	resp, err := s.gateway.Refund(ctx, &gateway.RefundRequest{
		BankTransactionID: d.BankTransactionID,
		Amount:            d.Amount,
		Reason:            reason,
	})
	if err != nil {
		return "", err
	}

	err = s.projectRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		applied, err := s.donationRepo.MarkRefundedIfSuccess(ctx, transactionID, reason, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		if !applied {
			return fmt.Errorf("%w: concurrent refund", ErrNotRefundable)
		}
		clamped, err := s.projectRepo.Debit(ctx, d.ProjectID, d.NetAmount, d.RewardTierID)
		if err != nil {
			return fmt.Errorf("debit project: %w", err)
		}
		if clamped {
			logger.Error("Project balance clamped at zero during refund debit",
				"transaction_id", transactionID, "project_id", d.ProjectID, "net_amount", d.NetAmount)
			prom.IncCounterVec(prom.SystemPayments, prom.MetricCallbackAnomalies, "debit_clamped")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	prom.IncCounterVec(prom.SystemPayments, prom.MetricDonationsSettled, string(model.PaymentStatusRefunded))
	logger.Info("Donation refunded",
		"transaction_id", transactionID, "refund_ref", resp.RefundRef, "reason", reason)

	return resp.RefundRef, nil
}

// GetStatus returns the ledger's view of a payment attempt.
func (s *PaymentService) GetStatus(ctx context.Context, transactionID string) (*model.Donation, error) {
	d, err := s.donationRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrDonationNotFound) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *PaymentService) List(ctx context.Context, f model.DonationFilter) ([]*model.Donation, int64, error) {
	return s.donationRepo.List(ctx, f)
}

func (s *PaymentService) publishRewardJob(ctx context.Context, d *model.Donation) {
	if s.rewardQueue == nil || d.RewardValue <= 0 || d.RewardTierID == nil {
		return
	}
	job := RewardJob{
		DonationID:    d.ID,
		TransactionID: d.TransactionID,
		ProjectID:     d.ProjectID,
		RewardTierID:  *d.RewardTierID,
		RewardValue:   d.RewardValue,
		DonorName:     d.DonorName,
	}
	if _, err := s.rewardQueue.PublishJSON(ctx, job, nil); err != nil {
		// Reward artifacts are best-effort; the stale sweep republishes.
		logger.Error("Failed to enqueue reward job", "transaction_id", d.TransactionID, "error", err)
	}
}

func (s *PaymentService) recordAnomaly(kind string, d *model.Donation) {
	logger.Error("Conflicting callback outcome ignored, first terminal status kept",
		"transaction_id", d.TransactionID,
		"recorded_status", d.Status,
		"anomaly", kind)
	prom.IncCounterVec(prom.SystemPayments, prom.MetricCallbackAnomalies, kind)
}
