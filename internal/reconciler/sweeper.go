package reconciler

import (
	"context"
	"errors"
	"time"

	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/services"
	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/openfund/payment-gateway/pkg/prom"
)

type StaleDonationLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Donation, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, transactionID string) (*gateway.StatusResponse, error)
}

type SettlementApplier interface {
	ApplySuccess(ctx context.Context, transactionID string, observedAmount int64, bankTransactionID string) (*model.Donation, error)
	ApplyFailure(ctx context.Context, transactionID, reason string) (*model.Donation, error)
	ApplyCancellation(ctx context.Context, transactionID string) (*model.Donation, error)
}

// Sweeper resolves donations stuck in PENDING. A donor who closed the
// browser after paying produces no redirect, and the IPN may be lost,
// so the sweeper asks the processor directly and applies the answer
// through the same settlement path the callbacks use.
type Sweeper struct {
	donations StaleDonationLister
	gateway   StatusQuerier
	payments  SettlementApplier

	MinAge    time.Duration
	BatchSize int
}

func NewSweeper(donations StaleDonationLister, gw StatusQuerier, payments SettlementApplier, minAge time.Duration, batchSize int) *Sweeper {
	if minAge <= 0 {
		minAge = 30 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		donations: donations,
		gateway:   gw,
		payments:  payments,
		MinAge:    minAge,
		BatchSize: batchSize,
	}
}

// Sweep runs one pass and returns how many donations were resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.MinAge)
	stale, err := s.donations.ListStalePending(ctx, cutoff, s.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	logger.Info("sweeping stale pending donations", "count", len(stale), "older_than", cutoff)

	resolved := 0
	for _, d := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if s.sweepOne(ctx, d) {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, d *model.Donation) bool {
	status, err := s.gateway.QueryStatus(ctx, d.TransactionID)
	if err != nil {
		logger.Warn("status query failed, leaving donation pending",
			"transaction_id", d.TransactionID, "error", err)
		return false
	}

	switch status.Status {
	case gateway.StatusValid:
		_, err = s.payments.ApplySuccess(ctx, d.TransactionID, status.Amount, status.BankTransactionID)
	case gateway.StatusFailed:
		_, err = s.payments.ApplyFailure(ctx, d.TransactionID, "resolved as failed by reconciliation")
	case gateway.StatusCancelled:
		_, err = s.payments.ApplyCancellation(ctx, d.TransactionID)
	case gateway.StatusPending:
		// Still in flight at the processor, next pass will look again.
		return false
	default:
		logger.Warn("unknown processor status",
			"transaction_id", d.TransactionID, "status", status.Status)
		return false
	}

	if err != nil {
		// Losing a settlement race is fine, someone else resolved it.
		if errors.Is(err, services.ErrDonationNotFound) {
			return false
		}
		logger.Error("failed to apply reconciled outcome",
			"transaction_id", d.TransactionID,
			"status", status.Status,
			"error", err)
		return false
	}

	logger.Info("stale donation reconciled",
		"transaction_id", d.TransactionID,
		"status", status.Status)
	prom.IncCounterVec(prom.SystemPayments, prom.MetricStalePendingReconciled, string(status.Status))
	return true
}
