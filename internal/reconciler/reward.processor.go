package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/queue"
	"github.com/openfund/payment-gateway/internal/services"
	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/openfund/payment-gateway/pkg/prom"
)

type DonationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Donation, error)
	SetArtifactURL(ctx context.Context, id int64, url string) error
}

type ArtifactGenerator interface {
	Generate(ctx context.Context, req *gateway.ArtifactRequest) (string, error)
}

// RewardProcessor turns settled donations with a reward tier into
// rendered artifact URLs. Delivery is at-least-once, so every step is
// guarded twice: a Redis lock across consumers and the artifact_url
// column as the durable marker.
type RewardProcessor struct {
	donations   DonationStore
	artifacts   ArtifactGenerator
	idempotency *IdempotencyService
}

func NewRewardProcessor(donations DonationStore, artifacts ArtifactGenerator, idempotency *IdempotencyService) *RewardProcessor {
	return &RewardProcessor{
		donations:   donations,
		artifacts:   artifacts,
		idempotency: idempotency,
	}
}

func (p *RewardProcessor) GetType() string {
	return "reward"
}

func (p *RewardProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job services.RewardJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		logger.Error("failed to unmarshal reward job", "error", err)
		prom.IncCounterVec(prom.SystemPayments, prom.MetricRewardArtifacts, "invalid")
		// Malformed payloads never succeed on retry.
		return err
	}

	key := fmt.Sprintf("%d", job.DonationID)

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, key)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			logger.Error("giving up on reward artifact",
				"donation_id", job.DonationID,
				"transaction_id", job.TransactionID)
			prom.IncCounterVec(prom.SystemPayments, prom.MetricRewardArtifacts, "exhausted")
			return nil // ACK so the message moves to the DLQ path
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		return err
	}

	defer p.idempotency.ReleaseLock(ctx, procCtx)

	donation, err := p.donations.GetByID(ctx, job.DonationID)
	if err != nil {
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("failed to mark failure", "donation_id", job.DonationID, "error", markErr)
		}
		return err
	}

	// The artifact column is the durable idempotency marker: a populated
	// URL means a previous delivery finished after its Redis marker expired.
	if donation.ArtifactURL != "" {
		_ = p.idempotency.MarkSuccess(ctx, procCtx)
		return nil
	}
	if donation.Status != model.PaymentStatusSuccess {
		logger.Warn("skipping reward for non-settled donation",
			"donation_id", job.DonationID,
			"status", donation.Status)
		_ = p.idempotency.MarkSuccess(ctx, procCtx)
		return nil
	}

	url, err := p.artifacts.Generate(ctx, &gateway.ArtifactRequest{
		DonationID:   job.DonationID,
		ProjectID:    job.ProjectID,
		RewardTierID: job.RewardTierID,
		RewardValue:  job.RewardValue,
		DonorName:    job.DonorName,
	})
	if err != nil {
		logger.Error("failed to generate reward artifact",
			"donation_id", job.DonationID,
			"retry_count", procCtx.RetryCount,
			"error", err)
		prom.IncCounterVec(prom.SystemPayments, prom.MetricRewardArtifacts, "error")
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("failed to mark failure", "donation_id", job.DonationID, "error", markErr)
		}
		return err
	}

	if err := p.donations.SetArtifactURL(ctx, job.DonationID, url); err != nil {
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("failed to mark failure", "donation_id", job.DonationID, "error", markErr)
		}
		return err
	}

	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		// Artifact is persisted, the DB marker covers future deliveries.
		logger.Error("failed to mark success", "donation_id", job.DonationID, "error", err)
	}

	logger.Info("reward artifact generated",
		"donation_id", job.DonationID,
		"transaction_id", job.TransactionID,
		"url", url)
	prom.IncCounterVec(prom.SystemPayments, prom.MetricRewardArtifacts, "generated")
	return nil
}
