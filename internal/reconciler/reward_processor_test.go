package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/queue"
	"github.com/openfund/payment-gateway/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDonationStore struct {
	mock.Mock
}

func (m *mockDonationStore) GetByID(ctx context.Context, id int64) (*model.Donation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func (m *mockDonationStore) SetArtifactURL(ctx context.Context, id int64, url string) error {
	args := m.Called(ctx, id, url)
	return args.Error(0)
}

type mockArtifactGenerator struct {
	mock.Mock
}

func (m *mockArtifactGenerator) Generate(ctx context.Context, req *gateway.ArtifactRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func rewardMessage(t *testing.T, job services.RewardJob) *queue.Message {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data}
}

func newTestProcessor(store *mockDonationStore, gen *mockArtifactGenerator) *RewardProcessor {
	idem := NewIdempotencyService(newFakeRedisAdapter(), DefaultIdempotencyConfig())
	return NewRewardProcessor(store, gen, idem)
}

func TestRewardProcessor_GeneratesAndPersists(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	tierID := int64(7)
	store.On("GetByID", mock.Anything, int64(41)).Return(&model.Donation{
		ID:           41,
		Status:       model.PaymentStatusSuccess,
		RewardTierID: &tierID,
	}, nil)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req *gateway.ArtifactRequest) bool {
		return req.DonationID == 41 && req.RewardTierID == 7
	})).Return("https://cdn.example.com/artifacts/41.png", nil)
	store.On("SetArtifactURL", mock.Anything, int64(41), "https://cdn.example.com/artifacts/41.png").Return(nil)

	msg := rewardMessage(t, services.RewardJob{
		DonationID:   41,
		ProjectID:    5,
		RewardTierID: 7,
		RewardValue:  500,
		DonorName:    "Ayesha",
	})

	err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	store.AssertExpectations(t)
	gen.AssertExpectations(t)
}

func TestRewardProcessor_SkipsWhenArtifactExists(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	store.On("GetByID", mock.Anything, int64(42)).Return(&model.Donation{
		ID:          42,
		Status:      model.PaymentStatusSuccess,
		ArtifactURL: "https://cdn.example.com/artifacts/42.png",
	}, nil)

	err := p.Process(context.Background(), rewardMessage(t, services.RewardJob{DonationID: 42}))
	require.NoError(t, err)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "SetArtifactURL", mock.Anything, mock.Anything, mock.Anything)
}

func TestRewardProcessor_SkipsNonSettledDonation(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	store.On("GetByID", mock.Anything, int64(43)).Return(&model.Donation{
		ID:     43,
		Status: model.PaymentStatusRefunded,
	}, nil)

	err := p.Process(context.Background(), rewardMessage(t, services.RewardJob{DonationID: 43}))
	require.NoError(t, err)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRewardProcessor_SecondDeliveryIsNoop(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	tierID := int64(1)
	store.On("GetByID", mock.Anything, int64(44)).Return(&model.Donation{
		ID:           44,
		Status:       model.PaymentStatusSuccess,
		RewardTierID: &tierID,
	}, nil).Once()
	gen.On("Generate", mock.Anything, mock.Anything).Return("https://cdn.example.com/a/44.png", nil).Once()
	store.On("SetArtifactURL", mock.Anything, int64(44), mock.Anything).Return(nil).Once()

	msg := rewardMessage(t, services.RewardJob{DonationID: 44, RewardTierID: 1})

	require.NoError(t, p.Process(context.Background(), msg))
	// Redelivery of the same job is absorbed by the processed marker.
	require.NoError(t, p.Process(context.Background(), msg))

	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRewardProcessor_GenerateFailureNacks(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	tierID := int64(1)
	store.On("GetByID", mock.Anything, int64(45)).Return(&model.Donation{
		ID:           45,
		Status:       model.PaymentStatusSuccess,
		RewardTierID: &tierID,
	}, nil)
	gen.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("render timeout"))

	err := p.Process(context.Background(), rewardMessage(t, services.RewardJob{DonationID: 45, RewardTierID: 1}))
	assert.Error(t, err)
	store.AssertNotCalled(t, "SetArtifactURL", mock.Anything, mock.Anything, mock.Anything)
}

func TestRewardProcessor_MalformedPayload(t *testing.T) {
	store := new(mockDonationStore)
	gen := new(mockArtifactGenerator)
	p := newTestProcessor(store, gen)

	err := p.Process(context.Background(), &queue.Message{ID: "1-1", Data: []byte("{not json")})
	assert.Error(t, err)
	store.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}
