package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStaleLister struct {
	mock.Mock
}

func (m *mockStaleLister) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Donation, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Donation), args.Error(1)
}

type mockStatusQuerier struct {
	mock.Mock
}

func (m *mockStatusQuerier) QueryStatus(ctx context.Context, transactionID string) (*gateway.StatusResponse, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResponse), args.Error(1)
}

type mockSettlementApplier struct {
	mock.Mock
}

func (m *mockSettlementApplier) ApplySuccess(ctx context.Context, transactionID string, observedAmount int64, bankTransactionID string) (*model.Donation, error) {
	args := m.Called(ctx, transactionID, observedAmount, bankTransactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func (m *mockSettlementApplier) ApplyFailure(ctx context.Context, transactionID, reason string) (*model.Donation, error) {
	args := m.Called(ctx, transactionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func (m *mockSettlementApplier) ApplyCancellation(ctx context.Context, transactionID string) (*model.Donation, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Donation), args.Error(1)
}

func stalePending(txn string) *model.Donation {
	return &model.Donation{
		TransactionID: txn,
		Status:        model.PaymentStatusPending,
		Amount:        1000,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
	}
}

func TestSweeper_AppliesProcessorOutcomes(t *testing.T) {
	lister := new(mockStaleLister)
	querier := new(mockStatusQuerier)
	applier := new(mockSettlementApplier)
	s := NewSweeper(lister, querier, applier, 30*time.Minute, 100)

	lister.On("ListStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Donation{
		stalePending("tx-ok"),
		stalePending("tx-fail"),
		stalePending("tx-cancel"),
	}, nil)

	querier.On("QueryStatus", mock.Anything, "tx-ok").Return(&gateway.StatusResponse{
		TransactionID:     "tx-ok",
		Status:            gateway.StatusValid,
		Amount:            1000,
		BankTransactionID: "bank-1",
	}, nil)
	querier.On("QueryStatus", mock.Anything, "tx-fail").Return(&gateway.StatusResponse{
		TransactionID: "tx-fail",
		Status:        gateway.StatusFailed,
	}, nil)
	querier.On("QueryStatus", mock.Anything, "tx-cancel").Return(&gateway.StatusResponse{
		TransactionID: "tx-cancel",
		Status:        gateway.StatusCancelled,
	}, nil)

	applier.On("ApplySuccess", mock.Anything, "tx-ok", int64(1000), "bank-1").Return(&model.Donation{}, nil)
	applier.On("ApplyFailure", mock.Anything, "tx-fail", mock.Anything).Return(&model.Donation{}, nil)
	applier.On("ApplyCancellation", mock.Anything, "tx-cancel").Return(&model.Donation{}, nil)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	applier.AssertExpectations(t)
}

func TestSweeper_LeavesStillPending(t *testing.T) {
	lister := new(mockStaleLister)
	querier := new(mockStatusQuerier)
	applier := new(mockSettlementApplier)
	s := NewSweeper(lister, querier, applier, 30*time.Minute, 100)

	lister.On("ListStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Donation{
		stalePending("tx-wait"),
	}, nil)
	querier.On("QueryStatus", mock.Anything, "tx-wait").Return(&gateway.StatusResponse{
		TransactionID: "tx-wait",
		Status:        gateway.StatusPending,
	}, nil)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	applier.AssertNotCalled(t, "ApplySuccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeper_QueryFailureSkipsDonation(t *testing.T) {
	lister := new(mockStaleLister)
	querier := new(mockStatusQuerier)
	applier := new(mockSettlementApplier)
	s := NewSweeper(lister, querier, applier, 30*time.Minute, 100)

	lister.On("ListStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Donation{
		stalePending("tx-down"),
	}, nil)
	querier.On("QueryStatus", mock.Anything, "tx-down").Return(nil, errors.New("processor unreachable"))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_EmptyBatch(t *testing.T) {
	lister := new(mockStaleLister)
	querier := new(mockStatusQuerier)
	applier := new(mockSettlementApplier)
	s := NewSweeper(lister, querier, applier, 30*time.Minute, 100)

	lister.On("ListStalePending", mock.Anything, mock.Anything, 100).Return([]*model.Donation{}, nil)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	querier.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
}
