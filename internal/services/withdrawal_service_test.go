package services

import (
	"context"
	"testing"
	"time"

	"github.com/openfund/payment-gateway/internal/model"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWithdrawalRepository struct {
	mock.Mock
}

func (m *MockWithdrawalRepository) Create(ctx context.Context, w *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	args := m.Called(ctx, w)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalRepository) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalRepository) HasPending(ctx context.Context, projectID int64) (bool, error) {
	args := m.Called(ctx, projectID)
	return args.Bool(0), args.Error(1)
}

func (m *MockWithdrawalRepository) SumRequested(ctx context.Context, projectID int64, statuses ...model.WithdrawalStatus) (int64, error) {
	args := m.Called(ctx, projectID, statuses)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWithdrawalRepository) UpdateStatusIf(ctx context.Context, id int64, from, to model.WithdrawalStatus, adminID int64, notes string, processedAt time.Time) (bool, error) {
	args := m.Called(ctx, id, from, to, adminID, notes, processedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockWithdrawalRepository) List(ctx context.Context, f model.WithdrawalFilter) ([]*model.WithdrawalRequest, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.WithdrawalRequest), args.Get(1).(int64), args.Error(2)
}

type MockDonationAggregator struct {
	mock.Mock
}

func (m *MockDonationAggregator) SumNetAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error) {
	args := m.Called(ctx, projectID, statuses)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDonationAggregator) SumGrossAmount(ctx context.Context, projectID int64, statuses ...model.PaymentStatus) (int64, error) {
	args := m.Called(ctx, projectID, statuses)
	return args.Get(0).(int64), args.Error(1)
}

type MockProjectLocker struct {
	mock.Mock
}

func (m *MockProjectLocker) LockForUpdate(ctx context.Context, id int64) (*model.Project, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Project), args.Error(1)
}

func (m *MockProjectLocker) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx)
}

func validBankDetails() model.BankDetails {
	return model.BankDetails{
		AccountHolder: "Karim Ahmed",
		BankName:      "City Bank",
		AccountNumber: "0123456789",
		RoutingNumber: "090270001",
		BranchName:    "Gulshan",
	}
}

func successStatuses() []model.PaymentStatus {
	return []model.PaymentStatus{model.PaymentStatusSuccess}
}

func holdStatuses() []model.WithdrawalStatus {
	return []model.WithdrawalStatus{
		model.WithdrawalStatusPending,
		model.WithdrawalStatusApproved,
		model.WithdrawalStatusPaid,
	}
}

func TestWithdrawalService_AvailableBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("subtracts holds from settled net", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		donations.On("SumGrossAmount", ctx, int64(1), successStatuses()).Return(int64(10000), nil)
		donations.On("SumNetAmount", ctx, int64(1), successStatuses()).Return(int64(9700), nil)
		withdrawals.On("SumRequested", ctx, int64(1), holdStatuses()).Return(int64(3000), nil)

		balance, err := service.AvailableBalance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), balance.TotalRaised)
		assert.Equal(t, int64(9700), balance.TotalNetAmount)
		assert.Equal(t, int64(3000), balance.AlreadyRequested)
		assert.Equal(t, int64(6700), balance.AvailableAmount)
	})

	t.Run("clamps a negative pool at zero", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		donations.On("SumGrossAmount", ctx, int64(2), successStatuses()).Return(int64(1000), nil)
		donations.On("SumNetAmount", ctx, int64(2), successStatuses()).Return(int64(970), nil)
		withdrawals.On("SumRequested", ctx, int64(2), holdStatuses()).Return(int64(1500), nil)

		balance, err := service.AvailableBalance(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance.AvailableAmount)
	})
}

func TestWithdrawalService_CreateRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending request with the fee split", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		projects.On("WithinTransaction", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		projects.On("LockForUpdate", ctx, int64(1)).Return(&model.Project{ID: 1, CreatorID: 10}, nil)
		withdrawals.On("HasPending", ctx, int64(1)).Return(false, nil)
		donations.On("SumNetAmount", ctx, int64(1), successStatuses()).Return(int64(20000), nil)
		withdrawals.On("SumRequested", ctx, int64(1), holdStatuses()).Return(int64(5000), nil)
		withdrawals.On("Create", ctx, mock.MatchedBy(func(w *model.WithdrawalRequest) bool {
			return w.CreatorID == 10 &&
				w.ProjectID == 1 &&
				w.RequestedAmount == 10000 &&
				w.AdminFee == 500 &&
				w.NetAmount == 9500 &&
				w.Status == model.WithdrawalStatusPending
		})).Return(&model.WithdrawalRequest{ID: 1, RequestedAmount: 10000, AdminFee: 500, NetAmount: 9500}, nil)

		created, availableAfter, err := service.CreateRequest(ctx, 10, 1, 10000, validBankDetails())
		require.NoError(t, err)
		assert.Equal(t, int64(9500), created.NetAmount)
		assert.Equal(t, int64(5000), availableAfter)

		withdrawals.AssertExpectations(t)
	})

	t.Run("rejects a non-owner", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		projects.On("WithinTransaction", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		projects.On("LockForUpdate", ctx, int64(1)).Return(&model.Project{ID: 1, CreatorID: 10}, nil)

		_, _, err := service.CreateRequest(ctx, 99, 1, 1000, validBankDetails())
		assert.ErrorIs(t, err, ErrNotProjectOwner)
		withdrawals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("rejects a second pending request", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		projects.On("WithinTransaction", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		projects.On("LockForUpdate", ctx, int64(1)).Return(&model.Project{ID: 1, CreatorID: 10}, nil)
		withdrawals.On("HasPending", ctx, int64(1)).Return(true, nil)

		_, _, err := service.CreateRequest(ctx, 10, 1, 1000, validBankDetails())
		assert.ErrorIs(t, err, ErrDuplicatePendingRequest)
		withdrawals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("rejects an amount above the pool", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		projects.On("WithinTransaction", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		projects.On("LockForUpdate", ctx, int64(1)).Return(&model.Project{ID: 1, CreatorID: 10}, nil)
		withdrawals.On("HasPending", ctx, int64(1)).Return(false, nil)
		donations.On("SumNetAmount", ctx, int64(1), successStatuses()).Return(int64(5000), nil)
		withdrawals.On("SumRequested", ctx, int64(1), holdStatuses()).Return(int64(2000), nil)

		_, _, err := service.CreateRequest(ctx, 10, 1, 3001, validBankDetails())
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		withdrawals.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("rejects a non-positive amount", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		_, _, err := service.CreateRequest(ctx, 10, 1, 0, validBankDetails())
		assert.ErrorIs(t, err, ErrInvalidAmount)
		projects.AssertNotCalled(t, "WithinTransaction", mock.Anything, mock.Anything)
	})

	t.Run("rejects incomplete bank details", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		bank := validBankDetails()
		bank.AccountNumber = ""

		_, _, err := service.CreateRequest(ctx, 10, 1, 1000, bank)
		assert.Error(t, err)
		projects.AssertNotCalled(t, "WithinTransaction", mock.Anything, mock.Anything)
	})

	t.Run("rejects an unknown project", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		projects.On("WithinTransaction", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		projects.On("LockForUpdate", ctx, int64(99)).Return(nil, repository.ErrProjectNotFound)

		_, _, err := service.CreateRequest(ctx, 10, 99, 1000, validBankDetails())
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})
}

func pendingRequest(id int64) *model.WithdrawalRequest {
	return &model.WithdrawalRequest{
		ID:              id,
		CreatorID:       10,
		ProjectID:       1,
		RequestedAmount: 10000,
		AdminFee:        500,
		NetAmount:       9500,
		Status:          model.WithdrawalStatusPending,
		BankDetails:     validBankDetails(),
	}
}

func TestWithdrawalService_Approve(t *testing.T) {
	withdrawals := new(MockWithdrawalRepository)
	donations := new(MockDonationAggregator)
	projects := new(MockProjectLocker)
	ctx := context.Background()

	service := NewWithdrawalService(withdrawals, donations, projects)

	approved := pendingRequest(1)
	approved.Status = model.WithdrawalStatusApproved

	withdrawals.On("GetByID", ctx, int64(1)).Return(pendingRequest(1), nil).Once()
	withdrawals.On("UpdateStatusIf", ctx, int64(1), model.WithdrawalStatusPending, model.WithdrawalStatusApproved, int64(500), "looks good", mock.AnythingOfType("time.Time")).
		Return(true, nil)
	withdrawals.On("GetByID", ctx, int64(1)).Return(approved, nil).Once()

	result, err := service.Approve(ctx, 1, 500, "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusApproved, result.Status)

	withdrawals.AssertExpectations(t)
}

func TestWithdrawalService_Approve_AlreadyProcessed(t *testing.T) {
	withdrawals := new(MockWithdrawalRepository)
	donations := new(MockDonationAggregator)
	projects := new(MockProjectLocker)
	ctx := context.Background()

	service := NewWithdrawalService(withdrawals, donations, projects)

	rejected := pendingRequest(1)
	rejected.Status = model.WithdrawalStatusRejected

	withdrawals.On("GetByID", ctx, int64(1)).Return(rejected, nil)

	_, err := service.Approve(ctx, 1, 500, "late approval")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	withdrawals.AssertNotCalled(t, "UpdateStatusIf", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdrawalService_Approve_LosesConcurrentUpdate(t *testing.T) {
	withdrawals := new(MockWithdrawalRepository)
	donations := new(MockDonationAggregator)
	projects := new(MockProjectLocker)
	ctx := context.Background()

	service := NewWithdrawalService(withdrawals, donations, projects)

	withdrawals.On("GetByID", ctx, int64(1)).Return(pendingRequest(1), nil)
	withdrawals.On("UpdateStatusIf", ctx, int64(1), model.WithdrawalStatusPending, model.WithdrawalStatusApproved, int64(500), "", mock.AnythingOfType("time.Time")).
		Return(false, nil)

	_, err := service.Approve(ctx, 1, 500, "")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestWithdrawalService_Reject(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a reason", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		_, err := service.Reject(ctx, 1, 500, "   ")
		assert.ErrorIs(t, err, ErrReasonRequired)
		withdrawals.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	})

	t.Run("rejects with a reason", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		rejected := pendingRequest(2)
		rejected.Status = model.WithdrawalStatusRejected
		rejected.AdminNotes = "bank account name mismatch"

		withdrawals.On("GetByID", ctx, int64(2)).Return(pendingRequest(2), nil).Once()
		withdrawals.On("UpdateStatusIf", ctx, int64(2), model.WithdrawalStatusPending, model.WithdrawalStatusRejected, int64(500), "bank account name mismatch", mock.AnythingOfType("time.Time")).
			Return(true, nil)
		withdrawals.On("GetByID", ctx, int64(2)).Return(rejected, nil).Once()

		result, err := service.Reject(ctx, 2, 500, "bank account name mismatch")
		require.NoError(t, err)
		assert.Equal(t, model.WithdrawalStatusRejected, result.Status)
		assert.Equal(t, "bank account name mismatch", result.AdminNotes)
	})
}

func TestWithdrawalService_MarkPaid(t *testing.T) {
	ctx := context.Background()

	t.Run("pays an approved request", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		approved := pendingRequest(3)
		approved.Status = model.WithdrawalStatusApproved
		paid := pendingRequest(3)
		paid.Status = model.WithdrawalStatusPaid

		withdrawals.On("GetByID", ctx, int64(3)).Return(approved, nil).Once()
		withdrawals.On("UpdateStatusIf", ctx, int64(3), model.WithdrawalStatusApproved, model.WithdrawalStatusPaid, int64(500), "wire ref 123", mock.AnythingOfType("time.Time")).
			Return(true, nil)
		withdrawals.On("GetByID", ctx, int64(3)).Return(paid, nil).Once()

		result, err := service.MarkPaid(ctx, 3, 500, "wire ref 123")
		require.NoError(t, err)
		assert.Equal(t, model.WithdrawalStatusPaid, result.Status)
	})

	t.Run("cannot pay a pending request", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		withdrawals.On("GetByID", ctx, int64(4)).Return(pendingRequest(4), nil)

		_, err := service.MarkPaid(ctx, 4, 500, "")
		assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	})

	t.Run("unknown request", func(t *testing.T) {
		withdrawals := new(MockWithdrawalRepository)
		donations := new(MockDonationAggregator)
		projects := new(MockProjectLocker)
		service := NewWithdrawalService(withdrawals, donations, projects)

		withdrawals.On("GetByID", ctx, int64(99)).Return(nil, repository.ErrWithdrawalNotFound)

		_, err := service.MarkPaid(ctx, 99, 500, "")
		assert.ErrorIs(t, err, ErrWithdrawalNotFound)
	})
}
