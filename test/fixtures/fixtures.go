package fixtures

import (
	"time"

	"github.com/openfund/payment-gateway/internal/model"
)

var (
	TestDonorRahim = model.DonorInfo{
		UserID: ptr(int64(42)),
		Name:   "Rahim Uddin",
		Email:  "rahim@example.com",
		Phone:  "+8801712345678",
	}

	TestDonorAnonymous = model.DonorInfo{
		Name:  "Well Wisher",
		Email: "wisher@example.com",
	}

	TestBankDetails = model.BankDetails{
		AccountHolder: "Karim Ahmed",
		BankName:      "City Bank",
		AccountNumber: "0123456789",
		RoutingNumber: "225813",
		BranchName:    "Gulshan",
	}
)

func NewDonationCreateRequest(projectID, amount int64) model.DonationCreateRequest {
	return model.DonationCreateRequest{
		ProjectID: projectID,
		Amount:    amount,
		Donor:     TestDonorRahim,
	}
}

func DonationCreateRequestWithTier(projectID, amount, tierID int64) model.DonationCreateRequest {
	req := NewDonationCreateRequest(projectID, amount)
	req.RewardTierID = &tierID
	return req
}

func DonationCreateRequestAnonymous(projectID, amount int64) model.DonationCreateRequest {
	return model.DonationCreateRequest{
		ProjectID:   projectID,
		Amount:      amount,
		Donor:       TestDonorAnonymous,
		IsAnonymous: true,
	}
}

func DonationCreateRequestMissingDonor(projectID, amount int64) model.DonationCreateRequest {
	return model.DonationCreateRequest{
		ProjectID: projectID,
		Amount:    amount,
	}
}

var (
	ValidDonationAmounts = []int64{
		10,
		100,
		1000,
		33333,
		500_000,
	}

	InvalidDonationAmounts = []int64{
		0,
		-1,
		9,
		500_001,
	}
)

func DonationFilterByProject(projectID int64) model.DonationFilter {
	return model.DonationFilter{
		ProjectID: &projectID,
		Limit:     50,
		Offset:    0,
	}
}

func DonationFilterByStatus(projectID int64, statuses ...model.PaymentStatus) model.DonationFilter {
	return model.DonationFilter{
		ProjectID: &projectID,
		Statuses:  statuses,
		Limit:     50,
		Offset:    0,
	}
}

func DonationFilterByTimeRange(projectID int64, from, to time.Time) model.DonationFilter {
	return model.DonationFilter{
		ProjectID: &projectID,
		From:      &from,
		To:        &to,
		Limit:     50,
		Offset:    0,
	}
}

func WithdrawalFilterByProject(projectID int64) model.WithdrawalFilter {
	return model.WithdrawalFilter{
		ProjectID: &projectID,
	}
}

func ptr[T any](v T) *T {
	return &v
}
