// Package fees computes the platform's cut on money movements. All amounts
// are integer minor currency units. The two rates are intentionally distinct:
// the donation fee is the platform fee charged on incoming pledges, the
// withdrawal fee is the payout fee charged when a creator cashes out.
package fees

const (
	// DonationFeePercent is applied to every donation at creation time and
	// frozen on the record; it is never recomputed.
	DonationFeePercent = 3

	// WithdrawalFeePercent is applied to the requested amount when a
	// withdrawal request is created.
	WithdrawalFeePercent = 5
)

// Breakdown splits a gross amount into the platform fee and the net
// remainder. Fee + Net always equals the gross amount it was computed from.
type Breakdown struct {
	Fee int64
	Net int64
}

// ForDonation computes the platform fee on a donation. The fee is rounded
// to the nearest unit; the rounding remainder stays on the net side.
func ForDonation(amount int64) Breakdown {
	return split(amount, DonationFeePercent)
}

// ForWithdrawal computes the payout fee on a withdrawal request.
func ForWithdrawal(amount int64) Breakdown {
	return split(amount, WithdrawalFeePercent)
}

func split(amount, percent int64) Breakdown {
	// round(amount * percent / 100) in integer arithmetic
	fee := (amount*percent + 50) / 100
	return Breakdown{Fee: fee, Net: amount - fee}
}
