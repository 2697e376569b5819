// Package loyalty computes point awards for buyers and referrers. The same
// formulas are used when awarding and when revoking so reversals are exact.
package loyalty

import "optiledger/backend/internal/domain"

// PointsFor returns the points earned by one payment: floor of the paid
// amount in whole currency units times the earning rate for the method
// (falling back to the global rate). Points-method payments never earn.
func PointsFor(amountCents int64, method string, s domain.LoyaltySettings) int64 {
	if !s.Enabled || amountCents <= 0 || method == domain.PaymentMethodPoints {
		return 0
	}
	rate, ok := s.Rates[method]
	if !ok {
		rate = s.Rates[domain.LoyaltyRateGlobal]
	}
	if rate <= 0 {
		return 0
	}
	return floorPercentOfUnits(amountCents, rate)
}

// ReferrerBonusFor returns the referrer's points for one payment.
func ReferrerBonusFor(amountCents int64, method string, s domain.LoyaltySettings) int64 {
	if !s.Enabled || amountCents <= 0 || method == domain.PaymentMethodPoints {
		return 0
	}
	if s.ReferralBonusPercent <= 0 {
		return 0
	}
	return floorPercentOfUnits(amountCents, s.ReferralBonusPercent)
}

// PointsCost converts a points-method payment amount into the points it
// consumes, rounding up so partial units still cost a whole point.
func PointsCost(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return (amountCents + domain.PointsUnitCents - 1) / domain.PointsUnitCents
}

// floor(units × percent / 100) with units = amountCents / 100, computed in
// integer math to stay exact: floor(amountCents × percent / 10000).
func floorPercentOfUnits(amountCents int64, percent float64) int64 {
	// percent values are configured with at most two decimals; scale by 100
	// to keep the whole computation integral.
	scaled := int64(percent*100 + 0.5)
	if scaled <= 0 {
		return 0
	}
	return amountCents * scaled / 1_000_000
}
