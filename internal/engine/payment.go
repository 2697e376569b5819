package engine

import (
	"fmt"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/loyalty"
	"optiledger/backend/internal/store"
	"optiledger/backend/internal/xid"
)

// ApplyPayment records an abono against an unpaid balance. The amount is
// clamped to the remaining balance so a sale can never be overpaid.
func ApplyPayment(sale domain.Sale, in domain.PaymentInput, ec Context) (SaleCommit, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return SaleCommit{}, store.ErrSaleCancelled
	}
	if !supportedMethod(in.Method) {
		return SaleCommit{}, fmt.Errorf("%w: payment method %q", store.ErrInvalidInput, in.Method)
	}
	if in.AmountCents <= 0 {
		return SaleCommit{}, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	if sale.BalanceCents <= 0 {
		return SaleCommit{}, fmt.Errorf("%w: sale has no outstanding balance", store.ErrInvalidInput)
	}

	amount := in.AmountCents
	if amount > sale.BalanceCents {
		amount = sale.BalanceCents
	}

	commit := SaleCommit{}
	payment := domain.Payment{
		ID:           xid.New("pay"),
		AmountCents:  amount,
		Method:       in.Method,
		TerminalID:   in.TerminalID,
		Installments: in.Installments,
		ShiftID:      ec.Shift.ID,
		Note:         in.Note,
		CreatedAt:    ec.Now,
	}

	if in.Method == domain.PaymentMethodPoints {
		cost := loyalty.PointsCost(amount)
		if cost > ec.Patient.PointsBalance {
			return SaleCommit{}, store.ErrInsufficientPoints
		}
		commit.PatientPointsDelta -= cost
	} else {
		earned := loyalty.PointsFor(amount, in.Method, ec.Loyalty)
		sale.PointsAwarded += earned
		commit.PatientPointsDelta += earned
		if ec.Referrer != nil {
			commit.ReferrerPointsDelta += loyalty.ReferrerBonusFor(amount, in.Method, ec.Loyalty)
		}
	}

	sale.Payments = append(sale.Payments, payment)
	if expense := commissionFor(payment, sale, ec, xid.New("exp")); expense != nil {
		commit.Expenses = append(commit.Expenses, *expense)
	}
	commit.Ledger = append(commit.Ledger, domain.LedgerEntry{
		ID:          xid.New("ledger"),
		SaleID:      sale.ID,
		AmountCents: amount,
		Type:        domain.LedgerTypePayment,
		Method:      in.Method,
		ShiftID:     ec.Shift.ID,
		User:        ec.User,
		Reference:   payment.ID,
		TerminalID:  in.TerminalID,
		CreatedAt:   ec.Now,
	})

	sale.UpdatedAt = ec.Now
	recompute(&sale, false)
	commit.Sale = sale
	return commit, nil
}

// RemovePayment deletes a previously recorded positive payment, restoring
// spent points or revoking points it earned, and writes a compensating
// negative adjustment entry so the ledger still sums to the net paid amount.
func RemovePayment(sale domain.Sale, paymentID string, ec Context) (SaleCommit, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return SaleCommit{}, store.ErrSaleCancelled
	}

	idx := -1
	for i, p := range sale.Payments {
		if p.ID == paymentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SaleCommit{}, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentID)
	}
	target := sale.Payments[idx]
	if target.AmountCents < 0 {
		return SaleCommit{}, fmt.Errorf("%w: refund entries cannot be deleted", store.ErrInvalidInput)
	}

	commit := SaleCommit{}
	if target.Method == domain.PaymentMethodPoints {
		commit.PatientPointsDelta += loyalty.PointsCost(target.AmountCents)
	} else {
		revoked := loyalty.PointsFor(target.AmountCents, target.Method, ec.Loyalty)
		sale.PointsAwarded -= revoked
		commit.PatientPointsDelta -= revoked
		if ec.Referrer != nil {
			commit.ReferrerPointsDelta -= loyalty.ReferrerBonusFor(target.AmountCents, target.Method, ec.Loyalty)
		}
	}

	sale.Payments = append(sale.Payments[:idx:idx], sale.Payments[idx+1:]...)
	commit.Ledger = append(commit.Ledger, domain.LedgerEntry{
		ID:          xid.New("ledger"),
		SaleID:      sale.ID,
		AmountCents: -target.AmountCents,
		Type:        domain.LedgerTypeAdjustment,
		Method:      target.Method,
		ShiftID:     ec.Shift.ID,
		User:        ec.User,
		Reference:   target.ID,
		TerminalID:  target.TerminalID,
		CreatedAt:   ec.Now,
	})

	sale.UpdatedAt = ec.Now
	recompute(&sale, false)
	commit.Sale = sale
	return commit, nil
}

// ReclassifyPayment changes the method of a recorded payment in place. The
// amount is untouched; the ledger gets a matched pair of adjustments so
// per-method totals move without changing the sale's sum. Points payments
// carry a balance side effect and cannot be reclassified either way.
func ReclassifyPayment(sale domain.Sale, paymentID, newMethod string, ec Context) (SaleCommit, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return SaleCommit{}, store.ErrSaleCancelled
	}
	if !supportedMethod(newMethod) || newMethod == domain.PaymentMethodPoints {
		return SaleCommit{}, fmt.Errorf("%w: cannot reclassify to %q", store.ErrInvalidInput, newMethod)
	}

	idx := -1
	for i, p := range sale.Payments {
		if p.ID == paymentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SaleCommit{}, fmt.Errorf("%w: payment %s", store.ErrNotFound, paymentID)
	}
	target := sale.Payments[idx]
	if target.Method == domain.PaymentMethodPoints {
		return SaleCommit{}, fmt.Errorf("%w: points payments cannot be reclassified", store.ErrInvalidInput)
	}
	if target.Method == newMethod {
		return SaleCommit{}, fmt.Errorf("%w: payment already uses %q", store.ErrInvalidInput, newMethod)
	}

	commit := SaleCommit{}

	oldEarned := loyalty.PointsFor(target.AmountCents, target.Method, ec.Loyalty)
	newEarned := loyalty.PointsFor(target.AmountCents, newMethod, ec.Loyalty)
	sale.PointsAwarded += newEarned - oldEarned
	commit.PatientPointsDelta += newEarned - oldEarned
	if ec.Referrer != nil {
		commit.ReferrerPointsDelta += loyalty.ReferrerBonusFor(target.AmountCents, newMethod, ec.Loyalty) -
			loyalty.ReferrerBonusFor(target.AmountCents, target.Method, ec.Loyalty)
	}

	sale.Payments[idx].Method = newMethod
	commit.Ledger = append(commit.Ledger,
		domain.LedgerEntry{
			ID:          xid.New("ledger"),
			SaleID:      sale.ID,
			AmountCents: -target.AmountCents,
			Type:        domain.LedgerTypeAdjustment,
			Method:      target.Method,
			ShiftID:     ec.Shift.ID,
			User:        ec.User,
			Reference:   target.ID,
			TerminalID:  target.TerminalID,
			CreatedAt:   ec.Now,
		},
		domain.LedgerEntry{
			ID:          xid.New("ledger"),
			SaleID:      sale.ID,
			AmountCents: target.AmountCents,
			Type:        domain.LedgerTypeAdjustment,
			Method:      newMethod,
			ShiftID:     ec.Shift.ID,
			User:        ec.User,
			Reference:   target.ID,
			CreatedAt:   ec.Now,
		},
	)

	if expense := commissionFor(sale.Payments[idx], sale, ec, xid.New("exp")); expense != nil {
		commit.Expenses = append(commit.Expenses, *expense)
	}

	sale.UpdatedAt = ec.Now
	recompute(&sale, false)
	commit.Sale = sale
	return commit, nil
}
