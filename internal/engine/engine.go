// Package engine holds the pure computation behind every sale-ledger
// operation: creating sales, applying and reversing payments, partial
// returns with proportional discount recapture, voids, and shift-closing
// reconciliation. Functions here never touch the store; they take freshly
// read records and return the full set of mutations to commit as one unit,
// so a store implementation can safely re-execute them on conflict retry.
package engine

import (
	"fmt"
	"math"
	"time"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/store"
)

// Context carries the records a store implementation read inside the
// current transaction attempt.
type Context struct {
	Shift    domain.Shift
	Patient  domain.Patient
	Referrer *domain.Patient
	Products map[string]domain.Product
	Loyalty  domain.LoyaltySettings
	Fees     map[string]domain.TerminalFeeSchedule
	Now      time.Time
	User     string
}

// StockDelta is a signed stock mutation for one product.
type StockDelta struct {
	SKU string
	Qty int
}

// SaleCommit bundles every mutation a sale-engine operation produced.
// All of it commits atomically; none of it commits on error.
type SaleCommit struct {
	Sale                domain.Sale
	WorkOrders          []domain.WorkOrder
	StockDeltas         []StockDelta
	InventoryLogs       []domain.InventoryLog
	PatientPointsDelta  int64
	ReferrerPointsDelta int64
	Ledger              []domain.LedgerEntry
	Expenses            []domain.Expense
	CancelWorkOrderIDs  []string
}

func supportedMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard,
		domain.PaymentMethodTransfer, domain.PaymentMethodPoints:
		return true
	}
	return false
}

// recompute refreshes every derived money field and, unless the sale is in a
// terminal state, its status. afterReturn selects the refunded terminal state
// when returns drove the total to zero.
func recompute(sale *domain.Sale, afterReturn bool) {
	subtotal := int64(0)
	for _, item := range sale.Items {
		subtotal += int64(item.Qty-item.ReturnedQty) * item.UnitPriceCents
	}
	sale.SubtotalGrossCents = subtotal
	if sale.DiscountCents > subtotal {
		sale.DiscountCents = subtotal
	}
	sale.TotalCents = subtotal - sale.DiscountCents

	paid := int64(0)
	for _, p := range sale.Payments {
		paid += p.AmountCents
	}
	sale.PaidCents = paid

	sale.BalanceCents = sale.TotalCents - paid
	if sale.BalanceCents < 0 {
		sale.BalanceCents = 0
	}

	if sale.Status == domain.SaleStatusCancelled || sale.Status == domain.SaleStatusRefunded {
		return
	}
	switch {
	case afterReturn && sale.TotalCents == 0:
		sale.Status = domain.SaleStatusRefunded
	case sale.BalanceCents > 0:
		sale.Status = domain.SaleStatusPending
	default:
		sale.Status = domain.SaleStatusPaid
	}
}

// commissionFor computes the bank commission expense for a card payment, or
// nil when the terminal has no configured fee schedule.
func commissionFor(p domain.Payment, sale domain.Sale, ec Context, id string) *domain.Expense {
	if p.Method != domain.PaymentMethodCard || p.AmountCents <= 0 {
		return nil
	}
	schedule, ok := ec.Fees[p.TerminalID]
	if !ok {
		return nil
	}
	pct := schedule.FlatPercent
	if tier, ok := schedule.InstallmentTiers[p.Installments]; ok {
		pct = tier
	}
	if pct <= 0 {
		return nil
	}
	fee := int64(math.Round(float64(p.AmountCents) * pct / 100))
	if fee <= 0 {
		return nil
	}
	return &domain.Expense{
		ID:          id,
		BranchID:    sale.BranchID,
		ShiftID:     ec.Shift.ID,
		Method:      p.Method,
		AmountCents: fee,
		Category:    domain.ExpenseCategoryBankCommission,
		SaleID:      sale.ID,
		Description: fmt.Sprintf("terminal %s fee %.2f%%", p.TerminalID, pct),
		CreatedAt:   ec.Now,
	}
}

func requireOpenShift(ec Context) error {
	if ec.Shift.Status != domain.ShiftStatusOpen {
		return store.ErrNoOpenShift
	}
	return nil
}
