package engine

import (
	"fmt"
	"sort"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/store"
)

// Differences inside this band are treated as ordinary rounding noise.
const closeToleranceCents = int64(50)

// PreviewClosing computes the expected-by-method totals for a shift entering
// pre-close, before the operator has counted anything. Declared and
// difference stay empty; nothing about the preview is persisted.
func PreviewClosing(shift domain.Shift, entries []domain.LedgerEntry, expenses []domain.Expense) domain.ClosingSnapshot {
	sales, spent := sumByMethod(shift.ID, entries, expenses)

	snap := domain.ClosingSnapshot{
		SalesByMethod:    map[string]int64{},
		ExpensesByMethod: map[string]int64{},
		Expected:         map[string]int64{},
	}
	for _, m := range methodUnion(sales, spent, nil) {
		snap.SalesByMethod[m] = sales[m]
		snap.ExpensesByMethod[m] = spent[m]
		if m == domain.PaymentMethodPoints {
			continue
		}
		snap.Expected[m] = expectedFor(shift, m, sales[m], spent[m])
	}
	return snap
}

// BuildClosing reconciles a shift that has entered pre-close. Expected cash
// per method is the signed ledger sum for the shift minus commissions and
// other expenses paid out of it, plus the opening float for cash. The
// snapshot is immutable once written.
func BuildClosing(shift domain.Shift, entries []domain.LedgerEntry, expenses []domain.Expense,
	declared map[string]int64) (domain.ClosingSnapshot, error) {

	if shift.Status != domain.ShiftStatusPreClose {
		return domain.ClosingSnapshot{}, fmt.Errorf("%w: shift %s is %s, expected %s",
			store.ErrInvalidInput, shift.ID, shift.Status, domain.ShiftStatusPreClose)
	}

	sales, spent := sumByMethod(shift.ID, entries, expenses)

	snap := domain.ClosingSnapshot{
		SalesByMethod:    map[string]int64{},
		ExpensesByMethod: map[string]int64{},
		Expected:         map[string]int64{},
		Declared:         map[string]int64{},
		Difference:       map[string]int64{},
	}
	for _, m := range methodUnion(sales, spent, declared) {
		snap.SalesByMethod[m] = sales[m]
		snap.ExpensesByMethod[m] = spent[m]
		if m == domain.PaymentMethodPoints {
			// No physical money moves for point redemptions.
			continue
		}
		expected := expectedFor(shift, m, sales[m], spent[m])
		snap.Expected[m] = expected
		snap.Declared[m] = declared[m]
		snap.Difference[m] = declared[m] - expected
		snap.TotalDiffCents += declared[m] - expected
	}
	diff := snap.TotalDiffCents
	if diff < 0 {
		diff = -diff
	}
	snap.Flagged = diff > closeToleranceCents
	return snap, nil
}

func sumByMethod(shiftID string, entries []domain.LedgerEntry, expenses []domain.Expense) (sales, spent map[string]int64) {
	sales = map[string]int64{}
	for _, e := range entries {
		if e.ShiftID != shiftID {
			continue
		}
		sales[e.Method] += e.AmountCents
	}
	spent = map[string]int64{}
	for _, e := range expenses {
		if e.ShiftID != shiftID {
			continue
		}
		spent[e.Method] += e.AmountCents
	}
	return sales, spent
}

// methodUnion returns the sorted union of methods seen across the maps,
// always including cash so the float is accounted for.
func methodUnion(sales, spent, declared map[string]int64) []string {
	methods := map[string]bool{domain.PaymentMethodCash: true}
	for m := range sales {
		methods[m] = true
	}
	for m := range spent {
		methods[m] = true
	}
	for m := range declared {
		methods[m] = true
	}
	ordered := make([]string, 0, len(methods))
	for m := range methods {
		ordered = append(ordered, m)
	}
	sort.Strings(ordered)
	return ordered
}

func expectedFor(shift domain.Shift, method string, sold, spent int64) int64 {
	expected := sold - spent
	if method == domain.PaymentMethodCash {
		expected += shift.InitialCashCents
	}
	return expected
}
