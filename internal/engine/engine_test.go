package engine

import (
	"time"

	"optiledger/backend/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func testContext() Context {
	return Context{
		Shift: domain.Shift{
			ID:               "shift-1",
			BranchID:         "centro",
			Operator:         "lucia",
			InitialCashCents: 50_000,
			Status:           domain.ShiftStatusOpen,
			OpenedAt:         testNow.Add(-2 * time.Hour),
		},
		Patient: domain.Patient{ID: "pat-1", Name: "Marta Iglesias", PointsBalance: 40},
		Products: map[string]domain.Product{
			"FRAME-210": {SKU: "FRAME-210", Name: "Acetate frame", CostCents: 3_000, Stock: 5},
			"SOL-CLEAN": {SKU: "SOL-CLEAN", Name: "Lens cleaner", CostCents: 200, Stock: 50},
			"LENS-CUST": {SKU: "LENS-CUST", Name: "Custom lens blank", CostCents: 9_000, OnDemand: true},
		},
		Loyalty: domain.LoyaltySettings{
			Enabled: true,
			Rates: map[string]float64{
				domain.LoyaltyRateGlobal: 5,
				domain.PaymentMethodCard: 3,
			},
			ReferralBonusPercent: 2,
		},
		Fees: map[string]domain.TerminalFeeSchedule{
			"term-a": {
				TerminalID:       "term-a",
				FlatPercent:      1.8,
				InstallmentTiers: map[int]float64{3: 4.5, 6: 7.2},
			},
		},
		Now:  testNow,
		User: "lucia",
	}
}

func frameSaleInput(payments ...domain.PaymentInput) domain.CreateSaleInput {
	return domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-1",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Acetate frame", Qty: 1, UnitPriceCents: 12_000, CostCents: 3_000, ProductSKU: "FRAME-210"},
			{Kind: "service", Description: "Progressive lenses", Qty: 1, UnitPriceCents: 28_000, CostCents: 9_000, RequiresLabService: true},
		},
		Payments: payments,
	}
}

func ledgerSum(entries []domain.LedgerEntry) int64 {
	total := int64(0)
	for _, e := range entries {
		total += e.AmountCents
	}
	return total
}
