package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/store"
)

func TestBuildSaleTotalsAndLedger(t *testing.T) {
	ec := testContext()
	in := frameSaleInput(domain.PaymentInput{AmountCents: 40_000, Method: domain.PaymentMethodCash})

	commit, err := BuildSale(in, ec)
	require.NoError(t, err)

	sale := commit.Sale
	assert.Equal(t, int64(40_000), sale.SubtotalGrossCents)
	assert.Equal(t, int64(40_000), sale.TotalCents)
	assert.Equal(t, int64(40_000), sale.PaidCents)
	assert.Equal(t, int64(0), sale.BalanceCents)
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Equal(t, sale.PaidCents, ledgerSum(commit.Ledger))
	for _, e := range commit.Ledger {
		assert.Equal(t, domain.LedgerTypeSale, e.Type)
		assert.Equal(t, "shift-1", e.ShiftID)
	}
}

func TestBuildSalePartialPaymentStaysPending(t *testing.T) {
	ec := testContext()
	in := frameSaleInput(domain.PaymentInput{AmountCents: 10_000, Method: domain.PaymentMethodCash})

	commit, err := BuildSale(in, ec)
	require.NoError(t, err)

	assert.Equal(t, domain.SaleStatusPending, commit.Sale.Status)
	assert.Equal(t, int64(30_000), commit.Sale.BalanceCents)
	assert.Equal(t, commit.Sale.PaidCents, ledgerSum(commit.Ledger))
}

func TestBuildSaleClampsOverpayment(t *testing.T) {
	ec := testContext()
	in := frameSaleInput(
		domain.PaymentInput{AmountCents: 35_000, Method: domain.PaymentMethodCash},
		domain.PaymentInput{AmountCents: 20_000, Method: domain.PaymentMethodCard, TerminalID: "term-a"},
	)

	commit, err := BuildSale(in, ec)
	require.NoError(t, err)

	require.Len(t, commit.Sale.Payments, 2)
	assert.Equal(t, int64(5_000), commit.Sale.Payments[1].AmountCents)
	assert.Equal(t, int64(40_000), commit.Sale.PaidCents)
	assert.Equal(t, int64(0), commit.Sale.BalanceCents)
}

func TestBuildSaleStock(t *testing.T) {
	ec := testContext()

	t.Run("decrements tracked products", func(t *testing.T) {
		commit, err := BuildSale(frameSaleInput(), ec)
		require.NoError(t, err)
		require.Len(t, commit.StockDeltas, 1)
		assert.Equal(t, "FRAME-210", commit.StockDeltas[0].SKU)
		assert.Equal(t, -1, commit.StockDeltas[0].Qty)
		require.Len(t, commit.InventoryLogs, 1)
		assert.Equal(t, "sale", commit.InventoryLogs[0].Reason)
	})

	t.Run("on-demand products skip stock", func(t *testing.T) {
		in := domain.CreateSaleInput{
			BranchID:  "centro",
			PatientID: "pat-1",
			Items: []domain.SaleItemInput{
				{Kind: "product", Description: "Custom lens blank", Qty: 2, UnitPriceCents: 15_000, ProductSKU: "LENS-CUST"},
			},
		}
		commit, err := BuildSale(in, ec)
		require.NoError(t, err)
		assert.Empty(t, commit.StockDeltas)
		require.Len(t, commit.InventoryLogs, 1)
	})

	t.Run("insufficient stock rejected", func(t *testing.T) {
		in := domain.CreateSaleInput{
			BranchID:  "centro",
			PatientID: "pat-1",
			Items: []domain.SaleItemInput{
				{Kind: "product", Description: "Acetate frame", Qty: 6, UnitPriceCents: 12_000, ProductSKU: "FRAME-210"},
			},
		}
		_, err := BuildSale(in, ec)
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	})
}

func TestBuildSaleLoyalty(t *testing.T) {
	ec := testContext()

	t.Run("cash earns at global rate", func(t *testing.T) {
		in := frameSaleInput(domain.PaymentInput{AmountCents: 10_000, Method: domain.PaymentMethodCash})
		commit, err := BuildSale(in, ec)
		require.NoError(t, err)
		// 100.00 at 5% of whole currency units.
		assert.Equal(t, int64(5), commit.Sale.PointsAwarded)
		assert.Equal(t, int64(5), commit.PatientPointsDelta)
	})

	t.Run("card earns at its own rate", func(t *testing.T) {
		in := frameSaleInput(domain.PaymentInput{AmountCents: 10_000, Method: domain.PaymentMethodCard, TerminalID: "term-a"})
		commit, err := BuildSale(in, ec)
		require.NoError(t, err)
		assert.Equal(t, int64(3), commit.Sale.PointsAwarded)
	})

	t.Run("referrer earns bonus", func(t *testing.T) {
		ec := testContext()
		ec.Patient.ReferredBy = "pat-9"
		ec.Referrer = &domain.Patient{ID: "pat-9", Name: "Nora"}
		in := frameSaleInput(domain.PaymentInput{AmountCents: 10_000, Method: domain.PaymentMethodCash})
		commit, err := BuildSale(in, ec)
		require.NoError(t, err)
		assert.Equal(t, int64(2), commit.ReferrerPointsDelta)
	})

	t.Run("points payment spends without earning", func(t *testing.T) {
		in := frameSaleInput(
			domain.PaymentInput{AmountCents: 3_000, Method: domain.PaymentMethodPoints},
			domain.PaymentInput{AmountCents: 37_000, Method: domain.PaymentMethodCash},
		)
		commit, err := BuildSale(in, ec)
		require.NoError(t, err)
		// 30 points spent, 18 earned on the cash portion at 5%.
		assert.Equal(t, int64(18), commit.Sale.PointsAwarded)
		assert.Equal(t, int64(18-30), commit.PatientPointsDelta)
	})

	t.Run("insufficient points rejected", func(t *testing.T) {
		in := frameSaleInput(domain.PaymentInput{AmountCents: 10_000, Method: domain.PaymentMethodPoints})
		_, err := BuildSale(in, ec)
		assert.ErrorIs(t, err, store.ErrInsufficientPoints)
	})
}

func TestBuildSaleCardCommission(t *testing.T) {
	ec := testContext()

	in := frameSaleInput(domain.PaymentInput{
		AmountCents: 40_000, Method: domain.PaymentMethodCard, TerminalID: "term-a", Installments: 3,
	})
	commit, err := BuildSale(in, ec)
	require.NoError(t, err)

	require.Len(t, commit.Expenses, 1)
	exp := commit.Expenses[0]
	// 400.00 at the 3-installment tier of 4.5%.
	assert.Equal(t, int64(1_800), exp.AmountCents)
	assert.Equal(t, domain.ExpenseCategoryBankCommission, exp.Category)
	assert.Equal(t, commit.Sale.ID, exp.SaleID)
	// Commission never leaks into the sale ledger.
	assert.Equal(t, commit.Sale.PaidCents, ledgerSum(commit.Ledger))
}

func TestBuildSaleWorkOrders(t *testing.T) {
	ec := testContext()

	commit, err := BuildSale(frameSaleInput(), ec)
	require.NoError(t, err)

	require.Len(t, commit.WorkOrders, 1)
	wo := commit.WorkOrders[0]
	assert.Equal(t, commit.Sale.ID, wo.SaleID)
	assert.Equal(t, commit.Sale.Items[1].ID, wo.SaleItemID)
	assert.Equal(t, domain.WorkOrderOnHold, wo.Status)
}

func TestBuildSaleGuards(t *testing.T) {
	t.Run("requires an open shift", func(t *testing.T) {
		ec := testContext()
		ec.Shift.Status = domain.ShiftStatusPreClose
		_, err := BuildSale(frameSaleInput(), ec)
		assert.ErrorIs(t, err, store.ErrNoOpenShift)
	})

	t.Run("rejects deleted patients", func(t *testing.T) {
		ec := testContext()
		deleted := testNow.Add(-24 * time.Hour)
		ec.Patient.DeletedAt = &deleted
		_, err := BuildSale(frameSaleInput(), ec)
		assert.ErrorIs(t, err, store.ErrPatientDeleted)
	})

	t.Run("rejects discount beyond subtotal", func(t *testing.T) {
		ec := testContext()
		in := frameSaleInput()
		in.DiscountCents = 50_000
		_, err := BuildSale(in, ec)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("rejects unknown payment method", func(t *testing.T) {
		ec := testContext()
		in := frameSaleInput(domain.PaymentInput{AmountCents: 1_000, Method: "cheque"})
		_, err := BuildSale(in, ec)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})
}
