package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/store"
)

func openShift(t *testing.T, s *Store, branchID string) *domain.Shift {
	t.Helper()
	shift, err := s.OpenShift(context.Background(), domain.Shift{
		BranchID:         branchID,
		Operator:         "lucia",
		InitialCashCents: 50_000,
	})
	require.NoError(t, err)
	return shift
}

func saleInput(patientID string, payments ...domain.PaymentInput) domain.CreateSaleInput {
	return domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: patientID,
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Acetate frame", Qty: 1, UnitPriceCents: 120_00, CostCents: 28_00, ProductSKU: "FRAME-AC-210"},
			{Kind: "service", Description: "Progressive lenses", Qty: 1, UnitPriceCents: 280_00, CostCents: 90_00, RequiresLabService: true},
		},
		Payments: payments,
	}
}

func TestSaleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	sale, err := s.CreateSale(ctx, saleInput("pat-ana",
		domain.PaymentInput{AmountCents: 100_00, Method: domain.PaymentMethodCash}))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, sale.Status)
	assert.Equal(t, int64(300_00), sale.BalanceCents)

	// Stock moved at creation time.
	product, err := s.GetProduct(ctx, "FRAME-AC-210")
	require.NoError(t, err)
	assert.Equal(t, 7, product.Stock)

	// A lab order exists for the lens item, on hold until the operator moves it.
	orders, err := s.ListWorkOrders(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.WorkOrderOnHold, orders[0].Status)

	sale, err = s.AddPayment(ctx, sale.ID, domain.PaymentInput{AmountCents: 300_00, Method: domain.PaymentMethodTransfer}, "lucia")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Equal(t, int64(0), sale.BalanceCents)

	// Ledger entries for the sale sum to what was actually paid.
	entries, err := s.ListLedgerEntries(ctx, time.Time{}, time.Time{}, sale.ID, 0)
	require.NoError(t, err)
	total := int64(0)
	for _, e := range entries {
		total += e.AmountCents
	}
	assert.Equal(t, sale.PaidCents, total)
}

func TestSaleRequiresOpenShift(t *testing.T) {
	s := NewSeeded()

	_, err := s.CreateSale(context.Background(), saleInput("pat-ana"))
	assert.ErrorIs(t, err, store.ErrNoOpenShift)
}

func TestSaleAwardsPointsToBuyerAndReferrer(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	before, err := s.GetPatient(ctx, "pat-ana")
	require.NoError(t, err)

	// pat-marco was referred by pat-ana.
	_, err = s.CreateSale(ctx, domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-marco",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Lens cleaner", Qty: 1, UnitPriceCents: 100_00, ProductSKU: "SOL-CLEAN-60"},
		},
		Payments: []domain.PaymentInput{{AmountCents: 100_00, Method: domain.PaymentMethodCash}},
	})
	require.NoError(t, err)

	buyer, err := s.GetPatient(ctx, "pat-marco")
	require.NoError(t, err)
	assert.Equal(t, int64(5), buyer.PointsBalance)

	referrer, err := s.GetPatient(ctx, "pat-ana")
	require.NoError(t, err)
	assert.Equal(t, before.PointsBalance+2, referrer.PointsBalance)
}

func TestReturnAdjustsSaleAndPoints(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	sale, err := s.CreateSale(ctx, domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-ana",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Sunglasses", Qty: 2, UnitPriceCents: 100_00, ProductSKU: "SUN-POL-118"},
		},
		DiscountCents: 20_00,
		Payments:      []domain.PaymentInput{{AmountCents: 180_00, Method: domain.PaymentMethodCash}},
	})
	require.NoError(t, err)

	result, err := s.ProcessReturn(ctx, domain.ReturnInput{
		SaleID:       sale.ID,
		ItemID:       sale.Items[0].ID,
		Qty:          1,
		RefundMethod: domain.PaymentMethodCash,
		Restock:      true,
		User:         "lucia",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(90_00), result.NetRefundCents)
	assert.Equal(t, int64(10_00), result.RecaptureCents)
	assert.Equal(t, domain.SaleStatusPaid, result.Sale.Status)
	assert.Equal(t, int64(0), result.Sale.BalanceCents)

	// Restock is a separate post-commit step driven by the caller.
	assert.Equal(t, "SUN-POL-118", result.RestockSKU)
	require.NoError(t, s.RestockProduct(ctx, result.RestockSKU, result.RestockQty, sale.ID, "lucia"))
	product, err := s.GetProduct(ctx, "SUN-POL-118")
	require.NoError(t, err)
	assert.Equal(t, 11, product.Stock)
}

func TestVoidSaleZeroesMoneyAndRestoresState(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	sale, err := s.CreateSale(ctx, saleInput("pat-ana",
		domain.PaymentInput{AmountCents: 400_00, Method: domain.PaymentMethodCash}))
	require.NoError(t, err)

	voided, err := s.VoidSale(ctx, sale.ID, "registered twice", "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, voided.Status)
	assert.Equal(t, int64(0), voided.PaidCents)

	// Stock back, lab order cancelled, ledger net zero for the sale.
	product, err := s.GetProduct(ctx, "FRAME-AC-210")
	require.NoError(t, err)
	assert.Equal(t, 8, product.Stock)

	orders, err := s.ListWorkOrders(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.WorkOrderCancelled, orders[0].Status)

	entries, err := s.ListLedgerEntries(ctx, time.Time{}, time.Time{}, sale.ID, 0)
	require.NoError(t, err)
	total := int64(0)
	for _, e := range entries {
		total += e.AmountCents
	}
	assert.Equal(t, int64(0), total)

	_, err = s.VoidSale(ctx, sale.ID, "again", "admin")
	assert.ErrorIs(t, err, store.ErrSaleCancelled)
}

func TestShiftLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	shift := openShift(t, s, "centro")

	t.Run("second open rejected", func(t *testing.T) {
		_, err := s.OpenShift(ctx, domain.Shift{BranchID: "centro", Operator: "tomas"})
		assert.ErrorIs(t, err, store.ErrShiftAlreadyOpen)
	})

	_, err := s.CreateSale(ctx, domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-ana",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Hard case", Qty: 1, UnitPriceCents: 1_200_00, ProductSKU: "CASE-HARD-01"},
		},
		Payments: []domain.PaymentInput{{AmountCents: 1_200_00, Method: domain.PaymentMethodCash}},
	})
	require.NoError(t, err)

	t.Run("pre-close freezes new sales and previews expected", func(t *testing.T) {
		pre, err := s.StartShiftClose(ctx, shift.ID, time.Now().UTC())
		require.NoError(t, err)
		require.NotNil(t, pre.Closing)
		assert.Equal(t, int64(1_700_00), pre.Closing.Expected[domain.PaymentMethodCash])
		assert.Empty(t, pre.Closing.Declared)

		_, err = s.CreateSale(ctx, saleInput("pat-ana"))
		assert.ErrorIs(t, err, store.ErrNoOpenShift)
	})

	closed, err := s.CloseShift(ctx, shift.ID, map[string]int64{
		domain.PaymentMethodCash: 1_699_90,
	}, "drawer light by ten cents", "lucia", time.Now().UTC())
	require.NoError(t, err)

	require.NotNil(t, closed.Closing)
	assert.Equal(t, int64(1_700_00), closed.Closing.Expected[domain.PaymentMethodCash])
	assert.Equal(t, int64(-10), closed.Closing.TotalDiffCents)
	assert.False(t, closed.Closing.Flagged)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)

	t.Run("next shift can open after close", func(t *testing.T) {
		_, err := s.OpenShift(ctx, domain.Shift{BranchID: "centro", Operator: "tomas", InitialCashCents: 30_000})
		require.NoError(t, err)
	})
}

func TestWorkOrderFlow(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	sale, err := s.CreateSale(ctx, saleInput("pat-ana"))
	require.NoError(t, err)
	orders, err := s.ListWorkOrders(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	id := orders[0].ID

	now := time.Now().UTC()
	for _, want := range []string{
		domain.WorkOrderToPrepare,
		domain.WorkOrderSentToLab,
		domain.WorkOrderQualityCheck,
		domain.WorkOrderReady,
		domain.WorkOrderDelivered,
	} {
		wo, err := s.AdvanceWorkOrder(ctx, id, "lucia", now)
		require.NoError(t, err)
		assert.Equal(t, want, wo.Status)
	}

	t.Run("delivered cannot advance or cancel", func(t *testing.T) {
		_, err := s.AdvanceWorkOrder(ctx, id, "lucia", now)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
		_, err = s.CancelWorkOrder(ctx, id, "late", now)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("warranty reopens delivered orders", func(t *testing.T) {
		wo, err := s.ReopenWorkOrderWarranty(ctx, id, "coating peeled", "lucia", now)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkOrderToPrepare, wo.Status)
		assert.True(t, wo.Warranty)
		require.Len(t, wo.WarrantyHistory, 1)
	})
}

func TestPointsSpendAndInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	// pat-sole holds 35 points.
	_, err := s.CreateSale(ctx, domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-sole",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Lens cleaner", Qty: 1, UnitPriceCents: 50_00, ProductSKU: "SOL-CLEAN-60"},
		},
		Payments: []domain.PaymentInput{{AmountCents: 50_00, Method: domain.PaymentMethodPoints}},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientPoints)

	sale, err := s.CreateSale(ctx, domain.CreateSaleInput{
		BranchID:  "centro",
		PatientID: "pat-sole",
		CreatedBy: "lucia",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Lens cleaner", Qty: 1, UnitPriceCents: 30_00, ProductSKU: "SOL-CLEAN-60"},
		},
		Payments: []domain.PaymentInput{{AmountCents: 30_00, Method: domain.PaymentMethodPoints}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Equal(t, int64(0), sale.PointsAwarded)

	patient, err := s.GetPatient(ctx, "pat-sole")
	require.NoError(t, err)
	assert.Equal(t, int64(5), patient.PointsBalance)
}

func TestIncomeReport(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()
	openShift(t, s, "centro")

	_, err := s.CreateSale(ctx, saleInput("pat-ana",
		domain.PaymentInput{AmountCents: 400_00, Method: domain.PaymentMethodCash}))
	require.NoError(t, err)

	report, err := s.IncomeReport(ctx, "centro", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Sales)
	assert.Equal(t, int64(400_00), report.RevenueCents)
	assert.Equal(t, int64(118_00), report.CostCents)
	assert.Equal(t, int64(282_00), report.MarginCents)
	assert.Equal(t, int64(400_00), report.ByMethod[domain.PaymentMethodCash])
}
