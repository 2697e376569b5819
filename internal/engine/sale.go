package engine

import (
	"fmt"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/loyalty"
	"optiledger/backend/internal/store"
	"optiledger/backend/internal/workorder"
	"optiledger/backend/internal/xid"
)

// BuildSale validates a create-sale intent against freshly read state and
// computes the complete mutation set: the sale with derived totals, stock
// decrements and inventory logs, work orders for lab items, buyer and
// referrer point deltas, card commission expenses, and one ledger entry per
// positive payment.
func BuildSale(in domain.CreateSaleInput, ec Context) (SaleCommit, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, err
	}
	if ec.Patient.DeletedAt != nil {
		return SaleCommit{}, store.ErrPatientDeleted
	}
	if len(in.Items) == 0 {
		return SaleCommit{}, fmt.Errorf("%w: sale needs at least one item", store.ErrInvalidInput)
	}
	if in.DiscountCents < 0 {
		return SaleCommit{}, fmt.Errorf("%w: negative discount", store.ErrInvalidInput)
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		BranchID:      in.BranchID,
		PatientID:     in.PatientID,
		ShiftID:       ec.Shift.ID,
		CreatedBy:     in.CreatedBy,
		DiscountCents: in.DiscountCents,
		Note:          in.Note,
		Status:        domain.SaleStatusPending,
		CreatedAt:     ec.Now,
		UpdatedAt:     ec.Now,
	}

	commit := SaleCommit{}
	subtotal := int64(0)
	for _, it := range in.Items {
		if it.Qty < 1 || it.UnitPriceCents < 0 {
			return SaleCommit{}, fmt.Errorf("%w: bad item quantity or price", store.ErrInvalidInput)
		}
		item := domain.SaleItem{
			ID:                 xid.New("item"),
			Kind:               it.Kind,
			Description:        it.Description,
			Qty:                it.Qty,
			UnitPriceCents:     it.UnitPriceCents,
			CostCents:          it.CostCents,
			ProductSKU:         it.ProductSKU,
			RequiresLabService: it.RequiresLabService,
		}
		subtotal += int64(item.Qty) * item.UnitPriceCents

		if item.ProductSKU != "" {
			product, ok := ec.Products[item.ProductSKU]
			if !ok {
				return SaleCommit{}, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductSKU)
			}
			if !product.OnDemand {
				if product.Stock < item.Qty {
					return SaleCommit{}, fmt.Errorf("%w: %s", store.ErrInsufficientStock, item.ProductSKU)
				}
				commit.StockDeltas = append(commit.StockDeltas, StockDelta{SKU: item.ProductSKU, Qty: -item.Qty})
			}
			commit.InventoryLogs = append(commit.InventoryLogs, domain.InventoryLog{
				ID:        xid.New("invlog"),
				SKU:       item.ProductSKU,
				DeltaQty:  -item.Qty,
				Reason:    "sale",
				Reference: sale.ID,
				User:      ec.User,
				CreatedAt: ec.Now,
			})
		}
		sale.Items = append(sale.Items, item)
	}

	if in.DiscountCents > subtotal {
		return SaleCommit{}, fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidInput)
	}
	total := subtotal - in.DiscountCents

	pointsNeeded := int64(0)
	buyerPoints := int64(0)
	referrerPoints := int64(0)
	remaining := total
	for _, p := range in.Payments {
		if !supportedMethod(p.Method) {
			return SaleCommit{}, fmt.Errorf("%w: payment method %q", store.ErrInvalidInput, p.Method)
		}
		if p.AmountCents <= 0 || remaining <= 0 {
			continue
		}
		amount := p.AmountCents
		if amount > remaining {
			amount = remaining
		}
		remaining -= amount

		payment := domain.Payment{
			ID:           xid.New("pay"),
			AmountCents:  amount,
			Method:       p.Method,
			TerminalID:   p.TerminalID,
			Installments: p.Installments,
			ShiftID:      ec.Shift.ID,
			Note:         p.Note,
			CreatedAt:    ec.Now,
		}
		sale.Payments = append(sale.Payments, payment)

		if p.Method == domain.PaymentMethodPoints {
			pointsNeeded += loyalty.PointsCost(amount)
		} else {
			buyerPoints += loyalty.PointsFor(amount, p.Method, ec.Loyalty)
			if ec.Referrer != nil {
				referrerPoints += loyalty.ReferrerBonusFor(amount, p.Method, ec.Loyalty)
			}
		}

		if expense := commissionFor(payment, sale, ec, xid.New("exp")); expense != nil {
			commit.Expenses = append(commit.Expenses, *expense)
		}
		commit.Ledger = append(commit.Ledger, domain.LedgerEntry{
			ID:          xid.New("ledger"),
			SaleID:      sale.ID,
			AmountCents: amount,
			Type:        domain.LedgerTypeSale,
			Method:      p.Method,
			ShiftID:     ec.Shift.ID,
			User:        ec.User,
			Reference:   payment.ID,
			TerminalID:  p.TerminalID,
			CreatedAt:   ec.Now,
		})
	}

	if pointsNeeded > ec.Patient.PointsBalance {
		return SaleCommit{}, store.ErrInsufficientPoints
	}

	sale.PointsAwarded = buyerPoints
	commit.PatientPointsDelta = buyerPoints - pointsNeeded
	commit.ReferrerPointsDelta = referrerPoints

	recompute(&sale, false)
	commit.Sale = sale
	commit.WorkOrders = workorder.BuildForSale(sale, ec.Now)
	return commit, nil
}
