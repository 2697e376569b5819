package engine

import (
	"fmt"
	"math"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/loyalty"
	"optiledger/backend/internal/store"
	"optiledger/backend/internal/workorder"
	"optiledger/backend/internal/xid"
)

// BuildReturn processes a partial or full return of one sale item. The refund
// is the gross line amount minus a proportional share of the sale discount,
// so a discounted sale never refunds more than was actually charged. Points
// earned on the sale are revoked in proportion to the refunded share.
func BuildReturn(sale domain.Sale, in domain.ReturnInput, ec Context) (SaleCommit, domain.ReturnResult, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, domain.ReturnResult{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return SaleCommit{}, domain.ReturnResult{}, store.ErrSaleCancelled
	}
	if in.Qty < 1 {
		return SaleCommit{}, domain.ReturnResult{}, fmt.Errorf("%w: return quantity must be positive", store.ErrInvalidInput)
	}
	if !supportedMethod(in.RefundMethod) {
		return SaleCommit{}, domain.ReturnResult{}, fmt.Errorf("%w: refund method %q", store.ErrInvalidInput, in.RefundMethod)
	}

	idx := -1
	for i, item := range sale.Items {
		if in.ItemID != "" {
			if item.ID == in.ItemID {
				idx = i
				break
			}
			continue
		}
		if item.Qty > item.ReturnedQty {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SaleCommit{}, domain.ReturnResult{}, fmt.Errorf("%w: no returnable item", store.ErrNotFound)
	}
	item := &sale.Items[idx]
	if in.Qty > item.Qty-item.ReturnedQty {
		return SaleCommit{}, domain.ReturnResult{}, fmt.Errorf("%w: return quantity exceeds remaining %d",
			store.ErrInvalidInput, item.Qty-item.ReturnedQty)
	}

	// Proportions are taken against the sale as it stood before this return.
	subtotalBefore := sale.SubtotalGrossCents
	discountBefore := sale.DiscountCents
	totalBefore := sale.TotalCents

	gross := int64(in.Qty) * item.UnitPriceCents
	recapture := int64(0)
	if subtotalBefore > 0 && discountBefore > 0 {
		recapture = int64(math.Round(float64(gross) * float64(discountBefore) / float64(subtotalBefore)))
		if recapture > discountBefore {
			recapture = discountBefore
		}
	}
	net := gross - recapture

	revoked := int64(0)
	if totalBefore > 0 && sale.PointsAwarded > 0 {
		revoked = sale.PointsAwarded * net / totalBefore
		if revoked > sale.PointsAwarded {
			revoked = sale.PointsAwarded
		}
	}

	item.ReturnedQty += in.Qty
	sale.DiscountCents -= recapture
	sale.PointsAwarded -= revoked

	commit := SaleCommit{}
	commit.PatientPointsDelta -= revoked
	if in.RefundMethod == domain.PaymentMethodPoints {
		commit.PatientPointsDelta += loyalty.PointsCost(net)
	}

	if net > 0 {
		refund := domain.Payment{
			ID:          xid.New("pay"),
			AmountCents: -net,
			Method:      in.RefundMethod,
			ShiftID:     ec.Shift.ID,
			Note:        fmt.Sprintf("return %dx %s", in.Qty, item.Description),
			CreatedAt:   ec.Now,
		}
		sale.Payments = append(sale.Payments, refund)
		commit.Ledger = append(commit.Ledger, domain.LedgerEntry{
			ID:          xid.New("ledger"),
			SaleID:      sale.ID,
			AmountCents: -net,
			Type:        domain.LedgerTypeRefund,
			Method:      in.RefundMethod,
			ShiftID:     ec.Shift.ID,
			User:        ec.User,
			Reference:   refund.ID,
			CreatedAt:   ec.Now,
		})
	}

	result := domain.ReturnResult{
		GrossRefundCents: gross,
		RecaptureCents:   recapture,
		NetRefundCents:   net,
		PointsRevoked:    revoked,
	}
	if in.Restock && item.ProductSKU != "" {
		result.RestockSKU = item.ProductSKU
		result.RestockQty = in.Qty
	}
	if item.RequiresLabService && item.ReturnedQty == item.Qty {
		result.CancelWorkOrderID = workorder.ID(sale.ID, item.ID)
	}

	sale.UpdatedAt = ec.Now
	recompute(&sale, true)
	commit.Sale = sale
	return commit, result, nil
}

// BuildVoid reverses every net payment on a sale and marks it cancelled.
// Reversal payments plus adjustment entries bring paid and the ledger sum to
// zero; stock for undelivered items comes back and earned points are revoked.
func BuildVoid(sale domain.Sale, reason string, ec Context) (SaleCommit, error) {
	if err := requireOpenShift(ec); err != nil {
		return SaleCommit{}, err
	}
	if sale.Status == domain.SaleStatusCancelled {
		return SaleCommit{}, store.ErrSaleCancelled
	}
	if reason == "" {
		return SaleCommit{}, fmt.Errorf("%w: void reason is required", store.ErrInvalidInput)
	}

	commit := SaleCommit{}

	netByMethod := map[string]int64{}
	order := []string{}
	for _, p := range sale.Payments {
		if _, seen := netByMethod[p.Method]; !seen {
			order = append(order, p.Method)
		}
		netByMethod[p.Method] += p.AmountCents
	}
	for _, method := range order {
		net := netByMethod[method]
		if net <= 0 {
			continue
		}
		reversal := domain.Payment{
			ID:          xid.New("pay"),
			AmountCents: -net,
			Method:      method,
			ShiftID:     ec.Shift.ID,
			Note:        "void: " + reason,
			CreatedAt:   ec.Now,
		}
		sale.Payments = append(sale.Payments, reversal)
		commit.Ledger = append(commit.Ledger, domain.LedgerEntry{
			ID:          xid.New("ledger"),
			SaleID:      sale.ID,
			AmountCents: -net,
			Type:        domain.LedgerTypeAdjustment,
			Method:      method,
			ShiftID:     ec.Shift.ID,
			User:        ec.User,
			Reference:   reversal.ID,
			CreatedAt:   ec.Now,
		})
		if method == domain.PaymentMethodPoints {
			commit.PatientPointsDelta += loyalty.PointsCost(net)
		}
	}

	commit.PatientPointsDelta -= sale.PointsAwarded
	sale.PointsAwarded = 0

	for _, item := range sale.Items {
		remaining := item.Qty - item.ReturnedQty
		if remaining <= 0 {
			continue
		}
		if item.ProductSKU != "" {
			if product, ok := ec.Products[item.ProductSKU]; ok && !product.OnDemand {
				commit.StockDeltas = append(commit.StockDeltas, StockDelta{SKU: item.ProductSKU, Qty: remaining})
				commit.InventoryLogs = append(commit.InventoryLogs, domain.InventoryLog{
					ID:        xid.New("invlog"),
					SKU:       item.ProductSKU,
					DeltaQty:  remaining,
					Reason:    "void",
					Reference: sale.ID,
					User:      ec.User,
					CreatedAt: ec.Now,
				})
			}
		}
		if item.RequiresLabService {
			commit.CancelWorkOrderIDs = append(commit.CancelWorkOrderIDs, workorder.ID(sale.ID, item.ID))
		}
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	sale.UpdatedAt = ec.Now
	recompute(&sale, false)
	commit.Sale = sale
	return commit, nil
}
