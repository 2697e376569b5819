// Package workorder derives lab/service jobs from sale line items. Identity
// is deterministic from (sale, item) so retried transactions upsert the same
// order instead of duplicating it.
package workorder

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"optiledger/backend/internal/domain"
)

var namespace = uuid.MustParse("7b0d3f46-6c99-4c4e-9a2e-1f6a3d5b8e21")

// ID returns the deterministic work-order id for a sale line item.
func ID(saleID, saleItemID string) string {
	return uuid.NewSHA1(namespace, []byte(saleID+"/"+saleItemID)).String()
}

// flow is the fixed forward path; cancelled is a side state reachable from
// any non-terminal status.
var flow = []string{
	domain.WorkOrderOnHold,
	domain.WorkOrderToPrepare,
	domain.WorkOrderSentToLab,
	domain.WorkOrderQualityCheck,
	domain.WorkOrderReady,
	domain.WorkOrderDelivered,
}

// Next returns the status following the given one in the fixed flow.
func Next(status string) (string, error) {
	for i, s := range flow {
		if s != status {
			continue
		}
		if i == len(flow)-1 {
			return "", fmt.Errorf("work order already delivered")
		}
		return flow[i+1], nil
	}
	return "", fmt.Errorf("work order in status %q cannot advance", status)
}

// CanCancel reports whether an order in the given status may be cancelled.
func CanCancel(status string) bool {
	return status != domain.WorkOrderDelivered && status != domain.WorkOrderCancelled
}

// BuildForSale creates one work order per line item flagged for lab service.
// Re-running for the same sale produces identical ids, making creation an
// upsert under transaction retries.
func BuildForSale(sale domain.Sale, now time.Time) []domain.WorkOrder {
	orders := make([]domain.WorkOrder, 0, len(sale.Items))
	for _, item := range sale.Items {
		if !item.RequiresLabService {
			continue
		}
		orders = append(orders, domain.WorkOrder{
			ID:         ID(sale.ID, item.ID),
			SaleID:     sale.ID,
			SaleItemID: item.ID,
			BranchID:   sale.BranchID,
			Status:     domain.WorkOrderOnHold,
			CostCents:  item.CostCents,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return orders
}

// ReopenForWarranty sends a delivered or ready order back to preparation and
// records the claim. It never creates a second order for the same item.
func ReopenForWarranty(wo *domain.WorkOrder, reason, user string, now time.Time) error {
	if wo.Status != domain.WorkOrderDelivered && wo.Status != domain.WorkOrderReady {
		return fmt.Errorf("warranty requires a ready or delivered work order, got %q", wo.Status)
	}
	wo.Status = domain.WorkOrderToPrepare
	wo.Warranty = true
	wo.WarrantyHistory = append(wo.WarrantyHistory, domain.WarrantyClaim{
		Reason:    reason,
		User:      user,
		CreatedAt: now,
	})
	wo.UpdatedAt = now
	return nil
}
