package store

import (
	"context"
	"errors"
	"time"

	"optiledger/backend/internal/domain"
)

// Precondition errors abort an operation with no partial effect.
// ErrConflict is the retryable kind: it surfaces only after the store's
// bounded automatic retry is exhausted.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoOpenShift        = errors.New("no open register shift for branch")
	ErrShiftAlreadyOpen   = errors.New("a register shift is already open for branch")
	ErrPatientNotFound    = errors.New("patient not found")
	ErrPatientDeleted     = errors.New("patient is deleted")
	ErrInsufficientPoints = errors.New("insufficient point balance")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrSaleCancelled      = errors.New("sale is cancelled")
	ErrConflict           = errors.New("write conflict, retries exhausted")
)

// Repository is the persistent store. Every mutating method is one atomic
// unit: all referenced records are re-read inside it, derived values are
// recomputed from those reads, and all resulting writes commit together or
// not at all. Implementations retry the whole body on write conflicts.
type Repository interface {
	// Sale ledger engine
	CreateSale(ctx context.Context, in domain.CreateSaleInput) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, branchID string, from, to time.Time, limit int) ([]domain.Sale, error)
	AddPayment(ctx context.Context, saleID string, in domain.PaymentInput, user string) (*domain.Sale, error)
	DeletePayment(ctx context.Context, saleID, paymentID, user string) (*domain.Sale, error)
	UpdatePaymentMethod(ctx context.Context, saleID, paymentID, newMethod, user string) (*domain.Sale, error)
	// ProcessReturn covers the financial transaction only; restock and
	// work-order cancellation happen through separate calls after commit.
	ProcessReturn(ctx context.Context, in domain.ReturnInput) (*domain.ReturnResult, error)
	VoidSale(ctx context.Context, saleID, reason, user string) (*domain.Sale, error)

	// Inventory (post-commit restock path + catalog reads)
	RestockProduct(ctx context.Context, sku string, qty int, reference, user string) error
	GetProduct(ctx context.Context, sku string) (*domain.Product, error)
	ListInventoryLogs(ctx context.Context, sku string, limit int) ([]domain.InventoryLog, error)

	// Patient directory (read side; point deltas happen inside sale ops)
	GetPatient(ctx context.Context, id string) (*domain.Patient, error)

	// Shift manager
	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, branchID string) (*domain.Shift, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	StartShiftClose(ctx context.Context, shiftID string, at time.Time) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, declared map[string]int64, notes, user string, at time.Time) (*domain.Shift, error)

	// Work orders
	GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error)
	ListWorkOrders(ctx context.Context, saleID string) ([]domain.WorkOrder, error)
	AdvanceWorkOrder(ctx context.Context, id, user string, at time.Time) (*domain.WorkOrder, error)
	CancelWorkOrder(ctx context.Context, id, reason string, at time.Time) (*domain.WorkOrder, error)
	ReopenWorkOrderWarranty(ctx context.Context, id, reason, user string, at time.Time) (*domain.WorkOrder, error)

	// Ledger & reports (read contracts)
	ListLedgerEntries(ctx context.Context, from, to time.Time, saleID string, limit int) ([]domain.LedgerEntry, error)
	LedgerStats(ctx context.Context, from, to time.Time) (domain.LedgerStats, error)
	IncomeReport(ctx context.Context, branchID string, from, to time.Time) (domain.IncomeReport, error)

	// Settings
	GetLoyaltySettings(ctx context.Context) (domain.LoyaltySettings, error)
	GetFeeSchedules(ctx context.Context) (map[string]domain.TerminalFeeSchedule, error)

	// Audit trail (best-effort writes routed through the audit worker)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditEntry, error)

	// Auth accounts
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, password string) error
}
