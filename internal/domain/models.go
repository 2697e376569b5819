package domain

import "time"

// All money fields are int64 cents. Timestamps are UTC.

const (
	SaleStatusPending   = "pending"
	SaleStatusPaid      = "paid"
	SaleStatusRefunded  = "refunded"
	SaleStatusCancelled = "cancelled"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
	PaymentMethodPoints   = "points"
)

const (
	LedgerTypeSale       = "sale"
	LedgerTypePayment    = "payment"
	LedgerTypeRefund     = "refund"
	LedgerTypeAdjustment = "adjustment"
)

const (
	ShiftStatusOpen     = "open"
	ShiftStatusPreClose = "pre_close"
	ShiftStatusClosed   = "closed"
)

const (
	WorkOrderOnHold       = "on_hold"
	WorkOrderToPrepare    = "to_prepare"
	WorkOrderSentToLab    = "sent_to_lab"
	WorkOrderQualityCheck = "quality_check"
	WorkOrderReady        = "ready"
	WorkOrderDelivered    = "delivered"
	WorkOrderCancelled    = "cancelled"
)

const (
	NoteKindFreeText     = "free_text"
	NoteKindPrescription = "prescription"
)

const ExpenseCategoryBankCommission = "bank_commission"

// One point is worth one currency unit when spent as a payment method.
const PointsUnitCents = int64(100)

// Note is a tagged payload: either operator free text or serialized
// prescription data. The kind is explicit so readers never sniff content.
type Note struct {
	Kind    string `json:"kind,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type SaleItem struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	Description        string `json:"description"`
	Qty                int    `json:"qty"`
	UnitPriceCents     int64  `json:"unit_price_cents"`
	CostCents          int64  `json:"cost_cents"`
	ReturnedQty        int    `json:"returned_qty"`
	ProductSKU         string `json:"product_sku,omitempty"`
	RequiresLabService bool   `json:"requires_lab_service"`
}

type Payment struct {
	ID           string    `json:"id"`
	AmountCents  int64     `json:"amount_cents"` // negative for refunds
	Method       string    `json:"method"`
	TerminalID   string    `json:"terminal_id,omitempty"`
	Installments int       `json:"installments,omitempty"`
	ShiftID      string    `json:"shift_id"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Sale struct {
	ID                 string     `json:"id"`
	BranchID           string     `json:"branch_id"`
	PatientID          string     `json:"patient_id"`
	ShiftID            string     `json:"shift_id"`
	CreatedBy          string     `json:"created_by"`
	Items              []SaleItem `json:"items"`
	SubtotalGrossCents int64      `json:"subtotal_gross_cents"`
	DiscountCents      int64      `json:"discount_cents"`
	TotalCents         int64      `json:"total_cents"`
	PaidCents          int64      `json:"paid_cents"`
	BalanceCents       int64      `json:"balance_cents"`
	Payments           []Payment  `json:"payments"`
	PointsAwarded      int64      `json:"points_awarded"`
	Status             string     `json:"status"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	Note               Note       `json:"note,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type WarrantyClaim struct {
	Reason    string    `json:"reason"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type WorkOrder struct {
	ID              string          `json:"id"` // deterministic from (sale, item)
	SaleID          string          `json:"sale_id"`
	SaleItemID      string          `json:"sale_item_id"`
	BranchID        string          `json:"branch_id"`
	Status          string          `json:"status"`
	CostCents       int64           `json:"cost_cents"`
	LabRef          string          `json:"lab_ref,omitempty"`
	Warranty        bool            `json:"warranty"`
	WarrantyHistory []WarrantyClaim `json:"warranty_history,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Shift struct {
	ID               string           `json:"id"`
	BranchID         string           `json:"branch_id"`
	Operator         string           `json:"operator"`
	InitialCashCents int64            `json:"initial_cash_cents"`
	Status           string           `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	Closing          *ClosingSnapshot `json:"closing,omitempty"`
	Notes            string           `json:"notes,omitempty"`
}

// ClosingSnapshot is written once at shift close and never mutated.
type ClosingSnapshot struct {
	SalesByMethod    map[string]int64 `json:"sales_by_method"`
	ExpensesByMethod map[string]int64 `json:"expenses_by_method"`
	Expected         map[string]int64 `json:"expected"`
	Declared         map[string]int64 `json:"declared"`
	Difference       map[string]int64 `json:"difference"`
	TotalDiffCents   int64            `json:"total_diff_cents"`
	Flagged          bool             `json:"flagged"`
}

type LedgerEntry struct {
	ID          string    `json:"id"`
	SaleID      string    `json:"sale_id"`
	AmountCents int64     `json:"amount_cents"` // signed
	Type        string    `json:"type"`
	Method      string    `json:"method"`
	ShiftID     string    `json:"shift_id"`
	User        string    `json:"user"`
	Reference   string    `json:"reference,omitempty"`
	TerminalID  string    `json:"terminal_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Expense struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branch_id"`
	ShiftID     string    `json:"shift_id"`
	Method      string    `json:"method"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	SaleID      string    `json:"sale_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	User       string    `json:"user"`
	Reason     string    `json:"reason,omitempty"`
	PrevState  string    `json:"prev_state,omitempty"` // json snapshot, optional
	CreatedAt  time.Time `json:"created_at"`
}

type Patient struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	PointsBalance int64      `json:"points_balance"`
	ReferredBy    string     `json:"referred_by,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

type Product struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	CostCents int64  `json:"cost_cents"`
	Stock     int    `json:"stock"`
	OnDemand  bool   `json:"on_demand"`
}

type InventoryLog struct {
	ID        string    `json:"id"`
	SKU       string    `json:"sku"`
	DeltaQty  int       `json:"delta_qty"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"` // sale or return id
	User      string    `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LoyaltySettings drives point earning. Rates are percentages keyed by
// payment method, with "global" as the fallback key.
type LoyaltySettings struct {
	Enabled              bool               `json:"enabled"`
	Rates                map[string]float64 `json:"rates"`
	ReferralBonusPercent float64            `json:"referral_bonus_percent"`
}

const LoyaltyRateGlobal = "global"

// TerminalFeeSchedule describes bank commission for one card terminal:
// a flat percentage, optionally overridden per installment plan.
type TerminalFeeSchedule struct {
	TerminalID       string          `json:"terminal_id"`
	FlatPercent      float64         `json:"flat_percent"`
	InstallmentTiers map[int]float64 `json:"installment_tiers,omitempty"`
}

// ---- operation inputs / outputs ----

type PaymentInput struct {
	AmountCents  int64  `json:"amount_cents"`
	Method       string `json:"method"`
	TerminalID   string `json:"terminal_id,omitempty"`
	Installments int    `json:"installments,omitempty"`
	Note         string `json:"note,omitempty"`
}

type SaleItemInput struct {
	Kind               string `json:"kind"`
	Description        string `json:"description"`
	Qty                int    `json:"qty"`
	UnitPriceCents     int64  `json:"unit_price_cents"`
	CostCents          int64  `json:"cost_cents"`
	ProductSKU         string `json:"product_sku,omitempty"`
	RequiresLabService bool   `json:"requires_lab_service"`
}

type CreateSaleInput struct {
	BranchID      string          `json:"branch_id"`
	PatientID     string          `json:"patient_id"`
	Items         []SaleItemInput `json:"items"`
	Payments      []PaymentInput  `json:"payments"`
	DiscountCents int64           `json:"discount_cents"`
	Note          Note            `json:"note,omitempty"`
	CreatedBy     string          `json:"-"`
}

type ReturnInput struct {
	SaleID       string `json:"sale_id"`
	ItemID       string `json:"item_id,omitempty"` // defaults to first unreturned item
	Qty          int    `json:"qty"`
	RefundMethod string `json:"refund_method"`
	Restock      bool   `json:"restock"`
	User         string `json:"-"`
}

type ReturnResult struct {
	Sale              *Sale  `json:"sale"`
	GrossRefundCents  int64  `json:"gross_refund_cents"`
	RecaptureCents    int64  `json:"discount_recapture_cents"`
	NetRefundCents    int64  `json:"net_refund_cents"`
	PointsRevoked     int64  `json:"points_revoked"`
	RestockSKU        string `json:"-"` // set when the returned item tracks inventory
	RestockQty        int    `json:"-"`
	CancelWorkOrderID string `json:"-"` // set when the item is fully returned
	StockWarning      string `json:"stock_warning,omitempty"`
}

type ShiftOpenRequest struct {
	BranchID         string `json:"branch_id"`
	Operator         string `json:"operator"`
	InitialCashCents int64  `json:"initial_cash_cents"`
}

type ShiftCloseRequest struct {
	ShiftID          string           `json:"shift_id"`
	DeclaredByMethod map[string]int64 `json:"declared_by_method"`
	Notes            string           `json:"notes"`
}

type LedgerStats struct {
	ByType   map[string]int64 `json:"by_type"`
	ByMethod map[string]int64 `json:"by_method"`
	NetCents int64            `json:"net_cents"`
	Entries  int64            `json:"entries"`
}

type IncomeReport struct {
	BranchID     string           `json:"branch_id"`
	From         string           `json:"from"`
	To           string           `json:"to"`
	Sales        int64            `json:"sales"`
	RevenueCents int64            `json:"revenue_cents"`
	CostCents    int64            `json:"cost_cents"`
	MarginCents  int64            `json:"margin_cents"`
	ByMethod     map[string]int64 `json:"by_method"`
}

// ---- auth ----

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
