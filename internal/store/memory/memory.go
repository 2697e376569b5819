// Package memory is the in-memory Repository used for dev mode and tests.
// Every mutating method takes the write lock for its whole body, which gives
// the same all-or-nothing semantics the SQL store gets from transactions.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/engine"
	"optiledger/backend/internal/store"
	"optiledger/backend/internal/workorder"
	"optiledger/backend/internal/xid"
)

type Store struct {
	mu                  sync.RWMutex
	salesByID           map[string]domain.Sale
	workOrdersByID      map[string]domain.WorkOrder
	patientsByID        map[string]domain.Patient
	productsBySKU       map[string]domain.Product
	inventoryLogs       []domain.InventoryLog
	shiftsByID          map[string]domain.Shift
	activeShiftByBranch map[string]string
	ledger              []domain.LedgerEntry
	expenses            []domain.Expense
	auditEntries        []domain.AuditEntry
	usersByUsername     map[string]domain.UserAccount
	loyalty             domain.LoyaltySettings
	fees                map[string]domain.TerminalFeeSchedule
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; unset variables fall
// back to hardcoded dev defaults with a warning. Production deployments use
// PostgreSQL and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{SKU: "FRAME-AC-210", Name: "Acetate frame, tortoise", CostCents: 280_00, Stock: 8},
		{SKU: "FRAME-TI-055", Name: "Titanium rimless frame", CostCents: 650_00, Stock: 3},
		{SKU: "SUN-POL-118", Name: "Polarized sunglasses", CostCents: 420_00, Stock: 12},
		{SKU: "SOL-CLEAN-60", Name: "Lens cleaner 60ml", CostCents: 18_00, Stock: 40},
		{SKU: "CASE-HARD-01", Name: "Hard shell case", CostCents: 25_00, Stock: 30},
		{SKU: "LENS-PROG-VX", Name: "Progressive lens blank", CostCents: 900_00, OnDemand: true},
		{SKU: "LENS-SV-156", Name: "Single vision 1.56 blank", CostCents: 120_00, OnDemand: true},
		{SKU: "CONT-MON-30", Name: "Monthly contact lenses", CostCents: 150_00, Stock: 20},
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.SKU] = p
	}

	patients := []domain.Patient{
		{ID: "pat-ana", Name: "Ana Robles", PointsBalance: 120},
		{ID: "pat-marco", Name: "Marco Duarte", PointsBalance: 0, ReferredBy: "pat-ana"},
		{ID: "pat-sole", Name: "Soledad Ferreyra", PointsBalance: 35},
	}
	patientMap := make(map[string]domain.Patient, len(patients))
	for _, p := range patients {
		patientMap[p.ID] = p
	}

	return &Store{
		salesByID:           map[string]domain.Sale{},
		workOrdersByID:      map[string]domain.WorkOrder{},
		patientsByID:        patientMap,
		productsBySKU:       productMap,
		shiftsByID:          map[string]domain.Shift{},
		activeShiftByBranch: map[string]string{},
		usersByUsername:     seedUsers(),
		loyalty: domain.LoyaltySettings{
			Enabled: true,
			Rates: map[string]float64{
				domain.LoyaltyRateGlobal: 5,
				domain.PaymentMethodCard: 3,
			},
			ReferralBonusPercent: 2,
		},
		fees: map[string]domain.TerminalFeeSchedule{
			"term-posnet-1": {
				TerminalID:       "term-posnet-1",
				FlatPercent:      1.8,
				InstallmentTiers: map[int]float64{3: 4.5, 6: 7.2, 12: 12.5},
			},
			"term-lapos-2": {
				TerminalID:  "term-lapos-2",
				FlatPercent: 2.1,
			},
		},
	}
}

// ---- engine context assembly (callers hold at least the read lock) ----

func (s *Store) engineContext(branchID, patientID, user string, now time.Time) (engine.Context, error) {
	ec := engine.Context{
		Products: s.productsBySKU,
		Loyalty:  s.loyalty,
		Fees:     s.fees,
		Now:      now,
		User:     user,
	}

	shiftID, ok := s.activeShiftByBranch[branchID]
	if !ok {
		return engine.Context{}, store.ErrNoOpenShift
	}
	ec.Shift = s.shiftsByID[shiftID]

	if patientID != "" {
		patient, exists := s.patientsByID[patientID]
		if !exists {
			return engine.Context{}, store.ErrPatientNotFound
		}
		ec.Patient = patient
		if patient.ReferredBy != "" {
			if ref, exists := s.patientsByID[patient.ReferredBy]; exists && ref.DeletedAt == nil {
				refCopy := ref
				ec.Referrer = &refCopy
			}
		}
	}
	return ec, nil
}

func (s *Store) applyCommit(commit engine.SaleCommit, ec engine.Context) {
	for _, d := range commit.StockDeltas {
		p := s.productsBySKU[d.SKU]
		p.Stock += d.Qty
		s.productsBySKU[d.SKU] = p
	}
	s.inventoryLogs = append(s.inventoryLogs, commit.InventoryLogs...)

	if commit.PatientPointsDelta != 0 {
		p := s.patientsByID[commit.Sale.PatientID]
		p.PointsBalance += commit.PatientPointsDelta
		s.patientsByID[commit.Sale.PatientID] = p
	}
	if commit.ReferrerPointsDelta != 0 && ec.Referrer != nil {
		r := s.patientsByID[ec.Referrer.ID]
		r.PointsBalance += commit.ReferrerPointsDelta
		s.patientsByID[ec.Referrer.ID] = r
	}

	for _, wo := range commit.WorkOrders {
		s.workOrdersByID[wo.ID] = wo
	}
	for _, id := range commit.CancelWorkOrderIDs {
		wo, ok := s.workOrdersByID[id]
		if !ok || !workorder.CanCancel(wo.Status) {
			continue
		}
		wo.Status = domain.WorkOrderCancelled
		wo.CancelReason = commit.Sale.CancelReason
		wo.UpdatedAt = ec.Now
		s.workOrdersByID[id] = wo
	}

	s.ledger = append(s.ledger, commit.Ledger...)
	s.expenses = append(s.expenses, commit.Expenses...)
	s.salesByID[commit.Sale.ID] = cloneSale(commit.Sale)
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Items = slices.Clone(sale.Items)
	out.Payments = slices.Clone(sale.Payments)
	return out
}

// ---- sale lifecycle ----

func (s *Store) CreateSale(_ context.Context, in domain.CreateSaleInput) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ec, err := s.engineContext(in.BranchID, in.PatientID, in.CreatedBy, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, err := engine.BuildSale(in, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	created := cloneSale(commit.Sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, branchID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.Sale{}
	for _, sale := range s.salesByID {
		if branchID != "" && sale.BranchID != branchID {
			continue
		}
		if !inRange(sale.CreatedAt, from, to) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AddPayment(_ context.Context, saleID string, in domain.PaymentInput, user string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ec, err := s.engineContext(sale.BranchID, sale.PatientID, user, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, err := engine.ApplyPayment(cloneSale(sale), in, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	updated := cloneSale(commit.Sale)
	return &updated, nil
}

func (s *Store) DeletePayment(_ context.Context, saleID, paymentID, user string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ec, err := s.engineContext(sale.BranchID, sale.PatientID, user, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, err := engine.RemovePayment(cloneSale(sale), paymentID, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	updated := cloneSale(commit.Sale)
	return &updated, nil
}

func (s *Store) UpdatePaymentMethod(_ context.Context, saleID, paymentID, newMethod, user string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ec, err := s.engineContext(sale.BranchID, sale.PatientID, user, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, err := engine.ReclassifyPayment(cloneSale(sale), paymentID, newMethod, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	updated := cloneSale(commit.Sale)
	return &updated, nil
}

func (s *Store) ProcessReturn(_ context.Context, in domain.ReturnInput) (*domain.ReturnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[in.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ec, err := s.engineContext(sale.BranchID, sale.PatientID, in.User, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, result, err := engine.BuildReturn(cloneSale(sale), in, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	updated := cloneSale(commit.Sale)
	result.Sale = &updated
	return &result, nil
}

func (s *Store) VoidSale(_ context.Context, saleID, reason, user string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ec, err := s.engineContext(sale.BranchID, sale.PatientID, user, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	commit, err := engine.BuildVoid(cloneSale(sale), reason, ec)
	if err != nil {
		return nil, err
	}
	s.applyCommit(commit, ec)
	updated := cloneSale(commit.Sale)
	return &updated, nil
}

// ---- inventory ----

func (s *Store) RestockProduct(_ context.Context, sku string, qty int, reference, user string) error {
	if sku == "" || qty < 1 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.productsBySKU[sku]
	if !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
	}
	if !product.OnDemand {
		product.Stock += qty
		s.productsBySKU[sku] = product
	}
	s.inventoryLogs = append(s.inventoryLogs, domain.InventoryLog{
		ID:        xid.New("invlog"),
		SKU:       sku,
		DeltaQty:  qty,
		Reason:    "return",
		Reference: reference,
		User:      user,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) GetProduct(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.productsBySKU[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := product
	return &out, nil
}

func (s *Store) ListInventoryLogs(_ context.Context, sku string, limit int) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.InventoryLog{}
	for _, entry := range s.inventoryLogs {
		if sku != "" && entry.SKU != sku {
			continue
		}
		result = append(result, entry)
	}
	slices.Reverse(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ---- patients ----

func (s *Store) GetPatient(_ context.Context, id string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, ok := s.patientsByID[id]
	if !ok {
		return nil, store.ErrPatientNotFound
	}
	out := patient
	return &out, nil
}

// ---- shifts ----

func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.BranchID == "" || shift.Operator == "" || shift.InitialCashCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Conditional create: the branch slot must be free, checked and taken
	// under the same lock.
	if existingID, ok := s.activeShiftByBranch[shift.BranchID]; ok {
		existing := s.shiftsByID[existingID]
		if existing.Status != domain.ShiftStatusClosed {
			return nil, store.ErrShiftAlreadyOpen
		}
	}

	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	s.shiftsByID[shift.ID] = shift
	s.activeShiftByBranch[shift.BranchID] = shift.ID
	created := shift
	return &created, nil
}

func (s *Store) GetActiveShift(_ context.Context, branchID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeShiftByBranch[branchID]
	if !ok {
		return nil, store.ErrNoOpenShift
	}
	shift := s.shiftsByID[id]
	if shift.Status == domain.ShiftStatusClosed {
		return nil, store.ErrNoOpenShift
	}
	out := shift
	return &out, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := shift
	return &out, nil
}

func (s *Store) StartShiftClose(_ context.Context, shiftID string, at time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: shift is %s", store.ErrInvalidInput, shift.Status)
	}
	shift.Status = domain.ShiftStatusPreClose
	s.shiftsByID[shiftID] = shift

	// Returned copy carries the expected-by-method preview for the count
	// screen; the stored shift stays without a snapshot until close.
	out := shift
	preview := engine.PreviewClosing(shift, s.ledger, s.expenses)
	out.Closing = &preview
	return &out, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, declared map[string]int64, notes, user string, at time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	snap, err := engine.BuildClosing(shift, s.ledger, s.expenses, declared)
	if err != nil {
		return nil, err
	}

	closedAt := at
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt
	shift.Closing = &snap
	shift.Notes = notes
	s.shiftsByID[shiftID] = shift
	if s.activeShiftByBranch[shift.BranchID] == shiftID {
		delete(s.activeShiftByBranch, shift.BranchID)
	}
	out := shift
	return &out, nil
}

// ---- work orders ----

func (s *Store) GetWorkOrder(_ context.Context, id string) (*domain.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wo, ok := s.workOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := wo
	out.WarrantyHistory = slices.Clone(wo.WarrantyHistory)
	return &out, nil
}

func (s *Store) ListWorkOrders(_ context.Context, saleID string) ([]domain.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.WorkOrder{}
	for _, wo := range s.workOrdersByID {
		if saleID != "" && wo.SaleID != saleID {
			continue
		}
		out := wo
		out.WarrantyHistory = slices.Clone(wo.WarrantyHistory)
		result = append(result, out)
	}
	slices.SortFunc(result, func(a, b domain.WorkOrder) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) AdvanceWorkOrder(_ context.Context, id, user string, at time.Time) (*domain.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.workOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := workorder.Next(wo.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	wo.Status = next
	wo.UpdatedAt = at
	s.workOrdersByID[id] = wo
	out := wo
	return &out, nil
}

func (s *Store) CancelWorkOrder(_ context.Context, id, reason string, at time.Time) (*domain.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.workOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !workorder.CanCancel(wo.Status) {
		return nil, fmt.Errorf("%w: work order is %s", store.ErrInvalidInput, wo.Status)
	}
	wo.Status = domain.WorkOrderCancelled
	wo.CancelReason = reason
	wo.UpdatedAt = at
	s.workOrdersByID[id] = wo
	out := wo
	return &out, nil
}

func (s *Store) ReopenWorkOrderWarranty(_ context.Context, id, reason, user string, at time.Time) (*domain.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.workOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := workorder.ReopenForWarranty(&wo, reason, user, at); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	s.workOrdersByID[id] = wo
	out := wo
	out.WarrantyHistory = slices.Clone(wo.WarrantyHistory)
	return &out, nil
}

// ---- ledger & reports ----

func (s *Store) ListLedgerEntries(_ context.Context, from, to time.Time, saleID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.LedgerEntry{}
	for _, e := range s.ledger {
		if saleID != "" && e.SaleID != saleID {
			continue
		}
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		result = append(result, e)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *Store) LedgerStats(_ context.Context, from, to time.Time) (domain.LedgerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.LedgerStats{ByType: map[string]int64{}, ByMethod: map[string]int64{}}
	for _, e := range s.ledger {
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		stats.ByType[e.Type] += e.AmountCents
		stats.ByMethod[e.Method] += e.AmountCents
		stats.NetCents += e.AmountCents
		stats.Entries++
	}
	return stats, nil
}

func (s *Store) IncomeReport(_ context.Context, branchID string, from, to time.Time) (domain.IncomeReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.IncomeReport{
		BranchID: branchID,
		From:     from.Format(time.RFC3339),
		To:       to.Format(time.RFC3339),
		ByMethod: map[string]int64{},
	}
	for _, sale := range s.salesByID {
		if branchID != "" && sale.BranchID != branchID {
			continue
		}
		if !inRange(sale.CreatedAt, from, to) {
			continue
		}
		if sale.Status == domain.SaleStatusCancelled {
			continue
		}
		report.Sales++
		report.RevenueCents += sale.TotalCents
		for _, item := range sale.Items {
			report.CostCents += int64(item.Qty-item.ReturnedQty) * item.CostCents
		}
		for _, p := range sale.Payments {
			report.ByMethod[p.Method] += p.AmountCents
		}
	}
	report.MarginCents = report.RevenueCents - report.CostCents
	return report, nil
}

// ---- settings ----

func (s *Store) GetLoyaltySettings(_ context.Context) (domain.LoyaltySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.loyalty
	out.Rates = make(map[string]float64, len(s.loyalty.Rates))
	for k, v := range s.loyalty.Rates {
		out.Rates[k] = v
	}
	return out, nil
}

func (s *Store) GetFeeSchedules(_ context.Context) (map[string]domain.TerminalFeeSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.TerminalFeeSchedule, len(s.fees))
	for k, v := range s.fees {
		out[k] = v
	}
	return out, nil
}

// ---- audit trail ----

func (s *Store) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditEntries = append(s.auditEntries, entry)
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, from, to time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.AuditEntry{}
	for _, e := range s.auditEntries {
		if !inRange(e.CreatedAt, from, to) {
			continue
		}
		result = append(result, e)
	}
	slices.Reverse(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ---- auth accounts ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		result = append(result, u)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, password string) error {
	if password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
