package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"optiledger/backend/internal/audit"
	"optiledger/backend/internal/cache"
	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var ErrForbidden = errors.New("admin role required")

type Service struct {
	repo          store.Repository
	auditor       *audit.Recorder
	settings      cache.SettingsCache
	logger        *zap.Logger
	settingsTTL   time.Duration
	defaultBranch string
}

func New(repo store.Repository, auditor *audit.Recorder, settings cache.SettingsCache,
	logger *zap.Logger, settingsTTL time.Duration, defaultBranch string) *Service {

	if settings == nil {
		settings = cache.NoopSettingsCache{}
	}
	if defaultBranch == "" {
		defaultBranch = "centro"
	}
	return &Service{
		repo:          repo,
		auditor:       auditor,
		settings:      settings,
		logger:        logger,
		settingsTTL:   settingsTTL,
		defaultBranch: defaultBranch,
	}
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system"}
	}
	return actor
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) record(action, entityType, entityID, user, reason string, prev any) {
	if s.auditor == nil {
		return
	}
	entry := domain.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		User:       user,
		Reason:     reason,
	}
	if prev != nil {
		if snapshot, err := json.Marshal(prev); err == nil {
			entry.PrevState = string(snapshot)
		}
	}
	s.auditor.Record(entry)
}

// ---- sales ----

func (s *Service) CreateSale(ctx context.Context, in domain.CreateSaleInput) (*domain.Sale, error) {
	actor := s.actor(ctx)
	in.CreatedBy = actor.Username
	if in.BranchID == "" {
		in.BranchID = s.defaultBranch
	}
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		return nil, fmt.Errorf("%w: patient is required", store.ErrInvalidInput)
	}
	if in.Note.Payload != "" && in.Note.Kind == "" {
		in.Note.Kind = domain.NoteKindFreeText
	}

	sale, err := s.repo.CreateSale(ctx, in)
	if err != nil {
		return nil, err
	}
	s.record("sale.create", "sale", sale.ID, actor.Username, "", nil)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, branchID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	if branchID == "" {
		branchID = s.defaultBranch
	}
	return s.repo.ListSales(ctx, branchID, from, to, limit)
}

func (s *Service) AddPayment(ctx context.Context, saleID string, in domain.PaymentInput) (*domain.Sale, error) {
	actor := s.actor(ctx)
	sale, err := s.repo.AddPayment(ctx, saleID, in, actor.Username)
	if err != nil {
		return nil, err
	}
	s.record("payment.add", "sale", saleID, actor.Username, "", nil)
	return sale, nil
}

// DeletePayment is an admin correction: it removes a recorded payment and
// reverses its side effects. The prior sale state goes to the audit trail.
func (s *Service) DeletePayment(ctx context.Context, saleID, paymentID, reason string) (*domain.Sale, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.DeletePayment(ctx, saleID, paymentID, actor.Username)
	if err != nil {
		return nil, err
	}
	s.record("payment.delete", "sale", saleID, actor.Username, reason, prev)
	return sale, nil
}

func (s *Service) UpdatePaymentMethod(ctx context.Context, saleID, paymentID, newMethod string) (*domain.Sale, error) {
	actor := s.actor(ctx)
	sale, err := s.repo.UpdatePaymentMethod(ctx, saleID, paymentID, newMethod, actor.Username)
	if err != nil {
		return nil, err
	}
	s.record("payment.reclassify", "sale", saleID, actor.Username, "method changed to "+newMethod, nil)
	return sale, nil
}

// ProcessReturn commits the financial side of a return, then applies restock
// and lab-order cancellation as separate best-effort steps. A failure in
// either step surfaces as a warning on the result, never as an error: the
// money already moved and must not be silently re-run.
func (s *Service) ProcessReturn(ctx context.Context, in domain.ReturnInput) (*domain.ReturnResult, error) {
	actor := s.actor(ctx)
	in.User = actor.Username

	result, err := s.repo.ProcessReturn(ctx, in)
	if err != nil {
		return nil, err
	}

	if result.RestockSKU != "" {
		if err := s.repo.RestockProduct(ctx, result.RestockSKU, result.RestockQty, in.SaleID, actor.Username); err != nil {
			result.StockWarning = fmt.Sprintf("refund committed but restock of %s failed: %v", result.RestockSKU, err)
			s.logger.Warn("restock after return failed",
				zap.String("sale_id", in.SaleID),
				zap.String("sku", result.RestockSKU),
				zap.Error(err))
		}
	}
	if result.CancelWorkOrderID != "" {
		if _, err := s.repo.CancelWorkOrder(ctx, result.CancelWorkOrderID, "item returned", time.Now().UTC()); err != nil &&
			!errors.Is(err, store.ErrInvalidInput) {
			s.logger.Warn("work order cancel after return failed",
				zap.String("sale_id", in.SaleID),
				zap.String("work_order_id", result.CancelWorkOrderID),
				zap.Error(err))
		}
	}

	s.record("return.process", "sale", in.SaleID, actor.Username, "", nil)
	return result, nil
}

func (s *Service) VoidSale(ctx context.Context, saleID, reason string) (*domain.Sale, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: void reason is required", store.ErrInvalidInput)
	}
	prev, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.VoidSale(ctx, saleID, reason, actor.Username)
	if err != nil {
		return nil, err
	}
	s.record("sale.void", "sale", saleID, actor.Username, reason, prev)
	return sale, nil
}

// ---- inventory & patients ----

func (s *Service) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, sku)
}

func (s *Service) ListInventoryLogs(ctx context.Context, sku string, limit int) ([]domain.InventoryLog, error) {
	return s.repo.ListInventoryLogs(ctx, sku, limit)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

// ---- shifts ----

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.Shift, error) {
	actor := s.actor(ctx)
	if req.BranchID == "" {
		req.BranchID = s.defaultBranch
	}
	shift, err := s.repo.OpenShift(ctx, domain.Shift{
		BranchID:         req.BranchID,
		Operator:         actor.Username,
		InitialCashCents: req.InitialCashCents,
	})
	if err != nil {
		return nil, err
	}
	s.record("shift.open", "shift", shift.ID, actor.Username, "", nil)
	return shift, nil
}

func (s *Service) GetActiveShift(ctx context.Context, branchID string) (*domain.Shift, error) {
	if branchID == "" {
		branchID = s.defaultBranch
	}
	return s.repo.GetActiveShift(ctx, branchID)
}

func (s *Service) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return s.repo.GetShift(ctx, id)
}

func (s *Service) StartShiftClose(ctx context.Context, shiftID string) (*domain.Shift, error) {
	actor := s.actor(ctx)
	shift, err := s.repo.StartShiftClose(ctx, shiftID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.record("shift.preclose", "shift", shiftID, actor.Username, "", nil)
	return shift, nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (*domain.Shift, error) {
	actor := s.actor(ctx)
	shift, err := s.repo.CloseShift(ctx, req.ShiftID, req.DeclaredByMethod, req.Notes, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if shift.Closing != nil && shift.Closing.Flagged {
		s.logger.Warn("shift closed with flagged difference",
			zap.String("shift_id", shift.ID),
			zap.String("branch_id", shift.BranchID),
			zap.Int64("total_diff_cents", shift.Closing.TotalDiffCents))
	}
	s.record("shift.close", "shift", shift.ID, actor.Username, req.Notes, shift.Closing)
	return shift, nil
}

// ---- work orders ----

func (s *Service) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	return s.repo.GetWorkOrder(ctx, id)
}

func (s *Service) ListWorkOrders(ctx context.Context, saleID string) ([]domain.WorkOrder, error) {
	return s.repo.ListWorkOrders(ctx, saleID)
}

func (s *Service) AdvanceWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	actor := s.actor(ctx)
	wo, err := s.repo.AdvanceWorkOrder(ctx, id, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.record("workorder.advance", "work_order", id, actor.Username, "now "+wo.Status, nil)
	return wo, nil
}

func (s *Service) CancelWorkOrder(ctx context.Context, id, reason string) (*domain.WorkOrder, error) {
	actor := s.actor(ctx)
	wo, err := s.repo.CancelWorkOrder(ctx, id, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.record("workorder.cancel", "work_order", id, actor.Username, reason, nil)
	return wo, nil
}

func (s *Service) ReopenWorkOrderWarranty(ctx context.Context, id, reason string) (*domain.WorkOrder, error) {
	actor := s.actor(ctx)
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: warranty reason is required", store.ErrInvalidInput)
	}
	wo, err := s.repo.ReopenWorkOrderWarranty(ctx, id, reason, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.record("workorder.warranty", "work_order", id, actor.Username, reason, nil)
	return wo, nil
}

// ---- ledger, reports, audit ----

func (s *Service) ListLedgerEntries(ctx context.Context, from, to time.Time, saleID string, limit int) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, from, to, saleID, limit)
}

func (s *Service) LedgerStats(ctx context.Context, from, to time.Time) (domain.LedgerStats, error) {
	return s.repo.LedgerStats(ctx, from, to)
}

func (s *Service) IncomeReport(ctx context.Context, branchID string, from, to time.Time) (domain.IncomeReport, error) {
	if branchID == "" {
		branchID = s.defaultBranch
	}
	return s.repo.IncomeReport(ctx, branchID, from, to)
}

func (s *Service) ListAuditEntries(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditEntry, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListAuditEntries(ctx, from, to, limit)
}

// ---- settings (reads go through the cache, writes do not exist here) ----

func (s *Service) LoyaltySettings(ctx context.Context) (domain.LoyaltySettings, error) {
	if cached, ok, err := s.settings.GetLoyalty(ctx); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger.Warn("loyalty settings cache read failed", zap.Error(err))
	}

	settings, err := s.repo.GetLoyaltySettings(ctx)
	if err != nil {
		return domain.LoyaltySettings{}, err
	}
	if err := s.settings.SetLoyalty(ctx, &settings, s.settingsTTL); err != nil {
		s.logger.Warn("loyalty settings cache write failed", zap.Error(err))
	}
	return settings, nil
}

func (s *Service) FeeSchedules(ctx context.Context) (map[string]domain.TerminalFeeSchedule, error) {
	if cached, ok, err := s.settings.GetFees(ctx); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Warn("fee schedule cache read failed", zap.Error(err))
	}

	fees, err := s.repo.GetFeeSchedules(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.settings.SetFees(ctx, fees, s.settingsTTL); err != nil {
		s.logger.Warn("fee schedule cache write failed", zap.Error(err))
	}
	return fees, nil
}
