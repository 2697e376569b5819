// Package postgres is the production Repository. Mutating methods run as one
// serializable transaction: every referenced record is re-read inside it, the
// mutation set is recomputed from those reads, and the whole body is retried
// a bounded number of times when the database reports a write conflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/engine"
	"optiledger/backend/internal/metrics"
	"optiledger/backend/internal/store"
	"optiledger/backend/internal/workorder"
	"optiledger/backend/internal/xid"
)

const maxTxAttempts = 5

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withSerializable runs fn inside a serializable transaction, retrying the
// whole body on serialization failures with a short backoff. Exhausted
// retries surface as store.ErrConflict.
func (s *Store) withSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for attempt := 1; ; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			_ = tx.Rollback()
		}
		if !isSerializationFailure(err) {
			return err
		}
		if attempt >= maxTxAttempts {
			metrics.TxConflicts.Inc()
			return store.ErrConflict
		}
		metrics.TxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 15 * time.Millisecond):
		}
	}
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// ---- transactional reads ----

func loadSale(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Sale, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var sale domain.Sale
	var cancelReason, noteKind, notePayload sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, branch_id, patient_id, shift_id, created_by,
		       subtotal_gross_cents, discount_cents, total_cents, paid_cents, balance_cents,
		       points_awarded, status, cancel_reason, note_kind, note_payload, created_at, updated_at
		FROM sales
		WHERE id = $1`+lock+`
	`, id).Scan(&sale.ID, &sale.BranchID, &sale.PatientID, &sale.ShiftID, &sale.CreatedBy,
		&sale.SubtotalGrossCents, &sale.DiscountCents, &sale.TotalCents, &sale.PaidCents, &sale.BalanceCents,
		&sale.PointsAwarded, &sale.Status, &cancelReason, &noteKind, &notePayload, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CancelReason = cancelReason.String
	sale.Note = domain.Note{Kind: noteKind.String, Payload: notePayload.String}

	itemRows, err := q.QueryContext(ctx, `
		SELECT id, kind, description, qty, unit_price_cents, cost_cents, returned_qty, product_sku, requires_lab
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var item domain.SaleItem
		var sku sql.NullString
		if err := itemRows.Scan(&item.ID, &item.Kind, &item.Description, &item.Qty, &item.UnitPriceCents,
			&item.CostCents, &item.ReturnedQty, &sku, &item.RequiresLabService); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		item.ProductSKU = sku.String
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	payRows, err := q.QueryContext(ctx, `
		SELECT id, amount_cents, method, terminal_id, installments, shift_id, note, created_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var p domain.Payment
		var terminalID, note sql.NullString
		if err := payRows.Scan(&p.ID, &p.AmountCents, &p.Method, &terminalID, &p.Installments,
			&p.ShiftID, &note, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.TerminalID = terminalID.String
		p.Note = note.String
		sale.Payments = append(sale.Payments, p)
	}
	if err := payRows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func loadPatient(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Patient, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var p domain.Patient
	var referredBy sql.NullString
	var deletedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, name, points_balance, referred_by, deleted_at
		FROM patients
		WHERE id = $1`+lock+`
	`, id).Scan(&p.ID, &p.Name, &p.PointsBalance, &referredBy, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPatientNotFound
		}
		return nil, err
	}
	p.ReferredBy = referredBy.String
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		p.DeletedAt = &t
	}
	return &p, nil
}

func loadShift(ctx context.Context, q querier, where string, arg any, forUpdate bool) (*domain.Shift, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	var shift domain.Shift
	var closedAt sql.NullTime
	var closing []byte
	var notes sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, branch_id, operator, initial_cash_cents, status, opened_at, closed_at, closing, notes
		FROM shifts
		WHERE `+where+lock+`
	`, arg).Scan(&shift.ID, &shift.BranchID, &shift.Operator, &shift.InitialCashCents, &shift.Status,
		&shift.OpenedAt, &closedAt, &closing, &notes)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		shift.ClosedAt = &t
	}
	if len(closing) > 0 {
		var snap domain.ClosingSnapshot
		if err := json.Unmarshal(closing, &snap); err != nil {
			return nil, err
		}
		shift.Closing = &snap
	}
	shift.Notes = notes.String
	return &shift, nil
}

func loadProducts(ctx context.Context, q querier, skus []string, forUpdate bool) (map[string]domain.Product, error) {
	if len(skus) == 0 {
		return map[string]domain.Product{}, nil
	}
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	rows, err := q.QueryContext(ctx, `
		SELECT sku, name, cost_cents, stock, on_demand
		FROM products
		WHERE sku = ANY($1)`+lock+`
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(skus))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.CostCents, &p.Stock, &p.OnDemand); err != nil {
			return nil, err
		}
		products[p.SKU] = p
	}
	return products, rows.Err()
}

func loadLoyalty(ctx context.Context, q querier) (domain.LoyaltySettings, error) {
	var settings domain.LoyaltySettings
	var rates []byte
	err := q.QueryRowContext(ctx, `
		SELECT enabled, rates, referral_bonus_percent
		FROM loyalty_settings
		WHERE singleton = true
	`).Scan(&settings.Enabled, &rates, &settings.ReferralBonusPercent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LoyaltySettings{}, nil
		}
		return domain.LoyaltySettings{}, err
	}
	if len(rates) > 0 {
		if err := json.Unmarshal(rates, &settings.Rates); err != nil {
			return domain.LoyaltySettings{}, err
		}
	}
	return settings, nil
}

func loadFees(ctx context.Context, q querier) (map[string]domain.TerminalFeeSchedule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT terminal_id, flat_percent, installment_tiers
		FROM terminal_fees
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fees := map[string]domain.TerminalFeeSchedule{}
	for rows.Next() {
		var f domain.TerminalFeeSchedule
		var tiers []byte
		if err := rows.Scan(&f.TerminalID, &f.FlatPercent, &tiers); err != nil {
			return nil, err
		}
		if len(tiers) > 0 {
			if err := json.Unmarshal(tiers, &f.InstallmentTiers); err != nil {
				return nil, err
			}
		}
		fees[f.TerminalID] = f
	}
	return fees, rows.Err()
}

// engineContext assembles the engine's read snapshot inside the transaction.
// Rows that the commit will write back are locked here.
func engineContext(ctx context.Context, tx *sql.Tx, branchID, patientID, user string, skus []string) (engine.Context, error) {
	ec := engine.Context{Now: time.Now().UTC(), User: user}

	shift, err := loadShift(ctx, tx, `branch_id = $1 AND status <> 'closed'`, branchID, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return engine.Context{}, store.ErrNoOpenShift
		}
		return engine.Context{}, err
	}
	ec.Shift = *shift

	if patientID != "" {
		patient, err := loadPatient(ctx, tx, patientID, true)
		if err != nil {
			return engine.Context{}, err
		}
		ec.Patient = *patient
		if patient.ReferredBy != "" {
			referrer, err := loadPatient(ctx, tx, patient.ReferredBy, true)
			if err == nil && referrer.DeletedAt == nil {
				ec.Referrer = referrer
			} else if err != nil && !errors.Is(err, store.ErrPatientNotFound) {
				return engine.Context{}, err
			}
		}
	}

	ec.Products, err = loadProducts(ctx, tx, skus, true)
	if err != nil {
		return engine.Context{}, err
	}
	ec.Loyalty, err = loadLoyalty(ctx, tx)
	if err != nil {
		return engine.Context{}, err
	}
	ec.Fees, err = loadFees(ctx, tx)
	if err != nil {
		return engine.Context{}, err
	}
	return ec, nil
}

// ---- transactional writes ----

func saveSale(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, branch_id, patient_id, shift_id, created_by,
			subtotal_gross_cents, discount_cents, total_cents, paid_cents, balance_cents,
			points_awarded, status, cancel_reason, note_kind, note_payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			subtotal_gross_cents = EXCLUDED.subtotal_gross_cents,
			discount_cents = EXCLUDED.discount_cents,
			total_cents = EXCLUDED.total_cents,
			paid_cents = EXCLUDED.paid_cents,
			balance_cents = EXCLUDED.balance_cents,
			points_awarded = EXCLUDED.points_awarded,
			status = EXCLUDED.status,
			cancel_reason = EXCLUDED.cancel_reason,
			updated_at = EXCLUDED.updated_at
	`, sale.ID, sale.BranchID, sale.PatientID, sale.ShiftID, sale.CreatedBy,
		sale.SubtotalGrossCents, sale.DiscountCents, sale.TotalCents, sale.PaidCents, sale.BalanceCents,
		sale.PointsAwarded, sale.Status, nullString(sale.CancelReason),
		nullString(sale.Note.Kind), nullString(sale.Note.Payload), sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return err
	}

	// Items and payments are rewritten wholesale; the engine hands back the
	// full post-mutation sale and the row counts stay tiny.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID); err != nil {
		return err
	}
	for i, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, kind, description, qty,
				unit_price_cents, cost_cents, returned_qty, product_sku, requires_lab)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, sale.ID, i, item.Kind, item.Description, item.Qty,
			item.UnitPriceCents, item.CostCents, item.ReturnedQty,
			nullString(item.ProductSKU), item.RequiresLabService)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE sale_id = $1`, sale.ID); err != nil {
		return err
	}
	for _, p := range sale.Payments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, sale_id, amount_cents, method, terminal_id, installments, shift_id, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, p.ID, sale.ID, p.AmountCents, p.Method, nullString(p.TerminalID), p.Installments,
			p.ShiftID, nullString(p.Note), p.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func applyCommit(ctx context.Context, tx *sql.Tx, commit engine.SaleCommit, ec engine.Context) error {
	if err := saveSale(ctx, tx, commit.Sale); err != nil {
		return err
	}

	for _, d := range commit.StockDeltas {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1 WHERE sku = $2
		`, d.Qty, d.SKU); err != nil {
			return err
		}
	}
	for _, entry := range commit.InventoryLogs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_logs (id, sku, delta_qty, reason, reference, username, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, entry.ID, entry.SKU, entry.DeltaQty, entry.Reason, nullString(entry.Reference),
			nullString(entry.User), entry.CreatedAt); err != nil {
			return err
		}
	}

	if commit.PatientPointsDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE patients SET points_balance = points_balance + $1 WHERE id = $2
		`, commit.PatientPointsDelta, commit.Sale.PatientID); err != nil {
			return err
		}
	}
	if commit.ReferrerPointsDelta != 0 && ec.Referrer != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE patients SET points_balance = points_balance + $1 WHERE id = $2
		`, commit.ReferrerPointsDelta, ec.Referrer.ID); err != nil {
			return err
		}
	}

	for _, wo := range commit.WorkOrders {
		history, err := json.Marshal(wo.WarrantyHistory)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_orders (id, sale_id, sale_item_id, branch_id, status, cost_cents,
				lab_ref, warranty, warranty_history, cancel_reason, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO NOTHING
		`, wo.ID, wo.SaleID, wo.SaleItemID, wo.BranchID, wo.Status, wo.CostCents,
			nullString(wo.LabRef), wo.Warranty, history, nullString(wo.CancelReason),
			wo.CreatedAt, wo.UpdatedAt); err != nil {
			return err
		}
	}
	for _, id := range commit.CancelWorkOrderIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_orders
			SET status = $2, cancel_reason = $3, updated_at = $4
			WHERE id = $1 AND status NOT IN ('delivered', 'cancelled')
		`, id, domain.WorkOrderCancelled, nullString(commit.Sale.CancelReason), ec.Now); err != nil {
			return err
		}
	}

	for _, e := range commit.Ledger {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, sale_id, amount_cents, entry_type, method, shift_id,
				username, reference, terminal_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, e.ID, e.SaleID, e.AmountCents, e.Type, e.Method, e.ShiftID,
			e.User, nullString(e.Reference), nullString(e.TerminalID), e.CreatedAt); err != nil {
			return err
		}
	}
	for _, e := range commit.Expenses {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO expenses (id, branch_id, shift_id, method, amount_cents, category, sale_id, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, e.ID, e.BranchID, e.ShiftID, e.Method, e.AmountCents, e.Category,
			nullString(e.SaleID), nullString(e.Description), e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func itemSKUs(items []domain.SaleItem) []string {
	seen := map[string]bool{}
	skus := []string{}
	for _, item := range items {
		if item.ProductSKU == "" || seen[item.ProductSKU] {
			continue
		}
		seen[item.ProductSKU] = true
		skus = append(skus, item.ProductSKU)
	}
	return skus
}

// ---- sale lifecycle ----

func (s *Store) CreateSale(ctx context.Context, in domain.CreateSaleInput) (*domain.Sale, error) {
	skus := map[string]bool{}
	list := []string{}
	for _, item := range in.Items {
		if item.ProductSKU != "" && !skus[item.ProductSKU] {
			skus[item.ProductSKU] = true
			list = append(list, item.ProductSKU)
		}
	}

	var created *domain.Sale
	err := s.withSerializable(ctx, func(tx *sql.Tx) error {
		ec, err := engineContext(ctx, tx, in.BranchID, in.PatientID, in.CreatedBy, list)
		if err != nil {
			return err
		}
		commit, err := engine.BuildSale(in, ec)
		if err != nil {
			return err
		}
		if err := applyCommit(ctx, tx, commit, ec); err != nil {
			return err
		}
		created = &commit.Sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SalesCreated.Inc()
	return created, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, id, false)
}

func (s *Store) ListSales(ctx context.Context, branchID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM sales
		WHERE ($1 = '' OR branch_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, branchID, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := loadSale(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) mutateSale(ctx context.Context, saleID, user string,
	build func(sale domain.Sale, ec engine.Context) (engine.SaleCommit, error)) (*domain.Sale, error) {

	var updated *domain.Sale
	err := s.withSerializable(ctx, func(tx *sql.Tx) error {
		sale, err := loadSale(ctx, tx, saleID, true)
		if err != nil {
			return err
		}
		ec, err := engineContext(ctx, tx, sale.BranchID, sale.PatientID, user, itemSKUs(sale.Items))
		if err != nil {
			return err
		}
		commit, err := build(*sale, ec)
		if err != nil {
			return err
		}
		if err := applyCommit(ctx, tx, commit, ec); err != nil {
			return err
		}
		updated = &commit.Sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) AddPayment(ctx context.Context, saleID string, in domain.PaymentInput, user string) (*domain.Sale, error) {
	sale, err := s.mutateSale(ctx, saleID, user, func(sale domain.Sale, ec engine.Context) (engine.SaleCommit, error) {
		return engine.ApplyPayment(sale, in, ec)
	})
	if err != nil {
		return nil, err
	}
	metrics.PaymentsRecorded.Inc()
	return sale, nil
}

func (s *Store) DeletePayment(ctx context.Context, saleID, paymentID, user string) (*domain.Sale, error) {
	return s.mutateSale(ctx, saleID, user, func(sale domain.Sale, ec engine.Context) (engine.SaleCommit, error) {
		return engine.RemovePayment(sale, paymentID, ec)
	})
}

func (s *Store) UpdatePaymentMethod(ctx context.Context, saleID, paymentID, newMethod, user string) (*domain.Sale, error) {
	return s.mutateSale(ctx, saleID, user, func(sale domain.Sale, ec engine.Context) (engine.SaleCommit, error) {
		return engine.ReclassifyPayment(sale, paymentID, newMethod, ec)
	})
}

func (s *Store) ProcessReturn(ctx context.Context, in domain.ReturnInput) (*domain.ReturnResult, error) {
	var result domain.ReturnResult
	err := s.withSerializable(ctx, func(tx *sql.Tx) error {
		sale, err := loadSale(ctx, tx, in.SaleID, true)
		if err != nil {
			return err
		}
		ec, err := engineContext(ctx, tx, sale.BranchID, sale.PatientID, in.User, itemSKUs(sale.Items))
		if err != nil {
			return err
		}
		commit, res, err := engine.BuildReturn(*sale, in, ec)
		if err != nil {
			return err
		}
		if err := applyCommit(ctx, tx, commit, ec); err != nil {
			return err
		}
		res.Sale = &commit.Sale
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReturnsProcessed.Inc()
	return &result, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID, reason, user string) (*domain.Sale, error) {
	return s.mutateSale(ctx, saleID, user, func(sale domain.Sale, ec engine.Context) (engine.SaleCommit, error) {
		return engine.BuildVoid(sale, reason, ec)
	})
}

// ---- inventory ----

func (s *Store) RestockProduct(ctx context.Context, sku string, qty int, reference, user string) error {
	if sku == "" || qty < 1 {
		return store.ErrInvalidInput
	}
	return s.withSerializable(ctx, func(tx *sql.Tx) error {
		var onDemand bool
		err := tx.QueryRowContext(ctx, `
			SELECT on_demand FROM products WHERE sku = $1 FOR UPDATE
		`, sku).Scan(&onDemand)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: product %s", store.ErrNotFound, sku)
			}
			return err
		}
		if !onDemand {
			if _, err := tx.ExecContext(ctx, `
				UPDATE products SET stock = stock + $1 WHERE sku = $2
			`, qty, sku); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_logs (id, sku, delta_qty, reason, reference, username, created_at)
			VALUES ($1,$2,$3,'return',$4,$5,$6)
		`, xid.New("invlog"), sku, qty, nullString(reference), nullString(user), time.Now().UTC())
		return err
	})
}

func (s *Store) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, cost_cents, stock, on_demand
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.Name, &p.CostCents, &p.Stock, &p.OnDemand)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, sku string, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, delta_qty, reason, reference, username, created_at
		FROM inventory_logs
		WHERE ($1 = '' OR sku = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.InventoryLog{}
	for rows.Next() {
		var entry domain.InventoryLog
		var reference, username sql.NullString
		if err := rows.Scan(&entry.ID, &entry.SKU, &entry.DeltaQty, &entry.Reason,
			&reference, &username, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Reference = reference.String
		entry.User = username.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ---- patients ----

func (s *Store) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	return loadPatient(ctx, s.db, id, false)
}

// ---- shifts ----

func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.BranchID == "" || shift.Operator == "" || shift.InitialCashCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen

	// The partial unique index on (branch_id) WHERE status <> 'closed' makes
	// this a single atomic conditional create: no check-then-act window.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, branch_id, operator, initial_cash_cents, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, shift.ID, shift.BranchID, shift.Operator, shift.InitialCashCents, shift.Status, shift.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}
	created := shift
	return &created, nil
}

func (s *Store) GetActiveShift(ctx context.Context, branchID string) (*domain.Shift, error) {
	shift, err := loadShift(ctx, s.db, `branch_id = $1 AND status <> 'closed'`, branchID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoOpenShift
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	shift, err := loadShift(ctx, s.db, `id = $1`, id, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) StartShiftClose(ctx context.Context, shiftID string, at time.Time) (*domain.Shift, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shifts SET status = $2 WHERE id = $1 AND status = $3
	`, shiftID, domain.ShiftStatusPreClose, domain.ShiftStatusOpen)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		shift, err := s.GetShift(ctx, shiftID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: shift is %s", store.ErrInvalidInput, shift.Status)
	}

	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	entries, err := shiftLedger(ctx, s.db, shiftID)
	if err != nil {
		return nil, err
	}
	expenses, err := shiftExpenses(ctx, s.db, shiftID)
	if err != nil {
		return nil, err
	}
	// Preview only; the closing column stays empty until CloseShift.
	preview := engine.PreviewClosing(*shift, entries, expenses)
	shift.Closing = &preview
	return shift, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, declared map[string]int64, notes, user string, at time.Time) (*domain.Shift, error) {
	var closed *domain.Shift
	err := s.withSerializable(ctx, func(tx *sql.Tx) error {
		shift, err := loadShift(ctx, tx, `id = $1`, shiftID, true)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		entries, err := shiftLedger(ctx, tx, shiftID)
		if err != nil {
			return err
		}
		expenses, err := shiftExpenses(ctx, tx, shiftID)
		if err != nil {
			return err
		}
		snap, err := engine.BuildClosing(*shift, entries, expenses, declared)
		if err != nil {
			return err
		}

		closing, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		closedAt := at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE shifts
			SET status = $2, closed_at = $3, closing = $4, notes = $5
			WHERE id = $1
		`, shiftID, domain.ShiftStatusClosed, closedAt, closing, nullString(notes)); err != nil {
			return err
		}

		shift.Status = domain.ShiftStatusClosed
		shift.ClosedAt = &closedAt
		shift.Closing = &snap
		shift.Notes = notes
		closed = shift
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func shiftLedger(ctx context.Context, q querier, shiftID string) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, amount_cents, entry_type, method, shift_id, username, reference, terminal_id, created_at
		FROM ledger_entries
		WHERE shift_id = $1
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedger(rows)
}

func shiftExpenses(ctx context.Context, q querier, shiftID string) ([]domain.Expense, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, branch_id, shift_id, method, amount_cents, category, sale_id, description, created_at
		FROM expenses
		WHERE shift_id = $1
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := []domain.Expense{}
	for rows.Next() {
		var e domain.Expense
		var saleID, description sql.NullString
		if err := rows.Scan(&e.ID, &e.BranchID, &e.ShiftID, &e.Method, &e.AmountCents,
			&e.Category, &saleID, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SaleID = saleID.String
		e.Description = description.String
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ---- work orders ----

func scanWorkOrder(row *sql.Row) (*domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var labRef, cancelReason sql.NullString
	var history []byte
	err := row.Scan(&wo.ID, &wo.SaleID, &wo.SaleItemID, &wo.BranchID, &wo.Status, &wo.CostCents,
		&labRef, &wo.Warranty, &history, &cancelReason, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	wo.LabRef = labRef.String
	wo.CancelReason = cancelReason.String
	if len(history) > 0 {
		if err := json.Unmarshal(history, &wo.WarrantyHistory); err != nil {
			return nil, err
		}
	}
	return &wo, nil
}

const workOrderColumns = `id, sale_id, sale_item_id, branch_id, status, cost_cents,
	lab_ref, warranty, warranty_history, cancel_reason, created_at, updated_at`

func (s *Store) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	return scanWorkOrder(s.db.QueryRowContext(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1
	`, id))
}

func (s *Store) ListWorkOrders(ctx context.Context, saleID string) ([]domain.WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workOrderColumns+`
		FROM work_orders
		WHERE ($1 = '' OR sale_id = $1)
		ORDER BY created_at DESC, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []domain.WorkOrder{}
	for rows.Next() {
		var wo domain.WorkOrder
		var labRef, cancelReason sql.NullString
		var history []byte
		if err := rows.Scan(&wo.ID, &wo.SaleID, &wo.SaleItemID, &wo.BranchID, &wo.Status, &wo.CostCents,
			&labRef, &wo.Warranty, &history, &cancelReason, &wo.CreatedAt, &wo.UpdatedAt); err != nil {
			return nil, err
		}
		wo.LabRef = labRef.String
		wo.CancelReason = cancelReason.String
		if len(history) > 0 {
			if err := json.Unmarshal(history, &wo.WarrantyHistory); err != nil {
				return nil, err
			}
		}
		orders = append(orders, wo)
	}
	return orders, rows.Err()
}

func (s *Store) mutateWorkOrder(ctx context.Context, id string,
	mutate func(wo *domain.WorkOrder) error) (*domain.WorkOrder, error) {

	var updated *domain.WorkOrder
	err := s.withSerializable(ctx, func(tx *sql.Tx) error {
		wo, err := scanWorkOrder(tx.QueryRowContext(ctx, `
			SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1 FOR UPDATE
		`, id))
		if err != nil {
			return err
		}
		if err := mutate(wo); err != nil {
			return err
		}
		history, err := json.Marshal(wo.WarrantyHistory)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_orders
			SET status = $2, lab_ref = $3, warranty = $4, warranty_history = $5,
				cancel_reason = $6, updated_at = $7
			WHERE id = $1
		`, wo.ID, wo.Status, nullString(wo.LabRef), wo.Warranty, history,
			nullString(wo.CancelReason), wo.UpdatedAt); err != nil {
			return err
		}
		updated = wo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) AdvanceWorkOrder(ctx context.Context, id, user string, at time.Time) (*domain.WorkOrder, error) {
	return s.mutateWorkOrder(ctx, id, func(wo *domain.WorkOrder) error {
		next, err := workorder.Next(wo.Status)
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		wo.Status = next
		wo.UpdatedAt = at
		return nil
	})
}

func (s *Store) CancelWorkOrder(ctx context.Context, id, reason string, at time.Time) (*domain.WorkOrder, error) {
	return s.mutateWorkOrder(ctx, id, func(wo *domain.WorkOrder) error {
		if !workorder.CanCancel(wo.Status) {
			return fmt.Errorf("%w: work order is %s", store.ErrInvalidInput, wo.Status)
		}
		wo.Status = domain.WorkOrderCancelled
		wo.CancelReason = reason
		wo.UpdatedAt = at
		return nil
	})
}

func (s *Store) ReopenWorkOrderWarranty(ctx context.Context, id, reason, user string, at time.Time) (*domain.WorkOrder, error) {
	return s.mutateWorkOrder(ctx, id, func(wo *domain.WorkOrder) error {
		if err := workorder.ReopenForWarranty(wo, reason, user, at); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
		return nil
	})
}

// ---- ledger & reports ----

func scanLedger(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		var reference, terminalID sql.NullString
		if err := rows.Scan(&e.ID, &e.SaleID, &e.AmountCents, &e.Type, &e.Method, &e.ShiftID,
			&e.User, &reference, &terminalID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.TerminalID = terminalID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListLedgerEntries(ctx context.Context, from, to time.Time, saleID string, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, amount_cents, entry_type, method, shift_id, username, reference, terminal_id, created_at
		FROM ledger_entries
		WHERE ($1 = '' OR sale_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at, id
		LIMIT $4
	`, saleID, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedger(rows)
}

func (s *Store) LedgerStats(ctx context.Context, from, to time.Time) (domain.LedgerStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_type, method, SUM(amount_cents), COUNT(*)
		FROM ledger_entries
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		GROUP BY entry_type, method
	`, nullTime(from), nullTime(to))
	if err != nil {
		return domain.LedgerStats{}, err
	}
	defer rows.Close()

	stats := domain.LedgerStats{ByType: map[string]int64{}, ByMethod: map[string]int64{}}
	for rows.Next() {
		var entryType, method string
		var sum, count int64
		if err := rows.Scan(&entryType, &method, &sum, &count); err != nil {
			return domain.LedgerStats{}, err
		}
		stats.ByType[entryType] += sum
		stats.ByMethod[method] += sum
		stats.NetCents += sum
		stats.Entries += count
	}
	return stats, rows.Err()
}

func (s *Store) IncomeReport(ctx context.Context, branchID string, from, to time.Time) (domain.IncomeReport, error) {
	report := domain.IncomeReport{
		BranchID: branchID,
		From:     from.Format(time.RFC3339),
		To:       to.Format(time.RFC3339),
		ByMethod: map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(s.total_cents), 0),
		       COALESCE(SUM((SELECT SUM((i.qty - i.returned_qty) * i.cost_cents) FROM sale_items i WHERE i.sale_id = s.id)), 0)
		FROM sales s
		WHERE ($1 = '' OR s.branch_id = $1)
		  AND s.status <> 'cancelled'
		  AND ($2::timestamptz IS NULL OR s.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR s.created_at <= $3)
	`, branchID, nullTime(from), nullTime(to)).Scan(&report.Sales, &report.RevenueCents, &report.CostCents)
	if err != nil {
		return domain.IncomeReport{}, err
	}
	report.MarginCents = report.RevenueCents - report.CostCents

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.method, COALESCE(SUM(p.amount_cents), 0)
		FROM payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE ($1 = '' OR s.branch_id = $1)
		  AND s.status <> 'cancelled'
		  AND ($2::timestamptz IS NULL OR s.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR s.created_at <= $3)
		GROUP BY p.method
	`, branchID, nullTime(from), nullTime(to))
	if err != nil {
		return domain.IncomeReport{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var sum int64
		if err := rows.Scan(&method, &sum); err != nil {
			return domain.IncomeReport{}, err
		}
		report.ByMethod[method] = sum
	}
	return report, rows.Err()
}

// ---- settings ----

func (s *Store) GetLoyaltySettings(ctx context.Context) (domain.LoyaltySettings, error) {
	return loadLoyalty(ctx, s.db)
}

func (s *Store) GetFeeSchedules(ctx context.Context) (map[string]domain.TerminalFeeSchedule, error) {
	return loadFees(ctx, s.db)
}

// ---- audit trail ----

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, entity_type, entity_id, action, username, reason, prev_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.User,
		nullString(entry.Reason), nullString(entry.PrevState), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditEntry, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, username, reason, prev_state, created_at
		FROM audit_entries
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var reason, prevState sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.User,
			&reason, &prevState, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.PrevState = prevState.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- auth accounts ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []domain.UserAccount{}
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
