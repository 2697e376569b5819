package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"optiledger/backend/internal/audit"
	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/service"
	"optiledger/backend/internal/store/memory"
)

// newTestAPI wires an in-memory store, real AuthManager and real Service so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	recorder := audit.NewRecorder(repo, zap.NewNop(), 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		recorder.Close(ctx)
	})

	svc := service.New(repo, recorder, nil, zap.NewNop(), time.Minute, "centro")
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	return New(svc, auth, zap.NewNop(), "*")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func openShift(t *testing.T, handler http.Handler, token string) domain.Shift {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/shifts", token, domain.ShiftOpenRequest{
		BranchID:         "centro",
		Operator:         "lucia",
		InitialCashCents: 50_000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var shift domain.Shift
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&shift))
	return shift
}

func TestHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestAuthRequired(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimit(t *testing.T) {
	handler := newTestAPI(t).Handler()

	body := domain.LoginRequest{Username: "admin", Password: "wrong"}
	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSaleFlowOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleInput{
		PatientID: "pat-ana",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Lens cleaner 60ml", Qty: 2, UnitPriceCents: 35_00, CostCents: 18_00, ProductSKU: "SOL-CLEAN-60"},
		},
		Payments: []domain.PaymentInput{
			{AmountCents: 70_00, Method: domain.PaymentMethodCash},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Equal(t, int64(70_00), sale.TotalCents)
	assert.Equal(t, "centro", sale.BranchID)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/ledger/entries?sale_id="+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ledger))
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, int64(70_00), ledger.Entries[0].AmountCents)
}

func TestPartialPaymentOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleInput{
		PatientID: "pat-sole",
		Items: []domain.SaleItemInput{
			{Kind: "frame", Description: "Acetate frame", Qty: 1, UnitPriceCents: 600_00, CostCents: 280_00, ProductSKU: "FRAME-AC-210"},
		},
		Payments: []domain.PaymentInput{
			{AmountCents: 200_00, Method: domain.PaymentMethodCash},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))
	assert.Equal(t, domain.SaleStatusPending, sale.Status)
	assert.Equal(t, int64(400_00), sale.BalanceCents)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/"+sale.ID+"/payments", token, domain.PaymentInput{
		AmountCents: 400_00,
		Method:      domain.PaymentMethodTransfer,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))
	assert.Equal(t, domain.SaleStatusPaid, sale.Status)
	assert.Zero(t, sale.BalanceCents)
}

func TestCreateSaleWithoutShift(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleInput{
		PatientID: "pat-ana",
		Items: []domain.SaleItemInput{
			{Kind: "service", Description: "Adjustment", Qty: 1, UnitPriceCents: 10_00},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestUnknownSaleIs404(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales/sale-nope", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoidRequiresAdmin(t *testing.T) {
	handler := newTestAPI(t).Handler()
	adminToken := login(t, handler, "admin", "admin123")
	cashierToken := login(t, handler, "cashier", "cashier123")
	openShift(t, handler, adminToken)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashierToken, domain.CreateSaleInput{
		PatientID: "pat-ana",
		Items: []domain.SaleItemInput{
			{Kind: "service", Description: "Adjustment", Qty: 1, UnitPriceCents: 15_00},
		},
		Payments: []domain.PaymentInput{
			{AmountCents: 15_00, Method: domain.PaymentMethodCash},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/"+sale.ID+"/void", cashierToken, map[string]string{"reason": "typo"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/"+sale.ID+"/void", adminToken, map[string]string{"reason": "typo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)
}

func TestReturnOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleInput{
		PatientID: "pat-ana",
		Items: []domain.SaleItemInput{
			{Kind: "product", Description: "Polarized sunglasses", Qty: 1, UnitPriceCents: 800_00, CostCents: 420_00, ProductSKU: "SUN-POL-118"},
		},
		Payments: []domain.PaymentInput{
			{AmountCents: 800_00, Method: domain.PaymentMethodCash},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales/"+sale.ID+"/return", token, domain.ReturnInput{
		Qty:          1,
		RefundMethod: domain.PaymentMethodCash,
		Restock:      true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.ReturnResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, int64(800_00), result.NetRefundCents)
	assert.Equal(t, domain.SaleStatusRefunded, result.Sale.Status)
}

func TestShiftCloseOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	shift := openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/pre-close", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", token, domain.ShiftCloseRequest{
		DeclaredByMethod: map[string]int64{domain.PaymentMethodCash: 50_000},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var closed domain.Shift
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&closed))
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	require.NotNil(t, closed.Closing)
	assert.False(t, closed.Closing.Flagged)
}

func TestDoubleShiftOpenConflicts(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/shifts", token, domain.ShiftOpenRequest{
		BranchID:         "centro",
		Operator:         "nico",
		InitialCashCents: 10_000,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWorkOrderFlowOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")
	openShift(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, domain.CreateSaleInput{
		PatientID: "pat-marco",
		Items: []domain.SaleItemInput{
			{Kind: "lens", Description: "Progressive lenses", Qty: 1, UnitPriceCents: 1_800_00, CostCents: 900_00, ProductSKU: "LENS-PROG-VX", RequiresLabService: true},
		},
		Payments: []domain.PaymentInput{
			{AmountCents: 1_800_00, Method: domain.PaymentMethodCash},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale domain.Sale
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/work-orders?sale_id="+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		WorkOrders []domain.WorkOrder `json:"work_orders"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.WorkOrders, 1)

	orderID := list.WorkOrders[0].ID
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/work-orders/"+orderID+"/advance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var order domain.WorkOrder
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&order))
	assert.NotEqual(t, list.WorkOrders[0].Status, order.Status)
}

func TestAuditLogsAdminOnly(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashierToken := login(t, handler, "cashier", "cashier123")
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", cashierToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateCashierAndLogin(t *testing.T) {
	handler := newTestAPI(t).Handler()
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", adminToken, map[string]string{
		"username": "valen",
		"password": "secret99",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	token := login(t, handler, "valen", "secret99")
	require.NotEmpty(t, token)
}

func TestSettingsEndpoints(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/settings/loyalty", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loyaltySettings domain.LoyaltySettings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&loyaltySettings))
	assert.True(t, loyaltySettings.Enabled)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/settings/terminal-fees", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
