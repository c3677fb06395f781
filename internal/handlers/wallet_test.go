package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/gateway"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

const testWebhookSecret = "whsec_test"

// testInit wires the handlers against a sqlmock database. Metrics are
// unregistered so tests never touch the global Prometheus registry.
func testInit(t *testing.T) (sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logging.NewLogger()
	Init(Deps{
		Logger: log,
		Metrics: &BursarMetrics{
			WalletOperations: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_wallet_ops"}, []string{"operation", "status"}),
			WebhookEvents:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_webhooks"}, []string{"source", "type", "status"}),
		},
		Ledger:        ledger.NewStore(mockDB, log),
		Servers:       billing.NewServerStore(mockDB, log),
		Cancellations: billing.NewCancellationStore(mockDB, log),
		Stripe: gateway.NewClient(gateway.Config{
			SecretKey:     "sk_test",
			WebhookSecret: testWebhookSecret,
			Logger:        log,
		}),
	})
	return mock, mockDB
}

// asOwner injects the authenticated owner the JWT middleware would set.
func asOwner(ownerID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("owner_id", ownerID)
		c.Next()
	}
}

func newTestRouter(ownerID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(asOwner(ownerID))
	router.GET("/wallet", GetWallet)
	router.GET("/wallet/transactions", GetTransactions)
	router.PUT("/wallet/autotopup", SetAutoTopUp)
	router.POST("/servers/:id/cancel", RequestCancellation)
	router.DELETE("/servers/:id/cancel", RevokeCancellation)
	return router
}

func TestGetWallet(t *testing.T) {
	mock, db := testInit(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"owner_id", "balance_cents", "gateway_customer_id",
			"auto_topup_enabled", "auto_topup_threshold_cents", "auto_topup_amount_cents",
			"deleted_at", "audit_hold_at", "created_at", "updated_at",
		}).AddRow("owner-1", 2500, "cus_1", true, 500, 1000, nil, nil, now, now))

	router := newTestRouter("owner-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		BalanceCents int64 `json:"balance_cents"`
		Frozen       bool  `json:"frozen"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.BalanceCents != 2500 || body.Frozen {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	mock, db := testInit(t)
	defer db.Close()

	mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

	router := newTestRouter("owner-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSetAutoTopUp_RejectsZeroAmount(t *testing.T) {
	_, db := testInit(t)
	defer db.Close()

	router := newTestRouter("owner-1")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/wallet/autotopup",
		strings.NewReader(`{"enabled":true,"threshold_cents":500,"amount_cents":0}`))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRequestCancellation_ForeignServerForbidden(t *testing.T) {
	mock, db := testInit(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT server_id, owner_id, plan_id").
		WithArgs("srv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"server_id", "owner_id", "plan_id", "monthly_price_cents",
			"status", "next_bill_at", "suspend_at", "auto_renew",
			"cycle_day", "failed_days", "deployed_at",
		}).AddRow("srv-1", "someone-else", "plan-s", 3000,
			billing.StatusActive, now, nil, true, 1, 0, now))

	router := newTestRouter("owner-1")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/servers/srv-1/cancel",
		strings.NewReader(`{"mode":"grace"}`))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRevokeCancellation_ImmediateNotRevocable(t *testing.T) {
	mock, db := testInit(t)
	defer db.Close()

	// An immediate cancellation never matches the grace+queued
	// predicate, so the revoke comes back empty.
	mock.ExpectExec("DELETE FROM server_cancellations").
		WithArgs("srv-1", "owner-1", billing.ModeGrace, billing.CancelQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	router := newTestRouter("owner-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/servers/srv-1/cancel", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
