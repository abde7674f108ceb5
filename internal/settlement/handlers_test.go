package settlement_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/internal/refund"
	"github.com/ksred/klear-payouts/internal/settlement"
	"github.com/ksred/klear-payouts/internal/testutil"
	"github.com/ksred/klear-payouts/pkg/middleware"
	"github.com/ksred/klear-payouts/pkg/response"
)

type apiFixture struct {
	db      *gorm.DB
	router  *gin.Engine
	service *settlement.Service
	tokens  map[string]string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	svc := newService(t, db)
	testutil.SeedTransactions(t, db,
		testutil.Completed("txn-1", "seller-1", 10000, april(2)),
		testutil.Completed("txn-2", "seller-1", 25000, april(3)),
		testutil.Completed("txn-3", "seller-1", 7500, april(4)),
		testutil.Completed("txn-4", "seller-2", 5000, april(4)),
	)

	authService := auth.NewService("test-secret", time.Hour)
	clients := []auth.Client{
		{APIKey: "admin-key", APISecret: "admin-secret", ClientID: "ops-admin", Role: auth.RoleAdmin},
		{APIKey: "seller-1-key", APISecret: "s1-secret", ClientID: "seller-1", Role: auth.RoleSeller},
		{APIKey: "seller-2-key", APISecret: "s2-secret", ClientID: "seller-2", Role: auth.RoleSeller},
	}
	tokens := make(map[string]string)
	for _, client := range clients {
		require.NoError(t, authService.RegisterClient(client))
		token, err := authService.GenerateToken(auth.Credentials{APIKey: client.APIKey, APISecret: client.APISecret})
		require.NoError(t, err)
		tokens[client.ClientID] = token.Token
	}

	router := gin.New()
	api := router.Group("/api/v1")
	readers := api.Group("/settlements")
	readers.Use(middleware.JWTAuth(authService))
	admin := api.Group("/admin")
	admin.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleAdmin))
	settlement.NewGinHandlers(svc).RegisterRoutes(readers, admin)

	return &apiFixture{db: db, router: router, service: svc, tokens: tokens}
}

func (a *apiFixture) do(t *testing.T, method, path, clientID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[clientID])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *response.Error `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func aprilBuild(seller string) map[string]string {
	return map[string]string{
		"seller_id":      seller,
		"period_start":   "2024-04-01",
		"period_end":     "2024-04-30",
		"bank_name":      "Hana",
		"account_number": "123-456-789",
	}
}

func (a *apiFixture) build(t *testing.T, seller string) settlement.BuildResult {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/admin/settlements", "ops-admin", aprilBuild(seller))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var result settlement.BuildResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &result))
	return result
}

func TestBuildSettlementHandler(t *testing.T) {
	api := newAPI(t)

	result := api.build(t, "seller-1")
	s := result.Settlement
	assert.Equal(t, int64(42500), s.TotalGross)
	assert.Equal(t, int64(36762), s.NetAmount)
	assert.Equal(t, "ops-admin", s.CreatedBy)
	assert.Equal(t, "Hana", s.BankName)
	assert.Equal(t, time.Date(2024, 4, 30, 23, 59, 59, 999999999, time.UTC), s.PeriodEnd.UTC())

	// A second build of the same period is a successful "nothing to do".
	w := api.do(t, http.MethodPost, "/api/v1/admin/settlements", "ops-admin", aprilBuild("seller-1"))
	assert.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	var empty settlement.BuildResult
	require.NoError(t, json.Unmarshal(env.Data, &empty))
	assert.False(t, empty.Settled)
	assert.Nil(t, empty.Settlement)
	assert.Contains(t, empty.Reason, "no eligible transactions")
	assert.True(t, result.Settled)

	w = api.do(t, http.MethodPost, "/api/v1/admin/settlements", "ops-admin", map[string]string{"seller_id": "seller-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := aprilBuild("seller-1")
	bad["period_end"] = "30/04/2024"
	w = api.do(t, http.MethodPost, "/api/v1/admin/settlements", "ops-admin", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuildSettlementHandlerReportsExclusions(t *testing.T) {
	api := newAPI(t)
	testutil.SeedRefund(t, api.db, "txn-4", refund.StatusApproved)

	w := api.do(t, http.MethodPost, "/api/v1/admin/settlements", "ops-admin", aprilBuild("seller-2"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result settlement.BuildResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &result))
	assert.False(t, result.Settled)
	assert.Nil(t, result.Settlement)
	assert.Equal(t, settlement.Exclusions{ActiveRefund: 1}, result.Excluded)
	assert.Contains(t, result.Reason, "1 with active refunds")
	assert.False(t, testutil.Transaction(t, api.db, "txn-4").Settled)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	api := newAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/admin/settlements", "seller-1", aprilBuild("seller-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/admin/settlements", "", aprilBuild("seller-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdvanceStatusHandler(t *testing.T) {
	api := newAPI(t)
	s := api.build(t, "seller-1").Settlement
	path := "/api/v1/admin/settlements/" + s.ID + "/status"

	w := api.do(t, http.MethodPost, path, "ops-admin", map[string]string{"status": "paid"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode(t, w).Error.Code)

	w = api.do(t, http.MethodPost, path, "ops-admin", map[string]string{"status": "rejected"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", decode(t, w).Error.Code)

	w = api.do(t, http.MethodPost, path, "ops-admin", map[string]string{"status": "processed", "reference": "BATCH-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var updated settlement.Settlement
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &updated))
	assert.Equal(t, settlement.StatusProcessed, updated.Status)
	assert.Equal(t, "BATCH-1", updated.PayoutReference)

	w = api.do(t, http.MethodPost, "/api/v1/admin/settlements/STL_missing/status", "ops-admin", map[string]string{"status": "processed"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSellerVisibility(t *testing.T) {
	api := newAPI(t)
	mine := api.build(t, "seller-1").Settlement
	theirs := api.build(t, "seller-2").Settlement

	w := api.do(t, http.MethodGet, "/api/v1/settlements/"+mine.ID, "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got settlement.Settlement
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &got))
	assert.Len(t, got.Items, 3)

	w = api.do(t, http.MethodGet, "/api/v1/settlements/"+theirs.ID, "seller-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = api.do(t, http.MethodGet, "/api/v1/settlements/"+theirs.ID+"/audit", "seller-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/settlements/"+theirs.ID, "ops-admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A seller asking for another seller's list still gets their own.
	w = api.do(t, http.MethodGet, "/api/v1/settlements?seller_id=seller-2", "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items      []settlement.Settlement `json:"items"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "seller-1", page.Items[0].SellerID)
	assert.Equal(t, int64(1), page.Pagination.Total)

	w = api.do(t, http.MethodGet, "/api/v1/settlements?status=unknown", "seller-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/settlements/summary", "ops-admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary settlement.Summary
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &summary))
	assert.Equal(t, int64(2), summary.Count)
	assert.Equal(t, int64(47500), summary.TotalGross)
}

func TestExportAndStatementHandlers(t *testing.T) {
	api := newAPI(t)
	s := api.build(t, "seller-1").Settlement
	api.build(t, "seller-2")

	w := api.do(t, http.MethodGet, "/api/v1/settlements/export?format=csv", "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.NotContains(t, w.Body.String(), "seller-2")

	w = api.do(t, http.MethodGet, "/api/v1/settlements/export?format=xml", "ops-admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/settlements/"+s.ID+"/statement.pdf", "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
}

func TestReconcileAndPayoutAccountHandlers(t *testing.T) {
	api := newAPI(t)
	api.build(t, "seller-1")

	w := api.do(t, http.MethodGet, "/api/v1/admin/reconcile/seller-1", "ops-admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report settlement.ReconciliationReport
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &report))
	assert.Equal(t, 1, report.Settlements)
	assert.Empty(t, report.Discrepancies)

	w = api.do(t, http.MethodGet, "/api/v1/admin/payout-accounts/seller-2", "ops-admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/admin/payout-accounts/seller-2", "ops-admin", map[string]string{"bank_name": "Woori"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/admin/payout-accounts/seller-2", "ops-admin",
		map[string]string{"bank_name": "Woori", "account_number": "1002-333", "account_holder": "Seller Two"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodGet, "/api/v1/admin/payout-accounts/seller-2", "ops-admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var account settlement.PayoutAccount
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &account))
	assert.Equal(t, "1002-333", account.AccountNumber)
}
