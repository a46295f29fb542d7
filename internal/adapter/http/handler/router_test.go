package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/adapter/http/handler"
	"wallet-ledger/internal/adapter/http/middleware"
	"wallet-ledger/internal/adapter/storage/memory"
	redisStore "wallet-ledger/internal/adapter/storage/redis"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settlementCreds = config.SettlementConfig{AccessKey: "ak_orders", SecretKey: "sk_orders"}

type apiHarness struct {
	router *gin.Engine
	tokens *service.JWTTokenService
	sigSvc *service.HMACSignatureService
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := zerolog.Nop()
	ledgerCfg := config.LedgerConfig{
		DefaultHistoryLimit: 10,
		MaxHistoryLimit:     100,
		CurrencyScale:       2,
		IdempotencyTTL:      time.Hour,
	}
	store := memory.NewWalletStore()
	engine := service.NewLedgerEngine(store, redisStore.NewIdempotencyCache(client), ledgerCfg, log)

	h := &apiHarness{
		tokens: service.NewJWTTokenService("router-test-secret", time.Hour, "wallet-ledger"),
		sigSvc: service.NewHMACSignatureService(),
	}
	h.router = handler.SetupRouter(handler.RouterDeps{
		WalletSvc:      service.NewWalletService(engine, ledgerCfg.CurrencyScale, log),
		TokenSvc:       h.tokens,
		SigSvc:         h.sigSvc,
		NonceStore:     redisStore.NewNonceStore(client),
		Settlement:     settlementCreds,
		RateLimitStore: redisStore.NewRateLimitStore(client),
		HealthCheckers: []ports.HealthChecker{redisStore.NewHealthCheck(client)},
		Logger:         log,
	})
	return h
}

func (h *apiHarness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := h.tokens.Generate(userID)
	require.NoError(t, err)
	return tok
}

func (h *apiHarness) userRequest(t *testing.T, method, path, userID, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(t, userID))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) settle(body, nonce string) *httptest.ResponseRecorder {
	const path = "/api/v1/internal/settlements/deduct"
	ts := time.Now().Unix()
	canonical := h.sigSvc.BuildCanonicalString(http.MethodPost, path, ts, nonce, body)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderAccessKey, settlementCreds.AccessKey)
	req.Header.Set(middleware.HeaderSignature, h.sigSvc.Sign(settlementCreds.SecretKey, canonical))
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, nonce)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	d, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "no data in %s", w.Body.String())
	return d
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	code, _ := resp["error_code"].(string)
	return code
}

func TestRouter_WalletLifecycle(t *testing.T) {
	h := newHarness(t)
	const user = "user-e2e"

	w := h.userRequest(t, http.MethodGet, "/api/v1/wallet/info", user, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.00", data(t, w)["balance"])
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	w = h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"50"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50.00", data(t, w)["balance"])

	w = h.userRequest(t, http.MethodPost, "/api/v1/wallet/deduct-funds", user, `{"amount":"20","purchase_id":"P1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "30.00", d["new_balance"])
	assert.Equal(t, "20.00", d["deducted_amount"])
	assert.Equal(t, "P1", d["transaction"].(map[string]interface{})["related_purchase"])

	w = h.userRequest(t, http.MethodPost, "/api/v1/wallet/deduct-funds", user, `{"amount":"1000"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "WAL_001", errorCode(t, w))

	w = h.userRequest(t, http.MethodGet, "/api/v1/wallet/info", user, "")
	require.Equal(t, http.StatusOK, w.Code)
	d = data(t, w)
	assert.Equal(t, "30.00", d["balance"])
	assert.Len(t, d["transactions"], 2)

	w = h.userRequest(t, http.MethodGet, "/api/v1/wallet/transactions?limit=1", user, "")
	require.Equal(t, http.StatusOK, w.Code)
	items := data(t, w)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "debit", items[0].(map[string]interface{})["kind"])
}

func TestRouter_MissingAmountIsInvalidAmount(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/api/v1/wallet/add-funds", "/api/v1/wallet/deduct-funds"} {
		w := h.userRequest(t, http.MethodPost, path, "user-amt", `{"description":"no amount"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "WAL_002", errorCode(t, w), path)
	}
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/wallet/info", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_001", errorCode(t, w))
}

func TestRouter_DeductWithoutWallet(t *testing.T) {
	h := newHarness(t)

	w := h.userRequest(t, http.MethodPost, "/api/v1/wallet/deduct-funds", "user-new", `{"amount":"1"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "WAL_003", errorCode(t, w))
}

func TestRouter_AddFundsIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	const user = "user-idem"

	first := h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"10"}`, middleware.HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, first.Code)
	again := h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"10"}`, middleware.HeaderIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, again.Code)

	assert.Equal(t, true, data(t, again)["replayed"])
	assert.Equal(t, "10.00", data(t, again)["balance"])
	assert.Equal(t,
		data(t, first)["transaction"].(map[string]interface{})["id"],
		data(t, again)["transaction"].(map[string]interface{})["id"])

	conflict := h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"11"}`, middleware.HeaderIdempotencyKey, "dep-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Equal(t, "WAL_004", errorCode(t, conflict))
}

func TestRouter_ConcurrentDeducts(t *testing.T) {
	h := newHarness(t)
	const user = "user-race"

	require.Equal(t, http.StatusOK, h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"100"}`).Code)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.userRequest(t, http.MethodPost, "/api/v1/wallet/deduct-funds", user, `{"amount":"60"}`).Code
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusPaymentRequired}, codes)
	w := h.userRequest(t, http.MethodGet, "/api/v1/wallet/info", user, "")
	assert.Equal(t, "40.00", data(t, w)["balance"])
}

func TestRouter_SettlementDeduct(t *testing.T) {
	h := newHarness(t)
	const user = "user-settle"

	require.Equal(t, http.StatusOK, h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", user, `{"amount":"25"}`).Code)

	body := `{"user_id":"user-settle","amount":"9.99","description":"order 42","purchase_id":"P42"}`
	w := h.settle(body, uuid.NewString())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "15.01", data(t, w)["new_balance"])

	// A retry with a fresh nonce is accepted but not applied twice.
	w = h.settle(body, uuid.NewString())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "15.01", data(t, w)["new_balance"])

	info := h.userRequest(t, http.MethodGet, "/api/v1/wallet/info", user, "")
	assert.Len(t, data(t, info)["transactions"], 2)
}

func TestRouter_SettlementNonceReplay(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", "user-n", `{"amount":"5"}`).Code)

	body := `{"user_id":"user-n","amount":"1","purchase_id":"P1"}`
	require.Equal(t, http.StatusOK, h.settle(body, "nonce-1").Code)

	w := h.settle(body, "nonce-1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "SEC_004", errorCode(t, w))
}

func TestRouter_ForgedSettlementDoesNotBurnNonce(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.userRequest(t, http.MethodPost, "/api/v1/wallet/add-funds", "user-f", `{"amount":"5"}`).Code)

	const path = "/api/v1/internal/settlements/deduct"
	body := `{"user_id":"user-f","amount":"1","purchase_id":"P1"}`
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set(middleware.HeaderAccessKey, settlementCreds.AccessKey)
	req.Header.Set(middleware.HeaderSignature, "00ff")
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(middleware.HeaderNonce, "nonce-shared")
	forged := httptest.NewRecorder()
	h.router.ServeHTTP(forged, req)
	require.Equal(t, http.StatusUnauthorized, forged.Code)

	w := h.settle(body, "nonce-shared")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_SettlementRejectsUserToken(t *testing.T) {
	h := newHarness(t)

	w := h.userRequest(t, http.MethodPost, "/api/v1/internal/settlements/deduct", "user-1", `{"user_id":"user-1","amount":"1","purchase_id":"P1"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SEC_001", errorCode(t, w))
}

func TestRouter_Health(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis"`)
}
