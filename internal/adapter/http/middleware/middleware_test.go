package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/internal/core/ports/mocks"
	"wallet-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testCreds = config.SettlementConfig{AccessKey: "ak_orders", SecretKey: "sk_orders"}

type serviceAuthDeps struct {
	sigSvc     *mocks.MockSignatureService
	nonceStore *mocks.MockNonceStore
	router     *gin.Engine
	clientID   string
}

func setupServiceAuth(t *testing.T) *serviceAuthDeps {
	ctrl := gomock.NewController(t)
	d := &serviceAuthDeps{
		sigSvc:     mocks.NewMockSignatureService(ctrl),
		nonceStore: mocks.NewMockNonceStore(ctrl),
		router:     gin.New(),
	}
	d.router.POST("/test", ServiceAuth(testCreds, d.sigSvc, d.nonceStore, zerolog.Nop()), func(c *gin.Context) {
		d.clientID = c.GetString(CtxClientID)
		body, _ := c.GetRawData()
		c.String(http.StatusOK, string(body))
	})
	return d
}

func signedRequest(accessKey, signature string, ts int64, nonce, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(body))
	req.Header.Set(HeaderAccessKey, accessKey)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	return req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ErrorCode
}

func TestServiceAuth_MissingHeaders(t *testing.T) {
	d := setupServiceAuth(t)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SEC_001", errorCode(t, w))
}

func TestServiceAuth_UnknownAccessKey(t *testing.T) {
	d := setupServiceAuth(t)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, signedRequest("ak_other", "sig", time.Now().Unix(), "n1", ""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SEC_001", errorCode(t, w))
}

func TestServiceAuth_TimestampOutsideWindow(t *testing.T) {
	for _, offset := range []time.Duration{-120 * time.Second, 120 * time.Second} {
		d := setupServiceAuth(t)

		w := httptest.NewRecorder()
		d.router.ServeHTTP(w, signedRequest("ak_orders", "sig", time.Now().Add(offset).Unix(), "n1", ""))

		assert.Equal(t, http.StatusForbidden, w.Code, "offset %s", offset)
		assert.Equal(t, "SEC_003", errorCode(t, w))
	}
}

func TestServiceAuth_NonceReplay(t *testing.T) {
	d := setupServiceAuth(t)
	ts := time.Now().Unix()

	d.sigSvc.EXPECT().BuildCanonicalString("POST", "/test", ts, "n1", "").Return("canonical")
	d.sigSvc.EXPECT().Verify("sk_orders", "canonical", "sig").Return(true)
	d.nonceStore.EXPECT().CheckAndSet(gomock.Any(), "ak_orders", "n1", nonceTTL).Return(false, nil)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, signedRequest("ak_orders", "sig", ts, "n1", ""))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "SEC_004", errorCode(t, w))
}

func TestServiceAuth_BadSignatureKeepsNonce(t *testing.T) {
	d := setupServiceAuth(t)
	ts := time.Now().Unix()

	// A forged request must not consume the nonce.
	d.nonceStore.EXPECT().CheckAndSet(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	d.sigSvc.EXPECT().BuildCanonicalString("POST", "/test", ts, "n1", "{}").Return("canonical")
	d.sigSvc.EXPECT().Verify("sk_orders", "canonical", "forged").Return(false)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, signedRequest("ak_orders", "forged", ts, "n1", "{}"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SEC_002", errorCode(t, w))
}

func TestServiceAuth_Success(t *testing.T) {
	d := setupServiceAuth(t)
	ts := time.Now().Unix()
	body := `{"user_id":"u1","amount":"9.99"}`

	d.nonceStore.EXPECT().CheckAndSet(gomock.Any(), "ak_orders", "n-ok", nonceTTL).Return(true, nil)
	d.sigSvc.EXPECT().BuildCanonicalString("POST", "/test", ts, "n-ok", body).Return("canonical")
	d.sigSvc.EXPECT().Verify("sk_orders", "canonical", "good").Return(true)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, signedRequest("ak_orders", "good", ts, "n-ok", body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String(), "body is still readable downstream")
	assert.Equal(t, "ak_orders", d.clientID)
}

func TestServiceAuth_NonceStoreDownAllows(t *testing.T) {
	d := setupServiceAuth(t)
	ts := time.Now().Unix()

	d.nonceStore.EXPECT().CheckAndSet(gomock.Any(), "ak_orders", "n1", nonceTTL).Return(false, errors.New("redis down"))
	d.sigSvc.EXPECT().BuildCanonicalString("POST", "/test", ts, "n1", "").Return("canonical")
	d.sigSvc.EXPECT().Verify("sk_orders", "canonical", "good").Return(true)

	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, signedRequest("ak_orders", "good", ts, "n1", ""))

	assert.Equal(t, http.StatusOK, w.Code)
}

func setupJWT(t *testing.T) (*mocks.MockTokenService, *gin.Engine, *string) {
	ctrl := gomock.NewController(t)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	var captured string

	router := gin.New()
	router.GET("/test", JWTAuth(tokenSvc, zerolog.Nop()), func(c *gin.Context) {
		captured = UserID(c)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return tokenSvc, router, &captured
}

func TestJWTAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, router, _ := setupJWT(t)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "AUTH_001", errorCode(t, w))
		})
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	tokenSvc, router, _ := setupJWT(t)
	tokenSvc.EXPECT().Validate("bad_token").Return(nil, assert.AnError)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer bad_token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuth_Success(t *testing.T) {
	tokenSvc, router, captured := setupJWT(t)
	tokenSvc.EXPECT().Validate("good_token").Return(&ports.TokenClaims{UserID: "user-7"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer good_token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", *captured)
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		response.OK(c, gin.H{})
	})

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, "req-abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-abc", w.Header().Get(HeaderRequestID))
		var resp response.SuccessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "req-abc", resp.RequestID)
	})

	t.Run("generates when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Len(t, w.Header().Get(HeaderRequestID), 36)
	})
}

func TestRecovery_PanicRecovered(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(zerolog.Nop()))
	router.GET("/panic", func(c *gin.Context) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "SYS_000", errorCode(t, w))
}

func TestRequestLogger_LevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	router := gin.New()
	router.Use(RequestLogger(log))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusPaymentRequired) })

	for _, path := range []string{"/ok", "/bad"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "warn", second["level"])
	assert.Equal(t, float64(402), second["status"])
}
