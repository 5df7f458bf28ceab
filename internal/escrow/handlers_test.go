package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerTest(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	h := NewHandler(env.svc, testAdminSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, env
}

type caller struct {
	party  string
	role   Role
	secret string
}

var (
	asBuyer   = caller{party: testBuyer, role: RoleBuyer}
	asSeller  = caller{party: testSeller, role: RoleSeller}
	asCustody = caller{party: testCustody, role: RoleCustodyAgent, secret: testAdminSecret}
)

func doRequest(t *testing.T, r *gin.Engine, method, path string, who *caller, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set(HeaderParty, who.party)
		req.Header.Set(HeaderRole, string(who.role))
		if who.secret != "" {
			req.Header.Set(HeaderAdminSecret, who.secret)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow *Transaction `json:"escrow"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Status  string `json:"status"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) *Transaction {
	t.Helper()
	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.NotNil(t, resp.Escrow)
	return resp.Escrow
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func createBody() map[string]any {
	return map[string]any{
		"listingId": "lst_http",
		"seller":    testSeller,
		"amount":    "12.50",
		"currency":  "USDC",
	}
}

func TestHandler_FullLifecycle(t *testing.T) {
	r, env := setupHandlerTest(t)

	w := doRequest(t, r, http.MethodPost, "/v1/escrow", &asBuyer, createBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeEscrow(t, w)
	assert.Equal(t, StatusPendingPayment, tx.Status)
	assert.Equal(t, testBuyer, tx.BuyerParty)
	assert.Equal(t, "12.5", tx.Price.Amount.String())

	base := "/v1/escrow/" + tx.ID
	steps := []struct {
		path string
		who  *caller
		body any
		want Status
	}{
		{base + "/payment", &asCustody, map[string]string{"paymentReference": "0xpay"}, StatusPaymentReceived},
		{base + "/deliver", &asSeller, map[string]string{"deliveryPayload": "key-123"}, StatusDelivered},
		{base + "/confirm", &asBuyer, map[string]any{"rating": 5, "feedback": "great"}, StatusBuyerConfirmed},
		{base + "/release", &asCustody, map[string]string{"settlementReference": "0xsettle"}, StatusCompleted},
	}
	for _, s := range steps {
		w := doRequest(t, r, http.MethodPost, s.path, s.who, s.body)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", s.path, w.Body.String())
		assert.Equal(t, s.want, decodeEscrow(t, w).Status)
	}

	w = doRequest(t, r, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeEscrow(t, w)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, &Confirmation{Rating: 5, Feedback: "great"}, got.Confirmation)
	assert.Len(t, got.Timeline, 5)
	assert.Contains(t, env.catalog.sold, "lst_http")
}

func TestHandler_CreateDefaultsBuyerToCaller(t *testing.T) {
	r, _ := setupHandlerTest(t)

	body := createBody()
	body["buyer"] = "0xsomeoneelse"
	w := doRequest(t, r, http.MethodPost, "/v1/escrow", &asBuyer, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, r, http.MethodPost, "/v1/escrow", &asSeller, createBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupHandlerTest(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   int
		kind   string
	}{
		{"missing seller", func(b map[string]any) { delete(b, "seller") }, http.StatusBadRequest, "missing_payload"},
		{"missing listing", func(b map[string]any) { delete(b, "listingId") }, http.StatusBadRequest, "missing_payload"},
		{"missing currency", func(b map[string]any) { delete(b, "currency") }, http.StatusBadRequest, "missing_payload"},
		{"zero amount", func(b map[string]any) { b["amount"] = "0" }, http.StatusBadRequest, "invalid_request"},
		{"self dealing", func(b map[string]any) { b["seller"] = testBuyer }, http.StatusBadRequest, "invalid_request"},
		{"malformed seller", func(b map[string]any) { b["seller"] = "not a party!" }, http.StatusBadRequest, "validation_error"},
		{"long listing id", func(b map[string]any) { b["listingId"] = strings.Repeat("x", 200) }, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := createBody()
			tt.mutate(body)
			w := doRequest(t, r, http.MethodPost, "/v1/escrow", &asBuyer, body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, w).Error)
		})
	}
}

func TestHandler_CreateMalformedJSON(t *testing.T) {
	r, _ := setupHandlerTest(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/escrow", strings.NewReader("{not json"))
	req.Header.Set(HeaderParty, testBuyer)
	req.Header.Set(HeaderRole, string(RoleBuyer))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListingUnavailable(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := doRequest(t, r, http.MethodPost, "/v1/escrow", &asBuyer, createBody())
	require.Equal(t, http.StatusCreated, w.Code)

	other := caller{party: "0xbuyer2", role: RoleBuyer}
	w = doRequest(t, r, http.MethodPost, "/v1/escrow", &other, createBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "listing_unavailable", decodeError(t, w).Error)
}

func TestHandler_Identity(t *testing.T) {
	r, env := setupHandlerTest(t)
	tx := env.create(t, "")
	path := "/v1/escrow/" + tx.ID + "/payment"
	body := map[string]string{"paymentReference": "0xpay"}

	w := doRequest(t, r, http.MethodPost, path, nil, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, r, http.MethodPost, path, &caller{party: testCustody, role: "janitor"}, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, r, http.MethodPost, path, &caller{party: testCustody, role: RoleSystem}, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, r, http.MethodPost, path, &caller{party: testCustody, role: RoleCustodyAgent}, body)
	assert.Equal(t, http.StatusForbidden, w.Code, "custody agent without secret")

	w = doRequest(t, r, http.MethodPost, path, &caller{party: testCustody, role: RoleCustodyAgent, secret: "wrong"}, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Headers are valid but the role may not perform the action.
	w = doRequest(t, r, http.MethodPost, path, &asBuyer, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(KindIllegalTransition), decodeError(t, w).Error)

	w = doRequest(t, r, http.MethodPost, path, &asCustody, body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, env := setupHandlerTest(t)
	tx := env.create(t, "")
	base := "/v1/escrow/" + tx.ID

	w := doRequest(t, r, http.MethodGet, "/v1/escrow/etx_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(KindNotFound), decodeError(t, w).Error)

	// Delivering before payment is illegal in the current status.
	w = doRequest(t, r, http.MethodPost, base+"/deliver", &asSeller, map[string]string{"deliveryPayload": "x"})
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, string(KindIllegalTransition), resp.Error)
	assert.Equal(t, string(StatusPendingPayment), resp.Status)

	w = doRequest(t, r, http.MethodPost, base+"/payment", &asCustody, map[string]string{"paymentReference": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = decodeError(t, w)
	assert.Equal(t, string(KindMissingPayload), resp.Error)
	assert.Equal(t, "paymentReference", resp.Field)

	w = doRequest(t, r, http.MethodPost, base+"/payment", &asCustody, map[string]string{"paymentReference": "0xpay"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(t, r, http.MethodPost, base+"/payment", &asCustody, map[string]string{"paymentReference": "0xpay2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(KindAlreadySet), decodeError(t, w).Error)

	env.clock.Advance(time.Minute)
	w = doRequest(t, r, http.MethodPost, base+"/deliver", &asSeller, map[string]string{"deliveryPayload": "tracking 123"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(t, r, http.MethodPost, base+"/dispute", &asBuyer, map[string]string{"reason": "too slow"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(t, r, http.MethodPost, base+"/resolve", &asCustody, map[string]any{"refund": true, "settlementReference": "0xback", "note": "seller agreed"})
	require.Equal(t, http.StatusOK, w.Code)
	refunded := decodeEscrow(t, w)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.Equal(t, "seller agreed", refunded.Dispute.ResolutionNote)

	w = doRequest(t, r, http.MethodPost, base+"/dispute", &asBuyer, map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(KindTerminal), decodeError(t, w).Error)
}

func TestHandler_ConfirmWithoutBody(t *testing.T) {
	r, env := setupHandlerTest(t)
	ctx := context.Background()
	tx := env.create(t, "0xpay")
	_, err := env.svc.DeliverGoods(ctx, tx.ID, Seller(testSeller), "goods")
	require.NoError(t, err)

	w := doRequest(t, r, http.MethodPost, "/v1/escrow/"+tx.ID+"/confirm", &asBuyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeEscrow(t, w)
	assert.Equal(t, StatusBuyerConfirmed, got.Status)
	assert.Equal(t, &Confirmation{}, got.Confirmation)
}

func TestHandler_InvalidRating(t *testing.T) {
	r, env := setupHandlerTest(t)
	tx := env.create(t, "0xpay")
	_, err := env.svc.DeliverGoods(context.Background(), tx.ID, Seller(testSeller), "goods")
	require.NoError(t, err)

	w := doRequest(t, r, http.MethodPost, "/v1/escrow/"+tx.ID+"/confirm", &asBuyer, map[string]any{"rating": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Error)
}

func TestHandler_ListAndStats(t *testing.T) {
	r, env := setupHandlerTest(t)
	for i := 0; i < 3; i++ {
		env.create(t, "")
		env.clock.Advance(time.Second)
	}

	w := doRequest(t, r, http.MethodGet, "/v1/parties/"+testSeller+"/escrows?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Escrows    []*Transaction `json:"escrows"`
		Count      int            `json:"count"`
		NextCursor string         `json:"nextCursor"`
		HasMore    bool           `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
	assert.True(t, list.Escrows[0].CreatedAt().After(list.Escrows[1].CreatedAt()))
	require.True(t, list.HasMore)

	w = doRequest(t, r, http.MethodGet, "/v1/parties/"+testSeller+"/escrows?limit=2&cursor="+list.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.False(t, list.HasMore)

	w = doRequest(t, r, http.MethodGet, "/v1/parties/"+testSeller+"/escrows?cursor=@@@@", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Error)

	w = doRequest(t, r, http.MethodGet, "/v1/parties/nobody/escrows", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"escrows":[]`)

	w = doRequest(t, r, http.MethodGet, "/v1/parties/bad%20party!/escrows", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, r, http.MethodGet, "/v1/escrow/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Stats.TotalCount)
	assert.Equal(t, 3, stats.Stats.ByStatus[StatusPendingPayment])
}
