package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perknet/settlement-node/db"
	"github.com/perknet/settlement-node/logger"
	"github.com/perknet/settlement-node/merkle"
	"github.com/perknet/settlement-node/oracle"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

const (
	testProductID  = "0x2a"
	testHookSecret = "hook-secret"
	testWallet     = "0x00000000000000000000000000000000000000a1"
)

type fakeDiamonds struct {
	missing bool
	err     error
}

func (f *fakeDiamonds) Resolve(_ context.Context, _ *big.Int) (common.Address, error) {
	if f.err != nil {
		return common.Address{}, f.err
	}
	if f.missing {
		return common.Address{}, nil
	}
	return common.HexToAddress("0x00000000000000000000000000000000000000dd"), nil
}

type fakeNudger struct {
	count int
}

func (f *fakeNudger) Nudge() { f.count++ }

type fixture struct {
	mux      *http.ServeMux
	database *db.DB
	oracles  *oracle.Store
	queue    *pending.Store
	diamonds *fakeDiamonds
	sim      *fakeNudger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	oracles := oracle.NewStore(database, logger.Nop())
	queue := pending.NewStore(database, 5*time.Minute, logger.Nop())
	ingestor := oracle.NewIngestor(oracles, logger.Nop())
	trees := merkle.NewCache(oracles, logger.Nop())
	proofs := oracle.NewProofService(oracles, trees, logger.Nop())

	require.NoError(t, oracles.RegisterOracle(context.Background(), &store.ProductOracle{
		ProductID:        testProductID,
		HookSignatureKey: testHookSecret,
		Platform:         store.OraclePlatformShopify,
	}))

	diamonds := &fakeDiamonds{}
	sim := &fakeNudger{}
	handler := NewHandler(queue, oracles, ingestor, proofs, diamonds, logger.Nop()).
		WithSimulationNudge(sim)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &fixture{mux: mux, database: database, oracles: oracles, queue: queue, diamonds: diamonds, sim: sim}
}

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func pushBody(t *testing.T) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"wallet": testWallet,
		"interaction": map[string]string{
			"handlerTypeDenominator": "0x1f",
			"interactionData":        "0x" + strings.Repeat("ab", 32),
		},
	})
	require.NoError(t, err)
	return string(body)
}

func TestPushEnqueuesInteraction(t *testing.T) {
	f := newFixture(t)
	body := pushBody(t)

	rec := f.do(t, http.MethodPost, "/products/"+testProductID+"/interactions/push", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rows []store.PendingInteraction
	require.NoError(t, f.database.Client().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, testWallet, rows[0].Wallet)
	assert.Equal(t, testProductID, rows[0].ProductID)
	assert.Equal(t, store.InteractionStatusPending, rows[0].Status)
	assert.Equal(t, 1, f.sim.count)
}

func TestPushRejectsBadHmac(t *testing.T) {
	f := newFixture(t)
	body := pushBody(t)

	rec := f.do(t, http.MethodPost, "/products/"+testProductID+"/interactions/push", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, "wrong-secret")})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.sim.count)
}

func TestPushRequiresHmacHeader(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/products/"+testProductID+"/interactions/push", pushBody(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushUnknownProduct(t *testing.T) {
	f := newFixture(t)
	body := pushBody(t)
	rec := f.do(t, http.MethodPost, "/products/0xff/interactions/push", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPushWithoutDiamond(t *testing.T) {
	f := newFixture(t)
	f.diamonds.missing = true
	body := pushBody(t)

	rec := f.do(t, http.MethodPost, "/products/"+testProductID+"/interactions/push", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushResolverFailureIsServerError(t *testing.T) {
	f := newFixture(t)
	f.diamonds.err = errors.New("rpc: connection refused")
	body := pushBody(t)

	rec := f.do(t, http.MethodPost, "/products/"+testProductID+"/interactions/push", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

const shopifyOrderBody = `{
	"id": 820982911946154508,
	"test": false,
	"token": "order-token",
	"checkout_token": "checkout-token",
	"total_price": "42.50",
	"currency": "EUR",
	"financial_status": "paid",
	"customer": {"id": 115310627314723954},
	"line_items": [{"product_id": 632910392, "name": "IPod Nano", "price": "42.50", "quantity": 1}]
}`

func shopifyHeaders(signature string) map[string]string {
	return map[string]string{
		"X-Shopify-Hmac-Sha256": signature,
		"X-Shopify-Order-Id":    "820982911946154508",
		"X-Shopify-Topic":       "orders/updated",
	}
}

func TestShopifyHookIngests(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oracle/shopify/"+testProductID+"/hook", shopifyOrderBody,
		shopifyHeaders(signBody(shopifyOrderBody, testHookSecret)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	var purchases []store.Purchase
	require.NoError(t, f.database.Client().Find(&purchases).Error)
	require.Len(t, purchases, 1)
	assert.Equal(t, store.PurchaseStatusConfirmed, purchases[0].Status)
}

func TestShopifyHookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oracle/shopify/"+testProductID+"/hook", shopifyOrderBody,
		shopifyHeaders(signBody(shopifyOrderBody, "wrong-secret")))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ko", rec.Body.String())
}

func TestShopifyHookRequiresOrderID(t *testing.T) {
	f := newFixture(t)
	headers := shopifyHeaders(signBody(shopifyOrderBody, testHookSecret))
	delete(headers, "X-Shopify-Order-Id")

	rec := f.do(t, http.MethodPost, "/oracle/shopify/"+testProductID+"/hook", shopifyOrderBody, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWooCommerceHookIngests(t *testing.T) {
	f := newFixture(t)
	body := `{
		"id": 727,
		"status": "completed",
		"customer_id": 12,
		"order_key": "wc_order_abc",
		"total": "29.00",
		"currency": "USD",
		"line_items": []
	}`

	rec := f.do(t, http.MethodPost, "/oracle/woocommerce/"+testProductID+"/hook", body,
		map[string]string{"X-WC-Webhook-Signature": signBody(body, testHookSecret)})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTrackerRegisters(t *testing.T) {
	f := newFixture(t)
	body := `{"wallet":"` + testWallet + `","externalPurchaseId":"123","externalCustomerId":"456","token":"tok-123"}`

	rec := f.do(t, http.MethodPost, "/oracle/"+testProductID+"/tracker", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trackers, err := f.oracles.UnpushedTrackers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, testWallet, trackers[0].Wallet)
	assert.Equal(t, "tok-123", trackers[0].Token)

	// Same claim again is a no-op.
	rec = f.do(t, http.MethodPost, "/oracle/"+testProductID+"/tracker", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, testHookSecret)})
	require.Equal(t, http.StatusOK, rec.Code)
	trackers, err = f.oracles.UnpushedTrackers(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trackers, 1)
}

func TestTrackerRejectsBadHmac(t *testing.T) {
	f := newFixture(t)
	body := `{"wallet":"` + testWallet + `","externalPurchaseId":"123","token":"tok-123"}`

	rec := f.do(t, http.MethodPost, "/oracle/"+testProductID+"/tracker", body,
		map[string]string{"X-Hmac-Sha256": signBody(body, "wrong-secret")})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProofRequiresSelector(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/oracle/proof", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProofReportsPurchaseNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/oracle/proof?purchaseId=0xmissing", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
		Data   struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "purchase-not-found", body.Data.Status)
}
