package oracle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perknet/settlement-node/logger"
	"github.com/perknet/settlement-node/store"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"id":1001}`)
	sig := signBody(body, "secret")

	assert.True(t, ValidSignature(body, "secret", sig))
	assert.False(t, ValidSignature(body, "other", sig))
	assert.False(t, ValidSignature(body, "secret", "bogus"))
	assert.False(t, ValidSignature(body, "secret", ""))
}

const shopifyOrderBody = `{
	"id": 1001,
	"test": false,
	"token": "order-token",
	"checkout_token": "checkout-token",
	"total_price": "42.00",
	"currency": "USD",
	"financial_status": "paid",
	"customer": {"id": 7},
	"line_items": [
		{"product_id": 11, "name": "thing", "price": "42.00", "quantity": 1}
	]
}`

func TestIngestShopify(t *testing.T) {
	s, database := newTestStore(t)
	oracle := seedOracle(t, s, testProductID)
	ingestor := NewIngestor(s, logger.Nop())
	ctx := context.Background()

	body := []byte(shopifyOrderBody)
	headers := ShopifyHeaders{
		Signature: signBody(body, oracle.HookSignatureKey),
		OrderID:   "1001",
		Topic:     "orders/updated",
	}
	require.NoError(t, ingestor.IngestShopify(ctx, testProductID, body, headers))

	purchase, err := s.PurchaseByID(ctx, PurchaseIDFor(testProductID, 1001))
	require.NoError(t, err)
	require.NotNil(t, purchase)
	assert.Equal(t, store.PurchaseStatusConfirmed, purchase.Status)
	assert.Equal(t, "1001", purchase.ExternalID)
	assert.Equal(t, "7", purchase.ExternalCustomerID)
	require.NotNil(t, purchase.PurchaseToken)
	assert.Equal(t, "checkout-token", *purchase.PurchaseToken)

	var items int64
	require.NoError(t, database.Client().Model(&store.PurchaseItem{}).Count(&items).Error)
	assert.Equal(t, int64(1), items)
}

func TestIngestShopifyRejectsBadSignature(t *testing.T) {
	s, _ := newTestStore(t)
	seedOracle(t, s, testProductID)
	ingestor := NewIngestor(s, logger.Nop())

	body := []byte(shopifyOrderBody)
	headers := ShopifyHeaders{Signature: signBody(body, "wrong-secret"), OrderID: "1001"}
	err := ingestor.IngestShopify(context.Background(), testProductID, body, headers)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIngestShopifyRejectsHeaderMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	oracle := seedOracle(t, s, testProductID)
	ingestor := NewIngestor(s, logger.Nop())
	body := []byte(shopifyOrderBody)

	headers := ShopifyHeaders{
		Signature: signBody(body, oracle.HookSignatureKey),
		OrderID:   "9999",
	}
	err := ingestor.IngestShopify(context.Background(), testProductID, body, headers)
	assert.ErrorIs(t, err, ErrPayloadMismatch)

	headers = ShopifyHeaders{
		Signature: signBody(body, oracle.HookSignatureKey),
		OrderID:   "1001",
		Test:      true,
	}
	err = ingestor.IngestShopify(context.Background(), testProductID, body, headers)
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestIngestShopifyUnknownOracle(t *testing.T) {
	s, _ := newTestStore(t)
	ingestor := NewIngestor(s, logger.Nop())

	err := ingestor.IngestShopify(context.Background(), "0xdead", []byte(shopifyOrderBody), ShopifyHeaders{Signature: "x"})
	assert.ErrorIs(t, err, ErrOracleNotFound)
}

func TestIngestWooCommerce(t *testing.T) {
	s, _ := newTestStore(t)
	oracle := seedOracle(t, s, testProductID)
	ingestor := NewIngestor(s, logger.Nop())
	ctx := context.Background()

	body := []byte(`{
		"id": 2002,
		"status": "refunded",
		"customer_id": 9,
		"order_key": "wc_order_abc",
		"transaction_id": "txn-1",
		"total": "15.50",
		"currency": "EUR",
		"line_items": [
			{"product_id": 3, "name": "widget", "price": 15.5, "quantity": 1}
		]
	}`)
	sig := signBody(body, oracle.HookSignatureKey)
	require.NoError(t, ingestor.IngestWooCommerce(ctx, testProductID, body, sig))

	purchase, err := s.PurchaseByID(ctx, PurchaseIDFor(testProductID, 2002))
	require.NoError(t, err)
	require.NotNil(t, purchase)
	assert.Equal(t, store.PurchaseStatusRefunded, purchase.Status)
	require.NotNil(t, purchase.PurchaseToken)
	assert.Equal(t, "wc_order_abc", *purchase.PurchaseToken)
}

func TestIngestWooCommerceRejectsBadSignature(t *testing.T) {
	s, _ := newTestStore(t)
	seedOracle(t, s, testProductID)
	ingestor := NewIngestor(s, logger.Nop())

	err := ingestor.IngestWooCommerce(context.Background(), testProductID, []byte(`{"id":1}`), "bogus")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestStatusMappings(t *testing.T) {
	assert.Equal(t, store.PurchaseStatusConfirmed, shopifyStatus("paid"))
	assert.Equal(t, store.PurchaseStatusRefunded, shopifyStatus("refunded"))
	assert.Equal(t, store.PurchaseStatusCancelled, shopifyStatus("voided"))
	assert.Equal(t, store.PurchaseStatusPending, shopifyStatus("pending"))
	assert.Equal(t, store.PurchaseStatusPending, shopifyStatus("partially_paid"))

	assert.Equal(t, store.PurchaseStatusConfirmed, wooCommerceStatus("confirmed"))
	assert.Equal(t, store.PurchaseStatusRefunded, wooCommerceStatus("refunded"))
	assert.Equal(t, store.PurchaseStatusCancelled, wooCommerceStatus("cancelled"))
	assert.Equal(t, store.PurchaseStatusPending, wooCommerceStatus("on-hold"))
}
