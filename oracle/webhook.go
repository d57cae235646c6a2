package oracle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/store"
)

// Webhook ingestion: provider order events become purchase rows. Providers
// give only a few seconds to answer, so ingestion does validation and the
// upsert and nothing else; leaf computation and root sync happen in the
// update worker.

// ErrBadSignature rejects a webhook whose HMAC does not match the oracle's
// hook secret.
var ErrBadSignature = errors.New("webhook signature mismatch")

// ErrOracleNotFound rejects a webhook for a product without an oracle.
var ErrOracleNotFound = errors.New("product oracle not found")

// ErrPayloadMismatch rejects a webhook whose body contradicts its headers.
var ErrPayloadMismatch = errors.New("webhook payload mismatch")

// ShopifyOrderEvent is the subset of the Shopify order webhook payload the
// oracle consumes.
type ShopifyOrderEvent struct {
	ID             int64   `json:"id"`
	Test           bool    `json:"test"`
	Token          string  `json:"token"`
	CheckoutToken  *string `json:"checkout_token"`
	TotalPrice     string  `json:"total_price"`
	Currency       string  `json:"currency"`
	FinancialStatus string `json:"financial_status"`
	Customer       struct {
		ID int64 `json:"id"`
	} `json:"customer"`
	LineItems []ShopifyLineItem `json:"line_items"`
}

type ShopifyLineItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
}

// ShopifyHeaders carries the webhook headers the ingest path checks.
type ShopifyHeaders struct {
	Signature string // X-Shopify-Hmac-Sha256
	OrderID   string // X-Shopify-Order-Id
	Topic     string // X-Shopify-Topic
	Test      bool   // X-Shopify-Test
}

// WooCommerceOrderEvent is the subset of the WooCommerce order webhook
// payload the oracle consumes.
type WooCommerceOrderEvent struct {
	ID            int64           `json:"id"`
	Status        string          `json:"status"`
	CustomerID    int64           `json:"customer_id"`
	OrderKey      string          `json:"order_key"`
	TransactionID string          `json:"transaction_id"`
	Total         string          `json:"total"`
	Currency      string          `json:"currency"`
	LineItems     []WooCommerceLineItem `json:"line_items"`
}

type WooCommerceLineItem struct {
	ProductID int64       `json:"product_id"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Quantity  int         `json:"quantity"`
}

// Ingestor turns validated provider webhooks into purchase rows.
type Ingestor struct {
	store  *Store
	logger zerolog.Logger
}

func NewIngestor(store *Store, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger.With().Str("component", "webhook_ingestor").Logger(),
	}
}

// IngestShopify validates and records one Shopify order event for a product.
func (i *Ingestor) IngestShopify(ctx context.Context, productID string, body []byte, headers ShopifyHeaders) error {
	oracle, err := i.store.OracleByProductID(ctx, productID)
	if err != nil {
		return err
	}
	if oracle == nil {
		return ErrOracleNotFound
	}
	if !ValidSignature(body, oracle.HookSignatureKey, headers.Signature) {
		return ErrBadSignature
	}

	var event ShopifyOrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return errors.Wrap(err, "failed to decode shopify order event")
	}
	// The order id header must agree with the signed body.
	if headers.OrderID != "" && headers.OrderID != strconv.FormatInt(event.ID, 10) {
		return ErrPayloadMismatch
	}
	if headers.Test != event.Test {
		return ErrPayloadMismatch
	}

	token := event.Token
	if event.CheckoutToken != nil {
		token = *event.CheckoutToken
	}
	purchaseID := PurchaseIDFor(oracle.ProductID, event.ID)
	purchase := store.Purchase{
		OracleID:           oracle.ID,
		PurchaseID:         purchaseID,
		ExternalID:         strconv.FormatInt(event.ID, 10),
		ExternalCustomerID: strconv.FormatInt(event.Customer.ID, 10),
		PurchaseToken:      &token,
		TotalPrice:         event.TotalPrice,
		CurrencyCode:       event.Currency,
		Status:             shopifyStatus(event.FinancialStatus),
	}
	items := make([]store.PurchaseItem, len(event.LineItems))
	for n, item := range event.LineItems {
		items[n] = store.PurchaseItem{
			ExternalID: strconv.FormatInt(item.ProductID, 10),
			Name:       item.Name,
			Price:      item.Price,
			Quantity:   item.Quantity,
		}
	}

	i.logger.Debug().
		Str("product_id", productID).
		Str("purchase_id", purchaseID).
		Str("status", string(purchase.Status)).
		Msg("handling shopify order event")
	return i.store.UpsertPurchase(ctx, purchase, items)
}

// IngestWooCommerce validates and records one WooCommerce order event.
func (i *Ingestor) IngestWooCommerce(ctx context.Context, productID string, body []byte, signature string) error {
	oracle, err := i.store.OracleByProductID(ctx, productID)
	if err != nil {
		return err
	}
	if oracle == nil {
		return ErrOracleNotFound
	}
	if !ValidSignature(body, oracle.HookSignatureKey, signature) {
		return ErrBadSignature
	}

	var event WooCommerceOrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return errors.Wrap(err, "failed to decode woocommerce order event")
	}

	token := event.OrderKey
	if token == "" {
		token = event.TransactionID
	}
	purchaseID := PurchaseIDFor(oracle.ProductID, event.ID)
	purchase := store.Purchase{
		OracleID:           oracle.ID,
		PurchaseID:         purchaseID,
		ExternalID:         strconv.FormatInt(event.ID, 10),
		ExternalCustomerID: strconv.FormatInt(event.CustomerID, 10),
		PurchaseToken:      &token,
		TotalPrice:         event.Total,
		CurrencyCode:       event.Currency,
		Status:             wooCommerceStatus(event.Status),
	}
	items := make([]store.PurchaseItem, len(event.LineItems))
	for n, item := range event.LineItems {
		items[n] = store.PurchaseItem{
			ExternalID: strconv.FormatInt(item.ProductID, 10),
			Name:       item.Name,
			Price:      item.Price.String(),
			Quantity:   item.Quantity,
		}
	}

	i.logger.Debug().
		Str("product_id", productID).
		Str("purchase_id", purchaseID).
		Str("status", string(purchase.Status)).
		Msg("handling woocommerce order event")
	return i.store.UpsertPurchase(ctx, purchase, items)
}

// ValidSignature checks a provider HMAC: base64 of HMAC-SHA256 over the raw
// body, compared in constant time.
func ValidSignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func shopifyStatus(financialStatus string) store.PurchaseStatus {
	switch financialStatus {
	case "paid":
		return store.PurchaseStatusConfirmed
	case "refunded":
		return store.PurchaseStatusRefunded
	case "voided":
		return store.PurchaseStatusCancelled
	default:
		return store.PurchaseStatusPending
	}
}

func wooCommerceStatus(orderStatus string) store.PurchaseStatus {
	switch orderStatus {
	case "confirmed":
		return store.PurchaseStatusConfirmed
	case "refunded":
		return store.PurchaseStatusRefunded
	case "cancelled":
		return store.PurchaseStatusCancelled
	default:
		return store.PurchaseStatusPending
	}
}
