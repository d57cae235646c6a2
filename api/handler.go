// Package api exposes the settlement node's HTTP surface: health, the
// authenticated interaction push endpoint, the provider webhook hooks and a
// proof debug endpoint.
package api

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/interaction"
	"github.com/perknet/settlement-node/oracle"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

// maxBodyBytes caps webhook and push payloads. Provider order payloads stay
// well under this.
const maxBodyBytes = 1 << 20

// Handler serves the node's REST routes.
type Handler struct {
	queue    *pending.Store
	oracles  *oracle.Store
	ingestor *oracle.Ingestor
	proofs   interaction.ProofProvider
	diamonds interaction.DiamondResolver
	sim      interaction.Nudger
	logger   zerolog.Logger
}

func NewHandler(queue *pending.Store, oracles *oracle.Store, ingestor *oracle.Ingestor, proofs interaction.ProofProvider, diamonds interaction.DiamondResolver, logger zerolog.Logger) *Handler {
	return &Handler{
		queue:    queue,
		oracles:  oracles,
		ingestor: ingestor,
		proofs:   proofs,
		diamonds: diamonds,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// WithSimulationNudge wires the simulation worker so pushed interactions are
// picked up without waiting for the next tick.
func (h *Handler) WithSimulationNudge(sim interaction.Nudger) *Handler {
	h.sim = sim
	return h
}

// RegisterRoutes registers all routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /products/{productId}/interactions/push", h.handlePush)
	mux.HandleFunc("POST /oracle/shopify/{productId}/hook", h.handleShopifyHook)
	mux.HandleFunc("POST /oracle/woocommerce/{productId}/hook", h.handleWooCommerceHook)
	mux.HandleFunc("POST /oracle/{productId}/tracker", h.handleTracker)
	mux.HandleFunc("GET /oracle/proof", h.handleProof)
}

type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func successResponse(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Status: "ok", Data: data})
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Status: "error", Message: message})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	successResponse(w, nil)
}

// pushRequest is the direct interaction push body.
type pushRequest struct {
	Wallet      string `json:"wallet"`
	Interaction struct {
		HandlerTypeDenominator string `json:"handlerTypeDenominator"`
		InteractionData        string `json:"interactionData"`
	} `json:"interaction"`
	Signature *string `json:"signature"`
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseProductParam(r.PathValue("productId"))
	if !ok {
		errorResponse(w, http.StatusBadRequest, "invalid product id")
		return
	}
	signature := r.Header.Get("X-Hmac-Sha256")
	if signature == "" {
		errorResponse(w, http.StatusBadRequest, "missing hmac")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !common.IsHexAddress(req.Wallet) || req.Interaction.InteractionData == "" || req.Interaction.HandlerTypeDenominator == "" {
		errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}

	// The product's registered hook secret authenticates direct pushes too.
	registered, err := h.oracles.OracleByProductID(r.Context(), r.PathValue("productId"))
	if err != nil {
		h.logger.Error().Err(err).Msg("product lookup failed")
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if registered == nil {
		errorResponse(w, http.StatusNotFound, "product not registered")
		return
	}
	if !oracle.ValidSignature(body, registered.HookSignatureKey, signature) {
		errorResponse(w, http.StatusForbidden, "invalid hmac")
		return
	}

	diamond, err := h.diamonds.Resolve(r.Context(), productID)
	if err != nil {
		h.logger.Error().Err(err).Str("product_id", r.PathValue("productId")).Msg("diamond resolution failed")
		errorResponse(w, http.StatusInternalServerError, "failed to resolve product contract")
		return
	}
	if diamond == (common.Address{}) {
		errorResponse(w, http.StatusBadRequest, "no diamond found for the product")
		return
	}

	row := store.PendingInteraction{
		Wallet:          strings.ToLower(req.Wallet),
		ProductID:       r.PathValue("productId"),
		TypeDenominator: req.Interaction.HandlerTypeDenominator,
		InteractionData: req.Interaction.InteractionData,
		Signature:       req.Signature,
		Status:          store.InteractionStatusPending,
	}
	inserted, err := h.queue.Insert(r.Context(), []store.PendingInteraction{row})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to enqueue pushed interaction")
		errorResponse(w, http.StatusInternalServerError, "insert failed")
		return
	}
	if inserted > 0 && h.sim != nil {
		h.sim.Nudge()
	}
	successResponse(w, map[string]any{"inserted": inserted})
}

func (h *Handler) handleShopifyHook(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}
	headers := oracle.ShopifyHeaders{
		Signature: r.Header.Get("X-Shopify-Hmac-Sha256"),
		OrderID:   r.Header.Get("X-Shopify-Order-Id"),
		Topic:     r.Header.Get("X-Shopify-Topic"),
		Test:      r.Header.Get("X-Shopify-Test") == "true",
	}
	if headers.OrderID == "" {
		errorResponse(w, http.StatusBadRequest, "missing order id")
		return
	}
	if !strings.HasPrefix(headers.Topic, "orders/") {
		errorResponse(w, http.StatusBadRequest, "unsupported topic")
		return
	}
	h.answerHook(w, productID, h.ingestor.IngestShopify(r.Context(), productID, body, headers))
}

func (h *Handler) handleWooCommerceHook(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-WC-Webhook-Signature")
	h.answerHook(w, productID, h.ingestor.IngestWooCommerce(r.Context(), productID, body, signature))
}

// answerHook maps ingest outcomes to provider-facing responses. Validation
// failures get a 4xx so a misconfigured shop notices; anything past
// validation answers success-shaped, storage hiccups are retried through the
// next order event rather than a provider redelivery storm.
func (h *Handler) answerHook(w http.ResponseWriter, productID string, err error) {
	w.Header().Set("Content-Type", "text/plain")
	switch {
	case err == nil:
		_, _ = w.Write([]byte("ok"))
	case errors.Is(err, oracle.ErrOracleNotFound):
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("ko"))
	case errors.Is(err, oracle.ErrBadSignature):
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("ko"))
	case errors.Is(err, oracle.ErrPayloadMismatch):
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("ko"))
	default:
		h.logger.Error().Err(err).Str("product_id", productID).Msg("webhook ingestion failed")
		_, _ = w.Write([]byte("ko"))
	}
}

// trackerRequest registers a purchase claim for later proof-driven settlement.
type trackerRequest struct {
	Wallet             string `json:"wallet"`
	ExternalPurchaseID string `json:"externalPurchaseId"`
	ExternalCustomerID string `json:"externalCustomerId"`
	Token              string `json:"token"`
}

func (h *Handler) handleTracker(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("X-Hmac-Sha256")
	if signature == "" {
		errorResponse(w, http.StatusBadRequest, "missing hmac")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req trackerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !common.IsHexAddress(req.Wallet) || (req.ExternalPurchaseID == "" && req.Token == "") {
		errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}

	registered, err := h.oracles.OracleByProductID(r.Context(), r.PathValue("productId"))
	if err != nil {
		h.logger.Error().Err(err).Msg("product lookup failed")
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if registered == nil {
		errorResponse(w, http.StatusNotFound, "product not registered")
		return
	}
	if !oracle.ValidSignature(body, registered.HookSignatureKey, signature) {
		errorResponse(w, http.StatusForbidden, "invalid hmac")
		return
	}

	tracker := store.PurchaseTracker{
		Wallet:             strings.ToLower(req.Wallet),
		ExternalPurchaseID: req.ExternalPurchaseID,
		ExternalCustomerID: req.ExternalCustomerID,
		Token:              req.Token,
	}
	if err := h.oracles.InsertTracker(r.Context(), &tracker); err != nil {
		h.logger.Error().Err(err).Msg("failed to register purchase tracker")
		errorResponse(w, http.StatusInternalServerError, "insert failed")
		return
	}
	successResponse(w, map[string]any{"id": tracker.ID})
}

func (h *Handler) handleProof(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sel := oracle.Selector{
		ProductID:  query.Get("productId"),
		PurchaseID: query.Get("purchaseId"),
		Token:      query.Get("token"),
		ExternalID: query.Get("externalId"),
	}
	if sel.PurchaseID == "" && sel.Token == "" && sel.ExternalID == "" {
		errorResponse(w, http.StatusBadRequest, "missing purchase selector")
		return
	}

	result, err := h.proofs.GetPurchaseProof(r.Context(), sel)
	if err != nil {
		h.logger.Error().Err(err).Msg("proof lookup failed")
		errorResponse(w, http.StatusInternalServerError, "proof lookup failed")
		return
	}
	successResponse(w, proofResponse(result))
}

// proofResponse flattens the tagged proof outcome for the wire.
func proofResponse(result oracle.Result) map[string]any {
	body := map[string]any{"status": result.Status()}
	if found, ok := result.(oracle.Found); ok {
		body["root"] = found.Proof.Root.Hex()
		body["proof"] = found.Proof.Path
		body["purchaseId"] = found.Purchase.PurchaseID
		body["productId"] = found.Oracle.ProductID
	}
	return body
}

func parseProductParam(raw string) (*big.Int, bool) {
	if !strings.HasPrefix(raw, "0x") {
		return nil, false
	}
	id, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), 16)
	return id, ok
}
