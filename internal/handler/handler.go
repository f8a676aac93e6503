// Package handler содержит HTTP-обработчики API сервиса пополнений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/topup-system/internal/catalog"
	"github.com/mmeshcher/topup-system/internal/middleware"
	"github.com/mmeshcher/topup-system/internal/model"
	"github.com/mmeshcher/topup-system/internal/pricing"
	"github.com/mmeshcher/topup-system/internal/repository"
	"github.com/mmeshcher/topup-system/internal/service"
	"github.com/mmeshcher/topup-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.CreateOrderResult, error)
	Settle(ctx context.Context, orderID string) (*model.Order, error)
	GetPricing(ctx context.Context, tier string) (*model.PricingConfig, error)
	SetPricing(ctx context.Context, tier string, slabs []model.Slab, overrides map[string]int64) error
	ResolveTier(ctx context.Context, accountID *int64) string
}

// Handler реализует HTTP-обработчики API сервиса пополнений.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string, retry bool) {
	msg := "request failed"
	switch status {
	case http.StatusBadRequest:
		msg = "invalid request"
	case http.StatusUnprocessableEntity:
		msg = "unknown product"
	case http.StatusBadGateway:
		msg = "service temporarily unavailable"
	case http.StatusForbidden:
		msg = "forbidden"
	case http.StatusNotFound:
		msg = "not found"
	}
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason, Retry: retry})
}

// Поля price/amount в запросе отсутствуют намеренно: цену вычисляет сервер.
type createOrderRequest struct {
	Game          string `json:"game"`
	Item          string `json:"item"`
	PlayerID      string `json:"player_id"`
	ZoneID        string `json:"zone_id"`
	PaymentMethod string `json:"payment_method"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
}

type createOrderResponse struct {
	OrderID    string `json:"order_id"`
	PaymentURL string `json:"payment_url"`
	Amount     int64  `json:"amount"`
}

// CreateOrder создаёт заказ и возвращает ссылку на страницу оплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", false)
		return
	}

	if req.Game != "" && !validation.IsValidCode(req.Game) {
		writeError(w, http.StatusBadRequest, "invalid_game", false)
		return
	}
	if req.Item != "" && !validation.IsValidCode(req.Item) {
		writeError(w, http.StatusBadRequest, "invalid_item", false)
		return
	}
	if req.PlayerID != "" && !validation.IsValidPlayerID(req.PlayerID) {
		writeError(w, http.StatusBadRequest, "invalid_player", false)
		return
	}
	if req.Email != "" && !validation.IsValidEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid_email", false)
		return
	}
	if req.Phone != "" && !validation.IsValidPhone(req.Phone) {
		writeError(w, http.StatusBadRequest, "invalid_phone", false)
		return
	}

	var accountID *int64
	if id, ok := middleware.GetAccountIDFromContext(r.Context()); ok {
		accountID = &id
	}

	res, err := h.service.CreateOrder(r.Context(), service.CreateOrderRequest{
		Game:          req.Game,
		Item:          req.Item,
		PlayerID:      req.PlayerID,
		ZoneID:        req.ZoneID,
		PaymentMethod: req.PaymentMethod,
		Email:         req.Email,
		Phone:         req.Phone,
		AccountID:     accountID,
	})
	if err != nil {
		var vErr *service.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, vErr.Reason, false)
		case errors.Is(err, pricing.ErrItemNotFound):
			writeError(w, http.StatusUnprocessableEntity, "item_not_found", false)
		case errors.Is(err, catalog.ErrGameNotFound):
			writeError(w, http.StatusUnprocessableEntity, "game_not_found", false)
		case errors.Is(err, service.ErrUpstream):
			writeError(w, http.StatusBadGateway, "upstream_error", true)
		default:
			h.logger.Error("create order error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", false)
		}
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:    res.OrderID,
		PaymentURL: res.PaymentURL,
		Amount:     res.Amount,
	})
}

type settleResponse struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	TopupStatus   string          `json:"topup_status"`
	Amount        int64           `json:"amount"`
	Message       string          `json:"message"`
	Fulfillment   json.RawMessage `json:"fulfillment,omitempty"`
}

func settleMessage(status model.OrderStatus) string {
	switch status {
	case model.OrderStatusSuccess:
		return "order completed"
	case model.OrderStatusFailed:
		return "order failed, contact support"
	case model.OrderStatusFraud:
		return "payment amount mismatch, contact support"
	case model.OrderStatusExpired:
		return "order expired"
	default:
		return "payment is being processed, retry later"
	}
}

// VerifyOrder идемпотентно продвигает заказ через settle и возвращает его статус.
func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	o, err := h.service.Settle(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order_not_found", false)
		case errors.Is(err, service.ErrUpstream):
			writeError(w, http.StatusBadGateway, "upstream_error", true)
		default:
			h.logger.Error("settle error", zap.Error(err), zap.String("order", orderID))
			writeError(w, http.StatusInternalServerError, "internal_error", false)
		}
		return
	}

	writeJSON(w, http.StatusOK, settleResponse{
		OrderID:       o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		TopupStatus:   string(o.TopupStatus),
		Amount:        o.Amount,
		Message:       settleMessage(o.Status),
		Fulfillment:   json.RawMessage(o.FulfillmentRaw),
	})
}

type paymentNotifyRequest struct {
	MerchantRef string `json:"merchant_ref"`
}

// PaymentNotify обрабатывает вебхук платёжного шлюза. Вебхук — лишь ещё один
// вызов settle: вся логика переходов остаётся в одном месте.
func (h *Handler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	var req paymentNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MerchantRef == "" {
		writeError(w, http.StatusBadRequest, "malformed_json", false)
		return
	}

	_, err := h.service.Settle(r.Context(), req.MerchantRef)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order_not_found", false)
		case errors.Is(err, service.ErrUpstream):
			// Шлюз повторит вебхук: временная ошибка не скрывается за 200.
			writeError(w, http.StatusBadGateway, "upstream_error", true)
		default:
			h.logger.Error("payment notify error", zap.Error(err), zap.String("order", req.MerchantRef))
			writeError(w, http.StatusInternalServerError, "internal_error", false)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) requesterTier(r *http.Request) (string, bool) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		return "", false
	}
	return h.service.ResolveTier(r.Context(), &accountID), true
}

// GetPricing возвращает правила ценообразования категории.
// Доступно только аккаунтам с повышенной категорией.
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.requesterTier(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if tier == model.TierUser {
		writeError(w, http.StatusForbidden, "elevated_tier_required", false)
		return
	}

	cfg, err := h.service.GetPricing(r.Context(), chi.URLParam(r, "tier"))
	if err != nil {
		h.logger.Error("get pricing error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", false)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

type updatePricingRequest struct {
	Slabs     []model.Slab     `json:"slabs"`
	Overrides map[string]int64 `json:"overrides"`
}

// UpdatePricing записывает правила ценообразования категории. Только владелец.
func (h *Handler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	tier, ok := h.requesterTier(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if tier != model.TierOwner {
		writeError(w, http.StatusForbidden, "owner_tier_required", false)
		return
	}

	var req updatePricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", false)
		return
	}

	err := h.service.SetPricing(r.Context(), chi.URLParam(r, "tier"), req.Slabs, req.Overrides)
	if err != nil {
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Reason, false)
			return
		}
		h.logger.Error("update pricing error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", false)
		return
	}

	w.WriteHeader(http.StatusOK)
}
