// Package service реализует бизнес-логику сервиса пополнений.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/topup-system/internal/fulfillment"
	"github.com/mmeshcher/topup-system/internal/gateway"
	"github.com/mmeshcher/topup-system/internal/model"
)

// Время жизни неоплаченного заказа.
const orderTTL = 30 * time.Minute

// ErrUpstream помечает временные ошибки внешних систем: повторный вызов безопасен.
var ErrUpstream = errors.New("upstream unavailable")

// ValidationError описывает ошибку валидации входных данных с машиночитаемой причиной.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SetGatewayRef(ctx context.Context, id, ref string, raw []byte) error
	MarkExpired(ctx context.Context, id string) error
	MarkPaymentFailed(ctx context.Context, id string, raw []byte) error
	MarkFraud(ctx context.Context, id string, raw []byte) error
	MarkPaid(ctx context.Context, id string, raw []byte) error
	ClaimTopup(ctx context.Context, id string) (bool, error)
	ReleaseTopupClaim(ctx context.Context, id string) error
	FinishTopup(ctx context.Context, id string, raw []byte, ok bool) error
	OrdersForSettlement(ctx context.Context, limit int) ([]string, error)
	GetAccountTier(ctx context.Context, accountID int64) (string, error)
	GetPricingConfig(ctx context.Context, tier string) (*model.PricingConfig, error)
	SetPricingConfig(ctx context.Context, tier string, slabs []model.Slab, overrides map[string]int64) error
}

// PriceResolver описывает контракт вычисления цены товара.
type PriceResolver interface {
	Resolve(ctx context.Context, game, item, tier string) (int64, error)
}

// GatewayClient описывает контракт платёжного шлюза.
type GatewayClient interface {
	CreateTransaction(ctx context.Context, req gateway.CreateRequest) (*gateway.Transaction, error)
	CheckStatus(ctx context.Context, reference string) (*gateway.Status, error)
}

// FulfillmentClient описывает контракт API выдачи товара.
type FulfillmentClient interface {
	Deliver(ctx context.Context, req fulfillment.DeliverRequest) (*fulfillment.DeliverResult, error)
}

// Service содержит бизнес-логику сервиса пополнений.
type Service struct {
	repo        Repository
	resolver    PriceResolver
	gateway     GatewayClient
	fulfillment FulfillmentClient
	returnURL   string

	// Параметры ожидания, когда захват выдачи взят конкурентным запросом.
	claimWait     time.Duration
	claimInterval time.Duration
}

// NewService создаёт новый сервис с указанными зависимостями.
// returnURL — фиксированный адрес возврата покупателя со страницы оплаты.
func NewService(repo Repository, resolver PriceResolver, gw GatewayClient, ff FulfillmentClient, returnURL string) *Service {
	return &Service{
		repo:          repo,
		resolver:      resolver,
		gateway:       gw,
		fulfillment:   ff,
		returnURL:     returnURL,
		claimWait:     5 * time.Second,
		claimInterval: 100 * time.Millisecond,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateOrderRequest описывает запрос на создание заказа. Цена в запросе
// отсутствует намеренно: её вычисляет только сервер.
type CreateOrderRequest struct {
	Game          string
	Item          string
	PlayerID      string
	ZoneID        string
	PaymentMethod string
	Email         string
	Phone         string
	AccountID     *int64
}

// CreateOrderResult содержит идентификатор созданного заказа и ссылку на оплату.
type CreateOrderResult struct {
	OrderID    string
	PaymentURL string
	Amount     int64
}

func validateCreateRequest(req CreateOrderRequest) error {
	switch {
	case req.Game == "":
		return &ValidationError{Reason: "game_required"}
	case req.Item == "":
		return &ValidationError{Reason: "item_required"}
	case req.PlayerID == "":
		return &ValidationError{Reason: "player_required"}
	case req.PaymentMethod == "":
		return &ValidationError{Reason: "payment_method_required"}
	case req.Email == "" && req.Phone == "":
		return &ValidationError{Reason: "contact_required"}
	}
	return nil
}

// CreateOrder создаёт заказ: вычисляет цену, сохраняет заказ в статусе
// pending и открывает оплату в шлюзе. До сохранения заказа любая ошибка
// не оставляет следов, повтор запроса безопасен.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	tier := s.ResolveTier(ctx, req.AccountID)

	amount, err := s.resolver.Resolve(ctx, req.Game, req.Item, tier)
	if err != nil {
		return nil, err
	}

	orderID, err := newOrderID()
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}

	order := &model.Order{
		ID:            orderID,
		Game:          req.Game,
		Item:          req.Item,
		PlayerID:      req.PlayerID,
		ZoneID:        req.ZoneID,
		AccountID:     req.AccountID,
		Email:         req.Email,
		Phone:         req.Phone,
		Amount:        amount,
		Currency:      "IDR",
		PaymentMethod: req.PaymentMethod,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		TopupStatus:   model.TopupStatusPending,
		ExpiresAt:     time.Now().Add(orderTTL),
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// Сумма в шлюз уходит только вычисленная сервером. Если открыть оплату
	// не удалось, заказ остаётся в pending без ссылки на шлюз и завершится
	// по истечении срока.
	txn, err := s.gateway.CreateTransaction(ctx, gateway.CreateRequest{
		OrderID:       orderID,
		Amount:        amount,
		Method:        req.PaymentMethod,
		CustomerEmail: req.Email,
		CustomerPhone: req.Phone,
		ReturnURL:     s.returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open checkout: %s", ErrUpstream, err)
	}

	if err := s.repo.SetGatewayRef(ctx, orderID, txn.Reference, txn.Raw); err != nil {
		return nil, fmt.Errorf("save gateway ref: %w", err)
	}

	return &CreateOrderResult{
		OrderID:    orderID,
		PaymentURL: txn.CheckoutURL,
		Amount:     amount,
	}, nil
}

// ResolveTier возвращает категорию аккаунта. Без аккаунта и для неизвестных
// аккаунтов используется категория user: категория никогда не берётся из
// данных, присланных клиентом.
func (s *Service) ResolveTier(ctx context.Context, accountID *int64) string {
	if accountID == nil {
		return model.TierUser
	}
	tier, err := s.repo.GetAccountTier(ctx, *accountID)
	if err != nil || tier == "" {
		return model.TierUser
	}
	return tier
}

// newOrderID генерирует непредсказуемый идентификатор заказа:
// метка времени UTC плюс случайный суффикс. Идентификатор служит публичным
// ключом для опроса статуса, поэтому последовательные номера недопустимы.
func newOrderID() (string, error) {
	suffix := make([]byte, 5)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("TP%s-%s", time.Now().UTC().Format("20060102150405"), hex.EncodeToString(suffix)), nil
}

// Settle идемпотентно продвигает заказ к конечному статусу: подтверждает
// оплату, сверяет сумму и выполняет выдачу товара не более одного раза.
// Вызов безопасен при опросе, перезагрузке страницы и вебхуках.
func (s *Service) Settle(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Быстрый путь: конечный статус, внешние системы не вызываются.
	if o.Status.Terminal() {
		return o, nil
	}

	if o.PaymentStatus != model.PaymentStatusSuccess {
		if time.Now().After(o.ExpiresAt) {
			if err := s.repo.MarkExpired(ctx, orderID); err != nil {
				return nil, fmt.Errorf("mark expired: %w", err)
			}
			return s.repo.GetOrder(ctx, orderID)
		}

		// Оплата ещё не открыта в шлюзе: ждать нечего, заказ живёт до TTL.
		if o.GatewayRef == nil {
			return o, nil
		}

		st, err := s.gateway.CheckStatus(ctx, *o.GatewayRef)
		if err != nil {
			return nil, fmt.Errorf("%w: check payment status: %s", ErrUpstream, err)
		}

		switch st.TxnStatus {
		case gateway.TxnStatusUnpaid, "":
			// Оплата в процессе, статус не меняется: вызывающая сторона повторит позже.
			return o, nil
		case gateway.TxnStatusPaid:
			// Вторая граница доверия: сумма оплаты обязана совпасть с ценой заказа.
			if st.AmountReceived != o.Amount {
				if err := s.repo.MarkFraud(ctx, orderID, st.Raw); err != nil {
					return nil, fmt.Errorf("mark fraud: %w", err)
				}
				return s.repo.GetOrder(ctx, orderID)
			}
			if err := s.repo.MarkPaid(ctx, orderID, st.Raw); err != nil {
				return nil, fmt.Errorf("mark paid: %w", err)
			}
		default:
			if err := s.repo.MarkPaymentFailed(ctx, orderID, st.Raw); err != nil {
				return nil, fmt.Errorf("mark payment failed: %w", err)
			}
			return s.repo.GetOrder(ctx, orderID)
		}
	}

	// Повторный вызов по уже выданному заказу: выдача не вызывается.
	if o.TopupStatus == model.TopupStatusSuccess {
		return o, nil
	}
	if o.TopupStatus == model.TopupStatusFailed {
		return o, nil
	}

	// Захват перед неидемпотентным вызовом выдачи: из двух конкурентных
	// запросов API пополнения вызовет ровно один.
	claimed, err := s.repo.ClaimTopup(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("claim topup: %w", err)
	}
	if !claimed {
		return s.awaitTopup(ctx, orderID)
	}

	res, err := s.fulfillment.Deliver(ctx, fulfillment.DeliverRequest{
		Game:     o.Game,
		Item:     o.Item,
		PlayerID: o.PlayerID,
		ZoneID:   o.ZoneID,
	})
	if err != nil {
		// Временная ошибка: захват возвращается, заказ остаётся в состоянии
		// «оплачен, не выдан» и следующий вызов продолжит с этой точки.
		if relErr := s.repo.ReleaseTopupClaim(ctx, orderID); relErr != nil {
			return nil, fmt.Errorf("release topup claim: %w", relErr)
		}
		return nil, fmt.Errorf("%w: deliver: %s", ErrUpstream, err)
	}

	if err := s.repo.FinishTopup(ctx, orderID, res.Raw, res.Succeeded()); err != nil {
		return nil, fmt.Errorf("finish topup: %w", err)
	}

	return s.repo.GetOrder(ctx, orderID)
}

// awaitTopup дожидается результата выдачи, захваченной конкурентным запросом,
// чтобы оба вызывающих увидели одинаковый итог.
func (s *Service) awaitTopup(ctx context.Context, orderID string) (*model.Order, error) {
	deadline := time.Now().Add(s.claimWait)

	for {
		o, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status.Terminal() || o.TopupStatus == model.TopupStatusSuccess {
			return o, nil
		}
		if time.Now().After(deadline) {
			return o, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.claimInterval):
		}
	}
}

// GetPricing возвращает правила ценообразования категории.
// Для категории без конфигурации возвращается пустой набор правил.
func (s *Service) GetPricing(ctx context.Context, tier string) (*model.PricingConfig, error) {
	cfg, err := s.repo.GetPricingConfig(ctx, tier)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &model.PricingConfig{
			Tier:      tier,
			Slabs:     []model.Slab{},
			Overrides: map[string]int64{},
		}
	}
	return cfg, nil
}

// SetPricing валидирует и записывает правила ценообразования категории.
// Слэбы заменяются целиком, переопределения сливаются по ключу.
func (s *Service) SetPricing(ctx context.Context, tier string, slabs []model.Slab, overrides map[string]int64) error {
	if tier == "" {
		return &ValidationError{Reason: "tier_required"}
	}
	for _, slab := range slabs {
		if slab.Min < 0 || slab.Max <= slab.Min || slab.Percent < 0 {
			return &ValidationError{Reason: "invalid_slab"}
		}
	}
	for key, price := range overrides {
		if key == "" {
			return &ValidationError{Reason: "invalid_override_key"}
		}
		if price < 0 {
			return &ValidationError{Reason: "invalid_override_price"}
		}
	}
	return s.repo.SetPricingConfig(ctx, tier, slabs, overrides)
}

// StartSettlementSweeper запускает фоновый процесс, который проводит
// открытые заказы через Settle: опрашивает шлюз и закрывает просроченные заказы.
func (s *Service) StartSettlementSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	ids, err := s.repo.OrdersForSettlement(ctx, 100)
	if err != nil {
		return
	}

	for _, id := range ids {
		// Ошибки отдельных заказов не останавливают обход: временные сбои
		// внешних систем будут повторены на следующем тике.
		_, _ = s.Settle(ctx, id)
	}
}
