package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/topup-system/internal/fulfillment"
	"github.com/mmeshcher/topup-system/internal/gateway"
	"github.com/mmeshcher/topup-system/internal/model"
	"github.com/mmeshcher/topup-system/internal/pricing"
	"github.com/mmeshcher/topup-system/internal/repository"
)

// stubRepo воспроизводит в памяти условные переходы статусов,
// включая атомарный захват выдачи.
type stubRepo struct {
	mu      sync.Mutex
	orders  map[string]*model.Order
	tiers   map[int64]string
	configs map[string]*model.PricingConfig

	setConfigTier      string
	setConfigSlabs     []model.Slab
	setConfigOverrides map[string]int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:  map[string]*model.Order{},
		tiers:   map[int64]string{},
		configs: map[string]*model.PricingConfig{},
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return repository.ErrOrderExists
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *stubRepo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubRepo) SetGatewayRef(ctx context.Context, id, ref string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.GatewayRef == nil {
		o.GatewayRef = &ref
		o.GatewayRaw = raw
	}
	return nil
}

func (s *stubRepo) MarkExpired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok &&
		o.Status == model.OrderStatusPending && o.PaymentStatus != model.PaymentStatusSuccess {
		o.Status = model.OrderStatusExpired
	}
	return nil
}

func (s *stubRepo) MarkPaymentFailed(ctx context.Context, id string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.Status == model.OrderStatusPending {
		o.Status = model.OrderStatusFailed
		o.PaymentStatus = model.PaymentStatusFailed
		o.GatewayRaw = raw
	}
	return nil
}

func (s *stubRepo) MarkFraud(ctx context.Context, id string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.Status == model.OrderStatusPending {
		o.Status = model.OrderStatusFraud
		o.GatewayRaw = raw
	}
	return nil
}

func (s *stubRepo) MarkPaid(ctx context.Context, id string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok &&
		o.Status == model.OrderStatusPending && o.PaymentStatus == model.PaymentStatusPending {
		o.PaymentStatus = model.PaymentStatusSuccess
		o.GatewayRaw = raw
	}
	return nil
}

func (s *stubRepo) ClaimTopup(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, repository.ErrOrderNotFound
	}
	if o.Status == model.OrderStatusPending &&
		o.PaymentStatus == model.PaymentStatusSuccess &&
		o.TopupStatus == model.TopupStatusPending {
		o.TopupStatus = model.TopupStatusProcessing
		return true, nil
	}
	return false, nil
}

func (s *stubRepo) ReleaseTopupClaim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.TopupStatus == model.TopupStatusProcessing {
		o.TopupStatus = model.TopupStatusPending
	}
	return nil
}

func (s *stubRepo) FinishTopup(ctx context.Context, id string, raw []byte, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, found := s.orders[id]
	if !found || o.TopupStatus != model.TopupStatusProcessing {
		return nil
	}
	o.FulfillmentRaw = raw
	if ok {
		o.Status = model.OrderStatusSuccess
		o.TopupStatus = model.TopupStatusSuccess
	} else {
		o.Status = model.OrderStatusFailed
		o.TopupStatus = model.TopupStatusFailed
	}
	return nil
}

func (s *stubRepo) OrdersForSettlement(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.Status == model.OrderStatusPending && (o.GatewayRef != nil || time.Now().After(o.ExpiresAt)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *stubRepo) GetAccountTier(ctx context.Context, accountID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tier, ok := s.tiers[accountID]
	if !ok {
		return "", repository.ErrAccountNotFound
	}
	return tier, nil
}

func (s *stubRepo) GetPricingConfig(ctx context.Context, tier string) (*model.PricingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[tier], nil
}

func (s *stubRepo) SetPricingConfig(ctx context.Context, tier string, slabs []model.Slab, overrides map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigTier = tier
	s.setConfigSlabs = slabs
	s.setConfigOverrides = overrides
	return nil
}

type stubResolver struct {
	price int64
	err   error

	lastTier string
}

func (s *stubResolver) Resolve(ctx context.Context, game, item, tier string) (int64, error) {
	s.lastTier = tier
	return s.price, s.err
}

type stubGateway struct {
	mu sync.Mutex

	txn       *gateway.Transaction
	createErr error

	status    *gateway.Status
	statusErr error

	createCalls int
	statusCalls int

	lastAmount int64
}

func (s *stubGateway) CreateTransaction(ctx context.Context, req gateway.CreateRequest) (*gateway.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	s.lastAmount = req.Amount
	return s.txn, s.createErr
}

func (s *stubGateway) CheckStatus(ctx context.Context, reference string) (*gateway.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	return s.status, s.statusErr
}

type stubFulfillment struct {
	mu sync.Mutex

	res   *fulfillment.DeliverResult
	err   error
	delay time.Duration

	calls int
}

func (s *stubFulfillment) Deliver(ctx context.Context, req fulfillment.DeliverRequest) (*fulfillment.DeliverResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.res, s.err
}

func (s *stubFulfillment) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func deliverResult(t *testing.T, body string) *fulfillment.DeliverResult {
	t.Helper()
	res, err := fulfillment.ParseResult([]byte(body))
	if err != nil {
		t.Fatalf("parse deliver result: %v", err)
	}
	return res
}

func newTestService(repo *stubRepo, r *stubResolver, gw *stubGateway, ff *stubFulfillment) *Service {
	svc := NewService(repo, r, gw, ff, "https://topup.example.com/invoice")
	svc.claimWait = time.Second
	svc.claimInterval = 10 * time.Millisecond
	return svc
}

func seedPaidOrder(repo *stubRepo, id string, amount int64) {
	ref := "T-" + id
	repo.orders[id] = &model.Order{
		ID:            id,
		Game:          "mobile-legends",
		Item:          "diamond-86",
		PlayerID:      "123456789",
		ZoneID:        "2685",
		Amount:        amount,
		Currency:      "IDR",
		PaymentMethod: "qris",
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		TopupStatus:   model.TopupStatusPending,
		GatewayRef:    &ref,
		ExpiresAt:     time.Now().Add(30 * time.Minute),
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubResolver{price: 1000}, &stubGateway{}, &stubFulfillment{})

	tests := []struct {
		name   string
		req    CreateOrderRequest
		reason string
	}{
		{"missing game", CreateOrderRequest{Item: "i", PlayerID: "1", PaymentMethod: "qris", Email: "a@b.c"}, "game_required"},
		{"missing item", CreateOrderRequest{Game: "g", PlayerID: "1", PaymentMethod: "qris", Email: "a@b.c"}, "item_required"},
		{"missing player", CreateOrderRequest{Game: "g", Item: "i", PaymentMethod: "qris", Email: "a@b.c"}, "player_required"},
		{"missing method", CreateOrderRequest{Game: "g", Item: "i", PlayerID: "1", Email: "a@b.c"}, "payment_method_required"},
		{"missing contact", CreateOrderRequest{Game: "g", Item: "i", PlayerID: "1", PaymentMethod: "qris"}, "contact_required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), tt.req)

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Reason != tt.reason {
				t.Fatalf("reason = %s, want %s", vErr.Reason, tt.reason)
			}
			if len(repo.orders) != 0 {
				t.Fatalf("validation failure must not persist orders")
			}
		})
	}
}

func TestCreateOrder_PricingFailureLeavesNoState(t *testing.T) {
	repo := newStubRepo()
	resolver := &stubResolver{err: pricing.ErrItemNotFound}
	gw := &stubGateway{}
	svc := newTestService(repo, resolver, gw, &stubFulfillment{})

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		Game: "mobile-legends", Item: "no-such", PlayerID: "1", PaymentMethod: "qris", Email: "a@b.c",
	})
	if !errors.Is(err, pricing.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if len(repo.orders) != 0 {
		t.Fatalf("pricing failure must not persist orders")
	}
	if gw.createCalls != 0 {
		t.Fatalf("gateway must not be called on pricing failure")
	}
}

func TestCreateOrder_UsesResolvedPrice(t *testing.T) {
	repo := newStubRepo()
	resolver := &stubResolver{price: 22000}
	gw := &stubGateway{
		txn: &gateway.Transaction{Reference: "T1", CheckoutURL: "https://pay.example.com/T1"},
	}
	svc := newTestService(repo, resolver, gw, &stubFulfillment{})

	res, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		Game: "mobile-legends", Item: "diamond-86", PlayerID: "123", ZoneID: "1",
		PaymentMethod: "qris", Email: "a@b.c",
	})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if res.Amount != 22000 {
		t.Fatalf("amount = %d, want 22000", res.Amount)
	}
	if gw.lastAmount != 22000 {
		t.Fatalf("gateway got amount %d, want resolved 22000", gw.lastAmount)
	}
	if res.PaymentURL != "https://pay.example.com/T1" {
		t.Fatalf("payment url = %s", res.PaymentURL)
	}

	o, err := repo.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if o.Status != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	if o.Amount != 22000 {
		t.Fatalf("persisted amount = %d, want 22000", o.Amount)
	}
	if o.GatewayRef == nil || *o.GatewayRef != "T1" {
		t.Fatalf("gateway ref not saved: %v", o.GatewayRef)
	}
	if time.Until(o.ExpiresAt) > 31*time.Minute || time.Until(o.ExpiresAt) < 29*time.Minute {
		t.Fatalf("unexpected TTL: %v", time.Until(o.ExpiresAt))
	}
}

func TestCreateOrder_CheckoutFailureKeepsPendingOrder(t *testing.T) {
	repo := newStubRepo()
	gw := &stubGateway{createErr: errors.New("gateway down")}
	svc := newTestService(repo, &stubResolver{price: 1000}, gw, &stubFulfillment{})

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		Game: "mobile-legends", Item: "diamond-86", PlayerID: "123",
		PaymentMethod: "qris", Phone: "+79991234567",
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	// Заказ остаётся в pending без ссылки на шлюз и завершится по TTL.
	if len(repo.orders) != 1 {
		t.Fatalf("orders count = %d, want 1", len(repo.orders))
	}
	for _, o := range repo.orders {
		if o.Status != model.OrderStatusPending || o.GatewayRef != nil {
			t.Fatalf("unexpected order state: %+v", o)
		}
	}
}

func TestResolveTier(t *testing.T) {
	repo := newStubRepo()
	repo.tiers[7] = "gold"
	svc := newTestService(repo, &stubResolver{}, &stubGateway{}, &stubFulfillment{})

	if tier := svc.ResolveTier(context.Background(), nil); tier != model.TierUser {
		t.Fatalf("tier without account = %s, want user", tier)
	}

	known := int64(7)
	if tier := svc.ResolveTier(context.Background(), &known); tier != "gold" {
		t.Fatalf("tier = %s, want gold", tier)
	}

	unknown := int64(99)
	if tier := svc.ResolveTier(context.Background(), &unknown); tier != model.TierUser {
		t.Fatalf("tier for unknown account = %s, want user", tier)
	}
}

func TestSettle_NotFound(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubResolver{}, &stubGateway{}, &stubFulfillment{})

	_, err := svc.Settle(context.Background(), "missing")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSettle_FastPathSkipsExternalCalls(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)
	repo.orders["TP1"].Status = model.OrderStatusSuccess
	repo.orders["TP1"].PaymentStatus = model.PaymentStatusSuccess
	repo.orders["TP1"].TopupStatus = model.TopupStatusSuccess

	gw := &stubGateway{}
	ff := &stubFulfillment{}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusSuccess {
		t.Fatalf("status = %s, want success", o.Status)
	}
	if gw.statusCalls != 0 || ff.callCount() != 0 {
		t.Fatalf("fast path must not call external systems")
	}
}

func TestSettle_ExpiresUnpaidOrder(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)
	repo.orders["TP1"].ExpiresAt = time.Now().Add(-time.Minute)

	// Шлюз всё ещё отвечает UNPAID, но срок заказа истёк.
	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusUnpaid}}
	ff := &stubFulfillment{}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", o.Status)
	}
	if ff.callCount() != 0 {
		t.Fatalf("fulfillment must not be called for expired order")
	}
}

func TestSettle_PendingGatewayKeepsState(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusUnpaid}}
	svc := newTestService(repo, &stubResolver{}, gw, &stubFulfillment{})

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	if o.PaymentStatus != model.PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", o.PaymentStatus)
	}
}

func TestSettle_GatewayFailureMarksFailed(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusExpired}}
	ff := &stubFulfillment{}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if ff.callCount() != 0 {
		t.Fatalf("fulfillment must not be called after payment failure")
	}
}

func TestSettle_AmountMismatchIsFraud(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 499}}
	ff := &stubFulfillment{res: deliverResult(t, `{"success":true}`)}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusFraud {
		t.Fatalf("status = %s, want fraud", o.Status)
	}
	if ff.callCount() != 0 {
		t.Fatalf("fulfillment must never be called on amount mismatch")
	}

	// Повторный вызов не меняет вердикт.
	o, err = svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("second Settle error: %v", err)
	}
	if o.Status != model.OrderStatusFraud {
		t.Fatalf("status after replay = %s, want fraud", o.Status)
	}
}

func TestSettle_ZeroPaidAmountIsFraud(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 0}}
	svc := newTestService(repo, &stubResolver{}, gw, &stubFulfillment{})

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusFraud {
		t.Fatalf("status = %s, want fraud", o.Status)
	}
}

func TestSettle_SuccessfulFlow(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 500}}
	ff := &stubFulfillment{res: deliverResult(t, `{"success":true}`)}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusSuccess {
		t.Fatalf("status = %s, want success", o.Status)
	}
	if o.PaymentStatus != model.PaymentStatusSuccess || o.TopupStatus != model.TopupStatusSuccess {
		t.Fatalf("sub-statuses = %s/%s, want success/success", o.PaymentStatus, o.TopupStatus)
	}
	if ff.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want 1", ff.callCount())
	}
	if len(o.FulfillmentRaw) == 0 {
		t.Fatalf("fulfillment raw response not persisted")
	}
}

func TestSettle_ReplayDoesNotRedeliver(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 500}}
	ff := &stubFulfillment{res: deliverResult(t, `{"success":true}`)}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	first, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("first Settle error: %v", err)
	}
	second, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("second Settle error: %v", err)
	}

	if ff.callCount() != 1 {
		t.Fatalf("deliver calls = %d, want exactly 1", ff.callCount())
	}
	if first.Status != second.Status || second.Status != model.OrderStatusSuccess {
		t.Fatalf("replay results differ: %s vs %s", first.Status, second.Status)
	}
}

func TestSettle_TransientDeliverFailureIsResumable(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 500}}
	ff := &stubFulfillment{err: errors.New("connection reset")}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	_, err := svc.Settle(context.Background(), "TP1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	// Контрольная точка «оплачен, не выдан» сохранена, захват возвращён.
	o, _ := repo.GetOrder(context.Background(), "TP1")
	if o.Status != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	if o.PaymentStatus != model.PaymentStatusSuccess {
		t.Fatalf("payment checkpoint lost: %s", o.PaymentStatus)
	}
	if o.TopupStatus != model.TopupStatusPending {
		t.Fatalf("topup claim not released: %s", o.TopupStatus)
	}

	// Следующий вызов продолжает с контрольной точки и завершает выдачу.
	ff.err = nil
	ff.res = deliverResult(t, `{"success":true}`)

	o, err = svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("resumed Settle error: %v", err)
	}
	if o.Status != model.OrderStatusSuccess {
		t.Fatalf("status = %s, want success", o.Status)
	}
}

func TestSettle_ExplicitDeliverFailureIsTerminal(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 500}}
	ff := &stubFulfillment{res: deliverResult(t, `{"success":false,"message":"out of stock"}`)}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	o, err := svc.Settle(context.Background(), "TP1")
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if o.Status != model.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if o.TopupStatus != model.TopupStatusFailed {
		t.Fatalf("topup status = %s, want failed", o.TopupStatus)
	}
	if len(o.FulfillmentRaw) == 0 {
		t.Fatalf("raw failure response must be persisted for audit")
	}
}

func TestSettle_ConcurrentCallsDeliverOnce(t *testing.T) {
	repo := newStubRepo()
	seedPaidOrder(repo, "TP1", 500)

	gw := &stubGateway{status: &gateway.Status{TxnStatus: gateway.TxnStatusPaid, AmountReceived: 500}}
	ff := &stubFulfillment{
		res:   deliverResult(t, `{"success":true}`),
		delay: 50 * time.Millisecond,
	}
	svc := newTestService(repo, &stubResolver{}, gw, ff)

	const callers = 4
	results := make([]model.OrderStatus, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := svc.Settle(context.Background(), "TP1")
			errs[i] = err
			if o != nil {
				results[i] = o.Status
			}
		}(i)
	}
	wg.Wait()

	if got := ff.callCount(); got != 1 {
		t.Fatalf("deliver calls = %d, want exactly 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != model.OrderStatusSuccess {
			t.Fatalf("caller %d status = %s, want success", i, results[i])
		}
	}
}

func TestSetPricing_Validation(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubResolver{}, &stubGateway{}, &stubFulfillment{})

	err := svc.SetPricing(context.Background(), "gold",
		[]model.Slab{{Min: 300, Max: 100, Percent: 5}}, nil)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Reason != "invalid_slab" {
		t.Fatalf("expected invalid_slab, got %v", err)
	}

	err = svc.SetPricing(context.Background(), "gold",
		nil, map[string]int64{"mobile-legends/diamond-86": -1})
	if !errors.As(err, &vErr) || vErr.Reason != "invalid_override_price" {
		t.Fatalf("expected invalid_override_price, got %v", err)
	}

	err = svc.SetPricing(context.Background(), "gold",
		[]model.Slab{{Min: 100, Max: 300, Percent: 10}},
		map[string]int64{"mobile-legends/diamond-86": 199})
	if err != nil {
		t.Fatalf("SetPricing error: %v", err)
	}
	if repo.setConfigTier != "gold" {
		t.Fatalf("config written for tier %q, want gold", repo.setConfigTier)
	}
}

func TestGetPricing_EmptyConfigForUnknownTier(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubResolver{}, &stubGateway{}, &stubFulfillment{})

	cfg, err := svc.GetPricing(context.Background(), "silver")
	if err != nil {
		t.Fatalf("GetPricing error: %v", err)
	}
	if cfg == nil || cfg.Tier != "silver" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Slabs) != 0 || len(cfg.Overrides) != 0 {
		t.Fatalf("config for unknown tier must be empty")
	}
}

func TestStartSettlementSweeper_StopsOnContextCancel(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubResolver{}, &stubGateway{}, &stubFulfillment{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.StartSettlementSweeper(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartSettlementSweeper did not return")
	}
}
