// Package pricing вычисляет итоговую цену товара для категории аккаунта.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mmeshcher/topup-system/internal/catalog"
	"github.com/mmeshcher/topup-system/internal/model"
)

// ErrItemNotFound возвращается, если товар отсутствует в каталоге.
var ErrItemNotFound = errors.New("item not found")

// CatalogClient описывает контракт внешнего каталога с базовыми ценами.
type CatalogClient interface {
	ListItems(ctx context.Context, game string) ([]catalog.Item, error)
}

// ConfigStore описывает контракт чтения правил ценообразования.
// Отсутствие конфигурации для категории не является ошибкой: возвращается nil.
type ConfigStore interface {
	GetPricingConfig(ctx context.Context, tier string) (*model.PricingConfig, error)
}

// strategy пытается вычислить цену товара. Возвращает ok=false, если
// стратегия не обслуживает указанную игру и нужно перейти к следующей.
type strategy interface {
	Resolve(ctx context.Context, game, item, tier string) (price int64, ok bool, err error)
}

// Resolver вычисляет цену по упорядоченному списку стратегий: сначала
// статические каталоги, затем динамический каталог с правилами наценки.
type Resolver struct {
	strategies []strategy
}

// NewResolver создаёт резолвер цен со статическими каталогами по умолчанию.
func NewResolver(cc CatalogClient, store ConfigStore) *Resolver {
	return &Resolver{
		strategies: []strategy{
			staticStrategy{game: GameMembership, prices: DefaultMembershipPrices},
			staticStrategy{game: GameStreaming, prices: DefaultStreamingPrices},
			dynamicStrategy{catalog: cc, store: store},
		},
	}
}

// Resolve возвращает итоговую цену товара. Цена, присланная клиентом,
// нигде не участвует: это единственный источник цены заказа.
func (r *Resolver) Resolve(ctx context.Context, game, item, tier string) (int64, error) {
	for _, s := range r.strategies {
		price, ok, err := s.Resolve(ctx, game, item, tier)
		if err != nil {
			return 0, err
		}
		if ok {
			return price, nil
		}
	}
	return 0, fmt.Errorf("%w: %s/%s", ErrItemNotFound, game, item)
}

// staticStrategy обслуживает один статический каталог с фиксированными ценами.
type staticStrategy struct {
	game   string
	prices map[string]int64
}

func (s staticStrategy) Resolve(_ context.Context, game, item, _ string) (int64, bool, error) {
	if game != s.game {
		return 0, false, nil
	}
	price, found := s.prices[item]
	if !found {
		return 0, false, fmt.Errorf("%w: %s/%s", ErrItemNotFound, game, item)
	}
	return price, true, nil
}

// dynamicStrategy берёт базовую цену из внешнего каталога и применяет
// правила категории: переопределение цены важнее слэба, слэбы — первый
// подходящий по диапазону min <= base < max.
type dynamicStrategy struct {
	catalog CatalogClient
	store   ConfigStore
}

func (d dynamicStrategy) Resolve(ctx context.Context, game, item, tier string) (int64, bool, error) {
	items, err := d.catalog.ListItems(ctx, game)
	if err != nil {
		return 0, false, fmt.Errorf("list catalog items: %w", err)
	}

	var base int64
	found := false
	for _, it := range items {
		if it.Code == item {
			base = it.Price
			found = true
			break
		}
	}
	if !found {
		return 0, false, fmt.Errorf("%w: %s/%s", ErrItemNotFound, game, item)
	}

	if tier == model.TierOwner {
		return base, true, nil
	}

	cfg, err := d.store.GetPricingConfig(ctx, tier)
	if err != nil {
		return 0, false, fmt.Errorf("get pricing config: %w", err)
	}
	if cfg == nil {
		return base, true, nil
	}

	if override, has := cfg.Overrides[model.OverrideKey(game, item)]; has {
		return override, true, nil
	}

	for _, slab := range cfg.Slabs {
		if base >= slab.Min && base < slab.Max {
			return applyMarkup(base, slab.Percent), true, nil
		}
	}

	return base, true, nil
}

// applyMarkup применяет процентную наценку с округлением вверх:
// потеря точности не должна уменьшать цену. Порядок операций важен:
// base*(1+percent/100) накапливает двоичную погрешность и для целых
// процентов даёт 220.00000000000003 вместо 220.
func applyMarkup(base int64, percent float64) int64 {
	return int64(math.Ceil(float64(base) * (100 + percent) / 100))
}
