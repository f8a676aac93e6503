// Package model содержит доменные сущности сервиса пополнений.
package model

import "time"

// Категории аккаунтов. Категория owner не получает наценку и управляет ценами.
const (
	TierUser  = "user"
	TierOwner = "owner"
)

// OrderStatus описывает итоговый бизнес-статус заказа.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusSuccess OrderStatus = "success"
	OrderStatusFailed  OrderStatus = "failed"
	OrderStatusFraud   OrderStatus = "fraud"
	OrderStatusExpired OrderStatus = "expired"
)

// Terminal сообщает, является ли статус конечным. Конечные статусы не перезаписываются.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusSuccess, OrderStatusFailed, OrderStatusFraud, OrderStatusExpired:
		return true
	}
	return false
}

// PaymentStatus описывает фазу оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// TopupStatus описывает фазу выдачи товара. Статус processing означает,
// что вызов API пополнения захвачен одним из конкурентных запросов.
type TopupStatus string

const (
	TopupStatusPending    TopupStatus = "pending"
	TopupStatusProcessing TopupStatus = "processing"
	TopupStatusSuccess    TopupStatus = "success"
	TopupStatusFailed     TopupStatus = "failed"
)

// Order описывает заказ на пополнение. Поле Amount вычисляется сервером
// один раз при создании заказа и далее не изменяется.
type Order struct {
	ID             string
	Game           string
	Item           string
	PlayerID       string
	ZoneID         string
	AccountID      *int64
	Email          string
	Phone          string
	Amount         int64
	Currency       string
	PaymentMethod  string
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	TopupStatus    TopupStatus
	GatewayRef     *string
	GatewayRaw     []byte
	FulfillmentRaw []byte
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Slab описывает ценовой диапазон с процентной наценкой.
// Диапазон полуоткрытый: min <= базовая цена < max.
type Slab struct {
	Min     int64   `json:"min"`
	Max     int64   `json:"max"`
	Percent float64 `json:"percent"`
}

// PricingConfig содержит правила ценообразования для одной категории аккаунтов.
// Ключ overrides — "<игра>/<код товара>", значение — фиксированная цена.
type PricingConfig struct {
	Tier      string           `json:"tier"`
	Slabs     []Slab           `json:"slabs"`
	Overrides map[string]int64 `json:"overrides"`
}

// OverrideKey возвращает ключ переопределения цены для пары игра/товар.
func OverrideKey(game, item string) string {
	return game + "/" + item
}
