// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/topup-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ с указанным идентификатором не существует.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrOrderExists возвращается при попытке создать заказ с занятым идентификатором.
	ErrOrderExists = errors.New("order already exists")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках: сериализация,
// дедлоки, обрывы соединения. Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOrder сохраняет новый заказ в статусе pending.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO orders
			 (id, game, item, player_id, zone_id, account_id, email, phone,
			  amount, currency, payment_method, status, payment_status, topup_status, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			o.ID, o.Game, o.Item, o.PlayerID, o.ZoneID, o.AccountID, o.Email, o.Phone,
			o.Amount, o.Currency, o.PaymentMethod,
			string(model.OrderStatusPending), string(model.PaymentStatusPending), string(model.TopupStatusPending),
			o.ExpiresAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
			}
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, game, item, player_id, zone_id, account_id, email, phone,
		        amount, currency, payment_method, status, payment_status, topup_status,
		        gateway_ref, gateway_raw, fulfillment_raw, expires_at, created_at, updated_at
		 FROM orders WHERE id = $1`,
		id,
	)

	var (
		o             model.Order
		status        string
		paymentStatus string
		topupStatus   string
	)
	err := row.Scan(&o.ID, &o.Game, &o.Item, &o.PlayerID, &o.ZoneID, &o.AccountID, &o.Email, &o.Phone,
		&o.Amount, &o.Currency, &o.PaymentMethod, &status, &paymentStatus, &topupStatus,
		&o.GatewayRef, &o.GatewayRaw, &o.FulfillmentRaw, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	o.TopupStatus = model.TopupStatus(topupStatus)

	return &o, nil
}

// SetGatewayRef сохраняет идентификатор транзакции шлюза и сырой ответ на открытие оплаты.
func (r *PostgresRepository) SetGatewayRef(ctx context.Context, id, ref string, raw []byte) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET gateway_ref = $2, gateway_raw = $3, updated_at = now()
			 WHERE id = $1 AND gateway_ref IS NULL`,
			id, ref, rawJSON(raw),
		)
		if err != nil {
			return fmt.Errorf("set gateway ref: %w", err)
		}
		return nil
	})
}

// MarkExpired переводит неоплаченный заказ в конечный статус expired.
// Конечные статусы и оплаченные заказы не затрагиваются.
func (r *PostgresRepository) MarkExpired(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now()
			 WHERE id = $1 AND status = $3 AND payment_status <> $4`,
			id, string(model.OrderStatusExpired),
			string(model.OrderStatusPending), string(model.PaymentStatusSuccess),
		)
		if err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		return nil
	})
}

// MarkPaymentFailed переводит заказ в конечный статус failed после отказа шлюза.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, id string, raw []byte) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2, payment_status = $3, gateway_raw = $4, updated_at = now()
			 WHERE id = $1 AND status = $5`,
			id, string(model.OrderStatusFailed), string(model.PaymentStatusFailed), rawJSON(raw),
			string(model.OrderStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark payment failed: %w", err)
		}
		return nil
	})
}

// MarkFraud переводит заказ в конечный статус fraud при расхождении суммы оплаты.
func (r *PostgresRepository) MarkFraud(ctx context.Context, id string, raw []byte) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2, gateway_raw = $3, updated_at = now()
			 WHERE id = $1 AND status = $4`,
			id, string(model.OrderStatusFraud), rawJSON(raw),
			string(model.OrderStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark fraud: %w", err)
		}
		return nil
	})
}

// MarkPaid фиксирует подтверждение оплаты. Это долговременная контрольная
// точка: выдача товара выполняется только после неё.
func (r *PostgresRepository) MarkPaid(ctx context.Context, id string, raw []byte) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET payment_status = $2, gateway_raw = $3, updated_at = now()
			 WHERE id = $1 AND status = $4 AND payment_status = $5`,
			id, string(model.PaymentStatusSuccess), rawJSON(raw),
			string(model.OrderStatusPending), string(model.PaymentStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		return nil
	})
}

// ClaimTopup атомарно захватывает право на вызов API пополнения:
// topup_status переводится из pending в processing одним условным UPDATE.
// Возвращает false, если захват уже выполнен другим запросом или выдача завершена.
func (r *PostgresRepository) ClaimTopup(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET topup_status = $2, updated_at = now()
			 WHERE id = $1 AND status = $3 AND payment_status = $4 AND topup_status = $5`,
			id, string(model.TopupStatusProcessing),
			string(model.OrderStatusPending), string(model.PaymentStatusSuccess), string(model.TopupStatusPending),
		)
		if err != nil {
			return fmt.Errorf("claim topup: %w", err)
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	return claimed, err
}

// ReleaseTopupClaim возвращает захват после временной ошибки выдачи,
// чтобы последующий вызов settle мог повторить попытку.
func (r *PostgresRepository) ReleaseTopupClaim(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET topup_status = $2, updated_at = now()
			 WHERE id = $1 AND topup_status = $3`,
			id, string(model.TopupStatusPending), string(model.TopupStatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("release topup claim: %w", err)
		}
		return nil
	})
}

// FinishTopup записывает результат выдачи и итоговый статус заказа.
// Сырой ответ API пополнения сохраняется в любом случае.
func (r *PostgresRepository) FinishTopup(ctx context.Context, id string, raw []byte, ok bool) error {
	status := model.OrderStatusFailed
	topup := model.TopupStatusFailed
	if ok {
		status = model.OrderStatusSuccess
		topup = model.TopupStatusSuccess
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2, topup_status = $3, fulfillment_raw = $4, updated_at = now()
			 WHERE id = $1 AND topup_status = $5`,
			id, string(status), string(topup), rawJSON(raw),
			string(model.TopupStatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("finish topup: %w", err)
		}
		return nil
	})
}

// OrdersForSettlement возвращает идентификаторы заказов, которые нужно
// провести через settle: открытые оплаты и заказы с истёкшим сроком.
func (r *PostgresRepository) OrdersForSettlement(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM orders
		 WHERE status = $1 AND (gateway_ref IS NOT NULL OR expires_at < now())
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.OrderStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for settlement: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// GetAccountTier возвращает категорию аккаунта.
func (r *PostgresRepository) GetAccountTier(ctx context.Context, accountID int64) (string, error) {
	var tier string
	err := r.pool.QueryRow(ctx,
		`SELECT tier FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return "", fmt.Errorf("get account tier: %w", err)
	}
	return tier, nil
}

// GetPricingConfig возвращает правила ценообразования категории.
// Отсутствие конфигурации не является ошибкой: возвращается nil.
func (r *PostgresRepository) GetPricingConfig(ctx context.Context, tier string) (*model.PricingConfig, error) {
	var (
		slabsJSON     []byte
		overridesJSON []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT slabs, overrides FROM pricing_configs WHERE tier = $1`,
		tier,
	).Scan(&slabsJSON, &overridesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pricing config: %w", err)
	}

	cfg := &model.PricingConfig{Tier: tier}
	if err := json.Unmarshal(slabsJSON, &cfg.Slabs); err != nil {
		return nil, fmt.Errorf("unmarshal slabs: %w", err)
	}
	if err := json.Unmarshal(overridesJSON, &cfg.Overrides); err != nil {
		return nil, fmt.Errorf("unmarshal overrides: %w", err)
	}

	return cfg, nil
}

// SetPricingConfig записывает правила ценообразования категории. Слэбы
// заменяются целиком, переопределения сливаются по ключу: входящие записи
// заменяют совпадающие ключи, остальные сохраняются.
func (r *PostgresRepository) SetPricingConfig(ctx context.Context, tier string, slabs []model.Slab, overrides map[string]int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		merged := map[string]int64{}

		var existingJSON []byte
		err = tx.QueryRow(ctx,
			`SELECT overrides FROM pricing_configs WHERE tier = $1 FOR UPDATE`,
			tier,
		).Scan(&existingJSON)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock pricing config: %w", err)
		}
		if len(existingJSON) > 0 {
			if err := json.Unmarshal(existingJSON, &merged); err != nil {
				return fmt.Errorf("unmarshal existing overrides: %w", err)
			}
		}

		for k, v := range overrides {
			merged[k] = v
		}

		slabsJSON, err := json.Marshal(slabs)
		if err != nil {
			return fmt.Errorf("marshal slabs: %w", err)
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal overrides: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO pricing_configs (tier, slabs, overrides, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (tier) DO UPDATE
			 SET slabs = EXCLUDED.slabs, overrides = EXCLUDED.overrides, updated_at = now()`,
			tier, slabsJSON, mergedJSON,
		)
		if err != nil {
			return fmt.Errorf("upsert pricing config: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// rawJSON приводит сырой ответ внешней системы к значению для JSONB-колонки.
// Пустые и невалидные тела заворачиваются в JSON-строку, чтобы запись аудита не терялась.
func rawJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
