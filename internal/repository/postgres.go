// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/ramelapp/dreamcredit-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrReferralCodeTaken возвращается при коллизии реферального кода нового пользователя.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrInsufficientCredit возвращается при попытке списать толкование при нулевом остатке.
	ErrInsufficientCredit = errors.New("insufficient interpretation credit")
	// ErrAlreadyReferred возвращается, если пользователь уже был приглашён ранее.
	ErrAlreadyReferred = errors.New("user has already been referred")
	// ErrInvalidReferralCode возвращается, если код не принадлежит ни одному пользователю.
	ErrInvalidReferralCode = errors.New("invalid referral code")
	// ErrSelfReferral возвращается при попытке применить собственный реферальный код.
	ErrSelfReferral = errors.New("self referral is not allowed")
	// ErrUnknownTransaction возвращается, если платёжная транзакция не найдена.
	ErrUnknownTransaction = errors.New("unknown payment transaction")
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

// withRetry повторяет транзакцию при конфликте сериализации, дедлоке или сетевой ошибке.
// Доменные ошибки (недостаток кредитов, дубликат реферала и т.п.) не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
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
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с его реферальным кодом.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, login, password_hash, referral_code) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Login, u.PasswordHash, u.ReferralCode,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "referral_code") {
				return ErrReferralCodeTaken
			}
			return fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, referral_code, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.ReferralCode, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, referral_code, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.ReferralCode, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ensureUsage создаёт запись счётчиков с нулевыми значениями, если её ещё нет.
func ensureUsage(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_usage (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ensure usage row: %w", err)
	}
	return nil
}

// GetUsage возвращает счётчики пользователя, лениво создавая запись при первом обращении.
func (r *PostgresRepository) GetUsage(ctx context.Context, userID uuid.UUID) (*model.UsageRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUsage(ctx, tx, userID); err != nil {
		return nil, err
	}

	rec := model.UsageRecord{UserID: userID}
	err = tx.QueryRow(ctx,
		`SELECT free_interpretations_used, paid_interpretations_remaining, referral_count, last_payment_date
		 FROM user_usage
		 WHERE user_id = $1`,
		userID,
	).Scan(&rec.FreeUsed, &rec.PaidRemaining, &rec.ReferralCount, &rec.LastPaymentDate)
	if err != nil {
		return nil, fmt.Errorf("select usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &rec, nil
}

// ConsumeCredit списывает одно толкование. Остаток перепроверяется под блокировкой
// строки пользователя: два конкурентных списания не могут потратить один и тот же кредит.
// Платные толкования расходуются раньше бесплатной квоты.
func (r *PostgresRepository) ConsumeCredit(ctx context.Context, userID uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := ensureUsage(ctx, tx, userID); err != nil {
			return err
		}

		var freeUsed, paidRemaining int
		err = tx.QueryRow(ctx,
			`SELECT free_interpretations_used, paid_interpretations_remaining
			 FROM user_usage
			 WHERE user_id = $1
			 FOR UPDATE`,
			userID,
		).Scan(&freeUsed, &paidRemaining)
		if err != nil {
			return fmt.Errorf("lock usage row: %w", err)
		}

		rec := model.UsageRecord{FreeUsed: freeUsed, PaidRemaining: paidRemaining}
		if !rec.CanConsume() {
			return ErrInsufficientCredit
		}

		if paidRemaining > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE user_usage
				 SET paid_interpretations_remaining = paid_interpretations_remaining - 1, updated_at = now()
				 WHERE user_id = $1`,
				userID,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE user_usage
				 SET free_interpretations_used = free_interpretations_used + 1, updated_at = now()
				 WHERE user_id = $1`,
				userID,
			)
		}
		if err != nil {
			return fmt.Errorf("consume credit: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// AddCredits начисляет пользователю платные толкования.
// При markPayment дополнительно обновляется дата последней оплаты.
func (r *PostgresRepository) AddCredits(ctx context.Context, userID uuid.UUID, amount int, markPayment bool) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := creditInTx(ctx, tx, userID, amount, markPayment); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func creditInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, markPayment bool) error {
	if err := ensureUsage(ctx, tx, userID); err != nil {
		return err
	}

	if markPayment {
		_, err := tx.Exec(ctx,
			`UPDATE user_usage
			 SET paid_interpretations_remaining = paid_interpretations_remaining + $2,
			     last_payment_date = now(),
			     updated_at = now()
			 WHERE user_id = $1`,
			userID, amount,
		)
		if err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(ctx,
		`UPDATE user_usage
		 SET paid_interpretations_remaining = paid_interpretations_remaining + $2, updated_at = now()
		 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// CreateReferral применяет реферальный код к новому пользователю.
// Создание связи, начисление бонусов обеим сторонам и инкремент счётчика
// пригласившего выполняются в одной транзакции: частичное применение невозможно.
func (r *PostgresRepository) CreateReferral(ctx context.Context, code string, newUserID uuid.UUID) (uuid.UUID, error) {
	var referrerID uuid.UUID

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var alreadyReferred bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM referrals WHERE referred_id = $1)`,
			newUserID,
		).Scan(&alreadyReferred)
		if err != nil {
			return fmt.Errorf("check existing referral: %w", err)
		}
		if alreadyReferred {
			return ErrAlreadyReferred
		}

		err = tx.QueryRow(ctx,
			`SELECT id FROM users WHERE referral_code = $1`,
			code,
		).Scan(&referrerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidReferralCode
			}
			return fmt.Errorf("resolve referral code: %w", err)
		}

		if referrerID == newUserID {
			return ErrSelfReferral
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO referrals (id, referrer_id, referred_id, status) VALUES ($1, $2, $3, $4)`,
			uuid.New(), referrerID, newUserID, string(model.ReferralStatusCompleted),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrAlreadyReferred
			}
			return fmt.Errorf("insert referral: %w", err)
		}

		if err := creditInTx(ctx, tx, referrerID, model.ReferralBonus, false); err != nil {
			return err
		}
		if err := creditInTx(ctx, tx, newUserID, model.ReferralBonus, false); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE user_usage SET referral_count = referral_count + 1, updated_at = now() WHERE user_id = $1`,
			referrerID,
		)
		if err != nil {
			return fmt.Errorf("increment referral count: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	return referrerID, nil
}

// GetReferralForUser возвращает связь, в которой пользователь является приглашённым.
func (r *PostgresRepository) GetReferralForUser(ctx context.Context, referredID uuid.UUID) (*model.Referral, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, referrer_id, referred_id, status, created_at FROM referrals WHERE referred_id = $1`,
		referredID,
	)

	var ref model.Referral
	var status string
	err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.ReferredID, &status, &ref.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get referral: %w", err)
	}
	ref.Status = model.ReferralStatus(status)

	return &ref, nil
}

// CreatePaymentTransaction сохраняет новую транзакцию в статусе pending.
func (r *PostgresRepository) CreatePaymentTransaction(ctx context.Context, t *model.PaymentTransaction) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_transactions
		 (id, user_id, amount_cents, currency, status, payment_provider, package_name, interpretations_granted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.AmountCents, t.Currency, string(model.PaymentStatusPending),
		string(t.Provider), t.PackageName, t.InterpretationsGranted,
	)
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// SetProviderOrderID сохраняет внешний идентификатор заказа у провайдера.
func (r *PostgresRepository) SetProviderOrderID(ctx context.Context, id uuid.UUID, providerOrderID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions SET provider_order_id = $2 WHERE id = $1`,
		id, providerOrderID,
	)
	if err != nil {
		return fmt.Errorf("set provider order id: %w", err)
	}
	return nil
}

// GetPaymentTransactionByProviderOrderID возвращает транзакцию по внешнему идентификатору заказа.
func (r *PostgresRepository) GetPaymentTransactionByProviderOrderID(ctx context.Context, provider model.PaymentProvider, providerOrderID string) (*model.PaymentTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, amount_cents, currency, status, payment_provider, package_name,
		        interpretations_granted, COALESCE(provider_order_id, ''), created_at, payment_date
		 FROM payment_transactions
		 WHERE payment_provider = $1 AND provider_order_id = $2`,
		string(provider), providerOrderID,
	)

	t, err := scanPaymentTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownTransaction
		}
		return nil, fmt.Errorf("get payment transaction: %w", err)
	}

	return t, nil
}

// GetPaymentTransactionsByUser возвращает историю покупок пользователя.
func (r *PostgresRepository) GetPaymentTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]model.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount_cents, currency, status, payment_provider, package_name,
		        interpretations_granted, COALESCE(provider_order_id, ''), created_at, payment_date
		 FROM payment_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTransaction
	for rows.Next() {
		t, err := scanPaymentTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanPaymentTransaction(row pgx.Row) (*model.PaymentTransaction, error) {
	var (
		t        model.PaymentTransaction
		status   string
		provider string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.AmountCents, &t.Currency, &status, &provider,
		&t.PackageName, &t.InterpretationsGranted, &t.ProviderOrderID, &t.CreatedAt, &t.PaymentDate)
	if err != nil {
		return nil, err
	}
	t.Status = model.PaymentStatus(status)
	t.Provider = model.PaymentProvider(provider)
	return &t, nil
}

// ReconcilePayment переводит транзакцию в конечный статус и при успехе начисляет
// купленные толкования в той же транзакции БД. Повторное уведомление по уже
// завершённой транзакции не имеет побочных эффектов: кредит начисляется ровно один раз.
// Возвращает признак того, что переход в completed произошёл именно сейчас.
func (r *PostgresRepository) ReconcilePayment(ctx context.Context, id uuid.UUID, status model.PaymentStatus, providerOrderID string) (bool, error) {
	if !status.Terminal() {
		return false, nil
	}

	var credited bool

	err := r.withRetry(ctx, func() error {
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			userID        uuid.UUID
			currentStatus string
			granted       int
		)
		err = tx.QueryRow(ctx,
			`SELECT user_id, status, interpretations_granted
			 FROM payment_transactions
			 WHERE id = $1
			 FOR UPDATE`,
			id,
		).Scan(&userID, &currentStatus, &granted)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnknownTransaction
			}
			return fmt.Errorf("lock payment transaction: %w", err)
		}

		// Конечный статус не меняется: дубликат уведомления — это no-op.
		if model.PaymentStatus(currentStatus).Terminal() {
			return tx.Commit(ctx)
		}

		if status == model.PaymentStatusCompleted {
			_, err = tx.Exec(ctx,
				`UPDATE payment_transactions
				 SET status = $2,
				     provider_order_id = COALESCE(NULLIF($3, ''), provider_order_id),
				     payment_date = now()
				 WHERE id = $1`,
				id, string(status), providerOrderID,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE payment_transactions
				 SET status = $2,
				     provider_order_id = COALESCE(NULLIF($3, ''), provider_order_id)
				 WHERE id = $1`,
				id, string(status), providerOrderID,
			)
		}
		if err != nil {
			return fmt.Errorf("update payment transaction: %w", err)
		}

		if status == model.PaymentStatusCompleted {
			if err := creditInTx(ctx, tx, userID, granted, true); err != nil {
				return err
			}
			credited = true
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return credited, nil
}

// SaveDream сохраняет сон вместе с полученными толкованиями.
func (r *PostgresRepository) SaveDream(ctx context.Context, d *model.Dream) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dreams (id, user_id, dream_text, islamic, spiritual, psychological)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.UserID, d.Text,
		d.Interpretations.Islamic, d.Interpretations.Spiritual, d.Interpretations.Psychological,
	)
	if err != nil {
		return fmt.Errorf("insert dream: %w", err)
	}
	return nil
}

// GetDreamsByUser возвращает историю снов пользователя, начиная с последних.
func (r *PostgresRepository) GetDreamsByUser(ctx context.Context, userID uuid.UUID) ([]model.Dream, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, dream_text, islamic, spiritual, psychological, created_at
		 FROM dreams
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select dreams: %w", err)
	}
	defer rows.Close()

	var res []model.Dream
	for rows.Next() {
		var d model.Dream
		err := rows.Scan(&d.ID, &d.UserID, &d.Text,
			&d.Interpretations.Islamic, &d.Interpretations.Spiritual, &d.Interpretations.Psychological,
			&d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dream: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
