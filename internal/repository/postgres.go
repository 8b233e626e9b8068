// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/giro-ledger/internal/model"
	"github.com/mmeshcher/giro-ledger/internal/reward"
	"github.com/mmeshcher/giro-ledger/internal/tier"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать счёт с уже существующим логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если счёт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrItemNotFound возвращается, если товар не найден в каталоге.
	ErrItemNotFound = errors.New("item not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrEntryNotFound возвращается, если запись журнала не найдена.
	ErrEntryNotFound = errors.New("ledger entry not found")
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только конфликты сериализации и дедлоки: такую транзакцию
		// PostgreSQL гарантированно откатил целиком, повторное применение
		// мутации безопасно. Сетевые ошибки не ретраим — обрыв соединения во
		// время COMMIT не говорит, зафиксировалась транзакция или нет, и
		// повтор рискует применить списание или начисление дважды.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		break
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт новый счёт с нулевым балансом.
func (r *PostgresRepository) CreateAccount(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

const accountColumns = `id, login, password_hash, balance, total_earned, total_spent,
	 activity_count, discount_tier, last_daily_reward_at, received_welcome_bonus, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var discountTier string
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash, &a.Balance, &a.TotalEarned, &a.TotalSpent,
		&a.ActivityCount, &discountTier, &a.LastDailyRewardAt, &a.ReceivedWelcomeBonus, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.DiscountTier = model.Tier(discountTier)
	return &a, nil
}

// GetAccountByLogin возвращает счёт по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE login = $1`,
		login,
	)
	return scanAccount(row)
}

// GetAccountByID возвращает счёт по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	return scanAccount(row)
}

// CreateItem добавляет товар в каталог.
func (r *PostgresRepository) CreateItem(ctx context.Context, ownerID int64, title string, price int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO items (owner_id, title, price) VALUES ($1, $2, $3) RETURNING id`,
		ownerID, title, price,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create item: %w", err)
	}
	return id, nil
}

// GetItem возвращает товар каталога по идентификатору.
func (r *PostgresRepository) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	var it model.Item
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, price, created_at FROM items WHERE id = $1`,
		id,
	).Scan(&it.ID, &it.OwnerID, &it.Title, &it.Price, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &it, nil
}

// GrantReward начисляет награду на счёт и создаёт запись журнала типа reward.
// Строка счёта блокируется на время транзакции: проверка права на награду и
// изменение баланса выполняются атомарно, поэтому две конкурентные заявки на
// одну и ту же дневную награду обе пройти не могут.
func (r *PostgresRepository) GrantReward(ctx context.Context, accountID int64, rule reward.Rule, amount int64, description string, now time.Time) (*model.LedgerEntry, *model.Account, error) {
	var entry *model.LedgerEntry
	var acc *model.Account

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		acc, err = scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`,
			accountID,
		))
		if err != nil {
			return err
		}

		if err := rule.Eligible(acc, now); err != nil {
			return err
		}

		acc.Balance += amount
		acc.TotalEarned += amount
		if rule.CountsActivity {
			acc.ActivityCount++
			acc.DiscountTier, _ = tier.For(acc.ActivityCount)
		}
		if rule.OncePerDay {
			grantedAt := now.UTC()
			acc.LastDailyRewardAt = &grantedAt
		}
		if rule.OncePerLifetime {
			acc.ReceivedWelcomeBonus = true
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET balance = $2, total_earned = $3, activity_count = $4, discount_tier = $5,
			     last_daily_reward_at = $6, received_welcome_bonus = $7
			 WHERE id = $1`,
			acc.ID, acc.Balance, acc.TotalEarned, acc.ActivityCount, string(acc.DiscountTier),
			acc.LastDailyRewardAt, acc.ReceivedWelcomeBonus,
		)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}

		entry = &model.LedgerEntry{
			ToAccountID: acc.ID,
			Amount:      amount,
			Kind:        model.EntryKindReward,
			Status:      model.EntryStatusCompleted,
			Description: description,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO ledger_entries (to_account_id, amount, kind, status, description)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			acc.ID, amount, string(entry.Kind), string(entry.Status), description,
		).Scan(&entry.ID, &entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return entry, acc, nil
}

// Transfer переводит сумму между двумя счетами и создаёт одну запись журнала.
// Строки счетов блокируются в порядке возрастания идентификатора, чтобы
// встречные переводы не взаимоблокировались. Перевод применяется целиком либо
// не применяется вовсе: одностороннее списание наблюдать невозможно.
func (r *PostgresRepository) Transfer(ctx context.Context, fromID, toID int64, itemID *int64, amount int64, kind model.EntryKind, description string, externalRef *string) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		first, second := fromID, toID
		if second < first {
			first, second = second, first
		}

		for _, id := range []int64{first, second} {
			var dummy int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&dummy); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
				}
				return fmt.Errorf("lock account for update: %w", err)
			}
		}

		var fromBalance int64
		if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, fromID).Scan(&fromBalance); err != nil {
			return fmt.Errorf("select balance: %w", err)
		}

		if amount > fromBalance {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = balance - $2, total_spent = total_spent + $2 WHERE id = $1`,
			fromID, amount,
		)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, total_earned = total_earned + $2 WHERE id = $1`,
			toID, amount,
		)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		entry = &model.LedgerEntry{
			FromAccountID:     &fromID,
			ToAccountID:       toID,
			ItemID:            itemID,
			Amount:            amount,
			Kind:              kind,
			Status:            model.EntryStatusCompleted,
			ExternalReference: externalRef,
			Description:       description,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO ledger_entries (from_account_id, to_account_id, item_id, amount, kind, status, external_reference, description)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at`,
			fromID, toID, itemID, amount, string(kind), string(entry.Status), externalRef, description,
		).Scan(&entry.ID, &entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

const entryColumns = `id, from_account_id, to_account_id, item_id, amount, kind, status,
	 external_reference, description, created_at`

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind, status string
	err := row.Scan(&e.ID, &e.FromAccountID, &e.ToAccountID, &e.ItemID, &e.Amount, &kind, &status,
		&e.ExternalReference, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = model.EntryKind(kind)
	e.Status = model.EntryStatus(status)
	return &e, nil
}

// GetLedgerByAccount возвращает записи журнала счёта, новые первыми.
func (r *PostgresRepository) GetLedgerByAccount(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM ledger_entries
		 WHERE from_account_id = $1 OR to_account_id = $1
		 ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetEntryByID возвращает запись журнала по идентификатору.
func (r *PostgresRepository) GetEntryByID(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// GetEntriesForSettlement возвращает завершённые покупки без внешней пометки расчёта.
func (r *PostgresRepository) GetEntriesForSettlement(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM ledger_entries
		 WHERE kind = $1 AND status = $2 AND external_reference IS NULL
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.EntryKindPurchase), string(model.EntryStatusCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select entries for settlement: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetExternalReference проставляет внешнюю пометку расчёта для записи журнала.
// Сумма, стороны и статус записи при этом не меняются.
func (r *PostgresRepository) SetExternalReference(ctx context.Context, entryID int64, ref string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ledger_entries SET external_reference = $2 WHERE id = $1 AND external_reference IS NULL`,
		entryID, ref,
	)
	if err != nil {
		return fmt.Errorf("set external reference: %w", err)
	}
	return nil
}
