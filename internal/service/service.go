// Package service реализует бизнес-логику сервиса giro-ledger.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/giro-ledger/internal/chain"
	"github.com/mmeshcher/giro-ledger/internal/model"
	"github.com/mmeshcher/giro-ledger/internal/repository"
	"github.com/mmeshcher/giro-ledger/internal/reward"
	"github.com/mmeshcher/giro-ledger/internal/tier"
)

// ErrSelfPurchase возвращается при попытке купить собственный товар.
var (
	ErrSelfPurchase = errors.New("cannot purchase own item")
	// ErrInvalidAmount возвращается для неположительной суммы операции.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAccessDenied возвращается при обращении к чужой записи журнала.
	ErrAccessDenied = errors.New("access denied")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	CreateItem(ctx context.Context, ownerID int64, title string, price int64) (int64, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	GrantReward(ctx context.Context, accountID int64, rule reward.Rule, amount int64, description string, now time.Time) (*model.LedgerEntry, *model.Account, error)
	Transfer(ctx context.Context, fromID, toID int64, itemID *int64, amount int64, kind model.EntryKind, description string, externalRef *string) (*model.LedgerEntry, error)
	GetLedgerByAccount(ctx context.Context, accountID int64) ([]model.LedgerEntry, error)
	GetEntryByID(ctx context.Context, id int64) (*model.LedgerEntry, error)
	GetEntriesForSettlement(ctx context.Context, limit int) ([]model.LedgerEntry, error)
	SetExternalReference(ctx context.Context, entryID int64, ref string) error
}

// ChainClient описывает контракт клиента системы расчётов.
type ChainClient interface {
	Record(ctx context.Context, entry *model.LedgerEntry) (string, error)
	GetStatus(ctx context.Context, reference string) (*chain.TxStatus, error)
}

// GrantResult содержит итог начисления награды.
type GrantResult struct {
	Amount          int64
	NewBalance      int64
	Tier            model.Tier
	DiscountPercent int
	Entry           *model.LedgerEntry
}

// Service содержит бизнес-логику сервиса giro-ledger.
type Service struct {
	repo        Repository
	chainClient ChainClient
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы расчётов.
func NewService(repo Repository, chainClient ChainClient) *Service {
	return &Service{
		repo:        repo,
		chainClient: chainClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount регистрирует новый счёт с нулевым балансом.
func (s *Service) RegisterAccount(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateAccount(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return 0, repository.ErrAccountExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateAccount проверяет логин и пароль и возвращает идентификатор счёта.
func (s *Service) AuthenticateAccount(ctx context.Context, login, password string) (int64, error) {
	acc, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(acc.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return acc.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateItem добавляет товар в каталог от имени владельца.
func (s *Service) CreateItem(ctx context.Context, ownerID int64, title string, price int64) (int64, error) {
	if price <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.repo.CreateItem(ctx, ownerID, title, price)
}

// Purchase проводит покупку товара: списывает сумму со счёта покупателя,
// зачисляет её продавцу и создаёт одну запись журнала типа purchase.
// Каталог при этом не изменяется: пометка товара проданным — забота вызывающей стороны.
func (s *Service) Purchase(ctx context.Context, buyerID, itemID, amount int64) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if item.OwnerID == buyerID {
		return nil, ErrSelfPurchase
	}

	// Без системы расчётов ссылка имитируется при фиксации; с системой расчётов
	// запись фиксируется без ссылки, пометку позже ставит фоновый процесс.
	var externalRef *string
	if s.chainClient == nil {
		ref := chain.SimulatedReference()
		externalRef = &ref
	}

	description := fmt.Sprintf("item purchase for %d GIRO", amount)

	return s.repo.Transfer(ctx, buyerID, item.OwnerID, &itemID, amount, model.EntryKindPurchase, description, externalRef)
}

// Grant начисляет награду за действие. Переопределение суммы обходит значение
// каталога, но не проверку права на награду.
func (s *Service) Grant(ctx context.Context, accountID int64, action reward.Action, amountOverride int64, description string) (*GrantResult, error) {
	rule, err := reward.Lookup(action)
	if err != nil {
		return nil, err
	}

	if amountOverride < 0 {
		return nil, ErrInvalidAmount
	}

	amount := rule.DefaultAmount
	if amountOverride > 0 {
		amount = amountOverride
	}

	if description == "" {
		description = rule.Description
	}

	entry, acc, err := s.repo.GrantReward(ctx, accountID, rule, amount, description, time.Now())
	if err != nil {
		return nil, err
	}

	return &GrantResult{
		Amount:          amount,
		NewBalance:      acc.Balance,
		Tier:            acc.DiscountTier,
		DiscountPercent: tier.Discount(acc.DiscountTier),
		Entry:           entry,
	}, nil
}

// GetBalance возвращает состояние счёта.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	acc, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Balance:         acc.Balance,
		TotalEarned:     acc.TotalEarned,
		TotalSpent:      acc.TotalSpent,
		Tier:            acc.DiscountTier,
		DiscountPercent: tier.Discount(acc.DiscountTier),
	}, nil
}

// GetHistory возвращает записи журнала счёта, новые первыми.
func (s *Service) GetHistory(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerByAccount(ctx, accountID)
}

// GetEntry возвращает запись журнала участнику операции вместе с текущим
// состоянием в системе расчётов, если она сконфигурирована. Опрос состояния
// ограничен таймаутом и на результат не влияет.
func (s *Service) GetEntry(ctx context.Context, accountID, entryID int64) (*model.LedgerEntry, *chain.TxStatus, error) {
	entry, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}

	participant := entry.ToAccountID == accountID ||
		(entry.FromAccountID != nil && *entry.FromAccountID == accountID)
	if !participant {
		return nil, nil, ErrAccessDenied
	}

	var status *chain.TxStatus
	if s.chainClient != nil && entry.ExternalReference != nil {
		statusCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		if st, err := s.chainClient.GetStatus(statusCtx, *entry.ExternalReference); err == nil {
			status = st
		}
	}

	return entry, status, nil
}

// RewardActions возвращает каталог поощряемых действий.
func (s *Service) RewardActions() []reward.Rule {
	return reward.Actions()
}

// StartSettlementUpdates запускает фоновый процесс пометки зафиксированных
// покупок ссылками из системы расчётов.
func (s *Service) StartSettlementUpdates(ctx context.Context) {
	if s.chainClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSettlementBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSettlementBatch(ctx context.Context) {
	entries, err := s.repo.GetEntriesForSettlement(ctx, 100)
	if err != nil {
		return
	}

	for i := range entries {
		entry := &entries[i]

		ref, err := s.chainClient.Record(ctx, entry)
		if err != nil {
			// Запись уже зафиксирована локально; попытка повторится на следующем тике
			continue
		}

		_ = s.repo.SetExternalReference(ctx, entry.ID, ref)
	}
}
