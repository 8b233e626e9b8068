// Package model содержит доменные сущности сервиса giro-ledger.
package model

import "time"

// Tier описывает уровень скидки, рассчитанный по количеству активностей.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Account представляет счёт пользователя в токенах GIRO.
type Account struct {
	ID           int64
	Login        string
	PasswordHash []byte

	Balance     int64
	TotalEarned int64
	TotalSpent  int64

	ActivityCount int64
	DiscountTier  Tier

	LastDailyRewardAt    *time.Time
	ReceivedWelcomeBonus bool

	CreatedAt time.Time
}

// EntryKind описывает тип операции в журнале.
type EntryKind string

const (
	EntryKindPurchase EntryKind = "purchase"
	EntryKindReward   EntryKind = "reward"
	EntryKindTransfer EntryKind = "transfer"
)

// EntryStatus описывает статус операции в журнале.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusCancelled EntryStatus = "cancelled"
)

// LedgerEntry описывает одну запись журнала операций.
// Запись создаётся ровно один раз и после завершения не изменяется;
// единственное исключение — отложенная пометка external_reference.
type LedgerEntry struct {
	ID            int64
	FromAccountID *int64
	ToAccountID   int64
	ItemID        *int64

	Amount int64
	Kind   EntryKind
	Status EntryStatus

	ExternalReference *string
	Description       string

	CreatedAt time.Time
}

// Item описывает товар каталога, доступный для покупки.
type Item struct {
	ID        int64
	OwnerID   int64
	Title     string
	Price     int64
	CreatedAt time.Time
}

// Balance содержит состояние счёта для выдачи наружу.
type Balance struct {
	Balance         int64
	TotalEarned     int64
	TotalSpent      int64
	Tier            Tier
	DiscountPercent int
}
