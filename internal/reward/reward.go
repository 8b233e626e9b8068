// Package reward содержит каталог поощряемых действий и правила их начисления.
package reward

import (
	"errors"
	"time"

	"github.com/mmeshcher/giro-ledger/internal/model"
)

// Action идентифицирует тип поощряемого действия.
type Action string

const (
	ActionSellItem        Action = "sell-item"
	ActionBuyItem         Action = "buy-item"
	ActionRecycle         Action = "recycle"
	ActionReferral        Action = "referral"
	ActionReview          Action = "review"
	ActionSocialShare     Action = "social-share"
	ActionEcoChallenge    Action = "eco-challenge"
	ActionLikeReceived    Action = "like-received"
	ActionCommentReceived Action = "comment-received"
	ActionDailyLogin      Action = "daily-login"
	ActionWelcomeBonus    Action = "welcome-bonus"
)

// ErrUnknownAction возвращается для действия, отсутствующего в каталоге.
var ErrUnknownAction = errors.New("unknown reward action")

// ErrNotEligible возвращается, если правило начисления отклоняет запрос
// (дневная награда уже получена сегодня, приветственный бонус уже выдан).
var ErrNotEligible = errors.New("reward not eligible")

// Rule описывает правило начисления для одного типа действия.
type Rule struct {
	Action        Action
	Name          string
	Description   string
	DefaultAmount int64

	// OncePerDay ограничивает начисление одним разом за календарные сутки (UTC).
	OncePerDay bool
	// OncePerLifetime ограничивает начисление одним разом за всё время жизни счёта.
	OncePerLifetime bool
	// CountsActivity указывает, увеличивает ли начисление счётчик активностей.
	// Дневная награда и приветственный бонус не считаются активностью на маркетплейсе.
	CountsActivity bool
}

var catalog = map[Action]Rule{
	ActionSellItem:        {Action: ActionSellItem, Name: "Sell item", Description: "reward for selling an item on the platform", DefaultAmount: 50, CountsActivity: true},
	ActionBuyItem:         {Action: ActionBuyItem, Name: "Buy item", Description: "reward for buying a sustainable item", DefaultAmount: 10, CountsActivity: true},
	ActionRecycle:         {Action: ActionRecycle, Name: "Recycle", Description: "reward for a recycling action", DefaultAmount: 25, CountsActivity: true},
	ActionReferral:        {Action: ActionReferral, Name: "Referral", Description: "reward for referring new users", DefaultAmount: 100, CountsActivity: true},
	ActionReview:          {Action: ActionReview, Name: "Review", Description: "reward for reviewing products or sellers", DefaultAmount: 15, CountsActivity: true},
	ActionSocialShare:     {Action: ActionSocialShare, Name: "Social share", Description: "reward for sharing on social networks", DefaultAmount: 5, CountsActivity: true},
	ActionEcoChallenge:    {Action: ActionEcoChallenge, Name: "Eco challenge", Description: "reward for completing a sustainability challenge", DefaultAmount: 75, CountsActivity: true},
	ActionLikeReceived:    {Action: ActionLikeReceived, Name: "Like received", Description: "reward for a like on a published item", DefaultAmount: 1, CountsActivity: true},
	ActionCommentReceived: {Action: ActionCommentReceived, Name: "Comment received", Description: "reward for a comment on a published item", DefaultAmount: 2, CountsActivity: true},
	ActionDailyLogin:      {Action: ActionDailyLogin, Name: "Daily login", Description: "daily login reward", DefaultAmount: 100, OncePerDay: true},
	ActionWelcomeBonus:    {Action: ActionWelcomeBonus, Name: "Welcome bonus", Description: "one-time welcome bonus", DefaultAmount: 1000, OncePerLifetime: true},
}

// Lookup возвращает правило для указанного действия.
func Lookup(action Action) (Rule, error) {
	rule, ok := catalog[action]
	if !ok {
		return Rule{}, ErrUnknownAction
	}
	return rule, nil
}

// Actions возвращает каталог правил в стабильном порядке.
func Actions() []Rule {
	order := []Action{
		ActionSellItem,
		ActionBuyItem,
		ActionRecycle,
		ActionReferral,
		ActionReview,
		ActionSocialShare,
		ActionEcoChallenge,
		ActionLikeReceived,
		ActionCommentReceived,
		ActionDailyLogin,
		ActionWelcomeBonus,
	}

	res := make([]Rule, 0, len(order))
	for _, a := range order {
		res = append(res, catalog[a])
	}
	return res
}

// Eligible проверяет, допускает ли правило начисление для счёта в момент now.
// Переопределение суммы на проверку не влияет: предикат обязателен всегда.
func (r Rule) Eligible(acc *model.Account, now time.Time) error {
	if r.OncePerDay && acc.LastDailyRewardAt != nil && sameCalendarDay(*acc.LastDailyRewardAt, now) {
		return ErrNotEligible
	}
	if r.OncePerLifetime && acc.ReceivedWelcomeBonus {
		return ErrNotEligible
	}
	return nil
}

// Сутки сравниваются по календарной дате в UTC, а не по интервалу в 24 часа.
func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
