// Package tier вычисляет уровень скидки по количеству активностей счёта.
package tier

import "github.com/mmeshcher/giro-ledger/internal/model"

// Пороговые значения количества активностей для уровней скидки.
const (
	platinumThreshold = 100
	goldThreshold     = 50
	silverThreshold   = 20
)

var discounts = map[model.Tier]int{
	model.TierBronze:   0,
	model.TierSilver:   10,
	model.TierGold:     25,
	model.TierPlatinum: 50,
}

// For возвращает уровень скидки и процент скидки для указанного количества активностей.
// Функция чистая: результат зависит только от аргумента.
func For(activityCount int64) (model.Tier, int) {
	t := model.TierBronze

	switch {
	case activityCount >= platinumThreshold:
		t = model.TierPlatinum
	case activityCount >= goldThreshold:
		t = model.TierGold
	case activityCount >= silverThreshold:
		t = model.TierSilver
	}

	return t, discounts[t]
}

// Discount возвращает процент скидки для указанного уровня.
func Discount(t model.Tier) int {
	return discounts[t]
}
