package selection

import "github.com/hitoshi/quoteday/internal/model"

// Targeting はユーザーに対する名言の絞り込み条件を決めるポリシー。
type Targeting interface {
	FilterFor(user *model.User) model.QuoteFilter
}

// TargetingFunc は関数をTargetingとして扱うためのアダプタ。
type TargetingFunc func(user *model.User) model.QuoteFilter

// FilterFor はTargetingを実装する。
func (f TargetingFunc) FilterFor(user *model.User) model.QuoteFilter {
	return f(user)
}

// TierTargeting は契約プランごとに難易度帯を切り替えるポリシー。
// 未知のプランにはFallbackの条件を適用する。
type TierTargeting struct {
	Bands    map[model.SubscriptionTier]model.QuoteFilter
	Fallback model.QuoteFilter
}

// DefaultTierTargeting は無料プランに難易度1〜3、有料プランに1〜5を割り当てる。
func DefaultTierTargeting() TierTargeting {
	free := model.QuoteFilter{MinDifficulty: model.MinDifficulty, MaxDifficulty: 3}
	return TierTargeting{
		Bands: map[model.SubscriptionTier]model.QuoteFilter{
			model.TierFree:    free,
			model.TierPremium: {MinDifficulty: model.MinDifficulty, MaxDifficulty: model.MaxDifficulty},
		},
		Fallback: free,
	}
}

// FilterFor はTargetingを実装する。
func (t TierTargeting) FilterFor(user *model.User) model.QuoteFilter {
	if f, ok := t.Bands[user.SubscriptionTier]; ok {
		return f
	}
	return t.Fallback
}
