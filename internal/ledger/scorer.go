package ledger

// EngagementScorer は閲覧・スターの有無からエンゲージメントスコアを算出する。
// 実装は決定的で、両方のシグナルについて単調非減少でなければならない。
type EngagementScorer interface {
	Score(viewed, starred bool) float64
}

// WeightedScorer は閲覧とスターの重み付き和でスコアを算出する。
type WeightedScorer struct {
	ViewWeight float64
	StarWeight float64
}

// DefaultScorer はスターを閲覧より重く評価するデフォルトのスコアラーを返す。
// 両方のシグナルがそろうと1.0になる。
func DefaultScorer() WeightedScorer {
	return WeightedScorer{ViewWeight: 0.3, StarWeight: 0.7}
}

// Score はEngagementScorerを実装する。負の重みは0として扱う。
func (s WeightedScorer) Score(viewed, starred bool) float64 {
	var score float64
	if viewed {
		score += max(s.ViewWeight, 0)
	}
	if starred {
		score += max(s.StarWeight, 0)
	}
	return score
}

// ScorerFunc は関数をEngagementScorerとして扱うためのアダプタ。
type ScorerFunc func(viewed, starred bool) float64

// Score はEngagementScorerを実装する。
func (f ScorerFunc) Score(viewed, starred bool) float64 {
	return f(viewed, starred)
}
