package selection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/quoteday/internal/model"
)

// mockCatalog はテスト用のCatalogReaderモック。
type mockCatalog struct {
	quotes     []*model.Quote
	err        error
	lastFilter model.QuoteFilter
}

func (m *mockCatalog) ListActive(_ context.Context, filter model.QuoteFilter) ([]*model.Quote, error) {
	m.lastFilter = filter
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.Quote
	for _, q := range m.quotes {
		if q.IsActive && filter.Matches(q) {
			out = append(out, q)
		}
	}
	return out, nil
}

// memHistory はテスト用のHistoryReader。ユーザーごとに名言IDと配信時刻を保持する。
type memHistory struct {
	delivered map[string]map[string]time.Time
}

func newMemHistory() *memHistory {
	return &memHistory{delivered: make(map[string]map[string]time.Time)}
}

func (h *memHistory) record(userID, quoteID string, at time.Time) {
	if h.delivered[userID] == nil {
		h.delivered[userID] = make(map[string]time.Time)
	}
	h.delivered[userID][quoteID] = at
}

func (h *memHistory) UndeliveredQuoteIDs(_ context.Context, userID string, ids map[string]struct{}) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for id := range ids {
		if _, ok := h.delivered[userID][id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (h *memHistory) DeliveryTimes(_ context.Context, userID string, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, id := range ids {
		if at, ok := h.delivered[userID][id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

func makeQuotes(n int) []*model.Quote {
	quotes := make([]*model.Quote, n)
	for i := range quotes {
		quotes[i] = &model.Quote{
			ID:              fmt.Sprintf("q%02d", i+1),
			Content:         fmt.Sprintf("quote %d", i+1),
			Category:        model.CategoryWisdom,
			DifficultyLevel: i%5 + 1,
			IsActive:        true,
		}
	}
	return quotes
}

var user = &model.User{ID: "user-a", SubscriptionTier: model.TierPremium}

// 最初のN回の選択がカタログの順列になることを検証
func TestSelect_FirstNSelectionsArePermutation(t *testing.T) {
	const n = 12
	history := newMemHistory()
	engine := NewEngine(&mockCatalog{quotes: makeQuotes(n)}, history, nil)
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		slot := start.AddDate(0, 0, i)
		res, err := engine.Select(ctx, user, NewRand(user.ID, slot))
		if err != nil {
			t.Fatalf("%d回目のSelect() がエラーを返した: %v", i+1, err)
		}
		if res.Repeat {
			t.Fatalf("%d回目でRepeatになった", i+1)
		}
		if seen[res.Quote.ID] {
			t.Fatalf("%d回目で %s が重複した", i+1, res.Quote.ID)
		}
		seen[res.Quote.ID] = true
		history.record(user.ID, res.Quote.ID, slot)
	}
	if len(seen) != n {
		t.Errorf("選択された名言数 = %d, want %d", len(seen), n)
	}
}

// カタログ一巡後は最も古く配信した名言が選ばれることを検証
func TestSelect_FallbackPicksOldest(t *testing.T) {
	quotes := makeQuotes(3)
	history := newMemHistory()
	base := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	history.record(user.ID, "q01", base.AddDate(0, 0, 2))
	history.record(user.ID, "q02", base)
	history.record(user.ID, "q03", base.AddDate(0, 0, 1))

	engine := NewEngine(&mockCatalog{quotes: quotes}, history, nil)
	res, err := engine.Select(context.Background(), user, NewRand(user.ID, base))
	if err != nil {
		t.Fatalf("Select() がエラーを返した: %v", err)
	}
	if !res.Repeat {
		t.Error("Repeatが立っていない")
	}
	if res.Quote.ID != "q02" {
		t.Errorf("Quote = %s, want q02", res.Quote.ID)
	}
}

// 一巡後も再配信を続けると最も古いものから順に巡回することを検証
func TestSelect_FallbackCyclesLeastRecentlySeen(t *testing.T) {
	history := newMemHistory()
	engine := NewEngine(&mockCatalog{quotes: makeQuotes(3)}, history, nil)
	ctx := context.Background()
	slot := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	var order []string
	for i := 0; i < 6; i++ {
		res, err := engine.Select(ctx, user, NewRand(user.ID, slot))
		if err != nil {
			t.Fatalf("Select() がエラーを返した: %v", err)
		}
		order = append(order, res.Quote.ID)
		history.record(user.ID, res.Quote.ID, slot)
		slot = slot.AddDate(0, 0, 1)
	}
	for i := 3; i < 6; i++ {
		if order[i] != order[i-3] {
			t.Errorf("再配信の順序が初回と一致しない: %v", order)
			break
		}
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	inactive := makeQuotes(2)
	for _, q := range inactive {
		q.IsActive = false
	}
	engine := NewEngine(&mockCatalog{quotes: inactive}, newMemHistory(), nil)

	_, err := engine.Select(context.Background(), user, NewRand(user.ID, time.Now()))
	if !errors.Is(err, model.ErrNoEligibleQuote) {
		t.Errorf("error = %v, want ErrNoEligibleQuote", err)
	}
}

func TestSelect_CatalogError(t *testing.T) {
	engine := NewEngine(&mockCatalog{err: errors.New("db down")}, newMemHistory(), nil)

	_, err := engine.Select(context.Background(), user, NewRand(user.ID, time.Now()))
	if err == nil || errors.Is(err, model.ErrNoEligibleQuote) {
		t.Errorf("error = %v, want catalog error", err)
	}
}

// 同じユーザー・同じスロットでは同じ名言が選ばれることを検証
func TestSelect_ReproducibleForSameSlot(t *testing.T) {
	engine := NewEngine(&mockCatalog{quotes: makeQuotes(20)}, newMemHistory(), nil)
	ctx := context.Background()
	slot := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	first, _ := engine.Select(ctx, user, NewRand(user.ID, slot))
	for i := 0; i < 5; i++ {
		again, _ := engine.Select(ctx, user, NewRand(user.ID, slot))
		if again.Quote.ID != first.Quote.ID {
			t.Fatalf("同じシードで結果が異なる: %s != %s", again.Quote.ID, first.Quote.ID)
		}
	}
}

func TestSelect_FreeTierLimitsDifficulty(t *testing.T) {
	catalog := &mockCatalog{quotes: makeQuotes(10)}
	engine := NewEngine(catalog, newMemHistory(), nil)
	free := &model.User{ID: "free-user", SubscriptionTier: model.TierFree}
	slot := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		res, err := engine.Select(context.Background(), free, NewRand(free.ID, slot.AddDate(0, 0, i)))
		if err != nil {
			t.Fatalf("Select() がエラーを返した: %v", err)
		}
		if res.Quote.DifficultyLevel > 3 {
			t.Fatalf("無料プランに難易度%dの名言が選ばれた", res.Quote.DifficultyLevel)
		}
	}
	if catalog.lastFilter.MaxDifficulty != 3 {
		t.Errorf("フィルタのMaxDifficulty = %d, want 3", catalog.lastFilter.MaxDifficulty)
	}
}

func TestSelect_InjectedTargeting(t *testing.T) {
	leadership := model.CategoryLeadership
	catalog := &mockCatalog{quotes: makeQuotes(3)}
	engine := NewEngine(catalog, newMemHistory(), TargetingFunc(func(*model.User) model.QuoteFilter {
		return model.QuoteFilter{Category: &leadership}
	}))

	_, err := engine.Select(context.Background(), user, NewRand(user.ID, time.Now()))
	if !errors.Is(err, model.ErrNoEligibleQuote) {
		t.Errorf("error = %v, want ErrNoEligibleQuote", err)
	}
	if catalog.lastFilter.Category == nil || *catalog.lastFilter.Category != leadership {
		t.Error("注入したTargetingのフィルタが使われていない")
	}
}

// Chooseは未配信の候補から概ね一様に選ぶことを検証
func TestChoose_UniformOverUndelivered(t *testing.T) {
	quotes := makeQuotes(4)
	undelivered := map[string]struct{}{"q01": {}, "q02": {}, "q03": {}, "q04": {}}
	counts := make(map[string]int)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const draws = 4000
	for i := 0; i < draws; i++ {
		res, err := Choose(quotes, undelivered, nil, NewRand(fmt.Sprintf("user-%d", i), base))
		if err != nil {
			t.Fatalf("Choose() がエラーを返した: %v", err)
		}
		counts[res.Quote.ID]++
	}
	for id, c := range counts {
		if c < draws/4-200 || c > draws/4+200 {
			t.Errorf("%s の選択回数 %d が一様分布から大きく外れている", id, c)
		}
	}
}

// 候補の並び順に関わらず同じ乱数からは同じ名言が選ばれることを検証
func TestChoose_IndependentOfCandidateOrder(t *testing.T) {
	quotes := makeQuotes(5)
	reversed := make([]*model.Quote, len(quotes))
	for i, q := range quotes {
		reversed[len(quotes)-1-i] = q
	}
	undelivered := map[string]struct{}{"q01": {}, "q03": {}, "q05": {}}
	slot := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	a, _ := Choose(quotes, undelivered, nil, NewRand("u", slot))
	b, _ := Choose(reversed, undelivered, nil, NewRand("u", slot))
	if a.Quote.ID != b.Quote.ID {
		t.Errorf("候補の順序で結果が変わった: %s != %s", a.Quote.ID, b.Quote.ID)
	}
}

func TestChoose_Empty(t *testing.T) {
	if _, err := Choose(nil, nil, nil, NewRand("u", time.Now())); !errors.Is(err, model.ErrNoEligibleQuote) {
		t.Errorf("error = %v, want ErrNoEligibleQuote", err)
	}
}

func TestSeedFor_DiffersByUserAndSlot(t *testing.T) {
	slot := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	a1, a2 := SeedFor("user-a", slot)
	b1, _ := SeedFor("user-b", slot)
	_, c2 := SeedFor("user-a", slot.Add(24*time.Hour))

	if a1 == b1 {
		t.Error("ユーザーが異なるのにシードが同じ")
	}
	if a2 == c2 {
		t.Error("スロットが異なるのにシードが同じ")
	}
}

func TestDefaultTierTargeting_UnknownTierFallsBack(t *testing.T) {
	tt := DefaultTierTargeting()
	f := tt.FilterFor(&model.User{SubscriptionTier: "ENTERPRISE"})
	if f.MaxDifficulty != 3 {
		t.Errorf("未知のプランのMaxDifficulty = %d, want 3", f.MaxDifficulty)
	}
	if p := tt.FilterFor(&model.User{SubscriptionTier: model.TierPremium}); p.MaxDifficulty != model.MaxDifficulty {
		t.Errorf("有料プランのMaxDifficulty = %d, want %d", p.MaxDifficulty, model.MaxDifficulty)
	}
}
