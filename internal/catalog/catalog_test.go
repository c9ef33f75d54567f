package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/quoteday/internal/model"
)

// mockQuoteRepo はテスト用のQuoteRepositoryモック。
type mockQuoteRepo struct {
	findByIDFn   func(ctx context.Context, id string) (*model.Quote, error)
	listActiveFn func(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error)
}

func (m *mockQuoteRepo) FindByID(ctx context.Context, id string) (*model.Quote, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockQuoteRepo) ListActive(ctx context.Context, filter model.QuoteFilter) ([]*model.Quote, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx, filter)
	}
	return nil, nil
}

func TestCatalog_ListActive_EmptyIsNotError(t *testing.T) {
	c := New(&mockQuoteRepo{})

	quotes, err := c.ListActive(context.Background(), model.QuoteFilter{})
	if err != nil {
		t.Fatalf("ListActive() がエラーを返した: %v", err)
	}
	if quotes == nil || len(quotes) != 0 {
		t.Errorf("ListActive() = %v, want empty slice", quotes)
	}
}

func TestCatalog_ListActive_PassesFilter(t *testing.T) {
	var got model.QuoteFilter
	c := New(&mockQuoteRepo{
		listActiveFn: func(_ context.Context, filter model.QuoteFilter) ([]*model.Quote, error) {
			got = filter
			return []*model.Quote{{ID: "q1", IsActive: true}}, nil
		},
	})

	filter := model.QuoteFilter{MinDifficulty: 1, MaxDifficulty: 3}
	quotes, err := c.ListActive(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListActive() がエラーを返した: %v", err)
	}
	if len(quotes) != 1 {
		t.Errorf("len(quotes) = %d, want 1", len(quotes))
	}
	if got.MinDifficulty != 1 || got.MaxDifficulty != 3 {
		t.Errorf("リポジトリに渡されたフィルタが不正: %+v", got)
	}
}

func TestCatalog_ListActive_RepoError(t *testing.T) {
	repoErr := errors.New("connection refused")
	c := New(&mockQuoteRepo{
		listActiveFn: func(context.Context, model.QuoteFilter) ([]*model.Quote, error) {
			return nil, repoErr
		},
	})

	if _, err := c.ListActive(context.Background(), model.QuoteFilter{}); !errors.Is(err, repoErr) {
		t.Errorf("ListActive() error = %v, want %v", err, repoErr)
	}
}

func TestCatalog_Get(t *testing.T) {
	repo := &mockQuoteRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Quote, error) {
			switch id {
			case "active":
				return &model.Quote{ID: id, IsActive: true}, nil
			case "inactive":
				return &model.Quote{ID: id, IsActive: false}, nil
			}
			return nil, nil
		},
	}
	c := New(repo)
	ctx := context.Background()

	q, err := c.Get(ctx, "active")
	if err != nil || q.ID != "active" {
		t.Errorf("Get(active) = %v, %v", q, err)
	}

	if _, err := c.Get(ctx, "inactive"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get(inactive) error = %v, want ErrNotFound", err)
	}
	if _, err := c.Get(ctx, "unknown"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}

	// Lookupは非アクティブな名言も返す
	if q, err := c.Lookup(ctx, "inactive"); err != nil || q.ID != "inactive" {
		t.Errorf("Lookup(inactive) = %v, %v", q, err)
	}
}
