package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_Markets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: got %v", err)
	}
	if err := s.SaveMarket(ctx, &model.Market{Idx: 0}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("save of unknown market: got %v", err)
	}

	m := &model.Market{Idx: 1, Ticker: "TON/USDT", DepthAsset: decimal.NewFromInt(1000)}
	if err := s.CreateMarket(ctx, m); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if err := s.CreateMarket(ctx, m); err == nil {
		t.Fatal("duplicate CreateMarket must fail")
	}

	// mutations of the caller's copy must not leak into the store
	got, err := s.GetMarket(ctx, 1)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	got.Ticker = "mutated"
	again, _ := s.GetMarket(ctx, 1)
	if again.Ticker != "TON/USDT" {
		t.Errorf("stored market leaked caller mutation: %q", again.Ticker)
	}

	if err := s.CreateMarket(ctx, &model.Market{Idx: 0, Ticker: "BTC/USDT"}); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	list, err := s.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(list) != 2 || list[0].Idx != 0 || list[1].Idx != 1 {
		t.Errorf("list not sorted by idx: %+v", list)
	}
}

func TestMemoryStore_AccountDeepCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "0:abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: got %v", err)
	}

	acc := &model.Account{
		User:    "0:abc",
		Version: 2,
		Positions: map[uint64]*model.Position{
			1: {Key: 1, StopLoss: &model.Trigger{TriggerPrice: decimal.New(900, 8)}},
		},
		LimitOrders: map[uint64]*model.LimitOrder{
			2: {Key: 2, State: model.OrderPending},
		},
	}
	if err := s.SaveAccount(ctx, acc); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "0:abc")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	got.Positions[1].StopLoss.TriggerPrice = decimal.Zero
	delete(got.LimitOrders, 2)

	again, _ := s.GetAccount(ctx, "0:abc")
	if !again.Positions[1].StopLoss.TriggerPrice.Equal(decimal.New(900, 8)) {
		t.Error("trigger pointer shared between store and caller")
	}
	if _, ok := again.LimitOrders[2]; !ok {
		t.Error("order map shared between store and caller")
	}
}

func TestMemoryStore_Details(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetDetails(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: got %v", err)
	}
	d := &model.VaultDetails{MarketCount: 3}
	if err := s.SaveDetails(ctx, d); err != nil {
		t.Fatalf("SaveDetails: %v", err)
	}
	got, err := s.GetDetails(ctx)
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if got.MarketCount != 3 {
		t.Errorf("MarketCount = %d", got.MarketCount)
	}
}

func TestMemoryStore_Events(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, user := range []string{"0:a", "0:b", "0:a", "0:a"} {
		e := &model.Event{ID: string(rune('1' + i)), Type: model.EventClosePosition, User: user, CreatedAt: t0}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	all, err := s.ListEventsByUser(ctx, "0:a", 0)
	if err != nil {
		t.Fatalf("ListEventsByUser: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("events for 0:a = %d, want 3", len(all))
	}
	capped, _ := s.ListEventsByUser(ctx, "0:a", 2)
	if len(capped) != 2 {
		t.Errorf("limited events = %d, want 2", len(capped))
	}
	none, _ := s.ListEventsByUser(ctx, "0:c", 0)
	if len(none) != 0 {
		t.Errorf("events for unknown user = %d", len(none))
	}
}
