package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func freshQuote() Quote {
	return Quote{
		Ticker:     "TON/USDT",
		Price:      decimal.New(1000, 8),
		ServerTime: t0,
		OracleTime: t0,
	}
}

func TestValidate(t *testing.T) {
	cfg := model.OracleConfig{
		Ticker:         "TON/USDT",
		MaxOracleDelay: time.Minute,
		MaxServerDelay: 10 * time.Second,
	}

	if err := Validate(freshQuote(), cfg, t0.Add(5*time.Second)); err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}

	q := freshQuote()
	q.Ticker = "BTC/USDT"
	if err := Validate(q, cfg, t0); !errors.Is(err, ErrTickerMismatch) {
		t.Errorf("wrong ticker: got %v", err)
	}

	q = freshQuote()
	q.Price = decimal.Zero
	if err := Validate(q, cfg, t0); !errors.Is(err, ErrNoPrice) {
		t.Errorf("zero price: got %v", err)
	}

	// server bound is the tighter one here
	if err := Validate(freshQuote(), cfg, t0.Add(11*time.Second)); !errors.Is(err, ErrStalePrice) {
		t.Errorf("server delay exceeded: got %v", err)
	}

	q = freshQuote()
	q.ServerTime = t0.Add(2 * time.Minute) // refreshed relay, old oracle round
	if err := Validate(q, cfg, t0.Add(2*time.Minute)); !errors.Is(err, ErrStalePrice) {
		t.Errorf("oracle delay exceeded: got %v", err)
	}
}

func TestValidate_ZeroBoundsDisableChecks(t *testing.T) {
	cfg := model.OracleConfig{Ticker: "TON/USDT"}
	if err := Validate(freshQuote(), cfg, t0.Add(24*time.Hour)); err != nil {
		t.Errorf("day-old quote with no bounds configured: %v", err)
	}

	cfg.Ticker = ""
	q := freshQuote()
	q.Ticker = "ANY"
	if err := Validate(q, cfg, t0); err != nil {
		t.Errorf("empty config ticker must accept any: %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	ctx := context.Background()

	if _, err := s.GetPrice(ctx, "TON/USDT"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("unset ticker: got %v", err)
	}

	s.SetPrice("TON/USDT", decimal.New(1000, 8))
	q, err := s.GetPrice(ctx, "TON/USDT")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !q.Price.Equal(decimal.New(1000, 8)) || q.Ticker != "TON/USDT" {
		t.Errorf("quote = %+v", q)
	}
	if q.ServerTime.IsZero() || q.OracleTime.IsZero() {
		t.Error("static quotes must carry timestamps")
	}
}
