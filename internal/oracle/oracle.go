// Package oracle defines the price-feed contract the engine consumes.
// The transport that produces quotes (DEX reads, chainlink, price node)
// is an external collaborator; the engine only validates staleness and
// ticker identity at read time.
//
// All monetary values use shopspring/decimal — never float64 for money.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

var (
	// ErrStalePrice is returned when a quote violates the market's
	// staleness bounds. Transient: retry with a fresh quote.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrTickerMismatch is returned when a quote was signed for a
	// different ticker than the market expects.
	ErrTickerMismatch = errors.New("oracle: ticker mismatch")

	// ErrNoPrice is returned when a source has no quote for a ticker.
	ErrNoPrice = errors.New("oracle: no price for ticker")
)

// Quote is one validated price observation. Price carries 8 decimals.
type Quote struct {
	Ticker     string          `json:"ticker"`
	Price      decimal.Decimal `json:"price"`
	ServerTime time.Time       `json:"server_time"`
	OracleTime time.Time       `json:"oracle_time"`
	Signature  string          `json:"signature,omitempty"`
}

// Source supplies quotes per ticker. Implementations wrap the actual
// transport; keepers may also hand the engine a pre-fetched Quote
// directly.
type Source interface {
	GetPrice(ctx context.Context, ticker string) (Quote, error)
}

// Validate checks a quote against a market's oracle config: ticker
// identity and both staleness bounds. A zero bound disables that check.
func Validate(q Quote, cfg model.OracleConfig, now time.Time) error {
	if cfg.Ticker != "" && q.Ticker != cfg.Ticker {
		return ErrTickerMismatch
	}
	if !q.Price.IsPositive() {
		return ErrNoPrice
	}
	if cfg.MaxServerDelay > 0 && now.Sub(q.ServerTime) > cfg.MaxServerDelay {
		return ErrStalePrice
	}
	if cfg.MaxOracleDelay > 0 && now.Sub(q.OracleTime) > cfg.MaxOracleDelay {
		return ErrStalePrice
	}
	return nil
}

// StaticSource is an in-memory Source for tests and development.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewStaticSource creates a source whose quotes are set explicitly.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		quotes: make(map[string]Quote),
		now:    time.Now,
	}
}

// SetPrice stores a fresh quote for the ticker, timestamped now.
func (s *StaticSource) SetPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.quotes[ticker] = Quote{
		Ticker:     ticker,
		Price:      price,
		ServerTime: now,
		OracleTime: now,
	}
}

func (s *StaticSource) GetPrice(_ context.Context, ticker string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[ticker]
	if !ok {
		return Quote{}, ErrNoPrice
	}
	return q, nil
}
