// Package store defines the persistence interface for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/perpex/margin-engine/internal/model"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its index.
	GetMarket(ctx context.Context, idx uint32) (*model.Market, error)

	// ListMarkets returns all markets ordered by index.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// SaveMarket updates a market's config and accounting state.
	SaveMarket(ctx context.Context, market *model.Market) error

	// --- Account operations ---

	// GetAccount retrieves a user's account. Returns ErrNotFound if the
	// user has never interacted with the vault.
	GetAccount(ctx context.Context, user string) (*model.Account, error)

	// SaveAccount upserts the full account aggregate.
	SaveAccount(ctx context.Context, acc *model.Account) error

	// --- Vault details ---

	// GetDetails retrieves the singleton vault accounting row.
	GetDetails(ctx context.Context) (*model.VaultDetails, error)

	// SaveDetails updates the vault accounting row.
	SaveDetails(ctx context.Context, d *model.VaultDetails) error

	// --- Event log ---

	// AppendEvent appends an immutable settlement event.
	AppendEvent(ctx context.Context, e *model.Event) error

	// ListEventsByUser returns a user's events, oldest first, capped at
	// limit (0 means no cap).
	ListEventsByUser(ctx context.Context, user string, limit int) ([]model.Event, error)
}
