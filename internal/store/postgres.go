package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perpex/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Position and order books are stored as JSONB inside the account row so
// an account saves and loads atomically.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	oracle, err := json.Marshal(m.Oracle)
	if err != nil {
		return fmt.Errorf("marshal oracle config: %w", err)
	}
	hours, err := json.Marshal(m.WorkingHours)
	if err != nil {
		return fmt.Errorf("marshal working hours: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (idx, ticker, oracle, max_longs_usd, max_shorts_usd,
		                      noi_weight, max_leverage, depth_asset,
		                      open_fee_rate, close_fee_rate, base_spread_rate,
		                      base_dynamic_spread_rate, borrow_base_rate_per_hour,
		                      funding_base_rate_per_hour,
		                      schedule_enabled, working_hours, paused,
		                      total_longs_asset, total_shorts_asset,
		                      acc_long_funding, acc_short_funding,
		                      last_funding_update, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15, $16, $17,
		         $18::NUMERIC, $19::NUMERIC, $20::NUMERIC, $21::NUMERIC, $22, $23)`,
		m.Idx, m.Ticker, oracle,
		m.MaxLongsUSD.String(), m.MaxShortsUSD.String(),
		m.NoiWeight.String(), m.MaxLeverage.String(), m.DepthAsset.String(),
		m.Fees.OpenFeeRate.String(), m.Fees.CloseFeeRate.String(),
		m.Fees.BaseSpreadRate.String(), m.Fees.BaseDynamicSpreadRate.String(),
		m.Fees.BorrowBaseRatePerHour.String(), m.Fees.FundingBaseRatePerHour.String(),
		m.ScheduleEnabled, hours, m.Paused,
		m.TotalLongsAsset.String(), m.TotalShortsAsset.String(),
		m.Funding.AccLongUSDFundingPerShare.String(),
		m.Funding.AccShortUSDFundingPerShare.String(),
		m.LastFundingUpdateTime, m.CreatedAt,
	)
	return err
}

const marketColumns = `idx, ticker, oracle,
	max_longs_usd::TEXT, max_shorts_usd::TEXT,
	noi_weight::TEXT, max_leverage::TEXT, depth_asset::TEXT,
	open_fee_rate::TEXT, close_fee_rate::TEXT, base_spread_rate::TEXT,
	base_dynamic_spread_rate::TEXT, borrow_base_rate_per_hour::TEXT,
	funding_base_rate_per_hour::TEXT,
	schedule_enabled, working_hours, paused,
	total_longs_asset::TEXT, total_shorts_asset::TEXT,
	acc_long_funding::TEXT, acc_short_funding::TEXT,
	last_funding_update, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var oracle, hours []byte
	var maxLongs, maxShorts, noiWeight, maxLev, depth string
	var openFee, closeFee, baseSpread, dynSpread, borrowRate, fundingRate string
	var totalLongs, totalShorts, accLong, accShort string

	err := row.Scan(&m.Idx, &m.Ticker, &oracle,
		&maxLongs, &maxShorts, &noiWeight, &maxLev, &depth,
		&openFee, &closeFee, &baseSpread, &dynSpread, &borrowRate, &fundingRate,
		&m.ScheduleEnabled, &hours, &m.Paused,
		&totalLongs, &totalShorts, &accLong, &accShort,
		&m.LastFundingUpdateTime, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(oracle, &m.Oracle); err != nil {
		return nil, fmt.Errorf("unmarshal oracle config: %w", err)
	}
	if err := json.Unmarshal(hours, &m.WorkingHours); err != nil {
		return nil, fmt.Errorf("unmarshal working hours: %w", err)
	}

	m.MaxLongsUSD, _ = decimal.NewFromString(maxLongs)
	m.MaxShortsUSD, _ = decimal.NewFromString(maxShorts)
	m.NoiWeight, _ = decimal.NewFromString(noiWeight)
	m.MaxLeverage, _ = decimal.NewFromString(maxLev)
	m.DepthAsset, _ = decimal.NewFromString(depth)
	m.Fees.OpenFeeRate, _ = decimal.NewFromString(openFee)
	m.Fees.CloseFeeRate, _ = decimal.NewFromString(closeFee)
	m.Fees.BaseSpreadRate, _ = decimal.NewFromString(baseSpread)
	m.Fees.BaseDynamicSpreadRate, _ = decimal.NewFromString(dynSpread)
	m.Fees.BorrowBaseRatePerHour, _ = decimal.NewFromString(borrowRate)
	m.Fees.FundingBaseRatePerHour, _ = decimal.NewFromString(fundingRate)
	m.TotalLongsAsset, _ = decimal.NewFromString(totalLongs)
	m.TotalShortsAsset, _ = decimal.NewFromString(totalShorts)
	m.Funding.AccLongUSDFundingPerShare, _ = decimal.NewFromString(accLong)
	m.Funding.AccShortUSDFundingPerShare, _ = decimal.NewFromString(accShort)

	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, idx uint32) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE idx = $1`, idx))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", idx, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	oracle, err := json.Marshal(m.Oracle)
	if err != nil {
		return fmt.Errorf("marshal oracle config: %w", err)
	}
	hours, err := json.Marshal(m.WorkingHours)
	if err != nil {
		return fmt.Errorf("marshal working hours: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE markets
		 SET ticker = $2, oracle = $3,
		     max_longs_usd = $4::NUMERIC, max_shorts_usd = $5::NUMERIC,
		     noi_weight = $6::NUMERIC, max_leverage = $7::NUMERIC,
		     depth_asset = $8::NUMERIC,
		     open_fee_rate = $9::NUMERIC, close_fee_rate = $10::NUMERIC,
		     base_spread_rate = $11::NUMERIC, base_dynamic_spread_rate = $12::NUMERIC,
		     borrow_base_rate_per_hour = $13::NUMERIC,
		     funding_base_rate_per_hour = $14::NUMERIC,
		     schedule_enabled = $15, working_hours = $16, paused = $17,
		     total_longs_asset = $18::NUMERIC, total_shorts_asset = $19::NUMERIC,
		     acc_long_funding = $20::NUMERIC, acc_short_funding = $21::NUMERIC,
		     last_funding_update = $22
		 WHERE idx = $1`,
		m.Idx, m.Ticker, oracle,
		m.MaxLongsUSD.String(), m.MaxShortsUSD.String(),
		m.NoiWeight.String(), m.MaxLeverage.String(), m.DepthAsset.String(),
		m.Fees.OpenFeeRate.String(), m.Fees.CloseFeeRate.String(),
		m.Fees.BaseSpreadRate.String(), m.Fees.BaseDynamicSpreadRate.String(),
		m.Fees.BorrowBaseRatePerHour.String(), m.Fees.FundingBaseRatePerHour.String(),
		m.ScheduleEnabled, hours, m.Paused,
		m.TotalLongsAsset.String(), m.TotalShortsAsset.String(),
		m.Funding.AccLongUSDFundingPerShare.String(),
		m.Funding.AccShortUSDFundingPerShare.String(),
		m.LastFundingUpdateTime,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	var acc model.Account
	var refBalance string
	var positions, orders []byte

	err := s.pool.QueryRow(ctx,
		`SELECT "user", version, referrer, grand_referrer,
		        referral_balance::TEXT, positions, limit_orders,
		        request_counter, created_at
		 FROM accounts WHERE "user" = $1`, user).
		Scan(&acc.User, &acc.Version, &acc.Referrer, &acc.GrandReferrer,
			&refBalance, &positions, &orders,
			&acc.RequestCounter, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", user, err)
	}

	acc.ReferralBalance, _ = decimal.NewFromString(refBalance)
	if err := json.Unmarshal(positions, &acc.Positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions for %s: %w", user, err)
	}
	if err := json.Unmarshal(orders, &acc.LimitOrders); err != nil {
		return nil, fmt.Errorf("unmarshal limit orders for %s: %w", user, err)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[uint64]*model.Position)
	}
	if acc.LimitOrders == nil {
		acc.LimitOrders = make(map[uint64]*model.LimitOrder)
	}

	return &acc, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	positions, err := json.Marshal(acc.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	orders, err := json.Marshal(acc.LimitOrders)
	if err != nil {
		return fmt.Errorf("marshal limit orders: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts ("user", version, referrer, grand_referrer,
		                       referral_balance, positions, limit_orders,
		                       request_counter, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT ("user") DO UPDATE
		 SET version = EXCLUDED.version,
		     referrer = EXCLUDED.referrer,
		     grand_referrer = EXCLUDED.grand_referrer,
		     referral_balance = EXCLUDED.referral_balance,
		     positions = EXCLUDED.positions,
		     limit_orders = EXCLUDED.limit_orders,
		     request_counter = EXCLUDED.request_counter`,
		acc.User, acc.Version, acc.Referrer, acc.GrandReferrer,
		acc.ReferralBalance.String(), positions, orders,
		acc.RequestCounter, acc.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetDetails(ctx context.Context) (*model.VaultDetails, error) {
	var d model.VaultDetails
	var balance, supply, target, reserve, insBalance, insLimit, maxPnl string

	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, stg_usdt_supply::TEXT, target_price::TEXT,
		        collateral_reserve::TEXT,
		        insurance_balance::TEXT, insurance_limit::TEXT,
		        max_pnl_rate::TEXT, market_count
		 FROM vault_details WHERE id = 1`).
		Scan(&balance, &supply, &target, &reserve,
			&insBalance, &insLimit, &maxPnl, &d.MarketCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault details: %w", err)
	}

	d.PoolAssets.Balance, _ = decimal.NewFromString(balance)
	d.PoolAssets.StgUsdtSupply, _ = decimal.NewFromString(supply)
	d.PoolAssets.TargetPrice, _ = decimal.NewFromString(target)
	d.CollateralReserve, _ = decimal.NewFromString(reserve)
	d.InsuranceFund.Balance, _ = decimal.NewFromString(insBalance)
	d.InsuranceFund.Limit, _ = decimal.NewFromString(insLimit)
	d.MaxPnlRate, _ = decimal.NewFromString(maxPnl)

	return &d, nil
}

func (s *PostgresStore) SaveDetails(ctx context.Context, d *model.VaultDetails) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_details (id, balance, stg_usdt_supply, target_price,
		                            collateral_reserve, insurance_balance,
		                            insurance_limit, max_pnl_rate, market_count)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET balance = EXCLUDED.balance,
		     stg_usdt_supply = EXCLUDED.stg_usdt_supply,
		     target_price = EXCLUDED.target_price,
		     collateral_reserve = EXCLUDED.collateral_reserve,
		     insurance_balance = EXCLUDED.insurance_balance,
		     insurance_limit = EXCLUDED.insurance_limit,
		     max_pnl_rate = EXCLUDED.max_pnl_rate,
		     market_count = EXCLUDED.market_count`,
		d.PoolAssets.Balance.String(), d.PoolAssets.StgUsdtSupply.String(),
		d.PoolAssets.TargetPrice.String(), d.CollateralReserve.String(),
		d.InsuranceFund.Balance.String(), d.InsuranceFund.Limit.String(),
		d.MaxPnlRate.String(), d.MarketCount,
	)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, "user", market_idx, position_key, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Type, e.User, e.MarketIdx, e.PositionKey, []byte(e.Payload), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListEventsByUser(ctx context.Context, user string, limit int) ([]model.Event, error) {
	q := `SELECT id, type, "user", market_idx, position_key, payload, created_at
	      FROM events WHERE "user" = $1 ORDER BY created_at`
	args := []interface{}{user}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.User, &e.MarketIdx,
			&e.PositionKey, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
