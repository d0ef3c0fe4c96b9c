package pendleyield

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CacheStatus tags a cache read so callers can distinguish "nothing cached"
// from "cached, and the answer is empty" without sniffing marker rows.
type CacheStatus int

const (
	// CacheMiss means nothing is cached for the key; the caller must fetch.
	CacheMiss CacheStatus = iota
	// CacheHit means cached data was returned.
	CacheHit
	// CacheHitEmpty means a prior fetch confirmed there is no data for the
	// key; the caller must not re-fetch.
	CacheHitEmpty
)

func (s CacheStatus) String() string {
	switch s {
	case CacheHit:
		return "hit"
	case CacheHitEmpty:
		return "hit_empty"
	default:
		return "miss"
	}
}

// zeroAddress marks negative-cache rows in the fee and snapshot tables.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// DatabasePool is the subset of pgxpool.Pool the store needs. It allows both
// a real pool and a pgxmock pool.
type DatabasePool interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// NewPostgresPool opens a pgx connection pool and verifies it with a ping.
func NewPostgresPool(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Store is the persistent cache over three tables: epoch market fees, epoch
// vote snapshots and daily market history. All writes are idempotent upserts,
// so re-running a backfill over cached ranges is harmless. Negative results
// are cached with marker rows and surfaced as CacheHitEmpty.
type Store struct {
	pool        DatabasePool
	hot         redis.Cmdable
	snapshotTTL time.Duration
	logger      *logrus.Entry
}

// NewStore creates a store over the given pool. The SQL store is always
// authoritative; WithHotCache adds an optional Redis read-through layer for
// snapshots.
func NewStore(pool DatabasePool) *Store {
	return &Store{
		pool:        pool,
		snapshotTTL: 24 * time.Hour,
		logger:      logrus.WithField("component", "store"),
	}
}

// WithHotCache enables a Redis read-through cache for epoch snapshots.
// A non-positive ttl keeps the default of 24h.
func (s *Store) WithHotCache(client redis.Cmdable, ttl time.Duration) *Store {
	s.hot = client
	if ttl > 0 {
		s.snapshotTTL = ttl
	}
	return s
}

// InitSchema creates the cache tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS epoch_market_fees (
			epoch_start BIGINT NOT NULL,
			chain_id BIGINT NOT NULL,
			market_address TEXT NOT NULL,
			total_fee TEXT NOT NULL,
			epoch_end BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (epoch_start, chain_id, market_address)
		)`,
		`CREATE TABLE IF NOT EXISTS epoch_vote_snapshots (
			epoch_start BIGINT NOT NULL,
			voter_address TEXT NOT NULL,
			pool_address TEXT NOT NULL,
			bias TEXT NOT NULL,
			slope TEXT NOT NULL,
			ve_pendle_value TEXT NOT NULL,
			last_vote_block BIGINT NOT NULL,
			last_vote_timestamp BIGINT NOT NULL,
			snapshot_timestamp BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (epoch_start, voter_address, pool_address)
		)`,
		`CREATE TABLE IF NOT EXISTS market_history (
			chain_id BIGINT NOT NULL,
			market_address TEXT NOT NULL,
			date DATE NOT NULL,
			max_apy DOUBLE PRECISION,
			base_apy DOUBLE PRECISION,
			underlying_apy DOUBLE PRECISION,
			implied_apy DOUBLE PRECISION,
			tvl DOUBLE PRECISION,
			trading_volume DOUBLE PRECISION,
			explicit_swap_fee DOUBLE PRECISION,
			implicit_swap_fee DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chain_id, market_address, date)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cache schema: %w", err)
		}
	}
	return nil
}

// --- epoch market fees ---

const upsertFeeQuery = `
	INSERT INTO epoch_market_fees (epoch_start, chain_id, market_address, total_fee, epoch_end)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (epoch_start, chain_id, market_address)
	DO UPDATE SET total_fee = EXCLUDED.total_fee, epoch_end = EXCLUDED.epoch_end
`

// SaveEpochFees caches the fee totals of one epoch. An empty slice is cached
// as a single marker row (chain_id 0, zero address) so the next read is a
// CacheHitEmpty instead of a re-fetch.
func (s *Store) SaveEpochFees(ctx context.Context, epoch Epoch, fees []EpochMarketFee) error {
	if len(fees) == 0 {
		_, err := s.pool.Exec(ctx, upsertFeeQuery,
			epoch.StartTimestamp(), int64(0), zeroAddress, decimal.Zero.String(), epoch.EndTimestamp())
		if err != nil {
			return fmt.Errorf("failed to cache empty fee marker: %w", err)
		}
		return nil
	}

	for _, fee := range fees {
		_, err := s.pool.Exec(ctx, upsertFeeQuery,
			epoch.StartTimestamp(), fee.ChainID, fee.MarketAddress, fee.TotalFee.String(), epoch.EndTimestamp())
		if err != nil {
			return fmt.Errorf("failed to cache epoch fee: %w", err)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"epoch":   epoch.String(),
		"markets": len(fees),
	}).Info("Cached epoch market fees")
	return nil
}

// GetEpochFees reads the cached fee totals of one epoch. A lone marker row
// yields (empty, CacheHitEmpty); no rows at all yield (nil, CacheMiss).
func (s *Store) GetEpochFees(ctx context.Context, epoch Epoch) ([]EpochMarketFee, CacheStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, market_address, total_fee, epoch_start, epoch_end
		FROM epoch_market_fees
		WHERE epoch_start = $1
		ORDER BY chain_id, market_address
	`, epoch.StartTimestamp())
	if err != nil {
		return nil, CacheMiss, fmt.Errorf("failed to read epoch fees: %w", err)
	}
	defer rows.Close()

	var fees []EpochMarketFee
	sawMarker := false
	for rows.Next() {
		var fee EpochMarketFee
		var totalFee string
		var startSec, endSec int64
		if err := rows.Scan(&fee.ChainID, &fee.MarketAddress, &totalFee, &startSec, &endSec); err != nil {
			return nil, CacheMiss, fmt.Errorf("failed to scan epoch fee row: %w", err)
		}
		fee.EpochStart = time.Unix(startSec, 0).UTC()
		fee.EpochEnd = time.Unix(endSec, 0).UTC()
		if fee.ChainID == 0 && fee.MarketAddress == zeroAddress {
			sawMarker = true
			continue
		}
		fee.TotalFee, err = decimal.NewFromString(totalFee)
		if err != nil {
			return nil, CacheMiss, fmt.Errorf("corrupt total_fee in cache: %w", err)
		}
		fees = append(fees, fee)
	}
	if err := rows.Err(); err != nil {
		return nil, CacheMiss, fmt.Errorf("failed to read epoch fees: %w", err)
	}

	switch {
	case len(fees) > 0:
		return fees, CacheHit, nil
	case sawMarker:
		return []EpochMarketFee{}, CacheHitEmpty, nil
	default:
		return nil, CacheMiss, nil
	}
}

// --- epoch vote snapshots ---

const upsertSnapshotQuery = `
	INSERT INTO epoch_vote_snapshots
		(epoch_start, voter_address, pool_address, bias, slope, ve_pendle_value,
		 last_vote_block, last_vote_timestamp, snapshot_timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (epoch_start, voter_address, pool_address)
	DO UPDATE SET
		bias = EXCLUDED.bias,
		slope = EXCLUDED.slope,
		ve_pendle_value = EXCLUDED.ve_pendle_value,
		last_vote_block = EXCLUDED.last_vote_block,
		last_vote_timestamp = EXCLUDED.last_vote_timestamp,
		snapshot_timestamp = EXCLUDED.snapshot_timestamp
`

// SaveEpochSnapshot caches a reconstructed snapshot. An empty snapshot is
// cached as a single marker row (zero voter, zero pool). The hot cache, when
// enabled, is refreshed on every save.
func (s *Store) SaveEpochSnapshot(ctx context.Context, snapshot *EpochVotesSnapshot) error {
	epoch := snapshot.Epoch
	if len(snapshot.Votes) == 0 {
		_, err := s.pool.Exec(ctx, upsertSnapshotQuery,
			epoch.StartTimestamp(), zeroAddress, zeroAddress, "0", "0", decimal.Zero.String(),
			int64(0), int64(0), snapshot.SnapshotTimestamp)
		if err != nil {
			return fmt.Errorf("failed to cache empty snapshot marker: %w", err)
		}
	} else {
		for _, vote := range snapshot.Votes {
			_, err := s.pool.Exec(ctx, upsertSnapshotQuery,
				epoch.StartTimestamp(), vote.VoterAddress, vote.PoolAddress,
				vote.Bias.String(), vote.Slope.String(), vote.VePendleValue.String(),
				vote.LastVoteBlock, vote.LastVoteTimestamp, snapshot.SnapshotTimestamp)
			if err != nil {
				return fmt.Errorf("failed to cache snapshot vote: %w", err)
			}
		}
	}

	s.warmSnapshot(ctx, snapshot)
	s.logger.WithFields(logrus.Fields{
		"epoch": epoch.String(),
		"votes": len(snapshot.Votes),
	}).Info("Cached epoch vote snapshot")
	return nil
}

// GetEpochSnapshot reads a cached snapshot, consulting the hot cache first
// when enabled. A lone marker row yields an empty snapshot with
// CacheHitEmpty.
func (s *Store) GetEpochSnapshot(ctx context.Context, epoch Epoch) (*EpochVotesSnapshot, CacheStatus, error) {
	if snapshot := s.hotSnapshot(ctx, epoch); snapshot != nil {
		if len(snapshot.Votes) == 0 {
			return snapshot, CacheHitEmpty, nil
		}
		return snapshot, CacheHit, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT voter_address, pool_address, bias, slope, ve_pendle_value,
		       last_vote_block, last_vote_timestamp, snapshot_timestamp
		FROM epoch_vote_snapshots
		WHERE epoch_start = $1
		ORDER BY voter_address, pool_address
	`, epoch.StartTimestamp())
	if err != nil {
		return nil, CacheMiss, fmt.Errorf("failed to read epoch snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := &EpochVotesSnapshot{
		Epoch: epoch,
		Votes: []VoteSnapshot{},
	}
	total := decimal.Zero
	sawRow := false
	sawMarker := false
	for rows.Next() {
		var vote VoteSnapshot
		var bias, slope, veValue string
		if err := rows.Scan(&vote.VoterAddress, &vote.PoolAddress, &bias, &slope, &veValue,
			&vote.LastVoteBlock, &vote.LastVoteTimestamp, &snapshot.SnapshotTimestamp); err != nil {
			return nil, CacheMiss, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		sawRow = true
		if vote.VoterAddress == zeroAddress && vote.PoolAddress == zeroAddress {
			sawMarker = true
			continue
		}
		if vote.Bias, err = parseBigInt(bias, "bias"); err != nil {
			return nil, CacheMiss, err
		}
		if vote.Slope, err = parseBigInt(slope, "slope"); err != nil {
			return nil, CacheMiss, err
		}
		if vote.VePendleValue, err = decimal.NewFromString(veValue); err != nil {
			return nil, CacheMiss, fmt.Errorf("corrupt ve_pendle_value in cache: %w", err)
		}
		total = total.Add(vote.VePendleValue)
		snapshot.Votes = append(snapshot.Votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, CacheMiss, fmt.Errorf("failed to read epoch snapshot: %w", err)
	}
	if !sawRow {
		return nil, CacheMiss, nil
	}

	snapshot.TotalVePendle = total
	s.warmSnapshot(ctx, snapshot)
	if sawMarker && len(snapshot.Votes) == 0 {
		return snapshot, CacheHitEmpty, nil
	}
	return snapshot, CacheHit, nil
}

func parseBigInt(text, column string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt %s in cache: %q", column, text)
	}
	return v, nil
}

func snapshotKey(epoch Epoch) string {
	return "pendleyield:snapshot:" + epoch.Start().UTC().Format("2006-01-02")
}

// hotSnapshot reads the Redis layer; any failure degrades to the SQL store.
func (s *Store) hotSnapshot(ctx context.Context, epoch Epoch) *EpochVotesSnapshot {
	if s.hot == nil {
		return nil
	}
	data, err := s.hot.Get(ctx, snapshotKey(epoch)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.WithError(err).Warn("Snapshot hot cache read failed")
		}
		return nil
	}
	var snapshot EpochVotesSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		s.logger.WithError(err).Warn("Corrupt snapshot in hot cache")
		return nil
	}
	return &snapshot
}

// warmSnapshot writes through to the Redis layer; failures are logged only.
func (s *Store) warmSnapshot(ctx context.Context, snapshot *EpochVotesSnapshot) {
	if s.hot == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to serialize snapshot for hot cache")
		return
	}
	if err := s.hot.Set(ctx, snapshotKey(snapshot.Epoch), data, s.snapshotTTL).Err(); err != nil {
		s.logger.WithError(err).Warn("Snapshot hot cache write failed")
	}
}

// --- daily market history ---

const upsertHistoryQuery = `
	INSERT INTO market_history
		(chain_id, market_address, date, max_apy, base_apy, underlying_apy,
		 implied_apy, tvl, trading_volume, explicit_swap_fee, implicit_swap_fee)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (chain_id, market_address, date)
	DO UPDATE SET
		max_apy = EXCLUDED.max_apy,
		base_apy = EXCLUDED.base_apy,
		underlying_apy = EXCLUDED.underlying_apy,
		implied_apy = EXCLUDED.implied_apy,
		tvl = EXCLUDED.tvl,
		trading_volume = EXCLUDED.trading_volume,
		explicit_swap_fee = EXCLUDED.explicit_swap_fee,
		implicit_swap_fee = EXCLUDED.implicit_swap_fee
`

// SaveMarketHistory upserts daily data points, including all-NULL marker
// points recording "fetched, confirmed no data" days.
func (s *Store) SaveMarketHistory(ctx context.Context, points []MarketDataPoint) error {
	for _, p := range points {
		_, err := s.pool.Exec(ctx, upsertHistoryQuery,
			p.ChainID, p.MarketAddress, p.Date,
			p.MaxApy, p.BaseApy, p.UnderlyingApy, p.ImpliedApy,
			p.Tvl, p.TradingVolume, p.ExplicitSwapFee, p.ImplicitSwapFee)
		if err != nil {
			return fmt.Errorf("failed to cache market history point: %w", err)
		}
	}
	return nil
}

// GetMarketHistory reads cached daily points for one market with dates in
// [start, end), ordered by date. All-NULL marker rows come back as points
// where IsEmpty() is true; callers treat those days as confirmed-empty, not
// as gaps.
func (s *Store) GetMarketHistory(ctx context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chain_id, market_address, date, max_apy, base_apy, underlying_apy,
		       implied_apy, tvl, trading_volume, explicit_swap_fee, implicit_swap_fee
		FROM market_history
		WHERE chain_id = $1 AND market_address = $2 AND date >= $3 AND date < $4
		ORDER BY date
	`, chainID, marketAddress, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read market history: %w", err)
	}
	defer rows.Close()

	var points []MarketDataPoint
	for rows.Next() {
		var p MarketDataPoint
		if err := rows.Scan(&p.ChainID, &p.MarketAddress, &p.Date,
			&p.MaxApy, &p.BaseApy, &p.UnderlyingApy, &p.ImpliedApy,
			&p.Tvl, &p.TradingVolume, &p.ExplicitSwapFee, &p.ImplicitSwapFee); err != nil {
			return nil, fmt.Errorf("failed to scan market history row: %w", err)
		}
		p.Date = p.Date.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read market history: %w", err)
	}
	return points, nil
}
