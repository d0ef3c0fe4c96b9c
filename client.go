package pendleyield

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// logSource is the on-chain side of the client: decoded logs plus block
// resolution. EtherscanClient satisfies it.
type logSource interface {
	GetVoteEvents(ctx context.Context, fromBlock, toBlock int64) ([]VoteEvent, error)
	GetSwapEvents(ctx context.Context, poolAddress string, fromBlock, toBlock int64) ([]SwapEvent, error)
	BlockResolver
	Close()
}

// metadataSource is the off-chain side: the Pendle v2 API. PendleClient
// satisfies it.
type metadataSource interface {
	GetPoolVoterAprData(ctx context.Context) (*VoterAprResponse, error)
	GetMarketFeesForPeriod(ctx context.Context, start, end time.Time) ([]MarketFeeTotal, error)
	GetAllMarkets(ctx context.Context, chainID int64) ([]Market, error)
	GetMarketHistoricalData(ctx context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error)
	Close()
}

// cacheStore is the persistence surface the client drives. Store satisfies it.
type cacheStore interface {
	SnapshotStore
	GetEpochFees(ctx context.Context, epoch Epoch) ([]EpochMarketFee, CacheStatus, error)
	SaveEpochFees(ctx context.Context, epoch Epoch, fees []EpochMarketFee) error
	GetMarketHistory(ctx context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error)
	SaveMarketHistory(ctx context.Context, points []MarketDataPoint) error
}

// snapshotSource reconstructs epoch snapshots. SnapshotEngine satisfies it.
type snapshotSource interface {
	GetSnapshot(ctx context.Context, epoch Epoch) (*EpochVotesSnapshot, error)
}

// Client is the top-level facade: on-chain votes and swaps, enriched vote
// records, cached epoch fees and snapshots, and cached daily market history.
// It is single-threaded by design; all I/O blocks the caller.
type Client struct {
	chain       logSource
	pendle      metadataSource
	store       cacheStore
	engine      snapshotSource
	placeholder PlaceholderConfig
	logger      *logrus.Entry

	// owned connections, closed by Close
	pgPool      *pgxpool.Pool
	redisClient *redis.Client

	// injectable for history-eligibility tests
	now func() time.Time
}

// NewClient wires the full stack from configuration: the Etherscan and
// Pendle clients, the Postgres cache store (schema created when absent), the
// optional Redis hot cache, and the snapshot engine.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	etherscan, err := NewEtherscanClient(cfg.Etherscan)
	if err != nil {
		return nil, err
	}
	pendle := NewPendleClient(cfg.Pendle)

	pool, err := NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		pendle.Close()
		etherscan.Close()
		return nil, err
	}
	store := NewStore(pool)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store.WithHotCache(redisClient, time.Duration(cfg.Redis.TTLHours)*time.Hour)
	}

	if err := store.InitSchema(ctx); err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		pool.Close()
		pendle.Close()
		etherscan.Close()
		return nil, err
	}

	c := newClient(etherscan, pendle, store, NewSnapshotEngine(etherscan, store), cfg.Placeholder)
	c.pgPool = pool
	c.redisClient = redisClient
	return c, nil
}

// newClient assembles a client from prebuilt components.
func newClient(chain logSource, pendle metadataSource, store cacheStore, engine snapshotSource, placeholder PlaceholderConfig) *Client {
	return &Client{
		chain:       chain,
		pendle:      pendle,
		store:       store,
		engine:      engine,
		placeholder: placeholder,
		logger:      logrus.WithField("component", "client"),
		now:         time.Now,
	}
}

// Close releases every connection the client owns.
func (c *Client) Close() {
	c.chain.Close()
	c.pendle.Close()
	if c.redisClient != nil {
		_ = c.redisClient.Close()
	}
	if c.pgPool != nil {
		c.pgPool.Close()
	}
}

// GetVoteEvents fetches decoded vote events in [fromBlock, toBlock].
func (c *Client) GetVoteEvents(ctx context.Context, fromBlock, toBlock int64) ([]VoteEvent, error) {
	return c.chain.GetVoteEvents(ctx, fromBlock, toBlock)
}

// GetSwapEvents fetches decoded swap events for one pool in [fromBlock, toBlock].
func (c *Client) GetSwapEvents(ctx context.Context, poolAddress string, fromBlock, toBlock int64) ([]SwapEvent, error) {
	return c.chain.GetSwapEvents(ctx, poolAddress, fromBlock, toBlock)
}

// GetPoolVoterAprData fetches current pool metadata with voter APRs.
func (c *Client) GetPoolVoterAprData(ctx context.Context) (*VoterAprResponse, error) {
	return c.pendle.GetPoolVoterAprData(ctx)
}

// GetAllMarkets fetches the cross-chain market inventory.
func (c *Client) GetAllMarkets(ctx context.Context, chainID int64) ([]Market, error) {
	return c.pendle.GetAllMarkets(ctx, chainID)
}

// GetVotes fetches vote events in [fromBlock, toBlock] and joins each with
// its pool's metadata. This is the fail-soft convenience path: when the
// metadata fetch fails entirely, it returns an empty set rather than an
// error. A pool missing from the metadata snapshot (delisted or expired)
// gets the configured placeholder instead of being dropped.
func (c *Client) GetVotes(ctx context.Context, fromBlock, toBlock int64) ([]EnrichedVoteEvent, error) {
	events, err := c.chain.GetVoteEvents(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	metadata, err := c.pendle.GetPoolVoterAprData(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Pool metadata unavailable, returning empty enriched set")
		return []EnrichedVoteEvent{}, nil
	}
	return c.enrichVotes(events, metadata), nil
}

// GetVotesByEpoch fetches the enriched votes cast during one epoch. For a
// current epoch the block range extends to the latest block.
func (c *Client) GetVotesByEpoch(ctx context.Context, epoch Epoch) ([]EnrichedVoteEvent, error) {
	blocks, err := epoch.BlockRange(ctx, c.chain, true)
	if err != nil {
		return nil, err
	}
	return c.GetVotes(ctx, blocks.Start, blocks.End)
}

// enrichVotes joins events to pool metadata keyed by lower-cased address.
func (c *Client) enrichVotes(events []VoteEvent, metadata *VoterAprResponse) []EnrichedVoteEvent {
	pools := make(map[string]PoolInfo, len(metadata.Results))
	for _, result := range metadata.Results {
		pools[strings.ToLower(result.Pool.Address)] = result.Pool
	}

	enriched := make([]EnrichedVoteEvent, 0, len(events))
	for _, event := range events {
		pool, ok := pools[strings.ToLower(event.PoolAddress)]
		if !ok {
			pool = c.placeholderPool(event.PoolAddress)
		}
		at := int64(0)
		if !event.Timestamp.IsZero() {
			at = event.Timestamp.Unix()
		}
		enriched = append(enriched, EnrichedVoteEvent{
			VoteEvent:     event,
			PoolName:      pool.Name,
			PoolSymbol:    pool.Symbol,
			Protocol:      pool.Protocol,
			Expiry:        pool.Expiry,
			VoterApy:      pool.VoterApy,
			AccentColor:   pool.AccentColor,
			VePendleValue: VePendleValue(event.Bias, event.Slope, at),
		})
	}
	return enriched
}

// placeholderPool synthesizes display metadata for a pool absent from the
// current metadata snapshot.
func (c *Client) placeholderPool(address string) PoolInfo {
	name := c.placeholder.Name
	if name == "" {
		name = "Unknown Pool"
	}
	color := c.placeholder.AccentColor
	if color == "" {
		color = "#A8A8A8"
	}
	offset := c.placeholder.ExpiryOffsetDays
	if offset <= 0 {
		offset = 365
	}
	return PoolInfo{
		Address:     strings.ToLower(address),
		Name:        name,
		Symbol:      c.placeholder.Symbol,
		Protocol:    c.placeholder.Protocol,
		AccentColor: color,
		Expiry:      c.now().UTC().AddDate(0, 0, offset),
	}
}

// GetEpochVotesSnapshot returns the vote snapshot at the epoch's start,
// reconstructing and caching it on a miss.
func (c *Client) GetEpochVotesSnapshot(ctx context.Context, epoch Epoch) (*EpochVotesSnapshot, error) {
	return c.engine.GetSnapshot(ctx, epoch)
}

// GetMarketFeesByEpoch returns per-market fee totals for one epoch, cached.
// Only fully elapsed epochs are cached: a current epoch's totals are still
// moving, so they are fetched fresh every time. Future epochs are rejected
// before any I/O.
func (c *Client) GetMarketFeesByEpoch(ctx context.Context, epoch Epoch) ([]EpochMarketFee, error) {
	if epoch.IsFuture() {
		return nil, &ValidationError{
			Message: "Cannot fetch fees for future epoch",
			Field:   "epoch_status",
			Value:   "future",
		}
	}

	fees, status, err := c.store.GetEpochFees(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if status != CacheMiss {
		c.logger.WithFields(logrus.Fields{
			"epoch":  epoch.String(),
			"status": status.String(),
		}).Debug("Epoch fee cache hit")
		return fees, nil
	}

	totals, err := c.pendle.GetMarketFeesForPeriod(ctx, epoch.Start(), epoch.End())
	if err != nil {
		return nil, err
	}
	fees = make([]EpochMarketFee, 0, len(totals))
	for _, total := range totals {
		fees = append(fees, EpochMarketFee{
			ChainID:       total.ChainID,
			MarketAddress: total.MarketAddress,
			TotalFee:      total.TotalFee,
			EpochStart:    epoch.Start(),
			EpochEnd:      epoch.End(),
		})
	}

	if epoch.IsPast() {
		if err := c.store.SaveEpochFees(ctx, epoch, fees); err != nil {
			return nil, err
		}
	}
	return fees, nil
}

// GetMarketFeesForPeriod fetches per-market fee totals for an arbitrary time
// range, uncached.
func (c *Client) GetMarketFeesForPeriod(ctx context.Context, start, end time.Time) ([]MarketFeeTotal, error) {
	return c.pendle.GetMarketFeesForPeriod(ctx, start, end)
}

// GetMarketHistoricalData returns daily metrics for one market with dates in
// the half-open range [start, end). Days already cached are served from the
// store; the remaining days are fetched with exactly one API call per
// maximal contiguous uncached run. Only days strictly before the current UTC
// date are cached (the current day is still accruing data and is re-fetched
// every call); fetched past days that came back with no data are cached as
// all-null markers so they are not fetched again. Marker days are not part
// of the returned set.
func (c *Client) GetMarketHistoricalData(ctx context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error) {
	marketAddress = strings.ToLower(marketAddress)
	startDay := utcDate(start)
	endDay := utcDate(end)
	if !end.Equal(endDay) {
		// A partial final day still covers that calendar date.
		endDay = endDay.AddDate(0, 0, 1)
	}
	if !startDay.Before(endDay) {
		return nil, &ValidationError{
			Message: "start date must be before end date",
			Field:   "date_range",
			Value:   fmt.Sprintf("start=%s, end=%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}

	today := utcDate(c.now())
	cached, err := c.store.GetMarketHistory(ctx, chainID, marketAddress, startDay, endDay)
	if err != nil {
		return nil, err
	}

	points := make(map[time.Time]MarketDataPoint, len(cached))
	for _, p := range cached {
		if !p.Date.Before(today) {
			// Stale same-day rows are ignored and re-fetched.
			continue
		}
		points[p.Date] = p
	}

	// Collect uncached days and fetch each maximal contiguous run at once.
	var missing []time.Time
	for day := startDay; day.Before(endDay); day = day.AddDate(0, 0, 1) {
		if day.After(today) {
			break
		}
		if _, ok := points[day]; !ok {
			missing = append(missing, day)
		}
	}

	for _, run := range contiguousRuns(missing) {
		runEnd := run[len(run)-1].AddDate(0, 0, 1)
		fetched, err := c.pendle.GetMarketHistoricalData(ctx, chainID, marketAddress, run[0], runEnd)
		if err != nil {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"market":    marketAddress,
			"run_start": run[0].Format("2006-01-02"),
			"run_days":  len(run),
			"fetched":   len(fetched),
		}).Info("Fetched market history range")

		got := make(map[time.Time]MarketDataPoint, len(fetched))
		for _, p := range fetched {
			got[p.Date] = p
		}

		var toCache []MarketDataPoint
		for _, day := range run {
			p, ok := got[day]
			if !ok {
				// Confirmed empty day: a marker point.
				p = MarketDataPoint{ChainID: chainID, MarketAddress: marketAddress, Date: day}
			}
			points[day] = p
			if day.Before(today) {
				toCache = append(toCache, p)
			}
		}
		if len(toCache) > 0 {
			if err := c.store.SaveMarketHistory(ctx, toCache); err != nil {
				return nil, err
			}
		}
	}

	result := make([]MarketDataPoint, 0, len(points))
	for _, p := range points {
		if p.IsEmpty() {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

// utcDate truncates a time to its UTC calendar date.
func utcDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// contiguousRuns splits an ascending day list into maximal runs of
// consecutive calendar days.
func contiguousRuns(days []time.Time) [][]time.Time {
	var runs [][]time.Time
	for i := 0; i < len(days); {
		j := i + 1
		for j < len(days) && days[j].Sub(days[j-1]) == 24*time.Hour {
			j++
		}
		runs = append(runs, days[i:j])
		i = j
	}
	return runs
}
