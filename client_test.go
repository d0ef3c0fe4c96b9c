package pendleyield

import (
	"context"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory logSource.
type fakeChain struct {
	votes    []VoteEvent
	swaps    []SwapEvent
	votesErr error
}

func (f *fakeChain) GetVoteEvents(_ context.Context, fromBlock, toBlock int64) ([]VoteEvent, error) {
	if f.votesErr != nil {
		return nil, f.votesErr
	}
	var out []VoteEvent
	for _, v := range f.votes {
		if v.BlockNumber >= fromBlock && v.BlockNumber <= toBlock {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeChain) GetSwapEvents(_ context.Context, _ string, _, _ int64) ([]SwapEvent, error) {
	return f.swaps, nil
}

func (f *fakeChain) GetBlockNumberByTimestamp(_ context.Context, timestamp int64, _ string) (int64, error) {
	return timestamp, nil
}

func (f *fakeChain) Close() {}

// fakeMetadata is an in-memory metadataSource with call accounting.
type fakeMetadata struct {
	aprResponse *VoterAprResponse
	aprErr      error
	feeTotals   []MarketFeeTotal
	feeCalls    int
	history     map[time.Time]MarketDataPoint
	historyErr  error
	// recorded [start, end) of every history fetch
	historyRanges [][2]time.Time
}

func (f *fakeMetadata) GetPoolVoterAprData(_ context.Context) (*VoterAprResponse, error) {
	if f.aprErr != nil {
		return nil, f.aprErr
	}
	return f.aprResponse, nil
}

func (f *fakeMetadata) GetMarketFeesForPeriod(_ context.Context, _, _ time.Time) ([]MarketFeeTotal, error) {
	f.feeCalls++
	return f.feeTotals, nil
}

func (f *fakeMetadata) GetAllMarkets(_ context.Context, _ int64) ([]Market, error) {
	return nil, nil
}

func (f *fakeMetadata) GetMarketHistoricalData(_ context.Context, chainID int64, marketAddress string, start, end time.Time) ([]MarketDataPoint, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	f.historyRanges = append(f.historyRanges, [2]time.Time{start, end})
	var out []MarketDataPoint
	for day, p := range f.history {
		if !day.Before(start) && day.Before(end) {
			p.ChainID = chainID
			p.MarketAddress = marketAddress
			p.Date = day
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeMetadata) Close() {}

// fakeCacheStore is an in-memory cacheStore.
type fakeCacheStore struct {
	fakeSnapshotStore
	fees         map[int64][]EpochMarketFee
	feeSaves     int
	history      map[time.Time]MarketDataPoint
	historySaves int
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{
		fakeSnapshotStore: fakeSnapshotStore{snapshots: map[int64]*EpochVotesSnapshot{}},
		fees:              map[int64][]EpochMarketFee{},
		history:           map[time.Time]MarketDataPoint{},
	}
}

func (f *fakeCacheStore) GetEpochFees(_ context.Context, epoch Epoch) ([]EpochMarketFee, CacheStatus, error) {
	fees, ok := f.fees[epoch.StartTimestamp()]
	if !ok {
		return nil, CacheMiss, nil
	}
	if len(fees) == 0 {
		return []EpochMarketFee{}, CacheHitEmpty, nil
	}
	return fees, CacheHit, nil
}

func (f *fakeCacheStore) SaveEpochFees(_ context.Context, epoch Epoch, fees []EpochMarketFee) error {
	f.feeSaves++
	f.fees[epoch.StartTimestamp()] = fees
	return nil
}

func (f *fakeCacheStore) GetMarketHistory(_ context.Context, _ int64, _ string, start, end time.Time) ([]MarketDataPoint, error) {
	var out []MarketDataPoint
	for day, p := range f.history {
		if !day.Before(start) && day.Before(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeCacheStore) SaveMarketHistory(_ context.Context, points []MarketDataPoint) error {
	f.historySaves++
	for _, p := range points {
		f.history[p.Date] = p
	}
	return nil
}

// fakeEngine is a canned snapshotSource.
type fakeEngine struct {
	snapshot *EpochVotesSnapshot
}

func (f *fakeEngine) GetSnapshot(_ context.Context, _ Epoch) (*EpochVotesSnapshot, error) {
	return f.snapshot, nil
}

func newTestClient(chain *fakeChain, pendle *fakeMetadata, store *fakeCacheStore) *Client {
	return newClient(chain, pendle, store, &fakeEngine{}, PlaceholderConfig{
		Name:             "Unknown Pool",
		Symbol:           "UNKNOWN",
		Protocol:         "Unknown",
		AccentColor:      "#A8A8A8",
		ExpiryOffsetDays: 365,
	})
}

func TestClient_GetVotes_EnrichesKnownAndPlaceholdersUnknown(t *testing.T) {
	voteTime := time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)
	knownVote := VoteEvent{
		BlockNumber:  100,
		VoterAddress: testVoter,
		PoolAddress:  "0x2222222222222222222222222222222222222222",
		Weight:       big.NewInt(1),
		Bias:         bigPow10(21),
		Slope:        bigPow10(10),
		Timestamp:    voteTime,
	}
	unknownVote := knownVote
	unknownVote.PoolAddress = "0x9999999999999999999999999999999999999999"
	unknownVote.BlockNumber = 101

	chain := &fakeChain{votes: []VoteEvent{knownVote, unknownVote}}
	pendle := &fakeMetadata{aprResponse: &VoterAprResponse{
		Results: []PoolVoterData{{
			Pool: PoolInfo{
				// Upper case on purpose: matching is case-insensitive.
				Address:     "0x2222222222222222222222222222222222222222",
				Name:        "stETH Pool",
				Symbol:      "PT-stETH",
				Protocol:    "Lido",
				VoterApy:    0.12,
				AccentColor: "#00FFAA",
			},
		}},
	}}
	client := newTestClient(chain, pendle, newFakeCacheStore())
	now := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	enriched, err := client.GetVotes(context.Background(), 1, 1000)
	require.NoError(t, err)
	require.Len(t, enriched, 2)

	known := enriched[0]
	assert.Equal(t, "stETH Pool", known.PoolName)
	assert.Equal(t, "Lido", known.Protocol)
	want := VePendleValue(knownVote.Bias, knownVote.Slope, voteTime.Unix())
	assert.True(t, known.VePendleValue.Equal(want), "decayed at the vote instant")

	placeholder := enriched[1]
	assert.Equal(t, "Unknown Pool", placeholder.PoolName)
	assert.Equal(t, "#A8A8A8", placeholder.AccentColor)
	assert.Equal(t, now.AddDate(0, 0, 365), placeholder.Expiry)
}

func TestClient_GetVotes_MetadataFailureDegradesToEmpty(t *testing.T) {
	chain := &fakeChain{votes: []VoteEvent{{
		BlockNumber: 100, VoterAddress: testVoter, PoolAddress: testPool,
		Weight: big.NewInt(1), Bias: big.NewInt(1), Slope: big.NewInt(1),
	}}}
	pendle := &fakeMetadata{aprErr: &APIError{Message: "metadata down"}}
	client := newTestClient(chain, pendle, newFakeCacheStore())

	enriched, err := client.GetVotes(context.Background(), 1, 1000)
	require.NoError(t, err, "metadata failure is fail-soft on the convenience path")
	assert.Empty(t, enriched)
	assert.NotNil(t, enriched)
}

func TestClient_GetVotes_VoteFetchFailurePropagates(t *testing.T) {
	chain := &fakeChain{votesErr: &APIError{Message: "indexer down"}}
	client := newTestClient(chain, &fakeMetadata{}, newFakeCacheStore())

	_, err := client.GetVotes(context.Background(), 1, 1000)
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}

func TestClient_GetMarketFeesByEpoch_FutureRejected(t *testing.T) {
	pendle := &fakeMetadata{}
	client := newTestClient(&fakeChain{}, pendle, newFakeCacheStore())

	_, err := client.GetMarketFeesByEpoch(context.Background(), CurrentEpoch().Next())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, pendle.feeCalls)
}

func TestClient_GetMarketFeesByEpoch_PastEpochCachedOnce(t *testing.T) {
	pendle := &fakeMetadata{feeTotals: []MarketFeeTotal{{
		ChainID:       1,
		MarketAddress: "0xaaaa567890123456789012345678901234567890",
		TotalFee:      decimal.RequireFromString("42.5"),
	}}}
	store := newFakeCacheStore()
	client := newTestClient(&fakeChain{}, pendle, store)
	epoch := CurrentEpoch().Previous()

	fees, err := client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.True(t, fees[0].EpochStart.Equal(epoch.Start()))
	assert.Equal(t, 1, pendle.feeCalls)
	assert.Equal(t, 1, store.feeSaves)

	// Second call is served from the cache.
	fees, err = client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.Equal(t, 1, pendle.feeCalls, "no second upstream fetch")
}

func TestClient_GetMarketFeesByEpoch_EmptyResultNegativelyCached(t *testing.T) {
	pendle := &fakeMetadata{} // upstream has no fees for this epoch
	store := newFakeCacheStore()
	client := newTestClient(&fakeChain{}, pendle, store)
	epoch := CurrentEpoch().Previous()

	fees, err := client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	assert.Empty(t, fees)
	assert.Equal(t, 1, pendle.feeCalls)

	fees, err = client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	assert.Empty(t, fees)
	assert.Equal(t, 1, pendle.feeCalls, "confirmed-empty epoch is not re-fetched")
}

func TestClient_GetMarketFeesByEpoch_CurrentEpochNeverCached(t *testing.T) {
	pendle := &fakeMetadata{feeTotals: []MarketFeeTotal{{
		ChainID: 1, MarketAddress: "0xaaaa567890123456789012345678901234567890",
		TotalFee: decimal.RequireFromString("1"),
	}}}
	store := newFakeCacheStore()
	client := newTestClient(&fakeChain{}, pendle, store)
	epoch := CurrentEpoch()

	_, err := client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	_, err = client.GetMarketFeesByEpoch(context.Background(), epoch)
	require.NoError(t, err)

	assert.Equal(t, 2, pendle.feeCalls, "a still-moving epoch is fetched fresh every time")
	assert.Zero(t, store.feeSaves)
}

func historyDay(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClient_GetMarketHistoricalData_GapBatching(t *testing.T) {
	market := "0xdddd567890123456789012345678901234567890"
	today := historyDay(2024, time.January, 20)

	store := newFakeCacheStore()
	// Cached: days 11-13 with data, day 9 as a confirmed-empty marker.
	for d := 11; d <= 13; d++ {
		day := historyDay(2024, time.January, d)
		store.history[day] = MarketDataPoint{
			ChainID: 1, MarketAddress: market, Date: day, Tvl: fptr(float64(d)),
		}
	}
	store.history[historyDay(2024, time.January, 9)] = MarketDataPoint{
		ChainID: 1, MarketAddress: market, Date: historyDay(2024, time.January, 9),
	}

	// Upstream has data for every day except the 15th.
	pendle := &fakeMetadata{history: map[time.Time]MarketDataPoint{}}
	for d := 8; d <= 17; d++ {
		if d == 15 {
			continue
		}
		pendle.history[historyDay(2024, time.January, d)] = MarketDataPoint{Tvl: fptr(float64(100 + d))}
	}

	client := newTestClient(&fakeChain{}, pendle, store)
	client.now = func() time.Time { return today.Add(13 * time.Hour) }

	points, err := client.GetMarketHistoricalData(context.Background(), 1, market,
		historyDay(2024, time.January, 8), historyDay(2024, time.January, 18))
	require.NoError(t, err)

	// Uncached days 8, 10, 14-17 form three maximal contiguous runs.
	require.Len(t, pendle.historyRanges, 3)
	assert.Equal(t, historyDay(2024, time.January, 8), pendle.historyRanges[0][0])
	assert.Equal(t, historyDay(2024, time.January, 9), pendle.historyRanges[0][1])
	assert.Equal(t, historyDay(2024, time.January, 10), pendle.historyRanges[1][0])
	assert.Equal(t, historyDay(2024, time.January, 11), pendle.historyRanges[1][1])
	assert.Equal(t, historyDay(2024, time.January, 14), pendle.historyRanges[2][0])
	assert.Equal(t, historyDay(2024, time.January, 18), pendle.historyRanges[2][1])

	// Returned: 8, 10-14, 16, 17. The marker days (9 cached, 15 fetched-empty)
	// are excluded.
	var got []int
	for _, p := range points {
		got = append(got, p.Date.Day())
	}
	assert.Equal(t, []int{8, 10, 11, 12, 13, 14, 16, 17}, got)

	// Day 15 was negatively cached; a repeat call makes zero upstream calls.
	require.True(t, store.history[historyDay(2024, time.January, 15)].IsEmpty())
	rangesBefore := len(pendle.historyRanges)
	_, err = client.GetMarketHistoricalData(context.Background(), 1, market,
		historyDay(2024, time.January, 8), historyDay(2024, time.January, 18))
	require.NoError(t, err)
	assert.Equal(t, rangesBefore, len(pendle.historyRanges))
}

func TestClient_GetMarketHistoricalData_TodayAlwaysRefetched(t *testing.T) {
	market := "0xdddd567890123456789012345678901234567890"
	today := historyDay(2024, time.January, 18)
	yesterday := historyDay(2024, time.January, 17)

	store := newFakeCacheStore()
	store.history[yesterday] = MarketDataPoint{
		ChainID: 1, MarketAddress: market, Date: yesterday, Tvl: fptr(17),
	}

	pendle := &fakeMetadata{history: map[time.Time]MarketDataPoint{
		today: {Tvl: fptr(18)},
	}}
	client := newTestClient(&fakeChain{}, pendle, store)
	client.now = func() time.Time { return today.Add(6 * time.Hour) }

	points, err := client.GetMarketHistoricalData(context.Background(), 1, market,
		yesterday, today.AddDate(0, 0, 1))
	require.NoError(t, err)

	// One call, covering just today.
	require.Len(t, pendle.historyRanges, 1)
	assert.Equal(t, today, pendle.historyRanges[0][0])
	assert.Equal(t, today.AddDate(0, 0, 1), pendle.historyRanges[0][1])

	require.Len(t, points, 2)
	assert.Equal(t, 18.0, *points[1].Tvl)

	// Today's point is never persisted.
	_, cached := store.history[today]
	assert.False(t, cached)

	// A second call re-fetches today again.
	_, err = client.GetMarketHistoricalData(context.Background(), 1, market,
		yesterday, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, pendle.historyRanges, 2)
}

func TestClient_GetMarketHistoricalData_InvalidRange(t *testing.T) {
	client := newTestClient(&fakeChain{}, &fakeMetadata{}, newFakeCacheStore())
	day := historyDay(2024, time.January, 10)

	_, err := client.GetMarketHistoricalData(context.Background(), 1,
		"0xdddd567890123456789012345678901234567890", day, day)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestClient_GetVotesByEpoch_FutureRejected(t *testing.T) {
	client := newTestClient(&fakeChain{}, &fakeMetadata{}, newFakeCacheStore())
	_, err := client.GetVotesByEpoch(context.Background(), CurrentEpoch().Next())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestClient_GetVotesByEpoch_UsesEpochBlockRange(t *testing.T) {
	epoch := CurrentEpoch().Previous()
	inRange := VoteEvent{
		BlockNumber:  epoch.StartTimestamp() + 100,
		VoterAddress: testVoter,
		PoolAddress:  testPool,
		Weight:       big.NewInt(1),
		Bias:         bigPow10(21),
		Slope:        big.NewInt(1),
	}
	outOfRange := inRange
	outOfRange.BlockNumber = epoch.StartTimestamp() - 100

	chain := &fakeChain{votes: []VoteEvent{inRange, outOfRange}}
	pendle := &fakeMetadata{aprResponse: &VoterAprResponse{}}
	client := newTestClient(chain, pendle, newFakeCacheStore())

	enriched, err := client.GetVotesByEpoch(context.Background(), epoch)
	require.NoError(t, err)
	require.Len(t, enriched, 1)
	assert.Equal(t, inRange.BlockNumber, enriched[0].BlockNumber)
}
