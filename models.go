package pendleyield

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// VoteEvent is a single on-chain vote action decoded from a Vote log.
// Weight, Bias and Slope are raw 18-decimal fixed-point integers; Bias and
// Slope carry the magnitude only (the sign is stripped at decode time).
// A Weight of zero means the voter revoked their allocation to the pool.
type VoteEvent struct {
	BlockNumber     int64     `json:"block_number"`
	TransactionHash string    `json:"transaction_hash"`
	VoterAddress    string    `json:"voter_address"`
	PoolAddress     string    `json:"pool_address"`
	Weight          *big.Int  `json:"weight"`
	Bias            *big.Int  `json:"bias"`
	Slope           *big.Int  `json:"slope"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
}

// IsRemoval reports whether the vote revokes the voter's prior allocation.
func (v VoteEvent) IsRemoval() bool {
	return v.Weight == nil || v.Weight.Sign() == 0
}

// SwapEvent is a single on-chain swap decoded from a pool's Swap log.
// NetPtOut and NetSyOut are signed; NetSyFee and NetSyToReserve are not.
type SwapEvent struct {
	BlockNumber     int64     `json:"block_number"`
	TransactionHash string    `json:"transaction_hash"`
	PoolAddress     string    `json:"pool_address"`
	Caller          string    `json:"caller"`
	Receiver        string    `json:"receiver"`
	NetPtOut        *big.Int  `json:"net_pt_out"`
	NetSyOut        *big.Int  `json:"net_sy_out"`
	NetSyFee        *big.Int  `json:"net_sy_fee"`
	NetSyToReserve  *big.Int  `json:"net_sy_to_reserve"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
}

// VoteSnapshot is one active (voter, pool) allocation inside an epoch
// snapshot. At most one entry exists per (voter, pool) key. Bias and Slope
// are copied from the most recent vote for that key; VePendleValue is the
// decayed voting power at the snapshot instant.
type VoteSnapshot struct {
	VoterAddress      string          `json:"voter_address"`
	PoolAddress       string          `json:"pool_address"`
	Bias              *big.Int        `json:"bias"`
	Slope             *big.Int        `json:"slope"`
	VePendleValue     decimal.Decimal `json:"ve_pendle_value"`
	LastVoteBlock     int64           `json:"last_vote_block"`
	LastVoteTimestamp int64           `json:"last_vote_timestamp"`
}

// EpochVotesSnapshot is the full set of active votes evaluated at an epoch's
// start instant. Only entries with strictly positive decayed value survive.
// Snapshots are immutable once computed: the snapshot instant is always in
// the past whenever the snapshot is computable at all.
type EpochVotesSnapshot struct {
	Epoch             Epoch           `json:"epoch"`
	SnapshotTimestamp int64           `json:"snapshot_timestamp"`
	Votes             []VoteSnapshot  `json:"votes"`
	TotalVePendle     decimal.Decimal `json:"total_ve_pendle"`
}

// EpochMarketFee is the total fee one market accrued during one epoch.
type EpochMarketFee struct {
	ChainID       int64           `json:"chain_id"`
	MarketAddress string          `json:"market_address"`
	TotalFee      decimal.Decimal `json:"total_fee"`
	EpochStart    time.Time       `json:"epoch_start"`
	EpochEnd      time.Time       `json:"epoch_end"`
}

// PoolInfo is pool metadata from the Pendle voter APR API.
type PoolInfo struct {
	ID          string    `json:"id"`
	ChainID     int64     `json:"chainId"`
	Address     string    `json:"address"`
	Symbol      string    `json:"symbol"`
	Expiry      time.Time `json:"expiry"`
	Protocol    string    `json:"protocol"`
	VoterApy    float64   `json:"voterApy"`
	AccentColor string    `json:"accentColor"`
	Name        string    `json:"name"`
}

// PoolVoterData couples a pool with its current and projected voter APR.
type PoolVoterData struct {
	Pool              PoolInfo `json:"pool"`
	CurrentVoterApr   float64  `json:"currentVoterApr"`
	LastEpochVoterApr float64  `json:"lastEpochVoterApr"`
	CurrentSwapFee    float64  `json:"currentSwapFee"`
	LastEpochSwapFee  float64  `json:"lastEpochSwapFee"`
	ProjectedVoterApr float64  `json:"projectedVoterApr"`
}

// VoterAprResponse is the pool-voter-apr-swap-fee endpoint payload.
type VoterAprResponse struct {
	Results    []PoolVoterData `json:"results"`
	TotalPools int             `json:"totalPools"`
	TotalFee   float64         `json:"totalFee"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EnrichedVoteEvent is a vote event joined with its pool's metadata and the
// vote's decayed voting power at the vote instant.
type EnrichedVoteEvent struct {
	VoteEvent
	PoolName      string          `json:"pool_name"`
	PoolSymbol    string          `json:"pool_symbol"`
	Protocol      string          `json:"protocol"`
	Expiry        time.Time       `json:"expiry"`
	VoterApy      float64         `json:"voter_apy"`
	AccentColor   string          `json:"accent_color"`
	VePendleValue decimal.Decimal `json:"ve_pendle_value"`
}

// Market is one entry of the cross-chain market inventory.
type Market struct {
	ChainID   int64     `json:"chainId"`
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry"`
}

// MarketDataPoint is one calendar day of historical metrics for a market.
// Every metric is independently nullable: upstream legitimately omits some
// fields on some days. A point with all metrics nil is a marker recording
// "fetched, confirmed no data" for that day.
type MarketDataPoint struct {
	ChainID          int64     `json:"chain_id"`
	MarketAddress    string    `json:"market_address"`
	Date             time.Time `json:"date"`
	MaxApy           *float64  `json:"maxApy,omitempty"`
	BaseApy          *float64  `json:"baseApy,omitempty"`
	UnderlyingApy    *float64  `json:"underlyingApy,omitempty"`
	ImpliedApy       *float64  `json:"impliedApy,omitempty"`
	Tvl              *float64  `json:"tvl,omitempty"`
	TradingVolume    *float64  `json:"tradingVolume,omitempty"`
	ExplicitSwapFee  *float64  `json:"explicitSwapFee,omitempty"`
	ImplicitSwapFee  *float64  `json:"implicitSwapFee,omitempty"`
}

// IsEmpty reports whether the point carries no metrics at all, i.e. whether
// it is a "fetched, no data" marker.
func (p MarketDataPoint) IsEmpty() bool {
	return p.MaxApy == nil && p.BaseApy == nil && p.UnderlyingApy == nil &&
		p.ImpliedApy == nil && p.Tvl == nil && p.TradingVolume == nil &&
		p.ExplicitSwapFee == nil && p.ImplicitSwapFee == nil
}
