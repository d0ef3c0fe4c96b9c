package pendleyield

import (
	"context"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// VoteLogSource provides the on-chain inputs the snapshot engine replays:
// decoded vote events for a block range and timestamp-to-block resolution.
// EtherscanClient satisfies it.
type VoteLogSource interface {
	GetVoteEvents(ctx context.Context, fromBlock, toBlock int64) ([]VoteEvent, error)
	BlockResolver
}

// SnapshotStore is the cache surface the engine reads and writes.
// Store satisfies it.
type SnapshotStore interface {
	GetEpochSnapshot(ctx context.Context, epoch Epoch) (*EpochVotesSnapshot, CacheStatus, error)
	SaveEpochSnapshot(ctx context.Context, snapshot *EpochVotesSnapshot) error
}

// voteKey identifies one voter's allocation to one pool. A later vote for the
// same key replaces the earlier one; a weight-zero vote deletes it.
type voteKey struct {
	voter string
	pool  string
}

// voteState is the raw replay state of one allocation: the bias/slope of the
// most recent vote, undecayed, so the same state can be evaluated at any
// later epoch boundary.
type voteState struct {
	bias      *big.Int
	slope     *big.Int
	block     int64
	timestamp int64
}

// SnapshotEngine reconstructs epoch vote snapshots. The snapshot of epoch E
// is the set of allocations standing at E's start instant: every vote cast
// strictly before E.Start has been applied in block order, and each surviving
// allocation is evaluated by the decay function at E.Start.
//
// Reconstruction is a forward walk: the engine steps back through cached
// predecessors to the most recent epoch whose snapshot is already stored (or
// to the first voting epoch, whose predecessor state is empty), then replays
// one epoch's votes at a time forward to the target, persisting every
// intermediate snapshot. Each walked epoch costs one block-range resolution
// and one log fetch, so a cold backfill of N epochs is O(N) upstream calls
// and a warm call is O(1).
type SnapshotEngine struct {
	source VoteLogSource
	store  SnapshotStore
	logger *logrus.Entry
}

// NewSnapshotEngine creates an engine over a log source and a snapshot cache.
func NewSnapshotEngine(source VoteLogSource, store SnapshotStore) *SnapshotEngine {
	return &SnapshotEngine{
		source: source,
		store:  store,
		logger: logrus.WithField("component", "snapshot"),
	}
}

// GetSnapshot returns the vote snapshot at the start of the given epoch,
// reconstructing and caching it (and any uncached ancestors) on a miss.
// Future epochs are rejected before any I/O: their snapshot instant has not
// happened yet. Current and past epochs are always cacheable because the
// snapshot instant is already in the past.
func (e *SnapshotEngine) GetSnapshot(ctx context.Context, epoch Epoch) (*EpochVotesSnapshot, error) {
	if epoch.IsFuture() {
		return nil, &ValidationError{
			Message: "Cannot compute snapshot for future epoch",
			Field:   "epoch_status",
			Value:   "future",
		}
	}

	snapshot, status, err := e.store.GetEpochSnapshot(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if status != CacheMiss {
		e.logger.WithFields(logrus.Fields{
			"epoch":  epoch.String(),
			"status": status.String(),
		}).Debug("Snapshot cache hit")
		return snapshot, nil
	}

	// Walk back to the newest cached ancestor. pending holds the epochs that
	// must be reconstructed, oldest last.
	pending := []Epoch{epoch}
	working := map[voteKey]voteState{}
	for {
		oldest := pending[len(pending)-1]
		if !oldest.Start().After(FirstEpochStart) {
			// First voting epoch (or earlier): nothing precedes it.
			break
		}
		prev := oldest.Previous()
		cached, status, err := e.store.GetEpochSnapshot(ctx, prev)
		if err != nil {
			return nil, err
		}
		if status != CacheMiss {
			for _, vote := range cached.Votes {
				working[voteKey{voter: vote.VoterAddress, pool: vote.PoolAddress}] = voteState{
					bias:      vote.Bias,
					slope:     vote.Slope,
					block:     vote.LastVoteBlock,
					timestamp: vote.LastVoteTimestamp,
				}
			}
			break
		}
		pending = append(pending, prev)
	}

	e.logger.WithFields(logrus.Fields{
		"epoch":          epoch.String(),
		"epochs_to_walk": len(pending),
	}).Info("Reconstructing epoch snapshot")

	// Replay forward, oldest first. Each step folds the previous epoch's
	// votes into the working state, then freezes the state as that epoch's
	// snapshot.
	for i := len(pending) - 1; i >= 0; i-- {
		target := pending[i]
		// The base case replays the pre-inception predecessor too: the fetch
		// legitimately returns no events and must not error.
		if err := e.replayEpochVotes(ctx, target.Previous(), working); err != nil {
			return nil, err
		}
		snapshot = freezeSnapshot(target, working)
		if err := e.store.SaveEpochSnapshot(ctx, snapshot); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

// replayEpochVotes applies every vote cast during the given epoch to the
// working state, in block order. The replayed epoch is always fully elapsed
// (it precedes a non-future epoch), so its block range resolves both ends.
func (e *SnapshotEngine) replayEpochVotes(ctx context.Context, epoch Epoch, working map[voteKey]voteState) error {
	blocks, err := epoch.BlockRange(ctx, e.source, false)
	if err != nil {
		return err
	}
	events, err := e.source.GetVoteEvents(ctx, blocks.Start, blocks.End)
	if err != nil {
		return err
	}

	// Stable: same-block votes keep log order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].BlockNumber < events[j].BlockNumber
	})

	for _, event := range events {
		key := voteKey{voter: event.VoterAddress, pool: event.PoolAddress}
		if event.IsRemoval() {
			delete(working, key)
			continue
		}
		ts := int64(0)
		if !event.Timestamp.IsZero() {
			ts = event.Timestamp.Unix()
		}
		working[key] = voteState{
			bias:      event.Bias,
			slope:     event.Slope,
			block:     event.BlockNumber,
			timestamp: ts,
		}
	}
	return nil
}

// freezeSnapshot evaluates the working state at the epoch's start instant.
// Allocations whose decayed value is not strictly positive have expired and
// are dropped. Votes are ordered by (voter, pool) so repeated reconstructions
// of the same epoch serialize identically.
func freezeSnapshot(epoch Epoch, working map[voteKey]voteState) *EpochVotesSnapshot {
	at := epoch.StartTimestamp()
	snapshot := &EpochVotesSnapshot{
		Epoch:             epoch,
		SnapshotTimestamp: at,
		Votes:             []VoteSnapshot{},
		TotalVePendle:     decimal.Zero,
	}

	for key, state := range working {
		value := VePendleValue(state.bias, state.slope, at)
		if !IsActiveVePendle(value) {
			continue
		}
		snapshot.Votes = append(snapshot.Votes, VoteSnapshot{
			VoterAddress:      key.voter,
			PoolAddress:       key.pool,
			Bias:              state.bias,
			Slope:             state.slope,
			VePendleValue:     value,
			LastVoteBlock:     state.block,
			LastVoteTimestamp: state.timestamp,
		})
		snapshot.TotalVePendle = snapshot.TotalVePendle.Add(value)
	}

	sort.Slice(snapshot.Votes, func(i, j int) bool {
		a, b := snapshot.Votes[i], snapshot.Votes[j]
		if a.VoterAddress != b.VoterAddress {
			return a.VoterAddress < b.VoterAddress
		}
		return a.PoolAddress < b.PoolAddress
	})
	return snapshot
}
