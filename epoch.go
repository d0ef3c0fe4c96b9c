package pendleyield

import (
	"context"
	"fmt"
	"time"
)

// Pendle voting epochs are 7-day windows anchored to Thursday 00:00 UTC.
const (
	epochAnchorWeekday = time.Thursday
	// EpochDuration is the fixed width of every voting epoch.
	EpochDuration = 7 * 24 * time.Hour
)

// FirstEpochStart is the start of the first vePENDLE voting epoch: the
// Thursday epoch containing the 2022-11-23 protocol launch.
var FirstEpochStart = time.Date(2022, time.November, 17, 0, 0, 0, 0, time.UTC)

// maxEpochSeconds caps accepted Unix timestamps at 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

// Epoch is an immutable half-open interval [start, end) exactly 7 days wide,
// with start on a Thursday at 00:00 UTC. Construct it with NewEpoch (any
// supported time input), EpochAt (a time.Time) or CurrentEpoch.
type Epoch struct {
	start time.Time
}

// NewEpoch builds the epoch containing the given point in time. Supported
// inputs: nil (now), time.Time, integer Unix seconds (int or int64), and
// ISO-8601 / RFC3339 strings (date-only accepted, naive treated as UTC).
// The constructor always snaps backward to the most recent Thursday anchor.
func NewEpoch(input interface{}) (Epoch, error) {
	t, err := parseTimeInput(input)
	if err != nil {
		return Epoch{}, err
	}
	return EpochAt(t), nil
}

// EpochAt builds the epoch containing t. Never fails.
func EpochAt(t time.Time) Epoch {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	back := (int(day.Weekday()) - int(epochAnchorWeekday) + 7) % 7
	return Epoch{start: day.AddDate(0, 0, -back)}
}

// CurrentEpoch builds the epoch containing the current wall-clock instant.
func CurrentEpoch() Epoch {
	return EpochAt(time.Now())
}

// parseTimeInput normalizes the multi-format time inputs accepted by NewEpoch
// and Epoch.Contains to a UTC time.Time.
func parseTimeInput(input interface{}) (time.Time, error) {
	switch v := input.(type) {
	case nil:
		return time.Now().UTC(), nil
	case time.Time:
		return v.UTC(), nil
	case int:
		return timeFromUnix(int64(v))
	case int64:
		return timeFromUnix(v)
	case string:
		return timeFromString(v)
	default:
		return time.Time{}, &ValidationError{
			Message: fmt.Sprintf("Unsupported time input type %T", input),
			Field:   "time_input",
			Value:   fmt.Sprintf("%v", input),
		}
	}
}

func timeFromUnix(ts int64) (time.Time, error) {
	if ts <= 0 || ts > maxEpochSeconds {
		return time.Time{}, &ValidationError{
			Message: "Invalid timestamp: outside representable date range",
			Field:   "time_input",
			Value:   fmt.Sprintf("%d", ts),
		}
	}
	return time.Unix(ts, 0).UTC(), nil
}

func timeFromString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{
		Message: "Invalid datetime string format",
		Field:   "time_input",
		Value:   s,
	}
}

// Start returns the epoch start (inclusive), Thursday 00:00 UTC.
func (e Epoch) Start() time.Time { return e.start }

// End returns the epoch end (exclusive), exactly 7 days after Start.
func (e Epoch) End() time.Time { return e.start.Add(EpochDuration) }

// StartTimestamp returns the epoch start as Unix seconds.
func (e Epoch) StartTimestamp() int64 { return e.start.Unix() }

// EndTimestamp returns the epoch end as Unix seconds.
func (e Epoch) EndTimestamp() int64 { return e.End().Unix() }

// Contains reports whether the given point in time falls within the epoch's
// half-open [start, end) interval. It accepts the same inputs as NewEpoch.
func (e Epoch) Contains(input interface{}) (bool, error) {
	t, err := parseTimeInput(input)
	if err != nil {
		return false, err
	}
	return !t.Before(e.start) && t.Before(e.End()), nil
}

// IsPast reports whether the epoch has fully elapsed (end <= now).
func (e Epoch) IsPast() bool { return !e.End().After(time.Now()) }

// IsCurrent reports whether the epoch contains the current instant.
func (e Epoch) IsCurrent() bool {
	now := time.Now()
	return !now.Before(e.start) && now.Before(e.End())
}

// IsFuture reports whether the epoch has not started yet (start > now).
func (e Epoch) IsFuture() bool { return e.start.After(time.Now()) }

// Previous returns the epoch immediately before this one.
func (e Epoch) Previous() Epoch { return Epoch{start: e.start.Add(-EpochDuration)} }

// Next returns the epoch immediately after this one.
func (e Epoch) Next() Epoch { return Epoch{start: e.start.Add(EpochDuration)} }

// Equal reports whether both epochs cover the same window.
func (e Epoch) Equal(other Epoch) bool { return e.start.Equal(other.start) }

// Before reports whether this epoch starts before the other.
func (e Epoch) Before(other Epoch) bool { return e.start.Before(other.start) }

func (e Epoch) String() string {
	lastDay := e.End().AddDate(0, 0, -1)
	return fmt.Sprintf("Epoch %s - %s", e.start.Format("Jan 2"), lastDay.Format("Jan 2, 2006"))
}

// MarshalJSON encodes the epoch as its RFC3339 start instant.
func (e Epoch) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.start.Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON decodes an epoch from an RFC3339 start instant.
func (e *Epoch) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return NewValidationErrorf("invalid epoch JSON: %s", s)
	}
	t, err := time.Parse(time.RFC3339, s[1:len(s)-1])
	if err != nil {
		return NewValidationErrorf("invalid epoch JSON: %v", err)
	}
	*e = EpochAt(t)
	return nil
}

// BlockResolver resolves the chain block number closest to a Unix timestamp.
// closest is "before" or "after".
type BlockResolver interface {
	GetBlockNumberByTimestamp(ctx context.Context, timestamp int64, closest string) (int64, error)
}

// BlockRange is the on-chain block window covering an epoch. EndResolved is
// false for a current epoch queried without UseLatestForCurrent: the epoch is
// still accruing blocks and End is meaningless.
type BlockRange struct {
	Start       int64
	End         int64
	EndResolved bool
}

// BlockRange resolves the epoch's block window through the resolver. The
// start block is the closest block at or after the epoch start; for past
// epochs the end block is the closest block at or before the epoch end. For
// a current epoch the end is left unresolved unless useLatestForCurrent is
// set, in which case it resolves against the current wall-clock instant.
// Future epochs are rejected before any resolver call.
func (e Epoch) BlockRange(ctx context.Context, resolver BlockResolver, useLatestForCurrent bool) (BlockRange, error) {
	if e.IsFuture() {
		return BlockRange{}, &ValidationError{
			Message: "Cannot resolve block range for future epoch",
			Field:   "epoch_status",
			Value:   "future",
		}
	}

	start, err := resolver.GetBlockNumberByTimestamp(ctx, e.StartTimestamp(), "after")
	if err != nil {
		return BlockRange{}, err
	}

	if e.IsPast() {
		end, err := resolver.GetBlockNumberByTimestamp(ctx, e.EndTimestamp(), "before")
		if err != nil {
			return BlockRange{}, err
		}
		return BlockRange{Start: start, End: end, EndResolved: true}, nil
	}

	if useLatestForCurrent {
		end, err := resolver.GetBlockNumberByTimestamp(ctx, time.Now().Unix(), "before")
		if err != nil {
			return BlockRange{}, err
		}
		return BlockRange{Start: start, End: end, EndResolved: true}, nil
	}

	return BlockRange{Start: start}, nil
}
