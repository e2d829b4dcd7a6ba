// Package timerange computes the inclusive [start, end] instant pairs used to
// scope upstream API queries. Two calculators are provided: PreviousDay for
// daily polling and Backfill for arbitrary historical ranges, each with an
// exclusive-boundary mode for upstream APIs that treat interval bounds as
// exclusive.
//
// Millisecond arithmetic here is part of the observable contract: the
// formatted instants are embedded verbatim in stored object keys, so the
// same inputs must always produce byte-identical ranges.
package timerange

import (
	"time"

	"peerflow/internal/types"
)

// isoMillis is the timestamp layout used on the wire and in object keys:
// RFC3339 UTC with millisecond precision and a literal Z suffix.
const isoMillis = "2006-01-02T15:04:05.000Z"

// baseNameLayout is the layout used for filesystem-safe range basenames.
const baseNameLayout = "20060102_150405"

// Range is a single [start, end] pair of UTC instants. Start is never after
// End. Both bounds are pre-formatted because they are embedded in object
// keys and query strings exactly as produced.
type Range struct {
	StartTimeISO string `json:"start_time_iso"`
	EndTimeISO   string `json:"end_time_iso"`
}

// newRange formats both instants in UTC with millisecond precision.
func newRange(start, end time.Time) Range {
	return Range{
		StartTimeISO: start.UTC().Format(isoMillis),
		EndTimeISO:   end.UTC().Format(isoMillis),
	}
}

// FileBaseName returns the range formatted as a file basename without an
// extension, e.g. "20241113_080000_to_20241113_180000". Ranges produced by
// the calculators always parse; a hand-built Range with malformed bounds
// yields an empty string.
func (r Range) FileBaseName() string {
	start, err := time.Parse(isoMillis, r.StartTimeISO)
	if err != nil {
		return ""
	}
	end, err := time.Parse(isoMillis, r.EndTimeISO)
	if err != nil {
		return ""
	}
	return start.Format(baseNameLayout) + "_to_" + end.Format(baseNameLayout)
}

// Calculator produces the ordered set of ranges applicable in the caller's
// context, plus the notion of "now" the ranges were derived from.
type Calculator interface {
	// Calculate returns the ranges in ascending order.
	Calculate() []Range
	// Now returns the instant the calculator considers current.
	Now() time.Time
}

// PreviousDayCalculator returns exactly one range covering the full UTC
// calendar day immediately before Now(), regardless of the time-of-day
// portion of Now().
//
// Non-exclusive mode yields [midnight-24h, midnight-1ms]. Exclusive mode
// shifts both bounds outward by one millisecond so each bound denotes a
// moment just outside the day, for upstream APIs with exclusive interval
// semantics.
type PreviousDayCalculator struct {
	clock     types.Clock
	exclusive bool
}

// NewPreviousDayCalculator creates a calculator over the given clock.
func NewPreviousDayCalculator(clock types.Clock, exclusive bool) *PreviousDayCalculator {
	return &PreviousDayCalculator{clock: clock, exclusive: exclusive}
}

// Now returns the clock's current instant.
func (c *PreviousDayCalculator) Now() time.Time {
	return c.clock.Now()
}

// Calculate returns the single previous-day range.
func (c *PreviousDayCalculator) Calculate() []Range {
	now := c.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	endAdj := -time.Millisecond
	startAdj := time.Millisecond
	if c.exclusive {
		endAdj = 0
		startAdj = -time.Millisecond
	}

	end := midnight.Add(endAdj)
	start := end.Add(-24 * time.Hour).Add(startAdj)

	return []Range{newRange(start, end)}
}

// BackfillCalculator produces one range per calendar day between StartDate
// and EndDate, both inclusive, iterating forward one day at a time. Day
// stepping uses 24h arithmetic on UTC midnights, which crosses month and
// leap-year boundaries correctly.
type BackfillCalculator struct {
	clock     types.Clock
	startDate time.Time
	endDate   time.Time
	exclusive bool
}

// NewBackfillCalculator validates the requested bounds eagerly and returns
// an input-validation error when either date is zero or start is after end.
// The dates are interpreted as UTC calendar days; any time-of-day portion
// is discarded.
func NewBackfillCalculator(clock types.Clock, startDate, endDate time.Time, exclusive bool) (*BackfillCalculator, error) {
	if startDate.IsZero() || endDate.IsZero() {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"start_date and end_date must both be set", nil)
	}

	start := truncateToDay(startDate)
	end := truncateToDay(endDate)
	if start.After(end) {
		return nil, types.NewAppError(types.ErrCodeValidationBadDateRange,
			"start_date cannot be after end_date", nil)
	}

	return &BackfillCalculator{
		clock:     clock,
		startDate: start,
		endDate:   end,
		exclusive: exclusive,
	}, nil
}

// Now returns the clock's current instant.
func (c *BackfillCalculator) Now() time.Time {
	return c.clock.Now()
}

// Calculate returns one range per day in ascending order.
//
// Non-exclusive: [day 00:00:00.000, day 23:59:59.999].
// Exclusive: [previous day 23:59:59.999, next day 00:00:00.000].
func (c *BackfillCalculator) Calculate() []Range {
	var ranges []Range

	for day := c.startDate; !day.After(c.endDate); day = day.AddDate(0, 0, 1) {
		start := day
		endAdj := -time.Millisecond
		if c.exclusive {
			start = start.Add(-time.Millisecond)
			endAdj = time.Millisecond
		}
		end := start.Add(24 * time.Hour).Add(endAdj)
		ranges = append(ranges, newRange(start, end))
	}

	return ranges
}

// truncateToDay drops the time-of-day portion, keeping the UTC calendar day.
func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
