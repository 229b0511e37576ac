package uploadgate

import (
	"context"
	"time"
)

// Identity is the key under which quota and cooldown state is tracked.
type Identity string

// GlobalIdentity is the single key used when the whole service shares one quota.
const GlobalIdentity Identity = "global"

// Ledger manages per-identity daily token balances.
type Ledger interface {
	// Peek returns the balance after applying any pending day-boundary reset.
	Peek(ctx context.Context, id Identity, now time.Time) (int64, error)

	// TryConsume applies the lazy reset, then atomically decrements the balance by
	// amount if at least amount remains. On false the balance is unchanged.
	TryConsume(ctx context.Context, id Identity, now time.Time, amount int64) (bool, error)

	// Refund credits amount back to today's balance, capped at the daily maximum.
	// It only undoes a commit that failed half way.
	Refund(ctx context.Context, id Identity, now time.Time, amount int64) error
}

// LedgerConfigurer is implemented by ledgers whose daily maximum can change at
// runtime. The new maximum applies from the next lazy reset on.
type LedgerConfigurer interface {
	SetDailyMax(n int64)
}

// QuotaEntry is the stored balance of one identity.
type QuotaEntry struct {
	Identity  Identity
	Balance   int64
	DayMarker string
}

// Current returns the entry as seen on day today: a stale entry resets to max.
func (e QuotaEntry) Current(today string, max int64) QuotaEntry {
	if e.DayMarker == today {
		return e
	}
	return QuotaEntry{Identity: e.Identity, Balance: max, DayMarker: today}
}

// DayMarker formats the calendar date of t in loc as YYYY-MM-DD.
// A nil loc means UTC.
func DayMarker(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}
