// Package memory provides in-process Ledger and Tracker implementations.
//
// State lives in maps guarded by mutexes and is lost on restart; use the redis
// or postgres stores when the daily quota must survive restarts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/uploadgate"
)

// Ledger is an in-memory quota ledger with lazy daily reset.
type Ledger struct {
	mu       sync.Mutex
	entries  map[uploadgate.Identity]*uploadgate.QuotaEntry
	dailyMax int64
	loc      *time.Location
}

var (
	_ uploadgate.Ledger           = (*Ledger)(nil)
	_ uploadgate.LedgerConfigurer = (*Ledger)(nil)
)

// NewLedger creates a ledger granting p.MaxDailyTokens per calendar day in
// p.Location.
func NewLedger(p uploadgate.Policy) *Ledger {
	return &Ledger{
		entries:  make(map[uploadgate.Identity]*uploadgate.QuotaEntry),
		dailyMax: p.MaxDailyTokens,
		loc:      p.Location,
	}
}

// SetDailyMax changes the maximum used by the next lazy reset. Balances of the
// current day are left alone.
func (l *Ledger) SetDailyMax(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dailyMax = n
}

// Peek returns the balance after any pending day-boundary reset. It never
// writes: unknown identities report the daily maximum without being stored.
func (l *Ledger) Peek(_ context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return l.dailyMax, nil
	}
	return e.Current(uploadgate.DayMarker(now, l.loc), l.dailyMax).Balance, nil
}

// Len returns the number of stored identities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// TryConsume atomically decrements the balance if enough remains.
func (l *Ledger) TryConsume(_ context.Context, id uploadgate.Identity, now time.Time, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("uploadgate/memory: consume: amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.current(id, now)
	if e.Balance < amount {
		return false, nil
	}
	e.Balance -= amount
	return true, nil
}

// Refund credits amount back to today's balance, capped at the daily maximum.
func (l *Ledger) Refund(_ context.Context, id uploadgate.Identity, now time.Time, amount int64) error {
	if amount <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.current(id, now)
	e.Balance = min(e.Balance+amount, l.dailyMax)
	return nil
}

// Entry returns a copy of the stored entry for id, as seen at now.
func (l *Ledger) Entry(id uploadgate.Identity, now time.Time) uploadgate.QuotaEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return *l.current(id, now)
}

// current returns the entry for id, creating it or applying the day reset.
// Must be called with the lock held.
func (l *Ledger) current(id uploadgate.Identity, now time.Time) *uploadgate.QuotaEntry {
	today := uploadgate.DayMarker(now, l.loc)
	e, ok := l.entries[id]
	if !ok {
		e = &uploadgate.QuotaEntry{Identity: id, Balance: l.dailyMax, DayMarker: today}
		l.entries[id] = e
		return e
	}
	if e.DayMarker != today {
		*e = e.Current(today, l.dailyMax)
	}
	return e
}

// Tracker is an in-memory cooldown tracker.
type Tracker struct {
	mu       sync.RWMutex
	last     map[uploadgate.Identity]time.Time
	duration time.Duration
}

var _ uploadgate.Tracker = (*Tracker)(nil)

// NewTracker creates a tracker with the cooldown window p.Cooldown.
func NewTracker(p uploadgate.Policy) *Tracker {
	return &Tracker{
		last:     make(map[uploadgate.Identity]time.Time),
		duration: p.Cooldown,
	}
}

// Remaining returns the unelapsed cooldown in whole seconds.
func (t *Tracker) Remaining(_ context.Context, id uploadgate.Identity, now time.Time) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return uploadgate.RemainingSeconds(t.last[id], t.duration, now), nil
}

// MarkAdmitted restarts the cooldown of id at now.
func (t *Tracker) MarkAdmitted(_ context.Context, id uploadgate.Identity, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last[id] = now
	return nil
}

// Duration returns the cooldown window.
func (t *Tracker) Duration() time.Duration { return t.duration }

// Entry returns the stored cooldown entry for id.
func (t *Tracker) Entry(id uploadgate.Identity) uploadgate.CooldownEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return uploadgate.CooldownEntry{Identity: id, LastAdmittedAt: t.last[id], Duration: t.duration}
}

// Store pairs a Ledger and a Tracker.
type Store struct {
	*Ledger
	*Tracker
}

var _ uploadgate.Store = Store{}

// New creates a memory store for p.
func New(p uploadgate.Policy) Store {
	return Store{Ledger: NewLedger(p), Tracker: NewTracker(p)}
}
