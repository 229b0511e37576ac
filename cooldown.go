package uploadgate

import (
	"context"
	"time"
)

// Tracker records the last admission per identity and reports how long the
// post-admission cooldown still runs.
type Tracker interface {
	// Remaining returns the unelapsed cooldown in whole seconds, rounded up.
	// It is 0 for identities never admitted.
	Remaining(ctx context.Context, id Identity, now time.Time) (int64, error)

	// MarkAdmitted restarts the cooldown of id at now.
	MarkAdmitted(ctx context.Context, id Identity, now time.Time) error

	// Duration returns the configured cooldown window.
	Duration() time.Duration
}

// CooldownEntry is the stored admission timestamp of one identity.
type CooldownEntry struct {
	Identity       Identity
	LastAdmittedAt time.Time
	Duration       time.Duration
}

// Remaining returns the cooldown left at now in seconds.
func (e CooldownEntry) Remaining(now time.Time) int64 {
	return RemainingSeconds(e.LastAdmittedAt, e.Duration, now)
}

// RemainingSeconds computes max(0, d - (now - last)) rounded up to whole
// seconds. A zero last means never admitted.
func RemainingSeconds(last time.Time, d time.Duration, now time.Time) int64 {
	if last.IsZero() || d <= 0 {
		return 0
	}
	left := d - now.Sub(last)
	if left <= 0 {
		return 0
	}
	// A clock stepping backwards never extends the window.
	if left > d {
		left = d
	}
	return int64((left + time.Second - 1) / time.Second)
}

// DurationSeconds returns d rounded up to whole seconds.
func DurationSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
