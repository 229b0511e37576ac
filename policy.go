package uploadgate

import (
	"fmt"
	"time"
)

// Default admission policy values.
const (
	DefaultMaxDailyTokens int64 = 5
	DefaultCooldown             = 60 * time.Second
)

// Policy is the two-tier admission policy: a daily token quota plus a fixed
// cooldown restarted by every admission.
type Policy struct {
	// MaxDailyTokens is the balance every identity starts each calendar day with.
	MaxDailyTokens int64

	// Cooldown is the minimum interval between two admissions of one identity.
	Cooldown time.Duration

	// Location decides where calendar days begin. Nil means UTC.
	Location *time.Location
}

// DefaultPolicy returns 5 tokens per day and a 60 second cooldown in the local zone.
func DefaultPolicy() Policy {
	return Policy{
		MaxDailyTokens: DefaultMaxDailyTokens,
		Cooldown:       DefaultCooldown,
		Location:       time.Local,
	}
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	if p.MaxDailyTokens < 0 {
		return fmt.Errorf("uploadgate: policy: max daily tokens must be >= 0, got %d", p.MaxDailyTokens)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("uploadgate: policy: cooldown must be >= 0, got %s", p.Cooldown)
	}
	return nil
}

// NextReset returns the first instant of the calendar day after now.
func (p Policy) NextReset(now time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
