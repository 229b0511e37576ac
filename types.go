package uploadgate

// Reason explains an admission decision.
type Reason string

const (
	ReasonOK             Reason = "OK"
	ReasonQuotaExhausted Reason = "QUOTA_EXHAUSTED"
	ReasonInCooldown     Reason = "IN_COOLDOWN"

	// ReasonUnavailable marks a decision that failed closed because the
	// ledger or tracker could not be read or written.
	ReasonUnavailable Reason = "UNAVAILABLE"
)

// Decision is the transient result of Evaluate or Admit.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            Reason `json:"reason"`
	TokensRemaining   int64  `json:"tokens_remaining"`
	CooldownRemaining int64  `json:"cooldown_remaining"`

	// TicketID identifies a granted admission. Empty on denials and on Evaluate.
	TicketID string `json:"ticket_id,omitempty"`
}

// decide applies the gate precedence: quota is checked before cooldown.
func decide(tokens, cooldown int64) Decision {
	d := Decision{
		Allowed:           true,
		Reason:            ReasonOK,
		TokensRemaining:   tokens,
		CooldownRemaining: cooldown,
	}
	switch {
	case tokens <= 0:
		d.Allowed = false
		d.Reason = ReasonQuotaExhausted
	case cooldown > 0:
		d.Allowed = false
		d.Reason = ReasonInCooldown
	}
	return d
}

// Status is the read-only view served to polling clients.
type Status struct {
	TokensRemaining   int64 `json:"tokens_remaining"`
	CooldownRemaining int64 `json:"cooldown_remaining"`
	CanUpload         bool  `json:"can_upload"`
}

// State derives the per-identity state from the two counters. Exhausted wins
// over cooldown when both hold; CanUpload is false for either.
func (s Status) State() State {
	switch {
	case s.TokensRemaining <= 0:
		return StateExhausted
	case s.CooldownRemaining > 0:
		return StateInCooldown
	default:
		return StateReady
	}
}

// State describes whether an identity can currently upload.
type State int

const (
	StateReady State = iota
	StateInCooldown
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInCooldown:
		return "in-cooldown"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
