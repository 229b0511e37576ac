package uploadgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is a backend holding both halves of the admission state.
type Store interface {
	Ledger
	Tracker
}

// Committer is implemented by stores that can apply the paired commit (consume
// tokens and restart the cooldown) as one atomic step, re-checking both
// conditions inside it. Gates built on such a store stay linearizable per
// identity even when several service instances share the store.
type Committer interface {
	Commit(ctx context.Context, id Identity, now time.Time, amount int64) (CommitResult, error)
}

// CommitResult is the outcome of Committer.Commit. When Admitted is false,
// Reason names the condition that failed and nothing was written.
type CommitResult struct {
	Admitted          bool
	Reason            Reason
	TokensRemaining   int64
	CooldownRemaining int64
}

// Gate decides whether an upload may proceed and commits the quota/cooldown
// pair for granted requests. It is the only component that mutates the ledger
// and tracker.
type Gate struct {
	ledger    Ledger
	tracker   Tracker
	committer Committer
	meter     Meter
	locks     *stripedMutex
	newTicket func() string
}

// Option configures a Gate.
type Option func(*Gate)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithCommitter sets the atomic paired-commit implementation. NewStoreGate
// picks it up automatically when the store implements Committer.
func WithCommitter(c Committer) Option {
	return func(g *Gate) { g.committer = c }
}

// WithTicketFunc overrides how admission ticket IDs are generated.
func WithTicketFunc(fn func() string) Option {
	return func(g *Gate) { g.newTicket = fn }
}

// NewGate creates a Gate over a ledger and a tracker.
func NewGate(ledger Ledger, tracker Tracker, opts ...Option) (*Gate, error) {
	if ledger == nil {
		return nil, fmt.Errorf("uploadgate: ledger is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("uploadgate: tracker is required")
	}

	g := &Gate{
		ledger:  ledger,
		tracker: tracker,
		locks:   newStripedMutex(),
	}

	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	if g.newTicket == nil {
		g.newTicket = func() string { return uuid.New().String() }
	}

	return g, nil
}

// NewStoreGate creates a Gate over a combined store, using its atomic commit
// when available.
func NewStoreGate(s Store, opts ...Option) (*Gate, error) {
	if s == nil {
		return nil, fmt.Errorf("uploadgate: store is required")
	}
	if c, ok := s.(Committer); ok {
		opts = append([]Option{WithCommitter(c)}, opts...)
	}
	return NewGate(s, s, opts...)
}

// SetDailyMax changes the daily token maximum if the ledger supports it. It
// reports whether the change was applied.
func (g *Gate) SetDailyMax(n int64) bool {
	lc, ok := g.ledger.(LedgerConfigurer)
	if !ok {
		return false
	}
	lc.SetDailyMax(n)
	return true
}

// Evaluate computes the decision for id at now without mutating anything.
// Store failures fail closed: the decision denies with ReasonUnavailable.
func (g *Gate) Evaluate(ctx context.Context, id Identity, now time.Time) (Decision, error) {
	st, err := g.Status(ctx, id, now)
	if err != nil {
		return unavailable(), err
	}
	return decide(st.TokensRemaining, st.CooldownRemaining), nil
}

// Status is the read-only projection served to polling clients.
func (g *Gate) Status(ctx context.Context, id Identity, now time.Time) (Status, error) {
	tokens, err := g.ledger.Peek(ctx, id, now)
	if err != nil {
		return Status{}, storeFailure(err)
	}
	cooldown, err := g.tracker.Remaining(ctx, id, now)
	if err != nil {
		return Status{}, storeFailure(err)
	}
	return Status{
		TokensRemaining:   tokens,
		CooldownRemaining: cooldown,
		CanUpload:         tokens > 0 && cooldown == 0,
	}, nil
}

// Admit evaluates id and, if allowed, consumes one token and restarts the
// cooldown as a single logical transaction. It never calls the executor.
//
// Once the commit step has started it runs to completion regardless of ctx
// cancellation, and a completed commit is never reversed.
func (g *Gate) Admit(ctx context.Context, id Identity, now time.Time) (Decision, error) {
	d, downgraded, err := g.admit(ctx, id, now)
	g.meter.OnDecision(DecisionEvent{
		Identity:   id,
		Decision:   d,
		Downgraded: downgraded,
		Error:      err,
	})
	return d, err
}

func (g *Gate) admit(ctx context.Context, id Identity, now time.Time) (Decision, bool, error) {
	unlock := g.locks.lock(id)
	defer unlock()

	d, err := g.Evaluate(ctx, id, now)
	if err != nil || !d.Allowed {
		return d, false, err
	}

	commitCtx := context.WithoutCancel(ctx)
	if g.committer != nil {
		return g.commitAtomic(commitCtx, id, now)
	}
	return g.commitPair(commitCtx, id, now, d)
}

// commitPair runs TryConsume then MarkAdmitted. A tracker failure refunds the
// token so that neither write takes effect.
func (g *Gate) commitPair(ctx context.Context, id Identity, now time.Time, d Decision) (Decision, bool, error) {
	ok, err := g.ledger.TryConsume(ctx, id, now, 1)
	if err != nil {
		return unavailable(), false, storeFailure(err)
	}
	if !ok {
		d.Allowed = false
		d.Reason = ReasonQuotaExhausted
		d.TokensRemaining = 0
		return d, true, nil
	}

	if err := g.tracker.MarkAdmitted(ctx, id, now); err != nil {
		if rerr := g.ledger.Refund(ctx, id, now, 1); rerr != nil {
			err = errors.Join(err, fmt.Errorf("refund: %w", rerr))
		}
		return unavailable(), false, storeFailure(err)
	}

	d.TokensRemaining--
	d.CooldownRemaining = DurationSeconds(g.tracker.Duration())
	d.TicketID = g.newTicket()
	return d, false, nil
}

func (g *Gate) commitAtomic(ctx context.Context, id Identity, now time.Time) (Decision, bool, error) {
	res, err := g.committer.Commit(ctx, id, now, 1)
	if err != nil {
		return unavailable(), false, storeFailure(err)
	}
	out := Decision{
		Allowed:           res.Admitted,
		Reason:            res.Reason,
		TokensRemaining:   res.TokensRemaining,
		CooldownRemaining: res.CooldownRemaining,
	}
	if !res.Admitted {
		return out, true, nil
	}
	out.Reason = ReasonOK
	out.TicketID = g.newTicket()
	return out, false, nil
}

func unavailable() Decision {
	return Decision{Allowed: false, Reason: ReasonUnavailable}
}
