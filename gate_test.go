package uploadgate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	ug "github.com/ineyio/uploadgate"
	"github.com/ineyio/uploadgate/store/memory"
	storeredis "github.com/ineyio/uploadgate/store/redis"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func newTestGate(t *testing.T, p ug.Policy, opts ...ug.Option) (*ug.Gate, memory.Store) {
	t.Helper()
	s := memory.New(p)
	g, err := ug.NewStoreGate(s, opts...)
	require.NoError(t, err)
	return g, s
}

func policy(max int64, cooldown time.Duration) ug.Policy {
	return ug.Policy{MaxDailyTokens: max, Cooldown: cooldown, Location: time.UTC}
}

// recordingMeter captures decision events.
type recordingMeter struct {
	mu        sync.Mutex
	decisions []ug.DecisionEvent
}

func (m *recordingMeter) OnDecision(e ug.DecisionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, e)
}

func (m *recordingMeter) OnUpload(ug.UploadEvent) {}

func (m *recordingMeter) events() []ug.DecisionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ug.DecisionEvent(nil), m.decisions...)
}

func TestNewGate_RequiresStores(t *testing.T) {
	s := memory.New(policy(1, 0))

	_, err := ug.NewGate(nil, s)
	assert.Error(t, err)
	_, err = ug.NewGate(s, nil)
	assert.Error(t, err)
	_, err = ug.NewStoreGate(nil)
	assert.Error(t, err)
}

func TestAdmit_Scenario(t *testing.T) {
	g, _ := newTestGate(t, policy(3, 60*time.Second))
	ctx := context.Background()
	id := ug.Identity("1.2.3.4")

	d, err := g.Admit(ctx, id, at(0))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ug.ReasonOK, d.Reason)
	assert.Equal(t, int64(2), d.TokensRemaining)
	assert.Equal(t, int64(60), d.CooldownRemaining)
	assert.NotEmpty(t, d.TicketID)

	d, err = g.Admit(ctx, id, at(1))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonInCooldown, d.Reason)
	assert.Equal(t, int64(59), d.CooldownRemaining)
	assert.Equal(t, int64(2), d.TokensRemaining, "denials consume nothing")
	assert.Empty(t, d.TicketID)

	d, err = g.Admit(ctx, id, at(61))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.TokensRemaining)

	d, err = g.Admit(ctx, id, at(122))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.TokensRemaining)

	d, err = g.Admit(ctx, id, at(130))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonQuotaExhausted, d.Reason)
	assert.Equal(t, int64(0), d.TokensRemaining)
	assert.Equal(t, int64(52), d.CooldownRemaining)

	st, err := g.Status(ctx, id, at(130))
	require.NoError(t, err)
	assert.Equal(t, ug.Status{TokensRemaining: 0, CooldownRemaining: 52, CanUpload: false}, st)
	assert.Equal(t, ug.StateExhausted, st.State())

	// Next calendar day: full balance again.
	tomorrow := time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC)
	st, err = g.Status(ctx, id, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TokensRemaining)
	assert.True(t, st.CanUpload)
	assert.Equal(t, ug.StateReady, st.State())
}

func TestAdmit_ZeroMaxAlwaysExhausted(t *testing.T) {
	g, _ := newTestGate(t, policy(0, 0))

	d, err := g.Admit(context.Background(), "a", t0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonQuotaExhausted, d.Reason)
}

func TestAdmit_ZeroCooldown(t *testing.T) {
	g, _ := newTestGate(t, policy(2, 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Admit(ctx, "a", t0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Zero(t, d.CooldownRemaining)
	}
}

func TestAdmit_NoOverAdmission(t *testing.T) {
	const n, k = 50, 7
	g, s := newTestGate(t, policy(k, 0))
	ctx := context.Background()

	results := make([]ug.Decision, n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			d, err := g.Admit(ctx, "shared", t0)
			results[i] = d
			return err
		})
	}
	require.NoError(t, eg.Wait())

	allowed := 0
	tickets := make(map[string]bool)
	for _, d := range results {
		if d.Allowed {
			allowed++
			tickets[d.TicketID] = true
		} else {
			assert.Equal(t, ug.ReasonQuotaExhausted, d.Reason)
		}
	}
	assert.Equal(t, k, allowed)
	assert.Len(t, tickets, k, "ticket IDs are unique")

	n2, err := s.Peek(ctx, "shared", t0)
	require.NoError(t, err)
	assert.Zero(t, n2)
}

func TestAdmit_CooldownExclusivity(t *testing.T) {
	g, _ := newTestGate(t, policy(100, time.Minute))
	ctx := context.Background()

	results := make([]ug.Decision, 30)
	var eg errgroup.Group
	for i := range results {
		eg.Go(func() error {
			d, err := g.Admit(ctx, "shared", t0)
			results[i] = d
			return err
		})
	}
	require.NoError(t, eg.Wait())

	allowed := 0
	for _, d := range results {
		if d.Allowed {
			allowed++
		} else {
			assert.Equal(t, ug.ReasonInCooldown, d.Reason)
			assert.Equal(t, int64(60), d.CooldownRemaining)
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestAdmit_IdentitiesIndependent(t *testing.T) {
	g, _ := newTestGate(t, policy(1, time.Minute))
	ctx := context.Background()

	d, err := g.Admit(ctx, "a", t0)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = g.Admit(ctx, "b", t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestStatus_DoesNotMutate(t *testing.T) {
	g, s := newTestGate(t, policy(3, time.Minute))
	ctx := context.Background()

	_, err := g.Admit(ctx, "a", t0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		st, err := g.Status(ctx, "a", at(i))
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.TokensRemaining)

		d, err := g.Evaluate(ctx, "a", at(i))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	assert.Equal(t, 1, s.Ledger.Len())
	assert.Equal(t, t0, s.Tracker.Entry("a").LastAdmittedAt)

	_, err = g.Status(ctx, "never-seen", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Ledger.Len())
}

func TestStatus_ConcurrentWithAdmit(t *testing.T) {
	const k, steps = 5, 10
	end := at((steps - 1) * 61)

	type outcome struct {
		allowed   int
		tokens    int64
		remaining int64
	}

	run := func(t *testing.T, pollers int) outcome {
		g, s := newTestGate(t, policy(k, time.Minute))
		ctx := context.Background()

		var out outcome
		var eg errgroup.Group
		eg.Go(func() error {
			for i := 0; i < steps; i++ {
				d, err := g.Admit(ctx, "a", at(i*61))
				if err != nil {
					return err
				}
				if d.Allowed {
					out.allowed++
				}
			}
			return nil
		})
		for p := 0; p < pollers; p++ {
			eg.Go(func() error {
				for j := 0; j < 200; j++ {
					st, err := g.Status(ctx, "a", at((p*200+j)%(steps*61)))
					if err != nil {
						return err
					}
					if st.TokensRemaining < 0 || st.TokensRemaining > k {
						return fmt.Errorf("tokens out of range: %d", st.TokensRemaining)
					}
					if st.CanUpload != (st.State() == ug.StateReady) {
						return fmt.Errorf("can_upload disagrees with state %s", st.State())
					}
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		var err error
		out.tokens, err = s.Peek(ctx, "a", end)
		require.NoError(t, err)
		out.remaining, err = s.Remaining(ctx, "a", end)
		require.NoError(t, err)
		return out
	}

	quiet := run(t, 0)
	busy := run(t, 16)

	assert.Equal(t, k, busy.allowed)
	assert.Equal(t, quiet, busy)
	assert.Zero(t, busy.tokens)
}

func TestSetDailyMax(t *testing.T) {
	g, _ := newTestGate(t, policy(3, 0))
	ctx := context.Background()

	_, err := g.Admit(ctx, "a", t0)
	require.NoError(t, err)

	require.True(t, g.SetDailyMax(10))

	st, err := g.Status(ctx, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TokensRemaining)

	st, err = g.Status(ctx, "a", t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.TokensRemaining)
}

func TestAdmit_TicketFunc(t *testing.T) {
	g, _ := newTestGate(t, policy(1, 0), ug.WithTicketFunc(func() string { return "ticket-1" }))

	d, err := g.Admit(context.Background(), "a", t0)
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", d.TicketID)
}

func TestAdmit_MetersDecisions(t *testing.T) {
	m := &recordingMeter{}
	g, _ := newTestGate(t, policy(1, 0), ug.WithMeter(m))
	ctx := context.Background()

	_, err := g.Admit(ctx, "a", t0)
	require.NoError(t, err)
	_, err = g.Admit(ctx, "a", t0)
	require.NoError(t, err)

	events := m.events()
	require.Len(t, events, 2)
	assert.True(t, events[0].Decision.Allowed)
	assert.Equal(t, ug.Identity("a"), events[0].Identity)
	assert.Equal(t, ug.ReasonQuotaExhausted, events[1].Decision.Reason)
}

// failingLedger returns err from every call.
type failingLedger struct{ err error }

func (l failingLedger) Peek(context.Context, ug.Identity, time.Time) (int64, error) {
	return 0, l.err
}

func (l failingLedger) TryConsume(context.Context, ug.Identity, time.Time, int64) (bool, error) {
	return false, l.err
}

func (l failingLedger) Refund(context.Context, ug.Identity, time.Time, int64) error { return l.err }

func TestAdmit_FailsClosed(t *testing.T) {
	driverErr := errors.New("connection refused")
	m := &recordingMeter{}
	g, err := ug.NewGate(failingLedger{err: driverErr}, memory.NewTracker(policy(1, 0)), ug.WithMeter(m))
	require.NoError(t, err)
	ctx := context.Background()

	d, err := g.Admit(ctx, "a", t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ug.ErrStoreUnavailable)
	assert.ErrorIs(t, err, driverErr)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonUnavailable, d.Reason)

	_, err = g.Status(ctx, "a", t0)
	assert.ErrorIs(t, err, ug.ErrStoreUnavailable)

	d, err = g.Evaluate(ctx, "a", t0)
	assert.Error(t, err)
	assert.Equal(t, ug.ReasonUnavailable, d.Reason)

	require.Len(t, m.events(), 1)
	assert.Error(t, m.events()[0].Error)
}

// failingTracker reports no cooldown but cannot record admissions.
type failingTracker struct{}

func (failingTracker) Remaining(context.Context, ug.Identity, time.Time) (int64, error) {
	return 0, nil
}

func (failingTracker) MarkAdmitted(context.Context, ug.Identity, time.Time) error {
	return errors.New("tracker down")
}

func (failingTracker) Duration() time.Duration { return time.Minute }

func TestAdmit_TrackerFailureRefunds(t *testing.T) {
	l := memory.NewLedger(policy(3, time.Minute))
	g, err := ug.NewGate(l, failingTracker{})
	require.NoError(t, err)
	ctx := context.Background()

	d, err := g.Admit(ctx, "a", t0)
	assert.ErrorIs(t, err, ug.ErrStoreUnavailable)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonUnavailable, d.Reason)

	n, err := l.Peek(ctx, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "half-applied commit is undone")
}

// lyingLedger reports a balance it can never hand out.
type lyingLedger struct{ *memory.Ledger }

func (lyingLedger) Peek(context.Context, ug.Identity, time.Time) (int64, error) { return 1, nil }

func (lyingLedger) TryConsume(context.Context, ug.Identity, time.Time, int64) (bool, error) {
	return false, nil
}

func TestAdmit_LostRaceDowngrades(t *testing.T) {
	m := &recordingMeter{}
	p := policy(1, 0)
	g, err := ug.NewGate(lyingLedger{memory.NewLedger(p)}, memory.NewTracker(p), ug.WithMeter(m))
	require.NoError(t, err)

	d, err := g.Admit(context.Background(), "a", t0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonQuotaExhausted, d.Reason)
	assert.Zero(t, d.TokensRemaining)

	require.Len(t, m.events(), 1)
	assert.True(t, m.events()[0].Downgraded)
}

// cancelAwareStore fails writes that see a cancelled context.
type cancelAwareStore struct{ memory.Store }

func (s cancelAwareStore) TryConsume(ctx context.Context, id ug.Identity, now time.Time, amount int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.TryConsume(ctx, id, now, amount)
}

func (s cancelAwareStore) MarkAdmitted(ctx context.Context, id ug.Identity, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkAdmitted(ctx, id, now)
}

func TestAdmit_CommitIgnoresCancellation(t *testing.T) {
	s := cancelAwareStore{memory.New(policy(3, time.Minute))}
	g, err := ug.NewStoreGate(s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := g.Admit(ctx, "a", t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.TokensRemaining)
}

func TestAdmit_AtomicCommitter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g, err := ug.NewStoreGate(storeredis.New(client, policy(2, time.Minute)))
	require.NoError(t, err)
	ctx := context.Background()

	d, err := g.Admit(ctx, "a", at(0))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.TokensRemaining)
	assert.Equal(t, int64(60), d.CooldownRemaining)
	assert.NotEmpty(t, d.TicketID)

	d, err = g.Admit(ctx, "a", at(20))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonInCooldown, d.Reason)
	assert.Equal(t, int64(40), d.CooldownRemaining)

	d, err = g.Admit(ctx, "a", at(60))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Admit(ctx, "a", at(200))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ug.ReasonQuotaExhausted, d.Reason)

	mr.Close()
	d, err = g.Admit(ctx, "a", at(300))
	assert.ErrorIs(t, err, ug.ErrStoreUnavailable)
	assert.Equal(t, ug.ReasonUnavailable, d.Reason)
}

func TestDayMarker(t *testing.T) {
	ts := time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-01", ug.DayMarker(ts, nil))
	assert.Equal(t, "2025-06-02", ug.DayMarker(ts, time.FixedZone("UTC+2", 2*60*60)))

	p := policy(1, 0)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), p.NextReset(ts))
}

func TestRemainingSeconds(t *testing.T) {
	assert.Zero(t, ug.RemainingSeconds(time.Time{}, time.Minute, t0))
	assert.Zero(t, ug.RemainingSeconds(t0, 0, t0))
	assert.Equal(t, int64(60), ug.RemainingSeconds(t0, time.Minute, t0))
	assert.Equal(t, int64(1), ug.RemainingSeconds(t0, time.Minute, t0.Add(59*time.Second+time.Nanosecond)))
	assert.Zero(t, ug.RemainingSeconds(t0, time.Minute, t0.Add(time.Minute)))
	assert.Equal(t, int64(2), ug.DurationSeconds(1500*time.Millisecond))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, ug.DefaultPolicy().Validate())
	assert.Error(t, policy(-1, 0).Validate())
	assert.Error(t, policy(1, -time.Second).Validate())
}

func TestStatus_State(t *testing.T) {
	assert.Equal(t, "ready", ug.Status{TokensRemaining: 1}.State().String())
	assert.Equal(t, "in-cooldown", ug.Status{TokensRemaining: 1, CooldownRemaining: 3}.State().String())
	assert.Equal(t, "exhausted", ug.Status{CooldownRemaining: 3}.State().String())
}
