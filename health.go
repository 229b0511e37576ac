package uploadgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker tracks upload executor health using a circuit breaker pattern.
// Callers check it before admission so an upstream outage does not consume
// tokens.
type HealthTracker struct {
	mu        sync.Mutex
	executors map[string]*executorHealth
	clock     Clock
}

type executorHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
	trialAt     time.Time   // when the in-flight half-open trial was let through
}

// HealthState describes the health of an upload executor.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewHealthTracker creates a new HealthTracker. A nil clock means SystemClock.
func NewHealthTracker(clock Clock) *HealthTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &HealthTracker{
		executors: make(map[string]*executorHealth),
		clock:     clock,
	}
}

// GetHealth returns the current health state for an executor.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh, ok := h.executors[name]
	if !ok {
		return HealthHealthy
	}

	return h.stateLocked(eh)
}

// stateLocked moves an unhealthy executor to half-open once the unhealthy
// period has elapsed.
func (h *HealthTracker) stateLocked(eh *executorHealth) HealthState {
	if eh.state == HealthUnhealthy && h.clock.Now().Sub(eh.unhealthyAt) >= healthUnhealthyPeriod {
		eh.state = HealthHalfOpen
		eh.trialAt = time.Time{}
	}
	return eh.state
}

// Allow reports whether an upload should be attempted against the executor.
// While half-open it lets a single trial through; further calls are refused
// until the trial is recorded, released, or older than the unhealthy period.
func (h *HealthTracker) Allow(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh, ok := h.executors[name]
	if !ok {
		return true
	}

	switch h.stateLocked(eh) {
	case HealthUnhealthy:
		return false
	case HealthHalfOpen:
		now := h.clock.Now()
		if !eh.trialAt.IsZero() && now.Sub(eh.trialAt) < healthUnhealthyPeriod {
			return false
		}
		eh.trialAt = now
		return true
	default:
		return true
	}
}

// Release returns a trial taken by Allow that never reached the executor.
func (h *HealthTracker) Release(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if eh, ok := h.executors[name]; ok {
		eh.trialAt = time.Time{}
	}
}

// RecordSuccess records a successful upload.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh := h.getOrCreate(name)
	eh.state = HealthHealthy
	eh.failures = eh.failures[:0]
	eh.trialAt = time.Time{}
}

// RecordFailure records a failed upload.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eh := h.getOrCreate(name)
	if eh.state == HealthUnhealthy {
		return
	}

	now := h.clock.Now()

	// A failed half-open trial reopens the breaker immediately.
	if eh.state == HealthHalfOpen {
		eh.state = HealthUnhealthy
		eh.unhealthyAt = now
		eh.trialAt = time.Time{}
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := eh.failures[:0]
	for _, t := range eh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	eh.failures = append(valid, now)

	if len(eh.failures) >= healthFailureThreshold {
		eh.state = HealthUnhealthy
		eh.unhealthyAt = now
	}
}

// Record classifies a Publish outcome. Rejections of the request itself
// (bad key, unknown place) and callers hanging up say nothing about executor
// health and are ignored.
func (h *HealthTracker) Record(name string, err error) {
	if err == nil {
		h.RecordSuccess(name)
		return
	}
	if errors.Is(err, context.Canceled) {
		h.Release(name)
		return
	}
	var pe *PublishError
	if errors.As(err, &pe) && !pe.Temporary() {
		h.Release(name)
		return
	}
	h.RecordFailure(name)
}

func (h *HealthTracker) getOrCreate(name string) *executorHealth {
	eh, ok := h.executors[name]
	if !ok {
		eh = &executorHealth{state: HealthHealthy}
		h.executors[name] = eh
	}
	return eh
}
