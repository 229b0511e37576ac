//go:build cucumber

package uploadgate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"

	ug "github.com/ineyio/uploadgate"
	"github.com/ineyio/uploadgate/internal/testutil"
	"github.com/ineyio/uploadgate/store/memory"
)

// TestAdmissionFeatures executes the admission feature scenarios via godog.
func TestAdmissionFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "admission",
		ScenarioInitializer: initializeAdmissionScenario,
		Options: &godog.Options{
			Format:    "pretty",
			Paths:     []string{"features"},
			Strict:    true,
			TestingT:  t,
			Randomize: 0,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func initializeAdmissionScenario(ctx *godog.ScenarioContext) {
	state := &admissionState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})

	ctx.Step(`^a gate with (\d+) daily tokens and a (\d+) second cooldown$`, state.givenGate)
	ctx.Step(`^"([^"]+)" has spent all tokens$`, state.givenExhausted)
	ctx.Step(`^"([^"]+)" requests admission at second (\d+)$`, state.admitAt)
	ctx.Step(`^the upload is admitted with (\d+) tokens remaining$`, state.admitted)
	ctx.Step(`^the upload is denied with reason "([^"]+)"$`, state.denied)
	ctx.Step(`^the cooldown remaining is (\d+) seconds$`, state.cooldownIs)
	ctx.Step(`^"([^"]+)" has (\d+) tokens remaining$`, state.tokensAre)
	ctx.Step(`^"([^"]+)" checks the status$`, state.checkStatus)
	ctx.Step(`^the status shows (\d+) tokens and uploads are (allowed|blocked)$`, state.statusShows)
	ctx.Step(`^the day rolls over$`, state.dayRollsOver)
	ctx.Step(`^the daily maximum is changed to (\d+)$`, state.changeMax)
}

// admissionState holds scenario state for the feature tests.
type admissionState struct {
	start  time.Time
	clock  *testutil.FakeClock
	gate   *ug.Gate
	last   ug.Decision
	status ug.Status
}

func (s *admissionState) reset() {
	s.start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.clock = testutil.NewFakeClock(s.start)
	s.gate = nil
	s.last = ug.Decision{}
	s.status = ug.Status{}
}

func (s *admissionState) givenGate(max, cooldown int) error {
	p := ug.Policy{
		MaxDailyTokens: int64(max),
		Cooldown:       time.Duration(cooldown) * time.Second,
		Location:       time.UTC,
	}
	g, err := ug.NewStoreGate(memory.New(p))
	if err != nil {
		return err
	}
	s.gate = g
	return nil
}

func (s *admissionState) givenExhausted(id string) error {
	for i := 0; i < 100; i++ {
		s.clock.Advance(time.Hour / 10)
		d, err := s.gate.Admit(context.Background(), ug.Identity(id), s.clock.Now())
		if err != nil {
			return err
		}
		if d.Reason == ug.ReasonQuotaExhausted {
			return nil
		}
	}
	return fmt.Errorf("quota for %q never ran out", id)
}

func (s *admissionState) admitAt(id string, sec int) error {
	s.clock.Set(s.start.Add(time.Duration(sec) * time.Second))
	d, err := s.gate.Admit(context.Background(), ug.Identity(id), s.clock.Now())
	if err != nil {
		return err
	}
	s.last = d
	return nil
}

func (s *admissionState) admitted(tokens int) error {
	if !s.last.Allowed {
		return fmt.Errorf("expected admission, got %s", s.last.Reason)
	}
	if s.last.TokensRemaining != int64(tokens) {
		return fmt.Errorf("expected %d tokens remaining, got %d", tokens, s.last.TokensRemaining)
	}
	return nil
}

func (s *admissionState) denied(reason string) error {
	if s.last.Allowed {
		return fmt.Errorf("expected denial %s, got admission", reason)
	}
	if string(s.last.Reason) != reason {
		return fmt.Errorf("expected reason %s, got %s", reason, s.last.Reason)
	}
	return nil
}

func (s *admissionState) cooldownIs(sec int) error {
	if s.last.CooldownRemaining != int64(sec) {
		return fmt.Errorf("expected cooldown %d, got %d", sec, s.last.CooldownRemaining)
	}
	return nil
}

func (s *admissionState) tokensAre(id string, tokens int) error {
	if err := s.checkStatus(id); err != nil {
		return err
	}
	if s.status.TokensRemaining != int64(tokens) {
		return fmt.Errorf("expected %d tokens for %q, got %d", tokens, id, s.status.TokensRemaining)
	}
	return nil
}

func (s *admissionState) checkStatus(id string) error {
	st, err := s.gate.Status(context.Background(), ug.Identity(id), s.clock.Now())
	if err != nil {
		return err
	}
	s.status = st
	return nil
}

func (s *admissionState) statusShows(tokens int, verdict string) error {
	if s.status.TokensRemaining != int64(tokens) {
		return fmt.Errorf("expected %d tokens, got %d", tokens, s.status.TokensRemaining)
	}
	if want := verdict == "allowed"; s.status.CanUpload != want {
		return fmt.Errorf("expected can_upload=%v, got %v", want, s.status.CanUpload)
	}
	return nil
}

func (s *admissionState) dayRollsOver() error {
	s.clock.Advance(24 * time.Hour)
	return nil
}

func (s *admissionState) changeMax(n int) error {
	if !s.gate.SetDailyMax(int64(n)) {
		return fmt.Errorf("store does not support changing the daily maximum")
	}
	return nil
}
