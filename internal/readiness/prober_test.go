package readiness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// scriptedChecker answers status requests from a fixed script; the last
// entry repeats.
type scriptedChecker struct {
	mu      sync.Mutex
	script  []string
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (s *scriptedChecker) ServerStatus(ctx context.Context) (string, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}

	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	if s.script[i] == "error" {
		return "", errors.New("connection refused")
	}
	return s.script[i], nil
}

func (s *scriptedChecker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type transitions struct {
	mu     sync.Mutex
	states []model.ReadinessState
}

func (tr *transitions) record(s model.ReadinessState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, s)
}

func (tr *transitions) all() []model.ReadinessState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]model.ReadinessState(nil), tr.states...)
}

func newTestProber(checker StatusChecker, clock clockwork.Clock, tr *transitions) *Prober {
	return New(checker, Config{
		Clock:        clock,
		Logger:       slog.New(slog.DiscardHandler),
		OnTransition: tr.record,
	})
}

// probeAsync runs Probe in the background and returns its result channel.
func probeAsync(p *Prober) <-chan model.ReadinessState {
	out := make(chan model.ReadinessState, 1)
	go func() { out <- p.Probe(context.Background()) }()
	return out
}

// advanceRetries steps the fake clock through n retry delays.
func advanceRetries(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(DefaultRetryDelay)
	}
}

func TestProbeReadyImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{"ready"}}
	tr := &transitions{}
	p := newTestProber(checker, clock, tr)

	require.Equal(t, model.ReadinessReady, p.Probe(context.Background()))
	require.Equal(t, 1, checker.Calls())
	require.Equal(t, []model.ReadinessState{model.ReadinessProbing, model.ReadinessReady}, tr.all())
}

func TestProbeReadyAfterOneRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{"initializing", "ready"}}
	tr := &transitions{}
	p := newTestProber(checker, clock, tr)
	require.Equal(t, model.ReadinessUnknown, p.State())

	result := probeAsync(p)
	advanceRetries(t, clock, 1)

	require.Equal(t, model.ReadinessReady, <-result)
	require.Equal(t, 2, checker.Calls())
	// Probing is written once even though two requests were made.
	require.Equal(t, []model.ReadinessState{model.ReadinessProbing, model.ReadinessReady}, tr.all())
}

func TestProbeBoundIsStrict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{
		"initializing", "initializing", "initializing", "initializing", "initializing", "ready",
	}}
	tr := &transitions{}
	p := newTestProber(checker, clock, tr)

	result := probeAsync(p)
	advanceRetries(t, clock, DefaultMaxAttempts-1)

	require.Equal(t, model.ReadinessUnreachable, <-result)
	require.Equal(t, DefaultMaxAttempts, checker.Calls())
	require.Equal(t, model.ReadinessUnreachable, p.State())
	require.Equal(t, []model.ReadinessState{model.ReadinessProbing, model.ReadinessUnreachable}, tr.all())
}

func TestProbeTransportErrorsRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{"error", "error", "ready"}}
	p := newTestProber(checker, clock, &transitions{})

	result := probeAsync(p)
	advanceRetries(t, clock, 2)

	require.Equal(t, model.ReadinessReady, <-result)
	require.Equal(t, 3, checker.Calls())
}

func TestConcurrentProbesShareOneRequest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{
		script:  []string{"ready"},
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	p := newTestProber(checker, clock, &transitions{})

	first := probeAsync(p)
	<-checker.entered
	second := probeAsync(p)

	// Give the second caller time to join the run in flight.
	time.Sleep(50 * time.Millisecond)
	close(checker.release)

	require.Equal(t, model.ReadinessReady, <-first)
	require.Equal(t, model.ReadinessReady, <-second)
	require.Equal(t, 1, checker.Calls())
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{"initializing", "ready"}}
	tr := &transitions{}
	p := newTestProber(checker, clock, tr)

	result := probeAsync(p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	p.Close()
	require.Equal(t, model.ReadinessProbing, <-result)

	clock.Advance(time.Minute)
	require.Equal(t, 1, checker.Calls())
	require.Equal(t, model.ReadinessProbing, p.State())

	// Later calls do not reach the backend either.
	require.Equal(t, model.ReadinessProbing, p.Probe(context.Background()))
	require.Equal(t, 1, checker.Calls())
}

func TestResetReturnsToUnknown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := &transitions{}
	p := newTestProber(&scriptedChecker{script: []string{"ready"}}, clock, tr)

	require.Equal(t, model.ReadinessReady, p.Probe(context.Background()))
	p.Reset()
	p.Reset()

	require.Equal(t, model.ReadinessUnknown, p.State())
	require.Equal(t, []model.ReadinessState{
		model.ReadinessProbing, model.ReadinessReady, model.ReadinessUnknown,
	}, tr.all())
}

func TestProbeCallerContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	checker := &scriptedChecker{script: []string{"initializing", "ready"}}
	p := newTestProber(checker, clock, &transitions{})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.ReadinessState, 1)
	go func() { out <- p.Probe(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	// The impatient caller leaves; the shared run keeps going.
	cancel()
	require.Equal(t, model.ReadinessProbing, <-out)

	clock.Advance(DefaultRetryDelay)
	require.Eventually(t, func() bool {
		return p.State() == model.ReadinessReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseDuringFinalRequestKeepsState(t *testing.T) {
	for _, answer := range []string{"initializing", "ready"} {
		t.Run(answer, func(t *testing.T) {
			checker := &scriptedChecker{
				script:  []string{answer},
				entered: make(chan struct{}, 1),
				release: make(chan struct{}),
			}
			tr := &transitions{}
			p := New(checker, Config{
				Clock:        clockwork.NewFakeClock(),
				Logger:       slog.New(slog.DiscardHandler),
				MaxAttempts:  1,
				OnTransition: tr.record,
			})

			result := probeAsync(p)
			<-checker.entered
			p.Close()
			close(checker.release)

			require.Equal(t, model.ReadinessProbing, <-result)
			require.Equal(t, model.ReadinessProbing, p.State())
			require.Equal(t, []model.ReadinessState{model.ReadinessProbing}, tr.all())
		})
	}
}
