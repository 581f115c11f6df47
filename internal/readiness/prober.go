// Package readiness tracks whether the Postfixer backend is able to serve
// data, as opposed to merely being reachable.
package readiness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/fluxkompensator/postfixer/internal/model"
)

const (
	// DefaultRequestTimeout bounds a single status request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultRetryDelay separates consecutive status requests.
	DefaultRetryDelay = 2 * time.Second

	// DefaultMaxAttempts is the total number of status requests per probe.
	DefaultMaxAttempts = 5

	readyStatus = "ready"
)

// StatusChecker asks the backend for its readiness word.
type StatusChecker interface {
	ServerStatus(ctx context.Context) (string, error)
}

// Config tunes a Prober. Zero values select the defaults.
type Config struct {
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
	Clock          clockwork.Clock
	Logger         *slog.Logger

	// OnTransition is called after every state change, outside the
	// prober's lock.
	OnTransition func(model.ReadinessState)
}

// Prober polls the status endpoint until the backend reports ready or the
// attempt budget runs out. Concurrent Probe calls share one probing run.
type Prober struct {
	checker StatusChecker
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock

	group singleflight.Group

	mu    sync.Mutex
	state model.ReadinessState

	// ctx is cancelled by Close and scopes every probing run.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a prober in the Unknown state.
func New(checker StatusChecker, cfg Config) *Prober {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		checker: checker,
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "readiness")),
		clock:   cfg.Clock,
		state:   model.ReadinessUnknown,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the last observed readiness.
func (p *Prober) State() model.ReadinessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset forgets readiness so the next fetch probes again. Used when the
// realtime connection drops.
func (p *Prober) Reset() {
	p.setState(model.ReadinessUnknown)
}

// Close cancels any pending retry. Probe calls in flight return the state
// they had reached; no status request is issued afterwards.
func (p *Prober) Close() {
	p.cancel()
}

// Probe runs (or joins) a probing run and returns its outcome. It never
// returns an error: callers inspect the state. If ctx ends first, Probe
// returns the current state while the shared run continues for the other
// callers.
func (p *Prober) Probe(ctx context.Context) model.ReadinessState {
	ch := p.start()
	select {
	case res := <-ch:
		return res.Val.(model.ReadinessState)
	case <-ctx.Done():
		return p.State()
	}
}

// Start begins a probing run in the background, or does nothing if one is
// already in flight. Later Probe calls join it.
func (p *Prober) Start() {
	p.start()
}

func (p *Prober) start() <-chan singleflight.Result {
	return p.group.DoChan("probe", func() (any, error) {
		return p.run(), nil
	})
}

func (p *Prober) run() model.ReadinessState {
	if p.ctx.Err() != nil {
		return p.State()
	}
	p.setState(model.ReadinessProbing)

	for attempt := 1; ; attempt++ {
		if p.ctx.Err() != nil {
			return p.State()
		}

		status, err := p.check()
		if p.ctx.Err() != nil {
			// Closed while the request was in flight.
			return p.State()
		}
		if err == nil && status == readyStatus {
			p.log.Info("Backend ready", slog.Int("attempt", attempt))
			p.setState(model.ReadinessReady)
			return model.ReadinessReady
		}
		if err != nil {
			p.log.Debug("Status request failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		} else {
			p.log.Debug("Backend not ready",
				slog.Int("attempt", attempt),
				slog.String("status", status),
			)
		}

		if attempt >= p.cfg.MaxAttempts {
			p.log.Warn("Backend still not ready, giving up",
				slog.Int("attempts", attempt),
			)
			p.setState(model.ReadinessUnreachable)
			return model.ReadinessUnreachable
		}

		select {
		case <-p.clock.After(p.cfg.RetryDelay):
		case <-p.ctx.Done():
			return p.State()
		}
	}
}

func (p *Prober) check() (string, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.checker.ServerStatus(ctx)
}

// setState records a transition. Repeated writes of the same state are
// dropped so observers only see boundaries.
func (p *Prober) setState(s model.ReadinessState) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	p.mu.Unlock()

	p.log.Debug("Readiness transition",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(s)
	}
}
