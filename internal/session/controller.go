// Package session drives one dashboard session: readiness probing, the
// realtime subscription, full fetches and the merge of pushed records.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/fluxkompensator/postfixer/internal/api"
	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/readiness"
	"github.com/fluxkompensator/postfixer/internal/realtime"
	"github.com/fluxkompensator/postfixer/internal/reconcile"
	"github.com/fluxkompensator/postfixer/internal/retry"
	"github.com/fluxkompensator/postfixer/internal/store"
)

const (
	// DefaultReconnectDelay is the pause before redialing after the
	// realtime connection drops.
	DefaultReconnectDelay = 2 * time.Second

	// DefaultCacheLimit bounds the records kept in the local cache.
	DefaultCacheLimit = 1000

	inboxSize = 16
)

// ErrStopped is returned by refresh calls once the session has ended.
var ErrStopped = errors.New("session stopped")

// Backend is the part of the REST API the session reads from.
type Backend interface {
	readiness.StatusChecker
	Data(ctx context.Context, q api.DataQuery) (*api.DataResponse, error)
	Rules(ctx context.Context) ([]model.Rule, error)
	KeyOptions(ctx context.Context) ([]string, error)
	RateLimiters(ctx context.Context) ([]model.RateLimiter, error)
	TopRateLimitCounters(ctx context.Context, limit int) ([]model.RateLimitCounter, error)
}

// Cache persists the record sequence between runs.
type Cache interface {
	LoadRecords(ctx context.Context, limit int) ([]model.Record, error)
	LoadRecent(ctx context.Context) (model.RecentAggregate, error)
	ReplaceRecords(ctx context.Context, records []model.Record, recent model.RecentAggregate) error
	PutRecord(ctx context.Context, r model.Record) error
	Prune(ctx context.Context, keep int) (int64, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Config wires a Controller.
type Config struct {
	Backend   Backend
	Transport realtime.Transport
	Cache     Cache // optional
	Clock     clockwork.Clock
	Logger    *slog.Logger

	// Window selects the history fetched on every full fetch.
	Window api.DataQuery

	ReconnectDelay time.Duration
	CacheLimit     int

	// Prober and Retry tune the readiness gate and the fetch budget.
	Prober readiness.Config
	Retry  retry.Config

	// OnReadiness observes every readiness transition.
	OnReadiness func(model.ReadinessState)
}

type fetchKind uint8

const (
	fetchData fetchKind = 1 << iota
	fetchRules

	fetchAll = fetchData | fetchRules
)

func (k fetchKind) String() string {
	switch k {
	case fetchData:
		return "data"
	case fetchRules:
		return "rules"
	case fetchAll:
		return "data+rules"
	default:
		return fmt.Sprintf("fetch(%d)", uint8(k))
	}
}

type fetchResult struct {
	id       uint64
	kind     fetchKind
	data     *api.DataResponse
	dataErr  error
	rules    []model.Rule
	rulesErr error
}

type refreshRequest struct {
	kind fetchKind
	done chan error
}

// waiter is a refresh caller. It is answered once every kind it asked for
// has been fetched by a launch newer than its request.
type waiter struct {
	remaining fetchKind
	after     uint64
	err       error
	done      chan error
}

// Controller owns the session. Run is its event loop and the only caller
// of the reconciler's mutators; everything that can block runs in its own
// goroutine and reports back through the inbox.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock
	backend Backend
	cache   Cache

	prober  *readiness.Prober
	fetcher *retry.Fetcher
	channel *realtime.Channel
	rec     *reconcile.Reconciler

	inbox     chan any
	readiness chan struct{}
	updates   chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Loop state.
	inFlight fetchKind
	queued   fetchKind
	launches uint64
	waiters  []*waiter
	pending  []model.Record
}

// New builds a session with its own prober, fetcher and realtime channel.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}

	c := &Controller{
		cfg:       cfg,
		log:       cfg.Logger.With(slog.String("component", "session")),
		clock:     cfg.Clock,
		backend:   cfg.Backend,
		cache:     cfg.Cache,
		rec:       reconcile.New(cfg.Clock.Now),
		inbox:     make(chan any, inboxSize),
		readiness: make(chan struct{}, 1),
		updates:   make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}

	pcfg := cfg.Prober
	pcfg.Clock = cfg.Clock
	pcfg.Logger = cfg.Logger
	pcfg.OnTransition = c.readinessChanged
	c.prober = readiness.New(cfg.Backend, pcfg)

	rcfg := cfg.Retry
	rcfg.Gate = c.prober
	rcfg.Clock = cfg.Clock
	rcfg.Logger = cfg.Logger
	c.fetcher = retry.New(rcfg)

	c.channel = realtime.New(realtime.Config{
		Transport: cfg.Transport,
		Logger:    cfg.Logger,
		Now:       cfg.Clock.Now,
	})
	return c
}

// Snapshot returns the current read model.
func (c *Controller) Snapshot() model.Snapshot {
	return c.rec.Snapshot()
}

// Updates signals after the snapshot changed. Signals are coalesced.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Done is closed once Run has returned and every resource is released.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

func (c *Controller) readinessChanged(s model.ReadinessState) {
	if c.cfg.OnReadiness != nil {
		c.cfg.OnReadiness(s)
	}
	select {
	case c.readiness <- struct{}{}:
	default:
	}
}

func (c *Controller) publish(model.Snapshot) {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Run drives the session until ctx ends. On return the realtime channel
// has left its room and disconnected, no prober or fetch retry is pending
// and no fetch goroutine is alive.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer c.shutdown(cancel)

	c.restore(ctx)

	c.prober.Start()
	c.connect(ctx)

	var reconnect <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.readiness:
			c.publish(c.rec.SetReadiness(c.prober.State()))

		case ev := <-c.channel.Events():
			if c.handleEvent(ctx, ev) {
				reconnect = c.clock.After(c.cfg.ReconnectDelay)
			}

		case <-reconnect:
			reconnect = nil
			c.connect(ctx)

		case msg := <-c.inbox:
			switch m := msg.(type) {
			case fetchResult:
				c.handleFetch(ctx, m)
			case refreshRequest:
				c.waiters = append(c.waiters, &waiter{remaining: m.kind, after: c.launches, done: m.done})
				c.startFetch(ctx, m.kind)
			}
		}
	}
}

func (c *Controller) shutdown(cancel context.CancelFunc) {
	cancel()
	c.channel.Teardown()
	c.prober.Close()
	c.wg.Wait()
	for _, w := range c.waiters {
		w.done <- ErrStopped
	}
	c.waiters = nil
	c.stopOnce.Do(func() { close(c.stopped) })
	c.log.Info("Session ended")
}

func (c *Controller) restore(ctx context.Context) {
	if c.cache == nil {
		return
	}
	records, err := c.cache.LoadRecords(ctx, c.cfg.CacheLimit)
	if err != nil {
		c.log.Warn("Could not load cached records", slog.String("error", err.Error()))
		return
	}
	recent, err := c.cache.LoadRecent(ctx)
	if err != nil {
		c.log.Warn("Could not load cached aggregate", slog.String("error", err.Error()))
	}
	if len(records) == 0 && len(recent) == 0 {
		return
	}
	c.log.Info("Restored cached records", slog.Int("count", len(records)))
	c.publish(c.rec.Restore(records, recent))
}

func (c *Controller) connect(ctx context.Context) {
	if err := c.channel.Connect(ctx); err != nil {
		c.log.Debug("Connect skipped", slog.String("error", err.Error()))
		return
	}
	c.publish(c.rec.SetConnection(c.channel.State()))
}

// handleEvent applies one realtime event and reports whether a reconnect
// should be scheduled.
func (c *Controller) handleEvent(ctx context.Context, ev realtime.Event) bool {
	switch ev.Kind {
	case realtime.EventConnected:
		c.publish(c.rec.SetConnection(model.Connected))
		c.startFetch(ctx, fetchAll)

	case realtime.EventDisconnected:
		c.log.Info("Realtime connection lost", slog.String("reason", ev.Reason))
		c.publish(c.rec.SetConnection(model.Disconnected))
		c.prober.Reset()
		return true

	case realtime.EventNewData:
		if c.inFlight&fetchData != 0 {
			c.pending = append(c.pending, ev.Record)
			return false
		}
		c.applyPush(ctx, ev.Record)
	}
	return false
}

func (c *Controller) applyPush(ctx context.Context, r model.Record) {
	c.publish(c.rec.ApplyPush(r))
	if c.cache == nil {
		return
	}
	if err := c.cache.PutRecord(ctx, r); err != nil {
		c.log.Warn("Could not cache record", slog.String("id", r.ID), slog.String("error", err.Error()))
		return
	}
	if _, err := c.cache.Prune(ctx, c.cfg.CacheLimit); err != nil {
		c.log.Debug("Cache prune failed", slog.String("error", err.Error()))
	}
}

// startFetch launches the kinds not already in flight and queues a rerun
// for the ones that are, so a refresh always observes state newer than the
// request.
func (c *Controller) startFetch(ctx context.Context, kind fetchKind) {
	c.queued |= kind & c.inFlight
	launch := kind &^ c.inFlight
	if launch == 0 {
		return
	}
	c.inFlight |= launch
	c.launches++
	id := c.launches

	c.log.Debug("Starting fetch", slog.String("kind", launch.String()), slog.Uint64("id", id))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.fetch(ctx, id, launch)
		select {
		case c.inbox <- res:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) fetch(ctx context.Context, id uint64, kind fetchKind) fetchResult {
	res := fetchResult{id: id, kind: kind}

	// Both halves always run to completion so one failing does not throw
	// away the other.
	var g errgroup.Group
	if kind&fetchData != 0 {
		g.Go(func() error {
			res.data, res.dataErr = retry.Do(ctx, c.fetcher, "data", func(ctx context.Context) (*api.DataResponse, error) {
				return c.backend.Data(ctx, c.cfg.Window)
			})
			return res.dataErr
		})
	}
	if kind&fetchRules != 0 {
		g.Go(func() error {
			res.rules, res.rulesErr = retry.Do(ctx, c.fetcher, "rules", c.backend.Rules)
			return res.rulesErr
		})
	}
	_ = g.Wait()
	return res
}

func (c *Controller) handleFetch(ctx context.Context, res fetchResult) {
	c.inFlight &^= res.kind

	var errs []error
	if res.kind&fetchRules != 0 {
		if res.rulesErr != nil {
			errs = append(errs, fmt.Errorf("fetch rules: %w", res.rulesErr))
		} else {
			c.rec.ApplyRules(res.rules)
		}
	}
	if res.kind&fetchData != 0 {
		if res.dataErr != nil {
			errs = append(errs, fmt.Errorf("fetch data: %w", res.dataErr))
		} else {
			c.rec.ApplyFullFetch(res.data.Historical, res.data.Recent)
			c.writeCache(ctx, res.data)
		}
		// Pushes held back during the fetch go on top, in arrival order.
		pending := c.pending
		c.pending = nil
		for _, r := range pending {
			c.applyPush(ctx, r)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.log.Error("Fetch failed", slog.String("kind", res.kind.String()), slog.String("error", err.Error()))
		c.rec.SetError("Failed to fetch data. Please try again. (" + err.Error() + ")")
	}
	c.publish(c.rec.Snapshot())

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if res.id > w.after && w.remaining&res.kind != 0 {
			w.remaining &^= res.kind
			w.err = errors.Join(w.err, err)
			if w.remaining == 0 {
				w.done <- w.err
				continue
			}
		}
		kept = append(kept, w)
	}
	c.waiters = kept

	rerun := c.queued & res.kind
	c.queued &^= rerun
	if rerun != 0 {
		c.startFetch(ctx, rerun)
	}
}

func (c *Controller) writeCache(ctx context.Context, data *api.DataResponse) {
	if c.cache == nil {
		return
	}
	if err := c.cache.ReplaceRecords(ctx, data.Historical, data.Recent); err != nil {
		c.log.Warn("Could not cache full fetch", slog.String("error", err.Error()))
		return
	}
	_ = c.cache.SetMeta(ctx, store.MetaLastFullFetch, c.clock.Now().UTC().Format(time.RFC3339))
	if data.Version != "" {
		_ = c.cache.SetMeta(ctx, store.MetaBackendVersion, data.Version)
	}
}

// RefreshData refetches the history and recent aggregate and waits until
// the result has been applied.
func (c *Controller) RefreshData(ctx context.Context) error {
	return c.refresh(ctx, fetchData)
}

// RefreshRules refetches the rule list and waits until it has been applied.
// Editors call it after committing a change.
func (c *Controller) RefreshRules(ctx context.Context) error {
	return c.refresh(ctx, fetchRules)
}

// RefreshAll refetches rules and data together.
func (c *Controller) RefreshAll(ctx context.Context) error {
	return c.refresh(ctx, fetchAll)
}

func (c *Controller) refresh(ctx context.Context, kind fetchKind) error {
	done := make(chan error, 1)
	select {
	case c.inbox <- refreshRequest{kind: kind, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// RateLimiterView is what the rate limiter tab shows.
type RateLimiterView struct {
	Limiters []model.RateLimiter
	Counters []model.RateLimitCounter
}

// RateLimiters fetches the configured limiters and the busiest counters.
// The result is not part of the snapshot.
func (c *Controller) RateLimiters(ctx context.Context, counterLimit int) (RateLimiterView, error) {
	var view RateLimiterView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		view.Limiters, err = retry.Do(gctx, c.fetcher, "rate_limiters", c.backend.RateLimiters)
		return err
	})
	g.Go(func() error {
		var err error
		view.Counters, err = retry.Do(gctx, c.fetcher, "top_rate_limit_counters", func(ctx context.Context) ([]model.RateLimitCounter, error) {
			return c.backend.TopRateLimitCounters(ctx, counterLimit)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return RateLimiterView{}, err
	}
	return view, nil
}

// KeyOptions lists the attribute names usable in rules and as columns.
func (c *Controller) KeyOptions(ctx context.Context) ([]string, error) {
	return retry.Do(ctx, c.fetcher, "key_options", c.backend.KeyOptions)
}
