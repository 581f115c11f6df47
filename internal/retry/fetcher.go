// Package retry wraps single logical backend operations with a readiness
// gate and a bounded, linear backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fluxkompensator/postfixer/internal/model"
)

const (
	// DefaultMaxRetries is the number of retries after the first call.
	DefaultMaxRetries = 5

	// DefaultBaseDelay is multiplied by the retry count to get the wait.
	DefaultBaseDelay = time.Second
)

// Gate reports and refreshes backend readiness.
type Gate interface {
	State() model.ReadinessState
	Probe(ctx context.Context) model.ReadinessState
}

// Attempt is the retry state of one logical call. It lives only as long
// as that call.
type Attempt struct {
	OperationID string
	Name        string
	Count       int
	LastError   error
	NextDelay   time.Duration
}

// ExhaustedError is returned once every retry has failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config tunes a Fetcher. Zero values select the defaults.
type Config struct {
	Gate       Gate // nil disables readiness gating
	Clock      clockwork.Clock
	Logger     *slog.Logger
	MaxRetries int
	BaseDelay  time.Duration

	// OnRetry is called before every backoff wait.
	OnRetry func(Attempt)
}

// Fetcher holds the policy shared by every call made through Do.
type Fetcher struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger.With(slog.String("component", "retry")),
	}
}

// IsRetriable reports whether err is a transient failure worth another
// attempt. Errors decide for themselves through a Retriable method;
// otherwise only timeouts qualify.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retriable() bool }
	if errors.As(err, &r) {
		return r.Retriable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Do runs op until it succeeds, fails for a non-retriable reason, or the
// retry budget is spent. If the backend is not known to be ready it waits
// for a probe first; an Unreachable verdict does not stop the call.
func Do[T any](ctx context.Context, f *Fetcher, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := f.await(ctx, name); err != nil {
		return zero, err
	}

	att := Attempt{OperationID: uuid.NewString(), Name: name}
	for {
		v, err := op(ctx)
		if err == nil {
			if att.Count > 0 {
				f.log.Info("Operation recovered",
					slog.String("op", name),
					slog.Int("retries", att.Count),
				)
			}
			return v, nil
		}
		if ctx.Err() != nil || !IsRetriable(err) {
			return zero, err
		}

		att.Count++
		att.LastError = err
		if att.Count > f.cfg.MaxRetries {
			f.log.Warn("Operation failed, giving up",
				slog.String("op", name),
				slog.String("op_id", att.OperationID),
				slog.String("error", err.Error()),
			)
			return zero, &ExhaustedError{Operation: name, Attempts: att.Count, Err: err}
		}
		att.NextDelay = time.Duration(att.Count) * f.cfg.BaseDelay

		f.log.Debug("Retrying operation",
			slog.String("op", name),
			slog.String("op_id", att.OperationID),
			slog.Int("attempt", att.Count),
			slog.Duration("delay", att.NextDelay),
			slog.String("error", err.Error()),
		)
		if f.cfg.OnRetry != nil {
			f.cfg.OnRetry(att)
		}

		select {
		case <-f.clock.After(att.NextDelay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (f *Fetcher) await(ctx context.Context, name string) error {
	if f.cfg.Gate == nil || f.cfg.Gate.State() == model.ReadinessReady {
		return nil
	}
	state := f.cfg.Gate.Probe(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == model.ReadinessUnreachable {
		f.log.Warn("Backend unreachable, trying anyway", slog.String("op", name))
	}
	return nil
}
