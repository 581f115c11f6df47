// Package realtime owns the push subscription to the backend: one
// connection, one joined room, typed events on a single inbound queue.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// Topic is the only room the dashboard joins.
const Topic = "updates"

const defaultBuffer = 64

// ErrClosed is returned by Connect after Teardown.
var ErrClosed = errors.New("realtime: channel torn down")

// Config configures a Channel.
type Config struct {
	Transport Transport
	Logger    *slog.Logger

	// Now stamps pushed records that carry no timestamp.
	Now func() time.Time

	// Buffer is the capacity of the inbound queue.
	Buffer int
}

// Channel manages the connection lifecycle. It is the only writer of its
// ConnectionState. Pushes are delivered only while joined, in the order the
// transport produced them. The queue blocks rather than drops.
type Channel struct {
	transport Transport
	log       *slog.Logger
	now       func() time.Time
	events    chan Event

	mu         sync.Mutex
	state      model.ConnectionState
	joined     bool
	conn       Conn
	cancelDial context.CancelFunc

	// deliverMu is held for every send on events. Teardown takes it once
	// after setting closed, so nothing is delivered after it returns.
	deliverMu sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// New creates a disconnected channel.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Channel{
		transport: cfg.Transport,
		log:       cfg.Logger.With(slog.String("component", "realtime")),
		now:       cfg.Now,
		events:    make(chan Event, cfg.Buffer),
		state:     model.Disconnected,
		done:      make(chan struct{}),
	}
}

// Events is the inbound queue.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the connection state.
func (c *Channel) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Joined reports whether the room join has been emitted on the current
// connection.
func (c *Channel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Connect starts dialing unless a connection is already up or in progress.
// It does not wait for the dial; the outcome arrives as an event.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.state != model.Disconnected {
		return nil
	}

	c.state = model.Connecting
	if c.cancelDial != nil {
		c.cancelDial()
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.wg.Add(1)
	go c.run(dialCtx)
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	c.log.Debug("Dialing realtime endpoint")
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.drop(nil, "dial: "+err.Error())
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = model.Connected
	if err := conn.Emit("join", roomPayload{Room: Topic}); err != nil {
		c.mu.Unlock()
		c.drop(conn, "join: "+err.Error())
		return
	}
	c.joined = true
	c.mu.Unlock()

	c.log.Info("Realtime connected", slog.String("room", Topic))
	c.deliver(Event{Kind: EventConnected})

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.drop(conn, err.Error())
			return
		}
		switch frame.Name {
		case "new_data":
			ev, err := decodePush(frame.Payload)
			if err != nil {
				c.log.Warn("Dropping malformed push", slog.String("error", err.Error()))
				continue
			}
			ev.Record.EnsureTimestamp(c.now())
			if c.Joined() {
				c.deliver(ev)
			}
		default:
			c.log.Debug("Ignoring event", slog.String("event", frame.Name))
		}
	}
}

// drop moves to Disconnected after a failed dial or a lost connection.
// Nothing is reported once teardown has started.
func (c *Channel) drop(conn Conn, reason string) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.state = model.Disconnected
	c.joined = false
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("Realtime disconnected", slog.String("reason", reason))
	c.deliver(Event{Kind: EventDisconnected, Reason: reason})
}

func (c *Channel) deliver(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Teardown leaves the room, closes the connection and waits for the
// reader to exit. It is safe to call more than once and from any state.
func (c *Channel) Teardown() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		// Wait out a delivery in progress.
		c.deliverMu.Lock()
		c.deliverMu.Unlock()

		c.mu.Lock()
		conn, joined := c.conn, c.joined
		if c.cancelDial != nil {
			c.cancelDial()
		}
		c.conn = nil
		c.joined = false
		c.state = model.Disconnected
		c.mu.Unlock()

		if conn != nil {
			if joined {
				if err := conn.Emit("leave", roomPayload{Room: Topic}); err != nil {
					c.log.Debug("Leave failed", slog.String("error", err.Error()))
				}
			}
			if err := conn.Close(); err != nil {
				c.log.Debug("Close failed", slog.String("error", err.Error()))
			}
		}
		c.wg.Wait()
		c.log.Info("Realtime channel torn down")
	})
}
