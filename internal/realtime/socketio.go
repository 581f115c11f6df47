package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a packet to the server.
	writeWait = 10 * time.Second

	// Time allowed for the Engine.IO open and namespace connect.
	handshakeWait = 10 * time.Second

	// Used when the open packet does not carry ping settings.
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// Disconnect reasons, named the way Socket.IO clients report them.
var (
	ErrServerDisconnect = errors.New("io server disconnect")
	ErrTransportClose   = errors.New("transport close")
	ErrPingTimeout      = errors.New("ping timeout")
)

// SocketIO dials a Socket.IO v5 server over the Engine.IO v4 websocket
// transport and uses the default namespace.
type SocketIO struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewSocketIO creates a transport for the server at rawURL. A non-empty
// token is sent as a bearer Authorization header.
func NewSocketIO(rawURL, token string, logger *slog.Logger) *SocketIO {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketIO{
		URL:    rawURL,
		Header: h,
		Dialer: websocket.DefaultDialer,
		Logger: logger.With(slog.String("component", "socketio")),
	}
}

// Endpoint turns a server URL into the Engine.IO websocket URL.
func Endpoint(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// Dial opens the websocket, completes the Engine.IO handshake and connects
// to the default namespace.
func (s *SocketIO) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := Endpoint(s.URL)
	if err != nil {
		return nil, err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, s.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	// Unblock the handshake reads if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	open, err := handshake(ws)
	if err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		return nil, ctx.Err()
	}

	interval := time.Duration(open.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(open.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	s.Logger.Debug("Socket.IO session open",
		slog.String("sid", open.SID),
		slog.Duration("ping_interval", interval),
	)
	return &sioConn{ws: ws, readWait: interval + timeout, log: s.Logger}, nil
}

func handshake(ws *websocket.Conn) (openPacket, error) {
	var open openPacket
	_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != '0' {
		return open, fmt.Errorf("unexpected open packet %q", msg)
	}
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return open, fmt.Errorf("decode open packet: %w", err)
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return open, fmt.Errorf("namespace connect: %w", err)
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("read connect ack: %w", err)
		}
		s := string(msg)
		switch {
		case strings.HasPrefix(s, "40"):
			_ = ws.SetReadDeadline(time.Time{})
			return open, nil
		case strings.HasPrefix(s, "44"):
			return open, fmt.Errorf("namespace connect refused: %s", s[2:])
		case s == "2":
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return open, fmt.Errorf("pong: %w", err)
			}
		}
	}
}

type sioConn struct {
	ws       *websocket.Conn
	readWait time.Duration
	log      *slog.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *sioConn) write(packet string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(packet))
}

// Emit sends an event packet on the default namespace.
func (c *sioConn) Emit(event string, payload any) error {
	b, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return c.write("42" + string(b))
}

// ReadFrame returns the next event packet. Heartbeats are answered here.
func (c *sioConn) ReadFrame() (Frame, error) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Frame{}, ErrPingTimeout
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, ErrTransportClose
			}
			return Frame{}, fmt.Errorf("transport error: %w", err)
		}

		s := string(msg)
		switch {
		case s == "2":
			if err := c.write("3"); err != nil {
				return Frame{}, fmt.Errorf("transport error: %w", err)
			}
		case s == "1":
			return Frame{}, ErrTransportClose
		case strings.HasPrefix(s, "41"):
			return Frame{}, ErrServerDisconnect
		case strings.HasPrefix(s, "42"):
			f, err := parseEvent(s[2:])
			if err != nil {
				c.log.Warn("Bad event packet", slog.String("error", err.Error()))
				continue
			}
			return f, nil
		default:
			c.log.Debug("Ignoring packet", slog.String("packet", s))
		}
	}
}

// parseEvent decodes `[name, payload]`, skipping an optional ack id.
func parseEvent(body string) (Frame, error) {
	i := strings.IndexByte(body, '[')
	if i < 0 {
		return Frame{}, fmt.Errorf("event packet without array: %q", body)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body[i:]), &parts); err != nil {
		return Frame{}, fmt.Errorf("decode event packet: %w", err)
	}
	if len(parts) == 0 {
		return Frame{}, errors.New("empty event packet")
	}
	var f Frame
	if err := json.Unmarshal(parts[0], &f.Name); err != nil {
		return Frame{}, fmt.Errorf("decode event name: %w", err)
	}
	if len(parts) > 1 {
		f.Payload = parts[1]
	}
	return f, nil
}

// Close disconnects from the namespace and closes the socket.
func (c *sioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write("41")
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
