// Package transport maintains the streaming connection to the chat broker:
// STOMP 1.2 frames over a websocket. It owns the connect/reconnect loop,
// translates inbound frames into bus events and exposes a fail-fast Send for
// outbound messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matborges/lojachat/internal/bus"
	"github.com/matborges/lojachat/internal/status"
	"github.com/matborges/lojachat/internal/stomp"
	"github.com/matborges/lojachat/internal/store"
)

// ErrNotConnected is returned by Send when the streaming connection is not
// established. Sends are never queued for a later connection.
var ErrNotConnected = errors.New("transport: not connected")

// Broker destinations.
const (
	destMessages = "/user/queue/messages"
	destAcks     = "/user/queue/acks"
	destPresence = "/topic/presence"
	destSend     = "/app/chat.send"
)

var subscriptions = []struct {
	id   string
	dest string
}{
	{"sub-messages", destMessages},
	{"sub-acks", destAcks},
	{"sub-presence", destPresence},
}

// Config carries the transport collaborators and connection parameters.
type Config struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL   string
	Token string

	Machine *status.Machine
	Bus     *bus.Bus
	Logger  *zap.Logger

	// ReconnectDelay is the fixed wait between reconnect attempts.
	// Defaults to 3 seconds.
	ReconnectDelay time.Duration
	Clock          Clock
	Dialer         *websocket.Dialer
}

// Client is the STOMP-over-websocket transport. One Client serves one
// authenticated session; Connect runs its read loop until Close or a
// broker-level rejection.
type Client struct {
	url     string
	token   string
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	delay   time.Duration
	clock   Clock
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// New creates a transport client. The connection is not opened until
// Connect is called.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		url:     cfg.URL,
		token:   cfg.Token,
		machine: cfg.Machine,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		delay:   cfg.ReconnectDelay,
		clock:   cfg.Clock,
		dialer:  cfg.Dialer,
	}, nil
}

// Connect dials the broker and serves frames until ctx is cancelled, Close
// is called, or the broker rejects the session with an ERROR frame. A
// dropped socket is retried after a fixed delay, indefinitely; retrying is
// safe because the token does not expire mid-session.
func (c *Client) Connect(ctx context.Context) error {
	for {
		if c.isClosed() {
			return nil
		}
		if err := c.machine.Transition(status.Connecting); err != nil {
			return err
		}

		err := c.session(ctx)
		switch {
		case errors.Is(err, errBrokerRejected):
			// Credential or protocol-level rejection. Retrying with the
			// same credentials would loop forever against the same wall.
			_ = c.machine.Transition(status.Error)
			return err
		case err != nil:
			c.logger.Warn("connection lost", zap.Error(err))
			_ = c.machine.Transition(status.Idle)
		default:
			_ = c.machine.Transition(status.Idle)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.delay):
		}
	}
}

// errBrokerRejected marks an ERROR frame from the broker, as opposed to a
// transport-level failure.
var errBrokerRejected = errors.New("transport: broker rejected session")

// session performs one full connection lifecycle: dial, STOMP handshake,
// subscriptions, then the read loop. Returns nil only on orderly shutdown.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	host := c.url
	if u, err := url.Parse(c.url); err == nil {
		host = u.Host
	}
	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, host,
		stomp.HdrAuthorization, "Bearer "+c.token,
	)
	if err := c.write(conn, connect); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	frame, err := c.readFrame(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch {
	case frame == nil:
		return fmt.Errorf("handshake: empty reply")
	case frame.Command == stomp.CmdError:
		c.logger.Error("broker rejected connect", zap.String("message", frame.Header(stomp.HdrMessage)))
		return errBrokerRejected
	case frame.Command != stomp.CmdConnected:
		return fmt.Errorf("handshake: unexpected %s frame", frame.Command)
	}

	if err := c.machine.Transition(status.Connected); err != nil {
		return err
	}
	c.logger.Info("connected", zap.String("url", c.url))

	for _, sub := range subscriptions {
		f := stomp.New(stomp.CmdSubscribe,
			stomp.HdrID, sub.id,
			stomp.HdrDestination, sub.dest,
		)
		if err := c.write(conn, f); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.dest, err)
		}
	}

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		frame, err := stomp.Parse(data)
		if err != nil {
			// A single unparseable envelope is dropped; only socket-level
			// failures end the session.
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if frame == nil {
			// Heart-beat.
			continue
		}
		switch frame.Command {
		case stomp.CmdMessage:
			c.dispatch(frame)
		case stomp.CmdError:
			c.logger.Error("broker error frame", zap.String("message", frame.Header(stomp.HdrMessage)))
			return errBrokerRejected
		case stomp.CmdReceipt:
			// No receipts requested; ignore if the broker sends one anyway.
		default:
			c.logger.Warn("unexpected frame", zap.String("command", frame.Command))
		}
	}
}

// dispatch decodes a MESSAGE frame by destination and publishes it as a bus
// event. A frame that fails to decode is logged and dropped; one bad payload
// must not take down the stream.
func (c *Client) dispatch(frame *stomp.Frame) {
	dest := frame.Header(stomp.HdrDestination)
	switch dest {
	case destMessages:
		var msg store.Message
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			c.logger.Warn("malformed message frame", zap.Error(err))
			return
		}
		c.publish("chat.message", msg)
	case destAcks:
		var ack store.Ack
		if err := json.Unmarshal(frame.Body, &ack); err != nil {
			c.logger.Warn("malformed ack frame", zap.Error(err))
			return
		}
		c.publish("chat.ack", ack)
	case destPresence:
		var p store.PresenceEvent
		if err := json.Unmarshal(frame.Body, &p); err != nil {
			c.logger.Warn("malformed presence frame", zap.Error(err))
			return
		}
		c.publish("chat.presence", p)
	default:
		c.logger.Warn("frame for unknown destination", zap.String("destination", dest))
	}
}

func (c *Client) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Send publishes a message over the streaming connection. It fails
// immediately with ErrNotConnected when the connection is down; callers
// roll back their optimistic state on that error.
func (c *Client) Send(req store.SendRequest) error {
	if c.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: encode send: %w", err)
	}
	frame := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, destSend,
		stomp.HdrContentType, "application/json",
	)
	frame.Body = body
	if err := c.write(conn, frame); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close tears the connection down and stops the reconnect loop. It is safe
// to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		// Best effort: tell the broker we are leaving before dropping the
		// socket. Errors here are irrelevant, the socket closes either way.
		for _, sub := range subscriptions {
			_ = c.write(conn, stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, sub.id))
		}
		_ = c.write(conn, stomp.New(stomp.CmdDisconnect))
		conn.Close()
	}
	_ = c.machine.Transition(status.Idle)
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) write(conn *websocket.Conn, frame *stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame.Marshal())
}

func (c *Client) readFrame(conn *websocket.Conn) (*stomp.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return stomp.Parse(data)
}
