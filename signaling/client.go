// SPDX-License-Identifier: AGPL-3.0-only
package signaling

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	charm "github.com/charmbracelet/log"

	"github.com/shareswarm/engine/errcode"
	enginelog "github.com/shareswarm/engine/internal/log"
	"github.com/shareswarm/engine/internal/worker"
)

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 10 * time.Second
	maxAttempts   = 5

	writeTimeout = 10 * time.Second
)

// Client is a reconnecting WebSocket signaling connection: a single
// writer goroutine serializes outbound envelopes (hub-style, following
// the sfuPeer.send channel pattern in the retrieval pack's WebRTC SFU),
// while a reader goroutine decodes inbound envelopes onto Incoming().
type Client struct {
	worker.Worker

	url    string
	dialer *websocket.Dialer
	log    *charm.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	send     chan Envelope
	incoming chan Envelope
	closed   chan struct{}
	closeErr error
}

// NewClient constructs a Client for url (e.g. "wss://host/signal"). logger
// may be nil, in which case a no-op logger is used.
func NewClient(url string, logger *charm.Logger) *Client {
	if logger == nil {
		logger = enginelog.Nop()
	}
	return &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		log:      logger.WithPrefix("signaling"),
		send:     make(chan Envelope, 32),
		incoming: make(chan Envelope, 32),
		closed:   make(chan struct{}),
	}
}

// Incoming returns the channel of envelopes received from the server.
// It is closed once the client gives up reconnecting or Close is called.
func (c *Client) Incoming() <-chan Envelope { return c.incoming }

// Connect dials the server and starts the read/write pumps. On an
// unexpected disconnect it reconnects with exponential backoff (base 1s,
// cap 10s) up to maxAttempts before giving up and closing Incoming().
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.Go(func() { c.run(ctx) })
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errcode.New(errcode.SignalingUnavailable, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.incoming)

	for {
		readErr := c.pump(ctx)
		if readErr == nil {
			return // Close() was called deliberately
		}
		c.log.Warn("signaling connection lost", "error", readErr)

		if !c.reconnect(ctx) {
			c.closeErr = readErr
			return
		}
	}
}

// pump runs the read loop on the current connection, forwarding
// successfully decoded envelopes and writing queued outbound ones, until
// the connection fails, the context is cancelled, or Close is called.
func (c *Client) pump(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("signaling: no connection")
	}

	done := make(chan error, 1)
	c.Go(func() { done <- c.writeLoop(conn) })

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case c.incoming <- env:
		case <-c.HaltCh():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) error {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return err
			}
		case <-c.HaltCh():
			return nil
		}
	}
}

// reconnect retries dialing with exponential backoff, returning true once
// a new connection is established, or false after maxAttempts failures.
func (c *Client) reconnect(ctx context.Context) bool {
	delay := reconnectBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-c.HaltCh():
			return false
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err == nil {
			c.log.Info("signaling reconnected", "attempt", attempt)
			return true
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
		// jitter avoids every disconnected client retrying in lockstep.
		delay += time.Duration(rand.Intn(250)) * time.Millisecond
	}
	c.log.Error("signaling giving up after max reconnect attempts", "attempts", maxAttempts)
	return false
}

// Send enqueues env for delivery on the current or next connection.
func (c *Client) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return errcode.New(errcode.SignalingUnavailable, nil)
	}
}

// Err returns the terminal error, if any, valid only after Incoming()
// closes.
func (c *Client) Err() error { return c.closeErr }

// Close halts the client's pumps and closes the underlying connection.
func (c *Client) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.Halt()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.Wait()
}
