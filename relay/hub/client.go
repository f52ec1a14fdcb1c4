package hub

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pinch-protocol/pinch-sub002/observability"
	"github.com/pinch-protocol/pinch-sub002/transport/ws"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

const (
	// sendBufferSize bounds each client's outbound queue; RouteMessage
	// drops rather than blocks when it is full, while the flush engine
	// retries until the entry is buffered or the client disconnects.
	sendBufferSize = 256

	// readTimeout is the deadline applied after every successful read.
	readTimeout = 60 * time.Second

	// heartbeatInterval is how often the relay pushes a Heartbeat envelope.
	heartbeatInterval = 25 * time.Second

	// heartbeatAckTimeout is how long the relay waits for the client to
	// answer a heartbeat before treating the connection as dead.
	heartbeatAckTimeout = 7 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second
)

// Client is the hub-side handle for one authenticated WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	address string
	pubKey  ed25519.PublicKey
	obs     observability.RelayObserver

	send         chan []byte
	heartbeatAck chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	flushing atomic.Bool
}

// NewClient wraps an authenticated connection for registration with h.
func NewClient(h *Hub, conn *ws.Conn, address string, pubKey ed25519.PublicKey, parent context.Context, obs observability.RelayObserver) *Client {
	ctx, cancel := context.WithCancel(parent)
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Client{
		hub:          h,
		conn:         conn,
		address:      address,
		pubKey:       pubKey,
		obs:          obs,
		send:         make(chan []byte, sendBufferSize),
		heartbeatAck: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Address returns the client's authenticated pinch: address.
func (c *Client) Address() string { return c.address }

// PublicKey returns the client's verified Ed25519 signing key.
func (c *Client) PublicKey() ed25519.PublicKey { return c.pubKey }

// IsFlushing reports whether a reconnect backlog flush is in progress.
func (c *Client) IsFlushing() bool { return c.flushing.Load() }

// SetFlushing marks or clears the flush-in-progress state.
func (c *Client) SetFlushing(v bool) { c.flushing.Store(v) }

// Send enqueues data for delivery without blocking; if the client's buffer
// is full the frame is dropped rather than stalling the hub loop. It
// reports whether the frame actually landed in the send buffer, so a
// caller that owns durable state (the flush engine) knows not to treat a
// dropped frame as delivered.
func (c *Client) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("client send buffer full, dropping frame", "address", c.address)
		return false
	}
}

// ReadPump reads frames until the connection closes or the context is
// cancelled, routing each through the hub and refreshing the read
// deadline on every successful read.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		readCtx, cancel := context.WithTimeout(c.ctx, readTimeout)
		_, data, err := c.conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Debug("client read error", "address", c.address, "error", err)
			}
			return
		}

		if env, perr := wire.Decode(data); perr == nil && env.Type == wire.TypeHeartbeat {
			select {
			case c.heartbeatAck <- struct{}{}:
			default:
			}
			continue
		}

		if err := c.hub.RouteMessage(c, data); err != nil {
			slog.Debug("route error", "address", c.address, "error", err)
		}
	}
}

// WritePump drains the send buffer to the underlying connection until the
// channel is closed (on unregister) or the context is cancelled.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.CloseWithStatus(websocket.CloseNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.WriteMessage(writeCtx, websocket.BinaryMessage, data)
			cancel()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// HeartbeatLoop pushes a Heartbeat envelope every heartbeatInterval and
// requires an answering Heartbeat within heartbeatAckTimeout; a missed
// heartbeat closes the connection with a policy-violation status.
func (c *Client) HeartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Send(wire.Encode(&wire.Envelope{Version: 1, Type: wire.TypeHeartbeat, Heartbeat: &wire.HeartbeatPayload{}}))

			select {
			case <-c.heartbeatAck:
			case <-time.After(heartbeatAckTimeout):
				slog.Info("heartbeat timeout, closing connection", "address", c.address)
				_ = c.conn.CloseWithStatus(websocket.ClosePolicyViolation, "heartbeat timeout")
				c.cancel()
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}
