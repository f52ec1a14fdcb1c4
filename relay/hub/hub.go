// Package hub implements the relay's single-goroutine connection registry
// and message router: one event loop owns the address -> Client routing
// table, mutated only via register/unregister channels, so no lock is ever
// held across a blocking operation.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pinch-protocol/pinch-sub002/observability"
	"github.com/pinch-protocol/pinch-sub002/relay/ratelimit"
	"github.com/pinch-protocol/pinch-sub002/relay/store"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

const (
	maxEnvelopeSize = wire.MaxEnvelopeSize
	flushBatchSize  = 50
	flushBatchDelay = 10 * time.Millisecond
)

// Hub owns the routing table and arbitrates delivery, queuing, and
// blocking between connected clients.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	blockStore  *store.BlockStore
	mq          *store.MessageQueue
	rateLimiter *ratelimit.Limiter
	obs         observability.RelayObserver

	mu sync.RWMutex
}

// New creates a Hub. blockStore, mq, and rl may be nil to disable the
// corresponding feature, which is useful in tests.
func New(blockStore *store.BlockStore, mq *store.MessageQueue, rl *ratelimit.Limiter, obs observability.RelayObserver) *Hub {
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		blockStore:  blockStore,
		mq:          mq,
		rateLimiter: rl,
		obs:         obs,
	}
}

// Run is the hub's event loop; it must run in its own goroutine and owns
// all mutation of the routing table until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case <-ctx.Done():
			h.mu.Lock()
			for addr, client := range h.clients {
				close(client.send)
				client.cancel()
				delete(h.clients, addr)
			}
			h.mu.Unlock()
			slog.Info("hub stopped")
			return
		}
	}
}

// handleRegister installs client as the owner of its address. A client
// already registered at that address is displaced: its send channel is
// closed and its context cancelled, but it is never looked up again by
// address, so a later unregister for the displaced client is a no-op.
func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	if prev, ok := h.clients[client.address]; ok && prev != client {
		close(prev.send)
		prev.cancel()
	}
	h.clients[client.address] = client
	h.mu.Unlock()

	h.obs.ConnCount(int64(h.ClientCount()))

	if h.mq != nil {
		if count, err := h.mq.Count(client.address); err == nil && count > 0 {
			h.sendQueueStatus(client, int64(count))
			client.SetFlushing(true)
			go h.flushQueuedMessages(client)
		}
	}

	slog.Info("client registered", "address", client.address, "connections", h.ClientCount())
}

// handleUnregister removes client only if it is still the registered
// owner of its address — keyed by identity, not address, so a late
// unregister from a displaced connection cannot evict its replacement.
func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[client.address]; ok && cur == client {
		delete(h.clients, client.address)
		close(client.send)
		client.cancel()
	}
	h.mu.Unlock()

	if h.rateLimiter != nil {
		h.rateLimiter.Remove(client.address)
	}
	h.obs.ConnCount(int64(h.ClientCount()))
	slog.Info("client unregistered", "address", client.address, "connections", h.ClientCount())
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LookupClient returns the client currently registered at address.
func (h *Hub) LookupClient(address string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[address]
	return c, ok
}

// Register queues client for installation by the event loop.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister queues client for removal by the event loop.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// RouteMessage implements the relay's per-envelope routing algorithm:
// rate limit, size check, decode, identity normalization, block/unblock
// handling, block enforcement, then deliver-or-enqueue.
func (h *Hub) RouteMessage(from *Client, raw []byte) error {
	if h.rateLimiter != nil && !h.rateLimiter.Allow(from.Address()) {
		h.obs.Route(observability.RouteOutcomeRateLimited)
		h.sendRateLimited(from)
		return nil
	}

	if len(raw) > maxEnvelopeSize {
		h.obs.Route(observability.RouteOutcomeDroppedSize)
		slog.Debug("route: envelope exceeds max size", "from", from.Address(), "size", len(raw))
		return nil
	}

	env, err := wire.Decode(raw)
	if err != nil {
		h.obs.Route(observability.RouteOutcomeDroppedBad)
		slog.Debug("route: invalid envelope", "from", from.Address(), "error", err)
		return nil
	}

	// Identity normalization: the authenticated sender's address always
	// wins, preventing a client from forging envelope.from_address.
	env.FromAddress = from.Address()
	normalized := wire.Encode(env)

	switch env.Type {
	case wire.TypeBlockNotification:
		if env.BlockNotification == nil || h.blockStore == nil {
			return nil
		}
		return h.blockStore.Block(from.Address(), env.BlockNotification.BlockedAddress)

	case wire.TypeUnblockNotification:
		if env.UnblockNotification == nil || h.blockStore == nil {
			return nil
		}
		return h.blockStore.Unblock(from.Address(), env.UnblockNotification.UnblockedAddress)
	}

	toAddress := env.ToAddress
	if toAddress == "" {
		h.obs.Route(observability.RouteOutcomeNoRecipient)
		return nil
	}

	if h.blockStore != nil && h.blockStore.IsBlocked(toAddress, from.Address()) {
		h.obs.Route(observability.RouteOutcomeBlocked)
		slog.Debug("route: message blocked", "from", from.Address(), "to", toAddress)
		return nil
	}

	recipient, online := h.LookupClient(toAddress)
	if !online || recipient.IsFlushing() {
		h.enqueue(from, toAddress, normalized)
		return nil
	}

	recipient.Send(normalized)
	h.obs.Route(observability.RouteOutcomeDelivered)
	return nil
}

func (h *Hub) enqueue(from *Client, toAddress string, envelope []byte) {
	if h.mq == nil {
		h.obs.Route(observability.RouteOutcomeDroppedBad)
		return
	}
	err := h.mq.Enqueue(toAddress, from.Address(), envelope)
	switch err {
	case nil:
		h.obs.Route(observability.RouteOutcomeEnqueued)
	case store.ErrQueueFull:
		h.obs.Route(observability.RouteOutcomeQueueFull)
		h.sendQueueFull(from, toAddress)
		slog.Info("queue full for recipient", "from", from.Address(), "to", toAddress)
	default:
		h.obs.Route(observability.RouteOutcomeDroppedBad)
		slog.Error("failed to enqueue message", "from", from.Address(), "to", toAddress, "error", err)
	}
}

// sendQueueStatus informs a newly registered client how many messages are
// waiting for it.
func (h *Hub) sendQueueStatus(client *Client, pendingCount int64) {
	env := &wire.Envelope{Version: 1, Type: wire.TypeQueueStatus, QueueStatus: &wire.QueueStatusPayload{PendingCount: pendingCount}}
	client.Send(wire.Encode(env))
}

// sendRateLimited tells a sender its message was rejected by the limiter.
func (h *Hub) sendRateLimited(client *Client) {
	env := &wire.Envelope{Version: 1, Type: wire.TypeRateLimited, RateLimited: &wire.RateLimitedPayload{
		RetryAfterMs: 1000,
		Reason:       "per-connection rate limit exceeded",
	}}
	client.Send(wire.Encode(env))
}

// sendQueueFull tells a sender the recipient's durable queue is at capacity.
func (h *Hub) sendQueueFull(sender *Client, recipientAddress string) {
	env := &wire.Envelope{Version: 1, Type: wire.TypeQueueFull, QueueFull: &wire.QueueFullPayload{
		RecipientAddress: recipientAddress,
		Reason:           "recipient message queue is full",
	}}
	sender.Send(wire.Encode(env))
}

// flushQueuedMessages drains client's durable backlog in order. Each entry
// is removed only after being handed to the client's send buffer, and the
// loop aborts cleanly if the client disconnects mid-flush, leaving any
// remaining entries for the next reconnect.
func (h *Hub) flushQueuedMessages(client *Client) {
	defer client.SetFlushing(false)

	for {
		if client.ctx.Err() != nil {
			slog.Info("flush aborted: client disconnected", "address", client.address)
			return
		}

		batchStart := time.Now()
		entries, err := h.mq.FlushBatch(client.address, flushBatchSize)
		if err != nil {
			slog.Error("flush batch error", "address", client.address, "error", err)
			return
		}
		if len(entries) == 0 {
			slog.Info("flush complete", "address", client.address)
			return
		}

		delivered := 0
		for _, entry := range entries {
			if !h.sendWithRetry(client, entry.Envelope) {
				slog.Info("flush aborted: client disconnected while send buffer was full", "address", client.address, "delivered_this_batch", delivered)
				h.obs.FlushBatch(client.address, delivered, time.Since(batchStart))
				return
			}
			if err := h.mq.Remove(client.address, entry.Key); err != nil {
				slog.Error("failed to remove flushed entry", "address", client.address, "error", err)
			}
			delivered++
		}
		h.obs.FlushBatch(client.address, delivered, time.Since(batchStart))

		time.Sleep(flushBatchDelay)
	}
}

// flushSendRetryInterval is how often flushQueuedMessages retries handing
// an entry to a full send buffer before giving up on client disconnect.
const flushSendRetryInterval = 20 * time.Millisecond

// sendWithRetry keeps offering data to client's send buffer until it is
// accepted or the client disconnects. A full buffer during a flush is
// transient backpressure, not a reason to drop a durable queue entry: the
// at-least-once guarantee requires the entry survive until it is actually
// buffered for delivery.
func (h *Hub) sendWithRetry(client *Client, data []byte) bool {
	if client.Send(data) {
		return true
	}

	ticker := time.NewTicker(flushSendRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-client.ctx.Done():
			return false
		case <-ticker.C:
			if client.Send(data) {
				return true
			}
		}
	}
}
