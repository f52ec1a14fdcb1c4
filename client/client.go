package client

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pinch-protocol/pinch-sub002/client/activitylog"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// Client ties together the reconnecting transport and the send/receive
// pipeline into one runnable agent process. One Client serves one local
// identity against one relay.
type Client struct {
	dialer   *Dialer
	pipeline *Pipeline
}

// Config bundles everything needed to construct a Client.
type Config struct {
	RelayURL  string
	RelayHost string
	Identity  identity.Keypair
	DB        *sql.DB
}

// New opens (creating if necessary) the client-side SQLite schema and
// wires a Client ready to Run.
func New(cfg Config) (*Client, error) {
	box, err := identity.DeriveEncryptionKeypair(cfg.Identity)
	if err != nil {
		return nil, err
	}
	address, err := identity.DeriveAddress(cfg.Identity.PublicKey, cfg.RelayHost)
	if err != nil {
		return nil, err
	}

	conns, err := NewConnectionStore(cfg.DB)
	if err != nil {
		return nil, err
	}
	messages, err := NewMessageStore(cfg.DB)
	if err != nil {
		return nil, err
	}
	activity, err := activitylog.New(cfg.DB)
	if err != nil {
		return nil, err
	}

	dialer := &Dialer{URL: cfg.RelayURL, RelayHost: cfg.RelayHost, Identity: cfg.Identity}
	pipeline := NewPipeline(address, cfg.Identity, box, conns, messages, activity, nil)

	return &Client{dialer: dialer, pipeline: pipeline}, nil
}

// Pipeline exposes the send/receive pipeline for callers that want to send
// messages or drive the consent handshake directly.
func (c *Client) Pipeline() *Pipeline { return c.pipeline }

// Run connects (reconnecting transparently on failure) and dispatches
// every inbound envelope to the pipeline until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.dialer.RunWithReconnect(ctx, func(sess *Session) {
		c.pipeline.send = sess
		c.readLoop(ctx, sess)
	})
}

func (c *Client) readLoop(ctx context.Context, sess *Session) {
	for {
		env, err := sess.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("session read failed, closing", "error", err)
			}
			return
		}
		if err := c.dispatch(env, sess); err != nil {
			slog.Error("failed to handle inbound envelope", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) dispatch(env *wire.Envelope, send Sender) error {
	switch env.Type {
	case wire.TypeMessage:
		return c.pipeline.HandleIncomingEncryptedEnvelope(env)
	case wire.TypeDeliveryConfirm:
		return c.pipeline.HandleDeliveryConfirm(env)
	case wire.TypeConnectionRequest:
		return c.pipeline.HandleConnectionRequest(env)
	case wire.TypeConnectionResponse:
		return c.pipeline.HandleConnectionResponse(env)
	case wire.TypeConnectionRevoke:
		return c.pipeline.HandleConnectionRevoke(env)
	case wire.TypeQueueStatus:
		if env.QueueStatus != nil {
			c.pipeline.OnQueueStatus(env.QueueStatus.PendingCount)
		}
		return nil
	case wire.TypeHeartbeat:
		return send.Send(wire.Encode(&wire.Envelope{Version: 1, Type: wire.TypeHeartbeat, Heartbeat: &wire.HeartbeatPayload{}}))
	case wire.TypeQueueFull:
		address, reason := "", ""
		if env.QueueFull != nil {
			address, reason = env.QueueFull.RecipientAddress, env.QueueFull.Reason
		}
		slog.Warn("relay rejected message: recipient queue full", "to", address, "reason", reason)
		return c.pipeline.MarkFailed(address, reason)
	case wire.TypeRateLimited:
		reason := ""
		if env.RateLimited != nil {
			reason = env.RateLimited.Reason
		}
		slog.Warn("relay rejected message: rate limited", "reason", reason)
		return c.pipeline.MarkFailed("", reason)
	default:
		return nil
	}
}
