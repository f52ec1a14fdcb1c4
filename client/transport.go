package client

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pinch-protocol/pinch-sub002/auth"
	"github.com/pinch-protocol/pinch-sub002/fserrors"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/transport/ws"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// authTimeout bounds the client's half of the challenge/response exchange.
const authTimeout = 10 * time.Second

var errAuthFailed = errors.New("client: relay rejected authentication")

// Session is one authenticated transport connection to the relay. It
// implements Sender so a Pipeline can write through it directly.
type Session struct {
	conn    *ws.Conn
	Address string

	closed atomic.Bool
}

// Send writes one encoded envelope as a binary frame.
func (s *Session) Send(envelope []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeoutClient)
	defer cancel()
	return s.conn.WriteMessage(ctx, websocket.BinaryMessage, envelope)
}

// Read blocks for the next envelope; callers should loop on it until it
// returns an error, then let the Dialer reconnect.
func (s *Session) Read(ctx context.Context) (*wire.Envelope, error) {
	_, data, err := s.conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

// Close ends the session without triggering a reconnect attempt.
func (s *Session) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

const writeTimeoutClient = 10 * time.Second

// Dialer establishes authenticated sessions against one relay and
// transparently reconnects with jittered exponential backoff.
type Dialer struct {
	URL       string
	RelayHost string
	Identity  identity.Keypair
	Base      time.Duration
	Max       time.Duration
}

// Connect performs one dial-and-authenticate attempt; it does not retry.
func (d *Dialer) Connect(ctx context.Context) (*Session, error) {
	conn, _, err := ws.Dial(ctx, d.URL, ws.DialOptions{})
	if err != nil {
		return nil, fserrors.Wrap(fserrors.PathClient, fserrors.StageTransport, fserrors.CodeDialFailed, err)
	}

	address, err := d.authenticate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{conn: conn, Address: address}, nil
}

// authenticate drives the client's half of the four-step handshake
// (§4.3): wait for AuthChallenge, sign it, send AuthResponse, wait for
// AuthResult.
func (d *Dialer) authenticate(ctx context.Context, conn *ws.Conn) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.ReadMessage(authCtx)
	if err != nil {
		return "", err
	}
	env, err := wire.Decode(data)
	if err != nil || env.AuthChallenge == nil {
		return "", fserrors.Wrap(fserrors.PathClient, fserrors.StageAuth, fserrors.CodeWrongMessageType, errAuthFailed)
	}
	challenge := env.AuthChallenge

	signature := auth.Sign(d.Identity.PrivateKey, challenge.RelayHost, challenge.Nonce)
	response := wire.Encode(&wire.Envelope{
		Version: 1,
		Type:    wire.TypeAuthResponse,
		AuthResponse: &wire.AuthResponsePayload{
			Version:   1,
			PublicKey: d.Identity.PublicKey,
			Signature: signature,
			Nonce:     challenge.Nonce,
		},
	})
	if err := conn.WriteMessage(authCtx, websocket.BinaryMessage, response); err != nil {
		return "", err
	}

	_, data, err = conn.ReadMessage(authCtx)
	if err != nil {
		return "", err
	}
	resultEnv, err := wire.Decode(data)
	if err != nil || resultEnv.AuthResult == nil {
		return "", fserrors.Wrap(fserrors.PathClient, fserrors.StageAuth, fserrors.CodeWrongMessageType, errAuthFailed)
	}
	if !resultEnv.AuthResult.Success {
		return "", fserrors.Wrap(fserrors.PathClient, fserrors.StageAuth, fserrors.CodeSignatureInvalid, errAuthFailed)
	}
	return resultEnv.AuthResult.AssignedAddress, nil
}

// RunWithReconnect calls onSession for every successfully established
// session, blocking until onSession returns (the caller's read loop owns
// that lifetime). It reconnects with jittered exponential backoff on any
// failure, and stops cleanly when ctx is cancelled or the session was
// closed intentionally via Session.Close.
func (d *Dialer) RunWithReconnect(ctx context.Context, onSession func(*Session)) {
	attempt := 0
	for ctx.Err() == nil {
		sess, err := d.Connect(ctx)
		if err != nil {
			slog.Info("connect failed, backing off", "error", err, "attempt", attempt)
			if !sleepBackoff(ctx, d.backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		onSession(sess)

		if sess.closed.Load() || ctx.Err() != nil {
			return
		}
		slog.Info("session ended, reconnecting")
	}
}

// backoff implements min(base*2^attempt + jitter, max).
func (d *Dialer) backoff(attempt int) time.Duration {
	base, max := d.Base, d.Max
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base << attempt // base * 2^attempt; attempt is capped below
	if attempt > 20 || delay <= 0 || delay > max {
		delay = max
	}
	jitter, _ := rand.Int(rand.Reader, big.NewInt(int64(base)))
	delay += time.Duration(jitter.Int64())
	if delay > max {
		delay = max
	}
	return delay
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
