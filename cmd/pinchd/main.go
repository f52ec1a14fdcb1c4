// Command pinchd is the Pinch relay daemon: it accepts WebSocket
// connections, authenticates each with the Ed25519 challenge-response
// handshake, and routes encrypted envelopes between authenticated
// addresses.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pinch-protocol/pinch-sub002/auth"
	"github.com/pinch-protocol/pinch-sub002/fserrors"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/internal/cmdutil"
	"github.com/pinch-protocol/pinch-sub002/observability"
	"github.com/pinch-protocol/pinch-sub002/observability/prom"
	"github.com/pinch-protocol/pinch-sub002/relay/hub"
	"github.com/pinch-protocol/pinch-sub002/relay/ratelimit"
	"github.com/pinch-protocol/pinch-sub002/relay/store"
	"github.com/pinch-protocol/pinch-sub002/transport/ws"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// authTimeout bounds the entire challenge-response exchange.
const authTimeout = 10 * time.Second

type config struct {
	port        string
	relayHost   string
	publicHost  string
	dbPath      string
	queueMax    int
	queueTTL    time.Duration
	rateLimit   float64
	rateBurst   int
	devMode     bool
	metricsAddr string
}

func loadConfig() (config, error) {
	var c config
	var err error

	c.port = cmdutil.EnvString("PINCH_RELAY_PORT", "8080")
	c.relayHost = cmdutil.EnvString("PINCH_RELAY_HOST", "localhost")
	c.publicHost = cmdutil.EnvString("PINCH_RELAY_PUBLIC_HOST", c.relayHost)
	c.dbPath = cmdutil.EnvString("PINCH_RELAY_DB", "./pinch-relay.db")
	c.metricsAddr = cmdutil.EnvString("PINCH_RELAY_METRICS_ADDR", "")

	if c.queueMax, err = cmdutil.EnvInt("PINCH_RELAY_QUEUE_MAX", 1000); err != nil {
		return c, err
	}
	queueTTLHours, err := cmdutil.EnvInt("PINCH_RELAY_QUEUE_TTL", 168)
	if err != nil {
		return c, err
	}
	c.queueTTL = time.Duration(queueTTLHours) * time.Hour

	if c.rateLimit, err = cmdutil.EnvFloat64("PINCH_RELAY_RATE_LIMIT", 1.0); err != nil {
		return c, err
	}
	if c.rateBurst, err = cmdutil.EnvInt("PINCH_RELAY_RATE_BURST", 10); err != nil {
		return c, err
	}
	if c.devMode, err = cmdutil.EnvBool("PINCH_RELAY_DEV", false); err != nil {
		return c, err
	}
	return c, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.devMode {
		slog.Warn("development mode enabled: WebSocket origin verification disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenDB(cfg.dbPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	blockStore, err := store.NewBlockStore(db)
	if err != nil {
		slog.Error("failed to initialize block store", "error", err)
		os.Exit(1)
	}

	mq, err := store.NewMessageQueue(db, cfg.queueMax, cfg.queueTTL)
	if err != nil {
		slog.Error("failed to initialize message queue", "error", err)
		os.Exit(1)
	}
	slog.Info("message queue ready", "maxPerAgent", cfg.queueMax, "ttl", cfg.queueTTL)

	obs := observability.NewAtomicRelayObserver()
	reg := prom.NewRegistry()
	obs.Set(prom.NewRelayObserver(reg))

	mq.StartSweep(ctx, time.Hour, func(counts map[string]int) {
		total := 0
		for _, n := range counts {
			total += n
		}
		if total > 0 {
			obs.Sweep(total)
			slog.Info("queue sweep removed expired entries", "total", total, "byRecipient", counts)
		}
	})

	rl := ratelimit.New(rate.Limit(cfg.rateLimit), cfg.rateBurst)
	slog.Info("rate limiter ready", "rate", cfg.rateLimit, "burst", cfg.rateBurst)

	h := hub.New(blockStore, mq, rl, obs)
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(ctx, h, cfg.publicHost, cfg.devMode, obs))
	mux.HandleFunc("/health", healthHandler(h))
	metricsHandler := prom.Handler(reg)
	if cfg.metricsAddr == "" {
		mux.Handle("/metrics", metricsHandler)
	} else {
		go serveMetrics(cfg.metricsAddr, metricsHandler)
	}

	srv := &http.Server{Addr: ":" + cfg.port, Handler: mux}

	go func() {
		slog.Info("relay starting", "port", cfg.port, "relayHost", cfg.publicHost)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("relay stopped")
}

func serveMetrics(addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server error", "error", err)
	}
}

// wsHandler upgrades the connection, runs the auth handshake, and only
// registers the client with the hub once authentication succeeds.
func wsHandler(serverCtx context.Context, h *hub.Hub, relayHost string, devMode bool, obs observability.RelayObserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A nil CheckOrigin leaves gorilla's same-origin check in place;
		// dev mode replaces it with one that accepts every origin.
		var checkOrigin func(*http.Request) bool
		if devMode {
			checkOrigin = func(*http.Request) bool { return true }
		}
		conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		})
		if err != nil {
			slog.Error("websocket upgrade error", "error", err)
			return
		}
		conn.SetReadLimit(2 * wire.MaxEnvelopeSize)

		pubKey, address, err := performAuth(serverCtx, conn, relayHost, obs)
		if err != nil {
			slog.Info("auth failed", "error", err)
			conn.Close()
			return
		}

		client := hub.NewClient(h, conn, address, pubKey, serverCtx, obs)
		h.Register(client)
		slog.Info("client authenticated", "address", address)

		go client.ReadPump()
		go client.WritePump()
		go client.HeartbeatLoop()
	}
}

// performAuth drives the four-step challenge/sign/respond/result sequence
// over an accepted WebSocket connection.
func performAuth(ctx context.Context, conn *ws.Conn, relayHost string, obs observability.RelayObserver) (ed25519.PublicKey, string, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	challenge, err := auth.GenerateChallenge(relayHost, time.Now(), authTimeout)
	if err != nil {
		obs.Auth(observability.AuthResultMalformed)
		return nil, "", fserrors.Wrap(fserrors.PathRelay, fserrors.StageAuth, fserrors.CodeInvalidInput, err)
	}

	challengeEnv := wire.Encode(&wire.Envelope{
		Version: 1,
		Type:    wire.TypeAuthChallenge,
		AuthChallenge: &wire.AuthChallengePayload{
			Version:     challenge.Version,
			Nonce:       challenge.Nonce[:],
			IssuedAtMs:  challenge.IssuedAtMs,
			ExpiresAtMs: challenge.ExpiresAtMs,
			RelayHost:   challenge.RelayHost,
		},
	})
	if werr := conn.WriteMessage(authCtx, websocket.BinaryMessage, challengeEnv); werr != nil {
		return nil, "", werr
	}

	_, data, err := conn.ReadMessage(authCtx)
	if err != nil {
		obs.Auth(observability.AuthResultTimeout)
		return nil, "", err
	}

	env, err := wire.Decode(data)
	if err != nil || env.AuthResponse == nil {
		obs.Auth(observability.AuthResultMalformed)
		sendAuthFailure(authCtx, conn, "expected AuthResponse payload")
		return nil, "", fserrors.Wrap(fserrors.PathRelay, fserrors.StageAuth, fserrors.CodeWrongMessageType, errUnexpectedPayload)
	}

	resp := env.AuthResponse
	pubKey := ed25519.PublicKey(resp.PublicKey)

	if verr := auth.VerifyResponse(challenge, time.Now(), pubKey, resp.Nonce, resp.Signature); verr != nil {
		switch verr {
		case auth.ErrChallengeExpired:
			obs.Auth(observability.AuthResultExpired)
		case auth.ErrNonceMismatch:
			obs.Auth(observability.AuthResultMalformed)
		default:
			obs.Auth(observability.AuthResultBadSig)
		}
		sendAuthFailure(authCtx, conn, verr.Error())
		return nil, "", fserrors.Wrap(fserrors.PathRelay, fserrors.StageAuth, fserrors.CodeSignatureInvalid, verr)
	}

	address, err := identity.DeriveAddress(pubKey, relayHost)
	if err != nil {
		obs.Auth(observability.AuthResultMalformed)
		return nil, "", err
	}

	resultEnv := wire.Encode(&wire.Envelope{
		Version: 1,
		Type:    wire.TypeAuthResult,
		AuthResult: &wire.AuthResultPayload{
			Success:         true,
			AssignedAddress: address,
		},
	})
	if werr := conn.WriteMessage(authCtx, websocket.BinaryMessage, resultEnv); werr != nil {
		return nil, "", werr
	}

	obs.Auth(observability.AuthResultOK)
	return pubKey, address, nil
}

func sendAuthFailure(ctx context.Context, conn *ws.Conn, reason string) {
	env := wire.Encode(&wire.Envelope{
		Version: 1,
		Type:    wire.TypeAuthResult,
		AuthResult: &wire.AuthResultPayload{
			Success:      false,
			ErrorMessage: reason,
		},
	})
	_ = conn.WriteMessage(ctx, websocket.BinaryMessage, env)
}

var errUnexpectedPayload = errors.New("unexpected payload: expected AuthResponse")

// healthHandler reports liveness and the current connection count.
func healthHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]int{
			"goroutines":  runtime.NumGoroutine(),
			"connections": h.ClientCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}
