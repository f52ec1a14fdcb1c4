// Package observability defines the metrics surface the relay emits,
// decoupled from any particular backend.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthResult classifies the outcome of the auth handshake.
type AuthResult string

const (
	AuthResultOK      AuthResult = "ok"
	AuthResultTimeout AuthResult = "timeout"
	AuthResultBadSig  AuthResult = "bad_signature"
	AuthResultExpired AuthResult = "expired"
	AuthResultMalformed AuthResult = "malformed"
)

// RouteOutcome classifies what route_message did with an envelope.
type RouteOutcome string

const (
	RouteOutcomeDelivered   RouteOutcome = "delivered"
	RouteOutcomeEnqueued    RouteOutcome = "enqueued"
	RouteOutcomeQueueFull   RouteOutcome = "queue_full"
	RouteOutcomeRateLimited RouteOutcome = "rate_limited"
	RouteOutcomeBlocked     RouteOutcome = "blocked"
	RouteOutcomeDroppedSize RouteOutcome = "dropped_size"
	RouteOutcomeDroppedBad  RouteOutcome = "dropped_decode"
	RouteOutcomeDroppedFull RouteOutcome = "dropped_buffer_full"
	RouteOutcomeNoRecipient RouteOutcome = "dropped_no_recipient"
)

// RelayObserver receives relay-level metric events. Implementations must
// be safe for concurrent use; the hub loop calls these inline.
type RelayObserver interface {
	ConnCount(n int64)
	Auth(result AuthResult)
	Route(outcome RouteOutcome)
	QueueDepth(address string, n int)
	FlushBatch(address string, n int, d time.Duration)
	Sweep(removed int)
}

type noopRelayObserver struct{}

func (noopRelayObserver) ConnCount(int64)                  {}
func (noopRelayObserver) Auth(AuthResult)                  {}
func (noopRelayObserver) Route(RouteOutcome)                {}
func (noopRelayObserver) QueueDepth(string, int)           {}
func (noopRelayObserver) FlushBatch(string, int, time.Duration) {}
func (noopRelayObserver) Sweep(int)                        {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime, used so the relay
// can toggle a live Prometheus observer in without restarting.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) ConnCount(n int64)   { a.load().ConnCount(n) }
func (a *AtomicRelayObserver) Auth(result AuthResult) { a.load().Auth(result) }
func (a *AtomicRelayObserver) Route(outcome RouteOutcome) { a.load().Route(outcome) }
func (a *AtomicRelayObserver) QueueDepth(address string, n int) {
	a.load().QueueDepth(address, n)
}
func (a *AtomicRelayObserver) FlushBatch(address string, n int, d time.Duration) {
	a.load().FlushBatch(address, n, d)
}
func (a *AtomicRelayObserver) Sweep(removed int) { a.load().Sweep(removed) }
