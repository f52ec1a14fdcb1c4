// Package client implements the peer-side half of Pinch: per-connection
// consent state, the encrypt/decrypt send-receive pipeline, autonomy-based
// inbound routing, and the reconnecting relay transport.
package client

import "crypto/ed25519"

// ConnectionState is the consent/lifecycle state of a peer connection.
type ConnectionState string

const (
	StatePendingOutbound ConnectionState = "pending_outbound"
	StatePendingInbound  ConnectionState = "pending_inbound"
	StateActive          ConnectionState = "active"
	StateRevoked         ConnectionState = "revoked"
	StateBlocked         ConnectionState = "blocked"
)

// AutonomyLevel controls how an active connection's inbound traffic is
// routed; see RouteInbound.
type AutonomyLevel string

const (
	AutonomyFullManual AutonomyLevel = "full_manual"
	AutonomyNotify      AutonomyLevel = "notify"
	AutonomyAutoRespond AutonomyLevel = "auto_respond"
	AutonomyFullAuto    AutonomyLevel = "full_auto"
)

// Connection is the client-side record of one peer relationship.
type Connection struct {
	Address       string
	State         ConnectionState
	AutonomyLevel AutonomyLevel
	PeerPublicKey ed25519.PublicKey
	Muted         bool
	Passthrough   bool
	LastActivity  int64
	Nickname      string
	NextSequence  uint64
}
