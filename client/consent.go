package client

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/pinch-protocol/pinch-sub002/client/activitylog"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// ErrConnectionExists is returned by RequestConnection when a connection
// record for the target address already exists.
var ErrConnectionExists = errors.New("client: connection already exists")

// RequestConnection starts the consent handshake with a new peer: it
// records a pending_outbound connection locally and sends ConnectionRequest.
func (p *Pipeline) RequestConnection(to string, introMessage string) error {
	if _, ok, err := p.conns.Get(to); err != nil {
		return err
	} else if ok {
		return ErrConnectionExists
	}

	peerKey, err := peerPublicKeyFromAddress(to)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if err := p.conns.Upsert(Connection{
		Address:       to,
		State:         StatePendingOutbound,
		AutonomyLevel: AutonomyFullManual,
		PeerPublicKey: peerKey,
		LastActivity:  now,
	}); err != nil {
		return err
	}

	p.recordConnectionEvent(to, "connection_requested", [16]byte{}, false, now)

	env := &wire.Envelope{
		Version:     1,
		FromAddress: p.address,
		ToAddress:   to,
		Type:        wire.TypeConnectionRequest,
		Timestamp:   now,
		ConnectionRequest: &wire.ConnectionRequestPayload{
			IntroMessage: introMessage,
		},
	}
	return p.send.Send(wire.Encode(env))
}

// HandleConnectionRequest records an incoming request as pending_inbound.
// The human or policy hook later calls RespondToConnection to accept or
// reject it; this step never auto-accepts.
func (p *Pipeline) HandleConnectionRequest(env *wire.Envelope) error {
	if env.ConnectionRequest == nil {
		return nil
	}
	if _, ok, err := p.conns.Get(env.FromAddress); err != nil {
		return err
	} else if ok {
		return nil
	}

	peerKey, err := peerPublicKeyFromAddress(env.FromAddress)
	if err != nil {
		return err
	}

	if err := p.conns.Upsert(Connection{
		Address:       env.FromAddress,
		State:         StatePendingInbound,
		AutonomyLevel: AutonomyFullManual,
		PeerPublicKey: peerKey,
		LastActivity:  env.Timestamp,
	}); err != nil {
		return err
	}

	p.recordConnectionEvent(env.FromAddress, "connection_request_received", [16]byte{}, false, env.Timestamp)
	return nil
}

// RespondToConnection accepts or rejects a pending_inbound request.
func (p *Pipeline) RespondToConnection(address string, accept bool, reason string) error {
	conn, ok, err := p.conns.Get(address)
	if err != nil {
		return err
	}
	if !ok || conn.State != StatePendingInbound {
		return ErrConnectionNotActive
	}

	now := time.Now().UnixMilli()
	conn.LastActivity = now
	if accept {
		conn.State = StateActive
		p.recordConnectionEvent(address, "connection_accepted", [16]byte{}, false, now)
	} else {
		conn.State = StateRevoked
		p.recordConnectionEvent(address, "connection_rejected", [16]byte{}, false, now)
	}
	if err := p.conns.Upsert(conn); err != nil {
		return err
	}

	env := &wire.Envelope{
		Version:     1,
		FromAddress: p.address,
		ToAddress:   address,
		Type:        wire.TypeConnectionResponse,
		Timestamp:   now,
		ConnectionResponse: &wire.ConnectionResponsePayload{
			Accept: accept,
			Reason: reason,
		},
	}
	return p.send.Send(wire.Encode(env))
}

// HandleConnectionResponse resolves a pending_outbound request.
func (p *Pipeline) HandleConnectionResponse(env *wire.Envelope) error {
	if env.ConnectionResponse == nil {
		return nil
	}
	conn, ok, err := p.conns.Get(env.FromAddress)
	if err != nil {
		return err
	}
	if !ok || conn.State != StatePendingOutbound {
		return nil
	}

	conn.LastActivity = env.Timestamp
	if env.ConnectionResponse.Accept {
		conn.State = StateActive
		p.recordConnectionEvent(env.FromAddress, "connection_accepted", [16]byte{}, false, env.Timestamp)
	} else {
		conn.State = StateRevoked
		p.recordConnectionEvent(env.FromAddress, "connection_rejected", [16]byte{}, false, env.Timestamp)
	}
	return p.conns.Upsert(conn)
}

// RevokeConnection ends an active connection and notifies the peer.
func (p *Pipeline) RevokeConnection(address string, reason string) error {
	conn, ok, err := p.conns.Get(address)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConnectionNotActive
	}

	now := time.Now().UnixMilli()
	conn.State = StateRevoked
	conn.LastActivity = now
	if err := p.conns.Upsert(conn); err != nil {
		return err
	}
	p.recordConnectionEvent(address, "connection_revoked", [16]byte{}, false, now)

	env := &wire.Envelope{
		Version:          1,
		FromAddress:      p.address,
		ToAddress:        address,
		Type:             wire.TypeConnectionRevoke,
		Timestamp:        now,
		ConnectionRevoke: &wire.ConnectionRevokePayload{Reason: reason},
	}
	return p.send.Send(wire.Encode(env))
}

// HandleConnectionRevoke applies a peer-initiated revoke.
func (p *Pipeline) HandleConnectionRevoke(env *wire.Envelope) error {
	if env.ConnectionRevoke == nil {
		return nil
	}
	conn, ok, err := p.conns.Get(env.FromAddress)
	if err != nil || !ok {
		return err
	}
	conn.State = StateRevoked
	conn.LastActivity = env.Timestamp
	if err := p.conns.Upsert(conn); err != nil {
		return err
	}
	p.recordConnectionEvent(env.FromAddress, "connection_revoked", [16]byte{}, false, env.Timestamp)
	return nil
}

// BlockConnection marks address as blocked locally and tells the relay to
// enforce the block on its side (§4.4 step 7 / §4.8).
func (p *Pipeline) BlockConnection(address string) error {
	conn, ok, err := p.conns.Get(address)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if !ok {
		conn = Connection{Address: address}
	}
	conn.State = StateBlocked
	conn.LastActivity = now
	if err := p.conns.Upsert(conn); err != nil {
		return err
	}
	p.recordConnectionEvent(address, "connection_blocked", [16]byte{}, false, now)

	env := &wire.Envelope{
		Version:           1,
		FromAddress:       p.address,
		ToAddress:         address,
		Type:              wire.TypeBlockNotification,
		Timestamp:         now,
		BlockNotification: &wire.BlockNotificationPayload{BlockedAddress: address},
	}
	return p.send.Send(wire.Encode(env))
}

// UnblockConnection lifts a local block and tells the relay.
func (p *Pipeline) UnblockConnection(address string) error {
	conn, ok, err := p.conns.Get(address)
	if err != nil {
		return err
	}
	if !ok || conn.State != StateBlocked {
		return ErrConnectionNotActive
	}

	now := time.Now().UnixMilli()
	conn.State = StateActive
	conn.LastActivity = now
	if err := p.conns.Upsert(conn); err != nil {
		return err
	}
	p.recordConnectionEvent(address, "connection_unblocked", [16]byte{}, false, now)

	env := &wire.Envelope{
		Version:             1,
		FromAddress:         p.address,
		ToAddress:           address,
		Type:                wire.TypeUnblockNotification,
		Timestamp:           now,
		UnblockNotification: &wire.UnblockNotificationPayload{UnblockedAddress: address},
	}
	return p.send.Send(wire.Encode(env))
}

func (p *Pipeline) recordConnectionEvent(address, eventType string, messageID [16]byte, hasMessageID bool, at int64) {
	if p.activity == nil {
		return
	}
	_, _ = p.activity.Record(activitylog.RecordInput{
		ConnectionAddress: address,
		EventType:         eventType,
		ActorPubKey:       p.signing.PublicKey,
		ActionType:        eventType,
		MessageID:         messageID,
		HasMessageID:      hasMessageID,
		CreatedAt:         at,
	})
}

// peerPublicKeyFromAddress recovers the peer's Ed25519 signing key encoded
// in a pinch address, since the wire protocol doesn't always carry it
// separately until the first encrypted exchange.
func peerPublicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	pub, _, err := identity.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
