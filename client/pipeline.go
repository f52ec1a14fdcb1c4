package client

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pinch-protocol/pinch-sub002/client/activitylog"
	"github.com/pinch-protocol/pinch-sub002/fserrors"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// ErrConnectionNotActive is returned by SendMessage when the target
// connection hasn't completed the request/consent exchange.
var ErrConnectionNotActive = errors.New("client: connection not active")

// Sender delivers a raw encoded envelope to the relay session. It is
// satisfied by the reconnecting transport's write path.
type Sender interface {
	Send(envelope []byte) error
}

// attributedContent is the JSON shape carried by a PlaintextPayload whose
// content_type is application/x-pinch+json.
type attributedContent struct {
	Text        string `json:"text"`
	Attribution string `json:"attribution"`
}

// SendOptions customizes one outbound message.
type SendOptions struct {
	// Attribution, if non-empty, wraps Content as a JSON attribution
	// envelope instead of sending it as plain text/plain.
	Attribution string
	ThreadID    string
	ReplyTo     [16]byte
	HasReplyTo  bool
}

// Pipeline implements the per-agent send/receive pipeline (§4.9): it
// encrypts outbound content, decrypts and routes inbound envelopes, and
// verifies delivery confirmations. One Pipeline is bound to one local
// identity and one underlying transport.
type Pipeline struct {
	address    string
	signing    identity.Keypair
	box        identity.BoxKeypair
	conns      *ConnectionStore
	messages   *MessageStore
	activity   *activitylog.Log
	send       Sender
	flushDepth atomic.Int64
}

// NewPipeline builds a Pipeline for the given local identity and stores.
func NewPipeline(address string, signing identity.Keypair, box identity.BoxKeypair, conns *ConnectionStore, messages *MessageStore, activity *activitylog.Log, send Sender) *Pipeline {
	return &Pipeline{address: address, signing: signing, box: box, conns: conns, messages: messages, activity: activity, send: send}
}

// OnQueueStatus primes the was_stored heuristic: envelopes that arrive
// while this counter is positive are attributed to the reconnect flush.
func (p *Pipeline) OnQueueStatus(pendingCount int64) {
	p.flushDepth.Store(pendingCount)
}

// SendMessage encrypts and dispatches content to an active connection,
// persists the outbound record, and returns the allocated message id
// immediately (delivery confirmation arrives asynchronously).
func (p *Pipeline) SendMessage(to string, content []byte, opts SendOptions) ([16]byte, error) {
	var messageID [16]byte

	conn, ok, err := p.conns.Get(to)
	if err != nil {
		return messageID, err
	}
	if !ok || conn.State != StateActive {
		return messageID, fserrors.Wrap(fserrors.PathClient, fserrors.StageValidate, fserrors.CodeConnectionNotActive, ErrConnectionNotActive)
	}

	seq, err := p.conns.NextSequence(to)
	if err != nil {
		return messageID, err
	}

	attribution := AttributionAgent
	contentType := "text/plain"
	wireContent := content
	if opts.Attribution != "" {
		attribution = opts.Attribution
		contentType = ContentTypeJSON
		wireContent, err = json.Marshal(attributedContent{Text: string(content), Attribution: attribution})
		if err != nil {
			return messageID, err
		}
	}

	now := time.Now()
	plaintext := wire.EncodePlaintext(&wire.PlaintextPayload{
		Version:     1,
		Sequence:    seq,
		Timestamp:   now.UnixMilli(),
		Content:     wireContent,
		ContentType: contentType,
	})

	nonce, ciphertext, err := sealPlaintext(plaintext, conn.PeerPublicKey, p.box)
	if err != nil {
		return messageID, fserrors.Wrap(fserrors.PathClient, fserrors.StageCrypto, fserrors.CodeDecryptFailed, err)
	}

	messageID = wire.NewMessageID(now.UnixMilli())
	env := &wire.Envelope{
		Version:     1,
		FromAddress: p.address,
		ToAddress:   to,
		Type:        wire.TypeMessage,
		MessageID:   messageID,
		Timestamp:   now.UnixMilli(),
		Encrypted: &wire.EncryptedPayload{
			Nonce:           nonce[:],
			Ciphertext:      ciphertext,
			SenderPublicKey: p.box.PublicKey[:],
		},
	}

	record := Message{
		MessageID:         messageID,
		ConnectionAddress: to,
		Direction:         DirectionOutbound,
		Sequence:          seq,
		State:             MessageStateSent,
		Content:           content,
		Attribution:       attribution,
		ThreadID:          opts.ThreadID,
		ReplyTo:           opts.ReplyTo,
		HasReplyTo:        opts.HasReplyTo,
		CreatedAt:         now.UnixMilli(),
	}
	if err := p.messages.Insert(record); err != nil {
		return messageID, err
	}

	if err := p.send.Send(wire.Encode(env)); err != nil {
		return messageID, err
	}
	if err := p.messages.UpdateState(messageID, MessageStateRelayed); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// HandleIncomingEncryptedEnvelope decrypts env, persists the inbound
// message, routes it by autonomy, and replies with a signed delivery
// confirmation (§4.9 Receive).
func (p *Pipeline) HandleIncomingEncryptedEnvelope(env *wire.Envelope) error {
	if env.Encrypted == nil {
		return nil
	}
	conn, ok, err := p.conns.Get(env.FromAddress)
	if err != nil {
		return err
	}
	if !ok || conn.State != StateActive {
		slog.Debug("dropping message from unknown or inactive connection", "from", env.FromAddress)
		return nil
	}

	wasStored := p.consumeFlushCredit()

	if conn.Muted {
		record := Message{
			MessageID:         env.MessageID,
			ConnectionAddress: conn.Address,
			Direction:         DirectionInbound,
			State:             MessageStateDelivered,
			Attribution:       AttributionAgent,
			CreatedAt:         env.Timestamp,
		}
		if err := p.messages.Insert(record); err != nil {
			return err
		}
		if p.activity != nil {
			_, _ = p.activity.Record(activitylog.RecordInput{
				ConnectionAddress: conn.Address,
				EventType:         "muted_delivery",
				ActorPubKey:       p.signing.PublicKey,
				ActionType:        "message_received",
				MessageID:         env.MessageID,
				HasMessageID:      true,
				CreatedAt:         env.Timestamp,
			})
		}
		return p.sendDeliveryConfirm(conn.Address, env.MessageID, MessageStateDelivered, wasStored)
	}

	var nonce [24]byte
	copy(nonce[:], env.Encrypted.Nonce)
	plaintextBytes, err := openCiphertext(env.Encrypted.Ciphertext, nonce, conn.PeerPublicKey, p.box)
	if err != nil {
		slog.Debug("failed to decrypt incoming envelope", "from", env.FromAddress, "error", err)
		return nil
	}

	payload, err := wire.DecodePlaintext(plaintextBytes)
	if err != nil {
		slog.Debug("failed to parse decrypted payload", "from", env.FromAddress, "error", err)
		return nil
	}

	content := payload.Content
	attribution := AttributionAgent
	if payload.ContentType == ContentTypeJSON {
		var attributed attributedContent
		if err := json.Unmarshal(payload.Content, &attributed); err == nil {
			content = []byte(attributed.Text)
			attribution = attributed.Attribution
		}
	}

	route := RouteInbound(conn)

	record := Message{
		MessageID:         env.MessageID,
		ConnectionAddress: conn.Address,
		Direction:         DirectionInbound,
		Sequence:          payload.Sequence,
		State:             route.MessageState,
		Content:           content,
		Attribution:       attribution,
		CreatedAt:         payload.Timestamp,
	}
	if err := p.messages.Insert(record); err != nil {
		return err
	}

	if p.activity != nil {
		eventType := route.EventType
		if eventType == "" {
			eventType = "message_received"
		}
		_, _ = p.activity.Record(activitylog.RecordInput{
			ConnectionAddress: conn.Address,
			EventType:         eventType,
			ActorPubKey:       p.signing.PublicKey,
			ActionType:        "message_received",
			MessageID:         env.MessageID,
			HasMessageID:      true,
			CreatedAt:         payload.Timestamp,
		})
	}

	return p.sendDeliveryConfirm(conn.Address, env.MessageID, route.MessageState, wasStored)
}

// consumeFlushCredit reports whether the envelope currently being
// processed should be attributed to an in-progress reconnect flush, per
// the QueueStatus pending count primed by OnQueueStatus.
func (p *Pipeline) consumeFlushCredit() bool {
	for {
		cur := p.flushDepth.Load()
		if cur <= 0 {
			return false
		}
		if p.flushDepth.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (p *Pipeline) sendDeliveryConfirm(to string, messageID [16]byte, state string, wasStored bool) error {
	now := time.Now().UnixMilli()
	sig := ed25519.Sign(p.signing.PrivateKey, signedConfirmPayload(messageID, now))

	env := &wire.Envelope{
		Version:     1,
		FromAddress: p.address,
		ToAddress:   to,
		Type:        wire.TypeDeliveryConfirm,
		Timestamp:   now,
		DeliveryConfirm: &wire.DeliveryConfirmPayload{
			MessageID: messageID[:],
			Signature: sig,
			Timestamp: now,
			State:     state,
			WasStored: wasStored,
		},
	}
	return p.send.Send(wire.Encode(env))
}

// HandleDeliveryConfirm verifies a peer's signed confirmation and, only
// on success, updates the local message state.
func (p *Pipeline) HandleDeliveryConfirm(env *wire.Envelope) error {
	if env.DeliveryConfirm == nil {
		return nil
	}
	conn, ok, err := p.conns.Get(env.FromAddress)
	if err != nil || !ok {
		return err
	}

	confirm := env.DeliveryConfirm
	payload := signedConfirmPayload(bytesToMessageID(confirm.MessageID), confirm.Timestamp)
	if !ed25519.Verify(conn.PeerPublicKey, payload, confirm.Signature) {
		slog.Debug("dropping unverifiable delivery confirmation", "from", env.FromAddress)
		return nil
	}

	return p.messages.UpdateState(bytesToMessageID(confirm.MessageID), confirm.State)
}

// signedConfirmPayload builds message_id ‖ be_i64(timestamp), the exact
// bytes a DeliveryConfirm signature covers.
func signedConfirmPayload(messageID [16]byte, timestampMs int64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	b := make([]byte, 0, 24)
	b = append(b, messageID[:]...)
	b = append(b, ts[:]...)
	return b
}

func bytesToMessageID(b []byte) [16]byte {
	var id [16]byte
	copy(id[:], b)
	return id
}

// MarkFailed transitions the most recent in-flight outbound message
// (scoped to address when non-empty) to failed, in response to a relay
// rejection (QueueFull, RateLimited). It records the rejection reason on
// the activity log and is a no-op if no matching message is pending.
func (p *Pipeline) MarkFailed(address, reason string) error {
	msg, ok, err := p.messages.MostRecentPendingOutbound(address)
	if err != nil || !ok {
		return err
	}
	if err := p.messages.UpdateState(msg.MessageID, MessageStateFailed); err != nil {
		return err
	}
	if p.activity != nil {
		_, _ = p.activity.Record(activitylog.RecordInput{
			ConnectionAddress: msg.ConnectionAddress,
			EventType:         "message_failed",
			ActorPubKey:       p.signing.PublicKey,
			ActionType:        "message_failed",
			MessageID:         msg.MessageID,
			HasMessageID:      true,
			Details:           reason,
			CreatedAt:         time.Now().UnixMilli(),
		})
	}
	return nil
}
