package client

import (
	"bytes"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pinch-protocol/pinch-sub002/client/activitylog"
	"github.com/pinch-protocol/pinch-sub002/identity"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// capturingSender records every envelope handed to it and forwards
// delivery to an optional peer, modelling a single relay hop in-process.
type capturingSender struct {
	sent [][]byte
	peer *Pipeline
}

func (s *capturingSender) Send(envelope []byte) error {
	s.sent = append(s.sent, envelope)
	return nil
}

func newTestPipeline(t *testing.T, address string) (*Pipeline, *capturingSender, identity.Keypair) {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	box, err := identity.DeriveEncryptionKeypair(kp)
	if err != nil {
		t.Fatalf("derive box keypair: %v", err)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	conns, err := NewConnectionStore(db)
	if err != nil {
		t.Fatalf("new connection store: %v", err)
	}
	messages, err := NewMessageStore(db)
	if err != nil {
		t.Fatalf("new message store: %v", err)
	}
	activity, err := activitylog.New(db)
	if err != nil {
		t.Fatalf("new activity log: %v", err)
	}

	sender := &capturingSender{}
	return NewPipeline(address, kp, box, conns, messages, activity, sender), sender, kp
}

func TestSendMessageEncryptsAndPersists(t *testing.T) {
	alice, aliceSend, _ := newTestPipeline(t, "pinch:alice@relay")
	_, _, bobKey := newTestPipeline(t, "pinch:bob@relay")

	if err := alice.conns.Upsert(Connection{
		Address: "pinch:bob@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, PeerPublicKey: bobKey.PublicKey,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	id, err := alice.SendMessage("pinch:bob@relay", []byte("hi bob"), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(aliceSend.sent) != 1 {
		t.Fatalf("expected one envelope sent, got %d", len(aliceSend.sent))
	}

	env, err := wire.Decode(aliceSend.sent[0])
	if err != nil {
		t.Fatalf("decode sent envelope: %v", err)
	}
	if env.Type != wire.TypeMessage || env.Encrypted == nil {
		t.Fatalf("expected an encrypted Message envelope")
	}
	if bytes.Equal(env.Encrypted.Ciphertext, []byte("hi bob")) {
		t.Fatal("plaintext content leaked into the wire envelope")
	}

	msg, ok, err := alice.messages.Get(id)
	if err != nil || !ok {
		t.Fatalf("expected outbound message persisted: ok=%v err=%v", ok, err)
	}
	if msg.State != MessageStateRelayed {
		t.Errorf("expected state %q once the send succeeds, got %q", MessageStateRelayed, msg.State)
	}
}

func TestSendMessageRejectsInactiveConnection(t *testing.T) {
	alice, _, _ := newTestPipeline(t, "pinch:alice@relay")
	if err := alice.conns.Upsert(Connection{Address: "pinch:bob@relay", State: StatePendingOutbound, AutonomyLevel: AutonomyFullAuto}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := alice.SendMessage("pinch:bob@relay", []byte("hi"), SendOptions{}); err == nil {
		t.Fatal("expected an error sending to a non-active connection")
	}
}

// TestEndToEndSendReceiveConfirm exercises the full loop without a relay:
// Alice sends, Bob decrypts and routes it, Bob confirms, Alice verifies.
func TestEndToEndSendReceiveConfirm(t *testing.T) {
	alice, aliceSend, aliceKey := newTestPipeline(t, "pinch:alice@relay")
	bob, bobSend, bobKey := newTestPipeline(t, "pinch:bob@relay")

	if err := alice.conns.Upsert(Connection{Address: "pinch:bob@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, PeerPublicKey: bobKey.PublicKey}); err != nil {
		t.Fatalf("alice upsert: %v", err)
	}
	if err := bob.conns.Upsert(Connection{Address: "pinch:alice@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, PeerPublicKey: aliceKey.PublicKey}); err != nil {
		t.Fatalf("bob upsert: %v", err)
	}

	msgID, err := alice.SendMessage("pinch:bob@relay", []byte("hello"), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	env, err := wire.Decode(aliceSend.sent[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := bob.HandleIncomingEncryptedEnvelope(env); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	bobMsg, ok, err := bob.messages.Get(msgID)
	if err != nil || !ok {
		t.Fatalf("expected bob to persist inbound message: ok=%v err=%v", ok, err)
	}
	if string(bobMsg.Content) != "hello" {
		t.Errorf("decrypted content mismatch: got %q", bobMsg.Content)
	}
	if bobMsg.State != MessageStateReadByAgent {
		t.Errorf("expected full_auto routing to read_by_agent, got %q", bobMsg.State)
	}

	if len(bobSend.sent) != 1 {
		t.Fatalf("expected bob to send a delivery confirmation, got %d sends", len(bobSend.sent))
	}
	confirmEnv, err := wire.Decode(bobSend.sent[0])
	if err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if err := alice.HandleDeliveryConfirm(confirmEnv); err != nil {
		t.Fatalf("handle delivery confirm: %v", err)
	}

	aliceMsg, ok, err := alice.messages.Get(msgID)
	if err != nil || !ok {
		t.Fatalf("expected alice message present: ok=%v err=%v", ok, err)
	}
	if aliceMsg.State != MessageStateReadByAgent {
		t.Errorf("expected confirmed state read_by_agent, got %q", aliceMsg.State)
	}
}

func TestHandleDeliveryConfirmDropsBadSignature(t *testing.T) {
	alice, _, _ := newTestPipeline(t, "pinch:alice@relay")
	_, _, bobKey := newTestPipeline(t, "pinch:bob@relay")
	if err := alice.conns.Upsert(Connection{Address: "pinch:bob@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, PeerPublicKey: bobKey.PublicKey}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	msgID, err := alice.SendMessage("pinch:bob@relay", []byte("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	forged := &wire.Envelope{
		Version: 1, FromAddress: "pinch:bob@relay", Type: wire.TypeDeliveryConfirm,
		DeliveryConfirm: &wire.DeliveryConfirmPayload{
			MessageID: msgID[:], Timestamp: time.Now().UnixMilli(), State: MessageStateReadByAgent,
			Signature: bytes.Repeat([]byte{0xFF}, 64),
		},
	}
	if err := alice.HandleDeliveryConfirm(forged); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msg, _, _ := alice.messages.Get(msgID)
	if msg.State != MessageStateRelayed {
		t.Errorf("forged confirmation must not change state: got %q", msg.State)
	}
}

func TestMutedConnectionSkipsDecryptionButStillConfirms(t *testing.T) {
	alice, aliceSend, _ := newTestPipeline(t, "pinch:alice@relay")
	bob, bobSend, bobKey := newTestPipeline(t, "pinch:bob@relay")
	_ = bobKey

	aliceKeyForBob, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := alice.conns.Upsert(Connection{Address: "pinch:bob@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, PeerPublicKey: aliceKeyForBob.PublicKey}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := bob.conns.Upsert(Connection{Address: "pinch:alice@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, Muted: true, PeerPublicKey: aliceKeyForBob.PublicKey}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msgID, err := alice.SendMessage("pinch:bob@relay", []byte("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	env, _ := wire.Decode(aliceSend.sent[0])
	if err := bob.HandleIncomingEncryptedEnvelope(env); err != nil {
		t.Fatalf("handle incoming on muted connection: %v", err)
	}

	msg, ok, err := bob.messages.Get(msgID)
	if err != nil || !ok {
		t.Fatalf("expected a delivered record even when muted: ok=%v err=%v", ok, err)
	}
	if msg.State != MessageStateDelivered {
		t.Errorf("expected state delivered for muted connection, got %q", msg.State)
	}
	if len(msg.Content) != 0 {
		t.Errorf("muted connection must not decrypt content, got %q", msg.Content)
	}
	if len(bobSend.sent) != 1 {
		t.Fatalf("expected a delivery confirmation even while muted")
	}
}
