package wire

import (
	"bytes"
	"testing"
)

func sampleMessageID() [16]byte {
	var id [16]byte
	for i := range id {
		id[i] = byte(i + 1)
	}
	return id
}

func TestEnvelopeRoundTripEncrypted(t *testing.T) {
	pub := bytes.Repeat([]byte{0xAB}, 32)
	nonce := bytes.Repeat([]byte{0x11}, 24)
	original := &Envelope{
		Version:     1,
		FromAddress: "pinch:abc@relay.example.com",
		ToAddress:   "pinch:def@relay.example.com",
		Type:        TypeMessage,
		MessageID:   sampleMessageID(),
		Timestamp:   1234567890,
		Encrypted: &EncryptedPayload{
			Nonce:           nonce,
			Ciphertext:      []byte("encrypted-data-here"),
			SenderPublicKey: pub,
		},
	}

	data := Encode(original)
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Version != original.Version {
		t.Errorf("version: got %d want %d", decoded.Version, original.Version)
	}
	if decoded.FromAddress != original.FromAddress {
		t.Errorf("from_address: got %q want %q", decoded.FromAddress, original.FromAddress)
	}
	if decoded.ToAddress != original.ToAddress {
		t.Errorf("to_address: got %q want %q", decoded.ToAddress, original.ToAddress)
	}
	if decoded.Type != original.Type {
		t.Errorf("type: got %d want %d", decoded.Type, original.Type)
	}
	if decoded.MessageID != original.MessageID {
		t.Errorf("message_id mismatch")
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("timestamp: got %d want %d", decoded.Timestamp, original.Timestamp)
	}
	if decoded.Encrypted == nil {
		t.Fatal("expected Encrypted payload")
	}
	if !bytes.Equal(decoded.Encrypted.Nonce, nonce) {
		t.Errorf("nonce mismatch")
	}
	if string(decoded.Encrypted.Ciphertext) != "encrypted-data-here" {
		t.Errorf("ciphertext mismatch")
	}
	if !bytes.Equal(decoded.Encrypted.SenderPublicKey, pub) {
		t.Errorf("sender_public_key mismatch")
	}

	// Re-encoding the decoded envelope must reproduce the same bytes.
	if again := Encode(decoded); !bytes.Equal(again, data) {
		t.Errorf("re-encode mismatch: got %x want %x", again, data)
	}
}

func TestEnvelopeRoundTripAllPayloadVariants(t *testing.T) {
	cases := []*Envelope{
		{Type: TypeHandshake, Handshake: &HandshakePayload{Version: 1, SigningKey: bytes.Repeat([]byte{1}, 32), EncryptionKey: bytes.Repeat([]byte{2}, 32)}},
		{Type: TypeHeartbeat, Heartbeat: &HeartbeatPayload{}},
		{Type: TypeAuthChallenge, AuthChallenge: &AuthChallengePayload{Version: 1, Nonce: bytes.Repeat([]byte{3}, 32), IssuedAtMs: 100, ExpiresAtMs: 10100, RelayHost: "relay.example.com"}},
		{Type: TypeAuthResponse, AuthResponse: &AuthResponsePayload{Version: 1, PublicKey: bytes.Repeat([]byte{4}, 32), Signature: bytes.Repeat([]byte{5}, 64), Nonce: bytes.Repeat([]byte{3}, 32)}},
		{Type: TypeAuthResult, AuthResult: &AuthResultPayload{Success: true, AssignedAddress: "pinch:xyz@relay"}},
		{Type: TypeConnectionRequest, ConnectionRequest: &ConnectionRequestPayload{IntroMessage: "hi"}},
		{Type: TypeConnectionResponse, ConnectionResponse: &ConnectionResponsePayload{Accept: true}},
		{Type: TypeConnectionRevoke, ConnectionRevoke: &ConnectionRevokePayload{Reason: "done"}},
		{Type: TypeBlockNotification, BlockNotification: &BlockNotificationPayload{BlockedAddress: "pinch:a@r"}},
		{Type: TypeUnblockNotification, UnblockNotification: &UnblockNotificationPayload{UnblockedAddress: "pinch:a@r"}},
		{Type: TypeDeliveryConfirm, DeliveryConfirm: &DeliveryConfirmPayload{MessageID: sampleMessageID_slice(), Signature: bytes.Repeat([]byte{9}, 64), Timestamp: 42, State: "delivered", WasStored: true}},
		{Type: TypeQueueStatus, QueueStatus: &QueueStatusPayload{PendingCount: 3}},
		{Type: TypeQueueFull, QueueFull: &QueueFullPayload{RecipientAddress: "pinch:b@r", Reason: "full"}},
		{Type: TypeRateLimited, RateLimited: &RateLimitedPayload{RetryAfterMs: 1000, Reason: "burst"}},
	}

	for _, orig := range cases {
		data := Encode(orig)
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("type %d: decode: %v", orig.Type, err)
		}
		if decoded.Type != orig.Type {
			t.Errorf("type mismatch: got %d want %d", decoded.Type, orig.Type)
		}
		again := Encode(decoded)
		if !bytes.Equal(again, data) {
			t.Errorf("type %d: re-encode mismatch", orig.Type)
		}
	}
}

func sampleMessageID_slice() []byte {
	id := sampleMessageID()
	return id[:]
}

func TestDecodeRejectsOversizedEnvelope(t *testing.T) {
	big := make([]byte, MaxEnvelopeSize+1)
	if _, err := Decode(big); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestPlaintextPayloadRoundTrip(t *testing.T) {
	original := &PlaintextPayload{
		Version:     1,
		Sequence:    9999999999,
		Timestamp:   1700000000123,
		Content:     []byte("hello, peer"),
		ContentType: "text/plain",
	}

	data := EncodePlaintext(original)
	decoded, err := DecodePlaintext(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Sequence != original.Sequence {
		t.Errorf("sequence: got %d want %d", decoded.Sequence, original.Sequence)
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("timestamp: got %d want %d", decoded.Timestamp, original.Timestamp)
	}
	if !bytes.Equal(decoded.Content, original.Content) {
		t.Errorf("content: got %q want %q", decoded.Content, original.Content)
	}
	if decoded.ContentType != original.ContentType {
		t.Errorf("content_type: got %q want %q", decoded.ContentType, original.ContentType)
	}
}

func TestNewMessageIDIsTimeOrdered(t *testing.T) {
	earlier := NewMessageID(1000)
	later := NewMessageID(2000)
	if bytes.Compare(earlier[:6], later[:6]) >= 0 {
		t.Errorf("expected earlier timestamp prefix to sort first: %x vs %x", earlier[:6], later[:6])
	}
}

func TestUnknownPayloadVariantRoundTrips(t *testing.T) {
	// Simulate a future protocol version adding a new oneof tag (25) by
	// hand-crafting a tag+bytes field the current decoder doesn't know.
	var b []byte
	b = appendVarintField(b, fieldVersion, 1)
	b = appendVarintField(b, fieldType, 4)
	id := sampleMessageID()
	b = appendBytesField(b, fieldMessageID, id[:])
	b = appendBytesField(b, 25, []byte("future-payload"))

	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	again := Encode(decoded)
	if !bytes.Equal(again, b) {
		t.Errorf("unknown payload variant did not round-trip: got %x want %x", again, b)
	}
}
