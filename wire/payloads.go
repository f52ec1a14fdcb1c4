package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncryptedPayload wraps an opaque, encrypted PlaintextPayload.
type EncryptedPayload struct {
	Nonce           []byte
	Ciphertext      []byte
	SenderPublicKey []byte
}

const (
	fEncryptedNonce      protowire.Number = 1
	fEncryptedCiphertext protowire.Number = 2
	fEncryptedSenderPub  protowire.Number = 3
)

func marshalEncrypted(p *EncryptedPayload) []byte {
	var b []byte
	b = appendBytesField(b, fEncryptedNonce, p.Nonce)
	b = appendBytesField(b, fEncryptedCiphertext, p.Ciphertext)
	b = appendBytesField(b, fEncryptedSenderPub, p.SenderPublicKey)
	return b
}

func unmarshalEncrypted(v []byte) (*EncryptedPayload, error) {
	p := &EncryptedPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fEncryptedNonce:
			return consumeBytesInto(&p.Nonce, b)
		case fEncryptedCiphertext:
			return consumeBytesInto(&p.Ciphertext, b)
		case fEncryptedSenderPub:
			return consumeBytesInto(&p.SenderPublicKey, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// HandshakePayload carries the application-level key exchange, layered
// over the relay's auth handshake (distinct concerns: §4.3 vs §4.9).
type HandshakePayload struct {
	Version       int32
	SigningKey    []byte
	EncryptionKey []byte
}

const (
	fHandshakeVersion Type_ = 1
	fHandshakeSigning Type_ = 2
	fHandshakeEncKey  Type_ = 3
)

// Type_ is a local alias to keep these field-number blocks terse; it is
// the same underlying type as protowire.Number.
type Type_ = protowire.Number

func marshalHandshake(p *HandshakePayload) []byte {
	var b []byte
	b = appendVarintField(b, fHandshakeVersion, uint64(uint32(p.Version)))
	b = appendBytesField(b, fHandshakeSigning, p.SigningKey)
	b = appendBytesField(b, fHandshakeEncKey, p.EncryptionKey)
	return b
}

func unmarshalHandshake(v []byte) (*HandshakePayload, error) {
	p := &HandshakePayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fHandshakeVersion:
			return consumeVarintInto(&p.Version, b)
		case fHandshakeSigning:
			return consumeBytesInto(&p.SigningKey, b)
		case fHandshakeEncKey:
			return consumeBytesInto(&p.EncryptionKey, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// PlaintextPayload is the structure sealed inside EncryptedPayload's
// ciphertext; it never travels on the wire unencrypted. Sequence is the
// sender's monotonic per-connection counter; the receiving side records it
// on the stored inbound message.
type PlaintextPayload struct {
	Version     int32
	Sequence    uint64
	Timestamp   int64
	Content     []byte
	ContentType string
}

const (
	fPlaintextVersion     Type_ = 1
	fPlaintextSequence    Type_ = 2
	fPlaintextTimestamp   Type_ = 3
	fPlaintextContent     Type_ = 4
	fPlaintextContentType Type_ = 5
)

func marshalPlaintext(p *PlaintextPayload) []byte {
	var b []byte
	b = appendVarintField(b, fPlaintextVersion, uint64(uint32(p.Version)))
	b = appendVarintField(b, fPlaintextSequence, p.Sequence)
	b = appendVarintField(b, fPlaintextTimestamp, uint64(p.Timestamp))
	b = appendBytesField(b, fPlaintextContent, p.Content)
	b = appendStringField(b, fPlaintextContentType, p.ContentType)
	return b
}

func unmarshalPlaintext(v []byte) (*PlaintextPayload, error) {
	p := &PlaintextPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fPlaintextVersion:
			return consumeVarintInto(&p.Version, b)
		case fPlaintextSequence:
			return consumeUint64Into(&p.Sequence, b)
		case fPlaintextTimestamp:
			return consumeInt64Into(&p.Timestamp, b)
		case fPlaintextContent:
			return consumeBytesInto(&p.Content, b)
		case fPlaintextContentType:
			return consumeStringInto(&p.ContentType, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// EncodePlaintext serializes p for sealing inside an EncryptedPayload.
func EncodePlaintext(p *PlaintextPayload) []byte { return marshalPlaintext(p) }

// DecodePlaintext parses the bytes produced by EncodePlaintext, after
// decryption.
func DecodePlaintext(data []byte) (*PlaintextPayload, error) { return unmarshalPlaintext(data) }

// HeartbeatPayload carries no fields; its presence on the envelope type is
// the entire signal.
type HeartbeatPayload struct{}

func marshalHeartbeat(*HeartbeatPayload) []byte { return nil }

func unmarshalHeartbeat(v []byte) (*HeartbeatPayload, error) {
	p := &HeartbeatPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// AuthChallengePayload is the relay's signed-nonce challenge (§4.3 step 1).
type AuthChallengePayload struct {
	Version     int32
	Nonce       []byte
	IssuedAtMs  int64
	ExpiresAtMs int64
	RelayHost   string
}

const (
	fChallengeVersion Type_ = 1
	fChallengeNonce   Type_ = 2
	fChallengeIssued  Type_ = 3
	fChallengeExpires Type_ = 4
	fChallengeHost    Type_ = 5
)

func marshalAuthChallenge(p *AuthChallengePayload) []byte {
	var b []byte
	b = appendVarintField(b, fChallengeVersion, uint64(uint32(p.Version)))
	b = appendBytesField(b, fChallengeNonce, p.Nonce)
	b = appendVarintField(b, fChallengeIssued, uint64(p.IssuedAtMs))
	b = appendVarintField(b, fChallengeExpires, uint64(p.ExpiresAtMs))
	b = appendStringField(b, fChallengeHost, p.RelayHost)
	return b
}

func unmarshalAuthChallenge(v []byte) (*AuthChallengePayload, error) {
	p := &AuthChallengePayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fChallengeVersion:
			return consumeVarintInto(&p.Version, b)
		case fChallengeNonce:
			return consumeBytesInto(&p.Nonce, b)
		case fChallengeIssued:
			return consumeInt64Into(&p.IssuedAtMs, b)
		case fChallengeExpires:
			return consumeInt64Into(&p.ExpiresAtMs, b)
		case fChallengeHost:
			return consumeStringInto(&p.RelayHost, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// AuthResponsePayload answers the challenge (§4.3 step 2).
type AuthResponsePayload struct {
	Version   int32
	PublicKey []byte
	Signature []byte
	Nonce     []byte
}

const (
	fResponseVersion Type_ = 1
	fResponsePubKey  Type_ = 2
	fResponseSig     Type_ = 3
	fResponseNonce   Type_ = 4
)

func marshalAuthResponse(p *AuthResponsePayload) []byte {
	var b []byte
	b = appendVarintField(b, fResponseVersion, uint64(uint32(p.Version)))
	b = appendBytesField(b, fResponsePubKey, p.PublicKey)
	b = appendBytesField(b, fResponseSig, p.Signature)
	b = appendBytesField(b, fResponseNonce, p.Nonce)
	return b
}

func unmarshalAuthResponse(v []byte) (*AuthResponsePayload, error) {
	p := &AuthResponsePayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fResponseVersion:
			return consumeVarintInto(&p.Version, b)
		case fResponsePubKey:
			return consumeBytesInto(&p.PublicKey, b)
		case fResponseSig:
			return consumeBytesInto(&p.Signature, b)
		case fResponseNonce:
			return consumeBytesInto(&p.Nonce, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// AuthResultPayload concludes the handshake (§4.3 step 4, or a failure).
type AuthResultPayload struct {
	Success         bool
	AssignedAddress string
	ErrorMessage    string
}

const (
	fResultSuccess Type_ = 1
	fResultAddress Type_ = 2
	fResultError   Type_ = 3
)

func marshalAuthResult(p *AuthResultPayload) []byte {
	var b []byte
	b = appendBoolField(b, fResultSuccess, p.Success)
	b = appendStringField(b, fResultAddress, p.AssignedAddress)
	b = appendStringField(b, fResultError, p.ErrorMessage)
	return b
}

func unmarshalAuthResult(v []byte) (*AuthResultPayload, error) {
	p := &AuthResultPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fResultSuccess:
			return consumeBoolInto(&p.Success, b)
		case fResultAddress:
			return consumeStringInto(&p.AssignedAddress, b)
		case fResultError:
			return consumeStringInto(&p.ErrorMessage, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// ConnectionRequestPayload proposes an application-level connection.
type ConnectionRequestPayload struct {
	IntroMessage string
}

const fConnReqIntro Type_ = 1

func marshalConnectionRequest(p *ConnectionRequestPayload) []byte {
	return appendStringField(nil, fConnReqIntro, p.IntroMessage)
}

func unmarshalConnectionRequest(v []byte) (*ConnectionRequestPayload, error) {
	p := &ConnectionRequestPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fConnReqIntro:
			return consumeStringInto(&p.IntroMessage, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// ConnectionResponsePayload answers a ConnectionRequest.
type ConnectionResponsePayload struct {
	Accept bool
	Reason string
}

const (
	fConnRespAccept Type_ = 1
	fConnRespReason Type_ = 2
)

func marshalConnectionResponse(p *ConnectionResponsePayload) []byte {
	var b []byte
	b = appendBoolField(b, fConnRespAccept, p.Accept)
	b = appendStringField(b, fConnRespReason, p.Reason)
	return b
}

func unmarshalConnectionResponse(v []byte) (*ConnectionResponsePayload, error) {
	p := &ConnectionResponsePayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fConnRespAccept:
			return consumeBoolInto(&p.Accept, b)
		case fConnRespReason:
			return consumeStringInto(&p.Reason, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// ConnectionRevokePayload ends an established connection.
type ConnectionRevokePayload struct {
	Reason string
}

const fConnRevokeReason Type_ = 1

func marshalConnectionRevoke(p *ConnectionRevokePayload) []byte {
	return appendStringField(nil, fConnRevokeReason, p.Reason)
}

func unmarshalConnectionRevoke(v []byte) (*ConnectionRevokePayload, error) {
	p := &ConnectionRevokePayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fConnRevokeReason:
			return consumeStringInto(&p.Reason, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// BlockNotificationPayload asks the relay to record a block (§4.4 step 5).
type BlockNotificationPayload struct {
	BlockedAddress string
}

const fBlockAddress Type_ = 1

func marshalBlockNotification(p *BlockNotificationPayload) []byte {
	return appendStringField(nil, fBlockAddress, p.BlockedAddress)
}

func unmarshalBlockNotification(v []byte) (*BlockNotificationPayload, error) {
	p := &BlockNotificationPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fBlockAddress:
			return consumeStringInto(&p.BlockedAddress, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// UnblockNotificationPayload asks the relay to remove a block.
type UnblockNotificationPayload struct {
	UnblockedAddress string
}

const fUnblockAddress Type_ = 1

func marshalUnblockNotification(p *UnblockNotificationPayload) []byte {
	return appendStringField(nil, fUnblockAddress, p.UnblockedAddress)
}

func unmarshalUnblockNotification(v []byte) (*UnblockNotificationPayload, error) {
	p := &UnblockNotificationPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fUnblockAddress:
			return consumeStringInto(&p.UnblockedAddress, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// DeliveryConfirmPayload is signed over MessageID ‖ be_i64(Timestamp):
// 24 bytes, with no domain-separation prefix.
type DeliveryConfirmPayload struct {
	MessageID []byte
	Signature []byte
	Timestamp int64
	State     string
	WasStored bool
}

const (
	fConfirmMessageID Type_ = 1
	fConfirmSignature Type_ = 2
	fConfirmTimestamp Type_ = 3
	fConfirmState     Type_ = 4
	fConfirmStored    Type_ = 5
)

func marshalDeliveryConfirm(p *DeliveryConfirmPayload) []byte {
	var b []byte
	b = appendBytesField(b, fConfirmMessageID, p.MessageID)
	b = appendBytesField(b, fConfirmSignature, p.Signature)
	b = appendVarintField(b, fConfirmTimestamp, uint64(p.Timestamp))
	b = appendStringField(b, fConfirmState, p.State)
	b = appendBoolField(b, fConfirmStored, p.WasStored)
	return b
}

func unmarshalDeliveryConfirm(v []byte) (*DeliveryConfirmPayload, error) {
	p := &DeliveryConfirmPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fConfirmMessageID:
			return consumeBytesInto(&p.MessageID, b)
		case fConfirmSignature:
			return consumeBytesInto(&p.Signature, b)
		case fConfirmTimestamp:
			return consumeInt64Into(&p.Timestamp, b)
		case fConfirmState:
			return consumeStringInto(&p.State, b)
		case fConfirmStored:
			return consumeBoolInto(&p.WasStored, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// QueueStatusPayload tells a just-reconnected client how much backlog is
// about to be flushed (§4.6 step 1).
type QueueStatusPayload struct {
	PendingCount int64
}

const fQueueStatusCount Type_ = 1

func marshalQueueStatus(p *QueueStatusPayload) []byte {
	return appendVarintField(nil, fQueueStatusCount, uint64(p.PendingCount))
}

func unmarshalQueueStatus(v []byte) (*QueueStatusPayload, error) {
	p := &QueueStatusPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fQueueStatusCount:
			return consumeInt64Into(&p.PendingCount, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// QueueFullPayload signals a rejected enqueue (§4.5 invariant).
type QueueFullPayload struct {
	RecipientAddress string
	Reason           string
}

const (
	fQueueFullAddress Type_ = 1
	fQueueFullReason  Type_ = 2
)

func marshalQueueFull(p *QueueFullPayload) []byte {
	var b []byte
	b = appendStringField(b, fQueueFullAddress, p.RecipientAddress)
	b = appendStringField(b, fQueueFullReason, p.Reason)
	return b
}

func unmarshalQueueFull(v []byte) (*QueueFullPayload, error) {
	p := &QueueFullPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fQueueFullAddress:
			return consumeStringInto(&p.RecipientAddress, b)
		case fQueueFullReason:
			return consumeStringInto(&p.Reason, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// RateLimitedPayload signals a rejected send (§4.7).
type RateLimitedPayload struct {
	RetryAfterMs int64
	Reason       string
}

const (
	fRateLimitRetry  Type_ = 1
	fRateLimitReason Type_ = 2
)

func marshalRateLimited(p *RateLimitedPayload) []byte {
	var b []byte
	b = appendVarintField(b, fRateLimitRetry, uint64(p.RetryAfterMs))
	b = appendStringField(b, fRateLimitReason, p.Reason)
	return b
}

func unmarshalRateLimited(v []byte) (*RateLimitedPayload, error) {
	p := &RateLimitedPayload{}
	return p, walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fRateLimitRetry:
			return consumeInt64Into(&p.RetryAfterMs, b)
		case fRateLimitReason:
			return consumeStringInto(&p.Reason, b)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// --- shared field encode/decode helpers ---

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walkFields iterates the length-delimited field stream in v, calling fn
// for every (number, type, remaining-bytes) tuple; fn returns how many
// bytes of the value it consumed (or a negative protowire error code).
func walkFields(v []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	b := v
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: sub-message tag", ErrMalformedField)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: sub-message field %d", ErrMalformedField, num)
		}
		b = b[n:]
	}
	return nil
}

func consumeBytesInto(dst *[]byte, b []byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeStringInto(dst *string, b []byte) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, nil
	}
	*dst = v
	return n, nil
}

func consumeVarintInto(dst *int32, b []byte) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = int32(uint32(v))
	return n, nil
}

func consumeInt64Into(dst *int64, b []byte) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = int64(v)
	return n, nil
}

func consumeUint64Into(dst *uint64, b []byte) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = v
	return n, nil
}

func consumeBoolInto(dst *bool, b []byte) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = v != 0
	return n, nil
}
