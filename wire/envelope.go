// Package wire implements the Pinch envelope wire codec: a hand-written,
// protocol-buffer-style tagged encoding built directly on
// google.golang.org/protobuf/encoding/protowire. There is no .proto
// schema compiled into this tree; the field numbers below are the
// schema, and they are wire-stable — never renumber them.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxEnvelopeSize is the application-layer cap on a serialized envelope.
// The transport read limit is set to 2x this so an oversized envelope is
// silently dropped at the application layer instead of tearing down the
// connection.
const MaxEnvelopeSize = 65536

// Type is the Envelope.type enum. Values are wire-stable.
type Type int32

const (
	TypeUnspecified         Type = 0
	TypeHandshake           Type = 1
	TypeAuthChallenge       Type = 2
	TypeAuthResponse        Type = 3
	TypeMessage             Type = 4
	TypeDeliveryConfirm     Type = 5
	TypeConnectionRequest   Type = 6
	TypeConnectionResponse  Type = 7
	TypeHeartbeat           Type = 8
	TypeAuthResult          Type = 9
	TypeConnectionRevoke    Type = 10
	TypeBlockNotification   Type = 11
	TypeUnblockNotification Type = 12
	TypeQueueStatus         Type = 13
	TypeQueueFull           Type = 14
	TypeRateLimited         Type = 15
)

// Envelope field numbers.
const (
	fieldVersion     protowire.Number = 1
	fieldFromAddress protowire.Number = 2
	fieldToAddress   protowire.Number = 3
	fieldType        protowire.Number = 4
	fieldMessageID   protowire.Number = 5
	fieldTimestamp   protowire.Number = 6
)

// Payload oneof tags. Wire-stable per the shared schema.
const (
	payloadEncrypted           protowire.Number = 10
	payloadHandshake           protowire.Number = 11
	payloadHeartbeat           protowire.Number = 12
	payloadAuthChallenge       protowire.Number = 13
	payloadAuthResponse        protowire.Number = 14
	payloadAuthResult          protowire.Number = 15
	payloadConnectionRequest   protowire.Number = 16
	payloadConnectionResponse  protowire.Number = 17
	payloadConnectionRevoke    protowire.Number = 18
	payloadBlockNotification   protowire.Number = 19
	payloadUnblockNotification protowire.Number = 20
	payloadDeliveryConfirm     protowire.Number = 21
	payloadQueueStatus         protowire.Number = 22
	payloadQueueFull           protowire.Number = 23
	payloadRateLimited         protowire.Number = 24
)

var (
	ErrTruncated      = errors.New("wire: truncated envelope")
	ErrTooLarge       = errors.New("wire: envelope exceeds max size")
	ErrMalformedField = errors.New("wire: malformed field")
)

// Envelope is the outer wire message. Exactly one payload field should be
// set on encode; Decode populates at most one. The unknown field preserves a
// payload variant this build doesn't recognize (a future oneof tag) so
// Encode(Decode(b)) == b even across protocol versions.
type Envelope struct {
	Version     int32
	FromAddress string
	ToAddress   string
	Type        Type
	MessageID   [16]byte
	Timestamp   int64

	Encrypted           *EncryptedPayload
	Handshake           *HandshakePayload
	Heartbeat           *HeartbeatPayload
	AuthChallenge       *AuthChallengePayload
	AuthResponse        *AuthResponsePayload
	AuthResult          *AuthResultPayload
	ConnectionRequest   *ConnectionRequestPayload
	ConnectionResponse  *ConnectionResponsePayload
	ConnectionRevoke    *ConnectionRevokePayload
	BlockNotification   *BlockNotificationPayload
	UnblockNotification *UnblockNotificationPayload
	DeliveryConfirm     *DeliveryConfirmPayload
	QueueStatus         *QueueStatusPayload
	QueueFull           *QueueFullPayload
	RateLimited         *RateLimitedPayload

	// unknown holds raw tag+value bytes for any top-level field (including
	// a not-yet-understood payload oneof tag) this decoder didn't
	// recognize, verbatim, so they survive a decode/encode round trip.
	unknown [][]byte
}

// Encode serializes e into the wire format. Zero-valued scalar fields are
// omitted, as in protocol buffers, so an absent field re-encodes as absent.
func Encode(e *Envelope) []byte {
	var b []byte
	if e.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(e.Version)))
	}

	if e.FromAddress != "" {
		b = protowire.AppendTag(b, fieldFromAddress, protowire.BytesType)
		b = protowire.AppendString(b, e.FromAddress)
	}
	if e.ToAddress != "" {
		b = protowire.AppendTag(b, fieldToAddress, protowire.BytesType)
		b = protowire.AppendString(b, e.ToAddress)
	}
	if e.Type != TypeUnspecified {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(e.Type)))
	}
	if e.MessageID != ([16]byte{}) {
		b = protowire.AppendTag(b, fieldMessageID, protowire.BytesType)
		b = protowire.AppendBytes(b, e.MessageID[:])
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}

	switch {
	case e.Encrypted != nil:
		b = appendSubmessage(b, payloadEncrypted, marshalEncrypted(e.Encrypted))
	case e.Handshake != nil:
		b = appendSubmessage(b, payloadHandshake, marshalHandshake(e.Handshake))
	case e.Heartbeat != nil:
		b = appendSubmessage(b, payloadHeartbeat, marshalHeartbeat(e.Heartbeat))
	case e.AuthChallenge != nil:
		b = appendSubmessage(b, payloadAuthChallenge, marshalAuthChallenge(e.AuthChallenge))
	case e.AuthResponse != nil:
		b = appendSubmessage(b, payloadAuthResponse, marshalAuthResponse(e.AuthResponse))
	case e.AuthResult != nil:
		b = appendSubmessage(b, payloadAuthResult, marshalAuthResult(e.AuthResult))
	case e.ConnectionRequest != nil:
		b = appendSubmessage(b, payloadConnectionRequest, marshalConnectionRequest(e.ConnectionRequest))
	case e.ConnectionResponse != nil:
		b = appendSubmessage(b, payloadConnectionResponse, marshalConnectionResponse(e.ConnectionResponse))
	case e.ConnectionRevoke != nil:
		b = appendSubmessage(b, payloadConnectionRevoke, marshalConnectionRevoke(e.ConnectionRevoke))
	case e.BlockNotification != nil:
		b = appendSubmessage(b, payloadBlockNotification, marshalBlockNotification(e.BlockNotification))
	case e.UnblockNotification != nil:
		b = appendSubmessage(b, payloadUnblockNotification, marshalUnblockNotification(e.UnblockNotification))
	case e.DeliveryConfirm != nil:
		b = appendSubmessage(b, payloadDeliveryConfirm, marshalDeliveryConfirm(e.DeliveryConfirm))
	case e.QueueStatus != nil:
		b = appendSubmessage(b, payloadQueueStatus, marshalQueueStatus(e.QueueStatus))
	case e.QueueFull != nil:
		b = appendSubmessage(b, payloadQueueFull, marshalQueueFull(e.QueueFull))
	case e.RateLimited != nil:
		b = appendSubmessage(b, payloadRateLimited, marshalRateLimited(e.RateLimited))
	}

	for _, raw := range e.unknown {
		b = append(b, raw...)
	}
	return b
}

func appendSubmessage(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// Decode parses a wire-format envelope. Decoding enforces only
// well-formedness, not semantic validity; callers apply their own checks.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, ErrTooLarge
	}
	e := &Envelope{}
	b := data
	for len(b) > 0 {
		fieldStart := len(data) - len(b)
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformedField, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version", ErrMalformedField)
			}
			e.Version = int32(uint32(v))
			b = b[n:]
		case fieldFromAddress:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: from_address", ErrMalformedField)
			}
			e.FromAddress = v
			b = b[n:]
		case fieldToAddress:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: to_address", ErrMalformedField)
			}
			e.ToAddress = v
			b = b[n:]
		case fieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: type", ErrMalformedField)
			}
			e.Type = Type(int32(uint32(v)))
			b = b[n:]
		case fieldMessageID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: message_id", ErrMalformedField)
			}
			copy(e.MessageID[:], v)
			b = b[n:]
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: timestamp", ErrMalformedField)
			}
			e.Timestamp = int64(v)
			b = b[n:]
		case payloadEncrypted, payloadHandshake, payloadHeartbeat, payloadAuthChallenge,
			payloadAuthResponse, payloadAuthResult, payloadConnectionRequest,
			payloadConnectionResponse, payloadConnectionRevoke, payloadBlockNotification,
			payloadUnblockNotification, payloadDeliveryConfirm, payloadQueueStatus,
			payloadQueueFull, payloadRateLimited:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload tag %d", ErrMalformedField, num)
			}
			if err := decodePayload(e, num, v); err != nil {
				return nil, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: unknown field %d", ErrMalformedField, num)
			}
			b = b[n:]
		}

		if num < fieldVersion || (num > fieldTimestamp && num < payloadEncrypted) || num > payloadRateLimited {
			fieldEnd := len(data) - len(b)
			raw := make([]byte, fieldEnd-fieldStart)
			copy(raw, data[fieldStart:fieldEnd])
			e.unknown = append(e.unknown, raw)
		}
	}
	return e, nil
}

func decodePayload(e *Envelope, num protowire.Number, v []byte) error {
	var err error
	switch num {
	case payloadEncrypted:
		e.Encrypted, err = unmarshalEncrypted(v)
	case payloadHandshake:
		e.Handshake, err = unmarshalHandshake(v)
	case payloadHeartbeat:
		e.Heartbeat, err = unmarshalHeartbeat(v)
	case payloadAuthChallenge:
		e.AuthChallenge, err = unmarshalAuthChallenge(v)
	case payloadAuthResponse:
		e.AuthResponse, err = unmarshalAuthResponse(v)
	case payloadAuthResult:
		e.AuthResult, err = unmarshalAuthResult(v)
	case payloadConnectionRequest:
		e.ConnectionRequest, err = unmarshalConnectionRequest(v)
	case payloadConnectionResponse:
		e.ConnectionResponse, err = unmarshalConnectionResponse(v)
	case payloadConnectionRevoke:
		e.ConnectionRevoke, err = unmarshalConnectionRevoke(v)
	case payloadBlockNotification:
		e.BlockNotification, err = unmarshalBlockNotification(v)
	case payloadUnblockNotification:
		e.UnblockNotification, err = unmarshalUnblockNotification(v)
	case payloadDeliveryConfirm:
		e.DeliveryConfirm, err = unmarshalDeliveryConfirm(v)
	case payloadQueueStatus:
		e.QueueStatus, err = unmarshalQueueStatus(v)
	case payloadQueueFull:
		e.QueueFull, err = unmarshalQueueFull(v)
	case payloadRateLimited:
		e.RateLimited, err = unmarshalRateLimited(v)
	}
	return err
}
