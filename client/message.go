package client

// Direction is which way a message record travelled.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message states, in the order an outbound message passes through them:
// Sent (persisted locally, handed to the pipeline), Relayed (accepted by
// the transport write), then Delivered or, once an inbound message has
// been routed by autonomy, ReadByAgent/EscalatedToHuman; Failed marks an
// outbound message the relay rejected outright (QueueFull, RateLimited).
const (
	MessageStateSent           = "sent"
	MessageStateRelayed        = "relayed"
	MessageStateDelivered      = "delivered"
	MessageStateReadByAgent    = "read_by_agent"
	MessageStateEscalatedHuman = "escalated_to_human"
	MessageStateFailed         = "failed"
)

// Attribution distinguishes machine- from human-authored content inside
// an application/x-pinch+json payload.
const (
	AttributionAgent = "agent"
	AttributionHuman = "human"
)

// ContentTypeJSON marks a PlaintextPayload whose content is a JSON
// {text, attribution} envelope rather than opaque bytes.
const ContentTypeJSON = "application/x-pinch+json"

// Message is the client-side record of one sent or received message.
type Message struct {
	MessageID         [16]byte
	ConnectionAddress string
	Direction         Direction
	Sequence          uint64
	State             string
	Content           []byte
	Attribution       string
	ThreadID          string
	ReplyTo           [16]byte
	HasReplyTo        bool
	CreatedAt         int64
}
