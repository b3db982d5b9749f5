package protocol

import "github.com/google/uuid"

// OperationType tags the purpose of a StreamMessage, per spec.md §3.
type OperationType int

const (
	// OperationHandshake carries UKEY2-style key-exchange and reconnect-proof bytes. Never
	// encrypted by MessageStream.
	OperationHandshake OperationType = iota
	// OperationClientMessage carries an application payload with no response expected.
	OperationClientMessage
	// OperationQuery carries an application request that expects exactly one OperationQueryResponse.
	OperationQuery
	// OperationQueryResponse carries the reply to a previously received OperationQuery.
	OperationQueryResponse
)

func (o OperationType) String() string {
	switch o {
	case OperationHandshake:
		return "HANDSHAKE"
	case OperationClientMessage:
		return "CLIENT_MESSAGE"
	case OperationQuery:
		return "QUERY"
	case OperationQueryResponse:
		return "QUERY_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// StreamMessage is the in-flight unit MessageStream sends and receives, per spec.md §3.
type StreamMessage struct {
	Payload            []byte
	Operation          OperationType
	PayloadIsEncrypted bool
	// OriginalSize is nonzero when Payload was DEFLATE-compressed; it records the decompressed
	// length.
	OriginalSize uint32
	// Recipient identifies the logical consumer of the message within a Car. Absent (uuid.Nil) for
	// legacy peers that never set a recipient.
	Recipient uuid.UUID
}

// Packet is a single MTU-sized frame produced by the Packetizer, per spec.md §3.
type Packet struct {
	PacketNumber uint32 // 1-indexed
	TotalPackets uint32
	MessageID    uint32
	Payload      []byte
}

// Query is an application-level request multiplexed by Car, per spec.md §6.
type Query struct {
	ID         uint32
	Sender     uuid.UUID
	Request    []byte
	Parameters []byte
}

// QueryResponse answers a Query, per spec.md §6.
type QueryResponse struct {
	QueryID  uint32
	Success  bool
	Response []byte
}

// OobChannelType enumerates the out-of-band channels CapabilityNegotiator can advertise, per
// spec.md §4.5/§6.
type OobChannelType int

const (
	OobChannelUnknown OobChannelType = iota
	OobChannelBTRFCOMM
	OobChannelPreAssociation
	// OobChannelReservedA and OobChannelReservedB are sentinels reserved for future channel types,
	// per spec.md §4.5 ("plus reserved sentinels"). Unrecognized values seen on the wire round-trip
	// as opaque ints so a newer peer's reservation doesn't break an older one's negotiation.
	OobChannelReservedA
	OobChannelReservedB
)

// VerificationState enumerates the V4 association VerificationCode.state values, per spec.md §4.8.3.
type VerificationState int

const (
	VerificationStateUnknown VerificationState = iota
	VerificationStateVisualVerification
	VerificationStateVisualConfirmation
	VerificationStateOobVerification
)

// VerificationCode is the explicit V4-association signalling message, per spec.md §4.8.3/§6.
type VerificationCode struct {
	State   VerificationState
	Payload []byte // set only for VerificationStateOobVerification
}

// VersionWindow is a {min,max} pair exchanged by VersionNegotiator, per spec.md §4.4.
type VersionWindow struct {
	Min, Max uint32
}

// VersionExchange is the message.md §4.4/§6 VersionExchange wire message.
type VersionExchange struct {
	Message  VersionWindow
	Security VersionWindow
}

// CapabilitiesExchange enumerates supported OOB channel types, per spec.md §4.5/§6.
type CapabilitiesExchange struct {
	SupportedOobChannels []OobChannelType
}
