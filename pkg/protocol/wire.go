package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for StreamMessage. Documented here rather than in a .proto file: the core never
// runs protoc, so every wire message in this package is hand-encoded with protowire directly
// (see DESIGN.md).
const (
	fieldMessagePayload     = 1
	fieldMessageOperation   = 2
	fieldMessageEncrypted   = 3
	fieldMessageOriginal    = 4
	fieldMessageRecipient   = 5
	fieldPacketNumber       = 1
	fieldPacketTotal        = 2
	fieldPacketMessageID    = 3
	fieldPacketPayload      = 4
	fieldQueryID            = 1
	fieldQuerySender        = 2
	fieldQueryRequest       = 3
	fieldQueryParameters    = 4
	fieldResponseQueryID    = 1
	fieldResponseSuccess    = 2
	fieldResponseResponse   = 3
	fieldVersionMsgMin      = 1
	fieldVersionMsgMax      = 2
	fieldVersionSecMin      = 3
	fieldVersionSecMax      = 4
	fieldCapsOobChannels    = 1
	fieldVerifyState        = 1
	fieldVerifyPayload      = 2
)

// MarshalMessage encodes m using length-delimited protowire fields.
func MarshalMessage(m StreamMessage) []byte {
	var b []byte
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldMessagePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	b = protowire.AppendTag(b, fieldMessageOperation, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Operation))
	if m.PayloadIsEncrypted {
		b = protowire.AppendTag(b, fieldMessageEncrypted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.OriginalSize != 0 {
		b = protowire.AppendTag(b, fieldMessageOriginal, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.OriginalSize))
	}
	if m.Recipient != uuid.Nil {
		b = protowire.AppendTag(b, fieldMessageRecipient, protowire.BytesType)
		recipient := m.Recipient
		b = protowire.AppendBytes(b, recipient[:])
	}
	return b
}

// UnmarshalMessage decodes a StreamMessage produced by MarshalMessage.
func UnmarshalMessage(data []byte) (StreamMessage, error) {
	var m StreamMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return StreamMessage{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldMessagePayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: bad payload field", ErrFraming)
			}
			m.Payload = append([]byte(nil), v...)
			data = data[n:]
		case fieldMessageOperation:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: bad operation field", ErrFraming)
			}
			m.Operation = OperationType(v)
			data = data[n:]
		case fieldMessageEncrypted:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: bad encrypted field", ErrFraming)
			}
			m.PayloadIsEncrypted = v != 0
			data = data[n:]
		case fieldMessageOriginal:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: bad original-size field", ErrFraming)
			}
			m.OriginalSize = uint32(v)
			data = data[n:]
		case fieldMessageRecipient:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: bad recipient field", ErrFraming)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return StreamMessage{}, fmt.Errorf("%w: malformed recipient: %v", ErrFraming, err)
			}
			m.Recipient = id
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return StreamMessage{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// MarshalPacket encodes a Packet frame.
func MarshalPacket(p Packet) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPacketNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.PacketNumber))
	b = protowire.AppendTag(b, fieldPacketTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.TotalPackets))
	b = protowire.AppendTag(b, fieldPacketMessageID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.MessageID))
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPacketPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	return b
}

// UnmarshalPacket decodes a Packet frame produced by MarshalPacket.
func UnmarshalPacket(data []byte) (Packet, error) {
	var p Packet
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Packet{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldPacketNumber:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: bad packet-number field", ErrFraming)
			}
			p.PacketNumber = uint32(v)
			data = data[n:]
		case fieldPacketTotal:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: bad total-packets field", ErrFraming)
			}
			p.TotalPackets = uint32(v)
			data = data[n:]
		case fieldPacketMessageID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: bad message-id field", ErrFraming)
			}
			p.MessageID = uint32(v)
			data = data[n:]
		case fieldPacketPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: bad payload field", ErrFraming)
			}
			p.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// MarshalQuery encodes a Query.
func MarshalQuery(q Query) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldQueryID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(q.ID))
	if q.Sender != uuid.Nil {
		b = protowire.AppendTag(b, fieldQuerySender, protowire.BytesType)
		sender := q.Sender
		b = protowire.AppendBytes(b, sender[:])
	}
	if len(q.Request) > 0 {
		b = protowire.AppendTag(b, fieldQueryRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, q.Request)
	}
	if len(q.Parameters) > 0 {
		b = protowire.AppendTag(b, fieldQueryParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, q.Parameters)
	}
	return b
}

// UnmarshalQuery decodes a Query produced by MarshalQuery.
func UnmarshalQuery(data []byte) (Query, error) {
	var q Query
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Query{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldQueryID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Query{}, fmt.Errorf("%w: bad id field", ErrFraming)
			}
			q.ID = uint32(v)
			data = data[n:]
		case fieldQuerySender:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Query{}, fmt.Errorf("%w: bad sender field", ErrFraming)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Query{}, fmt.Errorf("%w: malformed sender: %v", ErrFraming, err)
			}
			q.Sender = id
			data = data[n:]
		case fieldQueryRequest:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Query{}, fmt.Errorf("%w: bad request field", ErrFraming)
			}
			q.Request = append([]byte(nil), v...)
			data = data[n:]
		case fieldQueryParameters:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Query{}, fmt.Errorf("%w: bad parameters field", ErrFraming)
			}
			q.Parameters = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Query{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return q, nil
}

// MarshalQueryResponse encodes a QueryResponse.
func MarshalQueryResponse(r QueryResponse) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResponseQueryID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.QueryID))
	if r.Success {
		b = protowire.AppendTag(b, fieldResponseSuccess, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(r.Response) > 0 {
		b = protowire.AppendTag(b, fieldResponseResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Response)
	}
	return b
}

// UnmarshalQueryResponse decodes a QueryResponse produced by MarshalQueryResponse.
func UnmarshalQueryResponse(data []byte) (QueryResponse, error) {
	var r QueryResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return QueryResponse{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldResponseQueryID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return QueryResponse{}, fmt.Errorf("%w: bad query-id field", ErrFraming)
			}
			r.QueryID = uint32(v)
			data = data[n:]
		case fieldResponseSuccess:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return QueryResponse{}, fmt.Errorf("%w: bad success field", ErrFraming)
			}
			r.Success = v != 0
			data = data[n:]
		case fieldResponseResponse:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return QueryResponse{}, fmt.Errorf("%w: bad response field", ErrFraming)
			}
			r.Response = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return QueryResponse{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return r, nil
}

// MarshalVersionExchange encodes a VersionExchange.
func MarshalVersionExchange(v VersionExchange) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersionMsgMin, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Message.Min))
	b = protowire.AppendTag(b, fieldVersionMsgMax, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Message.Max))
	b = protowire.AppendTag(b, fieldVersionSecMin, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Security.Min))
	b = protowire.AppendTag(b, fieldVersionSecMax, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Security.Max))
	return b
}

// UnmarshalVersionExchange decodes a VersionExchange produced by MarshalVersionExchange.
func UnmarshalVersionExchange(data []byte) (VersionExchange, error) {
	var v VersionExchange
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return VersionExchange{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		val, vn := protowire.ConsumeVarint(data)
		if typ == protowire.VarintType && vn < 0 {
			return VersionExchange{}, fmt.Errorf("%w: bad version field", ErrFraming)
		}
		switch num {
		case fieldVersionMsgMin:
			v.Message.Min = uint32(val)
			data = data[vn:]
		case fieldVersionMsgMax:
			v.Message.Max = uint32(val)
			data = data[vn:]
		case fieldVersionSecMin:
			v.Security.Min = uint32(val)
			data = data[vn:]
		case fieldVersionSecMax:
			v.Security.Max = uint32(val)
			data = data[vn:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return VersionExchange{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return v, nil
}

// MarshalCapabilitiesExchange encodes a CapabilitiesExchange as a repeated varint field, one
// unpacked tag/value pair per channel type.
func MarshalCapabilitiesExchange(c CapabilitiesExchange) []byte {
	var b []byte
	for _, chType := range c.SupportedOobChannels {
		b = protowire.AppendTag(b, fieldCapsOobChannels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(chType))
	}
	return b
}

// UnmarshalCapabilitiesExchange decodes a CapabilitiesExchange produced by
// MarshalCapabilitiesExchange. Unrecognized channel-type values are kept verbatim, per
// OobChannelReservedA/B in types.go, so a peer advertising a newer reserved channel doesn't break
// negotiation against an older one.
func UnmarshalCapabilitiesExchange(data []byte) (CapabilitiesExchange, error) {
	var c CapabilitiesExchange
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return CapabilitiesExchange{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldCapsOobChannels:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return CapabilitiesExchange{}, fmt.Errorf("%w: bad oob-channel field", ErrFraming)
			}
			c.SupportedOobChannels = append(c.SupportedOobChannels, OobChannelType(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return CapabilitiesExchange{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return c, nil
}

// MarshalVerificationCode encodes a VerificationCode.
func MarshalVerificationCode(v VerificationCode) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVerifyState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.State))
	if len(v.Payload) > 0 {
		b = protowire.AppendTag(b, fieldVerifyPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Payload)
	}
	return b
}

// UnmarshalVerificationCode decodes a VerificationCode produced by MarshalVerificationCode.
func UnmarshalVerificationCode(data []byte) (VerificationCode, error) {
	var v VerificationCode
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return VerificationCode{}, fmt.Errorf("%w: bad tag", ErrFraming)
		}
		data = data[n:]
		switch num {
		case fieldVerifyState:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return VerificationCode{}, fmt.Errorf("%w: bad state field", ErrFraming)
			}
			v.State = VerificationState(val)
			data = data[n:]
		case fieldVerifyPayload:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return VerificationCode{}, fmt.Errorf("%w: bad payload field", ErrFraming)
			}
			v.Payload = append([]byte(nil), val...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return VerificationCode{}, fmt.Errorf("%w: unknown field", ErrFraming)
			}
			data = data[n:]
		}
	}
	return v, nil
}
