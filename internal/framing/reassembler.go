package framing

import (
	"fmt"

	"github.com/caraloop/carlink/pkg/protocol"
)

// Reassembled is the output of a successful Reassembler.Feed.
type Reassembled struct {
	MessageID uint32
	Payload   []byte
}

type partial struct {
	buf              []byte
	lastPacketNumber uint32
	totalPackets     uint32
}

type completedKey struct {
	messageID    uint32
	totalPackets uint32
}

// Reassembler reconstructs envelopes from Packets per spec.md §4.2's feed algorithm. It is not
// safe for concurrent use; MessageStream serializes access to it per peer.
type Reassembler struct {
	inFlight  map[uint32]*partial
	completed map[completedKey]struct{}
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		inFlight:  make(map[uint32]*partial),
		completed: make(map[completedKey]struct{}),
	}
}

// Feed consumes one Packet. It returns (message, true, nil) once the final packet of a message
// arrives, (zero, false, nil) while a message is still incomplete or a duplicate/retransmit was
// silently dropped, and (zero, false, err) on a framing violation the caller must treat as fatal
// (surface a stream error and disconnect, per spec.md §4.2).
func (r *Reassembler) Feed(p protocol.Packet) (Reassembled, bool, error) {
	st, exists := r.inFlight[p.MessageID]
	if !exists {
		if p.PacketNumber == p.TotalPackets {
			if _, ok := r.completed[completedKey{p.MessageID, p.TotalPackets}]; ok {
				return Reassembled{}, false, nil
			}
		}
		if p.PacketNumber == 1 {
			if p.TotalPackets == 1 {
				r.markCompleted(p.MessageID, p.TotalPackets)
				return Reassembled{MessageID: p.MessageID, Payload: p.Payload}, true, nil
			}
			r.inFlight[p.MessageID] = &partial{
				buf:              append([]byte(nil), p.Payload...),
				lastPacketNumber: 1,
				totalPackets:     p.TotalPackets,
			}
			return Reassembled{}, false, nil
		}
		return Reassembled{}, false, fmt.Errorf("%w: packet %d/%d for unknown message %d", protocol.ErrFraming, p.PacketNumber, p.TotalPackets, p.MessageID)
	}

	switch {
	case p.PacketNumber == st.lastPacketNumber:
		return Reassembled{}, false, nil // duplicate, ignore
	case p.PacketNumber == st.lastPacketNumber+1:
		st.buf = append(st.buf, p.Payload...)
		st.lastPacketNumber = p.PacketNumber
		if st.lastPacketNumber == p.TotalPackets {
			delete(r.inFlight, p.MessageID)
			r.markCompleted(p.MessageID, p.TotalPackets)
			return Reassembled{MessageID: p.MessageID, Payload: st.buf}, true, nil
		}
		return Reassembled{}, false, nil
	default:
		delete(r.inFlight, p.MessageID)
		return Reassembled{}, false, fmt.Errorf("%w: out-of-order packet %d (expected %d or %d) for message %d", protocol.ErrFraming, p.PacketNumber, st.lastPacketNumber, st.lastPacketNumber+1, p.MessageID)
	}
}

// markCompleted remembers the (message id, total packets) pair of a message that just finished so
// a retransmitted final packet can be recognized and dropped instead of rejected as unknown. Only
// the most recent completion per message id is retained.
func (r *Reassembler) markCompleted(messageID, totalPackets uint32) {
	for k := range r.completed {
		if k.messageID == messageID {
			delete(r.completed, k)
		}
	}
	r.completed[completedKey{messageID, totalPackets}] = struct{}{}
}
