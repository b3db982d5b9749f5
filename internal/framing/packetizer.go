// Package framing implements the packetization and message-stream pipeline that sits on top of a
// raw TransportLink: splitting an encoded envelope into MTU-sized Packets, reassembling Packets
// back into envelopes, and the compress/encrypt/packetize send pipeline (and its inverse) that
// turns application StreamMessages into wire bytes and back.
package framing

import (
	"fmt"

	"github.com/caraloop/carlink/pkg/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

// headerOverhead estimates the protowire overhead of a Packet whose total-packet count is
// totalPackets and whose message id is messageID, assuming an MTU of mtu. packet_number is
// conservatively sized as if it equaled totalPackets, and the payload length varint is
// conservatively sized as if the chunk used the entire MTU: both only ever round up, which keeps
// the fixed-point search below monotone and therefore convergent in at most a few iterations.
func headerOverhead(messageID uint32, totalPackets, mtu int) int {
	pnSize := protowire.SizeVarint(uint64(totalPackets))
	tpSize := protowire.SizeVarint(uint64(totalPackets))
	midSize := protowire.SizeVarint(uint64(messageID))
	lenSize := protowire.SizeVarint(uint64(mtu))
	// Each field costs 1 tag byte (field numbers 1-4 all fit in a single-byte tag) plus its value.
	return 4 + pnSize + tpSize + midSize + lenSize
}

// layout is the result of the fixed-point header-size search.
type layout struct {
	chunkSize    int
	totalPackets int
}

func computeLayout(messageID uint32, payloadLen, mtu int) (layout, error) {
	totalPackets := 1
	var chunkSize int
	for i := 0; i < 8; i++ {
		overhead := headerOverhead(messageID, totalPackets, mtu)
		chunkSize = mtu - overhead
		if chunkSize <= 0 {
			return layout{}, fmt.Errorf("%w: mtu %d too small for packet header", protocol.ErrFraming, mtu)
		}
		next := ceilDiv(payloadLen, chunkSize)
		if next < 1 {
			next = 1
		}
		if next == totalPackets {
			break
		}
		totalPackets = next
	}
	return layout{chunkSize: chunkSize, totalPackets: totalPackets}, nil
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Pack splits payload into Packets of at most mtu bytes (including framing overhead), numbered
// 1-indexed, tagged with messageID, per spec.md §4.2.
func Pack(messageID uint32, payload []byte, mtu int) ([]protocol.Packet, error) {
	lay, err := computeLayout(messageID, len(payload), mtu)
	if err != nil {
		return nil, err
	}
	packets := make([]protocol.Packet, 0, lay.totalPackets)
	for i := 0; i < lay.totalPackets; i++ {
		start := i * lay.chunkSize
		end := start + lay.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		packets = append(packets, protocol.Packet{
			PacketNumber: uint32(i + 1),
			TotalPackets: uint32(lay.totalPackets),
			MessageID:    messageID,
			Payload:      payload[start:end],
		})
	}
	return packets, nil
}
