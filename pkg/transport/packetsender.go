package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/caraloop/carlink/pkg/protocol"
)

// PacketSender adapts a Link's asynchronous one-in-flight Send/OnMessageSent pair into the
// synchronous framing.PacketSender a MessageStream expects (spec.md §4.3 step 5: "serialized,
// next packet only after on_message_sent"). Exactly one PacketSender must own a Link's send side;
// construct it alongside the Link's Events and route Events.OnMessageSent to AckSent.
type PacketSender struct {
	link Link

	mu      sync.Mutex // serializes SendPacket calls
	ackMu   sync.Mutex // guards pending
	pending chan struct{}
}

// NewPacketSender returns a PacketSender wrapping link. Wire AckSent as the Link's
// Events.OnMessageSent callback.
func NewPacketSender(link Link) *PacketSender {
	return &PacketSender{link: link}
}

// SendPacket implements framing.PacketSender.
func (s *PacketSender) SendPacket(ctx context.Context, p protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	s.ackMu.Lock()
	s.pending = done
	s.ackMu.Unlock()

	if err := s.link.Send(ctx, protocol.MarshalPacket(p)); err != nil {
		s.ackMu.Lock()
		s.pending = nil
		s.ackMu.Unlock()
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send packet %d/%d: %w", p.PacketNumber, p.TotalPackets, ctx.Err())
	}
}

// AckSent must be invoked from Events.OnMessageSent to release the in-flight SendPacket call.
func (s *PacketSender) AckSent([]byte) {
	s.ackMu.Lock()
	done := s.pending
	s.pending = nil
	s.ackMu.Unlock()
	if done != nil {
		close(done)
	}
}
