package transport

import (
	"context"
	"testing"

	"github.com/caraloop/carlink/pkg/protocol"
)

type recordingLink struct {
	sent [][]byte
	ack  func([]byte)
}

func (l *recordingLink) Connect(ctx context.Context, events Events) error {
	l.ack = events.OnMessageSent
	return nil
}
func (l *recordingLink) Disconnect() {}
func (l *recordingLink) Send(ctx context.Context, payload []byte) error {
	l.sent = append(l.sent, payload)
	if l.ack != nil {
		l.ack(payload)
	}
	return nil
}
func (l *recordingLink) MaxWriteSize() int  { return 128 }
func (l *recordingLink) DeviceName() string { return "test" }

func TestPacketSenderSendsAndAcks(t *testing.T) {
	link := &recordingLink{}
	sender := NewPacketSender(link)
	link.Connect(context.Background(), Events{OnMessageSent: sender.AckSent})

	p := protocol.Packet{PacketNumber: 1, TotalPackets: 1, MessageID: 5, Payload: []byte("hi")}
	if err := sender.SendPacket(context.Background(), p); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(link.sent))
	}
	got, err := protocol.UnmarshalPacket(link.sent[0])
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	if got.MessageID != 5 || string(got.Payload) != "hi" {
		t.Errorf("got %+v", got)
	}
}

func TestPacketSenderRespectsContextCancellation(t *testing.T) {
	link := &recordingLink{}
	sender := NewPacketSender(link)
	// No ack wired: the Link accepts the write but never calls OnMessageSent, so SendPacket must
	// return once the context is canceled rather than block forever.
	link.Connect(context.Background(), Events{})
	link.ack = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A link that never acks would hang without the context check; only the already-canceled
	// context lets SendPacket return.
	if err := sender.SendPacket(ctx, protocol.Packet{PacketNumber: 1, TotalPackets: 1}); err == nil {
		t.Error("expected context cancellation to surface as an error")
	}
}

type silentLink struct{}

func (silentLink) Connect(context.Context, Events) error        { return nil }
func (silentLink) Disconnect()                                  {}
func (silentLink) Send(context.Context, []byte) error            { return nil }
func (silentLink) MaxWriteSize() int                             { return 128 }
func (silentLink) DeviceName() string                            { return "silent" }
