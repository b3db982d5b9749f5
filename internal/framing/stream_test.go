package framing

import (
	"bytes"
	"context"
	"testing"

	"github.com/caraloop/carlink/pkg/protocol"
)

// pairedSender wires two Streams' packet traffic directly together, the way memlink wires two
// transports together, so tests exercise the full pack/send/feed/reassemble pipeline without a
// real transport.
type pairedSender struct {
	peer *Stream
}

func (p *pairedSender) SendPacket(ctx context.Context, pkt protocol.Packet) error {
	return p.peer.Feed(pkt)
}

func newPair(mtu int, compression bool) (*Stream, *Stream) {
	a := NewStream(nil, mtu, compression)
	b := NewStream(nil, mtu, compression)
	a.sender = &pairedSender{peer: b}
	b.sender = &pairedSender{peer: a}
	return a, b
}

func TestStreamSendDeliversPlaintext(t *testing.T) {
	a, b := newPair(60, false)
	var got protocol.StreamMessage
	received := make(chan struct{})
	b.RegisterCallback(func(m protocol.StreamMessage) {
		got = m
		close(received)
	})
	want := protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: []byte("hello world")}
	if _, err := a.Send(context.Background(), want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-received
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("got payload %q, want %q", got.Payload, want.Payload)
	}
	if got.PayloadIsEncrypted || got.OriginalSize != 0 {
		t.Errorf("delivered message should be decrypted/decompressed, got %+v", got)
	}
}

func TestStreamSendLargeMessageCompressesAndReassembles(t *testing.T) {
	a, b := newPair(48, true)
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 40)
	var got protocol.StreamMessage
	received := make(chan struct{})
	b.RegisterCallback(func(m protocol.StreamMessage) {
		got = m
		close(received)
	})
	if _, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-received
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch after compression round trip, got %d bytes want %d", len(got.Payload), len(payload))
	}
}

func TestStreamEncryptedRequiresKey(t *testing.T) {
	a, _ := newPair(60, false)
	_, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: []byte("x"), PayloadIsEncrypted: true})
	if err != protocol.ErrNoHandshakeKey {
		t.Errorf("got err %v, want ErrNoHandshakeKey", err)
	}
}

func TestStreamEncryptedRoundTrip(t *testing.T) {
	a, b := newPair(60, false)
	key := bytes.Repeat([]byte{0x42}, 32)
	a.SetEncryptionKey(key)
	b.SetEncryptionKey(key)
	var got protocol.StreamMessage
	received := make(chan struct{})
	b.RegisterCallback(func(m protocol.StreamMessage) {
		got = m
		close(received)
	})
	want := []byte("secret payload")
	if _, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: want, PayloadIsEncrypted: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-received
	if !bytes.Equal(got.Payload, want) {
		t.Errorf("got %q, want %q", got.Payload, want)
	}
	if got.PayloadIsEncrypted {
		t.Error("delivered message should report PayloadIsEncrypted=false")
	}
}

func TestStreamDecryptFailureIsFatal(t *testing.T) {
	a, b := newPair(60, false)
	a.SetEncryptionKey(bytes.Repeat([]byte{0x01}, 32))
	b.SetEncryptionKey(bytes.Repeat([]byte{0x02}, 32)) // mismatched key
	// The peer's Feed rejects the undecryptable packet, and that error propagates back through
	// the (synchronous, in-test) PacketSender as a Send failure.
	_, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: []byte("x"), PayloadIsEncrypted: true})
	if err == nil {
		t.Fatal("expected decrypt failure to surface as a send error")
	}
}

func TestStreamMessageIDsIncrement(t *testing.T) {
	a, _ := newPair(60, false)
	first, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: []byte("a")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := a.Send(context.Background(), protocol.StreamMessage{Operation: protocol.OperationClientMessage, Payload: []byte("b")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if second != first+1 {
		t.Errorf("got message ids %d, %d; want consecutive", first, second)
	}
}
