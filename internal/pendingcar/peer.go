package pendingcar

import (
	"context"
	"fmt"
	"sync"

	"github.com/caraloop/carlink/internal/framing"
	"github.com/caraloop/carlink/pkg/protocol"
	"github.com/caraloop/carlink/pkg/transport"
)

// Peer bundles a connected transport.Link with the MessageStream (C3) a PendingCar owns on top of
// it, per spec.md §4.8 ("all variants own C3 plus the C1 they were constructed with"). Inbound
// messages are handed to the association/reconnection drivers one at a time over a channel,
// simulating the single-threaded cooperative model of spec.md §5 with one goroutine per peer
// rather than a shared dispatcher; per spec.md §5 the handshake holds the logical channel
// exclusively until ESTABLISHED, so HANDSHAKE and CLIENT_MESSAGE (identity) traffic never
// interleaves during the PendingCar phase.
type Peer struct {
	Link   transport.Link
	Stream *framing.Stream
	sender *transport.PacketSender

	incoming     chan protocol.StreamMessage
	disconnected chan error

	closeOnce sync.Once
}

// NewPeer wires link's Events to a fresh PacketSender/Stream pair. Call Connect to open the
// transport.
func NewPeer(link transport.Link, mtu int) *Peer {
	p := &Peer{
		Link:         link,
		incoming:     make(chan protocol.StreamMessage, 4),
		disconnected: make(chan error, 1),
	}
	p.sender = transport.NewPacketSender(link)
	p.Stream = framing.NewStream(p.sender, mtu, false)
	p.Stream.RegisterCallback(func(msg protocol.StreamMessage) { p.incoming <- msg })
	return p
}

// Connect opens the underlying transport and wires its packet plumbing. The OnDisconnected
// callback fires at most once, from the Link's own callback goroutine.
func (p *Peer) Connect(ctx context.Context) error {
	connected := make(chan error, 1)
	events := transport.Events{
		OnConnected:        func() { connected <- nil },
		OnConnectionFailed: func(err error) { connected <- err },
		OnDisconnected: func(err error) {
			p.closeOnce.Do(func() { p.disconnected <- err })
		},
		OnMessageReceived: func(payload []byte) {
			packet, err := protocol.UnmarshalPacket(payload)
			if err != nil {
				return // malformed frame from a non-protocol peer; ignore rather than crash the link.
			}
			if err := p.Stream.Feed(packet); err != nil {
				p.closeOnce.Do(func() { p.disconnected <- err })
			}
		},
		OnMessageSent: p.sender.AckSent,
	}
	if err := p.Link.Connect(ctx, events); err != nil {
		return err
	}
	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendHandshake sends one kind-tagged frame with operation=HANDSHAKE, unencrypted.
func (p *Peer) SendHandshake(ctx context.Context, k kind, body []byte) error {
	_, err := p.Stream.Send(ctx, protocol.StreamMessage{
		Payload:            encodeFrame(k, body),
		Operation:          protocol.OperationHandshake,
		PayloadIsEncrypted: false,
	})
	return err
}

// RecvHandshake blocks for the next inbound HANDSHAKE frame and returns its kind and body.
func (p *Peer) RecvHandshake(ctx context.Context) (kind, []byte, error) {
	msg, err := p.recv(ctx)
	if err != nil {
		return 0, nil, err
	}
	if msg.Operation != protocol.OperationHandshake {
		return 0, nil, fmt.Errorf("%w: expected a handshake frame, got %s", protocol.ErrProtocolViolation, msg.Operation)
	}
	return decodeFrame(msg.Payload)
}

// RecvHandshakeExpecting blocks for the next HANDSHAKE frame and requires it to have kind want.
func (p *Peer) RecvHandshakeExpecting(ctx context.Context, want kind) ([]byte, error) {
	got, body, err := p.RecvHandshake(ctx)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: expected frame kind %d, got %d", protocol.ErrProtocolViolation, want, got)
	}
	return body, nil
}

// SendIdentity sends an encrypted CLIENT_MESSAGE carrying the identity-exchange payload.
func (p *Peer) SendIdentity(ctx context.Context, payload []byte) error {
	_, err := p.Stream.Send(ctx, protocol.StreamMessage{
		Payload:            payload,
		Operation:          protocol.OperationClientMessage,
		PayloadIsEncrypted: true,
	})
	return err
}

// RecvIdentity blocks for the next encrypted CLIENT_MESSAGE (the peer's device-id payload).
func (p *Peer) RecvIdentity(ctx context.Context) ([]byte, error) {
	msg, err := p.recv(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Operation != protocol.OperationClientMessage {
		return nil, fmt.Errorf("%w: expected an identity frame, got %s", protocol.ErrProtocolViolation, msg.Operation)
	}
	return msg.Payload, nil
}

// Disconnected returns the channel the Link's OnDisconnected callback feeds exactly once. Callers
// that take over a Peer after a successful Associate/Reconnect (pkg/companion's Car) read from it
// directly instead of going through recv, since they install their own Stream callback.
func (p *Peer) Disconnected() <-chan error {
	return p.disconnected
}

func (p *Peer) recv(ctx context.Context) (protocol.StreamMessage, error) {
	select {
	case msg := <-p.incoming:
		return msg, nil
	case err := <-p.disconnected:
		return protocol.StreamMessage{}, disconnectErr(err)
	case <-ctx.Done():
		return protocol.StreamMessage{}, ctx.Err()
	}
}

func disconnectErr(err error) error {
	if err == nil {
		return protocol.ErrDisconnected
	}
	return fmt.Errorf("%w: %v", protocol.ErrDisconnected, err)
}
