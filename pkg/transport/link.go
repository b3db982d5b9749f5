// Package transport defines the TransportLink contract (spec.md §4.1) that every concrete
// connection medium — GATT, RFCOMM, or an in-memory test fake — implements. The core protocol
// packages (internal/framing, internal/handshake, internal/pendingcar, pkg/companion) depend only
// on Link; pkg/transport/gatt and pkg/transport/rfcomm are external collaborators in the sense of
// spec.md §4.1, wired in at the ConnectionManager boundary.
package transport

import (
	"context"

	"github.com/caraloop/carlink/pkg/protocol"
)

// ErrLinkNotConnected is returned by Send when called before Connect completes or after
// Disconnect.
var ErrLinkNotConnected = protocol.ErrNotConnected

// State enumerates a Link's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Events is the set of callbacks a Link invokes as its state changes, per spec.md §4.1. A Link
// must not invoke more than one callback concurrently and must deliver them in the order the
// underlying transport observed them.
type Events struct {
	OnConnected        func()
	OnConnectionFailed func(err error)
	OnDisconnected      func(err error)
	OnMessageReceived   func(payload []byte)
	// OnMessageSent acknowledges the single in-flight Send call; Link.Send must not be called
	// again until it fires (or the Link disconnects).
	OnMessageSent func(payload []byte)
}

// Link is TransportLink (C1): a single-in-flight-write byte pipe between this process and one
// peer, per spec.md §4.1.
type Link interface {
	// Connect establishes the underlying connection and begins delivering Events. It returns once
	// the connect attempt has been initiated; completion is reported via OnConnected or
	// OnConnectionFailed.
	Connect(ctx context.Context, events Events) error

	// Disconnect tears down the connection. Idempotent.
	Disconnect()

	// Send transmits payload. The caller must not call Send again before OnMessageSent fires for
	// this call, or after Disconnect.
	Send(ctx context.Context, payload []byte) error

	// MaxWriteSize is the largest payload, in bytes, a single Send call may carry — the GATT
	// MTU-minus-5 rule or the RFCOMM link's negotiated size, per spec.md §4.1/§6.
	MaxWriteSize() int

	// DeviceName identifies the remote peer for logging and allow-by-name matching.
	DeviceName() string
}
