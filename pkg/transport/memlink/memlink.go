// Package memlink provides an in-memory transport.Link implementation used by every other
// package's tests in place of a real GATT or RFCOMM adapter, grounded on the small hand-written
// transport fakes scattered through the corpus's own dispatcher/connector tests.
package memlink

import (
	"context"
	"sync"

	"github.com/caraloop/carlink/pkg/transport"
)

// Pair returns two connected Links, each delivering what the other Sends.
func Pair(maxWriteSize int) (*Link, *Link) {
	a := &Link{maxWriteSize: maxWriteSize, name: "peer-a"}
	b := &Link{maxWriteSize: maxWriteSize, name: "peer-b"}
	a.peer = b
	b.peer = a
	return a, b
}

// Link is an in-memory transport.Link. The zero value is not connected; use Pair to build a
// connected pair.
type Link struct {
	maxWriteSize int
	name         string

	mu        sync.Mutex
	events    transport.Events
	connected bool
	peer      *Link
}

var _ transport.Link = (*Link)(nil)

func (l *Link) Connect(ctx context.Context, events transport.Events) error {
	l.mu.Lock()
	l.events = events
	l.connected = true
	l.mu.Unlock()
	if events.OnConnected != nil {
		events.OnConnected()
	}
	return nil
}

func (l *Link) Disconnect() {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	events := l.events
	peer := l.peer
	l.mu.Unlock()
	if wasConnected && events.OnDisconnected != nil {
		events.OnDisconnected(nil)
	}
	if peer != nil {
		peer.notifyPeerGone()
	}
}

func (l *Link) notifyPeerGone() {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	events := l.events
	l.mu.Unlock()
	if wasConnected && events.OnDisconnected != nil {
		events.OnDisconnected(nil)
	}
}

func (l *Link) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	peer := l.peer
	events := l.events
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return transport.ErrLinkNotConnected
	}

	if peer != nil {
		peer.deliver(payload)
	}
	if events.OnMessageSent != nil {
		events.OnMessageSent(payload)
	}
	return nil
}

func (l *Link) deliver(payload []byte) {
	l.mu.Lock()
	events := l.events
	connected := l.connected
	l.mu.Unlock()
	if connected && events.OnMessageReceived != nil {
		events.OnMessageReceived(payload)
	}
}

func (l *Link) MaxWriteSize() int   { return l.maxWriteSize }
func (l *Link) DeviceName() string  { return l.name }
func (l *Link) SetDeviceName(n string) { l.name = n }
