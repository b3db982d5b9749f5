// Package companion exposes the two facades an application links against: ConnectionManager
// (C11), which owns scanning and the connect/associate/reconnect lifecycle, and Car (C12), the
// long-lived per-peer session object it hands back, per spec.md §4.11/§4.12.
package companion

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/framing"
	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/internal/pendingcar"
	"github.com/caraloop/carlink/pkg/protocol"
	"github.com/caraloop/carlink/pkg/transport"
)

// DefaultFeatureID is the well-known recipient incoming messages are routed to when a legacy peer
// omits the recipient field, per spec.md §4.12.
var DefaultFeatureID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Callback receives messages and queries addressed to one recipient. Implementations are compared
// for identity by Car.SetCallback/ClearCallback, per spec.md §4.12 — pass the same *pointer* to
// clear that you passed to set.
type Callback interface {
	OnMessage(payload []byte)
	OnQuery(q protocol.Query)
}

// ResponseHandler is invoked exactly once with the answer to a Query this Car sent, per spec.md
// §4.12. It also fires, synthetically, if the Car disconnects before a response arrives.
type ResponseHandler func(protocol.QueryResponse)

// Car is C12: a long-lived, authenticated session with one peer, multiplexed by recipient UUID.
// All exported methods are safe for concurrent use.
type Car struct {
	DeviceID          uuid.UUID
	IdentificationKey []byte

	link   transport.Link
	stream *framing.Stream
	log    log.Tagged

	onDisconnected func(*Car, error)

	mu                   sync.Mutex
	name                 string
	callbacksByRecipient map[uuid.UUID]Callback
	unclaimedMessages    map[uuid.UUID][][]byte
	unclaimedQueries     map[uuid.UUID][]protocol.Query
	pendingQueries       map[uint32]ResponseHandler
	messageIDToRecipient map[uint32]uuid.UUID
	nextQueryID          uint32
	disconnected         bool
}

// newCar wires Car's dispatch onto peer's already-established Stream, taking over the single
// Stream callback slot that Associate/Reconnect used during the handshake. peer must already be
// past ESTABLISHED (i.e. peer.Stream.SetEncryptionKey has been called).
func newCar(peer *pendingcar.Peer, deviceID uuid.UUID, name string, identificationKey []byte, onDisconnected func(*Car, error)) *Car {
	c := &Car{
		DeviceID:             deviceID,
		IdentificationKey:    identificationKey,
		link:                 peer.Link,
		stream:               peer.Stream,
		log:                  log.Tag("companion.car"),
		onDisconnected:       onDisconnected,
		name:                 name,
		callbacksByRecipient: make(map[uuid.UUID]Callback),
		unclaimedMessages:    make(map[uuid.UUID][][]byte),
		unclaimedQueries:     make(map[uuid.UUID][]protocol.Query),
		pendingQueries:       make(map[uint32]ResponseHandler),
		messageIDToRecipient: make(map[uint32]uuid.UUID),
	}
	peer.Stream.RegisterCallback(c.handleInbound)
	go c.watchDisconnect(peer.Disconnected())
	return c
}

// Name returns the display name associated with this Car (the allow-by-name or advertised name
// at discovery time, or a later user rename via CarStore.Rename).
func (c *Car) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Car) watchDisconnect(ch <-chan error) {
	err := <-ch
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	pending := c.pendingQueries
	c.pendingQueries = make(map[uint32]ResponseHandler)
	c.mu.Unlock()

	// Suspended sends resolve as INVALID to callers (spec.md §5's cancellation rule); queries in
	// flight get a synthetic failure response rather than hanging forever.
	for id, handler := range pending {
		handler(protocol.QueryResponse{QueryID: id, Success: false})
	}
	if c.onDisconnected != nil {
		c.onDisconnected(c, err)
	}
}

// handleInbound is the Stream callback: it routes a reassembled, decrypted message to a bound
// Callback, an unclaimed-message FIFO, or a pending query's ResponseHandler, per spec.md §4.12's
// dispatch rules.
func (c *Car) handleInbound(msg protocol.StreamMessage) {
	recipient := msg.Recipient
	if recipient == uuid.Nil {
		recipient = DefaultFeatureID
	}

	switch msg.Operation {
	case protocol.OperationClientMessage:
		c.deliverMessage(recipient, msg.Payload)
	case protocol.OperationQuery:
		q, err := protocol.UnmarshalQuery(msg.Payload)
		if err != nil {
			c.log.Warning("dropping unparseable query: %v", err)
			return
		}
		c.deliverQuery(recipient, q)
	case protocol.OperationQueryResponse:
		r, err := protocol.UnmarshalQueryResponse(msg.Payload)
		if err != nil {
			c.log.Warning("dropping unparseable query response: %v", err)
			return
		}
		c.deliverQueryResponse(r)
	default:
		c.log.Warning("dropping message with unexpected operation %s", msg.Operation)
	}
}

func (c *Car) deliverMessage(recipient uuid.UUID, payload []byte) {
	c.mu.Lock()
	cb, bound := c.callbacksByRecipient[recipient]
	if !bound {
		c.unclaimedMessages[recipient] = append(c.unclaimedMessages[recipient], payload)
	}
	c.mu.Unlock()
	if bound {
		cb.OnMessage(payload)
	}
}

func (c *Car) deliverQuery(recipient uuid.UUID, q protocol.Query) {
	c.mu.Lock()
	cb, bound := c.callbacksByRecipient[recipient]
	if !bound {
		c.unclaimedQueries[recipient] = append(c.unclaimedQueries[recipient], q)
	}
	c.mu.Unlock()
	if bound {
		cb.OnQuery(q)
	}
}

func (c *Car) deliverQueryResponse(r protocol.QueryResponse) {
	c.mu.Lock()
	handler, ok := c.pendingQueries[r.QueryID]
	delete(c.pendingQueries, r.QueryID)
	c.mu.Unlock()
	if !ok {
		c.log.Error("dropping query response %d: no handler registered", r.QueryID)
		return
	}
	handler(r)
}

// SendMessage sends payload to recipient and returns the assigned message id, or
// protocol.InvalidMessageID with protocol.ErrNotConnected if the Car has disconnected.
func (c *Car) SendMessage(ctx context.Context, payload []byte, recipient uuid.UUID) (int64, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return protocol.InvalidMessageID, protocol.ErrNotConnected
	}
	c.mu.Unlock()

	id, err := c.stream.Send(ctx, protocol.StreamMessage{
		Payload:            payload,
		Operation:          protocol.OperationClientMessage,
		PayloadIsEncrypted: true,
		Recipient:          recipient,
	})
	if err != nil {
		return protocol.InvalidMessageID, err
	}
	c.mu.Lock()
	c.messageIDToRecipient[id] = recipient
	c.mu.Unlock()
	return int64(id), nil
}

// SendQuery sends a Query to recipient and arranges for onResponse to be invoked exactly once:
// with the peer's answer, or with {Success: false} if the Car disconnects first. next_query_id
// wraps at the uint32 boundary, per spec.md §4.12.
func (c *Car) SendQuery(ctx context.Context, request, parameters []byte, recipient uuid.UUID, onResponse ResponseHandler) (uint32, error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return 0, protocol.ErrNotConnected
	}
	queryID := c.nextQueryID
	c.nextQueryID++
	c.pendingQueries[queryID] = onResponse
	c.mu.Unlock()

	q := protocol.Query{ID: queryID, Sender: recipient, Request: request, Parameters: parameters}
	msgID, err := c.stream.Send(ctx, protocol.StreamMessage{
		Payload:            protocol.MarshalQuery(q),
		Operation:          protocol.OperationQuery,
		PayloadIsEncrypted: true,
		Recipient:          recipient,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pendingQueries, queryID)
		c.mu.Unlock()
		return 0, err
	}
	c.mu.Lock()
	c.messageIDToRecipient[msgID] = recipient
	c.mu.Unlock()
	return queryID, nil
}

// SendQueryResponse answers a Query previously delivered via a Callback or drained from the
// unclaimed-query FIFO.
func (c *Car) SendQueryResponse(ctx context.Context, response protocol.QueryResponse, recipient uuid.UUID) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	c.mu.Unlock()

	_, err := c.stream.Send(ctx, protocol.StreamMessage{
		Payload:            protocol.MarshalQueryResponse(response),
		Operation:          protocol.OperationQueryResponse,
		PayloadIsEncrypted: true,
		Recipient:          recipient,
	})
	return err
}

// SetCallback binds cb as the exclusive callback for recipient. It fails with
// protocol.ErrCallbackBound if a different callback is already bound, per spec.md §4.12. On
// success it drains any unclaimed messages and queries for recipient, in FIFO order, before
// returning.
func (c *Car) SetCallback(recipient uuid.UUID, cb Callback) error {
	c.mu.Lock()
	if existing, ok := c.callbacksByRecipient[recipient]; ok && existing != cb {
		c.mu.Unlock()
		return protocol.ErrCallbackBound
	}
	c.callbacksByRecipient[recipient] = cb
	messages := c.unclaimedMessages[recipient]
	delete(c.unclaimedMessages, recipient)
	queries := c.unclaimedQueries[recipient]
	delete(c.unclaimedQueries, recipient)
	c.mu.Unlock()

	for _, m := range messages {
		cb.OnMessage(m)
	}
	for _, q := range queries {
		cb.OnQuery(q)
	}
	return nil
}

// ClearCallback unbinds cb from recipient, but only if cb is identity-equal to the bound callback
// (spec.md §4.12). It reports whether it actually cleared anything.
func (c *Car) ClearCallback(recipient uuid.UUID, cb Callback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.callbacksByRecipient[recipient]; ok && existing == cb {
		delete(c.callbacksByRecipient, recipient)
		return true
	}
	return false
}

// Disconnect tears down the underlying transport. watchDisconnect drives the rest of the
// teardown (failing pending queries, notifying onDisconnected) once the Link reports closed.
func (c *Car) Disconnect() {
	c.link.Disconnect()
}
