// Package gatt implements transport.Link over BLE GATT, adapted from the corpus's go-ble/ble
// adapter: one service with a client-write and a server-write characteristic, MTU negotiated once
// at connect time, single-in-flight writes.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/pkg/protocol"
	"github.com/caraloop/carlink/pkg/transport"
)

// mtuReservation is the GATT MTU-reservation rule of spec.md §4.1/§6: a characteristic write's
// usable payload is the negotiated ATT MTU minus this many bytes.
const mtuReservation = 5

var (
	ErrAdapterInvalidID = protocol.NewError("the bluetooth adapter ID is invalid", false, false)
	ErrNotConnectable   = protocol.NewError("discovered peer is not connectable", false, false)
)

var logger = log.Tag("transport.gatt")

var (
	adapterMu sync.Mutex
	adapter   ble.Device
)

// InitAdapterWithID initializes the BLE adapter to use, identified in a platform-specific way
// (e.g. "hciX" on Linux). Optional: a default adapter is used if this is never called.
func InitAdapterWithID(id string) error {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	return initAdapter(&id)
}

func initAdapter(id *string) error {
	if adapter != nil {
		return nil
	}
	dev, err := newAdapter(id)
	if err != nil {
		return fmt.Errorf("gatt: failed to enable adapter: %w", err)
	}
	adapter = dev
	return nil
}

// Characteristics names the three GATT characteristics a service exposes, per spec.md §6: a
// client-write, a server-write, and the advertise-data characteristic used to read out-of-band
// advertised salt when the scanner cannot capture it from the advertisement itself.
type Characteristics struct {
	Service      ble.UUID
	ClientWrite  ble.UUID
	ServerWrite  ble.UUID
	AdvertiseData ble.UUID
}

// DefaultAdvertiseDataUUID is the fixed characteristic UUID spec.md §6 assigns to advertise-data.
var DefaultAdvertiseDataUUID = ble.MustParse("24289b40-af40-4149-a5f4-878ccff87566")

// Beacon describes one scan match.
type Beacon struct {
	Address     string
	LocalName   string
	RSSI        int16
	Connectable bool
	// ServiceData is the raw service-data advertisement field for Characteristics.Service, used by
	// internal/identify to extract the reconnection salt/truncated_hmac pair without a connection.
	ServiceData []byte
}

// Scan blocks until an advertisement for chars.Service matches match, or ctx is done.
func Scan(ctx context.Context, chars Characteristics, match func(Beacon) bool) (*Beacon, error) {
	adapterMu.Lock()
	if err := initAdapter(nil); err != nil {
		adapterMu.Unlock()
		return nil, err
	}
	adapterMu.Unlock()

	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan Beacon, 1)
	handler := func(a ble.Advertisement) {
		b := Beacon{
			Address:     a.Addr().String(),
			LocalName:   a.LocalName(),
			RSSI:        int16(a.RSSI()),
			Connectable: a.Connectable(),
			ServiceData: serviceDataFor(a, chars.Service),
		}
		if !match(b) {
			return
		}
		select {
		case found <- b:
			cancel()
		case <-ctx2.Done():
		}
	}

	if err := adapter.Scan(ctx2, false, handler); err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("gatt: scan failed: %w", err)
	}
	select {
	case b := <-found:
		return &b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func serviceDataFor(a ble.Advertisement, service ble.UUID) []byte {
	for _, sd := range a.ServiceData() {
		if sd.UUID.Equal(service) {
			return sd.Data
		}
	}
	return nil
}

// Link implements transport.Link over one connected GATT client.
type Link struct {
	chars Characteristics

	client      ble.Client
	writeChar   *ble.Characteristic
	readChar    *ble.Characteristic
	maxWriteSize int
	name        string

	mu         sync.Mutex
	events     transport.Events
	closeOnce  sync.Once
}

var _ transport.Link = (*Link)(nil)

// Dial connects to beacon's address and discovers the characteristics named by chars.
func Dial(ctx context.Context, chars Characteristics, beacon Beacon) (*Link, error) {
	adapterMu.Lock()
	err := initAdapter(nil)
	adapterMu.Unlock()
	if err != nil {
		return nil, err
	}
	if !beacon.Connectable {
		return nil, ErrNotConnectable
	}

	client, err := adapter.Dial(ctx, ble.NewAddr(beacon.Address))
	if err != nil {
		return nil, fmt.Errorf("gatt: dial %s: %w", beacon.Address, err)
	}

	services, err := client.DiscoverServices([]ble.UUID{chars.Service})
	if err != nil || len(services) == 0 {
		client.CancelConnection()
		return nil, fmt.Errorf("gatt: discover service: %w", err)
	}
	discovered, err := client.DiscoverCharacteristics([]ble.UUID{chars.ClientWrite, chars.ServerWrite}, services[0])
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("gatt: discover characteristics: %w", err)
	}

	l := &Link{chars: chars, client: client, name: beacon.Address}
	for _, c := range discovered {
		if c.UUID.Equal(chars.ClientWrite) {
			l.writeChar = c
		} else if c.UUID.Equal(chars.ServerWrite) {
			l.readChar = c
		}
		if _, err := client.DiscoverDescriptors(nil, c); err != nil {
			client.CancelConnection()
			return nil, fmt.Errorf("gatt: discover descriptors: %w", err)
		}
	}
	if l.writeChar == nil || l.readChar == nil {
		client.CancelConnection()
		return nil, fmt.Errorf("gatt: required characteristics not found")
	}
	return l, nil
}

// Connect subscribes to notifications on the server-write characteristic and negotiates MTU, per
// spec.md §4.1/§6.
func (l *Link) Connect(ctx context.Context, events transport.Events) error {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()

	if err := l.client.Subscribe(l.readChar, true, l.onNotify); err != nil {
		return fmt.Errorf("gatt: subscribe: %w", err)
	}
	mtu, err := l.client.ExchangeMTU(ble.MaxMTU)
	if err != nil {
		logger.Warning("MTU exchange failed, falling back to default: %v", err)
		mtu = ble.DefaultMTU
	}
	l.maxWriteSize = mtu - mtuReservation
	if l.maxWriteSize <= 0 {
		l.maxWriteSize = ble.DefaultMTU - mtuReservation
	}

	if events.OnConnected != nil {
		events.OnConnected()
	}
	return nil
}

func (l *Link) onNotify(payload []byte) {
	l.mu.Lock()
	cb := l.events.OnMessageReceived
	l.mu.Unlock()
	if cb != nil {
		// Defensive copy: go-ble reuses the notification buffer across calls.
		cb(append([]byte(nil), payload...))
	}
}

// Send writes one Packet as a single characteristic write, per spec.md §6 ("characteristic writes
// carry one Packet each"). The caller (internal/framing.Stream via transport.PacketSender) is
// responsible for keeping payload within MaxWriteSize.
func (l *Link) Send(ctx context.Context, payload []byte) error {
	if err := l.client.WriteCharacteristic(l.writeChar, payload, false); err != nil {
		return fmt.Errorf("gatt: write: %w", err)
	}
	l.mu.Lock()
	cb := l.events.OnMessageSent
	l.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
	return nil
}

func (l *Link) Disconnect() {
	l.closeOnce.Do(func() {
		_ = l.client.ClearSubscriptions()
		_ = l.client.CancelConnection()
		l.mu.Lock()
		cb := l.events.OnDisconnected
		l.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	})
}

func (l *Link) MaxWriteSize() int {
	if l.maxWriteSize <= 0 {
		return ble.DefaultMTU - mtuReservation
	}
	return l.maxWriteSize
}

func (l *Link) DeviceName() string { return l.name }

// CloseAdapter releases the process-wide BLE adapter. Does not disconnect existing Links.
func CloseAdapter() error {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if adapter == nil {
		return nil
	}
	if err := adapter.Stop(); err != nil {
		return fmt.Errorf("gatt: stop adapter: %w", err)
	}
	adapter = nil
	return nil
}
