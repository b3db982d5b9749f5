package companion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/handshake"
	"github.com/caraloop/carlink/internal/identify"
	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/internal/oob"
	"github.com/caraloop/carlink/internal/pendingcar"
	"github.com/caraloop/carlink/pkg/carstore"
	"github.com/caraloop/carlink/pkg/transport"
)

// TransportKind distinguishes the two physical mediums ConnectionManager drives, since they have
// different retry policies (spec.md §4.11: "No retry for BLE, the scanner re-fires naturally").
type TransportKind int

const (
	TransportBLE TransportKind = iota
	TransportRFCOMM
)

// Discovery describes one candidate peer surfaced by a Scanner.
type Discovery struct {
	Name          string
	MACAddress    string
	Kind          TransportKind
	// Advertisement is the 11-byte truncated_hmac||salt service-data blob of spec.md §6, or nil if
	// the scan couldn't capture it (legacy proxies fall back to MACAddress matching).
	Advertisement []byte
	// Dial opens (but does not yet run the handshake over) a transport.Link to this candidate.
	Dial func(ctx context.Context) (transport.Link, error)
}

// Scanner is the host-provided BLE/RFCOMM discovery collaborator, external to this library per
// spec.md §4.1: a single blocking scan call that invokes a callback per candidate observed.
type Scanner interface {
	// Scan blocks, invoking onDiscovered for each candidate observed, until ctx is done.
	Scan(ctx context.Context, onDiscovered func(Discovery)) error
}

// Events is the set of callbacks ConnectionManager invokes as association/connection proceeds,
// per spec.md §4.11.
type Events struct {
	OnDeviceDiscovered    func(name string)
	OnAssociationStart    func()
	OnAuthStringAvailable func(code string)
	OnAssociated          func(car *Car)
	OnAssociationFailed   func(err error)
	OnConnected           func(car *Car)
	OnDisconnected        func(car *Car, err error)
}

func (e Events) deviceDiscovered(name string) {
	if e.OnDeviceDiscovered != nil {
		e.OnDeviceDiscovered(name)
	}
}
func (e Events) associationStart() {
	if e.OnAssociationStart != nil {
		e.OnAssociationStart()
	}
}
func (e Events) authStringAvailable(code string) {
	if e.OnAuthStringAvailable != nil {
		e.OnAuthStringAvailable(code)
	}
}
func (e Events) associated(car *Car) {
	if e.OnAssociated != nil {
		e.OnAssociated(car)
	}
}
func (e Events) associationFailed(err error) {
	if e.OnAssociationFailed != nil {
		e.OnAssociationFailed(err)
	}
}
func (e Events) connected(car *Car) {
	if e.OnConnected != nil {
		e.OnConnected(car)
	}
}
func (e Events) disconnected(car *Car, err error) {
	if e.OnDisconnected != nil {
		e.OnDisconnected(car, err)
	}
}

// Config controls ConnectionManager's scan-filtering and retry behavior.
type Config struct {
	// LocalDeviceID identifies this phone in the identity exchange of spec.md §4.8.
	LocalDeviceID uuid.UUID
	// MTU sizes the MessageStream packetizer for every Peer/Car this manager creates.
	MTU int
	// AllowedNames is the allow-by-name list of spec.md §4.11, honoured for BLE proxies that
	// cannot advertise per-salt reconnection data.
	AllowedNames []string
	// SPPRetryInterval is the delay before retrying a failed classic-Bluetooth connect attempt,
	// per spec.md §4.11. Defaults to 2 seconds.
	SPPRetryInterval time.Duration
	// OOBChannels are raced during association, per spec.md §4.6.
	OOBChannels []oob.Channel
}

const defaultSPPRetryInterval = 2 * time.Second

// ConnectionManager is C11: it scans, decides should_connect against CarStore, and drives
// PendingCar's Associate/Reconnect to completion for each candidate it accepts, handing the
// result to Events as a Car. Start spawns one scan goroutine; Stop cancels it, disconnects every
// Car it created, and waits for the scan goroutine to exit.
type ConnectionManager struct {
	scanner Scanner
	store   carstore.CarStore
	cfg     Config
	events  Events

	// associate/reconnect are swappable for testing; production callers get pendingcar's real
	// implementations via New.
	associate func(ctx context.Context, peer *pendingcar.Peer, localDeviceID uuid.UUID, cfg pendingcar.AssociationConfig) (*pendingcar.Result, error)
	reconnect func(ctx context.Context, peer *pendingcar.Peer, cfg pendingcar.ReconnectConfig) (*pendingcar.Result, error)

	mu                   sync.Mutex
	running              bool
	cancel               context.CancelFunc
	wg                   sync.WaitGroup
	ongoingAssociation   bool
	ongoingReconnections map[string]bool
	cars                 map[uuid.UUID]*Car

	log log.Tagged
}

// New returns a ConnectionManager ready to Start.
func New(scanner Scanner, store carstore.CarStore, cfg Config) *ConnectionManager {
	if cfg.SPPRetryInterval <= 0 {
		cfg.SPPRetryInterval = defaultSPPRetryInterval
	}
	return &ConnectionManager{
		scanner:              scanner,
		store:                store,
		cfg:                  cfg,
		associate:            pendingcar.Associate,
		reconnect:            pendingcar.Reconnect,
		ongoingReconnections: make(map[string]bool),
		cars:                 make(map[uuid.UUID]*Car),
		log:                  log.Tag("companion.manager"),
	}
}

// SetEvents installs the callbacks the manager fires. Call before Start.
func (m *ConnectionManager) SetEvents(events Events) {
	m.events = events
}

// Start begins scanning, per spec.md §4.11's lifecycle rule ("On start, begin scanning and
// rebind to all currently bonded peers" — rebinding happens naturally as the scan surfaces
// already-associated peers and should_connect matches them for reconnection).
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		onDiscovered := func(d Discovery) { m.handleDiscovery(scanCtx, d) }
		if err := m.scanner.Scan(scanCtx, onDiscovered); err != nil && scanCtx.Err() == nil {
			m.log.Warning("scan ended: %v", err)
		}
	}()
	return nil
}

// Stop cancels scanning and disconnects every Car this manager created, per spec.md §4.11 ("On
// stop, cancel scanning and disconnect every Car").
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	cars := make([]*Car, 0, len(m.cars))
	for _, c := range m.cars {
		cars = append(cars, c)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range cars {
		c.Disconnect()
	}
	m.wg.Wait()
}

// handleDiscovery runs should_connect and, if accepted, drives the connect attempt in its own
// goroutine so the scan loop is never blocked on a handshake.
func (m *ConnectionManager) handleDiscovery(ctx context.Context, d Discovery) {
	m.events.deviceDiscovered(d.Name)

	known, deviceID, ok := m.shouldConnect(d)
	if !ok {
		return
	}

	key := d.MACAddress
	m.mu.Lock()
	if known {
		if m.ongoingReconnections[key] {
			m.mu.Unlock()
			return
		}
		m.ongoingReconnections[key] = true
	} else {
		if m.ongoingAssociation {
			m.mu.Unlock()
			return
		}
		m.ongoingAssociation = true
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			if known {
				delete(m.ongoingReconnections, key)
			} else {
				m.ongoingAssociation = false
			}
			m.mu.Unlock()
		}()
		m.connect(ctx, d, known, deviceID)
	}()
}

// shouldConnect implements spec.md §4.11's scan filter: a stored peer recognized from its
// advertised truncated HMAC, or an unrecognized candidate whose name is on the allow-by-name
// list (legacy BLE proxies that cannot advertise per-salt data).
func (m *ConnectionManager) shouldConnect(d Discovery) (known bool, deviceID uuid.UUID, ok bool) {
	if len(d.Advertisement) == identify.TruncatedSize+identify.SaltSize {
		var truncated [identify.TruncatedSize]byte
		var salt [identify.SaltSize]byte
		copy(truncated[:], d.Advertisement[:identify.TruncatedSize])
		copy(salt[:], d.Advertisement[identify.TruncatedSize:])

		candidates, err := m.store.Candidates()
		if err != nil {
			m.log.Error("loading candidates: %v", err)
			return false, uuid.Nil, false
		}
		if id, found := identify.FindMatch(salt, truncated, candidates); found {
			return true, id, true
		}
	}

	for _, name := range m.cfg.AllowedNames {
		if name == d.Name {
			return false, uuid.Nil, true
		}
	}
	return false, uuid.Nil, false
}

// connect drives one candidate to completion: dial, handshake (Reconnect if known, Associate
// otherwise), store the result, and surface the resulting Car. It retries RFCOMM dial, connect
// and reconnection-handshake failures after cfg.SPPRetryInterval, per spec.md §4.11 ("on SPP
// connection failure ... retry after 2 s"); a failed fresh association is reported without a
// retry. BLE failures are not retried here since the scanner will surface the peer again.
func (m *ConnectionManager) connect(ctx context.Context, d Discovery, known bool, deviceID uuid.UUID) {
	for {
		link, err := d.Dial(ctx)
		if err != nil {
			if m.retryAfterFailure(ctx, d.Kind) {
				continue
			}
			m.events.associationFailed(err)
			return
		}

		peer := pendingcar.NewPeer(link, m.mtu())
		if err := peer.Connect(ctx); err != nil {
			if m.retryAfterFailure(ctx, d.Kind) {
				continue
			}
			m.events.associationFailed(err)
			return
		}

		var result *pendingcar.Result
		if known {
			record, found, err := m.store.Get(deviceID)
			if err != nil || !found {
				m.events.associationFailed(err)
				return
			}
			result, err = m.reconnect(ctx, peer, pendingcar.ReconnectConfig{
				DeviceID:          deviceID,
				ResumeBlob:        handshake.ResumeBlob(record.EncryptionSession),
				IdentificationKey: record.IdentificationKey,
			})
			if err != nil {
				if m.retryAfterFailure(ctx, d.Kind) {
					continue
				}
				m.events.associationFailed(err)
				return
			}
			if err := m.store.UpdateEncryptionSession(deviceID, []byte(result.ResumeBlob)); err != nil {
				m.log.Error("persisting resume blob: %v", err)
			}
			car := m.newTrackedCar(peer, result, record.Name)
			m.events.connected(car)
			return
		}

		m.events.associationStart()
		result, err = m.associate(ctx, peer, m.cfg.LocalDeviceID, pendingcar.AssociationConfig{
			OOBChannels: m.cfg.OOBChannels,
			ConfirmVisual: func(ctx context.Context, code string) error {
				m.events.authStringAvailable(code)
				return nil
			},
		})
		if err != nil {
			m.events.associationFailed(err)
			return
		}
		record := carstore.PeerRecord{
			DeviceID:          result.DeviceID,
			Name:              d.Name,
			MACAddress:        d.MACAddress,
			EncryptionSession: []byte(result.ResumeBlob),
			IdentificationKey: result.IdentificationKey,
		}
		if err := m.store.Put(record); err != nil {
			m.log.Error("persisting new peer record: %v", err)
		}
		car := m.newTrackedCar(peer, result, d.Name)
		m.events.associated(car)
		m.events.connected(car)
		return
	}
}

func (m *ConnectionManager) newTrackedCar(peer *pendingcar.Peer, result *pendingcar.Result, name string) *Car {
	car := newCar(peer, result.DeviceID, name, result.IdentificationKey, m.handleCarDisconnected)
	m.mu.Lock()
	m.cars[car.DeviceID] = car
	m.mu.Unlock()
	return car
}

func (m *ConnectionManager) handleCarDisconnected(car *Car, err error) {
	m.mu.Lock()
	delete(m.cars, car.DeviceID)
	m.mu.Unlock()
	m.events.disconnected(car, err)
}

// retryAfterFailure sleeps cfg.SPPRetryInterval and returns true if kind is TransportRFCOMM and
// ctx has not been canceled; BLE candidates are never retried here.
func (m *ConnectionManager) retryAfterFailure(ctx context.Context, kind TransportKind) bool {
	if kind != TransportRFCOMM {
		return false
	}
	select {
	case <-time.After(m.cfg.SPPRetryInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ConnectionManager) mtu() int {
	if m.cfg.MTU > 0 {
		return m.cfg.MTU
	}
	return 185 // GATT default ATT MTU (23) falls well short of real use; callers should set MTU.
}
