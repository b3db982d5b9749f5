// Package rfcomm implements transport.Link over classic Bluetooth RFCOMM sockets, using the
// 4-byte little-endian length-prefix framing of spec.md §6. Socket handling follows the raw
// AF_BLUETOOTH syscall pattern used throughout the corpus's own HCI socket code: a plain fd
// wrapped in Read/Write/Close, no net.Conn indirection.
package rfcomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/pkg/transport"
)

// defaultMaxWriteSize bounds a single Send call. Classic Bluetooth's L2CAP MTU is considerably
// larger than BLE's ATT MTU and spec.md places no GATT-style reservation rule on RFCOMM, so this
// is a conservative default rather than a protocol requirement.
const defaultMaxWriteSize = 4096

var logger = log.Tag("transport.rfcomm")

type socket struct {
	fd       int
	readLock sync.Mutex
}

func newSocket() (*socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: create socket: %w", err)
	}
	return &socket{fd: fd}, nil
}

func (s *socket) Read(p []byte) (int, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()
	return unix.Read(s.fd, p)
}

func (s *socket) Write(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

func (s *socket) Close() error {
	return unix.Close(s.fd)
}

// parseAddr converts a colon-separated MAC address string ("AA:BB:CC:DD:EE:FF") into the
// reversed byte order the Linux bdaddr_t wire representation expects.
func parseAddr(mac string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("rfcomm: malformed MAC address %q", mac)
	}
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseUint(parts[i], 16, 8)
		if err != nil {
			return out, fmt.Errorf("rfcomm: malformed MAC address %q: %w", mac, err)
		}
		out[5-i] = byte(v)
	}
	return out, nil
}

// Dial opens an RFCOMM connection to addr (a MAC address) on the given channel.
func Dial(ctx context.Context, addr string, channel uint8) (*Link, error) {
	bdaddr, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	sock, err := newSocket()
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrRFCOMM{Channel: channel, Addr: bdaddr}
	if err := unix.Connect(sock.fd, sa); err != nil {
		sock.Close()
		return nil, fmt.Errorf("rfcomm: connect to %s channel %d: %w", addr, channel, err)
	}
	return &Link{sock: sock, name: addr}, nil
}

// Listener accepts inbound RFCOMM connections on a fixed channel. Used both as a Link source and,
// via internal/oob's RFCOMMChannel, as the out-of-band key-material channel of spec.md §4.6.
type Listener struct {
	sock *socket
}

// Listen binds and listens on the given RFCOMM channel, accepting a single backlog connection.
func Listen(channel uint8) (*Listener, error) {
	sock, err := newSocket()
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrRFCOMM{Channel: channel}
	if err := unix.Bind(sock.fd, sa); err != nil {
		sock.Close()
		return nil, fmt.Errorf("rfcomm: bind channel %d: %w", channel, err)
	}
	if err := unix.Listen(sock.fd, 1); err != nil {
		sock.Close()
		return nil, fmt.Errorf("rfcomm: listen channel %d: %w", channel, err)
	}
	return &Listener{sock: sock}, nil
}

// Accept blocks for one inbound connection. Cancelling ctx does not interrupt a pending accept(2)
// syscall; callers that need prompt cancellation (spec.md §4.6's OOB timeout) must also Close the
// Listener from another goroutine, which unblocks Accept with an error.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	nfd, _, err := unix.Accept(l.sock.fd)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: accept: %w", err)
	}
	return &Link{sock: &socket{fd: nfd}}, nil
}

// Close releases the listening socket, unblocking any pending Accept.
func (l *Listener) Close() error {
	return l.sock.Close()
}

// AcceptRaw blocks for one inbound connection and returns the raw socket, for callers (internal/oob's
// RFCOMMChannel) that want to read a fixed-format payload rather than drive a full transport.Link.
func (l *Listener) AcceptRaw(ctx context.Context) (io.ReadCloser, error) {
	nfd, _, err := unix.Accept(l.sock.fd)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: accept: %w", err)
	}
	return &socket{fd: nfd}, nil
}

// OOBListener adapts Listener to internal/oob's accepter contract (an Accept method returning
// io.ReadCloser) so an RFCOMM listener can back an out-of-band channel.
type OOBListener struct{ *Listener }

func (o OOBListener) Accept(ctx context.Context) (io.ReadCloser, error) {
	return o.Listener.AcceptRaw(ctx)
}

// Link implements transport.Link over a connected RFCOMM socket.
type Link struct {
	sock *socket
	name string

	mu        sync.Mutex
	events    transport.Events
	closeOnce sync.Once
}

var _ transport.Link = (*Link)(nil)

// Connect starts the inbound read loop and immediately reports success: the socket is already
// connected by the time a Link exists (via Dial or Listener.Accept).
func (l *Link) Connect(ctx context.Context, events transport.Events) error {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
	go l.readLoop()
	if events.OnConnected != nil {
		events.OnConnected()
	}
	return nil
}

func (l *Link) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(l.sock, header); err != nil {
			l.disconnected(err)
			return
		}
		length := binary.LittleEndian.Uint32(header)
		payload := make([]byte, length)
		if _, err := io.ReadFull(l.sock, payload); err != nil {
			l.disconnected(err)
			return
		}
		l.mu.Lock()
		cb := l.events.OnMessageReceived
		l.mu.Unlock()
		if cb != nil {
			cb(payload)
		}
	}
}

func (l *Link) disconnected(err error) {
	logger.Debug("rfcomm link to %s closed: %v", l.name, err)
	l.mu.Lock()
	cb := l.events.OnDisconnected
	l.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Send writes the 4-byte little-endian length prefix and payload, per spec.md §6.
func (l *Link) Send(ctx context.Context, payload []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := l.sock.Write(header); err != nil {
		return fmt.Errorf("rfcomm: write header: %w", err)
	}
	if _, err := l.sock.Write(payload); err != nil {
		return fmt.Errorf("rfcomm: write payload: %w", err)
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
		l.sock.Close()
	})
}

func (l *Link) MaxWriteSize() int {
	return defaultMaxWriteSize
}

func (l *Link) DeviceName() string {
	return l.name
}
