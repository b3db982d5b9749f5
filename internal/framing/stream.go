package framing

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/pkg/protocol"
)

// defaultCompressionThreshold is the minimum CLIENT_MESSAGE payload size, in bytes, worth
// attempting to DEFLATE. Below it the per-message compression overhead routinely exceeds any
// saving, so Stream skips the attempt entirely.
const defaultCompressionThreshold = 256

// PacketSender delivers one Packet to the peer and blocks until the transport has confirmed
// delivery (spec.md §4.3 step 5: "serialized, next packet only after on_message_sent"). Concrete
// TransportLink adapters implement this by wrapping their send-and-wait primitive.
type PacketSender interface {
	SendPacket(ctx context.Context, p protocol.Packet) error
}

// Callback receives a fully reassembled, decrypted, decompressed StreamMessage.
type Callback func(protocol.StreamMessage)

// Stream implements MessageStream (C3): the compress/encrypt/packetize pipeline on top of a
// Packetizer and a PacketSender, per spec.md §4.3.
type Stream struct {
	log    log.Tagged
	sender PacketSender
	mtu    int
	// compressionEnabled mirrors the v3-only compression rule of spec.md §4.3; v2 peers run this
	// same pipeline with it false.
	compressionEnabled   bool
	CompressionThreshold int

	mu            sync.Mutex
	nextMessageID uint32
	encryptionKey []byte
	reassembler   *Reassembler
	callback      Callback
}

// NewStream returns a Stream that sends through sender and packetizes to mtu-sized frames.
// compressionEnabled should be false for a v2-negotiated peer and true for v3+.
func NewStream(sender PacketSender, mtu int, compressionEnabled bool) *Stream {
	return &Stream{
		log:                  log.Tag("framing.stream"),
		sender:               sender,
		mtu:                  mtu,
		compressionEnabled:   compressionEnabled,
		CompressionThreshold: defaultCompressionThreshold,
		reassembler:          NewReassembler(),
	}
}

// RegisterCallback installs the handler invoked for every reassembled inbound StreamMessage.
func (s *Stream) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// SetEncryptionKey installs (or replaces) the AES-GCM session key used for encrypted payloads.
func (s *Stream) SetEncryptionKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptionKey = append([]byte(nil), key...)
}

// Send runs the outbound pipeline of spec.md §4.3 and returns the assigned message id.
func (s *Stream) Send(ctx context.Context, msg protocol.StreamMessage) (uint32, error) {
	s.mu.Lock()
	key := s.encryptionKey
	messageID := s.nextMessageID
	s.nextMessageID++ // wraps to 0 at the uint32 boundary, per spec.md §4.2.
	s.mu.Unlock()

	payload := msg.Payload
	var originalSize uint32
	if s.compressionEnabled && msg.Operation == protocol.OperationClientMessage && len(payload) > s.CompressionThreshold {
		if compressed, ok := deflate(payload); ok && len(compressed) < len(payload) {
			originalSize = uint32(len(payload))
			payload = compressed
		}
	}
	if msg.PayloadIsEncrypted {
		if len(key) == 0 {
			return 0, protocol.ErrNoHandshakeKey
		}
		sealed, err := seal(key, payload)
		if err != nil {
			return 0, fmt.Errorf("encrypt message: %w", err)
		}
		payload = sealed
	}
	envelope := protocol.MarshalMessage(protocol.StreamMessage{
		Payload:            payload,
		Operation:          msg.Operation,
		PayloadIsEncrypted: msg.PayloadIsEncrypted,
		OriginalSize:       originalSize,
		Recipient:          msg.Recipient,
	})

	packets, err := Pack(messageID, envelope, s.mtu)
	if err != nil {
		return 0, err
	}
	for _, p := range packets {
		if err := s.sender.SendPacket(ctx, p); err != nil {
			return messageID, fmt.Errorf("send packet %d/%d: %w", p.PacketNumber, p.TotalPackets, err)
		}
	}
	return messageID, nil
}

// Feed delivers one inbound Packet to the reassembler and, once a full message arrives, runs the
// inbound pipeline of spec.md §4.3 and invokes the registered callback. A framing error is fatal
// and must be treated by the caller as a reason to disconnect; a decode or decrypt failure is
// logged and the packet is dropped (parse failure) or also fatal (decrypt failure), per spec.md
// §4.3's error rules.
func (s *Stream) Feed(p protocol.Packet) error {
	reassembled, ok, err := s.reassembler.Feed(p)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	msg, err := protocol.UnmarshalMessage(reassembled.Payload)
	if err != nil {
		s.log.Warning("dropping unparseable message %d: %v", reassembled.MessageID, err)
		return nil
	}

	s.mu.Lock()
	key := s.encryptionKey
	cb := s.callback
	s.mu.Unlock()

	if msg.PayloadIsEncrypted {
		if len(key) == 0 {
			return protocol.ErrNoHandshakeKey
		}
		opened, err := open(key, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrDecryptFailed, err)
		}
		msg.Payload = opened
	}
	if msg.OriginalSize > 0 {
		inflated, err := inflate(msg.Payload, int(msg.OriginalSize))
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrInflateFailed, err)
		}
		msg.Payload = inflated
	}
	msg.PayloadIsEncrypted = false
	msg.OriginalSize = 0

	if cb != nil {
		cb(msg)
	}
	return nil
}

func deflate(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(payload); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func inflate(payload []byte, originalSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	out := make([]byte, originalSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n != originalSize {
		return nil, fmt.Errorf("inflated %d bytes, want %d", n, originalSize)
	}
	// The reader must end exactly here: any trailing byte means original_size understated the
	// true length and the stream is corrupt.
	var extra [1]byte
	if extraN, _ := r.Read(extra[:]); extraN != 0 {
		return nil, fmt.Errorf("inflated payload exceeds declared original_size %d", originalSize)
	}
	return out, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
