package handshake

import (
	"crypto/hmac"
	"fmt"

	"github.com/caraloop/carlink/internal/oob"
	"github.com/caraloop/carlink/pkg/protocol"
)

// Role distinguishes the two sides of a fresh handshake. The phone is the Initiator (it opened the
// transport connection); the head unit is the Responder.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State tracks progress through the 3-message commit/reveal key exchange of spec.md §4.7.
type State int

const (
	StateUninitiated State = iota
	stateAwaitingPeerKeyExchange
	stateAwaitingPeerReveal
	// StateAwaitingConfirmation is reached once both sides have derived the session key; it covers
	// both of spec.md's VISUAL_VERIFICATION_NEEDED and OOB_VERIFICATION_NEEDED, which differ only in
	// which of VisualCode/SealOOBToken the caller uses before calling NotifyConfirmed.
	StateAwaitingConfirmation
	StateEstablished
	StateFailed
)

// ResumeBlob is the opaque material persisted in PeerRecord.EncryptionSession and fed back into
// NewResumeInitiator/NewResumeResponder on a later reconnection.
type ResumeBlob []byte

const resumeBlobVersion byte = 1

func newResumeBlob(key []byte) ResumeBlob {
	return append(ResumeBlob{resumeBlobVersion}, key...)
}

func (b ResumeBlob) resumeKey() ([]byte, error) {
	if len(b) != 1+resumeKeySize || b[0] != resumeBlobVersion {
		return nil, fmt.Errorf("handshake: malformed resume blob")
	}
	return b[1:], nil
}

// Session drives the fresh (non-resume) handshake: a commitment to an ephemeral public key and
// nonce, the peer's ephemeral public key and nonce, then the initiator's reveal. All three messages
// carry operation=HANDSHAKE, payload_is_encrypted=false per spec.md §4.7.
type Session struct {
	role  Role
	state State

	priv   keyPair
	nonce  []byte

	commitment   []byte // the commitment this side sent (initiator) or received (responder)
	peerPublic   []byte
	peerNonce    []byte

	sessionKey []byte
	resumeKey  []byte
	authSubkey []byte // truncated to a 6-digit visual code
	oobSubkey  []byte // the 16-byte token exchanged in OOB mode
}

// keyPair narrows the stdlib ecdh type down to what Session needs.
type keyPair interface {
	PublicKeyBytes() []byte
	SharedSecret(peerPublic []byte) ([]byte, error)
}

// NewInitiator returns a Session for the side that opens the transport connection (the phone).
func NewInitiator() *Session { return &Session{role: RoleInitiator, state: StateUninitiated} }

// NewResponder returns a Session for the side that accepted the connection (the head unit, in a
// test harness; on the phone this type is never constructed in this role).
func NewResponder() *Session { return &Session{role: RoleResponder, state: StateUninitiated} }

// Start produces the first handshake message (a key commitment). Only valid for an Initiator in
// StateUninitiated.
func (s *Session) Start() ([]byte, error) {
	if s.role != RoleInitiator || s.state != StateUninitiated {
		return nil, fmt.Errorf("%w: Start called out of order", protocol.ErrProtocolViolation)
	}
	priv, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	s.priv = nativeKeyPair{priv}
	s.nonce = nonce
	s.commitment = commitmentOf(s.priv.PublicKeyBytes(), nonce)
	s.state = stateAwaitingPeerKeyExchange
	return marshalCommit(msgCommit{Commitment: s.commitment}), nil
}

// HandleMessage feeds one received handshake payload and returns the next message to send, if any.
// ready is true once the session has reached StateAwaitingConfirmation and the caller should move
// on to visual or OOB verification.
func (s *Session) HandleMessage(raw []byte) (out []byte, ready bool, err error) {
	switch s.state {
	case StateUninitiated:
		return s.handleCommit(raw)
	case stateAwaitingPeerKeyExchange:
		return s.handleKeyExchange(raw)
	case stateAwaitingPeerReveal:
		return s.handleReveal(raw)
	default:
		s.state = StateFailed
		return nil, false, fmt.Errorf("%w: unexpected handshake message for current state", protocol.ErrProtocolViolation)
	}
}

func (s *Session) handleCommit(raw []byte) ([]byte, bool, error) {
	if s.role != RoleResponder {
		return nil, false, fmt.Errorf("%w: commit received by initiator", protocol.ErrProtocolViolation)
	}
	m, err := unmarshalCommit(raw)
	if err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	priv, err := generateKeyPair()
	if err != nil {
		return nil, false, err
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, false, err
	}
	s.priv = nativeKeyPair{priv}
	s.nonce = nonce
	s.commitment = m.Commitment
	s.state = stateAwaitingPeerReveal
	return marshalKeyExchange(msgKeyExchange{Nonce: nonce, PublicKey: s.priv.PublicKeyBytes()}), false, nil
}

func (s *Session) handleKeyExchange(raw []byte) ([]byte, bool, error) {
	if s.role != RoleInitiator {
		return nil, false, fmt.Errorf("%w: key exchange received by responder", protocol.ErrProtocolViolation)
	}
	m, err := unmarshalKeyExchange(raw)
	if err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	s.peerPublic = m.PublicKey
	s.peerNonce = m.Nonce

	shared, err := s.priv.SharedSecret(m.PublicKey)
	if err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	ownPublic := s.priv.PublicKeyBytes()
	transcript := buildTranscript(s.commitment, ownPublic, s.nonce, m.PublicKey, m.Nonce)
	if err := s.deriveKeys(shared, transcript); err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	s.state = StateAwaitingConfirmation
	return marshalKeyExchange(msgKeyExchange{Nonce: s.nonce, PublicKey: ownPublic}), true, nil
}

func (s *Session) handleReveal(raw []byte) ([]byte, bool, error) {
	if s.role != RoleResponder {
		return nil, false, fmt.Errorf("%w: reveal received by initiator", protocol.ErrProtocolViolation)
	}
	m, err := unmarshalKeyExchange(raw)
	if err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	check := commitmentOf(m.PublicKey, m.Nonce)
	if !hmac.Equal(check, s.commitment) {
		s.state = StateFailed
		return nil, false, fmt.Errorf("%w: revealed key does not match earlier commitment", protocol.ErrProtocolViolation)
	}
	s.peerPublic = m.PublicKey
	s.peerNonce = m.Nonce

	shared, err := s.priv.SharedSecret(m.PublicKey)
	if err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	transcript := buildTranscript(s.commitment, m.PublicKey, m.Nonce, s.priv.PublicKeyBytes(), s.nonce)
	if err := s.deriveKeys(shared, transcript); err != nil {
		s.state = StateFailed
		return nil, false, err
	}
	s.state = StateAwaitingConfirmation
	return nil, true, nil
}

// buildTranscript canonicalizes the four handshake values (commitment, then initiator's and
// responder's public key/nonce pairs in that fixed order) so both sides feed HKDF identical salt
// material regardless of which side is computing it.
func buildTranscript(commitment, initiatorPublic, initiatorNonce, responderPublic, responderNonce []byte) []byte {
	out := make([]byte, 0, len(commitment)+len(initiatorPublic)+len(initiatorNonce)+len(responderPublic)+len(responderNonce))
	out = append(out, commitment...)
	out = append(out, initiatorPublic...)
	out = append(out, initiatorNonce...)
	out = append(out, responderPublic...)
	out = append(out, responderNonce...)
	return out
}

func (s *Session) deriveKeys(shared, transcript []byte) error {
	var err error
	if s.sessionKey, err = deriveSubkey(shared, transcript, "carlink session key", sessionKeySize); err != nil {
		return err
	}
	if s.resumeKey, err = deriveSubkey(shared, transcript, "carlink resume key", resumeKeySize); err != nil {
		return err
	}
	if s.authSubkey, err = deriveSubkey(shared, transcript, "carlink auth string", 4); err != nil {
		return err
	}
	if s.oobSubkey, err = deriveSubkey(shared, transcript, "carlink oob token", oobTokenSize); err != nil {
		return err
	}
	return nil
}

// VisualCode returns the 6-digit decimal string both sides display for VISUAL_VERIFICATION_NEEDED,
// per spec.md §4.7.
func (s *Session) VisualCode() (string, error) {
	if s.state != StateAwaitingConfirmation {
		return "", fmt.Errorf("%w: no verification code available in current state", protocol.ErrNoVerificationCode)
	}
	return visualCode(s.authSubkey), nil
}

// SealOOBToken encrypts this session's OOB token under data (using data.LocalIV), for
// OOB_VERIFICATION_NEEDED per spec.md §4.7.
func (s *Session) SealOOBToken(data oob.OobData) ([]byte, error) {
	if s.state != StateAwaitingConfirmation {
		return nil, fmt.Errorf("%w: no verification code available in current state", protocol.ErrNoVerificationCode)
	}
	return sealOobToken(data, s.oobSubkey)
}

// VerifyOOBToken decrypts the peer's sealed token (using data.RemoteIV) and bit-compares it to this
// session's own token. A mismatch means the two sides do not share a session key (a different
// device in range, or an active attacker) and association must abort.
func (s *Session) VerifyOOBToken(data oob.OobData, ciphertext []byte) error {
	if s.state != StateAwaitingConfirmation {
		return fmt.Errorf("%w: no verification code available in current state", protocol.ErrNoVerificationCode)
	}
	plaintext, err := openOobToken(data, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrOobMismatch, err)
	}
	if !hmac.Equal(plaintext, s.oobSubkey) {
		return protocol.ErrOobMismatch
	}
	return nil
}

// NotifyConfirmed finalizes the handshake (the caller has either accepted the visual code or
// completed OOB token verification) and returns the derived session key and the resume blob to
// persist in PeerRecord.EncryptionSession.
func (s *Session) NotifyConfirmed() (sessionKey []byte, resume ResumeBlob, err error) {
	if s.state != StateAwaitingConfirmation {
		return nil, nil, fmt.Errorf("%w: not awaiting confirmation", protocol.ErrProtocolViolation)
	}
	s.state = StateEstablished
	return s.sessionKey, newResumeBlob(s.resumeKey), nil
}
