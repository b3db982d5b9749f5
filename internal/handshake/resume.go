package handshake

import (
	"crypto/hmac"
	"fmt"

	"github.com/caraloop/carlink/pkg/protocol"
)

// resumeState tracks the 2-message proof-of-possession exchange of spec.md §4.7's resume mode.
type resumeState int

const (
	resumeStateUninitiated resumeState = iota
	resumeStateAwaitingResponse // initiator: sent its proof, awaiting the responder's
	resumeStateDone
	resumeStateFailed
)

// ResumeSession re-establishes a session key from a previously stored ResumeBlob without a full
// fresh handshake: each side proves possession of the old resume key, then both derive a new
// session key and a ratcheted resume key for next time, per spec.md §4.7/§4.8.4.
type ResumeSession struct {
	role  Role
	state resumeState

	resumeKey []byte
	nonce     []byte // this side's nonce

	newSessionKey []byte
	newResumeBlob ResumeBlob
}

// NewResumeInitiator begins a resume handshake as the side that opens the transport connection.
func NewResumeInitiator(blob ResumeBlob) (*ResumeSession, error) {
	key, err := blob.resumeKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSessionKeyMismatch, err)
	}
	return &ResumeSession{role: RoleInitiator, state: resumeStateUninitiated, resumeKey: key}, nil
}

// NewResumeResponder begins a resume handshake as the side that accepted the connection.
func NewResumeResponder(blob ResumeBlob) (*ResumeSession, error) {
	key, err := blob.resumeKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSessionKeyMismatch, err)
	}
	return &ResumeSession{role: RoleResponder, state: resumeStateUninitiated, resumeKey: key}, nil
}

// Start produces the initiator's proof message.
func (s *ResumeSession) Start() ([]byte, error) {
	if s.role != RoleInitiator || s.state != resumeStateUninitiated {
		return nil, fmt.Errorf("%w: Start called out of order", protocol.ErrProtocolViolation)
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	s.nonce = nonce
	proof := hmacSHA256(s.resumeKey, append([]byte("initiator"), nonce...))
	s.state = resumeStateAwaitingResponse
	return marshalResume(msgResume{Nonce: nonce, Proof: proof}), nil
}

// HandleMessage feeds one received resume message. done is true once this side has derived the new
// session key (the responder is done as soon as it sends its own proof; the initiator is done once
// it has verified the responder's).
func (s *ResumeSession) HandleMessage(raw []byte) (out []byte, done bool, err error) {
	switch s.state {
	case resumeStateUninitiated:
		return s.handleInitiatorProof(raw)
	case resumeStateAwaitingResponse:
		return s.handleResponderProof(raw)
	default:
		return nil, false, fmt.Errorf("%w: unexpected resume message for current state", protocol.ErrProtocolViolation)
	}
}

func (s *ResumeSession) handleInitiatorProof(raw []byte) ([]byte, bool, error) {
	if s.role != RoleResponder {
		return nil, false, fmt.Errorf("%w: initiator proof received by initiator", protocol.ErrProtocolViolation)
	}
	m, err := unmarshalResume(raw)
	if err != nil {
		s.state = resumeStateFailed
		return nil, false, err
	}
	expected := hmacSHA256(s.resumeKey, append([]byte("initiator"), m.Nonce...))
	if !hmac.Equal(expected, m.Proof) {
		s.state = resumeStateFailed
		return nil, false, protocol.ErrSessionKeyMismatch
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, false, err
	}
	s.nonce = nonce
	proof := hmacSHA256(s.resumeKey, append(append([]byte("responder"), m.Nonce...), nonce...))

	if err := s.deriveNext(m.Nonce, nonce); err != nil {
		s.state = resumeStateFailed
		return nil, false, err
	}
	s.state = resumeStateDone
	return marshalResume(msgResume{Nonce: nonce, Proof: proof}), true, nil
}

func (s *ResumeSession) handleResponderProof(raw []byte) ([]byte, bool, error) {
	if s.role != RoleInitiator {
		return nil, false, fmt.Errorf("%w: responder proof received by responder", protocol.ErrProtocolViolation)
	}
	m, err := unmarshalResume(raw)
	if err != nil {
		s.state = resumeStateFailed
		return nil, false, err
	}
	expected := hmacSHA256(s.resumeKey, append(append([]byte("responder"), s.nonce...), m.Nonce...))
	if !hmac.Equal(expected, m.Proof) {
		s.state = resumeStateFailed
		return nil, false, protocol.ErrSessionKeyMismatch
	}
	if err := s.deriveNext(s.nonce, m.Nonce); err != nil {
		s.state = resumeStateFailed
		return nil, false, err
	}
	s.state = resumeStateDone
	return nil, true, nil
}

func (s *ResumeSession) deriveNext(initiatorNonce, responderNonce []byte) error {
	transcript := append(append([]byte{}, initiatorNonce...), responderNonce...)
	sessionKey, err := deriveSubkey(s.resumeKey, transcript, "carlink resume session key", sessionKeySize)
	if err != nil {
		return err
	}
	nextResumeKey, err := deriveSubkey(s.resumeKey, transcript, "carlink resume next key", resumeKeySize)
	if err != nil {
		return err
	}
	s.newSessionKey = sessionKey
	s.newResumeBlob = newResumeBlob(nextResumeKey)
	return nil
}

// Result returns the new session key and ratcheted resume blob. Only valid once HandleMessage has
// reported done=true.
func (s *ResumeSession) Result() ([]byte, ResumeBlob, error) {
	if s.state != resumeStateDone {
		return nil, nil, fmt.Errorf("%w: resume not complete", protocol.ErrProtocolViolation)
	}
	return s.newSessionKey, s.newResumeBlob, nil
}
