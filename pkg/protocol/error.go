// Package protocol defines the wire-level message types exchanged between a phone and a vehicle
// head unit, and the error taxonomy produced while processing them.
package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors raised anywhere in the trust-agent core.
type Error interface {
	error

	// MayHaveSucceeded returns true if the operation that produced the Error might have already
	// taken effect on the peer. For example, a transport write error leaves the caller unable to
	// tell whether the peer received the bytes before the link dropped.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition that is
	// reasonable to retry without caller intervention.
	Temporary() bool
}

// CommandError is the concrete Error implementation used throughout the core.
type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string          { return e.Err.Error() }
func (e *CommandError) Unwrap() error          { return e.Err }
func (e *CommandError) MayHaveSucceeded() bool { return e.PossibleSuccess }
func (e *CommandError) Temporary() bool        { return e.PossibleTemporary }

// Sentinel errors. Names follow spec.md §7's failure taxonomy.
var (
	// ErrNotConnected indicates there is no live TransportLink to the peer.
	ErrNotConnected = NewError("peer not connected", false, false)
	// ErrDisconnected indicates the transport disconnected while an operation was in flight.
	ErrDisconnected = NewError("transport disconnected", false, false)
	// ErrIncompatibleVersion indicates VersionNegotiator found an empty intersection window.
	ErrIncompatibleVersion = NewError("no compatible message/security version", false, false)
	// ErrNoVerificationCode indicates a handshake state expected a verification code but none was
	// available.
	ErrNoVerificationCode = NewError("handshake did not produce a verification code", false, false)
	// ErrSessionKeyMismatch indicates a reconnect handshake's proof-of-possession failed.
	ErrSessionKeyMismatch = NewError("resumed session key does not match peer", false, false)
	// ErrProtocolViolation indicates a peer sent a message that is invalid for the current state.
	ErrProtocolViolation = NewError("unexpected message for current handshake state", false, false)
	// ErrOobUnavailable indicates every configured out-of-band channel failed to read OobData. Not
	// fatal on its own; callers may fall back to visual verification.
	ErrOobUnavailable = errors.New("no out-of-band channel produced data")
	// ErrOobMismatch indicates the OOB-encrypted verification tokens did not match.
	ErrOobMismatch = NewError("out-of-band verification token mismatch", false, false)
	// ErrFraming indicates a malformed or out-of-order packet was fed to the Packetizer.
	ErrFraming = NewError("malformed or out-of-order packet", false, false)
	// ErrDecryptFailed indicates an AES-GCM open failed on an encrypted StreamMessage.
	ErrDecryptFailed = NewError("failed to decrypt message", false, false)
	// ErrInflateFailed indicates an inflated payload did not match its declared original size.
	ErrInflateFailed = NewError("failed to decompress message", false, false)
	// ErrInvalidMessageID describes an InvalidMessageID result. Car.SendMessage after disconnect
	// returns InvalidMessageID together with ErrNotConnected, not this error.
	ErrInvalidMessageID = NewError("message id invalid: not connected", false, false)
	// ErrCallbackBound indicates SetCallback was called for a recipient that already has a
	// different callback bound.
	ErrCallbackBound = errors.New("a different callback is already bound to this recipient")
	// ErrNoHandshakeKey indicates an operation needs a not-yet-established encryption key.
	ErrNoHandshakeKey = errors.New("encryption key not yet established")
)

// InvalidMessageID is the sentinel message id returned by Car.SendMessage after disconnect.
const InvalidMessageID = -1

// MayHaveSucceeded returns true if err is an Error that indicates the operation that produced it
// might have already taken effect.
func MayHaveSucceeded(err error) bool {
	var e Error
	return errors.As(err, &e) && e.MayHaveSucceeded()
}

// Temporary returns true if err is an Error that indicates a transient condition worth retrying.
func Temporary(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Temporary()
}

// ShouldRetry returns true if the client should retry the operation that triggered err.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		return e.Temporary()
	}
	return false
}

// DisconnectReason enumerates why a TransportLink reported a disconnect, used to decide whether
// ConnectionManager should retry (spec.md §4.11 retry rule).
type DisconnectReason int

const (
	DisconnectReasonUnknown DisconnectReason = iota
	DisconnectReasonRequested
	DisconnectReasonLinkLost
	DisconnectReasonProtocolError
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonRequested:
		return "requested"
	case DisconnectReasonLinkLost:
		return "link-lost"
	case DisconnectReasonProtocolError:
		return "protocol-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
