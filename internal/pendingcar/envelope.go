// Package pendingcar implements PendingCar (C8): the phone-side state machine that drives a single
// newly connected peer through version/capability negotiation, the encryption handshake (fresh or
// resume), and identity exchange, before handing off a steady-state result to pkg/companion.
// Association variants V2..V4 share one driver here (Associate), branching on SecurityVersion
// rather than existing as separate types: the control flow is identical except for which extra
// steps a given version performs. The reconnection flow of spec.md §4.8 is a separate driver
// (Reconnect, in reconnection.go) that uses the same message kinds.
package pendingcar

import "fmt"

// kind tags each message carried over the HANDSHAKE operation so one driver can multiplex the
// version exchange, capability exchange, key-exchange/resume messages, V4's explicit verification
// signalling, and the post-connection identity challenge across a single logical stream, per
// spec.md §5 ("the handshake holds an exclusive logical channel until ESTABLISHED").
type kind byte

const (
	kindVersionExchange      kind = 1
	kindCapabilitiesExchange kind = 2
	kindHandshake            kind = 3 // commit / key-exchange / reveal, routed into handshake.Session
	kindResume               kind = 4 // routed into handshake.ResumeSession
	kindVerificationCode     kind = 5 // V4 explicit VISUAL/OOB verification signalling
	kindOobToken             kind = 6 // V3/V4 OOB-mode encrypted token
	kindIdentifyChallenge    kind = 7 // reconnection's extra proof-of-possession challenge
	kindIdentifyResponse     kind = 8
)

func encodeFrame(k kind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(k)
	copy(out[1:], body)
	return out
}

func decodeFrame(raw []byte) (kind, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("pendingcar: empty handshake frame")
	}
	return kind(raw[0]), raw[1:], nil
}
