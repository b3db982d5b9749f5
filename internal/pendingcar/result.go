package pendingcar

import (
	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/handshake"
)

// Result is what PendingCar hands off to pkg/companion once a peer reaches steady state,
// per spec.md §4.8/§4.11: enough to both update CarStore and start routing application traffic
// over the already-established Peer.
type Result struct {
	Peer *Peer

	DeviceID uuid.UUID

	// IdentificationKey is set only by a successful Association: the 32-byte symmetric secret this
	// phone generated and sent the peer, used later to recognize the peer's advertisement on
	// reconnection (spec.md §4.9).
	IdentificationKey []byte

	SessionKey []byte
	ResumeBlob handshake.ResumeBlob

	MessageVersion  uint32
	SecurityVersion uint32
}
