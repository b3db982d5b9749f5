// Package negotiate implements the version and capability exchange steps of the connection
// lifecycle (spec.md §4.4-§4.5): pure resolution logic over already-decoded wire messages. The
// surrounding state machine (internal/pendingcar) owns sending the local side and waiting for the
// peer's reply; these functions just compute the outcome once both sides are known.
package negotiate

import (
	"github.com/caraloop/carlink/pkg/protocol"
)

// Local version support windows, per spec.md §4.4. Message version 1 is unsupported.
const (
	MinMessageVersion  = 2
	MaxMessageVersion  = 3
	MinSecurityVersion = 2
	MaxSecurityVersion = 4
)

// LocalVersionExchange is the VersionExchange the local side sends first, per spec.md §4.4
// ("the client sends first and awaits the peer's reply").
func LocalVersionExchange() protocol.VersionExchange {
	return protocol.VersionExchange{
		Message:  protocol.VersionWindow{Min: MinMessageVersion, Max: MaxMessageVersion},
		Security: protocol.VersionWindow{Min: MinSecurityVersion, Max: MaxSecurityVersion},
	}
}

// Resolve computes the negotiated message and security versions from the local and peer
// VersionExchanges, per spec.md §4.4: each dimension resolves to
// max(peer.min, local.min)..min(peer.max, local.max), and the upper bound of that window is the
// chosen version. An empty window in either dimension is a negotiation failure.
func Resolve(local, peer protocol.VersionExchange) (messageVersion, securityVersion uint32, err error) {
	messageVersion, err = resolveWindow(local.Message, peer.Message)
	if err != nil {
		return 0, 0, err
	}
	securityVersion, err = resolveWindow(local.Security, peer.Security)
	if err != nil {
		return 0, 0, err
	}
	return messageVersion, securityVersion, nil
}

func resolveWindow(local, peer protocol.VersionWindow) (uint32, error) {
	low := maxU32(local.Min, peer.Min)
	high := minU32(local.Max, peer.Max)
	if low > high {
		return 0, protocol.ErrIncompatibleVersion
	}
	return high, nil
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
