package negotiate

import "github.com/caraloop/carlink/pkg/protocol"

// DefaultSupportedOobChannels lists the OOB channel types this implementation can serve,
// per spec.md §4.6's RFCOMM and pre-association channels.
var DefaultSupportedOobChannels = []protocol.OobChannelType{
	protocol.OobChannelBTRFCOMM,
	protocol.OobChannelPreAssociation,
}

// LocalCapabilitiesExchange is the CapabilitiesExchange the local side sends, per spec.md §4.5.
func LocalCapabilitiesExchange() protocol.CapabilitiesExchange {
	return protocol.CapabilitiesExchange{
		SupportedOobChannels: append([]protocol.OobChannelType(nil), DefaultSupportedOobChannels...),
	}
}

// Intersect returns the subset of peerSupported that also appears in localSupported, preserving
// the peer's ordering. Per spec.md §4.5, CapabilityNegotiator itself returns only the peer's raw
// list; intersecting it with local support is left to the caller instantiating OobChannelSet (C6).
func Intersect(peerSupported, localSupported []protocol.OobChannelType) []protocol.OobChannelType {
	localSet := make(map[protocol.OobChannelType]struct{}, len(localSupported))
	for _, c := range localSupported {
		localSet[c] = struct{}{}
	}
	var out []protocol.OobChannelType
	for _, c := range peerSupported {
		if _, ok := localSet[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
