package pendingcar

import (
	"context"

	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/handshake"
	"github.com/caraloop/carlink/internal/identify"
	"github.com/caraloop/carlink/internal/oob"
	"github.com/caraloop/carlink/pkg/protocol"
)

// mirrorPeer drives the far side of an Associate/Reconnect exchange directly against the
// package's own negotiation/handshake primitives. It stands in for the vehicle head unit, which is
// out of scope for this library; it is not a production implementation, only a test double.
type mirrorPeer struct {
	peer    *Peer
	version protocol.VersionExchange
	oobs    []protocol.OobChannelType
}

func (m *mirrorPeer) exchangeVersions(ctx context.Context) (uint32, uint32, error) {
	local := m.version
	if err := m.peer.SendHandshake(ctx, kindVersionExchange, protocol.MarshalVersionExchange(local)); err != nil {
		return 0, 0, err
	}
	body, err := m.peer.RecvHandshakeExpecting(ctx, kindVersionExchange)
	if err != nil {
		return 0, 0, err
	}
	peerExchange, err := protocol.UnmarshalVersionExchange(body)
	if err != nil {
		return 0, 0, err
	}
	messageVersion, err := resolveWindow(local.Message, peerExchange.Message)
	if err != nil {
		return 0, 0, err
	}
	securityVersion, err := resolveWindow(local.Security, peerExchange.Security)
	if err != nil {
		return 0, 0, err
	}
	return messageVersion, securityVersion, nil
}

func resolveWindow(a, b protocol.VersionWindow) (uint32, error) {
	low := a.Min
	if b.Min > low {
		low = b.Min
	}
	high := a.Max
	if b.Max < high {
		high = b.Max
	}
	if low > high {
		return 0, protocol.ErrIncompatibleVersion
	}
	return high, nil
}

func (m *mirrorPeer) exchangeCapabilities(ctx context.Context) ([]protocol.OobChannelType, error) {
	local := protocol.CapabilitiesExchange{SupportedOobChannels: m.oobs}
	if err := m.peer.SendHandshake(ctx, kindCapabilitiesExchange, protocol.MarshalCapabilitiesExchange(local)); err != nil {
		return nil, err
	}
	body, err := m.peer.RecvHandshakeExpecting(ctx, kindCapabilitiesExchange)
	if err != nil {
		return nil, err
	}
	peerExchange, err := protocol.UnmarshalCapabilitiesExchange(body)
	if err != nil {
		return nil, err
	}
	localSet := make(map[protocol.OobChannelType]struct{}, len(m.oobs))
	for _, c := range m.oobs {
		localSet[c] = struct{}{}
	}
	var out []protocol.OobChannelType
	for _, c := range peerExchange.SupportedOobChannels {
		if _, ok := localSet[c]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// runAssociation drives the mirror's side of a full Associate call: fresh handshake as Responder,
// plus V3/V4 verification and the identity exchange.
func (m *mirrorPeer) runAssociation(ctx context.Context, localDeviceID uuid.UUID, oobChannels []oob.Channel) (*Result, error) {
	_, securityVersion, err := m.exchangeVersions(ctx)
	if err != nil {
		return nil, err
	}
	localOobTypes, err := m.exchangeCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	session := handshake.NewResponder()
	commit, err := m.peer.RecvHandshakeExpecting(ctx, kindHandshake)
	if err != nil {
		return nil, err
	}
	keyExchange, _, err := session.HandleMessage(commit)
	if err != nil {
		return nil, err
	}
	if err := m.peer.SendHandshake(ctx, kindHandshake, keyExchange); err != nil {
		return nil, err
	}
	reveal, err := m.peer.RecvHandshakeExpecting(ctx, kindHandshake)
	if err != nil {
		return nil, err
	}
	if _, _, err := session.HandleMessage(reveal); err != nil {
		return nil, err
	}

	if securityVersion >= 3 {
		if err := m.verify(ctx, session, securityVersion, localOobTypes, oobChannels); err != nil {
			return nil, err
		}
	}

	sessionKey, resumeBlob, err := session.NotifyConfirmed()
	if err != nil {
		return nil, err
	}
	m.peer.Stream.SetEncryptionKey(sessionKey)

	identificationKey := make([]byte, identificationKeySize)
	for i := range identificationKey {
		identificationKey[i] = byte(0x40 + i%16)
	}
	peerIdentity, err := m.peer.RecvIdentity(ctx)
	if err != nil {
		return nil, err
	}
	peerDeviceID, peerKey, err := unmarshalIdentity(peerIdentity)
	if err != nil {
		return nil, err
	}
	if err := m.peer.SendIdentity(ctx, marshalIdentity(localDeviceID, identificationKey)); err != nil {
		return nil, err
	}

	return &Result{
		Peer:              m.peer,
		DeviceID:          peerDeviceID,
		IdentificationKey: peerKey,
		SessionKey:        sessionKey,
		ResumeBlob:        resumeBlob,
	}, nil
}

func (m *mirrorPeer) verify(ctx context.Context, session *handshake.Session, securityVersion uint32, availableOobTypes []protocol.OobChannelType, oobChannels []oob.Channel) error {
	var data oob.OobData
	var oobOK bool
	if len(availableOobTypes) > 0 && len(oobChannels) > 0 {
		set := oob.NewChannelSet(oobChannels, 0)
		d, err := set.Read(ctx)
		if err == nil {
			data = d
			oobOK = true
		}
	}

	if securityVersion >= 4 {
		body, err := m.peer.RecvHandshakeExpecting(ctx, kindVerificationCode)
		if err != nil {
			return err
		}
		peerCode, err := protocol.UnmarshalVerificationCode(body)
		if err != nil {
			return err
		}
		if err := m.peer.SendHandshake(ctx, kindVerificationCode, protocol.MarshalVerificationCode(peerCode)); err != nil {
			return err
		}
	}

	if oobOK {
		peerToken, err := m.peer.RecvHandshakeExpecting(ctx, kindOobToken)
		if err != nil {
			return err
		}
		if err := session.VerifyOOBToken(data, peerToken); err != nil {
			return err
		}
		reply, err := session.SealOOBToken(data)
		if err != nil {
			return err
		}
		return m.peer.SendHandshake(ctx, kindOobToken, reply)
	}
	return nil
}

// runReconnection drives the mirror's side of a Reconnect call.
func (m *mirrorPeer) runReconnection(ctx context.Context, blob handshake.ResumeBlob, identificationKey []byte) error {
	if _, _, err := m.exchangeVersions(ctx); err != nil {
		return err
	}

	resume, err := handshake.NewResumeResponder(blob)
	if err != nil {
		return err
	}
	proof, err := m.peer.RecvHandshakeExpecting(ctx, kindResume)
	if err != nil {
		return err
	}
	reply, _, err := resume.HandleMessage(proof)
	if err != nil {
		return err
	}
	if err := m.peer.SendHandshake(ctx, kindResume, reply); err != nil {
		return err
	}
	sessionKey, _, err := resume.Result()
	if err != nil {
		return err
	}
	m.peer.Stream.SetEncryptionKey(sessionKey)

	challenge, err := m.peer.RecvHandshakeExpecting(ctx, kindIdentifyChallenge)
	if err != nil {
		return err
	}
	response := identify.ComputeFull(identificationKey, challenge, nil)
	return m.peer.SendHandshake(ctx, kindIdentifyResponse, response)
}
