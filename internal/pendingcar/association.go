package pendingcar

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/handshake"
	"github.com/caraloop/carlink/internal/negotiate"
	"github.com/caraloop/carlink/internal/oob"
	"github.com/caraloop/carlink/pkg/protocol"
)

// identificationKeySize is the length of the symmetric secret generated during association and
// later used to recognize the peer's advertisement on reconnection, per spec.md §4.9.
const identificationKeySize = 32

// VisualConfirmFunc presents code to the user and blocks until they confirm it matches what the
// peer is showing, or the user rejects/cancels. Used for security versions 3 and 4 when no
// out-of-band channel produced data.
type VisualConfirmFunc func(ctx context.Context, code string) error

// AssociationConfig configures one Associate call.
type AssociationConfig struct {
	// OOBChannels are raced by an oob.ChannelSet once the negotiated security version is 3 or
	// higher and both sides advertised an overlapping OOB channel type. Leave nil to always fall
	// back to visual confirmation.
	OOBChannels []oob.Channel
	ConfirmVisual VisualConfirmFunc
}

// Associate runs a full association (spec.md §4.8.1-§4.8.3) over peer: version and capability
// negotiation, the fresh UKEY2-style handshake, verification (OOB token or visual code, with V4's
// explicit VerificationCode signalling), and the identity exchange that hands the peer a fresh
// identification key for future reconnection matching. One driver handles security versions
// 2 through 4, branching on the negotiated version rather than existing as three separate types.
func Associate(ctx context.Context, peer *Peer, localDeviceID uuid.UUID, cfg AssociationConfig) (*Result, error) {
	messageVersion, securityVersion, err := exchangeVersions(ctx, peer)
	if err != nil {
		return nil, err
	}

	localOobTypes, err := exchangeCapabilities(ctx, peer)
	if err != nil {
		return nil, err
	}

	session := handshake.NewInitiator()
	commit, err := session.Start()
	if err != nil {
		return nil, err
	}
	if err := peer.SendHandshake(ctx, kindHandshake, commit); err != nil {
		return nil, err
	}
	keyExchange, err := peer.RecvHandshakeExpecting(ctx, kindHandshake)
	if err != nil {
		return nil, err
	}
	reveal, _, err := session.HandleMessage(keyExchange)
	if err != nil {
		return nil, err
	}
	if err := peer.SendHandshake(ctx, kindHandshake, reveal); err != nil {
		return nil, err
	}

	if securityVersion >= 3 {
		if err := verifyAssociation(ctx, peer, session, securityVersion, localOobTypes, cfg); err != nil {
			return nil, err
		}
	}

	sessionKey, resumeBlob, err := session.NotifyConfirmed()
	if err != nil {
		return nil, err
	}
	peer.Stream.SetEncryptionKey(sessionKey)

	identificationKey := make([]byte, identificationKeySize)
	if _, err := rand.Read(identificationKey); err != nil {
		return nil, fmt.Errorf("pendingcar: generate identification key: %w", err)
	}
	if err := peer.SendIdentity(ctx, marshalIdentity(localDeviceID, identificationKey)); err != nil {
		return nil, err
	}
	peerIdentity, err := peer.RecvIdentity(ctx)
	if err != nil {
		return nil, err
	}
	peerDeviceID, _, err := unmarshalIdentity(peerIdentity)
	if err != nil {
		return nil, err
	}

	return &Result{
		Peer:              peer,
		DeviceID:          peerDeviceID,
		IdentificationKey: identificationKey,
		SessionKey:        sessionKey,
		ResumeBlob:        resumeBlob,
		MessageVersion:    messageVersion,
		SecurityVersion:   securityVersion,
	}, nil
}

// exchangeVersions sends the local VersionExchange and resolves it against the peer's reply.
// Per spec.md §4.4 the client sends first.
func exchangeVersions(ctx context.Context, peer *Peer) (messageVersion, securityVersion uint32, err error) {
	local := negotiate.LocalVersionExchange()
	if err := peer.SendHandshake(ctx, kindVersionExchange, protocol.MarshalVersionExchange(local)); err != nil {
		return 0, 0, err
	}
	body, err := peer.RecvHandshakeExpecting(ctx, kindVersionExchange)
	if err != nil {
		return 0, 0, err
	}
	peerExchange, err := protocol.UnmarshalVersionExchange(body)
	if err != nil {
		return 0, 0, err
	}
	return negotiate.Resolve(local, peerExchange)
}

// exchangeCapabilities sends the local CapabilitiesExchange and returns the peer's supported OOB
// channels intersected with our own, per spec.md §4.5.
func exchangeCapabilities(ctx context.Context, peer *Peer) ([]protocol.OobChannelType, error) {
	local := negotiate.LocalCapabilitiesExchange()
	if err := peer.SendHandshake(ctx, kindCapabilitiesExchange, protocol.MarshalCapabilitiesExchange(local)); err != nil {
		return nil, err
	}
	body, err := peer.RecvHandshakeExpecting(ctx, kindCapabilitiesExchange)
	if err != nil {
		return nil, err
	}
	peerExchange, err := protocol.UnmarshalCapabilitiesExchange(body)
	if err != nil {
		return nil, err
	}
	return negotiate.Intersect(peerExchange.SupportedOobChannels, local.SupportedOobChannels), nil
}

// verifyAssociation runs the OOB-token or visual-code verification step of spec.md §4.8.2/§4.8.3.
// For security version 4 it additionally exchanges explicit VerificationCode signalling messages
// so both sides agree on which path is in use before acting on it.
func verifyAssociation(ctx context.Context, peer *Peer, session *handshake.Session, securityVersion uint32, availableOobTypes []protocol.OobChannelType, cfg AssociationConfig) error {
	var oobData oob.OobData
	var oobOK bool
	if len(availableOobTypes) > 0 && len(cfg.OOBChannels) > 0 {
		var attemptTimeout time.Duration
		if securityVersion >= 4 {
			attemptTimeout = oob.DefaultAttemptTimeout
		}
		set := oob.NewChannelSet(cfg.OOBChannels, attemptTimeout)
		data, err := set.Read(ctx)
		if err == nil {
			oobData = data
			oobOK = true
		}
	}

	if securityVersion >= 4 {
		state := protocol.VerificationStateVisualVerification
		if oobOK {
			state = protocol.VerificationStateOobVerification
		}
		if err := peer.SendHandshake(ctx, kindVerificationCode, protocol.MarshalVerificationCode(protocol.VerificationCode{State: state})); err != nil {
			return err
		}
		body, err := peer.RecvHandshakeExpecting(ctx, kindVerificationCode)
		if err != nil {
			return err
		}
		peerCode, err := protocol.UnmarshalVerificationCode(body)
		if err != nil {
			return err
		}
		if peerCode.State != state {
			return fmt.Errorf("%w: peer chose a different verification path", protocol.ErrProtocolViolation)
		}
	}

	if oobOK {
		return verifyOOB(ctx, peer, session, oobData)
	}
	return verifyVisual(ctx, session, cfg.ConfirmVisual)
}

func verifyOOB(ctx context.Context, peer *Peer, session *handshake.Session, data oob.OobData) error {
	token, err := session.SealOOBToken(data)
	if err != nil {
		return err
	}
	if err := peer.SendHandshake(ctx, kindOobToken, token); err != nil {
		return err
	}
	peerToken, err := peer.RecvHandshakeExpecting(ctx, kindOobToken)
	if err != nil {
		return err
	}
	return session.VerifyOOBToken(data, peerToken)
}

func verifyVisual(ctx context.Context, session *handshake.Session, confirm VisualConfirmFunc) error {
	if confirm == nil {
		return fmt.Errorf("pendingcar: no out-of-band channel available and no visual confirmation configured")
	}
	code, err := session.VisualCode()
	if err != nil {
		return err
	}
	return confirm(ctx, code)
}
