package pendingcar

import (
	"context"
	"crypto/hmac"

	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/handshake"
	"github.com/caraloop/carlink/internal/identify"
	"github.com/caraloop/carlink/pkg/protocol"
)

// ReconnectConfig supplies the state CarStore already holds for the peer being reconnected to,
// per spec.md §4.8.4.
type ReconnectConfig struct {
	DeviceID          uuid.UUID
	ResumeBlob        handshake.ResumeBlob
	IdentificationKey []byte
}

// Reconnect runs the lightweight reconnection handshake (spec.md §4.8.4): version exchange, the
// 2-message resume proof-of-possession exchange, and a final challenge/response proving the peer
// still holds the stored identification key. It never re-derives or re-sends an identification
// key — that only happens during Associate.
func Reconnect(ctx context.Context, peer *Peer, cfg ReconnectConfig) (*Result, error) {
	messageVersion, securityVersion, err := exchangeVersions(ctx, peer)
	if err != nil {
		return nil, err
	}

	resume, err := handshake.NewResumeInitiator(cfg.ResumeBlob)
	if err != nil {
		return nil, err
	}
	proof, err := resume.Start()
	if err != nil {
		return nil, err
	}
	if err := peer.SendHandshake(ctx, kindResume, proof); err != nil {
		return nil, err
	}
	reply, err := peer.RecvHandshakeExpecting(ctx, kindResume)
	if err != nil {
		return nil, err
	}
	if _, _, err := resume.HandleMessage(reply); err != nil {
		return nil, err
	}
	sessionKey, newResumeBlob, err := resume.Result()
	if err != nil {
		return nil, err
	}
	peer.Stream.SetEncryptionKey(sessionKey)

	if err := verifyIdentity(ctx, peer, cfg.IdentificationKey); err != nil {
		return nil, err
	}

	return &Result{
		Peer:            peer,
		DeviceID:        cfg.DeviceID,
		SessionKey:      sessionKey,
		ResumeBlob:      newResumeBlob,
		MessageVersion:  messageVersion,
		SecurityVersion: securityVersion,
	}, nil
}

// verifyIdentity sends a fresh challenge and checks the peer's response proves it still holds
// identificationKey, per spec.md §4.8.4. A mismatch returns protocol.ErrSessionKeyMismatch rather
// than a framing error, signalling the caller should not delete the stored record automatically
// (spec.md §7).
func verifyIdentity(ctx context.Context, peer *Peer, identificationKey []byte) error {
	challenge, err := identify.NewChallenge()
	if err != nil {
		return err
	}
	if err := peer.SendHandshake(ctx, kindIdentifyChallenge, challenge[:]); err != nil {
		return err
	}
	response, err := peer.RecvHandshakeExpecting(ctx, kindIdentifyResponse)
	if err != nil {
		return err
	}
	expected := identify.ComputeFull(identificationKey, challenge[:], nil)
	if !hmac.Equal(response, expected) {
		return protocol.ErrSessionKeyMismatch
	}
	return nil
}

