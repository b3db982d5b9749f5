package handshake

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/caraloop/carlink/pkg/protocol"
)

// Wire messages for the fresh handshake (commit/reveal key exchange) and the resume handshake
// (proof-of-possession), hand-encoded the same way pkg/protocol's wire types are: no protoc step,
// just protowire.Append/Consume calls against a small set of field numbers per message.

const (
	fieldCommitNonceHash = 1 // msgCommit.commitment
	fieldKXNonce         = 1 // msgKeyExchange.nonce
	fieldKXPublicKey     = 2 // msgKeyExchange.publicKey
	fieldResumeNonce     = 1 // msgResume.nonce
	fieldResumeProof     = 2 // msgResume.proof
)

type msgCommit struct {
	Commitment []byte
}

func marshalCommit(m msgCommit) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCommitNonceHash, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Commitment)
	return b
}

func unmarshalCommit(b []byte) (msgCommit, error) {
	var m msgCommit
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: commit: bad tag", protocol.ErrProtocolViolation)
		}
		b = b[n:]
		switch num {
		case fieldCommitNonceHash:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: commit: bad commitment", protocol.ErrProtocolViolation)
			}
			m.Commitment = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: commit: bad field", protocol.ErrProtocolViolation)
			}
			b = b[n:]
		}
	}
	return m, nil
}

type msgKeyExchange struct {
	Nonce     []byte
	PublicKey []byte
}

func marshalKeyExchange(m msgKeyExchange) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKXNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Nonce)
	b = protowire.AppendTag(b, fieldKXPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.PublicKey)
	return b
}

func unmarshalKeyExchange(b []byte) (msgKeyExchange, error) {
	var m msgKeyExchange
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: key exchange: bad tag", protocol.ErrProtocolViolation)
		}
		b = b[n:]
		switch num {
		case fieldKXNonce:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: key exchange: bad nonce", protocol.ErrProtocolViolation)
			}
			m.Nonce = append([]byte(nil), v...)
			b = b[n:]
		case fieldKXPublicKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: key exchange: bad public key", protocol.ErrProtocolViolation)
			}
			m.PublicKey = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: key exchange: bad field", protocol.ErrProtocolViolation)
			}
			b = b[n:]
		}
	}
	return m, nil
}

type msgResume struct {
	Nonce []byte
	Proof []byte
}

func marshalResume(m msgResume) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResumeNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Nonce)
	b = protowire.AppendTag(b, fieldResumeProof, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Proof)
	return b
}

func unmarshalResume(b []byte) (msgResume, error) {
	var m msgResume
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: resume: bad tag", protocol.ErrProtocolViolation)
		}
		b = b[n:]
		switch num {
		case fieldResumeNonce:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: resume: bad nonce", protocol.ErrProtocolViolation)
			}
			m.Nonce = append([]byte(nil), v...)
			b = b[n:]
		case fieldResumeProof:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: resume: bad proof", protocol.ErrProtocolViolation)
			}
			m.Proof = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: resume: bad field", protocol.ErrProtocolViolation)
			}
			b = b[n:]
		}
	}
	return m, nil
}
