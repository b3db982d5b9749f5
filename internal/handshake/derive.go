// Package handshake implements EncryptionSession (C7): a UKEY2-style authenticated key exchange
// with visual-PIN and out-of-band confirmation modes, plus a lightweight resume mode that re-derives
// a session key from previously stored material. Grounded on the ECDH/AES-GCM primitives of the
// teacher's internal/authentication package, adapted from its HSM-safe static-key design (unneeded
// here, since a companion device's handshake key is ephemeral) to an ephemeral P-256 exchange with
// HKDF-based subkey derivation in place of that package's hand-rolled HMAC subkey() method.
package handshake

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize     = 16
	sessionKeySize = 32
	resumeKeySize  = 32
	oobTokenSize   = 16
)

func curve() ecdh.Curve { return ecdh.P256() }

func generateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate key pair: %w", err)
	}
	return priv, nil
}

// nativeKeyPair adapts a stdlib *ecdh.PrivateKey to the Session.keyPair interface.
type nativeKeyPair struct{ priv *ecdh.PrivateKey }

func (k nativeKeyPair) PublicKeyBytes() []byte { return k.priv.PublicKey().Bytes() }

func (k nativeKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	pub, err := parsePublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute shared secret: %w", err)
	}
	return secret, nil
}

func generateNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	return n, nil
}

func parsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := curve().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("handshake: invalid peer public key: %w", err)
	}
	return pub, nil
}

// commitmentOf returns the hash an initiator publishes before revealing its public key and nonce,
// binding it to a value it cannot change after seeing the responder's contribution.
func commitmentOf(publicKey, nonce []byte) []byte {
	h := sha256.Sum256(append(append([]byte{}, publicKey...), nonce...))
	return h[:]
}

// deriveSubkey pulls a length-byte subkey out of secret using HKDF-SHA256, salted with the
// handshake transcript and labeled with purpose so the session key, auth string, resume key, and
// OOB token are cryptographically independent even though they share one ECDH output.
func deriveSubkey(secret, transcript []byte, purpose string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, transcript, []byte(purpose))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("handshake: derive %s: %w", purpose, err)
	}
	return out, nil
}

// visualCode renders a 4-byte subkey as the 6-digit decimal string a user compares on both
// screens.
func visualCode(subkey []byte) string {
	var v uint32
	for _, b := range subkey[:4] {
		v = v<<8 | uint32(b)
	}
	return fmt.Sprintf("%06d", v%1000000)
}

func hmacSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}
