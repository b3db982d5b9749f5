// Package identify implements the HMAC-based reconnection matching of spec.md §4.9: recognizing a
// previously associated peer from its BLE advertisement without exposing a stable device
// identifier over the air.
package identify

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"

	"github.com/google/uuid"
)

// SaltSize is the length, in bytes, of the salt a peer advertises.
const SaltSize = 8

// zeroPaddedSize is the length of the HMAC input: the advertised salt right-padded with zeros.
const zeroPaddedSize = 16

// TruncatedSize is the number of leading HMAC bytes advertised and compared.
const TruncatedSize = 3

// ChallengeSize is the length of a freshly generated challenge, per spec.md §4.9.
const ChallengeSize = 16

// HashFunc constructs the keyed hash used to compute a truncated HMAC. The default is
// HMAC-SHA256; callers may override it for a record whose identification-key algorithm differs.
type HashFunc func() hash.Hash

// DefaultHash is HMAC-SHA256, the algorithm spec.md §4.9 names as the default.
func DefaultHash() hash.Hash { return sha256.New() }

// zeroPad right-pads an 8-byte salt to zeroPaddedSize bytes with zeros.
func zeroPad(salt [SaltSize]byte) [zeroPaddedSize]byte {
	var out [zeroPaddedSize]byte
	copy(out[:], salt[:])
	return out
}

// Compute returns the truncated HMAC a peer holding key would advertise for salt.
func Compute(key []byte, salt [SaltSize]byte, newHash HashFunc) [TruncatedSize]byte {
	if newHash == nil {
		newHash = DefaultHash
	}
	padded := zeroPad(salt)
	mac := hmac.New(newHash, key)
	mac.Write(padded[:])
	sum := mac.Sum(nil)
	var out [TruncatedSize]byte
	copy(out[:], sum[:TruncatedSize])
	return out
}

// NewChallenge returns a fresh cryptographically strong random challenge.
func NewChallenge() ([ChallengeSize]byte, error) {
	var out [ChallengeSize]byte
	_, err := rand.Read(out[:])
	return out, err
}

// ComputeFull returns the full (untruncated) HMAC of message under key, using the same algorithm
// as advertisement matching. Used for the post-connection challenge/response of spec.md §4.8.4,
// which proves possession of the identification key without the truncation that makes the
// advertised form merely a recognition hint rather than a proof.
func ComputeFull(key, message []byte, newHash HashFunc) []byte {
	if newHash == nil {
		newHash = DefaultHash
	}
	mac := hmac.New(newHash, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Candidate is the subset of a stored PeerRecord that FindMatch needs: enough to recompute the
// advertised HMAC without depending on pkg/carstore's record type.
type Candidate struct {
	DeviceID          uuid.UUID
	IdentificationKey []byte
}

// FindMatch returns the first candidate whose identification key reproduces truncatedHMAC for
// salt, per spec.md §4.9's find_match. The zero value and false are returned if none match.
func FindMatch(salt [SaltSize]byte, truncatedHMAC [TruncatedSize]byte, candidates []Candidate) (uuid.UUID, bool) {
	for _, c := range candidates {
		if Compute(c.IdentificationKey, salt, DefaultHash) == truncatedHMAC {
			return c.DeviceID, true
		}
	}
	return uuid.Nil, false
}
