package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/caraloop/carlink/internal/oob"
)

// sealOobToken encrypts token under data.Key using data.LocalIV, the IV this side uses to encrypt
// values it sends, per spec.md §4.7's OOB confirmation detail.
func sealOobToken(data oob.OobData, token []byte) ([]byte, error) {
	gcm, err := oobGCM(data.Key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, data.LocalIV, token, nil), nil
}

// openOobToken decrypts ciphertext received from the peer using data.RemoteIV, the IV this side
// uses to decrypt values the peer sends.
func openOobToken(data oob.OobData, ciphertext []byte) ([]byte, error) {
	gcm, err := oobGCM(data.Key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data.RemoteIV, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: open oob token: %w", err)
	}
	return plaintext, nil
}

func oobGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("handshake: oob cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("handshake: oob gcm: %w", err)
	}
	return gcm, nil
}
