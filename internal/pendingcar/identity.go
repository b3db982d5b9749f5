package pendingcar

import (
	"fmt"

	"github.com/google/uuid"
)

// marshalIdentity encodes the association identity-exchange payload: the sender's device id
// followed by the identification key it generated for future reconnection matching, per
// spec.md §4.8.1/§4.9.
func marshalIdentity(deviceID uuid.UUID, identificationKey []byte) []byte {
	out := make([]byte, 16+len(identificationKey))
	copy(out, deviceID[:])
	copy(out[16:], identificationKey)
	return out
}

func unmarshalIdentity(raw []byte) (uuid.UUID, []byte, error) {
	if len(raw) < 16 {
		return uuid.Nil, nil, fmt.Errorf("pendingcar: identity payload too short")
	}
	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("pendingcar: malformed identity device id: %w", err)
	}
	return id, append([]byte(nil), raw[16:]...), nil
}
