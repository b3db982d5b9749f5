// Package oobseed parses the oobData query parameter a QR code or deep link carries, per
// spec.md §6's "URI seeding" rule: a URL-safe base64 blob decoding to an
// OutOfBandAssociationData, handed to ConnectionManager ahead of a fresh association so the
// visual-confirmation step can be skipped.
package oobseed

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/caraloop/carlink/internal/oob"
)

// oobDataParam is the one query key this package recognizes; everything else starting with a
// reserved prefix is rejected rather than silently ignored.
const oobDataParam = "oobData"

// reservedPrefixes are query parameter name prefixes spec.md §6 sets aside for this association
// flow. A URL carrying an unrecognized key under one of these invalidates the whole URI, so a
// future reserved key never gets silently misread as application data.
var reservedPrefixes = []string{"oob", "bat"}

// OutOfBandAssociationData is the pre-association payload a seeded URI carries: the shared secret
// a peer's OOB channel would otherwise have raced to discover, plus an optional hint identifying
// which stored peer it belongs to.
type OutOfBandAssociationData struct {
	Token            oob.OobData
	DeviceIdentifier []byte
}

// ParseURI extracts OutOfBandAssociationData from rawURL's oobData query parameter. It returns
// an error if rawURL fails to parse, carries an unrecognized reserved-prefixed parameter, omits
// oobData, or oobData fails to decode into a well-formed token.
func ParseURI(rawURL string) (OutOfBandAssociationData, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return OutOfBandAssociationData{}, fmt.Errorf("oobseed: parsing URI: %w", err)
	}

	query := u.Query()
	for key := range query {
		if key == oobDataParam {
			continue
		}
		if hasReservedPrefix(key) {
			return OutOfBandAssociationData{}, fmt.Errorf("oobseed: unrecognized reserved query parameter %q", key)
		}
	}

	encoded := query.Get(oobDataParam)
	if encoded == "" {
		return OutOfBandAssociationData{}, fmt.Errorf("oobseed: URI has no %s parameter", oobDataParam)
	}
	return ParseParam(encoded)
}

// ParseParam decodes the raw oobData query-parameter value itself (without a surrounding URL),
// for callers that already split it out of a deep link or QR payload.
func ParseParam(encoded string) (OutOfBandAssociationData, error) {
	raw, err := decodeURLSafeBase64(encoded)
	if err != nil {
		return OutOfBandAssociationData{}, fmt.Errorf("oobseed: decoding oobData: %w", err)
	}
	return decodeAssociationData(raw)
}

// decodeURLSafeBase64 accepts both the padded and unpadded URL-safe alphabets, since a deep link
// may arrive either way depending on how the sender escaped it.
func decodeURLSafeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// decodeAssociationData parses the conceptual OutOfBandAssociationData schema of spec.md §6:
// a fixed-length oob.OobData token, followed by an optional variable-length device identifier.
func decodeAssociationData(raw []byte) (OutOfBandAssociationData, error) {
	if len(raw) < oob.DataLengthBytes {
		return OutOfBandAssociationData{}, fmt.Errorf("oobseed: data is %d bytes, want at least %d", len(raw), oob.DataLengthBytes)
	}
	token, err := oob.DecodeOobData(raw[:oob.DataLengthBytes])
	if err != nil {
		return OutOfBandAssociationData{}, fmt.Errorf("oobseed: %w", err)
	}

	var deviceIdentifier []byte
	if rest := raw[oob.DataLengthBytes:]; len(rest) > 0 {
		deviceIdentifier = append([]byte(nil), rest...)
	}
	return OutOfBandAssociationData{Token: token, DeviceIdentifier: deviceIdentifier}, nil
}

func hasReservedPrefix(key string) bool {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
