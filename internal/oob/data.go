// Package oob implements OobChannelSet (C6): racing the configured out-of-band channels for a
// shared secret used to confirm the handshake without a visual PIN, per spec.md §4.6.
package oob

import "fmt"

const (
	// KeySize is the length of the AES-GCM key carried in OobData.
	KeySize = 16
	// IVSize is the length of each of the two IVs carried in OobData.
	IVSize = 12
	// DataLengthBytes is the total wire length of an OobData blob, per spec.md §4.6
	// ("OobConnectionManager::DATA_LENGTH_BYTES (12+12+16 = 40 bytes)").
	DataLengthBytes = KeySize + IVSize + IVSize
)

// OobData is the out-of-band shared secret exchanged by any of the channels, per spec.md §4.6/§6.
type OobData struct {
	Key      []byte // KeySize bytes
	LocalIV  []byte // IVSize bytes, used to encrypt values this side sends
	RemoteIV []byte // IVSize bytes, used to decrypt values the peer sends
}

// Encode serializes d as key || local_iv || remote_iv.
func (d OobData) Encode() []byte {
	out := make([]byte, 0, DataLengthBytes)
	out = append(out, d.Key...)
	out = append(out, d.LocalIV...)
	out = append(out, d.RemoteIV...)
	return out
}

// DecodeOobData parses a DataLengthBytes-long blob produced by Encode (or, for a peer-seeded
// blob, with local/remote swapped relative to this side's perspective).
func DecodeOobData(b []byte) (OobData, error) {
	if len(b) != DataLengthBytes {
		return OobData{}, fmt.Errorf("oob: data is %d bytes, want %d", len(b), DataLengthBytes)
	}
	return OobData{
		Key:      append([]byte(nil), b[:KeySize]...),
		LocalIV:  append([]byte(nil), b[KeySize:KeySize+IVSize]...),
		RemoteIV: append([]byte(nil), b[KeySize+IVSize:]...),
	}, nil
}
