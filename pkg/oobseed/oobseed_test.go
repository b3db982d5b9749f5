package oobseed

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/caraloop/carlink/internal/oob"
)

func sampleToken() oob.OobData {
	key := make([]byte, oob.KeySize)
	localIV := make([]byte, oob.IVSize)
	remoteIV := make([]byte, oob.IVSize)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range localIV {
		localIV[i] = byte(0x40 + i)
	}
	for i := range remoteIV {
		remoteIV[i] = byte(0x80 + i)
	}
	return oob.OobData{Key: key, LocalIV: localIV, RemoteIV: remoteIV}
}

func TestParseParamRoundTrip(t *testing.T) {
	token := sampleToken()
	raw := token.Encode()
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	got, err := ParseParam(encoded)
	if err != nil {
		t.Fatalf("ParseParam: %v", err)
	}
	if !bytes.Equal(got.Token.Key, token.Key) || !bytes.Equal(got.Token.LocalIV, token.LocalIV) || !bytes.Equal(got.Token.RemoteIV, token.RemoteIV) {
		t.Fatalf("decoded token = %+v, want %+v", got.Token, token)
	}
	if got.DeviceIdentifier != nil {
		t.Fatalf("expected no device identifier, got %x", got.DeviceIdentifier)
	}
}

func TestParseParamWithDeviceIdentifier(t *testing.T) {
	token := sampleToken()
	deviceID := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := append(token.Encode(), deviceID...)
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	got, err := ParseParam(encoded)
	if err != nil {
		t.Fatalf("ParseParam: %v", err)
	}
	if !bytes.Equal(got.DeviceIdentifier, deviceID) {
		t.Fatalf("device identifier = %x, want %x", got.DeviceIdentifier, deviceID)
	}
}

func TestParseParamAcceptsPaddedEncoding(t *testing.T) {
	token := sampleToken()
	encoded := base64.URLEncoding.EncodeToString(token.Encode())

	if _, err := ParseParam(encoded); err != nil {
		t.Fatalf("ParseParam with padded input: %v", err)
	}
}

func TestParseParamRejectsShortData(t *testing.T) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte("too short"))
	if _, err := ParseParam(encoded); err == nil {
		t.Fatal("expected an error for undersized oobData")
	}
}

func TestParseURIExtractsOobData(t *testing.T) {
	token := sampleToken()
	encoded := base64.RawURLEncoding.EncodeToString(token.Encode())
	rawURL := "https://example.com/associate?oobData=" + encoded

	got, err := ParseURI(rawURL)
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if !bytes.Equal(got.Token.Key, token.Key) {
		t.Fatalf("decoded key = %x, want %x", got.Token.Key, token.Key)
	}
}

func TestParseURIMissingOobData(t *testing.T) {
	if _, err := ParseURI("https://example.com/associate?foo=bar"); err == nil {
		t.Fatal("expected an error when oobData is absent")
	}
}

func TestParseURIRejectsReservedPrefix(t *testing.T) {
	token := sampleToken()
	encoded := base64.RawURLEncoding.EncodeToString(token.Encode())
	rawURL := "https://example.com/associate?oobData=" + encoded + "&oobExtra=1"

	if _, err := ParseURI(rawURL); err == nil {
		t.Fatal("expected an error for an unrecognized oob-prefixed parameter")
	}

	rawURL = "https://example.com/associate?oobData=" + encoded + "&batmobile=1"
	if _, err := ParseURI(rawURL); err == nil {
		t.Fatal("expected an error for an unrecognized bat-prefixed parameter")
	}
}

func TestParseURIAllowsUnrelatedParameters(t *testing.T) {
	token := sampleToken()
	encoded := base64.RawURLEncoding.EncodeToString(token.Encode())
	rawURL := "https://example.com/associate?oobData=" + encoded + "&utm_source=qr"

	if _, err := ParseURI(rawURL); err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
}
