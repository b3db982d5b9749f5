package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []StreamMessage{
		{Operation: OperationHandshake, Payload: []byte("hello")},
		{Operation: OperationClientMessage, Payload: []byte{1, 2, 3}, PayloadIsEncrypted: true},
		{Operation: OperationQuery, Payload: []byte{0xff}, OriginalSize: 1024, Recipient: uuid.New()},
		{Operation: OperationQueryResponse},
	}
	for _, want := range cases {
		got, err := UnmarshalMessage(MarshalMessage(want))
		if err != nil {
			t.Fatalf("UnmarshalMessage: %v", err)
		}
		if got.Operation != want.Operation ||
			!bytes.Equal(got.Payload, want.Payload) ||
			got.PayloadIsEncrypted != want.PayloadIsEncrypted ||
			got.OriginalSize != want.OriginalSize ||
			got.Recipient != want.Recipient {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestMessageUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalMessage([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	want := Packet{PacketNumber: 3, TotalPackets: 9, MessageID: 42, Payload: []byte("chunk")}
	got, err := UnmarshalPacket(MarshalPacket(want))
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	if got.PacketNumber != want.PacketNumber || got.TotalPackets != want.TotalPackets ||
		got.MessageID != want.MessageID || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	want := Query{ID: 7, Sender: uuid.New(), Request: []byte("req"), Parameters: []byte("params")}
	got, err := UnmarshalQuery(MarshalQuery(want))
	if err != nil {
		t.Fatalf("UnmarshalQuery: %v", err)
	}
	if got.ID != want.ID || got.Sender != want.Sender ||
		!bytes.Equal(got.Request, want.Request) || !bytes.Equal(got.Parameters, want.Parameters) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestQueryResponseRoundTrip(t *testing.T) {
	for _, want := range []QueryResponse{
		{QueryID: 5, Success: true, Response: []byte("ok")},
		{QueryID: 6, Success: false},
	} {
		got, err := UnmarshalQueryResponse(MarshalQueryResponse(want))
		if err != nil {
			t.Fatalf("UnmarshalQueryResponse: %v", err)
		}
		if got.QueryID != want.QueryID || got.Success != want.Success || !bytes.Equal(got.Response, want.Response) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}

func TestVersionExchangeRoundTrip(t *testing.T) {
	want := VersionExchange{Message: VersionWindow{Min: 1, Max: 4}, Security: VersionWindow{Min: 2, Max: 4}}
	got, err := UnmarshalVersionExchange(MarshalVersionExchange(want))
	if err != nil {
		t.Fatalf("UnmarshalVersionExchange: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCapabilitiesExchangeRoundTrip(t *testing.T) {
	want := CapabilitiesExchange{SupportedOobChannels: []OobChannelType{OobChannelBTRFCOMM, OobChannelPreAssociation}}
	got, err := UnmarshalCapabilitiesExchange(MarshalCapabilitiesExchange(want))
	if err != nil {
		t.Fatalf("UnmarshalCapabilitiesExchange: %v", err)
	}
	if len(got.SupportedOobChannels) != len(want.SupportedOobChannels) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.SupportedOobChannels {
		if got.SupportedOobChannels[i] != want.SupportedOobChannels[i] {
			t.Errorf("index %d: got %v, want %v", i, got.SupportedOobChannels[i], want.SupportedOobChannels[i])
		}
	}
}

func TestCapabilitiesExchangePreservesUnknownReservedChannels(t *testing.T) {
	// A future peer reserving channel type 17 should round-trip through an older decoder untouched.
	want := CapabilitiesExchange{SupportedOobChannels: []OobChannelType{17}}
	got, err := UnmarshalCapabilitiesExchange(MarshalCapabilitiesExchange(want))
	if err != nil {
		t.Fatalf("UnmarshalCapabilitiesExchange: %v", err)
	}
	if len(got.SupportedOobChannels) != 1 || got.SupportedOobChannels[0] != 17 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestVerificationCodeRoundTrip(t *testing.T) {
	for _, want := range []VerificationCode{
		{State: VerificationStateVisualVerification},
		{State: VerificationStateOobVerification, Payload: []byte{0xde, 0xad}},
	} {
		got, err := UnmarshalVerificationCode(MarshalVerificationCode(want))
		if err != nil {
			t.Fatalf("UnmarshalVerificationCode: %v", err)
		}
		if got.State != want.State || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
}
