package framing

import (
	"bytes"
	"testing"

	"github.com/caraloop/carlink/pkg/protocol"
)

func TestPackSinglePacket(t *testing.T) {
	payload := []byte("short message")
	packets, err := Pack(1, payload, 100)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].PacketNumber != 1 || packets[0].TotalPackets != 1 {
		t.Errorf("got %+v", packets[0])
	}
	if !bytes.Equal(packets[0].Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestPackMultiPacketReassemblesExactly(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 50) // 500 bytes
	packets, err := Pack(7, payload, 40)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected multiple packets, got %d", len(packets))
	}
	r := NewReassembler()
	var got []byte
	var delivered bool
	for _, p := range packets {
		res, ok, err := r.Feed(p)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if ok {
			delivered = true
			got = res.Payload
		}
	}
	if !delivered {
		t.Fatal("message never reassembled")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	for i, p := range packets {
		if int(p.PacketNumber) != i+1 {
			t.Errorf("packet %d has packet_number %d", i, p.PacketNumber)
		}
		if p.TotalPackets != uint32(len(packets)) {
			t.Errorf("packet %d has total_packets %d, want %d", i, p.TotalPackets, len(packets))
		}
	}
}

func TestPackRejectsUnusableMTU(t *testing.T) {
	if _, err := Pack(1, []byte("x"), 1); err == nil {
		t.Error("expected error for too-small mtu")
	}
}

func TestReassemblerRejectsOutOfOrder(t *testing.T) {
	r := NewReassembler()
	packets, err := Pack(3, bytes.Repeat([]byte("a"), 200), 40)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packets) < 3 {
		t.Fatalf("need at least 3 packets for this test, got %d", len(packets))
	}
	if _, _, err := r.Feed(packets[0]); err != nil {
		t.Fatalf("first Feed: %v", err)
	}
	// Skip packet 2, deliver packet 3 directly: must be a fatal framing error.
	if _, _, err := r.Feed(packets[2]); err == nil {
		t.Error("expected framing error for out-of-order packet")
	}
}

func TestReassemblerIgnoresDuplicate(t *testing.T) {
	r := NewReassembler()
	packets, err := Pack(9, bytes.Repeat([]byte("b"), 200), 40)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, _, err := r.Feed(packets[0]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, ok, err := r.Feed(packets[0]); err != nil || ok {
		t.Errorf("duplicate packet should be silently ignored, got ok=%v err=%v", ok, err)
	}
}

func TestReassemblerDropsRetransmitOfCompletedFinalPacket(t *testing.T) {
	r := NewReassembler()
	packets, err := Pack(11, bytes.Repeat([]byte("c"), 200), 40)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	for _, p := range packets {
		if _, _, err := r.Feed(p); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	// A retransmit of the final packet, arriving after the message already completed, must be
	// dropped rather than rejected as "unknown message".
	last := packets[len(packets)-1]
	if _, ok, err := r.Feed(last); err != nil || ok {
		t.Errorf("retransmit of completed final packet should be dropped, got ok=%v err=%v", ok, err)
	}
}

func TestReassemblerRejectsUnknownMidPacket(t *testing.T) {
	r := NewReassembler()
	p := protocol.Packet{PacketNumber: 3, TotalPackets: 5, MessageID: 42, Payload: []byte("x")}
	if _, _, err := r.Feed(p); err == nil {
		t.Error("expected framing error for unknown mid-stream packet")
	}
}
