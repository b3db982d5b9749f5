package negotiate

import (
	"errors"
	"testing"

	"github.com/caraloop/carlink/pkg/protocol"
)

func TestResolvePicksUpperBoundOfIntersection(t *testing.T) {
	local := LocalVersionExchange() // message [2,3], security [2,4]
	peer := protocol.VersionExchange{
		Message:  protocol.VersionWindow{Min: 2, Max: 2},
		Security: protocol.VersionWindow{Min: 2, Max: 2},
	}
	msg, sec, err := Resolve(local, peer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if msg != 2 || sec != 2 {
		t.Errorf("got (%d, %d), want (2, 2)", msg, sec)
	}
}

func TestResolveMatchesScenarioFromSpec(t *testing.T) {
	// Scenario 1 from spec.md §8: client (2,3,2,4 local default) exchanges versions with a peer
	// sending (2,3,2,2); expected resolved pair is (3,2).
	local := LocalVersionExchange()
	peer := protocol.VersionExchange{
		Message:  protocol.VersionWindow{Min: 2, Max: 3},
		Security: protocol.VersionWindow{Min: 2, Max: 2},
	}
	msg, sec, err := Resolve(local, peer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if msg != 3 || sec != 2 {
		t.Errorf("got (%d, %d), want (3, 2)", msg, sec)
	}
}

func TestResolveFailsOnEmptyWindow(t *testing.T) {
	local := LocalVersionExchange()
	peer := protocol.VersionExchange{
		Message:  protocol.VersionWindow{Min: 1, Max: 1},
		Security: protocol.VersionWindow{Min: 2, Max: 4},
	}
	_, _, err := Resolve(local, peer)
	if !errors.Is(err, protocol.ErrIncompatibleVersion) {
		t.Errorf("got err %v, want ErrIncompatibleVersion", err)
	}
}

func TestIntersectPreservesPeerOrder(t *testing.T) {
	peer := []protocol.OobChannelType{protocol.OobChannelPreAssociation, protocol.OobChannelBTRFCOMM, 99}
	local := []protocol.OobChannelType{protocol.OobChannelBTRFCOMM, protocol.OobChannelPreAssociation}
	got := Intersect(peer, local)
	want := []protocol.OobChannelType{protocol.OobChannelPreAssociation, protocol.OobChannelBTRFCOMM}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIntersectEmptyWhenNoOverlap(t *testing.T) {
	got := Intersect([]protocol.OobChannelType{99}, DefaultSupportedOobChannels)
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}
