package carstore

import (
	"path/filepath"
	"testing"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
)

// fakeKeyring is an in-memory keyring.Keyring used so these tests don't touch a platform secret
// store.
type fakeKeyring struct {
	items map[string]keyring.Item
}

func newFakeKeyring() *fakeKeyring { return &fakeKeyring{items: make(map[string]keyring.Item)} }

func (k *fakeKeyring) Get(key string) (keyring.Item, error) {
	item, ok := k.items[key]
	if !ok {
		return keyring.Item{}, keyring.ErrKeyNotFound
	}
	return item, nil
}

func (k *fakeKeyring) GetMetadata(key string) (keyring.Metadata, error) {
	return keyring.Metadata{}, nil
}

func (k *fakeKeyring) Set(item keyring.Item) error {
	k.items[item.Key] = item
	return nil
}

func (k *fakeKeyring) Remove(key string) error {
	delete(k.items, key)
	return nil
}

func (k *fakeKeyring) Keys() ([]string, error) {
	out := make([]string, 0, len(k.items))
	for k := range k.items {
		out = append(out, k)
	}
	return out, nil
}

func newTestStore(t *testing.T) *KeyringCarStore {
	t.Helper()
	s, err := newKeyringCarStore(filepath.Join(t.TempDir(), "index.json"), newFakeKeyring())
	if err != nil {
		t.Fatalf("newKeyringCarStore: %v", err)
	}
	return s
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	record := PeerRecord{
		DeviceID:          uuid.New(),
		Name:              "Garage Car",
		MACAddress:        "11:22:33:44:55:66",
		IdentificationKey: []byte("0123456789abcdef0123456789abcdef"),
		EncryptionSession: []byte("resume-blob"),
	}
	if err := s.Put(record); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(record.DeviceID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != record.Name || got.MACAddress != record.MACAddress ||
		string(got.IdentificationKey) != string(record.IdentificationKey) ||
		string(got.EncryptionSession) != string(record.EncryptionSession) {
		t.Errorf("got %+v, want %+v", got, record)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(uuid.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing record")
	}
}

func TestPutDefaultsEmptyMACToPlaceholder(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	if err := s.Put(PeerRecord{DeviceID: id, IdentificationKey: []byte("k")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MACAddress != PlaceholderMAC {
		t.Errorf("got MAC %q, want placeholder %q", got.MACAddress, PlaceholderMAC)
	}
}

func TestUpdateEncryptionSessionRequiresExistingRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateEncryptionSession(uuid.New(), []byte("x")); err == nil {
		t.Error("expected error updating session for unknown device")
	}
}

func TestUpdateEncryptionSessionReplacesBlob(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	if err := s.Put(PeerRecord{DeviceID: id, IdentificationKey: []byte("k"), EncryptionSession: []byte("old")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.UpdateEncryptionSession(id, []byte("new")); err != nil {
		t.Fatalf("UpdateEncryptionSession: %v", err)
	}
	got, _, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.EncryptionSession) != "new" {
		t.Errorf("got session %q, want %q", got.EncryptionSession, "new")
	}
}

func TestRenameSetsUserRenamed(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	s.Put(PeerRecord{DeviceID: id, IdentificationKey: []byte("k")})
	if err := s.Rename(id, "My Car"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, _, _ := s.Get(id)
	if got.Name != "My Car" || !got.UserRenamed {
		t.Errorf("got %+v", got)
	}
}

func TestDisassociateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	s.Put(PeerRecord{DeviceID: id, IdentificationKey: []byte("k")})

	didWork, err := s.Disassociate(id)
	if err != nil || !didWork {
		t.Fatalf("first Disassociate: didWork=%v err=%v", didWork, err)
	}
	didWork, err = s.Disassociate(id)
	if err != nil || didWork {
		t.Fatalf("second Disassociate: didWork=%v err=%v, want false", didWork, err)
	}
	if _, ok, _ := s.Get(id); ok {
		t.Error("record should no longer exist")
	}
}

func TestCandidatesMatchesIdentify(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	key := []byte("the-stored-identification-key!!")
	s.Put(PeerRecord{DeviceID: id, IdentificationKey: key})

	candidates, err := s.Candidates()
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].DeviceID != id || string(candidates[0].IdentificationKey) != string(key) {
		t.Errorf("got %+v", candidates)
	}
}
