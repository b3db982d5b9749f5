package carstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/99designs/keyring"
	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/identify"
)

const (
	indexFileVersion = 2 // bumped when the mac_address column was added.
	keyringService    = "carlink"
	identificationKeySuffix = ".identification_key"
	encryptionSessionSuffix = ".encryption_session"
)

// indexEntry is the JSON-on-disk row: everything about a PeerRecord except its two secrets, which
// live in the platform keyring instead (grounded on the same split the corpus uses between a
// plaintext session cache and the platform keyring for key material).
type indexEntry struct {
	DeviceID    uuid.UUID `json:"device_id"`
	Name        string    `json:"name"`
	MACAddress  string    `json:"mac_address"`
	UserRenamed bool      `json:"user_renamed"`
}

type index struct {
	Version int          `json:"version"`
	Entries []indexEntry `json:"entries"`
}

// KeyringCarStore is the default CarStore: a JSON index file plus platform-keyring-backed secrets,
// per spec.md §4.10.
type KeyringCarStore struct {
	indexPath string
	kr        keyring.Keyring

	mu    sync.Mutex
	index index
}

// NewKeyringCarStore opens (or initializes) the index at indexPath, backed by the keyring opened
// from cfg.
func NewKeyringCarStore(indexPath string, cfg keyring.Config) (*KeyringCarStore, error) {
	kr, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("carstore: open keyring: %w", err)
	}
	return newKeyringCarStore(indexPath, kr)
}

func newKeyringCarStore(indexPath string, kr keyring.Keyring) (*KeyringCarStore, error) {
	s := &KeyringCarStore{indexPath: indexPath, kr: kr}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyringCarStore) load() error {
	f, err := os.Open(s.indexPath)
	if os.IsNotExist(err) {
		s.index = index{Version: indexFileVersion}
		return nil
	}
	if err != nil {
		return fmt.Errorf("carstore: open index: %w", err)
	}
	defer f.Close()

	var idx index
	if err := json.NewDecoder(f).Decode(&idx); err != nil {
		if err == io.EOF {
			s.index = index{Version: indexFileVersion}
			return nil
		}
		return fmt.Errorf("carstore: decode index: %w", err)
	}
	if idx.Version < indexFileVersion {
		for i := range idx.Entries {
			if idx.Entries[i].MACAddress == "" {
				idx.Entries[i].MACAddress = PlaceholderMAC
			}
		}
		idx.Version = indexFileVersion
	}
	s.index = idx
	return nil
}

// save must be called with s.mu held.
func (s *KeyringCarStore) save() error {
	tmp := s.indexPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("carstore: write index: %w", err)
	}
	if err := json.NewEncoder(f).Encode(s.index); err != nil {
		f.Close()
		return fmt.Errorf("carstore: encode index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("carstore: close index: %w", err)
	}
	return os.Rename(tmp, s.indexPath)
}

func (s *KeyringCarStore) Candidates() ([]identify.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]identify.Candidate, 0, len(s.index.Entries))
	for _, e := range s.index.Entries {
		key, err := s.getSecret(e.DeviceID, identificationKeySuffix)
		if err != nil {
			continue // a record missing its key material cannot match; skip rather than fail the scan.
		}
		out = append(out, identify.Candidate{DeviceID: e.DeviceID, IdentificationKey: key})
	}
	return out, nil
}

func (s *KeyringCarStore) Get(deviceID uuid.UUID) (PeerRecord, bool, error) {
	s.mu.Lock()
	entry, ok := s.findLocked(deviceID)
	s.mu.Unlock()
	if !ok {
		return PeerRecord{}, false, nil
	}

	key, err := s.getSecret(deviceID, identificationKeySuffix)
	if err != nil {
		return PeerRecord{}, false, fmt.Errorf("carstore: load identification key: %w", err)
	}
	session, err := s.getSecret(deviceID, encryptionSessionSuffix)
	if err != nil && !isNotFound(err) {
		return PeerRecord{}, false, fmt.Errorf("carstore: load encryption session: %w", err)
	}
	return PeerRecord{
		DeviceID:          entry.DeviceID,
		Name:              entry.Name,
		MACAddress:        entry.MACAddress,
		IdentificationKey: key,
		EncryptionSession: session,
		UserRenamed:       entry.UserRenamed,
	}, true, nil
}

func (s *KeyringCarStore) Put(record PeerRecord) error {
	if err := s.setSecret(record.DeviceID, identificationKeySuffix, record.IdentificationKey); err != nil {
		return fmt.Errorf("carstore: store identification key: %w", err)
	}
	if len(record.EncryptionSession) > 0 {
		if err := s.setSecret(record.DeviceID, encryptionSessionSuffix, record.EncryptionSession); err != nil {
			return fmt.Errorf("carstore: store encryption session: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := indexEntry{
		DeviceID:    record.DeviceID,
		Name:        record.Name,
		MACAddress:  record.MACAddress,
		UserRenamed: record.UserRenamed,
	}
	if entry.MACAddress == "" {
		entry.MACAddress = PlaceholderMAC
	}
	replaced := false
	for i, e := range s.index.Entries {
		if e.DeviceID == record.DeviceID {
			s.index.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.index.Entries = append(s.index.Entries, entry)
	}
	return s.save()
}

func (s *KeyringCarStore) UpdateEncryptionSession(deviceID uuid.UUID, session []byte) error {
	s.mu.Lock()
	_, ok := s.findLocked(deviceID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("carstore: no record for device %s", deviceID)
	}
	return s.setSecret(deviceID, encryptionSessionSuffix, session)
}

func (s *KeyringCarStore) Rename(deviceID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.index.Entries {
		if e.DeviceID == deviceID {
			s.index.Entries[i].Name = name
			s.index.Entries[i].UserRenamed = true
			return s.save()
		}
	}
	return fmt.Errorf("carstore: no record for device %s", deviceID)
}

func (s *KeyringCarStore) Disassociate(deviceID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.index.Entries {
		if e.DeviceID == deviceID {
			s.index.Entries = append(s.index.Entries[:i], s.index.Entries[i+1:]...)
			_ = s.kr.Remove(secretKey(deviceID, identificationKeySuffix))
			_ = s.kr.Remove(secretKey(deviceID, encryptionSessionSuffix))
			return true, s.save()
		}
	}
	return false, nil
}

func (s *KeyringCarStore) findLocked(deviceID uuid.UUID) (indexEntry, bool) {
	for _, e := range s.index.Entries {
		if e.DeviceID == deviceID {
			return e, true
		}
	}
	return indexEntry{}, false
}

func secretKey(deviceID uuid.UUID, suffix string) string {
	return keyringService + "." + deviceID.String() + suffix
}

func (s *KeyringCarStore) getSecret(deviceID uuid.UUID, suffix string) ([]byte, error) {
	item, err := s.kr.Get(secretKey(deviceID, suffix))
	if err != nil {
		return nil, err
	}
	return item.Data, nil
}

func (s *KeyringCarStore) setSecret(deviceID uuid.UUID, suffix string, data []byte) error {
	return s.kr.Set(keyring.Item{Key: secretKey(deviceID, suffix), Data: data})
}

func isNotFound(err error) bool {
	return err == keyring.ErrKeyNotFound
}

var _ CarStore = (*KeyringCarStore)(nil)
