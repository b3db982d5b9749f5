// Package carstore persists PeerRecord rows (spec.md §3/§4.10): one per associated vehicle, keyed
// by device id, holding the resume material and identification key needed to skip a fresh
// handshake on the next reconnection.
package carstore

import (
	"github.com/google/uuid"

	"github.com/caraloop/carlink/internal/identify"
)

// PlaceholderMAC is substituted for records written before the mac_address column existed, per
// spec.md §6's migration rule.
const PlaceholderMAC = "AA:BB:CC:DD:EE:FF"

// PeerRecord is the persisted row of spec.md §3/§4.10.
type PeerRecord struct {
	DeviceID           uuid.UUID
	Name               string
	MACAddress         string
	EncryptionSession  []byte // opaque resume material from internal/handshake
	IdentificationKey  []byte // 32-byte symmetric secret
	UserRenamed        bool
}

// CarStore is C10: the single-writer store of PeerRecords.
type CarStore interface {
	// Candidates returns enough of every record to run identify.FindMatch against an advertised
	// salt/HMAC pair.
	Candidates() ([]identify.Candidate, error)

	// Get returns the record for deviceID, if any.
	Get(deviceID uuid.UUID) (PeerRecord, bool, error)

	// Put creates or fully replaces the record for record.DeviceID, e.g. on successful association.
	Put(record PeerRecord) error

	// UpdateEncryptionSession replaces only the resume material for deviceID, e.g. after a
	// successful reconnection. It is a no-op error if deviceID is not present.
	UpdateEncryptionSession(deviceID uuid.UUID, session []byte) error

	// Rename sets a user-chosen display name and marks UserRenamed.
	Rename(deviceID uuid.UUID, name string) error

	// Disassociate deletes the record for deviceID. It reports whether it actually removed a
	// record, so repeated calls are observably idempotent (spec.md §8's disassociate invariant).
	Disassociate(deviceID uuid.UUID) (didWork bool, err error)
}

// MigrateMACPlaceholder returns records with PlaceholderMAC substituted wherever MACAddress is
// empty, per spec.md §6's column-default migration rule for rows written before MACAddress
// existed.
func MigrateMACPlaceholder(records []PeerRecord) []PeerRecord {
	out := make([]PeerRecord, len(records))
	for i, r := range records {
		if r.MACAddress == "" {
			r.MACAddress = PlaceholderMAC
		}
		out[i] = r
	}
	return out
}
