// Package storagesync reconciles local recipient state with the remote
// storage service: key diffing, field-level merge, and write plans.
package storagesync

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// RecordType is the type tag carried next to each key in the manifest.
type RecordType int32

const (
	TypeUnknown RecordType = iota
	TypeContact
	TypeGroupV1
	TypeGroupV2
	TypeAccount
)

// StorageID is a record key with its manifest type.
type StorageID struct {
	Raw  []byte
	Type RecordType
}

func (id StorageID) String() string { return hex.EncodeToString(id.Raw) }

// IdentityState is the verification state of a contact's identity key.
type IdentityState int32

const (
	IdentityDefault IdentityState = iota
	IdentityVerified
	IdentityUnverified
)

// ContactRecord is the storage-service view of a contact.
type ContactRecord struct {
	Key            []byte
	ServiceID      uuid.UUID
	E164           string
	GivenName      string
	FamilyName     string
	ProfileKey     []byte
	Username       string
	IdentityKey    []byte
	IdentityState  IdentityState
	Blocked        bool
	ProfileSharing bool
	Nickname       string
}

// Equal compares every field including the key.
func (c *ContactRecord) Equal(o *ContactRecord) bool {
	return bytes.Equal(c.Key, o.Key) && c.sameFields(o)
}

// sameFields compares every field except the key.
func (c *ContactRecord) sameFields(o *ContactRecord) bool {
	return c.ServiceID == o.ServiceID &&
		c.E164 == o.E164 &&
		c.GivenName == o.GivenName &&
		c.FamilyName == o.FamilyName &&
		bytes.Equal(c.ProfileKey, o.ProfileKey) &&
		c.Username == o.Username &&
		bytes.Equal(c.IdentityKey, o.IdentityKey) &&
		c.IdentityState == o.IdentityState &&
		c.Blocked == o.Blocked &&
		c.ProfileSharing == o.ProfileSharing &&
		c.Nickname == o.Nickname
}

// GroupV1Record is the storage-service view of a legacy group.
type GroupV1Record struct {
	Key            []byte
	GroupID        []byte
	Blocked        bool
	ProfileSharing bool
}

func (g *GroupV1Record) Equal(o *GroupV1Record) bool {
	return bytes.Equal(g.Key, o.Key) && bytes.Equal(g.GroupID, o.GroupID) &&
		g.Blocked == o.Blocked && g.ProfileSharing == o.ProfileSharing
}

// Record is one storage item. Exactly one of Contact and GroupV1 is set for
// those types; other types keep their decrypted payload in Raw so they can
// be passed through untouched.
type Record struct {
	ID      StorageID
	Contact *ContactRecord
	GroupV1 *GroupV1Record
	Raw     []byte
}

// ContactStorageRecord wraps a contact.
func ContactStorageRecord(c *ContactRecord) Record {
	return Record{ID: StorageID{Raw: c.Key, Type: TypeContact}, Contact: c}
}

// GroupV1StorageRecord wraps a legacy group.
func GroupV1StorageRecord(g *GroupV1Record) Record {
	return Record{ID: StorageID{Raw: g.Key, Type: TypeGroupV1}, GroupV1: g}
}

// IsUnknown reports whether the record is neither a contact nor a v1 group.
func (r Record) IsUnknown() bool { return r.Contact == nil && r.GroupV1 == nil }

// WithKey returns a copy of r stored under key.
func (r Record) WithKey(key []byte) Record {
	out := r
	out.ID = StorageID{Raw: bytes.Clone(key), Type: r.ID.Type}
	if r.Contact != nil {
		c := *r.Contact
		c.Key = out.ID.Raw
		out.Contact = &c
	}
	if r.GroupV1 != nil {
		g := *r.GroupV1
		g.Key = out.ID.Raw
		out.GroupV1 = &g
	}
	return out
}

// Equal compares keys and contents.
func (r Record) Equal(o Record) bool {
	if !bytes.Equal(r.ID.Raw, o.ID.Raw) || r.ID.Type != o.ID.Type {
		return false
	}
	switch {
	case r.Contact != nil && o.Contact != nil:
		return r.Contact.Equal(o.Contact)
	case r.GroupV1 != nil && o.GroupV1 != nil:
		return r.GroupV1.Equal(o.GroupV1)
	case r.IsUnknown() && o.IsUnknown():
		return bytes.Equal(r.Raw, o.Raw)
	}
	return false
}

// Manifest is the decrypted manifest: its version and the full key set.
type Manifest struct {
	Version   uint64
	IDs       []StorageID
	RecordIKM []byte
}
