package storagesync

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// KeyLength is the size of a generated storage key.
const KeyLength = 16

// KeyGenerator returns a fresh storage key.
type KeyGenerator func() []byte

// GenerateKey returns KeyLength random bytes.
func GenerateKey() []byte {
	k := make([]byte, KeyLength)
	if _, err := rand.Read(k); err != nil {
		panic("storagesync: read random: " + err.Error())
	}
	return k
}

// ContactUpdate replaces Old with New.
type ContactUpdate struct {
	Old, New *ContactRecord
}

// GroupV1Update replaces Old with New.
type GroupV1Update struct {
	Old, New *GroupV1Record
}

// RecordUpdate replaces Old with New on the storage service.
type RecordUpdate struct {
	Old, New Record
}

// MergeResult is the outcome of reconciling remote-only records with
// local-only records.
type MergeResult struct {
	LocalContactInserts []*ContactRecord
	LocalContactUpdates []ContactUpdate
	LocalGroupV1Inserts []*GroupV1Record
	LocalGroupV1Updates []GroupV1Update
	LocalUnknownInserts []Record
	LocalUnknownDeletes []Record
	RemoteInserts       []Record
	RemoteUpdates       []RecordUpdate
}

// ResolveConflict merges records that only the remote has with records
// that only the local side has. Contacts are matched by service id, then by
// E.164; v1 groups by group id. Unmatched remote records become local
// inserts and unmatched local records become remote inserts. Remote records
// of unhandled types are kept locally as unknowns; local unknowns the
// remote no longer lists are dropped.
func ResolveConflict(remote, local []Record, gen KeyGenerator) *MergeResult {
	if gen == nil {
		gen = GenerateKey
	}
	var (
		remoteContacts, localContacts []*ContactRecord
		remoteGroups, localGroups     []*GroupV1Record
		res                           = &MergeResult{}
	)
	for _, r := range remote {
		switch {
		case r.Contact != nil:
			remoteContacts = append(remoteContacts, r.Contact)
		case r.GroupV1 != nil:
			remoteGroups = append(remoteGroups, r.GroupV1)
		default:
			res.LocalUnknownInserts = append(res.LocalUnknownInserts, r)
		}
	}
	for _, r := range local {
		switch {
		case r.Contact != nil:
			localContacts = append(localContacts, r.Contact)
		case r.GroupV1 != nil:
			localGroups = append(localGroups, r.GroupV1)
		default:
			res.LocalUnknownDeletes = append(res.LocalUnknownDeletes, r)
		}
	}

	resolveContacts(res, remoteContacts, localContacts, gen)
	resolveGroupsV1(res, remoteGroups, localGroups, gen)
	return res
}

func resolveContacts(res *MergeResult, remote, local []*ContactRecord, gen KeyGenerator) {
	byUUID := make(map[uuid.UUID]*ContactRecord)
	byE164 := make(map[string]*ContactRecord)
	for _, c := range local {
		if c.ServiceID != uuid.Nil {
			byUUID[c.ServiceID] = c
		}
		if c.E164 != "" {
			byE164[c.E164] = c
		}
	}

	matched := make(map[*ContactRecord]bool)
	for _, r := range remote {
		var l *ContactRecord
		if r.ServiceID != uuid.Nil {
			l = byUUID[r.ServiceID]
		}
		if l == nil && r.E164 != "" {
			l = byE164[r.E164]
		}
		if l == nil {
			continue
		}
		merged := mergeContacts(r, l, gen)
		if !merged.Equal(r) {
			res.RemoteUpdates = append(res.RemoteUpdates, RecordUpdate{
				Old: ContactStorageRecord(r),
				New: ContactStorageRecord(merged),
			})
		}
		if !merged.Equal(l) {
			res.LocalContactUpdates = append(res.LocalContactUpdates, ContactUpdate{Old: l, New: merged})
		}
		matched[r] = true
		matched[l] = true
	}

	for _, r := range remote {
		if !matched[r] {
			res.LocalContactInserts = append(res.LocalContactInserts, r)
		}
	}
	for _, l := range local {
		if !matched[l] {
			res.RemoteInserts = append(res.RemoteInserts, ContactStorageRecord(l))
		}
	}
}

func resolveGroupsV1(res *MergeResult, remote, local []*GroupV1Record, gen KeyGenerator) {
	byID := make(map[string]*GroupV1Record, len(local))
	for _, g := range local {
		byID[hex.EncodeToString(g.GroupID)] = g
	}

	matched := make(map[*GroupV1Record]bool)
	for _, r := range remote {
		l := byID[hex.EncodeToString(r.GroupID)]
		if l == nil {
			continue
		}
		merged := mergeGroupV1(r, l, gen)
		if !merged.Equal(r) {
			res.RemoteUpdates = append(res.RemoteUpdates, RecordUpdate{
				Old: GroupV1StorageRecord(r),
				New: GroupV1StorageRecord(merged),
			})
		}
		if !merged.Equal(l) {
			res.LocalGroupV1Updates = append(res.LocalGroupV1Updates, GroupV1Update{Old: l, New: merged})
		}
		matched[r] = true
		matched[l] = true
	}

	for _, r := range remote {
		if !matched[r] {
			res.LocalGroupV1Inserts = append(res.LocalGroupV1Inserts, r)
		}
	}
	for _, l := range local {
		if !matched[l] {
			res.RemoteInserts = append(res.RemoteInserts, GroupV1StorageRecord(l))
		}
	}
}

// mergeContacts combines a matched pair. Remote wins identity, profile,
// identity state and blocked; profile sharing is on if either side has it;
// the nickname is local only. The result reuses remote or local when it is
// field-for-field equal to one of them, otherwise it gets a new key.
func mergeContacts(remote, local *ContactRecord, gen KeyGenerator) *ContactRecord {
	merged := &ContactRecord{
		Key:            remote.Key,
		ServiceID:      remote.ServiceID,
		E164:           or(remote.E164, local.E164),
		GivenName:      or(remote.GivenName, local.GivenName),
		FamilyName:     or(remote.FamilyName, local.FamilyName),
		ProfileKey:     orBytes(remote.ProfileKey, local.ProfileKey),
		Username:       or(remote.Username, local.Username),
		IdentityKey:    orBytes(remote.IdentityKey, local.IdentityKey),
		IdentityState:  remote.IdentityState,
		Blocked:        remote.Blocked,
		ProfileSharing: remote.ProfileSharing || local.ProfileSharing,
		Nickname:       local.Nickname,
	}
	if merged.ServiceID == uuid.Nil {
		merged.ServiceID = local.ServiceID
	}

	switch {
	case merged.sameFields(remote):
		return remote
	case merged.sameFields(local):
		return local
	}
	merged.Key = gen()
	return merged
}

func mergeGroupV1(remote, local *GroupV1Record, gen KeyGenerator) *GroupV1Record {
	merged := &GroupV1Record{
		GroupID:        remote.GroupID,
		Blocked:        remote.Blocked,
		ProfileSharing: remote.ProfileSharing || local.ProfileSharing,
	}
	switch {
	case sameGroupFields(merged, remote):
		return remote
	case sameGroupFields(merged, local):
		return local
	}
	merged.Key = gen()
	return merged
}

func sameGroupFields(a, b *GroupV1Record) bool {
	return bytes.Equal(a.GroupID, b.GroupID) && a.Blocked == b.Blocked && a.ProfileSharing == b.ProfileSharing
}

func or(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func orBytes(a, b []byte) []byte {
	if len(a) > 0 {
		return a
	}
	return b
}
