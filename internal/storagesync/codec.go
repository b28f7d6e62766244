package storagesync

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-state/internal/pbwire"
)

// StorageRecord oneof.
const (
	fieldRecordContact protowire.Number = 1
	fieldRecordGroupV1 protowire.Number = 2
)

// ContactRecord.
const (
	fieldContactServiceID     protowire.Number = 1
	fieldContactE164          protowire.Number = 2
	fieldContactProfileKey    protowire.Number = 3
	fieldContactIdentityKey   protowire.Number = 4
	fieldContactIdentityState protowire.Number = 5
	fieldContactGivenName     protowire.Number = 6
	fieldContactFamilyName    protowire.Number = 7
	fieldContactUsername      protowire.Number = 8
	fieldContactBlocked       protowire.Number = 9
	fieldContactWhitelisted   protowire.Number = 10
	fieldContactNickname      protowire.Number = 19
)

// GroupV1Record.
const (
	fieldGroupID          protowire.Number = 1
	fieldGroupBlocked     protowire.Number = 2
	fieldGroupWhitelisted protowire.Number = 3
)

// ManifestRecord and its Identifier.
const (
	fieldManifestVersion      protowire.Number = 1
	fieldManifestIdentifiers  protowire.Number = 2
	fieldManifestSourceDevice protowire.Number = 3
	fieldManifestRecordIKM    protowire.Number = 4

	fieldIdentifierRaw  protowire.Number = 1
	fieldIdentifierType protowire.Number = 2
)

// Service envelopes: StorageManifest, StorageItem(s), ReadOperation, WriteOperation.
const (
	fieldEnvelopeVersion protowire.Number = 1
	fieldEnvelopeValue   protowire.Number = 2

	fieldItemKey   protowire.Number = 1
	fieldItemValue protowire.Number = 2
	fieldItems     protowire.Number = 1

	fieldReadKey protowire.Number = 1

	fieldWriteManifest protowire.Number = 1
	fieldWriteInsert   protowire.Number = 2
	fieldWriteDelete   protowire.Number = 3
	fieldWriteClearAll protowire.Number = 4
)

// EncodeRecord serializes the StorageRecord payload of r. Unknown records
// are written back exactly as they were read.
func EncodeRecord(r Record) []byte {
	switch {
	case r.Contact != nil:
		return pbwire.AppendMessage(nil, fieldRecordContact, encodeContact(r.Contact))
	case r.GroupV1 != nil:
		return pbwire.AppendMessage(nil, fieldRecordGroupV1, encodeGroupV1(r.GroupV1))
	}
	return r.Raw
}

// DecodeRecord parses a StorageRecord stored under id. Payloads that do not
// match the id's type come back as unknown records carrying the raw bytes.
func DecodeRecord(id StorageID, b []byte) (Record, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return Record{}, fmt.Errorf("storagesync: record %s: %w", id, err)
	}
	r := Record{ID: id}
	for _, f := range fields {
		switch {
		case f.Num == fieldRecordContact && id.Type == TypeContact:
			if err := f.Expect(protowire.BytesType); err != nil {
				return Record{}, err
			}
			c, err := decodeContact(f.Bytes)
			if err != nil {
				return Record{}, fmt.Errorf("storagesync: contact %s: %w", id, err)
			}
			c.Key = id.Raw
			r.Contact = c
		case f.Num == fieldRecordGroupV1 && id.Type == TypeGroupV1:
			if err := f.Expect(protowire.BytesType); err != nil {
				return Record{}, err
			}
			g, err := decodeGroupV1(f.Bytes)
			if err != nil {
				return Record{}, fmt.Errorf("storagesync: group %s: %w", id, err)
			}
			g.Key = id.Raw
			r.GroupV1 = g
		}
	}
	if r.IsUnknown() {
		r.Raw = append([]byte(nil), b...)
	}
	return r, nil
}

func encodeContact(c *ContactRecord) []byte {
	var b []byte
	if c.ServiceID != uuid.Nil {
		b = pbwire.AppendString(b, fieldContactServiceID, c.ServiceID.String())
	}
	b = pbwire.AppendString(b, fieldContactE164, c.E164)
	b = pbwire.AppendBytes(b, fieldContactProfileKey, c.ProfileKey)
	b = pbwire.AppendBytes(b, fieldContactIdentityKey, c.IdentityKey)
	b = pbwire.AppendVarint(b, fieldContactIdentityState, uint64(c.IdentityState))
	b = pbwire.AppendString(b, fieldContactGivenName, c.GivenName)
	b = pbwire.AppendString(b, fieldContactFamilyName, c.FamilyName)
	b = pbwire.AppendString(b, fieldContactUsername, c.Username)
	b = pbwire.AppendBool(b, fieldContactBlocked, c.Blocked)
	b = pbwire.AppendBool(b, fieldContactWhitelisted, c.ProfileSharing)
	b = pbwire.AppendString(b, fieldContactNickname, c.Nickname)
	return b
}

func decodeContact(b []byte) (*ContactRecord, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, err
	}
	c := &ContactRecord{}
	for _, f := range fields {
		switch f.Num {
		case fieldContactServiceID:
			if len(f.Bytes) > 0 {
				id, err := uuid.ParseBytes(f.Bytes)
				if err != nil {
					return nil, fmt.Errorf("service id: %w", err)
				}
				c.ServiceID = id
			}
		case fieldContactE164:
			c.E164 = string(f.Bytes)
		case fieldContactProfileKey:
			c.ProfileKey = append([]byte(nil), f.Bytes...)
		case fieldContactIdentityKey:
			c.IdentityKey = append([]byte(nil), f.Bytes...)
		case fieldContactIdentityState:
			c.IdentityState = IdentityState(f.Varint)
		case fieldContactGivenName:
			c.GivenName = string(f.Bytes)
		case fieldContactFamilyName:
			c.FamilyName = string(f.Bytes)
		case fieldContactUsername:
			c.Username = string(f.Bytes)
		case fieldContactBlocked:
			c.Blocked = f.Varint != 0
		case fieldContactWhitelisted:
			c.ProfileSharing = f.Varint != 0
		case fieldContactNickname:
			c.Nickname = string(f.Bytes)
		}
	}
	return c, nil
}

func encodeGroupV1(g *GroupV1Record) []byte {
	b := pbwire.AppendBytes(nil, fieldGroupID, g.GroupID)
	b = pbwire.AppendBool(b, fieldGroupBlocked, g.Blocked)
	return pbwire.AppendBool(b, fieldGroupWhitelisted, g.ProfileSharing)
}

func decodeGroupV1(b []byte) (*GroupV1Record, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, err
	}
	g := &GroupV1Record{}
	for _, f := range fields {
		switch f.Num {
		case fieldGroupID:
			g.GroupID = append([]byte(nil), f.Bytes...)
		case fieldGroupBlocked:
			g.Blocked = f.Varint != 0
		case fieldGroupWhitelisted:
			g.ProfileSharing = f.Varint != 0
		}
	}
	return g, nil
}

// EncodeManifest serializes a ManifestRecord.
func EncodeManifest(m *Manifest, sourceDevice uint32) []byte {
	b := pbwire.AppendVarintAlways(nil, fieldManifestVersion, m.Version)
	for _, id := range m.IDs {
		ib := pbwire.AppendBytes(nil, fieldIdentifierRaw, id.Raw)
		ib = pbwire.AppendVarint(ib, fieldIdentifierType, uint64(id.Type))
		b = pbwire.AppendMessage(b, fieldManifestIdentifiers, ib)
	}
	b = pbwire.AppendVarint(b, fieldManifestSourceDevice, uint64(sourceDevice))
	return pbwire.AppendBytes(b, fieldManifestRecordIKM, m.RecordIKM)
}

// DecodeManifest parses a ManifestRecord.
func DecodeManifest(b []byte) (*Manifest, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("storagesync: manifest: %w", err)
	}
	m := &Manifest{}
	for _, f := range fields {
		switch f.Num {
		case fieldManifestVersion:
			m.Version = f.Varint
		case fieldManifestIdentifiers:
			if err := f.Expect(protowire.BytesType); err != nil {
				return nil, fmt.Errorf("storagesync: manifest: %w", err)
			}
			ifs, err := pbwire.Parse(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("storagesync: manifest identifier: %w", err)
			}
			var id StorageID
			for _, g := range ifs {
				switch g.Num {
				case fieldIdentifierRaw:
					id.Raw = append([]byte(nil), g.Bytes...)
				case fieldIdentifierType:
					id.Type = RecordType(g.Varint)
				}
			}
			m.IDs = append(m.IDs, id)
		case fieldManifestRecordIKM:
			m.RecordIKM = append([]byte(nil), f.Bytes...)
		}
	}
	return m, nil
}

// EncryptedManifest is the StorageManifest envelope exchanged with the service.
type EncryptedManifest struct {
	Version uint64
	Value   []byte
}

// EncryptedItem is one StorageItem: a raw key and its sealed record.
type EncryptedItem struct {
	Key   []byte
	Value []byte
}

// EncryptedWrite is a WriteOperation ready to send.
type EncryptedWrite struct {
	Manifest EncryptedManifest
	Inserts  []EncryptedItem
	Deletes  [][]byte
	ClearAll bool
}

func (m EncryptedManifest) Marshal() []byte {
	b := pbwire.AppendVarintAlways(nil, fieldEnvelopeVersion, m.Version)
	return pbwire.AppendBytes(b, fieldEnvelopeValue, m.Value)
}

// UnmarshalManifest parses a StorageManifest envelope.
func UnmarshalManifest(b []byte) (EncryptedManifest, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return EncryptedManifest{}, fmt.Errorf("storagesync: storage manifest: %w", err)
	}
	var m EncryptedManifest
	for _, f := range fields {
		switch f.Num {
		case fieldEnvelopeVersion:
			m.Version = f.Varint
		case fieldEnvelopeValue:
			m.Value = append([]byte(nil), f.Bytes...)
		}
	}
	return m, nil
}

func (it EncryptedItem) marshal() []byte {
	b := pbwire.AppendBytes(nil, fieldItemKey, it.Key)
	return pbwire.AppendBytes(b, fieldItemValue, it.Value)
}

// MarshalItems serializes a StorageItems message.
func MarshalItems(items []EncryptedItem) []byte {
	var b []byte
	for _, it := range items {
		b = pbwire.AppendMessage(b, fieldItems, it.marshal())
	}
	return b
}

// UnmarshalItems parses a StorageItems message.
func UnmarshalItems(b []byte) ([]EncryptedItem, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("storagesync: storage items: %w", err)
	}
	var out []EncryptedItem
	for _, f := range fields {
		if f.Num != fieldItems {
			continue
		}
		ifs, err := pbwire.Parse(f.Bytes)
		if err != nil {
			return nil, fmt.Errorf("storagesync: storage item: %w", err)
		}
		var it EncryptedItem
		for _, g := range ifs {
			switch g.Num {
			case fieldItemKey:
				it.Key = append([]byte(nil), g.Bytes...)
			case fieldItemValue:
				it.Value = append([]byte(nil), g.Bytes...)
			}
		}
		out = append(out, it)
	}
	return out, nil
}

// MarshalReadOperation serializes a ReadOperation for keys.
func MarshalReadOperation(keys [][]byte) []byte {
	var b []byte
	for _, k := range keys {
		b = pbwire.AppendMessage(b, fieldReadKey, k)
	}
	return b
}

// UnmarshalReadOperation parses a ReadOperation.
func UnmarshalReadOperation(b []byte) ([][]byte, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("storagesync: read operation: %w", err)
	}
	var keys [][]byte
	for _, f := range fields {
		if f.Num == fieldReadKey {
			keys = append(keys, append([]byte(nil), f.Bytes...))
		}
	}
	return keys, nil
}

func (w *EncryptedWrite) Marshal() []byte {
	b := pbwire.AppendMessage(nil, fieldWriteManifest, w.Manifest.Marshal())
	for _, it := range w.Inserts {
		b = pbwire.AppendMessage(b, fieldWriteInsert, it.marshal())
	}
	for _, k := range w.Deletes {
		b = pbwire.AppendMessage(b, fieldWriteDelete, k)
	}
	return pbwire.AppendBool(b, fieldWriteClearAll, w.ClearAll)
}

// UnmarshalWrite parses a WriteOperation.
func UnmarshalWrite(b []byte) (*EncryptedWrite, error) {
	fields, err := pbwire.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("storagesync: write operation: %w", err)
	}
	w := &EncryptedWrite{}
	for _, f := range fields {
		switch f.Num {
		case fieldWriteManifest:
			if w.Manifest, err = UnmarshalManifest(f.Bytes); err != nil {
				return nil, err
			}
		case fieldWriteInsert:
			items, err := UnmarshalItems(pbwire.AppendMessage(nil, fieldItems, f.Bytes))
			if err != nil {
				return nil, err
			}
			w.Inserts = append(w.Inserts, items...)
		case fieldWriteDelete:
			w.Deletes = append(w.Deletes, append([]byte(nil), f.Bytes...))
		case fieldWriteClearAll:
			w.ClearAll = f.Varint != 0
		}
	}
	return w, nil
}
