package storagesync

import (
	"bytes"
	"testing"
)

func TestRecordCodec(t *testing.T) {
	c := &ContactRecord{
		Key:            []byte("k1"),
		ServiceID:      aci,
		E164:           "+5215512345678",
		GivenName:      "Ana",
		FamilyName:     "López",
		ProfileKey:     bytes.Repeat([]byte{1}, 32),
		Username:       "ana.01",
		IdentityKey:    bytes.Repeat([]byte{5}, 33),
		IdentityState:  IdentityVerified,
		Blocked:        true,
		ProfileSharing: true,
		Nickname:       "Anita",
	}
	got, err := DecodeRecord(sid("k1", TypeContact), EncodeRecord(ContactStorageRecord(c)))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got.Contact == nil || !got.Contact.Equal(c) {
		t.Errorf("contact = %+v\nwant %+v", got.Contact, c)
	}

	g := &GroupV1Record{Key: []byte("k2"), GroupID: []byte("group-id"), ProfileSharing: true}
	got, err = DecodeRecord(sid("k2", TypeGroupV1), EncodeRecord(GroupV1StorageRecord(g)))
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got.GroupV1 == nil || !got.GroupV1.Equal(g) {
		t.Errorf("group = %+v", got.GroupV1)
	}
}

func TestRecordCodecUnknownPassThrough(t *testing.T) {
	// An account record: field 4 of StorageRecord.
	payload := []byte{0x22, 0x03, 0x0a, 0x01, 'x'}
	r, err := DecodeRecord(sid("acct", TypeAccount), payload)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !r.IsUnknown() {
		t.Fatal("account record decoded as known type")
	}
	if !bytes.Equal(EncodeRecord(r), payload) {
		t.Errorf("re-encoded = %x, want %x", EncodeRecord(r), payload)
	}
}

func TestManifestCodec(t *testing.T) {
	m := &Manifest{
		Version:   9,
		IDs:       []StorageID{sid("a", TypeContact), sid("b", TypeUnknown), sid("c", TypeGroupV1)},
		RecordIKM: []byte("ikm"),
	}
	got, err := DecodeManifest(EncodeManifest(m, 2))
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if got.Version != 9 || !bytes.Equal(got.RecordIKM, m.RecordIKM) {
		t.Errorf("manifest = %+v", got)
	}
	if len(got.IDs) != 3 || got.IDs[1].Type != TypeUnknown || got.IDs[2].Type != TypeGroupV1 {
		t.Errorf("ids = %+v", got.IDs)
	}
}

func TestWriteEnvelope(t *testing.T) {
	w := &EncryptedWrite{
		Manifest: EncryptedManifest{Version: 3, Value: []byte("sealed")},
		Inserts:  []EncryptedItem{{Key: []byte("k1"), Value: []byte("v1")}, {Key: []byte("k2"), Value: []byte("v2")}},
		Deletes:  [][]byte{[]byte("old")},
	}
	got, err := UnmarshalWrite(w.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalWrite: %v", err)
	}
	if got.Manifest.Version != 3 || string(got.Manifest.Value) != "sealed" {
		t.Errorf("manifest = %+v", got.Manifest)
	}
	if len(got.Inserts) != 2 || string(got.Inserts[1].Key) != "k2" || string(got.Inserts[1].Value) != "v2" {
		t.Errorf("inserts = %+v", got.Inserts)
	}
	if len(got.Deletes) != 1 || string(got.Deletes[0]) != "old" || got.ClearAll {
		t.Errorf("deletes = %q clearAll = %v", got.Deletes, got.ClearAll)
	}
}
