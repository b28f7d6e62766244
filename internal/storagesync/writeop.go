package storagesync

import (
	"bytes"
	"encoding/hex"
	"slices"
)

// WriteOperation is a planned write to the storage service: the new
// manifest with its full key set, records to insert and raw keys to delete.
type WriteOperation struct {
	Manifest Manifest
	Inserts  []Record
	Deletes  [][]byte
}

// IsEmpty reports whether the operation neither inserts nor deletes.
func (w *WriteOperation) IsEmpty() bool {
	return len(w.Inserts) == 0 && len(w.Deletes) == 0
}

// LocalRecord is a record tied to the local recipient it was built from.
type LocalRecord struct {
	RecipientID int64
	Record      Record
}

// LocalWriteResult is a write built from local changes, plus the new
// storage key assigned to each updated recipient.
type LocalWriteResult struct {
	Write             *WriteOperation
	StorageKeyUpdates map[int64][]byte
}

// FindKeyDifference compares raw keys and returns the ids only the remote
// has and the ids only the local side has, each in input order.
func FindKeyDifference(remote, local []StorageID) (remoteOnly, localOnly []StorageID) {
	remoteSet := make(map[string]bool, len(remote))
	for _, id := range remote {
		remoteSet[string(id.Raw)] = true
	}
	localSet := make(map[string]bool, len(local))
	for _, id := range local {
		localSet[string(id.Raw)] = true
	}
	for _, id := range remote {
		if !localSet[string(id.Raw)] {
			remoteOnly = append(remoteOnly, id)
		}
	}
	for _, id := range local {
		if !remoteSet[string(id.Raw)] {
			localOnly = append(localOnly, id)
		}
	}
	return remoteOnly, localOnly
}

// CreateWriteOperation turns a merge into the write that brings the remote
// up to date. The manifest lists the local keys with every insert added and
// every update's old key swapped for its new one, at currentVersion+1.
func CreateWriteOperation(currentVersion uint64, localIDs []StorageID, m *MergeResult) *WriteOperation {
	keys := newKeySet(localIDs)
	for _, c := range m.LocalContactInserts {
		keys.add(ContactStorageRecord(c).ID)
	}
	for _, g := range m.LocalGroupV1Inserts {
		keys.add(GroupV1StorageRecord(g).ID)
	}
	for _, r := range m.RemoteInserts {
		keys.add(r.ID)
	}
	for _, r := range m.LocalUnknownInserts {
		keys.add(r.ID)
	}
	for _, u := range m.LocalContactUpdates {
		keys.remove(u.Old.Key)
		keys.add(ContactStorageRecord(u.New).ID)
	}
	for _, u := range m.LocalGroupV1Updates {
		keys.remove(u.Old.Key)
		keys.add(GroupV1StorageRecord(u.New).ID)
	}
	for _, u := range m.RemoteUpdates {
		keys.remove(u.Old.ID.Raw)
		keys.add(u.New.ID)
	}

	w := &WriteOperation{
		Manifest: Manifest{Version: currentVersion + 1, IDs: keys.ids()},
		Inserts:  append([]Record(nil), m.RemoteInserts...),
	}
	for _, u := range m.RemoteUpdates {
		w.Inserts = append(w.Inserts, u.New)
		w.Deletes = append(w.Deletes, u.Old.ID.Raw)
	}
	return w
}

// BuildStorageUpdatesForLocal plans the write for changes made locally.
// Inserts keep their keys, deletes drop theirs, and every update is
// re-inserted under a fresh key with the old one deleted. It returns false
// when there is nothing to write.
func BuildStorageUpdatesForLocal(currentVersion uint64, localIDs []StorageID, updates, inserts, deletes []LocalRecord, gen KeyGenerator) (*LocalWriteResult, bool) {
	if gen == nil {
		gen = GenerateKey
	}
	keys := newKeySet(localIDs)
	w := &WriteOperation{}
	keyUpdates := make(map[int64][]byte)

	for _, in := range inserts {
		w.Inserts = append(w.Inserts, in.Record)
		keys.add(in.Record.ID)
	}
	for _, del := range deletes {
		w.Deletes = append(w.Deletes, del.Record.ID.Raw)
		keys.remove(del.Record.ID.Raw)
	}
	for _, up := range updates {
		newKey := gen()
		rekeyed := up.Record.WithKey(newKey)
		w.Inserts = append(w.Inserts, rekeyed)
		w.Deletes = append(w.Deletes, up.Record.ID.Raw)
		keys.remove(up.Record.ID.Raw)
		keys.add(rekeyed.ID)
		keyUpdates[up.RecipientID] = bytes.Clone(newKey)
	}

	if w.IsEmpty() {
		return nil, false
	}
	w.Manifest = Manifest{Version: currentVersion + 1, IDs: keys.ids()}
	return &LocalWriteResult{Write: w, StorageKeyUpdates: keyUpdates}, true
}

// keySet is an insertion-ordered set of storage ids keyed by raw bytes.
type keySet struct {
	order []string
	byKey map[string]StorageID
}

func newKeySet(ids []StorageID) *keySet {
	s := &keySet{byKey: make(map[string]StorageID, len(ids))}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s *keySet) add(id StorageID) {
	k := hex.EncodeToString(id.Raw)
	if _, ok := s.byKey[k]; ok {
		return
	}
	s.order = append(s.order, k)
	s.byKey[k] = id
}

func (s *keySet) remove(raw []byte) {
	k := hex.EncodeToString(raw)
	if _, ok := s.byKey[k]; !ok {
		return
	}
	delete(s.byKey, k)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == k })
}

func (s *keySet) ids() []StorageID {
	out := make([]StorageID, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byKey[k])
	}
	return out
}
