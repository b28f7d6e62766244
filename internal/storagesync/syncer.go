package storagesync

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrConflict is returned when the service rejects a write because the
// manifest moved underneath it. The sync should be retried.
var ErrConflict = errors.New("storagesync: manifest conflict")

// Remote is the storage service.
type Remote interface {
	// ManifestIfDifferent returns the remote manifest, or nil when the
	// remote version equals version.
	ManifestIfDifferent(ctx context.Context, version uint64) (*EncryptedManifest, error)
	ReadItems(ctx context.Context, keys [][]byte) ([]EncryptedItem, error)
	// Write applies w. It returns an error wrapping ErrConflict when the
	// remote manifest is no longer at w's previous version.
	Write(ctx context.Context, w *EncryptedWrite) error
}

// PendingChanges are local edits not yet pushed to the service.
type PendingChanges struct {
	Updates []LocalRecord
	Inserts []LocalRecord
	Deletes []LocalRecord
}

func (p *PendingChanges) empty() bool {
	return p == nil || len(p.Updates)+len(p.Inserts)+len(p.Deletes) == 0
}

// Local is the device's copy of the synced state.
type Local interface {
	// Manifest returns the last synced manifest; version 0 if never synced.
	Manifest(ctx context.Context) (*Manifest, error)
	SetManifest(ctx context.Context, m *Manifest) error
	// StorageIDs returns every key the local side holds.
	StorageIDs(ctx context.Context) ([]StorageID, error)
	// Records returns the local records for ids.
	Records(ctx context.Context, ids []StorageID) ([]Record, error)
	ApplyMerge(ctx context.Context, m *MergeResult) error
	PendingChanges(ctx context.Context) (*PendingChanges, error)
	// CommitPending marks p as pushed and stores the new key for each
	// updated recipient.
	CommitPending(ctx context.Context, p *PendingChanges, keyUpdates map[int64][]byte) error
}

// Config tunes a Syncer.
type Config struct {
	// SourceDevice is written into manifests this device produces.
	SourceDevice uint32
	// Keys generates new storage keys; GenerateKey when nil.
	Keys KeyGenerator
}

// Syncer runs the storage sync job.
type Syncer struct {
	remote Remote
	local  Local
	key    StorageKey
	cfg    Config
	logger *log.Logger
}

// New returns a Syncer encrypting with key.
func New(remote Remote, local Local, key StorageKey, cfg Config, logger *log.Logger) *Syncer {
	if cfg.Keys == nil {
		cfg.Keys = GenerateKey
	}
	return &Syncer{remote: remote, local: local, key: key, cfg: cfg, logger: logger}
}

// Result summarizes one sync.
type Result struct {
	PreviousVersion uint64
	Version         uint64
	Merge           *MergeResult
	RemoteWrites    int
	KeyUpdates      int
}

// Sync pulls a newer remote manifest and merges it, then pushes pending
// local changes. The local manifest only advances after the matching remote
// write succeeded.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	lm, err := s.local.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("storagesync: local manifest: %w", err)
	}
	res := &Result{PreviousVersion: lm.Version, Version: lm.Version}

	enc, err := s.remote.ManifestIfDifferent(ctx, lm.Version)
	if err != nil {
		return nil, fmt.Errorf("storagesync: remote manifest: %w", err)
	}
	if enc != nil && enc.Version > lm.Version {
		if lm, err = s.pull(ctx, enc, res); err != nil {
			return nil, err
		}
	} else if enc != nil {
		logf(s.logger, "storagesync: remote manifest v%d older than local v%d, ignoring", enc.Version, lm.Version)
	}

	if err := s.push(ctx, lm, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Syncer) pull(ctx context.Context, enc *EncryptedManifest, res *Result) (*Manifest, error) {
	rm, err := s.openManifest(enc)
	if err != nil {
		return nil, err
	}
	logf(s.logger, "storagesync: remote manifest v%d with %d keys (local v%d)", rm.Version, len(rm.IDs), res.PreviousVersion)

	localIDs, err := s.local.StorageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("storagesync: local ids: %w", err)
	}
	remoteOnly, localOnly := FindKeyDifference(rm.IDs, localIDs)
	logf(s.logger, "storagesync: %d remote-only, %d local-only keys", len(remoteOnly), len(localOnly))

	next := &Manifest{Version: rm.Version, IDs: rm.IDs, RecordIKM: rm.RecordIKM}
	if len(remoteOnly) > 0 || len(localOnly) > 0 {
		remoteRecords, err := s.readRecords(ctx, rm.RecordIKM, remoteOnly)
		if err != nil {
			return nil, err
		}
		localRecords, err := s.local.Records(ctx, localOnly)
		if err != nil {
			return nil, fmt.Errorf("storagesync: local records: %w", err)
		}

		merge := ResolveConflict(remoteRecords, localRecords, s.cfg.Keys)
		res.Merge = merge
		write := CreateWriteOperation(rm.Version, localIDs, merge)
		write.Manifest.RecordIKM = rm.RecordIKM
		if !write.IsEmpty() {
			if err := s.write(ctx, write); err != nil {
				return nil, err
			}
			res.RemoteWrites++
			next = &write.Manifest
		}
		if err := s.local.ApplyMerge(ctx, merge); err != nil {
			return nil, fmt.Errorf("storagesync: apply merge: %w", err)
		}
	}

	if err := s.local.SetManifest(ctx, next); err != nil {
		return nil, fmt.Errorf("storagesync: save manifest: %w", err)
	}
	res.Version = next.Version
	return next, nil
}

func (s *Syncer) push(ctx context.Context, lm *Manifest, res *Result) error {
	pending, err := s.local.PendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("storagesync: pending changes: %w", err)
	}
	if pending.empty() {
		return nil
	}
	localIDs, err := s.local.StorageIDs(ctx)
	if err != nil {
		return fmt.Errorf("storagesync: local ids: %w", err)
	}
	lw, ok := BuildStorageUpdatesForLocal(lm.Version, localIDs, pending.Updates, pending.Inserts, pending.Deletes, s.cfg.Keys)
	if !ok {
		return nil
	}
	lw.Write.Manifest.RecordIKM = lm.RecordIKM
	if err := s.write(ctx, lw.Write); err != nil {
		return err
	}
	res.RemoteWrites++
	res.KeyUpdates = len(lw.StorageKeyUpdates)

	if err := s.local.CommitPending(ctx, pending, lw.StorageKeyUpdates); err != nil {
		return fmt.Errorf("storagesync: commit pending: %w", err)
	}
	if err := s.local.SetManifest(ctx, &lw.Write.Manifest); err != nil {
		return fmt.Errorf("storagesync: save manifest: %w", err)
	}
	res.Version = lw.Write.Manifest.Version
	logf(s.logger, "storagesync: pushed %d inserts, %d deletes as v%d",
		len(lw.Write.Inserts), len(lw.Write.Deletes), res.Version)
	return nil
}

func (s *Syncer) openManifest(enc *EncryptedManifest) (*Manifest, error) {
	mk := s.key.ManifestKey(enc.Version)
	plain, err := open(mk[:], enc.Value)
	if err != nil {
		return nil, fmt.Errorf("storagesync: manifest v%d: %w", enc.Version, err)
	}
	m, err := DecodeManifest(plain)
	if err != nil {
		return nil, err
	}
	if m.Version != enc.Version {
		return nil, fmt.Errorf("storagesync: manifest version mismatch: envelope %d, record %d", enc.Version, m.Version)
	}
	return m, nil
}

func (s *Syncer) readRecords(ctx context.Context, ikm RecordIKM, ids []StorageID) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = id.Raw
	}
	items, err := s.remote.ReadItems(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("storagesync: read items: %w", err)
	}
	byKey := make(map[string]EncryptedItem, len(items))
	for _, it := range items {
		byKey[string(it.Key)] = it
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		it, ok := byKey[string(id.Raw)]
		if !ok {
			logf(s.logger, "storagesync: item %s listed in manifest but not returned", id)
			continue
		}
		ik, err := itemKey(s.key, ikm, id.Raw)
		if err != nil {
			return nil, err
		}
		plain, err := open(ik[:], it.Value)
		if err != nil {
			return nil, fmt.Errorf("storagesync: item %s: %w", id, err)
		}
		r, err := DecodeRecord(id, plain)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// write seals w and sends it.
func (s *Syncer) write(ctx context.Context, w *WriteOperation) error {
	enc, err := s.seal(w)
	if err != nil {
		return err
	}
	if err := s.remote.Write(ctx, enc); err != nil {
		return fmt.Errorf("storagesync: write v%d: %w", w.Manifest.Version, err)
	}
	return nil
}

func (s *Syncer) seal(w *WriteOperation) (*EncryptedWrite, error) {
	mk := s.key.ManifestKey(w.Manifest.Version)
	value, err := seal(mk[:], EncodeManifest(&w.Manifest, s.cfg.SourceDevice))
	if err != nil {
		return nil, err
	}
	enc := &EncryptedWrite{Manifest: EncryptedManifest{Version: w.Manifest.Version, Value: value}}
	for _, r := range w.Inserts {
		ik, err := itemKey(s.key, w.Manifest.RecordIKM, r.ID.Raw)
		if err != nil {
			return nil, err
		}
		v, err := seal(ik[:], EncodeRecord(r))
		if err != nil {
			return nil, err
		}
		enc.Inserts = append(enc.Inserts, EncryptedItem{Key: r.ID.Raw, Value: v})
	}
	enc.Deletes = append(enc.Deletes, w.Deletes...)
	return enc, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
