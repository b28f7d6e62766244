package signalservice

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gwillem/signal-state/internal/storagesync"
)

const storageAuthPath = "/v1/storage/auth"

// ManifestIfDifferent fetches the storage manifest unless the service is
// still at version. It returns nil, nil when nothing changed or when no
// manifest has been written yet.
func (s *Service) ManifestIfDifferent(ctx context.Context, version uint64) (*storagesync.EncryptedManifest, error) {
	path := "/v1/storage/manifest"
	if version > 0 {
		path += "/version/" + strconv.FormatUint(version, 10)
	}
	body, status, err := s.storageCall(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage manifest: %w", err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("storage manifest: status %d: %s", status, body)
	}

	m, err := storagesync.UnmarshalManifest(body)
	if err != nil {
		return nil, err
	}
	logf(s.logger, "storage: manifest version=%d", m.Version)
	return &m, nil
}

// ReadItems fetches the encrypted records stored under keys.
func (s *Service) ReadItems(ctx context.Context, keys [][]byte) ([]storagesync.EncryptedItem, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	body, status, err := s.storageCall(ctx, http.MethodPut, "/v1/storage/read", storagesync.MarshalReadOperation(keys))
	if err != nil {
		return nil, fmt.Errorf("read storage items: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("read storage items: status %d: %s", status, body)
	}
	items, err := storagesync.UnmarshalItems(body)
	if err != nil {
		return nil, err
	}
	logf(s.logger, "storage: read %d/%d items", len(items), len(keys))
	return items, nil
}

// Write applies a write operation. A 409 means another device moved the
// manifest first; the error wraps storagesync.ErrConflict.
func (s *Service) Write(ctx context.Context, w *storagesync.EncryptedWrite) error {
	body, status, err := s.storageCall(ctx, http.MethodPut, "/v1/storage", w.Marshal())
	if err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		logf(s.logger, "storage: wrote manifest v%d (%d inserts, %d deletes)",
			w.Manifest.Version, len(w.Inserts), len(w.Deletes))
		return nil
	case http.StatusConflict:
		return fmt.Errorf("write storage v%d: %w", w.Manifest.Version, storagesync.ErrConflict)
	default:
		return fmt.Errorf("write storage: status %d: %s", status, body)
	}
}

// storageCall sends a protobuf request to the storage service, refreshing
// the credentials once if they were rejected.
func (s *Service) storageCall(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		auth, err := s.credentials(ctx, storageAuthPath)
		if err != nil {
			return nil, 0, err
		}
		var (
			resp   []byte
			status int
		)
		if method == http.MethodGet {
			resp, status, err = s.storage.Get(ctx, path, auth)
		} else {
			resp, status, err = s.storage.PutProtobuf(ctx, path, body, auth)
		}
		if err != nil {
			return nil, 0, err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			s.forget(storageAuthPath)
			continue
		}
		return resp, status, nil
	}
}
