package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gwillem/signal-state/internal/directory"
)

var _ directory.Jobs = (*Store)(nil)

// Job kinds.
const (
	JobProfileRetry        = "profile_retry"
	JobMultiDeviceContacts = "multi_device_contacts"
	JobStorageSync         = "storage_sync"
)

// Job is a queued unit of follow-up work.
type Job struct {
	ID        int64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// RecipientIDs decodes the payload of a profile retry job.
func (j *Job) RecipientIDs() ([]directory.RecipientID, error) {
	var ids []directory.RecipientID
	if err := json.Unmarshal(j.Payload, &ids); err != nil {
		return nil, fmt.Errorf("store: job %d payload: %w", j.ID, err)
	}
	return ids, nil
}

// EnqueueProfileRetry queues another profile fetch for ids.
func (s *Store) EnqueueProfileRetry(ctx context.Context, ids []directory.RecipientID) error {
	if len(ids) == 0 {
		return nil
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("store: marshal job payload: %w", err)
	}
	return s.enqueue(ctx, JobProfileRetry, payload, false)
}

// EnqueueMultiDeviceContactUpdate queues a contact sync to linked devices.
// At most one is pending at a time.
func (s *Store) EnqueueMultiDeviceContactUpdate(ctx context.Context) error {
	return s.enqueue(ctx, JobMultiDeviceContacts, nil, true)
}

// EnqueueStorageSync queues a storage sync. At most one is pending at a
// time.
func (s *Store) EnqueueStorageSync(ctx context.Context) error {
	return s.enqueue(ctx, JobStorageSync, nil, true)
}

func (s *Store) enqueue(ctx context.Context, kind string, payload []byte, unique bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if unique {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM job WHERE kind = ?", kind).Scan(&n); err != nil {
				return fmt.Errorf("store: enqueue %s: %w", kind, err)
			}
			if n > 0 {
				return nil
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO job (kind, payload, created_at) VALUES (?, ?, ?)",
			kind, payload, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: enqueue %s: %w", kind, err)
		}
		return nil
	})
}

// PendingJobs returns queued jobs, oldest first.
func (s *Store) PendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, kind, payload, created_at FROM job ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j  Job
			ts int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &ts); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		j.CreatedAt = time.Unix(ts, 0)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompleteJob removes a finished job.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM job WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: complete job %d: %w", id, err)
	}
	return nil
}
