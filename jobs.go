package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwillem/signal-state/internal/storagesync"
	"github.com/gwillem/signal-state/internal/store"
)

// JobStats counts the outcome of a RunJobs pass.
type JobStats struct {
	Done    int
	Retried int
}

// RunJobs works through the queued follow-up jobs once, oldest first.
// Profile retries and storage syncs that fail are left queued for the next
// pass; any other error stops the pass.
func (c *Client) RunJobs(ctx context.Context) (*JobStats, error) {
	jobs, err := c.store.PendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	stats := &JobStats{}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		done, err := c.runJob(ctx, &j)
		if err != nil {
			return stats, fmt.Errorf("client: job %d (%s): %w", j.ID, j.Kind, err)
		}
		if !done {
			stats.Retried++
			continue
		}
		if err := c.store.CompleteJob(ctx, j.ID); err != nil {
			return stats, err
		}
		stats.Done++
	}
	return stats, nil
}

// runJob reports false when the job should stay queued.
func (c *Client) runJob(ctx context.Context, j *store.Job) (bool, error) {
	switch j.Kind {
	case store.JobProfileRetry:
		ids, err := j.RecipientIDs()
		if err != nil {
			return false, err
		}
		out, err := c.refresher.RefreshRecipients(ctx, ids)
		if err != nil {
			logf(c.logger, "jobs: profile retry for %d recipients: %v", len(ids), err)
			return false, nil
		}
		logf(c.logger, "jobs: profile retry: %d registered, %d inactive", out.Registered, out.Inactive)
		return true, nil

	case store.JobStorageSync:
		res, err := c.SyncStorage(ctx)
		if errors.Is(err, storagesync.ErrConflict) {
			logf(c.logger, "jobs: storage sync conflict, will retry")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		logf(c.logger, "jobs: storage sync v%d -> v%d", res.PreviousVersion, res.Version)
		return true, nil

	case store.JobMultiDeviceContacts:
		// Linked-device contact sync has no transport here; the refresh that
		// queued it already persisted everything a sync would carry.
		logf(c.logger, "jobs: dropping linked-device contact sync")
		return true, nil
	}
	logf(c.logger, "jobs: unknown kind %q, dropping", j.Kind)
	return true, nil
}
