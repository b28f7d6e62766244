package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

type unlistedResult struct {
	possiblyActive map[RecipientID]struct{}
	retries        map[RecipientID]struct{}
}

// filterUnlisted re-checks inactive recipients we were talking to. Accounts
// can opt out of number discovery, so a directory miss alone does not prove
// they are gone. A profile that exists, or a fetch that fails for any reason
// other than not-found, keeps the recipient active; failed fetches are also
// queued for retry.
func (r *Refresher) filterUnlisted(ctx context.Context, inactive []RecipientID) (*unlistedResult, error) {
	res := &unlistedResult{
		possiblyActive: map[RecipientID]struct{}{},
		retries:        map[RecipientID]struct{}{},
	}

	var candidates []*Recipient
	for _, id := range inactive {
		rec, err := r.recipients.Recipient(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("directory: recipient %d: %w", id, err)
		}
		if rec.Registered != Registered || !rec.HasACI() {
			continue
		}
		ok, err := r.hasCommunicatedWith(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("directory: recipient %d: %w", id, err)
		}
		if ok {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return res, nil
	}
	logf(r.logger, "directory: re-checking %d possibly unlisted recipients", len(candidates))

	var mu sync.Mutex
	// A failed fetch never cancels its siblings, so the group has no
	// derived context and no goroutine returns an error.
	var g errgroup.Group
	g.SetLimit(r.cfg.ProfileConcurrency)
	for _, rec := range candidates {
		g.Go(func() error {
			err := r.limiter.Wait(ctx)
			if err == nil {
				fctx, cancel := r.profileContext(ctx)
				err = r.profiles.FetchProfile(fctx, rec.ACI)
				cancel()
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.possiblyActive[rec.ID] = struct{}{}
			case errors.Is(err, ErrProfileNotFound):
			default:
				logf(r.logger, "directory: profile %s: %v", rec.ACI, err)
				res.possiblyActive[rec.ID] = struct{}{}
				res.retries[rec.ID] = struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}
