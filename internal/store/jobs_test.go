package store

import (
	"context"
	"slices"
	"testing"

	"github.com/gwillem/signal-state/internal/directory"
)

func TestJobs(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if err := s.EnqueueProfileRetry(ctx, []directory.RecipientID{3, 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueProfileRetry(ctx, nil); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := s.EnqueueStorageSync(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.EnqueueMultiDeviceContactUpdate(ctx); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.PendingJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, j := range jobs {
		kinds = append(kinds, j.Kind)
	}
	want := []string{JobProfileRetry, JobStorageSync, JobMultiDeviceContacts}
	if !slices.Equal(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}

	ids, err := jobs[0].RecipientIDs()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []directory.RecipientID{3, 1}) {
		t.Errorf("payload = %v", ids)
	}

	if err := s.CompleteJob(ctx, jobs[1].ID); err != nil {
		t.Fatal(err)
	}
	// A completed singleton can be queued again.
	if err := s.EnqueueStorageSync(ctx); err != nil {
		t.Fatal(err)
	}
	jobs, _ = s.PendingJobs(ctx)
	if len(jobs) != 3 || jobs[2].Kind != JobStorageSync {
		t.Errorf("jobs = %+v", jobs)
	}
}
