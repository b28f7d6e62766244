package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

type fakeRecipients struct {
	mu       sync.Mutex
	next     RecipientID
	byID     map[RecipientID]*Recipient
	threads  map[RecipientID]bool
	rewrites []map[string]string
	updates  int
}

func newFakeRecipients() *fakeRecipients {
	return &fakeRecipients{byID: map[RecipientID]*Recipient{}, threads: map[RecipientID]bool{}}
}

func (f *fakeRecipients) add(r Recipient) RecipientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	r.ID = f.next
	f.byID[r.ID] = &r
	return r.ID
}

func (f *fakeRecipients) get(id RecipientID) Recipient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeRecipients) byE164(n string) *Recipient {
	for _, r := range f.byID {
		if r.E164 == n {
			return r
		}
	}
	return nil
}

func (f *fakeRecipients) AllPhoneNumbers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.byID {
		if r.E164 != "" {
			out = append(out, r.E164)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeRecipients) GetOrInsertFromE164(_ context.Context, e164 string) (RecipientID, error) {
	f.mu.Lock()
	if r := f.byE164(e164); r != nil {
		f.mu.Unlock()
		return r.ID, nil
	}
	f.mu.Unlock()
	return f.add(Recipient{E164: e164}), nil
}

func (f *fakeRecipients) Recipient(_ context.Context, id RecipientID) (*Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("no recipient %d", id)
	}
	c := *r
	return &c, nil
}

func (f *fakeRecipients) UpdatePhoneNumbers(_ context.Context, rewrites map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewrites = append(f.rewrites, maps.Clone(rewrites))
	for _, r := range f.byID {
		if n, ok := rewrites[r.E164]; ok {
			r.E164 = n
		}
	}
	return nil
}

func (f *fakeRecipients) BulkProcessCDSResult(ctx context.Context, registered map[string]uuid.UUID) (map[RecipientID]uuid.UUID, error) {
	out := map[RecipientID]uuid.UUID{}
	for n, aci := range registered {
		id, _ := f.GetOrInsertFromE164(ctx, n)
		f.mu.Lock()
		f.byID[id].ACI = aci
		f.mu.Unlock()
		out[id] = aci
	}
	return out, nil
}

func (f *fakeRecipients) BulkUpdateRegisteredStatus(_ context.Context, registered map[RecipientID]uuid.UUID, unregistered []RecipientID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for id, aci := range registered {
		f.byID[id].Registered = Registered
		f.byID[id].ACI = aci
	}
	for _, id := range unregistered {
		f.byID[id].Registered = NotRegistered
	}
	return nil
}

func (f *fakeRecipients) filter(fn func(*Recipient) bool) []RecipientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RecipientID
	for id, r := range f.byID {
		if fn(r) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (f *fakeRecipients) Registered(context.Context) ([]RecipientID, error) {
	return f.filter(func(r *Recipient) bool { return r.Registered == Registered }), nil
}

func (f *fakeRecipients) SystemContacts(context.Context) ([]RecipientID, error) {
	return f.filter(func(r *Recipient) bool { return r.SystemContact }), nil
}

func (f *fakeRecipients) MarkRegistered(_ context.Context, id RecipientID, aci uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].Registered = Registered
	f.byID[id].ACI = aci
	return nil
}

func (f *fakeRecipients) MarkUnregistered(_ context.Context, id RecipientID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].Registered = NotRegistered
	return nil
}

func (f *fakeRecipients) HasThread(_ context.Context, id RecipientID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id], nil
}

type fakeLookup struct {
	mu         sync.Mutex
	registered map[string]uuid.UUID
	err        error
	queries    [][]string
}

func (f *fakeLookup) Lookup(_ context.Context, numbers []string) (map[string]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, slices.Clone(numbers))
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]uuid.UUID{}
	for _, n := range numbers {
		if aci, ok := f.registered[n]; ok {
			out[n] = aci
		}
	}
	return out, nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	results map[uuid.UUID]error
	block   map[uuid.UUID]bool
	fetched []uuid.UUID
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, aci uuid.UUID) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, aci)
	err, block := f.results[aci], f.block[aci]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type fakeJobs struct {
	mu          sync.Mutex
	retries     [][]RecipientID
	multiDevice int
	storageSync int
}

func (f *fakeJobs) EnqueueProfileRetry(_ context.Context, ids []RecipientID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, slices.Clone(ids))
	return nil
}

func (f *fakeJobs) EnqueueMultiDeviceContactUpdate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multiDevice++
	return nil
}

func (f *fakeJobs) EnqueueStorageSync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageSync++
	return nil
}

type fakeAccount struct{ retrieved bool }

func (f *fakeAccount) HasRetrievedDirectory(context.Context) (bool, error) { return f.retrieved, nil }

func (f *fakeAccount) SetHasRetrievedDirectory(_ context.Context, v bool) error {
	f.retrieved = v
	return nil
}

type fakeSessions map[string]bool

func (f fakeSessions) HasSession(name string) (bool, error) { return f[name], nil }
