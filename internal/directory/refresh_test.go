package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

type harness struct {
	recipients *fakeRecipients
	lookup     *fakeLookup
	profiles   *fakeProfiles
	jobs       *fakeJobs
	account    *fakeAccount
	sessions   fakeSessions
	refresher  *Refresher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		recipients: newFakeRecipients(),
		lookup:     &fakeLookup{registered: map[string]uuid.UUID{}},
		profiles:   &fakeProfiles{results: map[uuid.UUID]error{}, block: map[uuid.UUID]bool{}},
		jobs:       &fakeJobs{},
		account:    &fakeAccount{},
		sessions:   fakeSessions{},
	}
	h.refresher = New(Deps{
		Recipients: h.recipients,
		Lookup:     h.lookup,
		Profiles:   h.profiles,
		Sessions:   h.sessions,
		Jobs:       h.jobs,
		Account:    h.account,
		Rand:       rand.New(rand.NewPCG(1, 2)),
	}, cfg, nil)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProfileRate = 0
	return cfg
}

func TestLookupDirectoryCapsQuery(t *testing.T) {
	h := newHarness(t, testConfig())
	numbers := make([]string, 25000)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("+1415%07d", i)
	}

	res, err := h.refresher.LookupDirectory(context.Background(), numbers, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.lookup.queries) != 1 {
		t.Fatalf("got %d lookups", len(h.lookup.queries))
	}
	queried := h.lookup.queries[0]
	if len(queried) != 20500 || res.Queried != 20500 {
		t.Fatalf("queried %d numbers, want 20500", len(queried))
	}
	if len(res.Ignored) != 4500 {
		t.Fatalf("ignored %d numbers, want 4500", len(res.Ignored))
	}

	seen := map[string]bool{}
	for _, n := range queried {
		if _, ok := res.Ignored[n]; ok {
			t.Fatalf("%s both queried and ignored", n)
		}
		seen[n] = true
	}
	for n := range res.Ignored {
		seen[n] = true
	}
	if len(seen) != len(numbers) {
		t.Fatalf("%d numbers accounted for, want %d", len(seen), len(numbers))
	}
}

func TestLookupDirectoryFuzzyRewrite(t *testing.T) {
	h := newHarness(t, testConfig())
	aci := uuid.New()
	h.lookup.registered["+5215512345678"] = aci

	res, err := h.refresher.LookupDirectory(context.Background(), []string{"+525512345678"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(h.lookup.queries[0], "+5215512345678") {
		t.Fatal("alternate form was not queried")
	}
	if res.Rewrites["+525512345678"] != "+5215512345678" {
		t.Fatalf("rewrites = %v", res.Rewrites)
	}
	if res.Registered["+5215512345678"] != aci {
		t.Fatalf("registered = %v", res.Registered)
	}
}

func TestRefreshDirectory(t *testing.T) {
	h := newHarness(t, testConfig())
	alice := h.recipients.add(Recipient{E164: "+14155550001"})
	bob := h.recipients.add(Recipient{E164: "+14155550002", Registered: Registered})
	aliceACI := uuid.New()
	h.lookup.registered["+14155550001"] = aliceACI

	out, err := h.refresher.RefreshDirectory(context.Background(), []string{"+14155550003", "not-a-number"})
	if err != nil {
		t.Fatal(err)
	}

	if r := h.recipients.get(alice); r.Registered != Registered || r.ACI != aliceACI {
		t.Errorf("alice = %+v", r)
	}
	if r := h.recipients.get(bob); r.Registered != NotRegistered {
		t.Errorf("bob = %+v", r)
	}
	if out.Registered != 1 || out.Inactive != 2 || out.Queried != 3 {
		t.Errorf("outcome = %+v", out)
	}
	if h.jobs.storageSync != 1 {
		t.Errorf("storage sync enqueued %d times", h.jobs.storageSync)
	}
	if h.jobs.multiDevice != 0 {
		t.Errorf("contact update enqueued without linked devices")
	}
	if !h.account.retrieved {
		t.Error("retrieved flag not set")
	}
	if len(out.NewUsers) != 0 {
		t.Errorf("first refresh reported new users %v", out.NewUsers)
	}
}

func TestRefreshDirectoryLookupFailureAborts(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.recipients.add(Recipient{E164: "+14155550001", Registered: Registered})
	h.lookup.err = errors.New("attestation failed")

	if _, err := h.refresher.RefreshDirectory(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if h.recipients.updates != 0 || len(h.recipients.rewrites) != 0 {
		t.Fatal("partial apply after lookup failure")
	}
	if h.recipients.get(id).Registered != Registered {
		t.Fatal("recipient state changed")
	}
	if h.jobs.storageSync != 0 || h.account.retrieved {
		t.Fatal("side effects after lookup failure")
	}
}

func TestRefreshDirectoryIgnoredNeverInactive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLookup = 2
	h := newHarness(t, cfg)
	var ids []RecipientID
	for i := range 5 {
		ids = append(ids, h.recipients.add(Recipient{E164: fmt.Sprintf("+1415555000%d", i), Registered: Registered}))
	}

	out, err := h.refresher.RefreshDirectory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Ignored != 3 || out.Inactive != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	stillRegistered := 0
	for _, id := range ids {
		if h.recipients.get(id).Registered == Registered {
			stillRegistered++
		}
	}
	if stillRegistered != 3 {
		t.Fatalf("%d ignored recipients kept their state, want 3", stillRegistered)
	}
}

func TestRefreshDirectoryUnlisted(t *testing.T) {
	h := newHarness(t, testConfig())
	add := func(n string, thread bool) (RecipientID, uuid.UUID) {
		aci := uuid.New()
		id := h.recipients.add(Recipient{E164: n, ACI: aci, Registered: Registered})
		h.recipients.threads[id] = thread
		return id, aci
	}
	found, _ := add("+14155550001", true)
	gone, goneACI := add("+14155550002", true)
	flaky, flakyACI := add("+14155550003", true)
	stranger, _ := add("+14155550004", false)
	bySession, bySessionACI := add("+14155550005", false)
	h.sessions[bySessionACI.String()] = true

	h.profiles.results[goneACI] = ErrProfileNotFound
	h.profiles.results[flakyACI] = errors.New("connection reset")

	out, err := h.refresher.RefreshDirectory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	want := map[RecipientID]RegisteredState{
		found:     Registered,
		gone:      NotRegistered,
		flaky:     Registered,
		stranger:  NotRegistered,
		bySession: Registered,
	}
	for id, state := range want {
		if got := h.recipients.get(id).Registered; got != state {
			t.Errorf("recipient %d: %s, want %s", id, got, state)
		}
	}
	if len(h.profiles.fetched) != 4 {
		t.Errorf("fetched %d profiles, want 4", len(h.profiles.fetched))
	}
	if len(h.jobs.retries) != 1 || !slices.Equal(h.jobs.retries[0], []RecipientID{flaky}) {
		t.Errorf("retries = %v", h.jobs.retries)
	}
	if out.PossiblyActive != 3 || !slices.Equal(out.Retries, []RecipientID{flaky}) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRefreshDirectoryProfileTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ProfileTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	aci := uuid.New()
	id := h.recipients.add(Recipient{E164: "+14155550001", ACI: aci, Registered: Registered})
	h.recipients.threads[id] = true
	h.profiles.block[aci] = true

	out, err := h.refresher.RefreshDirectory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.recipients.get(id).Registered != Registered {
		t.Fatal("timed-out recipient was unregistered")
	}
	if !slices.Equal(out.Retries, []RecipientID{id}) {
		t.Fatalf("retries = %v", out.Retries)
	}
}

func TestRefreshDirectoryRewritesNumbers(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.recipients.add(Recipient{E164: "+525512345678"})
	aci := uuid.New()
	h.lookup.registered["+5215512345678"] = aci

	out, err := h.refresher.RefreshDirectory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := h.recipients.get(id)
	if r.E164 != "+5215512345678" || r.Registered != Registered || r.ACI != aci {
		t.Fatalf("recipient = %+v", r)
	}
	if out.Rewrites != 1 || out.Inactive != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRefreshDirectoryReportsNewUsers(t *testing.T) {
	cfg := testConfig()
	cfg.MultiDevice = true
	h := newHarness(t, cfg)
	h.account.retrieved = true
	contact := h.recipients.add(Recipient{E164: "+14155550001", SystemContact: true})
	h.recipients.add(Recipient{E164: "+14155550002"})
	known := h.recipients.add(Recipient{E164: "+14155550003", SystemContact: true, Registered: Registered})
	for _, n := range []string{"+14155550001", "+14155550002", "+14155550003"} {
		h.lookup.registered[n] = uuid.New()
	}

	out, err := h.refresher.RefreshDirectory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.NewUsers, []RecipientID{contact}) {
		t.Fatalf("new users = %v (known %d)", out.NewUsers, known)
	}
	if h.jobs.multiDevice != 1 {
		t.Errorf("contact update enqueued %d times", h.jobs.multiDevice)
	}
}

func TestRefreshRecipient(t *testing.T) {
	h := newHarness(t, testConfig())
	aci := uuid.New()
	id := h.recipients.add(Recipient{E164: "+14155550001"})
	h.lookup.registered["+14155550001"] = aci

	state, err := h.refresher.RefreshRecipient(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if state != Registered || h.recipients.get(id).ACI != aci {
		t.Fatalf("state = %s, recipient = %+v", state, h.recipients.get(id))
	}
	if h.jobs.multiDevice != 1 || h.jobs.storageSync != 1 {
		t.Fatalf("jobs = %+v", h.jobs)
	}

	// No change, no jobs.
	if _, err := h.refresher.RefreshRecipient(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if h.jobs.multiDevice != 1 || h.jobs.storageSync != 1 {
		t.Fatalf("jobs enqueued without a state change: %+v", h.jobs)
	}
}

func TestRefreshRecipientACIOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	aci := uuid.New()
	id := h.recipients.add(Recipient{ACI: aci})

	state, err := h.refresher.RefreshRecipient(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if state != Registered || len(h.lookup.queries) != 0 {
		t.Fatalf("state = %s, lookups = %d", state, len(h.lookup.queries))
	}

	h.profiles.results[aci] = ErrProfileNotFound
	state, err = h.refresher.RefreshRecipient(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if state != NotRegistered || h.recipients.get(id).Registered != NotRegistered {
		t.Fatalf("state = %s", state)
	}

	h.profiles.results[aci] = errors.New("network down")
	if _, err := h.refresher.RefreshRecipient(context.Background(), id); err == nil {
		t.Fatal("expected profile error to propagate")
	}
}

func TestRefreshRecipientUnlistedFallback(t *testing.T) {
	h := newHarness(t, testConfig())
	aci := uuid.New()
	id := h.recipients.add(Recipient{E164: "+14155550001", ACI: aci, Registered: Registered})
	h.recipients.threads[id] = true

	state, err := h.refresher.RefreshRecipient(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if state != Registered || len(h.profiles.fetched) != 1 {
		t.Fatalf("state = %s, fetched = %d", state, len(h.profiles.fetched))
	}
	if h.jobs.multiDevice != 0 {
		t.Fatal("jobs enqueued without a state change")
	}
}

func TestRefreshRecipients(t *testing.T) {
	h := newHarness(t, testConfig())
	aciOnly := h.recipients.add(Recipient{ACI: uuid.New()})
	withNumber := h.recipients.add(Recipient{E164: "+14155550001"})
	h.lookup.registered["+14155550001"] = uuid.New()

	if _, err := h.refresher.RefreshRecipients(context.Background(), []RecipientID{aciOnly, withNumber}); err != nil {
		t.Fatal(err)
	}
	if h.recipients.get(aciOnly).Registered != Registered {
		t.Error("ACI-only recipient not checked by profile")
	}
	if h.recipients.get(withNumber).Registered != Registered {
		t.Error("numbered recipient not refreshed")
	}
	if len(h.lookup.queries) != 1 || !slices.Equal(h.lookup.queries[0], []string{"+14155550001"}) {
		t.Errorf("queries = %v", h.lookup.queries)
	}
}
