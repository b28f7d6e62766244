package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gwillem/signal-state/internal/phonenumber"
)

// Config tunes a Refresher.
type Config struct {
	// MaxLookup caps the numbers sent in one directory query. Excess
	// numbers are dropped at random and reported in Result.Ignored.
	MaxLookup int
	// ProfileTimeout bounds each profile fetch of the unlisted re-check.
	ProfileTimeout time.Duration
	// ProfileConcurrency bounds the profile fetches in flight.
	ProfileConcurrency int
	// ProfileRate paces profile fetches; zero disables pacing.
	ProfileRate  rate.Limit
	ProfileBurst int
	// MultiDevice enqueues a contact sync to linked devices after refresh.
	MultiDevice bool
	// NotifyNewUsers reports newly registered system contacts.
	NotifyNewUsers bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxLookup:          20500,
		ProfileTimeout:     5 * time.Second,
		ProfileConcurrency: 16,
		ProfileRate:        rate.Limit(20),
		ProfileBurst:       20,
		NotifyNewUsers:     true,
	}
}

// Deps are the collaborators of a Refresher. Sessions and Account may be
// nil.
type Deps struct {
	Recipients Recipients
	Lookup     Lookup
	Profiles   ProfileFetcher
	Sessions   SessionChecker
	Jobs       Jobs
	Account    Account
	// Rand drives the down-sampling of oversized queries. Nil uses the
	// global source.
	Rand *rand.Rand
}

// Refresher runs directory refreshes. Concurrent refreshes of the same
// recipient are not serialized here; the job queue runs them one at a time.
type Refresher struct {
	recipients Recipients
	lookup     Lookup
	profiles   ProfileFetcher
	sessions   SessionChecker
	jobs       Jobs
	account    Account
	rng        *rand.Rand
	limiter    *rate.Limiter
	cfg        Config
	logger     *log.Logger
}

// New returns a Refresher. logger may be nil.
func New(deps Deps, cfg Config, logger *log.Logger) *Refresher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ProfileRate > 0 {
		burst := cfg.ProfileBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.ProfileRate, burst)
	}
	if cfg.ProfileConcurrency < 1 {
		cfg.ProfileConcurrency = 1
	}
	return &Refresher{
		recipients: deps.Recipients,
		lookup:     deps.Lookup,
		profiles:   deps.Profiles,
		sessions:   deps.Sessions,
		jobs:       deps.Jobs,
		account:    deps.Account,
		rng:        deps.Rand,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
}

func (r *Refresher) shuffle(n int, swap func(i, j int)) {
	if r.rng != nil {
		r.rng.Shuffle(n, swap)
		return
	}
	rand.Shuffle(n, swap)
}

// Outcome summarizes a multi-number refresh.
type Outcome struct {
	Queried        int
	Registered     int
	Inactive       int
	Ignored        int
	Rewrites       int
	PossiblyActive int
	Retries        []RecipientID
	// NewUsers are system contacts that became registered in this refresh.
	// Only reported once a previous full refresh has completed.
	NewUsers []RecipientID
}

// RefreshDirectory refreshes every number in the recipient table plus the
// given system contact numbers.
func (r *Refresher) RefreshDirectory(ctx context.Context, systemNumbers []string) (*Outcome, error) {
	dbNumbers, err := r.recipients.AllPhoneNumbers(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: phone numbers: %w", err)
	}
	db := slices.Sorted(maps.Keys(phonenumber.Sanitize(dbNumbers)))
	system := slices.Sorted(maps.Keys(phonenumber.Sanitize(systemNumbers)))

	out, err := r.refreshNumbers(ctx, db, system, r.cfg.NotifyNewUsers)
	if err != nil {
		return nil, err
	}
	if err := r.jobs.EnqueueStorageSync(ctx); err != nil {
		return nil, fmt.Errorf("directory: enqueue storage sync: %w", err)
	}
	return out, nil
}

// RefreshRecipients refreshes a batch of recipients. Recipients known only
// by ACI are checked with a profile fetch.
func (r *Refresher) RefreshRecipients(ctx context.Context, ids []RecipientID) (*Outcome, error) {
	var numbers []string
	for _, id := range ids {
		rec, err := r.recipients.Recipient(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("directory: recipient %d: %w", id, err)
		}
		if rec.HasACI() && !rec.HasE164() {
			if _, err := r.refreshByACI(ctx, rec); err != nil {
				return nil, err
			}
			continue
		}
		if rec.HasE164() {
			numbers = append(numbers, rec.E164)
		}
	}
	numbers = union(numbers, nil)
	return r.refreshNumbers(ctx, numbers, numbers, r.cfg.NotifyNewUsers)
}

// RefreshRecipient refreshes one recipient and returns its new state.
// Linked devices and storage sync are told when the state changed.
func (r *Refresher) RefreshRecipient(ctx context.Context, id RecipientID) (RegisteredState, error) {
	rec, err := r.recipients.Recipient(ctx, id)
	if err != nil {
		return RegisteredUnknown, fmt.Errorf("directory: recipient %d: %w", id, err)
	}
	original := rec.Registered

	if rec.HasACI() && !rec.HasE164() {
		return r.refreshByACI(ctx, rec)
	}
	if !rec.HasE164() {
		logf(r.logger, "directory: recipient %d has neither ACI nor E164", id)
		return NotRegistered, nil
	}

	e164 := rec.RequireE164()
	res, err := r.LookupDirectory(ctx, []string{e164}, []string{e164})
	if err != nil {
		return RegisteredUnknown, err
	}
	if len(res.Rewrites) > 0 {
		if err := r.recipients.UpdatePhoneNumbers(ctx, res.Rewrites); err != nil {
			return RegisteredUnknown, fmt.Errorf("directory: rewrite numbers: %w", err)
		}
	}

	var state RegisteredState
	switch {
	case len(res.Registered) > 0:
		aci := res.Registered[slices.Sorted(maps.Keys(res.Registered))[0]]
		if err := r.recipients.MarkRegistered(ctx, id, aci); err != nil {
			return RegisteredUnknown, fmt.Errorf("directory: mark registered: %w", err)
		}
		state = Registered
	default:
		unlisted := false
		if rec.HasACI() && rec.Registered == Registered {
			if unlisted, err = r.hasCommunicatedWith(ctx, rec); err != nil {
				return RegisteredUnknown, err
			}
		}
		if unlisted {
			if state, err = r.refreshByACI(ctx, rec); err != nil {
				return RegisteredUnknown, err
			}
		} else {
			if err := r.recipients.MarkUnregistered(ctx, id); err != nil {
				return RegisteredUnknown, fmt.Errorf("directory: mark unregistered: %w", err)
			}
			state = NotRegistered
		}
	}

	if state != original {
		logf(r.logger, "directory: recipient %d is now %s", id, state)
		if err := r.jobs.EnqueueMultiDeviceContactUpdate(ctx); err != nil {
			return state, fmt.Errorf("directory: enqueue contact update: %w", err)
		}
		if err := r.jobs.EnqueueStorageSync(ctx); err != nil {
			return state, fmt.Errorf("directory: enqueue storage sync: %w", err)
		}
	}
	return state, nil
}

// refreshByACI decides registration by profile existence and records it.
func (r *Refresher) refreshByACI(ctx context.Context, rec *Recipient) (RegisteredState, error) {
	aci := rec.RequireACI()
	ok, err := r.isACIRegistered(ctx, aci)
	if err != nil {
		return RegisteredUnknown, err
	}
	if ok {
		if err := r.recipients.MarkRegistered(ctx, rec.ID, aci); err != nil {
			return RegisteredUnknown, fmt.Errorf("directory: mark registered: %w", err)
		}
		return Registered, nil
	}
	if err := r.recipients.MarkUnregistered(ctx, rec.ID); err != nil {
		return RegisteredUnknown, fmt.Errorf("directory: mark unregistered: %w", err)
	}
	return NotRegistered, nil
}

func (r *Refresher) isACIRegistered(ctx context.Context, aci uuid.UUID) (bool, error) {
	fctx, cancel := r.profileContext(ctx)
	defer cancel()
	err := r.profiles.FetchProfile(fctx, aci)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrProfileNotFound):
		return false, nil
	}
	return false, fmt.Errorf("directory: profile %s: %w", aci, err)
}

func (r *Refresher) profileContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.ProfileTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.ProfileTimeout)
}

func (r *Refresher) hasCommunicatedWith(ctx context.Context, rec *Recipient) (bool, error) {
	ok, err := r.recipients.HasThread(ctx, rec.ID)
	if err != nil || ok {
		return ok, err
	}
	if r.sessions == nil || !rec.HasACI() {
		return false, nil
	}
	return r.sessions.HasSession(rec.ACI.String())
}

func (r *Refresher) refreshNumbers(ctx context.Context, db, system []string, notify bool) (*Outcome, error) {
	all := union(db, system)
	if len(all) == 0 {
		logf(r.logger, "directory: no numbers to refresh")
		return &Outcome{}, nil
	}

	res, err := r.LookupDirectory(ctx, db, system)
	if err != nil {
		return nil, err
	}

	if len(res.Rewrites) > 0 {
		if err := r.recipients.UpdatePhoneNumbers(ctx, res.Rewrites); err != nil {
			return nil, fmt.Errorf("directory: rewrite numbers: %w", err)
		}
	}

	active, err := r.recipients.BulkProcessCDSResult(ctx, res.Registered)
	if err != nil {
		return nil, fmt.Errorf("directory: process result: %w", err)
	}

	inactive := map[RecipientID]struct{}{}
	for _, n := range all {
		if _, ok := res.Registered[n]; ok {
			continue
		}
		if _, ok := res.Rewrites[n]; ok {
			continue
		}
		if _, ok := res.Ignored[n]; ok {
			continue
		}
		id, err := r.recipients.GetOrInsertFromE164(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("directory: recipient for %s: %w", n, err)
		}
		inactive[id] = struct{}{}
	}

	unlisted, err := r.filterUnlisted(ctx, slices.Sorted(maps.Keys(inactive)))
	if err != nil {
		return nil, err
	}
	for id := range unlisted.possiblyActive {
		delete(inactive, id)
	}
	retries := slices.Sorted(maps.Keys(unlisted.retries))
	if len(retries) > 0 {
		logf(r.logger, "directory: %d profile fetches unresolved, retrying later", len(retries))
		if err := r.jobs.EnqueueProfileRetry(ctx, retries); err != nil {
			return nil, fmt.Errorf("directory: enqueue profile retry: %w", err)
		}
	}

	preExisting, err := r.recipients.Registered(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: registered: %w", err)
	}

	inactiveIDs := slices.Sorted(maps.Keys(inactive))
	if err := r.recipients.BulkUpdateRegisteredStatus(ctx, active, inactiveIDs); err != nil {
		return nil, fmt.Errorf("directory: update registered: %w", err)
	}

	if r.cfg.MultiDevice {
		if err := r.jobs.EnqueueMultiDeviceContactUpdate(ctx); err != nil {
			return nil, fmt.Errorf("directory: enqueue contact update: %w", err)
		}
	}

	out := &Outcome{
		Queried:        res.Queried,
		Registered:     len(active),
		Inactive:       len(inactiveIDs),
		Ignored:        len(res.Ignored),
		Rewrites:       len(res.Rewrites),
		PossiblyActive: len(unlisted.possiblyActive),
		Retries:        retries,
	}

	if r.account == nil {
		return out, nil
	}
	retrieved, err := r.account.HasRetrievedDirectory(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: account: %w", err)
	}
	if !retrieved || !notify {
		if err := r.account.SetHasRetrievedDirectory(ctx, true); err != nil {
			return nil, fmt.Errorf("directory: account: %w", err)
		}
		return out, nil
	}

	systemContacts, err := r.recipients.SystemContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: system contacts: %w", err)
	}
	out.NewUsers = newlyRegistered(active, preExisting, systemContacts)
	if len(out.NewUsers) > 0 {
		logf(r.logger, "directory: %d contacts joined", len(out.NewUsers))
	}
	return out, nil
}

// newlyRegistered returns active ids not previously registered that are
// system contacts, ascending.
func newlyRegistered(active map[RecipientID]uuid.UUID, preExisting, systemContacts []RecipientID) []RecipientID {
	before := make(map[RecipientID]bool, len(preExisting))
	for _, id := range preExisting {
		before[id] = true
	}
	contacts := make(map[RecipientID]bool, len(systemContacts))
	for _, id := range systemContacts {
		contacts[id] = true
	}
	var out []RecipientID
	for id := range active {
		if !before[id] && contacts[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
