// Package directory keeps the local recipient table in step with the
// registration directory: which phone numbers belong to registered accounts,
// which numbers need rewriting, and which peers went away.
package directory

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
)

// ErrProfileNotFound is returned by a ProfileFetcher when the account does
// not exist. Any other error means the answer is unknown.
var ErrProfileNotFound = errors.New("directory: profile not found")

// RecipientID is the local row id of a recipient.
type RecipientID int64

// RegisteredState is what we last learned about a recipient's account.
type RegisteredState int

const (
	RegisteredUnknown RegisteredState = iota
	Registered
	NotRegistered
)

func (s RegisteredState) String() string {
	switch s {
	case Registered:
		return "registered"
	case NotRegistered:
		return "not registered"
	}
	return "unknown"
}

// Recipient is the subset of a recipient row the refresh logic reads.
type Recipient struct {
	ID            RecipientID
	E164          string
	ACI           uuid.UUID
	Registered    RegisteredState
	SystemContact bool
}

func (r *Recipient) HasE164() bool { return r.E164 != "" }
func (r *Recipient) HasACI() bool  { return r.ACI != uuid.Nil }

// RequireACI returns the ACI and panics when it is missing. Callers check
// HasACI first.
func (r *Recipient) RequireACI() uuid.UUID {
	if !r.HasACI() {
		panic("directory: recipient has no ACI")
	}
	return r.ACI
}

// RequireE164 returns the phone number and panics when it is missing.
func (r *Recipient) RequireE164() string {
	if !r.HasE164() {
		panic("directory: recipient has no E164")
	}
	return r.E164
}

// Recipients is the local recipient table. Each call is atomic.
type Recipients interface {
	AllPhoneNumbers(ctx context.Context) ([]string, error)
	GetOrInsertFromE164(ctx context.Context, e164 string) (RecipientID, error)
	Recipient(ctx context.Context, id RecipientID) (*Recipient, error)
	UpdatePhoneNumbers(ctx context.Context, rewrites map[string]string) error
	// BulkProcessCDSResult upserts recipients for the registered numbers and
	// returns their ids with the ACI each is registered under.
	BulkProcessCDSResult(ctx context.Context, registered map[string]uuid.UUID) (map[RecipientID]uuid.UUID, error)
	BulkUpdateRegisteredStatus(ctx context.Context, registered map[RecipientID]uuid.UUID, unregistered []RecipientID) error
	Registered(ctx context.Context) ([]RecipientID, error)
	SystemContacts(ctx context.Context) ([]RecipientID, error)
	MarkRegistered(ctx context.Context, id RecipientID, aci uuid.UUID) error
	MarkUnregistered(ctx context.Context, id RecipientID) error
	HasThread(ctx context.Context, id RecipientID) (bool, error)
}

// Lookup queries the remote directory. The result maps each registered
// number to its ACI; unregistered numbers are absent.
type Lookup interface {
	Lookup(ctx context.Context, numbers []string) (map[string]uuid.UUID, error)
}

// ProfileFetcher fetches an account profile by ACI.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, aci uuid.UUID) error
}

// SessionChecker reports whether we hold a session with a peer.
type SessionChecker interface {
	HasSession(name string) (bool, error)
}

// Jobs enqueues follow-up work.
type Jobs interface {
	EnqueueProfileRetry(ctx context.Context, ids []RecipientID) error
	EnqueueMultiDeviceContactUpdate(ctx context.Context) error
	EnqueueStorageSync(ctx context.Context) error
}

// Account holds the per-account flag tracking whether a full refresh has
// ever completed.
type Account interface {
	HasRetrievedDirectory(ctx context.Context) (bool, error)
	SetHasRetrievedDirectory(ctx context.Context, v bool) error
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
