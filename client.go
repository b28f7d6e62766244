// Package signal keeps the recipient directory, storage-service state and
// encrypted session records of a Signal account in sync with the server.
package signal

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/directory"
	"github.com/gwillem/signal-state/internal/record"
	"github.com/gwillem/signal-state/internal/recordcrypto"
	"github.com/gwillem/signal-state/internal/session"
	"github.com/gwillem/signal-state/internal/signalservice"
	"github.com/gwillem/signal-state/internal/signalws"
	"github.com/gwillem/signal-state/internal/storagesync"
	"github.com/gwillem/signal-state/internal/store"
)

// Account is the local account stored in the database.
type Account = store.Account

// RecipientID identifies a row of the recipient table.
type RecipientID = directory.RecipientID

const (
	defaultChatURL      = "https://chat.signal.org"
	defaultWSURL        = "wss://chat.signal.org/v1/websocket/"
	defaultStorageURL   = "https://storage.signal.org"
	defaultDirectoryURL = "https://cdsi.signal.org"
)

// Client is the main entry point.
type Client struct {
	chatURL      string
	wsURL        string
	storageURL   string
	directoryURL string
	tlsConfig    *tls.Config
	dbPath       string
	logger       *log.Logger
	dirConfig    directory.Config
	batch        int
	keepAlive    time.Duration

	store     *store.Store
	account   *store.Account
	records   *record.Store
	sessions  *session.Store
	preKeys   *session.PreKeyStore
	service   *signalservice.Service
	refresher *directory.Refresher
	syncer    *storagesync.Syncer

	// Chat WebSocket for profile fetches, dialed on first use.
	wsMu sync.Mutex
	ws   *signalws.Client
}

// Option configures a Client.
type Option func(*Client)

// WithChatURL overrides the REST API URL.
func WithChatURL(url string) Option {
	return func(c *Client) { c.chatURL = url }
}

// WithWebSocketURL overrides the chat WebSocket URL.
func WithWebSocketURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithStorageURL overrides the storage service URL.
func WithStorageURL(url string) Option {
	return func(c *Client) { c.storageURL = url }
}

// WithDirectoryURL overrides the discovery service URL.
func WithDirectoryURL(url string) Option {
	return func(c *Client) { c.directoryURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
// If nil (the default), the system roots are used.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path.
// If not set, defaults to $XDG_DATA_HOME/signal-state/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDirectoryConfig overrides the directory refresh settings.
func WithDirectoryConfig(cfg directory.Config) Option {
	return func(c *Client) { c.dirConfig = cfg }
}

// WithDiscoveryBatch sets how many numbers go into one discovery request.
func WithDiscoveryBatch(n int) Option {
	return func(c *Client) { c.batch = n }
}

// WithKeepAlive sets the chat WebSocket keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// NewClient creates a new client. Call Open or Setup before use.
func NewClient(opts ...Option) *Client {
	c := &Client{
		chatURL:      defaultChatURL,
		wsURL:        defaultWSURL,
		storageURL:   defaultStorageURL,
		directoryURL: defaultDirectoryURL,
		dirConfig:    directory.DefaultConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Setup saves acct into a fresh database and opens it.
func (c *Client) Setup(acct *Account) error {
	if err := c.openStore(); err != nil {
		return err
	}
	if err := c.store.SaveAccount(acct); err != nil {
		return fmt.Errorf("client: save account: %w", err)
	}
	return c.load()
}

// Open opens the database and loads the stored account.
func (c *Client) Open() error {
	if err := c.openStore(); err != nil {
		return err
	}
	return c.load()
}

func (c *Client) openStore() error {
	if c.store != nil {
		return nil
	}
	logf(c.logger, "opening database path=%s", c.dbPath)
	st, err := store.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.store = st
	return nil
}

func (c *Client) load() error {
	acct, err := c.store.LoadAccount()
	if err != nil {
		return fmt.Errorf("client: load account: %w", err)
	}
	if acct == nil {
		return fmt.Errorf("client: no account found in database")
	}
	c.account = acct

	secret, err := recordcrypto.DeriveMasterSecret(acct.MasterKey)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.records = record.NewStore(c.store.RecordBackend(), recordcrypto.NewMasterCipher(secret))
	c.sessions = session.NewStore(c.records, c.logger)
	c.preKeys = session.NewPreKeyStore(c.records)

	c.service = signalservice.NewService(signalservice.ServiceConfig{
		ChatURL:        c.chatURL,
		StorageURL:     c.storageURL,
		DirectoryURL:   c.directoryURL,
		TLSConfig:      c.tlsConfig,
		Auth:           c.auth(),
		DiscoveryBatch: c.batch,
		Logger:         c.logger,
	})

	c.refresher = directory.New(directory.Deps{
		Recipients: c.store,
		Lookup:     c.service,
		Profiles:   profileFetcher{c},
		Sessions:   c.sessions,
		Jobs:       c.store,
		Account:    c.store,
	}, c.dirConfig, c.logger)

	storageKey, err := storagesync.DeriveStorageKey(acct.MasterKey)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.syncer = storagesync.New(c.service, c.store, storageKey, storagesync.Config{
		SourceDevice: uint32(acct.DeviceID),
	}, c.logger)
	return nil
}

// auth returns the BasicAuth credentials for API requests.
func (c *Client) auth() signalservice.BasicAuth {
	return signalservice.BasicAuth{
		Username: c.account.ACI + "." + strconv.Itoa(c.account.DeviceID),
		Password: c.account.Password,
	}
}

// Close closes the WebSocket and the database.
func (c *Client) Close() error {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Number returns the account's phone number.
func (c *Client) Number() string { return c.account.Number }

// Store returns the underlying database.
func (c *Client) Store() *store.Store { return c.store }

// Sessions returns the encrypted session store.
func (c *Client) Sessions() *session.Store { return c.sessions }

// PreKeys returns the encrypted pre-key store.
func (c *Client) PreKeys() *session.PreKeyStore { return c.preKeys }

// GeneratePreKeys creates and stores count one-time pre-keys, continuing
// the account's id sequence.
func (c *Client) GeneratePreKeys(count int) ([]session.PreKeyRecord, error) {
	recs, next, err := session.GeneratePreKeys(c.account.NextPreKeyID, count)
	if err != nil {
		return nil, fmt.Errorf("client: generate pre-keys: %w", err)
	}
	for _, r := range recs {
		if err := c.preKeys.StorePreKey(r); err != nil {
			return nil, fmt.Errorf("client: store pre-key %d: %w", r.ID, err)
		}
	}
	c.account.NextPreKeyID = next
	if err := c.store.SaveAccount(c.account); err != nil {
		return nil, fmt.Errorf("client: save account: %w", err)
	}
	logf(c.logger, "generated %d pre-keys, next id %d", len(recs), next)
	return recs, nil
}

// RefreshDirectory checks every known number and the given address book
// numbers against the discovery service.
func (c *Client) RefreshDirectory(ctx context.Context, systemNumbers []string) (*directory.Outcome, error) {
	return c.refresher.RefreshDirectory(ctx, systemNumbers)
}

// RefreshRecipient refreshes a single recipient.
func (c *Client) RefreshRecipient(ctx context.Context, id RecipientID) (directory.RegisteredState, error) {
	return c.refresher.RefreshRecipient(ctx, id)
}

// LookupNumber refreshes the recipient for an E.164 number, creating it
// when unknown.
func (c *Client) LookupNumber(ctx context.Context, e164 string) (*directory.Recipient, error) {
	id, err := c.store.GetOrInsertFromE164(ctx, e164)
	if err != nil {
		return nil, err
	}
	if _, err := c.refresher.RefreshRecipient(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Recipient(ctx, id)
}

// SyncStorage reconciles local contacts with the storage service.
func (c *Client) SyncStorage(ctx context.Context) (*storagesync.Result, error) {
	return c.syncer.Sync(ctx)
}

// profiles returns the chat WebSocket, dialing it on first use.
func (c *Client) profiles(ctx context.Context) (*signalws.ProfileFetcher, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		user := c.auth()
		header := http.Header{}
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user.Username+":"+user.Password)))
		opts := []signalws.Option{signalws.WithHeaders(header), signalws.WithLogger(c.logger)}
		if c.keepAlive > 0 {
			opts = append(opts, signalws.WithKeepAliveInterval(c.keepAlive))
		}
		ws, err := signalws.DialClient(ctx, c.wsURL, c.tlsConfig, opts...)
		if err != nil {
			return nil, fmt.Errorf("client: dial chat: %w", err)
		}
		c.ws = ws
	}
	return signalws.NewProfileFetcher(c.ws), nil
}

// profileFetcher adapts the chat WebSocket to the directory refresher.
type profileFetcher struct {
	c *Client
}

func (p profileFetcher) FetchProfile(ctx context.Context, aci uuid.UUID) error {
	f, err := p.c.profiles(ctx)
	if err != nil {
		return err
	}
	err = f.FetchProfile(ctx, aci)
	if errors.Is(err, signalws.ErrNotFound) {
		return fmt.Errorf("%w: %v", directory.ErrProfileNotFound, err)
	}
	return err
}
