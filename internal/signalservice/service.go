package signalservice

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
)

// DefaultDiscoveryBatch is the number of phone numbers sent per discovery
// request.
const DefaultDiscoveryBatch = 5000

// Service provides access to the chat, storage and directory HTTP APIs.
// The chat API hands out the credentials for the other two.
type Service struct {
	chat      *Transport
	storage   *Transport
	directory *Transport
	auth      BasicAuth
	batch     int
	logger    *log.Logger

	mu    sync.Mutex
	creds map[string]*BasicAuth // credential path → cached credentials
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	ChatURL        string
	StorageURL     string
	DirectoryURL   string
	TLSConfig      *tls.Config
	Auth           BasicAuth
	DiscoveryBatch int
	Logger         *log.Logger
}

// NewService creates a new Signal API service.
func NewService(cfg ServiceConfig) *Service {
	batch := cfg.DiscoveryBatch
	if batch <= 0 {
		batch = DefaultDiscoveryBatch
	}
	return &Service{
		chat:      NewTransport(cfg.ChatURL, cfg.TLSConfig, cfg.Logger),
		storage:   NewTransport(cfg.StorageURL, cfg.TLSConfig, cfg.Logger),
		directory: NewTransport(cfg.DirectoryURL, cfg.TLSConfig, cfg.Logger),
		auth:      cfg.Auth,
		batch:     batch,
		logger:    cfg.Logger,
		creds:     make(map[string]*BasicAuth),
	}
}

// credentials returns the service credentials issued by the chat API at
// path, fetching them on first use.
func (s *Service) credentials(ctx context.Context, path string) (*BasicAuth, error) {
	s.mu.Lock()
	c := s.creds[path]
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}

	var resp authResponse
	status, err := s.chat.GetJSON(ctx, path, &s.auth, &resp)
	if err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("credentials %s: status %d", path, status)
	}
	c = &BasicAuth{Username: resp.Username, Password: resp.Password}

	s.mu.Lock()
	s.creds[path] = c
	s.mu.Unlock()
	return c, nil
}

// forget drops cached credentials after the service rejected them.
func (s *Service) forget(path string) {
	s.mu.Lock()
	delete(s.creds, path)
	s.mu.Unlock()
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
