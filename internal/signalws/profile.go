package signalws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the service answers 404.
var ErrNotFound = errors.New("signalws: not found")

// requester sends one request over the chat connection.
type requester interface {
	Request(ctx context.Context, verb, path string, body []byte, headers ...string) (*Response, error)
}

// ProfileFetcher checks accounts by fetching their unversioned profile.
type ProfileFetcher struct {
	conn requester
}

// NewProfileFetcher returns a fetcher sending requests over conn.
func NewProfileFetcher(conn requester) *ProfileFetcher {
	return &ProfileFetcher{conn: conn}
}

// FetchProfile returns nil when the account exists, an error wrapping
// ErrNotFound when it does not, and any other error when the answer is
// unknown.
func (p *ProfileFetcher) FetchProfile(ctx context.Context, aci uuid.UUID) error {
	resp, err := p.conn.Request(ctx, http.MethodGet, "/v1/profile/"+aci.String(), nil)
	if err != nil {
		return fmt.Errorf("signalws: profile %s: %w", aci, err)
	}
	switch resp.Status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("signalws: profile %s: %w", aci, ErrNotFound)
	default:
		return fmt.Errorf("signalws: profile %s: status %d %s", aci, resp.Status, resp.Message)
	}
}
