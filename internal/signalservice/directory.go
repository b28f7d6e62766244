package signalservice

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const directoryAuthPath = "/v2/directory/auth"

// Lookup resolves E.164 numbers to ACIs through the discovery service.
// Numbers are sent in batches; any failed batch fails the whole lookup so
// callers never act on a partial answer. Numbers that are not registered,
// or only have a PNI, are absent from the result.
func (s *Service) Lookup(ctx context.Context, numbers []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID)
	if len(numbers) == 0 {
		return out, nil
	}
	auth, err := s.credentials(ctx, directoryAuthPath)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	logf(s.logger, "discovery: looking up %d numbers", len(numbers))
	for start := 0; start < len(numbers); start += s.batch {
		end := min(start+s.batch, len(numbers))
		body, status, err := s.directory.PostJSON(ctx, "/v1/discovery", &discoveryRequest{E164s: numbers[start:end]}, auth)
		if err != nil {
			return nil, fmt.Errorf("discovery: batch %d-%d: %w", start, end, err)
		}
		if status == http.StatusUnauthorized {
			s.forget(directoryAuthPath)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("discovery: batch %d-%d: status %d: %s", start, end, status, body)
		}

		var resp discoveryResponse
		if err := unmarshalJSON(body, &resp); err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
		for _, r := range resp.Results {
			if r.ACI == "" {
				continue
			}
			aci, err := uuid.Parse(r.ACI)
			if err != nil {
				logf(s.logger, "discovery: %s: bad aci %q: %v", r.E164, r.ACI, err)
				continue
			}
			if aci == uuid.Nil {
				continue
			}
			out[r.E164] = aci
		}
	}
	logf(s.logger, "discovery: %d registered", len(out))
	return out, nil
}
