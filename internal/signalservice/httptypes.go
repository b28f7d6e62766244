package signalservice

import (
	"encoding/json"
	"fmt"
)

// BasicAuth holds credentials for HTTP Basic authentication.
type BasicAuth struct {
	Username string // "{aci}.{deviceId}"
	Password string
}

// authResponse is the body of the credential endpoints
// (GET /v1/storage/auth, GET /v2/directory/auth).
type authResponse struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// discoveryRequest is the JSON body for POST /v1/discovery.
type discoveryRequest struct {
	E164s []string `json:"e164s"`
}

// discoveryResponse lists the registered numbers of a discovery batch.
type discoveryResponse struct {
	Results []discoveryResult `json:"results"`
}

type discoveryResult struct {
	E164 string `json:"e164"`
	ACI  string `json:"aci"`
	PNI  string `json:"pni,omitempty"`
}

func unmarshalJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
