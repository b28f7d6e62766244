package signalservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestTransportPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/discovery" {
			t.Errorf("path: got %s, want /v1/discovery", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type: got %s", r.Header.Get("Content-Type"))
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user == "" || pass == "" {
			t.Error("missing or empty basic auth")
		}

		var req discoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.E164s) != 1 || req.E164s[0] != "+15551234567" {
			t.Errorf("e164s: got %v", req.E164s)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(discoveryResponse{Results: []discoveryResult{{E164: "+15551234567", ACI: "aci"}}})
	}))
	defer srv.Close()

	transport := NewTransport(srv.URL, nil, nil)
	auth := BasicAuth{Username: "user", Password: "pass"}

	body, status, err := transport.PostJSON(context.Background(), "/v1/discovery", &discoveryRequest{E164s: []string{"+15551234567"}}, &auth)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", status)
	}
	var resp discoveryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ACI != "aci" {
		t.Errorf("results: got %+v", resp.Results)
	}
}

func TestTransportGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s, want GET", r.Method)
		}
		if r.URL.Path != "/v1/storage/auth" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		user, _, ok := r.BasicAuth()
		if !ok {
			t.Error("missing basic auth")
		}
		if user != "aci-uuid.1" {
			t.Errorf("username: got %q", user)
		}
		json.NewEncoder(w).Encode(authResponse{Username: "storage-user", Password: "storage-pass"})
	}))
	defer srv.Close()

	transport := NewTransport(srv.URL, nil, nil)
	auth := BasicAuth{Username: "aci-uuid.1", Password: "password"}

	var resp authResponse
	status, err := transport.GetJSON(context.Background(), "/v1/storage/auth", &auth, &resp)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("status: got %d, want 200", status)
	}
	if resp.Username != "storage-user" || resp.Password != "storage-pass" {
		t.Errorf("auth: got %+v", resp)
	}
}

func TestTransportPutProtobuf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method: got %s, want PUT", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-protobuf" {
			t.Errorf("content-type: got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	body, status, err := NewTransport(srv.URL, nil, nil).PutProtobuf(context.Background(), "/v1/storage", []byte{0x08, 0x01}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "\x08\x01" {
		t.Errorf("got %d %x", status, body)
	}
}

func TestTransportRetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d body: got %q", calls.Load()+1, body)
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, status, err := NewTransport(srv.URL, nil, nil).Post(context.Background(), "/x", []byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "ok" {
		t.Errorf("got %d %q", status, body)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls: got %d, want 2", n)
	}
}

func TestTransportRetryHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewTransport(srv.URL, nil, nil).Get(ctx, "/x", nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
