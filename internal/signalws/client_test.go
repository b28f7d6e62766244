package signalws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// chatServer answers each request with handle's response. Keep-alives get 200.
func chatServer(t *testing.T, handle func(*Request) *Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		for {
			msg, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if msg.Type != TypeRequest || msg.Request == nil {
				continue
			}
			resp := &Response{Status: 200}
			if msg.Request.Path != "/v1/keepalive" {
				resp = handle(msg.Request)
			}
			resp.ID = msg.Request.ID
			if err := writeFrame(ctx, ws, &Message{Type: TypeResponse, Response: resp}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRequest(t *testing.T) {
	srv := chatServer(t, func(r *Request) *Response {
		return &Response{Status: 200, Body: []byte(r.Verb + " " + r.Path)}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialClient(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for _, path := range []string{"/a", "/b", "/c"} {
		resp, err := c.Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if string(resp.Body) != "GET "+path {
			t.Errorf("%s: body %q", path, resp.Body)
		}
	}
}

func TestClientRequestAfterClose(t *testing.T) {
	srv := chatServer(t, func(*Request) *Response { return &Response{Status: 200} })
	c, err := DialClient(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if _, err := c.Request(context.Background(), http.MethodGet, "/x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestKeepAliveSendsRequest(t *testing.T) {
	var rtts atomic.Int32
	srv := chatServer(t, func(*Request) *Response { return &Response{Status: 200} })

	c, err := DialClient(context.Background(), wsURL(srv), nil,
		WithKeepAliveInterval(50*time.Millisecond),
		WithKeepAliveCallback(func(time.Duration) { rtts.Add(1) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for rtts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rtts.Load() == 0 {
		t.Fatal("no keep-alive round trip completed")
	}
}

func TestKeepAliveTimeoutTriggersReconnect(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		connCount.Add(1)
		// Read messages but never respond.
		for {
			if _, err := readFrame(r.Context(), ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := DialClient(context.Background(), wsURL(srv), nil,
		WithKeepAliveInterval(50*time.Millisecond),
		WithKeepAliveTimeout(30*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for connCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := connCount.Load(); n < 2 {
		t.Fatalf("connections: got %d, want at least 2", n)
	}
}

func TestProfileFetcher(t *testing.T) {
	known := uuid.MustParse("5e1b7d2a-0c3f-4a88-b1e9-6d4c2f7a8b90")
	flaky := uuid.MustParse("0f9e8d7c-6b5a-4938-8271-605f4e3d2c1b")
	srv := chatServer(t, func(r *Request) *Response {
		switch {
		case r.Path == "/v1/profile/"+known.String():
			return &Response{Status: 200, Body: []byte("{}")}
		case r.Path == "/v1/profile/"+flaky.String():
			return &Response{Status: 500, Message: "Internal Server Error"}
		case strings.HasPrefix(r.Path, "/v1/profile/"):
			return &Response{Status: 404, Message: "Not Found"}
		}
		return &Response{Status: 400}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialClient(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	p := NewProfileFetcher(c)

	if err := p.FetchProfile(ctx, known); err != nil {
		t.Errorf("known: %v", err)
	}
	if err := p.FetchProfile(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown: got %v, want ErrNotFound", err)
	}
	if err := p.FetchProfile(ctx, flaky); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("flaky: got %v, want a non-not-found error", err)
	}
}
