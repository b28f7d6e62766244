package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/directory"
	"github.com/gwillem/signal-state/internal/signalws"
	"github.com/gwillem/signal-state/internal/storagesync"
	"github.com/gwillem/signal-state/internal/store"
)

var (
	aliceACI = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	bobACI   = uuid.MustParse("22222222-2222-4222-8222-222222222222")
)

// fakeServer plays the chat, discovery and storage services.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	registered map[string]uuid.UUID
	profiles   map[uuid.UUID]bool
	manifest   *storagesync.EncryptedManifest
	items      map[string][]byte
	conflict   bool
	wsUsers    []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:          t,
		registered: make(map[string]uuid.UUID),
		profiles:   make(map[uuid.UUID]bool),
		items:      make(map[string][]byte),
	}
	mux := http.NewServeMux()
	creds := func(user string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"username": user, "password": "secret"})
		}
	}
	mux.HandleFunc("GET /v1/storage/auth", creds("storage"))
	mux.HandleFunc("GET /v2/directory/auth", creds("directory"))
	mux.HandleFunc("POST /v1/discovery", f.discovery)
	mux.HandleFunc("GET /v1/storage/manifest", f.getManifest)
	mux.HandleFunc("GET /v1/storage/manifest/version/{v}", f.getManifest)
	mux.HandleFunc("PUT /v1/storage/read", f.read)
	mux.HandleFunc("PUT /v1/storage", f.write)
	mux.HandleFunc("GET /v1/websocket/", f.websocket)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) discovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		E164s []string `json:"e164s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type result struct {
		E164 string `json:"e164"`
		ACI  string `json:"aci"`
	}
	var out struct {
		Results []result `json:"results"`
	}
	f.mu.Lock()
	for _, n := range req.E164s {
		if aci, ok := f.registered[n]; ok {
			out.Results = append(out.Results, result{E164: n, ACI: aci.String()})
		}
	}
	f.mu.Unlock()
	json.NewEncoder(w).Encode(out)
}

func (f *fakeServer) getManifest(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifest == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if v := r.PathValue("v"); v != "" && v == strconv.FormatUint(f.manifest.Version, 10) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Write(f.manifest.Marshal())
}

func (f *fakeServer) read(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	keys, err := storagesync.UnmarshalReadOperation(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	var items []storagesync.EncryptedItem
	for _, k := range keys {
		if v, ok := f.items[string(k)]; ok {
			items = append(items, storagesync.EncryptedItem{Key: k, Value: v})
		}
	}
	f.mu.Unlock()
	w.Write(storagesync.MarshalItems(items))
}

func (f *fakeServer) write(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	op, err := storagesync.UnmarshalWrite(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var current uint64
	if f.manifest != nil {
		current = f.manifest.Version
	}
	if f.conflict || op.Manifest.Version != current+1 {
		w.WriteHeader(http.StatusConflict)
		return
	}
	for _, k := range op.Deletes {
		delete(f.items, string(k))
	}
	for _, it := range op.Inserts {
		f.items[string(it.Key)] = it.Value
	}
	m := op.Manifest
	f.manifest = &m
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) websocket(w http.ResponseWriter, r *http.Request) {
	user, _, _ := r.BasicAuth()
	f.mu.Lock()
	f.wsUsers = append(f.wsUsers, user)
	f.mu.Unlock()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := signalws.UnmarshalMessage(data)
		if err != nil || msg.Request == nil {
			continue
		}
		resp := &signalws.Response{ID: msg.Request.ID, Status: http.StatusOK}
		if aci, ok := strings.CutPrefix(msg.Request.Path, "/v1/profile/"); ok {
			f.mu.Lock()
			if !f.profiles[uuid.MustParse(aci)] {
				resp.Status = http.StatusNotFound
			}
			f.mu.Unlock()
		}
		out := &signalws.Message{Type: signalws.TypeResponse, Response: resp}
		if err := ws.Write(ctx, websocket.MessageBinary, out.Marshal()); err != nil {
			return
		}
	}
}

func testAccount() *Account {
	return &Account{
		Number:    "+14155550100",
		ACI:       "99999999-9999-4999-8999-999999999999",
		Password:  "pw",
		DeviceID:  1,
		MasterKey: bytes.Repeat([]byte{7}, 32),
	}
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	c := NewClient(
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithChatURL(f.srv.URL),
		WithStorageURL(f.srv.URL),
		WithDirectoryURL(f.srv.URL),
		WithWebSocketURL("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/v1/websocket/"),
	)
	if err := c.Setup(testAccount()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenLoadsAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	empty := NewClient(WithDBPath(path))
	if err := empty.Open(); err == nil {
		t.Fatal("Open without an account should fail")
	}
	empty.Close()

	c := NewClient(WithDBPath(path))
	if err := c.Setup(testAccount()); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c = NewClient(WithDBPath(path))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Number() != "+14155550100" {
		t.Errorf("Number = %q", c.Number())
	}
}

func TestGeneratePreKeysPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	c := NewClient(WithDBPath(path))
	if err := c.Setup(testAccount()); err != nil {
		t.Fatal(err)
	}
	first, err := c.GeneratePreKeys(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 || first[0].ID != 1 || first[2].ID != 3 {
		t.Fatalf("first batch = %+v", first)
	}
	c.Close()

	c = NewClient(WithDBPath(path))
	if err := c.Open(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, err := c.PreKeys().LoadPreKey(first[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyPair != first[1].KeyPair {
		t.Error("reloaded pre-key does not match")
	}

	second, err := c.GeneratePreKeys(2)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].ID != 4 {
		t.Errorf("second batch starts at %d, want 4", second[0].ID)
	}
}

func TestSetupRejectsShortMasterKey(t *testing.T) {
	acct := testAccount()
	acct.MasterKey = []byte("short")
	c := NewClient(WithDBPath(filepath.Join(t.TempDir(), "test.db")))
	defer c.Close()
	if err := c.Setup(acct); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestRefreshDirectory(t *testing.T) {
	f := newFakeServer(t)
	f.registered["+14155550101"] = aliceACI
	c := newTestClient(t, f)
	ctx := testContext(t)

	if _, err := c.RefreshDirectory(ctx, []string{"+14155550101", "+14155550102", "not a number"}); err != nil {
		t.Fatal(err)
	}

	st := c.Store()
	alice, _ := st.GetOrInsertFromE164(ctx, "+14155550101")
	r, err := st.Recipient(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if r.Registered != directory.Registered || r.ACI != aliceACI {
		t.Errorf("alice = %+v", r)
	}
	other, _ := st.GetOrInsertFromE164(ctx, "+14155550102")
	if r, _ := st.Recipient(ctx, other); r.Registered != directory.NotRegistered {
		t.Errorf("unregistered number = %+v", r)
	}

	done, err := st.HasRetrievedDirectory(ctx)
	if err != nil || !done {
		t.Errorf("HasRetrievedDirectory = %v, %v", done, err)
	}
}

func TestLookupNumber(t *testing.T) {
	f := newFakeServer(t)
	f.registered["+14155550103"] = bobACI
	c := newTestClient(t, f)
	ctx := testContext(t)

	r, err := c.LookupNumber(ctx, "+14155550103")
	if err != nil {
		t.Fatal(err)
	}
	if r.ACI != bobACI || r.Registered != directory.Registered {
		t.Errorf("recipient = %+v", r)
	}
}

func TestRefreshRecipientByProfile(t *testing.T) {
	f := newFakeServer(t)
	f.profiles[aliceACI] = true
	c := newTestClient(t, f)
	ctx := testContext(t)

	alice, err := c.Store().GetOrInsertFromACI(ctx, aliceACI)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := c.Store().GetOrInsertFromACI(ctx, bobACI)
	if err != nil {
		t.Fatal(err)
	}

	state, err := c.RefreshRecipient(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if state != directory.Registered {
		t.Errorf("alice state = %v", state)
	}
	state, err = c.RefreshRecipient(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if state != directory.NotRegistered {
		t.Errorf("bob state = %v", state)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.wsUsers) != 1 || f.wsUsers[0] != testAccount().ACI+".1" {
		t.Errorf("websocket logins = %v, want one as the account", f.wsUsers)
	}
}

func TestSyncStorageBetweenDevices(t *testing.T) {
	f := newFakeServer(t)
	ctx := testContext(t)

	first := newTestClient(t, f)
	id, _ := first.Store().GetOrInsertFromE164(ctx, "+14155550101")
	if err := first.Store().MarkRegistered(ctx, id, aliceACI); err != nil {
		t.Fatal(err)
	}
	err := first.Store().UpdateContact(ctx, id, func(c *storagesync.ContactRecord) {
		c.GivenName = "Alice"
		c.ProfileSharing = true
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := first.SyncStorage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 1 || res.RemoteWrites != 1 {
		t.Fatalf("first sync = %+v", res)
	}

	second := newTestClient(t, f)
	res, err = second.SyncStorage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 1 || res.RemoteWrites != 0 {
		t.Fatalf("second sync = %+v", res)
	}
	sid, _ := second.Store().GetOrInsertFromE164(ctx, "+14155550101")
	contact, err := second.Store().Contact(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if contact.GivenName != "Alice" || !contact.ProfileSharing || contact.ServiceID != aliceACI {
		t.Errorf("synced contact = %+v", contact)
	}

	// Nothing changed on either side.
	res, err = first.SyncStorage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RemoteWrites != 0 || res.Version != 1 {
		t.Errorf("idle sync = %+v", res)
	}
}

func TestRunJobs(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := testContext(t)
	st := c.Store()

	if err := st.EnqueueStorageSync(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.EnqueueMultiDeviceContactUpdate(ctx); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.conflict = true
	f.mu.Unlock()
	id, _ := st.GetOrInsertFromE164(ctx, "+14155550101")
	if err := st.UpdateContact(ctx, id, func(c *storagesync.ContactRecord) { c.GivenName = "A" }); err != nil {
		t.Fatal(err)
	}

	stats, err := c.RunJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Done != 1 || stats.Retried != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	jobs, _ := st.PendingJobs(ctx)
	if len(jobs) != 1 || jobs[0].Kind != store.JobStorageSync {
		t.Fatalf("jobs after conflict = %+v", jobs)
	}

	f.mu.Lock()
	f.conflict = false
	f.mu.Unlock()
	stats, err = c.RunJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Done != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if jobs, _ := st.PendingJobs(ctx); len(jobs) != 0 {
		t.Errorf("jobs left = %+v", jobs)
	}
}

func TestProfileNotFoundMapping(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	err := profileFetcher{c}.FetchProfile(testContext(t), bobACI)
	if !errors.Is(err, directory.ErrProfileNotFound) {
		t.Errorf("err = %v, want ErrProfileNotFound", err)
	}
}
