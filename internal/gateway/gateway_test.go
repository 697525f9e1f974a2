package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldsync/server/internal/acl"
	"worldsync/server/internal/session"
	"worldsync/server/internal/store"
)

type fakeEntityStore struct {
	mu       sync.Mutex
	entities map[string]store.Entity
	writes   int
}

func newFakeEntityStore(entities ...store.Entity) *fakeEntityStore {
	f := &fakeEntityStore{entities: make(map[string]store.Entity)}
	for _, e := range entities {
		f.entities[e.ID] = e
	}
	return f
}

func (f *fakeEntityStore) GetEntity(_ context.Context, id string) (store.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return store.Entity{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeEntityStore) ListEntities(_ context.Context, syncGroup string) ([]store.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Entity
	for _, e := range f.entities {
		if e.SyncGroup == syncGroup {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEntityStore) InsertEntity(_ context.Context, e store.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	e.Version = 1
	f.entities[e.ID] = e
	return nil
}

func (f *fakeEntityStore) UpdateEntity(_ context.Context, e store.Entity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.entities[e.ID]
	if !ok {
		return false, nil
	}
	f.writes++
	e.Version = current.Version + 1
	f.entities[e.ID] = e
	return true, nil
}

func (f *fakeEntityStore) DeleteEntity(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[id]; !ok {
		return false, nil
	}
	f.writes++
	delete(f.entities, id)
	return true, nil
}

func (f *fakeEntityStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeSessions struct {
	mu       sync.Mutex
	identity session.Identity
	err      error
}

func (f *fakeSessions) ValidateCredential(_ context.Context, token string) (session.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.Identity{}, f.err
	}
	if token != "tok" {
		return session.Identity{}, session.ErrNotFound
	}
	return f.identity, nil
}

func (f *fakeSessions) Heartbeat(context.Context, string, string) error { return nil }

func (f *fakeSessions) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = session.ErrInactive
}

type fakeAuthz struct {
	mu     sync.Mutex
	allow  map[string]map[acl.Capability]bool // syncGroup -> capability
	failed error
}

func (f *fakeAuthz) Can(_ context.Context, _ string, syncGroup string, capability acl.Capability) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed != nil {
		return false, f.failed
	}
	return f.allow[syncGroup][capability], nil
}

func (f *fakeAuthz) grant(syncGroup string, caps ...acl.Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allow == nil {
		f.allow = make(map[string]map[acl.Capability]bool)
	}
	if f.allow[syncGroup] == nil {
		f.allow[syncGroup] = make(map[acl.Capability]bool)
	}
	for _, c := range caps {
		f.allow[syncGroup][c] = true
	}
}

func (f *fakeAuthz) revoke(syncGroup string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allow, syncGroup)
}

func testHub(st *fakeEntityStore, authz *fakeAuthz) (*Hub, *fakeSessions) {
	sessions := &fakeSessions{identity: session.Identity{AgentID: "agent_1", SessionID: "sess_1"}}
	return NewHub(st, sessions, authz, nil, time.Second, ""), sessions
}

func testClient(h *Hub) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		hub:       h,
		token:     "tok",
		identity:  session.Identity{AgentID: "agent_1", SessionID: "sess_1"},
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan any, sendBufferSize),
		subs:      make(map[string]struct{}),
		lastEvent: make(map[string]int64),
	}
}

func TestDecodeClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    any
		wantErr string
	}{
		{
			name: "query",
			raw:  `{"type":"QUERY","requestId":"r1","statement":{"action":"select","syncGroup":"public.NORMAL"}}`,
			want: Query{RequestID: "r1", Statement: Statement{Action: ActionSelect, SyncGroup: "public.NORMAL"}},
		},
		{
			name: "subscribe",
			raw:  `{"type":"SUBSCRIBE","requestId":"r2","channel":"world_entity_changes"}`,
			want: Subscribe{RequestID: "r2", Channel: "world_entity_changes"},
		},
		{
			name: "unsubscribe",
			raw:  `{"type":"UNSUBSCRIBE","requestId":"r3","channel":"world_entity_changes"}`,
			want: Unsubscribe{RequestID: "r3", Channel: "world_entity_changes"},
		},
		{name: "missing requestId", raw: `{"type":"QUERY"}`, wantErr: "requestId"},
		{name: "query without statement", raw: `{"type":"QUERY","requestId":"r4"}`, wantErr: "statement"},
		{name: "subscribe without channel", raw: `{"type":"SUBSCRIBE","requestId":"r5"}`, wantErr: "channel"},
		{name: "unknown type", raw: `{"type":"PING","requestId":"r6"}`, wantErr: "unknown message type"},
		{name: "not json", raw: `{{{`, wantErr: "malformed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tc.raw))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			switch want := tc.want.(type) {
			case Query:
				q, ok := got.(Query)
				if !ok || q.RequestID != want.RequestID || q.Statement.Action != want.Statement.Action {
					t.Fatalf("got %#v, want %#v", got, want)
				}
			case Subscribe:
				if got != want {
					t.Fatalf("got %#v, want %#v", got, want)
				}
			case Unsubscribe:
				if got != want {
					t.Fatalf("got %#v, want %#v", got, want)
				}
			}
		})
	}
}

func TestStatementValidate(t *testing.T) {
	cases := []struct {
		name string
		stmt Statement
		ok   bool
	}{
		{"select all", Statement{Action: ActionSelect, SyncGroup: "public.NORMAL"}, true},
		{"insert", Statement{Action: ActionInsert, SyncGroup: "public.NORMAL", Name: "cube"}, true},
		{"update", Statement{Action: ActionUpdate, SyncGroup: "public.NORMAL", EntityID: "entity_1"}, true},
		{"delete", Statement{Action: ActionDelete, SyncGroup: "public.NORMAL", EntityID: "entity_1"}, true},
		{"missing sync group", Statement{Action: ActionSelect}, false},
		{"unknown action", Statement{Action: "drop", SyncGroup: "public.NORMAL"}, false},
		{"insert without name", Statement{Action: ActionInsert, SyncGroup: "public.NORMAL"}, false},
		{"update without id", Statement{Action: ActionUpdate, SyncGroup: "public.NORMAL"}, false},
		{"delete without id", Statement{Action: ActionDelete, SyncGroup: "public.NORMAL"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.stmt.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestReadOnlyAgentCannotMutate(t *testing.T) {
	st := newFakeEntityStore(store.Entity{ID: "entity_1", Name: "cube", SyncGroup: "public.NORMAL"})
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read)
	h, _ := testHub(st, authz)
	c := testClient(h)

	resp := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionUpdate, SyncGroup: "public.NORMAL", EntityID: "entity_1", Name: "sphere",
	}})
	if resp.Error == nil || resp.Error.Code != codeForbidden {
		t.Fatalf("response = %+v, want FORBIDDEN", resp)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("requestId = %q, want r1", resp.RequestID)
	}
	if st.writeCount() != 0 {
		t.Fatal("store was mutated by a forbidden update")
	}
}

func TestForbiddenDoesNotLeakExistence(t *testing.T) {
	st := newFakeEntityStore(store.Entity{ID: "entity_real", SyncGroup: "public.NORMAL"})
	h, _ := testHub(st, &fakeAuthz{}) // no grants at all
	c := testClient(h)

	existing := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL", EntityID: "entity_real",
	}})
	missing := h.executeQuery(c, Query{RequestID: "r2", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL", EntityID: "entity_ghost",
	}})

	for _, resp := range []QueryResponse{existing, missing} {
		if resp.Error == nil || resp.Error.Code != codeForbidden {
			t.Fatalf("response = %+v, want FORBIDDEN", resp)
		}
	}
	if existing.Error.Message != missing.Error.Message {
		t.Fatal("denial differs between existing and missing rows")
	}
}

func TestQueryCRUDFlow(t *testing.T) {
	st := newFakeEntityStore()
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read, acl.Insert, acl.Update, acl.Delete)
	h, _ := testHub(st, authz)
	c := testClient(h)

	insert := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionInsert, SyncGroup: "public.NORMAL", Name: "cube",
	}})
	if insert.Error != nil {
		t.Fatalf("insert failed: %+v", insert.Error)
	}
	views, ok := insert.Results.([]entityView)
	if !ok || len(views) != 1 {
		t.Fatalf("insert results = %#v, want one entity", insert.Results)
	}
	id := views[0].ID

	update := h.executeQuery(c, Query{RequestID: "r2", Statement: Statement{
		Action: ActionUpdate, SyncGroup: "public.NORMAL", EntityID: id, Name: "sphere",
	}})
	if update.Error != nil {
		t.Fatalf("update failed: %+v", update.Error)
	}
	views = update.Results.([]entityView)
	if views[0].Name != "sphere" || views[0].Version != 2 {
		t.Fatalf("updated view = %+v, want name sphere version 2", views[0])
	}

	sel := h.executeQuery(c, Query{RequestID: "r3", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL",
	}})
	if views = sel.Results.([]entityView); len(views) != 1 {
		t.Fatalf("select returned %d rows, want 1", len(views))
	}

	del := h.executeQuery(c, Query{RequestID: "r4", Statement: Statement{
		Action: ActionDelete, SyncGroup: "public.NORMAL", EntityID: id,
	}})
	if del.Error != nil {
		t.Fatalf("delete failed: %+v", del.Error)
	}

	again := h.executeQuery(c, Query{RequestID: "r5", Statement: Statement{
		Action: ActionDelete, SyncGroup: "public.NORMAL", EntityID: id,
	}})
	if again.Error == nil || again.Error.Code != codeNotFound {
		t.Fatalf("second delete = %+v, want NOT_FOUND", again)
	}
}

func TestSelectScopedToStatementGroup(t *testing.T) {
	st := newFakeEntityStore(store.Entity{ID: "entity_1", SyncGroup: "public.REALTIME"})
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read)
	h, _ := testHub(st, authz)
	c := testClient(h)

	resp := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL", EntityID: "entity_1",
	}})
	if resp.Error != nil {
		t.Fatalf("select failed: %+v", resp.Error)
	}
	if views := resp.Results.([]entityView); len(views) != 0 {
		t.Fatalf("select crossed sync-group boundary: %+v", views)
	}
}

func TestInvalidatedSessionRejectsQueries(t *testing.T) {
	st := newFakeEntityStore()
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read)
	h, sessions := testHub(st, authz)
	c := testClient(h)

	sessions.invalidate()
	resp := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL",
	}})
	if resp.Error == nil || resp.Error.Code != codeSession {
		t.Fatalf("response = %+v, want SESSION_INVALID", resp)
	}
}

func TestTimeoutMapsToTimeoutCode(t *testing.T) {
	authz := &fakeAuthz{failed: store.ErrTimeout}
	h, _ := testHub(newFakeEntityStore(), authz)
	c := testClient(h)

	resp := h.executeQuery(c, Query{RequestID: "r1", Statement: Statement{
		Action: ActionSelect, SyncGroup: "public.NORMAL",
	}})
	if resp.Error == nil || resp.Error.Code != codeTimeout {
		t.Fatalf("response = %+v, want TIMEOUT", resp)
	}
}

func TestNotificationDedupAndDeliveryACL(t *testing.T) {
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read)
	h, _ := testHub(newFakeEntityStore(), authz)
	c := testClient(h)
	c.handleSubscribe(Subscribe{RequestID: "r1", Channel: store.ChannelEntityChanges})

	event := store.ChangeEvent{
		EventID:   7,
		Channel:   store.ChannelEntityChanges,
		SyncGroup: "public.NORMAL",
		Payload:   json.RawMessage(`{"id":"entity_1"}`),
	}
	h.HandleEntityChange(context.Background(), event)
	h.HandleEntityChange(context.Background(), event) // redelivery after reconnect

	if got := len(c.send); got != 1 {
		t.Fatalf("delivered %d notifications, want 1 after dedup", got)
	}
	n := (<-c.send).(Notification)
	if n.EventID != 7 || n.Channel != store.ChannelEntityChanges {
		t.Fatalf("notification = %+v", n)
	}

	// Read revoked between subscription and the next event: nothing arrives.
	authz.revoke("public.NORMAL")
	next := event
	next.EventID = 8
	h.HandleEntityChange(context.Background(), next)
	if len(c.send) != 0 {
		t.Fatal("revoked subscriber still received a notification")
	}
}

func TestSubscribeAfterTeardownDoesNotRegister(t *testing.T) {
	h, _ := testHub(newFakeEntityStore(), &fakeAuthz{})
	c := testClient(h)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// Connection torn down before the subscribe is processed.
	c.cancel()
	h.remove(c)

	resp := c.handleSubscribe(Subscribe{RequestID: "r1", Channel: store.ChannelEntityChanges})
	if resp.Success {
		t.Fatal("subscribe on a closed connection reported success")
	}
	if resp.Error == nil || resp.Error.Code != codeSession {
		t.Fatalf("subscribe error = %+v, want %s", resp.Error, codeSession)
	}

	h.mu.Lock()
	registered := len(h.subscribers)
	h.mu.Unlock()
	if registered != 0 {
		t.Fatalf("closed connection left %d subscriber channels registered", registered)
	}
}

func TestPrivateChannelOwnership(t *testing.T) {
	h, _ := testHub(newFakeEntityStore(), &fakeAuthz{})
	c := testClient(h)

	own := c.handleSubscribe(Subscribe{RequestID: "r1", Channel: "session:sess_1"})
	if !own.Success {
		t.Fatalf("own private channel rejected: %+v", own)
	}
	other := c.handleSubscribe(Subscribe{RequestID: "r2", Channel: "session:sess_other"})
	if other.Success || other.Error == nil || other.Error.Code != codeForbidden {
		t.Fatalf("foreign private channel allowed: %+v", other)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	st := newFakeEntityStore()
	authz := &fakeAuthz{}
	authz.grant("public.NORMAL", acl.Read, acl.Insert)
	h, _ := testHub(st, authz)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Bad credential: plain 401, no handshake.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=garbage", nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %v, want 401", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=tok", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var hello ConnectionEstablished
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != TypeConnectionEstablished || hello.AgentID != "agent_1" || hello.SessionID != "sess_1" {
		t.Fatalf("hello = %+v", hello)
	}

	if err := conn.WriteJSON(clientEnvelope{Type: TypeSubscribe, RequestID: "r1", Channel: store.ChannelEntityChanges}); err != nil {
		t.Fatalf("subscribe write: %v", err)
	}
	var sub SubscribeResponse
	if err := conn.ReadJSON(&sub); err != nil {
		t.Fatalf("subscribe read: %v", err)
	}
	if sub.Type != TypeSubscribeResponse || !sub.Success || sub.RequestID != "r1" {
		t.Fatalf("subscribe response = %+v", sub)
	}

	stmt := Statement{Action: ActionInsert, SyncGroup: "public.NORMAL", Name: "cube"}
	if err := conn.WriteJSON(clientEnvelope{Type: TypeQuery, RequestID: "r2", Statement: &stmt}); err != nil {
		t.Fatalf("query write: %v", err)
	}
	var qr QueryResponse
	if err := conn.ReadJSON(&qr); err != nil {
		t.Fatalf("query read: %v", err)
	}
	if qr.Type != TypeQueryResponse || qr.RequestID != "r2" || qr.Error != nil {
		t.Fatalf("query response = %+v", qr)
	}

	h.HandleEntityChange(context.Background(), store.ChangeEvent{
		EventID:   1,
		Channel:   store.ChannelEntityChanges,
		SyncGroup: "public.NORMAL",
		Payload:   json.RawMessage(`{"id":"entity_1","op":"INSERT"}`),
	})
	var note Notification
	if err := conn.ReadJSON(&note); err != nil {
		t.Fatalf("notification read: %v", err)
	}
	if note.Type != TypeNotification || note.EventID != 1 {
		t.Fatalf("notification = %+v", note)
	}

	if got := h.ConnectedCount(); got != 1 {
		t.Fatalf("connected = %d, want 1", got)
	}
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectedCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not cleaned up after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
