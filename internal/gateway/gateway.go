package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"worldsync/server/internal/acl"
	"worldsync/server/internal/metrics"
	"worldsync/server/internal/session"
	"worldsync/server/internal/store"
	"worldsync/server/internal/util"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 64 * 1024
	sendBufferSize   = 64
	heartbeatMinGap  = 15 * time.Second
	privateChannelNS = "session:"
)

const (
	codeValidation  = "VALIDATION_ERROR"
	codeForbidden   = "FORBIDDEN"
	codeNotFound    = "NOT_FOUND"
	codeTimeout     = "TIMEOUT"
	codeSession     = "SESSION_INVALID"
	codeUnavailable = "UNAVAILABLE"
	codeInternal    = "INTERNAL"
)

type sessionValidator interface {
	ValidateCredential(ctx context.Context, token string) (session.Identity, error)
	Heartbeat(ctx context.Context, sessionID, requesterID string) error
}

type authorizer interface {
	Can(ctx context.Context, agentID, syncGroup string, capability acl.Capability) (bool, error)
}

type entityStore interface {
	GetEntity(context.Context, string) (store.Entity, error)
	ListEntities(context.Context, string) ([]store.Entity, error)
	InsertEntity(context.Context, store.Entity) error
	UpdateEntity(context.Context, store.Entity) (bool, error)
	DeleteEntity(context.Context, string) (bool, error)
}

// Hub owns every live connection. Queries run sequentially on each
// connection's read loop, which is what keeps responses in request order;
// notifications fan out from the change feed through a single buffered
// writer per connection.
type Hub struct {
	store        entityStore
	sessions     sessionValidator
	authz        authorizer
	metrics      *metrics.Metrics
	queryTimeout time.Duration
	upgrader     websocket.Upgrader

	mu          sync.Mutex
	clients     map[*client]struct{}
	subscribers map[string]map[*client]struct{}
}

func NewHub(st entityStore, sessions sessionValidator, authz authorizer, m *metrics.Metrics, queryTimeout time.Duration, corsOrigin string) *Hub {
	return &Hub{
		store:        st,
		sessions:     sessions,
		authz:        authz,
		metrics:      m,
		queryTimeout: queryTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "" || corsOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == corsOrigin
			},
		},
		clients:     make(map[*client]struct{}),
		subscribers: make(map[string]map[*client]struct{}),
	}
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	token    string
	identity session.Identity

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	send   chan any

	mu            sync.Mutex
	subs          map[string]struct{}
	lastEvent     map[string]int64
	lastHeartbeat time.Time
}

// HandleWS authenticates the credential before upgrading; a bad token gets a
// plain 401 with a fixed body and no websocket handshake at all.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}

	identity, err := h.sessions.ValidateCredential(r.Context(), token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid credential"}`))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed for agent %s: %v", identity.AgentID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:       h,
		conn:      conn,
		token:     token,
		identity:  identity,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan any, sendBufferSize),
		subs:      make(map[string]struct{}),
		lastEvent: make(map[string]int64),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedSessions.Inc()
	}

	c.enqueue(ConnectionEstablished{
		Type:      TypeConnectionEstablished,
		AgentID:   identity.AgentID,
		SessionID: identity.SessionID,
	})

	go c.writePump()
	c.readPump()
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// teardown runs at most once per connection: it cancels any in-flight query,
// drops every subscription, and closes the socket.
func (c *client) teardown() {
	c.once.Do(func() {
		c.cancel()
		c.hub.remove(c)
		_ = c.conn.Close()
		if c.hub.metrics != nil {
			c.hub.metrics.ConnectedSessions.Dec()
		}
	})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for channel, members := range h.subscribers {
		delete(members, c)
		if len(members) == 0 {
			delete(h.subscribers, channel)
		}
	}
}

// enqueue hands a message to the write pump without blocking the caller. A
// full buffer means the peer has stopped draining; the connection is dropped
// rather than letting fan-out back up behind it.
func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	default:
		log.Printf("gateway: send buffer full for session %s, dropping connection", c.identity.SessionID)
		c.teardown()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump processes one message at a time. Queries are not dispatched
// concurrently; a connection's responses always arrive in submission order.
func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touchSession()

		msg, err := DecodeClientMessage(data)
		if err != nil {
			var probe struct {
				RequestID string `json:"requestId"`
			}
			_ = json.Unmarshal(data, &probe)
			c.enqueue(newQueryError(probe.RequestID, codeValidation, err.Error()))
			continue
		}

		switch m := msg.(type) {
		case Query:
			c.enqueue(c.hub.executeQuery(c, m))
		case Subscribe:
			c.enqueue(c.handleSubscribe(m))
		case Unsubscribe:
			c.enqueue(c.handleUnsubscribe(m))
		}
	}
}

// touchSession records activity at most once per heartbeatMinGap so a chatty
// client does not turn every frame into two row updates.
func (c *client) touchSession() {
	c.mu.Lock()
	due := time.Since(c.lastHeartbeat) >= heartbeatMinGap
	if due {
		c.lastHeartbeat = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.queryTimeout)
	defer cancel()
	if err := c.hub.sessions.Heartbeat(ctx, c.identity.SessionID, c.identity.AgentID); err != nil && c.ctx.Err() == nil {
		log.Printf("gateway: heartbeat for session %s failed: %v", c.identity.SessionID, err)
	}
}

func (c *client) handleSubscribe(m Subscribe) SubscribeResponse {
	if !c.channelAllowed(m.Channel) {
		return newSubscribeResponse(TypeSubscribeResponse, m.RequestID, m.Channel, false,
			&WireError{Code: codeForbidden, Message: "channel not available to this session"})
	}

	c.hub.mu.Lock()
	// Teardown cancels before it prunes the subscriber maps; a subscribe that
	// lost that race must not re-register the dead connection.
	if c.ctx.Err() != nil {
		c.hub.mu.Unlock()
		return newSubscribeResponse(TypeSubscribeResponse, m.RequestID, m.Channel, false,
			&WireError{Code: codeSession, Message: "connection closed"})
	}
	members, ok := c.hub.subscribers[m.Channel]
	if !ok {
		members = make(map[*client]struct{})
		c.hub.subscribers[m.Channel] = members
	}
	members[c] = struct{}{}
	c.hub.mu.Unlock()

	c.mu.Lock()
	c.subs[m.Channel] = struct{}{}
	c.mu.Unlock()

	return newSubscribeResponse(TypeSubscribeResponse, m.RequestID, m.Channel, true, nil)
}

func (c *client) handleUnsubscribe(m Unsubscribe) SubscribeResponse {
	c.mu.Lock()
	delete(c.subs, m.Channel)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if members, ok := c.hub.subscribers[m.Channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(c.hub.subscribers, m.Channel)
		}
	}
	c.hub.mu.Unlock()

	return newSubscribeResponse(TypeUnsubscribeResponse, m.RequestID, m.Channel, true, nil)
}

// channelAllowed admits the shared change channels plus the session's own
// private channel. Other sessions' private channels are not subscribable.
func (c *client) channelAllowed(channel string) bool {
	switch channel {
	case store.ChannelEntityChanges, store.ChannelRoleChanges, store.ChannelSessionChanges:
		return true
	}
	return channel == privateChannelNS+c.identity.SessionID
}

// entityView is the wire shape of an entity row.
type entityView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SyncGroup string          `json:"syncGroup"`
	Version   int64           `json:"version"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func viewOf(e store.Entity) entityView {
	return entityView{
		ID:        e.ID,
		Name:      e.Name,
		SyncGroup: e.SyncGroup,
		Version:   e.Version,
		Meta:      e.Meta,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func capabilityFor(action Action) acl.Capability {
	switch action {
	case ActionInsert:
		return acl.Insert
	case ActionUpdate:
		return acl.Update
	case ActionDelete:
		return acl.Delete
	default:
		return acl.Read
	}
}

// executeQuery authorizes and runs one statement. The capability check runs
// against the statement's sync group before any row is read, so a denied
// caller learns nothing about what exists.
func (h *Hub) executeQuery(c *client, q Query) QueryResponse {
	response := h.doExecuteQuery(c, q)
	if h.metrics != nil {
		outcome := "ok"
		if response.Error != nil {
			outcome = response.Error.Code
		}
		h.metrics.QueriesTotal.WithLabelValues(string(q.Statement.Action), outcome).Inc()
	}
	return response
}

func (h *Hub) doExecuteQuery(c *client, q Query) QueryResponse {
	stmt := q.Statement
	if err := stmt.Validate(); err != nil {
		return newQueryError(q.RequestID, codeValidation, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.ctx, h.queryTimeout)
	defer cancel()

	// Sessions can be invalidated mid-connection; every query re-resolves the
	// credential, which the session cache keeps cheap.
	if _, err := h.sessions.ValidateCredential(ctx, c.token); err != nil {
		return newQueryError(q.RequestID, codeSession, "session is no longer valid")
	}

	allowed, err := h.authz.Can(ctx, c.identity.AgentID, stmt.SyncGroup, capabilityFor(stmt.Action))
	if err != nil {
		return storeError(q.RequestID, err)
	}
	if !allowed {
		return newQueryError(q.RequestID, codeForbidden, "not permitted on this sync group")
	}

	switch stmt.Action {
	case ActionSelect:
		return h.execSelect(ctx, q.RequestID, stmt)
	case ActionInsert:
		return h.execInsert(ctx, q.RequestID, stmt)
	case ActionUpdate:
		return h.execUpdate(ctx, q.RequestID, stmt)
	case ActionDelete:
		return h.execDelete(ctx, q.RequestID, stmt)
	default:
		return newQueryError(q.RequestID, codeValidation, "unknown action")
	}
}

func (h *Hub) execSelect(ctx context.Context, requestID string, stmt Statement) QueryResponse {
	if stmt.EntityID != "" {
		e, err := h.store.GetEntity(ctx, stmt.EntityID)
		if err != nil {
			if store.IsNotFound(err) {
				return newQueryResponse(requestID, []entityView{})
			}
			return storeError(requestID, err)
		}
		if e.SyncGroup != stmt.SyncGroup {
			return newQueryResponse(requestID, []entityView{})
		}
		return newQueryResponse(requestID, []entityView{viewOf(e)})
	}

	rows, err := h.store.ListEntities(ctx, stmt.SyncGroup)
	if err != nil {
		return storeError(requestID, err)
	}
	views := make([]entityView, 0, len(rows))
	for _, e := range rows {
		views = append(views, viewOf(e))
	}
	return newQueryResponse(requestID, views)
}

func (h *Hub) execInsert(ctx context.Context, requestID string, stmt Statement) QueryResponse {
	e := store.Entity{
		ID:        stmt.EntityID,
		Name:      stmt.Name,
		SyncGroup: stmt.SyncGroup,
		Meta:      stmt.Meta,
	}
	if e.ID == "" {
		e.ID = util.NewID("entity")
	}
	if err := h.store.InsertEntity(ctx, e); err != nil {
		return storeError(requestID, err)
	}
	created, err := h.store.GetEntity(ctx, e.ID)
	if err != nil {
		return storeError(requestID, err)
	}
	return newQueryResponse(requestID, []entityView{viewOf(created)})
}

func (h *Hub) execUpdate(ctx context.Context, requestID string, stmt Statement) QueryResponse {
	current, err := h.store.GetEntity(ctx, stmt.EntityID)
	if err != nil {
		if store.IsNotFound(err) {
			return newQueryError(requestID, codeNotFound, "entity not found")
		}
		return storeError(requestID, err)
	}
	if current.SyncGroup != stmt.SyncGroup {
		return newQueryError(requestID, codeNotFound, "entity not found")
	}

	if stmt.Name != "" {
		current.Name = stmt.Name
	}
	if len(stmt.Meta) > 0 {
		current.Meta = stmt.Meta
	}
	updated, err := h.store.UpdateEntity(ctx, current)
	if err != nil {
		return storeError(requestID, err)
	}
	if !updated {
		return newQueryError(requestID, codeNotFound, "entity not found")
	}
	after, err := h.store.GetEntity(ctx, stmt.EntityID)
	if err != nil {
		return storeError(requestID, err)
	}
	return newQueryResponse(requestID, []entityView{viewOf(after)})
}

func (h *Hub) execDelete(ctx context.Context, requestID string, stmt Statement) QueryResponse {
	current, err := h.store.GetEntity(ctx, stmt.EntityID)
	if err != nil {
		if store.IsNotFound(err) {
			return newQueryError(requestID, codeNotFound, "entity not found")
		}
		return storeError(requestID, err)
	}
	if current.SyncGroup != stmt.SyncGroup {
		return newQueryError(requestID, codeNotFound, "entity not found")
	}

	deleted, err := h.store.DeleteEntity(ctx, stmt.EntityID)
	if err != nil {
		return storeError(requestID, err)
	}
	if !deleted {
		return newQueryError(requestID, codeNotFound, "entity not found")
	}
	return newQueryResponse(requestID, map[string]any{"id": stmt.EntityID, "deleted": true})
}

func storeError(requestID string, err error) QueryResponse {
	switch {
	case errors.Is(err, store.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return newQueryError(requestID, codeTimeout, "query timed out")
	case errors.Is(err, store.ErrUnavailable):
		return newQueryError(requestID, codeUnavailable, "backing store unavailable")
	case store.IsNotFound(err):
		return newQueryError(requestID, codeNotFound, "entity not found")
	default:
		return newQueryError(requestID, codeInternal, "query failed")
	}
}

// HandleEntityChange fans one feed event out to the channel's subscribers.
// Authorization is re-checked per subscriber at delivery time, and the global
// event sequence dedups redeliveries after a feed reconnect.
func (h *Hub) HandleEntityChange(ctx context.Context, event store.ChangeEvent) {
	h.mu.Lock()
	members := make([]*client, 0, len(h.subscribers[event.Channel]))
	for c := range h.subscribers[event.Channel] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		if event.SyncGroup != "" {
			allowed, err := h.authz.Can(ctx, c.identity.AgentID, event.SyncGroup, acl.Read)
			if err != nil || !allowed {
				continue
			}
		}
		if !c.markDelivered(event.Channel, event.EventID) {
			continue
		}
		c.enqueue(Notification{
			Type:    TypeNotification,
			Channel: event.Channel,
			EventID: event.EventID,
			Payload: event.Payload,
		})
		if h.metrics != nil {
			h.metrics.NotificationsSent.Inc()
		}
	}
}

// markDelivered reports whether the event is new for this channel. Events at
// or below the last delivered sequence are duplicates.
func (c *client) markDelivered(channel string, eventID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eventID != 0 && eventID <= c.lastEvent[channel] {
		return false
	}
	if eventID != 0 {
		c.lastEvent[channel] = eventID
	}
	return true
}

// HandleSessionChange disconnects any live connection whose session was
// invalidated out from under it.
func (h *Hub) HandleSessionChange(ctx context.Context, event store.ChangeEvent) {
	h.mu.Lock()
	var affected []*client
	for c := range h.clients {
		if c.identity.SessionID == event.RowID {
			affected = append(affected, c)
		}
	}
	h.mu.Unlock()

	for _, c := range affected {
		if _, err := h.sessions.ValidateCredential(ctx, c.token); err != nil {
			log.Printf("gateway: session %s invalidated, closing connection", c.identity.SessionID)
			c.teardown()
		}
	}
}

// Shutdown drops every connection. Used on server stop.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.teardown()
	}
}

// ConnectedCount reports live connections. Observability only.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
