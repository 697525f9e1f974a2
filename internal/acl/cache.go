// Package acl answers per-(agent, sync group) capability checks from memory.
// Grants load once per agent and stay cached until a change-feed event for
// that agent evicts them, so the hot path never round-trips to the store.
package acl

import (
	"context"
	"log"
	"sync"
	"time"

	"worldsync/server/internal/store"
)

type Capability int

const (
	Read Capability = iota
	Insert
	Update
	Delete
)

func (c Capability) String() string {
	switch c {
	case Read:
		return "read"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

type grantStore interface {
	GetAgent(context.Context, string) (store.Agent, error)
	ListAgentGrants(context.Context, string) ([]store.RoleGrant, error)
}

type perms struct {
	read, insert, update, del bool
}

func (p perms) allows(c Capability) bool {
	switch c {
	case Read:
		return p.read
	case Insert:
		return p.insert
	case Update:
		return p.update
	case Delete:
		return p.del
	default:
		return false
	}
}

// entry is one agent's loaded grant set. ready closes when the load
// finishes; concurrent warms for the same agent wait on it instead of
// issuing duplicate queries. stale marks entries invalidated while their
// load was still in flight.
type entry struct {
	ready chan struct{}
	err   error

	admin  bool
	grants map[string]perms
	stale  bool
}

type Cache struct {
	store       grantStore
	loadTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCache(st grantStore, loadTimeout time.Duration) *Cache {
	return &Cache{
		store:       st,
		loadTimeout: loadTimeout,
		entries:     make(map[string]*entry),
	}
}

func (c *Cache) CanRead(ctx context.Context, agentID, syncGroup string) (bool, error) {
	return c.Can(ctx, agentID, syncGroup, Read)
}

func (c *Cache) CanInsert(ctx context.Context, agentID, syncGroup string) (bool, error) {
	return c.Can(ctx, agentID, syncGroup, Insert)
}

func (c *Cache) CanUpdate(ctx context.Context, agentID, syncGroup string) (bool, error) {
	return c.Can(ctx, agentID, syncGroup, Update)
}

func (c *Cache) CanDelete(ctx context.Context, agentID, syncGroup string) (bool, error) {
	return c.Can(ctx, agentID, syncGroup, Delete)
}

func (c *Cache) Can(ctx context.Context, agentID, syncGroup string, capability Capability) (bool, error) {
	e, err := c.warm(ctx, agentID)
	if err != nil {
		return false, err
	}
	if e.admin {
		return true, nil
	}
	return e.grants[syncGroup].allows(capability), nil
}

// Warm loads the agent's grants if they are not cached yet. Idempotent;
// concurrent calls for the same agent collapse into one store fetch.
func (c *Cache) Warm(ctx context.Context, agentID string) error {
	_, err := c.warm(ctx, agentID)
	return err
}

func (c *Cache) warm(ctx context.Context, agentID string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[agentID]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e, e.err
		case <-ctx.Done():
			return nil, store.ErrTimeout
		}
	}

	e := &entry{ready: make(chan struct{})}
	c.entries[agentID] = e
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()
	admin, grants, err := c.load(loadCtx, agentID)

	c.mu.Lock()
	e.admin = admin
	e.grants = grants
	e.err = err
	close(e.ready)
	// A failed load, or an invalidation that arrived mid-load, must not
	// serve future checks: drop the entry so the next check re-warms.
	if err != nil || e.stale {
		if c.entries[agentID] == e {
			delete(c.entries, agentID)
		}
	}
	c.mu.Unlock()

	return e, err
}

func (c *Cache) load(ctx context.Context, agentID string) (bool, map[string]perms, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			// Unknown principals hold no grants; cache the denial.
			return false, map[string]perms{}, nil
		}
		return false, nil, err
	}
	if agent.IsAdmin {
		return true, map[string]perms{}, nil
	}

	rows, err := c.store.ListAgentGrants(ctx, agentID)
	if err != nil {
		return false, nil, err
	}
	grants := make(map[string]perms, len(rows))
	for _, g := range rows {
		grants[g.SyncGroup] = perms{read: g.CanRead, insert: g.CanInsert, update: g.CanUpdate, del: g.CanDelete}
	}
	return false, grants, nil
}

// Invalidate evicts exactly one agent's entry. Called on receipt of a grant
// mutation event, before any later query from that agent can be answered, so
// cache staleness is bounded by one notification round trip.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[agentID]
	if !ok {
		return
	}
	select {
	case <-e.ready:
		delete(c.entries, agentID)
	default:
		// Load still in flight; it may have read pre-mutation rows.
		e.stale = true
	}
}

// HandleRoleChange wires the cache to the change feed.
func (c *Cache) HandleRoleChange(event store.ChangeEvent) {
	if event.AgentID == "" {
		return
	}
	c.Invalidate(event.AgentID)
}

// Resync reloads every cached agent from the store. Invoked after a change
// feed reconnect, when invalidations may have been missed.
func (c *Cache) Resync(ctx context.Context) {
	c.mu.Lock()
	agentIDs := make([]string, 0, len(c.entries))
	for agentID := range c.entries {
		agentIDs = append(agentIDs, agentID)
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, agentID := range agentIDs {
		if err := c.Warm(ctx, agentID); err != nil {
			log.Printf("acl: resync load for agent %s failed: %v", agentID, err)
		}
	}
}

// Size reports the number of cached agents. Observability only.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
