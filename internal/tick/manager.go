package tick

import (
	"context"
	"fmt"
	"log"
	"time"

	"worldsync/server/internal/metrics"
	"worldsync/server/internal/store"
)

type managerStore interface {
	tickStore
	ListSyncGroups(context.Context) ([]store.SyncGroup, error)
}

// Manager owns one scheduler per tick-enabled sync group.
type Manager struct {
	store          managerStore
	metrics        *metrics.Metrics
	captureTimeout time.Duration

	order      []string
	schedulers map[string]*Scheduler
}

func NewManager(st managerStore, m *metrics.Metrics, captureTimeout time.Duration) *Manager {
	return &Manager{
		store:          st,
		metrics:        m,
		captureTimeout: captureTimeout,
		schedulers:     make(map[string]*Scheduler),
	}
}

// Initialize loads all sync groups and builds their schedulers. Configuration
// errors here are fatal to startup.
func (m *Manager) Initialize(ctx context.Context) error {
	groups, err := m.store.ListSyncGroups(ctx)
	if err != nil {
		return fmt.Errorf("list sync groups: %w", err)
	}
	if len(groups) == 0 {
		return fmt.Errorf("no sync groups configured")
	}

	// Tick rate must strictly increase as priority drops.
	for i := 1; i < len(groups); i++ {
		if groups[i].TickRateMs <= groups[i-1].TickRateMs {
			return fmt.Errorf("sync group %s tick rate %dms must exceed %s tick rate %dms",
				groups[i].Name, groups[i].TickRateMs, groups[i-1].Name, groups[i-1].TickRateMs)
		}
	}

	for _, group := range groups {
		if !group.TickEnabled {
			log.Printf("tick[%s]: ticking disabled, skipping scheduler", group.Name)
			continue
		}
		scheduler := NewScheduler(m.store, m.metrics, group.Name, m.captureTimeout)
		if err := scheduler.Initialize(ctx); err != nil {
			return err
		}
		m.order = append(m.order, group.Name)
		m.schedulers[group.Name] = scheduler
	}
	return nil
}

func (m *Manager) Start() error {
	for _, name := range m.order {
		if err := m.schedulers[name].Start(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Stop() {
	for _, name := range m.order {
		m.schedulers[name].Stop()
	}
}

func (m *Manager) Stats() []Stats {
	stats := make([]Stats, 0, len(m.order))
	for _, name := range m.order {
		stats = append(stats, m.schedulers[name].Stats())
	}
	return stats
}
