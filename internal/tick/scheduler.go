// Package tick runs one drift-compensated capture loop per sync group.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"worldsync/server/internal/metrics"
	"worldsync/server/internal/store"
)

type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrNotInitialized = errors.New("scheduler not initialized")

type tickStore interface {
	GetSyncGroup(context.Context, string) (store.SyncGroup, error)
	CaptureTickState(ctx context.Context, syncGroup string, serverTime time.Time, durationMs float64) (store.TickSnapshot, error)
	PurgeEntityStates(ctx context.Context, syncGroup string, olderThan time.Duration) (int64, error)
	PurgeTickSnapshots(ctx context.Context, syncGroup string, olderThan time.Duration) (int64, error)
}

type Stats struct {
	SyncGroup      string    `json:"syncGroup"`
	State          string    `json:"state"`
	TickCount      int64     `json:"tickCount"`
	LastServerTime time.Time `json:"lastServerTime"`
	IntervalMs     int       `json:"intervalMs"`
}

// Scheduler drives the capture loop of a single sync group. The loop is one
// goroutine that never overlaps ticks: the next tick is scheduled only after
// the current capture completes.
type Scheduler struct {
	store          tickStore
	metrics        *metrics.Metrics
	name           string
	captureTimeout time.Duration

	mu             sync.Mutex
	state          State
	group          store.SyncGroup
	tickCount      int64
	lastServerTime time.Time
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewScheduler(st tickStore, m *metrics.Metrics, syncGroup string, captureTimeout time.Duration) *Scheduler {
	return &Scheduler{
		store:          st,
		metrics:        m,
		name:           syncGroup,
		captureTimeout: captureTimeout,
	}
}

// Initialize loads the group configuration. A load failure is fatal to the
// caller and is not retried here.
func (s *Scheduler) Initialize(ctx context.Context) error {
	group, err := s.store.GetSyncGroup(ctx, s.name)
	if err != nil {
		return fmt.Errorf("load sync group %s: %w", s.name, err)
	}
	if group.TickRateMs <= 0 {
		return fmt.Errorf("sync group %s has invalid tick rate %dms", s.name, group.TickRateMs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = group
	s.state = Initialized
	return nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	switch s.state {
	case Uninitialized:
		s.mu.Unlock()
		return ErrNotInitialized
	case Running:
		s.mu.Unlock()
		log.Printf("tick[%s]: already running, start ignored", s.name)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = Running
	group := s.group
	done := s.done
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.runLoop(ctx, group)
	}()
	go func() {
		defer wg.Done()
		s.runPurge(ctx, time.Duration(group.TickBufferDurationMs)*time.Millisecond, s.purgeEntityStates)
	}()
	go func() {
		defer wg.Done()
		s.runPurge(ctx, time.Duration(group.TickMetricsHistoryMs)*time.Millisecond, s.purgeTickSnapshots)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop cancels the loop and both cleanup timers and waits for them to exit.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.state = Stopped
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SyncGroup:      s.name,
		State:          s.state.String(),
		TickCount:      s.tickCount,
		LastServerTime: s.lastServerTime,
		IntervalMs:     s.group.TickRateMs,
	}
}

func (s *Scheduler) runLoop(ctx context.Context, group store.SyncGroup) {
	target := time.Duration(group.TickRateMs) * time.Millisecond
	timer := time.NewTimer(0)
	defer timer.Stop()

	var drift time.Duration
	var lastStart time.Time
	var prevCaptureMs float64

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		tickStart := time.Now()
		if !lastStart.IsZero() {
			drift = updateDrift(drift, tickStart.Sub(lastStart), target)
		}
		lastStart = tickStart

		prevCaptureMs = s.captureTick(ctx, tickStart, prevCaptureMs)

		if elapsed := time.Since(tickStart); elapsed > target {
			log.Printf("tick[%s]: capture took %s, exceeds %s interval (backpressure)", s.name, elapsed, target)
			if s.metrics != nil {
				s.metrics.TickBackpressure.WithLabelValues(s.name).Inc()
			}
		}

		timer.Reset(nextDelay(drift, target))
	}
}

// updateDrift accumulates the scheduling error of the last cycle and resets
// when the accumulator would exceed twice the target interval, keeping
// |drift| <= 2*target at all times.
func updateDrift(drift, actualDelta, target time.Duration) time.Duration {
	drift += actualDelta - target
	if drift > 2*target || drift < -2*target {
		return 0
	}
	return drift
}

func nextDelay(drift, target time.Duration) time.Duration {
	delay := target - drift
	if delay < 0 {
		return 0
	}
	return delay
}

// captureTick snapshots the group's entity state and returns the measured
// capture duration in milliseconds. A tick's own duration is only known once
// its capture commits, so each snapshot row records the previous tick's
// duration. Isolated failures are logged; the loop always continues.
func (s *Scheduler) captureTick(ctx context.Context, tickStart time.Time, prevDurationMs float64) float64 {
	captureCtx, cancel := context.WithTimeout(ctx, s.captureTimeout)
	defer cancel()

	snapshot, err := s.store.CaptureTickState(captureCtx, s.name, tickStart, prevDurationMs)
	elapsed := time.Since(tickStart)
	if err != nil {
		if ctx.Err() != nil {
			return prevDurationMs
		}
		log.Printf("tick[%s]: capture failed: %v", s.name, err)
		if s.metrics != nil {
			s.metrics.TickFailures.WithLabelValues(s.name).Inc()
		}
		return float64(elapsed.Microseconds()) / 1000
	}

	s.mu.Lock()
	s.tickCount++
	s.lastServerTime = snapshot.ServerTime
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues(s.name).Inc()
		s.metrics.TickDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())
	}
	return float64(elapsed.Microseconds()) / 1000
}

func (s *Scheduler) runPurge(ctx context.Context, interval time.Duration, purge func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := purge(ctx); err != nil && ctx.Err() == nil {
				log.Printf("tick[%s]: retention purge failed: %v", s.name, err)
			}
		}
	}
}

func (s *Scheduler) purgeEntityStates(ctx context.Context) error {
	purgeCtx, cancel := context.WithTimeout(ctx, s.captureTimeout)
	defer cancel()
	retention := time.Duration(s.group.TickBufferDurationMs) * time.Millisecond
	_, err := s.store.PurgeEntityStates(purgeCtx, s.name, retention)
	return err
}

func (s *Scheduler) purgeTickSnapshots(ctx context.Context) error {
	purgeCtx, cancel := context.WithTimeout(ctx, s.captureTimeout)
	defer cancel()
	retention := time.Duration(s.group.TickMetricsHistoryMs) * time.Millisecond
	_, err := s.store.PurgeTickSnapshots(purgeCtx, s.name, retention)
	return err
}
