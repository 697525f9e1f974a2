package tick

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"worldsync/server/internal/store"
)

type fakeTickStore struct {
	mu     sync.Mutex
	groups map[string]store.SyncGroup

	captureDelay time.Duration
	failCaptures atomic.Bool

	captures       atomic.Int64
	inFlight       atomic.Int32
	maxInFlight    atomic.Int32
	entityPurges   atomic.Int64
	snapshotPurges atomic.Int64

	durations []float64
}

func (f *fakeTickStore) recordedDurations() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.durations...)
}

func newFakeTickStore(groups ...store.SyncGroup) *fakeTickStore {
	f := &fakeTickStore{groups: make(map[string]store.SyncGroup)}
	for _, g := range groups {
		f.groups[g.Name] = g
	}
	return f
}

func (f *fakeTickStore) GetSyncGroup(_ context.Context, name string) (store.SyncGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group, ok := f.groups[name]
	if !ok {
		return store.SyncGroup{}, store.ErrNotFound
	}
	return group, nil
}

func (f *fakeTickStore) ListSyncGroups(_ context.Context) ([]store.SyncGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var groups []store.SyncGroup
	for _, g := range f.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })
	return groups, nil
}

func (f *fakeTickStore) CaptureTickState(ctx context.Context, syncGroup string, serverTime time.Time, durationMs float64) (store.TickSnapshot, error) {
	f.mu.Lock()
	f.durations = append(f.durations, durationMs)
	f.mu.Unlock()

	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	if f.captureDelay > 0 {
		select {
		case <-time.After(f.captureDelay):
		case <-ctx.Done():
			return store.TickSnapshot{}, ctx.Err()
		}
	}
	if f.failCaptures.Load() {
		return store.TickSnapshot{}, errors.New("capture exploded")
	}
	tick := f.captures.Add(1)
	return store.TickSnapshot{SyncGroup: syncGroup, TickNumber: tick, ServerTime: serverTime}, nil
}

func (f *fakeTickStore) PurgeEntityStates(context.Context, string, time.Duration) (int64, error) {
	f.entityPurges.Add(1)
	return 0, nil
}

func (f *fakeTickStore) PurgeTickSnapshots(context.Context, string, time.Duration) (int64, error) {
	f.snapshotPurges.Add(1)
	return 0, nil
}

func testGroup(name string, rateMs int) store.SyncGroup {
	return store.SyncGroup{
		Name:                 name,
		TickRateMs:           rateMs,
		TickEnabled:          true,
		TickBufferDurationMs: 25,
		TickMetricsHistoryMs: 25,
	}
}

func TestUpdateDriftAccumulatesOvershoot(t *testing.T) {
	target := 50 * time.Millisecond

	// A 50ms loop whose cycle actually took 130ms accumulates 80ms of drift,
	// so the next tick fires immediately rather than a full interval later.
	drift := updateDrift(0, 130*time.Millisecond, target)
	if drift != 80*time.Millisecond {
		t.Fatalf("drift = %s, want 80ms", drift)
	}
	if delay := nextDelay(drift, target); delay != 0 {
		t.Fatalf("delay = %s, want 0", delay)
	}
}

func TestDriftNeverExceedsTwiceTarget(t *testing.T) {
	target := 50 * time.Millisecond
	deltas := []time.Duration{
		50 * time.Millisecond, 80 * time.Millisecond, 200 * time.Millisecond,
		10 * time.Millisecond, 500 * time.Millisecond, 49 * time.Millisecond,
		51 * time.Millisecond, 1 * time.Millisecond, 300 * time.Millisecond,
	}

	var drift time.Duration
	for i, delta := range deltas {
		drift = updateDrift(drift, delta, target)
		if drift > 2*target || drift < -2*target {
			t.Fatalf("after delta %d (%s): |drift| = %s exceeds %s", i, delta, drift, 2*target)
		}
		if delay := nextDelay(drift, target); delay < 0 || delay > target+2*target {
			t.Fatalf("delay %s outside [0, 3*target]", delay)
		}
	}
}

func TestDriftResetOnLargeBacklog(t *testing.T) {
	target := 50 * time.Millisecond
	if drift := updateDrift(90*time.Millisecond, 70*time.Millisecond, target); drift != 0 {
		t.Fatalf("drift = %s, want reset to 0 beyond 2*target", drift)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	st := newFakeTickStore(testGroup("public.NORMAL", 5))
	s := NewScheduler(st, nil, "public.NORMAL", time.Second)

	if err := s.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Start before Initialize = %v, want ErrNotInitialized", err)
	}

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if s.State() != Initialized {
		t.Fatalf("state = %s, want initialized", s.State())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Second start is a warning no-op, not an error.
	if err := s.Start(); err != nil {
		t.Fatalf("second Start = %v, want nil", err)
	}

	time.Sleep(60 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	if s.State() != Stopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	stats := s.Stats()
	if stats.TickCount == 0 {
		t.Fatal("no ticks captured while running")
	}
	if stats.IntervalMs != 5 {
		t.Fatalf("interval = %d, want 5", stats.IntervalMs)
	}

	// Running is re-entrant via Stopped.
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s.Stop()
}

func TestInitializeUnknownGroupFatal(t *testing.T) {
	st := newFakeTickStore()
	s := NewScheduler(st, nil, "public.MISSING", time.Second)
	if err := s.Initialize(context.Background()); err == nil {
		t.Fatal("expected configuration load failure")
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	st := newFakeTickStore(testGroup("public.REALTIME", 5))
	st.captureDelay = 15 * time.Millisecond // every capture overruns the interval

	s := NewScheduler(st, nil, "public.REALTIME", time.Second)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if max := st.maxInFlight.Load(); max > 1 {
		t.Fatalf("captures overlapped: max in flight = %d", max)
	}
	if st.captures.Load() == 0 {
		t.Fatal("no captures completed")
	}
}

func TestSnapshotRecordsPriorCaptureDuration(t *testing.T) {
	st := newFakeTickStore(testGroup("public.NORMAL", 5))
	st.captureDelay = 10 * time.Millisecond

	s := NewScheduler(st, nil, "public.NORMAL", time.Second)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	durations := st.recordedDurations()
	if len(durations) < 2 {
		t.Fatalf("recorded %d captures, want at least 2", len(durations))
	}
	// The first tick has no predecessor to report.
	if durations[0] != 0 {
		t.Fatalf("first snapshot duration = %fms, want 0", durations[0])
	}
	// Every later snapshot carries the previous tick's measured capture time,
	// which the 10ms store delay puts well above zero.
	for i, d := range durations[1:] {
		if d < 8 {
			t.Fatalf("snapshot %d duration = %fms, want >= 8ms", i+1, d)
		}
	}
}

func TestCaptureFailuresDoNotStopLoop(t *testing.T) {
	st := newFakeTickStore(testGroup("public.NORMAL", 5))
	st.failCaptures.Store(true)

	s := NewScheduler(st, nil, "public.NORMAL", time.Second)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	st.failCaptures.Store(false)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if st.captures.Load() == 0 {
		t.Fatal("loop did not recover after capture failures")
	}
}

func TestCleanupTimersRun(t *testing.T) {
	st := newFakeTickStore(testGroup("public.NORMAL", 5))
	s := NewScheduler(st, nil, "public.NORMAL", time.Second)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if st.entityPurges.Load() == 0 {
		t.Fatal("entity-state retention purge never ran")
	}
	if st.snapshotPurges.Load() == 0 {
		t.Fatal("tick-metrics retention purge never ran")
	}
}

func TestManagerRejectsNonIncreasingTickRates(t *testing.T) {
	st := newFakeTickStore(
		store.SyncGroup{Name: "public.REALTIME", Priority: 0, TickRateMs: 50, TickEnabled: true},
		store.SyncGroup{Name: "public.NORMAL", Priority: 1, TickRateMs: 50, TickEnabled: true},
	)
	m := NewManager(st, nil, time.Second)
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected tick-rate ordering violation")
	}
}

func TestManagerSkipsDisabledGroups(t *testing.T) {
	enabled := testGroup("public.REALTIME", 5)
	disabled := testGroup("public.STATIC", 100)
	disabled.Priority = 1
	disabled.TickEnabled = false
	st := newFakeTickStore(enabled, disabled)

	m := NewManager(st, nil, time.Second)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].SyncGroup != "public.REALTIME" {
		t.Fatalf("stats = %+v, want only public.REALTIME", stats)
	}
}
