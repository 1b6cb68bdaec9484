// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/models"
	syncpkg "github.com/kimhsiao/caresync/internal/sync"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts calls and can hold SyncPending open until released.
type fakeEngine struct {
	mu        sync.Mutex
	pushes    int
	pulls     []string
	pending   int
	block     chan struct{}
	pushEnter chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{pushEnter: make(chan struct{}, 16)}
}

func (f *fakeEngine) SyncPending(ctx context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	f.pushes++
	block := f.block
	f.mu.Unlock()

	select {
	case f.pushEnter <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &syncpkg.SyncResult{Group: "all", Success: true, Synced: 1}, nil
}

func (f *fakeEngine) SyncGroup(ctx context.Context, _ models.SyncGroup) (*syncpkg.SyncResult, error) {
	return f.SyncPending(ctx)
}

func (f *fakeEngine) Pull(_ context.Context, scope syncpkg.Scope) (*syncpkg.PullResult, error) {
	return &syncpkg.PullResult{Scope: scope}, nil
}

func (f *fakeEngine) PullAll(_ context.Context, scopeID string) ([]*syncpkg.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, scopeID)
	return []*syncpkg.PullResult{{Scope: syncpkg.Scope{EntityType: models.EntityInvoice, ScopeID: scopeID}, Inserted: 1}}, nil
}

func (f *fakeEngine) QueueForSync(context.Context, models.EntityType, models.UUID, models.QueueAction, json.RawMessage) (*models.SyncQueueItem, error) {
	return nil, nil
}

func (f *fakeEngine) PendingSyncCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }

func (f *fakeEngine) Report(context.Context) (*syncpkg.StatusReport, error) {
	return &syncpkg.StatusReport{Status: syncpkg.SyncStatusIdle}, nil
}

func (f *fakeEngine) LastSync() *time.Time { return nil }

func (f *fakeEngine) LastError() error { return nil }

func (f *fakeEngine) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *fakeEngine) pullScopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulls...)
}

var _ syncpkg.SyncEngineInterface = (*fakeEngine)(nil)

func createTestScheduler(t *testing.T, online bool) (*fakeEngine, *connectivity.Static, *Scheduler) {
	t.Helper()
	engine := newFakeEngine()
	oracle := connectivity.NewStatic(online)
	s := NewScheduler(engine, oracle, &SchedulerConfig{
		PushInterval: 20 * time.Millisecond,
		PullInterval: 20 * time.Millisecond,
		Scopes:       []string{"patient-1", "patient-2"},
	})
	t.Cleanup(s.Stop)
	return engine, oracle, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.PushInterval != 30*time.Second {
		t.Errorf("PushInterval = %v, want 30s", config.PushInterval)
	}
	if config.PullInterval != 5*time.Minute {
		t.Errorf("PullInterval = %v, want 5m", config.PullInterval)
	}
	if len(config.Scopes) != 0 {
		t.Errorf("Scopes = %v, want none", config.Scopes)
	}
}

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(newFakeEngine(), nil, nil)

	if s.PushInterval() != 30*time.Second {
		t.Errorf("PushInterval() = %v, want default", s.PushInterval())
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
	if !s.oracle.IsOnline(context.Background()) {
		t.Error("nil oracle should default to online")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestScheduler_StartStop(t *testing.T) {
	_, _, s := createTestScheduler(t, true)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // idempotent
	if !s.IsRunning() {
		t.Fatal("scheduler should be running after Start")
	}

	s.Stop()
	s.Stop() // idempotent
	if s.IsRunning() {
		t.Fatal("scheduler should not be running after Stop")
	}

	// a stopped scheduler can be started again
	s.Start(ctx)
	if !s.IsRunning() {
		t.Fatal("scheduler should restart")
	}
}

func TestScheduler_Stop_withoutStart(t *testing.T) {
	s := NewScheduler(newFakeEngine(), nil, nil)
	s.Stop()
	if s.IsRunning() {
		t.Error("Stop without Start should be a no-op")
	}
}

// =====================================================
// Loop Tests
// =====================================================

func TestScheduler_pushLoop_online(t *testing.T) {
	engine, _, s := createTestScheduler(t, true)
	s.Start(context.Background())

	waitFor(t, func() bool { return engine.pushCount() >= 2 })

	status := s.GetStatus(context.Background())
	if status.LastPushTime == nil {
		t.Error("LastPushTime should be set after a successful push")
	}
}

func TestScheduler_pushLoop_offline(t *testing.T) {
	engine, _, s := createTestScheduler(t, false)
	s.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	if n := engine.pushCount(); n != 0 {
		t.Errorf("pushes while offline = %d, want 0", n)
	}
}

func TestScheduler_pullLoop(t *testing.T) {
	engine, _, s := createTestScheduler(t, true)
	s.Start(context.Background())

	waitFor(t, func() bool { return len(engine.pullScopes()) >= 2 })

	scopes := engine.pullScopes()
	if scopes[0] != "patient-1" || scopes[1] != "patient-2" {
		t.Errorf("pulled scopes = %v, want configured order", scopes)
	}
}

func TestScheduler_PullNow(t *testing.T) {
	engine, oracle, s := createTestScheduler(t, true)
	ctx := context.Background()

	results, err := s.PullNow(ctx)
	if err != nil {
		t.Fatalf("PullNow() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want one per scope", len(results))
	}

	oracle.SetOnline(false)
	if _, err := s.PullNow(ctx); !errors.Is(err, errors.ErrSyncOffline) {
		t.Errorf("PullNow() offline error = %v, want SYNC_OFFLINE", err)
	}

	s.SetScopes(nil)
	oracle.SetOnline(true)
	before := len(engine.pullScopes())
	if _, err := s.PullNow(ctx); err != nil {
		t.Fatalf("PullNow() error = %v", err)
	}
	if len(engine.pullScopes()) != before {
		t.Error("PullNow() without scopes should not pull")
	}
}

// =====================================================
// Manual Trigger Tests
// =====================================================

func TestScheduler_TriggerSync_inProgress(t *testing.T) {
	engine, _, s := createTestScheduler(t, true)
	release := make(chan struct{})
	engine.block = release

	if !s.TriggerSync(context.Background()) {
		t.Fatal("first TriggerSync() should start a push")
	}
	<-engine.pushEnter

	if s.TriggerSync(context.Background()) {
		t.Error("TriggerSync() should refuse while a push is running")
	}
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() should fail while a push is running")
	}
	if !s.GetStatus(context.Background()).PushInProgress {
		t.Error("status should report the running push")
	}

	close(release)
	waitFor(t, func() bool { return !s.GetStatus(context.Background()).PushInProgress })
}

func TestScheduler_SyncNow(t *testing.T) {
	engine, _, s := createTestScheduler(t, true)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if !result.Success || result.Synced != 1 {
		t.Errorf("SyncNow() = %+v", result)
	}
	if engine.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", engine.pushCount())
	}
}

// =====================================================
// Reconfiguration Tests
// =====================================================

func TestScheduler_SetIntervals(t *testing.T) {
	engine := newFakeEngine()
	s := NewScheduler(engine, connectivity.NewStatic(true), &SchedulerConfig{
		PushInterval: time.Hour,
		PullInterval: time.Hour,
	})
	t.Cleanup(s.Stop)
	s.Start(context.Background())

	s.SetIntervals(20*time.Millisecond, 0)
	if s.PullInterval() != time.Hour {
		t.Errorf("PullInterval() = %v, want unchanged", s.PullInterval())
	}

	waitFor(t, func() bool { return engine.pushCount() >= 1 })
}

func TestScheduler_GetStatus(t *testing.T) {
	engine, _, s := createTestScheduler(t, true)
	engine.pending = 3

	status := s.GetStatus(context.Background())

	if status.IsRunning {
		t.Error("IsRunning should be false before Start")
	}
	if !status.IsOnline {
		t.Error("IsOnline should follow the oracle")
	}
	if status.PendingItems != 3 {
		t.Errorf("PendingItems = %d, want 3", status.PendingItems)
	}
	if len(status.Scopes) != 2 {
		t.Errorf("Scopes = %v", status.Scopes)
	}
}

func TestScheduler_concurrentAccess(t *testing.T) {
	_, _, s := createTestScheduler(t, true)
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetIntervals(time.Duration(10+i)*time.Millisecond, time.Duration(10+i)*time.Millisecond)
			_ = s.GetStatus(context.Background())
			s.TriggerSync(context.Background())
		}(i)
	}
	wg.Wait()
}
