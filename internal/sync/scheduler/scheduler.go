// Package scheduler runs background push and pull for the sync engine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/caresync/internal/clock"
	"github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/logging"
	syncpkg "github.com/kimhsiao/caresync/internal/sync"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	oracle connectivity.Oracle
	clock  clock.Clock

	mu             sync.RWMutex
	pushInterval   time.Duration
	pullInterval   time.Duration
	scopes         []string
	syncTimeout    time.Duration
	isRunning      bool
	lastPushTime   time.Time
	lastPullTime   time.Time
	pushInProgress bool
	pullInProgress bool

	stopCh    chan struct{}
	pushReset chan struct{}
	pullReset chan struct{}
	wg        sync.WaitGroup
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PushInterval time.Duration // How often queued mutations are pushed (default: 30 seconds)
	PullInterval time.Duration // How often scopes are pulled (default: 5 minutes)
	Scopes       []string      // Patient ids to pull; none disables background pull
	SyncTimeout  time.Duration // Upper bound for one background run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PushInterval: 30 * time.Second,
		PullInterval: 5 * time.Minute,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. A nil oracle treats the server as
// always reachable and leaves the decision to the engine.
func NewScheduler(engine syncpkg.SyncEngineInterface, oracle connectivity.Oracle, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if oracle == nil {
		oracle = connectivity.NewStatic(true)
	}

	s := &Scheduler{
		engine:       engine,
		oracle:       oracle,
		clock:        clock.Real{},
		pushInterval: config.PushInterval,
		pullInterval: config.PullInterval,
		scopes:       append([]string(nil), config.Scopes...),
		syncTimeout:  config.SyncTimeout,
		pushReset:    make(chan struct{}, 1),
		pullReset:    make(chan struct{}, 1),
	}
	if s.pushInterval <= 0 {
		s.pushInterval = def.PushInterval
	}
	if s.pullInterval <= 0 {
		s.pullInterval = def.PullInterval
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = def.SyncTimeout
	}
	return s
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pushLoop(ctx, stopCh)
	go s.pullLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"push_interval": s.PushInterval().String(),
		"pull_interval": s.PullInterval().String(),
	})
}

// Stop stops the background sync scheduler and waits for the loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetIntervals changes the tick intervals of a running or stopped scheduler.
// Non-positive values leave the current interval unchanged.
func (s *Scheduler) SetIntervals(push, pull time.Duration) {
	s.mu.Lock()
	changedPush := push > 0 && push != s.pushInterval
	changedPull := pull > 0 && pull != s.pullInterval
	if changedPush {
		s.pushInterval = push
	}
	if changedPull {
		s.pullInterval = pull
	}
	s.mu.Unlock()

	if changedPush {
		signal(s.pushReset)
	}
	if changedPull {
		signal(s.pullReset)
	}
	if changedPush || changedPull {
		logging.Info("Scheduler intervals changed", map[string]interface{}{
			"push_interval": s.PushInterval().String(),
			"pull_interval": s.PullInterval().String(),
		})
	}
}

// SetScopes replaces the patient ids pulled on every pull tick.
func (s *Scheduler) SetScopes(scopes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append([]string(nil), scopes...)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PushInterval returns the current push interval.
func (s *Scheduler) PushInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushInterval
}

// PullInterval returns the current pull interval.
func (s *Scheduler) PullInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pullInterval
}

func (s *Scheduler) pushLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.PushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.pushReset:
			ticker.Reset(s.PushInterval())
		case <-ticker.C:
			if !s.beginPush() {
				logging.Debug("Push already in progress, skipping", nil)
				continue
			}
			s.runPush(ctx)
		}
	}
}

func (s *Scheduler) pullLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.PullInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.pullReset:
			ticker.Reset(s.PullInterval())
		case <-ticker.C:
			if _, err := s.PullNow(ctx); err != nil && !errors.Is(err, errors.ErrSyncOffline) {
				logging.ErrorWithCode("Periodic pull failed", string(errors.ErrSyncFailed), err, nil)
			}
		}
	}
}

func (s *Scheduler) beginPush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushInProgress {
		return false
	}
	s.pushInProgress = true
	return true
}

func (s *Scheduler) endPush(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushInProgress = false
	if success {
		s.lastPushTime = s.clock.Now()
	}
}

// runPush pushes the queue once. The caller has called beginPush.
func (s *Scheduler) runPush(ctx context.Context) {
	if !s.oracle.IsOnline(ctx) {
		s.endPush(false)
		logging.Debug("Skipping push - no connectivity", nil)
		return
	}
	if _, err := s.push(ctx); err != nil {
		logging.ErrorWithCode("Periodic push failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.PushInterval().Seconds()})
	}
}

// push runs SyncPending and clears the in-progress flag.
func (s *Scheduler) push(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.SyncPending(syncCtx)
	s.endPush(err == nil && result != nil && result.Success)
	if err != nil {
		return result, err
	}

	logging.Info("Push run completed", map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
	return result, nil
}

// TriggerSync starts a push in the background.
// Returns true if the push was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.beginPush() {
		return false
	}
	go s.runPush(context.WithoutCancel(ctx))
	return true
}

// SyncNow pushes immediately and waits for completion. It fails with a
// SYNC_FAILED error if a background push is already running.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.beginPush() {
		return nil, errors.New(errors.ErrSyncFailed, "push already in progress")
	}
	return s.push(ctx)
}

// PullNow pulls every configured scope once and waits for completion.
func (s *Scheduler) PullNow(ctx context.Context) ([]*syncpkg.PullResult, error) {
	s.mu.Lock()
	if s.pullInProgress {
		s.mu.Unlock()
		return nil, nil
	}
	scopes := append([]string(nil), s.scopes...)
	s.pullInProgress = true
	s.mu.Unlock()

	success := false
	defer func() {
		s.mu.Lock()
		s.pullInProgress = false
		if success {
			s.lastPullTime = s.clock.Now()
		}
		s.mu.Unlock()
	}()

	if len(scopes) == 0 {
		return nil, nil
	}
	if !s.oracle.IsOnline(ctx) {
		return nil, syncpkg.ErrNoConnectivity
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	var all []*syncpkg.PullResult
	for _, scope := range scopes {
		results, err := s.engine.PullAll(syncCtx, scope)
		all = append(all, results...)
		if err != nil {
			return all, err
		}
	}
	success = true

	inserted, updated := 0, 0
	for _, r := range all {
		inserted += r.Inserted
		updated += r.Updated
	}
	logging.Info("Pull run completed", map[string]interface{}{
		"scopes":   len(scopes),
		"inserted": inserted,
		"updated":  updated,
	})
	return all, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool          `json:"is_running" yaml:"is_running"`
	IsOnline       bool          `json:"is_online" yaml:"is_online"`
	LastPushTime   *time.Time    `json:"last_push_time,omitempty" yaml:"last_push_time,omitempty"`
	LastPullTime   *time.Time    `json:"last_pull_time,omitempty" yaml:"last_pull_time,omitempty"`
	PushInProgress bool          `json:"push_in_progress" yaml:"push_in_progress"`
	PullInProgress bool          `json:"pull_in_progress" yaml:"pull_in_progress"`
	PushInterval   time.Duration `json:"push_interval" yaml:"push_interval"`
	PullInterval   time.Duration `json:"pull_interval" yaml:"pull_interval"`
	Scopes         []string      `json:"scopes" yaml:"scopes"`
	PendingItems   int           `json:"pending_items" yaml:"pending_items"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		PushInProgress: s.pushInProgress,
		PullInProgress: s.pullInProgress,
		PushInterval:   s.pushInterval,
		PullInterval:   s.pullInterval,
		Scopes:         append([]string(nil), s.scopes...),
	}
	if !s.lastPushTime.IsZero() {
		t := s.lastPushTime
		status.LastPushTime = &t
	}
	if !s.lastPullTime.IsZero() {
		t := s.lastPullTime
		status.LastPullTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.oracle.IsOnline(ctx)
	if n, err := s.engine.PendingSyncCount(ctx); err == nil {
		status.PendingItems = n
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
