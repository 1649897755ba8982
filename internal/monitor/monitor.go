// Package monitor implements the per-posting recurring check actors.
//
// One stateful actor exists per monitored posting, keyed by posting id in
// the Manager. Each actor serializes its own events behind a mutex and owns
// at most one armed wake-up timer at any time: arming stops the previous
// timer first, and a terminal status intentionally leaves no timer armed.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/metrics"
	"github.com/hacolby/scout/internal/scout"
)

// Config controls Manager behavior.
type Config struct {
	// DefaultInterval applies when a start request omits the interval.
	DefaultInterval time.Duration
	// CheckTimeout bounds each probe call made from a wake-up.
	CheckTimeout time.Duration
}

// Manager owns the actor registry.
type Manager struct {
	mu     sync.Mutex
	actors map[string]*Actor

	store  scout.PostingStore
	prober scout.Prober
	clock  scout.Clock
	cfg    Config
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store scout.PostingStore, prober scout.Prober, clock scout.Clock, cfg Config, logger *zap.Logger) *Manager {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 24 * time.Hour
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		actors: make(map[string]*Actor),
		store:  store,
		prober: prober,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Actor is the addressable state for one monitored posting.
type Actor struct {
	mgr *Manager
	id  string

	mu        sync.Mutex
	url       string
	interval  time.Duration
	status    scout.MonitorStatus
	lastCheck time.Time
	nextCheck time.Time
	observed  map[string]any
	timer     *time.Timer
	armed     bool
}

// Snapshot is the side-effect-free view of an actor returned by GetStatus.
type Snapshot struct {
	PostingID     string              `json:"job_id"`
	URL           string              `json:"url"`
	Status        scout.MonitorStatus `json:"status"`
	IntervalHours float64             `json:"interval_hours"`
	LastCheck     *time.Time          `json:"last_check,omitempty"`
	NextCheck     *time.Time          `json:"next_check,omitempty"`
}

// StatusReport aggregates monitoring state for the status endpoint.
type StatusReport struct {
	Tracked      int                         `json:"tracked"`
	ArmedWakeUps int                         `json:"armed_wake_ups"`
	Postings     map[scout.MonitorStatus]int `json:"postings"`
}

// StartMonitoring registers (or restarts) the recurring check for a posting
// and arms the first wake-up. It returns the scheduled check time.
func (m *Manager) StartMonitoring(ctx context.Context, postingID, url string, interval time.Duration) (time.Time, error) {
	if postingID == "" || url == "" {
		return time.Time{}, scout.NewValidationError("posting id and url are required")
	}
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}
	actor := m.actor(postingID)

	actor.mu.Lock()
	defer actor.mu.Unlock()
	now := m.clock.Now()
	actor.url = url
	actor.interval = interval
	actor.status = scout.MonitorStatusMonitoring
	actor.lastCheck = now
	actor.nextCheck = now.Add(interval)
	if err := m.store.SavePosting(ctx, actor.postingLocked()); err != nil {
		return time.Time{}, fmt.Errorf("persist monitored posting: %w", err)
	}
	actor.armLocked(interval)
	m.logger.Info("monitoring started",
		zap.String("posting_id", postingID),
		zap.String("url", url),
		zap.Duration("interval", interval),
	)
	return actor.nextCheck, nil
}

// RunCheck probes the posting immediately and persists the outcome. An
// active actor hydrated after a restart has no timer yet; a manual check
// re-arms it so the schedule resumes.
func (m *Manager) RunCheck(ctx context.Context, postingID string) (Snapshot, error) {
	actor, err := m.lookup(ctx, postingID)
	if err != nil {
		return Snapshot{}, err
	}
	actor.mu.Lock()
	defer actor.mu.Unlock()
	if err := actor.runCheckLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	if actor.status.Active() && !actor.armed && actor.interval > 0 {
		actor.armLocked(actor.interval)
	}
	return actor.snapshotLocked(), nil
}

// GetStatus returns the actor state without side effects.
func (m *Manager) GetStatus(ctx context.Context, postingID string) (Snapshot, error) {
	actor, err := m.lookup(ctx, postingID)
	if err != nil {
		return Snapshot{}, err
	}
	actor.mu.Lock()
	defer actor.mu.Unlock()
	return actor.snapshotLocked(), nil
}

// Status aggregates tracked actors, armed timers, and the persisted posting
// counts for the monitoring status endpoint.
func (m *Manager) Status(ctx context.Context) (StatusReport, error) {
	counts, err := m.store.CountPostingsByStatus(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count postings: %w", err)
	}
	return StatusReport{
		Tracked:      m.trackedCount(),
		ArmedWakeUps: m.ArmedCount(),
		Postings:     counts,
	}, nil
}

// ArmedCount reports how many wake-up timers are currently armed.
func (m *Manager) ArmedCount() int {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, actor := range m.actors {
		actors = append(actors, actor)
	}
	m.mu.Unlock()

	count := 0
	for _, actor := range actors {
		actor.mu.Lock()
		if actor.armed {
			count++
		}
		actor.mu.Unlock()
	}
	return count
}

// Stop disarms every actor. Used during shutdown; actors remain queryable.
func (m *Manager) Stop() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, actor := range m.actors {
		actors = append(actors, actor)
	}
	m.mu.Unlock()

	for _, actor := range actors {
		actor.mu.Lock()
		actor.disarmLocked()
		actor.mu.Unlock()
	}
}

func (m *Manager) trackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

func (m *Manager) actor(postingID string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[postingID]
	if !ok {
		actor = &Actor{mgr: m, id: postingID, status: scout.MonitorStatusIdle}
		m.actors[postingID] = actor
	}
	return actor
}

// lookup finds a live actor, hydrating one from the posting store after a
// restart so checks and status queries keep working.
func (m *Manager) lookup(ctx context.Context, postingID string) (*Actor, error) {
	m.mu.Lock()
	actor, ok := m.actors[postingID]
	m.mu.Unlock()
	if ok {
		return actor, nil
	}
	posting, err := m.store.GetPosting(ctx, postingID)
	if err != nil {
		return nil, err
	}
	actor = m.actor(postingID)
	actor.mu.Lock()
	defer actor.mu.Unlock()
	actor.url = posting.URL
	actor.interval = time.Duration(posting.IntervalHours * float64(time.Hour))
	actor.status = posting.Status
	if posting.LastCheck != nil {
		actor.lastCheck = *posting.LastCheck
	}
	if posting.NextCheck != nil {
		actor.nextCheck = *posting.NextCheck
	}
	return actor, nil
}

// onWakeUp runs on the timer goroutine. It fires only while the status is
// still active; a stale timer racing a terminal transition lapses silently.
// Whatever the check does, this function ends having either re-armed the
// timer or deliberately left it disarmed.
func (a *Actor) onWakeUp() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
	if !a.status.Active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.mgr.cfg.CheckTimeout)
	defer cancel()
	if err := a.runCheckLocked(ctx); err != nil {
		a.mgr.logger.Warn("scheduled check failed",
			zap.String("posting_id", a.id),
			zap.Error(err),
		)
	}
	if a.status.Active() {
		a.armLocked(a.interval)
	}
}

func (a *Actor) runCheckLocked(ctx context.Context) error {
	res, err := a.mgr.prober.Check(ctx, a.url)
	if err != nil {
		metrics.ObserveMonitorCheck("error")
		return fmt.Errorf("probe %s: %w", a.url, err)
	}
	now := a.mgr.clock.Now()
	if !res.Alive {
		a.status = scout.MonitorStatusJobNotFound
		a.lastCheck = now
		a.disarmLocked()
		if err := a.mgr.store.MarkPostingClosed(ctx, a.id); err != nil {
			a.mgr.logger.Error("close posting record",
				zap.String("posting_id", a.id),
				zap.Error(err),
			)
		}
		metrics.ObserveMonitorCheck("not_found")
		a.mgr.logger.Info("posting no longer found, monitoring stopped",
			zap.String("posting_id", a.id),
		)
		return nil
	}
	a.status = scout.MonitorStatusJobActive
	a.lastCheck = now
	a.observed = res.Fields
	if err := a.mgr.store.SavePosting(ctx, a.postingLocked()); err != nil {
		a.mgr.logger.Error("persist check observation",
			zap.String("posting_id", a.id),
			zap.Error(err),
		)
	}
	metrics.ObserveMonitorCheck("active")
	return nil
}

// armLocked guarantees the at-most-one-timer invariant by stopping any
// previous timer before arming the next.
func (a *Actor) armLocked(d time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.nextCheck = a.mgr.clock.Now().Add(d)
	a.timer = time.AfterFunc(d, a.onWakeUp)
	a.armed = true
}

func (a *Actor) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = false
	a.nextCheck = time.Time{}
}

func (a *Actor) snapshotLocked() Snapshot {
	snap := Snapshot{
		PostingID:     a.id,
		URL:           a.url,
		Status:        a.status,
		IntervalHours: a.interval.Hours(),
	}
	if !a.lastCheck.IsZero() {
		ts := a.lastCheck
		snap.LastCheck = &ts
	}
	if a.armed && !a.nextCheck.IsZero() {
		ts := a.nextCheck
		snap.NextCheck = &ts
	}
	return snap
}

func (a *Actor) postingLocked() scout.JobPosting {
	posting := scout.JobPosting{
		ID:            a.id,
		URL:           a.url,
		Status:        a.status,
		IntervalHours: a.interval.Hours(),
		Observed:      a.observed,
	}
	if !a.lastCheck.IsZero() {
		ts := a.lastCheck
		posting.LastCheck = &ts
	}
	if !a.nextCheck.IsZero() {
		ts := a.nextCheck
		posting.NextCheck = &ts
	}
	return posting
}
