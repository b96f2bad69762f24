package isolation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/model"
)

// Policy configures error thresholds and quarantine behavior.
type Policy struct {
	// Enabled gates the Healthy -> Isolated transition. Classification and
	// recovery selection run either way.
	Enabled bool

	// MaxErrorsPerWorker isolates a worker once its windowed error count
	// reaches this value.
	MaxErrorsPerWorker int

	// MaxErrorRate isolates a worker once windowed errors divided by its real
	// assignment count reaches this value.
	MaxErrorRate float64

	// IsolationDuration is how long an isolated worker stays quarantined.
	IsolationDuration time.Duration

	// TimeWindow bounds which errors count toward the thresholds.
	TimeWindow time.Duration

	// AutoRestart recovers isolated workers on a timer when the isolation
	// window elapses. When false the recovery transition runs lazily, on the
	// first health-gate check past the deadline.
	AutoRestart bool

	// MaxHistory caps the retained error history.
	MaxHistory int
}

// DefaultPolicy returns the policy used when the embedder supplies none.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:            true,
		MaxErrorsPerWorker: 5,
		MaxErrorRate:       0.5,
		IsolationDuration:  30 * time.Second,
		TimeWindow:         60 * time.Second,
		AutoRestart:        true,
		MaxHistory:         1000,
	}
}

// Decision is the outcome of handling one error.
type Decision struct {
	Error    *model.TestError
	Strategy model.RecoveryStrategy
	Isolated bool
}

// Manager classifies failures, tracks per-worker health, and quarantines
// workers whose windowed error count or rate crosses the policy thresholds.
type Manager struct {
	logger     *zap.Logger
	bus        event.Bus
	policy     Policy
	classifier *Classifier

	mu          sync.Mutex
	health      map[int]*model.WorkerHealth
	history     []*model.TestError
	assignments map[int]int
	timers      map[int]*time.Timer
	closed      bool

	onRecover func(workerID int)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClassifier overrides the builtin classification tables.
func WithClassifier(c *Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithRecoverHook installs a callback invoked after a worker transitions back
// to Healthy. The orchestrator uses it to drain the pending queue.
func WithRecoverHook(hook func(workerID int)) Option {
	return func(m *Manager) { m.onRecover = hook }
}

// NewManager creates an isolation manager.
func NewManager(policy Policy, bus event.Bus, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger.Named("error-isolation"),
		bus:         bus,
		policy:      policy,
		classifier:  NewClassifier(),
		health:      make(map[int]*model.WorkerHealth),
		assignments: make(map[int]int),
		timers:      make(map[int]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordAssignment tracks one real task assignment for the error-rate
// denominator.
func (m *Manager) RecordAssignment(workerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[workerID]++
	m.ensureHealthLocked(workerID)
}

// HandleError classifies the error, updates the implicated worker's health,
// and decides whether the worker crosses into isolation. The caller executes
// the returned recovery strategy.
func (m *Manager) HandleError(raw *model.TestError) Decision {
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}
	strategy := m.classifier.Classify(raw)

	m.mu.Lock()

	m.history = append(m.history, raw)
	m.pruneLocked()

	health := m.ensureHealthLocked(raw.WorkerID)
	health.ErrorCount = m.windowedErrorsLocked(raw.WorkerID)
	health.ErrorRate = m.errorRateLocked(raw.WorkerID, health.ErrorCount)
	health.LastError = raw

	isolated := false
	if m.policy.Enabled && health.Healthy {
		if health.ErrorCount >= m.policy.MaxErrorsPerWorker ||
			health.ErrorRate >= m.policy.MaxErrorRate {
			m.isolateLocked(raw.WorkerID, fmt.Sprintf(
				"errors=%d rate=%.2f in window", health.ErrorCount, health.ErrorRate))
			isolated = true
		}
	}
	m.mu.Unlock()

	m.logger.Debug("Error handled",
		zap.String("task_id", raw.TaskID),
		zap.Int("worker_id", raw.WorkerID),
		zap.String("type", string(raw.Type)),
		zap.String("severity", string(raw.Severity)),
		zap.String("action", string(strategy.Action)),
		zap.Bool("isolated", isolated))

	return Decision{Error: raw, Strategy: strategy, Isolated: isolated}
}

// Isolate drives the Healthy -> Isolated transition directly, used for the
// isolate recovery action.
func (m *Manager) Isolate(workerID int, reason string) {
	m.mu.Lock()
	health := m.ensureHealthLocked(workerID)
	if health.Healthy {
		m.isolateLocked(workerID, reason)
	}
	m.mu.Unlock()
}

// isolateLocked marks the worker unhealthy, stamps the quarantine deadline,
// and schedules automatic recovery.
func (m *Manager) isolateLocked(workerID int, reason string) {
	health := m.ensureHealthLocked(workerID)
	health.Healthy = false
	until := time.Now().Add(m.policy.IsolationDuration)
	health.IsolatedUntil = &until

	if m.policy.AutoRestart {
		if timer, ok := m.timers[workerID]; ok {
			timer.Stop()
		}
		m.timers[workerID] = time.AfterFunc(m.policy.IsolationDuration, func() {
			m.recover(workerID)
		})
	}

	m.logger.Warn("Worker isolated",
		zap.Int("worker_id", workerID),
		zap.Time("until", until),
		zap.String("reason", reason))

	m.publish(event.WorkerIsolated{WorkerID: workerID, Until: until, Reason: reason})
}

// recover drives the Isolated -> Healthy transition: error counters reset,
// restart count incremented.
func (m *Manager) recover(workerID int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	health := m.ensureHealthLocked(workerID)
	if health.Healthy {
		m.mu.Unlock()
		return
	}
	health.Healthy = true
	health.IsolatedUntil = nil
	health.ErrorCount = 0
	health.ErrorRate = 0
	health.RestartCount++
	restarts := health.RestartCount
	delete(m.timers, workerID)

	// Drop the worker's history so stale errors cannot re-trip the threshold
	// right after recovery.
	kept := m.history[:0]
	for _, e := range m.history {
		if e.WorkerID != workerID {
			kept = append(kept, e)
		}
	}
	m.history = kept
	hook := m.onRecover
	m.mu.Unlock()

	m.logger.Info("Worker recovered from isolation",
		zap.Int("worker_id", workerID),
		zap.Int("restart_count", restarts))

	m.publish(event.WorkerRecovered{WorkerID: workerID, RestartCount: restarts})

	if hook != nil {
		hook(workerID)
	}
}

// MarkRestarted records a physical slot restart triggered by the restart
// recovery action.
func (m *Manager) MarkRestarted(workerID int) {
	m.mu.Lock()
	health := m.ensureHealthLocked(workerID)
	health.RestartCount++
	m.mu.Unlock()
}

// IsHealthy reports whether a worker is eligible for new assignments. It is
// the balancer's health gate. An isolated worker whose deadline elapsed
// without a recovery timer completes the Isolated -> Healthy transition
// here, so eligibility and the Healthy flag never disagree.
func (m *Manager) IsHealthy(workerID int) bool {
	m.mu.Lock()
	health, ok := m.health[workerID]
	if !ok || health.Healthy {
		m.mu.Unlock()
		return true
	}
	expired := health.IsolatedUntil != nil && time.Now().After(*health.IsolatedUntil)
	m.mu.Unlock()

	if !expired {
		return false
	}
	m.recover(workerID)
	return true
}

// Health returns a copy of one worker's health record.
func (m *Manager) Health(workerID int) model.WorkerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensureHealthLocked(workerID)
}

// Close cancels every pending recovery timer. Required at batch teardown so
// deferred recoveries never fire against a destroyed context.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) ensureHealthLocked(workerID int) *model.WorkerHealth {
	health, ok := m.health[workerID]
	if !ok {
		health = &model.WorkerHealth{WorkerID: workerID, Healthy: true}
		m.health[workerID] = health
	}
	return health
}

// windowedErrorsLocked counts the worker's errors within the policy window.
func (m *Manager) windowedErrorsLocked(workerID int) int {
	cutoff := time.Now().Add(-m.policy.TimeWindow)
	count := 0
	for _, e := range m.history {
		if e.WorkerID == workerID && e.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// errorRateLocked divides windowed errors by the worker's real assignment
// count, capped at 1.
func (m *Manager) errorRateLocked(workerID, windowedErrors int) float64 {
	assigned := m.assignments[workerID]
	if assigned == 0 {
		assigned = 1
	}
	rate := float64(windowedErrors) / float64(assigned)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// pruneLocked drops history entries outside the time window and enforces the
// retention cap.
func (m *Manager) pruneLocked() {
	cutoff := time.Now().Add(-m.policy.TimeWindow)
	kept := m.history[:0]
	for _, e := range m.history {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.history = kept

	if m.policy.MaxHistory > 0 && len(m.history) > m.policy.MaxHistory {
		m.history = m.history[len(m.history)-m.policy.MaxHistory:]
	}
}

func (m *Manager) publish(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
