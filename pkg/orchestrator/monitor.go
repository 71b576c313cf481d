package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/clients"
)

// Executor-side run states the monitor recognizes.
const (
	runPending   = "pending"
	runRunning   = "running"
	runPaused    = "paused"
	runCompleted = "completed"
	runFailed    = "failed"
	runCancelled = "cancelled"
)

func isTerminalRunState(status string) bool {
	switch status {
	case runCompleted, runFailed, runCancelled:
		return true
	}
	return false
}

// RunMetrics accumulates what the monitor observes about a run.
type RunMetrics struct {
	RunID          string    `json:"run_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Status         string    `json:"status"`
	Progress       float64   `json:"progress"`
	CurrentStep    string    `json:"current_step,omitempty"`
	StepsCompleted int       `json:"steps_completed"`
	StepsFailed    int       `json:"steps_failed"`
	RetryCount     int       `json:"retry_count"`
	TotalDuration  float64   `json:"total_duration_seconds"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Monitor tracks running executions: one goroutine per run polling
// the executor, publishing status-change and terminal events.
// Monitoring a run does not control it; stopping the monitor leaves
// the run alone.
type Monitor struct {
	executor clients.Executor
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time

	pollInterval time.Duration
	errorBackoff time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	metrics map[string]*RunMetrics
	wg      sync.WaitGroup
}

func NewMonitor(executor clients.Executor, events Publisher) *Monitor {
	if events == nil {
		events = NewLogPublisher()
	}
	return &Monitor{
		executor:     executor,
		events:       events,
		logger:       slog.Default().With("component", "execution-monitor"),
		now:          time.Now,
		pollInterval: 5 * time.Second,
		errorBackoff: 10 * time.Second,
		cancels:      map[string]context.CancelFunc{},
		metrics:      map[string]*RunMetrics{},
	}
}

// WithIntervals overrides the poll cadence.
func (m *Monitor) WithIntervals(poll, errorBackoff time.Duration) *Monitor {
	m.pollInterval = poll
	m.errorBackoff = errorBackoff
	return m
}

// Start begins monitoring a run. Starting an already-monitored run is
// a no-op.
func (m *Monitor) Start(runID string, tenantID uuid.UUID, planHash string, triggeredBy string) {
	m.mu.Lock()
	if _, watching := m.cancels[runID]; watching {
		m.mu.Unlock()
		m.logger.Warn("run is already being monitored", "run_id", runID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[runID] = cancel
	m.metrics[runID] = &RunMetrics{RunID: runID, TenantID: tenantID}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watch(ctx, runID, tenantID, planHash, triggeredBy)
	m.logger.Info("monitoring started", "run_id", runID, "tenant_id", tenantID)
}

// Stop cancels monitoring for a run and drops its metrics.
func (m *Monitor) Stop(runID string) {
	m.mu.Lock()
	cancel, watching := m.cancels[runID]
	delete(m.cancels, runID)
	delete(m.metrics, runID)
	m.mu.Unlock()
	if watching {
		cancel()
		m.logger.Info("monitoring stopped", "run_id", runID)
	}
}

// Metrics returns a snapshot of what the monitor has recorded for a
// run, or nil when the run is not monitored.
func (m *Monitor) Metrics(runID string) *RunMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[runID]
	if !ok {
		return nil
	}
	snapshot := *metrics
	return &snapshot
}

// Close stops all monitors and waits for their goroutines.
func (m *Monitor) Close() {
	m.mu.Lock()
	for runID, cancel := range m.cancels {
		cancel()
		delete(m.cancels, runID)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) watch(ctx context.Context, runID string, tenantID uuid.UUID, planHash, triggeredBy string) {
	defer m.wg.Done()
	started := m.now()
	lastStatus := ""

	for {
		run, err := m.executor.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("monitor poll failed", "run_id", runID, "error", err)
			if !m.sleep(ctx, m.errorBackoff) {
				return
			}
			continue
		}

		m.record(runID, run, started)

		if run.Status != lastStatus {
			m.publishStatusChange(ctx, runID, tenantID, planHash, triggeredBy, lastStatus, run)
			lastStatus = run.Status
		}

		if isTerminalRunState(run.Status) {
			m.finish(ctx, runID, tenantID, planHash, triggeredBy, run, started)
			m.Stop(runID)
			return
		}

		if !m.sleep(ctx, m.pollInterval) {
			return
		}
	}
}

func (m *Monitor) record(runID string, run *clients.RunStatus, started time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[runID]
	if !ok {
		return
	}
	if run.CurrentStep != "" && run.CurrentStep != metrics.CurrentStep {
		if metrics.CurrentStep != "" {
			metrics.StepsCompleted++
		}
		metrics.CurrentStep = run.CurrentStep
	}
	metrics.Status = run.Status
	metrics.Progress = run.Progress
	metrics.TotalDuration = m.now().Sub(started).Seconds()
	if run.ErrorMessage != "" && metrics.ErrorMessage == "" {
		metrics.ErrorMessage = run.ErrorMessage
		metrics.StepsFailed++
	}
	metrics.RecordedAt = m.now()
}

func (m *Monitor) publishStatusChange(ctx context.Context, runID string, tenantID uuid.UUID, planHash, triggeredBy, oldStatus string, run *clients.RunStatus) {
	m.publish(ctx, EventStatusChanged, map[string]any{
		"run_id":       runID,
		"tenant_id":    tenantID.String(),
		"plan_hash":    planHash,
		"triggered_by": triggeredBy,
		"old_status":   oldStatus,
		"new_status":   run.Status,
		"progress":     run.Progress,
		"current_step": run.CurrentStep,
	})

	switch {
	case run.Status == runRunning && (oldStatus == "" || oldStatus == runPending):
		m.publish(ctx, EventStarted, map[string]any{
			"run_id": runID, "tenant_id": tenantID.String(), "plan_hash": planHash,
		})
	case run.Status == runPaused:
		m.publish(ctx, EventPaused, map[string]any{"run_id": runID})
	case run.Status == runRunning && oldStatus == runPaused:
		m.publish(ctx, EventResumed, map[string]any{"run_id": runID})
	}
}

func (m *Monitor) finish(ctx context.Context, runID string, tenantID uuid.UUID, planHash, triggeredBy string, run *clients.RunStatus, started time.Time) {
	metrics := m.Metrics(runID)

	data := map[string]any{
		"run_id":       runID,
		"tenant_id":    tenantID.String(),
		"plan_hash":    planHash,
		"triggered_by": triggeredBy,
		"status":       run.Status,
		"success":      run.Status == runCompleted,
		"results":      run.Results,
	}
	if run.ErrorMessage != "" {
		data["error_message"] = run.ErrorMessage
	}
	if metrics != nil {
		data["total_duration_seconds"] = metrics.TotalDuration
		data["steps_completed"] = metrics.StepsCompleted
		data["steps_failed"] = metrics.StepsFailed
		data["retry_count"] = metrics.RetryCount
	}
	m.publish(ctx, EventCompleted, data)

	if run.Status == runFailed {
		m.publish(ctx, EventFailed, map[string]any{
			"run_id":        runID,
			"tenant_id":     tenantID.String(),
			"error_message": run.ErrorMessage,
		})
		// Best-effort: actual rollback execution is the executor's
		// problem, the event records that the failure was seen.
		m.publish(ctx, EventRollbackAttempted, map[string]any{
			"run_id":    runID,
			"tenant_id": tenantID.String(),
		})
	}
}

func (m *Monitor) publish(ctx context.Context, eventType string, data map[string]any) {
	err := m.events.Publish(ctx, Event{
		Type:   eventType,
		Source: eventSource,
		Data:   data,
		Time:   m.now(),
	})
	if err != nil {
		m.logger.Warn("event publish failed", "event_type", eventType, "error", err)
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
