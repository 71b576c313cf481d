package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// Event source attached to everything the orchestrator publishes.
const eventSource = "anumate.orchestrator"

// Event types emitted over a run's lifecycle.
const (
	EventStatusChanged     = "execution.status_changed"
	EventStarted           = "execution.started"
	EventPaused            = "execution.paused"
	EventResumed           = "execution.resumed"
	EventCancelled         = "execution.cancelled"
	EventCompleted         = "execution.completed"
	EventFailed            = "execution.failed"
	EventRollbackAttempted = "execution.rollback_attempted"
)

// Event is one lifecycle notification.
type Event struct {
	Type   string
	Source string
	Data   map[string]any
	Time   time.Time
}

// Publisher receives lifecycle events. Publishing is best-effort from
// the orchestrator's point of view.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured log. It is the default
// when no bus is wired.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: slog.Default().With("component", "orchestrator-events")}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Info("event published", "event_type", event.Type, "data", event.Data)
	return nil
}
