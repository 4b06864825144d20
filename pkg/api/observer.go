package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics. Implementations should be fast and non-blocking; heavy work should
// be done asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called at the beginning of every execution pass,
	// both first runs and replays.
	OnWorkflowStart(ctx context.Context, rec *WorkflowRecord)

	// OnWorkflowCompleted is called once when the final output is committed.
	OnWorkflowCompleted(ctx context.Context, rec *WorkflowRecord)

	// OnWorkflowSleep is called when a pass ends with a recoverable error
	// and the run suspends with a wake condition.
	OnWorkflowSleep(ctx context.Context, rec *WorkflowRecord, err error)

	// OnWorkflowFailed is called when a run fails permanently.
	OnWorkflowFailed(ctx context.Context, rec *WorkflowRecord, err error)

	// OnActivityStart is called before an activity body executes. It is not
	// called for replayed activities; replay performs no side effect.
	OnActivityStart(ctx context.Context, workflowID uuid.UUID, activity string, location string)

	// OnActivityCompleted is called after an activity body returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, workflowID uuid.UUID, activity string, location string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, rec *WorkflowRecord)                {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, rec *WorkflowRecord)            {}
func (NoopObserver) OnWorkflowSleep(ctx context.Context, rec *WorkflowRecord, err error)     {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, rec *WorkflowRecord, err error)    {}
func (NoopObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activity, loc string) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activity, loc string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, rec *WorkflowRecord) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, rec)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, rec *WorkflowRecord) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, rec)
	}
}

func (c *CompositeObserver) OnWorkflowSleep(ctx context.Context, rec *WorkflowRecord, err error) {
	for _, o := range c.observers {
		o.OnWorkflowSleep(ctx, rec, err)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, rec *WorkflowRecord, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, rec, err)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activity, loc string) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, id, activity, loc)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activity, loc string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, id, activity, loc, err, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided logger. If logger is nil, zap.NewNop()
// is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, rec *WorkflowRecord) {
	o.Logger.Debug("workflow_start",
		zap.String("workflow", rec.Name),
		zap.Stringer("workflow_id", rec.ID),
		zap.Stringer("ray_id", rec.RayID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, rec *WorkflowRecord) {
	o.Logger.Info("workflow_completed",
		zap.String("workflow", rec.Name),
		zap.Stringer("workflow_id", rec.ID),
	)
}

func (o *LoggingObserver) OnWorkflowSleep(ctx context.Context, rec *WorkflowRecord, err error) {
	o.Logger.Debug("workflow_sleep",
		zap.String("workflow", rec.Name),
		zap.Stringer("workflow_id", rec.ID),
		zap.Error(err),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, rec *WorkflowRecord, err error) {
	o.Logger.Error("workflow_failed",
		zap.String("workflow", rec.Name),
		zap.Stringer("workflow_id", rec.ID),
		zap.Error(err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activity, loc string) {
	o.Logger.Debug("activity_start",
		zap.Stringer("workflow_id", id),
		zap.String("activity", activity),
		zap.String("location", loc),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activity, loc string, err error, d time.Duration) {
	if err != nil {
		o.Logger.Warn("activity_failed",
			zap.Stringer("workflow_id", id),
			zap.String("activity", activity),
			zap.String("location", loc),
			zap.Duration("duration", d),
			zap.Error(err),
		)
		return
	}
	o.Logger.Debug("activity_completed",
		zap.Stringer("workflow_id", id),
		zap.String("activity", activity),
		zap.String("location", loc),
		zap.Duration("duration", d),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsFailed     atomic.Int64
	workflowsSuspended  atomic.Int64
	activitiesCompleted atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsSuspended int64

	ActivitiesCompleted int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, rec *WorkflowRecord) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, rec *WorkflowRecord) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowSleep(ctx context.Context, rec *WorkflowRecord, err error) {
	m.workflowsSuspended.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, rec *WorkflowRecord, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, id uuid.UUID, activity, loc string, err error, d time.Duration) {
	// Only count successful activities for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityTime.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	acts := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if acts > 0 {
		avg = time.Duration(totalNs / acts)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    m.workflowsStarted.Load(),
		WorkflowsCompleted:  m.workflowsCompleted.Load(),
		WorkflowsFailed:     m.workflowsFailed.Load(),
		WorkflowsSuspended:  m.workflowsSuspended.Load(),
		ActivitiesCompleted: acts,
		AvgActivityDuration: avg,
	}
}
