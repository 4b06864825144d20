package keel

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/internal/persistence"
	"github.com/petrijr/keel/internal/pubsub"
	"github.com/petrijr/keel/pkg/api"
)

// Options are the engine's timing and retry knobs. Zero values are replaced
// with the defaults below.
type Options struct {
	// ActivityTimeout bounds one activity attempt.
	ActivityTimeout time.Duration

	// ActivityMaxRetries is the per-activity retry ceiling unless the
	// activity overrides it.
	ActivityMaxRetries int

	// SignalPollInterval and SignalPollAttempts bound the in-process poll
	// of a listen before the run suspends awaiting a signal.
	SignalPollInterval time.Duration
	SignalPollAttempts int

	// SubWorkflowPollInterval and SubWorkflowPollAttempts bound the output
	// poll of an externally dispatched sub workflow.
	SubWorkflowPollInterval time.Duration
	SubWorkflowPollAttempts int

	// TickInterval is the scheduler tick. Sleeps shorter than one tick
	// block in process; longer ones suspend the run.
	TickInterval time.Duration

	// CommitRetries and CommitRetryInterval bound local retries of store
	// writes before they are escalated. Losing one of these writes would
	// corrupt the determinism guarantee, so they are never skipped.
	CommitRetries       int
	CommitRetryInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 30 * time.Second
	}
	if o.ActivityMaxRetries <= 0 {
		o.ActivityMaxRetries = 4
	}
	if o.SignalPollInterval <= 0 {
		o.SignalPollInterval = 40 * time.Millisecond
	}
	if o.SignalPollAttempts <= 0 {
		o.SignalPollAttempts = 4
	}
	if o.SubWorkflowPollInterval <= 0 {
		o.SubWorkflowPollInterval = 150 * time.Millisecond
	}
	if o.SubWorkflowPollAttempts <= 0 {
		o.SubWorkflowPollAttempts = 4
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.CommitRetries <= 0 {
		o.CommitRetries = 3
	}
	if o.CommitRetryInterval <= 0 {
		o.CommitRetryInterval = 100 * time.Millisecond
	}
}

// Engine ties a Database, a Registry, and a wake bus together. It is safe
// for concurrent use; each Run drives exactly one workflow and the store's
// leases keep two runners off the same workflow id.
type Engine struct {
	db       persistence.Database
	registry *Registry
	bus      pubsub.Bus
	log      *zap.Logger
	observer api.Observer
	opts     Options
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default is zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs api.Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithRedisBus routes wake nudges and workflow messages through Redis
// pub/sub instead of the in-process bus, for multi-process deployments.
func WithRedisBus(client *redis.Client) Option {
	return func(e *Engine) {
		e.bus = pubsub.NewRedisBus(client)
	}
}

// WithOptions overrides the engine's timing and retry knobs.
func WithOptions(opts Options) Option {
	return func(e *Engine) {
		e.opts = opts
	}
}

func newEngine(db persistence.Database, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		registry: registry,
		bus:      pubsub.NewMemoryBus(),
		log:      zap.NewNop(),
		observer: api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts.applyDefaults()
	return e
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Nothing survives a process restart; use it for tests and development.
func NewInMemoryEngine(registry *Registry, opts ...Option) *Engine {
	return newEngine(persistence.NewMemoryStore(), registry, opts...)
}

// NewSQLiteEngine returns an Engine that persists workflows, history, and
// signals in a SQLite database. The caller is responsible for importing a
// SQLite driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLiteEngine(db *sql.DB, registry *Registry, opts ...Option) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, registry, opts...), nil
}

// GetWorkflow returns the persisted record for a workflow run.
func (e *Engine) GetWorkflow(ctx context.Context, id uuid.UUID) (*api.WorkflowRecord, error) {
	return e.db.GetWorkflow(ctx, id)
}

// Run is the single entry point the scheduler host uses: it pulls the
// workflow record and its history, replays the handler against it, and
// drives the run to completion or a recorded wake condition.
//
// Run never surfaces recoverable errors: those end the in-process attempt
// and persist a wake condition instead. The returned error is non-nil only
// when the pass could not settle the run at all: a store failure that
// exhausted local retries, or ctx cancellation while a wait was blocking in
// process. In both cases nothing about the run is persisted and it stays
// schedulable.
func (e *Engine) Run(ctx context.Context, workflowID uuid.UUID) error {
	rec, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.HasOutput() || rec.State == api.StateFailed {
		// Terminal; nothing to do.
		return nil
	}

	hist, err := e.db.GetWorkflowHistory(ctx, workflowID)
	if err != nil {
		return err
	}

	entry, ok := e.registry.get(rec.Name)
	if !ok {
		e.log.Error("workflow not registered",
			zap.String("workflow", rec.Name),
			zap.Stringer("workflow_id", rec.ID),
		)
		return e.failWorkflow(ctx, rec, persistence.FailWorkflowOpts{
			WorkflowID: rec.ID,
			Fatal:      true,
			Error:      ErrWorkflowNotRegistered.Error() + ": " + rec.Name,
		}, ErrWorkflowNotRegistered)
	}

	c := &WorkflowCtx{
		ctx:      ctx,
		engine:   e,
		id:       rec.ID,
		name:     rec.Name,
		rayID:    rec.RayID,
		createTs: rec.CreateTs,
		tags:     rec.Tags,
		input:    rec.Input,
		version:  entry.version,
		history:  hist,
		cursor:   history.Cursor{Root: history.RootLocation},
	}

	e.observer.OnWorkflowStart(ctx, rec)

	output, runErr := entry.fn(c)
	if runErr == nil {
		if err := e.commitWithRetry(ctx, func() error {
			return e.db.CommitWorkflow(ctx, rec.ID, output)
		}); err != nil {
			return err
		}
		e.observer.OnWorkflowCompleted(ctx, rec)
		e.publishWake(ctx, rec.ID)
		return nil
	}

	return e.recordFailure(ctx, rec, runErr)
}

// recordFailure classifies a run error and persists the matching terminal
// or suspended state.
func (e *Engine) recordFailure(ctx context.Context, rec *api.WorkflowRecord, runErr error) error {
	opts := persistence.FailWorkflowOpts{
		WorkflowID: rec.ID,
		Error:      runErr.Error(),
	}

	var (
		actFailure *api.ActivityFailureError
		actTimeout *api.ActivityTimeoutError
		noSignal   *api.NoSignalError
		subIncompl *api.SubWorkflowIncompleteError
		sleeping   *api.SleepError
		storeErr   *api.StoreError
	)

	switch {
	case errors.As(runErr, &storeErr):
		// The pass died on the store, not in the workflow. Persist nothing
		// and leave the run schedulable.
		return runErr
	case errors.As(runErr, &actFailure):
		deadline := api.BackoffDeadline(time.Now(), actFailure.Count-1)
		opts.WakeDeadline = &deadline
	case errors.As(runErr, &actTimeout):
		deadline := api.BackoffDeadline(time.Now(), actTimeout.Count-1)
		opts.WakeDeadline = &deadline
	case errors.As(runErr, &noSignal):
		opts.WakeSignals = noSignal.Names
	case errors.As(runErr, &subIncompl):
		id := subIncompl.SubWorkflowID
		opts.WakeSubWorkflowID = &id
	case errors.As(runErr, &sleeping):
		deadline := sleeping.Deadline
		opts.WakeDeadline = &deadline
	default:
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			// The host cancelled the pass mid-wait, e.g. during shutdown.
			// The run itself is healthy; it resumes on a later pass.
			return runErr
		}
		opts.Fatal = true
	}

	return e.failWorkflow(ctx, rec, opts, runErr)
}

func (e *Engine) failWorkflow(ctx context.Context, rec *api.WorkflowRecord, opts persistence.FailWorkflowOpts, runErr error) error {
	if err := e.commitWithRetry(ctx, func() error {
		return e.db.FailWorkflow(ctx, opts)
	}); err != nil {
		return err
	}

	if opts.Fatal {
		e.observer.OnWorkflowFailed(ctx, rec, runErr)
		e.log.Warn("workflow failed",
			zap.String("workflow", rec.Name),
			zap.Stringer("workflow_id", rec.ID),
			zap.Error(runErr),
		)
	} else {
		e.observer.OnWorkflowSleep(ctx, rec, runErr)
	}
	return nil
}

// commitWithRetry retries a store write a small fixed number of times
// before escalating. Losing one of these writes would corrupt the replay
// determinism guarantee.
func (e *Engine) commitWithRetry(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < e.opts.CommitRetries; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		e.log.Warn("store write failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.CommitRetryInterval):
		}
	}
	return err
}

// publishWake nudges runners that a workflow's state changed and dependent
// wake conditions may now be met. Best effort: a missed nudge only delays
// work until the next runner tick.
func (e *Engine) publishWake(ctx context.Context, id uuid.UUID) {
	if err := e.bus.Publish(ctx, pubsub.SubjectWake, []byte(id.String())); err != nil {
		e.log.Debug("wake publish failed", zap.Stringer("workflow_id", id), zap.Error(err))
	}
}
