package keel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/keel/internal/pubsub"
)

// RunnerOptions tune a Runner's polling and leasing behavior. Zero values
// are replaced with the defaults below.
type RunnerOptions struct {
	// Concurrency bounds how many workflows execute at once.
	Concurrency int

	// BatchSize bounds how many wakeable workflows one poll pulls.
	BatchSize int

	// LeaseTTL is how long a claimed workflow stays fenced off from other
	// runners. It must comfortably exceed the longest expected execution
	// pass; an expired lease lets another runner take over.
	LeaseTTL time.Duration
}

func (o *RunnerOptions) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
}

// Runner drives an Engine: it polls the store for wakeable workflows on
// every tick and on every wake nudge, claims each one with a lease, and
// executes it. Multiple runners may share a store; leases keep them off
// each other's workflows.
type Runner struct {
	engine *Engine
	owner  string
	opts   RunnerOptions
	log    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// inflight guards against the same runner claiming a workflow twice:
	// leases are reacquirable by their owner, so a tick and a wake nudge
	// racing each other would otherwise both pass the lease check.
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]bool
}

// NewRunner creates a Runner for the engine. Each Runner gets a unique
// owner identity used for leasing.
func NewRunner(engine *Engine, opts RunnerOptions) *Runner {
	opts.applyDefaults()
	return &Runner{
		engine:   engine,
		owner:    "runner-" + uuid.NewString(),
		opts:     opts,
		log:      engine.log.Named("runner"),
		inflight: make(map[uuid.UUID]bool),
	}
}

// Start launches the runner loop. It returns an error if the runner is
// already started. Stop shuts it down.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("keel: runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	msgs, unsubscribe, err := r.engine.bus.Subscribe(ctx, pubsub.SubjectWake)
	if err != nil {
		cancel()
		r.running = false
		r.cancel = nil
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		r.loop(ctx, msgs)
	}()
	return nil
}

// Stop cancels the runner loop and waits for in-flight workflows to finish
// their current pass.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, msgs <-chan pubsub.Message) {
	ticker := time.NewTicker(r.engine.opts.TickInterval)
	defer ticker.Stop()

	// Semaphore bounding concurrent executions.
	sem := make(chan struct{}, r.opts.Concurrency)

	// One immediate poll so freshly dispatched work is not delayed by a
	// full tick.
	r.poll(ctx, sem)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-msgs:
			// A wake nudge names one workflow, but conditions for others
			// may have become true at the same commit. Poll broadly.
		}
		r.poll(ctx, sem)
	}
}

func (r *Runner) poll(ctx context.Context, sem chan struct{}) {
	recs, err := r.engine.db.PullWakeableWorkflows(ctx, time.Now(), r.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("wakeable poll failed", zap.Error(err))
		}
		return
	}

	for _, rec := range recs {
		id := rec.ID
		if !r.claimInflight(id) {
			continue
		}

		select {
		case <-ctx.Done():
			r.releaseInflight(id)
			return
		case sem <- struct{}{}:
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-sem }()
			defer r.releaseInflight(id)
			r.runOne(ctx, id)
		}()
	}
}

func (r *Runner) claimInflight(id uuid.UUID) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Runner) releaseInflight(id uuid.UUID) {
	r.inflightMu.Lock()
	delete(r.inflight, id)
	r.inflightMu.Unlock()
}

// runOne claims and executes a single workflow. Failing to acquire the
// lease is normal: another runner got there first.
func (r *Runner) runOne(ctx context.Context, id uuid.UUID) {
	ok, err := r.engine.db.TryAcquireLease(ctx, id, r.owner, r.opts.LeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("lease acquire failed", zap.Stringer("workflow_id", id), zap.Error(err))
		}
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := r.engine.db.ReleaseLease(context.WithoutCancel(ctx), id, r.owner); err != nil {
			r.log.Debug("lease release failed", zap.Stringer("workflow_id", id), zap.Error(err))
		}
	}()

	if err := r.engine.Run(ctx, id); err != nil {
		if ctx.Err() == nil {
			r.log.Error("workflow execution failed", zap.Stringer("workflow_id", id), zap.Error(err))
		}
	}
}
