// Package keel provides a lightweight, embeddable durable workflow engine
// for Go.
//
// Keel is designed for backend services that need long-lived business
// processes to survive crashes, restarts, and deploys. Workflow code is
// ordinary Go; durability comes from recording every side effect as an
// event and deterministically replaying the code against that history on
// every execution pass.
//
// # Core Concepts
//
// The Keel programming model is intentionally small:
//
//  1. Engine
//  2. Registry
//  3. WorkflowCtx
//  4. Activity
//  5. Runner
//
// # Engine
//
// The Engine ties a persistence store, a Registry of workflow handlers, and
// a wake bus together. It persists workflow records, event histories, and
// signals, and exposes builders to:
//   - dispatch workflows (Engine.Workflow)
//   - deliver signals from outside any workflow (Engine.Signal)
//   - read workflow state (Engine.GetWorkflow)
//
// Engines can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//
// # Registry
//
// Workflow handlers are plain functions registered by name:
//
//	registry := keel.NewRegistry()
//	keel.MustRegisterWorkflow(registry, "order", func(c *keel.WorkflowCtx, o Order) (Receipt, error) {
//	    ...
//	})
//
// A handler must be deterministic: all side effects go through activities,
// all waiting through listens, sleeps, and sub workflows. Replaying a
// handler against its recorded history must take the same path every time;
// when it does not, the run fails with a DivergenceError.
//
// # WorkflowCtx and Activity
//
// WorkflowCtx is the handle workflow code uses to interact with the engine.
// Activities wrap every non-deterministic operation:
//
//	charge, err := keel.Activity(c, keel.ActivityOptions{Name: "charge"}, order,
//	    func(ac *keel.ActivityCtx, o Order) (Charge, error) {
//	        return billing.Charge(ac.Context(), o)
//	    })
//
// An activity's result is recorded once and replayed forever after, which
// is what makes it exactly-once from the workflow's point of view. Failed
// attempts are retried with exponential backoff up to a retry ceiling.
//
// Beyond activities, WorkflowCtx offers durable timers (Sleep), signal
// waits (Listen), typed loops (Repeat), message publication (Msg), and
// nested workflows (SubWorkflow).
//
// # Runner
//
// A Runner drives an Engine: it polls the store for workflows whose wake
// conditions are met, claims each with a lease, and executes it. Multiple
// runners may share one store and lease against each other, which is how
// keel scales horizontally.
//
// # Summary
//
// Keel's goal is a durable workflow engine that feels like Go: handlers are
// functions, waiting is a blocking call, errors are errors, and the replay
// machinery stays out of sight until a handler breaks determinism.
//
// For examples, see the /examples directory or the project README.
package keel
