// Package api contains the public core types used by the keel workflow
// engine: workflow records and states, the error taxonomy, retry backoff,
// and the Observer interface.
//
// Most users interact with the higher-level keel package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations, alternative stores, or contributors extending
// the engine itself.
//
// # Workflow Records
//
// A WorkflowRecord is the persisted identity and state of one run: its
// input, tags, output once completed, and the wake condition while it
// sleeps. Records move through four states: RUNNING, SLEEPING, COMPLETED,
// and FAILED. SLEEPING runs carry the condition that makes them executable
// again: a deadline, a set of awaited signal names, or an awaited sub
// workflow.
//
// # Error Taxonomy
//
// Errors surfaced by engine operations are classified on two independent
// axes:
//
//   - Recoverable vs fatal: whether re-executing the workflow later could
//     succeed. Recoverable errors suspend the run with a wake condition;
//     fatal errors terminate it.
//   - Retryable vs not: whether re-executing the failing activity could
//     change the outcome. Activity failures and timeouts are retryable
//     until they hit their retry ceiling, which converts them into a fatal
//     MaxFailuresError.
//
// Recoverable and Retryable report an error's classification.
// CatchUnrecoverable supports compensation flows: it passes recoverable
// errors and divergence through untouched and hands everything else to
// workflow code as a handleable failure.
//
// # Backoff
//
// Failed activity attempts reschedule the run with exponential backoff:
// BackoffDelay doubles a 125ms base per recorded failure, capped at eight
// doublings.
//
// # Observability
//
// The Observer interface receives workflow and activity lifecycle events.
// Ready-made implementations cover structured logging (LoggingObserver),
// in-memory counters (BasicMetrics), and fan-out to several observers
// (CompositeObserver).
package api
