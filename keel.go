package keel

import (
	"github.com/petrijr/keel/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowRecord       = api.WorkflowRecord
	WorkflowState        = api.WorkflowState
	Tags                 = api.Tags
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	DivergenceError            = api.DivergenceError
	ActivityFailureError       = api.ActivityFailureError
	ActivityTimeoutError       = api.ActivityTimeoutError
	MaxFailuresError           = api.MaxFailuresError
	NoSignalError              = api.NoSignalError
	SubWorkflowIncompleteError = api.SubWorkflowIncompleteError
	SleepError                 = api.SleepError
	SerializationError         = api.SerializationError
	StoreError                 = api.StoreError
)

// Re-export common observer and error helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Recoverable        = api.Recoverable
	Retryable          = api.Retryable
	CatchUnrecoverable = api.CatchUnrecoverable
	IsDivergence       = api.IsDivergence
)

// Re-export sentinel errors.

var (
	ErrListenCtxUsed         = api.ErrListenCtxUsed
	ErrWorkflowNotFound      = api.ErrWorkflowNotFound
	ErrWorkflowNotRegistered = api.ErrWorkflowNotRegistered
)

// Re-export workflow states for convenience.

const (
	StateRunning   = api.StateRunning
	StateSleeping  = api.StateSleeping
	StateCompleted = api.StateCompleted
	StateFailed    = api.StateFailed
)
