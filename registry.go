package keel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petrijr/keel/internal/persistence"
)

// WorkflowFn is the erased form of a registered workflow handler. It takes
// the execution context (which carries the encoded input) and returns the
// encoded output.
type WorkflowFn func(c *WorkflowCtx) (json.RawMessage, error)

type registryEntry struct {
	name    string
	version int
	fn      WorkflowFn
}

// Registry maps workflow names to handlers. It is populated at startup and
// resolved once per run.
//
// Registry membership is part of the deterministic contract: removing or
// renaming a workflow while runs referencing it are in flight makes their
// histories unreplayable. Register everything before starting a Runner and
// keep the set stable for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// RegisterWorkflow registers a typed workflow handler under name.
// Registering the same name twice is an error.
func RegisterWorkflow[I, O any](r *Registry, name string, fn func(c *WorkflowCtx, input I) (O, error)) error {
	return RegisterWorkflowVersion(r, name, 1, fn)
}

// RegisterWorkflowVersion registers a handler with an explicit version.
// The version is recorded with pulled signals so stores can tell apart
// incompatible revisions of the same workflow.
func RegisterWorkflowVersion[I, O any](r *Registry, name string, version int, fn func(c *WorkflowCtx, input I) (O, error)) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q has nil handler", name)
	}

	wrapped := func(c *WorkflowCtx) (json.RawMessage, error) {
		input, err := persistence.DecodeValue[I]("workflow input", c.input)
		if err != nil {
			return nil, err
		}
		out, err := fn(c, input)
		if err != nil {
			return nil, err
		}
		return persistence.EncodeValue("workflow output", out)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("workflow already registered: %s", name)
	}
	r.entries[name] = &registryEntry{name: name, version: version, fn: wrapped}
	return nil
}

// MustRegisterWorkflow is like RegisterWorkflow but panics on error.
// Useful for initialization in main().
func MustRegisterWorkflow[I, O any](r *Registry, name string, fn func(c *WorkflowCtx, input I) (O, error)) {
	if err := RegisterWorkflow(r, name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) get(name string) (*registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
