package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/pkg/api"
)

// MemoryStore is a goroutine-safe Database backed by maps. It is not
// durable; use it for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*memWorkflow
	signals   []*memSignal
	leases    map[uuid.UUID]memLease
	now       func() time.Time
}

type memWorkflow struct {
	rec    api.WorkflowRecord
	events []*memEvent
}

type memEvent struct {
	loc     history.Location
	loopLoc history.Location
	ev      history.Event
}

type memSignal struct {
	id       uuid.UUID
	name     string
	body     json.RawMessage
	createTs time.Time

	// Delivery target: a direct workflow id, or tags matched against
	// workflow tags.
	workflowID uuid.UUID
	tags       api.Tags

	acked bool
}

type memLease struct {
	owner   string
	expires time.Time
}

// Ensure MemoryStore implements Database.
var _ Database = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[uuid.UUID]*memWorkflow),
		leases:    make(map[uuid.UUID]memLease),
		now:       time.Now,
	}
}

func (s *MemoryStore) DispatchWorkflow(ctx context.Context, opts DispatchWorkflowOpts) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(opts)
}

func (s *MemoryStore) dispatchLocked(opts DispatchWorkflowOpts) (uuid.UUID, error) {
	if opts.Unique {
		if id, ok := s.findExistingLocked(opts.Name, opts.Tags); ok {
			return id, nil
		}
	}

	id := opts.WorkflowID
	if id == uuid.Nil {
		id = uuid.New()
	}

	s.workflows[id] = &memWorkflow{
		rec: api.WorkflowRecord{
			ID:       id,
			Name:     opts.Name,
			CreateTs: s.now(),
			RayID:    opts.RayID,
			Input:    opts.Input,
			Tags:     opts.Tags.Clone(),
			State:    api.StateRunning,
		},
	}
	return id, nil
}

func (s *MemoryStore) findExistingLocked(name string, tags api.Tags) (uuid.UUID, bool) {
	for id, wf := range s.workflows {
		if wf.rec.Name != name || wf.rec.State == api.StateFailed {
			continue
		}
		if tags.Matches(wf.rec.Tags) && wf.rec.Tags.Matches(tags) {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*api.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, api.ErrWorkflowNotFound
	}
	rec := wf.rec
	return &rec, nil
}

func (s *MemoryStore) GetWorkflowHistory(ctx context.Context, id uuid.UUID) (*history.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, api.ErrWorkflowNotFound
	}

	rows := make([]*memEvent, len(wf.events))
	copy(rows, wf.events)
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := rows[i].loc.Parent().String(), rows[j].loc.Parent().String()
		if pi != pj {
			return pi < pj
		}
		return rows[i].loc.Tail() < rows[j].loc.Tail()
	})

	h := history.New()
	for _, row := range rows {
		h.Insert(row.loc, row.ev)
	}
	return h, nil
}

func (s *MemoryStore) CommitWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return api.ErrWorkflowNotFound
	}
	wf.rec.Output = output
	wf.rec.State = api.StateCompleted
	wf.rec.Error = ""
	wf.rec.WakeDeadline = nil
	wf.rec.WakeSignals = nil
	wf.rec.WakeSubWorkflowID = nil
	wf.rec.Immediate = false
	return nil
}

func (s *MemoryStore) FailWorkflow(ctx context.Context, opts FailWorkflowOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[opts.WorkflowID]
	if !ok {
		return api.ErrWorkflowNotFound
	}

	wf.rec.Error = opts.Error
	if opts.Fatal {
		wf.rec.State = api.StateFailed
		wf.rec.WakeDeadline = nil
		wf.rec.WakeSignals = nil
		wf.rec.WakeSubWorkflowID = nil
		wf.rec.Immediate = false
		return nil
	}

	wf.rec.State = api.StateSleeping
	wf.rec.Immediate = opts.Immediate
	wf.rec.WakeDeadline = opts.WakeDeadline
	wf.rec.WakeSignals = append([]string(nil), opts.WakeSignals...)
	wf.rec.WakeSubWorkflowID = opts.WakeSubWorkflowID
	return nil
}

func (s *MemoryStore) findEventLocked(wf *memWorkflow, loc history.Location) *memEvent {
	for _, row := range wf.events {
		if row.loc.Equal(loc) {
			return row
		}
	}
	return nil
}

func (s *MemoryStore) CommitActivityEvent(ctx context.Context, ev ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[ev.WorkflowID]
	if !ok {
		return api.ErrWorkflowNotFound
	}

	if row := s.findEventLocked(wf, ev.Location); row != nil {
		// Another attempt at the same location.
		if ev.Result.Error != "" {
			row.ev.ErrorCount++
			row.ev.LastError = ev.Result.Error
		} else {
			row.ev.Output = ev.Result.Output
			row.ev.LastError = ""
		}
		return nil
	}

	event := history.Event{
		Kind:         history.EventKindActivity,
		CreateTs:     ev.CreateTs,
		ActivityName: ev.Name,
		InputHash:    ev.InputHash,
		Input:        ev.Input,
		Output:       ev.Result.Output,
		LastError:    ev.Result.Error,
	}
	if ev.Result.Error != "" {
		event.ErrorCount = 1
	}
	wf.events = append(wf.events, &memEvent{
		loc:     ev.Location.Clone(),
		loopLoc: ev.LoopLocation.Clone(),
		ev:      event,
	})
	return nil
}

func (s *MemoryStore) DispatchSubWorkflow(ctx context.Context, opts DispatchSubWorkflowOpts) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.workflows[opts.ParentID]
	if !ok {
		return uuid.Nil, api.ErrWorkflowNotFound
	}

	id, err := s.dispatchLocked(opts.DispatchWorkflowOpts)
	if err != nil {
		return uuid.Nil, err
	}

	parent.events = append(parent.events, &memEvent{
		loc:     opts.Location.Clone(),
		loopLoc: opts.LoopLocation.Clone(),
		ev: history.Event{
			Kind:            history.EventKindSubWorkflow,
			CreateTs:        s.now(),
			SubWorkflowID:   id,
			SubWorkflowName: opts.Name,
		},
	})
	return id, nil
}

func (s *MemoryStore) PublishSignal(ctx context.Context, opts PublishSignalOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Record the send in the publishing workflow's history, if the signal
	// originates from inside a run rather than from a builder.
	if opts.FromWorkflowID != uuid.Nil {
		from, ok := s.workflows[opts.FromWorkflowID]
		if !ok {
			return api.ErrWorkflowNotFound
		}
		if existing := s.findEventLocked(from, opts.Location); existing == nil {
			from.events = append(from.events, &memEvent{
				loc:     opts.Location.Clone(),
				loopLoc: opts.LoopLocation.Clone(),
				ev: history.Event{
					Kind:       history.EventKindSignalSend,
					CreateTs:   s.now(),
					SignalID:   opts.SignalID,
					SignalName: opts.Name,
					SignalBody: opts.Body,
				},
			})
		}
	}

	s.signals = append(s.signals, &memSignal{
		id:         opts.SignalID,
		name:       opts.Name,
		body:       opts.Body,
		createTs:   s.now(),
		workflowID: opts.WorkflowID,
		tags:       opts.Tags.Clone(),
	})
	return nil
}

func (s *MemoryStore) PullNextSignal(ctx context.Context, opts PullSignalOpts) (*api.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[opts.WorkflowID]
	if !ok {
		return nil, api.ErrWorkflowNotFound
	}

	names := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		names[n] = true
	}

	var match *memSignal
	for _, sig := range s.signals {
		if sig.acked || !names[sig.name] {
			continue
		}
		if !s.signalTargetsLocked(sig, wf) {
			continue
		}
		if match == nil || sig.createTs.Before(match.createTs) {
			match = sig
		}
	}
	if match == nil {
		return nil, nil
	}

	// Consume the signal and commit the history event atomically with it.
	match.acked = true
	wf.events = append(wf.events, &memEvent{
		loc:     opts.Location.Clone(),
		loopLoc: opts.LoopLocation.Clone(),
		ev: history.Event{
			Kind:       history.EventKindSignal,
			CreateTs:   s.now(),
			SignalID:   match.id,
			SignalName: match.name,
			SignalBody: match.body,
		},
	})

	return &api.Signal{
		ID:       match.id,
		Name:     match.name,
		Body:     match.body,
		CreateTs: match.createTs,
	}, nil
}

func (s *MemoryStore) signalTargetsLocked(sig *memSignal, wf *memWorkflow) bool {
	if sig.workflowID != uuid.Nil {
		return sig.workflowID == wf.rec.ID
	}
	if len(sig.tags) == 0 {
		return false
	}
	return sig.tags.Matches(wf.rec.Tags)
}

func (s *MemoryStore) CommitSleepEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, deadline time.Time, loopLocation history.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrWorkflowNotFound
	}
	if s.findEventLocked(wf, location) != nil {
		return nil
	}
	wf.events = append(wf.events, &memEvent{
		loc:     location.Clone(),
		loopLoc: loopLocation.Clone(),
		ev: history.Event{
			Kind:     history.EventKindSleep,
			CreateTs: s.now(),
			Deadline: deadline,
		},
	})
	return nil
}

func (s *MemoryStore) CommitMessageSendEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, name string, body json.RawMessage, loopLocation history.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrWorkflowNotFound
	}
	if s.findEventLocked(wf, location) != nil {
		return nil
	}
	wf.events = append(wf.events, &memEvent{
		loc:     location.Clone(),
		loopLoc: loopLocation.Clone(),
		ev: history.Event{
			Kind:        history.EventKindMessageSend,
			CreateTs:    s.now(),
			MessageName: name,
			SignalBody:  body,
		},
	})
	return nil
}

func (s *MemoryStore) UpdateLoop(ctx context.Context, workflowID uuid.UUID, location history.Location, iteration int, output json.RawMessage, loopLocation history.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrWorkflowNotFound
	}

	if row := s.findEventLocked(wf, location); row != nil {
		row.ev.Iteration = iteration
		row.ev.LoopOutput = output
		return nil
	}

	wf.events = append(wf.events, &memEvent{
		loc:     location.Clone(),
		loopLoc: loopLocation.Clone(),
		ev: history.Event{
			Kind:       history.EventKindLoop,
			CreateTs:   s.now(),
			Iteration:  iteration,
			LoopOutput: output,
		},
	})
	return nil
}

func (s *MemoryStore) PullWakeableWorkflows(ctx context.Context, now time.Time, limit int) ([]*api.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*api.WorkflowRecord
	for _, wf := range s.workflows {
		if s.wakeableLocked(wf, now) {
			rec := wf.rec
			out = append(out, &rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreateTs.Before(out[j].CreateTs) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) wakeableLocked(wf *memWorkflow, now time.Time) bool {
	rec := &wf.rec
	switch rec.State {
	case api.StateCompleted, api.StateFailed:
		return false
	case api.StateRunning:
		// Dispatched but never driven to a wake condition.
		return true
	}

	if rec.Immediate {
		return true
	}
	if rec.WakeDeadline != nil && !rec.WakeDeadline.After(now) {
		return true
	}
	if len(rec.WakeSignals) > 0 {
		names := make(map[string]bool, len(rec.WakeSignals))
		for _, n := range rec.WakeSignals {
			names[n] = true
		}
		for _, sig := range s.signals {
			if !sig.acked && names[sig.name] && s.signalTargetsLocked(sig, wf) {
				return true
			}
		}
	}
	if rec.WakeSubWorkflowID != nil {
		if sub, ok := s.workflows[*rec.WakeSubWorkflowID]; ok && sub.rec.HasOutput() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, workflowID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[workflowID]; ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[workflowID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, workflowID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[workflowID]; ok && l.owner == owner {
		delete(s.leases, workflowID)
	}
	return nil
}
