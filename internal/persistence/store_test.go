package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/pkg/api"
)

// storeFactories returns one factory per Database implementation so every
// contract test runs against all of them.
func storeFactories() map[string]func(t *testing.T) Database {
	return map[string]func(t *testing.T) Database{
		"in-memory": func(t *testing.T) Database {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Database {
			db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "keel.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })

			store, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("init sqlite store: %v", err)
			}
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, db Database)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func dispatch(t *testing.T, db Database, name string, tags api.Tags) uuid.UUID {
	t.Helper()
	id, err := db.DispatchWorkflow(context.Background(), DispatchWorkflowOpts{
		RayID:      uuid.New(),
		WorkflowID: uuid.New(),
		Name:       name,
		Tags:       tags,
		Input:      []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return id
}

func TestDispatchAndGetWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()

		id := dispatch(t, db, "order", api.Tags{"customer": "42"})

		rec, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Name != "order" || rec.State != api.StateRunning {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if rec.Tags["customer"] != "42" {
			t.Fatalf("tags not persisted: %+v", rec.Tags)
		}
		if string(rec.Input) != `{"n":1}` {
			t.Fatalf("input not persisted: %s", rec.Input)
		}
		if rec.HasOutput() {
			t.Fatalf("fresh workflow must not have output")
		}

		if _, err := db.GetWorkflow(ctx, uuid.New()); !errors.Is(err, api.ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
	})
}

func TestUniqueDispatchReusesRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		tags := api.Tags{"job": "nightly"}

		first, err := db.DispatchWorkflow(ctx, DispatchWorkflowOpts{
			RayID: uuid.New(), WorkflowID: uuid.New(), Name: "report", Tags: tags, Unique: true,
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}

		second, err := db.DispatchWorkflow(ctx, DispatchWorkflowOpts{
			RayID: uuid.New(), WorkflowID: uuid.New(), Name: "report", Tags: tags, Unique: true,
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if second != first {
			t.Fatalf("unique dispatch created a duplicate: %s vs %s", first, second)
		}

		// Different tags mean a different logical run.
		third, err := db.DispatchWorkflow(ctx, DispatchWorkflowOpts{
			RayID: uuid.New(), WorkflowID: uuid.New(), Name: "report",
			Tags: api.Tags{"job": "weekly"}, Unique: true,
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if third == first {
			t.Fatalf("distinct tags must not collapse into one run")
		}

		// A failed run is not reusable.
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: first, Fatal: true, Error: "boom"}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		fourth, err := db.DispatchWorkflow(ctx, DispatchWorkflowOpts{
			RayID: uuid.New(), WorkflowID: uuid.New(), Name: "report", Tags: tags, Unique: true,
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if fourth == first {
			t.Fatalf("failed run must not be reused")
		}
	})
}

func TestCommitWorkflowClearsWakeState(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		deadline := time.Now().Add(time.Hour)
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{
			WorkflowID: id, WakeDeadline: &deadline, Error: "sleeping",
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		rec, _ := db.GetWorkflow(ctx, id)
		if rec.State != api.StateSleeping || rec.WakeDeadline == nil {
			t.Fatalf("expected sleeping with deadline, got %+v", rec)
		}

		if err := db.CommitWorkflow(ctx, id, []byte(`{"ok":true}`)); err != nil {
			t.Fatalf("commit: %v", err)
		}
		rec, _ = db.GetWorkflow(ctx, id)
		if rec.State != api.StateCompleted || !rec.HasOutput() {
			t.Fatalf("expected completed, got %+v", rec)
		}
		if rec.WakeDeadline != nil || rec.Error != "" {
			t.Fatalf("wake state not cleared: %+v", rec)
		}
	})
}

func TestFailWorkflowFatal(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: id, Fatal: true, Error: "boom"}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		rec, _ := db.GetWorkflow(ctx, id)
		if rec.State != api.StateFailed || rec.Error != "boom" {
			t.Fatalf("unexpected record: %+v", rec)
		}

		recs, err := db.PullWakeableWorkflows(ctx, time.Now().Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if len(recs) != 0 {
			t.Fatalf("failed workflow must never be wakeable")
		}
	})
}

func TestCommitActivityEventAccumulatesFailures(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)
		loc := history.Location{0}

		ev := ActivityEvent{
			WorkflowID: id,
			Location:   loc,
			Name:       "charge",
			InputHash:  7,
			CreateTs:   time.Now(),
			Input:      []byte(`{"n":1}`),
			Result:     ActivityResult{Error: "first"},
		}
		if err := db.CommitActivityEvent(ctx, ev); err != nil {
			t.Fatalf("commit: %v", err)
		}
		ev.Result = ActivityResult{Error: "second"}
		if err := db.CommitActivityEvent(ctx, ev); err != nil {
			t.Fatalf("commit: %v", err)
		}

		h, err := db.GetWorkflowHistory(ctx, id)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		got := h.At(history.RootLocation, 0)
		if got == nil || got.Kind != history.EventKindActivity {
			t.Fatalf("missing activity event")
		}
		if got.ErrorCount != 2 || got.LastError != "second" {
			t.Fatalf("error count not monotonic: %+v", got)
		}
		if got.HasOutput() {
			t.Fatalf("failed activity must not have output")
		}

		// A later success fills the output at the same location.
		ev.Result = ActivityResult{Output: []byte(`"done"`)}
		if err := db.CommitActivityEvent(ctx, ev); err != nil {
			t.Fatalf("commit: %v", err)
		}
		h, _ = db.GetWorkflowHistory(ctx, id)
		got = h.At(history.RootLocation, 0)
		if !got.HasOutput() || string(got.Output) != `"done"` {
			t.Fatalf("success not recorded: %+v", got)
		}
		if got.InputHash != 7 || got.ActivityName != "charge" {
			t.Fatalf("activity identity lost: %+v", got)
		}
	})
}

func TestHistoryPreservesBranchOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		commit := func(loc history.Location, name string) {
			t.Helper()
			err := db.CommitActivityEvent(ctx, ActivityEvent{
				WorkflowID: id, Location: loc, Name: name,
				CreateTs: time.Now(), Result: ActivityResult{Output: []byte(`1`)},
			})
			if err != nil {
				t.Fatalf("commit %s: %v", name, err)
			}
		}

		commit(history.Location{0}, "a")
		commit(history.Location{1}, "b")
		commit(history.Location{1, 0}, "nested")
		commit(history.Location{2}, "c")

		h, err := db.GetWorkflowHistory(ctx, id)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		root := h.Branch(history.RootLocation)
		if len(root) != 3 {
			t.Fatalf("expected 3 root events, got %d", len(root))
		}
		for i, want := range []string{"a", "b", "c"} {
			if root[i].ActivityName != want {
				t.Fatalf("root[%d] = %s, want %s", i, root[i].ActivityName, want)
			}
		}
		if ev := h.At(history.Location{1}, 0); ev == nil || ev.ActivityName != "nested" {
			t.Fatalf("nested branch lost: %+v", ev)
		}
	})
}

func TestPullNextSignalConsumesOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		sigID := uuid.New()
		err := db.PublishSignal(ctx, PublishSignalOpts{
			RayID:    uuid.New(),
			SignalID: sigID,
			Name:     "paid",
			Body:     []byte(`{"amount":10}`),

			WorkflowID: id,
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}

		// Pulling a name the signal does not carry finds nothing.
		sig, err := db.PullNextSignal(ctx, PullSignalOpts{
			WorkflowID: id, WorkflowName: "order", Names: []string{"cancelled"},
			Location: history.Location{0},
		})
		if err != nil || sig != nil {
			t.Fatalf("expected no signal, got %+v, %v", sig, err)
		}

		sig, err = db.PullNextSignal(ctx, PullSignalOpts{
			WorkflowID: id, WorkflowName: "order", Names: []string{"cancelled", "paid"},
			Location: history.Location{0},
		})
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if sig == nil || sig.ID != sigID || sig.Name != "paid" {
			t.Fatalf("unexpected signal: %+v", sig)
		}

		// The pull committed the history event atomically.
		h, _ := db.GetWorkflowHistory(ctx, id)
		ev := h.At(history.RootLocation, 0)
		if ev == nil || ev.Kind != history.EventKindSignal || ev.SignalID != sigID {
			t.Fatalf("signal event not committed: %+v", ev)
		}

		// Consumed exactly once.
		sig, err = db.PullNextSignal(ctx, PullSignalOpts{
			WorkflowID: id, WorkflowName: "order", Names: []string{"paid"},
			Location: history.Location{1},
		})
		if err != nil || sig != nil {
			t.Fatalf("signal consumed twice: %+v, %v", sig, err)
		}
	})
}

func TestTaggedSignalDelivery(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		match := dispatch(t, db, "order", api.Tags{"customer": "42", "region": "eu"})
		other := dispatch(t, db, "order", api.Tags{"customer": "43"})

		err := db.PublishSignal(ctx, PublishSignalOpts{
			RayID: uuid.New(), SignalID: uuid.New(), Name: "paid",
			Tags: api.Tags{"customer": "42"},
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}

		// The non-matching workflow sees nothing.
		sig, err := db.PullNextSignal(ctx, PullSignalOpts{
			WorkflowID: other, WorkflowName: "order", Names: []string{"paid"},
			Location: history.Location{0},
		})
		if err != nil || sig != nil {
			t.Fatalf("tag mismatch delivered: %+v, %v", sig, err)
		}

		sig, err = db.PullNextSignal(ctx, PullSignalOpts{
			WorkflowID: match, WorkflowName: "order", Names: []string{"paid"},
			Location: history.Location{0},
		})
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if sig == nil {
			t.Fatalf("tagged signal not delivered to matching workflow")
		}
	})
}

func TestPublishSignalFromWorkflowRecordsSendEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		from := dispatch(t, db, "parent", nil)
		to := dispatch(t, db, "child", nil)

		opts := PublishSignalOpts{
			RayID:          uuid.New(),
			FromWorkflowID: from,
			Location:       history.Location{0},
			SignalID:       uuid.New(),
			Name:           "go",
			WorkflowID:     to,
		}
		if err := db.PublishSignal(ctx, opts); err != nil {
			t.Fatalf("publish: %v", err)
		}
		// Replayed commit at the same location is a no-op for history.
		if err := db.PublishSignal(ctx, opts); err != nil {
			t.Fatalf("republish: %v", err)
		}

		h, _ := db.GetWorkflowHistory(ctx, from)
		if h.Len() != 1 {
			t.Fatalf("expected one signal_send event, got %d", h.Len())
		}
		ev := h.At(history.RootLocation, 0)
		if ev.Kind != history.EventKindSignalSend || ev.SignalID != opts.SignalID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	})
}

func TestDispatchSubWorkflowRecordsParentEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		parent := dispatch(t, db, "parent", nil)

		childID, err := db.DispatchSubWorkflow(ctx, DispatchSubWorkflowOpts{
			DispatchWorkflowOpts: DispatchWorkflowOpts{
				RayID: uuid.New(), WorkflowID: uuid.New(), Name: "child",
				Input: []byte(`{}`),
			},
			ParentID: parent,
			Location: history.Location{0},
		})
		if err != nil {
			t.Fatalf("dispatch sub: %v", err)
		}

		child, err := db.GetWorkflow(ctx, childID)
		if err != nil || child.Name != "child" {
			t.Fatalf("child not created: %+v, %v", child, err)
		}

		h, _ := db.GetWorkflowHistory(ctx, parent)
		ev := h.At(history.RootLocation, 0)
		if ev == nil || ev.Kind != history.EventKindSubWorkflow {
			t.Fatalf("parent event missing: %+v", ev)
		}
		if ev.SubWorkflowID != childID || ev.SubWorkflowName != "child" {
			t.Fatalf("unexpected parent event: %+v", ev)
		}
	})
}

func TestUpdateLoopUpserts(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)
		loc := history.Location{0}

		if err := db.UpdateLoop(ctx, id, loc, 0, nil, nil); err != nil {
			t.Fatalf("create loop: %v", err)
		}
		if err := db.UpdateLoop(ctx, id, loc, 3, nil, nil); err != nil {
			t.Fatalf("advance loop: %v", err)
		}

		h, _ := db.GetWorkflowHistory(ctx, id)
		ev := h.At(history.RootLocation, 0)
		if ev == nil || ev.Kind != history.EventKindLoop || ev.Iteration != 3 {
			t.Fatalf("unexpected loop event: %+v", ev)
		}
		if ev.LoopOutput != nil {
			t.Fatalf("loop finished early: %+v", ev)
		}

		if err := db.UpdateLoop(ctx, id, loc, 4, []byte(`"result"`), nil); err != nil {
			t.Fatalf("finish loop: %v", err)
		}
		h, _ = db.GetWorkflowHistory(ctx, id)
		ev = h.At(history.RootLocation, 0)
		if ev.Iteration != 4 || string(ev.LoopOutput) != `"result"` {
			t.Fatalf("loop output not recorded: %+v", ev)
		}
		if h.Len() != 1 {
			t.Fatalf("loop updates must not duplicate the event")
		}
	})
}

func TestSleepAndMessageEventsAreIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		deadline := time.Now().Add(time.Minute).Truncate(time.Millisecond)
		if err := db.CommitSleepEvent(ctx, id, history.Location{0}, deadline, nil); err != nil {
			t.Fatalf("sleep: %v", err)
		}
		if err := db.CommitSleepEvent(ctx, id, history.Location{0}, deadline.Add(time.Hour), nil); err != nil {
			t.Fatalf("sleep again: %v", err)
		}

		if err := db.CommitMessageSendEvent(ctx, id, history.Location{1}, "order_update", []byte(`{}`), nil); err != nil {
			t.Fatalf("message: %v", err)
		}
		if err := db.CommitMessageSendEvent(ctx, id, history.Location{1}, "order_update", []byte(`{}`), nil); err != nil {
			t.Fatalf("message again: %v", err)
		}

		h, _ := db.GetWorkflowHistory(ctx, id)
		if h.Len() != 2 {
			t.Fatalf("expected 2 events, got %d", h.Len())
		}
		// The first committed deadline wins.
		if ev := h.At(history.RootLocation, 0); !ev.Deadline.Equal(deadline) {
			t.Fatalf("sleep deadline overwritten: %s vs %s", ev.Deadline, deadline)
		}
		if ev := h.At(history.RootLocation, 1); ev.Kind != history.EventKindMessageSend || ev.MessageName != "order_update" {
			t.Fatalf("unexpected message event: %+v", ev)
		}
	})
}

func TestPullWakeableWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		now := time.Now()

		running := dispatch(t, db, "running", nil)

		sleeping := dispatch(t, db, "far-deadline", nil)
		far := now.Add(time.Hour)
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: sleeping, WakeDeadline: &far, Error: "zzz"}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		due := dispatch(t, db, "due-deadline", nil)
		past := now.Add(-time.Second)
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: due, WakeDeadline: &past, Error: "zzz"}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		signaled := dispatch(t, db, "awaiting-signal", nil)
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: signaled, WakeSignals: []string{"paid"}, Error: "no signal"}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		// Parked without a wake condition but flagged for immediate requeue.
		parked := dispatch(t, db, "parked", nil)
		if err := db.FailWorkflow(ctx, FailWorkflowOpts{WorkflowID: parked, Immediate: true, Error: "requeue"}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		recs, err := db.PullWakeableWorkflows(ctx, now, 10)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		ids := map[uuid.UUID]bool{}
		for _, rec := range recs {
			ids[rec.ID] = true
		}
		if !ids[running] || !ids[due] || !ids[parked] {
			t.Fatalf("running, due, and immediate runs must be wakeable, got %v", ids)
		}
		if ids[sleeping] || ids[signaled] {
			t.Fatalf("future deadline and unsignaled runs must stay asleep, got %v", ids)
		}

		// Publishing the awaited signal makes the run wakeable.
		if err := db.PublishSignal(ctx, PublishSignalOpts{
			RayID: uuid.New(), SignalID: uuid.New(), Name: "paid", WorkflowID: signaled,
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		recs, _ = db.PullWakeableWorkflows(ctx, now, 10)
		found := false
		for _, rec := range recs {
			if rec.ID == signaled {
				found = true
			}
		}
		if !found {
			t.Fatalf("pending signal must wake the run")
		}
	})
}

func TestPullWakeableOnSubWorkflowCompletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		parent := dispatch(t, db, "parent", nil)

		childID, err := db.DispatchSubWorkflow(ctx, DispatchSubWorkflowOpts{
			DispatchWorkflowOpts: DispatchWorkflowOpts{
				RayID: uuid.New(), WorkflowID: uuid.New(), Name: "child",
			},
			ParentID: parent,
			Location: history.Location{0},
		})
		if err != nil {
			t.Fatalf("dispatch sub: %v", err)
		}

		if err := db.FailWorkflow(ctx, FailWorkflowOpts{
			WorkflowID: parent, WakeSubWorkflowID: &childID, Error: "awaiting child",
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		wakeable := func() bool {
			recs, err := db.PullWakeableWorkflows(ctx, time.Now(), 10)
			if err != nil {
				t.Fatalf("pull: %v", err)
			}
			for _, rec := range recs {
				if rec.ID == parent {
					return true
				}
			}
			return false
		}

		if wakeable() {
			t.Fatalf("parent woke before child completed")
		}
		if err := db.CommitWorkflow(ctx, childID, []byte(`"done"`)); err != nil {
			t.Fatalf("commit child: %v", err)
		}
		if !wakeable() {
			t.Fatalf("parent must wake once child committed output")
		}
	})
}

func TestLeaseLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		ok, err := db.TryAcquireLease(ctx, id, "runner-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first acquire: %v, %v", ok, err)
		}

		// Another owner is fenced off.
		ok, err = db.TryAcquireLease(ctx, id, "runner-b", time.Minute)
		if err != nil || ok {
			t.Fatalf("contended acquire should fail: %v, %v", ok, err)
		}

		// The holder may reacquire (renew).
		ok, err = db.TryAcquireLease(ctx, id, "runner-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("renew: %v, %v", ok, err)
		}

		// Releasing with the wrong owner is a no-op.
		if err := db.ReleaseLease(ctx, id, "runner-b"); err != nil {
			t.Fatalf("foreign release: %v", err)
		}
		ok, _ = db.TryAcquireLease(ctx, id, "runner-b", time.Minute)
		if ok {
			t.Fatalf("foreign release must not break the lease")
		}

		if err := db.ReleaseLease(ctx, id, "runner-a"); err != nil {
			t.Fatalf("release: %v", err)
		}
		ok, err = db.TryAcquireLease(ctx, id, "runner-b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire after release: %v, %v", ok, err)
		}
	})
}

func TestLeaseExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		id := dispatch(t, db, "order", nil)

		ok, err := db.TryAcquireLease(ctx, id, "runner-a", 20*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("acquire: %v, %v", ok, err)
		}

		time.Sleep(40 * time.Millisecond)

		ok, err = db.TryAcquireLease(ctx, id, "runner-b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("expired lease must be claimable: %v, %v", ok, err)
		}
	})
}
