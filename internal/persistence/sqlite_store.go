package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/keel/internal/history"
	"github.com/petrijr/keel/pkg/api"
)

// SQLiteStore is a Database backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Database.
var _ Database = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			create_ts INTEGER NOT NULL,
			ray_id TEXT NOT NULL,
			input BLOB,
			tags TEXT NOT NULL DEFAULT '{}',
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			immediate INTEGER NOT NULL DEFAULT 0,
			wake_deadline INTEGER,
			wake_signals TEXT,
			wake_sub_workflow_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name, state);

		CREATE TABLE IF NOT EXISTS workflow_events (
			workflow_id TEXT NOT NULL,
			location TEXT NOT NULL,
			branch TEXT NOT NULL,
			idx INTEGER NOT NULL,
			loop_location TEXT,
			kind TEXT NOT NULL,
			create_ts INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			input_hash INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			output BLOB,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			sub_workflow_id TEXT,
			signal_id TEXT,
			signal_body BLOB,
			deadline INTEGER,
			iteration INTEGER NOT NULL DEFAULT 0,
			loop_output BLOB,
			PRIMARY KEY (workflow_id, location)
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_branch ON workflow_events(workflow_id, branch, idx);

		CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			body BLOB,
			create_ts INTEGER NOT NULL,
			workflow_id TEXT,
			tags TEXT,
			ack_ts INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(name, ack_ts);

		CREATE TABLE IF NOT EXISTS leases (
			workflow_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) DispatchWorkflow(ctx context.Context, opts DispatchWorkflowOpts) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	id, err := s.dispatchTx(ctx, tx, opts)
	if err != nil {
		return uuid.Nil, err
	}
	return id, tx.Commit()
}

func (s *SQLiteStore) dispatchTx(ctx context.Context, tx *sql.Tx, opts DispatchWorkflowOpts) (uuid.UUID, error) {
	if opts.Unique {
		if id, ok, err := s.findExistingTx(ctx, tx, opts.Name, opts.Tags); err != nil {
			return uuid.Nil, err
		} else if ok {
			return id, nil
		}
	}

	id := opts.WorkflowID
	if id == uuid.Nil {
		id = uuid.New()
	}

	tags, err := json.Marshal(opts.Tags)
	if err != nil {
		return uuid.Nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, create_ts, ray_id, input, tags, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		opts.Name,
		time.Now().UnixNano(),
		opts.RayID.String(),
		[]byte(opts.Input),
		string(tags),
		string(api.StateRunning),
	)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *SQLiteStore) findExistingTx(ctx context.Context, tx *sql.Tx, name string, tags api.Tags) (uuid.UUID, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, tags FROM workflows
		WHERE name = ? AND state != ?`,
		name, string(api.StateFailed),
	)
	if err != nil {
		return uuid.Nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var idStr, tagsStr string
		if err := rows.Scan(&idStr, &tagsStr); err != nil {
			return uuid.Nil, false, err
		}
		var existing api.Tags
		if err := json.Unmarshal([]byte(tagsStr), &existing); err != nil {
			return uuid.Nil, false, err
		}
		if tags.Matches(existing) && existing.Matches(tags) {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return uuid.Nil, false, err
			}
			return id, true, nil
		}
	}
	return uuid.Nil, false, rows.Err()
}

const workflowColumns = `id, name, create_ts, ray_id, input, tags, output, error, state, immediate, wake_deadline, wake_signals, wake_sub_workflow_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*api.WorkflowRecord, error) {
	var (
		rec          api.WorkflowRecord
		idStr        string
		createTs     int64
		rayStr       string
		tagsStr      string
		stateStr     string
		immediate    int
		wakeDeadline sql.NullInt64
		wakeSignals  sql.NullString
		wakeSub      sql.NullString
	)

	err := row.Scan(
		&idStr, &rec.Name, &createTs, &rayStr, (*[]byte)(&rec.Input), &tagsStr,
		(*[]byte)(&rec.Output), &rec.Error, &stateStr, &immediate,
		&wakeDeadline, &wakeSignals, &wakeSub,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrWorkflowNotFound
		}
		return nil, err
	}

	if rec.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if rec.RayID, err = uuid.Parse(rayStr); err != nil {
		return nil, err
	}
	rec.CreateTs = time.Unix(0, createTs)
	if err := json.Unmarshal([]byte(tagsStr), &rec.Tags); err != nil {
		return nil, err
	}
	rec.State = api.WorkflowState(stateStr)
	rec.Immediate = immediate != 0

	if wakeDeadline.Valid {
		t := time.Unix(0, wakeDeadline.Int64)
		rec.WakeDeadline = &t
	}
	if wakeSignals.Valid && wakeSignals.String != "" {
		if err := json.Unmarshal([]byte(wakeSignals.String), &rec.WakeSignals); err != nil {
			return nil, err
		}
	}
	if wakeSub.Valid && wakeSub.String != "" {
		id, err := uuid.Parse(wakeSub.String)
		if err != nil {
			return nil, err
		}
		rec.WakeSubWorkflowID = &id
	}
	return &rec, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*api.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id.String())
	return scanWorkflow(row)
}

func (s *SQLiteStore) GetWorkflowHistory(ctx context.Context, id uuid.UUID) (*history.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location, kind, create_ts, name, input_hash, input, output,
		       error_count, last_error, sub_workflow_id, signal_id, signal_body,
		       deadline, iteration, loop_output
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY branch ASC, idx ASC`,
		id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := history.New()
	for rows.Next() {
		var (
			locStr    string
			kind      string
			createTs  int64
			inputHash int64
			ev        history.Event
			subID     sql.NullString
			sigID     sql.NullString
			deadline  sql.NullInt64
		)
		err := rows.Scan(
			&locStr, &kind, &createTs, &ev.ActivityName, &inputHash,
			(*[]byte)(&ev.Input), (*[]byte)(&ev.Output),
			&ev.ErrorCount, &ev.LastError, &subID, &sigID,
			(*[]byte)(&ev.SignalBody), &deadline, &ev.Iteration,
			(*[]byte)(&ev.LoopOutput),
		)
		if err != nil {
			return nil, err
		}

		ev.Kind = history.EventKind(kind)
		ev.CreateTs = time.Unix(0, createTs)
		ev.InputHash = uint64(inputHash)

		// The name column is shared across kinds.
		switch ev.Kind {
		case history.EventKindSubWorkflow:
			ev.SubWorkflowName = ev.ActivityName
			ev.ActivityName = ""
		case history.EventKindSignal, history.EventKindSignalSend:
			ev.SignalName = ev.ActivityName
			ev.ActivityName = ""
		case history.EventKindMessageSend:
			ev.MessageName = ev.ActivityName
			ev.ActivityName = ""
		}

		if subID.Valid && subID.String != "" {
			if ev.SubWorkflowID, err = uuid.Parse(subID.String); err != nil {
				return nil, err
			}
		}
		if sigID.Valid && sigID.String != "" {
			if ev.SignalID, err = uuid.Parse(sigID.String); err != nil {
				return nil, err
			}
		}
		if deadline.Valid {
			ev.Deadline = time.Unix(0, deadline.Int64)
		}

		loc, err := history.ParseLocation(locStr)
		if err != nil {
			return nil, err
		}
		h.Insert(loc, ev)
	}
	return h, rows.Err()
}

func (s *SQLiteStore) CommitWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET output = ?, state = ?, error = '', immediate = 0,
		    wake_deadline = NULL, wake_signals = NULL, wake_sub_workflow_id = NULL
		WHERE id = ?`,
		[]byte(output), string(api.StateCompleted), id.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) FailWorkflow(ctx context.Context, opts FailWorkflowOpts) error {
	if opts.Fatal {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflows
			SET state = ?, error = ?, immediate = 0,
			    wake_deadline = NULL, wake_signals = NULL, wake_sub_workflow_id = NULL
			WHERE id = ?`,
			string(api.StateFailed), opts.Error, opts.WorkflowID.String(),
		)
		if err != nil {
			return err
		}
		return requireRow(res)
	}

	var wakeDeadline any
	if opts.WakeDeadline != nil {
		wakeDeadline = opts.WakeDeadline.UnixNano()
	}
	var wakeSignals any
	if len(opts.WakeSignals) > 0 {
		data, err := json.Marshal(opts.WakeSignals)
		if err != nil {
			return err
		}
		wakeSignals = string(data)
	}
	var wakeSub any
	if opts.WakeSubWorkflowID != nil {
		wakeSub = opts.WakeSubWorkflowID.String()
	}
	immediate := 0
	if opts.Immediate {
		immediate = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET state = ?, error = ?, immediate = ?,
		    wake_deadline = ?, wake_signals = ?, wake_sub_workflow_id = ?
		WHERE id = ?`,
		string(api.StateSleeping), opts.Error, immediate,
		wakeDeadline, wakeSignals, wakeSub, opts.WorkflowID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) CommitActivityEvent(ctx context.Context, ev ActivityEvent) error {
	if ev.Result.Error != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_events
			SET error_count = error_count + 1, last_error = ?
			WHERE workflow_id = ? AND location = ?`,
			ev.Result.Error, ev.WorkflowID.String(), ev.Location.String(),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			return nil
		}
		return s.insertEvent(ctx, s.db, ev.WorkflowID, ev.Location, ev.LoopLocation, history.Event{
			Kind:         history.EventKindActivity,
			CreateTs:     ev.CreateTs,
			ActivityName: ev.Name,
			InputHash:    ev.InputHash,
			Input:        ev.Input,
			ErrorCount:   1,
			LastError:    ev.Result.Error,
		})
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_events
		SET output = ?, last_error = ''
		WHERE workflow_id = ? AND location = ?`,
		[]byte(ev.Result.Output), ev.WorkflowID.String(), ev.Location.String(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	return s.insertEvent(ctx, s.db, ev.WorkflowID, ev.Location, ev.LoopLocation, history.Event{
		Kind:         history.EventKindActivity,
		CreateTs:     ev.CreateTs,
		ActivityName: ev.Name,
		InputHash:    ev.InputHash,
		Input:        ev.Input,
		Output:       ev.Result.Output,
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, ex execer, workflowID uuid.UUID, loc, loopLoc history.Location, ev history.Event) error {
	var loopStr any
	if loopLoc != nil {
		loopStr = loopLoc.String()
	}
	var subID, sigID any
	if ev.SubWorkflowID != uuid.Nil {
		subID = ev.SubWorkflowID.String()
	}
	if ev.SignalID != uuid.Nil {
		sigID = ev.SignalID.String()
	}
	var deadline any
	if !ev.Deadline.IsZero() {
		deadline = ev.Deadline.UnixNano()
	}

	createTs := ev.CreateTs
	if createTs.IsZero() {
		createTs = time.Now()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO workflow_events (
			workflow_id, location, branch, idx, loop_location, kind, create_ts,
			name, input_hash, input, output, error_count, last_error,
			sub_workflow_id, signal_id, signal_body, deadline, iteration, loop_output
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID.String(),
		loc.String(),
		loc.Parent().String(),
		loc.Tail(),
		loopStr,
		string(ev.Kind),
		createTs.UnixNano(),
		ev.Name(),
		int64(ev.InputHash),
		[]byte(ev.Input),
		[]byte(ev.Output),
		ev.ErrorCount,
		ev.LastError,
		subID,
		sigID,
		[]byte(ev.SignalBody),
		deadline,
		ev.Iteration,
		[]byte(ev.LoopOutput),
	)
	return err
}

func (s *SQLiteStore) DispatchSubWorkflow(ctx context.Context, opts DispatchSubWorkflowOpts) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	id, err := s.dispatchTx(ctx, tx, opts.DispatchWorkflowOpts)
	if err != nil {
		return uuid.Nil, err
	}

	err = s.insertEvent(ctx, tx, opts.ParentID, opts.Location, opts.LoopLocation, history.Event{
		Kind:            history.EventKindSubWorkflow,
		SubWorkflowID:   id,
		SubWorkflowName: opts.Name,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, tx.Commit()
}

func (s *SQLiteStore) PublishSignal(ctx context.Context, opts PublishSignalOpts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if opts.FromWorkflowID != uuid.Nil {
		// A retried commit may have recorded the send already.
		exists, err := s.eventExists(ctx, opts.FromWorkflowID, opts.Location)
		if err != nil {
			return err
		}
		if !exists {
			err = s.insertEvent(ctx, tx, opts.FromWorkflowID, opts.Location, opts.LoopLocation, history.Event{
				Kind:       history.EventKindSignalSend,
				SignalID:   opts.SignalID,
				SignalName: opts.Name,
				SignalBody: opts.Body,
			})
			if err != nil {
				return err
			}
		}
	}

	var target, tags any
	if opts.WorkflowID != uuid.Nil {
		target = opts.WorkflowID.String()
	}
	if opts.Tags != nil {
		data, err := json.Marshal(opts.Tags)
		if err != nil {
			return err
		}
		tags = string(data)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (id, name, body, create_ts, workflow_id, tags)
		VALUES (?, ?, ?, ?, ?, ?)`,
		opts.SignalID.String(),
		opts.Name,
		[]byte(opts.Body),
		time.Now().UnixNano(),
		target,
		tags,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PullNextSignal(ctx context.Context, opts PullSignalOpts) (*api.Signal, error) {
	wf, err := s.GetWorkflow(ctx, opts.WorkflowID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sig, err := s.matchSignalTx(ctx, tx, wf, opts.Names)
	if err != nil || sig == nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE signals SET ack_ts = ? WHERE id = ? AND ack_ts IS NULL`,
		time.Now().UnixNano(), sig.ID.String(),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// Raced with another consumer.
		return nil, nil
	}

	err = s.insertEvent(ctx, tx, opts.WorkflowID, opts.Location, opts.LoopLocation, history.Event{
		Kind:       history.EventKindSignal,
		SignalID:   sig.ID,
		SignalName: sig.Name,
		SignalBody: sig.Body,
	})
	if err != nil {
		return nil, err
	}
	return sig, tx.Commit()
}

func (s *SQLiteStore) matchSignalTx(ctx context.Context, tx *sql.Tx, wf *api.WorkflowRecord, names []string) (*api.Signal, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, body, create_ts, workflow_id, tags
		FROM signals
		WHERE ack_ts IS NULL AND name IN (?` + placeholders(len(names)-1) + `)
		ORDER BY create_ts ASC`
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr    string
			sig      api.Signal
			createTs int64
			target   sql.NullString
			tagsStr  sql.NullString
		)
		if err := rows.Scan(&idStr, &sig.Name, (*[]byte)(&sig.Body), &createTs, &target, &tagsStr); err != nil {
			return nil, err
		}
		if sig.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		sig.CreateTs = time.Unix(0, createTs)

		if target.Valid && target.String != "" {
			if target.String == wf.ID.String() {
				return &sig, nil
			}
			continue
		}
		if tagsStr.Valid && tagsStr.String != "" {
			var tags api.Tags
			if err := json.Unmarshal([]byte(tagsStr.String), &tags); err != nil {
				return nil, err
			}
			if len(tags) > 0 && tags.Matches(wf.Tags) {
				return &sig, nil
			}
		}
	}
	return nil, rows.Err()
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *SQLiteStore) CommitSleepEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, deadline time.Time, loopLocation history.Location) error {
	if ok, err := s.eventExists(ctx, workflowID, location); err != nil || ok {
		return err
	}
	return s.insertEvent(ctx, s.db, workflowID, location, loopLocation, history.Event{
		Kind:     history.EventKindSleep,
		Deadline: deadline,
	})
}

func (s *SQLiteStore) CommitMessageSendEvent(ctx context.Context, workflowID uuid.UUID, location history.Location, name string, body json.RawMessage, loopLocation history.Location) error {
	if ok, err := s.eventExists(ctx, workflowID, location); err != nil || ok {
		return err
	}
	return s.insertEvent(ctx, s.db, workflowID, location, loopLocation, history.Event{
		Kind:        history.EventKindMessageSend,
		MessageName: name,
		SignalBody:  body,
	})
}

func (s *SQLiteStore) eventExists(ctx context.Context, workflowID uuid.UUID, location history.Location) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_events WHERE workflow_id = ? AND location = ?`,
		workflowID.String(), location.String(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) UpdateLoop(ctx context.Context, workflowID uuid.UUID, location history.Location, iteration int, output json.RawMessage, loopLocation history.Location) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_events
		SET iteration = ?, loop_output = ?
		WHERE workflow_id = ? AND location = ?`,
		iteration, []byte(output), workflowID.String(), location.String(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	return s.insertEvent(ctx, s.db, workflowID, location, loopLocation, history.Event{
		Kind:       history.EventKindLoop,
		Iteration:  iteration,
		LoopOutput: output,
	})
}

func (s *SQLiteStore) PullWakeableWorkflows(ctx context.Context, now time.Time, limit int) ([]*api.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE state IN (?, ?) AND output IS NULL
		ORDER BY create_ts ASC`,
		string(api.StateRunning), string(api.StateSleeping),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*api.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*api.WorkflowRecord
	for _, rec := range candidates {
		ok, err := s.wakeable(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *SQLiteStore) wakeable(ctx context.Context, rec *api.WorkflowRecord, now time.Time) (bool, error) {
	if rec.State == api.StateRunning {
		return true, nil
	}
	if rec.Immediate {
		return true, nil
	}
	if rec.WakeDeadline != nil && !rec.WakeDeadline.After(now) {
		return true, nil
	}
	if len(rec.WakeSignals) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		sig, err := s.matchSignalTx(ctx, tx, rec, rec.WakeSignals)
		tx.Rollback()
		if err != nil {
			return false, err
		}
		if sig != nil {
			return true, nil
		}
	}
	if rec.WakeSubWorkflowID != nil {
		sub, err := s.GetWorkflow(ctx, *rec.WakeSubWorkflowID)
		if err != nil && !errors.Is(err, api.ErrWorkflowNotFound) {
			return false, err
		}
		if sub != nil && sub.HasOutput() {
			return true, nil
		}
	}
	return false, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, workflowID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (workflow_id, owner, expires)
		VALUES (?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE
		SET owner = excluded.owner, expires = excluded.expires
		WHERE leases.owner = excluded.owner OR leases.expires <= ?`,
		workflowID.String(), owner, expires, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, workflowID uuid.UUID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE workflow_id = ? AND owner = ?`,
		workflowID.String(), owner,
	)
	return err
}
