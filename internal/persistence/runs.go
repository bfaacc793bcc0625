package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskflow/internal/coordinator"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID             string     `json:"id"`
	Objective      string     `json:"objective"`
	PlanPath       string     `json:"plan_path,omitempty"`
	State          string     `json:"state"`
	Error          string     `json:"error,omitempty"`
	Workers        int        `json:"workers"`
	TasksTotal     int        `json:"tasks_total"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	Dispatches     int64      `json:"dispatches"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// TaskRecord is the final state of one task of a run.
type TaskRecord struct {
	RunID       string `json:"run_id"`
	TaskID      int    `json:"task_id"`
	Description string `json:"description"`
	DependsOn   []int  `json:"depends_on,omitempty"`
	Status      string `json:"status"`
	Retries     int    `json:"retries"`
	Label       string `json:"label,omitempty"`
	Result      string `json:"result,omitempty"`
}

// EventRecord is one journaled scheduler event.
type EventRecord struct {
	EventID   int64     `json:"event_id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	TaskID    int       `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// BeginRun records a run in the "planning" state.
func (s *Store) BeginRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	if rec.State == "" {
		rec.State = string(coordinator.StatePlanning)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.StartedAt = rec.StartedAt.UTC()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, objective, plan_path, state, workers, started_at)
			VALUES (?, ?, ?, ?, ?, ?);`,
			rec.ID, rec.Objective, rec.PlanPath, rec.State, rec.Workers, rec.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// FinishRun stores the terminal state, counters and final task table of a
// run. runErr may be nil.
func (s *Store) FinishRun(ctx context.Context, report *coordinator.Report, runErr error) error {
	if report == nil {
		return errors.New("report is required")
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	finished := time.Now().UTC()

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET state = ?, error = ?, tasks_total = ?, tasks_completed = ?,
				tasks_failed = ?, dispatches = ?, finished_at = ?
			WHERE id = ?;`,
			string(report.State), errText, report.Stats.TasksTotal, report.Stats.TasksCompleted,
			report.Stats.TasksFailed, report.Stats.DispatchCount, finished, report.RunID,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, report.RunID)
		}

		for _, t := range report.Tasks {
			deps, _ := json.Marshal(t.DependsOn)
			if t.DependsOn == nil {
				deps = []byte("[]")
			}
			result := ""
			if t.Result != nil {
				result = t.Result.Message
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_tasks (run_id, task_id, description, depends_on, status, retries, label, result)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, task_id) DO UPDATE SET
					status = excluded.status, retries = excluded.retries, result = excluded.result;`,
				report.RunID, t.ID, t.Description, string(deps), string(t.Status), t.Retries, t.Label, result,
			); err != nil {
				return fmt.Errorf("insert run task %d: %w", t.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}
		return nil
	})
}

// AppendEvent journals one scheduler event.
func (s *Store) AppendEvent(ctx context.Context, ev coordinator.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := ev.Message
	if ev.Kind == coordinator.EventOrchestrationFailed {
		msg = ev.Error
	}
	created := ev.Time
	if created.IsZero() {
		created = time.Now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_events (run_id, kind, task_id, status, level, message, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			ev.RunID, string(ev.Kind), ev.TaskID, string(ev.Status), string(ev.Level), msg, string(payload), created.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
		return nil
	})
}

const runColumns = `id, objective, plan_path, state, error, workers, tasks_total, tasks_completed,
	tasks_failed, dispatches, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec      RunRecord
		finished sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Objective, &rec.PlanPath, &rec.State, &rec.Error, &rec.Workers,
		&rec.TasksTotal, &rec.TasksCompleted, &rec.TasksFailed, &rec.Dispatches, &rec.StartedAt, &finished)
	if err != nil {
		return RunRecord{}, err
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRunTasks returns the final task table of a run in id order.
func (s *Store) ListRunTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, description, depends_on, status, retries, label, result
		FROM run_tasks WHERE run_id = ? ORDER BY task_id;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec  TaskRecord
			deps string
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Description, &deps, &rec.Status, &rec.Retries, &rec.Label, &rec.Result); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &rec.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for task %d: %w", rec.TaskID, err)
		}
		if len(rec.DependsOn) == 0 {
			rec.DependsOn = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRunEvents returns a run's events in emission order. limit <= 0 means
// all events.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]EventRecord, error) {
	q := `SELECT event_id, run_id, kind, task_id, status, level, message, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY event_id`
	args := []any{runID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.EventID, &rec.RunID, &rec.Kind, &rec.TaskID, &rec.Status, &rec.Level,
			&rec.Message, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
