package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

// sqlDialect isolates the one thing that differs between the three
// classic-SQL back-ends this package drives through database/sql:
// bound-parameter syntax. Schema and query text are otherwise shared.
type sqlDialect struct {
	name string
	// placeholder returns the bound-parameter marker for the nth
	// (1-based) parameter in a statement.
	placeholder func(n int) string
}

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
}

var mysqlDialect = sqlDialect{
	name:        "mysql",
	placeholder: func(int) string { return "?" },
}

var postgresDialect = sqlDialect{
	name: "postgres",
	placeholder: func(n int) string {
		return "$" + strconv.Itoa(n)
	},
}

// sqlStore implements Store over database/sql, shared by the sqlite,
// postgres, and mysql back-ends; only the driver name, DSN, and
// dialect differ between them.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLStore(driverName, dsn string, d sqlDialect) (*sqlStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, dialect: d}, nil
}

func (s *sqlStore) ph(n int) string { return s.dialect.placeholder(n) }

func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			job_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			schedule_time DOUBLE PRECISION,
			start_time DOUBLE PRECISION,
			stop_time DOUBLE PRECISION,
			exit_code INTEGER,
			trigger_type TEXT,
			trigger_data TEXT,
			run_data TEXT,
			PRIMARY KEY (run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs_running (
			job_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			schedule_time DOUBLE PRECISION,
			start_time DOUBLE PRECISION,
			trigger_type TEXT,
			trigger_data TEXT,
			run_data TEXT,
			PRIMARY KEY (run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS runs_job_name_stop_time_idx ON runs (job_name, stop_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// ChildCloseResources closes the connection pool in a forked child so
// the parent's in-flight queries are unaffected; the child never
// issues another query before exec.
func (s *sqlStore) ChildCloseResources() error {
	return s.db.Close()
}

func (s *sqlStore) InsertRunning(ctx context.Context, r *job.Run) error {
	triggerData, err := marshalBlob(r.TriggerData)
	if err != nil {
		return err
	}
	runData, err := marshalBlob(r.RunData)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(
		`INSERT INTO runs_running (job_name, run_id, schedule_time, start_time, trigger_type, trigger_data, run_data)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err = s.db.ExecContext(ctx, q,
		r.JobName, r.ID, epochOrNil(r.ScheduleTime), epochOrNil(r.StartTime), r.TriggerType, triggerData, runData)
	if err != nil {
		return fmt.Errorf("store: insert running: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertFinished(ctx context.Context, r *job.Run) error {
	triggerData, err := marshalBlob(r.TriggerData)
	if err != nil {
		return err
	}
	runData, err := marshalBlob(r.RunData)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert finished: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertQ := fmt.Sprintf(
		`INSERT INTO runs (job_name, run_id, schedule_time, start_time, stop_time, exit_code, trigger_type, trigger_data, run_data)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	if _, err := tx.ExecContext(ctx, insertQ,
		r.JobName, r.ID, epochOrNil(r.ScheduleTime), epochOrNil(r.StartTime), epochOrNil(r.StopTime), r.ExitCode,
		r.TriggerType, triggerData, runData); err != nil {
		return fmt.Errorf("store: insert finished: %w", err)
	}

	deleteQ := fmt.Sprintf(`DELETE FROM runs_running WHERE run_id = %s`, s.ph(1))
	if _, err := tx.ExecContext(ctx, deleteQ, r.ID); err != nil {
		return fmt.Errorf("store: insert finished: clear running row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: insert finished: commit: %w", err)
	}
	return nil
}

func (s *sqlStore) ClearRunning(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs_running`); err != nil {
		return fmt.Errorf("store: clear running: %w", err)
	}
	return nil
}

func (s *sqlStore) PreviousRuns(ctx context.Context, jobName string) (prev, prevGood, prevBad *job.RunSnapshot, err error) {
	prev, err = s.latestSnapshot(ctx, jobName, "")
	if err != nil {
		return nil, nil, nil, err
	}
	prevGood, err = s.latestSnapshot(ctx, jobName, "good")
	if err != nil {
		return nil, nil, nil, err
	}
	prevBad, err = s.latestSnapshot(ctx, jobName, "bad")
	if err != nil {
		return nil, nil, nil, err
	}
	return prev, prevGood, prevBad, nil
}

func (s *sqlStore) latestSnapshot(ctx context.Context, jobName, kind string) (*job.RunSnapshot, error) {
	where := fmt.Sprintf("job_name = %s", s.ph(1))
	switch kind {
	case "good":
		where += " AND exit_code = 0"
	case "bad":
		where += " AND exit_code <> 0"
	}
	q := fmt.Sprintf(
		`SELECT run_id, schedule_time, start_time, stop_time, exit_code
		 FROM runs WHERE %s ORDER BY stop_time DESC LIMIT 1`, where)
	row := s.db.QueryRowContext(ctx, q, jobName)

	var id string
	var scheduleTime, startTime, stopTime sql.NullFloat64
	var exitCode int
	if err := row.Scan(&id, &scheduleTime, &startTime, &stopTime, &exitCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: previous runs: %w", err)
	}
	return &job.RunSnapshot{
		ID:           id,
		ScheduleTime: timeFromNullEpoch(scheduleTime),
		StartTime:    timeFromNullEpoch(startTime),
		StopTime:     timeFromNullEpoch(stopTime),
		ExitCode:     exitCode,
	}, nil
}

func (s *sqlStore) GetRuns(ctx context.Context, filter Filter) ([]*job.Run, error) {
	var where []string
	var args []any
	n := 1

	if len(filter.JobNames) > 0 {
		marks := make([]string, len(filter.JobNames))
		for i, name := range filter.JobNames {
			marks[i] = s.ph(n)
			args = append(args, name)
			n++
		}
		where = append(where, "job_name IN ("+strings.Join(marks, ", ")+")")
	}
	if len(filter.RunIDs) > 0 {
		marks := make([]string, len(filter.RunIDs))
		for i, id := range filter.RunIDs {
			marks[i] = s.ph(n)
			args = append(args, id)
			n++
		}
		where = append(where, "run_id IN ("+strings.Join(marks, ", ")+")")
	}

	q := `SELECT job_name, run_id, schedule_time, start_time, stop_time, exit_code, trigger_type, trigger_data, run_data FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY stop_time DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get runs: %w", err)
	}
	defer rows.Close()

	var out []*job.Run
	for rows.Next() {
		var r job.Run
		var scheduleTime, startTime, stopTime sql.NullFloat64
		var triggerType, triggerData, runData sql.NullString
		if err := rows.Scan(&r.JobName, &r.ID, &scheduleTime, &startTime, &stopTime, &r.ExitCode,
			&triggerType, &triggerData, &runData); err != nil {
			return nil, fmt.Errorf("store: get runs: scan: %w", err)
		}
		r.HasExitCode = true
		r.ScheduleTime = timeFromNullEpoch(scheduleTime)
		r.StartTime = timeFromNullEpoch(startTime)
		r.StopTime = timeFromNullEpoch(stopTime)
		r.TriggerType = triggerType.String
		if r.TriggerData, err = unmarshalBlob(triggerData.String); err != nil {
			return nil, fmt.Errorf("store: get runs: trigger_data: %w", err)
		}
		if r.RunData, err = unmarshalBlob(runData.String); err != nil {
			return nil, fmt.Errorf("store: get runs: run_data: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Instants are stored as floating-point seconds since the epoch so the
// sub-second schedule offsets survive a round trip.
func epochOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return epochFloat(t)
}

func epochFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromNullEpoch(n sql.NullFloat64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return timeFromEpochFloat(n.Float64)
}

func timeFromEpochFloat(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
