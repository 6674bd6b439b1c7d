package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/rfinnie/dsari-go/internal/job"
)

// ClickHouseStore is the document-store back-end option: runs and
// running rows are written as flat rows with JSON-text trigger/run
// data blobs, using the native ClickHouse client rather than
// database/sql.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouse opens a ClickHouse connection. addr is a single
// "host:port" native-protocol endpoint.
func NewClickHouse(addr, database, username, password string) (*ClickHouseStore, error) {
	if database == "" {
		database = "default"
	}
	if username == "" {
		username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: clickhouse open: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: clickhouse ping: %w", err)
	}
	return &ClickHouseStore{conn: conn}, nil
}

func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			job_name String,
			run_id String,
			schedule_time Float64,
			start_time Float64,
			stop_time Float64,
			exit_code Int32,
			trigger_type String,
			trigger_data String,
			run_data String
		) ENGINE = MergeTree ORDER BY (job_name, stop_time)`,
		`CREATE TABLE IF NOT EXISTS runs_running (
			job_name String,
			run_id String,
			schedule_time Float64,
			start_time Float64,
			trigger_type String,
			trigger_data String,
			run_data String
		) ENGINE = MergeTree ORDER BY (job_name, run_id)`,
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: clickhouse ensure schema: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) Close() error { return s.conn.Close() }

func (s *ClickHouseStore) ChildCloseResources() error { return s.conn.Close() }

func (s *ClickHouseStore) InsertRunning(ctx context.Context, r *job.Run) error {
	triggerData, err := marshalBlob(r.TriggerData)
	if err != nil {
		return err
	}
	runData, err := marshalBlob(r.RunData)
	if err != nil {
		return err
	}
	err = s.conn.Exec(ctx,
		`INSERT INTO runs_running (job_name, run_id, schedule_time, start_time, trigger_type, trigger_data, run_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.JobName, r.ID, epochOrZero(r.ScheduleTime), epochOrZero(r.StartTime), r.TriggerType, triggerData, runData)
	if err != nil {
		return fmt.Errorf("store: clickhouse insert running: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) InsertFinished(ctx context.Context, r *job.Run) error {
	triggerData, err := marshalBlob(r.TriggerData)
	if err != nil {
		return err
	}
	runData, err := marshalBlob(r.RunData)
	if err != nil {
		return err
	}
	err = s.conn.Exec(ctx,
		`INSERT INTO runs (job_name, run_id, schedule_time, start_time, stop_time, exit_code, trigger_type, trigger_data, run_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobName, r.ID, epochOrZero(r.ScheduleTime), epochOrZero(r.StartTime), epochOrZero(r.StopTime), r.ExitCode,
		r.TriggerType, triggerData, runData)
	if err != nil {
		return fmt.Errorf("store: clickhouse insert finished: %w", err)
	}
	if err := s.conn.Exec(ctx, `ALTER TABLE runs_running DELETE WHERE run_id = ?`, r.ID); err != nil {
		return fmt.Errorf("store: clickhouse clear running row: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) ClearRunning(ctx context.Context) error {
	if err := s.conn.Exec(ctx, `ALTER TABLE runs_running DELETE WHERE 1 = 1`); err != nil {
		return fmt.Errorf("store: clickhouse clear running: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) PreviousRuns(ctx context.Context, jobName string) (prev, prevGood, prevBad *job.RunSnapshot, err error) {
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

func (s *ClickHouseStore) latestSnapshot(ctx context.Context, jobName, kind string) (*job.RunSnapshot, error) {
	where := "job_name = ?"
	switch kind {
	case "good":
		where += " AND exit_code = 0"
	case "bad":
		where += " AND exit_code <> 0"
	}
	q := fmt.Sprintf(
		`SELECT run_id, schedule_time, start_time, stop_time, exit_code
		 FROM runs WHERE %s ORDER BY stop_time DESC LIMIT 1`, where)
	row := s.conn.QueryRow(ctx, q, jobName)

	var id string
	var scheduleTime, startTime, stopTime float64
	var exitCode int32
	if err := row.Scan(&id, &scheduleTime, &startTime, &stopTime, &exitCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: clickhouse previous runs: %w", err)
	}
	return &job.RunSnapshot{
		ID:           id,
		ScheduleTime: timeFromEpochFloat(scheduleTime),
		StartTime:    timeFromEpochFloat(startTime),
		StopTime:     timeFromEpochFloat(stopTime),
		ExitCode:     int(exitCode),
	}, nil
}

func (s *ClickHouseStore) GetRuns(ctx context.Context, filter Filter) ([]*job.Run, error) {
	q := `SELECT job_name, run_id, schedule_time, start_time, stop_time, exit_code, trigger_type, trigger_data, run_data FROM runs`
	var conds []string
	var args []any
	if len(filter.JobNames) > 0 {
		conds = append(conds, "job_name IN (?)")
		args = append(args, filter.JobNames)
	}
	if len(filter.RunIDs) > 0 {
		conds = append(conds, "run_id IN (?)")
		args = append(args, filter.RunIDs)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY stop_time DESC"

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: clickhouse get runs: %w", err)
	}
	defer rows.Close()

	var out []*job.Run
	for rows.Next() {
		var r job.Run
		var scheduleTime, startTime, stopTime float64
		var exitCode int32
		var triggerData, runData string
		if err := rows.Scan(&r.JobName, &r.ID, &scheduleTime, &startTime, &stopTime, &exitCode,
			&r.TriggerType, &triggerData, &runData); err != nil {
			return nil, fmt.Errorf("store: clickhouse get runs: scan: %w", err)
		}
		r.ExitCode = int(exitCode)
		r.HasExitCode = true
		r.ScheduleTime = timeFromEpochFloat(scheduleTime)
		r.StartTime = timeFromEpochFloat(startTime)
		r.StopTime = timeFromEpochFloat(stopTime)
		if r.TriggerData, err = unmarshalBlob(triggerData); err != nil {
			return nil, err
		}
		if r.RunData, err = unmarshalBlob(runData); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func epochOrZero(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return epochFloat(t)
}
