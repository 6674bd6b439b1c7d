// Package store defines the pluggable persistence contract for runs:
// a single interface satisfied by several back-ends (embedded SQLite,
// PostgreSQL, MySQL, ClickHouse as a document-ish store), selected by
// the Type field of the database Config. All back-ends share one
// behavioral contract.
package store

import (
	"context"
	"encoding/json"

	"github.com/rfinnie/dsari-go/internal/job"
)

// Filter narrows GetRuns to a job-name set, a run-id set, or both
// (union within each set, intersection across sets). A nil/empty set
// means "no restriction on this dimension".
type Filter struct {
	JobNames []string
	RunIDs   []string
}

// Store is the persistence contract every back-end must satisfy.
// Implementations must be safe for concurrent use by multiple
// goroutines, except ChildCloseResources, which is for a forked child
// before exec. The daemon never calls it: runs are started through
// os/exec, which forks and execs in one step.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// InsertRunning atomically records a run that has started but not
	// finished.
	InsertRunning(ctx context.Context, r *job.Run) error

	// InsertFinished atomically records the terminal row and removes
	// the matching running row.
	InsertFinished(ctx context.Context, r *job.Run) error

	// ClearRunning removes every running row. Called once at daemon
	// startup, since a running row surviving a restart can only
	// describe a run whose child no longer exists.
	ClearRunning(ctx context.Context) error

	// PreviousRuns returns, for jobName, the finished run with the
	// greatest stop_time, the greatest stop_time with exit_code == 0,
	// and the greatest stop_time with exit_code != 0. Each return
	// value is nil if no such run exists.
	PreviousRuns(ctx context.Context, jobName string) (prev, prevGood, prevBad *job.RunSnapshot, err error)

	// GetRuns returns finished runs matching filter, newest first.
	GetRuns(ctx context.Context, filter Filter) ([]*job.Run, error)

	// ChildCloseResources releases backend handles (connections,
	// file descriptors) in a forked child, before exec. It must not
	// affect the parent's connection.
	ChildCloseResources() error

	Close() error
}

func marshalBlob(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalBlob(s string) (map[string]any, error) {
	v := map[string]any{}
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

