// Package job defines the core data model shared across the scheduler:
// Job and ConcurrencyGroup (static configuration) and Run (one
// invocation of a Job's command).
package job

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// NamePattern is the allowed character set for Job and ConcurrencyGroup
// names.
var NamePattern = regexp.MustCompile(`^[- A-Za-z0-9_+.:@]+$`)

// ValidName reports whether name is usable as a Job or ConcurrencyGroup
// identifier: non-empty, at most 64 bytes, matching NamePattern, and
// not a path component ("." / ".." / containing "/").
func ValidName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return false
		}
	}
	return NamePattern.MatchString(name)
}

// ConcurrencyGroup is a named capacity bucket. At most Max runs drawn
// from any job listing this group may be in running_runs at once.
type ConcurrencyGroup struct {
	Name string
	Max  int
}

// Job is a static, named unit of work: a command line, an optional
// recurring schedule, and the limits/membership that govern its runs.
type Job struct {
	Name string

	Command []string

	// Schedule is a cron-like expression, a @-shorthand, or an
	// "RRULE:"-prefixed iCalendar recurrence rule. Empty means the job
	// is manual-trigger only.
	Schedule         string
	ScheduleTimezone *time.Location

	MaxExecution      time.Duration // 0 means unlimited
	MaxExecutionGrace time.Duration // default 60s, applied only when MaxExecution is set

	Environment map[string]string

	RenderReports      bool
	CommandAppendRun   bool
	JenkinsEnvironment bool
	JobGroup           string
	ConcurrentRuns     bool

	ConcurrencyGroups []*ConcurrencyGroup
}

// NewJob returns a Job with the documented defaults applied.
func NewJob(name string) *Job {
	return &Job{
		Name:              name,
		Environment:       map[string]string{},
		RenderReports:     true,
		MaxExecutionGrace: 60 * time.Second,
	}
}

// Run is one invocation of a Job's command.
type Run struct {
	ID      string
	JobName string
	Job     *Job // nil once the owning job disappears from config

	TriggerType string // "schedule" or "file"
	TriggerData map[string]any
	RunData     map[string]any

	ScheduleTime time.Time
	StartTime    time.Time
	StopTime     time.Time
	ExitCode     int
	HasExitCode  bool

	ConcurrencyGroup *ConcurrencyGroup

	PreviousRun     *RunSnapshot
	PreviousGoodRun *RunSnapshot
	PreviousBadRun  *RunSnapshot

	Respawn bool

	// Runtime-only bookkeeping, never persisted.
	PID      int
	TermSent bool
	KillSent bool
}

// RunSnapshot is the immutable subset of a finished Run exposed to a
// later run's environment and to previousRuns() callers.
type RunSnapshot struct {
	ID           string
	ScheduleTime time.Time
	StartTime    time.Time
	StopTime     time.Time
	ExitCode     int
}

// NewRun creates a Run owned by job, with a fresh UUID v4 id.
func NewRun(j *Job) *Run {
	name := ""
	if j != nil {
		name = j.Name
	}
	return &Run{
		ID:          uuid.NewString(),
		JobName:     name,
		Job:         j,
		TriggerData: map[string]any{},
		RunData:     map[string]any{},
	}
}

// Snapshot reduces a finished run to the fields exposed to its
// successors' environments.
func (r *Run) Snapshot() *RunSnapshot {
	return &RunSnapshot{
		ID:           r.ID,
		ScheduleTime: r.ScheduleTime,
		StartTime:    r.StartTime,
		StopTime:     r.StopTime,
		ExitCode:     r.ExitCode,
	}
}
