// Package concurrency implements admission control for scheduled
// runs: whether a run may start right now given its job's
// non-concurrency constraint and concurrency-group capacity, and the
// back-off delay to apply when it may not.
package concurrency

import (
	"math"
	"math/rand"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

// Occupancy tracks how many currently-running runs occupy each named
// concurrency group.
type Occupancy map[string]int

// Admit reports whether run may start now. A run is admissible iff
// its schedule_time has arrived, its job allows concurrent runs or no
// other run of that job is currently running, and either it lists no
// concurrency groups or at least one of them has free capacity. When multiple groups have
// capacity, one is chosen uniformly at random among them, so load
// spreads evenly across groups sharing identical capacity.
func Admit(now time.Time, j *job.Job, run *job.Run, running []*job.Run, occ Occupancy) (group *job.ConcurrencyGroup, ok bool) {
	if run.ScheduleTime.After(now) {
		return nil, false
	}

	if !j.ConcurrentRuns {
		for _, r := range running {
			if r.JobName == j.Name && r.ID != run.ID {
				return nil, false
			}
		}
	}

	if len(j.ConcurrencyGroups) == 0 {
		return nil, true
	}

	available := make([]*job.ConcurrencyGroup, 0, len(j.ConcurrencyGroups))
	for _, g := range j.ConcurrencyGroups {
		if occ[g.Name] < g.Max {
			available = append(available, g)
		}
	}
	if len(available) == 0 {
		return nil, false
	}
	return available[rand.Intn(len(available))], true // #nosec G404 -- fairness shuffle, not a security decision
}

// Backoff computes the deferred-run wake-up delay: clamp(2^ln(b-a), 5s,
// 300s) when b is after a, else 5s. Natural log (not log10/log2) per
// the documented formula.
func Backoff(scheduleTime, now time.Time) time.Duration {
	if !now.After(scheduleTime) {
		return 5 * time.Second
	}
	delta := now.Sub(scheduleTime).Seconds()
	if delta <= 0 {
		return 5 * time.Second
	}
	seconds := math.Pow(2, math.Log(delta))
	switch {
	case seconds < 5:
		seconds = 5
	case seconds > 300:
		seconds = 300
	}
	return time.Duration(seconds * float64(time.Second))
}
