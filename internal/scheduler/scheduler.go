// Package scheduler implements the daemon's main loop: trigger intake,
// admission of due runs, child reaping, max-execution and shutdown
// escalation, and config reload. It orchestrates internal/job,
// internal/concurrency, internal/executor, internal/trigger,
// internal/recurrence and internal/store without owning any of their
// internals.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rfinnie/dsari-go/internal/concurrency"
	"github.com/rfinnie/dsari-go/internal/config"
	"github.com/rfinnie/dsari-go/internal/executor"
	"github.com/rfinnie/dsari-go/internal/job"
	"github.com/rfinnie/dsari-go/internal/metrics"
	"github.com/rfinnie/dsari-go/internal/recurrence"
	"github.com/rfinnie/dsari-go/internal/store"
	"github.com/rfinnie/dsari-go/internal/trigger"
)

// idleWakeupInterval bounds how long the loop will sleep with nothing
// due: next_wakeup = min(now + 60s, min(wakeups)).
const idleWakeupInterval = 60 * time.Second

// sleepQuantum is the longest single increment the idle sleep waits
// before re-checking for an interrupting signal.
const sleepQuantum = time.Second

// runningRun pairs a live Run with its OS process handle.
type runningRun struct {
	run    *job.Run
	handle *executor.Handle
}

type reapEvent struct {
	rr     *runningRun
	result executor.Result
}

// Scheduler owns every piece of mutable scheduling state: the queue of
// not-yet-started runs, the set of live runs, and group occupancy. All
// of it is touched only from the goroutine running Run, at the phase
// boundary at the top of each iteration; every other goroutine (signal
// handling, child reaping) only ever writes to a channel.
type Scheduler struct {
	Jobs              map[string]*job.Job
	Groups            map[string]*job.ConcurrencyGroup
	DataDir           string
	ShutdownKillRuns  bool
	ShutdownKillGrace time.Duration
	Environment       map[string]string

	Store    store.Store
	Executor *executor.Executor
	Trigger  *trigger.Reader
	Logger   *slog.Logger

	scheduledRuns []*job.Run
	runningRuns   []*runningRun
	occupancy     concurrency.Occupancy

	shuttingDown  bool
	shutdownBegin time.Time

	reapCh      chan reapEvent
	wakeSig     chan struct{}
	shutdownSig chan struct{}
	reloadSig   chan *config.Config
	statusSig   chan chan string
}

// New builds a Scheduler from a loaded Config, ready to run.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		Jobs:              cfg.Jobs,
		Groups:            cfg.ConcurrencyGroups,
		DataDir:           cfg.DataDir,
		ShutdownKillRuns:  cfg.ShutdownKillRuns,
		ShutdownKillGrace: cfg.ShutdownKillGrace,
		Environment:       cfg.Environment,

		Store:    st,
		Executor: executor.New(cfg.DataDir, st),
		Trigger:  trigger.New(cfg.DataDir, true),
		Logger:   logger,

		occupancy: concurrency.Occupancy{},

		reapCh:      make(chan reapEvent, 16),
		wakeSig:     make(chan struct{}, 1),
		shutdownSig: make(chan struct{}, 1),
		reloadSig:   make(chan *config.Config, 1),
		statusSig:   make(chan chan string),
	}
	s.Executor.GlobalEnvironment = cfg.Environment
	return s
}

// RequestShutdown begins graceful shutdown, equivalent to receiving
// SIGINT or SIGTERM. Safe to call from any goroutine.
func (s *Scheduler) RequestShutdown() {
	select {
	case s.shutdownSig <- struct{}{}:
	default:
	}
	s.Wake()
}

// RequestReload hands the loop a freshly-loaded Config to switch to at
// the next phase boundary, equivalent to SIGHUP.
func (s *Scheduler) RequestReload(cfg *config.Config) {
	select {
	case s.reloadSig <- cfg:
	default:
	}
	s.Wake()
}

// RequestStatus asks the loop for a status snapshot (SIGQUIT) and
// blocks until it is produced or ctx is done.
func (s *Scheduler) RequestStatus(ctx context.Context) string {
	respCh := make(chan string, 1)
	s.Wake()
	select {
	case s.statusSig <- respCh:
	case <-ctx.Done():
		return ""
	}
	select {
	case msg := <-respCh:
		return msg
	case <-ctx.Done():
		return ""
	}
}

// Wake interrupts any in-progress sleep or reap wait so the loop
// re-evaluates promptly, equivalent to SIGUSR1.
func (s *Scheduler) Wake() {
	select {
	case s.wakeSig <- struct{}{}:
	default:
	}
}

// Run executes the scheduler loop until shutdown completes or ctx is
// canceled. It clears any stale running rows left by a previous
// instance, queues the first scheduled run for every job with a
// schedule, then iterates until shutdown and every run has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Store.ClearRunning(ctx); err != nil {
		return fmt.Errorf("scheduler: clear running rows: %w", err)
	}
	s.initScheduledRuns(time.Now())
	s.Logger.Info("scheduler started", "jobs", len(s.Jobs), "data_dir", s.DataDir)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.drainControlSignals()

		var wakeups []time.Time
		now := time.Now()

		if !s.shuttingDown {
			s.processTriggers()
		}

		wakeups = append(wakeups, s.admitScheduledRuns(ctx, now)...)
		wakeups = append(wakeups, s.enforceMaxExecution(now)...)

		if deadline, pending := s.enforceShutdownEscalation(now); pending {
			wakeups = append(wakeups, deadline)
		}

		nextWakeup := now.Add(idleWakeupInterval)
		for _, w := range wakeups {
			if w.Before(nextWakeup) {
				nextWakeup = w
			}
		}

		metrics.SetScheduledRuns(len(s.scheduledRuns))
		metrics.SetRunningRuns(len(s.runningRuns))

		switch {
		case len(s.runningRuns) > 0:
			if err := s.waitForReapOrDeadline(ctx, nextWakeup); err != nil {
				return err
			}
		case s.shuttingDown:
			s.Logger.Info("shutdown complete")
			return nil
		default:
			s.sleepUntil(ctx, nextWakeup)
		}
	}
}

// drainControlSignals applies every pending shutdown/reload/status
// request at this phase boundary, before the loop touches scheduling
// state for this iteration.
func (s *Scheduler) drainControlSignals() {
	for {
		select {
		case <-s.shutdownSig:
			s.beginShutdown()
		case cfg := <-s.reloadSig:
			s.applyReload(cfg)
		case respCh := <-s.statusSig:
			respCh <- s.statusSnapshot()
		default:
			return
		}
	}
}

func (s *Scheduler) beginShutdown() {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.shutdownBegin = time.Now()
	s.scheduledRuns = nil
	for _, rr := range s.runningRuns {
		rr.run.Respawn = false
	}

	if s.ShutdownKillRuns {
		s.Logger.Info("shutdown requested, terminating live runs", "running", len(s.runningRuns))
		for _, rr := range s.runningRuns {
			s.sendTerm(rr)
		}
		return
	}
	s.Logger.Info("shutdown requested, waiting for runs to drain", "running", len(s.runningRuns))
}

// enforceShutdownEscalation sends SIGKILL to every still-live run once
// shutdown_kill_grace has elapsed since shutdown began. The returned
// deadline is only meaningful when pending is true.
func (s *Scheduler) enforceShutdownEscalation(now time.Time) (deadline time.Time, pending bool) {
	if !s.shuttingDown || !s.ShutdownKillRuns || s.ShutdownKillGrace <= 0 {
		return time.Time{}, false
	}
	deadline = s.shutdownBegin.Add(s.ShutdownKillGrace)
	if !now.Before(deadline) {
		for _, rr := range s.runningRuns {
			s.sendKill(rr)
		}
		return time.Time{}, false
	}
	return deadline, true
}

// processTriggers runs trigger intake and folds every accepted run
// into scheduledRuns per the non-concurrent-replace rule.
func (s *Scheduler) processTriggers() {
	names := s.sortedJobNames()
	jobs := make([]*job.Job, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, s.Jobs[name])
	}

	runs, rejections := s.Trigger.Scan(jobs)
	for _, err := range rejections {
		s.Logger.Error("trigger rejected", "error", err)
	}
	for _, r := range runs {
		j, ok := s.Jobs[r.JobName]
		if !ok {
			continue
		}
		s.scheduledRuns = trigger.ReplaceQueued(s.scheduledRuns, j, r)
		s.Logger.Info("trigger accepted", "job", j.Name, "run", r.ID, "schedule_time", r.ScheduleTime)
	}
}

// admitScheduledRuns attempts admission for a randomly-shuffled copy
// of scheduledRuns, launching every run that clears it and returning a
// back-off wake-up for every one that does not. Random order avoids
// starving late queue entries.
func (s *Scheduler) admitScheduledRuns(ctx context.Context, now time.Time) []time.Time {
	var wakeups []time.Time
	order := rand.Perm(len(s.scheduledRuns))
	started := make(map[int]bool, len(order))

	for _, idx := range order {
		r := s.scheduledRuns[idx]
		j, ok := s.Jobs[r.JobName]
		if !ok {
			started[idx] = true // job vanished from config; drop silently
			continue
		}

		group, ok := concurrency.Admit(now, j, r, s.liveRuns(), s.occupancy)
		if !ok {
			wakeups = append(wakeups, now.Add(concurrency.Backoff(r.ScheduleTime, now)))
			continue
		}

		if err := s.launch(ctx, j, r, group); err != nil {
			s.Logger.Error("launch failed", "job", j.Name, "run", r.ID, "error", err)
			continue
		}
		started[idx] = true
	}

	if len(started) == 0 {
		return wakeups
	}
	remaining := s.scheduledRuns[:0]
	for i, r := range s.scheduledRuns {
		if !started[i] {
			remaining = append(remaining, r)
		}
	}
	s.scheduledRuns = remaining
	return wakeups
}

// launch starts r as a child process, records it as running, and (if
// r was itself a respawn run on a scheduled job) immediately queues
// its successor.
func (s *Scheduler) launch(ctx context.Context, j *job.Job, r *job.Run, group *job.ConcurrencyGroup) error {
	h, err := s.Executor.Launch(ctx, j, r, group)
	if err != nil {
		return err
	}

	rr := &runningRun{run: r, handle: h}
	s.runningRuns = append(s.runningRuns, rr)
	if group != nil {
		s.occupancy[group.Name]++
		metrics.SetGroupOccupancy(group.Name, s.occupancy[group.Name])
	}
	metrics.IncRunStarted(j.Name)
	s.Logger.Info("run started", "job", j.Name, "run", r.ID, "pid", h.PID(), "trigger_type", r.TriggerType)

	if r.Respawn && j.Schedule != "" {
		s.queueNextScheduledRun(j, time.Now())
	}

	go s.awaitReap(ctx, rr)
	return nil
}

func (s *Scheduler) awaitReap(ctx context.Context, rr *runningRun) {
	select {
	case res := <-rr.handle.Done():
		select {
		case s.reapCh <- reapEvent{rr: rr, result: res}:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}

// enforceMaxExecution applies each live run's max_execution limit,
// escalating SIGTERM after the limit and SIGKILL after the grace
// period, and returns the next decision instant for each.
func (s *Scheduler) enforceMaxExecution(now time.Time) []time.Time {
	wakeups := make([]time.Time, 0, len(s.runningRuns))
	for _, rr := range s.runningRuns {
		r := rr.run
		j := r.Job
		if j == nil || j.MaxExecution <= 0 {
			continue
		}

		// The wakeup is chosen by window unconditionally; only the
		// signal send is gated, so a run already signaled keeps a
		// future wakeup instead of spinning the loop.
		delta := now.Sub(r.StartTime)
		grace := j.MaxExecutionGrace
		switch {
		case delta > j.MaxExecution+grace:
			if !r.KillSent {
				s.Logger.Warn("max execution grace exceeded, sending SIGKILL", "job", r.JobName, "run", r.ID)
				s.sendKill(rr)
			}
			wakeups = append(wakeups, now.Add(5*time.Second))
		case delta > j.MaxExecution:
			if !r.TermSent {
				s.Logger.Warn("max execution exceeded, sending SIGTERM", "job", r.JobName, "run", r.ID)
				s.sendTerm(rr)
			}
			wakeups = append(wakeups, now.Add(grace))
		default:
			wakeups = append(wakeups, r.StartTime.Add(j.MaxExecution))
		}
	}
	return wakeups
}

func (s *Scheduler) sendTerm(rr *runningRun) {
	if rr.run.TermSent {
		return
	}
	rr.run.TermSent = true
	s.Logger.Info("sending SIGTERM", "job", rr.run.JobName, "run", rr.run.ID, "pid", rr.handle.PID())
	_ = syscall.Kill(rr.handle.PID(), syscall.SIGTERM)
}

func (s *Scheduler) sendKill(rr *runningRun) {
	if rr.run.KillSent {
		return
	}
	rr.run.KillSent = true
	s.Logger.Info("sending SIGKILL", "job", rr.run.JobName, "run", rr.run.ID, "pid", rr.handle.PID())
	_ = syscall.Kill(rr.handle.PID(), syscall.SIGKILL)
}

// waitForReapOrDeadline blocks until a child is reaped, the deadline
// passes, a signal wakes the loop, or ctx is canceled.
func (s *Scheduler) waitForReapOrDeadline(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ev := <-s.reapCh:
		return s.reap(ev)
	case <-timer.C:
	case <-s.wakeSig:
	case <-ctx.Done():
	}
	return nil
}

// sleepUntil idles in ≤1 s increments until deadline, any signal, or
// ctx cancellation.
func (s *Scheduler) sleepUntil(ctx context.Context, deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		chunk := remaining
		if chunk > sleepQuantum {
			chunk = sleepQuantum
		}

		timer := time.NewTimer(chunk)
		select {
		case <-timer.C:
		case <-s.wakeSig:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// reap finalizes a reaped run: exit code, persistence, metrics, and
// removal from the live set. A persistence failure is fatal; a run
// whose terminal row cannot be written would silently vanish from
// history.
func (s *Scheduler) reap(ev reapEvent) error {
	r := ev.rr.run
	r.StopTime = time.Now()
	r.ExitCode = ev.result.ExitCode
	r.HasExitCode = true
	s.ingestReturnData(r)

	s.removeRunning(ev.rr)
	if err := s.Store.InsertFinished(context.Background(), r); err != nil {
		return fmt.Errorf("scheduler: persist finished run %s/%s: %w", r.JobName, r.ID, err)
	}
	metrics.ObserveRunFinished(r.JobName, r.ExitCode, r.StopTime.Sub(r.StartTime).Seconds())
	s.Logger.Info("run finished", "job", r.JobName, "run", r.ID, "exit_code", r.ExitCode)
	return nil
}

// ingestReturnData best-effort reads return_data.json or
// return_data.yaml from the run directory into r.RunData["return_data"].
func (s *Scheduler) ingestReturnData(r *job.Run) {
	dir := executor.RunDir(s.DataDir, r.JobName, r.ID)
	for _, name := range []string{"return_data.json", "return_data.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var v any
		if strings.HasSuffix(name, ".yaml") {
			err = yaml.Unmarshal(data, &v)
		} else {
			err = json.Unmarshal(data, &v)
		}
		if err != nil {
			s.Logger.Debug("return_data parse failed", "job", r.JobName, "run", r.ID, "file", name, "error", err)
			return
		}
		r.RunData["return_data"] = v
		return
	}
}

func (s *Scheduler) removeRunning(target *runningRun) {
	out := s.runningRuns[:0]
	for _, rr := range s.runningRuns {
		if rr == target {
			if rr.run.ConcurrencyGroup != nil {
				name := rr.run.ConcurrencyGroup.Name
				s.occupancy[name]--
				metrics.SetGroupOccupancy(name, s.occupancy[name])
			}
			continue
		}
		out = append(out, rr)
	}
	s.runningRuns = out
}

func (s *Scheduler) liveRuns() []*job.Run {
	out := make([]*job.Run, len(s.runningRuns))
	for i, rr := range s.runningRuns {
		out[i] = rr.run
	}
	return out
}

// queueNextScheduledRun queues j's next respawn run after the given
// instant via the recurrence engine, in j's configured
// schedule_timezone (local time if unset).
func (s *Scheduler) queueNextScheduledRun(j *job.Job, after time.Time) {
	if j.Schedule == "" {
		return
	}
	loc := j.ScheduleTimezone
	if loc == nil {
		loc = time.Local
	}
	next, ok := recurrence.Next(j.Schedule, j.Name, after.In(loc))
	if !ok {
		s.Logger.Warn("schedule has no future occurrence", "job", j.Name, "schedule", j.Schedule)
		return
	}

	r := job.NewRun(j)
	r.TriggerType = "schedule"
	r.Respawn = true
	r.ScheduleTime = next
	s.scheduledRuns = append(s.scheduledRuns, r)
	s.Logger.Debug("queued scheduled run", "job", j.Name, "run", r.ID, "schedule_time", next)
}

func (s *Scheduler) initScheduledRuns(now time.Time) {
	for _, name := range s.sortedJobNames() {
		s.queueNextScheduledRun(s.Jobs[name], now)
	}
}

func (s *Scheduler) sortedJobNames() []string {
	names := make([]string, 0, len(s.Jobs))
	for name := range s.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyReload rebinds the scheduler to cfg: jobs and concurrency
// groups are replaced outright, scheduled_runs is rebuilt
// from scratch, and every live run's Job/ConcurrencyGroup pointers are
// rebound to the new config (or cleared, with respawn disabled, if its
// name no longer exists).
func (s *Scheduler) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}

	s.Jobs = cfg.Jobs
	s.Groups = cfg.ConcurrencyGroups
	s.Environment = cfg.Environment
	s.Executor.GlobalEnvironment = cfg.Environment
	s.DataDir = cfg.DataDir
	s.Executor.DataDir = cfg.DataDir
	s.Trigger.DataDir = cfg.DataDir
	s.ShutdownKillRuns = cfg.ShutdownKillRuns
	s.ShutdownKillGrace = cfg.ShutdownKillGrace

	s.scheduledRuns = nil
	s.initScheduledRuns(time.Now())

	s.occupancy = concurrency.Occupancy{}
	for _, rr := range s.runningRuns {
		r := rr.run
		if j, ok := s.Jobs[r.JobName]; ok {
			r.Job = j
		} else {
			r.Job = nil
			r.Respawn = false
		}
		if r.ConcurrencyGroup != nil {
			if g, ok := s.Groups[r.ConcurrencyGroup.Name]; ok {
				r.ConcurrencyGroup = g
			} else {
				r.ConcurrencyGroup = nil
			}
		}
		if r.ConcurrencyGroup != nil {
			s.occupancy[r.ConcurrencyGroup.Name]++
		}
	}

	s.Logger.Info("config reloaded", "jobs", len(s.Jobs), "concurrency_groups", len(s.Groups))
}

// statusSnapshot renders the SIGQUIT status dump: every running run
// with PID, uptime and group; every group's occupancy; every scheduled
// run with its next fire time and signed delta from now.
func (s *Scheduler) statusSnapshot() string {
	now := time.Now()
	var b strings.Builder

	fmt.Fprintf(&b, "dsari scheduler status at %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "running runs: %d\n", len(s.runningRuns))
	for _, rr := range s.runningRuns {
		group := "-"
		if rr.run.ConcurrencyGroup != nil {
			group = rr.run.ConcurrencyGroup.Name
		}
		fmt.Fprintf(&b, "  %s %s pid=%d uptime=%s group=%s\n",
			rr.run.JobName, rr.run.ID, rr.handle.PID(), now.Sub(rr.run.StartTime).Round(time.Second), group)
	}

	fmt.Fprintf(&b, "group occupancy:\n")
	for _, name := range sortedGroupNames(s.Groups) {
		g := s.Groups[name]
		fmt.Fprintf(&b, "  %s %d/%d\n", name, s.occupancy[name], g.Max)
	}

	fmt.Fprintf(&b, "scheduled runs: %d\n", len(s.scheduledRuns))
	for _, r := range s.scheduledRuns {
		fmt.Fprintf(&b, "  %s %s next=%s (%s)\n",
			r.JobName, r.ID, r.ScheduleTime.Format(time.RFC3339), r.ScheduleTime.Sub(now).Round(time.Second))
	}

	return b.String()
}

func sortedGroupNames(groups map[string]*job.ConcurrencyGroup) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
