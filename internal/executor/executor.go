// Package executor turns an admitted run into a live OS process: it
// creates the run's working directory, captures the job's run
// history, records the running row, and starts the command with its
// assembled environment, output redirected to output.txt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rfinnie/dsari-go/internal/env"
	"github.com/rfinnie/dsari-go/internal/job"
	"github.com/rfinnie/dsari-go/internal/store"
)

// Executor launches admitted runs as child processes rooted under
// DataDir.
type Executor struct {
	DataDir           string
	Store             store.Store
	GlobalEnvironment map[string]string
}

// New returns an Executor persisting run state to s, rooted at dataDir.
func New(dataDir string, s store.Store) *Executor {
	return &Executor{DataDir: dataDir, Store: s}
}

// Result is a reaped child's outcome.
type Result struct {
	ExitCode int
	Err      error
}

// Handle is a launched run's live OS process.
type Handle struct {
	Run *job.Run

	cmd  *exec.Cmd
	done chan Result
}

// Done delivers the child's outcome exactly once, when it exits. The
// caller (the scheduler's reaping loop) selects on it alongside a
// wake-up deadline rather than blocking indefinitely.
func (h *Handle) Done() <-chan Result { return h.done }

// PID is the child's process ID, valid once Launch returns.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// RunDir, JobDir and TriggerDir are the canonical directories under a
// data directory.
func RunDir(dataDir, jobName, runID string) string {
	return filepath.Join(dataDir, "runs", jobName, runID)
}

func JobDir(dataDir, jobName string) string {
	return filepath.Join(dataDir, "runs", jobName)
}

func TriggerDir(dataDir string) string {
	return filepath.Join(dataDir, "trigger")
}

// Launch ensures the run directory exists, snapshots the job's
// previous runs onto r, persists the running row, then starts the
// command. The child's stdin is /dev/null and stdout/stderr are both
// output.txt inside the run directory; its working directory is the
// environment's PWD if that names an existing directory, else the run
// directory itself.
func (e *Executor) Launch(ctx context.Context, j *job.Job, r *job.Run, group *job.ConcurrencyGroup) (*Handle, error) {
	if len(j.Command) == 0 {
		return nil, fmt.Errorf("executor: job %q has no command", j.Name)
	}

	runDir := RunDir(e.DataDir, j.Name, r.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create run directory: %w", err)
	}

	prev, prevGood, prevBad, err := e.Store.PreviousRuns(ctx, j.Name)
	if err != nil {
		return nil, fmt.Errorf("executor: previous runs: %w", err)
	}
	r.PreviousRun, r.PreviousGoodRun, r.PreviousBadRun = prev, prevGood, prevBad
	r.ConcurrencyGroup = group
	r.StartTime = time.Now()

	if err := e.Store.InsertRunning(ctx, r); err != nil {
		return nil, fmt.Errorf("executor: insert running row: %w", err)
	}

	envSlice := env.Build(j, r, env.Context{
		DataDir:            e.DataDir,
		JobDir:             JobDir(e.DataDir, j.Name),
		RunDir:             runDir,
		TriggerDir:         TriggerDir(e.DataDir),
		GlobalEnvironment:  e.GlobalEnvironment,
		TriggerEnvironment: triggerEnvironment(r),
	})

	argv := append([]string{}, j.Command...)
	if j.CommandAppendRun {
		argv = append(argv, j.Name, r.ID)
	}

	outFile, err := os.OpenFile(filepath.Join(runDir, "output.txt"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("executor: open output.txt: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("executor: open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()

	// #nosec G204 -- argv comes from validated job configuration, not request input
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = envSlice
	cmd.Dir = env.PWDFromEnv(envSlice)
	if cmd.Dir == "" {
		cmd.Dir = runDir
	}
	cmd.Stdin = devNull
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	// Setpgid makes the child its own process-group leader, so a
	// signal sent to the daemon's process group does not also reach
	// it. exec() itself resets every caught-signal disposition to
	// default and closes no fd beyond the three passed here.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start: %w", err)
	}
	r.PID = cmd.Process.Pid

	h := &Handle{Run: r, cmd: cmd, done: make(chan Result, 1)}
	go func() {
		waitErr := cmd.Wait()
		h.done <- Result{ExitCode: ExitCode(waitErr), Err: waitErr}
	}()
	return h, nil
}

// ExitCode derives the 4.6.3 exit_code convention from an
// (*exec.Cmd).Wait error: 128+signal if the child was killed by a
// signal, its exit status otherwise, 0 for a nil error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

func triggerEnvironment(r *job.Run) map[string]string {
	v, ok := r.TriggerData["environment"]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]string)
	if !ok {
		return nil
	}
	return m
}
