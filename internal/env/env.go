// Package env assembles the environment handed to a run's child
// process, in the deterministic, layered order the scheduler requires:
// minimal base, run context, concurrency group, previous-run
// snapshots, Jenkins compatibility variables, then global/job/trigger
// environment overrides, and finally PWD.
package env

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

// Context carries the per-run facts needed to build an environment,
// beyond the Job/Run pair themselves.
type Context struct {
	DataDir    string
	JobDir     string
	RunDir     string
	TriggerDir string

	GlobalEnvironment  map[string]string
	TriggerEnvironment map[string]string
}

// Build assembles the full environment for run, applying each layer in
// the documented order, later layers overwriting earlier ones on key
// collision. The returned slice is sorted for deterministic output and
// suitable for direct use as a child process's environment.
func Build(j *job.Job, r *job.Run, c Context) []string {
	m := map[string]string{}

	base(m)
	runContext(m, j, r, c)

	if r.ConcurrencyGroup != nil {
		m["CONCURRENCY_GROUP"] = r.ConcurrencyGroup.Name
	}

	previousRun(m, "PREVIOUS", r.PreviousRun)
	previousRun(m, "PREVIOUS_GOOD", r.PreviousGoodRun)
	previousRun(m, "PREVIOUS_BAD", r.PreviousBadRun)

	if j.JenkinsEnvironment {
		jenkins(m, j, r, c)
	}

	for k, v := range c.GlobalEnvironment {
		m[k] = v
	}
	for k, v := range j.Environment {
		m[k] = v
	}
	for k, v := range c.TriggerEnvironment {
		m[k] = v
	}

	m["PWD"] = WorkDir(m, c.RunDir)

	return toSlice(m)
}

// WorkDir returns the directory the child should chdir into: PWD from
// the assembled environment if it names an existing directory,
// otherwise runDir.
func WorkDir(m map[string]string, runDir string) string {
	if pwd, ok := m["PWD"]; ok && pwd != "" {
		if fi, err := os.Stat(pwd); err == nil && fi.IsDir() {
			return pwd
		}
	}
	return runDir
}

// PWDFromEnv extracts the PWD value from an environment slice built by
// Build, for callers (the Child Executor) that need the chosen working
// directory without re-walking the assembled map.
func PWDFromEnv(envSlice []string) string {
	for _, kv := range envSlice {
		if rest, ok := strings.CutPrefix(kv, "PWD="); ok {
			return rest
		}
	}
	return ""
}

func base(m map[string]string) {
	if u, err := user.Current(); err == nil {
		if u.Username != "" {
			m["LOGNAME"] = u.Username
		}
		if u.HomeDir != "" {
			m["HOME"] = u.HomeDir
		}
	}
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/bin:/bin"
	}

	m["PATH"] = path
	m["CI"] = "true"
	m["DSARI"] = "true"
}

func runContext(m map[string]string, j *job.Job, r *job.Run, c Context) {
	m["DATA_DIR"] = c.DataDir
	m["JOB_NAME"] = j.Name
	m["JOB_DIR"] = c.JobDir
	m["RUN_ID"] = r.ID
	m["RUN_DIR"] = c.RunDir
	m["SCHEDULE_TIME"] = epochString(r.ScheduleTime)
	m["START_TIME"] = epochString(r.StartTime)
	m["TRIGGER_TYPE"] = r.TriggerType
	m["TRIGGER_DIR"] = c.TriggerDir
	if j.JobGroup != "" {
		m["JOB_GROUP"] = j.JobGroup
	}
}

func previousRun(m map[string]string, prefix string, s *job.RunSnapshot) {
	if s == nil {
		return
	}
	m[prefix+"_RUN_ID"] = s.ID
	m[prefix+"_SCHEDULE_TIME"] = epochString(s.ScheduleTime)
	m[prefix+"_START_TIME"] = epochString(s.StartTime)
	m[prefix+"_STOP_TIME"] = epochString(s.StopTime)
	m[prefix+"_EXIT_CODE"] = strconv.Itoa(s.ExitCode)
}

func jenkins(m map[string]string, j *job.Job, r *job.Run, c Context) {
	m["BUILD_NUMBER"] = r.ID
	m["BUILD_ID"] = r.ID
	m["BUILD_URL"] = "file://" + c.RunDir + "/"
	m["NODE_NAME"] = "master"
	m["BUILD_TAG"] = fmt.Sprintf("dsari-%s-%s", j.Name, r.ID)
	m["JENKINS_URL"] = "file://" + c.DataDir + "/"
	m["EXECUTOR_NUMBER"] = "0"
	m["WORKSPACE"] = c.RunDir
}

func epochString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func toSlice(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
