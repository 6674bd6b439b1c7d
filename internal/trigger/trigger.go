// Package trigger implements ad-hoc run intake: scanning each job's
// trigger file on every scheduler tick, parsing it into a Run, and
// folding that Run into a job's queue per the non-concurrent-replace
// rule.
package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rfinnie/dsari-go/internal/job"
)

// Reader scans a data directory's trigger subtree for ad-hoc run
// requests.
type Reader struct {
	DataDir     string
	YAMLEnabled bool
}

// New returns a Reader rooted at dataDir.
func New(dataDir string, yamlEnabled bool) *Reader {
	return &Reader{DataDir: dataDir, YAMLEnabled: yamlEnabled}
}

// Scan checks every job in jobs for a pending trigger file, reading
// and deleting any it finds. It returns one Run per accepted trigger
// and one error per rejected trigger (logged by the caller, never
// fatal to the scan as a whole).
func (r *Reader) Scan(jobs []*job.Job) (runs []*job.Run, rejections []error) {
	for _, j := range jobs {
		run, err := r.scanJob(j)
		if err != nil {
			rejections = append(rejections, fmt.Errorf("trigger %s: %w", j.Name, err))
			continue
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, rejections
}

func (r *Reader) scanJob(j *job.Job) (*job.Run, error) {
	dir := filepath.Join(r.DataDir, "trigger", j.Name)
	exts := []string{"json"}
	if r.YAMLEnabled {
		exts = append(exts, "yaml")
	}

	for _, ext := range exts {
		path := filepath.Join(dir, "trigger."+ext)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtime := fi.ModTime()

		data, err := os.ReadFile(path)
		if err != nil {
			// The file vanished between Stat and ReadFile (a race with
			// another process); nothing to report, not an error.
			continue
		}
		_ = os.Remove(path)

		raw, err := decode(ext, data)
		if err != nil {
			return nil, err
		}
		return buildRun(j, raw, mtime)
	}
	return nil, nil
}

func decode(ext string, data []byte) (map[string]any, error) {
	var raw any
	var err error
	switch ext {
	case "yaml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	m, ok := toStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("trigger file is not a mapping")
	}
	return m, nil
}

// toStringMap normalizes a decoded document to map[string]any,
// accommodating YAML's map[any]any for non-string keys.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func buildRun(j *job.Job, raw map[string]any, mtime time.Time) (*job.Run, error) {
	scheduleTime := mtime
	if v, ok := raw["schedule_time"]; ok {
		t, err := parseScheduleTime(v)
		if err != nil {
			return nil, fmt.Errorf("schedule_time: %w", err)
		}
		scheduleTime = t
	}

	environment, err := coerceEnvironment(raw["environment"])
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	r := job.NewRun(j)
	r.TriggerType = "file"
	r.TriggerData = raw
	r.ScheduleTime = scheduleTime
	r.Respawn = false
	if environment != nil {
		r.TriggerData["environment"] = environment
	}
	return r, nil
}

func parseScheduleTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return epochSeconds(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("not a number: %v", v)
		}
		return epochSeconds(f), nil
	case int:
		return epochSeconds(float64(t)), nil
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return epochSeconds(f), nil
		}
		return time.Time{}, fmt.Errorf("neither a number nor a valid ISO-8601-ish date: %q", t)
	default:
		return time.Time{}, fmt.Errorf("neither a number nor a valid ISO-8601-ish date: %v", v)
	}
}

func epochSeconds(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func coerceEnvironment(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := toStringMap(v)
	if !ok {
		return nil, fmt.Errorf("not a mapping")
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(tv)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			return nil, fmt.Errorf("value for %q is not coercible to a string", k)
		}
	}
	return out, nil
}

// ReplaceQueued folds run into queue per the non-concurrent-replace
// rule: if j forbids concurrent runs and queue already holds a
// not-yet-started run for j, run replaces it (the replaced run's
// Respawn flag is preserved onto run); otherwise run is appended.
func ReplaceQueued(queue []*job.Run, j *job.Job, run *job.Run) []*job.Run {
	if j.ConcurrentRuns {
		return append(queue, run)
	}
	for i, existing := range queue {
		if existing.JobName != j.Name || !existing.StartTime.IsZero() {
			continue
		}
		run.Respawn = existing.Respawn
		queue[i] = run
		return queue
	}
	return append(queue, run)
}
