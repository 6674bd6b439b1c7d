package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

func writeTrigger(t *testing.T, dataDir, jobName, ext, content string) {
	t.Helper()
	dir := filepath.Join(dataDir, "trigger", jobName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "trigger."+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write trigger: %v", err)
	}
}

func TestScanBuildsRunFromJSONTrigger(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "json", `{"environment":{"FOO":"bar"}}`)

	r := New(dataDir, false)
	runs, rejections := r.Scan([]*job.Job{j})
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %v", rejections)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].TriggerType != "file" {
		t.Fatalf("expected trigger_type=file, got %q", runs[0].TriggerType)
	}
	if runs[0].Respawn {
		t.Fatal("file-triggered runs must not respawn")
	}

	if _, err := os.Stat(filepath.Join(dataDir, "trigger", "demo", "trigger.json")); !os.IsNotExist(err) {
		t.Fatal("expected trigger file to be deleted after read")
	}
}

func TestScanUsesMtimeWhenScheduleTimeAbsent(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "json", `{}`)

	before := time.Now().Add(-time.Second)
	r := New(dataDir, false)
	runs, _ := r.Scan([]*job.Job{j})
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].ScheduleTime.Before(before) {
		t.Fatalf("expected schedule_time near now, got %v", runs[0].ScheduleTime)
	}
}

func TestScanRejectsNonMappingTrigger(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "json", `[1,2,3]`)

	r := New(dataDir, false)
	runs, rejections := r.Scan([]*job.Job{j})
	if len(runs) != 0 {
		t.Fatalf("expected no runs for a rejected trigger, got %d", len(runs))
	}
	if len(rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(rejections))
	}
}

func TestScanRejectsNonCoercibleEnvironmentValue(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "json", `{"environment":{"FOO":["a","b"]}}`)

	r := New(dataDir, false)
	_, rejections := r.Scan([]*job.Job{j})
	if len(rejections) != 1 {
		t.Fatalf("expected 1 rejection for non-coercible environment value, got %d", len(rejections))
	}
}

func TestScanParsesExplicitScheduleTime(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "json", `{"schedule_time": "2020-01-01T00:00:00Z"}`)

	r := New(dataDir, false)
	runs, rejections := r.Scan([]*job.Job{j})
	if len(rejections) != 0 {
		t.Fatalf("unexpected rejections: %v", rejections)
	}
	want := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if !runs[0].ScheduleTime.Equal(want) {
		t.Fatalf("expected schedule_time %v, got %v", want, runs[0].ScheduleTime)
	}
}

func TestScanSkipsYAMLWhenNotEnabled(t *testing.T) {
	dataDir := t.TempDir()
	j := job.NewJob("demo")
	writeTrigger(t, dataDir, "demo", "yaml", `environment:\n  FOO: bar\n`)

	r := New(dataDir, false)
	runs, rejections := r.Scan([]*job.Job{j})
	if len(runs) != 0 || len(rejections) != 0 {
		t.Fatalf("expected yaml trigger to be ignored when not enabled, got runs=%d rejections=%d", len(runs), len(rejections))
	}
}

func TestReplaceQueuedReplacesNonConcurrentJobsQueuedRun(t *testing.T) {
	j := job.NewJob("demo")
	queued := job.NewRun(j)
	queued.Respawn = true
	queue := []*job.Run{queued}

	fresh := job.NewRun(j)
	queue = ReplaceQueued(queue, j, fresh)

	if len(queue) != 1 {
		t.Fatalf("expected queue to stay length 1, got %d", len(queue))
	}
	if queue[0].ID != fresh.ID {
		t.Fatal("expected the fresh run to replace the queued one")
	}
	if !queue[0].Respawn {
		t.Fatal("expected the replaced run's respawn flag to carry over")
	}
}

func TestReplaceQueuedAppendsForConcurrentJobs(t *testing.T) {
	j := job.NewJob("demo")
	j.ConcurrentRuns = true
	queued := job.NewRun(j)
	queue := []*job.Run{queued}

	fresh := job.NewRun(j)
	queue = ReplaceQueued(queue, j, fresh)

	if len(queue) != 2 {
		t.Fatalf("expected queue to grow to 2 for a concurrent job, got %d", len(queue))
	}
}

func TestReplaceQueuedDoesNotReplaceAStartedRun(t *testing.T) {
	j := job.NewJob("demo")
	started := job.NewRun(j)
	started.StartTime = time.Now()
	queue := []*job.Run{started}

	fresh := job.NewRun(j)
	queue = ReplaceQueued(queue, j, fresh)

	if len(queue) != 2 {
		t.Fatalf("expected queue to grow to 2 since the existing run already started, got %d", len(queue))
	}
}
