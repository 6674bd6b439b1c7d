package concurrency

import (
	"testing"
	"time"

	"github.com/rfinnie/dsari-go/internal/job"
)

func TestAdmitDefersFutureScheduleTime(t *testing.T) {
	j := job.NewJob("demo")
	run := job.NewRun(j)
	run.ScheduleTime = time.Now().Add(time.Hour)

	_, ok := Admit(time.Now(), j, run, nil, nil)
	if ok {
		t.Fatal("expected a future schedule_time to defer admission")
	}
}

func TestAdmitDefersWhenJobAlreadyRunningAndNotConcurrent(t *testing.T) {
	j := job.NewJob("demo")
	run := job.NewRun(j)
	other := job.NewRun(j)

	_, ok := Admit(time.Now(), j, run, []*job.Run{other}, nil)
	if ok {
		t.Fatal("expected admission to defer when a non-concurrent job already has a running run")
	}
}

func TestAdmitAllowsConcurrentJobDespiteRunningRun(t *testing.T) {
	j := job.NewJob("demo")
	j.ConcurrentRuns = true
	run := job.NewRun(j)
	other := job.NewRun(j)

	_, ok := Admit(time.Now(), j, run, []*job.Run{other}, nil)
	if !ok {
		t.Fatal("expected a concurrent job to be admitted alongside an already-running run")
	}
}

func TestAdmitWithNoGroupsNeedsNoCapacity(t *testing.T) {
	j := job.NewJob("demo")
	run := job.NewRun(j)

	group, ok := Admit(time.Now(), j, run, nil, nil)
	if !ok || group != nil {
		t.Fatalf("expected admission with no chosen group, got group=%v ok=%v", group, ok)
	}
}

func TestAdmitDefersWhenAllGroupsFull(t *testing.T) {
	g := &job.ConcurrencyGroup{Name: "builders", Max: 1}
	j := job.NewJob("demo")
	j.ConcurrencyGroups = []*job.ConcurrencyGroup{g}
	run := job.NewRun(j)

	_, ok := Admit(time.Now(), j, run, nil, Occupancy{"builders": 1})
	if ok {
		t.Fatal("expected admission to defer when the only group is at capacity")
	}
}

func TestAdmitChoosesAGroupWithCapacity(t *testing.T) {
	full := &job.ConcurrencyGroup{Name: "full", Max: 1}
	open := &job.ConcurrencyGroup{Name: "open", Max: 1}
	j := job.NewJob("demo")
	j.ConcurrencyGroups = []*job.ConcurrencyGroup{full, open}
	run := job.NewRun(j)

	group, ok := Admit(time.Now(), j, run, nil, Occupancy{"full": 1, "open": 0})
	if !ok {
		t.Fatal("expected admission when one group has capacity")
	}
	if group == nil || group.Name != "open" {
		t.Fatalf("expected the open group to be chosen, got %v", group)
	}
}

func TestBackoffClampsToFiveSecondsForNonPositiveDelta(t *testing.T) {
	now := time.Now()
	if got := Backoff(now, now); got != 5*time.Second {
		t.Fatalf("expected 5s floor for zero delta, got %v", got)
	}
	if got := Backoff(now, now.Add(-time.Second)); got != 5*time.Second {
		t.Fatalf("expected 5s floor when now precedes schedule_time, got %v", got)
	}
}

func TestBackoffClampsToThreeHundredSecondsForLargeDelta(t *testing.T) {
	now := time.Now()
	schedule := now.Add(-100 * time.Hour)
	if got := Backoff(schedule, now); got != 300*time.Second {
		t.Fatalf("expected 300s ceiling for a huge delta, got %v", got)
	}
}

func TestBackoffGrowsWithDelta(t *testing.T) {
	now := time.Now()
	small := Backoff(now.Add(-10*time.Second), now)
	large := Backoff(now.Add(-60*time.Second), now)
	if large < small {
		t.Fatalf("expected backoff to grow with delta: small=%v large=%v", small, large)
	}
}
