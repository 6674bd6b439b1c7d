package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadBasicConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
shutdown_kill_runs: true
shutdown_kill_grace: 30
environment:
  GLOBAL_VAR: "1"
database:
  type: sqlite
  path: /var/lib/dsari/dsari.sqlite3
concurrency_groups:
  build:
    max: 2
jobs:
  hello:
    command: ["/bin/echo", "hi"]
    schedule: "H * * * *"
    concurrency_groups: ["build"]
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/dsari" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.ShutdownKillRuns {
		t.Error("expected ShutdownKillRuns true")
	}
	if cfg.ShutdownKillGrace != 30*time.Second {
		t.Errorf("ShutdownKillGrace = %v", cfg.ShutdownKillGrace)
	}
	if cfg.Environment["GLOBAL_VAR"] != "1" {
		t.Errorf("Environment = %v", cfg.Environment)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.Path == "" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	g, ok := cfg.ConcurrencyGroups["build"]
	if !ok || g.Max != 2 {
		t.Fatalf("concurrency group build: %+v", cfg.ConcurrencyGroups)
	}
	j, ok := cfg.Jobs["hello"]
	if !ok {
		t.Fatal("job hello missing")
	}
	if len(j.Command) != 2 || j.Command[0] != "/bin/echo" {
		t.Errorf("Command = %v", j.Command)
	}
	if len(j.ConcurrencyGroups) != 1 || j.ConcurrencyGroups[0] != g {
		t.Errorf("job concurrency group not bound to the shared *ConcurrencyGroup")
	}
}

func TestLoadStringCommandIsShellSplit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
jobs:
  hello:
    command: "/bin/echo 'hi there'"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	j := cfg.Jobs["hello"]
	if len(j.Command) != 2 || j.Command[1] != "hi there" {
		t.Errorf("Command = %#v", j.Command)
	}
}

func TestLoadInvalidJobNameRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
jobs:
  "bad/name":
    command: ["/bin/true"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for invalid job name")
	}
}

func TestLoadMissingCommandRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
jobs:
  hello:
    schedule: "@daily"
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestConfigDFragmentsMergeInSortedOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `data_dir: /var/lib/dsari`)
	configD := filepath.Join(dir, "config.d")
	if err := os.Mkdir(configD, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, configD, "10-base.yaml", `
jobs:
  hello:
    command: ["/bin/true"]
`)
	writeFile(t, configD, "20-override.yaml", `
jobs:
  hello:
    command: ["/bin/false"]
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Jobs["hello"].Command[0]; got != "/bin/false" {
		t.Errorf("expected later fragment to win, got %q", got)
	}
}

func TestJobGroupsExpandToMemberJobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
job_groups:
  nightly:
    command: ["/bin/true"]
    schedule: "@daily"
    job_names: ["a", "b"]
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		j, ok := cfg.Jobs[name]
		if !ok {
			t.Fatalf("job %q missing", name)
		}
		if j.JobGroup != "nightly" {
			t.Errorf("job %q JobGroup = %q", name, j.JobGroup)
		}
	}
}

func TestJobGroupsCollisionWithExplicitJobRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
jobs:
  a:
    command: ["/bin/true"]
job_groups:
  nightly:
    command: ["/bin/false"]
    job_names: ["a"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for a job group member colliding with an explicit job")
	}
}

func TestLoadPreservesKeyCase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
data_dir: /var/lib/dsari
environment:
  Mixed_Case_VAR: "x"
jobs:
  Hello World:
    command: ["/bin/true"]
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment["Mixed_Case_VAR"] != "x" {
		t.Errorf("environment key case not preserved: %v", cfg.Environment)
	}
	if _, ok := cfg.Jobs["Hello World"]; !ok {
		t.Errorf("job name case not preserved: %v", cfg.Jobs)
	}
}

func TestLoadRequiresDataDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dsari.yaml", `
jobs:
  hello:
    command: ["/bin/true"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing data_dir")
	}
}
