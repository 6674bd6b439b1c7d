package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dsarid.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file contains %q, want %d", got, os.Getpid())
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file still exists after removePidFile")
	}
}

func TestRemovePidFileEmptyPathIsNoop(t *testing.T) {
	if err := removePidFile(""); err != nil {
		t.Fatalf("removePidFile(\"\"): %v", err)
	}
}

func TestStripForkFlag(t *testing.T) {
	in := []string{"--config-dir", "/etc/dsari", "--fork", "--pidfile", "/run/dsarid.pid", "--fork=true"}
	want := []string{"--config-dir", "/etc/dsari", "--pidfile", "/run/dsarid.pid"}
	if got := stripForkFlag(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("stripForkFlag(%v) = %v, want %v", in, got, want)
	}
}
