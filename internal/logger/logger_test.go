package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewConsoleOnly(t *testing.T) {
	lg, closer := New(Config{})
	defer func() { _ = closer.Close() }()
	if lg == nil {
		t.Fatal("expected non-nil logger")
	}
	lg.Info("hello")
}

func TestNewWithFileRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dsarid.log")
	lg, closer := New(Config{File: path})
	defer func() { _ = closer.Close() }()
	lg.Info("daemon started")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
}

func TestColorTextHandlerOmitsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{}, false)
	lg := slog.New(h)
	lg.Info("no timestamp here")
	if buf.Len() == 0 {
		t.Fatal("expected output")
	}
	if bytes.Contains(buf.Bytes(), []byte("time=")) {
		t.Fatalf("expected no time attribute, got %q", buf.String())
	}
}

func TestDebugLevelGating(t *testing.T) {
	lg, closer := New(Config{Debug: false})
	defer func() { _ = closer.Close() }()
	if lg.Handler().Enabled(nil, slog.LevelDebug) {
		t.Fatal("debug should be disabled by default")
	}

	debugLg, closer2 := New(Config{Debug: true})
	defer func() { _ = closer2.Close() }()
	if !debugLg.Handler().Enabled(nil, slog.LevelDebug) {
		t.Fatal("debug should be enabled when Debug=true")
	}
}
