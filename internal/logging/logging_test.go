package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConsoleOnly(t *testing.T) {
	log := New("", false)
	log.Infow("hello", "k", "v")
	if err := log.Sync(); err != nil {
		// Sync on stderr fails on some platforms; only the logger must work.
		t.Logf("sync: %v", err)
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log := New(path, false)
	log.Infow("to file", "k", "v")
	if err := log.Sync(); err != nil {
		t.Logf("sync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	log := New(path, false)
	log.Debugw("hidden")
	_ = log.Sync()
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug entry written at info level")
	}

	log = New(path, true)
	log.Debugw("visible")
	_ = log.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "visible") {
		t.Fatalf("debug entry missing at debug level")
	}
}
