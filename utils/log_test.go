package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		log := NewLogger(level, "")
		if log == nil {
			t.Fatalf("NewLogger(%q) returned nil", level)
		}
		log.Sync()
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busbridge.log")
	log := NewLogger("info", path)
	log.Info("bridge running")
	log.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Errorf("log file is empty")
	}
}

func TestNewLoggerLevelGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busbridge.log")
	log := NewLogger("error", path)
	log.Info("suppressed")
	log.Sync()

	if info, err := os.Stat(path); err == nil && info.Size() != 0 {
		t.Errorf("info line written despite error level")
	}
}
