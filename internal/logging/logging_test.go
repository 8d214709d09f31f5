package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuild_ConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := build(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer cleanup()

	logger.Info("hidden")
	logger.Warn("visible")
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn entry should be written")
	}
}

func TestBuild_DebugFile(t *testing.T) {
	path := DebugFile(t.TempDir())
	var buf bytes.Buffer
	logger, cleanup, err := build(Config{Level: "error", File: path}, &buf)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	logger.Debug("debug detail")
	_ = logger.Sync()
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read debug file: %v", err)
	}
	if !strings.Contains(string(data), "debug detail") {
		t.Errorf("debug file missing entry: %s", data)
	}
	if buf.Len() != 0 {
		t.Errorf("console should be empty at error level, got %q", buf.String())
	}
}

func TestBuild_BadLevel(t *testing.T) {
	if _, _, err := build(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDebugFile(t *testing.T) {
	got := DebugFile("/data")
	if got != filepath.Join("/data", "logs", "relay-debug.log") {
		t.Errorf("DebugFile() = %q", got)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) should return a logger")
	}
}
