package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestForDeviceWritesBothSinks(t *testing.T) {
	var console bytes.Buffer
	base := slog.New(slog.NewTextHandler(&console, nil))
	path := filepath.Join(t.TempDir(), "SER1", "logs", "SER1.log")

	logger, closer, err := ForDevice(base, slog.LevelInfo, path, "SER1")
	if err != nil {
		t.Fatalf("ForDevice: %v", err)
	}
	logger.Info("category collected", slog.Int("records", 12))
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "device=SER1") {
		t.Fatalf("console output missing device attribute: %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"device":"SER1"`) || !strings.Contains(content, `"records":12`) {
		t.Fatalf("file output = %q", content)
	}
	if strings.Contains(content, "hidden") {
		t.Fatalf("debug record should be filtered: %q", content)
	}
}

func TestNewHonoursVerbose(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	defer f.Close()

	_, level := New(f, true)
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	_, level = New(f, false)
	if level.Level() != slog.LevelInfo {
		t.Fatalf("level = %v, want info", level.Level())
	}
}
