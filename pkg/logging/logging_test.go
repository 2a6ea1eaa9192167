package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := New(Options{Dir: dir, Level: LevelDebug})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer writer.Close()

	slog.Info("hello", "k", "v")

	path := filepath.Join(dir, "nstard.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty log file")
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("nonsense"); got != slog.LevelInfo {
		t.Fatalf("parseLevel(nonsense) = %v, want Info", got)
	}
	if got := parseLevel(LevelError); got != slog.LevelError {
		t.Fatalf("parseLevel(error) = %v, want Error", got)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MaxSizeMB == 0 || o.MaxBackups == 0 || o.MaxAgeDays == 0 {
		t.Fatalf("expected nonzero defaults, got %+v", o)
	}
}
