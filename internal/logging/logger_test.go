package logging

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		l, err := New(level)
		if err != nil {
			t.Fatalf("level %s: unexpected error: %v", level, err)
		}
		if l == nil {
			t.Fatalf("level %s: nil logger", level)
		}
	}
}

func TestSetGlobal(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	l := zap.NewNop()
	SetGlobal(l)
	if Global() != l {
		t.Error("expected SetGlobal to replace the global logger")
	}
}

func TestNewWithOptionsFileOutput(t *testing.T) {
	dir := t.TempDir()
	l, err := NewWithOptions("info", Options{
		File:       filepath.Join(dir, "porta.log"),
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Info("startup")
	if err := l.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func TestNewWithOptionsFallsBackWithoutFile(t *testing.T) {
	l, err := NewWithOptions("warn", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Core().Enabled(zap.WarnLevel) {
		t.Error("expected warn level enabled")
	}
	if l.Core().Enabled(zap.InfoLevel) {
		t.Error("expected info level disabled at warn")
	}
}
